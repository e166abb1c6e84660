// Package session orchestrates every participant action against a room: it
// loads the room's queue snapshot, runs the pure queue engine, persists the
// result and broadcasts the outcome. It is the only code path that writes
// queue positions or the current-song pointer.
package session

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/karaoke-room-system/internal/queue"
	"github.com/karaoke-room-system/pkg/apperrors"
	"github.com/karaoke-room-system/pkg/database"
	"github.com/karaoke-room-system/pkg/events"
	"github.com/karaoke-room-system/pkg/models"
)

const (
	maxCodeAttempts    = 10
	maxConflictRetries = 3
	baseBackoff        = 50 * time.Millisecond
)

var roomCodePattern = regexp.MustCompile(`^\d{4}$`)

// Repository is the storage surface the coordinator consumes.
type Repository interface {
	CreateRoom(room *models.Room) error
	GetRoomByCode(code string) (*models.Room, error)
	SetRoomActive(roomID uuid.UUID, active bool) error
	UpsertSong(youtubeID, title, artist, duration, thumbnail string) (*models.Song, error)
	GetSong(songID uuid.UUID) (*models.Song, error)
	GetQueue(roomID uuid.UUID) ([]models.QueueEntry, error)
	WriteQueueBatch(roomID uuid.UUID, writes []database.QueueWrite, deletions []uuid.UUID, current *database.CurrentSongUpdate) error
	AppendHistory(entry *models.HistoryEntry) error
	GetHistory(roomID uuid.UUID, limit int) ([]models.HistoryEntry, error)
	LastPlayed(roomID uuid.UUID) (*models.HistoryEntry, error)
}

// Publisher fans events out to room participants.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Journal records events for auditing; appends are best-effort.
type Journal interface {
	Append(ctx context.Context, event events.Event) error
}

type Service struct {
	repo    Repository
	pub     Publisher
	journal Journal
	log     zerolog.Logger
}

func NewService(repo Repository, pub Publisher, journal Journal, log zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		pub:     pub,
		journal: journal,
		log:     log.With().Str("component", "session").Logger(),
	}
}

// RoomState is the authoritative view clients resync from.
type RoomState struct {
	Room        *models.Room        `json:"room"`
	Queue       []models.QueueEntry `json:"queue"`
	CurrentSong *models.Song        `json:"current_song,omitempty"`
}

// CreateRoom allocates a fresh room under a random 4-digit code, drawing new
// codes while the database reports collisions.
func (s *Service) CreateRoom(ctx context.Context) (*models.Room, error) {
	var lastErr error
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		room := &models.Room{
			ID:        uuid.New(),
			Code:      fmt.Sprintf("%04d", rand.Intn(10000)),
			Active:    true,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		err := s.repo.CreateRoom(room)
		if err == nil {
			s.log.Info().Str("room", room.Code).Msg("room created")
			return room, nil
		}
		if !apperrors.Is(err, apperrors.ErrConflict) {
			return nil, err
		}
		lastErr = err
		s.log.Debug().Str("room", room.Code).Msg("room code collision, regenerating")
	}
	return nil, apperrors.ErrUpstreamUnavailable.
		WithMessage("Unable to allocate a unique room code, try again").
		WithError(lastErr)
}

// GetRoom resolves a room code to its full state, queue included.
func (s *Service) GetRoom(ctx context.Context, code string) (*RoomState, error) {
	room, err := s.lookupRoom(code)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.GetQueue(room.ID)
	if err != nil {
		return nil, err
	}
	state := &RoomState{Room: room, Queue: entries}
	if room.CurrentSongID != nil {
		if song, err := s.repo.GetSong(*room.CurrentSongID); err == nil {
			state.CurrentSong = song
		}
	}
	return state, nil
}

// CloseRoom ends a session; the room record stays for history access.
func (s *Service) CloseRoom(ctx context.Context, code string) error {
	room, err := s.lookupRoom(code)
	if err != nil {
		return err
	}
	return s.repo.SetRoomActive(room.ID, false)
}

// GetHistory lists recent plays, newest first.
func (s *Service) GetHistory(ctx context.Context, code string, limit int) ([]models.HistoryEntry, error) {
	room, err := s.lookupRoom(code)
	if err != nil {
		return nil, err
	}
	return s.repo.GetHistory(room.ID, limit)
}

// AddSongRequest carries the catalog metadata of a song to enqueue.
type AddSongRequest struct {
	YouTubeID string           `json:"youtube_id"`
	Title     string           `json:"title"`
	Artist    string           `json:"artist"`
	Duration  string           `json:"duration"`
	Thumbnail string           `json:"thumbnail"`
	Mode      queue.InsertMode `json:"mode"`
}

// AddSong enqueues a song, creating the catalog record on first reference.
func (s *Service) AddSong(ctx context.Context, code string, req AddSongRequest) (*RoomState, error) {
	if req.YouTubeID == "" || req.Title == "" || req.Artist == "" || req.Duration == "" {
		return nil, apperrors.ErrInvalidArgument.WithMessage("youtube_id, title, artist and duration are required")
	}
	mode := req.Mode
	if mode == "" {
		mode = queue.InsertEnd
	}
	if mode != queue.InsertEnd && mode != queue.InsertNext {
		return nil, apperrors.ErrInvalidArgument.WithMessagef("unknown insert mode %q", mode)
	}

	return s.mutate(ctx, code, func(room *models.Room, snap queue.Snapshot) (queue.Snapshot, queue.Change, error) {
		song, err := s.repo.UpsertSong(req.YouTubeID, req.Title, req.Artist, req.Duration, req.Thumbnail)
		if err != nil {
			return snap, queue.Change{}, err
		}
		return queue.Insert(snap, uuid.New(), song.ID, mode)
	})
}

// RemoveSong drops one queue entry and compacts the rest.
func (s *Service) RemoveSong(ctx context.Context, code string, entryID uuid.UUID) (*RoomState, error) {
	return s.mutate(ctx, code, func(room *models.Room, snap queue.Snapshot) (queue.Snapshot, queue.Change, error) {
		return queue.Remove(snap, entryID)
	})
}

// ReorderStep moves one entry a single slot up or down.
func (s *Service) ReorderStep(ctx context.Context, code string, entryID uuid.UUID, dir queue.Direction) (*RoomState, error) {
	return s.mutate(ctx, code, func(room *models.Room, snap queue.Snapshot) (queue.Snapshot, queue.Change, error) {
		return queue.ReorderStep(snap, entryID, dir)
	})
}

// BulkReorder applies a batch of position assignments as one atomic change.
func (s *Service) BulkReorder(ctx context.Context, code string, assignments []queue.Assignment) (*RoomState, error) {
	return s.mutate(ctx, code, func(room *models.Room, snap queue.Snapshot) (queue.Snapshot, queue.Change, error) {
		return queue.BulkReorder(snap, assignments)
	})
}

// Playback handles transport commands. Advancing actions mutate the queue;
// the rest are forwarded untouched. Every action ends in a playback_control
// broadcast stamped with server time.
func (s *Service) Playback(ctx context.Context, code string, action events.Action, volume *int) (*RoomState, error) {
	if !action.Valid() {
		return nil, apperrors.ErrInvalidArgument.WithMessagef("invalid playback action %q", action)
	}
	if action == events.ActionVolume {
		if volume == nil || *volume < 0 || *volume > 100 {
			return nil, apperrors.ErrInvalidArgument.WithMessage("volume must be between 0 and 100")
		}
	}

	var state *RoomState
	var err error
	switch action {
	case events.ActionNext:
		state, err = s.advance(ctx, code, queue.AdvanceManual)
	case events.ActionAutoNext:
		state, err = s.advance(ctx, code, queue.AdvanceAuto)
	case events.ActionPrevious:
		state, err = s.retreat(ctx, code)
	default:
		state, err = s.GetRoom(ctx, code)
	}
	if err != nil {
		return nil, err
	}

	ev, err := events.NewPlaybackControl(code, action, time.Now(), volume)
	if err != nil {
		return nil, apperrors.ErrInvalidArgument.WithError(err)
	}
	s.broadcast(ctx, ev)
	return state, nil
}

func (s *Service) advance(ctx context.Context, code string, mode queue.AdvanceMode) (*RoomState, error) {
	return s.mutate(ctx, code, func(room *models.Room, snap queue.Snapshot) (queue.Snapshot, queue.Change, error) {
		return queue.Advance(snap, mode)
	})
}

// retreat resolves "previous" as re-enqueueing the last played song at the
// queue head. The queue itself is forward-only, so history is the only
// source of a predecessor; without one the action is disallowed.
func (s *Service) retreat(ctx context.Context, code string) (*RoomState, error) {
	return s.mutate(ctx, code, func(room *models.Room, snap queue.Snapshot) (queue.Snapshot, queue.Change, error) {
		last, err := s.repo.LastPlayed(room.ID)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				return snap, queue.Change{}, apperrors.ErrInvalidOperation.WithMessage("No previously played song to return to")
			}
			return snap, queue.Change{}, err
		}
		// Retreat does not write history, so LastPlayed keeps reporting the
		// same song. Once that song is playing again there is nothing
		// further back to return to.
		if snap.CurrentSongID != nil && *snap.CurrentSongID == last.SongID {
			return snap, queue.Change{}, apperrors.ErrInvalidOperation.WithMessage("Already back at the previously played song")
		}
		return queue.Retreat(snap, uuid.New(), last.SongID)
	})
}

// mutation is one engine invocation over a loaded snapshot.
type mutation func(room *models.Room, snap queue.Snapshot) (queue.Snapshot, queue.Change, error)

// mutate runs the load-mutate-persist-broadcast cycle. The full cycle is
// retried on write conflicts with exponential backoff and jitter; after the
// retry budget the conflict surfaces as upstream unavailability. Broadcast
// failures after a successful persist are logged, never returned.
func (s *Service) mutate(ctx context.Context, code string, fn mutation) (*RoomState, error) {
	var lastErr error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		if attempt > 0 {
			if err := s.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		state, change, err := s.attempt(ctx, code, fn)
		if err == nil {
			s.publishChange(ctx, code, state, change)
			return state, nil
		}
		if !apperrors.Is(err, apperrors.ErrConflict) {
			return nil, err
		}
		lastErr = err
		s.log.Warn().Str("room", code).Int("attempt", attempt+1).Msg("write conflict, retrying")
	}
	return nil, apperrors.ErrUpstreamUnavailable.
		WithMessage("Room is busy, try again").
		WithError(lastErr)
}

func (s *Service) attempt(ctx context.Context, code string, fn mutation) (*RoomState, queue.Change, error) {
	room, err := s.lookupRoom(code)
	if err != nil {
		return nil, queue.Change{}, err
	}

	entries, err := s.repo.GetQueue(room.ID)
	if err != nil {
		return nil, queue.Change{}, err
	}
	snap := snapshotFrom(room, entries)

	next, change, err := fn(room, snap)
	if err != nil {
		return nil, queue.Change{}, err
	}

	writes := make([]database.QueueWrite, 0, len(change.Moves)+1)
	for _, m := range change.Moves {
		writes = append(writes, database.QueueWrite{EntryID: m.EntryID, Position: m.Position})
	}
	if change.NewEntry != nil {
		writes = append(writes, database.QueueWrite{
			EntryID:  change.NewEntry.ID,
			SongID:   change.NewEntry.SongID,
			Position: change.NewEntry.Position,
			New:      true,
		})
	}
	var current *database.CurrentSongUpdate
	if change.PersistCurrent {
		current = &database.CurrentSongUpdate{SongID: change.CurrentSongID}
	}
	if len(writes) > 0 || len(change.Deletes) > 0 || current != nil {
		if err := s.repo.WriteQueueBatch(room.ID, writes, change.Deletes, current); err != nil {
			return nil, queue.Change{}, err
		}
	}

	// History is best-effort: the queue transition already committed, a
	// missing history row must not undo it.
	if change.History != nil {
		entry := &models.HistoryEntry{
			ID:       uuid.New(),
			RoomID:   room.ID,
			SongID:   change.History.SongID,
			PlayedAt: time.Now(),
			Auto:     change.History.Auto,
		}
		if err := s.repo.AppendHistory(entry); err != nil {
			s.log.Warn().Err(err).Str("room", code).Msg("failed to append history entry")
		}
	}

	room.CurrentSongID = next.CurrentSongID
	finalEntries, err := s.repo.GetQueue(room.ID)
	if err != nil {
		return nil, queue.Change{}, err
	}
	state := &RoomState{Room: room, Queue: finalEntries}
	if room.CurrentSongID != nil {
		if song, err := s.repo.GetSong(*room.CurrentSongID); err == nil {
			state.CurrentSong = song
		}
	}
	return state, change, nil
}

func (s *Service) publishChange(ctx context.Context, code string, state *RoomState, change queue.Change) {
	if change.QueueChanged {
		ev, err := events.NewQueueUpdated(code, queuePayload(state.Queue))
		if err != nil {
			s.log.Error().Err(err).Msg("failed to build queue_updated event")
		} else {
			s.broadcast(ctx, ev)
		}
	}
	if change.SongChanged {
		var currentID *string
		var song *events.SongPayload
		if state.Room.CurrentSongID != nil {
			id := state.Room.CurrentSongID.String()
			currentID = &id
		}
		if state.CurrentSong != nil {
			song = songPayload(state.CurrentSong)
		}
		ev, err := events.NewSongChanged(code, currentID, song)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to build song_changed event")
		} else {
			s.broadcast(ctx, ev)
		}
	}
}

// broadcast publishes to the room channel and mirrors to the journal. Both
// are post-commit and neither failure propagates to the caller.
func (s *Service) broadcast(ctx context.Context, ev events.Event) {
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("room", ev.RoomCode).Str("type", string(ev.Type)).
			Msg("broadcast failed after persist, clients will catch up on resync")
	}
	if s.journal != nil {
		if err := s.journal.Append(ctx, ev); err != nil {
			s.log.Warn().Err(err).Str("room", ev.RoomCode).Msg("journal append failed")
		}
	}
}

func (s *Service) backoff(ctx context.Context, attempt int) error {
	delay := baseBackoff << (attempt - 1)
	delay += time.Duration(rand.Int63n(int64(baseBackoff)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (s *Service) lookupRoom(code string) (*models.Room, error) {
	if !roomCodePattern.MatchString(code) {
		return nil, apperrors.ErrInvalidArgument.WithMessage("Room code must be exactly 4 digits")
	}
	room, err := s.repo.GetRoomByCode(code)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("Room not found")
		}
		return nil, err
	}
	return room, nil
}

func snapshotFrom(room *models.Room, entries []models.QueueEntry) queue.Snapshot {
	engineEntries := make([]queue.Entry, len(entries))
	for i, e := range entries {
		engineEntries[i] = queue.Entry{ID: e.ID, SongID: e.SongID, Position: e.Position}
	}
	return queue.NewSnapshot(room.CurrentSongID, engineEntries)
}

func songPayload(song *models.Song) *events.SongPayload {
	return &events.SongPayload{
		ID:        song.ID.String(),
		Title:     song.Title,
		Artist:    song.Artist,
		YouTubeID: song.YouTubeID,
		Duration:  song.Duration,
		Thumbnail: song.Thumbnail,
	}
}

func queuePayload(entries []models.QueueEntry) []events.QueueItemPayload {
	items := make([]events.QueueItemPayload, len(entries))
	for i, e := range entries {
		items[i] = events.QueueItemPayload{
			EntryID:  e.ID.String(),
			Position: e.Position,
			Song:     *songPayload(&e.Song),
		}
	}
	return items
}
