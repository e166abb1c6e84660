package session

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karaoke-room-system/internal/queue"
	"github.com/karaoke-room-system/pkg/apperrors"
	"github.com/karaoke-room-system/pkg/database"
	"github.com/karaoke-room-system/pkg/events"
	"github.com/karaoke-room-system/pkg/models"
)

// fakeRepo is an in-memory Repository with scriptable failures.
type fakeRepo struct {
	mu        sync.Mutex
	rooms     map[string]*models.Room
	songs     map[uuid.UUID]*models.Song
	songsByYT map[string]*models.Song
	queues    map[uuid.UUID][]models.QueueEntry
	history   map[uuid.UUID][]models.HistoryEntry

	createRoomErrs []error
	batchErrs      []error
	historyErr     error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rooms:     make(map[string]*models.Room),
		songs:     make(map[uuid.UUID]*models.Song),
		songsByYT: make(map[string]*models.Song),
		queues:    make(map[uuid.UUID][]models.QueueEntry),
		history:   make(map[uuid.UUID][]models.HistoryEntry),
	}
}

func (f *fakeRepo) popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeRepo) CreateRoom(room *models.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popErr(&f.createRoomErrs); err != nil {
		return err
	}
	if _, exists := f.rooms[room.Code]; exists {
		return apperrors.ErrConflict
	}
	clone := *room
	f.rooms[room.Code] = &clone
	return nil
}

func (f *fakeRepo) GetRoomByCode(code string) (*models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[code]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	clone := *room
	return &clone, nil
}

func (f *fakeRepo) SetRoomActive(roomID uuid.UUID, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, room := range f.rooms {
		if room.ID == roomID {
			room.Active = active
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (f *fakeRepo) UpsertSong(youtubeID, title, artist, duration, thumbnail string) (*models.Song, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if song, ok := f.songsByYT[youtubeID]; ok {
		return song, nil
	}
	song := &models.Song{
		ID:        uuid.New(),
		YouTubeID: youtubeID,
		Title:     title,
		Artist:    artist,
		Duration:  duration,
		Thumbnail: thumbnail,
	}
	f.songs[song.ID] = song
	f.songsByYT[youtubeID] = song
	return song, nil
}

func (f *fakeRepo) GetSong(songID uuid.UUID) (*models.Song, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	song, ok := f.songs[songID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return song, nil
}

func (f *fakeRepo) GetQueue(roomID uuid.UUID) ([]models.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.queues[roomID]
	out := make([]models.QueueEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *fakeRepo) WriteQueueBatch(roomID uuid.UUID, writes []database.QueueWrite, deletions []uuid.UUID, current *database.CurrentSongUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// A scripted failure rejects the whole batch before any write lands,
	// mirroring the real transaction's all-or-nothing behavior.
	if err := f.popErr(&f.batchErrs); err != nil {
		return err
	}
	entries := f.queues[roomID]

	for _, id := range deletions {
		for i, e := range entries {
			if e.ID == id {
				entries = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
	for _, w := range writes {
		if w.New {
			song := f.songs[w.SongID]
			entries = append(entries, models.QueueEntry{
				ID:       w.EntryID,
				RoomID:   roomID,
				SongID:   w.SongID,
				Position: w.Position,
				Song:     *song,
			})
			continue
		}
		for i := range entries {
			if entries[i].ID == w.EntryID {
				entries[i].Position = w.Position
				break
			}
		}
	}
	f.queues[roomID] = entries

	if current != nil {
		for _, room := range f.rooms {
			if room.ID == roomID {
				room.CurrentSongID = current.SongID
				break
			}
		}
	}
	return nil
}

func (f *fakeRepo) AppendHistory(entry *models.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return f.historyErr
	}
	f.history[entry.RoomID] = append(f.history[entry.RoomID], *entry)
	return nil
}

func (f *fakeRepo) GetHistory(roomID uuid.UUID, limit int) ([]models.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.history[roomID]
	out := make([]models.HistoryEntry, len(entries))
	copy(out, entries)
	// Newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) LastPlayed(roomID uuid.UUID) (*models.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.history[roomID]
	if len(entries) == 0 {
		return nil, apperrors.ErrNotFound
	}
	last := entries[len(entries)-1]
	return &last, nil
}

type fakePublisher struct {
	published []events.Event
}

func (p *fakePublisher) Publish(ctx context.Context, event events.Event) error {
	p.published = append(p.published, event)
	return nil
}

func (p *fakePublisher) types() []events.Type {
	out := make([]events.Type, len(p.published))
	for i, ev := range p.published {
		out[i] = ev.Type
	}
	return out
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *fakePublisher) {
	t.Helper()
	repo := newFakeRepo()
	pub := &fakePublisher{}
	return NewService(repo, pub, nil, zerolog.Nop()), repo, pub
}

func seedRoom(t *testing.T, svc *Service) *models.Room {
	t.Helper()
	room, err := svc.CreateRoom(context.Background())
	require.NoError(t, err)
	return room
}

func addSong(t *testing.T, svc *Service, code, youtubeID string) *RoomState {
	t.Helper()
	state, err := svc.AddSong(context.Background(), code, AddSongRequest{
		YouTubeID: youtubeID,
		Title:     "Title " + youtubeID,
		Artist:    "Artist",
		Duration:  "3:45",
	})
	require.NoError(t, err)
	return state
}

func TestCreateRoom(t *testing.T) {
	svc, repo, _ := newTestService(t)

	room, err := svc.CreateRoom(context.Background())
	require.NoError(t, err)
	assert.Regexp(t, `^\d{4}$`, room.Code)
	assert.True(t, room.Active)
	assert.Len(t, repo.rooms, 1)
}

func TestCreateRoomConcurrent(t *testing.T) {
	svc, repo, _ := newTestService(t)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateRoom(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, repo.rooms, workers, "every room keeps a unique code")
}

func TestCreateRoomRetriesOnCodeCollision(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.createRoomErrs = []error{apperrors.ErrConflict, apperrors.ErrConflict}

	room, err := svc.CreateRoom(context.Background())
	require.NoError(t, err)
	assert.Regexp(t, `^\d{4}$`, room.Code)
}

func TestCreateRoomGivesUpAfterRetryBudget(t *testing.T) {
	svc, repo, _ := newTestService(t)
	for i := 0; i < maxCodeAttempts; i++ {
		repo.createRoomErrs = append(repo.createRoomErrs, apperrors.ErrConflict)
	}

	_, err := svc.CreateRoom(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrUpstreamUnavailable))
}

func TestAddSongFirstBecomesCurrent(t *testing.T) {
	svc, _, pub := newTestService(t)
	room := seedRoom(t, svc)

	state := addSong(t, svc, room.Code, "yt-1")

	require.NotNil(t, state.Room.CurrentSongID)
	require.Len(t, state.Queue, 1)
	assert.Equal(t, 0, state.Queue[0].Position)
	assert.Equal(t, "Title yt-1", state.CurrentSong.Title)
	assert.Equal(t, []events.Type{events.TypeQueueUpdated, events.TypeSongChanged}, pub.types())
}

func TestAddSongAppendsToEnd(t *testing.T) {
	svc, _, pub := newTestService(t)
	room := seedRoom(t, svc)

	addSong(t, svc, room.Code, "yt-1")
	pub.published = nil
	state := addSong(t, svc, room.Code, "yt-2")

	require.Len(t, state.Queue, 2)
	assert.Equal(t, "yt-1", state.Queue[0].Song.YouTubeID)
	assert.Equal(t, "yt-2", state.Queue[1].Song.YouTubeID)
	// Current song did not change, so only the queue event fires.
	assert.Equal(t, []events.Type{events.TypeQueueUpdated}, pub.types())
}

func TestAddSongValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	room := seedRoom(t, svc)

	_, err := svc.AddSong(context.Background(), room.Code, AddSongRequest{Title: "no id"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidArgument))

	_, err = svc.AddSong(context.Background(), room.Code, AddSongRequest{
		YouTubeID: "yt-1", Title: "t", Artist: "a", Duration: "1:00", Mode: "sideways",
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidArgument))
}

func TestAddSongRoomNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.AddSong(context.Background(), "0000", AddSongRequest{
		YouTubeID: "yt-1", Title: "t", Artist: "a", Duration: "1:00",
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	_, err = svc.AddSong(context.Background(), "not-a-code", AddSongRequest{
		YouTubeID: "yt-1", Title: "t", Artist: "a", Duration: "1:00",
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidArgument))
}

func TestPlaybackNextAdvancesQueue(t *testing.T) {
	svc, repo, pub := newTestService(t)
	room := seedRoom(t, svc)
	addSong(t, svc, room.Code, "yt-1")
	addSong(t, svc, room.Code, "yt-2")
	pub.published = nil

	state, err := svc.Playback(context.Background(), room.Code, events.ActionNext, nil)
	require.NoError(t, err)

	require.Len(t, state.Queue, 1)
	assert.Equal(t, "yt-2", state.Queue[0].Song.YouTubeID)
	assert.Equal(t, 0, state.Queue[0].Position)
	assert.Equal(t, "Title yt-2", state.CurrentSong.Title)

	history := repo.history[room.ID]
	require.Len(t, history, 1)
	assert.False(t, history[0].Auto)

	assert.Equal(t, []events.Type{
		events.TypeQueueUpdated,
		events.TypeSongChanged,
		events.TypePlaybackControl,
	}, pub.types())
}

func TestPlaybackAutoNextRecordsAutoHistory(t *testing.T) {
	svc, repo, _ := newTestService(t)
	room := seedRoom(t, svc)
	addSong(t, svc, room.Code, "yt-1")

	_, err := svc.Playback(context.Background(), room.Code, events.ActionAutoNext, nil)
	require.NoError(t, err)

	history := repo.history[room.ID]
	require.Len(t, history, 1)
	assert.True(t, history[0].Auto)
}

func TestPlaybackNextOnEmptyQueueIsIdempotent(t *testing.T) {
	svc, repo, _ := newTestService(t)
	room := seedRoom(t, svc)

	state, err := svc.Playback(context.Background(), room.Code, events.ActionNext, nil)
	require.NoError(t, err)
	assert.Empty(t, state.Queue)
	assert.Nil(t, state.Room.CurrentSongID)
	assert.Empty(t, repo.history[room.ID])
}

func TestPlaybackPreviousReenqueuesLastPlayed(t *testing.T) {
	svc, _, _ := newTestService(t)
	room := seedRoom(t, svc)
	addSong(t, svc, room.Code, "yt-1")
	addSong(t, svc, room.Code, "yt-2")

	_, err := svc.Playback(context.Background(), room.Code, events.ActionNext, nil)
	require.NoError(t, err)

	state, err := svc.Playback(context.Background(), room.Code, events.ActionPrevious, nil)
	require.NoError(t, err)

	require.Len(t, state.Queue, 2)
	assert.Equal(t, "yt-1", state.Queue[0].Song.YouTubeID)
	assert.Equal(t, "yt-2", state.Queue[1].Song.YouTubeID)
	assert.Equal(t, "Title yt-1", state.CurrentSong.Title)
}

func TestPlaybackPreviousWithoutHistory(t *testing.T) {
	svc, _, _ := newTestService(t)
	room := seedRoom(t, svc)
	addSong(t, svc, room.Code, "yt-1")

	_, err := svc.Playback(context.Background(), room.Code, events.ActionPrevious, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidOperation))
}

func TestPlaybackPreviousRepeatedIsRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	room := seedRoom(t, svc)
	addSong(t, svc, room.Code, "yt-1")
	addSong(t, svc, room.Code, "yt-2")

	_, err := svc.Playback(context.Background(), room.Code, events.ActionNext, nil)
	require.NoError(t, err)
	_, err = svc.Playback(context.Background(), room.Code, events.ActionPrevious, nil)
	require.NoError(t, err)

	// The last played song is already current again; pressing previous once
	// more must not enqueue a duplicate.
	state, err := svc.GetRoom(context.Background(), room.Code)
	require.NoError(t, err)
	require.Len(t, state.Queue, 2)

	_, err = svc.Playback(context.Background(), room.Code, events.ActionPrevious, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidOperation))

	state, err = svc.GetRoom(context.Background(), room.Code)
	require.NoError(t, err)
	assert.Len(t, state.Queue, 2)
}

func TestPlaybackVolumeValidation(t *testing.T) {
	svc, _, pub := newTestService(t)
	room := seedRoom(t, svc)

	_, err := svc.Playback(context.Background(), room.Code, events.ActionVolume, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidArgument))

	over := 150
	_, err = svc.Playback(context.Background(), room.Code, events.ActionVolume, &over)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidArgument))

	ok := 75
	_, err = svc.Playback(context.Background(), room.Code, events.ActionVolume, &ok)
	require.NoError(t, err)

	require.Len(t, pub.published, 1)
	payload, err := pub.published[0].PlaybackControl()
	require.NoError(t, err)
	require.NotNil(t, payload.Volume)
	assert.Equal(t, 75, *payload.Volume)
}

func TestPlaybackUnknownAction(t *testing.T) {
	svc, _, _ := newTestService(t)
	room := seedRoom(t, svc)

	_, err := svc.Playback(context.Background(), room.Code, "rewind", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidArgument))
}

func TestRemoveSongCompactsQueue(t *testing.T) {
	svc, _, _ := newTestService(t)
	room := seedRoom(t, svc)
	addSong(t, svc, room.Code, "yt-1")
	state := addSong(t, svc, room.Code, "yt-2")
	addSong(t, svc, room.Code, "yt-3")

	removed := state.Queue[1].ID
	after, err := svc.RemoveSong(context.Background(), room.Code, removed)
	require.NoError(t, err)

	require.Len(t, after.Queue, 2)
	assert.Equal(t, "yt-1", after.Queue[0].Song.YouTubeID)
	assert.Equal(t, "yt-3", after.Queue[1].Song.YouTubeID)
	assert.Equal(t, 0, after.Queue[0].Position)
	assert.Equal(t, 1, after.Queue[1].Position)
}

func TestReorderStepRejectsCurrentSong(t *testing.T) {
	svc, _, _ := newTestService(t)
	room := seedRoom(t, svc)
	state := addSong(t, svc, room.Code, "yt-1")
	addSong(t, svc, room.Code, "yt-2")

	_, err := svc.ReorderStep(context.Background(), room.Code, state.Queue[0].ID, queue.MoveDown)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidOperation))
}

func TestBulkReorder(t *testing.T) {
	svc, _, _ := newTestService(t)
	room := seedRoom(t, svc)
	addSong(t, svc, room.Code, "yt-1")
	addSong(t, svc, room.Code, "yt-2")
	state := addSong(t, svc, room.Code, "yt-3")

	// Swap the two waiting songs, leaving the current one at 0.
	after, err := svc.BulkReorder(context.Background(), room.Code, []queue.Assignment{
		{EntryID: state.Queue[1].ID, Position: 2},
		{EntryID: state.Queue[2].ID, Position: 1},
	})
	require.NoError(t, err)

	require.Len(t, after.Queue, 3)
	assert.Equal(t, "yt-1", after.Queue[0].Song.YouTubeID)
	assert.Equal(t, "yt-3", after.Queue[1].Song.YouTubeID)
	assert.Equal(t, "yt-2", after.Queue[2].Song.YouTubeID)
}

func TestConflictRetrySucceeds(t *testing.T) {
	svc, repo, _ := newTestService(t)
	room := seedRoom(t, svc)

	repo.batchErrs = []error{apperrors.ErrConflict}
	state := addSong(t, svc, room.Code, "yt-1")
	require.Len(t, state.Queue, 1)
}

func TestConflictRetryExhausted(t *testing.T) {
	svc, repo, _ := newTestService(t)
	room := seedRoom(t, svc)

	for i := 0; i <= maxConflictRetries; i++ {
		repo.batchErrs = append(repo.batchErrs, apperrors.ErrConflict)
	}
	_, err := svc.AddSong(context.Background(), room.Code, AddSongRequest{
		YouTubeID: "yt-1", Title: "t", Artist: "a", Duration: "1:00",
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrUpstreamUnavailable))
}

func TestNonConflictErrorsDoNotRetry(t *testing.T) {
	svc, repo, _ := newTestService(t)
	room := seedRoom(t, svc)

	repo.batchErrs = []error{apperrors.ErrUpstreamUnavailable}
	_, err := svc.AddSong(context.Background(), room.Code, AddSongRequest{
		YouTubeID: "yt-1", Title: "t", Artist: "a", Duration: "1:00",
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrUpstreamUnavailable))
	assert.Empty(t, repo.batchErrs, "no retry should have consumed a second error")
}

func TestFailedAdvanceLeavesStateConsistent(t *testing.T) {
	svc, repo, _ := newTestService(t)
	room := seedRoom(t, svc)
	addSong(t, svc, room.Code, "yt-1")
	addSong(t, svc, room.Code, "yt-2")

	repo.batchErrs = []error{apperrors.ErrUpstreamUnavailable}
	_, err := svc.Playback(context.Background(), room.Code, events.ActionNext, nil)
	require.Error(t, err)

	// The queue and the current-song pointer commit together, so a rejected
	// batch must leave both untouched: head song still matches the pointer.
	entries, err := repo.GetQueue(room.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "yt-1", entries[0].Song.YouTubeID)
	stored, err := repo.GetRoomByCode(room.Code)
	require.NoError(t, err)
	require.NotNil(t, stored.CurrentSongID)
	assert.Equal(t, entries[0].SongID, *stored.CurrentSongID)
}

func TestHistoryFailureDoesNotFailAdvance(t *testing.T) {
	svc, repo, _ := newTestService(t)
	room := seedRoom(t, svc)
	addSong(t, svc, room.Code, "yt-1")
	addSong(t, svc, room.Code, "yt-2")

	repo.historyErr = apperrors.ErrUpstreamUnavailable
	state, err := svc.Playback(context.Background(), room.Code, events.ActionNext, nil)
	require.NoError(t, err)
	assert.Equal(t, "Title yt-2", state.CurrentSong.Title)
	assert.Empty(t, repo.history[room.ID])
}

func TestCloseRoom(t *testing.T) {
	svc, repo, _ := newTestService(t)
	room := seedRoom(t, svc)

	require.NoError(t, svc.CloseRoom(context.Background(), room.Code))
	assert.False(t, repo.rooms[room.Code].Active)
}

func TestGetHistoryNewestFirst(t *testing.T) {
	svc, _, _ := newTestService(t)
	room := seedRoom(t, svc)
	addSong(t, svc, room.Code, "yt-1")
	addSong(t, svc, room.Code, "yt-2")

	_, err := svc.Playback(context.Background(), room.Code, events.ActionNext, nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = svc.Playback(context.Background(), room.Code, events.ActionNext, nil)
	require.NoError(t, err)

	history, err := svc.GetHistory(context.Background(), room.Code, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, !history[0].PlayedAt.Before(history[1].PlayedAt))
}
