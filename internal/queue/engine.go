// Package queue implements the session queue state machine: how songs enter
// and leave a room's ordered queue and how the current-song pointer moves.
//
// Every operation is a pure function over an immutable Snapshot. It returns
// the next Snapshot plus a Change describing what must be persisted and which
// events the caller should broadcast. No I/O happens here; the session
// coordinator owns the load-mutate-persist-broadcast cycle.
package queue

import (
	"sort"

	"github.com/google/uuid"

	"github.com/karaoke-room-system/pkg/apperrors"
)

// InsertMode selects where Insert places a new entry.
type InsertMode string

const (
	// InsertEnd appends after the last queued song.
	InsertEnd InsertMode = "end"
	// InsertNext places the song directly after the one now playing.
	InsertNext InsertMode = "next"
)

// AdvanceMode distinguishes an explicit skip from a natural song end. Both
// apply the identical queue transformation; the mode is recorded on the
// history entry and echoed in the broadcast action only.
type AdvanceMode string

const (
	AdvanceManual AdvanceMode = "manual"
	AdvanceAuto   AdvanceMode = "auto"
)

// Direction is a single-step reorder direction.
type Direction string

const (
	MoveUp   Direction = "up"
	MoveDown Direction = "down"
)

// Entry is one queued song as the engine sees it.
type Entry struct {
	ID       uuid.UUID
	SongID   uuid.UUID
	Position int
}

// Snapshot is the immutable input state: the current-song pointer plus the
// room's queue entries. Entries are kept sorted by position.
type Snapshot struct {
	CurrentSongID *uuid.UUID
	Entries       []Entry
}

// Move is a surviving entry whose position changed.
type Move struct {
	EntryID  uuid.UUID
	Position int
}

// HistoryRecord describes the history row an advance produced.
type HistoryRecord struct {
	SongID uuid.UUID
	Auto   bool
}

// Change is the externally visible result of an operation: the rows to write
// and the events to emit after a successful persist.
type Change struct {
	NewEntry *Entry
	Moves    []Move
	Deletes  []uuid.UUID

	// PersistCurrent is set when the room's current-song pointer must be
	// written; CurrentSongID is its new value (nil clears it).
	PersistCurrent bool
	CurrentSongID  *uuid.UUID

	History *HistoryRecord

	QueueChanged bool
	SongChanged  bool
}

// NewSnapshot builds a snapshot with entries sorted by position.
func NewSnapshot(currentSongID *uuid.UUID, entries []Entry) Snapshot {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	return Snapshot{CurrentSongID: currentSongID, Entries: sorted}
}

// Head returns the entry at position 0, if any.
func (s Snapshot) Head() (Entry, bool) {
	for _, e := range s.Entries {
		if e.Position == 0 {
			return e, true
		}
	}
	return Entry{}, false
}

// Dense reports whether positions form exactly 0..n-1 with no duplicates.
func (s Snapshot) Dense() bool {
	seen := make(map[int]bool, len(s.Entries))
	for _, e := range s.Entries {
		if e.Position < 0 || e.Position >= len(s.Entries) || seen[e.Position] {
			return false
		}
		seen[e.Position] = true
	}
	return true
}

// headIsCurrent reports whether the position-0 entry carries the current song.
func (s Snapshot) headIsCurrent() bool {
	if s.CurrentSongID == nil {
		return false
	}
	head, ok := s.Head()
	return ok && head.SongID == *s.CurrentSongID
}

func (s Snapshot) find(entryID uuid.UUID) (int, bool) {
	for i, e := range s.Entries {
		if e.ID == entryID {
			return i, true
		}
	}
	return 0, false
}

func (s Snapshot) maxPosition() int {
	max := -1
	for _, e := range s.Entries {
		if e.Position > max {
			max = e.Position
		}
	}
	return max
}

func cloneEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

func sortByPosition(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Position < entries[j].Position })
}

// Insert adds a song to the queue. The caller supplies the new entry's id so
// the transformation stays deterministic.
//
// InsertEnd appends at max(position)+1. InsertNext slots the song at position
// 1 when a song is playing (the head never moves), or at position 0 when
// nothing is. If the insertion produced the head of a queue that had no
// current song, the song is promoted to current and a song-changed event is
// due alongside the queue update.
func Insert(s Snapshot, entryID, songID uuid.UUID, mode InsertMode) (Snapshot, Change, error) {
	if mode != InsertEnd && mode != InsertNext {
		return s, Change{}, apperrors.ErrInvalidArgument.WithMessagef("unknown insert mode %q", mode)
	}

	entries := cloneEntries(s.Entries)
	var change Change
	var target int

	switch {
	case mode == InsertEnd:
		target = s.maxPosition() + 1
	case s.CurrentSongID != nil:
		target = 1
		for i := range entries {
			if entries[i].Position >= 1 {
				entries[i].Position++
				change.Moves = append(change.Moves, Move{EntryID: entries[i].ID, Position: entries[i].Position})
			}
		}
	default:
		target = 0
		for i := range entries {
			entries[i].Position++
			change.Moves = append(change.Moves, Move{EntryID: entries[i].ID, Position: entries[i].Position})
		}
	}

	newEntry := Entry{ID: entryID, SongID: songID, Position: target}
	entries = append(entries, newEntry)
	sortByPosition(entries)

	next := Snapshot{CurrentSongID: s.CurrentSongID, Entries: entries}
	change.NewEntry = &newEntry
	change.QueueChanged = true

	if target == 0 && s.CurrentSongID == nil {
		current := songID
		next.CurrentSongID = &current
		change.PersistCurrent = true
		change.CurrentSongID = &current
		change.SongChanged = true
	}

	return next, change, nil
}

// Remove deletes one entry and compacts the remaining positions to 0..n-1,
// preserving relative order. Removing the now-playing entry promotes the new
// head to current, or clears the pointer when the queue empties.
func Remove(s Snapshot, entryID uuid.UUID) (Snapshot, Change, error) {
	idx, ok := s.find(entryID)
	if !ok {
		return s, Change{}, apperrors.ErrNotFound.WithMessage("Queue entry not found")
	}

	removed := s.Entries[idx]
	wasCurrent := removed.Position == 0 && s.CurrentSongID != nil && removed.SongID == *s.CurrentSongID

	entries := make([]Entry, 0, len(s.Entries)-1)
	for _, e := range s.Entries {
		if e.ID != entryID {
			entries = append(entries, e)
		}
	}
	sortByPosition(entries)

	change := Change{
		Deletes:      []uuid.UUID{removed.ID},
		QueueChanged: true,
	}
	for i := range entries {
		if entries[i].Position != i {
			entries[i].Position = i
			change.Moves = append(change.Moves, Move{EntryID: entries[i].ID, Position: i})
		}
	}

	next := Snapshot{CurrentSongID: s.CurrentSongID, Entries: entries}
	if wasCurrent {
		change.PersistCurrent = true
		change.SongChanged = true
		if len(entries) > 0 {
			current := entries[0].SongID
			next.CurrentSongID = &current
			change.CurrentSongID = &current
		} else {
			next.CurrentSongID = nil
			change.CurrentSongID = nil
		}
	}

	return next, change, nil
}

// Advance retires the current song to history and promotes the next queued
// song. On an empty queue it is a no-op that still reports both events with a
// nil song, so callers always get a confirmation to forward.
//
// When the head is missing but the queue is not empty (current was externally
// cleared or positions drifted), Advance self-heals: it compacts positions
// and promotes the first entry without removing anything.
func Advance(s Snapshot, mode AdvanceMode) (Snapshot, Change, error) {
	if mode != AdvanceManual && mode != AdvanceAuto {
		return s, Change{}, apperrors.ErrInvalidArgument.WithMessagef("unknown advance mode %q", mode)
	}

	head, ok := s.Head()
	if ok {
		entries := make([]Entry, 0, len(s.Entries)-1)
		for _, e := range s.Entries {
			if e.ID != head.ID {
				entries = append(entries, e)
			}
		}
		sortByPosition(entries)

		change := Change{
			Deletes:        []uuid.UUID{head.ID},
			History:        &HistoryRecord{SongID: head.SongID, Auto: mode == AdvanceAuto},
			PersistCurrent: true,
			QueueChanged:   true,
			SongChanged:    true,
		}
		for i := range entries {
			if entries[i].Position != i {
				entries[i].Position = i
				change.Moves = append(change.Moves, Move{EntryID: entries[i].ID, Position: i})
			}
		}

		next := Snapshot{Entries: entries}
		if len(entries) > 0 {
			current := entries[0].SongID
			next.CurrentSongID = &current
			change.CurrentSongID = &current
		}
		return next, change, nil
	}

	if len(s.Entries) > 0 {
		// No head but a non-empty queue: promote the first entry in order.
		entries := cloneEntries(s.Entries)
		sortByPosition(entries)
		change := Change{PersistCurrent: true, QueueChanged: true, SongChanged: true}
		for i := range entries {
			if entries[i].Position != i {
				entries[i].Position = i
				change.Moves = append(change.Moves, Move{EntryID: entries[i].ID, Position: i})
			}
		}
		current := entries[0].SongID
		change.CurrentSongID = &current
		return Snapshot{CurrentSongID: &current, Entries: entries}, change, nil
	}

	return Snapshot{}, Change{QueueChanged: true, SongChanged: true}, nil
}

// Retreat handles "previous": the most recently played song re-enters the
// queue at position 0 and becomes current again, with everything else shifted
// down one slot. The caller resolves that song from history; the queue itself
// is forward-only and keeps no popped entries.
func Retreat(s Snapshot, entryID, songID uuid.UUID) (Snapshot, Change, error) {
	entries := cloneEntries(s.Entries)
	change := Change{QueueChanged: true, SongChanged: true, PersistCurrent: true}

	for i := range entries {
		entries[i].Position++
		change.Moves = append(change.Moves, Move{EntryID: entries[i].ID, Position: entries[i].Position})
	}

	newEntry := Entry{ID: entryID, SongID: songID, Position: 0}
	entries = append(entries, newEntry)
	sortByPosition(entries)

	current := songID
	change.NewEntry = &newEntry
	change.CurrentSongID = &current

	return Snapshot{CurrentSongID: &current, Entries: entries}, change, nil
}

// ReorderStep swaps an entry with its neighbor. The now-playing entry never
// moves, and nothing moves into position 0 while a song is playing.
func ReorderStep(s Snapshot, entryID uuid.UUID, dir Direction) (Snapshot, Change, error) {
	if dir != MoveUp && dir != MoveDown {
		return s, Change{}, apperrors.ErrInvalidArgument.WithMessagef("unknown direction %q", dir)
	}

	idx, ok := s.find(entryID)
	if !ok {
		return s, Change{}, apperrors.ErrNotFound.WithMessage("Queue entry not found")
	}
	entry := s.Entries[idx]

	if entry.Position == 0 && s.CurrentSongID != nil && entry.SongID == *s.CurrentSongID {
		return s, Change{}, apperrors.ErrInvalidOperation.WithMessage("Cannot reorder the currently playing song")
	}

	var target int
	switch dir {
	case MoveUp:
		if entry.Position <= 0 {
			return s, Change{}, apperrors.ErrInvalidOperation.WithMessage("Cannot move item further up")
		}
		if entry.Position == 1 && s.CurrentSongID != nil {
			return s, Change{}, apperrors.ErrInvalidOperation.WithMessage("Cannot move above the currently playing song")
		}
		target = entry.Position - 1
	case MoveDown:
		if entry.Position >= s.maxPosition() {
			return s, Change{}, apperrors.ErrInvalidOperation.WithMessage("Cannot move item further down")
		}
		target = entry.Position + 1
	}

	entries := cloneEntries(s.Entries)
	var displacedID uuid.UUID
	found := false
	for i := range entries {
		if entries[i].Position == target {
			displacedID = entries[i].ID
			entries[i].Position = entry.Position
			found = true
			break
		}
	}
	if !found {
		return s, Change{}, apperrors.ErrInvalidOperation.WithMessage("No entry at target position")
	}
	for i := range entries {
		if entries[i].ID == entryID {
			entries[i].Position = target
		}
	}
	sortByPosition(entries)

	change := Change{
		Moves: []Move{
			{EntryID: entryID, Position: target},
			{EntryID: displacedID, Position: entry.Position},
		},
		QueueChanged: true,
	}

	return Snapshot{CurrentSongID: s.CurrentSongID, Entries: entries}, change, nil
}

// Assignment is one target position in a bulk reorder.
type Assignment struct {
	EntryID  uuid.UUID
	Position int
}

// BulkReorder applies a batch of position assignments atomically. Unknown
// entries are rejected, the now-playing entry must keep position 0, and the
// resulting order must be a dense permutation; otherwise nothing changes.
func BulkReorder(s Snapshot, assignments []Assignment) (Snapshot, Change, error) {
	if len(assignments) == 0 {
		return s, Change{}, apperrors.ErrInvalidArgument.WithMessage("Queue items array is required")
	}

	assigned := make(map[uuid.UUID]int, len(assignments))
	for _, a := range assignments {
		if _, dup := assigned[a.EntryID]; dup {
			return s, Change{}, apperrors.ErrInvalidArgument.WithMessagef("duplicate assignment for entry %s", a.EntryID)
		}
		if _, ok := s.find(a.EntryID); !ok {
			return s, Change{}, apperrors.ErrNotFound.WithMessagef("Queue entry %s not found in room", a.EntryID)
		}
		assigned[a.EntryID] = a.Position
	}

	if s.headIsCurrent() {
		head, _ := s.Head()
		if pos, ok := assigned[head.ID]; ok && pos != 0 {
			return s, Change{}, apperrors.ErrInvalidOperation.WithMessage("Cannot reorder the currently playing song")
		}
	}

	entries := cloneEntries(s.Entries)
	var change Change
	for i := range entries {
		if pos, ok := assigned[entries[i].ID]; ok && entries[i].Position != pos {
			entries[i].Position = pos
			change.Moves = append(change.Moves, Move{EntryID: entries[i].ID, Position: pos})
		}
	}

	next := Snapshot{CurrentSongID: s.CurrentSongID, Entries: entries}
	if !next.Dense() {
		return s, Change{}, apperrors.ErrInvalidArgument.WithMessage("Assignments do not form a dense 0..n-1 ordering")
	}
	sortByPosition(next.Entries)

	change.QueueChanged = true
	return next, change, nil
}
