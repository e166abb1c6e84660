package realtime

import (
	"sync"

	"github.com/karaoke-room-system/pkg/events"
)

// PlaybackState is the transport state a view derives from control events.
type PlaybackState string

const (
	PlaybackPlaying PlaybackState = "playing"
	PlaybackPaused  PlaybackState = "paused"
	PlaybackStopped PlaybackState = "stopped"
)

// RoomView is the client-side reducer over a room's event stream. Server
// events carry full state, not deltas, so applying any event is idempotent:
// the view converges on the event's content no matter how often or in what
// duplicate order it arrives. Optimistic local additions live in a separate
// pending list and are dropped as soon as an authoritative queue arrives.
type RoomView struct {
	mu sync.RWMutex

	roomCode      string
	queue         []events.QueueItemPayload
	currentSongID *string
	currentSong   *events.SongPayload
	pending       []events.SongPayload

	playback      PlaybackState
	volume        int
	muted         bool
	lastControlAt int64
	connected     bool
}

func NewRoomView(roomCode string) *RoomView {
	return &RoomView{
		roomCode: roomCode,
		playback: PlaybackStopped,
		volume:   100,
	}
}

// Handlers returns the handler set that feeds this view from a subscription.
func (v *RoomView) Handlers() Handlers {
	return Handlers{
		OnQueueUpdated:           v.ApplyQueueUpdated,
		OnSongChanged:            v.ApplySongChanged,
		OnPlaybackControl:        v.ApplyPlaybackControl,
		OnConnectionStatusChange: v.SetConnected,
	}
}

// ApplyQueueUpdated replaces the queue with the authoritative ordering and
// clears any optimistic additions it was covering for.
func (v *RoomView) ApplyQueueUpdated(p events.QueueUpdatedPayload) {
	if p.RoomCode != v.roomCode {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	queue := make([]events.QueueItemPayload, len(p.Queue))
	copy(queue, p.Queue)
	v.queue = queue
	v.pending = nil
}

func (v *RoomView) ApplySongChanged(p events.SongChangedPayload) {
	if p.RoomCode != v.roomCode {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentSongID = p.CurrentSongID
	v.currentSong = p.Song
}

// ApplyPlaybackControl folds a control event into the transport state.
// Stale events (older timestamp than the last applied) are ignored, which
// makes duplicate and late delivery harmless.
func (v *RoomView) ApplyPlaybackControl(p events.PlaybackControlPayload) {
	if p.RoomCode != v.roomCode {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if p.Timestamp < v.lastControlAt {
		return
	}
	v.lastControlAt = p.Timestamp

	switch p.Action {
	case events.ActionPlay, events.ActionNext, events.ActionAutoNext, events.ActionPrevious:
		v.playback = PlaybackPlaying
	case events.ActionPause:
		v.playback = PlaybackPaused
	case events.ActionStop:
		v.playback = PlaybackStopped
	case events.ActionVolume:
		if p.Volume != nil {
			v.volume = *p.Volume
		}
	case events.ActionMute:
		v.muted = true
	case events.ActionUnmute:
		v.muted = false
	}
}

func (v *RoomView) SetConnected(connected bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = connected
}

// AddPending records an optimistic local addition shown until the next
// authoritative queue_updated reconciles it away.
func (v *RoomView) AddPending(song events.SongPayload) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending = append(v.pending, song)
}

// Queue returns the authoritative queue ordering.
func (v *RoomView) Queue() []events.QueueItemPayload {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]events.QueueItemPayload, len(v.queue))
	copy(out, v.queue)
	return out
}

// Pending returns optimistic additions not yet confirmed by the server.
func (v *RoomView) Pending() []events.SongPayload {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]events.SongPayload, len(v.pending))
	copy(out, v.pending)
	return out
}

func (v *RoomView) CurrentSong() (*string, *events.SongPayload) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.currentSongID, v.currentSong
}

func (v *RoomView) Playback() (PlaybackState, int, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.playback, v.volume, v.muted
}

func (v *RoomView) Connected() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.connected
}
