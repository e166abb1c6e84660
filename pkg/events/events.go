// Package events defines the tagged event variants crossing the broadcast
// boundary, plus the Kafka journal that keeps a best-effort audit stream of
// everything a room emitted.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

type Type string

const (
	TypeQueueUpdated    Type = "queue_updated"
	TypeSongChanged     Type = "song_changed"
	TypePlaybackControl Type = "playback_control"
)

// Action is a playback-control command forwarded to participants.
type Action string

const (
	ActionPlay     Action = "play"
	ActionPause    Action = "pause"
	ActionStop     Action = "stop"
	ActionNext     Action = "next"
	ActionPrevious Action = "previous"
	ActionAutoNext Action = "auto-next"
	ActionVolume   Action = "volume"
	ActionMute     Action = "mute"
	ActionUnmute   Action = "unmute"
)

// Valid reports whether a is a known playback action.
func (a Action) Valid() bool {
	switch a {
	case ActionPlay, ActionPause, ActionStop, ActionNext, ActionPrevious,
		ActionAutoNext, ActionVolume, ActionMute, ActionUnmute:
		return true
	}
	return false
}

// SongPayload is the song shape carried inside events.
type SongPayload struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	YouTubeID string `json:"youtube_id"`
	Duration  string `json:"duration"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// QueueItemPayload is one queue slot inside a queue_updated event.
type QueueItemPayload struct {
	EntryID  string      `json:"entry_id"`
	Position int         `json:"position"`
	Song     SongPayload `json:"song"`
}

type QueueUpdatedPayload struct {
	RoomCode string             `json:"room_code"`
	Queue    []QueueItemPayload `json:"queue"`
}

type SongChangedPayload struct {
	RoomCode      string       `json:"room_code"`
	CurrentSongID *string      `json:"current_song_id"`
	Song          *SongPayload `json:"song,omitempty"`
}

type PlaybackControlPayload struct {
	RoomCode  string `json:"room_code"`
	Action    Action `json:"action"`
	Timestamp int64  `json:"timestamp"`
	Volume    *int   `json:"volume,omitempty"`
}

// Event is the envelope published on a room's topic. Payload shape is fixed
// by Type; the constructors and decoders below are the only places that
// (de)serialize it, so a shape mismatch cannot travel past this boundary.
type Event struct {
	Type      Type            `json:"type"`
	RoomCode  string          `json:"room_code"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func newEvent(t Type, roomCode string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return Event{Type: t, RoomCode: roomCode, Timestamp: time.Now(), Payload: raw}, nil
}

func NewQueueUpdated(roomCode string, queue []QueueItemPayload) (Event, error) {
	if queue == nil {
		queue = []QueueItemPayload{}
	}
	return newEvent(TypeQueueUpdated, roomCode, QueueUpdatedPayload{RoomCode: roomCode, Queue: queue})
}

func NewSongChanged(roomCode string, currentSongID *string, song *SongPayload) (Event, error) {
	return newEvent(TypeSongChanged, roomCode, SongChangedPayload{
		RoomCode:      roomCode,
		CurrentSongID: currentSongID,
		Song:          song,
	})
}

func NewPlaybackControl(roomCode string, action Action, at time.Time, volume *int) (Event, error) {
	if !action.Valid() {
		return Event{}, fmt.Errorf("invalid playback action %q", action)
	}
	return newEvent(TypePlaybackControl, roomCode, PlaybackControlPayload{
		RoomCode:  roomCode,
		Action:    action,
		Timestamp: at.UnixMilli(),
		Volume:    volume,
	})
}

// QueueUpdated decodes the payload of a queue_updated event.
func (e Event) QueueUpdated() (QueueUpdatedPayload, error) {
	var p QueueUpdatedPayload
	if e.Type != TypeQueueUpdated {
		return p, fmt.Errorf("event is %s, not %s", e.Type, TypeQueueUpdated)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("failed to decode queue_updated payload: %w", err)
	}
	return p, nil
}

// SongChanged decodes the payload of a song_changed event.
func (e Event) SongChanged() (SongChangedPayload, error) {
	var p SongChangedPayload
	if e.Type != TypeSongChanged {
		return p, fmt.Errorf("event is %s, not %s", e.Type, TypeSongChanged)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("failed to decode song_changed payload: %w", err)
	}
	return p, nil
}

// PlaybackControl decodes the payload of a playback_control event.
func (e Event) PlaybackControl() (PlaybackControlPayload, error) {
	var p PlaybackControlPayload
	if e.Type != TypePlaybackControl {
		return p, fmt.Errorf("event is %s, not %s", e.Type, TypePlaybackControl)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("failed to decode playback_control payload: %w", err)
	}
	return p, nil
}
