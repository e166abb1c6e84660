package models

import (
	"time"

	"github.com/google/uuid"
)

// Room is one karaoke session, addressed by its 4-digit public code.
type Room struct {
	ID            uuid.UUID  `json:"id" gorm:"primaryKey;type:char(36)"`
	Code          string     `json:"code" gorm:"uniqueIndex;size:4"`
	CurrentSongID *uuid.UUID `json:"current_song_id" gorm:"type:char(36)"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Song is an immutable catalog entry, deduplicated by its YouTube video id.
type Song struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:char(36)"`
	YouTubeID string    `json:"youtube_id" gorm:"column:youtube_id;uniqueIndex;size:32"`
	Title     string    `json:"title"`
	Artist    string    `json:"artist"`
	// Duration is a display string ("3:45"), not canonical seconds.
	Duration  string    `json:"duration"`
	Thumbnail string    `json:"thumbnail"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueEntry places one Song at one position of a Room's queue. Positions are
// dense 0..n-1 per room; the unique index is what the two-phase repositioning
// protocol in pkg/database protects.
type QueueEntry struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:char(36)"`
	RoomID    uuid.UUID `json:"room_id" gorm:"type:char(36);uniqueIndex:idx_room_position"`
	SongID    uuid.UUID `json:"song_id" gorm:"type:char(36)"`
	Position  int       `json:"position" gorm:"uniqueIndex:idx_room_position"`
	Song      Song      `json:"song" gorm:"foreignKey:SongID"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryEntry is the append-only record of a song displaced from "current",
// whether it ended naturally or was skipped.
type HistoryEntry struct {
	ID       uuid.UUID `json:"id" gorm:"primaryKey;type:char(36)"`
	RoomID   uuid.UUID `json:"room_id" gorm:"type:char(36);index"`
	SongID   uuid.UUID `json:"song_id" gorm:"type:char(36)"`
	Song     Song      `json:"song" gorm:"foreignKey:SongID"`
	PlayedAt time.Time `json:"played_at"`
	// DurationPlayed is the actual time on stage when known, display format.
	DurationPlayed *string `json:"duration_played"`
	// Auto marks a natural end as opposed to an explicit skip.
	Auto bool `json:"auto"`
}
