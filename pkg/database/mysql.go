// Package database is the durable store for rooms, songs, queue entries and
// history. It is the only layer that talks to MySQL; every failure crossing
// its boundary is classified into the apperrors taxonomy so the coordinator
// can centralize retry policy.
package database

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/karaoke-room-system/pkg/apperrors"
	"github.com/karaoke-room-system/pkg/models"
)

// MySQL duplicate-key and serialization failure codes.
const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

type MySQLDB struct {
	*gorm.DB
}

func NewMySQLDB(host, port, user, password, dbname string) (*MySQLDB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		user, password, host, port, dbname)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &MySQLDB{DB: db}, nil
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Room{},
		&models.Song{},
		&models.QueueEntry{},
		&models.HistoryEntry{},
	)
}

// classify maps storage errors onto the application taxonomy. Conflict is the
// only retryable class; everything else surfaces as-is or as upstream
// unavailability.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.ErrNotFound.WithError(err)
	}
	var mysqlErr *gomysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlDuplicateEntry, mysqlDeadlock, mysqlLockWaitTimeout:
			return apperrors.ErrConflict.WithError(err)
		}
	}
	return apperrors.ErrUpstreamUnavailable.WithError(err)
}

// Ping reports database reachability for the health endpoint.
func (db *MySQLDB) Ping() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return classify(err)
	}
	return classify(sqlDB.Ping())
}

// Room operations

func (db *MySQLDB) CreateRoom(room *models.Room) error {
	return classify(db.Create(room).Error)
}

func (db *MySQLDB) GetRoomByCode(code string) (*models.Room, error) {
	var room models.Room
	if err := db.First(&room, "code = ?", code).Error; err != nil {
		return nil, classify(err)
	}
	return &room, nil
}

func (db *MySQLDB) SetRoomActive(roomID uuid.UUID, active bool) error {
	res := db.Model(&models.Room{}).Where("id = ?", roomID).
		Updates(map[string]interface{}{"active": active, "updated_at": time.Now()})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrNotFound.WithMessage("Room not found")
	}
	return nil
}

// Song operations

// UpsertSong dedups songs by their YouTube id: the first reference creates
// the record, later references reuse it untouched.
func (db *MySQLDB) UpsertSong(youtubeID, title, artist, duration, thumbnail string) (*models.Song, error) {
	var song models.Song
	err := db.First(&song, "youtube_id = ?", youtubeID).Error
	if err == nil {
		return &song, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, classify(err)
	}

	song = models.Song{
		ID:        uuid.New(),
		YouTubeID: youtubeID,
		Title:     title,
		Artist:    artist,
		Duration:  duration,
		Thumbnail: thumbnail,
		CreatedAt: time.Now(),
	}
	if err := db.Create(&song).Error; err != nil {
		// A concurrent writer may have created it between the lookup and the
		// insert; the natural key makes that harmless.
		if apperrors.Is(classify(err), apperrors.ErrConflict) {
			var existing models.Song
			if err2 := db.First(&existing, "youtube_id = ?", youtubeID).Error; err2 == nil {
				return &existing, nil
			}
		}
		return nil, classify(err)
	}
	return &song, nil
}

func (db *MySQLDB) GetSong(songID uuid.UUID) (*models.Song, error) {
	var song models.Song
	if err := db.First(&song, "id = ?", songID).Error; err != nil {
		return nil, classify(err)
	}
	return &song, nil
}

// Queue operations

func (db *MySQLDB) GetQueue(roomID uuid.UUID) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	if err := db.Preload("Song").
		Where("room_id = ?", roomID).
		Order("position ASC").
		Find(&entries).Error; err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

// QueueWrite is one row of a queue batch: either a brand-new entry or a
// position move for an existing one.
type QueueWrite struct {
	EntryID  uuid.UUID
	SongID   uuid.UUID
	Position int
	New      bool
}

// CurrentSongUpdate sets the room's current-song pointer alongside a queue
// batch; a nil SongID clears it.
type CurrentSongUpdate struct {
	SongID *uuid.UUID
}

// WriteQueueBatch applies deletions, position writes and the current-song
// pointer update in one transaction. Keeping the pointer write inside the
// batch means no committed state can ever pair an advanced queue with a
// stale current song.
//
// Position carries a unique-per-room constraint, so moving several rows in a
// single pass can trip a transient uniqueness violation. The batch therefore
// runs the two-phase protocol inside one transaction: existing rows first
// park at disjoint negative positions drawn from a per-operation random
// offset, then every row lands on its final position. No reader outside the
// transaction ever observes the parked state.
func (db *MySQLDB) WriteQueueBatch(roomID uuid.UUID, writes []QueueWrite, deletions []uuid.UUID, current *CurrentSongUpdate) error {
	err := db.Transaction(func(tx *gorm.DB) error {
		if len(deletions) > 0 {
			if err := tx.Where("room_id = ? AND id IN ?", roomID, deletions).
				Delete(&models.QueueEntry{}).Error; err != nil {
				return err
			}
		}

		// Phase 1: park moved rows out of band.
		parkBase := -1000 - rand.Intn(1000)*1000
		for i, w := range writes {
			if w.New {
				continue
			}
			if err := tx.Model(&models.QueueEntry{}).
				Where("room_id = ? AND id = ?", roomID, w.EntryID).
				Update("position", parkBase-i).Error; err != nil {
				return err
			}
		}

		// Phase 2: land everything on its final position.
		now := time.Now()
		for _, w := range writes {
			if w.New {
				entry := models.QueueEntry{
					ID:        w.EntryID,
					RoomID:    roomID,
					SongID:    w.SongID,
					Position:  w.Position,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := tx.Create(&entry).Error; err != nil {
					return err
				}
				continue
			}
			if err := tx.Model(&models.QueueEntry{}).
				Where("room_id = ? AND id = ?", roomID, w.EntryID).
				Updates(map[string]interface{}{"position": w.Position, "updated_at": now}).Error; err != nil {
				return err
			}
		}

		if current != nil {
			if err := tx.Model(&models.Room{}).Where("id = ?", roomID).
				Updates(map[string]interface{}{"current_song_id": current.SongID, "updated_at": now}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return classify(err)
}

// History operations

func (db *MySQLDB) AppendHistory(entry *models.HistoryEntry) error {
	return classify(db.Create(entry).Error)
}

func (db *MySQLDB) GetHistory(roomID uuid.UUID, limit int) ([]models.HistoryEntry, error) {
	var entries []models.HistoryEntry
	q := db.Preload("Song").
		Where("room_id = ?", roomID).
		Order("played_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

// LastPlayed returns the most recent history entry for a room.
func (db *MySQLDB) LastPlayed(roomID uuid.UUID) (*models.HistoryEntry, error) {
	var entry models.HistoryEntry
	if err := db.Preload("Song").
		Where("room_id = ?", roomID).
		Order("played_at DESC").
		First(&entry).Error; err != nil {
		return nil, classify(err)
	}
	return &entry, nil
}
