package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sessionRecord is the relational row backing one browser session.
type sessionRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	Payload   []byte
	ExpiresAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (sessionRecord) TableName() string { return "shop_sessions" }

// GormStore persists sessions in a relational database.
type GormStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// OpenSQLiteStore opens (and migrates) a SQLite-backed session store at path.
func OpenSQLiteStore(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("session: open sqlite store: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore wraps an existing gorm connection, migrating the session table.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("session: gorm db is required")
	}
	if err := db.AutoMigrate(&sessionRecord{}); err != nil {
		return nil, fmt.Errorf("session: migrate store: %w", err)
	}
	return &GormStore{db: db, clock: time.Now}, nil
}

// Get implements the Store interface.
func (s *GormStore) Get(ctx context.Context, id string) (Data, error) {
	var record sessionRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Data{}, ErrNotFound
	}
	if err != nil {
		return Data{}, fmt.Errorf("session: load %s: %w", id, err)
	}
	if !record.ExpiresAt.IsZero() && !s.clock().Before(record.ExpiresAt) {
		_ = s.Delete(ctx, id)
		return Data{}, ErrNotFound
	}

	var data Data
	if len(record.Payload) > 0 {
		if err := json.Unmarshal(record.Payload, &data); err != nil {
			return Data{}, fmt.Errorf("session: decode %s: %w", id, err)
		}
	}
	return data, nil
}

// Put implements the Store interface.
func (s *GormStore) Put(ctx context.Context, id string, data Data, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", id, err)
	}
	record := sessionRecord{
		ID:        id,
		Payload:   payload,
		ExpiresAt: s.clock().UTC().Add(ttl),
		UpdatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("session: save %s: %w", id, err)
	}
	return nil
}

// Delete implements the Store interface.
func (s *GormStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&sessionRecord{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	return nil
}

// CleanupExpired removes expired rows, returning the number removed.
func (s *GormStore) CleanupExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Delete(&sessionRecord{}, "expires_at <= ?", s.clock().UTC())
	if result.Error != nil {
		return 0, fmt.Errorf("session: cleanup: %w", result.Error)
	}
	return result.RowsAffected, nil
}
