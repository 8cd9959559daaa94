package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Pref struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (Pref) TableName() string { return "preferences" }

// DBStore keeps preferences in the tracker database.
type DBStore struct {
	db *gorm.DB
}

func NewDBStore(db *gorm.DB) *DBStore {
	return &DBStore{db: db}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Pref{})
}

func (s *DBStore) Load(ctx context.Context, key string, dst any) (bool, error) {
	var p Pref
	if err := s.db.WithContext(ctx).Where(&Pref{Key: key}).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(p.Value), dst); err != nil {
		return false, err
	}
	return true, nil
}

func (s *DBStore) Save(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&Pref{Key: key, Value: string(b), UpdatedAt: time.Now()}).Error
}
