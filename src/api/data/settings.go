package data

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

// Setting is one row of the runtime settings table.
type Setting struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value string `gorm:"type:text"`
}

func (Setting) TableName() string { return "settings" }

// Settings caches the settings table in memory.
type Settings struct {
	mu     sync.RWMutex
	values map[string]string
}

// LoadSettings reads every setting into a new cache.
func LoadSettings(ctx context.Context, db *gorm.DB) (*Settings, error) {
	var rows []Setting
	if err := db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	s := &Settings{values: make(map[string]string, len(rows))}
	for _, r := range rows {
		s.values[r.Name] = r.Value
	}
	return s, nil
}

// Get returns the cached value, or "" when unset. A nil cache has no values.
func (s *Settings) Get(name string) string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[name]
}
