package data

import (
	"context"
	"fmt"
	"log"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stake-plus/moltswarm/src/ledger"
	"github.com/stake-plus/moltswarm/src/molt"
	"github.com/stake-plus/moltswarm/src/swarm"
)

// Models lists every table the service migrates.
var Models = append([]interface{}{&Setting{}}, durableModels...)

// durableModels hold payment history and agent/task state; they are never dropped.
var durableModels = []interface{}{&ledger.Record{}, &molt.State{}, &swarm.Task{}}

// schema is the part of gorm.Migrator that Migrate needs.
type schema interface {
	AutoMigrate(dst ...interface{}) error
	DropTable(dst ...interface{}) error
}

// Migrate brings every table up to date. Only the settings cache may be
// dropped and recreated; a failure on the durable tables is returned as is.
func Migrate(db *gorm.DB) error {
	return migrate(db.Migrator())
}

func migrate(m schema) error {
	if err := m.AutoMigrate(&Setting{}); err != nil {
		log.Printf("auto-migrate settings failed (%v), recreating table", err)
		if err := m.DropTable(&Setting{}); err != nil {
			return fmt.Errorf("drop settings: %w", err)
		}
		if err := m.AutoMigrate(&Setting{}); err != nil {
			return fmt.Errorf("migrate settings after drop: %w", err)
		}
	}
	if err := m.AutoMigrate(durableModels...); err != nil {
		return fmt.Errorf("migrate ledger and state tables: %w", err)
	}
	return nil
}

// LedgerStore appends payment records to MySQL.
type LedgerStore struct{ db *gorm.DB }

func NewLedgerStore(db *gorm.DB) *LedgerStore { return &LedgerStore{db: db} }

func (s *LedgerStore) Append(ctx context.Context, r ledger.Record) error {
	return s.db.WithContext(ctx).Create(&r).Error
}

func (s *LedgerStore) Load(ctx context.Context) ([]ledger.Record, error) {
	var out []ledger.Record
	err := s.db.WithContext(ctx).Order("timestamp ASC").Find(&out).Error
	return out, err
}

// MoltStore upserts agent molt state.
type MoltStore struct{ db *gorm.DB }

func NewMoltStore(db *gorm.DB) *MoltStore { return &MoltStore{db: db} }

func (s *MoltStore) Save(ctx context.Context, st molt.State) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&st).Error
}

func (s *MoltStore) Load(ctx context.Context) ([]molt.State, error) {
	var out []molt.State
	err := s.db.WithContext(ctx).Find(&out).Error
	return out, err
}

// TaskStore upserts swarm tasks.
type TaskStore struct{ db *gorm.DB }

func NewTaskStore(db *gorm.DB) *TaskStore { return &TaskStore{db: db} }

func (s *TaskStore) Save(ctx context.Context, t swarm.Task) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&t).Error
}

func (s *TaskStore) Load(ctx context.Context) ([]swarm.Task, error) {
	var out []swarm.Task
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&out).Error
	return out, err
}
