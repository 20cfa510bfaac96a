package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Direction of a payment relative to the agent.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

func (d Direction) Valid() bool { return d == Inbound || d == Outbound }

// Status of a payment record.
type Status string

const (
	Pending   Status = "pending"
	Confirmed Status = "confirmed"
	Failed    Status = "failed"
)

// DefaultNetwork is used when a caller records a payment without naming one.
const DefaultNetwork = "base-sepolia"

// Record is one payment event. Records are append-only.
type Record struct {
	ID        string          `gorm:"primaryKey;size:36" json:"id"`
	AgentID   string          `gorm:"index;size:128;not null" json:"agentId"`
	Amount    decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"amount"`
	Direction Direction       `gorm:"size:16;not null" json:"direction"`
	Network   string          `gorm:"size:32" json:"network"`
	TxHash    string          `gorm:"size:66" json:"txHash"`
	Resource  string          `gorm:"size:255" json:"resource"`
	Status    Status          `gorm:"size:16;not null" json:"status"`
	Timestamp time.Time       `gorm:"index" json:"timestamp"`
}

func (Record) TableName() string { return "payment_records" }

// Store durably keeps ledger records.
type Store interface {
	Append(ctx context.Context, r Record) error
	Load(ctx context.Context) ([]Record, error)
}

// MemoryStore is a Store that keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Append(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *MemoryStore) Load(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...), nil
}
