package swarm

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stake-plus/moltswarm/src/molt"
)

type TaskType string

const (
	ContentGeneration TaskType = "content_generation"
	DataAnalysis      TaskType = "data_analysis"
	SignalMonitoring  TaskType = "signal_monitoring"
	SwarmVote         TaskType = "swarm_vote"
)

func (t TaskType) Valid() bool {
	switch t {
	case ContentGeneration, DataAnalysis, SignalMonitoring, SwarmVote:
		return true
	}
	return false
}

// Status moves open -> claimed|expired and claimed -> completed|expired.
// Completed and expired are terminal.
type Status string

const (
	Open      Status = "open"
	Claimed   Status = "claimed"
	Completed Status = "completed"
	Expired   Status = "expired"
)

type Task struct {
	ID            string          `gorm:"primaryKey;size:36" json:"id"`
	Type          TaskType        `gorm:"size:32;not null" json:"type"`
	Description   string          `gorm:"type:text" json:"description"`
	RequiredStage molt.Stage      `gorm:"not null" json:"requiredStage"`
	Reward        decimal.Decimal `gorm:"type:decimal(30,12);not null" json:"reward"`
	Deadline      time.Time       `gorm:"index" json:"deadline"`
	AssignedAgent *string         `gorm:"size:128;index" json:"assignedAgent"`
	Status        Status          `gorm:"size:16;index;not null" json:"status"`
	Result        json.RawMessage `gorm:"type:text" json:"result,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func (Task) TableName() string { return "swarm_tasks" }

func (t Task) clone() Task {
	if t.AssignedAgent != nil {
		a := *t.AssignedAgent
		t.AssignedAgent = &a
	}
	t.Result = append(json.RawMessage(nil), t.Result...)
	return t
}

// Stats is a full-scan summary of the board.
type Stats struct {
	Total                   int             `json:"total"`
	Open                    int             `json:"open"`
	Claimed                 int             `json:"claimed"`
	Completed               int             `json:"completed"`
	Expired                 int             `json:"expired"`
	TotalRewardsDistributed decimal.Decimal `json:"totalRewardsDistributed"`
}

// Store durably keeps tasks; Save upserts by id.
type Store interface {
	Save(ctx context.Context, t Task) error
	Load(ctx context.Context) ([]Task, error)
}

type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{tasks: map[string]Task{}} }

func (m *MemoryStore) Save(_ context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t.clone()
	return nil
}

func (m *MemoryStore) Load(_ context.Context) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
