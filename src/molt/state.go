package molt

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stake-plus/moltswarm/src/ledger"
)

// Transition is one entry in an agent's molt history.
type Transition struct {
	From Stage     `json:"fromStage"`
	To   Stage     `json:"toStage"`
	At   time.Time `json:"timestamp"`
}

// Stats is the cached activity snapshot used for eligibility.
type Stats struct {
	Posts        int             `json:"posts"`
	Transactions int             `json:"transactions"`
	Balance      decimal.Decimal `json:"balance"`
}

// StatsPatch merges externally computed aggregates; nil fields are left alone.
type StatsPatch struct {
	Posts        *int             `json:"posts,omitempty"`
	Transactions *int             `json:"transactions,omitempty"`
	Balance      *decimal.Decimal `json:"balance,omitempty"`
}

// State is the persisted molt state for one agent.
type State struct {
	AgentID        string       `gorm:"primaryKey;size:128" json:"agentId"`
	CurrentStage   Stage        `gorm:"not null" json:"currentStage"`
	History        []Transition `gorm:"serializer:json;type:text" json:"moltHistory"`
	Stats          Stats        `gorm:"serializer:json;type:text" json:"stats"`
	LastMoltAt     *time.Time   `json:"lastMoltAt"`
	LastActivityAt time.Time    `gorm:"index" json:"lastActivityAt"`
	DecayStatus    DecayStatus  `gorm:"size:16;not null" json:"decayStatus"`
	UpdatedAt      time.Time    `json:"-"`
}

func (State) TableName() string { return "agent_molt_states" }

func (s State) clone() State {
	s.History = append([]Transition(nil), s.History...)
	if s.LastMoltAt != nil {
		t := *s.LastMoltAt
		s.LastMoltAt = &t
	}
	return s
}

// Aggregates are the ledger-derived figures eligibility depends on.
type Aggregates struct {
	Transactions      int
	Balance           decimal.Decimal
	SustainedEarnings bool
	TopEarner         bool
}

// StatsSource supplies fresh aggregates at eligibility time.
type StatsSource interface {
	Aggregates(agentID string) Aggregates
}

// LedgerSource reads aggregates straight from a payment ledger.
type LedgerSource struct {
	Ledger           *ledger.Ledger
	TopEarnerPercent int
}

func (s LedgerSource) Aggregates(agentID string) Aggregates {
	pct := s.TopEarnerPercent
	if pct <= 0 {
		pct = requirements[Alpha].TopEarnerPercent
	}
	balance := s.Ledger.NetBalance(agentID)
	return Aggregates{
		Transactions:      s.Ledger.TransactionCount(agentID, ""),
		Balance:           balance,
		SustainedEarnings: balance.IsPositive(),
		TopEarner:         s.Ledger.IsTopEarner(agentID, pct),
	}
}

// Store durably keeps molt state.
type Store interface {
	Save(ctx context.Context, s State) error
	Load(ctx context.Context) ([]State, error)
}

type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{states: map[string]State{}} }

func (m *MemoryStore) Save(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.AgentID] = s.clone()
	return nil
}

func (m *MemoryStore) Load(_ context.Context) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}
