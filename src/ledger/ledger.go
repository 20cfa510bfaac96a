// Package ledger records payment events per agent and derives balances by replay.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stake-plus/moltswarm/src/x402"
)

const defaultHistoryLimit = 50

// Ledger holds every record in memory, indexed by agent, and writes through to
// a Store. Balances are never stored; they are summed from confirmed records.
type Ledger struct {
	mu      sync.RWMutex
	byAgent map[string][]Record
	store   Store
	now     func() time.Time
}

type Option func(*Ledger)

// WithClock overrides the time source used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store Store, opts ...Option) *Ledger {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Ledger{
		byAgent: map[string][]Record{},
		store:   store,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load replays persisted records into memory. A failing store starts the
// ledger empty rather than refusing to serve.
func (l *Ledger) Load(ctx context.Context) error {
	records, err := l.store.Load(ctx)
	if err != nil {
		log.Printf("ledger: load failed, starting fresh: %v", err)
		return err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	l.byAgent = map[string][]Record{}
	for _, r := range records {
		l.byAgent[r.AgentID] = append(l.byAgent[r.AgentID], r)
	}
	log.Printf("ledger: loaded %d records for %d agents", len(records), len(l.byAgent))
	return nil
}

// RecordTransaction appends a confirmed payment for agentID. Persistence
// errors are logged and swallowed; the in-memory ledger stays authoritative.
func (l *Ledger) RecordTransaction(ctx context.Context, agentID string, amount decimal.Decimal, dir Direction, resource, network string) (Record, error) {
	if strings.TrimSpace(agentID) == "" {
		return Record{}, x402.BadRequest("agent id required")
	}
	if !dir.Valid() {
		return Record{}, x402.BadRequest("invalid direction %q", dir)
	}
	if amount.IsNegative() {
		return Record{}, x402.BadRequest("amount must be nonnegative")
	}
	if network == "" {
		network = DefaultNetwork
	}

	rec := Record{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Amount:    amount,
		Direction: dir,
		Network:   network,
		TxHash:    randomTxHash(),
		Resource:  resource,
		Status:    Confirmed,
		Timestamp: l.now().UTC(),
	}

	l.mu.Lock()
	l.byAgent[agentID] = append(l.byAgent[agentID], rec)
	l.mu.Unlock()

	if err := l.store.Append(ctx, rec); err != nil {
		log.Printf("ledger: failed to persist %s for %s: %v", rec.ID, agentID, err)
	}
	return rec, nil
}

// NetBalance is the sum of confirmed inbound minus confirmed outbound amounts.
func (l *Ledger) NetBalance(agentID string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sum := decimal.Zero
	for _, r := range l.byAgent[agentID] {
		if r.Status != Confirmed {
			continue
		}
		if r.Direction == Inbound {
			sum = sum.Add(r.Amount)
		} else {
			sum = sum.Sub(r.Amount)
		}
	}
	return sum
}

// TransactionCount counts confirmed records. An empty dir counts both directions.
func (l *Ledger) TransactionCount(agentID string, dir Direction) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, r := range l.byAgent[agentID] {
		if r.Status == Confirmed && (dir == "" || r.Direction == dir) {
			n++
		}
	}
	return n
}

// PaymentHistory returns up to limit records, most recent first.
func (l *Ledger) PaymentHistory(agentID string, limit int) []Record {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	records := l.byAgent[agentID]
	out := make([]Record, 0, min(limit, len(records)))
	for i := len(records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, records[i])
	}
	return out
}

// TotalEarnings sums confirmed inbound amounts.
func (l *Ledger) TotalEarnings(agentID string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return inboundSum(l.byAgent[agentID])
}

// AllAgentEarnings maps every agent with inbound records to its earnings.
func (l *Ledger) AllAgentEarnings() map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(l.byAgent))
	for agentID, records := range l.byAgent {
		for _, r := range records {
			if r.Direction == Inbound && r.Status == Confirmed {
				out[agentID] = inboundSum(records)
				break
			}
		}
	}
	return out
}

// IsTopEarner reports whether agentID ranks within the top percent of agents
// with positive earnings. The top slot count is never below one.
func (l *Ledger) IsTopEarner(agentID string, percent int) bool {
	earnings := l.AllAgentEarnings()
	mine, ok := earnings[agentID]
	if !ok || !mine.IsPositive() {
		return false
	}

	ranked := make([]decimal.Decimal, 0, len(earnings))
	for _, e := range earnings {
		if e.IsPositive() {
			ranked = append(ranked, e)
		}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].GreaterThan(ranked[j]) })

	slots := (len(ranked)*percent + 99) / 100
	if slots < 1 {
		slots = 1
	}
	if slots > len(ranked) {
		slots = len(ranked)
	}
	return mine.GreaterThanOrEqual(ranked[slots-1])
}

func inboundSum(records []Record) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range records {
		if r.Direction == Inbound && r.Status == Confirmed {
			sum = sum.Add(r.Amount)
		}
	}
	return sum
}

func randomTxHash() string {
	var b [32]byte
	_, _ = rand.Read(b[:])
	return "0x" + hex.EncodeToString(b[:])
}
