// Package molt implements the five-stage molt lifecycle: voluntary molts gated
// by requirements and cooldowns, and inactivity decay that can demote a stage.
package molt

import (
	"context"
	"fmt"
	"log"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stake-plus/moltswarm/src/events"
	"github.com/stake-plus/moltswarm/src/shared/keylock"
	"github.com/stake-plus/moltswarm/src/x402"
)

// Eligibility describes whether an agent may molt now.
type Eligibility struct {
	Eligible     bool               `json:"eligible"`
	NextStage    *Stage             `json:"nextStage"`
	Requirements *Requirements      `json:"requirements"`
	Progress     map[string]float64 `json:"progress"`
	CooldownMs   int64              `json:"cooldownMs"`
	Unmet        []string           `json:"unmet,omitempty"`
}

// Progress is the read-only view of an agent's stage.
type Progress struct {
	CurrentStage Stage              `json:"currentStage"`
	StageName    string             `json:"stageName"`
	DecayStatus  DecayStatus        `json:"decayStatus"`
	Progress     map[string]float64 `json:"progress"`
	Unlocks      []string           `json:"unlocks"`
}

// Engine owns every agent's molt state. Each agent's check-then-act sequences
// run under that agent's key lock, and the resulting state is saved before the
// lock is released so saves for one agent reach the store in order. Events are
// emitted after release.
type Engine struct {
	mu     sync.RWMutex
	agents map[string]*State
	locks  *keylock.Locker
	source StatsSource
	store  Store
	now    func() time.Time

	lmu       sync.RWMutex
	listeners []func(events.Event)
}

type Option func(*Engine)

// WithStatsSource makes eligibility pull fresh transaction and balance figures.
func WithStatsSource(src StatsSource) Option { return func(e *Engine) { e.source = src } }

func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		agents: map[string]*State{},
		locks:  keylock.New(0),
		store:  NewMemoryStore(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnEvent registers a listener for molt and decay events.
func (e *Engine) OnEvent(fn func(events.Event)) {
	e.lmu.Lock()
	e.listeners = append(e.listeners, fn)
	e.lmu.Unlock()
}

func (e *Engine) emit(evs []events.Event) {
	e.lmu.RLock()
	listeners := slices.Clone(e.listeners)
	e.lmu.RUnlock()
	for _, ev := range evs {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

func (e *Engine) persist(ctx context.Context, s State) {
	if err := e.store.Save(ctx, s); err != nil {
		log.Printf("molt: failed to persist state for %s: %v", s.AgentID, err)
	}
}

// Load restores persisted states, replacing anything held in memory.
func (e *Engine) Load(ctx context.Context) error {
	states, err := e.store.Load(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agents = make(map[string]*State, len(states))
	for _, s := range states {
		s := s.clone()
		s.CurrentStage = ClampStage(int(s.CurrentStage))
		if s.DecayStatus == "" {
			s.DecayStatus = Healthy
		}
		e.agents[s.AgentID] = &s
	}
	log.Printf("molt: loaded %d agent states", len(states))
	return nil
}

// state returns the live record for agentID, creating it when absent. The
// caller must hold the agent's key lock.
func (e *Engine) state(agentID string) (*State, bool) {
	e.mu.RLock()
	s, ok := e.agents[agentID]
	e.mu.RUnlock()
	if ok {
		return s, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok = e.agents[agentID]; ok {
		return s, false
	}
	s = &State{
		AgentID:        agentID,
		CurrentStage:   Larva,
		LastActivityAt: e.now(),
		DecayStatus:    Healthy,
	}
	e.agents[agentID] = s
	return s, true
}

// GetOrCreate returns a copy of the agent's state, initialising it at Larva.
func (e *Engine) GetOrCreate(ctx context.Context, agentID string) State {
	unlock := e.locks.Lock(agentID)
	defer unlock()
	s, created := e.state(agentID)
	snap := s.clone()
	if created {
		e.persist(ctx, snap)
	}
	return snap
}

// CurrentStage is the agent's stage, Larva for unknown agents.
func (e *Engine) CurrentStage(agentID string) Stage {
	unlock := e.locks.Lock(agentID)
	defer unlock()
	e.mu.RLock()
	s, ok := e.agents[agentID]
	e.mu.RUnlock()
	if !ok {
		return Larva
	}
	return s.CurrentStage
}

// Agents lists known agent ids in order.
func (e *Engine) Agents() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.agents))
	for id := range e.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CheckEligibility reports whether agentID may molt into its next stage.
func (e *Engine) CheckEligibility(agentID string) Eligibility {
	unlock := e.locks.Lock(agentID)
	defer unlock()
	s, _ := e.state(agentID)
	return e.eligibility(s)
}

func (e *Engine) eligibility(s *State) Eligibility {
	next, ok := s.CurrentStage.Next()
	if !ok {
		return Eligibility{Progress: map[string]float64{}}
	}
	req := RequirementsFor(next)

	agg := Aggregates{
		Transactions:      s.Stats.Transactions,
		Balance:           s.Stats.Balance,
		SustainedEarnings: s.Stats.Balance.IsPositive(),
	}
	if e.source != nil {
		agg = e.source.Aggregates(s.AgentID)
		s.Stats.Transactions = agg.Transactions
		s.Stats.Balance = agg.Balance
	}

	progress := map[string]float64{
		"posts":            ratio(s.Stats.Posts, req.Posts),
		"x402Transactions": ratio(agg.Transactions, req.Transactions),
	}
	var unmet []string
	if s.Stats.Posts < req.Posts {
		unmet = append(unmet, fmt.Sprintf("posts %d/%d", s.Stats.Posts, req.Posts))
	}
	if agg.Transactions < req.Transactions {
		unmet = append(unmet, fmt.Sprintf("x402Transactions %d/%d", agg.Transactions, req.Transactions))
	}
	if req.PositiveBalance {
		progress["positiveBalance"] = flag(agg.Balance.IsPositive())
		if !agg.Balance.IsPositive() {
			unmet = append(unmet, "positive balance")
		}
	}
	if req.SustainedEarnings {
		progress["sustainedEarnings"] = flag(agg.SustainedEarnings)
		if !agg.SustainedEarnings {
			unmet = append(unmet, "sustained earnings")
		}
	}
	if req.TopEarnerPercent > 0 {
		progress["topEarner"] = flag(agg.TopEarner)
		if !agg.TopEarner {
			unmet = append(unmet, fmt.Sprintf("top %d%% earner", req.TopEarnerPercent))
		}
	}

	cooldown := e.cooldownRemaining(s, next)
	return Eligibility{
		Eligible:     len(unmet) == 0 && cooldown == 0,
		NextStage:    &next,
		Requirements: &req,
		Progress:     progress,
		CooldownMs:   cooldown.Milliseconds(),
		Unmet:        unmet,
	}
}

func (e *Engine) cooldownRemaining(s *State, next Stage) time.Duration {
	if s.LastMoltAt == nil {
		return 0
	}
	cd := Cooldown(s.CurrentStage, next)
	if cd == 0 {
		return 0
	}
	remaining := cd - e.now().Sub(*s.LastMoltAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ExecuteMolt advances agentID by exactly one stage when eligible. A blocked
// molt returns a 409 carrying every blocking reason and leaves state untouched.
func (e *Engine) ExecuteMolt(ctx context.Context, agentID string) (Stage, error) {
	unlock := e.locks.Lock(agentID)
	s, _ := e.state(agentID)
	el := e.eligibility(s)
	if el.NextStage == nil {
		stage := s.CurrentStage
		unlock()
		return stage, x402.Conflict("already at %s", Alpha)
	}
	if !el.Eligible {
		stage := s.CurrentStage
		unlock()
		var reasons []string
		if el.CooldownMs > 0 {
			secs := int64(math.Ceil(float64(el.CooldownMs) / 1000))
			reasons = append(reasons, fmt.Sprintf("cooldown: %ds remaining", secs))
		}
		if len(el.Unmet) > 0 {
			reasons = append(reasons, "requirements not met: "+strings.Join(el.Unmet, ", "))
		}
		return stage, x402.Conflict("%s", strings.Join(reasons, "; "))
	}

	from, to := s.CurrentStage, *el.NextStage
	at := e.now()
	s.CurrentStage = to
	s.LastMoltAt = &at
	s.History = append(s.History, Transition{From: from, To: to, At: at})
	e.persist(ctx, s.clone())
	unlock()

	e.emit([]events.Event{
		{Type: events.MoltStarted, AgentID: agentID, Timestamp: at.UnixMilli(), Data: map[string]any{
			"fromStage": from, "toStage": to,
		}},
		{Type: events.MoltCompleted, AgentID: agentID, Timestamp: at.UnixMilli(), Data: map[string]any{
			"fromStage": from, "toStage": to, "stageName": to.String(), "unlocks": Unlocks(to),
		}},
	})
	log.Printf("molt: %s molted %s -> %s", agentID, from, to)
	return to, nil
}

// CheckDecay recomputes the decay tier from inactivity. The first entry into
// Rotting or worse demotes one stage (floor Larva); staying there does not
// demote again until activity resets the tier.
func (e *Engine) CheckDecay(ctx context.Context, agentID string) DecayStatus {
	unlock := e.locks.Lock(agentID)
	s, _ := e.state(agentID)
	now := e.now()
	inactive := now.Sub(s.LastActivityAt)
	prev := s.DecayStatus
	next := DecayFor(inactive)

	var evs []events.Event
	if next.rank() >= Rotting.rank() && prev.rank() < Rotting.rank() && s.CurrentStage > Larva {
		from := s.CurrentStage
		s.CurrentStage--
		evs = append(evs, events.Event{Type: events.DecayShellrot, AgentID: agentID, Timestamp: now.UnixMilli(), Data: map[string]any{
			"fromStage": from, "toStage": s.CurrentStage,
		}})
	}
	if next == Warned && prev == Healthy {
		evs = append(evs, events.Event{Type: events.DecayWarning, AgentID: agentID, Timestamp: now.UnixMilli(), Data: map[string]any{
			"inactiveMs": inactive.Milliseconds(),
		}})
	}
	changed := next != prev
	s.DecayStatus = next
	if changed {
		e.persist(ctx, s.clone())
	}
	unlock()

	e.emit(evs)
	return next
}

// RecordActivity marks agentID active now and resets decay to Healthy.
func (e *Engine) RecordActivity(ctx context.Context, agentID string) {
	unlock := e.locks.Lock(agentID)
	s, _ := e.state(agentID)
	s.LastActivityAt = e.now()
	s.DecayStatus = Healthy
	e.persist(ctx, s.clone())
	unlock()
}

// UpdateStats merges a patch into the cached snapshot.
func (e *Engine) UpdateStats(ctx context.Context, agentID string, patch StatsPatch) State {
	unlock := e.locks.Lock(agentID)
	s, _ := e.state(agentID)
	if patch.Posts != nil {
		s.Stats.Posts = max(0, *patch.Posts)
	}
	if patch.Transactions != nil {
		s.Stats.Transactions = max(0, *patch.Transactions)
	}
	if patch.Balance != nil {
		s.Stats.Balance = *patch.Balance
	}
	snap := s.clone()
	e.persist(ctx, snap)
	unlock()
	return snap
}

// Progress is the read-only stage summary for agentID.
func (e *Engine) Progress(agentID string) Progress {
	unlock := e.locks.Lock(agentID)
	defer unlock()
	s, _ := e.state(agentID)
	el := e.eligibility(s)
	return Progress{
		CurrentStage: s.CurrentStage,
		StageName:    s.CurrentStage.String(),
		DecayStatus:  s.DecayStatus,
		Progress:     el.Progress,
		Unlocks:      Unlocks(s.CurrentStage),
	}
}

// Sweep runs CheckDecay over every known agent and returns how many were not
// healthy afterwards.
func (e *Engine) Sweep(ctx context.Context) int {
	unhealthy := 0
	for _, id := range e.Agents() {
		if ctx.Err() != nil {
			break
		}
		if e.CheckDecay(ctx, id) != Healthy {
			unhealthy++
		}
	}
	return unhealthy
}

// RunSweeper calls Sweep every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n := e.Sweep(ctx)
			log.Printf("molt: decay sweep done, %d agents inactive", n)
		}
	}
}

func ratio(have, need int) float64 {
	if need <= 0 {
		return 1
	}
	return math.Min(1, float64(have)/float64(need))
}

func flag(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
