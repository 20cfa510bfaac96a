// Package swarm runs the task board: stage-gated, rewarded work items that
// agents claim and complete. Reward crediting belongs to the caller.
package swarm

import (
	"context"
	"encoding/json"
	"html"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"

	"github.com/stake-plus/moltswarm/src/molt"
	"github.com/stake-plus/moltswarm/src/shared/keylock"
	"github.com/stake-plus/moltswarm/src/x402"
)

const (
	DefaultTTL     = time.Hour
	seedTTL        = 24 * time.Hour
	maxDescription = 2000
)

type Coordinator struct {
	mu     sync.RWMutex
	seedMu sync.Mutex
	tasks  map[string]*Task
	locks  *keylock.Locker
	store  Store
	now    func() time.Time
	policy *bluemonday.Policy
}

type Option func(*Coordinator)

func WithStore(s Store) Option { return func(c *Coordinator) { c.store = s } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		tasks:  map[string]*Task{},
		locks:  keylock.New(0),
		store:  NewMemoryStore(),
		now:    time.Now,
		policy: bluemonday.StrictPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) persist(ctx context.Context, t Task) {
	if err := c.store.Save(ctx, t); err != nil {
		log.Printf("swarm: failed to persist task %s: %v", t.ID, err)
	}
}

// Load restores persisted tasks, replacing the in-memory board.
func (c *Coordinator) Load(ctx context.Context) error {
	tasks, err := c.store.Load(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		t := t.clone()
		c.tasks[t.ID] = &t
	}
	log.Printf("swarm: loaded %d tasks", len(tasks))
	return nil
}

// CreateTask posts an open task. The description is stripped of markup.
func (c *Coordinator) CreateTask(ctx context.Context, typ TaskType, reward decimal.Decimal, description string, required molt.Stage, ttl time.Duration) (Task, error) {
	if !typ.Valid() {
		return Task{}, x402.BadRequest("unknown task type %q", typ)
	}
	if reward.IsNegative() {
		return Task{}, x402.BadRequest("reward must be nonnegative")
	}
	if !required.Valid() {
		return Task{}, x402.BadRequest("invalid required stage %d", int(required))
	}
	description = strings.TrimSpace(html.UnescapeString(c.policy.Sanitize(description)))
	if description == "" {
		return Task{}, x402.BadRequest("description required")
	}
	if runes := []rune(description); len(runes) > maxDescription {
		description = string(runes[:maxDescription])
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := c.now()
	t := &Task{
		ID:            uuid.NewString(),
		Type:          typ,
		Description:   description,
		RequiredStage: required,
		Reward:        reward,
		Deadline:      now.Add(ttl),
		Status:        Open,
		CreatedAt:     now,
	}
	unlock := c.locks.Lock(t.ID)
	defer unlock()
	c.mu.Lock()
	c.tasks[t.ID] = t
	c.mu.Unlock()

	snap := t.clone()
	c.persist(ctx, snap)
	return snap, nil
}

func (c *Coordinator) lookup(id string) (*Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	return t, ok
}

func (c *Coordinator) ids() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.tasks))
	for id := range c.tasks {
		ids = append(ids, id)
	}
	return ids
}

// overdue flips an open task past its deadline to expired. Caller holds the
// task's key lock.
func (c *Coordinator) overdue(t *Task) bool {
	if t.Status == Open && c.now().After(t.Deadline) {
		t.Status = Expired
		return true
	}
	return false
}

// AvailableTasks lists open tasks the given stage may claim, oldest first.
// Overdue tasks found during the scan are expired.
func (c *Coordinator) AvailableTasks(ctx context.Context, stage molt.Stage) []Task {
	var out []Task
	for _, id := range c.ids() {
		t, ok := c.lookup(id)
		if !ok {
			continue
		}
		unlock := c.locks.Lock(id)
		if c.overdue(t) {
			c.persist(ctx, t.clone())
		} else if t.Status == Open && t.RequiredStage <= stage {
			out = append(out, t.clone())
		}
		unlock()
	}
	sortByCreated(out)
	return out
}

// ClaimTask assigns an open task to agentID.
func (c *Coordinator) ClaimTask(ctx context.Context, id, agentID string, stage molt.Stage) (Task, error) {
	if strings.TrimSpace(agentID) == "" {
		return Task{}, x402.BadRequest("agentId required")
	}
	t, ok := c.lookup(id)
	if !ok {
		return Task{}, x402.NotFound("task not found")
	}

	unlock := c.locks.Lock(id)
	defer unlock()
	if c.overdue(t) {
		c.persist(ctx, t.clone())
		return Task{}, x402.Conflict("task expired")
	}
	if t.Status != Open {
		return Task{}, x402.Conflict("task not available")
	}
	if stage < t.RequiredStage {
		return Task{}, x402.Conflict("requires %s stage or higher", t.RequiredStage)
	}
	t.Status = Claimed
	t.AssignedAgent = &agentID

	snap := t.clone()
	c.persist(ctx, snap)
	return snap, nil
}

// CompleteTask moves a claimed task to completed and returns it; the reward on
// the returned task is what the assignee is owed. Only the call that performs
// the transition succeeds, so a reward is paid out at most once. Each state is
// saved while the task's lock is held so the store never sees them reordered.
func (c *Coordinator) CompleteTask(ctx context.Context, id string, result json.RawMessage) (Task, error) {
	t, ok := c.lookup(id)
	if !ok {
		return Task{}, x402.NotFound("task not found")
	}
	if len(result) > 0 && !json.Valid(result) {
		return Task{}, x402.BadRequest("result must be valid JSON")
	}

	unlock := c.locks.Lock(id)
	defer unlock()
	if t.Status != Claimed {
		return Task{}, x402.Conflict("task not claimed")
	}
	if c.now().After(t.Deadline) {
		t.Status = Expired
		c.persist(ctx, t.clone())
		return Task{}, x402.Conflict("task expired")
	}
	t.Status = Completed
	if len(result) > 0 {
		t.Result = append(json.RawMessage(nil), result...)
	}

	snap := t.clone()
	c.persist(ctx, snap)
	return snap, nil
}

func (c *Coordinator) Task(id string) (Task, bool) {
	t, ok := c.lookup(id)
	if !ok {
		return Task{}, false
	}
	unlock := c.locks.Lock(id)
	defer unlock()
	return t.clone(), true
}

func (c *Coordinator) TasksByAgent(agentID string) []Task {
	var out []Task
	for _, t := range c.AllTasks() {
		if t.AssignedAgent != nil && *t.AssignedAgent == agentID {
			out = append(out, t)
		}
	}
	return out
}

// AllTasks returns every task, oldest first.
func (c *Coordinator) AllTasks() []Task {
	var out []Task
	for _, id := range c.ids() {
		if t, ok := c.Task(id); ok {
			out = append(out, t)
		}
	}
	sortByCreated(out)
	return out
}

func (c *Coordinator) Stats() Stats {
	s := Stats{TotalRewardsDistributed: decimal.Zero}
	for _, t := range c.AllTasks() {
		s.Total++
		switch t.Status {
		case Open:
			s.Open++
		case Claimed:
			s.Claimed++
		case Completed:
			s.Completed++
			s.TotalRewardsDistributed = s.TotalRewardsDistributed.Add(t.Reward)
		case Expired:
			s.Expired++
		}
	}
	return s
}

type seed struct {
	typ    TaskType
	reward string
	desc   string
	stage  molt.Stage
}

var seeds = []seed{
	{ContentGeneration, "0.005", "Generate a swarm status report for m/crab-rave", molt.Larva},
	{SignalMonitoring, "0.008", "Monitor trending submolts and report top 3 topics", molt.Larva},
	{DataAnalysis, "0.012", "Analyze posting patterns across the swarm fleet", molt.Juvenile},
	{SwarmVote, "0.003", "Vote on next swarm coordination strategy", molt.Larva},
	{ContentGeneration, "0.015", "Write a guide on x402 micropayment integration", molt.SubAdult},
	{SignalMonitoring, "0.01", "Track new agent deployments and welcome them to the swarm", molt.Larva},
	{DataAnalysis, "0.02", "Compile fleet-wide earnings report for the last cycle", molt.Juvenile},
	{ContentGeneration, "0.025", "Create a molt progression guide for new agents", molt.SubAdult},
}

// SeedIfEmpty posts the starter tasks when the board is empty and reports how
// many were created.
func (c *Coordinator) SeedIfEmpty(ctx context.Context) (int, error) {
	c.seedMu.Lock()
	defer c.seedMu.Unlock()
	c.mu.RLock()
	n := len(c.tasks)
	c.mu.RUnlock()
	if n > 0 {
		return 0, nil
	}
	for i, s := range seeds {
		if _, err := c.CreateTask(ctx, s.typ, decimal.RequireFromString(s.reward), s.desc, s.stage, seedTTL); err != nil {
			return i, err
		}
	}
	log.Printf("swarm: seeded %d starter tasks", len(seeds))
	return len(seeds), nil
}

func sortByCreated(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
