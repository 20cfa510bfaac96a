package molt

import (
	"fmt"
	"time"
)

// Stage is one of the five ordered capability tiers.
type Stage int

const (
	Larva Stage = iota
	Juvenile
	SubAdult
	Adult
	Alpha
)

var stageNames = [...]string{"Larva", "Juvenile", "Sub-adult", "Adult", "Alpha"}

func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

func (s Stage) Valid() bool { return s >= Larva && s <= Alpha }

// Next returns the following stage, or false at Alpha.
func (s Stage) Next() (Stage, bool) {
	if s >= Alpha {
		return Alpha, false
	}
	return s + 1, true
}

// ClampStage maps any integer onto a valid stage, defaulting out-of-range values to Larva.
func ClampStage(n int) Stage {
	s := Stage(n)
	if !s.Valid() {
		return Larva
	}
	return s
}

// Requirements gate the molt into a stage.
type Requirements struct {
	Posts             int  `json:"posts"`
	Transactions      int  `json:"x402Transactions"`
	PositiveBalance   bool `json:"positiveBalance"`
	SustainedEarnings bool `json:"sustainedEarnings"`
	TopEarnerPercent  int  `json:"topEarnerPercent,omitempty"`
}

var requirements = map[Stage]Requirements{
	Larva:    {},
	Juvenile: {Posts: 100, Transactions: 10},
	SubAdult: {Posts: 500, Transactions: 50, PositiveBalance: true},
	Adult:    {Posts: 2000, Transactions: 200, SustainedEarnings: true},
	Alpha:    {Posts: 10000, Transactions: 1000, SustainedEarnings: true, TopEarnerPercent: 10},
}

func RequirementsFor(s Stage) Requirements { return requirements[s] }

type transition struct{ from, to Stage }

var cooldowns = map[transition]time.Duration{
	{Larva, Juvenile}:    0,
	{Juvenile, SubAdult}: 24 * time.Hour,
	{SubAdult, Adult}:    72 * time.Hour,
	{Adult, Alpha}:       7 * 24 * time.Hour,
}

// Cooldown is the minimum time between reaching from and molting into to.
func Cooldown(from, to Stage) time.Duration { return cooldowns[transition{from, to}] }

var unlocks = map[Stage][]string{
	Larva:    {"Basic posting", "Identity on Moltbook"},
	Juvenile: {"Enhanced content generation", "Basic earnings"},
	SubAdult: {"Swarm awareness", "Agent-to-agent messaging"},
	Adult:    {"Full swarm coordination", "Premium endpoints"},
	Alpha:    {"Swarm leadership", "Resource allocation", "Molt mentoring"},
}

func Unlocks(s Stage) []string { return append([]string(nil), unlocks[s]...) }

// RateLimit is the activity budget granted at a stage.
type RateLimit struct {
	PostInterval      time.Duration
	OutboundTxPerHour int
	InboundTxPerHour  int
	BurstPerSec       int
}

var rateLimits = map[Stage]RateLimit{
	Larva:    {PostInterval: 60 * time.Second, OutboundTxPerHour: 100, InboundTxPerHour: 1000, BurstPerSec: 10},
	Juvenile: {PostInterval: 45 * time.Second, OutboundTxPerHour: 100, InboundTxPerHour: 1000, BurstPerSec: 10},
	SubAdult: {PostInterval: 30 * time.Second, OutboundTxPerHour: 100, InboundTxPerHour: 1000, BurstPerSec: 10},
	Adult:    {PostInterval: 15 * time.Second, OutboundTxPerHour: 100, InboundTxPerHour: 1000, BurstPerSec: 10},
	Alpha:    {PostInterval: 10 * time.Second, OutboundTxPerHour: 100, InboundTxPerHour: 1000, BurstPerSec: 10},
}

func RateLimitFor(s Stage) RateLimit { return rateLimits[s] }

// DecayStatus is the inactivity health axis.
type DecayStatus string

const (
	Healthy  DecayStatus = "healthy"
	Warned   DecayStatus = "warned"
	Softened DecayStatus = "softened"
	Rotting  DecayStatus = "rotting"
	Dormant  DecayStatus = "dormant"
)

// Inactivity thresholds for each decay tier.
const (
	WarnAfter    = 24 * time.Hour
	SoftenAfter  = 72 * time.Hour
	RotAfter     = 7 * 24 * time.Hour
	DormantAfter = 30 * 24 * time.Hour
)

func (d DecayStatus) rank() int {
	switch d {
	case Warned:
		return 1
	case Softened:
		return 2
	case Rotting:
		return 3
	case Dormant:
		return 4
	}
	return 0
}

// DecayFor maps an inactivity span to its decay tier.
func DecayFor(inactive time.Duration) DecayStatus {
	switch {
	case inactive >= DormantAfter:
		return Dormant
	case inactive >= RotAfter:
		return Rotting
	case inactive >= SoftenAfter:
		return Softened
	case inactive >= WarnAfter:
		return Warned
	}
	return Healthy
}
