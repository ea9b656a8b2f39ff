// Package phase maps account equity to the active trading policy: risk
// percentage, leverage cap, execution mode, allowed signal classes, and
// whether pyramiding runs.
package phase

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

// phase2Threshold is the equity boundary between the two policies.
var phase2Threshold = decimal.NewFromInt(1000)

// Config is the policy active for an equity band.
type Config struct {
	Phase             int                  `json:"phase"`
	Label             string               `json:"label"`
	RiskPct           float64              `json:"risk_pct"`
	MaxLeverage       int                  `json:"max_leverage"`
	ExecutionMode     types.ExecutionMode  `json:"execution_mode"`
	AllowedClasses    []types.SignalClass  `json:"allowed_classes"`
	PyramidingAllowed bool                 `json:"pyramiding_allowed"`
}

// Allows reports whether a signal class is tradable under this policy.
func (c Config) Allows(class types.SignalClass) bool {
	for _, allowed := range c.AllowedClasses {
		if allowed == class {
			return true
		}
	}
	return false
}

// Transition is emitted when equity crosses the band boundary.
type Transition struct {
	From   int             `json:"from"`
	To     int             `json:"to"`
	Equity decimal.Decimal `json:"equity"`
	At     time.Time       `json:"at"`
}

// Manager tracks equity and the resulting policy. Safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	equity  decimal.Decimal
	current Config

	phase1 Config
	phase2 Config

	events chan Transition
	logger *slog.Logger
}

// New creates a manager starting in phase 1 with zero equity. The risk
// percentages come from configuration; the rest of each policy is fixed.
func New(phase1RiskPct, phase2RiskPct float64, logger *slog.Logger) *Manager {
	phase1 := Config{
		Phase:          1,
		Label:          "accumulation",
		RiskPct:        phase1RiskPct,
		MaxLeverage:    5,
		ExecutionMode:  types.ModeMaker,
		AllowedClasses: []types.SignalClass{types.ClassScalp},
	}
	phase2 := Config{
		Phase:             2,
		Label:             "expansion",
		RiskPct:           phase2RiskPct,
		MaxLeverage:       20,
		ExecutionMode:     types.ModeTaker,
		AllowedClasses:    []types.SignalClass{types.ClassDay, types.ClassSwing},
		PyramidingAllowed: true,
	}
	return &Manager{
		current: phase1,
		phase1:  phase1,
		phase2:  phase2,
		events:  make(chan Transition, 8),
		logger:  logger.With("component", "phase"),
	}
}

// Events delivers phase transitions.
func (m *Manager) Events() <-chan Transition { return m.events }

// Current returns the active policy.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Equity returns the last observed equity.
func (m *Manager) Equity() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equity
}

// UpdateEquity records a new equity observation and switches policy when the
// band boundary is crossed. Dropping back below the boundary re-enters
// phase 1, disabling pyramiding and re-restricting signal classes.
func (m *Manager) UpdateEquity(equity decimal.Decimal) {
	m.mu.Lock()
	m.equity = equity

	target := m.phase1
	if equity.GreaterThanOrEqual(phase2Threshold) {
		target = m.phase2
	}
	if target.Phase == m.current.Phase {
		m.mu.Unlock()
		return
	}

	from := m.current.Phase
	m.current = target
	m.mu.Unlock()

	m.logger.Info("phase transition", "from", from, "to", target.Phase, "equity", equity.String())
	select {
	case m.events <- Transition{From: from, To: target.Phase, Equity: equity, At: time.Now()}:
	default:
	}
}

// ValidateSignal reports whether a class is allowed under the current
// policy, with the rejection reason when it is not.
func (m *Manager) ValidateSignal(class types.SignalClass) (bool, types.ReasonCode) {
	if m.Current().Allows(class) {
		return true, ""
	}
	return false, types.ReasonClassNotAllowed
}
