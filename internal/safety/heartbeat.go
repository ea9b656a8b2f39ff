package safety

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FlattenReason labels why an emergency flatten fired.
type FlattenReason string

const (
	FlattenDeadMansSwitch       FlattenReason = "DEAD_MANS_SWITCH"
	FlattenConsecutiveMismatch  FlattenReason = "CONSECUTIVE_MISMATCHES"
	FlattenSafetyStop           FlattenReason = "SAFETY_STOP"
	FlattenFlashCrashProtection FlattenReason = "FLASH_CRASH_PROTECTION"
)

// EventKind classifies safety events pushed to the status stream.
type EventKind string

const (
	EventHeartbeatMissed  EventKind = "heartbeat_missed"
	EventEmergencyFlatten EventKind = "emergency_flatten"
	EventSafetyStop       EventKind = "safety_stop"
	EventHardKill         EventKind = "hard_kill"
)

// Event is a safety notification.
type Event struct {
	Kind   EventKind     `json:"kind"`
	Reason FlattenReason `json:"reason,omitempty"`
	Missed int           `json:"missed,omitempty"`
	At     time.Time     `json:"at"`
}

// DeadMans flattens everything when the upstream signal source goes silent.
// The signal engine is the system's eyes; without heartbeats the positions
// are unmanaged and must not stay open.
type DeadMans struct {
	expected      time.Duration
	checkInterval time.Duration
	maxMissed     int

	mu        sync.Mutex
	last      time.Time
	missed    int
	triggered bool

	marketOpen func() bool
	flatten    func(ctx context.Context, reason FlattenReason)
	disarm     func()

	events chan Event
	logger *slog.Logger
}

// NewDeadMans builds the switch. flatten and disarm are the engine's
// emergency paths; marketOpen prevents off-hours flattens.
func NewDeadMans(expected, checkInterval time.Duration, maxMissed int, marketOpen func() bool, flatten func(ctx context.Context, reason FlattenReason), disarm func(), logger *slog.Logger) *DeadMans {
	return &DeadMans{
		expected:      expected,
		checkInterval: checkInterval,
		maxMissed:     maxMissed,
		marketOpen:    marketOpen,
		flatten:       flatten,
		disarm:        disarm,
		events:        make(chan Event, 16),
		logger:        logger.With("component", "dead_mans"),
	}
}

// Events delivers heartbeat_missed and emergency_flatten notifications.
func (d *DeadMans) Events() <-chan Event { return d.events }

// Beat records a heartbeat, clearing the missed counter.
func (d *DeadMans) Beat() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = time.Now()
	d.missed = 0
}

// Reset re-arms the switch after a trigger and clears the last-heartbeat
// timestamp, so counting only resumes once a fresh heartbeat arrives.
func (d *DeadMans) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.triggered = false
	d.missed = 0
	d.last = time.Time{}
	d.logger.Info("dead-man switch reset")
}

// Missed reports the current missed count.
func (d *DeadMans) Missed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.missed
}

// Run checks heartbeat age until ctx is done.
func (d *DeadMans) Run(ctx context.Context) {
	ticker := time.NewTicker(d.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.check(ctx)
		}
	}
}

func (d *DeadMans) check(ctx context.Context) {
	d.mu.Lock()
	if d.triggered || d.last.IsZero() {
		d.mu.Unlock()
		return
	}
	if time.Since(d.last) <= d.expected {
		d.mu.Unlock()
		return
	}

	d.missed++
	missed := d.missed
	trigger := missed >= d.maxMissed && d.marketOpen()
	if trigger {
		d.triggered = true
	}
	d.mu.Unlock()

	d.logger.Warn("heartbeat missed", "missed", missed, "max", d.maxMissed)
	d.emit(Event{Kind: EventHeartbeatMissed, Missed: missed, At: time.Now()})

	if !trigger {
		return
	}

	d.logger.Error("dead-man switch triggered, flattening")
	d.emit(Event{Kind: EventEmergencyFlatten, Reason: FlattenDeadMansSwitch, At: time.Now()})
	// Local flatten proceeds even if broker or alert paths fail; the
	// flatten callback owns that error handling.
	d.flatten(ctx, FlattenDeadMansSwitch)
	d.disarm()
}

func (d *DeadMans) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
	}
}
