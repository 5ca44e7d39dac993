// Package safety holds the process-wide safety state: kill switch and safe mode.
package safety

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"stock-tracker/internal/models"
)

// State is the governor's externally visible mode.
type State string

const (
	StateNormal     State = "normal"
	StateSafeMode   State = "safe_mode"
	StateKillSwitch State = "kill_switch"
)

// Flag keys used with a FlagStore.
const (
	KillSwitchKey = "kill_switch"
	SafeModeKey   = "safe_mode"
)

// FlagStore persists operator flags across restarts.
type FlagStore interface {
	GetFlag(ctx context.Context, key string) (on bool, found bool, err error)
	SetFlag(ctx context.Context, key string, on bool) error
}

// Config tunes automatic safe mode.
type Config struct {
	// SoftBlockThreshold soft blocks inside Window switch safe mode on.
	SoftBlockThreshold int
	Window             time.Duration
	// CoolDown without soft blocks switches automatic safe mode off again.
	CoolDown time.Duration
	// SafeModeFactor multiplies every poll interval while safe mode is on.
	SafeModeFactor float64
}

// Status is a point-in-time copy of the governor for status surfaces.
type Status struct {
	State           State     `json:"state"`
	KillSwitch      bool      `json:"kill_switch"`
	SafeMode        bool      `json:"safe_mode"`
	ManualSafeMode  bool      `json:"manual_safe_mode"`
	SoftBlockStreak int       `json:"soft_block_streak"`
	LastSoftBlockAt time.Time `json:"last_soft_block_at,omitempty"`
	SafeModeSince   time.Time `json:"safe_mode_since,omitempty"`
}

// Governor is the single writer of the safety state. Every accessor takes the
// same lock, so readers always see the latest committed value.
type Governor struct {
	mu    sync.Mutex
	cfg   Config
	store FlagStore
	now   func() time.Time

	killSwitch    bool
	manualSafe    bool
	autoSafe      bool
	softBlocks    []time.Time
	lastSoftBlock time.Time
	safeSince     time.Time
}

// NewGovernor creates a governor in Normal. store may be nil.
func NewGovernor(cfg Config, store FlagStore) *Governor {
	if cfg.SoftBlockThreshold < 1 {
		cfg.SoftBlockThreshold = 1
	}
	if cfg.SafeModeFactor < 1 {
		cfg.SafeModeFactor = 1
	}
	return &Governor{
		cfg:   cfg,
		store: store,
		now:   time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (g *Governor) WithClock(now func() time.Time) *Governor {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
	return g
}

// Restore loads persisted flags. Missing keys leave the current value.
func (g *Governor) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}

	kill, found, err := g.store.GetFlag(ctx, KillSwitchKey)
	if err != nil {
		return fmt.Errorf("failed to restore kill switch: %w", err)
	}
	safe, safeFound, err := g.store.GetFlag(ctx, SafeModeKey)
	if err != nil {
		return fmt.Errorf("failed to restore safe mode: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if found {
		g.killSwitch = kill
	}
	if safeFound && safe {
		g.manualSafe = true
		g.safeSince = g.now()
	}
	log.Printf("[Safety] Restored flags - kill_switch:%v safe_mode:%v", g.killSwitch, g.manualSafe)
	return nil
}

// Record folds one fetch outcome into the global counters.
// Timeouts and hard errors are product-level signals and leave the streak alone.
func (g *Governor) Record(outcome models.FetchOutcome) State {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.expireLocked(now)

	switch outcome.Kind {
	case models.OutcomeSoftBlock:
		g.softBlocks = append(g.softBlocks, now)
		g.lastSoftBlock = now
		g.pruneLocked(now)
		if !g.autoSafe && len(g.softBlocks) >= g.cfg.SoftBlockThreshold {
			g.autoSafe = true
			if !g.manualSafe {
				g.safeSince = now
			}
			log.Printf("[Safety] Safe mode ON after %d soft blocks within %v (last: %s)",
				len(g.softBlocks), g.cfg.Window, outcome.Reason)
		}
	case models.OutcomeSuccess:
		g.softBlocks = nil
	}

	return g.stateLocked()
}

// State returns the current mode. Kill switch wins over safe mode.
func (g *Governor) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireLocked(g.now())
	return g.stateLocked()
}

func (g *Governor) KillSwitchOn() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killSwitch
}

func (g *Governor) SafeModeOn() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireLocked(g.now())
	return g.autoSafe || g.manualSafe
}

// IntervalFactor is the multiplier the scheduler applies to poll intervals.
func (g *Governor) IntervalFactor() float64 {
	if g.SafeModeOn() {
		return g.cfg.SafeModeFactor
	}
	return 1
}

// SetKillSwitch flips the kill switch in memory first so it takes effect on the
// next scheduling pass even when persisting the flag fails.
func (g *Governor) SetKillSwitch(ctx context.Context, on bool) error {
	g.mu.Lock()
	changed := g.killSwitch != on
	g.killSwitch = on
	g.mu.Unlock()

	if changed {
		log.Printf("[Safety] Kill switch %s", onOff(on))
	}
	if g.store == nil {
		return nil
	}
	if err := g.store.SetFlag(ctx, KillSwitchKey, on); err != nil {
		return fmt.Errorf("failed to persist kill switch: %w", err)
	}
	return nil
}

// SetSafeMode is the manual override. Turning it off also clears automatic safe
// mode and the soft-block streak.
func (g *Governor) SetSafeMode(ctx context.Context, on bool) error {
	g.mu.Lock()
	now := g.now()
	wasOn := g.manualSafe || g.autoSafe
	g.manualSafe = on
	if on {
		if !wasOn {
			g.safeSince = now
		}
	} else {
		g.autoSafe = false
		g.softBlocks = nil
		g.safeSince = time.Time{}
	}
	g.mu.Unlock()

	log.Printf("[Safety] Safe mode %s (manual)", onOff(on))
	if g.store == nil {
		return nil
	}
	if err := g.store.SetFlag(ctx, SafeModeKey, on); err != nil {
		return fmt.Errorf("failed to persist safe mode: %w", err)
	}
	return nil
}

// Snapshot copies the current state.
func (g *Governor) Snapshot() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.expireLocked(now)
	g.pruneLocked(now)
	return Status{
		State:           g.stateLocked(),
		KillSwitch:      g.killSwitch,
		SafeMode:        g.autoSafe || g.manualSafe,
		ManualSafeMode:  g.manualSafe,
		SoftBlockStreak: len(g.softBlocks),
		LastSoftBlockAt: g.lastSoftBlock,
		SafeModeSince:   g.safeSince,
	}
}

func (g *Governor) stateLocked() State {
	switch {
	case g.killSwitch:
		return StateKillSwitch
	case g.autoSafe || g.manualSafe:
		return StateSafeMode
	}
	return StateNormal
}

// pruneLocked drops soft blocks that fell out of the sliding window.
func (g *Governor) pruneLocked(now time.Time) {
	if g.cfg.Window <= 0 {
		return
	}
	cutoff := now.Add(-g.cfg.Window)
	i := 0
	for i < len(g.softBlocks) && !g.softBlocks[i].After(cutoff) {
		i++
	}
	g.softBlocks = g.softBlocks[i:]
}

// expireLocked ends automatic safe mode once the cool-down has passed.
func (g *Governor) expireLocked(now time.Time) {
	if !g.autoSafe || now.Sub(g.lastSoftBlock) < g.cfg.CoolDown {
		return
	}
	g.autoSafe = false
	g.softBlocks = nil
	if !g.manualSafe {
		g.safeSince = time.Time{}
	}
	log.Printf("[Safety] Safe mode OFF, no soft blocks for %v", g.cfg.CoolDown)
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
