// Package monitor runs the polling loop: it picks due products, checks them
// under a bounded worker pool and routes every outcome through evaluation,
// persistence, notification and the gated basket add.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"stock-tracker/internal/models"
	"stock-tracker/internal/safety"
)

var (
	ErrKillSwitchActive = errors.New("kill switch is active")
	ErrCheckInProgress  = errors.New("check already in progress")
	ErrProductDisabled  = errors.New("product is disabled")
	ErrProductNotFound  = errors.New("product not found")
)

// Run statuses stored on models.SchedulerRun.
const (
	RunCompleted           = "completed"
	RunCompletedWithErrors = "completed_with_errors"
	RunKillSwitch          = "kill_switch"
	RunPaused              = "paused"
)

// Config controls scheduling. Intervals are in minutes to match the product setting.
type Config struct {
	Tick                 time.Duration
	Workers              int
	DefaultInterval      int
	MinInterval          int
	MaxInterval          int
	JitterFraction       float64
	FailureThreshold     int
	MaxBackoffMultiplier float64
	FetchTimeout         time.Duration
	// HistoryRetention of zero keeps history append-only. A positive value bounds
	// storage by deleting check and snapshot history older than it.
	HistoryRetention     time.Duration
	CleanupInterval      time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Tick:                 30 * time.Second,
		Workers:              4,
		DefaultInterval:      15,
		MinInterval:          5,
		MaxInterval:          1440,
		JitterFraction:       0.1,
		FailureThreshold:     10,
		MaxBackoffMultiplier: 16,
		FetchTimeout:         30 * time.Second,
		CleanupInterval:      24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.Workers < 1 {
		c.Workers = d.Workers
	}
	if c.MinInterval < 1 {
		c.MinInterval = 1
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = c.MinInterval
	}
	if c.DefaultInterval < c.MinInterval || c.DefaultInterval > c.MaxInterval {
		c.DefaultInterval = c.MinInterval
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		c.JitterFraction = d.JitterFraction
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.MaxBackoffMultiplier < 1 {
		c.MaxBackoffMultiplier = 1
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	return c
}

// Deps are the collaborators of the scheduler. Basket and Credentials may be nil
// when assisted checkout is not configured.
type Deps struct {
	Store       Store
	Fetcher     Fetcher
	Notifier    Notifier
	Basket      BasketAgent
	Credentials CredentialProvider
	Governor    *safety.Governor
}

// Status is the operator view of the scheduler.
type Status struct {
	Running  bool                 `json:"running"`
	Paused   bool                 `json:"paused"`
	Workers  int                  `json:"workers"`
	InFlight []int64              `json:"in_flight"`
	Safety   safety.Status        `json:"safety"`
	LastRun  *models.SchedulerRun `json:"last_run,omitempty"`
}

// Scheduler owns the check cycle of every tracked product.
type Scheduler struct {
	store       Store
	fetcher     Fetcher
	notifier    Notifier
	basket      BasketAgent
	credentials CredentialProvider
	governor    *safety.Governor
	cfg         Config

	now   func() time.Time
	rndMu sync.Mutex
	rnd   *rand.Rand

	sem *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[int64]struct{}
	lastRun  *models.SchedulerRun

	paused    atomic.Bool
	isRunning atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New builds a scheduler. Store, Fetcher, Notifier and Governor are required.
func New(deps Deps, cfg Config) (*Scheduler, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("monitor: store is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("monitor: fetcher is required")
	case deps.Notifier == nil:
		return nil, fmt.Errorf("monitor: notifier is required")
	case deps.Governor == nil:
		return nil, fmt.Errorf("monitor: governor is required")
	}
	cfg = cfg.withDefaults()

	return &Scheduler{
		store:       deps.Store,
		fetcher:     deps.Fetcher,
		notifier:    deps.Notifier,
		basket:      deps.Basket,
		credentials: deps.Credentials,
		governor:    deps.Governor,
		cfg:         cfg,
		now:         time.Now,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		sem:         semaphore.NewWeighted(int64(cfg.Workers)),
		inFlight:    make(map[int64]struct{}),
		stopCh:      make(chan struct{}),
	}, nil
}

// WithClock replaces the time source. Used by tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// WithRand replaces the jitter source. Used by tests.
func (s *Scheduler) WithRand(r *rand.Rand) *Scheduler {
	s.rndMu.Lock()
	s.rnd = r
	s.rndMu.Unlock()
	return s
}

// Start recovers products left in "checking" by a previous process, runs one pass
// immediately and then one per tick until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.isRunning.CompareAndSwap(false, true) {
		return
	}

	if n, err := s.store.ResetChecking(ctx); err != nil {
		log.Printf("[Scheduler] Failed to reset stranded checks: %v", err)
		s.pause(err)
	} else if n > 0 {
		log.Printf("[Scheduler] Returned %d stranded products to active", n)
	}

	log.Printf("[Scheduler] Started - Tick: %v, Workers: %d, Interval: %d-%d min",
		s.cfg.Tick, s.cfg.Workers, s.cfg.MinInterval, s.cfg.MaxInterval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	if s.cfg.HistoryRetention > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.cleanupLoop(ctx)
		}()
	}
}

// Stop ends the loops and waits for in-flight checks to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.isRunning.Store(false)
	log.Printf("[Scheduler] Stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[Scheduler] Pass failed: %v", err)
		}
		select {
		case <-ticker.C:
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.PruneHistory(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// PruneHistory deletes history rows older than the retention period.
func (s *Scheduler) PruneHistory(ctx context.Context) {
	if s.cfg.HistoryRetention <= 0 {
		return
	}
	before := s.now().Add(-s.cfg.HistoryRetention)
	n, err := s.store.PruneHistory(ctx, before)
	if err != nil {
		log.Printf("[Scheduler] History cleanup failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Scheduler] Pruned %d history rows older than %s", n, before.Format(time.RFC3339))
	}
}

// RunOnce performs one due-selection pass and waits for the checks it started.
// With the kill switch on it selects nothing. While persistence is unavailable
// it only pings the store.
func (s *Scheduler) RunOnce(ctx context.Context) (*models.SchedulerRun, error) {
	now := s.now()
	run := &models.SchedulerRun{ID: uuid.NewString(), StartedAt: now}

	if s.governor.KillSwitchOn() {
		run.Status = RunKillSwitch
		run.CompletedAt = now
		s.setLastRun(run)
		return run, nil
	}

	if s.paused.Load() {
		if err := s.store.Ping(ctx); err != nil {
			run.Status = RunPaused
			run.CompletedAt = s.now()
			s.setLastRun(run)
			return run, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
		}
		s.paused.Store(false)
		log.Printf("[Scheduler] Persistence recovered, resuming")
	}

	products, err := s.store.LoadDueProducts(ctx, now)
	if err != nil {
		return nil, s.persistenceFailed(err)
	}
	due := s.selectDue(ctx, products, now)
	run.Selected = len(due)

	if err := s.store.StartRun(ctx, run); err != nil {
		return nil, s.persistenceFailed(err)
	}

	var (
		wg     sync.WaitGroup
		tallyM sync.Mutex
	)
	tally := func(rep *CheckReport, err error) {
		tallyM.Lock()
		defer tallyM.Unlock()
		if err != nil {
			run.Errors++
			return
		}
		if rep == nil {
			return
		}
		run.Checked++
		if rep.Changed {
			run.Changed++
		}
		if rep.Outcome.IsFailure() {
			run.Errors++
		}
	}

	for _, p := range due {
		// Takes effect for checks not yet launched in this pass.
		if s.governor.KillSwitchOn() || s.paused.Load() {
			break
		}
		if !s.claim(p.ID) {
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.release(p.ID)
			break
		}
		// The switch may have been set while waiting for a worker.
		if s.governor.KillSwitchOn() {
			s.sem.Release(1)
			s.release(p.ID)
			break
		}

		wg.Add(1)
		go func(p *models.TrackedProduct) {
			defer wg.Done()
			defer s.sem.Release(1)
			defer s.release(p.ID)

			fresh, err := s.reload(ctx, p.ID, now)
			if err != nil || fresh == nil {
				tally(nil, err)
				return
			}
			if s.governor.KillSwitchOn() {
				return
			}
			rep, err := s.check(ctx, fresh)
			if err != nil {
				log.Printf("[Scheduler] Check of product %d failed: %v", p.ID, err)
			}
			tally(rep, err)
		}(p)
	}
	wg.Wait()

	run.CompletedAt = s.now()
	run.Status = RunCompleted
	if run.Errors > 0 {
		run.Status = RunCompletedWithErrors
	}
	s.setLastRun(run)

	if err := s.store.FinishRun(ctx, run); err != nil {
		return run, s.persistenceFailed(err)
	}
	if run.Selected > 0 {
		log.Printf("[Scheduler] Run %s: selected %d, checked %d, changed %d, errors %d",
			run.ID, run.Selected, run.Checked, run.Changed, run.Errors)
	}
	return run, nil
}

// selectDue filters the store result down to products that may be checked now.
// Products past the failure threshold are disabled on the way.
func (s *Scheduler) selectDue(ctx context.Context, products []*models.TrackedProduct, now time.Time) []*models.TrackedProduct {
	due := make([]*models.TrackedProduct, 0, len(products))
	for _, p := range products {
		if p == nil || !p.Active || p.Status == models.StatusDisabled || !p.IsDue(now) {
			continue
		}
		if p.ConsecutiveFailureCount >= s.cfg.FailureThreshold {
			reason := fmt.Sprintf("%d consecutive failures", p.ConsecutiveFailureCount)
			if err := s.store.DisableProduct(ctx, p.ID, reason); err != nil {
				log.Printf("[Scheduler] Failed to disable product %d: %v", p.ID, err)
			}
			continue
		}
		due = append(due, p)
	}
	return due
}

// reload reads the product again after it was claimed. A check that finished
// between selection and claim has already moved it on; nil means skip it.
func (s *Scheduler) reload(ctx context.Context, id int64, now time.Time) (*models.TrackedProduct, error) {
	p, err := s.store.GetProduct(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.persistenceFailed(err)
	}
	if p == nil || !p.Active || p.Status == models.StatusDisabled || !p.IsDue(now) {
		return nil, nil
	}
	return p, nil
}

// TriggerManualCheck checks one product now, ignoring its next check time.
// The kill switch and the per-product exclusion still apply.
func (s *Scheduler) TriggerManualCheck(ctx context.Context, productID int64) (*CheckReport, error) {
	if s.governor.KillSwitchOn() {
		return nil, ErrKillSwitchActive
	}
	if s.paused.Load() {
		if err := s.store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
		}
		s.paused.Store(false)
	}

	p, err := s.store.GetProduct(ctx, productID)
	if errors.Is(err, models.ErrNotFound) || (err == nil && p == nil) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, s.persistenceFailed(err)
	}
	if !p.Active || p.Status == models.StatusDisabled {
		return nil, ErrProductDisabled
	}

	if !s.claim(p.ID) {
		return nil, ErrCheckInProgress
	}
	defer s.release(p.ID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	return s.check(ctx, p)
}

// EnableProduct re-enables a disabled product and schedules it immediately.
func (s *Scheduler) EnableProduct(ctx context.Context, productID int64) error {
	p, err := s.store.GetProduct(ctx, productID)
	if errors.Is(err, models.ErrNotFound) || (err == nil && p == nil) {
		return ErrProductNotFound
	}
	if err != nil {
		return err
	}
	if err := s.store.EnableProduct(ctx, productID, s.now()); err != nil {
		return err
	}
	log.Printf("[Scheduler] Product %d re-enabled", productID)
	return nil
}

// SetKillSwitch stops new checks from starting on the next pass. In-flight
// checks finish but will not add to basket.
func (s *Scheduler) SetKillSwitch(ctx context.Context, on bool) error {
	return s.governor.SetKillSwitch(ctx, on)
}

// SetSafeMode is the manual override of safe mode.
func (s *Scheduler) SetSafeMode(ctx context.Context, on bool) error {
	return s.governor.SetSafeMode(ctx, on)
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	var last *models.SchedulerRun
	if s.lastRun != nil {
		r := *s.lastRun
		last = &r
	}
	s.mu.Unlock()

	return Status{
		Running:  s.isRunning.Load(),
		Paused:   s.paused.Load(),
		Workers:  s.cfg.Workers,
		InFlight: ids,
		Safety:   s.governor.Snapshot(),
		LastRun:  last,
	}
}

// claim marks a product in flight. It fails when a check of the same product is running.
func (s *Scheduler) claim(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id int64) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

func (s *Scheduler) setLastRun(run *models.SchedulerRun) {
	s.mu.Lock()
	s.lastRun = run
	s.mu.Unlock()
}

func (s *Scheduler) pause(err error) {
	if s.paused.CompareAndSwap(false, true) {
		log.Printf("[Scheduler] Persistence unavailable, pausing: %v", err)
	}
}

// persistenceFailed pauses the loop and wraps err as ErrPersistenceUnavailable.
func (s *Scheduler) persistenceFailed(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	s.pause(err)
	return fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err)
}
