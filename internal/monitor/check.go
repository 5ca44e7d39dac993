package monitor

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"stock-tracker/internal/alert"
	"stock-tracker/internal/basket"
	"stock-tracker/internal/models"
	"stock-tracker/internal/notify"
	"stock-tracker/internal/security"
)

// CheckReport summarises one completed check cycle.
type CheckReport struct {
	CheckID     string                  `json:"check_id"`
	ProductID   int64                   `json:"product_id"`
	Outcome     models.FetchOutcome     `json:"outcome"`
	Snapshot    *models.ProductSnapshot `json:"snapshot,omitempty"`
	Changed     bool                    `json:"changed"`
	Events      []models.AlertEvent     `json:"events"`
	Status      models.Status           `json:"status"`
	NextCheckAt time.Time               `json:"next_check_at"`
	Basket      *basket.Result          `json:"basket,omitempty"`
}

// check runs one cycle for a claimed product. The snapshot, history and pending
// alerts are committed before any notification goes out, so a restart after the
// commit can not fire the same alerts twice.
func (s *Scheduler) check(ctx context.Context, p *models.TrackedProduct) (*CheckReport, error) {
	interval, err := s.productInterval(p)
	if err != nil {
		log.Printf("[Scheduler] Disabling product %d: %v", p.ID, err)
		if derr := s.store.DisableProduct(ctx, p.ID, err.Error()); derr != nil {
			return nil, s.persistenceFailed(derr)
		}
		return nil, err
	}

	if err := s.store.MarkChecking(ctx, p.ID, s.now()); err != nil {
		return nil, s.persistenceFailed(err)
	}

	outcome := s.fetch(ctx, p)
	if ctx.Err() != nil {
		// Shutdown. The product stays "checking" until the next ResetChecking.
		return nil, ctx.Err()
	}

	eval := alert.Evaluate(p.ID, p.Snapshot, alert.RulesFor(p), outcome)
	s.governor.Record(outcome)

	checkedAt := s.now()
	rec := s.buildRecord(p, outcome, eval, interval, checkedAt)

	alertIDs, err := s.store.CommitCheck(ctx, rec)
	if err != nil {
		return nil, s.persistenceFailed(err)
	}

	updated := applyRecord(p, rec)
	report := &CheckReport{
		CheckID:     rec.CheckID,
		ProductID:   p.ID,
		Outcome:     outcome,
		Snapshot:    eval.Snapshot,
		Changed:     eval.Changed,
		Events:      eval.Events,
		Status:      rec.Status,
		NextCheckAt: rec.NextCheckAt,
	}

	if outcome.Kind != models.OutcomeSuccess {
		log.Printf("[Scheduler] Product %d: %s (%s), next check %s",
			p.ID, outcome.Kind, outcome.Reason, rec.NextCheckAt.Format(time.RFC3339))
	}

	for i, ev := range eval.Events {
		results := s.notifier.Send(ctx, ev, updated)
		if i < len(alertIDs) {
			s.markDispatched(ctx, alertIDs[i], results)
		}
	}

	report.Basket = s.maybeAddToBasket(ctx, updated, rec.CheckID, eval.Events)
	return report, nil
}

// fetch calls the page fetcher under the configured timeout. A panicking
// fetcher is reported as a hard error rather than taking the worker down.
func (s *Scheduler) fetch(ctx context.Context, p *models.TrackedProduct) (out models.FetchOutcome) {
	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Scheduler] Fetcher panic for product %d: %v", p.ID, r)
			out = models.HardError(fmt.Sprintf("fetcher panic: %v", r))
		}
	}()

	out = s.fetcher.Fetch(fctx, p.Ref, s.cfg.FetchTimeout)
	if out.Kind == "" {
		out = models.HardError("empty fetch outcome")
	}
	if out.Kind == models.OutcomeSuccess && out.Snapshot == nil {
		out = models.HardError("success without snapshot")
	}
	return out
}

func (s *Scheduler) buildRecord(p *models.TrackedProduct, outcome models.FetchOutcome, eval alert.Evaluation, interval time.Duration, at time.Time) *models.CheckRecord {
	rec := &models.CheckRecord{
		CheckID:                 uuid.NewString(),
		ProductID:               p.ID,
		CheckedAt:               at,
		Outcome:                 outcome,
		Name:                    p.Name,
		Status:                  models.StatusActive,
		ConsecutiveFailureCount: p.ConsecutiveFailureCount,
		ConsecutiveSoftBlocks:   p.ConsecutiveSoftBlocks,
		LowestPrice:             p.LowestPrice,
		Events:                  eval.Events,
	}
	if outcome.Name != "" {
		rec.Name = outcome.Name
	}

	switch outcome.Kind {
	case models.OutcomeSuccess:
		rec.ConsecutiveFailureCount = 0
		rec.ConsecutiveSoftBlocks = 0
		rec.LowestPrice = alert.NextLowest(p.LowestPrice, eval.Snapshot)
		if eval.Changed {
			rec.Snapshot = eval.Snapshot
		}
	case models.OutcomeSoftBlock:
		rec.ConsecutiveSoftBlocks++
		rec.LastError = outcome.Err().Error()
	default:
		rec.ConsecutiveFailureCount++
		rec.LastError = outcome.Err().Error()
	}

	if rec.ConsecutiveFailureCount > 0 {
		rec.Status = models.StatusBackoff
	}
	if rec.ConsecutiveFailureCount >= s.cfg.FailureThreshold {
		rec.Status = models.StatusDisabled
		log.Printf("[Scheduler] Product %d disabled after %d consecutive failures", p.ID, rec.ConsecutiveFailureCount)
	}

	rec.NextCheckAt = at.Add(s.nextInterval(interval, rec.ConsecutiveFailureCount))
	return rec
}

// productInterval validates the product's poll interval against the global bounds.
// Zero means the default interval.
func (s *Scheduler) productInterval(p *models.TrackedProduct) (time.Duration, error) {
	minutes := p.PollIntervalMinutes
	if minutes == 0 {
		minutes = s.cfg.DefaultInterval
	}
	if minutes < s.cfg.MinInterval || minutes > s.cfg.MaxInterval {
		return 0, models.NewConfigurationError("poll_interval_minutes",
			"%d is outside [%d, %d]", minutes, s.cfg.MinInterval, s.cfg.MaxInterval)
	}
	return time.Duration(minutes) * time.Minute, nil
}

// nextInterval applies jitter, the global safe-mode factor and the local
// exponential backoff. Backed off intervals are capped at the maximum interval.
func (s *Scheduler) nextInterval(base time.Duration, failures int) time.Duration {
	d := float64(base) * s.jitter() * s.governor.IntervalFactor()

	if failures > 0 {
		mult := math.Min(math.Pow(2, float64(failures)), s.cfg.MaxBackoffMultiplier)
		d *= mult

		limit := float64(time.Duration(s.cfg.MaxInterval) * time.Minute)
		if limit < float64(base) {
			limit = float64(base)
		}
		if d > limit {
			d = limit
		}
	}

	if d < float64(time.Second) {
		d = float64(time.Second)
	}
	return time.Duration(d)
}

// jitter returns a factor in [1-JitterFraction, 1+JitterFraction].
func (s *Scheduler) jitter() float64 {
	if s.cfg.JitterFraction == 0 {
		return 1
	}
	s.rndMu.Lock()
	r := s.rnd.Float64()
	s.rndMu.Unlock()
	return 1 + (2*r-1)*s.cfg.JitterFraction
}

// maybeAddToBasket makes at most one basket attempt per check, for the first
// event that authorizes it. The kill switch is read again right before the call.
func (s *Scheduler) maybeAddToBasket(ctx context.Context, p *models.TrackedProduct, checkID string, events []models.AlertEvent) *basket.Result {
	if !p.AutoAddEnabled || s.basket == nil {
		return nil
	}

	var trigger *models.AlertEvent
	for i := range events {
		if events[i].AuthorizesBasket() {
			trigger = &events[i]
			break
		}
	}
	if trigger == nil {
		return nil
	}

	if s.governor.KillSwitchOn() {
		log.Printf("[Scheduler] Kill switch on, skipping basket add for product %d", p.ID)
		return nil
	}

	var creds security.Credentials
	if s.credentials != nil {
		c, err := s.credentials.Credentials()
		if err != nil {
			log.Printf("[Scheduler] Basket credentials unavailable: %v", err)
		} else {
			creds = c
		}
	}

	quantity := p.AutoAddQuantity
	if quantity == 0 {
		quantity = 1
	}
	req := basket.Request{
		ProductID: p.ID,
		Ref:       p.Ref,
		Price:     trigger.Snapshot.Price,
		Quantity:  quantity,
		MaxPrice:  p.AutoAddMaxPrice,
	}
	res := s.basket.AddToBasket(ctx, req, creds)

	action := &models.BasketAction{
		ProductID: p.ID,
		CheckID:   checkID,
		Outcome:   res.Outcome,
		Price:     req.Price,
		Quantity:  quantity,
		Message:   res.Message,
		CreatedAt: s.now(),
	}
	if err := s.store.RecordBasketAction(ctx, action); err != nil {
		log.Printf("[Scheduler] Failed to record basket action for product %d: %v", p.ID, err)
	}

	if res.Outcome == models.BasketPreconditionNot {
		return &res
	}

	kind := models.EventBasketFailed
	if res.Succeeded() {
		kind = models.EventBasketAdded
	}
	ev := models.AlertEvent{
		Kind:      kind,
		ProductID: p.ID,
		Snapshot:  trigger.Snapshot,
		Detail:    res.Message,
	}
	id, err := s.store.InsertAlert(ctx, checkID, ev)
	if err != nil {
		log.Printf("[Scheduler] Failed to store basket alert for product %d: %v", p.ID, err)
		return &res
	}
	s.markDispatched(ctx, id, s.notifier.Send(ctx, ev, p))
	return &res
}

// markDispatched records delivery. An alert counts as sent when any channel delivered it.
func (s *Scheduler) markDispatched(ctx context.Context, alertID int64, results []notify.Result) {
	sent := notify.Sent(results)
	status := models.AlertSent
	var errMsg string

	if len(sent) == 0 {
		status = models.AlertFailed
		errMsg = "no notification channels"
	}
	if failed := notify.Failed(results); len(failed) > 0 {
		parts := make([]string, 0, len(failed))
		for _, r := range failed {
			parts = append(parts, r.Channel+": "+r.Error)
		}
		errMsg = strings.Join(parts, "; ")
		log.Printf("[Scheduler] Alert %d: %v: %s", alertID, models.ErrDispatchFailure, errMsg)
	}

	if err := s.store.MarkAlertDispatched(ctx, alertID, status, sent, errMsg); err != nil {
		log.Printf("[Scheduler] Failed to mark alert %d: %v", alertID, err)
	}
}

// applyRecord returns a copy of p with the committed state applied.
func applyRecord(p *models.TrackedProduct, rec *models.CheckRecord) *models.TrackedProduct {
	updated := *p
	updated.Name = rec.Name
	updated.Status = rec.Status
	updated.LastCheckedAt = rec.CheckedAt
	updated.NextCheckAt = rec.NextCheckAt
	updated.ConsecutiveFailureCount = rec.ConsecutiveFailureCount
	updated.ConsecutiveSoftBlocks = rec.ConsecutiveSoftBlocks
	updated.LowestPrice = rec.LowestPrice
	updated.LastError = rec.LastError
	if rec.Snapshot != nil {
		updated.Snapshot = rec.Snapshot
	}
	return &updated
}
