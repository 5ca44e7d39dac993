package monitor

import (
	"context"
	"time"

	"stock-tracker/internal/basket"
	"stock-tracker/internal/models"
	"stock-tracker/internal/notify"
	"stock-tracker/internal/scraper"
	"stock-tracker/internal/security"
)

// Store is the persistence boundary of the scheduler. CommitCheck is atomic:
// snapshot, history rows and pending alerts are written together or not at all.
type Store interface {
	Ping(ctx context.Context) error

	// LoadDueProducts returns active, non-disabled products whose next check
	// time is at or before now.
	LoadDueProducts(ctx context.Context, now time.Time) ([]*models.TrackedProduct, error)
	GetProduct(ctx context.Context, id int64) (*models.TrackedProduct, error)

	MarkChecking(ctx context.Context, id int64, at time.Time) error
	CommitCheck(ctx context.Context, rec *models.CheckRecord) (alertIDs []int64, err error)
	InsertAlert(ctx context.Context, checkID string, event models.AlertEvent) (int64, error)
	MarkAlertDispatched(ctx context.Context, alertID int64, status models.AlertStatus, channels []string, errMsg string) error
	RecordBasketAction(ctx context.Context, action *models.BasketAction) error

	DisableProduct(ctx context.Context, id int64, reason string) error
	EnableProduct(ctx context.Context, id int64, nextCheckAt time.Time) error
	// ResetChecking returns products stranded in "checking" by a crash to active.
	ResetChecking(ctx context.Context) (int64, error)

	StartRun(ctx context.Context, run *models.SchedulerRun) error
	FinishRun(ctx context.Context, run *models.SchedulerRun) error
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
}

// Fetcher is the page fetch boundary. Fetch never returns an error.
type Fetcher interface {
	Fetch(ctx context.Context, ref string, timeout time.Duration) models.FetchOutcome
}

// Notifier delivers one event on the product's channels.
type Notifier interface {
	Send(ctx context.Context, event models.AlertEvent, product *models.TrackedProduct) []notify.Result
}

// BasketAgent adds an item to the retailer basket.
type BasketAgent interface {
	AddToBasket(ctx context.Context, req basket.Request, creds security.Credentials) basket.Result
}

// CredentialProvider hands out decrypted retailer credentials.
type CredentialProvider interface {
	Credentials() (security.Credentials, error)
}

var (
	_ Fetcher            = (*scraper.Registry)(nil)
	_ BasketAgent        = (*basket.Agent)(nil)
	_ CredentialProvider = (*security.CredentialSource)(nil)
	_ Notifier           = (*notify.Dispatcher)(nil)
)
