// Package catalog validates and manages the set of tracked products for the
// operator surfaces (HTTP API and Telegram bot).
package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"stock-tracker/internal/models"
)

// ErrUnsupportedRef means no site parser accepts the URL or item number.
var ErrUnsupportedRef = errors.New("unsupported product reference")

// Store is the persistence the catalogue needs.
type Store interface {
	AddProduct(ctx context.Context, p *models.TrackedProduct) (int64, error)
	ListProducts(ctx context.Context) ([]*models.TrackedProduct, error)
	GetProduct(ctx context.Context, id int64) (*models.TrackedProduct, error)
	DeactivateProduct(ctx context.Context, id int64) error
	History(ctx context.Context, productID int64, limit int) ([]models.CheckHistory, error)
	PriceHistory(ctx context.Context, productID int64, limit int) ([]models.ProductSnapshot, error)
	Alerts(ctx context.Context, productID int64, limit int) ([]models.AlertRecord, error)
}

// Options bound what a new product may ask for.
type Options struct {
	// Supports reports whether a site parser handles the reference.
	Supports        func(ref string) bool
	Channels        []string
	DefaultInterval int
	MinInterval     int
	MaxInterval     int
}

// NewProduct is the input of Add.
type NewProduct struct {
	Ref                 string                   `json:"ref"`
	Name                string                   `json:"name"`
	TargetPrice         decimal.NullDecimal      `json:"target_price"`
	PollIntervalMinutes int                      `json:"poll_interval_minutes"`
	Preferences         *models.AlertPreferences `json:"preferences,omitempty"`
	Channels            []string                 `json:"channels"`
	AutoAddEnabled      bool                     `json:"auto_add_enabled"`
	AutoAddQuantity     int                      `json:"auto_add_quantity"`
	AutoAddMaxPrice     decimal.NullDecimal      `json:"auto_add_max_price"`
}

// History groups what is known about one product's past checks.
type History struct {
	Product *models.TrackedProduct  `json:"product"`
	Checks  []models.CheckHistory   `json:"checks"`
	Prices  []models.ProductSnapshot `json:"prices"`
	Alerts  []models.AlertRecord    `json:"alerts"`
}

type Service struct {
	store Store
	opts  Options
}

func New(store Store, opts Options) *Service {
	return &Service{store: store, opts: opts}
}

// Add validates in and stores a new active product, due immediately.
func (s *Service) Add(ctx context.Context, in NewProduct) (*models.TrackedProduct, error) {
	p, err := s.build(in)
	if err != nil {
		return nil, err
	}
	id, err := s.store.AddProduct(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.store.GetProduct(ctx, id)
}

func (s *Service) build(in NewProduct) (*models.TrackedProduct, error) {
	ref := strings.TrimSpace(in.Ref)
	if ref == "" {
		return nil, models.NewConfigurationError("ref", "is required")
	}
	if s.opts.Supports != nil && !s.opts.Supports(ref) {
		return nil, ErrUnsupportedRef
	}

	interval := in.PollIntervalMinutes
	if interval == 0 {
		interval = s.opts.DefaultInterval
	}
	if interval < s.opts.MinInterval || (s.opts.MaxInterval > 0 && interval > s.opts.MaxInterval) {
		return nil, models.NewConfigurationError("poll_interval_minutes",
			"%d is outside [%d, %d]", interval, s.opts.MinInterval, s.opts.MaxInterval)
	}

	if in.TargetPrice.Valid && in.TargetPrice.Decimal.IsNegative() {
		return nil, models.NewConfigurationError("target_price", "must not be negative")
	}
	if in.AutoAddMaxPrice.Valid && in.AutoAddMaxPrice.Decimal.IsNegative() {
		return nil, models.NewConfigurationError("auto_add_max_price", "must not be negative")
	}

	quantity := in.AutoAddQuantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 {
		return nil, models.NewConfigurationError("auto_add_quantity", "must be at least 1")
	}

	for _, ch := range in.Channels {
		if !contains(s.opts.Channels, ch) {
			return nil, models.NewConfigurationError("channels", "channel %q is not configured", ch)
		}
	}

	prefs := models.DefaultPreferences()
	if in.Preferences != nil {
		prefs = *in.Preferences
	}

	return &models.TrackedProduct{
		Ref:                 ref,
		Name:                strings.TrimSpace(in.Name),
		TargetPrice:         in.TargetPrice,
		PollIntervalMinutes: interval,
		Preferences:         prefs,
		Channels:            in.Channels,
		AutoAddEnabled:      in.AutoAddEnabled,
		AutoAddQuantity:     quantity,
		AutoAddMaxPrice:     in.AutoAddMaxPrice,
		Active:              true,
		Status:              models.StatusActive,
	}, nil
}

func (s *Service) List(ctx context.Context) ([]*models.TrackedProduct, error) {
	return s.store.ListProducts(ctx)
}

func (s *Service) Get(ctx context.Context, id int64) (*models.TrackedProduct, error) {
	return s.store.GetProduct(ctx, id)
}

// Remove stops tracking. History stays queryable.
func (s *Service) Remove(ctx context.Context, id int64) error {
	return s.store.DeactivateProduct(ctx, id)
}

func (s *Service) History(ctx context.Context, id int64, limit int) (*History, error) {
	p, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	checks, err := s.store.History(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	prices, err := s.store.PriceHistory(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	alerts, err := s.store.Alerts(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	return &History{Product: p, Checks: checks, Prices: prices, Alerts: alerts}, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
