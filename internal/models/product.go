package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the scheduling state of a tracked product.
type Status string

const (
	StatusActive   Status = "active"
	StatusChecking Status = "checking"
	StatusBackoff  Status = "backoff"
	StatusDisabled Status = "disabled"
)

// AlertPreferences selects which changes notify the user.
type AlertPreferences struct {
	StockChange        bool `json:"stock_change"`
	PriceDrop          bool `json:"price_drop"`
	TargetPriceReached bool `json:"target_price_reached"`
	LowestEver         bool `json:"lowest_ever"`
}

// DefaultPreferences enables every alert kind.
func DefaultPreferences() AlertPreferences {
	return AlertPreferences{
		StockChange:        true,
		PriceDrop:          true,
		TargetPriceReached: true,
		LowestEver:         true,
	}
}

// TrackedProduct represents a product page being polled.
type TrackedProduct struct {
	ID   int64  `json:"id"`
	Ref  string `json:"ref"` // URL or retailer item number
	Name string `json:"name"`

	TargetPrice         decimal.NullDecimal `json:"target_price"`
	PollIntervalMinutes int                 `json:"poll_interval_minutes"`
	Preferences         AlertPreferences    `json:"preferences"`
	Channels            []string            `json:"channels"`

	AutoAddEnabled  bool                `json:"auto_add_enabled"`
	AutoAddQuantity int                 `json:"auto_add_quantity"`
	AutoAddMaxPrice decimal.NullDecimal `json:"auto_add_max_price"`

	Active                  bool      `json:"active"`
	Status                  Status    `json:"status"`
	LastCheckedAt           time.Time `json:"last_checked_at"`
	NextCheckAt             time.Time `json:"next_check_at"`
	ConsecutiveFailureCount int       `json:"consecutive_failure_count"`
	ConsecutiveSoftBlocks   int       `json:"consecutive_soft_blocks"`
	LastError               string    `json:"last_error,omitempty"`

	LowestPrice decimal.NullDecimal `json:"lowest_price"`
	Snapshot    *ProductSnapshot    `json:"snapshot,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsDue reports whether the product's next check time has been reached.
func (p *TrackedProduct) IsDue(now time.Time) bool {
	return p.NextCheckAt.IsZero() || !now.Before(p.NextCheckAt)
}

// DisplayName falls back to the reference when the page name is unknown.
func (p *TrackedProduct) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Ref
}
