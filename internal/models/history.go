package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CheckRecord is everything a single check commits in one transaction.
// Snapshot is nil when the stored snapshot must stay as it is.
type CheckRecord struct {
	CheckID   string
	ProductID int64
	CheckedAt time.Time
	Outcome   FetchOutcome

	Snapshot *ProductSnapshot
	Name     string

	Status                  Status
	NextCheckAt             time.Time
	ConsecutiveFailureCount int
	ConsecutiveSoftBlocks   int
	LowestPrice             decimal.NullDecimal
	LastError               string

	Events []AlertEvent
}

// CheckHistory is one row of the per-check outcome log.
type CheckHistory struct {
	ID        int64               `json:"id"`
	CheckID   string              `json:"check_id"`
	ProductID int64               `json:"product_id"`
	Outcome   OutcomeKind         `json:"outcome"`
	Reason    string              `json:"reason,omitempty"`
	InStock   *bool               `json:"in_stock,omitempty"`
	Price     decimal.NullDecimal `json:"price"`
	CheckedAt time.Time           `json:"checked_at"`
}

// AlertStatus tracks delivery of a persisted alert.
type AlertStatus string

const (
	AlertPending AlertStatus = "pending"
	AlertSent    AlertStatus = "sent"
	AlertFailed  AlertStatus = "failed"
)

// AlertRecord is an alert as stored, written before dispatch and updated after.
type AlertRecord struct {
	ID           int64       `json:"id"`
	CheckID      string      `json:"check_id"`
	ProductID    int64       `json:"product_id"`
	Kind         EventKind   `json:"kind"`
	Message      string      `json:"message"`
	OldValue     string      `json:"old_value,omitempty"`
	NewValue     string      `json:"new_value,omitempty"`
	Status       AlertStatus `json:"status"`
	ChannelsSent []string    `json:"channels_sent,omitempty"`
	Error        string      `json:"error,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// BasketOutcome is the result of an automatic basket add.
type BasketOutcome string

const (
	BasketSuccess         BasketOutcome = "success"
	BasketFailure         BasketOutcome = "failure"
	BasketPreconditionNot BasketOutcome = "precondition_not_met"
)

// BasketAction logs one basket attempt.
type BasketAction struct {
	ID        int64               `json:"id"`
	ProductID int64               `json:"product_id"`
	CheckID   string              `json:"check_id"`
	Outcome   BasketOutcome       `json:"outcome"`
	Price     decimal.NullDecimal `json:"price"`
	Quantity  int                 `json:"quantity"`
	Message   string              `json:"message,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// SchedulerRun summarises one due-selection pass.
type SchedulerRun struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Selected    int       `json:"selected"`
	Checked     int       `json:"checked"`
	Changed     int       `json:"changed"`
	Errors      int       `json:"errors"`
	Status      string    `json:"status"`
}
