package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// EventKind identifies an alert.
type EventKind string

const (
	EventStockAvailable   EventKind = "stock_available"
	EventStockUnavailable EventKind = "stock_unavailable"
	EventPriceDropped     EventKind = "price_dropped"
	EventTargetReached    EventKind = "target_price_reached"
	EventLowestEver       EventKind = "lowest_ever"

	// Raised by the scheduler after a basket attempt, never by the evaluator.
	EventBasketAdded  EventKind = "basket_added"
	EventBasketFailed EventKind = "basket_add_failed"
)

// AlertEvent is consumed exactly once by the dispatch step of the check that produced it.
type AlertEvent struct {
	Kind      EventKind       `json:"kind"`
	ProductID int64           `json:"product_id"`
	Snapshot  ProductSnapshot `json:"snapshot"`
	From      decimal.Decimal `json:"from"`
	To        decimal.Decimal `json:"to"`
	Detail    string          `json:"detail,omitempty"`
}

// AuthorizesBasket reports whether this event kind may trigger an automatic basket add.
// A plain price drop never does.
func (e AlertEvent) AuthorizesBasket() bool {
	return e.Kind == EventStockAvailable || e.Kind == EventTargetReached
}

// Summary is the one-line description stored with the alert.
func (e AlertEvent) Summary() string {
	switch e.Kind {
	case EventStockAvailable:
		return "back in stock"
	case EventStockUnavailable:
		return "out of stock"
	case EventPriceDropped:
		return fmt.Sprintf("price dropped from %s to %s", e.From.StringFixed(2), e.To.StringFixed(2))
	case EventTargetReached:
		return fmt.Sprintf("price %s reached target %s", e.To.StringFixed(2), e.From.StringFixed(2))
	case EventLowestEver:
		return fmt.Sprintf("lowest price ever %s (was %s)", e.To.StringFixed(2), e.From.StringFixed(2))
	case EventBasketAdded:
		return "added to basket"
	case EventBasketFailed:
		if e.Detail != "" {
			return "basket add failed: " + e.Detail
		}
		return "basket add failed"
	}
	return string(e.Kind)
}

// Values returns the old and new values stored with the alert, empty when the
// event carries no price pair.
func (e AlertEvent) Values() (string, string) {
	switch e.Kind {
	case EventPriceDropped, EventTargetReached, EventLowestEver:
		return e.From.String(), e.To.String()
	case EventStockAvailable:
		return "out_of_stock", "in_stock"
	case EventStockUnavailable:
		return "in_stock", "out_of_stock"
	}
	return "", ""
}
