package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductSnapshot is the last known stock/price state of a product.
// Price is invalid when the page showed no price (common on sold-out pages).
type ProductSnapshot struct {
	InStock    bool                `json:"in_stock"`
	Price      decimal.NullDecimal `json:"price"`
	CapturedAt time.Time           `json:"captured_at"`
}

// NewSnapshot builds a snapshot with a known price.
func NewSnapshot(inStock bool, price decimal.Decimal, at time.Time) ProductSnapshot {
	return ProductSnapshot{
		InStock:    inStock,
		Price:      decimal.NullDecimal{Decimal: price, Valid: true},
		CapturedAt: at,
	}
}

// SameState compares stock and price, ignoring capture time.
func (s ProductSnapshot) SameState(other ProductSnapshot) bool {
	if s.InStock != other.InStock {
		return false
	}
	if s.Price.Valid != other.Price.Valid {
		return false
	}
	return !s.Price.Valid || s.Price.Decimal.Equal(other.Price.Decimal)
}
