// Package alert decides which alerts a fetch outcome produces.
package alert

import (
	"github.com/shopspring/decimal"

	"stock-tracker/internal/models"
)

// Rules holds the per-product inputs to Evaluate besides the snapshots.
type Rules struct {
	Preferences models.AlertPreferences
	TargetPrice decimal.NullDecimal
	LowestPrice decimal.NullDecimal
}

// RulesFor extracts the evaluation rules of a tracked product.
func RulesFor(p *models.TrackedProduct) Rules {
	return Rules{
		Preferences: p.Preferences,
		TargetPrice: p.TargetPrice,
		LowestPrice: p.LowestPrice,
	}
}

// Evaluation is the result of comparing an outcome against the previous snapshot.
// Snapshot is the canonical state after the check; Changed is true when it differs
// from the previous one in stock or price.
type Evaluation struct {
	Snapshot *models.ProductSnapshot
	Events   []models.AlertEvent
	Changed  bool
}

// Evaluate is pure: the same inputs always give the same Evaluation.
//
// Failed outcomes keep the previous snapshot and never raise events. The first
// successful observation becomes the baseline without events. Target crossings are
// edge triggered: they fire only when the previous price was above the target.
// A success without a price keeps the last known price, so a sold-out page that
// hides the price can not hide the next drop.
func Evaluate(productID int64, previous *models.ProductSnapshot, rules Rules, outcome models.FetchOutcome) Evaluation {
	if outcome.Kind != models.OutcomeSuccess || outcome.Snapshot == nil {
		return Evaluation{Snapshot: previous}
	}

	next := *outcome.Snapshot
	if previous == nil {
		return Evaluation{Snapshot: &next, Changed: true}
	}

	prev := *previous
	if !next.Price.Valid {
		next.Price = prev.Price
	}
	eval := Evaluation{Snapshot: &next, Changed: !prev.SameState(next)}
	if !eval.Changed {
		return eval
	}

	prefs := rules.Preferences
	newEvent := func(kind models.EventKind) models.AlertEvent {
		return models.AlertEvent{Kind: kind, ProductID: productID, Snapshot: next}
	}

	if prefs.StockChange && prev.InStock != next.InStock {
		if next.InStock {
			eval.Events = append(eval.Events, newEvent(models.EventStockAvailable))
		} else {
			eval.Events = append(eval.Events, newEvent(models.EventStockUnavailable))
		}
	}

	if !next.Price.Valid {
		return eval
	}
	price := next.Price.Decimal

	if prev.Price.Valid {
		old := prev.Price.Decimal

		if prefs.PriceDrop && price.LessThan(old) {
			ev := newEvent(models.EventPriceDropped)
			ev.From, ev.To = old, price
			eval.Events = append(eval.Events, ev)
		}

		if prefs.TargetPriceReached && rules.TargetPrice.Valid {
			target := rules.TargetPrice.Decimal
			if price.LessThanOrEqual(target) && old.GreaterThan(target) {
				ev := newEvent(models.EventTargetReached)
				ev.From, ev.To = target, price
				eval.Events = append(eval.Events, ev)
			}
		}
	}

	if prefs.LowestEver && rules.LowestPrice.Valid && price.LessThan(rules.LowestPrice.Decimal) {
		ev := newEvent(models.EventLowestEver)
		ev.From, ev.To = rules.LowestPrice.Decimal, price
		eval.Events = append(eval.Events, ev)
	}

	return eval
}

// NextLowest returns the lowest price known after observing snapshot.
func NextLowest(lowest decimal.NullDecimal, snapshot *models.ProductSnapshot) decimal.NullDecimal {
	if snapshot == nil || !snapshot.Price.Valid {
		return lowest
	}
	if !lowest.Valid || snapshot.Price.Decimal.LessThan(lowest.Decimal) {
		return snapshot.Price
	}
	return lowest
}
