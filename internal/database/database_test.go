package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-tracker/internal/models"
	"stock-tracker/internal/safety"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func price(v int64) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.NewFromInt(v), Valid: true}
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func addProduct(t *testing.T, db *DB, ref string) int64 {
	t.Helper()
	id, err := db.AddProduct(context.Background(), &models.TrackedProduct{
		Ref:                 ref,
		Name:                "Sofa",
		TargetPrice:         price(90),
		PollIntervalMinutes: 15,
		Preferences:         models.DefaultPreferences(),
		Channels:            []string{"telegram", "email"},
		AutoAddQuantity:     1,
	})
	require.NoError(t, err)
	return id
}

func TestAddAndGetProduct(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id := addProduct(t, db, "1234567")
	p, err := db.GetProduct(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, "1234567", p.Ref)
	assert.Equal(t, "Sofa", p.Name)
	assert.True(t, p.TargetPrice.Valid)
	assert.True(t, p.TargetPrice.Decimal.Equal(decimal.NewFromInt(90)))
	assert.Equal(t, []string{"telegram", "email"}, p.Channels)
	assert.Equal(t, models.DefaultPreferences(), p.Preferences)
	assert.True(t, p.Active)
	assert.Equal(t, models.StatusActive, p.Status)
	assert.False(t, p.LowestPrice.Valid)
	assert.Nil(t, p.Snapshot)

	_, err = db.AddProduct(ctx, &models.TrackedProduct{Ref: "1234567"})
	assert.ErrorIs(t, err, ErrDuplicateProduct)

	_, err = db.GetProduct(ctx, 999)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLoadDueProducts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	due := addProduct(t, db, "1111111")
	later := addProduct(t, db, "2222222")
	disabled := addProduct(t, db, "3333333")
	inactive := addProduct(t, db, "4444444")

	now := time.Now().Add(time.Minute)
	require.NoError(t, db.EnableProduct(ctx, later, now.Add(time.Hour)))
	require.NoError(t, db.DisableProduct(ctx, disabled, "too many failures"))
	require.NoError(t, db.DeactivateProduct(ctx, inactive))

	products, err := db.LoadDueProducts(ctx, now)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, due, products[0].ID)

	p, err := db.GetProduct(ctx, disabled)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisabled, p.Status)
	assert.Equal(t, "too many failures", p.LastError)

	assert.ErrorIs(t, db.DeactivateProduct(ctx, 999), models.ErrNotFound)
}

func TestCommitCheck(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id := addProduct(t, db, "1234567")

	snap := models.NewSnapshot(true, decimal.RequireFromString("84.99"), t0)
	rec := &models.CheckRecord{
		CheckID:     "check-1",
		ProductID:   id,
		CheckedAt:   t0,
		Outcome:     models.Success(snap),
		Snapshot:    &snap,
		Name:        "Corner Sofa",
		Status:      models.StatusActive,
		NextCheckAt: t0.Add(15 * time.Minute),
		LowestPrice: snap.Price,
		Events: []models.AlertEvent{
			{Kind: models.EventStockAvailable, ProductID: id, Snapshot: snap},
			{Kind: models.EventTargetReached, ProductID: id, Snapshot: snap, From: decimal.NewFromInt(90), To: snap.Price.Decimal},
		},
	}
	require.NoError(t, db.MarkChecking(ctx, id, t0))

	ids, err := db.CommitCheck(ctx, rec)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Less(t, ids[0], ids[1])

	p, err := db.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Corner Sofa", p.Name)
	assert.Equal(t, models.StatusActive, p.Status)
	require.NotNil(t, p.Snapshot)
	assert.True(t, p.Snapshot.InStock)
	assert.True(t, p.Snapshot.Price.Decimal.Equal(decimal.RequireFromString("84.99")))
	assert.True(t, p.Snapshot.CapturedAt.Equal(t0))
	assert.True(t, p.NextCheckAt.Equal(t0.Add(15*time.Minute)))
	assert.True(t, p.LowestPrice.Decimal.Equal(decimal.RequireFromString("84.99")))

	alerts, err := db.Alerts(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	for _, a := range alerts {
		assert.Equal(t, models.AlertPending, a.Status)
		assert.Equal(t, "check-1", a.CheckID)
	}

	require.NoError(t, db.MarkAlertDispatched(ctx, ids[0], models.AlertSent, []string{"telegram"}, ""))
	alerts, err = db.Alerts(ctx, id, 10)
	require.NoError(t, err)
	var sent models.AlertRecord
	for _, a := range alerts {
		if a.ID == ids[0] {
			sent = a
		}
	}
	assert.Equal(t, models.AlertSent, sent.Status)
	assert.Equal(t, []string{"telegram"}, sent.ChannelsSent)
	assert.Equal(t, "out_of_stock", sent.OldValue)

	history, err := db.History(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.OutcomeSuccess, history[0].Outcome)
	require.NotNil(t, history[0].InStock)
	assert.True(t, *history[0].InStock)

	prices, err := db.PriceHistory(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, prices, 1)
}

func TestCommitCheck_FailureKeepsSnapshot(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id := addProduct(t, db, "1234567")

	snap := models.NewSnapshot(false, decimal.NewFromInt(100), t0)
	_, err := db.CommitCheck(ctx, &models.CheckRecord{
		CheckID: "c1", ProductID: id, CheckedAt: t0, Outcome: models.Success(snap), Snapshot: &snap,
		Status: models.StatusActive, NextCheckAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)

	_, err = db.CommitCheck(ctx, &models.CheckRecord{
		CheckID: "c2", ProductID: id, CheckedAt: t0.Add(time.Minute), Outcome: models.Timeout(),
		Status: models.StatusBackoff, ConsecutiveFailureCount: 1, LastError: "remote timeout",
		NextCheckAt: t0.Add(3 * time.Minute),
	})
	require.NoError(t, err)

	p, err := db.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBackoff, p.Status)
	assert.Equal(t, 1, p.ConsecutiveFailureCount)
	require.NotNil(t, p.Snapshot)
	assert.False(t, p.Snapshot.InStock)

	history, err := db.History(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.OutcomeTimeout, history[0].Outcome)
	assert.Nil(t, history[0].InStock)

	prices, err := db.PriceHistory(ctx, id, 10)
	require.NoError(t, err)
	assert.Len(t, prices, 1, "failed checks never append snapshots")
}

func TestResetCheckingAndEnable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := addProduct(t, db, "1111111")
	b := addProduct(t, db, "2222222")

	require.NoError(t, db.MarkChecking(ctx, a, t0))
	require.NoError(t, db.MarkChecking(ctx, b, t0))
	n, err := db.ResetChecking(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, db.DisableProduct(ctx, a, "bad interval"))
	require.NoError(t, db.EnableProduct(ctx, a, t0))
	p, err := db.GetProduct(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, p.Status)
	assert.Zero(t, p.ConsecutiveFailureCount)
	assert.Empty(t, p.LastError)
}

func TestRunsBasketAndPrune(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id := addProduct(t, db, "1234567")

	run := &models.SchedulerRun{ID: "run-1", StartedAt: t0, Selected: 1}
	require.NoError(t, db.StartRun(ctx, run))
	run.Checked, run.Status, run.CompletedAt = 1, "completed", t0.Add(time.Second)
	require.NoError(t, db.FinishRun(ctx, run))

	action := &models.BasketAction{ProductID: id, CheckID: "c1", Outcome: models.BasketSuccess, Price: price(80), Quantity: 1, CreatedAt: t0}
	require.NoError(t, db.RecordBasketAction(ctx, action))
	assert.NotZero(t, action.ID)

	_, err := db.CommitCheck(ctx, &models.CheckRecord{
		CheckID: "c1", ProductID: id, CheckedAt: t0, Outcome: models.SoftBlock("HTTP 429"),
		Status: models.StatusActive, NextCheckAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)

	n, err := db.PruneHistory(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	history, err := db.History(ctx, id, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestFlags(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, found, err := db.GetFlag(ctx, safety.KillSwitchKey)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, db.SetFlag(ctx, safety.KillSwitchKey, true))
	on, found, err := db.GetFlag(ctx, safety.KillSwitchKey)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, on)

	require.NoError(t, db.SetFlag(ctx, safety.KillSwitchKey, false))
	on, _, err = db.GetFlag(ctx, safety.KillSwitchKey)
	require.NoError(t, err)
	assert.False(t, on)

	gov := safety.NewGovernor(safety.Config{SoftBlockThreshold: 3}, db)
	require.NoError(t, gov.SetKillSwitch(ctx, true))
	restored := safety.NewGovernor(safety.Config{SoftBlockThreshold: 3}, db)
	require.NoError(t, restored.Restore(ctx))
	assert.True(t, restored.KillSwitchOn())
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: DialectPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &DB{dialect: DialectSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}
