// Package database persists tracked products, their check and price history,
// alerts, basket actions, scheduler runs and operator flags. The same queries
// run on SQLite and PostgreSQL; placeholders are rebound per dialect.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stock-tracker/internal/catalog"
	"stock-tracker/internal/models"
	"stock-tracker/internal/monitor"
	"stock-tracker/internal/safety"
)

// ErrDuplicateProduct is returned by AddProduct when the reference is already tracked.
var ErrDuplicateProduct = errors.New("product already tracked")

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var (
	_ monitor.Store    = (*DB)(nil)
	_ catalog.Store    = (*DB)(nil)
	_ safety.FlagStore = (*DB)(nil)
)

// DB wraps the connection pool.
type DB struct {
	conn    *sql.DB
	dialect Dialect
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Dialect() Dialect { return db.dialect }

func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.conn.PingContext(ctx)
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (db *DB) rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (db *DB) migrate(statements []string) error {
	for _, stmt := range statements {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

const productColumns = `id, ref, name, target_price, poll_interval_minutes,
	pref_stock_change, pref_price_drop, pref_target_price, pref_lowest_ever, channels,
	auto_add_enabled, auto_add_quantity, auto_add_max_price,
	active, status, last_checked_at, next_check_at,
	consecutive_failure_count, consecutive_soft_blocks, last_error, lowest_price,
	snapshot_in_stock, snapshot_price, snapshot_at, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (*models.TrackedProduct, error) {
	var (
		p           models.TrackedProduct
		status      string
		channels    sql.NullString
		lastChecked sql.NullTime
		nextCheck   sql.NullTime
		lastError   sql.NullString
		snapInStock sql.NullBool
		snapPrice   decimal.NullDecimal
		snapAt      sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.Ref, &p.Name, &p.TargetPrice, &p.PollIntervalMinutes,
		&p.Preferences.StockChange, &p.Preferences.PriceDrop, &p.Preferences.TargetPriceReached, &p.Preferences.LowestEver, &channels,
		&p.AutoAddEnabled, &p.AutoAddQuantity, &p.AutoAddMaxPrice,
		&p.Active, &status, &lastChecked, &nextCheck,
		&p.ConsecutiveFailureCount, &p.ConsecutiveSoftBlocks, &lastError, &p.LowestPrice,
		&snapInStock, &snapPrice, &snapAt, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Status = models.Status(status)
	p.LastError = lastError.String
	if lastChecked.Valid {
		p.LastCheckedAt = lastChecked.Time
	}
	if nextCheck.Valid {
		p.NextCheckAt = nextCheck.Time
	}
	if channels.Valid && channels.String != "" {
		if err := json.Unmarshal([]byte(channels.String), &p.Channels); err != nil {
			return nil, fmt.Errorf("failed to decode channels of product %d: %w", p.ID, err)
		}
	}
	if snapAt.Valid {
		p.Snapshot = &models.ProductSnapshot{
			InStock:    snapInStock.Bool,
			Price:      snapPrice,
			CapturedAt: snapAt.Time,
		}
	}
	return &p, nil
}

func (db *DB) queryProducts(ctx context.Context, query string, args ...any) ([]*models.TrackedProduct, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []*models.TrackedProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// nullTime stores the zero time as NULL and everything else in UTC.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func encodeChannels(channels []string) (string, error) {
	if len(channels) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(channels)
	return string(b), err
}

// AddProduct inserts a product and returns its id. Scheduling fields start
// fresh: active, never checked, due immediately.
func (db *DB) AddProduct(ctx context.Context, p *models.TrackedProduct) (int64, error) {
	channels, err := encodeChannels(p.Channels)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()

	var id int64
	err = db.conn.QueryRowContext(ctx, db.rebind(`
		INSERT INTO products (ref, name, target_price, poll_interval_minutes,
			pref_stock_change, pref_price_drop, pref_target_price, pref_lowest_ever, channels,
			auto_add_enabled, auto_add_quantity, auto_add_max_price,
			active, status, next_check_at, consecutive_failure_count, consecutive_soft_blocks,
			lowest_price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
		RETURNING id`),
		p.Ref, p.Name, p.TargetPrice, p.PollIntervalMinutes,
		p.Preferences.StockChange, p.Preferences.PriceDrop, p.Preferences.TargetPriceReached, p.Preferences.LowestEver, channels,
		p.AutoAddEnabled, p.AutoAddQuantity, p.AutoAddMaxPrice,
		true, string(models.StatusActive), now,
		decimal.NullDecimal{}, now,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateProduct
		}
		return 0, fmt.Errorf("failed to add product: %w", err)
	}
	return id, nil
}

// ListProducts returns every product, active or not, newest first.
func (db *DB) ListProducts(ctx context.Context) ([]*models.TrackedProduct, error) {
	return db.queryProducts(ctx, `SELECT `+productColumns+` FROM products ORDER BY created_at DESC, id DESC`)
}

// GetProduct returns models.ErrNotFound for unknown ids.
func (db *DB) GetProduct(ctx context.Context, id int64) (*models.TrackedProduct, error) {
	row := db.conn.QueryRowContext(ctx, db.rebind(`SELECT `+productColumns+` FROM products WHERE id = ?`), id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return p, err
}

// DeactivateProduct stops tracking a product. Its history is kept.
func (db *DB) DeactivateProduct(ctx context.Context, id int64) error {
	return db.execOne(ctx, `UPDATE products SET active = ? WHERE id = ?`, false, id)
}

// LoadDueProducts selects active, non-disabled products due at now.
func (db *DB) LoadDueProducts(ctx context.Context, now time.Time) ([]*models.TrackedProduct, error) {
	return db.queryProducts(ctx, `SELECT `+productColumns+` FROM products
		WHERE active = ? AND status <> ? AND (next_check_at IS NULL OR next_check_at <= ?)
		ORDER BY next_check_at, id`,
		true, string(models.StatusDisabled), now.UTC())
}

func (db *DB) MarkChecking(ctx context.Context, id int64, _ time.Time) error {
	return db.execOne(ctx, `UPDATE products SET status = ? WHERE id = ?`, string(models.StatusChecking), id)
}

// CommitCheck writes the check row, the snapshot row (when the snapshot changed),
// the product state and the pending alerts in one transaction. The returned ids
// are in the order of rec.Events.
func (db *DB) CommitCheck(ctx context.Context, rec *models.CheckRecord) ([]int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		inStock sql.NullBool
		price   decimal.NullDecimal
	)
	if s := rec.Outcome.Snapshot; s != nil && rec.Outcome.Kind == models.OutcomeSuccess {
		inStock = sql.NullBool{Bool: s.InStock, Valid: true}
		price = s.Price
	}
	if _, err := tx.ExecContext(ctx, db.rebind(`
		INSERT INTO check_history (check_id, product_id, outcome, reason, status_code, in_stock, price, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.CheckID, rec.ProductID, string(rec.Outcome.Kind), rec.Outcome.Reason, rec.Outcome.StatusCode,
		inStock, price, rec.CheckedAt.UTC(),
	); err != nil {
		return nil, fmt.Errorf("failed to insert check history: %w", err)
	}

	disabledReason := ""
	if rec.Status == models.StatusDisabled {
		disabledReason = rec.LastError
	}

	if s := rec.Snapshot; s != nil {
		if _, err := tx.ExecContext(ctx, db.rebind(`
			INSERT INTO snapshot_history (product_id, check_id, in_stock, price, captured_at)
			VALUES (?, ?, ?, ?, ?)`),
			rec.ProductID, rec.CheckID, s.InStock, s.Price, s.CapturedAt.UTC(),
		); err != nil {
			return nil, fmt.Errorf("failed to insert snapshot history: %w", err)
		}
		_, err = tx.ExecContext(ctx, db.rebind(`
			UPDATE products SET name = ?, status = ?, last_checked_at = ?, next_check_at = ?,
				consecutive_failure_count = ?, consecutive_soft_blocks = ?, last_error = ?, lowest_price = ?,
				disabled_reason = ?, snapshot_in_stock = ?, snapshot_price = ?, snapshot_at = ?
			WHERE id = ?`),
			rec.Name, string(rec.Status), rec.CheckedAt.UTC(), rec.NextCheckAt.UTC(),
			rec.ConsecutiveFailureCount, rec.ConsecutiveSoftBlocks, rec.LastError, rec.LowestPrice,
			disabledReason, s.InStock, s.Price, s.CapturedAt.UTC(),
			rec.ProductID,
		)
	} else {
		_, err = tx.ExecContext(ctx, db.rebind(`
			UPDATE products SET name = ?, status = ?, last_checked_at = ?, next_check_at = ?,
				consecutive_failure_count = ?, consecutive_soft_blocks = ?, last_error = ?, lowest_price = ?,
				disabled_reason = ?
			WHERE id = ?`),
			rec.Name, string(rec.Status), rec.CheckedAt.UTC(), rec.NextCheckAt.UTC(),
			rec.ConsecutiveFailureCount, rec.ConsecutiveSoftBlocks, rec.LastError, rec.LowestPrice,
			disabledReason,
			rec.ProductID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update product %d: %w", rec.ProductID, err)
	}

	ids := make([]int64, 0, len(rec.Events))
	for _, ev := range rec.Events {
		id, err := db.insertAlert(ctx, tx, rec.CheckID, ev, rec.CheckedAt)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit check: %w", err)
	}
	return ids, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) insertAlert(ctx context.Context, q queryer, checkID string, ev models.AlertEvent, at time.Time) (int64, error) {
	oldValue, newValue := ev.Values()
	var id int64
	err := q.QueryRowContext(ctx, db.rebind(`
		INSERT INTO alerts (check_id, product_id, kind, message, old_value, new_value, status, channels_sent, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '[]', '', ?)
		RETURNING id`),
		checkID, ev.ProductID, string(ev.Kind), ev.Summary(), oldValue, newValue, string(models.AlertPending), at.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert alert: %w", err)
	}
	return id, nil
}

// InsertAlert stores an alert raised outside CommitCheck (basket results).
func (db *DB) InsertAlert(ctx context.Context, checkID string, ev models.AlertEvent) (int64, error) {
	return db.insertAlert(ctx, db.conn, checkID, ev, time.Now())
}

func (db *DB) MarkAlertDispatched(ctx context.Context, alertID int64, status models.AlertStatus, channels []string, errMsg string) error {
	sent, err := encodeChannels(channels)
	if err != nil {
		return err
	}
	return db.execOne(ctx, `UPDATE alerts SET status = ?, channels_sent = ?, error = ? WHERE id = ?`,
		string(status), sent, errMsg, alertID)
}

func (db *DB) RecordBasketAction(ctx context.Context, a *models.BasketAction) error {
	at := a.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	err := db.conn.QueryRowContext(ctx, db.rebind(`
		INSERT INTO basket_actions (product_id, check_id, outcome, price, quantity, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		a.ProductID, a.CheckID, string(a.Outcome), a.Price, a.Quantity, a.Message, at.UTC(),
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to record basket action: %w", err)
	}
	return nil
}

func (db *DB) DisableProduct(ctx context.Context, id int64, reason string) error {
	return db.execOne(ctx, `UPDATE products SET status = ?, disabled_reason = ?, last_error = ? WHERE id = ?`,
		string(models.StatusDisabled), reason, reason, id)
}

// EnableProduct clears the failure streak and schedules the product at nextCheckAt.
func (db *DB) EnableProduct(ctx context.Context, id int64, nextCheckAt time.Time) error {
	return db.execOne(ctx, `
		UPDATE products SET active = ?, status = ?, consecutive_failure_count = 0, consecutive_soft_blocks = 0,
			disabled_reason = '', last_error = '', next_check_at = ?
		WHERE id = ?`,
		true, string(models.StatusActive), nullTime(nextCheckAt), id)
}

func (db *DB) ResetChecking(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx, db.rebind(`UPDATE products SET status = ? WHERE status = ?`),
		string(models.StatusActive), string(models.StatusChecking))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) StartRun(ctx context.Context, run *models.SchedulerRun) error {
	_, err := db.conn.ExecContext(ctx, db.rebind(`
		INSERT INTO scheduler_runs (id, started_at, selected, checked, changed, errors, status)
		VALUES (?, ?, ?, 0, 0, 0, 'running')`),
		run.ID, run.StartedAt.UTC(), run.Selected)
	return err
}

func (db *DB) FinishRun(ctx context.Context, run *models.SchedulerRun) error {
	return db.execOne(ctx, `
		UPDATE scheduler_runs SET completed_at = ?, checked = ?, changed = ?, errors = ?, status = ?
		WHERE id = ?`,
		nullTime(run.CompletedAt), run.Checked, run.Changed, run.Errors, run.Status, run.ID)
}

// PruneHistory deletes check, snapshot and run rows older than before.
// Products, alerts and basket actions are kept. History is append-only except
// for this call, which runs only when a retention period is configured.
func (db *DB) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM check_history WHERE checked_at < ?`,
		`DELETE FROM snapshot_history WHERE captured_at < ?`,
		`DELETE FROM scheduler_runs WHERE started_at < ?`,
	} {
		res, err := db.conn.ExecContext(ctx, db.rebind(q), before.UTC())
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// History returns the latest check rows of a product, newest first.
func (db *DB) History(ctx context.Context, productID int64, limit int) ([]models.CheckHistory, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(`
		SELECT id, check_id, product_id, outcome, reason, in_stock, price, checked_at
		FROM check_history WHERE product_id = ?
		ORDER BY checked_at DESC, id DESC LIMIT ?`), productID, limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CheckHistory
	for rows.Next() {
		var (
			h       models.CheckHistory
			outcome string
			reason  sql.NullString
			inStock sql.NullBool
		)
		if err := rows.Scan(&h.ID, &h.CheckID, &h.ProductID, &outcome, &reason, &inStock, &h.Price, &h.CheckedAt); err != nil {
			return nil, err
		}
		h.Outcome = models.OutcomeKind(outcome)
		h.Reason = reason.String
		if inStock.Valid {
			v := inStock.Bool
			h.InStock = &v
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// PriceHistory returns the stored snapshot sequence of a product, oldest first.
func (db *DB) PriceHistory(ctx context.Context, productID int64, limit int) ([]models.ProductSnapshot, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(`
		SELECT in_stock, price, captured_at FROM (
			SELECT id, in_stock, price, captured_at FROM snapshot_history
			WHERE product_id = ? ORDER BY captured_at DESC, id DESC LIMIT ?
		) recent ORDER BY captured_at, id`), productID, limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProductSnapshot
	for rows.Next() {
		var s models.ProductSnapshot
		if err := rows.Scan(&s.InStock, &s.Price, &s.CapturedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Alerts returns the latest alerts of a product, newest first.
func (db *DB) Alerts(ctx context.Context, productID int64, limit int) ([]models.AlertRecord, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(`
		SELECT id, check_id, product_id, kind, message, old_value, new_value, status, channels_sent, error, created_at
		FROM alerts WHERE product_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`), productID, limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AlertRecord
	for rows.Next() {
		var (
			a                 models.AlertRecord
			kind, status      string
			oldVal, newVal    sql.NullString
			channels, errText sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.CheckID, &a.ProductID, &kind, &a.Message, &oldVal, &newVal,
			&status, &channels, &errText, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Kind = models.EventKind(kind)
		a.Status = models.AlertStatus(status)
		a.OldValue, a.NewValue, a.Error = oldVal.String, newVal.String, errText.String
		if channels.Valid && channels.String != "" {
			if err := json.Unmarshal([]byte(channels.String), &a.ChannelsSent); err != nil {
				return nil, fmt.Errorf("failed to decode channels of alert %d: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetFlag reads an operator flag from the settings table.
func (db *DB) GetFlag(ctx context.Context, key string) (bool, bool, error) {
	var val string
	err := db.conn.QueryRowContext(ctx, db.rebind(`SELECT value FROM settings WHERE key = ?`), key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return val == "1", true, nil
}

func (db *DB) SetFlag(ctx context.Context, key string, on bool) error {
	val := "0"
	if on {
		val = "1"
	}
	_, err := db.conn.ExecContext(ctx, db.rebind(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		key, val, time.Now().UTC())
	return err
}

// execOne runs an update that must touch exactly one row.
func (db *DB) execOne(ctx context.Context, query string, args ...any) error {
	res, err := db.conn.ExecContext(ctx, db.rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
