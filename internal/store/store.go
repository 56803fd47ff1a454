// Package store persists trades, trade events and the signal audit trail in
// sqlite. Every mutating operation covers the trade write and its event
// appends in one transaction, so a crash never leaves a trade without its
// audit trail.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"signalbridge/internal/core"
)

// SQLiteStore implements core.ITradeStore
type SQLiteStore struct {
	db     *sql.DB
	logger core.ILogger
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies the
// schema. WAL mode keeps readers off the writer's lock.
func NewSQLiteStore(dbPath string, logger core.ILogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger.WithField("component", "store")}, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

const tradeColumns = `id, tenant_id, symbol, side, entry_price, entry_quantity, entry_time,
	entry_order_id, stop_loss, take_profits, leverage, risk_amount, entry_commission,
	signal_hash, status, dca_count, total_closed_quantity, remaining_quantity,
	exit_price, exit_quantity, exit_time, exit_order_id, exit_reason,
	gross_profit, commission, net_profit, source_platform, source_channel,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (*core.Trade, error) {
	var t core.Trade
	var entryPrice, entryQty, stopLoss, riskAmount, entryCommission string
	var totalClosed, remaining, exitPrice, exitQty, grossProfit, commission, netProfit string
	var entryTime, exitTime sql.NullTime

	err := row.Scan(
		&t.ID, &t.TenantID, &t.Symbol, &t.Side, &entryPrice, &entryQty, &entryTime,
		&t.EntryOrderID, &stopLoss, &t.TakeProfits, &t.Leverage, &riskAmount, &entryCommission,
		&t.SignalHash, &t.Status, &t.DCACount, &totalClosed, &remaining,
		&exitPrice, &exitQty, &exitTime, &t.ExitOrderID, &t.ExitReason,
		&grossProfit, &commission, &netProfit, &t.SourcePlatform, &t.SourceChannel,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.EntryPrice, _ = decimal.NewFromString(entryPrice)
	t.EntryQuantity, _ = decimal.NewFromString(entryQty)
	t.StopLoss, _ = decimal.NewFromString(stopLoss)
	t.RiskAmount, _ = decimal.NewFromString(riskAmount)
	t.EntryCommission, _ = decimal.NewFromString(entryCommission)
	t.TotalClosedQuantity, _ = decimal.NewFromString(totalClosed)
	t.RemainingQuantity, _ = decimal.NewFromString(remaining)
	t.ExitPrice, _ = decimal.NewFromString(exitPrice)
	t.ExitQuantity, _ = decimal.NewFromString(exitQty)
	t.GrossProfit, _ = decimal.NewFromString(grossProfit)
	t.Commission, _ = decimal.NewFromString(commission)
	t.NetProfit, _ = decimal.NewFromString(netProfit)
	if entryTime.Valid {
		t.EntryTime = entryTime.Time
	}
	if exitTime.Valid {
		t.ExitTime = exitTime.Time
	}

	return &t, nil
}

// FindOpenTrade returns the OPEN trade for (tenant, symbol), or nil when
// there is none
func (s *SQLiteStore) FindOpenTrade(ctx context.Context, tenantID, symbol string) (*core.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE symbol = ? AND status = 'OPEN' AND (? = '' OR tenant_id = ?)
		ORDER BY created_at DESC LIMIT 1`

	trade, err := scanTrade(s.db.QueryRowContext(ctx, query, symbol, tenantID, tenantID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query open trade: %w", err)
	}
	return trade, nil
}

// FindAllOpenTrades returns every OPEN trade for the tenant
func (s *SQLiteStore) FindAllOpenTrades(ctx context.Context, tenantID string) ([]*core.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE status = 'OPEN' AND (? = '' OR tenant_id = ?)
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open trades: %w", err)
	}
	defer rows.Close()

	var trades []*core.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// FindTrade returns one trade by id
func (s *SQLiteStore) FindTrade(ctx context.Context, tenantID, tradeID string) (*core.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE id = ? AND (? = '' OR tenant_id = ?)`

	trade, err := scanTrade(s.db.QueryRowContext(ctx, query, tradeID, tenantID, tenantID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query trade: %w", err)
	}
	return trade, nil
}

// DCACount returns the DCA layer count of the open trade for the symbol
func (s *SQLiteStore) DCACount(ctx context.Context, tenantID, symbol string) (int, error) {
	query := `SELECT COALESCE(MAX(dca_count), 0) FROM trades
		WHERE symbol = ? AND status = 'OPEN' AND (? = '' OR tenant_id = ?)`

	var count int
	if err := s.db.QueryRowContext(ctx, query, symbol, tenantID, tenantID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to query dca count: %w", err)
	}
	return count, nil
}

// ClosedTradesBetween returns trades closed in [from, to)
func (s *SQLiteStore) ClosedTradesBetween(ctx context.Context, tenantID string, from, to time.Time) ([]*core.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE status = 'CLOSED' AND exit_time >= ? AND exit_time < ?
		AND (? = '' OR tenant_id = ?)
		ORDER BY exit_time DESC`

	rows, err := s.db.QueryContext(ctx, query, from, to, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	defer rows.Close()

	var trades []*core.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// TodayRealizedLoss returns the magnitude of today's realized net loss.
// A profitable day yields zero.
func (s *SQLiteStore) TodayRealizedLoss(ctx context.Context, tenantID string, now time.Time) (decimal.Decimal, error) {
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	trades, err := s.ClosedTradesBetween(ctx, tenantID, startOfDay, now.Add(time.Second))
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.NetProfit)
	}

	if total.IsNegative() {
		return total.Neg(), nil
	}
	return decimal.Zero, nil
}

// ExistsBySignalHashSince reports whether any trade was created from this
// signal hash at or after the cutoff. Layer-2 dedup behind the in-memory
// cache.
func (s *SQLiteStore) ExistsBySignalHashSince(ctx context.Context, hash string, cutoff time.Time) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM trades WHERE signal_hash = ? AND created_at >= ?)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, hash, cutoff).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to query signal hash: %w", err)
	}
	return exists, nil
}

// ListEvents returns the event trail of one trade, oldest first
func (s *SQLiteStore) ListEvents(ctx context.Context, tradeID string) ([]*core.TradeEvent, error) {
	query := `SELECT id, trade_id, event_type, order_id, side, order_type, price, quantity,
		success, error_message, detail, timestamp
		FROM trade_events WHERE trade_id = ? ORDER BY timestamp ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade events: %w", err)
	}
	defer rows.Close()

	var events []*core.TradeEvent
	for rows.Next() {
		var e core.TradeEvent
		var price, qty string
		if err := rows.Scan(&e.ID, &e.TradeID, &e.EventType, &e.OrderID, &e.Side, &e.OrderType,
			&price, &qty, &e.Success, &e.ErrorMessage, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Price, _ = decimal.NewFromString(price)
		e.Quantity, _ = decimal.NewFromString(qty)
		events = append(events, &e)
	}
	return events, rows.Err()
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *core.TradeEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO trade_events
		(trade_id, event_type, order_id, side, order_type, price, quantity, success, error_message, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TradeID, e.EventType, e.OrderID, e.Side, e.OrderType,
		e.Price.String(), e.Quantity.String(), e.Success, e.ErrorMessage, e.Detail, e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert trade event: %w", err)
	}
	return nil
}

// RecordEntry inserts a new trade and its entry events atomically
func (s *SQLiteStore) RecordEntry(ctx context.Context, trade *core.Trade, events []*core.TradeEvent) error {
	now := time.Now()
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = now
	}
	trade.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO trades (`+tradeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			trade.ID, trade.TenantID, trade.Symbol, trade.Side,
			trade.EntryPrice.String(), trade.EntryQuantity.String(), trade.EntryTime,
			trade.EntryOrderID, trade.StopLoss.String(), trade.TakeProfits, trade.Leverage,
			trade.RiskAmount.String(), trade.EntryCommission.String(), trade.SignalHash,
			trade.Status, trade.DCACount, trade.TotalClosedQuantity.String(), trade.RemainingQuantity.String(),
			trade.ExitPrice.String(), trade.ExitQuantity.String(), nullableTime(trade.ExitTime),
			trade.ExitOrderID, trade.ExitReason,
			trade.GrossProfit.String(), trade.Commission.String(), trade.NetProfit.String(),
			trade.SourcePlatform, trade.SourceChannel, trade.CreatedAt, trade.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert trade: %w", err)
		}

		for _, e := range events {
			e.TradeID = trade.ID
			if err := insertEvent(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordDCAEntry persists the weighted-average update of an existing trade
// plus the DCA event
func (s *SQLiteStore) RecordDCAEntry(ctx context.Context, trade *core.Trade, event *core.TradeEvent) error {
	trade.UpdatedAt = time.Now()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE trades SET
			entry_price = ?, entry_quantity = ?, stop_loss = ?, dca_count = ?,
			risk_amount = ?, entry_commission = ?, remaining_quantity = ?, updated_at = ?
			WHERE id = ?`,
			trade.EntryPrice.String(), trade.EntryQuantity.String(), trade.StopLoss.String(),
			trade.DCACount, trade.RiskAmount.String(), trade.EntryCommission.String(),
			trade.RemainingQuantity.String(), trade.UpdatedAt, trade.ID)
		if err != nil {
			return fmt.Errorf("failed to update trade for dca: %w", err)
		}

		event.TradeID = trade.ID
		return insertEvent(ctx, tx, event)
	})
}

// RecordMoveSL updates the stop loss of the open trade for (tenant, symbol)
func (s *SQLiteStore) RecordMoveSL(ctx context.Context, tenantID, symbol string, newStopLoss decimal.Decimal, event *core.TradeEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE trades SET stop_loss = ?, updated_at = ?
			WHERE symbol = ? AND status = 'OPEN' AND (? = '' OR tenant_id = ?)`,
			newStopLoss.String(), time.Now(), symbol, tenantID, tenantID)
		if err != nil {
			return fmt.Errorf("failed to update stop loss: %w", err)
		}

		return insertEvent(ctx, tx, event)
	})
}

// RecordClose finalizes a trade: exit fields, realized P&L, CLOSED status
func (s *SQLiteStore) RecordClose(ctx context.Context, trade *core.Trade, event *core.TradeEvent) error {
	trade.Status = core.StatusClosed
	trade.UpdatedAt = time.Now()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateExitFields(ctx, tx, trade); err != nil {
			return err
		}
		event.TradeID = trade.ID
		return insertEvent(ctx, tx, event)
	})
}

// RecordPartialClose persists a partial exit; the trade stays OPEN with a
// reduced remaining quantity
func (s *SQLiteStore) RecordPartialClose(ctx context.Context, trade *core.Trade, event *core.TradeEvent) error {
	trade.UpdatedAt = time.Now()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateExitFields(ctx, tx, trade); err != nil {
			return err
		}
		event.TradeID = trade.ID
		return insertEvent(ctx, tx, event)
	})
}

func updateExitFields(ctx context.Context, tx *sql.Tx, trade *core.Trade) error {
	_, err := tx.ExecContext(ctx, `UPDATE trades SET
		status = ?, stop_loss = ?, total_closed_quantity = ?, remaining_quantity = ?,
		exit_price = ?, exit_quantity = ?, exit_time = ?, exit_order_id = ?, exit_reason = ?,
		gross_profit = ?, commission = ?, net_profit = ?, updated_at = ?
		WHERE id = ?`,
		trade.Status, trade.StopLoss.String(),
		trade.TotalClosedQuantity.String(), trade.RemainingQuantity.String(),
		trade.ExitPrice.String(), trade.ExitQuantity.String(), nullableTime(trade.ExitTime),
		trade.ExitOrderID, trade.ExitReason,
		trade.GrossProfit.String(), trade.Commission.String(), trade.NetProfit.String(),
		trade.UpdatedAt, trade.ID)
	if err != nil {
		return fmt.Errorf("failed to update trade exit: %w", err)
	}
	return nil
}

// RecordCancel marks a trade CANCELLED before any fill happened
func (s *SQLiteStore) RecordCancel(ctx context.Context, trade *core.Trade, event *core.TradeEvent) error {
	trade.Status = core.StatusCancelled
	trade.UpdatedAt = time.Now()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE trades SET status = ?, exit_reason = ?, updated_at = ?
			WHERE id = ?`, trade.Status, trade.ExitReason, trade.UpdatedAt, trade.ID)
		if err != nil {
			return fmt.Errorf("failed to cancel trade: %w", err)
		}
		event.TradeID = trade.ID
		return insertEvent(ctx, tx, event)
	})
}

// RecordOrderEvent appends one event without touching the trade row
func (s *SQLiteStore) RecordOrderEvent(ctx context.Context, event *core.TradeEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertEvent(ctx, tx, event)
	})
}

// CleanupStaleTrades closes OPEN trades whose exchange position no longer
// exists, returning the number of trades closed
func (s *SQLiteStore) CleanupStaleTrades(ctx context.Context, tenantID string, hasPosition func(symbol string) bool) (int, error) {
	trades, err := s.FindAllOpenTrades(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, t := range trades {
		if hasPosition(t.Symbol) {
			continue
		}

		t.ExitReason = "STALE_CLEANUP"
		t.ExitTime = time.Now()
		if err := s.RecordClose(ctx, t, &core.TradeEvent{
			TradeID:   t.ID,
			EventType: core.EventStreamClose,
			Success:   true,
			Detail:    "closed by stale trade cleanup: no matching exchange position",
		}); err != nil {
			s.logger.Error("Failed to close stale trade", "tradeId", t.ID, "error", err)
			continue
		}
		closed++
	}

	return closed, nil
}

// RecordSignal appends one entry to the signal audit trail
func (s *SQLiteStore) RecordSignal(ctx context.Context, rec *core.SignalRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO signals
		(tenant_id, signal_hash, action, symbol, raw_message, execution_status, rejection_reason, trade_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.SignalHash, rec.Action, rec.Symbol, rec.RawMessage,
		rec.ExecutionStatus, rec.RejectionReason, rec.TradeID, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record signal: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
