// Package store provides the durable SQLite record of trades, positions,
// daily P&L, per-strategy state, externally observed positions, and a
// key/value metadata table used for cross-restart flags.
//
// The store is single-writer: one process, one connection, WAL journaling.
// Multi-statement sequences run through WithTx, which begins an IMMEDIATE
// transaction, commits on success, and rolls back on any error. Writes
// issued through the transaction handle never autocommit.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"polybot/pkg/types"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so the same statement
// helpers serve autocommit writes and scoped transactions.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store owns the SQLite database. All other components reach persisted
// state only through its methods.
type Store struct {
	db *sql.DB
}

// Tx is a scoped write transaction. Its methods mirror the Store's and
// share the transaction, so a trade insert and a position open commit or
// roll back together.
type Tx struct {
	tx *sql.Tx
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id    TEXT NOT NULL UNIQUE,
    strategy    TEXT NOT NULL,
    market_id   TEXT NOT NULL,
    token_id    TEXT NOT NULL,
    side        TEXT NOT NULL,
    price       REAL NOT NULL,
    notional    REAL NOT NULL,
    discipline  TEXT NOT NULL DEFAULT 'RESTING',
    status      TEXT NOT NULL DEFAULT 'SUBMITTED',
    reasoning   TEXT,
    fees        REAL NOT NULL DEFAULT 0,
    fill_price  REAL,
    fill_size   REAL,
    created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    metadata    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy);
CREATE INDEX IF NOT EXISTS idx_trades_status   ON trades(status);
CREATE INDEX IF NOT EXISTS idx_trades_market   ON trades(market_id);

CREATE TABLE IF NOT EXISTS positions (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy             TEXT NOT NULL,
    market_id            TEXT NOT NULL,
    token_id             TEXT NOT NULL,
    side                 TEXT NOT NULL,
    entry_price          REAL NOT NULL,
    size                 REAL NOT NULL,
    current_price        REAL,
    unrealized_pnl       REAL NOT NULL DEFAULT 0,
    realized_pnl         REAL NOT NULL DEFAULT 0,
    status               TEXT NOT NULL DEFAULT 'open',
    stop_loss_price      REAL,
    take_profit_tier     INTEGER NOT NULL DEFAULT 0,
    trailing_stop_price  REAL,
    opened_at            TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    closed_at            TIMESTAMP,
    close_reason         TEXT,
    metadata             TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_positions_status   ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_strategy ON positions(strategy);

CREATE TABLE IF NOT EXISTS daily_pnl (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    date             TEXT NOT NULL UNIQUE,
    starting_balance REAL NOT NULL,
    ending_balance   REAL,
    realized_pnl     REAL NOT NULL DEFAULT 0,
    unrealized_pnl   REAL NOT NULL DEFAULT 0,
    trade_count      INTEGER NOT NULL DEFAULT 0,
    win_count        INTEGER NOT NULL DEFAULT 0,
    loss_count       INTEGER NOT NULL DEFAULT 0,
    fees_paid        REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS strategy_state (
    strategy   TEXT PRIMARY KEY,
    state      TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS external_positions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    account      TEXT NOT NULL,
    market_id    TEXT NOT NULL,
    token_id     TEXT NOT NULL,
    size         REAL NOT NULL,
    avg_cost     REAL NOT NULL,
    last_seen_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(account, market_id, token_id)
);
CREATE INDEX IF NOT EXISTS idx_external_account ON external_positions(account);

CREATE TABLE IF NOT EXISTS bot_metadata (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Open creates (if needed) and opens the database at path, applying the
// schema and pragmas. The parent directory is created on demand.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	// _txlock=immediate makes every transaction BEGIN IMMEDIATE, taking
	// the write lock up front instead of failing on upgrade mid-scope.
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate",
		path,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer: one connection serializes all statements.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside one IMMEDIATE write transaction. The transaction
// commits when fn returns nil and rolls back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

func recordTrade(ctx context.Context, q dbtx, t types.Trade) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades
		(order_id, strategy, market_id, token_id, side, price, notional,
		 discipline, status, reasoning, fees, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.OrderID, t.Strategy, t.MarketID, t.TokenID, string(t.Side),
		t.Price, t.Notional, string(t.Discipline), string(t.Status),
		t.Reasoning, t.Fees, t.Metadata.Encode(),
	)
	if err != nil {
		return 0, fmt.Errorf("record trade: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("record trade: %w", err)
	}
	if n > 0 {
		return res.LastInsertId()
	}

	// Duplicate order_id: return the existing row id, never overwrite.
	var id int64
	err = q.QueryRowContext(ctx,
		`SELECT id FROM trades WHERE order_id = ?`, t.OrderID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("lookup existing trade: %w", err)
	}
	return id, nil
}

// RecordTrade inserts a trade row. Inserting an order_id that already
// exists is an idempotent no-op returning the existing row id.
func (s *Store) RecordTrade(ctx context.Context, t types.Trade) (int64, error) {
	return recordTrade(ctx, s.db, t)
}

// RecordTrade is the in-transaction variant of Store.RecordTrade.
func (t *Tx) RecordTrade(ctx context.Context, tr types.Trade) (int64, error) {
	return recordTrade(ctx, t.tx, tr)
}

// UpdateTradeStatus records a fill or terminal state for an order.
func (s *Store) UpdateTradeStatus(ctx context.Context, orderID string, status types.OrderStatus, fillPrice, fillSize, fees float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trades
		SET status = ?, fill_price = ?, fill_size = ?, fees = ?, updated_at = CURRENT_TIMESTAMP
		WHERE order_id = ?`,
		string(status), fillPrice, fillSize, fees, orderID,
	)
	if err != nil {
		return fmt.Errorf("update trade status: %w", err)
	}
	return nil
}

// GetTradeByOrderID fetches one trade row; returns nil when absent.
func (s *Store) GetTradeByOrderID(ctx context.Context, orderID string) (*types.Trade, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, strategy, market_id, token_id, side, price, notional,
		       discipline, status, COALESCE(reasoning,''), fees,
		       COALESCE(fill_price,0), COALESCE(fill_size,0),
		       created_at, updated_at, metadata
		FROM trades WHERE order_id = ?`, orderID)

	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trade: %w", err)
	}
	return t, nil
}

// CountTradesOnDay returns total, win, loss trade counts and fees for
// positions closed on the given UTC date, used by the daily summary.
func (s *Store) CountTradesOnDay(ctx context.Context, date string) (trades, wins, losses int, fees float64, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN realized_pnl > 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN realized_pnl < 0 THEN 1 ELSE 0 END), 0)
		FROM positions
		WHERE status = 'closed' AND date(closed_at) = ?`, date)
	if err = row.Scan(&trades, &wins, &losses); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("count trades: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(fees), 0) FROM trades WHERE date(created_at) = ?`, date)
	if err = row.Scan(&fees); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("sum fees: %w", err)
	}
	return trades, wins, losses, fees, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(r rowScanner) (*types.Trade, error) {
	var t types.Trade
	var side, discipline, status, meta string
	err := r.Scan(&t.ID, &t.OrderID, &t.Strategy, &t.MarketID, &t.TokenID,
		&side, &t.Price, &t.Notional, &discipline, &status, &t.Reasoning,
		&t.Fees, &t.FillPrice, &t.FillSize, &t.CreatedAt, &t.UpdatedAt, &meta)
	if err != nil {
		return nil, err
	}
	t.Side = types.Side(side)
	t.Discipline = types.Discipline(discipline)
	t.Status = types.OrderStatus(status)
	t.Metadata, _ = types.DecodeMetadata(meta)
	return &t, nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

func openPosition(ctx context.Context, q dbtx, p types.Position) (int64, error) {
	var stopLoss any
	if p.StopLossPrice > 0 {
		stopLoss = p.StopLossPrice
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO positions
		(strategy, market_id, token_id, side, entry_price, size, current_price,
		 status, stop_loss_price, take_profit_tier, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'open', ?, 0, ?)`,
		p.Strategy, p.MarketID, p.TokenID, string(p.Side),
		p.EntryPrice, p.Size, p.EntryPrice, stopLoss, p.Metadata.Encode(),
	)
	if err != nil {
		return 0, fmt.Errorf("open position: %w", err)
	}
	return res.LastInsertId()
}

// OpenPosition inserts a new position with status open and tier counter 0.
func (s *Store) OpenPosition(ctx context.Context, p types.Position) (int64, error) {
	return openPosition(ctx, s.db, p)
}

// OpenPosition is the in-transaction variant of Store.OpenPosition.
func (t *Tx) OpenPosition(ctx context.Context, p types.Position) (int64, error) {
	return openPosition(ctx, t.tx, p)
}

// SetPositionClosing transitions open → closing. No other state is touched;
// a position already closing or closed is left as-is.
func (s *Store) SetPositionClosing(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status = 'closing', close_reason = ?
		WHERE id = ? AND status = 'open'`, reason, id)
	if err != nil {
		return fmt.Errorf("set position closing: %w", err)
	}
	return nil
}

// ReopenPosition reverts closing → open after an exit definitively failed,
// so the next price update can try again.
func (s *Store) ReopenPosition(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status = 'open', close_reason = NULL
		WHERE id = ? AND status = 'closing'`, id)
	if err != nil {
		return fmt.Errorf("reopen position: %w", err)
	}
	return nil
}

// ClosePosition transitions open or closing → closed and stamps closed_at.
func (s *Store) ClosePosition(ctx context.Context, id int64, realizedPnL float64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET status = 'closed', realized_pnl = ?, close_reason = ?,
		    closed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN ('open', 'closing')`,
		realizedPnL, reason, id)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	return nil
}

// UpdatePositionPrice stores the latest price and recomputes unrealized
// P&L from side, entry, and size.
func (s *Store) UpdatePositionPrice(ctx context.Context, id int64, price float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET current_price = ?,
		    unrealized_pnl = CASE WHEN side = 'BUY'
		        THEN (? - entry_price) * size
		        ELSE (entry_price - ?) * size END
		WHERE id = ?`, price, price, price, id)
	if err != nil {
		return fmt.Errorf("update position price: %w", err)
	}
	return nil
}

// UpdatePositionTrailingStop sets the trailing stop price.
func (s *Store) UpdatePositionTrailingStop(ctx context.Context, id int64, price float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET trailing_stop_price = ? WHERE id = ?`, price, id)
	if err != nil {
		return fmt.Errorf("update trailing stop: %w", err)
	}
	return nil
}

// UpdatePositionPartialClose shrinks size and advances the tier counter
// after a take-profit tier triggered.
func (s *Store) UpdatePositionPartialClose(ctx context.Context, id int64, remainingShares float64, tier int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET size = ?, take_profit_tier = ? WHERE id = ?`,
		remainingShares, tier, id)
	if err != nil {
		return fmt.Errorf("update partial close: %w", err)
	}
	return nil
}

// GetPosition fetches one position by id; returns nil when absent.
func (s *Store) GetPosition(ctx context.Context, id int64) (*types.Position, error) {
	row := s.db.QueryRowContext(ctx, positionSelect+` WHERE id = ?`, id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// GetOpenPositions returns open and closing positions (both still need
// monitoring). Pass strategy="" for all strategies.
func (s *Store) GetOpenPositions(ctx context.Context, strategy string) ([]types.Position, error) {
	query := positionSelect + ` WHERE status IN ('open', 'closing')`
	args := []any{}
	if strategy != "" {
		query += ` AND strategy = ?`
		args = append(args, strategy)
	}
	query += ` ORDER BY opened_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get open positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// GetClosedPositions returns the most recently closed positions.
func (s *Store) GetClosedPositions(ctx context.Context, limit int) ([]types.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		positionSelect+` WHERE status = 'closed' ORDER BY closed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("get closed positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// CountOpenPositions counts open ∪ closing.
func (s *Store) CountOpenPositions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE status IN ('open', 'closing')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open positions: %w", err)
	}
	return n, nil
}

// TodayRealizedPnL sums realized P&L of positions closed on today's UTC date.
func (s *Store) TodayRealizedPnL(ctx context.Context) (float64, error) {
	today := time.Now().UTC().Format("2006-01-02")
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0) FROM positions
		WHERE status = 'closed' AND date(closed_at) = ?`, today).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("today realized pnl: %w", err)
	}
	return total, nil
}

const positionSelect = `
	SELECT id, strategy, market_id, token_id, side, entry_price, size,
	       COALESCE(current_price, entry_price), unrealized_pnl, realized_pnl,
	       status, COALESCE(stop_loss_price, 0), take_profit_tier,
	       COALESCE(trailing_stop_price, 0), opened_at,
	       closed_at, COALESCE(close_reason, ''),
	       metadata
	FROM positions`

func scanPosition(r rowScanner) (*types.Position, error) {
	var p types.Position
	var side, status, meta string
	// closed_at must stay a bare column reference: wrapping it in an SQL
	// expression hides the declared TIMESTAMP type from the driver, which
	// then hands Scan a string instead of a time.Time.
	var closedAt sql.NullTime
	err := r.Scan(&p.ID, &p.Strategy, &p.MarketID, &p.TokenID, &side,
		&p.EntryPrice, &p.Size, &p.CurrentPrice, &p.UnrealizedPnL, &p.RealizedPnL,
		&status, &p.StopLossPrice, &p.TakeProfitTier, &p.TrailingStop,
		&p.OpenedAt, &closedAt, &p.CloseReason, &meta)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	p.Side = types.Side(side)
	p.Status = types.PositionStatus(status)
	p.Metadata, _ = types.DecodeMetadata(meta)
	return &p, nil
}

func scanPositions(rows *sql.Rows) ([]types.Position, error) {
	var out []types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Daily P&L
// ————————————————————————————————————————————————————————————————————————

// RecordDailyPnL creates the day's row with its starting balance. Calling
// it again for the same date is a no-op.
func (s *Store) RecordDailyPnL(ctx context.Context, date string, startingBalance float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO daily_pnl (date, starting_balance) VALUES (?, ?)`,
		date, startingBalance)
	if err != nil {
		return fmt.Errorf("record daily pnl: %w", err)
	}
	return nil
}

// GetDailyPnL fetches one day's row; returns nil when absent.
func (s *Store) GetDailyPnL(ctx context.Context, date string) (*types.DailyPnL, error) {
	var d types.DailyPnL
	err := s.db.QueryRowContext(ctx, `
		SELECT date, starting_balance, COALESCE(ending_balance, 0),
		       realized_pnl, unrealized_pnl, trade_count, win_count, loss_count, fees_paid
		FROM daily_pnl WHERE date = ?`, date).Scan(
		&d.Date, &d.StartingBalance, &d.EndingBalance, &d.RealizedPnL,
		&d.UnrealizedPnL, &d.TradeCount, &d.WinCount, &d.LossCount, &d.FeesPaid)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get daily pnl: %w", err)
	}
	return &d, nil
}

// FinalizeDailyPnL writes the day's closing numbers.
func (s *Store) FinalizeDailyPnL(ctx context.Context, d types.DailyPnL) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE daily_pnl
		SET ending_balance = ?, realized_pnl = ?, unrealized_pnl = ?,
		    trade_count = ?, win_count = ?, loss_count = ?, fees_paid = ?
		WHERE date = ?`,
		d.EndingBalance, d.RealizedPnL, d.UnrealizedPnL,
		d.TradeCount, d.WinCount, d.LossCount, d.FeesPaid, d.Date)
	if err != nil {
		return fmt.Errorf("finalize daily pnl: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Strategy state
// ————————————————————————————————————————————————————————————————————————

// SaveStrategyState upserts a strategy's opaque JSON state blob.
func (s *Store) SaveStrategyState(ctx context.Context, strategy, state string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_state (strategy, state, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy) DO UPDATE SET state = excluded.state, updated_at = CURRENT_TIMESTAMP`,
		strategy, state)
	if err != nil {
		return fmt.Errorf("save strategy state: %w", err)
	}
	return nil
}

// LoadStrategyState reads a strategy's state blob; "" when never saved.
func (s *Store) LoadStrategyState(ctx context.Context, strategy string) (string, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM strategy_state WHERE strategy = ?`, strategy).Scan(&state)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load strategy state: %w", err)
	}
	return state, nil
}

// ————————————————————————————————————————————————————————————————————————
// External positions (mirror strategy cache)
// ————————————————————————————————————————————————————————————————————————

// UpsertExternalPosition stores the last observed snapshot of one holding
// of a watched account.
func (s *Store) UpsertExternalPosition(ctx context.Context, account string, p types.ExternalPosition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_positions (account, market_id, token_id, size, avg_cost, last_seen_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account, market_id, token_id)
		DO UPDATE SET size = excluded.size, avg_cost = excluded.avg_cost, last_seen_at = CURRENT_TIMESTAMP`,
		account, p.MarketID, p.TokenID, p.Size, p.AvgCost)
	if err != nil {
		return fmt.Errorf("upsert external position: %w", err)
	}
	return nil
}

// DeleteExternalPosition removes a holding that disappeared from the
// watched account.
func (s *Store) DeleteExternalPosition(ctx context.Context, account, marketID, tokenID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM external_positions WHERE account = ? AND market_id = ? AND token_id = ?`,
		account, marketID, tokenID)
	if err != nil {
		return fmt.Errorf("delete external position: %w", err)
	}
	return nil
}

// GetExternalPositions returns all cached holdings for an account.
func (s *Store) GetExternalPositions(ctx context.Context, account string) ([]types.ExternalPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, token_id, size, avg_cost
		FROM external_positions WHERE account = ?`, account)
	if err != nil {
		return nil, fmt.Errorf("get external positions: %w", err)
	}
	defer rows.Close()

	var out []types.ExternalPosition
	for rows.Next() {
		var p types.ExternalPosition
		if err := rows.Scan(&p.MarketID, &p.TokenID, &p.Size, &p.AvgCost); err != nil {
			return nil, fmt.Errorf("scan external position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Bot metadata
// ————————————————————————————————————————————————————————————————————————

// SetMetadata upserts one durable key/value flag.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_metadata (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

// GetMetadata reads one flag. ok is false when the key was never set.
func (s *Store) GetMetadata(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM bot_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata: %w", err)
	}
	return value, true, nil
}
