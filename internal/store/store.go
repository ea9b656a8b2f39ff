// Package store persists closed trades, open position snapshots, and system
// events to SQL. Postgres (lib/pq) is the production backend; sqlite
// (modernc, cgo-free) serves development and tests. All writes are
// best-effort from the engine's point of view: a dead database must never
// block order flow, so callers log persistence errors and move on.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/peycheff-com/titan-trading-system-sub000/internal/shadow"
	"github.com/peycheff-com/titan-trading-system-sub000/pkg/types"
)

// Event severities.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id          INTEGER PRIMARY KEY,
	signal_ids  TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	size        TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	exit_price  TEXT NOT NULL,
	pnl         TEXT NOT NULL,
	pnl_pct     TEXT NOT NULL,
	reason      TEXT NOT NULL,
	closed_at   TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	symbol      TEXT PRIMARY KEY,
	side        TEXT NOT NULL,
	size        TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	stop        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS system_events (
	id         INTEGER PRIMARY KEY,
	severity   TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// postgresSchema swaps the rowid-style keys for bigserial.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id          BIGSERIAL PRIMARY KEY,
	signal_ids  TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	size        TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	exit_price  TEXT NOT NULL,
	pnl         TEXT NOT NULL,
	pnl_pct     TEXT NOT NULL,
	reason      TEXT NOT NULL,
	closed_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	symbol      TEXT PRIMARY KEY,
	side        TEXT NOT NULL,
	size        TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	stop        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS system_events (
	id         BIGSERIAL PRIMARY KEY,
	severity   TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// FlattenRecord is the payload of the CRITICAL emergency_flatten event.
type FlattenRecord struct {
	PositionsClosed int      `json:"positions_closed"`
	Symbols         []string `json:"symbols"`
	TriggerReason   string   `json:"trigger_reason"`
}

// Store wraps the SQL backend.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to the configured backend and applies the schema.
// driver is "postgres" or "sqlite".
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	var db *sqlx.DB
	var err error
	var ddl string
	switch driver {
	case "postgres":
		db, err = sqlx.Connect("postgres", dsn)
		ddl = postgresSchema
	case "sqlite":
		db, err = sqlx.Connect("sqlite", dsn)
		ddl = schema
	default:
		return nil, fmt.Errorf("unknown database type %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// RecordTrade appends a closed trade.
func (s *Store) RecordTrade(ctx context.Context, t types.TradeRecord) error {
	ids, err := json.Marshal(t.SignalIDs)
	if err != nil {
		return fmt.Errorf("marshal signal ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO trades (signal_ids, symbol, side, size, entry_price, exit_price, pnl, pnl_pct, reason, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		string(ids), t.Symbol, t.Side.String(), t.Size.String(),
		t.EntryPrice.String(), t.ExitPrice.String(),
		t.PnL.String(), t.PnLPct.String(), string(t.Reason), t.ClosedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// SavePosition upserts one open position snapshot.
func (s *Store) SavePosition(ctx context.Context, p shadow.Position) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO positions (symbol, side, size, entry_price, stop, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET
			side = excluded.side, size = excluded.size,
			entry_price = excluded.entry_price, stop = excluded.stop,
			payload = excluded.payload, updated_at = excluded.updated_at`),
		p.Symbol, p.Side.String(), p.Size.String(),
		p.EntryPrice.String(), p.Stop.String(), string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// DeletePosition removes a closed position's snapshot.
func (s *Store) DeletePosition(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM positions WHERE symbol = ?`), symbol)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// LoadPositions restores all persisted open positions, used on boot before
// the first reconcile pass.
func (s *Store) LoadPositions(ctx context.Context) ([]shadow.Position, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT payload FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("select positions: %w", err)
	}
	defer rows.Close()

	var out []shadow.Position
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		var p shadow.Position
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("unmarshal position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordEvent appends a system event with a JSON payload.
func (s *Store) RecordEvent(ctx context.Context, severity, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO system_events (severity, event_type, payload, created_at)
		VALUES (?, ?, ?, ?)`),
		severity, eventType, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecordFlatten writes the CRITICAL emergency_flatten audit row.
func (s *Store) RecordFlatten(ctx context.Context, rec FlattenRecord) error {
	return s.RecordEvent(ctx, SeverityCritical, "emergency_flatten", rec)
}

// tradeRow mirrors the trades table for reads.
type tradeRow struct {
	SignalIDs  string    `db:"signal_ids"`
	Symbol     string    `db:"symbol"`
	Side       string    `db:"side"`
	Size       string    `db:"size"`
	EntryPrice string    `db:"entry_price"`
	ExitPrice  string    `db:"exit_price"`
	PnL        string    `db:"pnl"`
	PnLPct     string    `db:"pnl_pct"`
	Reason     string    `db:"reason"`
	ClosedAt   time.Time `db:"closed_at"`
}

// TradesSince returns closed trades at or after the cutoff, newest first.
func (s *Store) TradesSince(ctx context.Context, cutoff time.Time) ([]types.TradeRecord, error) {
	var rows []tradeRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT signal_ids, symbol, side, size, entry_price, exit_price, pnl, pnl_pct, reason, closed_at
		FROM trades WHERE closed_at >= ? ORDER BY closed_at DESC`), cutoff)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select trades: %w", err)
	}

	out := make([]types.TradeRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r tradeRow) toRecord() (types.TradeRecord, error) {
	var ids []string
	if err := json.Unmarshal([]byte(r.SignalIDs), &ids); err != nil {
		return types.TradeRecord{}, fmt.Errorf("unmarshal signal ids: %w", err)
	}
	dec := func(s string) decimal.Decimal {
		d, _ := decimal.NewFromString(s)
		return d
	}
	side := types.LONG
	if r.Side == types.SHORT.String() {
		side = types.SHORT
	}
	return types.TradeRecord{
		SignalIDs:  ids,
		Symbol:     r.Symbol,
		Side:       side,
		Size:       dec(r.Size),
		EntryPrice: dec(r.EntryPrice),
		ExitPrice:  dec(r.ExitPrice),
		PnL:        dec(r.PnL),
		PnLPct:     dec(r.PnLPct),
		Reason:     types.CloseReason(r.Reason),
		ClosedAt:   r.ClosedAt,
	}, nil
}
