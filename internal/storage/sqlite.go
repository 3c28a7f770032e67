// Package storage provides SQLite-backed persistence: the mode-partitioned
// strategy snapshot, the append-only trade ledger, the durable event log,
// universe history, and the daily bar store the universe builder scans.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Artanis09/mystocks/internal/logger"
)

// Store wraps one SQLite database shared by both trading modes. Snapshot
// rows are keyed by mode so paper and real state never mix.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps snapshot writes from blocking ledger reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info(context.Background(), "Storage initialized", "path", path)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS strategy_state (
		mode TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mode TEXT NOT NULL,
		trade_date TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price REAL NOT NULL,
		amount REAL NOT NULL,
		exit_reason TEXT,
		pnl REAL,
		pnl_rate REAL,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_trades_date ON trades(trade_date);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		date TEXT NOT NULL,
		mode TEXT NOT NULL,
		level TEXT NOT NULL,
		phase TEXT,
		code TEXT,
		event TEXT NOT NULL,
		message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_date ON events(date);

	CREATE TABLE IF NOT EXISTS universe_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		prev_close REAL,
		prev_high REAL,
		change_rate REAL,
		market_cap REAL,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(date, code)
	);

	CREATE TABLE IF NOT EXISTS daily_bars (
		date TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume INTEGER NOT NULL,
		change_rate REAL NOT NULL,
		PRIMARY KEY (date, code)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSnapshot atomically overwrites the whole-state snapshot for a mode.
func (s *Store) SaveSnapshot(mode string, state []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO strategy_state (mode, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(mode) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		mode, string(state), time.Now().UTC().Format(time.RFC3339))
	return err
}

// LoadSnapshot reads the last snapshot for a mode. found is false when no
// snapshot has ever been written.
func (s *Store) LoadSnapshot(mode string) (state []byte, found bool, err error) {
	var raw string
	err = s.db.QueryRow(`SELECT state FROM strategy_state WHERE mode = ?`, mode).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(raw), true, nil
}

// TradeRecord is one row of the append-only trade ledger.
type TradeRecord struct {
	Mode       string
	TradeDate  string
	Code       string
	Name       string
	Side       string
	Quantity   int
	Price      float64
	Amount     float64
	ExitReason string
	Pnl        float64
	PnlRate    float64
}

// RecordTrade appends one ledger row. Exit-only columns are stored NULL for
// buys.
func (s *Store) RecordTrade(t TradeRecord) error {
	var exitReason, pnl, pnlRate any
	if t.Side == "SELL" {
		exitReason, pnl, pnlRate = t.ExitReason, t.Pnl, t.PnlRate
	}
	_, err := s.db.Exec(`
		INSERT INTO trades (mode, trade_date, code, name, side, quantity, price, amount, exit_reason, pnl, pnl_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Mode, t.TradeDate, t.Code, t.Name, t.Side, t.Quantity, t.Price, t.Amount, exitReason, pnl, pnlRate)
	return err
}

// TradeHistory returns ledger rows for the trailing number of days, newest
// first.
func (s *Store) TradeHistory(mode string, days int) ([]TradeRecord, error) {
	start := time.Now().AddDate(0, 0, -days).Format("2006-01-02")
	rows, err := s.db.Query(`
		SELECT trade_date, code, name, side, quantity, price, amount,
		       COALESCE(exit_reason, ''), COALESCE(pnl, 0), COALESCE(pnl_rate, 0)
		FROM trades
		WHERE mode = ? AND trade_date >= ?
		ORDER BY id DESC`, mode, start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		t := TradeRecord{Mode: mode}
		if err := rows.Scan(&t.TradeDate, &t.Code, &t.Name, &t.Side, &t.Quantity,
			&t.Price, &t.Amount, &t.ExitReason, &t.Pnl, &t.PnlRate); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Event is one durable log line, mirrored from the in-memory ring buffer.
type Event struct {
	Timestamp string
	Date      string
	Mode      string
	Level     string
	Phase     string
	Code      string
	Event     string
	Message   string
}

func (s *Store) AppendEvent(e Event) error {
	_, err := s.db.Exec(`
		INSERT INTO events (timestamp, date, mode, level, phase, code, event, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.Date, e.Mode, e.Level, e.Phase, e.Code, e.Event, e.Message)
	return err
}

// UniverseRow is one archived universe member.
type UniverseRow struct {
	Date       string
	Code       string
	Name       string
	PrevClose  float64
	PrevHigh   float64
	ChangeRate float64
	MarketCap  float64
}

// SaveUniverse upserts the day's universe into history.
func (s *Store) SaveUniverse(rows []UniverseRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := tx.Exec(`
			INSERT INTO universe_history (date, code, name, prev_close, prev_high, change_rate, market_cap, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(date, code) DO UPDATE SET
				prev_close = excluded.prev_close,
				prev_high = excluded.prev_high,
				change_rate = excluded.change_rate,
				market_cap = excluded.market_cap`,
			r.Date, r.Code, r.Name, r.PrevClose, r.PrevHigh, r.ChangeRate, r.MarketCap,
			time.Now().UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// DailyBar is one prior-session OHLCV row from the bar store (populated by
// the external data pipeline).
type DailyBar struct {
	Date       string
	Code       string
	Name       string
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	ChangeRate float64 // percent
}

// DailyBars returns all bars stored for a date.
func (s *Store) DailyBars(date string) ([]DailyBar, error) {
	rows, err := s.db.Query(`
		SELECT date, code, name, open, high, low, close, volume, change_rate
		FROM daily_bars WHERE date = ?`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyBar
	for rows.Next() {
		var b DailyBar
		if err := rows.Scan(&b.Date, &b.Code, &b.Name, &b.Open, &b.High, &b.Low,
			&b.Close, &b.Volume, &b.ChangeRate); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// InsertDailyBars loads bars for a date (used by tests and the external
// crawler's import path).
func (s *Store) InsertDailyBars(bars []DailyBar) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, b := range bars {
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO daily_bars (date, code, name, open, high, low, close, volume, change_rate)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.Date, b.Code, b.Name, b.Open, b.High, b.Low, b.Close, b.Volume, b.ChangeRate); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
