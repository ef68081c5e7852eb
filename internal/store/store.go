// Package store is the durable ledger of positions, transitions and per-symbol
// performance. Wheel and credit-spread positions live in separate sqlite
// databases; a single writer lock serializes every mutation across both.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/domain"
	"github.com/Rajchodisetti/premium-engine/internal/observ"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicatePosition = errors.New("non-terminal position already exists for symbol")
	ErrCapitalCeiling    = errors.New("capital ceiling exceeded")
	ErrStateConflict     = errors.New("state conflict")
)

const schema = `
CREATE TABLE IF NOT EXISTS open_positions (
	id                TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	symbol            TEXT NOT NULL UNIQUE,
	state             TEXT NOT NULL,
	leg_key           TEXT NOT NULL,
	short_symbol      TEXT NOT NULL DEFAULT '',
	long_symbol       TEXT NOT NULL DEFAULT '',
	short_strike      REAL NOT NULL DEFAULT 0,
	long_strike       REAL NOT NULL DEFAULT 0,
	expiration        TEXT NOT NULL DEFAULT '',
	contracts         INTEGER NOT NULL DEFAULT 0,
	entry_credit      REAL NOT NULL DEFAULT 0,
	premium_collected REAL NOT NULL DEFAULT 0,
	cost_basis        REAL NOT NULL DEFAULT 0,
	assigned_strike   REAL NOT NULL DEFAULT 0,
	shares            INTEGER NOT NULL DEFAULT 0,
	current_mark      REAL NOT NULL DEFAULT 0,
	unrealized_pnl    REAL NOT NULL DEFAULT 0,
	realized_pnl      REAL NOT NULL DEFAULT 0,
	reserved_capital  REAL NOT NULL DEFAULT 0,
	cycle             INTEGER NOT NULL DEFAULT 1,
	source            TEXT NOT NULL DEFAULT 'scan',
	opened_at         INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	closed_at         INTEGER,
	exit_reason       TEXT NOT NULL DEFAULT '',
	notes             TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_open_leg_key ON open_positions(leg_key);

CREATE TABLE IF NOT EXISTS closed_positions (
	id                TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	state             TEXT NOT NULL,
	leg_key           TEXT NOT NULL,
	short_symbol      TEXT NOT NULL DEFAULT '',
	long_symbol       TEXT NOT NULL DEFAULT '',
	short_strike      REAL NOT NULL DEFAULT 0,
	long_strike       REAL NOT NULL DEFAULT 0,
	expiration        TEXT NOT NULL DEFAULT '',
	contracts         INTEGER NOT NULL DEFAULT 0,
	entry_credit      REAL NOT NULL DEFAULT 0,
	premium_collected REAL NOT NULL DEFAULT 0,
	cost_basis        REAL NOT NULL DEFAULT 0,
	assigned_strike   REAL NOT NULL DEFAULT 0,
	shares            INTEGER NOT NULL DEFAULT 0,
	current_mark      REAL NOT NULL DEFAULT 0,
	unrealized_pnl    REAL NOT NULL DEFAULT 0,
	realized_pnl      REAL NOT NULL DEFAULT 0,
	reserved_capital  REAL NOT NULL DEFAULT 0,
	cycle             INTEGER NOT NULL DEFAULT 1,
	source            TEXT NOT NULL DEFAULT 'scan',
	opened_at         INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	closed_at         INTEGER,
	exit_reason       TEXT NOT NULL,
	notes             TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_closed_symbol ON closed_positions(symbol, closed_at);

CREATE TABLE IF NOT EXISTS symbol_performance (
	symbol                 TEXT PRIMARY KEY,
	trades                 INTEGER NOT NULL,
	wins                   INTEGER NOT NULL,
	losses                 INTEGER NOT NULL,
	cumulative_pnl         REAL NOT NULL,
	consecutive_losses     INTEGER NOT NULL,
	max_consecutive_losses INTEGER NOT NULL,
	quality_score          REAL NOT NULL,
	last_closed_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transitions (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	position_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	cause       TEXT NOT NULL,
	event_key   TEXT UNIQUE,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_position ON transitions(position_id, seq);
`

// ledgerFiles maps each strategy kind to its database file.
var ledgerFiles = map[domain.Kind]string{
	domain.KindWheel:  "wheel.db",
	domain.KindSpread: "spreads.db",
}

// Store owns both ledgers. Reads go straight to the database and rely on
// WAL snapshot isolation; writes hold mu for their whole transaction.
type Store struct {
	mu      sync.Mutex
	dbs     map[domain.Kind]*sqlx.DB
	ceiling float64
	now     func() time.Time
}

// Open creates the data directory if needed, opens both ledgers and applies
// the schema.
func Open(ctx context.Context, cfg config.Store) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = "data"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	s := &Store{
		dbs:     make(map[domain.Kind]*sqlx.DB, len(ledgerFiles)),
		ceiling: cfg.CapitalCeiling,
		now:     time.Now,
	}
	for kind, file := range ledgerFiles {
		path := filepath.Join(cfg.Dir, file)
		db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open %s: %w", file, err)
		}
		if _, err := db.ExecContext(ctx, schema); err != nil {
			db.Close()
			s.Close()
			return nil, fmt.Errorf("failed to apply schema to %s: %w", file, err)
		}
		s.dbs[kind] = db
	}

	observ.Log("store_opened", map[string]any{"dir": cfg.Dir, "capital_ceiling": cfg.CapitalCeiling})
	return s, nil
}

// SetClock overrides the timestamp source; tests use it for fixed times.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// CapitalCeiling returns the configured reservation limit in dollars.
func (s *Store) CapitalCeiling() float64 {
	return s.ceiling
}

func (s *Store) ledger(kind domain.Kind) (*sqlx.DB, error) {
	db, ok := s.dbs[kind]
	if !ok {
		return nil, fmt.Errorf("unknown position kind %q", kind)
	}
	return db, nil
}

// Ping checks that both ledgers answer.
func (s *Store) Ping(ctx context.Context) error {
	for kind, db := range s.dbs {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("%s ledger: %w", kind, err)
		}
	}
	return nil
}

// Close closes both ledgers.
func (s *Store) Close() error {
	var errs []error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
