package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Rajchodisetti/premium-engine/internal/domain"
)

// Get returns a position from either the open or the closed table.
func (s *Store) Get(ctx context.Context, kind domain.Kind, id string) (*domain.Position, error) {
	db, err := s.ledger(kind)
	if err != nil {
		return nil, err
	}
	return getPosition(ctx, db, id)
}

// OpenPositions lists non-terminal positions of kind, oldest first.
func (s *Store) OpenPositions(ctx context.Context, kind domain.Kind) ([]*domain.Position, error) {
	db, err := s.ledger(kind)
	if err != nil {
		return nil, err
	}
	var rows []positionRow
	if err := db.SelectContext(ctx, &rows, `SELECT `+positionColumns+` FROM open_positions ORDER BY opened_at, id`); err != nil {
		return nil, fmt.Errorf("failed to list open positions: %w", err)
	}
	out := make([]*domain.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPosition())
	}
	return out, nil
}

// ClosedPositions lists archived positions of kind, most recent first.
// limit <= 0 returns all of them.
func (s *Store) ClosedPositions(ctx context.Context, kind domain.Kind, limit int) ([]*domain.Position, error) {
	db, err := s.ledger(kind)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	var rows []positionRow
	if err := db.SelectContext(ctx, &rows,
		`SELECT `+positionColumns+` FROM closed_positions ORDER BY closed_at DESC, id LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("failed to list closed positions: %w", err)
	}
	out := make([]*domain.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPosition())
	}
	return out, nil
}

// Transitions returns the audit trail of one position in order.
func (s *Store) Transitions(ctx context.Context, kind domain.Kind, positionID string) ([]domain.Transition, error) {
	db, err := s.ledger(kind)
	if err != nil {
		return nil, err
	}
	var rows []transitionRow
	if err := db.SelectContext(ctx, &rows,
		`SELECT seq, position_id, kind, from_state, to_state, cause, event_key, created_at
		 FROM transitions WHERE position_id = ? ORDER BY seq`, positionID); err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	out := make([]domain.Transition, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTransition())
	}
	return out, nil
}

// HasEvent reports whether an event key was already applied in kind's ledger.
func (s *Store) HasEvent(ctx context.Context, kind domain.Kind, eventKey string) (bool, error) {
	db, err := s.ledger(kind)
	if err != nil {
		return false, err
	}
	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM transitions WHERE event_key = ?`, eventKey); err != nil {
		return false, fmt.Errorf("failed to check event key: %w", err)
	}
	return n > 0, nil
}

// Performance returns the closed-trade aggregate of symbol in kind's ledger.
func (s *Store) Performance(ctx context.Context, kind domain.Kind, symbol string) (*domain.SymbolPerformance, error) {
	db, err := s.ledger(kind)
	if err != nil {
		return nil, err
	}
	var row performanceRow
	err = db.GetContext(ctx, &row, `SELECT * FROM symbol_performance WHERE symbol = ?`, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: performance for %s", ErrNotFound, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load performance: %w", err)
	}
	return row.toPerformance(), nil
}

// ReservedCapital sums reservations of open positions across both ledgers.
func (s *Store) ReservedCapital(ctx context.Context) (float64, error) {
	var total float64
	for kind, db := range s.dbs {
		var v float64
		if err := db.GetContext(ctx, &v, `SELECT COALESCE(SUM(reserved_capital), 0) FROM open_positions`); err != nil {
			return 0, fmt.Errorf("failed to sum %s reservations: %w", kind, err)
		}
		total += v
	}
	return total, nil
}

// LastCycle returns the highest wheel cycle recorded for symbol, or 0.
func (s *Store) LastCycle(ctx context.Context, symbol string) (int, error) {
	db, err := s.ledger(domain.KindWheel)
	if err != nil {
		return 0, err
	}
	var cycle int
	err = db.GetContext(ctx, &cycle, `SELECT COALESCE(MAX(cycle), 0) FROM (
		SELECT cycle FROM open_positions WHERE symbol = ?
		UNION ALL
		SELECT cycle FROM closed_positions WHERE symbol = ? AND state = ?)`,
		symbol, symbol, string(domain.StateCalledAway))
	if err != nil {
		return 0, fmt.Errorf("failed to load wheel cycle: %w", err)
	}
	return cycle, nil
}
