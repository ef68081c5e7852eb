package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Rajchodisetti/premium-engine/internal/domain"
	"github.com/Rajchodisetti/premium-engine/internal/observ"
)

// ceilingEpsilon absorbs float noise when summing reservations.
const ceilingEpsilon = 1e-6

// TransitionRequest describes one state change. From is the state the caller
// observed; a mismatch means another actor moved the position first.
type TransitionRequest struct {
	Kind       domain.Kind
	PositionID string
	From       domain.State
	To         domain.State
	Cause      string
	// EventKey makes the transition idempotent: a key already recorded turns
	// the call into a no-op.
	EventKey string
	// Mutate applies field changes before the state is written.
	Mutate func(p *domain.Position) error
}

// Reserve records a PENDING_ENTRY position before its entry order is sent.
// It fails with ErrDuplicatePosition when the symbol already has a
// non-terminal position of the same kind and with ErrCapitalCeiling when the
// reservation does not fit.
func (s *Store) Reserve(ctx context.Context, p *domain.Position) error {
	if p.State == "" {
		p.State = domain.StatePendingEntry
	}
	if p.State != domain.StatePendingEntry {
		return fmt.Errorf("%w: reserve requires %s, got %s", ErrStateConflict, domain.StatePendingEntry, p.State)
	}
	if p.Source == "" {
		p.Source = domain.SourceScan
	}
	return s.create(ctx, p, "reserve", true)
}

// Import records a position discovered at the broker. Imports are not held
// to the capital ceiling since the exposure already exists.
func (s *Store) Import(ctx context.Context, p *domain.Position) error {
	p.Source = domain.SourceReconcile
	return s.create(ctx, p, "reconcile_import", false)
}

func (s *Store) create(ctx context.Context, p *domain.Position, cause string, enforceCeiling bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.ledger(p.Kind)
	if err != nil {
		return err
	}
	if err := domain.ValidateTransition(p.Kind, "", p.State); err != nil {
		return fmt.Errorf("%w: %v", ErrStateConflict, err)
	}

	now := s.now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Cycle == 0 {
		p.Cycle = 1
	}
	p.OpenedAt = now
	p.UpdatedAt = now

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.GetContext(ctx, &existing, `SELECT COUNT(*) FROM open_positions WHERE symbol = ?`, p.Symbol); err != nil {
		return fmt.Errorf("failed to check open positions: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("%w: %s %s", ErrDuplicatePosition, p.Kind, p.Symbol)
	}
	if enforceCeiling {
		if err := s.checkCeiling(ctx, tx, p.Kind, p.ReservedCapital); err != nil {
			return err
		}
	}

	if _, err := tx.NamedExecContext(ctx, `INSERT INTO open_positions (`+positionColumns+`) VALUES (`+positionValues+`)`, toRow(p)); err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}
	if err := insertTransition(ctx, tx, p, "", cause, "", now.UnixNano()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit position: %w", err)
	}

	observ.Log("position_created", map[string]any{
		"position_id": p.ID,
		"kind":        string(p.Kind),
		"symbol":      p.Symbol,
		"state":       string(p.State),
		"cause":       cause,
		"reserved":    p.ReservedCapital,
	})
	observ.IncCounter("positions_created_total", map[string]string{"kind": string(p.Kind), "cause": cause})
	return nil
}

// Transition applies req atomically. It returns applied=false without error
// when req.EventKey was already recorded, together with the position as it
// stands.
func (s *Store) Transition(ctx context.Context, req TransitionRequest) (bool, *domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.ledger(req.Kind)
	if err != nil {
		return false, nil, err
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if req.EventKey != "" {
		var seen int
		if err := tx.GetContext(ctx, &seen, `SELECT COUNT(*) FROM transitions WHERE event_key = ?`, req.EventKey); err != nil {
			return false, nil, fmt.Errorf("failed to check event key: %w", err)
		}
		if seen > 0 {
			p, err := getPosition(ctx, tx, req.PositionID)
			if err != nil {
				return false, nil, err
			}
			observ.Log("transition_duplicate", map[string]any{"position_id": req.PositionID, "event_key": req.EventKey})
			return false, p, nil
		}
	}

	p, err := getOpen(ctx, tx, req.PositionID)
	if err != nil {
		return false, nil, err
	}
	if p.State != req.From {
		return false, p, fmt.Errorf("%w: position %s is %s, expected %s", ErrStateConflict, p.ID, p.State, req.From)
	}
	if err := domain.ValidateTransition(p.Kind, req.From, req.To); err != nil {
		return false, p, fmt.Errorf("%w: %v", ErrStateConflict, err)
	}

	reservedBefore := p.ReservedCapital
	if req.Mutate != nil {
		if err := req.Mutate(p); err != nil {
			return false, nil, fmt.Errorf("failed to apply transition %s -> %s: %w", req.From, req.To, err)
		}
	}
	now := s.now().UTC()
	p.State = req.To
	p.UpdatedAt = now

	if p.ReservedCapital > reservedBefore {
		if err := s.checkCeiling(ctx, tx, p.Kind, p.ReservedCapital-reservedBefore); err != nil {
			return false, nil, err
		}
	}

	if domain.IsTerminal(req.To) {
		if p.ExitReason == "" {
			return false, nil, fmt.Errorf("%w: closing %s requires an exit reason", ErrStateConflict, p.ID)
		}
		p.ClosedAt = &now
		p.UnrealizedPnL = 0
		if _, err := tx.ExecContext(ctx, `DELETE FROM open_positions WHERE id = ?`, p.ID); err != nil {
			return false, nil, fmt.Errorf("failed to remove open position: %w", err)
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO closed_positions (`+positionColumns+`) VALUES (`+positionValues+`)`, toRow(p)); err != nil {
			return false, nil, fmt.Errorf("failed to archive position: %w", err)
		}
		if req.To != domain.StateEntryFailed {
			if err := recordPerformance(ctx, tx, p); err != nil {
				return false, nil, err
			}
		}
	} else {
		if _, err := tx.NamedExecContext(ctx, `UPDATE open_positions SET
			state = :state, leg_key = :leg_key, short_symbol = :short_symbol, long_symbol = :long_symbol,
			short_strike = :short_strike, long_strike = :long_strike, expiration = :expiration,
			contracts = :contracts, entry_credit = :entry_credit, premium_collected = :premium_collected,
			cost_basis = :cost_basis, assigned_strike = :assigned_strike, shares = :shares, current_mark = :current_mark,
			unrealized_pnl = :unrealized_pnl, realized_pnl = :realized_pnl,
			reserved_capital = :reserved_capital, cycle = :cycle, updated_at = :updated_at,
			exit_reason = :exit_reason, notes = :notes
			WHERE id = :id`, toRow(p)); err != nil {
			return false, nil, fmt.Errorf("failed to update position: %w", err)
		}
	}

	if err := insertTransition(ctx, tx, p, req.From, req.Cause, req.EventKey, now.UnixNano()); err != nil {
		return false, nil, err
	}
	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	observ.Log("position_transition", map[string]any{
		"position_id": p.ID,
		"kind":        string(p.Kind),
		"symbol":      p.Symbol,
		"from":        string(req.From),
		"to":          string(req.To),
		"cause":       req.Cause,
		"event_key":   req.EventKey,
	})
	observ.IncCounter("position_transitions_total", map[string]string{"kind": string(p.Kind), "to": string(req.To)})
	return true, p, nil
}

// UpdateMarks stores the latest mark and unrealized P&L of an open position.
func (s *Store) UpdateMarks(ctx context.Context, kind domain.Kind, id string, mark, unrealized float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.ledger(kind)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `UPDATE open_positions SET current_mark = ?, unrealized_pnl = ?, updated_at = ? WHERE id = ?`,
		mark, unrealized, s.now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update marks: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: open position %s", ErrNotFound, id)
	}
	return nil
}

// checkCeiling fails when adding delta to the reservations of every open
// position would exceed the ceiling. tx sees the ledger being written; the
// other ledgers are read directly since the writer lock is held.
func (s *Store) checkCeiling(ctx context.Context, tx *sqlx.Tx, kind domain.Kind, delta float64) error {
	if s.ceiling <= 0 || delta <= 0 {
		return nil
	}
	var total float64
	if err := tx.GetContext(ctx, &total, `SELECT COALESCE(SUM(reserved_capital), 0) FROM open_positions`); err != nil {
		return fmt.Errorf("failed to sum reserved capital: %w", err)
	}
	for k, db := range s.dbs {
		if k == kind {
			continue
		}
		var other float64
		if err := db.GetContext(ctx, &other, `SELECT COALESCE(SUM(reserved_capital), 0) FROM open_positions`); err != nil {
			return fmt.Errorf("failed to sum reserved capital: %w", err)
		}
		total += other
	}
	if total+delta > s.ceiling+ceilingEpsilon {
		observ.IncCounter("capital_ceiling_rejections_total", map[string]string{"kind": string(kind)})
		return fmt.Errorf("%w: reserved %.2f + %.2f > %.2f", ErrCapitalCeiling, total, delta, s.ceiling)
	}
	return nil
}

func insertTransition(ctx context.Context, tx *sqlx.Tx, p *domain.Position, from domain.State, cause, eventKey string, at int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transitions (position_id, kind, from_state, to_state, cause, event_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.Kind), string(from), string(p.State), cause, nullable(eventKey), at)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

func recordPerformance(ctx context.Context, tx *sqlx.Tx, p *domain.Position) error {
	perf := &domain.SymbolPerformance{Symbol: p.Symbol}
	var row performanceRow
	err := tx.GetContext(ctx, &row, `SELECT * FROM symbol_performance WHERE symbol = ?`, p.Symbol)
	switch {
	case err == nil:
		perf = row.toPerformance()
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to load performance: %w", err)
	}
	perf.Record(p.RealizedPnL, *p.ClosedAt)

	_, err = tx.NamedExecContext(ctx, `INSERT OR REPLACE INTO symbol_performance
		(symbol, trades, wins, losses, cumulative_pnl, consecutive_losses, max_consecutive_losses, quality_score, last_closed_at)
		VALUES (:symbol, :trades, :wins, :losses, :cumulative_pnl, :consecutive_losses, :max_consecutive_losses, :quality_score, :last_closed_at)`,
		fromPerformance(perf))
	if err != nil {
		return fmt.Errorf("failed to save performance: %w", err)
	}
	return nil
}

func getOpen(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Position, error) {
	var row positionRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+positionColumns+` FROM open_positions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: open position %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	return row.toPosition(), nil
}

func getPosition(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Position, error) {
	p, err := getOpen(ctx, q, id)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return p, err
	}
	var row positionRow
	err = sqlx.GetContext(ctx, q, &row, `SELECT `+positionColumns+` FROM closed_positions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	return row.toPosition(), nil
}
