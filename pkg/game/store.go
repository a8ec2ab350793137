package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrRoundNotProcessing is returned when a completion or failure is
	// attempted on a round that is not in processing_payout.
	ErrRoundNotProcessing = errors.New("round is not in processing_payout")

	// ErrRoundNotFound is returned when a round id does not exist.
	ErrRoundNotFound = errors.New("round not found")
)

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// Store is the single source of truth for game and round state. Every
// mutation is a single SQL statement or transaction, so concurrent writers
// are linearized by the database rather than by in-process locks; the
// atomic-update contract holds across process instances.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, pool: cfg.Pool}, nil
}

// Bootstrap creates the first round and the singleton state row if they do
// not exist yet. Safe to call on every startup.
func (s *Store) Bootstrap(ctx context.Context, deadline time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin bootstrap transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM game_state WHERE id = 1)`).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check game state existence: %w", err)
	}
	if exists {
		return nil
	}

	var roundID int64
	if err := tx.QueryRow(ctx, `INSERT INTO rounds (status) VALUES ('active') RETURNING id`).Scan(&roundID); err != nil {
		return fmt.Errorf("failed to create bootstrap round: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO game_state (id, current_round_id, timer_deadline)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO NOTHING
	`, roundID, deadline); err != nil {
		return fmt.Errorf("failed to create game state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit bootstrap: %w", err)
	}

	s.log.Info("store: bootstrapped game state", "round_id", roundID, "deadline", deadline)
	return nil
}

// State reads the singleton game state row.
func (s *Store) State(ctx context.Context) (*State, error) {
	var st State
	err := s.pool.QueryRow(ctx, `
		SELECT current_round_id, timer_deadline, push_count, last_pushers, treasury_balance, updated_at
		FROM game_state
		WHERE id = 1
	`).Scan(&st.CurrentRoundID, &st.TimerDeadline, &st.PushCount, &st.LastPushers, &st.TreasuryBalance, &st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read game state: %w", err)
	}
	return &st, nil
}

// Round reads a single round by id.
func (s *Store) Round(ctx context.Context, id int64) (*Round, error) {
	var r Round
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, total_pot, COALESCE(winner_address, ''), created_at, resolved_at
		FROM rounds
		WHERE id = $1
	`, id).Scan(&r.ID, &r.Status, &r.TotalPot, &r.WinnerAddress, &r.CreatedAt, &r.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoundNotFound
		}
		return nil, fmt.Errorf("failed to read round %d: %w", id, err)
	}
	return &r, nil
}

// HasPush reports whether a push with the given signature is already
// recorded. This is only a cheap pre-check; ApplyPush's insert conflict is
// the idempotency authority.
func (s *Store) HasPush(ctx context.Context, signature string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pushes WHERE signature = $1)`, signature).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check push existence: %w", err)
	}
	return exists, nil
}

// ApplyPush records an accepted push and applies its game-state effects in
// one transaction: insert the push record, bump push_count, prepend the
// payer to the recent-pusher cache, reset the timer deadline, and accumulate
// the treasury balance. The game_state row lock serializes concurrent
// writers; the unique signature makes concurrent duplicates yield exactly
// one record. Returns applied=false with no state change for a duplicate.
func (s *Store) ApplyPush(ctx context.Context, payer string, amount int64, signature string, source PushSource, observedAt, deadline time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin push transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var roundID int64
	if err := tx.QueryRow(ctx, `SELECT current_round_id FROM game_state WHERE id = 1 FOR UPDATE`).Scan(&roundID); err != nil {
		return false, fmt.Errorf("failed to lock game state: %w", err)
	}

	ct, err := tx.Exec(ctx, `
		INSERT INTO pushes (signature, round_id, payer_address, amount, source, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signature) DO NOTHING
	`, signature, roundID, payer, amount, source, observedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert push record: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// Same transaction reported again; leave all state untouched.
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE game_state
		SET push_count = push_count + 1,
		    last_pushers = (array_prepend($1::text, last_pushers))[1:$2],
		    treasury_balance = treasury_balance + $3,
		    timer_deadline = $4,
		    updated_at = now()
		WHERE id = 1
	`, payer, LastPushersCap, amount, deadline); err != nil {
		return false, fmt.Errorf("failed to update game state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit push: %w", err)
	}
	return true, nil
}

// BeginPayout attempts the active -> processing_payout transition for the
// round. The conditional update makes the transition a compare-and-swap:
// when two scheduler ticks race, exactly one observes rows-affected 1 and
// owns the payout; the loser gets won=false and takes no action.
func (s *Store) BeginPayout(ctx context.Context, roundID int64) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE rounds SET status = 'processing_payout' WHERE id = $1 AND status = 'active'
	`, roundID)
	if err != nil {
		return false, fmt.Errorf("failed to begin payout for round %d: %w", roundID, err)
	}
	return ct.RowsAffected() == 1, nil
}

// CompleteRound finalizes a round after payout. Only valid from
// processing_payout.
func (s *Store) CompleteRound(ctx context.Context, roundID, totalPot int64, winner string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE rounds
		SET status = 'completed', total_pot = $2, winner_address = NULLIF($3, ''), resolved_at = now()
		WHERE id = $1 AND status = 'processing_payout'
	`, roundID, totalPot, winner)
	if err != nil {
		return fmt.Errorf("failed to complete round %d: %w", roundID, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrRoundNotProcessing
	}
	return nil
}

// FailRound marks a round as error. Terminal, but the next round still
// starts: an unpaid pot is reconciled out-of-band, a stalled round is a
// liveness failure.
func (s *Store) FailRound(ctx context.Context, roundID int64) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE rounds SET status = 'error', resolved_at = now()
		WHERE id = $1 AND status = 'processing_payout'
	`, roundID)
	if err != nil {
		return fmt.Errorf("failed to fail round %d: %w", roundID, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrRoundNotProcessing
	}
	return nil
}

// StartNextRound creates a new active round and resets the game state in one
// transaction. A still-active previous round (operator force-start) is
// closed out so at most one round is ever active or in payout.
func (s *Store) StartNextRound(ctx context.Context, deadline time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin next-round transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prevID int64
	if err := tx.QueryRow(ctx, `SELECT current_round_id FROM game_state WHERE id = 1 FOR UPDATE`).Scan(&prevID); err != nil {
		return 0, fmt.Errorf("failed to lock game state: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE rounds SET status = 'completed', resolved_at = now()
		WHERE id = $1 AND status IN ('active', 'processing_payout')
	`, prevID); err != nil {
		return 0, fmt.Errorf("failed to close previous round %d: %w", prevID, err)
	}

	var roundID int64
	if err := tx.QueryRow(ctx, `INSERT INTO rounds (status) VALUES ('active') RETURNING id`).Scan(&roundID); err != nil {
		return 0, fmt.Errorf("failed to create next round: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE game_state
		SET current_round_id = $1,
		    timer_deadline = $2,
		    push_count = 0,
		    last_pushers = '{}',
		    treasury_balance = 0,
		    updated_at = now()
		WHERE id = 1
	`, roundID, deadline); err != nil {
		return 0, fmt.Errorf("failed to reset game state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit next round: %w", err)
	}

	s.log.Info("store: started new round", "round_id", roundID, "deadline", deadline)
	return roundID, nil
}

// TopPushers returns up to n distinct payer addresses for a round, ranked by
// their most recent push. The ranking is derived from the accept-time
// sequence on the push log, never from the last_pushers cache.
func (s *Store) TopPushers(ctx context.Context, roundID int64, n int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payer_address
		FROM (
			SELECT payer_address, MAX(seq) AS last_seq
			FROM pushes
			WHERE round_id = $1
			GROUP BY payer_address
		) ranked
		ORDER BY last_seq DESC
		LIMIT $2
	`, roundID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query top pushers for round %d: %w", roundID, err)
	}
	defer rows.Close()

	var pushers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan pusher: %w", err)
		}
		pushers = append(pushers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pushers: %w", err)
	}
	return pushers, nil
}

// Pushes returns the push log for a round in accept order, oldest first.
func (s *Store) Pushes(ctx context.Context, roundID int64) ([]PushRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT signature, seq, round_id, payer_address, amount, source, observed_at
		FROM pushes
		WHERE round_id = $1
		ORDER BY seq ASC
	`, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pushes for round %d: %w", roundID, err)
	}
	defer rows.Close()

	var pushes []PushRecord
	for rows.Next() {
		var p PushRecord
		if err := rows.Scan(&p.Signature, &p.Seq, &p.RoundID, &p.PayerAddress, &p.Amount, &p.Source, &p.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan push: %w", err)
		}
		pushes = append(pushes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pushes: %w", err)
	}
	return pushes, nil
}

// EnsureDisbursement records payout intent for a recipient before any funds
// move. On conflict it returns the existing record unchanged, so a resumed
// payout sees which recipients were already handled.
func (s *Store) EnsureDisbursement(ctx context.Context, roundID int64, recipient string, kind DisbursementKind, rank int16, amount int64) (*Disbursement, error) {
	var d Disbursement
	err := s.pool.QueryRow(ctx, `
		INSERT INTO disbursements (id, round_id, recipient, kind, rank, amount)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (round_id, recipient, kind) DO UPDATE SET updated_at = now()
		RETURNING id, round_id, recipient, kind, rank, amount, status, COALESCE(tx_signature, ''), COALESCE(last_error, ''), created_at, updated_at
	`, uuid.New(), roundID, recipient, kind, rank, amount).Scan(
		&d.ID, &d.RoundID, &d.Recipient, &d.Kind, &d.Rank, &d.Amount, &d.Status, &d.TxSignature, &d.LastError, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure disbursement for %s: %w", recipient, err)
	}
	return &d, nil
}

// MarkDisbursementSent records a successful send with its transaction
// signature.
func (s *Store) MarkDisbursementSent(ctx context.Context, id uuid.UUID, txSignature string) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE disbursements SET status = 'sent', tx_signature = $2, updated_at = now() WHERE id = $1
	`, id, txSignature); err != nil {
		return fmt.Errorf("failed to mark disbursement %s sent: %w", id, err)
	}
	return nil
}

// MarkDisbursementFailed records a failed send for manual reconciliation.
func (s *Store) MarkDisbursementFailed(ctx context.Context, id uuid.UUID, sendErr string) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE disbursements SET status = 'failed', last_error = $2, updated_at = now() WHERE id = $1
	`, id, sendErr); err != nil {
		return fmt.Errorf("failed to mark disbursement %s failed: %w", id, err)
	}
	return nil
}

// Disbursements lists the disbursement records for a round in rank order.
func (s *Store) Disbursements(ctx context.Context, roundID int64) ([]Disbursement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, round_id, recipient, kind, rank, amount, status, COALESCE(tx_signature, ''), COALESCE(last_error, ''), created_at, updated_at
		FROM disbursements
		WHERE round_id = $1
		ORDER BY kind, rank
	`, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to query disbursements for round %d: %w", roundID, err)
	}
	defer rows.Close()

	var ds []Disbursement
	for rows.Next() {
		var d Disbursement
		if err := rows.Scan(&d.ID, &d.RoundID, &d.Recipient, &d.Kind, &d.Rank, &d.Amount, &d.Status, &d.TxSignature, &d.LastError, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan disbursement: %w", err)
		}
		ds = append(ds, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate disbursements: %w", err)
	}
	return ds, nil
}
