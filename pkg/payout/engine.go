// Package payout computes the prize split for an expired round and executes
// the disbursement sequence with per-recipient completion tracking, so a
// resumed payout never double-sends.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Al3Xoni/OpenClawEffect/pkg/game"
	"github.com/Al3Xoni/OpenClawEffect/pkg/metrics"
)

// ErrAlreadyResolved is returned when Resolve is invoked on a round that is
// no longer in processing_payout.
var ErrAlreadyResolved = errors.New("round already resolved")

// Winner share percentages, most-recent pusher first. The remainder of the
// distributable pot, including unclaimed shares when fewer than three
// distinct pushers exist, goes to the residual address.
var winnerShares = []int64{30, 20, 10}

// DefaultFeeBuffer is the lamport reserve kept for transaction fees when
// computing the distributable pot.
const DefaultFeeBuffer = 5_000_000

// Store is the subset of the round state store the engine uses.
type Store interface {
	Round(ctx context.Context, id int64) (*game.Round, error)
	TopPushers(ctx context.Context, roundID int64, n int) ([]string, error)
	EnsureDisbursement(ctx context.Context, roundID int64, recipient string, kind game.DisbursementKind, rank int16, amount int64) (*game.Disbursement, error)
	MarkDisbursementSent(ctx context.Context, id uuid.UUID, txSignature string) error
	MarkDisbursementFailed(ctx context.Context, id uuid.UUID, sendErr string) error
	Disbursements(ctx context.Context, roundID int64) ([]game.Disbursement, error)
}

// Treasury is the settlement surface: the real on-chain balance and the
// disbursement submitter.
type Treasury interface {
	Balance(ctx context.Context) (int64, error)
	Send(ctx context.Context, to string, lamports int64) (string, error)
}

type EngineConfig struct {
	Logger          *slog.Logger
	Store           Store
	Treasury        Treasury
	ResidualAddress string
	FeeBuffer       int64
}

func (cfg *EngineConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Treasury == nil {
		return errors.New("treasury is required")
	}
	if cfg.ResidualAddress == "" {
		return errors.New("residual address is required")
	}
	if cfg.FeeBuffer <= 0 {
		cfg.FeeBuffer = DefaultFeeBuffer
	}
	return nil
}

// Settlement is the outcome of resolving one round.
type Settlement struct {
	RoundID     int64
	TotalPot    int64
	Winners     []string
	SentCount   int
	FailedCount int
}

// WinnerAddress returns the top-ranked winner, or empty when the round had
// no pushes.
func (s *Settlement) WinnerAddress() string {
	if len(s.Winners) == 0 {
		return ""
	}
	return s.Winners[0]
}

// Engine resolves rounds: ranks winners from the persisted push log, splits
// the settlement-time pot, and submits one transfer per recipient. Sends are
// best-effort and at-least-once; a failed send is recorded and never rolls
// back or blocks the others.
type Engine struct {
	log *slog.Logger
	cfg EngineConfig
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

type plannedDisbursement struct {
	recipient string
	kind      game.DisbursementKind
	rank      int16
	amount    int64
}

// Resolve executes the payout for a round in processing_payout. The full
// plan is recorded as disbursement intents before the first transfer goes
// out, so a crash mid-payout resumes from the recorded amounts instead of
// re-deriving a split from a balance the earlier sends already drained.
// Recipients already marked sent are skipped, recipients marked failed stay
// failed for manual reconciliation. Once the round leaves processing_payout
// it refuses to run.
func (e *Engine) Resolve(ctx context.Context, roundID int64) (*Settlement, error) {
	start := time.Now()
	defer func() {
		metrics.PayoutDuration.Observe(time.Since(start).Seconds())
	}()

	round, err := e.cfg.Store.Round(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to load round %d: %w", roundID, err)
	}
	if round.Status != game.RoundProcessingPayout {
		return nil, fmt.Errorf("%w: round %d is %s", ErrAlreadyResolved, roundID, round.Status)
	}

	recorded, err := e.cfg.Store.Disbursements(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to load recorded disbursements: %w", err)
	}

	var settlement *Settlement
	var records []*game.Disbursement
	if planRecorded(recorded) {
		settlement, records = e.recordedPlan(roundID, recorded)
		e.log.Info("payout: resuming recorded plan", "round_id", roundID, "recipients", len(records))
	} else {
		settlement, records, err = e.planAndRecord(ctx, roundID)
		if err != nil {
			return nil, err
		}
	}

	for _, rec := range records {
		if err := e.disburse(ctx, roundID, rec, settlement); err != nil {
			return nil, err
		}
	}

	e.log.Info("payout: round resolved",
		"round_id", roundID, "total_pot", settlement.TotalPot, "winners", len(settlement.Winners),
		"sent", settlement.SentCount, "failed", settlement.FailedCount)
	return settlement, nil
}

// planRecorded reports whether a previous run got the whole plan on record.
// The residual intent is written last, so its presence means every
// recipient's amount was recorded before any transfer went out.
func planRecorded(recorded []game.Disbursement) bool {
	for _, d := range recorded {
		if d.Kind == game.DisbursementResidual {
			return true
		}
	}
	return false
}

// recordedPlan rebuilds the settlement from recorded intents. The recorded
// amounts are authoritative: the live balance already reflects whatever the
// interrupted run managed to send.
func (e *Engine) recordedPlan(roundID int64, recorded []game.Disbursement) (*Settlement, []*game.Disbursement) {
	settlement := &Settlement{RoundID: roundID}

	var planTotal int64
	winners := make([]*game.Disbursement, 0, len(winnerShares))
	var residuals []*game.Disbursement
	for i := range recorded {
		d := &recorded[i]
		planTotal += d.Amount
		if d.Kind == game.DisbursementWinner {
			// Rank order within a kind comes from the store query.
			winners = append(winners, d)
		} else {
			residuals = append(residuals, d)
		}
	}
	for _, d := range winners {
		settlement.Winners = append(settlement.Winners, d.Recipient)
	}
	settlement.TotalPot = planTotal + e.cfg.FeeBuffer

	return settlement, append(winners, residuals...)
}

// planAndRecord computes the split from the settlement-time balance and
// records an intent for every recipient before any transfer happens.
func (e *Engine) planAndRecord(ctx context.Context, roundID int64) (*Settlement, []*game.Disbursement, error) {
	balance, err := e.cfg.Treasury.Balance(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read settlement balance: %w", err)
	}

	settlement := &Settlement{RoundID: roundID, TotalPot: balance}

	winners, err := e.cfg.Store.TopPushers(ctx, roundID, len(winnerShares))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to rank winners: %w", err)
	}
	settlement.Winners = winners

	distributable := balance - e.cfg.FeeBuffer
	if distributable <= 0 {
		e.log.Info("payout: nothing to distribute", "round_id", roundID, "balance", balance, "fee_buffer", e.cfg.FeeBuffer)
		return settlement, nil, nil
	}

	plan := make([]plannedDisbursement, 0, len(winners)+1)
	var distributed int64
	for i, w := range winners {
		amount := distributable * winnerShares[i] / 100
		if amount <= 0 {
			continue
		}
		plan = append(plan, plannedDisbursement{
			recipient: w,
			kind:      game.DisbursementWinner,
			rank:      int16(i + 1),
			amount:    amount,
		})
		distributed += amount
	}
	// The residual goes out even when nobody pushed; only the winner shares
	// depend on the push log. It takes the remaining ~40% plus any unclaimed
	// winner shares.
	if residual := distributable - distributed; residual > 0 {
		plan = append(plan, plannedDisbursement{
			recipient: e.cfg.ResidualAddress,
			kind:      game.DisbursementResidual,
			amount:    residual,
		})
	}

	records := make([]*game.Disbursement, 0, len(plan))
	for _, p := range plan {
		rec, err := e.cfg.Store.EnsureDisbursement(ctx, roundID, p.recipient, p.kind, p.rank, p.amount)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to record disbursement intent: %w", err)
		}
		records = append(records, rec)
	}
	return settlement, records, nil
}

func (e *Engine) disburse(ctx context.Context, roundID int64, rec *game.Disbursement, settlement *Settlement) error {
	switch rec.Status {
	case game.DisbursementSent:
		// Resumed payout; this transfer already happened.
		settlement.SentCount++
		return nil
	case game.DisbursementFailed:
		// Recorded for reconciliation; never retried automatically.
		settlement.FailedCount++
		return nil
	}

	sig, err := e.cfg.Treasury.Send(ctx, rec.Recipient, rec.Amount)
	if err != nil {
		settlement.FailedCount++
		metrics.DisbursementsTotal.WithLabelValues(string(game.DisbursementFailed)).Inc()
		e.log.Error("payout: disbursement failed",
			"round_id", roundID, "recipient", rec.Recipient, "amount", rec.Amount, "error", err)
		if markErr := e.cfg.Store.MarkDisbursementFailed(ctx, rec.ID, err.Error()); markErr != nil {
			return fmt.Errorf("failed to record disbursement failure: %w", markErr)
		}
		return nil
	}

	settlement.SentCount++
	metrics.DisbursementsTotal.WithLabelValues(string(game.DisbursementSent)).Inc()
	if err := e.cfg.Store.MarkDisbursementSent(ctx, rec.ID, sig); err != nil {
		return fmt.Errorf("failed to record disbursement outcome: %w", err)
	}
	return nil
}
