// Package ingest normalizes push reports from the webhook stream and the
// client verify call into canonical push events, deduplicated by transaction
// signature.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Al3Xoni/OpenClawEffect/pkg/game"
	"github.com/Al3Xoni/OpenClawEffect/pkg/ledger"
	"github.com/Al3Xoni/OpenClawEffect/pkg/metrics"
)

// Status is the caller-visible outcome of a push submission.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
)

// Rejection reasons surfaced to callers.
const (
	ReasonInvalidSignature = "invalid_signature"
	ReasonInvalidSource    = "invalid_source"
	ReasonNotFound         = "not_found"
	ReasonNotFinalized     = "not_finalized"
	ReasonWrongRecipient   = "wrong_recipient"
	ReasonWrongMint        = "wrong_mint"
)

// Submission is one reported push, before verification. Claimed fields come
// from the reporting channel and are advisory only; the verifier's
// extraction is authoritative for payer and amount.
type Submission struct {
	Signature     string
	ClaimedPayer  string
	ClaimedAmount int64
	Source        game.PushSource
}

// Result is the outcome of a submission. Reason is set only for rejections.
type Result struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Verifier confirms a transaction on chain and extracts the canonical push.
type Verifier interface {
	Verify(ctx context.Context, signature string) (*ledger.VerifiedPush, error)
}

// Store is the subset of the round state store the gateway writes through.
type Store interface {
	HasPush(ctx context.Context, signature string) (bool, error)
	ApplyPush(ctx context.Context, payer string, amount int64, signature string, source game.PushSource, observedAt, deadline time.Time) (bool, error)
}

type GatewayConfig struct {
	Logger         *slog.Logger
	Clock          clockwork.Clock
	Store          Store
	Verifier       Verifier
	TimerIncrement time.Duration
}

func (cfg *GatewayConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Verifier == nil {
		return errors.New("verifier is required")
	}
	if cfg.TimerIncrement <= 0 {
		return errors.New("timer increment must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Gateway converts reported transactions into at-most-once push events.
// Verification happens before the state mutation, never inside it, so a slow
// RPC cannot stall unrelated pushes or the scheduler.
type Gateway struct {
	log *slog.Logger
	cfg GatewayConfig
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gateway{log: cfg.Logger, cfg: cfg}, nil
}

// SubmitPush runs the full ingestion pipeline for one reported transaction:
// idempotency pre-check, on-chain verification, then the atomic state
// transition. The insert conflict inside ApplyPush is the final authority on
// duplicates, so two concurrent submissions of the same signature still
// count once.
func (g *Gateway) SubmitPush(ctx context.Context, sub Submission) (Result, error) {
	if sub.Signature == "" {
		return g.done(sub, Result{Status: StatusRejected, Reason: ReasonInvalidSignature}), nil
	}
	if sub.Source != game.SourceWebhook && sub.Source != game.SourceClientVerify {
		return g.done(sub, Result{Status: StatusRejected, Reason: ReasonInvalidSource}), nil
	}

	exists, err := g.cfg.Store.HasPush(ctx, sub.Signature)
	if err != nil {
		return Result{}, fmt.Errorf("failed to check for duplicate push: %w", err)
	}
	if exists {
		return g.done(sub, Result{Status: StatusDuplicate}), nil
	}

	push, err := g.cfg.Verifier.Verify(ctx, sub.Signature)
	if err != nil {
		reason, ok := rejectionReason(err)
		if !ok {
			return Result{}, fmt.Errorf("failed to verify push %s: %w", sub.Signature, err)
		}
		metrics.VerifierAttemptsTotal.WithLabelValues(reason).Inc()
		g.log.Info("gateway: push rejected", "signature", sub.Signature, "source", sub.Source, "reason", reason)
		return g.done(sub, Result{Status: StatusRejected, Reason: reason}), nil
	}
	metrics.VerifierAttemptsTotal.WithLabelValues("verified").Inc()

	if sub.ClaimedPayer != "" && sub.ClaimedPayer != push.Payer {
		g.log.Warn("gateway: claimed payer differs from verified payer",
			"signature", sub.Signature, "claimed", sub.ClaimedPayer, "verified", push.Payer)
	}

	now := g.cfg.Clock.Now()
	applied, err := g.cfg.Store.ApplyPush(ctx, push.Payer, push.Amount, push.Signature, sub.Source, now, now.Add(g.cfg.TimerIncrement))
	if err != nil {
		return Result{}, fmt.Errorf("failed to apply push %s: %w", sub.Signature, err)
	}
	if !applied {
		return g.done(sub, Result{Status: StatusDuplicate}), nil
	}

	g.log.Info("gateway: push accepted",
		"signature", sub.Signature, "payer", push.Payer, "amount", push.Amount, "source", sub.Source)
	return g.done(sub, Result{Status: StatusAccepted}), nil
}

func (g *Gateway) done(sub Submission, res Result) Result {
	result := string(res.Status)
	if res.Reason != "" {
		result = res.Reason
	}
	metrics.PushSubmissionsTotal.WithLabelValues(string(sub.Source), result).Inc()
	return res
}

// rejectionReason maps verifier verdicts to caller-visible reasons. Errors
// that are not verdicts (store or transport failures that escaped the retry
// budget classification) are surfaced as errors instead.
func rejectionReason(err error) (string, bool) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return ReasonNotFound, true
	case errors.Is(err, ledger.ErrNotFinalized):
		return ReasonNotFinalized, true
	case errors.Is(err, ledger.ErrWrongRecipient):
		return ReasonWrongRecipient, true
	case errors.Is(err, ledger.ErrWrongMint):
		return ReasonWrongMint, true
	default:
		return "", false
	}
}
