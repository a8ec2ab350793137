// Package game holds the authoritative round state for the push game: the
// singleton game state row, the per-round records, the append-only push log,
// and the per-recipient disbursement records written during payout. All
// cross-writer contention is resolved here, at the database.
package game

import (
	"time"

	"github.com/google/uuid"
)

// RoundStatus is the lifecycle state of a round. Transitions are monotonic:
// active -> processing_payout -> {completed, error}.
type RoundStatus string

const (
	RoundActive           RoundStatus = "active"
	RoundProcessingPayout RoundStatus = "processing_payout"
	RoundCompleted        RoundStatus = "completed"
	RoundError            RoundStatus = "error"
)

// PushSource identifies which ingestion channel reported a push.
type PushSource string

const (
	SourceWebhook      PushSource = "webhook"
	SourceClientVerify PushSource = "client_verify"
)

// LastPushersCap bounds the recent-pusher cache on the game state row. The
// cache is for the UI only; payout ranking reads the push log.
const LastPushersCap = 10

// State is the singleton game state. Exactly one row exists.
type State struct {
	CurrentRoundID  int64
	TimerDeadline   time.Time
	PushCount       int64
	LastPushers     []string
	TreasuryBalance int64
	UpdatedAt       time.Time
}

// Round is one play cycle from timer start to payout resolution.
type Round struct {
	ID            int64
	Status        RoundStatus
	TotalPot      int64
	WinnerAddress string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// PushRecord is one accepted push. The on-chain transaction signature is the
// natural key and the idempotency key: the same transaction counts at most
// once no matter how many times it is reported. Seq records the accept-time
// total order used for payout ranking.
type PushRecord struct {
	Signature    string
	Seq          int64
	RoundID      int64
	PayerAddress string
	Amount       int64
	Source       PushSource
	ObservedAt   time.Time
}

// DisbursementKind distinguishes winner shares from the operator residual.
type DisbursementKind string

const (
	DisbursementWinner   DisbursementKind = "winner"
	DisbursementResidual DisbursementKind = "residual"
)

// DisbursementStatus tracks per-recipient payout completion. A failed
// disbursement is never retried automatically; it is reconciled out-of-band.
type DisbursementStatus string

const (
	DisbursementPending DisbursementStatus = "pending"
	DisbursementSent    DisbursementStatus = "sent"
	DisbursementFailed  DisbursementStatus = "failed"
)

// Disbursement is one planned or executed treasury transfer for a resolved
// round, unique per (round, recipient, kind).
type Disbursement struct {
	ID          uuid.UUID
	RoundID     int64
	Recipient   string
	Kind        DisbursementKind
	Rank        int16
	Amount      int64
	Status      DisbursementStatus
	TxSignature string
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
