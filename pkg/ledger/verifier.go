// Package ledger wraps the Solana RPC surface the coordinator consumes: push
// verification against finalized chain state and treasury disbursement
// submission.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
)

// Verification rejection verdicts. Wrong-recipient and wrong-mint are final;
// not-found and not-finalized are retried within the verifier's budget
// because the transaction may simply not be visible yet.
var (
	ErrNotFound       = errors.New("transaction not found")
	ErrNotFinalized   = errors.New("transaction not finalized")
	ErrWrongRecipient = errors.New("no token transfer to treasury")
	ErrWrongMint      = errors.New("no treasury transfer for expected mint")
)

// SolanaRPC wraps the solana-go RPC client methods used by the verifier.
type SolanaRPC interface {
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error)
}

// VerifiedPush is the canonical extraction from a confirmed push
// transaction.
type VerifiedPush struct {
	Signature string
	Payer     string
	Amount    int64
	Slot      uint64
	BlockTime time.Time
}

type VerifierConfig struct {
	Logger        *slog.Logger
	Clock         clockwork.Clock
	RPC           SolanaRPC
	Treasury      solana.PublicKey
	Mint          solana.PublicKey
	RetryAttempts int
	RetryInterval time.Duration
}

func (cfg *VerifierConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("solana rpc is required")
	}
	if cfg.Treasury.IsZero() {
		return errors.New("treasury address is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("mint is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 6
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	return nil
}

// Verifier confirms that a reported transaction is finalized on chain and
// actually delivers the expected token to the treasury, and extracts the
// payer and amount. It never touches game state; callers verify before any
// state mutation so a slow RPC round-trip cannot hold the store lock.
type Verifier struct {
	log *slog.Logger
	cfg VerifierConfig
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Verifier{log: cfg.Logger, cfg: cfg}, nil
}

// Verify checks the transaction with a bounded retry budget. Transport
// errors, not-found and not-yet-finalized results are retried; negative
// verdicts about the transfer itself are returned immediately.
func (v *Verifier) Verify(ctx context.Context, signature string) (*VerifiedPush, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		// A malformed signature can never appear on chain.
		return nil, fmt.Errorf("%w: invalid signature encoding: %v", ErrNotFound, err)
	}

	var lastErr error
	for attempt := 1; attempt <= v.cfg.RetryAttempts; attempt++ {
		push, err := v.verifyOnce(ctx, sig)
		if err == nil {
			return push, nil
		}
		if errors.Is(err, ErrWrongRecipient) || errors.Is(err, ErrWrongMint) {
			return nil, err
		}
		lastErr = err

		if attempt == v.cfg.RetryAttempts {
			break
		}
		v.log.Debug("verifier: retrying", "signature", signature, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("verification cancelled: %w", ctx.Err())
		case <-v.cfg.Clock.After(v.cfg.RetryInterval):
		}
	}

	if errors.Is(lastErr, ErrNotFound) || errors.Is(lastErr, ErrNotFinalized) {
		return nil, lastErr
	}
	// Transport kept failing; the retry budget is spent, so the caller
	// treats the push as not found.
	return nil, fmt.Errorf("%w: giving up after %d attempts: %v", ErrNotFound, v.cfg.RetryAttempts, lastErr)
}

func (v *Verifier) verifyOnce(ctx context.Context, sig solana.Signature) (*VerifiedPush, error) {
	statuses, err := v.cfg.RPC.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signature status: %w", err)
	}
	if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return nil, ErrNotFound
	}
	status := statuses.Value[0]
	if status.Err != nil {
		// The transaction landed but failed; nothing was transferred.
		return nil, fmt.Errorf("%w: transaction failed on chain", ErrNotFound)
	}
	if status.ConfirmationStatus != solanarpc.ConfirmationStatusFinalized {
		return nil, ErrNotFinalized
	}

	res, err := v.cfg.RPC.GetTransaction(ctx, sig, &solanarpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     solanarpc.CommitmentFinalized,
		MaxSupportedTransactionVersion: &solanarpc.MaxSupportedTransactionVersion0,
	})
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	if res == nil || res.Meta == nil || res.Transaction == nil {
		return nil, ErrNotFound
	}

	amount, err := v.treasuryDelta(res.Meta)
	if err != nil {
		return nil, err
	}

	decoded, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	if len(decoded.Message.AccountKeys) == 0 {
		return nil, fmt.Errorf("%w: transaction has no account keys", ErrNotFound)
	}

	push := &VerifiedPush{
		Signature: sig.String(),
		// The fee payer is the pusher.
		Payer:  decoded.Message.AccountKeys[0].String(),
		Amount: amount,
		Slot:   res.Slot,
	}
	if res.BlockTime != nil {
		push.BlockTime = res.BlockTime.Time()
	}
	return push, nil
}

// treasuryDelta computes how much of the expected mint the treasury gained
// in the transaction, from the pre/post token balances.
func (v *Verifier) treasuryDelta(meta *solanarpc.TransactionMeta) (int64, error) {
	treasury := v.cfg.Treasury

	ownedByTreasury := 0
	var post, pre int64
	found := false
	for _, b := range meta.PostTokenBalances {
		if b.Owner == nil || !b.Owner.Equals(treasury) {
			continue
		}
		ownedByTreasury++
		if !b.Mint.Equals(v.cfg.Mint) {
			continue
		}
		amt, err := parseTokenAmount(b.UiTokenAmount)
		if err != nil {
			return 0, err
		}
		post = amt
		found = true
	}
	if ownedByTreasury == 0 {
		return 0, ErrWrongRecipient
	}
	if !found {
		return 0, ErrWrongMint
	}

	for _, b := range meta.PreTokenBalances {
		if b.Owner == nil || !b.Owner.Equals(treasury) || !b.Mint.Equals(v.cfg.Mint) {
			continue
		}
		amt, err := parseTokenAmount(b.UiTokenAmount)
		if err != nil {
			return 0, err
		}
		pre = amt
	}

	delta := post - pre
	if delta <= 0 {
		return 0, ErrWrongRecipient
	}
	return delta, nil
}

func parseTokenAmount(ta *solanarpc.UiTokenAmount) (int64, error) {
	if ta == nil {
		return 0, fmt.Errorf("token balance has no amount")
	}
	amt, err := strconv.ParseInt(ta.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token amount %q: %w", ta.Amount, err)
	}
	return amt, nil
}
