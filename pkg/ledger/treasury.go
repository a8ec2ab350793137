package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	solanarpc "github.com/gagliardetto/solana-go/rpc"

	"github.com/Al3Xoni/OpenClawEffect/pkg/retry"
)

// TreasuryRPC wraps the solana-go RPC client methods used for settlement.
type TreasuryRPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
}

type TreasuryConfig struct {
	Logger *slog.Logger
	RPC    TreasuryRPC
	Key    solana.PrivateKey
}

func (cfg *TreasuryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("solana rpc is required")
	}
	if len(cfg.Key) == 0 {
		return errors.New("treasury key is required")
	}
	return nil
}

// Treasury reads the settlement-time balance of the treasury account and
// submits disbursement transfers signed with the treasury key. Sends carry
// no ledger-level idempotency key, so callers record intent before and
// outcome after each send and never retry automatically.
type Treasury struct {
	log    *slog.Logger
	cfg    TreasuryConfig
	pubkey solana.PublicKey
}

func NewTreasury(cfg TreasuryConfig) (*Treasury, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Treasury{log: cfg.Logger, cfg: cfg, pubkey: cfg.Key.PublicKey()}, nil
}

func (t *Treasury) PublicKey() solana.PublicKey {
	return t.pubkey
}

// Balance returns the treasury's lamport balance at finalized commitment.
// The read is idempotent, so transient RPC failures are retried.
func (t *Treasury) Balance(ctx context.Context) (int64, error) {
	res, err := retry.Do(ctx, retry.DefaultConfig(), func() (*solanarpc.GetBalanceResult, error) {
		return t.cfg.RPC.GetBalance(ctx, t.pubkey, solanarpc.CommitmentFinalized)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch treasury balance: %w", err)
	}
	return int64(res.Value), nil
}

// Send submits one system transfer from the treasury to the recipient and
// returns the transaction signature.
func (t *Treasury) Send(ctx context.Context, to string, lamports int64) (string, error) {
	if lamports <= 0 {
		return "", fmt.Errorf("invalid transfer amount %d", lamports)
	}
	recipient, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("invalid recipient address %q: %w", to, err)
	}

	// The blockhash fetch is retried; the send itself never is, because a
	// transfer carries no idempotency key.
	blockhash, err := retry.Do(ctx, retry.DefaultConfig(), func() (*solanarpc.GetLatestBlockhashResult, error) {
		return t.cfg.RPC.GetLatestBlockhash(ctx, solanarpc.CommitmentFinalized)
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch blockhash: %w", err)
	}

	ix := system.NewTransferInstruction(uint64(lamports), t.pubkey, recipient).Build()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		blockhash.Value.Blockhash,
		solana.TransactionPayer(t.pubkey),
	)
	if err != nil {
		return "", fmt.Errorf("failed to build transfer: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(t.pubkey) {
			return &t.cfg.Key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to sign transfer: %w", err)
	}

	sig, err := t.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: solanarpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send transfer: %w", err)
	}

	t.log.Info("treasury: transfer sent", "to", to, "lamports", lamports, "signature", sig.String())
	return sig.String(), nil
}
