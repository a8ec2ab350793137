package game_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Al3Xoni/OpenClawEffect/pkg/game"
)

func TestStore_Bootstrap_Idempotent(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := t.Context()
	deadline := time.Now().Add(30 * time.Minute).UTC()

	require.NoError(t, store.Bootstrap(ctx, deadline))
	state, err := store.State(ctx)
	require.NoError(t, err)
	firstRound := state.CurrentRoundID

	// Second bootstrap must not create another round or touch the deadline.
	require.NoError(t, store.Bootstrap(ctx, deadline.Add(time.Hour)))
	state, err = store.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, firstRound, state.CurrentRoundID)
	assert.WithinDuration(t, deadline, state.TimerDeadline, time.Second)

	round, err := store.Round(ctx, firstRound)
	require.NoError(t, err)
	assert.Equal(t, game.RoundActive, round.Status)
}

func TestStore_ApplyPush_UpdatesState(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := t.Context()
	require.NoError(t, store.Bootstrap(ctx, time.Now().Add(time.Minute)))

	deadline := time.Now().Add(30 * time.Minute).UTC()
	applied, err := store.ApplyPush(ctx, "wallet-a", 1000, "sig-1", game.SourceWebhook, time.Now().UTC(), deadline)
	require.NoError(t, err)
	assert.True(t, applied)

	state, err := store.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.PushCount)
	assert.Equal(t, []string{"wallet-a"}, state.LastPushers)
	assert.Equal(t, int64(1000), state.TreasuryBalance)
	assert.WithinDuration(t, deadline, state.TimerDeadline, time.Second)
}

func TestStore_ApplyPush_DuplicateSignatureIsNoOp(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := t.Context()
	require.NoError(t, store.Bootstrap(ctx, time.Now().Add(time.Minute)))

	deadline := time.Now().Add(30 * time.Minute).UTC()
	applied, err := store.ApplyPush(ctx, "wallet-a", 1000, "sig-dup", game.SourceWebhook, time.Now().UTC(), deadline)
	require.NoError(t, err)
	require.True(t, applied)

	// Same signature from the other channel: rejected, state untouched.
	applied, err = store.ApplyPush(ctx, "wallet-a", 1000, "sig-dup", game.SourceClientVerify, time.Now().UTC(), deadline.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, applied)

	state, err := store.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.PushCount)
	assert.Equal(t, int64(1000), state.TreasuryBalance)
	assert.WithinDuration(t, deadline, state.TimerDeadline, time.Second)

	pushes, err := store.Pushes(ctx, state.CurrentRoundID)
	require.NoError(t, err)
	require.Len(t, pushes, 1)
	assert.Equal(t, game.SourceWebhook, pushes[0].Source)
}

func TestStore_ApplyPush_ConcurrentSameSignature(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := t.Context()
	require.NoError(t, store.Bootstrap(ctx, time.Now().Add(time.Minute)))

	const workers = 50
	deadline := time.Now().Add(30 * time.Minute).UTC()

	var wg sync.WaitGroup
	results := make(chan bool, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := store.ApplyPush(ctx, "wallet-a", 500, "sig-race", game.SourceWebhook, time.Now().UTC(), deadline)
			if err != nil {
				errs <- err
				return
			}
			results <- applied
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	appliedCount := 0
	for applied := range results {
		if applied {
			appliedCount++
		}
	}
	assert.Equal(t, 1, appliedCount, "exactly one writer should win")

	state, err := store.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.PushCount)
	assert.Equal(t, int64(500), state.TreasuryBalance)
}

func TestStore_ApplyPush_LastPushersCapped(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := t.Context()
	require.NoError(t, store.Bootstrap(ctx, time.Now().Add(time.Minute)))

	deadline := time.Now().Add(30 * time.Minute).UTC()
	for i := 0; i < game.LastPushersCap+5; i++ {
		_, err := store.ApplyPush(ctx,
			fmt.Sprintf("wallet-%d", i), 100, fmt.Sprintf("sig-%d", i),
			game.SourceWebhook, time.Now().UTC(), deadline)
		require.NoError(t, err)
	}

	state, err := store.State(ctx)
	require.NoError(t, err)
	require.Len(t, state.LastPushers, game.LastPushersCap)
	// Most recent first.
	assert.Equal(t, fmt.Sprintf("wallet-%d", game.LastPushersCap+4), state.LastPushers[0])
}

func TestStore_BeginPayout_ExactlyOneWinner(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := t.Context()
	require.NoError(t, store.Bootstrap(ctx, time.Now().Add(time.Minute)))
	state, err := store.State(ctx)
	require.NoError(t, err)

	const racers = 20
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.BeginPayout(ctx, state.CurrentRoundID)
			assert.NoError(t, err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winCount := 0
	for won := range wins {
		if won {
			winCount++
		}
	}
	assert.Equal(t, 1, winCount)

	round, err := store.Round(ctx, state.CurrentRoundID)
	require.NoError(t, err)
	assert.Equal(t, game.RoundProcessingPayout, round.Status)
}

func TestStore_CompleteRound_RequiresProcessing(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := t.Context()
	require.NoError(t, store.Bootstrap(ctx, time.Now().Add(time.Minute)))
	state, err := store.State(ctx)
	require.NoError(t, err)
	roundID := state.CurrentRoundID

	// Still active: completion must be refused.
	err = store.CompleteRound(ctx, roundID, 9000, "wallet-a")
	require.ErrorIs(t, err, game.ErrRoundNotProcessing)

	won, err := store.BeginPayout(ctx, roundID)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, store.CompleteRound(ctx, roundID, 9000, "wallet-a"))
	round, err := store.Round(ctx, roundID)
	require.NoError(t, err)
	assert.Equal(t, game.RoundCompleted, round.Status)
	assert.Equal(t, int64(9000), round.TotalPot)
	assert.Equal(t, "wallet-a", round.WinnerAddress)
	assert.NotNil(t, round.ResolvedAt)

	// Terminal: a second completion is refused.
	err = store.CompleteRound(ctx, roundID, 1, "wallet-b")
	require.ErrorIs(t, err, game.ErrRoundNotProcessing)
}

func TestStore_FailRound(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := t.Context()
	require.NoError(t, store.Bootstrap(ctx, time.Now().Add(time.Minute)))
	state, err := store.State(ctx)
	require.NoError(t, err)

	won, err := store.BeginPayout(ctx, state.CurrentRoundID)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, store.FailRound(ctx, state.CurrentRoundID))
	round, err := store.Round(ctx, state.CurrentRoundID)
	require.NoError(t, err)
	assert.Equal(t, game.RoundError, round.Status)

	require.ErrorIs(t, store.FailRound(ctx, state.CurrentRoundID), game.ErrRoundNotProcessing)
}

func TestStore_StartNextRound_ResetsState(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := t.Context()
	require.NoError(t, store.Bootstrap(ctx, time.Now().Add(time.Minute)))

	_, err := store.ApplyPush(ctx, "wallet-a", 1000, "sig-1", game.SourceWebhook, time.Now().UTC(), time.Now().Add(time.Minute))
	require.NoError(t, err)

	prev, err := store.State(ctx)
	require.NoError(t, err)

	deadline := time.Now().Add(30 * time.Minute).UTC()
	nextID, err := store.StartNextRound(ctx, deadline)
	require.NoError(t, err)
	assert.NotEqual(t, prev.CurrentRoundID, nextID)

	state, err := store.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, nextID, state.CurrentRoundID)
	assert.Equal(t, int64(0), state.PushCount)
	assert.Empty(t, state.LastPushers)
	assert.Equal(t, int64(0), state.TreasuryBalance)
	assert.WithinDuration(t, deadline, state.TimerDeadline, time.Second)

	// The still-active previous round was closed out, not orphaned.
	prevRound, err := store.Round(ctx, prev.CurrentRoundID)
	require.NoError(t, err)
	assert.Equal(t, game.RoundCompleted, prevRound.Status)
}

func TestStore_TopPushers_DistinctByRecency(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := t.Context()
	require.NoError(t, store.Bootstrap(ctx, time.Now().Add(time.Minute)))
	state, err := store.State(ctx)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Minute)
	// Push order: A, B, C, A — A's latest push outranks C's.
	for i, payer := range []string{"wallet-a", "wallet-b", "wallet-c", "wallet-a"} {
		_, err := store.ApplyPush(ctx, payer, 100, fmt.Sprintf("sig-%d", i), game.SourceWebhook, time.Now().UTC(), deadline)
		require.NoError(t, err)
	}

	pushers, err := store.TopPushers(ctx, state.CurrentRoundID, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"wallet-a", "wallet-c", "wallet-b"}, pushers)

	// Fewer pushers than requested is not an error.
	pushers, err = store.TopPushers(ctx, state.CurrentRoundID, 10)
	require.NoError(t, err)
	assert.Len(t, pushers, 3)
}

func TestStore_Disbursements_EnsureIsIdempotent(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := t.Context()
	require.NoError(t, store.Bootstrap(ctx, time.Now().Add(time.Minute)))
	state, err := store.State(ctx)
	require.NoError(t, err)
	roundID := state.CurrentRoundID

	d, err := store.EnsureDisbursement(ctx, roundID, "wallet-a", game.DisbursementWinner, 1, 3000)
	require.NoError(t, err)
	assert.Equal(t, game.DisbursementPending, d.Status)

	require.NoError(t, store.MarkDisbursementSent(ctx, d.ID, "payout-sig"))

	// Re-ensuring after a send returns the sent record, not a fresh one.
	again, err := store.EnsureDisbursement(ctx, roundID, "wallet-a", game.DisbursementWinner, 1, 3000)
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID)
	assert.Equal(t, game.DisbursementSent, again.Status)
	assert.Equal(t, "payout-sig", again.TxSignature)

	failed, err := store.EnsureDisbursement(ctx, roundID, "wallet-b", game.DisbursementWinner, 2, 2000)
	require.NoError(t, err)
	require.NoError(t, store.MarkDisbursementFailed(ctx, failed.ID, "rpc unavailable"))

	ds, err := store.Disbursements(ctx, roundID)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, game.DisbursementSent, ds[0].Status)
	assert.Equal(t, game.DisbursementFailed, ds[1].Status)
	assert.Equal(t, "rpc unavailable", ds[1].LastError)
}

func TestStore_HasPush(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := t.Context()
	require.NoError(t, store.Bootstrap(ctx, time.Now().Add(time.Minute)))

	exists, err := store.HasPush(ctx, "sig-1")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.ApplyPush(ctx, "wallet-a", 100, "sig-1", game.SourceWebhook, time.Now().UTC(), time.Now().Add(time.Minute))
	require.NoError(t, err)

	exists, err = store.HasPush(ctx, "sig-1")
	require.NoError(t, err)
	assert.True(t, exists)
}
