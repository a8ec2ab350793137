package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Al3Xoni/OpenClawEffect/pkg/game"
	"github.com/Al3Xoni/OpenClawEffect/pkg/ingest"
	"github.com/Al3Xoni/OpenClawEffect/pkg/server"
)

const (
	testTreasury = "Treasury1111111111111111111111111111111111"
	testMint     = "Mint111111111111111111111111111111111111111"
	testSecret   = "webhook-secret"
)

type mockGateway struct {
	SubmitPushFunc func(ctx context.Context, sub ingest.Submission) (ingest.Result, error)
	subs           []ingest.Submission
}

func (m *mockGateway) SubmitPush(ctx context.Context, sub ingest.Submission) (ingest.Result, error) {
	m.subs = append(m.subs, sub)
	if m.SubmitPushFunc == nil {
		return ingest.Result{Status: ingest.StatusAccepted}, nil
	}
	return m.SubmitPushFunc(ctx, sub)
}

type mockStateReader struct {
	StateFunc func(ctx context.Context) (*game.State, error)
	RoundFunc func(ctx context.Context, id int64) (*game.Round, error)
}

func (m *mockStateReader) State(ctx context.Context) (*game.State, error) {
	return m.StateFunc(ctx)
}

func (m *mockStateReader) Round(ctx context.Context, id int64) (*game.Round, error) {
	return m.RoundFunc(ctx, id)
}

type mockResetter struct {
	ForceNewRoundFunc func(ctx context.Context, duration time.Duration) (int64, error)
}

func (m *mockResetter) ForceNewRound(ctx context.Context, duration time.Duration) (int64, error) {
	return m.ForceNewRoundFunc(ctx, duration)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type serverOption func(*server.Config)

func newTestServer(t *testing.T, gw *mockGateway, opts ...serverOption) *server.Server {
	cfg := server.Config{
		Logger:         testLogger(),
		Clock:          clockwork.NewFakeClock(),
		Gateway:        gw,
		Store:          &mockStateReader{},
		Resetter:       &mockResetter{},
		WebhookSecret:  testSecret,
		OperatorWallet: "operator-wallet",
		Treasury:       testTreasury,
		Mint:           testMint,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := server.New(cfg)
	require.NoError(t, err)
	return s
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleWebhook_RequiresSecret(t *testing.T) {
	t.Parallel()

	gw := &mockGateway{}
	s := newTestServer(t, gw)

	rec := postJSON(t, s.Router(), "/api/webhook", []map[string]any{}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, s.Router(), "/api/webhook", []map[string]any{}, map[string]string{"Authorization": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Same length, prefix, and superstring variants all miss too.
	for _, bad := range []string{"webhook-secreX", "webhook-secre", testSecret + "x"} {
		rec = postJSON(t, s.Router(), "/api/webhook", []map[string]any{}, map[string]string{"Authorization": bad})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "secret %q must be rejected", bad)
	}
	assert.Empty(t, gw.subs)
}

func TestHandleWebhook_DirectTransferToTreasury(t *testing.T) {
	t.Parallel()

	gw := &mockGateway{}
	s := newTestServer(t, gw)

	batch := []map[string]any{
		{
			"signature": "sig-1",
			"type":      "TRANSFER",
			"tokenTransfers": []map[string]any{
				{
					"mint":            testMint,
					"fromUserAccount": "wallet-a",
					"toUserAccount":   testTreasury,
					"tokenAmount":     12.5,
				},
			},
		},
	}
	rec := postJSON(t, s.Router(), "/api/webhook", batch, map[string]string{"Authorization": testSecret})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, gw.subs, 1)
	assert.Equal(t, "sig-1", gw.subs[0].Signature)
	assert.Equal(t, "wallet-a", gw.subs[0].ClaimedPayer)
	assert.Equal(t, game.SourceWebhook, gw.subs[0].Source)
}

func TestHandleWebhook_SwapCreditsBuyer(t *testing.T) {
	t.Parallel()

	gw := &mockGateway{}
	s := newTestServer(t, gw)

	batch := []map[string]any{
		{
			"signature": "sig-swap",
			"type":      "SWAP",
			"tokenTransfers": []map[string]any{
				{
					"mint":            testMint,
					"fromUserAccount": "amm-pool",
					"toUserAccount":   "wallet-buyer",
					"tokenAmount":     100.0,
				},
			},
		},
	}
	rec := postJSON(t, s.Router(), "/api/webhook", batch, map[string]string{"Authorization": testSecret})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, gw.subs, 1)
	assert.Equal(t, "wallet-buyer", gw.subs[0].ClaimedPayer)
}

func TestHandleWebhook_IgnoresUnrelatedTransactions(t *testing.T) {
	t.Parallel()

	gw := &mockGateway{}
	s := newTestServer(t, gw)

	batch := []map[string]any{
		{
			"signature": "sig-other",
			"type":      "TRANSFER",
			"tokenTransfers": []map[string]any{
				{
					"mint":            "SomeOtherMint111111111111111111111111111111",
					"fromUserAccount": "wallet-a",
					"toUserAccount":   "wallet-b",
				},
			},
		},
		{
			"signature": "sig-accepted",
			"type":      "TRANSFER",
			"tokenTransfers": []map[string]any{
				{
					"mint":            testMint,
					"fromUserAccount": "wallet-a",
					"toUserAccount":   testTreasury,
				},
			},
		},
	}
	rec := postJSON(t, s.Router(), "/api/webhook", batch, map[string]string{"Authorization": testSecret})
	require.Equal(t, http.StatusOK, rec.Code)

	// Only the treasury transfer reached the gateway.
	require.Len(t, gw.subs, 1)
	assert.Equal(t, "sig-accepted", gw.subs[0].Signature)

	var resp struct {
		Results []struct {
			Signature string `json:"signature"`
			Status    string `json:"status"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "ignored", resp.Results[0].Status)
	assert.Equal(t, "accepted", resp.Results[1].Status)
}

func TestHandleWebhook_GatewayErrorDoesNotFailBatch(t *testing.T) {
	t.Parallel()

	gw := &mockGateway{
		SubmitPushFunc: func(ctx context.Context, sub ingest.Submission) (ingest.Result, error) {
			if sub.Signature == "sig-bad" {
				return ingest.Result{}, errors.New("store down")
			}
			return ingest.Result{Status: ingest.StatusAccepted}, nil
		},
	}
	s := newTestServer(t, gw)

	transfer := func(sig string) map[string]any {
		return map[string]any{
			"signature": sig,
			"type":      "TRANSFER",
			"tokenTransfers": []map[string]any{
				{"mint": testMint, "fromUserAccount": "wallet-a", "toUserAccount": testTreasury},
			},
		}
	}
	rec := postJSON(t, s.Router(), "/api/webhook", []map[string]any{transfer("sig-bad"), transfer("sig-ok")},
		map[string]string{"Authorization": testSecret})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []struct {
			Status string `json:"status"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "error", resp.Results[0].Status)
	assert.Equal(t, "accepted", resp.Results[1].Status)
}

func TestHandleVerifyPush(t *testing.T) {
	t.Parallel()

	gw := &mockGateway{}
	s := newTestServer(t, gw)

	rec := postJSON(t, s.Router(), "/api/verify-push", map[string]string{"signature": "sig-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, gw.subs, 1)
	assert.Equal(t, game.SourceClientVerify, gw.subs[0].Source)

	rec = postJSON(t, s.Router(), "/api/verify-push", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleVerifyPush_Rejected(t *testing.T) {
	t.Parallel()

	gw := &mockGateway{
		SubmitPushFunc: func(ctx context.Context, sub ingest.Submission) (ingest.Result, error) {
			return ingest.Result{Status: ingest.StatusRejected, Reason: ingest.ReasonNotFound}, nil
		},
	}
	s := newTestServer(t, gw)

	rec := postJSON(t, s.Router(), "/api/verify-push", map[string]string{"signature": "sig-x"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var res ingest.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, ingest.StatusRejected, res.Status)
	assert.Equal(t, ingest.ReasonNotFound, res.Reason)
}

func TestHandleVerifyPush_GatewayUnavailable(t *testing.T) {
	t.Parallel()

	gw := &mockGateway{
		SubmitPushFunc: func(ctx context.Context, sub ingest.Submission) (ingest.Result, error) {
			return ingest.Result{}, errors.New("rpc down")
		},
	}
	s := newTestServer(t, gw)

	rec := postJSON(t, s.Router(), "/api/verify-push", map[string]string{"signature": "sig-x"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleState(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := &mockStateReader{
		StateFunc: func(ctx context.Context) (*game.State, error) {
			return &game.State{
				CurrentRoundID:  3,
				TimerDeadline:   clock.Now().Add(90 * time.Second),
				PushCount:       12,
				LastPushers:     []string{"wallet-b", "wallet-a"},
				TreasuryBalance: 42_000_000,
			}, nil
		},
		RoundFunc: func(ctx context.Context, id int64) (*game.Round, error) {
			return &game.Round{ID: id, Status: game.RoundActive}, nil
		},
	}
	s := newTestServer(t, &mockGateway{}, func(cfg *server.Config) {
		cfg.Clock = clock
		cfg.Store = store
	})

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		RoundID          int64    `json:"round_id"`
		RoundStatus      string   `json:"round_status"`
		SecondsRemaining int64    `json:"seconds_remaining"`
		PushCount        int64    `json:"push_count"`
		LastPushers      []string `json:"last_pushers"`
		TreasuryBalance  int64    `json:"treasury_balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.RoundID)
	assert.Equal(t, "active", resp.RoundStatus)
	assert.Equal(t, int64(90), resp.SecondsRemaining)
	assert.Equal(t, int64(12), resp.PushCount)
	assert.Equal(t, []string{"wallet-b", "wallet-a"}, resp.LastPushers)
	assert.Equal(t, int64(42_000_000), resp.TreasuryBalance)
}

func TestHandleState_ExpiredTimerClampsToZero(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := &mockStateReader{
		StateFunc: func(ctx context.Context) (*game.State, error) {
			return &game.State{CurrentRoundID: 1, TimerDeadline: clock.Now().Add(-time.Minute)}, nil
		},
		RoundFunc: func(ctx context.Context, id int64) (*game.Round, error) {
			return &game.Round{ID: id, Status: game.RoundProcessingPayout}, nil
		},
	}
	s := newTestServer(t, &mockGateway{}, func(cfg *server.Config) {
		cfg.Clock = clock
		cfg.Store = store
	})

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		RoundStatus      string   `json:"round_status"`
		SecondsRemaining int64    `json:"seconds_remaining"`
		LastPushers      []string `json:"last_pushers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "processing_payout", resp.RoundStatus)
	assert.Equal(t, int64(0), resp.SecondsRemaining)
	assert.NotNil(t, resp.LastPushers, "empty pusher list serializes as [], not null")
}

func TestHandleReadyz(t *testing.T) {
	t.Parallel()

	store := &mockStateReader{
		StateFunc: func(ctx context.Context) (*game.State, error) {
			return nil, errors.New("no rows")
		},
	}
	s := newTestServer(t, &mockGateway{}, func(cfg *server.Config) { cfg.Store = store })

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
