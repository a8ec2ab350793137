package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Al3Xoni/OpenClawEffect/pkg/game"
	"github.com/Al3Xoni/OpenClawEffect/pkg/ingest"
)

// webhookTransfer is one token movement inside a webhook transaction, in the
// Helius enhanced-webhook shape.
type webhookTransfer struct {
	Mint            string  `json:"mint"`
	FromUserAccount string  `json:"fromUserAccount"`
	ToUserAccount   string  `json:"toUserAccount"`
	TokenAmount     float64 `json:"tokenAmount"`
}

// webhookTransaction is one entry of the webhook batch.
type webhookTransaction struct {
	Signature      string            `json:"signature"`
	Type           string            `json:"type"`
	Timestamp      int64             `json:"timestamp"`
	TokenTransfers []webhookTransfer `json:"tokenTransfers"`
}

type webhookResult struct {
	Signature string `json:"signature"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// handleWebhook ingests a webhook batch. Each transaction is normalized into
// at most one canonical push submission; transactions that are neither a
// swap of the game token nor a direct transfer to the treasury are ignored
// rather than failing the batch.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookSecret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(s.cfg.WebhookSecret)) != 1 {
		s.log.Warn("webhook: unauthorized attempt", "remote", r.RemoteAddr)
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var batch []webhookTransaction
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	results := make([]webhookResult, 0, len(batch))
	for _, tx := range batch {
		sub, ok := s.normalizeWebhookTx(tx)
		if !ok {
			s.log.Debug("webhook: ignoring transaction", "signature", tx.Signature, "type", tx.Type)
			results = append(results, webhookResult{Signature: tx.Signature, Status: "ignored"})
			continue
		}

		res, err := s.cfg.Gateway.SubmitPush(r.Context(), sub)
		if err != nil {
			s.log.Error("webhook: submission failed", "signature", tx.Signature, "error", err)
			results = append(results, webhookResult{Signature: tx.Signature, Status: "error"})
			continue
		}
		results = append(results, webhookResult{Signature: tx.Signature, Status: string(res.Status), Reason: res.Reason})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// normalizeWebhookTx extracts a push submission from a webhook transaction.
// Two shapes count as a push: a SWAP where someone received the game token
// (a buy), and a direct transfer of the token into the treasury. The claimed
// payer and amount are advisory; verification re-derives both from chain.
func (s *Server) normalizeWebhookTx(tx webhookTransaction) (ingest.Submission, bool) {
	if tx.Signature == "" {
		return ingest.Submission{}, false
	}

	if tx.Type == "SWAP" {
		for _, t := range tx.TokenTransfers {
			if t.Mint == s.cfg.Mint {
				return ingest.Submission{
					Signature:    tx.Signature,
					ClaimedPayer: t.ToUserAccount, // the buyer received the tokens
					Source:       game.SourceWebhook,
				}, true
			}
		}
	}

	for _, t := range tx.TokenTransfers {
		if t.Mint == s.cfg.Mint && t.ToUserAccount == s.cfg.Treasury {
			return ingest.Submission{
				Signature:    tx.Signature,
				ClaimedPayer: t.FromUserAccount,
				Source:       game.SourceWebhook,
			}, true
		}
	}

	return ingest.Submission{}, false
}

type verifyPushRequest struct {
	Signature string `json:"signature"`
}

// handleVerifyPush ingests a client-reported push.
func (s *Server) handleVerifyPush(w http.ResponseWriter, r *http.Request) {
	var req verifyPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Signature == "" {
		s.writeError(w, http.StatusBadRequest, "missing signature")
		return
	}

	res, err := s.cfg.Gateway.SubmitPush(r.Context(), ingest.Submission{
		Signature: req.Signature,
		Source:    game.SourceClientVerify,
	})
	if err != nil {
		s.log.Error("verify-push: submission failed", "signature", req.Signature, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "verification unavailable, retry later")
		return
	}

	status := http.StatusOK
	if res.Status == ingest.StatusRejected {
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, res)
}

type stateResponse struct {
	RoundID          int64     `json:"round_id"`
	RoundStatus      string    `json:"round_status"`
	TimerDeadline    time.Time `json:"timer_deadline"`
	SecondsRemaining int64     `json:"seconds_remaining"`
	PushCount        int64     `json:"push_count"`
	LastPushers      []string  `json:"last_pushers"`
	TreasuryBalance  int64     `json:"treasury_balance"`
}

// handleState serves the polling endpoint for the game UI.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.cfg.Store.State(r.Context())
	if err != nil {
		s.log.Error("state: failed to read game state", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "state unavailable")
		return
	}
	round, err := s.cfg.Store.Round(r.Context(), state.CurrentRoundID)
	if err != nil {
		s.log.Error("state: failed to read round", "round_id", state.CurrentRoundID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "state unavailable")
		return
	}

	remaining := int64(state.TimerDeadline.Sub(s.cfg.Clock.Now()).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	pushers := state.LastPushers
	if pushers == nil {
		pushers = []string{}
	}

	s.writeJSON(w, http.StatusOK, stateResponse{
		RoundID:          state.CurrentRoundID,
		RoundStatus:      string(round.Status),
		TimerDeadline:    state.TimerDeadline,
		SecondsRemaining: remaining,
		PushCount:        state.PushCount,
		LastPushers:      pushers,
		TreasuryBalance:  state.TreasuryBalance,
	})
}

type adminResetRequest struct {
	Wallet          string `json:"wallet"`
	Message         string `json:"message"`
	Signature       string `json:"signature"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// defaultResetDuration is used when the operator does not specify one.
const defaultResetDuration = 180 * time.Second

// handleAdminReset force-starts a new round. Only the configured operator
// wallet may call it, proven by an ed25519 signature over a fresh reset
// message.
func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	var req adminResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if req.Wallet != s.cfg.OperatorWallet {
		s.log.Warn("admin: reset attempt from non-operator wallet", "wallet", req.Wallet)
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.verifyOperator(req.Wallet, req.Message, req.Signature); err != nil {
		s.log.Warn("admin: reset signature rejected", "error", err)
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	duration := defaultResetDuration
	if req.DurationSeconds > 0 {
		duration = time.Duration(req.DurationSeconds) * time.Second
	}

	roundID, err := s.cfg.Resetter.ForceNewRound(r.Context(), duration)
	if err != nil {
		s.log.Error("admin: reset failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}

	s.log.Info("admin: game reset", "round_id", roundID, "duration", duration)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"round_id": roundID,
	})
}
