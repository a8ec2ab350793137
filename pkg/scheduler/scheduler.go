// Package scheduler drives round expiry: a recurring tick observes the game
// state, flips an expired round into payout exactly once, resolves it, and
// opens the next round.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Al3Xoni/OpenClawEffect/pkg/game"
	"github.com/Al3Xoni/OpenClawEffect/pkg/metrics"
	"github.com/Al3Xoni/OpenClawEffect/pkg/payout"
)

// Store is the subset of the round state store the scheduler uses.
type Store interface {
	State(ctx context.Context) (*game.State, error)
	Round(ctx context.Context, id int64) (*game.Round, error)
	BeginPayout(ctx context.Context, roundID int64) (bool, error)
	CompleteRound(ctx context.Context, roundID, totalPot int64, winner string) error
	FailRound(ctx context.Context, roundID int64) error
	StartNextRound(ctx context.Context, deadline time.Time) (int64, error)
}

// Engine resolves a round that is in processing_payout.
type Engine interface {
	Resolve(ctx context.Context, roundID int64) (*payout.Settlement, error)
}

type Config struct {
	Logger        *slog.Logger
	Clock         clockwork.Clock
	Store         Store
	Engine        Engine
	TickInterval  time.Duration
	RoundDuration time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Engine == nil {
		return errors.New("payout engine is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.RoundDuration <= 0 {
		return errors.New("round duration must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Scheduler runs the expiry loop. Ticks are no-ops while the timer is
// running, so the loop runs forever with no shutdown handling beyond
// context cancellation. The active -> processing_payout compare-and-swap in
// the store guarantees exactly one tick resolves a given round, even with
// multiple coordinator instances.
type Scheduler struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		s.log.Info("scheduler: starting expiry loop", "interval", s.cfg.TickInterval, "round_duration", s.cfg.RoundDuration)

		s.safeTick(ctx)

		ticker := s.cfg.Clock.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.safeTick(ctx)
			}
		}
	}()
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler: tick panicked", "panic", r)
			metrics.SchedulerTicksTotal.WithLabelValues("panic").Inc()
		}
	}()

	if err := s.Tick(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		// Store or engine unavailability; the next tick retries.
		s.log.Error("scheduler: tick failed", "error", err)
		metrics.SchedulerTicksTotal.WithLabelValues("error").Inc()
	}
}

// Tick runs one expiry check. Exported so the admin surface and tests can
// drive it directly.
func (s *Scheduler) Tick(ctx context.Context) error {
	state, err := s.cfg.Store.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to read game state: %w", err)
	}

	round, err := s.cfg.Store.Round(ctx, state.CurrentRoundID)
	if err != nil {
		return fmt.Errorf("failed to read current round: %w", err)
	}

	// A round stuck in processing_payout means a previous resolution was
	// interrupted; resume it regardless of the timer.
	if round.Status == game.RoundProcessingPayout {
		s.log.Warn("scheduler: resuming interrupted payout", "round_id", round.ID)
		return s.resolve(ctx, round.ID)
	}

	if round.Status != game.RoundActive {
		// Resolution finished but the next round was never opened.
		s.log.Warn("scheduler: current round already closed, opening next round", "round_id", round.ID, "status", round.Status)
		_, err := s.cfg.Store.StartNextRound(ctx, s.cfg.Clock.Now().Add(s.cfg.RoundDuration))
		return err
	}

	if s.cfg.Clock.Now().Before(state.TimerDeadline) {
		metrics.SchedulerTicksTotal.WithLabelValues("idle").Inc()
		return nil
	}

	won, err := s.cfg.Store.BeginPayout(ctx, round.ID)
	if err != nil {
		return fmt.Errorf("failed to begin payout: %w", err)
	}
	if !won {
		// Another tick or instance owns the resolution. Expected, silent.
		metrics.SchedulerTicksTotal.WithLabelValues("race_lost").Inc()
		return nil
	}

	s.log.Info("scheduler: round expired", "round_id", round.ID, "deadline", state.TimerDeadline, "push_count", state.PushCount)
	return s.resolve(ctx, round.ID)
}

// resolve runs the payout engine and finalizes the round. Any engine error
// marks the round as error rather than leaving it in processing_payout: an
// unpaid pot is reconcilable, a stalled round is not. The next round opens
// either way.
func (s *Scheduler) resolve(ctx context.Context, roundID int64) error {
	settlement, err := s.cfg.Engine.Resolve(ctx, roundID)
	if err != nil {
		s.log.Error("scheduler: payout failed, marking round as error", "round_id", roundID, "error", err)
		metrics.RoundsResolvedTotal.WithLabelValues(string(game.RoundError)).Inc()
		if failErr := s.cfg.Store.FailRound(ctx, roundID); failErr != nil {
			// Round stays in processing_payout; the next tick resumes it.
			return fmt.Errorf("failed to mark round %d as error: %w", roundID, failErr)
		}
	} else {
		if err := s.cfg.Store.CompleteRound(ctx, roundID, settlement.TotalPot, settlement.WinnerAddress()); err != nil {
			return fmt.Errorf("failed to complete round %d: %w", roundID, err)
		}
		metrics.RoundsResolvedTotal.WithLabelValues(string(game.RoundCompleted)).Inc()
		s.log.Info("scheduler: round completed",
			"round_id", roundID, "total_pot", settlement.TotalPot,
			"winner", settlement.WinnerAddress(), "sent", settlement.SentCount, "failed", settlement.FailedCount)
	}

	newID, err := s.cfg.Store.StartNextRound(ctx, s.cfg.Clock.Now().Add(s.cfg.RoundDuration))
	if err != nil {
		return fmt.Errorf("failed to start next round: %w", err)
	}
	metrics.SchedulerTicksTotal.WithLabelValues("resolved").Inc()
	s.log.Info("scheduler: new round started", "round_id", newID)
	return nil
}

// ForceNewRound abandons the current round and starts a fresh one with the
// given duration. Backs the operator reset; performs the same atomic reset
// as the end-of-round step.
func (s *Scheduler) ForceNewRound(ctx context.Context, duration time.Duration) (int64, error) {
	id, err := s.cfg.Store.StartNextRound(ctx, s.cfg.Clock.Now().Add(duration))
	if err != nil {
		return 0, fmt.Errorf("failed to force-start round: %w", err)
	}
	s.log.Info("scheduler: round force-started", "round_id", id, "duration", duration)
	return id, nil
}
