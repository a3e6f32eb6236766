// Package recovery closes matches that the room layer lost track of: a
// node crashed mid-countdown or mid-match, or a settlement call failed. It
// works from the durable ledger only.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/COAI-team/backend-sub000/internal/domain"
	"github.com/COAI-team/backend-sub000/internal/obslog"
	"github.com/COAI-team/backend-sub000/internal/penalty"
)

const sweepJobKey = "recovery:sweep"

type Ledger interface {
	ListByStatus(ctx context.Context, statuses []domain.MatchStatus, limit int) ([]*domain.MatchRecord, error)
	ListUnsettled(ctx context.Context, limit int) ([]*domain.MatchRecord, error)
	Transition(ctx context.Context, from domain.MatchStatus, rec *domain.MatchRecord) (bool, error)
}

type Settlement interface {
	Settle(ctx context.Context, matchID, winnerID, loserID string, amount int64) error
	RefundAll(ctx context.Context, matchID string, userIDs ...string) error
}

type Penalties interface {
	Record(ctx context.Context, userID string, outcome domain.Outcome) (penalty.History, error)
}

// RoomCleaner drops the volatile room for a match closed here.
type RoomCleaner interface {
	ForceCleanup(ctx context.Context, roomID, matchID string) error
}

type Scheduler interface {
	Every(key string, interval time.Duration, fn func()) error
}

type Config struct {
	Interval       time.Duration
	CountdownGrace time.Duration
	RunningGrace   time.Duration
	BatchSize      int
}

type Service struct {
	ledger     Ledger
	settlement Settlement
	penalties  Penalties
	rooms      RoomCleaner
	cfg        Config
	now        func() time.Time
}

func NewService(ledger Ledger, settlement Settlement, penalties Penalties, rooms RoomCleaner, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.CountdownGrace <= 0 {
		cfg.CountdownGrace = time.Minute
	}
	if cfg.RunningGrace <= 0 {
		cfg.RunningGrace = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Service{ledger: ledger, settlement: settlement, penalties: penalties, rooms: rooms, cfg: cfg, now: time.Now}
}

// Start registers the periodic sweep.
func (s *Service) Start(sched Scheduler) error {
	return sched.Every(sweepJobKey, s.cfg.Interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			obslog.L().Warn("recovery_sweep_failed", zap.Error(err))
		}
	})
}

type Report struct {
	Canceled   int
	TimedOut   int
	Resettled  int
	Conflicted int
}

// Sweep runs one pass. Each record is handled on its own; one failure does
// not stop the rest.
func (s *Service) Sweep(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
	)
	live, err := s.ledger.ListByStatus(ctx, []domain.MatchStatus{domain.StatusCountdown, domain.StatusRunning}, s.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("list live matches: %w", err)
	}
	now := s.now()
	for _, rec := range live {
		switch {
		case rec.Status == domain.StatusCountdown && s.countdownStale(rec, now):
			ok, err := s.forceCancel(ctx, rec, now)
			s.count(&rep.Canceled, &rep.Conflicted, ok, err, &errs)
		case rec.Status == domain.StatusRunning && s.runningStale(rec, now):
			ok, err := s.forceTimeout(ctx, rec, now)
			s.count(&rep.TimedOut, &rep.Conflicted, ok, err, &errs)
		}
	}

	unsettled, err := s.ledger.ListUnsettled(ctx, s.cfg.BatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list unsettled: %w", err))
	}
	for _, rec := range unsettled {
		if err := s.resettle(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("resettle %s: %w", rec.MatchID, err))
			continue
		}
		rep.Resettled++
	}
	if rep != (Report{}) {
		obslog.L().Info("recovery_sweep", zap.Int("canceled", rep.Canceled), zap.Int("timed_out", rep.TimedOut),
			zap.Int("resettled", rep.Resettled), zap.Int("conflicted", rep.Conflicted))
	}
	return rep, errors.Join(errs...)
}

func (s *Service) count(done, conflicted *int, ok bool, err error, errs *[]error) {
	switch {
	case err != nil:
		*errs = append(*errs, err)
	case ok:
		*done++
	default:
		*conflicted++
	}
}

func (s *Service) countdownStale(rec *domain.MatchRecord, now time.Time) bool {
	since := rec.CountdownAt
	if since.IsZero() {
		since = rec.UpdatedAt
	}
	return now.After(since.Add(s.cfg.CountdownGrace))
}

func (s *Service) runningStale(rec *domain.MatchRecord, now time.Time) bool {
	since := rec.StartedAt
	if since.IsZero() {
		since = rec.UpdatedAt
	}
	deadline := since.Add(time.Duration(rec.MaxDurationMinutes) * time.Minute).Add(s.cfg.RunningGrace)
	return now.After(deadline)
}

// forceCancel closes a countdown nobody finished and refunds both stakes.
func (s *Service) forceCancel(ctx context.Context, rec *domain.MatchRecord, now time.Time) (bool, error) {
	next := *rec
	next.Status = domain.StatusCanceled
	next.FinishedAt = now
	ok, err := s.ledger.Transition(ctx, domain.StatusCountdown, &next)
	if err != nil || !ok {
		return ok, err
	}
	obslog.L().Warn("recovery_force_cancel", obslog.Match(rec.MatchID), obslog.Room(rec.RoomID))
	s.refund(ctx, &next)
	s.cleanup(ctx, &next)
	return true, nil
}

// forceTimeout ends a running match well past its deadline with no winner.
func (s *Service) forceTimeout(ctx context.Context, rec *domain.MatchRecord, now time.Time) (bool, error) {
	next := *rec
	next.Status = domain.StatusFinished
	next.FinishedAt = now
	next.WinnerID = ""
	next.WinReason = domain.WinReasonTimeout
	ok, err := s.ledger.Transition(ctx, domain.StatusRunning, &next)
	if err != nil || !ok {
		return ok, err
	}
	obslog.L().Warn("recovery_force_timeout", obslog.Match(rec.MatchID), obslog.Room(rec.RoomID))
	s.refund(ctx, &next)
	if s.penalties != nil {
		for _, uid := range next.Participants() {
			if _, err := s.penalties.Record(ctx, uid, domain.OutcomeNormal); err != nil {
				obslog.L().Warn("recovery_penalty_record_failed", obslog.User(uid), zap.Error(err))
			}
		}
	}
	s.cleanup(ctx, &next)
	return true, nil
}

// refund failures stay HELD in the ledger and come back through ListUnsettled.
func (s *Service) refund(ctx context.Context, rec *domain.MatchRecord) {
	if rec.BetAmount <= 0 {
		return
	}
	if err := s.settlement.RefundAll(ctx, rec.MatchID, rec.Participants()...); err != nil {
		obslog.L().Error("recovery_refund_failed", obslog.Match(rec.MatchID), zap.Error(err))
	}
}

func (s *Service) cleanup(ctx context.Context, rec *domain.MatchRecord) {
	if s.rooms == nil {
		return
	}
	if err := s.rooms.ForceCleanup(ctx, rec.RoomID, rec.MatchID); err != nil {
		obslog.L().Warn("recovery_room_cleanup_failed", obslog.Room(rec.RoomID), obslog.Match(rec.MatchID), zap.Error(err))
	}
}

// resettle retries the settlement of a closed match whose escrow is still HELD.
func (s *Service) resettle(ctx context.Context, rec *domain.MatchRecord) error {
	if rec.Status == domain.StatusFinished && rec.WinnerID != "" {
		loser := rec.GuestID
		if rec.WinnerID == rec.GuestID {
			loser = rec.HostID
		}
		if loser != "" && loser != rec.WinnerID {
			return s.settlement.Settle(ctx, rec.MatchID, rec.WinnerID, loser, rec.BetAmount)
		}
	}
	return s.settlement.RefundAll(ctx, rec.MatchID, rec.Participants()...)
}
