// Package penalty tracks disconnect outcomes per user and imposes a
// time-boxed ban on creating or joining rooms.
package penalty

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/COAI-team/backend-sub000/internal/domain"
	"github.com/COAI-team/backend-sub000/internal/obslog"
)

const (
	Window          = 5
	LossThreshold   = 3
	StreakThreshold = 3

	historyTTL = 30 * 24 * time.Hour
)

func histKey(userID string) string   { return "battle:penalty:hist:" + userID }
func streakKey(userID string) string { return "battle:penalty:streak:" + userID }
func untilKey(userID string) string  { return "battle:penalty:until:" + userID }

// History is a user's recent outcomes, newest first.
type History struct {
	Recent         []domain.Outcome
	Streak         int
	PenalizedUntil time.Time
}

func (h History) DisconnectLosses() int {
	n := 0
	for _, o := range h.Recent {
		if o == domain.OutcomeDisconnect {
			n++
		}
	}
	return n
}

type Service struct {
	rdb      *redis.Client
	duration time.Duration
	now      func() time.Time
}

func NewService(rdb *redis.Client, duration time.Duration) *Service {
	if duration <= 0 {
		duration = 10 * time.Minute
	}
	return &Service{rdb: rdb, duration: duration, now: time.Now}
}

// Record appends one outcome. A normal finish resets the streak but leaves
// the window alone; a disconnect loss re-evaluates the penalty.
func (s *Service) Record(ctx context.Context, userID string, outcome domain.Outcome) (History, error) {
	if userID == "" {
		return History{}, errors.New("penalty: empty user id")
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, histKey(userID), string(outcome))
		p.LTrim(ctx, histKey(userID), 0, Window-1)
		p.Expire(ctx, histKey(userID), historyTTL)
		if outcome == domain.OutcomeDisconnect {
			p.Incr(ctx, streakKey(userID))
		} else {
			p.Set(ctx, streakKey(userID), 0, 0)
		}
		p.Expire(ctx, streakKey(userID), historyTTL)
		return nil
	})
	if err != nil {
		return History{}, fmt.Errorf("record outcome: %w", err)
	}
	h, err := s.History(ctx, userID)
	if err != nil {
		return History{}, err
	}
	if outcome != domain.OutcomeDisconnect {
		return h, nil
	}
	if h.DisconnectLosses() >= LossThreshold || h.Streak >= StreakThreshold {
		until := s.now().Add(s.duration)
		if err := s.rdb.Set(ctx, untilKey(userID), until.Unix(), s.duration).Err(); err != nil {
			return h, fmt.Errorf("set penalty: %w", err)
		}
		h.PenalizedUntil = until
		obslog.L().Info("penalty_imposed", obslog.User(userID),
			zap.Int("losses", h.DisconnectLosses()), zap.Int("streak", h.Streak), zap.Time("until", until))
	}
	return h, nil
}

// Check reports whether the user is currently penalized and until when.
func (s *Service) Check(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := s.rdb.Get(ctx, untilKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get penalty: %w", err)
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse penalty: %w", err)
	}
	until := time.Unix(sec, 0)
	if !until.After(s.now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *Service) History(ctx context.Context, userID string) (History, error) {
	var (
		list   *redis.StringSliceCmd
		streak *redis.StringCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		list = p.LRange(ctx, histKey(userID), 0, Window-1)
		streak = p.Get(ctx, streakKey(userID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return History{}, fmt.Errorf("load history: %w", err)
	}
	h := History{}
	for _, o := range list.Val() {
		h.Recent = append(h.Recent, domain.Outcome(o))
	}
	if v, err := streak.Int(); err == nil {
		h.Streak = v
	}
	if until, ok, err := s.Check(ctx, userID); err == nil && ok {
		h.PenalizedUntil = until
	}
	return h, nil
}
