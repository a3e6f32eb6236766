package battle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/COAI-team/backend-sub000/internal/domain"
	"github.com/COAI-team/backend-sub000/internal/obslog"
	"github.com/COAI-team/backend-sub000/internal/settlement"
	"github.com/COAI-team/backend-sub000/pkg/battledto"
)

const callbackTimeout = 15 * time.Second

// startCountdown places both holds and only then flips the room to
// COUNTDOWN. A failed hold leaves the room WAITING with both players
// un-readied and any partial hold refunded.
func (m *Manager) startCountdown(ctx context.Context, r *RoomState, ob *outbox) error {
	if r.BetAmount > 0 && m.settlement != nil {
		for i, uid := range r.Members() {
			if err := m.settlement.Hold(ctx, r.MatchID, uid, r.BetAmount); err != nil {
				m.holdFailed(ctx, r, uid, i > 0, err, ob)
				return nil
			}
		}
		r.HoldsPlaced = true
		m.refreshBalance(ctx, r)
	}

	from := r.Status
	if err := r.transition(domain.StatusCountdown); err != nil {
		return err
	}
	now := m.now()
	r.CountdownAt = now
	r.CountdownEndsAt = now.Add(time.Duration(m.cfg.CountdownSeconds) * time.Second)
	m.syncLedger(ctx, r, from)

	roomID, matchID := r.RoomID, r.MatchID
	for i := 1; i < m.cfg.CountdownSeconds; i++ {
		remaining := m.cfg.CountdownSeconds - i
		m.schedule(tickKey(roomID, i), now.Add(time.Duration(i)*time.Second), func() {
			m.countdownTick(roomID, matchID, remaining)
		})
	}
	m.schedule(startKey(roomID), r.CountdownEndsAt, func() { m.startMatch(roomID, matchID) })

	obslog.L().Info("battle_countdown_start", obslog.Room(roomID), obslog.Match(matchID),
		zap.Int("seconds", m.cfg.CountdownSeconds), zap.Int64("bet", r.BetAmount))
	ob.room = append(ob.room, roomEvent{
		roomID:  roomID,
		members: r.Members(),
		ev: battledto.Event{Type: battledto.EventCountdown, RoomID: roomID,
			Payload: battledto.CountdownTick{RoomID: roomID, Remaining: m.cfg.CountdownSeconds}},
	})
	ob.lobby = true
	return nil
}

func (m *Manager) holdFailed(ctx context.Context, r *RoomState, failedUser string, placed bool, cause error, ob *outbox) {
	if err := m.settlement.RefundAll(ctx, r.MatchID, r.Members()...); err != nil {
		obslog.L().Error("battle_hold_rollback_failed", obslog.Room(r.RoomID), obslog.Match(r.MatchID), zap.Error(err))
	}
	r.HoldsPlaced = false
	if placed {
		m.retireAttempt(ctx, r, r.Status)
	}
	for _, p := range r.Participants {
		p.Ready = false
	}
	m.refreshBalance(ctx, r)

	nickname := failedUser
	if p := r.Participants[failedUser]; p != nil {
		nickname = p.Nickname
	}
	code, key := "UNKNOWN", "escrow.unknown"
	switch {
	case errors.Is(cause, domain.ErrNoPointAccount):
		code, key = "NO_POINT_ACCOUNT", "escrow.no_point_account"
	case errors.Is(cause, domain.ErrInsufficientPoints):
		code, key = "INSUFFICIENT_POINTS", "escrow.insufficient_points"
	case errors.Is(cause, settlement.ErrAlreadySettled):
		code, key = "ALREADY_SETTLED", "escrow.already_settled"
	}
	msg := m.text(key, map[string]any{"Nickname": nickname, "Bet": r.BetAmount})
	for _, uid := range r.Members() {
		ob.notice(uid, r.RoomID, code, msg)
	}
	obslog.L().Warn("battle_hold_failed", obslog.Room(r.RoomID), obslog.Match(r.MatchID),
		obslog.User(failedUser), zap.String("code", code), zap.Error(cause))
}

// abortCountdown returns a COUNTDOWN room to WAITING and refunds the holds.
// A refunded attempt is retired so the next countdown holds under a new id.
func (m *Manager) abortCountdown(ctx context.Context, r *RoomState, ob *outbox) error {
	m.cancelCountdownTimers(r.RoomID)
	refunded := false
	if r.HoldsPlaced && m.settlement != nil {
		if err := m.settlement.RefundAll(ctx, r.MatchID, r.Members()...); err != nil {
			// 환불 실패는 원장에 HELD로 남고 복구 주기가 재시도한다
			obslog.L().Error("battle_countdown_refund_failed", obslog.Room(r.RoomID), obslog.Match(r.MatchID), zap.Error(err))
		}
		r.HoldsPlaced = false
		refunded = true
		m.refreshBalance(ctx, r)
	}
	from := r.Status
	if err := r.transition(domain.StatusWaiting); err != nil {
		return err
	}
	if refunded {
		m.retireAttempt(ctx, r, from)
	} else {
		r.CountdownAt, r.CountdownEndsAt = time.Time{}, time.Time{}
		m.syncLedger(ctx, r, from)
	}
	obslog.L().Info("battle_countdown_abort", obslog.Room(r.RoomID), obslog.Match(r.MatchID))
	ob.roomNotice(r, "COUNTDOWN_ABORTED", m.text("room.countdown_aborted", nil))
	ob.lobby = true
	return nil
}

// retireAttempt cancels the ledger row of an attempt whose holds were
// refunded and opens a fresh WAITING match for the same room.
func (m *Manager) retireAttempt(ctx context.Context, r *RoomState, from domain.MatchStatus) {
	old := r.MatchID
	if m.ledger != nil {
		rec := r.record()
		rec.Status = domain.StatusCanceled
		if ok, err := m.ledger.Transition(ctx, from, rec); err != nil || !ok {
			obslog.L().Warn("battle_attempt_cancel_failed", obslog.Room(r.RoomID), obslog.Match(old),
				zap.String("from", string(from)), zap.Bool("applied", ok), zap.Error(err))
		}
	}
	r.nextMatch()
	r.CountdownAt, r.CountdownEndsAt = time.Time{}, time.Time{}
	r.CreatedAt = m.now()
	m.syncLedger(ctx, r, r.Status)
	obslog.L().Info("battle_attempt_retired", obslog.Room(r.RoomID), obslog.Match(r.MatchID), zap.String("previous", old))
}

func (m *Manager) countdownTick(roomID, matchID string, remaining int) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	r, err := m.store.Load(ctx, roomID)
	if err != nil || r == nil || r.MatchID != matchID || r.Status != domain.StatusCountdown {
		return
	}
	if m.notifier != nil {
		m.notifier.ToRoom(ctx, roomID, r.Members(), battledto.Event{
			Type: battledto.EventCountdown, RoomID: roomID,
			Payload: battledto.CountdownTick{RoomID: roomID, Remaining: remaining},
		})
	}
}

// startMatch is the countdown's zero callback.
func (m *Manager) startMatch(roomID, matchID string) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	var ob outbox
	err := m.withRoomLock(ctx, roomID, func() error {
		r, err := m.store.Load(ctx, roomID)
		if err != nil || r == nil {
			return err
		}
		if r.MatchID != matchID || r.Status != domain.StatusCountdown {
			return nil
		}
		if !r.bothReady() {
			if err := m.abortCountdown(ctx, r, &ob); err != nil {
				return err
			}
			for _, p := range r.Participants {
				p.Ready = false
			}
			ob.snapshot(r)
			return m.save(ctx, r)
		}

		from := r.Status
		if err := r.transition(domain.StatusRunning); err != nil {
			return err
		}
		r.StartedAt = m.now()
		if !m.syncLedger(ctx, r, from) {
			// 복구 주기가 이미 이 매치를 정리했다
			return m.teardown(ctx, r, &ob, "CANCELED", m.text("match.canceled", nil))
		}
		if err := m.save(ctx, r); err != nil {
			return err
		}
		if err := m.store.RemoveLobby(ctx, roomID); err != nil {
			obslog.L().Warn("battle_lobby_remove_failed", obslog.Room(roomID), zap.Error(err))
		}
		deadline := r.StartedAt.Add(time.Duration(r.MaxDurationMinutes) * time.Minute)
		m.schedule(timeoutKey(roomID), deadline, func() { m.timeoutFinalize(roomID, matchID) })

		obslog.L().Info("battle_match_start", obslog.Room(roomID), obslog.Match(matchID), zap.Time("deadline", deadline))
		ob.snapshot(r)
		ob.roomNotice(r, "STARTED", m.text("match.started", nil))
		ob.lobby = true
		return nil
	})
	if err != nil {
		obslog.L().Error("battle_match_start_failed", obslog.Room(roomID), obslog.Match(matchID), zap.Error(err))
		return
	}
	m.flush(ctx, &ob)
}
