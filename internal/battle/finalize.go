package battle

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/COAI-team/backend-sub000/internal/domain"
	"github.com/COAI-team/backend-sub000/internal/obslog"
)

// finish ends a running match. An empty winner refunds both stakes.
// outcomes defaults every participant to a normal finish.
func (m *Manager) finish(ctx context.Context, r *RoomState, winnerID string, reason domain.WinReason, outcomes map[string]domain.Outcome, ob *outbox) error {
	m.cancelMatchTimers(r.RoomID)
	from := r.Status
	if err := r.transition(domain.StatusFinished); err != nil {
		return err
	}
	now := m.now()
	r.FinishedAt = now
	r.WinnerID = winnerID
	r.WinReason = reason
	r.PostGameUntil = now.Add(m.cfg.PostGameLock)
	if !m.syncLedger(ctx, r, from) {
		return m.teardown(ctx, r, ob, "CANCELED", m.text("match.canceled", nil))
	}

	m.settle(ctx, r)
	m.refreshBalance(ctx, r)
	m.recordOutcomes(ctx, r, outcomes)

	if err := m.save(ctx, r); err != nil {
		return err
	}
	roomID, matchID := r.RoomID, r.MatchID
	m.schedule(resetKey(roomID), r.PostGameUntil, func() { m.postGameReset(roomID, matchID) })

	obslog.L().Info("battle_match_finish", obslog.Room(roomID), obslog.Match(matchID),
		zap.String("winner", winnerID), zap.String("reason", string(reason)))
	ob.snapshot(r)
	ob.roomNotice(r, "FINISHED", m.finishMessage(r))
	return nil
}

func (m *Manager) finishMessage(r *RoomState) string {
	if w := r.Participant(r.WinnerID); w != nil {
		key := "match.finished_" + strings.ToLower(string(r.WinReason))
		return m.text(key, map[string]any{"Winner": w.Nickname})
	}
	switch r.WinReason {
	case domain.WinReasonDisconnect:
		return m.text("match.abandoned", nil)
	case domain.WinReasonTimeout:
		return m.text("match.timeout_draw", nil)
	default:
		return m.text("match.no_winner", nil)
	}
}

// settle moves the stakes for a finished match. Failures leave the ledger
// HELD for the recovery sweep to retry.
func (m *Manager) settle(ctx context.Context, r *RoomState) {
	if !r.HoldsPlaced || m.settlement == nil || r.BetAmount <= 0 {
		return
	}
	var err error
	if opp := r.Opponent(r.WinnerID); r.WinnerID != "" && opp != nil {
		err = m.settlement.Settle(ctx, r.MatchID, r.WinnerID, opp.UserID, r.BetAmount)
	} else {
		err = m.settlement.RefundAll(ctx, r.MatchID, r.Members()...)
	}
	if err != nil {
		obslog.L().Error("battle_settlement_failed", obslog.Room(r.RoomID), obslog.Match(r.MatchID), zap.Error(err))
		return
	}
	r.HoldsPlaced = false
}

func (m *Manager) recordOutcomes(ctx context.Context, r *RoomState, outcomes map[string]domain.Outcome) {
	if m.penalties == nil {
		return
	}
	for _, uid := range r.Members() {
		o, ok := outcomes[uid]
		if !ok {
			o = domain.OutcomeNormal
		}
		if _, err := m.penalties.Record(ctx, uid, o); err != nil {
			obslog.L().Warn("battle_penalty_record_failed", obslog.User(uid), zap.Error(err))
		}
	}
}

// timeoutFinalize fires at startedAt + max duration.
func (m *Manager) timeoutFinalize(roomID, matchID string) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	var ob outbox
	err := m.withRoomLock(ctx, roomID, func() error {
		r, err := m.store.Load(ctx, roomID)
		if err != nil || r == nil {
			return err
		}
		if r.MatchID != matchID || r.Status != domain.StatusRunning {
			return nil
		}
		if r.bothFinished() {
			return m.finish(ctx, r, decideWinner(r), domain.WinReasonScore, nil, &ob)
		}
		winner := ""
		for _, uid := range r.Members() {
			if p := r.Participants[uid]; p != nil && p.Accepted {
				winner = uid
			}
		}
		obslog.L().Info("battle_match_timeout", obslog.Room(roomID), obslog.Match(matchID), zap.String("winner", winner))
		return m.finish(ctx, r, winner, domain.WinReasonTimeout, nil, &ob)
	})
	if err != nil {
		obslog.L().Error("battle_timeout_failed", obslog.Room(roomID), obslog.Match(matchID), zap.Error(err))
		return
	}
	m.flush(ctx, &ob)
}

// postGameReset ends the post-game window. Players still present get a
// fresh WAITING room under a new match id; disconnected players are dropped.
func (m *Manager) postGameReset(roomID, matchID string) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	var ob outbox
	err := m.withRoomLock(ctx, roomID, func() error {
		r, err := m.store.Load(ctx, roomID)
		if err != nil || r == nil {
			return err
		}
		if r.MatchID != matchID || r.Status != domain.StatusFinished {
			return nil
		}
		for _, uid := range r.Members() {
			if p := r.Participants[uid]; p != nil && p.Disconnected {
				r.removeParticipant(uid)
				if err := m.store.ClearActive(ctx, uid, roomID); err != nil {
					return err
				}
			}
		}
		if r.HostID == "" {
			return m.teardown(ctx, r, &ob, "EMPTY", "")
		}
		return m.resetForRematch(ctx, r, &ob)
	})
	if err != nil {
		obslog.L().Error("battle_post_game_reset_failed", obslog.Room(roomID), zap.Error(err))
		return
	}
	m.flush(ctx, &ob)
}

func (m *Manager) resetForRematch(ctx context.Context, r *RoomState, ob *outbox) error {
	if err := r.transition(domain.StatusWaiting); err != nil {
		return err
	}
	r.nextMatch()
	r.HoldsPlaced = false
	r.CountdownAt, r.CountdownEndsAt = time.Time{}, time.Time{}
	r.StartedAt, r.FinishedAt, r.PostGameUntil = time.Time{}, time.Time{}, time.Time{}
	r.WinnerID, r.WinReason = "", ""
	r.CreatedAt = m.now()
	for _, p := range r.Participants {
		p.resetForMatch()
	}
	if err := m.save(ctx, r); err != nil {
		return err
	}
	m.syncLedger(ctx, r, r.Status)
	if err := m.store.AddLobby(ctx, r.RoomID); err != nil {
		obslog.L().Warn("battle_lobby_add_failed", obslog.Room(r.RoomID), zap.Error(err))
	}
	obslog.L().Info("battle_room_reset", obslog.Room(r.RoomID), obslog.Match(r.MatchID))
	ob.snapshot(r)
	ob.lobby = true
	return nil
}

// teardown deletes the room and every pointer and timer tied to it.
func (m *Manager) teardown(ctx context.Context, r *RoomState, ob *outbox, code, msg string) error {
	m.cancelAllTimers(r.RoomID)
	members := r.Members()
	if err := m.store.Delete(ctx, r.RoomID, members...); err != nil {
		return err
	}
	obslog.L().Info("battle_room_teardown", obslog.Room(r.RoomID), obslog.Match(r.MatchID), zap.String("code", code))
	if msg != "" {
		ob.closed(r.RoomID, members, code, msg)
	}
	ob.lobby = true
	return nil
}

// ForceCleanup drops the volatile room of a match the recovery sweep has
// already closed in the ledger. Rooms that moved on to another match are
// left alone.
func (m *Manager) ForceCleanup(ctx context.Context, roomID, matchID string) error {
	var ob outbox
	err := m.withRoomLock(ctx, roomID, func() error {
		r, err := m.store.Load(ctx, roomID)
		if err != nil || r == nil {
			return err
		}
		if r.MatchID != matchID {
			return nil
		}
		key := "match.canceled"
		if r.Status == domain.StatusRunning {
			key = "match.timeout_draw"
		}
		return m.teardown(ctx, r, &ob, "RECOVERED", m.text(key, nil))
	})
	if err != nil {
		return err
	}
	m.flush(ctx, &ob)
	return nil
}
