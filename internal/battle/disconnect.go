package battle

import (
	"context"

	"go.uber.org/zap"

	"github.com/COAI-team/backend-sub000/internal/domain"
	"github.com/COAI-team/backend-sub000/internal/obslog"
)

// disconnect marks a participant gone during a running match and arms the
// grace timer once per (room, user). Each leaver with an opponent gets a
// window of their own, even when the opponent is already gone; the first
// window to expire decides the match.
func (m *Manager) disconnect(ctx context.Context, r *RoomState, p *ParticipantState, ob *outbox) error {
	opp := r.Opponent(p.UserID)
	p.Disconnected = true
	if opp == nil {
		obslog.L().Info("battle_match_abandoned", obslog.Room(r.RoomID), obslog.Match(r.MatchID))
		outcomes := map[string]domain.Outcome{}
		for _, uid := range r.Members() {
			outcomes[uid] = domain.OutcomeDisconnect
		}
		if err := m.finish(ctx, r, "", domain.WinReasonDisconnect, outcomes, ob); err != nil {
			return err
		}
		return m.teardown(ctx, r, ob, "ABANDONED", m.text("match.abandoned", nil))
	}

	key := graceKey(r.RoomID, p.UserID)
	if !m.sched.Pending(key) {
		roomID, matchID, userID := r.RoomID, r.MatchID, p.UserID
		m.schedule(key, m.now().Add(m.cfg.DisconnectGrace), func() { m.graceExpired(roomID, matchID, userID) })
	}
	if err := m.save(ctx, r); err != nil {
		return err
	}
	obslog.L().Info("battle_disconnect", obslog.Room(r.RoomID), obslog.User(p.UserID),
		zap.Duration("grace", m.cfg.DisconnectGrace))
	ob.snapshot(r)
	ob.roomNotice(r, "DISCONNECTED", m.text("match.disconnected", map[string]any{
		"Nickname": p.Nickname, "Seconds": int(m.cfg.DisconnectGrace.Seconds()),
	}))
	return nil
}

func (m *Manager) reconnect(r *RoomState, p *ParticipantState, ob *outbox) {
	m.sched.Cancel(graceKey(r.RoomID, p.UserID))
	p.Disconnected = false
	obslog.L().Info("battle_reconnect", obslog.Room(r.RoomID), obslog.User(p.UserID))
	ob.roomNotice(r, "RECONNECTED", m.text("match.reconnected", map[string]any{"Nickname": p.Nickname}))
}

// graceExpired is the disconnect grace callback.
func (m *Manager) graceExpired(roomID, matchID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	var ob outbox
	err := m.withRoomLock(ctx, roomID, func() error {
		r, err := m.store.Load(ctx, roomID)
		if err != nil || r == nil {
			return err
		}
		p := r.Participant(userID)
		if r.MatchID != matchID || r.Status != domain.StatusRunning || p == nil || !p.Disconnected {
			return nil
		}
		opp := r.Opponent(userID)
		if opp == nil {
			return m.disconnect(ctx, r, p, &ob)
		}
		obslog.L().Info("battle_grace_expired", obslog.Room(roomID), obslog.User(userID),
			zap.Bool("opponent_connected", !opp.Disconnected))
		return m.finish(ctx, r, opp.UserID, domain.WinReasonDisconnect, map[string]domain.Outcome{
			userID:     domain.OutcomeDisconnect,
			opp.UserID: domain.OutcomeNormal,
		}, &ob)
	})
	if err != nil {
		obslog.L().Error("battle_grace_failed", obslog.Room(roomID), obslog.User(userID), zap.Error(err))
		return
	}
	m.flush(ctx, &ob)
}
