package battle

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/COAI-team/backend-sub000/internal/domain"
	"github.com/COAI-team/backend-sub000/internal/obslog"
	"github.com/COAI-team/backend-sub000/pkg/battledto"
)

func snapshot(r *RoomState) battledto.RoomSnapshot {
	s := battledto.RoomSnapshot{
		RoomID:             r.RoomID,
		MatchID:            r.MatchID,
		Title:              r.Title,
		Status:             string(r.Status),
		HostID:             r.HostID,
		GuestID:            r.GuestID,
		ProblemID:          r.ProblemID,
		LanguageID:         r.LanguageID,
		LevelMode:          r.LevelMode,
		BetAmount:          r.BetAmount,
		MaxDurationMinutes: r.MaxDurationMinutes,
		Private:            r.Private,
		CountdownEndsAt:    r.CountdownEndsAt,
		StartedAt:          r.StartedAt,
		FinishedAt:         r.FinishedAt,
		WinnerID:           r.WinnerID,
		WinReason:          string(r.WinReason),
		PostGameUntil:      r.PostGameUntil,
	}
	for _, uid := range r.Members() {
		p := r.Participants[uid]
		if p == nil {
			continue
		}
		s.Participants = append(s.Participants, battledto.ParticipantSnapshot{
			UserID:          p.UserID,
			Nickname:        p.Nickname,
			Grade:           p.Grade,
			Role:            string(r.RoleOf(uid)),
			Ready:           p.Ready,
			Surrendered:     p.Surrendered,
			Finished:        p.Finished,
			Disconnected:    p.Disconnected,
			LastSubmittedAt: p.LastSubmittedAt,
			ElapsedSeconds:  p.ElapsedSeconds,
			BaseScore:       p.BaseScore,
			TimeBonus:       p.TimeBonus,
			FinalScore:      p.FinalScore,
			PointBalance:    p.PointBalance,
			JudgeMessage:    p.JudgeMessage,
		})
	}
	return s
}

func lobbyEntry(r *RoomState) battledto.LobbyEntry {
	e := battledto.LobbyEntry{
		RoomID:    r.RoomID,
		Title:     r.Title,
		Status:    string(r.Status),
		LevelMode: r.LevelMode,
		BetAmount: r.BetAmount,
		Private:   r.Private,
		Players:   len(r.Members()),
	}
	if h := r.Participant(r.HostID); h != nil {
		e.HostNickname = h.Nickname
	}
	return e
}

type userNotice struct {
	userID string
	ev     battledto.Event
}

type roomEvent struct {
	roomID  string
	members []string
	ev      battledto.Event
}

// outbox collects events while locks are held; flush sends them after release.
type outbox struct {
	room  []roomEvent
	user  []userNotice
	lobby bool
}

func (o *outbox) snapshot(r *RoomState) {
	o.room = append(o.room, roomEvent{
		roomID:  r.RoomID,
		members: r.Members(),
		ev:      battledto.Event{Type: battledto.EventRoom, RoomID: r.RoomID, Payload: snapshot(r)},
	})
}

func (o *outbox) roomNotice(r *RoomState, code, msg string) {
	o.room = append(o.room, roomEvent{
		roomID:  r.RoomID,
		members: r.Members(),
		ev:      battledto.Event{Type: battledto.EventNotice, RoomID: r.RoomID, Payload: battledto.Notice{Code: code, Message: msg}},
	})
}

func (o *outbox) closed(roomID string, members []string, code, msg string) {
	o.room = append(o.room, roomEvent{
		roomID:  roomID,
		members: members,
		ev:      battledto.Event{Type: battledto.EventClosed, RoomID: roomID, Payload: battledto.Notice{Code: code, Message: msg}},
	})
}

func (o *outbox) notice(userID, roomID, code, msg string) {
	o.user = append(o.user, userNotice{
		userID: userID,
		ev:     battledto.Event{Type: battledto.EventNotice, RoomID: roomID, Payload: battledto.Notice{Code: code, Message: msg}},
	})
}

func (m *Manager) flush(ctx context.Context, o *outbox) {
	if o == nil || m.notifier == nil {
		return
	}
	for _, e := range o.room {
		m.notifier.ToRoom(ctx, e.roomID, e.members, e.ev)
	}
	for _, n := range o.user {
		m.notifier.ToUser(ctx, n.userID, n.ev)
	}
	if o.lobby {
		entries, err := m.ListLobby(ctx)
		if err != nil {
			obslog.L().Warn("battle_lobby_broadcast_failed", zap.Error(err))
			return
		}
		m.notifier.ToLobby(ctx, battledto.Event{Type: battledto.EventLobby, Payload: entries})
	}
}

// ListLobby returns joinable rooms, newest first.
func (m *Manager) ListLobby(ctx context.Context) ([]battledto.LobbyEntry, error) {
	rooms, err := m.store.Lobby(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.After(rooms[j].CreatedAt) })
	out := make([]battledto.LobbyEntry, 0, len(rooms))
	for _, r := range rooms {
		if r.Status != domain.StatusWaiting {
			continue
		}
		out = append(out, lobbyEntry(r))
	}
	return out, nil
}
