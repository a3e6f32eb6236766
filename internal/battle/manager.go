// Package battle runs the two-player coding duel rooms.
//
// Every mutation takes the acting user's lock and then the room's lock, loads
// the RoomState from Redis, validates, mutates, persists and releases. Timer
// callbacks take the room lock only and re-validate the room and match id
// before acting, so a stale or duplicated timer is harmless. Events are
// collected while locked and sent after release.
package battle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/COAI-team/backend-sub000/internal/domain"
	"github.com/COAI-team/backend-sub000/internal/lock"
	"github.com/COAI-team/backend-sub000/internal/obslog"
	"github.com/COAI-team/backend-sub000/pkg/battledto"
)

type Config struct {
	CountdownSeconds          int
	DisconnectGrace           time.Duration
	PostGameLock              time.Duration
	SubmitCooldown            time.Duration
	JudgeTimeout              time.Duration
	DefaultMaxDurationMinutes int

	BaseScore          int64
	TimeBonusPerSecond int64

	PasswordMaxAttempts int
	PasswordWindow      time.Duration
	PasswordLockout     time.Duration
	PasswordDelayMin    time.Duration
	PasswordDelayMax    time.Duration
	BcryptCost          int
}

func (c *Config) withDefaults() {
	if c.CountdownSeconds <= 0 {
		c.CountdownSeconds = 5
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = 15 * time.Second
	}
	if c.PostGameLock <= 0 {
		c.PostGameLock = 10 * time.Second
	}
	if c.SubmitCooldown <= 0 {
		c.SubmitCooldown = 5 * time.Second
	}
	if c.JudgeTimeout <= 0 {
		c.JudgeTimeout = 10 * time.Second
	}
	if c.DefaultMaxDurationMinutes <= 0 {
		c.DefaultMaxDurationMinutes = 30
	}
	if c.BaseScore <= 0 {
		c.BaseScore = 1000
	}
	if c.PasswordMaxAttempts <= 0 {
		c.PasswordMaxAttempts = 5
	}
	if c.PasswordWindow <= 0 {
		c.PasswordWindow = time.Minute
	}
	if c.PasswordLockout <= 0 {
		c.PasswordLockout = 5 * time.Minute
	}
	if c.PasswordDelayMin == 0 && c.PasswordDelayMax == 0 {
		c.PasswordDelayMin, c.PasswordDelayMax = 100*time.Millisecond, 300*time.Millisecond
	}
}

type Deps struct {
	Redis      *redis.Client
	Locks      *lock.Manager
	Settlement Settlement
	Penalties  Penalties
	Ledger     Ledger
	Scheduler  Scheduler
	Judge      Judge
	Users      UserDirectory
	Notifier   Notifier
	Messages   Messages
}

type Manager struct {
	store      *Store
	locks      *lock.Manager
	settlement Settlement
	penalties  Penalties
	ledger     Ledger
	sched      Scheduler
	judge      Judge
	users      UserDirectory
	notifier   Notifier
	msgs       Messages
	pw         *passwordGuard
	cfg        Config

	now   func() time.Time
	sleep func(time.Duration)
}

func NewManager(d Deps, cfg Config) *Manager {
	cfg.withDefaults()
	return &Manager{
		store:      NewStore(d.Redis),
		locks:      d.Locks,
		settlement: d.Settlement,
		penalties:  d.Penalties,
		ledger:     d.Ledger,
		sched:      d.Scheduler,
		judge:      d.Judge,
		users:      d.Users,
		notifier:   d.Notifier,
		msgs:       d.Messages,
		pw: &passwordGuard{
			rdb:      d.Redis,
			max:      cfg.PasswordMaxAttempts,
			window:   cfg.PasswordWindow,
			lockout:  cfg.PasswordLockout,
			delayMin: cfg.PasswordDelayMin,
			delayMax: cfg.PasswordDelayMax,
		},
		cfg:   cfg,
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// withLocks runs fn holding the user lock and then the room lock.
func (m *Manager) withLocks(ctx context.Context, userID, roomID string, fn func() error) error {
	ul, err := m.locks.Acquire(ctx, lock.UserKey(userID))
	if err != nil {
		return err
	}
	defer m.release(ctx, ul)
	return m.withRoomLock(ctx, roomID, fn)
}

func (m *Manager) withRoomLock(ctx context.Context, roomID string, fn func() error) error {
	rl, err := m.locks.Acquire(ctx, lock.RoomKey(roomID))
	if err != nil {
		return err
	}
	defer m.release(ctx, rl)
	return fn()
}

func (m *Manager) release(ctx context.Context, l *lock.Lease) {
	if err := l.Release(ctx); err != nil {
		obslog.L().Warn("battle_lock_release_failed", zap.String("key", l.Key), zap.Error(err))
	}
}

func (m *Manager) text(key string, data any) string {
	if m.msgs == nil {
		return key
	}
	return m.msgs.Text(key, data)
}

func (m *Manager) profile(ctx context.Context, userID string) battledto.Profile {
	fallback := battledto.Profile{UserID: userID, Nickname: placeholderNickname(userID)}
	if m.users == nil {
		return fallback
	}
	p, err := m.users.Profile(ctx, userID)
	if err != nil || strings.TrimSpace(p.Nickname) == "" {
		if err != nil {
			obslog.L().Debug("battle_profile_fallback", obslog.User(userID), zap.Error(err))
		}
		return fallback
	}
	p.UserID = userID
	return p
}

func placeholderNickname(userID string) string {
	if len(userID) > 6 {
		userID = userID[:6]
	}
	return "player-" + userID
}

func (m *Manager) checkPenalty(ctx context.Context, userID string) error {
	if m.penalties == nil {
		return nil
	}
	until, ok, err := m.penalties.Check(ctx, userID)
	if err != nil {
		return err
	}
	if ok {
		return &PenaltyError{Until: until}
	}
	return nil
}

// liveActiveRoom resolves the user's room pointer and heals it when it no
// longer points at a room the user is in.
func (m *Manager) liveActiveRoom(ctx context.Context, userID string) (*RoomState, error) {
	id, err := m.store.Active(ctx, userID)
	if err != nil || id == "" {
		return nil, err
	}
	r, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil || !r.IsParticipant(userID) || r.Status == domain.StatusCanceled {
		obslog.L().Info("battle_stale_pointer_cleared", obslog.User(userID), obslog.Room(id))
		return nil, m.store.ClearActive(ctx, userID, id)
	}
	return r, nil
}

func (m *Manager) save(ctx context.Context, r *RoomState) error {
	r.UpdatedAt = m.now()
	return m.store.Save(ctx, r)
}

// syncLedger mirrors the room into the ledger. A status change is written as
// compare-and-set from the previous status; false means another writer (the
// recovery sweep) moved the record first.
func (m *Manager) syncLedger(ctx context.Context, r *RoomState, from domain.MatchStatus) bool {
	if m.ledger == nil {
		return true
	}
	rec := r.record()
	if from == r.Status {
		if err := m.ledger.Save(ctx, rec); err != nil {
			obslog.L().Error("battle_ledger_save_failed", obslog.Room(r.RoomID), obslog.Match(r.MatchID), zap.Error(err))
		}
		return true
	}
	ok, err := m.ledger.Transition(ctx, from, rec)
	if err != nil {
		obslog.L().Error("battle_ledger_transition_failed", obslog.Room(r.RoomID), obslog.Match(r.MatchID),
			zap.String("from", string(from)), zap.String("to", string(r.Status)), zap.Error(err))
		return true
	}
	if !ok {
		obslog.L().Warn("battle_ledger_conflict", obslog.Room(r.RoomID), obslog.Match(r.MatchID),
			zap.String("from", string(from)), zap.String("to", string(r.Status)))
	}
	return ok
}

type CreateRoomResult struct {
	Room    battledto.RoomSnapshot
	Resumed bool
}

func (m *Manager) CreateRoom(ctx context.Context, userID string, req battledto.CreateRoomRequest) (*CreateRoomResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidArgs
	}
	if req.BetAmount < 0 {
		return nil, ErrInvalidBet
	}
	var hash string
	if req.Private {
		h, err := hashPassword(req.Password, m.cfg.BcryptCost)
		if err != nil {
			return nil, err
		}
		hash = h
	}
	if err := m.checkPenalty(ctx, userID); err != nil {
		return nil, err
	}
	prof := m.profile(ctx, userID)
	roomID := uuid.NewString()

	var (
		res = &CreateRoomResult{}
		ob  outbox
	)
	err := m.withLocks(ctx, userID, roomID, func() error {
		existing, err := m.liveActiveRoom(ctx, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			res.Room, res.Resumed = snapshot(existing), true
			return nil
		}

		now := m.now()
		maxDur := req.MaxDurationMinutes
		if maxDur <= 0 {
			maxDur = m.cfg.DefaultMaxDurationMinutes
		}
		r := &RoomState{
			RoomID:             roomID,
			MatchID:            roomID,
			Title:              strings.TrimSpace(req.Title),
			Status:             domain.StatusWaiting,
			HostID:             userID,
			Participants:       map[string]*ParticipantState{userID: {UserID: userID, Nickname: prof.Nickname, Grade: prof.Grade}},
			ProblemID:          req.ProblemID,
			LanguageID:         req.LanguageID,
			LevelMode:          req.LevelMode,
			BetAmount:          req.BetAmount,
			MaxDurationMinutes: maxDur,
			Private:            req.Private,
			PasswordHash:       hash,
			CreatedAt:          now,
		}
		m.refreshBalance(ctx, r, userID)
		if err := m.save(ctx, r); err != nil {
			return err
		}
		if err := m.store.SetActive(ctx, userID, roomID); err != nil {
			return err
		}
		if err := m.store.AddLobby(ctx, roomID); err != nil {
			return err
		}
		m.syncLedger(ctx, r, r.Status)
		obslog.L().Info("battle_room_create", obslog.Room(roomID), obslog.User(userID),
			zap.Int64("bet", r.BetAmount), zap.Bool("private", r.Private))
		res.Room = snapshot(r)
		ob.snapshot(r)
		ob.lobby = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.flush(ctx, &ob)
	return res, nil
}

func (m *Manager) JoinRoom(ctx context.Context, roomID, userID, password string) (battledto.RoomSnapshot, error) {
	roomID, userID = strings.TrimSpace(roomID), strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return battledto.RoomSnapshot{}, ErrInvalidArgs
	}
	prof := m.profile(ctx, userID)

	var (
		out battledto.RoomSnapshot
		ob  outbox
	)
	err := m.withLocks(ctx, userID, roomID, func() error {
		r, err := m.store.Load(ctx, roomID)
		if err != nil {
			return err
		}
		if r == nil {
			return ErrRoomNotFound
		}
		if p := r.Participant(userID); p != nil {
			if r.Status == domain.StatusRunning && p.Disconnected {
				m.reconnect(r, p, &ob)
				if err := m.save(ctx, r); err != nil {
					return err
				}
				ob.snapshot(r)
			}
			out = snapshot(r)
			return nil
		}
		if r.wasKicked(userID) {
			return ErrKicked
		}
		if err := m.checkPenalty(ctx, userID); err != nil {
			return err
		}
		if other, err := m.liveActiveRoom(ctx, userID); err != nil {
			return err
		} else if other != nil {
			return ErrAlreadyInRoom
		}
		switch r.Status {
		case domain.StatusWaiting:
		case domain.StatusFinished:
			return ErrPostGameLocked
		default:
			return ErrBadState
		}
		if r.GuestID != "" {
			return ErrRoomFull
		}
		if r.Private {
			locked, err := m.pw.Locked(ctx, roomID, userID)
			if err != nil {
				return err
			}
			if locked {
				return ErrPasswordLocked
			}
			if !checkPassword(r.PasswordHash, password) {
				nowLocked, err := m.pw.Fail(ctx, roomID, userID)
				if err != nil {
					return err
				}
				obslog.L().Info("battle_join_wrong_password", obslog.Room(roomID), obslog.User(userID), zap.Bool("locked", nowLocked))
				if nowLocked {
					return ErrPasswordLocked
				}
				return ErrWrongPassword
			}
			m.pw.Reset(ctx, roomID, userID)
		}

		r.GuestID = userID
		r.Participants[userID] = &ParticipantState{UserID: userID, Nickname: prof.Nickname, Grade: prof.Grade}
		m.refreshBalance(ctx, r, userID)
		if err := m.save(ctx, r); err != nil {
			return err
		}
		if err := m.store.SetActive(ctx, userID, roomID); err != nil {
			return err
		}
		m.syncLedger(ctx, r, r.Status)
		obslog.L().Info("battle_room_join", obslog.Room(roomID), obslog.User(userID))
		ob.snapshot(r)
		ob.roomNotice(r, "JOINED", m.text("room.joined", map[string]any{"Nickname": prof.Nickname}))
		ob.lobby = true
		out = snapshot(r)
		return nil
	})
	if errors.Is(err, ErrWrongPassword) || errors.Is(err, ErrPasswordLocked) {
		// 잠금 해제 후 지연
		m.sleep(m.pw.failureDelay())
	}
	if err != nil {
		return battledto.RoomSnapshot{}, err
	}
	m.flush(ctx, &ob)
	return out, nil
}

func (m *Manager) LeaveRoom(ctx context.Context, roomID, userID string) error {
	roomID, userID = strings.TrimSpace(roomID), strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return ErrInvalidArgs
	}
	var ob outbox
	err := m.withLocks(ctx, userID, roomID, func() error {
		r, err := m.store.Load(ctx, roomID)
		if err != nil {
			return err
		}
		if r == nil {
			_ = m.store.ClearActive(ctx, userID, roomID)
			return ErrRoomNotFound
		}
		p := r.Participant(userID)
		if p == nil {
			return ErrNotParticipant
		}
		switch r.Status {
		case domain.StatusCountdown:
			return ErrLeaveDuringCountdown
		case domain.StatusRunning:
			return m.disconnect(ctx, r, p, &ob)
		case domain.StatusCanceled:
			return m.teardown(ctx, r, &ob, "CANCELED", m.text("match.canceled", nil))
		}
		return m.vacate(ctx, r, userID, &ob)
	})
	if err != nil {
		return err
	}
	m.flush(ctx, &ob)
	return nil
}

// vacate removes a participant outside of a live match.
func (m *Manager) vacate(ctx context.Context, r *RoomState, userID string, ob *outbox) error {
	p := r.Participants[userID]
	nickname := ""
	if p != nil {
		nickname = p.Nickname
	}
	wasHost := userID == r.HostID
	r.removeParticipant(userID)
	if err := m.store.ClearActive(ctx, userID, r.RoomID); err != nil {
		return err
	}
	if r.HostID == "" {
		if r.Status == domain.StatusWaiting {
			from := r.Status
			if err := r.transition(domain.StatusCanceled); err != nil {
				return err
			}
			m.syncLedger(ctx, r, from)
		}
		obslog.L().Info("battle_room_empty", obslog.Room(r.RoomID), obslog.User(userID))
		return m.teardown(ctx, r, ob, "EMPTY", "")
	}
	if err := m.save(ctx, r); err != nil {
		return err
	}
	if r.Status == domain.StatusWaiting {
		m.syncLedger(ctx, r, r.Status)
	}
	obslog.L().Info("battle_room_leave", obslog.Room(r.RoomID), obslog.User(userID), zap.Bool("was_host", wasHost))
	ob.snapshot(r)
	ob.roomNotice(r, "LEFT", m.text("room.left", map[string]any{"Nickname": nickname}))
	if wasHost {
		if h := r.Participant(r.HostID); h != nil {
			ob.roomNotice(r, "HOST_CHANGED", m.text("room.host_changed", map[string]any{"Nickname": h.Nickname}))
		}
	}
	ob.lobby = true
	return nil
}

func (m *Manager) KickGuest(ctx context.Context, roomID, hostID, targetID string) error {
	roomID, hostID, targetID = strings.TrimSpace(roomID), strings.TrimSpace(hostID), strings.TrimSpace(targetID)
	if roomID == "" || hostID == "" || targetID == "" || hostID == targetID {
		return ErrInvalidArgs
	}
	var ob outbox
	err := m.withLocks(ctx, hostID, roomID, func() error {
		r, err := m.store.Load(ctx, roomID)
		if err != nil {
			return err
		}
		if r == nil {
			return ErrRoomNotFound
		}
		if r.HostID != hostID {
			return ErrNotHost
		}
		if r.Status == domain.StatusCountdown || r.Status == domain.StatusRunning {
			return ErrBadState
		}
		if r.GuestID != targetID {
			return ErrNotParticipant
		}
		r.removeParticipant(targetID)
		r.Kicked = append(r.Kicked, targetID)
		if err := m.store.ClearActive(ctx, targetID, roomID); err != nil {
			return err
		}
		if err := m.save(ctx, r); err != nil {
			return err
		}
		if r.Status == domain.StatusWaiting {
			m.syncLedger(ctx, r, r.Status)
		}
		obslog.L().Info("battle_room_kick", obslog.Room(roomID), obslog.User(hostID), zap.String("target", targetID))
		ob.notice(targetID, roomID, "KICKED", m.text("room.kicked", nil))
		ob.snapshot(r)
		ob.lobby = true
		return nil
	})
	if err != nil {
		return err
	}
	m.flush(ctx, &ob)
	return nil
}

func (m *Manager) Ready(ctx context.Context, roomID, userID string, ready bool) (battledto.RoomSnapshot, error) {
	roomID, userID = strings.TrimSpace(roomID), strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return battledto.RoomSnapshot{}, ErrInvalidArgs
	}
	var (
		out battledto.RoomSnapshot
		ob  outbox
	)
	err := m.withLocks(ctx, userID, roomID, func() error {
		r, err := m.store.Load(ctx, roomID)
		if err != nil {
			return err
		}
		if r == nil {
			return ErrRoomNotFound
		}
		p := r.Participant(userID)
		if p == nil {
			return ErrNotParticipant
		}
		switch {
		case r.Status == domain.StatusWaiting:
			p.Ready = ready
			if r.bothReady() && !m.sched.Pending(startKey(roomID)) {
				if err := m.startCountdown(ctx, r, &ob); err != nil {
					return err
				}
			}
		case r.Status == domain.StatusCountdown && !ready:
			p.Ready = false
			if err := m.abortCountdown(ctx, r, &ob); err != nil {
				return err
			}
		case r.Status == domain.StatusCountdown:
			out = snapshot(r)
			return nil
		default:
			return ErrBadState
		}
		if err := m.save(ctx, r); err != nil {
			return err
		}
		ob.snapshot(r)
		out = snapshot(r)
		return nil
	})
	if err != nil {
		return battledto.RoomSnapshot{}, err
	}
	m.flush(ctx, &ob)
	return out, nil
}

func (m *Manager) UpdateSettings(ctx context.Context, userID string, req battledto.UpdateSettingsRequest) (battledto.RoomSnapshot, error) {
	roomID, userID := strings.TrimSpace(req.RoomID), strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return battledto.RoomSnapshot{}, ErrInvalidArgs
	}
	if req.BetAmount != nil && *req.BetAmount < 0 {
		return battledto.RoomSnapshot{}, ErrInvalidBet
	}
	var hash string
	if req.Password != nil && (req.Private == nil || *req.Private) {
		h, err := hashPassword(*req.Password, m.cfg.BcryptCost)
		if err != nil {
			return battledto.RoomSnapshot{}, err
		}
		hash = h
	}

	var (
		out battledto.RoomSnapshot
		ob  outbox
	)
	err := m.withLocks(ctx, userID, roomID, func() error {
		r, err := m.store.Load(ctx, roomID)
		if err != nil {
			return err
		}
		if r == nil {
			return ErrRoomNotFound
		}
		if r.HostID != userID {
			return ErrNotHost
		}
		if r.Status != domain.StatusWaiting && r.Status != domain.StatusCountdown {
			return ErrBadState
		}
		private := r.Private
		if req.Private != nil {
			private = *req.Private
		}
		switch {
		case !private:
			r.Private, r.PasswordHash = false, ""
		case hash != "":
			r.Private, r.PasswordHash = true, hash
		case r.PasswordHash == "":
			return ErrInvalidPassword
		}
		if r.Status == domain.StatusCountdown {
			// 조건이 바뀌면 카운트다운을 되돌리고 두 사람 모두 다시 준비해야 한다
			for _, p := range r.Participants {
				p.Ready = false
			}
			if err := m.abortCountdown(ctx, r, &ob); err != nil {
				return err
			}
		}
		if req.Title != nil {
			r.Title = strings.TrimSpace(*req.Title)
		}
		if req.ProblemID != nil {
			r.ProblemID = *req.ProblemID
		}
		if req.LanguageID != nil {
			r.LanguageID = *req.LanguageID
		}
		if req.LevelMode != nil {
			r.LevelMode = *req.LevelMode
		}
		if req.BetAmount != nil {
			r.BetAmount = *req.BetAmount
		}
		if req.MaxDurationMinutes != nil && *req.MaxDurationMinutes > 0 {
			r.MaxDurationMinutes = *req.MaxDurationMinutes
		}
		if err := m.save(ctx, r); err != nil {
			return err
		}
		m.syncLedger(ctx, r, r.Status)
		obslog.L().Info("battle_room_settings", obslog.Room(roomID), obslog.User(userID), zap.Int64("bet", r.BetAmount))
		ob.snapshot(r)
		ob.lobby = true
		out = snapshot(r)
		return nil
	})
	if err != nil {
		return battledto.RoomSnapshot{}, err
	}
	m.flush(ctx, &ob)
	return out, nil
}

// Room returns the current snapshot of a room.
func (m *Manager) Room(ctx context.Context, roomID string) (battledto.RoomSnapshot, error) {
	r, err := m.store.Load(ctx, strings.TrimSpace(roomID))
	if err != nil {
		return battledto.RoomSnapshot{}, err
	}
	if r == nil {
		return battledto.RoomSnapshot{}, ErrRoomNotFound
	}
	return snapshot(r), nil
}

// ActiveRoom returns the room the user currently belongs to, if any.
func (m *Manager) ActiveRoom(ctx context.Context, userID string) (*battledto.RoomSnapshot, error) {
	r, err := m.liveActiveRoom(ctx, strings.TrimSpace(userID))
	if err != nil || r == nil {
		return nil, err
	}
	s := snapshot(r)
	return &s, nil
}

func (m *Manager) refreshBalance(ctx context.Context, r *RoomState, userIDs ...string) {
	if m.settlement == nil {
		return
	}
	if len(userIDs) == 0 {
		userIDs = r.Members()
	}
	for _, uid := range userIDs {
		p := r.Participants[uid]
		if p == nil {
			continue
		}
		if bal, err := m.settlement.Balance(ctx, uid); err == nil {
			p.PointBalance = bal
		}
	}
}
