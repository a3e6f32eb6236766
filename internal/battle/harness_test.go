package battle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/COAI-team/backend-sub000/internal/domain"
	"github.com/COAI-team/backend-sub000/internal/ledger"
	"github.com/COAI-team/backend-sub000/internal/lock"
	"github.com/COAI-team/backend-sub000/internal/msgcat"
	"github.com/COAI-team/backend-sub000/internal/penalty"
	"github.com/COAI-team/backend-sub000/internal/points"
	"github.com/COAI-team/backend-sub000/internal/settlement"
	"github.com/COAI-team/backend-sub000/pkg/battledto"
)

type fakeJob struct {
	at time.Time
	fn func()
}

// fakeScheduler only runs jobs when a test fires them.
type fakeScheduler struct {
	mu   sync.Mutex
	jobs map[string]fakeJob
}

func newFakeScheduler() *fakeScheduler { return &fakeScheduler{jobs: make(map[string]fakeJob)} }

func (s *fakeScheduler) After(key string, at time.Time, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[key] = fakeJob{at: at, fn: fn}
	return nil
}

func (s *fakeScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	delete(s.jobs, key)
	return ok
}

func (s *fakeScheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.jobs {
		if strings.HasPrefix(k, prefix) {
			delete(s.jobs, k)
			n++
		}
	}
	return n
}

func (s *fakeScheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

func (s *fakeScheduler) fire(t *testing.T, key string) {
	t.Helper()
	s.mu.Lock()
	j, ok := s.jobs[key]
	delete(s.jobs, key)
	s.mu.Unlock()
	if !ok {
		t.Fatalf("no pending job %q (pending: %v)", key, s.keys())
	}
	j.fn()
}

func (s *fakeScheduler) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for k := range s.jobs {
		out = append(out, k)
	}
	return out
}

// fakeJudge accepts any source containing "ok".
type fakeJudge struct {
	err error
}

func (j *fakeJudge) Judge(_ context.Context, req battledto.JudgeRequest) (battledto.JudgeVerdict, error) {
	if j.err != nil {
		return battledto.JudgeVerdict{}, j.err
	}
	return battledto.JudgeVerdict{Accepted: strings.Contains(req.Source, "ok")}, nil
}

type sentEvent struct {
	to string
	ev battledto.Event
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (n *recordingNotifier) ToRoom(_ context.Context, _ string, members []string, ev battledto.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range members {
		n.events = append(n.events, sentEvent{to: m, ev: ev})
	}
}

func (n *recordingNotifier) ToUser(_ context.Context, userID string, ev battledto.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{to: userID, ev: ev})
}

func (n *recordingNotifier) ToLobby(_ context.Context, ev battledto.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{to: "*lobby", ev: ev})
}

// notice returns the first notice with code delivered to the user.
func (n *recordingNotifier) notice(userID, code string) (battledto.Notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e.to != userID {
			continue
		}
		if nt, ok := e.ev.Payload.(battledto.Notice); ok && nt.Code == code {
			return nt, true
		}
	}
	return battledto.Notice{}, false
}

type staticUsers map[string]string

func (u staticUsers) Profile(_ context.Context, userID string) (battledto.Profile, error) {
	if nick, ok := u[userID]; ok {
		return battledto.Profile{UserID: userID, Nickname: nick}, nil
	}
	return battledto.Profile{}, errors.New("unknown user")
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	mgr      *Manager
	rdb      *redis.Client
	mr       *miniredis.Miniredis
	sched    *fakeScheduler
	judge    *fakeJudge
	notifier *recordingNotifier
	points   *points.MemoryStore
	holds    settlement.HoldRepository
	ledger   ledger.Repository
	penalty  *penalty.Service
	locks    *lock.Manager
	clock    *manualClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat: %v", err)
	}
	pts := points.NewMemoryStore()
	pts.SetBalance("alice", 1000)
	pts.SetBalance("bob", 1000)
	holds := settlement.NewMemoryHolds()
	led := ledger.NewMemoryRepository()
	pen := penalty.NewService(rdb, 10*time.Minute)
	locks := lock.NewManager(rdb, 2*time.Second, 200*time.Millisecond)

	h := &harness{
		rdb:      rdb,
		mr:       mr,
		sched:    newFakeScheduler(),
		judge:    &fakeJudge{},
		notifier: &recordingNotifier{},
		points:   pts,
		holds:    holds,
		ledger:   led,
		penalty:  pen,
		locks:    locks,
		clock:    &manualClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.mgr = NewManager(Deps{
		Redis:      rdb,
		Locks:      locks,
		Settlement: settlement.NewService(pts, holds, led),
		Penalties:  pen,
		Ledger:     led,
		Scheduler:  h.sched,
		Judge:      h.judge,
		Users:      staticUsers{"alice": "Alice", "bob": "Bob"},
		Notifier:   h.notifier,
		Messages:   cat,
	}, Config{
		CountdownSeconds:   3,
		BaseScore:          1000,
		TimeBonusPerSecond: 10,
		BcryptCost:         bcrypt.MinCost,
	})
	h.mgr.now = h.clock.Now
	h.mgr.sleep = func(time.Duration) {}
	return h
}

func (h *harness) balance(t *testing.T, uid string) int64 {
	t.Helper()
	bal, err := h.points.Balance(context.Background(), uid)
	if err != nil {
		t.Fatalf("Balance(%s): %v", uid, err)
	}
	return bal
}

func (h *harness) room(t *testing.T, roomID string) *RoomState {
	t.Helper()
	r, err := h.mgr.store.Load(context.Background(), roomID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r
}

// pairedRoom creates alice's room, lets bob join and returns the room id.
func (h *harness) pairedRoom(t *testing.T, bet int64) string {
	t.Helper()
	ctx := context.Background()
	res, err := h.mgr.CreateRoom(ctx, "alice", battledto.CreateRoomRequest{Title: "duel", ProblemID: 7, LanguageID: 1, BetAmount: bet, MaxDurationMinutes: 30})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := h.mgr.JoinRoom(ctx, res.Room.RoomID, "bob", ""); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	return res.Room.RoomID
}

// runningRoom takes a paired room through ready, countdown and start.
func (h *harness) runningRoom(t *testing.T, bet int64) string {
	t.Helper()
	ctx := context.Background()
	roomID := h.pairedRoom(t, bet)
	if _, err := h.mgr.Ready(ctx, roomID, "alice", true); err != nil {
		t.Fatalf("Ready alice: %v", err)
	}
	if _, err := h.mgr.Ready(ctx, roomID, "bob", true); err != nil {
		t.Fatalf("Ready bob: %v", err)
	}
	h.sched.fire(t, startKey(roomID))
	if r := h.room(t, roomID); r.Status != domain.StatusRunning {
		t.Fatalf("expected RUNNING, got %s", r.Status)
	}
	return roomID
}
