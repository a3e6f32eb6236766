package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/COAI-team/backend-sub000/internal/battle"
	"github.com/COAI-team/backend-sub000/internal/notify"
	"github.com/COAI-team/backend-sub000/pkg/battledto"
)

type fakeBattle struct {
	mu     sync.Mutex
	active *battledto.RoomSnapshot
	left   []string
	ready  []battledto.ReadyRequest
}

func (f *fakeBattle) CreateRoom(_ context.Context, userID string, req battledto.CreateRoomRequest) (*battle.CreateRoomResult, error) {
	return &battle.CreateRoomResult{Room: battledto.RoomSnapshot{RoomID: "r1", HostID: userID, Title: req.Title}}, nil
}
func (f *fakeBattle) JoinRoom(context.Context, string, string, string) (battledto.RoomSnapshot, error) {
	return battledto.RoomSnapshot{}, battle.ErrRoomFull
}
func (f *fakeBattle) LeaveRoom(_ context.Context, roomID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, roomID+"/"+userID)
	return nil
}
func (f *fakeBattle) KickGuest(context.Context, string, string, string) error { return nil }
func (f *fakeBattle) Ready(_ context.Context, roomID, _ string, ready bool) (battledto.RoomSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, battledto.ReadyRequest{RoomID: roomID, Ready: ready})
	return battledto.RoomSnapshot{RoomID: roomID}, nil
}
func (f *fakeBattle) UpdateSettings(context.Context, string, battledto.UpdateSettingsRequest) (battledto.RoomSnapshot, error) {
	return battledto.RoomSnapshot{}, nil
}
func (f *fakeBattle) Submit(context.Context, string, battledto.SubmitRequest) (battledto.SubmissionResult, error) {
	return battledto.SubmissionResult{}, nil
}
func (f *fakeBattle) Surrender(context.Context, string, string) error { return nil }
func (f *fakeBattle) Room(context.Context, string) (battledto.RoomSnapshot, error) {
	return battledto.RoomSnapshot{}, battle.ErrRoomNotFound
}
func (f *fakeBattle) ListLobby(context.Context) ([]battledto.LobbyEntry, error) { return nil, nil }
func (f *fakeBattle) ActiveRoom(context.Context, string) (*battledto.RoomSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}
func (f *fakeBattle) Describe(err error) battledto.ErrorMessage {
	switch {
	case err == battle.ErrRoomFull:
		return battledto.ErrorMessage{Code: "ROOM_FULL"}
	case strings.Contains(err.Error(), battle.ErrInvalidArgs.Error()):
		return battledto.ErrorMessage{Code: "INVALID_ARGS"}
	}
	return battledto.ErrorMessage{Code: "INTERNAL"}
}

func (f *fakeBattle) leftCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.left)
}

type frame struct {
	ID    string                  `json:"id"`
	OK    bool                    `json:"ok"`
	Type  string                  `json:"type"`
	Error *battledto.ErrorMessage `json:"error"`
	Data  json.RawMessage         `json:"data"`
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hdr := http.Header{}
	hdr.Set(HeaderUserID, userID)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// await reads frames until pred matches.
func await(t *testing.T, conn *websocket.Conn, pred func(frame) bool) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if pred(f) {
			return f
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, cmd battledto.Command) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, cmd); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCommandDispatch(t *testing.T) {
	fb := &fakeBattle{}
	srv := httptest.NewServer(New(fb, notify.NewHub(8)).Handler())
	defer srv.Close()
	conn := dial(t, srv, "alice")

	send(t, conn, battledto.Command{ID: "1", Type: "create_room", Payload: json.RawMessage(`{"title":"duel"}`)})
	f := await(t, conn, func(f frame) bool { return f.ID == "1" })
	if !f.OK || !strings.Contains(string(f.Data), `"hostId":"alice"`) {
		t.Fatalf("unexpected reply: %+v %s", f, f.Data)
	}

	send(t, conn, battledto.Command{ID: "2", Type: "join_room", Payload: json.RawMessage(`{"roomId":"r1"}`)})
	f = await(t, conn, func(f frame) bool { return f.ID == "2" })
	if f.OK || f.Error == nil || f.Error.Code != "ROOM_FULL" {
		t.Fatalf("unexpected reply: %+v", f)
	}

	send(t, conn, battledto.Command{ID: "3", Type: "dance"})
	f = await(t, conn, func(f frame) bool { return f.ID == "3" })
	if f.Error == nil || f.Error.Code != "INVALID_ARGS" {
		t.Fatalf("unknown command reply: %+v", f)
	}

	send(t, conn, battledto.Command{ID: "4", Type: "ready", Payload: json.RawMessage(`{"roomId":"r1","ready":true}`)})
	if f = await(t, conn, func(f frame) bool { return f.ID == "4" }); !f.OK {
		t.Fatalf("ready reply: %+v", f)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.ready) != 1 || !fb.ready[0].Ready || fb.ready[0].RoomID != "r1" {
		t.Fatalf("ready not dispatched: %+v", fb.ready)
	}
}

func TestHubEventsReachSocket(t *testing.T) {
	hub := notify.NewHub(8)
	srv := httptest.NewServer(New(&fakeBattle{}, hub).Handler())
	defer srv.Close()
	conn := dial(t, srv, "bob")

	// lobby greeting proves registration happened
	await(t, conn, func(f frame) bool { return f.Type == battledto.EventLobby })
	hub.ToUser(context.Background(), "bob", battledto.Event{Type: battledto.EventNotice, RoomID: "r9"})
	await(t, conn, func(f frame) bool { return f.Type == battledto.EventNotice })
}

func TestDroppedSocketLeavesRunningMatch(t *testing.T) {
	fb := &fakeBattle{active: &battledto.RoomSnapshot{RoomID: "r1", Status: "RUNNING"}}
	hub := notify.NewHub(8)
	srv := httptest.NewServer(New(fb, hub).Handler())
	defer srv.Close()

	conn := dial(t, srv, "alice")
	await(t, conn, func(f frame) bool { return f.Type == battledto.EventLobby })
	conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(5 * time.Second)
	for fb.leftCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fb.leftCount() != 1 {
		t.Fatalf("running match was not left on disconnect")
	}
}

func TestMissingUserHeader(t *testing.T) {
	srv := httptest.NewServer(New(&fakeBattle{}, notify.NewHub(1)).Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}
