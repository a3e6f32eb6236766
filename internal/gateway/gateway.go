// Package gateway accepts client websockets and turns their commands into
// orchestrator calls.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/COAI-team/backend-sub000/internal/battle"
	"github.com/COAI-team/backend-sub000/internal/domain"
	"github.com/COAI-team/backend-sub000/internal/notify"
	"github.com/COAI-team/backend-sub000/internal/obslog"
	"github.com/COAI-team/backend-sub000/pkg/battledto"
)

const (
	HeaderUserID = "X-User-Id"

	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// Battle is the orchestrator surface the gateway drives.
type Battle interface {
	CreateRoom(ctx context.Context, userID string, req battledto.CreateRoomRequest) (*battle.CreateRoomResult, error)
	JoinRoom(ctx context.Context, roomID, userID, password string) (battledto.RoomSnapshot, error)
	LeaveRoom(ctx context.Context, roomID, userID string) error
	KickGuest(ctx context.Context, roomID, hostID, targetID string) error
	Ready(ctx context.Context, roomID, userID string, ready bool) (battledto.RoomSnapshot, error)
	UpdateSettings(ctx context.Context, userID string, req battledto.UpdateSettingsRequest) (battledto.RoomSnapshot, error)
	Submit(ctx context.Context, userID string, req battledto.SubmitRequest) (battledto.SubmissionResult, error)
	Surrender(ctx context.Context, roomID, userID string) error
	Room(ctx context.Context, roomID string) (battledto.RoomSnapshot, error)
	ListLobby(ctx context.Context) ([]battledto.LobbyEntry, error)
	ActiveRoom(ctx context.Context, userID string) (*battledto.RoomSnapshot, error)
	Describe(err error) battledto.ErrorMessage
}

type Server struct {
	battle  Battle
	hub     *notify.Hub
	origins []string
	health  func(context.Context) error
	mux     *http.ServeMux
}

type Option func(*Server)

// WithOrigins sets the accepted Origin patterns for cross-origin clients.
func WithOrigins(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

func WithHealthCheck(fn func(context.Context) error) Option {
	return func(s *Server) { s.health = fn }
}

func New(b Battle, hub *notify.Hub, opts ...Option) *Server {
	s := &Server{battle: b, hub: hub, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		http.Error(w, "missing "+HeaderUserID, http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.origins,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("gateway_accept_failed", obslog.User(userID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := s.hub.Register(userID)
	obslog.L().Info("gateway_connected", obslog.User(userID))
	defer s.disconnected(client)

	go s.writeLoop(ctx, cancel, conn, client)
	go pingLoop(ctx, cancel, conn)

	s.greet(ctx, conn, userID)
	for {
		var cmd battledto.Command
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				obslog.L().Debug("gateway_read_failed", obslog.User(userID), zap.Error(err))
			}
			return
		}
		reply := s.dispatch(ctx, userID, cmd)
		if err := write(ctx, conn, reply); err != nil {
			return
		}
	}
}

// greet pushes the user's current room, if any, and the lobby.
func (s *Server) greet(ctx context.Context, conn *websocket.Conn, userID string) {
	if snap, err := s.battle.ActiveRoom(ctx, userID); err == nil && snap != nil {
		_ = write(ctx, conn, battledto.Event{Type: battledto.EventRoom, RoomID: snap.RoomID, Payload: snap})
	}
	if entries, err := s.battle.ListLobby(ctx); err == nil {
		_ = write(ctx, conn, battledto.Event{Type: battledto.EventLobby, Payload: entries})
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, c *notify.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			if err := write(ctx, conn, ev); err != nil {
				cancel()
				return
			}
		}
	}
}

func pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, pcancel := context.WithTimeout(ctx, 3*time.Second)
			err := conn.Ping(pctx)
			pcancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				cancel()
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, v any) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, v)
}

// disconnected treats the loss of a user's last connection during a running
// match as leaving it, which starts the disconnect grace.
func (s *Server) disconnected(c *notify.Client) {
	if left := s.hub.Unregister(c); left > 0 {
		return
	}
	obslog.L().Info("gateway_disconnected", obslog.User(c.UserID))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := s.battle.ActiveRoom(ctx, c.UserID)
	if err != nil || snap == nil || snap.Status != string(domain.StatusRunning) {
		return
	}
	if err := s.battle.LeaveRoom(ctx, snap.RoomID, c.UserID); err != nil {
		obslog.L().Warn("gateway_disconnect_leave_failed", obslog.User(c.UserID), obslog.Room(snap.RoomID), zap.Error(err))
	}
}

var errUnknownCommand = fmt.Errorf("%w: unknown command", battle.ErrInvalidArgs)

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return battle.ErrInvalidArgs
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", battle.ErrInvalidArgs, err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, userID string, cmd battledto.Command) battledto.Reply {
	data, err := s.run(ctx, userID, cmd)
	if err != nil {
		msg := s.battle.Describe(err)
		if msg.Code == "INTERNAL" {
			obslog.L().Error("gateway_command_failed", obslog.User(userID), zap.String("type", cmd.Type), zap.Error(err))
		}
		return battledto.Reply{ID: cmd.ID, Error: &msg}
	}
	return battledto.Reply{ID: cmd.ID, OK: true, Data: data}
}

func (s *Server) run(ctx context.Context, userID string, cmd battledto.Command) (any, error) {
	switch cmd.Type {
	case "create_room":
		var req battledto.CreateRoomRequest
		if err := decode(cmd.Payload, &req); err != nil {
			return nil, err
		}
		res, err := s.battle.CreateRoom(ctx, userID, req)
		if err != nil {
			return nil, err
		}
		return res.Room, nil
	case "join_room":
		var req battledto.JoinRoomRequest
		if err := decode(cmd.Payload, &req); err != nil {
			return nil, err
		}
		return s.battle.JoinRoom(ctx, req.RoomID, userID, req.Password)
	case "leave_room":
		var req battledto.RoomRequest
		if err := decode(cmd.Payload, &req); err != nil {
			return nil, err
		}
		return nil, s.battle.LeaveRoom(ctx, req.RoomID, userID)
	case "kick":
		var req battledto.KickRequest
		if err := decode(cmd.Payload, &req); err != nil {
			return nil, err
		}
		return nil, s.battle.KickGuest(ctx, req.RoomID, userID, req.TargetID)
	case "ready":
		var req battledto.ReadyRequest
		if err := decode(cmd.Payload, &req); err != nil {
			return nil, err
		}
		return s.battle.Ready(ctx, req.RoomID, userID, req.Ready)
	case "update_settings":
		var req battledto.UpdateSettingsRequest
		if err := decode(cmd.Payload, &req); err != nil {
			return nil, err
		}
		return s.battle.UpdateSettings(ctx, userID, req)
	case "submit":
		var req battledto.SubmitRequest
		if err := decode(cmd.Payload, &req); err != nil {
			return nil, err
		}
		return s.battle.Submit(ctx, userID, req)
	case "surrender":
		var req battledto.RoomRequest
		if err := decode(cmd.Payload, &req); err != nil {
			return nil, err
		}
		return nil, s.battle.Surrender(ctx, req.RoomID, userID)
	case "room":
		var req battledto.RoomRequest
		if err := decode(cmd.Payload, &req); err != nil {
			return nil, err
		}
		return s.battle.Room(ctx, req.RoomID)
	case "lobby":
		return s.battle.ListLobby(ctx)
	case "active_room":
		return s.battle.ActiveRoom(ctx, userID)
	}
	return nil, errUnknownCommand
}
