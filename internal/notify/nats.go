package notify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/COAI-team/backend-sub000/internal/obslog"
	"github.com/COAI-team/backend-sub000/pkg/battledto"
)

const subjectPrefix = "battle."

func RoomSubject(roomID string) string { return subjectPrefix + "room." + sanitize(roomID) }
func UserSubject(userID string) string { return subjectPrefix + "user." + sanitize(userID) }
func LobbySubject() string             { return subjectPrefix + "lobby" }

// sanitize keeps ids from introducing extra subject tokens or wildcards.
func sanitize(id string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(strings.TrimSpace(id))
}

// NATSPublisher mirrors events onto NATS subjects for other nodes.
type NATSPublisher struct {
	nc *nats.Conn
}

func ConnectNATS(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("battle-server"),
		nats.ReconnectBufSize(5*1024*1024),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				obslog.L().Warn("notify_nats_disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			obslog.L().Info("notify_nats_reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

func (p *NATSPublisher) ToRoom(_ context.Context, roomID string, _ []string, ev battledto.Event) {
	p.publish(RoomSubject(roomID), ev)
}

func (p *NATSPublisher) ToUser(_ context.Context, userID string, ev battledto.Event) {
	p.publish(UserSubject(userID), ev)
}

func (p *NATSPublisher) ToLobby(_ context.Context, ev battledto.Event) {
	p.publish(LobbySubject(), ev)
}

func (p *NATSPublisher) publish(subject string, ev battledto.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		obslog.L().Warn("notify_nats_marshal_failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		obslog.L().Warn("notify_nats_publish_failed", zap.String("subject", subject), zap.Error(err))
	}
}
