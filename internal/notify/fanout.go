package notify

import (
	"context"

	"github.com/COAI-team/backend-sub000/pkg/battledto"
)

type Target interface {
	ToRoom(ctx context.Context, roomID string, members []string, ev battledto.Event)
	ToUser(ctx context.Context, userID string, ev battledto.Event)
	ToLobby(ctx context.Context, ev battledto.Event)
}

// Fanout sends every event to each target in order. nil targets are skipped.
type Fanout []Target

func NewFanout(targets ...Target) Fanout {
	out := make(Fanout, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

func (f Fanout) ToRoom(ctx context.Context, roomID string, members []string, ev battledto.Event) {
	for _, t := range f {
		t.ToRoom(ctx, roomID, members, ev)
	}
}

func (f Fanout) ToUser(ctx context.Context, userID string, ev battledto.Event) {
	for _, t := range f {
		t.ToUser(ctx, userID, ev)
	}
}

func (f Fanout) ToLobby(ctx context.Context, ev battledto.Event) {
	for _, t := range f {
		t.ToLobby(ctx, ev)
	}
}
