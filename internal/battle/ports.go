package battle

import (
	"context"
	"time"

	"github.com/COAI-team/backend-sub000/internal/domain"
	"github.com/COAI-team/backend-sub000/internal/penalty"
	"github.com/COAI-team/backend-sub000/pkg/battledto"
)

type Settlement interface {
	Hold(ctx context.Context, matchID, userID string, amount int64) error
	Settle(ctx context.Context, matchID, winnerID, loserID string, amount int64) error
	RefundAll(ctx context.Context, matchID string, userIDs ...string) error
	Balance(ctx context.Context, userID string) (int64, error)
}

type Penalties interface {
	Record(ctx context.Context, userID string, outcome domain.Outcome) (penalty.History, error)
	Check(ctx context.Context, userID string) (time.Time, bool, error)
}

// Ledger is the durable match record store.
type Ledger interface {
	Save(ctx context.Context, rec *domain.MatchRecord) error
	Get(ctx context.Context, matchID string) (*domain.MatchRecord, error)
	Transition(ctx context.Context, from domain.MatchStatus, rec *domain.MatchRecord) (bool, error)
}

type Scheduler interface {
	After(key string, at time.Time, fn func()) error
	Cancel(key string) bool
	CancelPrefix(prefix string) int
	Pending(key string) bool
}

// Judge grades one submission. Errors are treated as a rejection.
type Judge interface {
	Judge(ctx context.Context, req battledto.JudgeRequest) (battledto.JudgeVerdict, error)
}

type UserDirectory interface {
	Profile(ctx context.Context, userID string) (battledto.Profile, error)
}

// Notifier delivers events. Delivery is best effort and never fails the caller.
type Notifier interface {
	ToRoom(ctx context.Context, roomID string, members []string, ev battledto.Event)
	ToUser(ctx context.Context, userID string, ev battledto.Event)
	ToLobby(ctx context.Context, ev battledto.Event)
}

type Messages interface {
	Text(key string, data any) string
}
