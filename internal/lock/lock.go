// Package lock provides short-lived named leases on Redis.
//
// A lease is a key set with NX and a TTL whose value is a random token; only
// the holder of that token can release it. Acquire polls until the bounded
// wait elapses and then fails with ErrTimeout, which callers surface as a
// retryable error.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/COAI-team/backend-sub000/internal/obslog"
	"go.uber.org/zap"
)

var (
	ErrTimeout = errors.New("lock wait timeout")
	ErrNotHeld = errors.New("lock not held by this lease")
)

const (
	pollMin = 10 * time.Millisecond
	pollMax = 100 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

type Manager struct {
	rdb  *redis.Client
	ttl  time.Duration
	wait time.Duration
}

func NewManager(rdb *redis.Client, ttl, wait time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if wait <= 0 {
		wait = 3 * time.Second
	}
	return &Manager{rdb: rdb, ttl: ttl, wait: wait}
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	Key   string
	Token string
	m     *Manager
}

func UserKey(userID string) string { return "battle:lock:user:" + strings.TrimSpace(userID) }
func RoomKey(roomID string) string { return "battle:lock:room:" + strings.TrimSpace(roomID) }

// Acquire blocks up to the configured wait for the named lease.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lease, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(m.wait)
	delay := pollMin
	for {
		ok, err := m.rdb.SetNX(ctx, key, token, m.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lease{Key: key, Token: token, m: m}, nil
		}
		if !time.Now().Add(delay).Before(deadline) {
			obslog.L().Warn("lock_timeout", zap.String("key", key), zap.Duration("wait", m.wait))
			return nil, ErrTimeout
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if delay *= 2; delay > pollMax {
			delay = pollMax
		}
	}
}

// Release deletes the key only if it still carries this lease's token.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.m == nil {
		return nil
	}
	// 호출자 ctx가 이미 취소되어도 해제는 시도한다.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), time.Second)
		defer cancel()
	}
	n, err := releaseScript.Run(ctx, l.m.rdb, []string{l.Key}, l.Token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
