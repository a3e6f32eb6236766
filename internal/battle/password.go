package battle

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
	"unicode"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

const passwordLength = 4

func validPassword(pw string) bool {
	if len(pw) != passwordLength {
		return false
	}
	for _, r := range pw {
		if !unicode.IsDigit(r) || r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func hashPassword(pw string, cost int) (string, error) {
	if !validPassword(pw) {
		return "", ErrInvalidPassword
	}
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

func checkPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// passwordGuard limits wrong-password attempts per (room, user).
type passwordGuard struct {
	rdb      *redis.Client
	max      int
	window   time.Duration
	lockout  time.Duration
	delayMin time.Duration
	delayMax time.Duration
}

func (g *passwordGuard) keyAttempts(roomID, userID string) string {
	return "battle:pw:attempts:" + roomID + ":" + userID
}

func (g *passwordGuard) keyLock(roomID, userID string) string {
	return "battle:pw:lock:" + roomID + ":" + userID
}

func (g *passwordGuard) Locked(ctx context.Context, roomID, userID string) (bool, error) {
	n, err := g.rdb.Exists(ctx, g.keyLock(roomID, userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return n > 0, nil
}

// Fail records one wrong attempt and reports whether the user is now locked out.
func (g *passwordGuard) Fail(ctx context.Context, roomID, userID string) (bool, error) {
	key := g.keyAttempts(roomID, userID)
	n, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		_ = g.rdb.Expire(ctx, key, g.window).Err()
	}
	if int(n) < g.max {
		return false, nil
	}
	pipe := g.rdb.TxPipeline()
	pipe.Set(ctx, g.keyLock(roomID, userID), 1, g.lockout)
	pipe.Del(ctx, key)
	_, err = pipe.Exec(ctx)
	return true, err
}

func (g *passwordGuard) Reset(ctx context.Context, roomID, userID string) {
	_ = g.rdb.Del(ctx, g.keyAttempts(roomID, userID)).Err()
}

// failureDelay is a random pause in [delayMin, delayMax].
func (g *passwordGuard) failureDelay() time.Duration {
	if g.delayMax <= g.delayMin {
		return g.delayMin
	}
	return g.delayMin + rand.N(g.delayMax-g.delayMin+1)
}
