package points

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/COAI-team/backend-sub000/internal/domain"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]int64
	history  []domain.PointEntry
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]int64)}
}

// SetBalance opens (or overwrites) an account.
func (m *MemoryStore) SetBalance(userID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = balance
}

func (m *MemoryStore) HoldBet(_ context.Context, userID, matchID string, amount int64) (*domain.PointEntry, error) {
	return m.apply(userID, matchID, domain.PointHoldBet, -amount)
}

func (m *MemoryStore) SettleWin(_ context.Context, userID, matchID string, amount int64) (*domain.PointEntry, error) {
	return m.apply(userID, matchID, domain.PointSettleWin, amount)
}

func (m *MemoryStore) Refund(_ context.Context, userID, matchID string, amount int64) (*domain.PointEntry, error) {
	return m.apply(userID, matchID, domain.PointRefund, amount)
}

func (m *MemoryStore) apply(userID, matchID string, kind domain.PointKind, delta int64) (*domain.PointEntry, error) {
	if userID == "" || matchID == "" {
		return nil, fmt.Errorf("point %s: empty user or match id", kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[userID]
	if !ok {
		return nil, domain.ErrNoPointAccount
	}
	if bal+delta < 0 {
		return nil, domain.ErrInsufficientPoints
	}
	bal += delta
	m.balances[userID] = bal
	m.nextID++
	e := domain.PointEntry{
		ID:           m.nextID,
		UserID:       userID,
		MatchID:      matchID,
		Kind:         kind,
		Delta:        delta,
		BalanceAfter: bal,
		CreatedAt:    time.Now(),
	}
	m.history = append(m.history, e)
	return &e, nil
}

func (m *MemoryStore) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[userID]
	if !ok {
		return 0, domain.ErrNoPointAccount
	}
	return bal, nil
}

func (m *MemoryStore) LastEntry(_ context.Context, matchID, userID string) (*domain.PointEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		e := m.history[i]
		if e.MatchID == matchID && e.UserID == userID {
			return &e, nil
		}
	}
	return nil, nil
}

// Entries returns the history rows of one match in insertion order.
func (m *MemoryStore) Entries(matchID string) []domain.PointEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PointEntry
	for _, e := range m.history {
		if e.MatchID == matchID {
			out = append(out, e)
		}
	}
	return out
}
