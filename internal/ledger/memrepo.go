package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/COAI-team/backend-sub000/internal/domain"
)

// memrepo is an in-process ledger used when DATABASE_URL is unset and in tests.
type memrepo struct {
	mu      sync.RWMutex
	records map[string]*domain.MatchRecord
	now     func() time.Time
}

func NewMemoryRepository() Repository {
	return &memrepo{records: make(map[string]*domain.MatchRecord), now: time.Now}
}

func (m *memrepo) Save(_ context.Context, rec *domain.MatchRecord) error {
	if rec == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	if prev, ok := m.records[rec.MatchID]; ok {
		if closed(prev.Status) {
			return nil
		}
		cp.CreatedAt = prev.CreatedAt
		// 정산 상태는 SetSettlement로만 바뀐다
		cp.Settlement = prev.Settlement
	} else {
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = m.now()
		}
		if cp.Settlement == "" {
			cp.Settlement = domain.SettlementNone
		}
	}
	cp.UpdatedAt = m.now()
	m.records[rec.MatchID] = &cp
	return nil
}

func (m *memrepo) Get(_ context.Context, matchID string) (*domain.MatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[matchID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *memrepo) Transition(_ context.Context, from domain.MatchStatus, rec *domain.MatchRecord) (bool, error) {
	if rec == nil {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[rec.MatchID]
	if !ok || cur.Status != from {
		return false, nil
	}
	cur.Status = rec.Status
	cur.CountdownAt = rec.CountdownAt
	cur.StartedAt = rec.StartedAt
	cur.FinishedAt = rec.FinishedAt
	cur.WinnerID = rec.WinnerID
	cur.WinReason = rec.WinReason
	cur.UpdatedAt = m.now()
	return true, nil
}

func (m *memrepo) SetSettlement(_ context.Context, matchID string, status domain.SettlementStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[matchID]
	if !ok {
		return ErrRecordNotFound
	}
	cur.Settlement = status
	cur.UpdatedAt = m.now()
	return nil
}

func (m *memrepo) ListByStatus(_ context.Context, statuses []domain.MatchStatus, limit int) ([]*domain.MatchRecord, error) {
	want := make(map[domain.MatchStatus]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	return m.filter(limit, func(r *domain.MatchRecord) bool {
		_, ok := want[r.Status]
		return ok
	}), nil
}

func (m *memrepo) ListUnsettled(_ context.Context, limit int) ([]*domain.MatchRecord, error) {
	return m.filter(limit, func(r *domain.MatchRecord) bool {
		return closed(r.Status) && r.Settlement == domain.SettlementHeld
	}), nil
}

func closed(s domain.MatchStatus) bool {
	return s == domain.StatusFinished || s == domain.StatusCanceled
}

func (m *memrepo) filter(limit int, keep func(*domain.MatchRecord) bool) []*domain.MatchRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.MatchRecord
	for _, r := range m.records {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
