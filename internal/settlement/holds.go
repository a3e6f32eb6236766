package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/COAI-team/backend-sub000/internal/domain"
)

// HoldRepository persists escrow rows, one per (match, user).
type HoldRepository interface {
	// Get returns nil, nil when no row exists.
	Get(ctx context.Context, matchID, userID string) (*domain.PointHold, error)
	// Insert fails with ErrHoldExists when the pair already has a row.
	Insert(ctx context.Context, h *domain.PointHold) error
	// Update writes status, amount and history id only while the stored status equals from.
	Update(ctx context.Context, h *domain.PointHold, from domain.HoldStatus) (bool, error)
	ListByMatch(ctx context.Context, matchID string) ([]*domain.PointHold, error)
}

type pgHolds struct {
	db *sql.DB
}

func NewPostgresHolds(db *sql.DB) HoldRepository {
	return &pgHolds{db: db}
}

func (r *pgHolds) Get(ctx context.Context, matchID, userID string) (*domain.PointHold, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT match_id, user_id, amount, status, history_id, created_at, updated_at
		  FROM point_holds WHERE match_id = $1 AND user_id = $2`, matchID, userID)
	h, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select point hold: %w", err)
	}
	return h, nil
}

func (r *pgHolds) Insert(ctx context.Context, h *domain.PointHold) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO point_holds (match_id, user_id, amount, status, history_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (match_id, user_id) DO NOTHING`,
		h.MatchID, h.UserID, h.Amount, string(h.Status), h.HistoryID)
	if err != nil {
		return fmt.Errorf("insert point hold: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrHoldExists
	}
	return nil
}

func (r *pgHolds) Update(ctx context.Context, h *domain.PointHold, from domain.HoldStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE point_holds
		   SET status = $4, amount = $5, history_id = $6, updated_at = NOW()
		 WHERE match_id = $1 AND user_id = $2 AND status = $3`,
		h.MatchID, h.UserID, string(from), string(h.Status), h.Amount, h.HistoryID)
	if err != nil {
		return false, fmt.Errorf("update point hold: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *pgHolds) ListByMatch(ctx context.Context, matchID string) ([]*domain.PointHold, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT match_id, user_id, amount, status, history_id, created_at, updated_at
		  FROM point_holds WHERE match_id = $1 ORDER BY created_at ASC`, matchID)
	if err != nil {
		return nil, fmt.Errorf("select point holds: %w", err)
	}
	defer rows.Close()
	var out []*domain.PointHold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("scan point hold: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHold(s scanner) (*domain.PointHold, error) {
	var (
		h      domain.PointHold
		status string
	)
	if err := s.Scan(&h.MatchID, &h.UserID, &h.Amount, &status, &h.HistoryID, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return nil, err
	}
	h.Status = domain.HoldStatus(status)
	return &h, nil
}

// memHolds is the in-process HoldRepository.
type memHolds struct {
	mu    sync.Mutex
	holds map[string]*domain.PointHold
}

func NewMemoryHolds() HoldRepository {
	return &memHolds{holds: make(map[string]*domain.PointHold)}
}

func holdKey(matchID, userID string) string { return matchID + "|" + userID }

func (m *memHolds) Get(_ context.Context, matchID, userID string) (*domain.PointHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[holdKey(matchID, userID)]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (m *memHolds) Insert(_ context.Context, h *domain.PointHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := holdKey(h.MatchID, h.UserID)
	if _, ok := m.holds[key]; ok {
		return ErrHoldExists
	}
	cp := *h
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.holds[key] = &cp
	return nil
}

func (m *memHolds) Update(_ context.Context, h *domain.PointHold, from domain.HoldStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.holds[holdKey(h.MatchID, h.UserID)]
	if !ok || cur.Status != from {
		return false, nil
	}
	cur.Status = h.Status
	cur.Amount = h.Amount
	cur.HistoryID = h.HistoryID
	cur.UpdatedAt = time.Now()
	return true, nil
}

func (m *memHolds) ListByMatch(_ context.Context, matchID string) ([]*domain.PointHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.PointHold
	for _, h := range m.holds {
		if h.MatchID == matchID {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
