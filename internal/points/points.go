// Package points keeps per-user point balances with an append-only history.
package points

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/COAI-team/backend-sub000/internal/domain"
)

// Store is the point balance backend. Every mutating call writes exactly one
// history row in the same transaction as the balance change.
type Store interface {
	HoldBet(ctx context.Context, userID, matchID string, amount int64) (*domain.PointEntry, error)
	SettleWin(ctx context.Context, userID, matchID string, amount int64) (*domain.PointEntry, error)
	Refund(ctx context.Context, userID, matchID string, amount int64) (*domain.PointEntry, error)
	Balance(ctx context.Context, userID string) (int64, error)
	// LastEntry returns the newest history row for (match, user), or nil.
	LastEntry(ctx context.Context, matchID, userID string) (*domain.PointEntry, error)
}

type pgStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) Store {
	return &pgStore{db: db}
}

func (s *pgStore) HoldBet(ctx context.Context, userID, matchID string, amount int64) (*domain.PointEntry, error) {
	return s.apply(ctx, userID, matchID, domain.PointHoldBet, -amount)
}

func (s *pgStore) SettleWin(ctx context.Context, userID, matchID string, amount int64) (*domain.PointEntry, error) {
	return s.apply(ctx, userID, matchID, domain.PointSettleWin, amount)
}

func (s *pgStore) Refund(ctx context.Context, userID, matchID string, amount int64) (*domain.PointEntry, error) {
	return s.apply(ctx, userID, matchID, domain.PointRefund, amount)
}

func (s *pgStore) apply(ctx context.Context, userID, matchID string, kind domain.PointKind, delta int64) (*domain.PointEntry, error) {
	if userID == "" || matchID == "" {
		return nil, fmt.Errorf("point %s: empty user or match id", kind)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin point tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// 차감은 잔액 조건을 같은 UPDATE에 걸어 원자적으로 거부한다
	var balance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE point_accounts
		   SET balance = balance + $2, updated_at = NOW()
		 WHERE user_id = $1 AND balance + $2 >= 0
		RETURNING balance`, userID, delta).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM point_accounts WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check point account: %w", err)
		}
		if !exists {
			return nil, domain.ErrNoPointAccount
		}
		return nil, domain.ErrInsufficientPoints
	}
	if err != nil {
		return nil, fmt.Errorf("update point balance: %w", err)
	}

	entry := &domain.PointEntry{UserID: userID, MatchID: matchID, Kind: kind, Delta: delta, BalanceAfter: balance}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO point_history (user_id, match_id, kind, delta, balance_after)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		userID, matchID, string(kind), delta, balance).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert point history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit point tx: %w", err)
	}
	return entry, nil
}

func (s *pgStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM point_accounts WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNoPointAccount
	}
	if err != nil {
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

func (s *pgStore) LastEntry(ctx context.Context, matchID, userID string) (*domain.PointEntry, error) {
	var (
		e    domain.PointEntry
		kind string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, match_id, kind, delta, balance_after, created_at
		  FROM point_history
		 WHERE match_id = $1 AND user_id = $2
		 ORDER BY id DESC
		 LIMIT 1`, matchID, userID).Scan(&e.ID, &e.UserID, &e.MatchID, &kind, &e.Delta, &e.BalanceAfter, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select point history: %w", err)
	}
	e.Kind = domain.PointKind(kind)
	return &e, nil
}
