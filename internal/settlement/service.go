// Package settlement moves wagered points between escrow holds and balances.
//
// Every money movement first appends a point history row and only then
// advances the hold row. A crash in between is healed on the next call by
// re-deriving the hold status from the newest history row.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/COAI-team/backend-sub000/internal/domain"
	"github.com/COAI-team/backend-sub000/internal/obslog"
)

var (
	ErrAlreadySettled  = errors.New("hold already settled")
	ErrAlreadyRefunded = errors.New("hold already refunded")
	ErrHoldNotFound    = errors.New("hold not found")
	ErrHoldExists      = errors.New("hold already exists")
	ErrInvalidAmount   = errors.New("hold amount must be positive")
	ErrAmountMismatch  = errors.New("settle amount does not match holds")
	ErrHoldConflict    = errors.New("hold changed concurrently")

	ErrNoPointAccount     = domain.ErrNoPointAccount
	ErrInsufficientPoints = domain.ErrInsufficientPoints
)

// PointPort is the balance backend; see points.Store.
type PointPort interface {
	HoldBet(ctx context.Context, userID, matchID string, amount int64) (*domain.PointEntry, error)
	SettleWin(ctx context.Context, userID, matchID string, amount int64) (*domain.PointEntry, error)
	Refund(ctx context.Context, userID, matchID string, amount int64) (*domain.PointEntry, error)
	Balance(ctx context.Context, userID string) (int64, error)
	LastEntry(ctx context.Context, matchID, userID string) (*domain.PointEntry, error)
}

// Ledger receives the match-level settlement status.
type Ledger interface {
	SetSettlement(ctx context.Context, matchID string, status domain.SettlementStatus) error
}

type Service struct {
	points PointPort
	holds  HoldRepository
	ledger Ledger
}

func NewService(points PointPort, holds HoldRepository, ledger Ledger) *Service {
	return &Service{points: points, holds: holds, ledger: ledger}
}

// transition is the only place hold status edges are decided. It reports
// whether the edge changes anything; a same-status call is a no-op.
func transition(from, to domain.HoldStatus) (bool, error) {
	if from == to {
		return false, nil
	}
	switch from {
	case domain.HoldHeld:
		if to == domain.HoldSettled || to == domain.HoldRefunded {
			return true, nil
		}
	case domain.HoldRefunded:
		return false, ErrAlreadyRefunded
	case domain.HoldSettled:
		return false, ErrAlreadySettled
	}
	return false, fmt.Errorf("hold transition %s -> %s not allowed", from, to)
}

func statusFor(kind domain.PointKind) domain.HoldStatus {
	switch kind {
	case domain.PointSettleWin:
		return domain.HoldSettled
	case domain.PointRefund:
		return domain.HoldRefunded
	default:
		return domain.HoldHeld
	}
}

// load returns the hold for (match, user) reconciled against point history.
// A history row without a hold row (crash right after the debit) yields a
// synthesized hold that is persisted before returning.
func (s *Service) load(ctx context.Context, matchID, userID string) (*domain.PointHold, error) {
	h, err := s.holds.Get(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}
	last, err := s.points.LastEntry(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		if last == nil {
			return nil, nil
		}
		h = &domain.PointHold{
			MatchID:   matchID,
			UserID:    userID,
			Amount:    abs(last.Delta),
			Status:    statusFor(last.Kind),
			HistoryID: last.ID,
		}
		if err := s.holds.Insert(ctx, h); err != nil && !errors.Is(err, ErrHoldExists) {
			return nil, err
		}
		obslog.L().Warn("settlement_hold_rebuilt", obslog.Match(matchID), obslog.User(userID),
			zap.String("status", string(h.Status)), zap.Int64("history_id", last.ID))
		return s.holds.Get(ctx, matchID, userID)
	}
	return s.reconcile(ctx, h, last)
}

func (s *Service) reconcile(ctx context.Context, h *domain.PointHold, last *domain.PointEntry) (*domain.PointHold, error) {
	if last == nil || last.ID <= h.HistoryID {
		return h, nil
	}
	derived := statusFor(last.Kind)
	changed, err := transition(h.Status, derived)
	if err != nil || !changed {
		return h, err
	}
	next := *h
	next.Status = derived
	next.HistoryID = last.ID
	ok, err := s.holds.Update(ctx, &next, h.Status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHoldConflict
	}
	obslog.L().Warn("settlement_hold_reconciled", obslog.Match(h.MatchID), obslog.User(h.UserID),
		zap.String("from", string(h.Status)), zap.String("to", string(derived)))
	return &next, nil
}

func (s *Service) advance(ctx context.Context, h *domain.PointHold, to domain.HoldStatus, historyID int64) error {
	next := *h
	next.Status = to
	next.HistoryID = historyID
	ok, err := s.holds.Update(ctx, &next, h.Status)
	if err != nil {
		return err
	}
	if !ok {
		return ErrHoldConflict
	}
	*h = next
	return nil
}

// Hold debits amount from the user into escrow for the match. Repeating the
// call while HELD is a no-op; a closed hold is never reopened, so a new
// attempt needs a new match id. Callers serialize per match (the room lock).
func (s *Service) Hold(ctx context.Context, matchID, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	h, err := s.load(ctx, matchID, userID)
	if err != nil {
		return err
	}
	if h != nil {
		_, err := transition(h.Status, domain.HoldHeld)
		return err
	}

	entry, err := s.points.HoldBet(ctx, userID, matchID, amount)
	if err != nil {
		return err
	}
	err = s.holds.Insert(ctx, &domain.PointHold{
		MatchID: matchID, UserID: userID, Amount: amount,
		Status: domain.HoldHeld, HistoryID: entry.ID,
	})
	if err != nil {
		return fmt.Errorf("record hold: %w", err)
	}
	obslog.L().Info("settlement_hold", obslog.Match(matchID), obslog.User(userID), zap.Int64("amount", amount))
	s.markLedger(ctx, matchID, domain.SettlementHeld)
	return nil
}

// Settle pays the winner both stakes and closes both holds. Repeated calls
// after success are no-ops and never credit twice.
func (s *Service) Settle(ctx context.Context, matchID, winnerID, loserID string, amount int64) error {
	w, err := s.load(ctx, matchID, winnerID)
	if err != nil {
		return err
	}
	l, err := s.load(ctx, matchID, loserID)
	if err != nil {
		return err
	}
	if w == nil || l == nil {
		return ErrHoldNotFound
	}
	if _, err := transition(w.Status, domain.HoldSettled); err != nil && !errors.Is(err, ErrAlreadySettled) {
		return err
	}
	if _, err := transition(l.Status, domain.HoldSettled); err != nil && !errors.Is(err, ErrAlreadySettled) {
		return err
	}
	if w.Status == domain.HoldHeld && l.Status == domain.HoldHeld && (w.Amount != amount || l.Amount != amount) {
		return ErrAmountMismatch
	}

	if w.Status == domain.HoldHeld {
		entry, err := s.points.SettleWin(ctx, winnerID, matchID, w.Amount+l.Amount)
		if err != nil {
			return err
		}
		if err := s.advance(ctx, w, domain.HoldSettled, entry.ID); err != nil {
			return err
		}
	}
	if l.Status == domain.HoldHeld {
		if err := s.advance(ctx, l, domain.HoldSettled, l.HistoryID); err != nil {
			return err
		}
	}
	obslog.L().Info("settlement_settle", obslog.Match(matchID),
		zap.String("winner", winnerID), zap.String("loser", loserID), zap.Int64("amount", amount))
	s.markLedger(ctx, matchID, domain.SettlementSettled)
	return nil
}

// Refund returns the held stake to the user. No hold is a no-op, as is an
// already refunded one; a settled hold is refused.
func (s *Service) Refund(ctx context.Context, matchID, userID string) error {
	h, err := s.load(ctx, matchID, userID)
	if err != nil {
		return err
	}
	if h == nil {
		return nil
	}
	changed, err := transition(h.Status, domain.HoldRefunded)
	if err != nil || !changed {
		return err
	}
	entry, err := s.points.Refund(ctx, userID, matchID, h.Amount)
	if err != nil {
		return err
	}
	if err := s.advance(ctx, h, domain.HoldRefunded, entry.ID); err != nil {
		return err
	}
	obslog.L().Info("settlement_refund", obslog.Match(matchID), obslog.User(userID), zap.Int64("amount", h.Amount))
	return nil
}

// RefundAll refunds every listed participant, continuing past failures.
// The ledger is marked REFUNDED only when every refund succeeded and at
// least one hold existed.
func (s *Service) RefundAll(ctx context.Context, matchID string, userIDs ...string) error {
	var errs []error
	held := false
	for _, uid := range userIDs {
		if uid == "" {
			continue
		}
		h, err := s.load(ctx, matchID, uid)
		if err != nil {
			errs = append(errs, fmt.Errorf("refund %s: %w", uid, err))
			continue
		}
		if h == nil {
			continue
		}
		held = true
		if err := s.Refund(ctx, matchID, uid); err != nil {
			errs = append(errs, fmt.Errorf("refund %s: %w", uid, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if held {
		s.markLedger(ctx, matchID, domain.SettlementRefunded)
	}
	return nil
}

func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	return s.points.Balance(ctx, userID)
}

func (s *Service) Holds(ctx context.Context, matchID string) ([]*domain.PointHold, error) {
	return s.holds.ListByMatch(ctx, matchID)
}

// 원장 상태 갱신 실패는 금전 상태에 영향이 없으므로 경고만 남긴다
func (s *Service) markLedger(ctx context.Context, matchID string, status domain.SettlementStatus) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.SetSettlement(ctx, matchID, status); err != nil {
		obslog.L().Warn("settlement_ledger_update_failed", obslog.Match(matchID),
			zap.String("status", string(status)), zap.Error(err))
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
