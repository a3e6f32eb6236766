package domain

import (
	"errors"
	"time"
)

// MatchStatus is the lifecycle state shared by the volatile room and the durable ledger row.
type MatchStatus string

const (
	StatusWaiting   MatchStatus = "WAITING"
	StatusCountdown MatchStatus = "COUNTDOWN"
	StatusRunning   MatchStatus = "RUNNING"
	StatusFinished  MatchStatus = "FINISHED"
	StatusCanceled  MatchStatus = "CANCELED"
)

type WinReason string

const (
	WinReasonScore      WinReason = "SCORE"
	WinReasonDisconnect WinReason = "DISCONNECT"
	WinReasonSurrender  WinReason = "SURRENDER"
	WinReasonTimeout    WinReason = "TIMEOUT"
)

type SettlementStatus string

const (
	SettlementNone     SettlementStatus = "NONE"
	SettlementHeld     SettlementStatus = "HELD"
	SettlementSettled  SettlementStatus = "SETTLED"
	SettlementRefunded SettlementStatus = "REFUNDED"
)

type HoldStatus string

const (
	HoldHeld     HoldStatus = "HELD"
	HoldSettled  HoldStatus = "SETTLED"
	HoldRefunded HoldStatus = "REFUNDED"
)

// Outcome is one entry of a user's disconnect history.
type Outcome string

const (
	OutcomeNormal     Outcome = "NORMAL"
	OutcomeDisconnect Outcome = "DISCONNECT"
)

// PointKind tags a row of the point history.
type PointKind string

const (
	PointHoldBet   PointKind = "HOLD_BET"
	PointSettleWin PointKind = "SETTLE_WIN"
	PointRefund    PointKind = "REFUND"
)

var (
	ErrNoPointAccount     = errors.New("point account not found")
	ErrInsufficientPoints = errors.New("insufficient point balance")
)

// MatchRecord is the durable mirror of one match. The recovery sweep reads nothing else.
type MatchRecord struct {
	MatchID            string
	RoomID             string
	HostID             string
	GuestID            string
	ProblemID          int64
	LanguageID         int64
	LevelMode          string
	BetAmount          int64
	MaxDurationMinutes int
	Status             MatchStatus
	CountdownAt        time.Time
	StartedAt          time.Time
	FinishedAt         time.Time
	WinnerID           string
	WinReason          WinReason
	Settlement         SettlementStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Participants returns the non-empty participant ids of the record.
func (r *MatchRecord) Participants() []string {
	out := make([]string, 0, 2)
	if r.HostID != "" {
		out = append(out, r.HostID)
	}
	if r.GuestID != "" {
		out = append(out, r.GuestID)
	}
	return out
}

// PointHold is the escrow row for one (match, user) pair.
type PointHold struct {
	MatchID   string
	UserID    string
	Amount    int64
	Status    HoldStatus
	HistoryID int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PointEntry is an immutable point history row.
type PointEntry struct {
	ID           int64
	UserID       string
	MatchID      string
	Kind         PointKind
	Delta        int64
	BalanceAfter int64
	CreatedAt    time.Time
}
