package battle

import (
	"errors"
	"fmt"
	"time"

	"github.com/COAI-team/backend-sub000/internal/domain"
	"github.com/COAI-team/backend-sub000/internal/lock"
	"github.com/COAI-team/backend-sub000/internal/settlement"
	"github.com/COAI-team/backend-sub000/pkg/battledto"
)

var (
	ErrInvalidArgs          = errf("invalid arguments")
	ErrInvalidBet           = errf("bet amount must not be negative")
	ErrInvalidPassword      = errf("password must be exactly 4 digits")
	ErrWrongPassword        = errf("wrong room password")
	ErrPasswordLocked       = errf("too many wrong passwords")
	ErrRoomNotFound         = errf("room not found")
	ErrRoomFull             = errf("room already has two participants")
	ErrNotParticipant       = errf("user is not in this room")
	ErrNotHost              = errf("only the host can do that")
	ErrBadState             = errf("action not allowed in current room state")
	ErrKicked               = errf("user was kicked from this room")
	ErrPenalized            = errf("user is penalized")
	ErrSubmitCooldown       = errf("submission cooldown active")
	ErrLeaveDuringCountdown = errf("cannot leave during countdown")
	ErrPostGameLocked       = errf("room is in post-game lock")
	ErrAlreadyInRoom        = errf("user already has an active room")

	// ErrLockTimeout is retryable; nothing was changed.
	ErrLockTimeout = lock.ErrTimeout
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

// PenaltyError carries the penalty expiry and matches ErrPenalized.
type PenaltyError struct{ Until time.Time }

func (e *PenaltyError) Error() string {
	return fmt.Sprintf("user is penalized until %s", e.Until.Format(time.RFC3339))
}
func (e *PenaltyError) Unwrap() error { return ErrPenalized }

func IsRetryable(err error) bool { return errors.Is(err, lock.ErrTimeout) }

var errorKeys = []struct {
	err  error
	code string
	key  string
}{
	{ErrInvalidArgs, "INVALID_ARGS", "error.invalid_args"},
	{ErrInvalidBet, "INVALID_BET", "error.invalid_bet"},
	{ErrInvalidPassword, "INVALID_PASSWORD", "error.invalid_password"},
	{ErrWrongPassword, "WRONG_PASSWORD", "error.wrong_password"},
	{ErrPasswordLocked, "PASSWORD_LOCKED", "error.password_locked"},
	{ErrRoomNotFound, "ROOM_NOT_FOUND", "error.room_not_found"},
	{ErrRoomFull, "ROOM_FULL", "error.room_full"},
	{ErrNotParticipant, "NOT_PARTICIPANT", "error.not_participant"},
	{ErrNotHost, "NOT_HOST", "error.not_host"},
	{ErrKicked, "KICKED", "error.kicked"},
	{ErrPenalized, "PENALIZED", "error.penalized"},
	{ErrSubmitCooldown, "SUBMIT_COOLDOWN", "error.submit_cooldown"},
	{ErrLeaveDuringCountdown, "LEAVE_DURING_COUNTDOWN", "error.leave_countdown"},
	{ErrPostGameLocked, "POST_GAME_LOCKED", "room.post_game_locked"},
	{ErrBadState, "BAD_STATE", "error.bad_state"},
	{ErrAlreadyInRoom, "ALREADY_IN_ROOM", "error.bad_state"},
	{lock.ErrTimeout, "LOCK_TIMEOUT", "error.lock_timeout"},
	{domain.ErrNoPointAccount, "NO_POINT_ACCOUNT", "escrow.unknown"},
	{domain.ErrInsufficientPoints, "INSUFFICIENT_POINTS", "escrow.unknown"},
	{settlement.ErrAlreadySettled, "ALREADY_SETTLED", "escrow.already_settled"},
}

// Describe turns an orchestrator error into the client-facing message.
func (m *Manager) Describe(err error) battledto.ErrorMessage {
	data := map[string]any{"Minutes": int(m.cfg.PasswordLockout.Minutes()), "Until": ""}
	var pe *PenaltyError
	if errors.As(err, &pe) {
		data["Until"] = pe.Until.Format("15:04:05")
	}
	for _, e := range errorKeys {
		if errors.Is(err, e.err) {
			return battledto.ErrorMessage{Code: e.code, Message: m.text(e.key, data), Retryable: IsRetryable(err)}
		}
	}
	return battledto.ErrorMessage{Code: "INTERNAL", Message: m.text("error.internal", nil)}
}
