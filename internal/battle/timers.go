package battle

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/COAI-team/backend-sub000/internal/obslog"
)

// Timer keys are scoped per room so a teardown can cancel them all at once.
func roomTimerPrefix(roomID string) string  { return "room:" + roomID + ":" }
func tickPrefix(roomID string) string       { return roomTimerPrefix(roomID) + "tick:" }
func tickKey(roomID string, n int) string   { return tickPrefix(roomID) + strconv.Itoa(n) }
func startKey(roomID string) string         { return roomTimerPrefix(roomID) + "start" }
func timeoutKey(roomID string) string       { return roomTimerPrefix(roomID) + "timeout" }
func graceKey(roomID, userID string) string { return roomTimerPrefix(roomID) + "grace:" + userID }
func gracePrefix(roomID string) string      { return roomTimerPrefix(roomID) + "grace:" }
func resetKey(roomID string) string         { return roomTimerPrefix(roomID) + "reset" }

func (m *Manager) schedule(key string, at time.Time, fn func()) {
	if err := m.sched.After(key, at, fn); err != nil {
		obslog.L().Error("battle_schedule_failed", zap.String("key", key), zap.Error(err))
	}
}

func (m *Manager) cancelCountdownTimers(roomID string) {
	m.sched.CancelPrefix(tickPrefix(roomID))
	m.sched.Cancel(startKey(roomID))
}

func (m *Manager) cancelMatchTimers(roomID string) {
	m.sched.Cancel(timeoutKey(roomID))
	m.sched.CancelPrefix(gracePrefix(roomID))
}

func (m *Manager) cancelAllTimers(roomID string) {
	m.sched.CancelPrefix(roomTimerPrefix(roomID))
}
