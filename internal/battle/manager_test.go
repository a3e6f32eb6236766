package battle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/COAI-team/backend-sub000/internal/domain"
	"github.com/COAI-team/backend-sub000/internal/lock"
	"github.com/COAI-team/backend-sub000/pkg/battledto"
)

func TestFasterAcceptedSubmissionWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.runningRoom(t, 100)

	if got := h.balance(t, "alice"); got != 900 {
		t.Fatalf("alice balance after hold = %d, want 900", got)
	}

	h.clock.Advance(30 * time.Second)
	res, err := h.mgr.Submit(ctx, "bob", battledto.SubmitRequest{RoomID: roomID, Source: "ok fast"})
	if err != nil {
		t.Fatalf("Submit bob: %v", err)
	}
	if !res.Accepted || res.ElapsedSeconds != 30 {
		t.Fatalf("unexpected bob result: %+v", res)
	}
	if r := h.room(t, roomID); r.Status != domain.StatusRunning {
		t.Fatalf("match ended after one submission: %s", r.Status)
	}

	h.clock.Advance(10 * time.Second)
	if _, err := h.mgr.Submit(ctx, "alice", battledto.SubmitRequest{RoomID: roomID, Source: "ok slow"}); err != nil {
		t.Fatalf("Submit alice: %v", err)
	}

	r := h.room(t, roomID)
	if r.Status != domain.StatusFinished || r.WinnerID != "bob" || r.WinReason != domain.WinReasonScore {
		t.Fatalf("unexpected result: status=%s winner=%s reason=%s", r.Status, r.WinnerID, r.WinReason)
	}
	bob, alice := r.Participants["bob"], r.Participants["alice"]
	if bob.TimeBonus != 100 || bob.FinalScore != 1100 {
		t.Fatalf("bob score = %d (+%d), want 1100 (+100)", bob.FinalScore, bob.TimeBonus)
	}
	if alice.TimeBonus != 0 || alice.FinalScore != 1000 {
		t.Fatalf("alice score = %d (+%d), want 1000", alice.FinalScore, alice.TimeBonus)
	}
	if got := h.balance(t, "bob"); got != 1100 {
		t.Fatalf("bob balance = %d, want 1100", got)
	}
	if got := h.balance(t, "alice"); got != 900 {
		t.Fatalf("alice balance = %d, want 900", got)
	}

	rec, err := h.ledger.Get(ctx, r.MatchID)
	if err != nil || rec == nil {
		t.Fatalf("ledger Get: %v %v", rec, err)
	}
	if rec.Status != domain.StatusFinished || rec.WinnerID != "bob" || rec.Settlement != domain.SettlementSettled {
		t.Fatalf("unexpected ledger record: %+v", rec)
	}
	if _, ok := h.notifier.notice("alice", "FINISHED"); !ok {
		t.Fatalf("alice did not get the FINISHED notice")
	}
}

func TestRejectedSubmissionCanRetryAfterCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.runningRoom(t, 0)

	h.clock.Advance(10 * time.Second)
	res, err := h.mgr.Submit(ctx, "alice", battledto.SubmitRequest{RoomID: roomID, Source: "wrong"})
	if err != nil || res.Accepted {
		t.Fatalf("first submit: %+v %v", res, err)
	}
	if _, err := h.mgr.Submit(ctx, "alice", battledto.SubmitRequest{RoomID: roomID, Source: "ok"}); !errors.Is(err, ErrSubmitCooldown) {
		t.Fatalf("expected cooldown, got %v", err)
	}
	h.clock.Advance(6 * time.Second)
	res, err = h.mgr.Submit(ctx, "alice", battledto.SubmitRequest{RoomID: roomID, Source: "ok"})
	if err != nil || !res.Accepted || res.ElapsedSeconds != 16 {
		t.Fatalf("retry: %+v %v", res, err)
	}
	h.clock.Advance(6 * time.Second)
	if _, err := h.mgr.Submit(ctx, "alice", battledto.SubmitRequest{RoomID: roomID, Source: "ok"}); !errors.Is(err, ErrBadState) {
		t.Fatalf("accepted user resubmitted: %v", err)
	}
}

func TestJudgeFailureCountsAsRejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.runningRoom(t, 50)
	h.judge.err = errors.New("judge down")

	h.clock.Advance(5 * time.Second)
	if res, err := h.mgr.Submit(ctx, "bob", battledto.SubmitRequest{RoomID: roomID, Source: "ok"}); err != nil || res.Accepted {
		t.Fatalf("bob: %+v %v", res, err)
	}
	h.clock.Advance(5 * time.Second)
	if res, err := h.mgr.Submit(ctx, "alice", battledto.SubmitRequest{RoomID: roomID, Source: "ok"}); err != nil || res.Accepted {
		t.Fatalf("alice: %+v %v", res, err)
	}
	r := h.room(t, roomID)
	if r.Status != domain.StatusFinished || r.Participants["alice"].Accepted || r.Participants["bob"].Accepted {
		t.Fatalf("expected two rejected verdicts, got %s", r.Status)
	}
	// 둘 다 오답이어도 빠른 쪽이 시간 보너스로 이긴다
	if r.WinnerID != "bob" || r.Participants["bob"].FinalScore != 50 {
		t.Fatalf("winner=%q bob final=%d", r.WinnerID, r.Participants["bob"].FinalScore)
	}
	if h.balance(t, "bob") != 1050 || h.balance(t, "alice") != 950 {
		t.Fatalf("balances: alice=%d bob=%d", h.balance(t, "alice"), h.balance(t, "bob"))
	}
}

func TestRejectedSubmissionsStillRankByTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.runningRoom(t, 100)

	h.clock.Advance(30 * time.Second)
	if res, err := h.mgr.Submit(ctx, "bob", battledto.SubmitRequest{RoomID: roomID, Source: "wrong"}); err != nil || res.Accepted {
		t.Fatalf("bob: %+v %v", res, err)
	}
	h.clock.Advance(10 * time.Second)
	if res, err := h.mgr.Submit(ctx, "alice", battledto.SubmitRequest{RoomID: roomID, Source: "wrong"}); err != nil || res.Accepted {
		t.Fatalf("alice: %+v %v", res, err)
	}

	r := h.room(t, roomID)
	bob := r.Participants["bob"]
	if r.WinnerID != "bob" || bob.TimeBonus != 100 || bob.FinalScore != 100 {
		t.Fatalf("winner=%q bob bonus=%d final=%d", r.WinnerID, bob.TimeBonus, bob.FinalScore)
	}
	if h.balance(t, "bob") != 1100 || h.balance(t, "alice") != 900 {
		t.Fatalf("balances: alice=%d bob=%d", h.balance(t, "alice"), h.balance(t, "bob"))
	}
}

func TestEqualRejectedSubmissionsFallBackToHost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.runningRoom(t, 0)

	h.clock.Advance(20 * time.Second)
	for _, uid := range []string{"bob", "alice"} {
		if _, err := h.mgr.Submit(ctx, uid, battledto.SubmitRequest{RoomID: roomID, Source: "wrong"}); err != nil {
			t.Fatalf("Submit %s: %v", uid, err)
		}
	}
	if r := h.room(t, roomID); r.WinnerID != "alice" {
		t.Fatalf("winner=%q, want host", r.WinnerID)
	}
}

func TestDisconnectGraceExpiryForfeits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.runningRoom(t, 100)

	if err := h.mgr.LeaveRoom(ctx, roomID, "bob"); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	r := h.room(t, roomID)
	if r.Status != domain.StatusRunning || !r.Participants["bob"].Disconnected {
		t.Fatalf("bob should be marked disconnected in a running match")
	}
	// 두 번째 이탈은 타이머를 다시 걸지 않는다
	if err := h.mgr.LeaveRoom(ctx, roomID, "bob"); err != nil {
		t.Fatalf("second LeaveRoom: %v", err)
	}

	h.sched.fire(t, graceKey(roomID, "bob"))
	r = h.room(t, roomID)
	if r.Status != domain.StatusFinished || r.WinnerID != "alice" || r.WinReason != domain.WinReasonDisconnect {
		t.Fatalf("unexpected result: status=%s winner=%s reason=%s", r.Status, r.WinnerID, r.WinReason)
	}
	if h.balance(t, "alice") != 1100 || h.balance(t, "bob") != 900 {
		t.Fatalf("balances: alice=%d bob=%d", h.balance(t, "alice"), h.balance(t, "bob"))
	}
	hist, err := h.penalty.History(ctx, "bob")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if hist.DisconnectLosses() != 1 {
		t.Fatalf("bob disconnect losses = %d, want 1", hist.DisconnectLosses())
	}
	if hist, _ := h.penalty.History(ctx, "alice"); hist.DisconnectLosses() != 0 {
		t.Fatalf("alice should have a clean record")
	}

	// post-game reset drops the disconnected player and opens a rematch
	h.sched.fire(t, resetKey(roomID))
	r = h.room(t, roomID)
	if r.Status != domain.StatusWaiting || r.GuestID != "" || r.HostID != "alice" {
		t.Fatalf("unexpected room after reset: status=%s host=%s guest=%s", r.Status, r.HostID, r.GuestID)
	}
	if r.MatchID != roomID+"-r1" {
		t.Fatalf("rematch id = %s", r.MatchID)
	}
	if active, _ := h.mgr.ActiveRoom(ctx, "bob"); active != nil {
		t.Fatalf("bob still points at the room")
	}
}

func TestReconnectCancelsGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.runningRoom(t, 0)

	if err := h.mgr.LeaveRoom(ctx, roomID, "bob"); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	if !h.sched.Pending(graceKey(roomID, "bob")) {
		t.Fatalf("grace timer not armed")
	}
	if _, err := h.mgr.JoinRoom(ctx, roomID, "bob", ""); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if h.sched.Pending(graceKey(roomID, "bob")) {
		t.Fatalf("grace timer survived a reconnect")
	}
	if r := h.room(t, roomID); r.Participants["bob"].Disconnected || r.Status != domain.StatusRunning {
		t.Fatalf("bob not reconnected")
	}
}

func TestSecondLeaverGetsOwnGraceAndWinsAfterReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.runningRoom(t, 100)

	if err := h.mgr.LeaveRoom(ctx, roomID, "bob"); err != nil {
		t.Fatalf("bob leave: %v", err)
	}
	h.clock.Advance(5 * time.Second)
	if err := h.mgr.LeaveRoom(ctx, roomID, "alice"); err != nil {
		t.Fatalf("alice leave: %v", err)
	}
	r := h.room(t, roomID)
	if r == nil || r.Status != domain.StatusRunning {
		t.Fatalf("match ended when the second player dropped")
	}
	if !h.sched.Pending(graceKey(roomID, "alice")) || !h.sched.Pending(graceKey(roomID, "bob")) {
		t.Fatalf("both grace timers should be armed: %v", h.sched.keys())
	}

	if _, err := h.mgr.JoinRoom(ctx, roomID, "alice", ""); err != nil {
		t.Fatalf("alice rejoin: %v", err)
	}
	if h.sched.Pending(graceKey(roomID, "alice")) {
		t.Fatalf("alice grace survived the reconnect")
	}

	h.sched.fire(t, graceKey(roomID, "bob"))
	r = h.room(t, roomID)
	if r.Status != domain.StatusFinished || r.WinnerID != "alice" || r.WinReason != domain.WinReasonDisconnect {
		t.Fatalf("unexpected result: status=%s winner=%s reason=%s", r.Status, r.WinnerID, r.WinReason)
	}
	if h.balance(t, "alice") != 1100 || h.balance(t, "bob") != 900 {
		t.Fatalf("balances: alice=%d bob=%d", h.balance(t, "alice"), h.balance(t, "bob"))
	}
	if hist, _ := h.penalty.History(ctx, "alice"); hist.DisconnectLosses() != 0 {
		t.Fatalf("alice took a disconnect loss")
	}
	if hist, _ := h.penalty.History(ctx, "bob"); hist.DisconnectLosses() != 1 {
		t.Fatalf("bob disconnect losses = %d", hist.DisconnectLosses())
	}
}

func TestFirstExpiredGraceLosesWhenBothGone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.runningRoom(t, 100)

	for _, uid := range []string{"alice", "bob"} {
		if err := h.mgr.LeaveRoom(ctx, roomID, uid); err != nil {
			t.Fatalf("%s leave: %v", uid, err)
		}
	}
	h.sched.fire(t, graceKey(roomID, "alice"))
	r := h.room(t, roomID)
	if r.Status != domain.StatusFinished || r.WinnerID != "bob" || r.WinReason != domain.WinReasonDisconnect {
		t.Fatalf("unexpected result: status=%s winner=%s reason=%s", r.Status, r.WinnerID, r.WinReason)
	}
	if h.sched.Pending(graceKey(roomID, "bob")) {
		t.Fatalf("bob grace still pending after the match ended")
	}
	if h.balance(t, "bob") != 1100 || h.balance(t, "alice") != 900 {
		t.Fatalf("balances: alice=%d bob=%d", h.balance(t, "alice"), h.balance(t, "bob"))
	}

	// 둘 다 끊긴 채면 리셋 시 방이 정리된다
	h.sched.fire(t, resetKey(roomID))
	if r := h.room(t, roomID); r != nil {
		t.Fatalf("room survived with nobody connected: %s", r.Status)
	}
}

func TestTimeoutWithoutAcceptedRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.runningRoom(t, 100)

	h.sched.fire(t, timeoutKey(roomID))
	r := h.room(t, roomID)
	if r.Status != domain.StatusFinished || r.WinnerID != "" || r.WinReason != domain.WinReasonTimeout {
		t.Fatalf("unexpected result: status=%s winner=%q reason=%s", r.Status, r.WinnerID, r.WinReason)
	}
	if h.balance(t, "alice") != 1000 || h.balance(t, "bob") != 1000 {
		t.Fatalf("timeout did not refund both stakes")
	}
	rec, _ := h.ledger.Get(ctx, r.MatchID)
	if rec == nil || rec.Settlement != domain.SettlementRefunded {
		t.Fatalf("ledger settlement = %+v", rec)
	}
}

func TestTimeoutAwardsLoneAcceptedSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.runningRoom(t, 100)

	if _, err := h.mgr.Submit(ctx, "bob", battledto.SubmitRequest{RoomID: roomID, Source: "ok"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.sched.fire(t, timeoutKey(roomID))
	r := h.room(t, roomID)
	if r.WinnerID != "bob" || r.WinReason != domain.WinReasonTimeout {
		t.Fatalf("winner=%q reason=%s", r.WinnerID, r.WinReason)
	}
	if h.balance(t, "bob") != 1100 {
		t.Fatalf("bob balance = %d", h.balance(t, "bob"))
	}
}

func TestSurrenderAwardsOpponent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.runningRoom(t, 100)

	if err := h.mgr.Surrender(ctx, roomID, "alice"); err != nil {
		t.Fatalf("Surrender: %v", err)
	}
	r := h.room(t, roomID)
	if r.WinnerID != "bob" || r.WinReason != domain.WinReasonSurrender {
		t.Fatalf("winner=%q reason=%s", r.WinnerID, r.WinReason)
	}
	if err := h.mgr.Surrender(ctx, roomID, "bob"); !errors.Is(err, ErrBadState) {
		t.Fatalf("surrender after finish: %v", err)
	}
	if _, err := h.mgr.JoinRoom(ctx, roomID, "carol", ""); !errors.Is(err, ErrPostGameLocked) {
		t.Fatalf("join during post-game: %v", err)
	}
}

func TestUpdateSettingsRejectedWhileRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.runningRoom(t, 100)

	bet := int64(500)
	if _, err := h.mgr.UpdateSettings(ctx, "alice", battledto.UpdateSettingsRequest{RoomID: roomID, BetAmount: &bet}); !errors.Is(err, ErrBadState) {
		t.Fatalf("expected ErrBadState, got %v", err)
	}
	if r := h.room(t, roomID); r.BetAmount != 100 {
		t.Fatalf("bet changed to %d", r.BetAmount)
	}
}

func TestUpdateSettingsDuringCountdownAborts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.pairedRoom(t, 100)
	for _, uid := range []string{"alice", "bob"} {
		if _, err := h.mgr.Ready(ctx, roomID, uid, true); err != nil {
			t.Fatalf("Ready %s: %v", uid, err)
		}
	}
	if h.balance(t, "alice") != 900 {
		t.Fatalf("hold not placed")
	}

	bet := int64(200)
	snap, err := h.mgr.UpdateSettings(ctx, "alice", battledto.UpdateSettingsRequest{RoomID: roomID, BetAmount: &bet})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if snap.Status != string(domain.StatusWaiting) || snap.BetAmount != 200 {
		t.Fatalf("unexpected snapshot: %s bet=%d", snap.Status, snap.BetAmount)
	}
	for _, p := range snap.Participants {
		if p.Ready {
			t.Fatalf("%s still ready after settings change", p.UserID)
		}
	}
	if h.balance(t, "alice") != 1000 || h.balance(t, "bob") != 1000 {
		t.Fatalf("countdown holds were not refunded")
	}
	if h.sched.Pending(startKey(roomID)) {
		t.Fatalf("start timer survived the abort")
	}
	nextID := roomID + "-r1"
	if r := h.room(t, roomID); r.MatchID != nextID {
		t.Fatalf("aborted attempt kept match id %s", r.MatchID)
	}
	if rec, _ := h.ledger.Get(ctx, roomID); rec == nil || rec.Status != domain.StatusCanceled || rec.Settlement != domain.SettlementRefunded {
		t.Fatalf("aborted attempt ledger = %+v", rec)
	}
	if hold, _ := h.holds.Get(ctx, roomID, "alice"); hold == nil || hold.Status != domain.HoldRefunded {
		t.Fatalf("old hold = %+v", hold)
	}

	// 새 판돈으로 다시 준비
	for _, uid := range []string{"alice", "bob"} {
		if _, err := h.mgr.Ready(ctx, roomID, uid, true); err != nil {
			t.Fatalf("Ready %s: %v", uid, err)
		}
	}
	if h.balance(t, "bob") != 800 {
		t.Fatalf("bob balance = %d, want 800", h.balance(t, "bob"))
	}
	hold, _ := h.holds.Get(ctx, nextID, "bob")
	if hold == nil || hold.Status != domain.HoldHeld || hold.Amount != 200 {
		t.Fatalf("new attempt hold = %+v", hold)
	}
	if rec, _ := h.ledger.Get(ctx, nextID); rec == nil || rec.Status != domain.StatusCountdown {
		t.Fatalf("new attempt ledger = %+v", rec)
	}
}

func TestUpdateSettingsRequiresHost(t *testing.T) {
	h := newHarness(t)
	roomID := h.pairedRoom(t, 0)
	title := "mine"
	if _, err := h.mgr.UpdateSettings(context.Background(), "bob", battledto.UpdateSettingsRequest{RoomID: roomID, Title: &title}); !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
}

func TestHoldFailureKeepsRoomWaiting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.points.SetBalance("bob", 50)
	roomID := h.pairedRoom(t, 100)

	if _, err := h.mgr.Ready(ctx, roomID, "alice", true); err != nil {
		t.Fatalf("Ready alice: %v", err)
	}
	snap, err := h.mgr.Ready(ctx, roomID, "bob", true)
	if err != nil {
		t.Fatalf("Ready bob: %v", err)
	}
	if snap.Status != string(domain.StatusWaiting) {
		t.Fatalf("status = %s, want WAITING", snap.Status)
	}
	for _, p := range snap.Participants {
		if p.Ready {
			t.Fatalf("%s still ready after failed hold", p.UserID)
		}
	}
	if h.balance(t, "alice") != 1000 || h.balance(t, "bob") != 50 {
		t.Fatalf("balances changed: alice=%d bob=%d", h.balance(t, "alice"), h.balance(t, "bob"))
	}
	for _, uid := range []string{"alice", "bob"} {
		if _, ok := h.notifier.notice(uid, "INSUFFICIENT_POINTS"); !ok {
			t.Fatalf("%s did not get the hold failure notice", uid)
		}
	}
	if h.sched.Pending(startKey(roomID)) {
		t.Fatalf("countdown started after failed hold")
	}
	// alice의 예치가 환불되었으므로 다음 시도는 새 매치 id로 잡힌다
	if r := h.room(t, roomID); r.MatchID != roomID+"-r1" {
		t.Fatalf("match id after rollback = %s", r.MatchID)
	}
	if rec, _ := h.ledger.Get(ctx, roomID); rec == nil || rec.Status != domain.StatusCanceled {
		t.Fatalf("rolled back ledger = %+v", rec)
	}
}

func TestUnreadyDuringCountdownRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.pairedRoom(t, 100)
	for _, uid := range []string{"alice", "bob"} {
		if _, err := h.mgr.Ready(ctx, roomID, uid, true); err != nil {
			t.Fatalf("Ready %s: %v", uid, err)
		}
	}
	if !h.sched.Pending(tickKey(roomID, 1)) {
		t.Fatalf("countdown ticks not scheduled")
	}
	if err := h.mgr.LeaveRoom(ctx, roomID, "bob"); !errors.Is(err, ErrLeaveDuringCountdown) {
		t.Fatalf("leave during countdown: %v", err)
	}
	if _, err := h.mgr.Ready(ctx, roomID, "bob", false); err != nil {
		t.Fatalf("un-ready: %v", err)
	}
	r := h.room(t, roomID)
	if r.Status != domain.StatusWaiting || r.HoldsPlaced {
		t.Fatalf("status=%s holds=%v", r.Status, r.HoldsPlaced)
	}
	if h.balance(t, "alice") != 1000 || h.balance(t, "bob") != 1000 {
		t.Fatalf("holds were not refunded")
	}
	if len(h.sched.keys()) != 0 {
		t.Fatalf("countdown timers left: %v", h.sched.keys())
	}

	// 같은 방에서 다시 준비하면 새 id로 예치된다
	for _, uid := range []string{"alice", "bob"} {
		if _, err := h.mgr.Ready(ctx, roomID, uid, true); err != nil {
			t.Fatalf("Ready %s: %v", uid, err)
		}
	}
	r = h.room(t, roomID)
	if r.Status != domain.StatusCountdown || r.MatchID != roomID+"-r1" {
		t.Fatalf("second countdown: status=%s match=%s", r.Status, r.MatchID)
	}
	if h.balance(t, "alice") != 900 || h.balance(t, "bob") != 900 {
		t.Fatalf("second attempt holds: alice=%d bob=%d", h.balance(t, "alice"), h.balance(t, "bob"))
	}
}

func TestPrivateRoomPasswordLockout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.mgr.CreateRoom(ctx, "alice", battledto.CreateRoomRequest{Private: true, Password: "12a4"}); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	res, err := h.mgr.CreateRoom(ctx, "alice", battledto.CreateRoomRequest{Title: "secret", Private: true, Password: "1234"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	roomID := res.Room.RoomID

	for i := 1; i < 5; i++ {
		if _, err := h.mgr.JoinRoom(ctx, roomID, "bob", "0000"); !errors.Is(err, ErrWrongPassword) {
			t.Fatalf("attempt %d: expected ErrWrongPassword, got %v", i, err)
		}
	}
	if _, err := h.mgr.JoinRoom(ctx, roomID, "bob", "0000"); !errors.Is(err, ErrPasswordLocked) {
		t.Fatalf("fifth attempt: expected ErrPasswordLocked, got %v", err)
	}
	if _, err := h.mgr.JoinRoom(ctx, roomID, "bob", "1234"); !errors.Is(err, ErrPasswordLocked) {
		t.Fatalf("correct password while locked: %v", err)
	}

	h.mr.FastForward(6 * time.Minute)
	if _, err := h.mgr.JoinRoom(ctx, roomID, "bob", "1234"); err != nil {
		t.Fatalf("join after lockout: %v", err)
	}
}

func TestKickedGuestCannotRejoin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.pairedRoom(t, 0)

	if err := h.mgr.KickGuest(ctx, roomID, "bob", "alice"); !errors.Is(err, ErrNotHost) {
		t.Fatalf("guest kicked host: %v", err)
	}
	if err := h.mgr.KickGuest(ctx, roomID, "alice", "bob"); err != nil {
		t.Fatalf("KickGuest: %v", err)
	}
	if _, ok := h.notifier.notice("bob", "KICKED"); !ok {
		t.Fatalf("bob was not told about the kick")
	}
	if _, err := h.mgr.JoinRoom(ctx, roomID, "bob", ""); !errors.Is(err, ErrKicked) {
		t.Fatalf("expected ErrKicked, got %v", err)
	}
	if active, _ := h.mgr.ActiveRoom(ctx, "bob"); active != nil {
		t.Fatalf("kicked user still has an active room")
	}
}

func TestHostLeavePromotesGuest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.pairedRoom(t, 0)
	if _, err := h.mgr.Ready(ctx, roomID, "bob", true); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	if err := h.mgr.LeaveRoom(ctx, roomID, "alice"); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	r := h.room(t, roomID)
	if r.HostID != "bob" || r.GuestID != "" || r.Participants["bob"].Ready {
		t.Fatalf("host=%s guest=%s ready=%v", r.HostID, r.GuestID, r.Participants["bob"].Ready)
	}
	if _, ok := h.notifier.notice("bob", "HOST_CHANGED"); !ok {
		t.Fatalf("bob was not told about the promotion")
	}

	if err := h.mgr.LeaveRoom(ctx, roomID, "bob"); err != nil {
		t.Fatalf("last LeaveRoom: %v", err)
	}
	if r := h.room(t, roomID); r != nil {
		t.Fatalf("empty room was kept")
	}
	rec, _ := h.ledger.Get(ctx, roomID)
	if rec == nil || rec.Status != domain.StatusCanceled {
		t.Fatalf("ledger record = %+v", rec)
	}
	lobby, err := h.mgr.ListLobby(ctx)
	if err != nil || len(lobby) != 0 {
		t.Fatalf("lobby = %v %v", lobby, err)
	}
}

func TestCreateRoomResumesActiveRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.mgr.CreateRoom(ctx, "alice", battledto.CreateRoomRequest{Title: "one"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	second, err := h.mgr.CreateRoom(ctx, "alice", battledto.CreateRoomRequest{Title: "two"})
	if err != nil {
		t.Fatalf("second CreateRoom: %v", err)
	}
	if !second.Resumed || second.Room.RoomID != first.Room.RoomID {
		t.Fatalf("expected resume of %s, got %+v", first.Room.RoomID, second)
	}
	if p := second.Room.Participants[0]; p.Nickname != "Alice" || p.PointBalance != 1000 {
		t.Fatalf("unexpected host snapshot: %+v", p)
	}

	if _, err := h.mgr.CreateRoom(ctx, "bob", battledto.CreateRoomRequest{Title: "bob's"}); err != nil {
		t.Fatalf("bob CreateRoom: %v", err)
	}
	if _, err := h.mgr.JoinRoom(ctx, first.Room.RoomID, "bob", ""); !errors.Is(err, ErrAlreadyInRoom) {
		t.Fatalf("expected ErrAlreadyInRoom, got %v", err)
	}
	lobby, err := h.mgr.ListLobby(ctx)
	if err != nil || len(lobby) != 2 {
		t.Fatalf("lobby = %v %v", lobby, err)
	}
}

func TestPenalizedUserCannotCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := h.penalty.Record(ctx, "bob", domain.OutcomeDisconnect); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	_, err := h.mgr.CreateRoom(ctx, "bob", battledto.CreateRoomRequest{Title: "x"})
	if !errors.Is(err, ErrPenalized) {
		t.Fatalf("expected ErrPenalized, got %v", err)
	}
	var pe *PenaltyError
	if !errors.As(err, &pe) || pe.Until.IsZero() {
		t.Fatalf("expected PenaltyError with expiry, got %v", err)
	}
	if msg := h.mgr.Describe(err); msg.Code != "PENALIZED" || msg.Retryable {
		t.Fatalf("Describe = %+v", msg)
	}
}

func TestLockTimeoutIsRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	roomID := h.pairedRoom(t, 0)

	held, err := h.locks.Acquire(ctx, lock.RoomKey(roomID))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release(ctx)

	_, err = h.mgr.Ready(ctx, roomID, "alice", true)
	if !errors.Is(err, ErrLockTimeout) || !IsRetryable(err) {
		t.Fatalf("expected retryable lock timeout, got %v", err)
	}
	if msg := h.mgr.Describe(err); msg.Code != "LOCK_TIMEOUT" || !msg.Retryable {
		t.Fatalf("Describe = %+v", msg)
	}
	if r := h.room(t, roomID); r.Participants["alice"].Ready {
		t.Fatalf("state changed despite lock timeout")
	}
}

func TestStaleTimerIsIgnored(t *testing.T) {
	h := newHarness(t)
	roomID := h.runningRoom(t, 0)
	r := h.room(t, roomID)

	// a timer from an older match must not touch the current one
	h.mgr.timeoutFinalize(roomID, "older-match")
	h.mgr.startMatch(roomID, r.MatchID)
	if got := h.room(t, roomID); got.Status != domain.StatusRunning || !got.StartedAt.Equal(r.StartedAt) {
		t.Fatalf("stale timer changed the room: %s", got.Status)
	}
}
