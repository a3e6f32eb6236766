package battle

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/COAI-team/backend-sub000/internal/domain"
	"github.com/COAI-team/backend-sub000/internal/obslog"
	"github.com/COAI-team/backend-sub000/pkg/battledto"
)

// Submit stamps the attempt under lock, grades it with the judge outside any
// lock, then applies the verdict under the room lock again. A judge error or
// timeout counts as a rejection.
func (m *Manager) Submit(ctx context.Context, userID string, req battledto.SubmitRequest) (battledto.SubmissionResult, error) {
	roomID, userID := strings.TrimSpace(req.RoomID), strings.TrimSpace(userID)
	if roomID == "" || userID == "" || strings.TrimSpace(req.Source) == "" {
		return battledto.SubmissionResult{}, ErrInvalidArgs
	}

	var (
		matchID   string
		attempt   int
		elapsed   int64
		problemID int64
		language  int64
	)
	err := m.withLocks(ctx, userID, roomID, func() error {
		r, err := m.store.Load(ctx, roomID)
		if err != nil {
			return err
		}
		if r == nil {
			return ErrRoomNotFound
		}
		p := r.Participant(userID)
		if p == nil {
			return ErrNotParticipant
		}
		if r.Status != domain.StatusRunning || p.Surrendered || p.Accepted {
			return ErrBadState
		}
		now := m.now()
		if !p.LastSubmittedAt.IsZero() && now.Sub(p.LastSubmittedAt) < m.cfg.SubmitCooldown {
			return ErrSubmitCooldown
		}
		p.Submissions++
		p.LastSubmittedAt = now
		p.ElapsedSeconds = int64(now.Sub(r.StartedAt).Seconds())
		p.Finished = true
		p.Judged = false
		if err := m.save(ctx, r); err != nil {
			return err
		}
		matchID, attempt, elapsed = r.MatchID, p.Submissions, p.ElapsedSeconds
		problemID, language = r.ProblemID, req.LanguageID
		if language == 0 {
			language = r.LanguageID
		}
		return nil
	})
	if err != nil {
		return battledto.SubmissionResult{}, err
	}

	verdict := m.grade(ctx, battledto.JudgeRequest{
		MatchID:    matchID,
		UserID:     userID,
		ProblemID:  problemID,
		LanguageID: language,
		Source:     req.Source,
	})
	result := battledto.SubmissionResult{
		RoomID:         roomID,
		UserID:         userID,
		Accepted:       verdict.Accepted,
		Message:        verdict.Message,
		ElapsedSeconds: elapsed,
	}

	var ob outbox
	err = m.withRoomLock(ctx, roomID, func() error {
		r, err := m.store.Load(ctx, roomID)
		if err != nil || r == nil {
			return err
		}
		p := r.Participant(userID)
		if r.MatchID != matchID || r.Status != domain.StatusRunning || p == nil || p.Submissions != attempt {
			obslog.L().Info("battle_verdict_stale", obslog.Room(roomID), obslog.User(userID), zap.Int("attempt", attempt))
			return nil
		}
		p.Judged = true
		p.Accepted = verdict.Accepted
		p.JudgeMessage = verdict.Message
		applyScores(r, m.cfg.BaseScore, m.cfg.TimeBonusPerSecond)
		obslog.L().Info("battle_submission", obslog.Room(roomID), obslog.User(userID),
			zap.Bool("accepted", verdict.Accepted), zap.Int64("elapsed", elapsed))

		ob.room = append(ob.room, roomEvent{
			roomID:  roomID,
			members: r.Members(),
			ev:      battledto.Event{Type: battledto.EventSubmission, RoomID: roomID, Payload: result},
		})
		if r.bothFinished() {
			return m.finish(ctx, r, decideWinner(r), domain.WinReasonScore, nil, &ob)
		}
		if err := m.save(ctx, r); err != nil {
			return err
		}
		ob.snapshot(r)
		return nil
	})
	if err != nil {
		return result, err
	}
	m.flush(ctx, &ob)
	return result, nil
}

func (m *Manager) grade(ctx context.Context, req battledto.JudgeRequest) battledto.JudgeVerdict {
	if m.judge == nil {
		return battledto.JudgeVerdict{Message: m.text("judge.unavailable", nil)}
	}
	jctx, cancel := context.WithTimeout(ctx, m.cfg.JudgeTimeout)
	defer cancel()
	v, err := m.judge.Judge(jctx, req)
	if err != nil {
		obslog.L().Warn("battle_judge_failed", obslog.Match(req.MatchID), obslog.User(req.UserID), zap.Error(err))
		return battledto.JudgeVerdict{Message: m.text("judge.unavailable", nil)}
	}
	if v.Message == "" {
		if v.Accepted {
			v.Message = m.text("judge.accepted", nil)
		} else {
			v.Message = m.text("judge.rejected", nil)
		}
	}
	return v
}

// Surrender ends a running match in the opponent's favor.
func (m *Manager) Surrender(ctx context.Context, roomID, userID string) error {
	roomID, userID = strings.TrimSpace(roomID), strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return ErrInvalidArgs
	}
	var ob outbox
	err := m.withLocks(ctx, userID, roomID, func() error {
		r, err := m.store.Load(ctx, roomID)
		if err != nil {
			return err
		}
		if r == nil {
			return ErrRoomNotFound
		}
		p := r.Participant(userID)
		if p == nil {
			return ErrNotParticipant
		}
		if r.Status != domain.StatusRunning {
			return ErrBadState
		}
		p.Surrendered = true
		p.Finished = true
		winner := ""
		if opp := r.Opponent(userID); opp != nil {
			winner = opp.UserID
		}
		obslog.L().Info("battle_surrender", obslog.Room(roomID), obslog.User(userID))
		return m.finish(ctx, r, winner, domain.WinReasonSurrender, nil, &ob)
	})
	if err != nil {
		return err
	}
	m.flush(ctx, &ob)
	return nil
}
