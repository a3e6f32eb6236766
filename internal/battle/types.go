package battle

import (
	"fmt"
	"slices"
	"time"

	"github.com/COAI-team/backend-sub000/internal/domain"
)

type Role string

const (
	RoleHost  Role = "HOST"
	RoleGuest Role = "GUEST"
)

// ParticipantState is one player's view of the current match.
type ParticipantState struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Grade    int    `json:"grade"`

	Ready        bool `json:"ready"`
	Surrendered  bool `json:"surrendered"`
	Finished     bool `json:"finished"`
	Disconnected bool `json:"disconnected"`

	// Submissions counts attempts so a late verdict can be matched to its attempt.
	Submissions     int       `json:"submissions"`
	Judged          bool      `json:"judged"`
	Accepted        bool      `json:"accepted"`
	LastSubmittedAt time.Time `json:"last_submitted_at,omitempty"`
	ElapsedSeconds  int64     `json:"elapsed_seconds"`
	BaseScore       int64     `json:"base_score"`
	TimeBonus       int64     `json:"time_bonus"`
	FinalScore      int64     `json:"final_score"`
	PointBalance    int64     `json:"point_balance"`
	JudgeMessage    string    `json:"judge_message,omitempty"`
}

func (p *ParticipantState) resetForMatch() {
	p.Ready = false
	p.Surrendered = false
	p.Finished = false
	p.Disconnected = false
	p.Submissions = 0
	p.Judged = false
	p.Accepted = false
	p.LastSubmittedAt = time.Time{}
	p.ElapsedSeconds = 0
	p.BaseScore = 0
	p.TimeBonus = 0
	p.FinalScore = 0
	p.JudgeMessage = ""
}

// RoomState is stored as JSON under battle:room:<id>.
type RoomState struct {
	RoomID  string             `json:"room_id"`
	MatchID string             `json:"match_id"`
	Round   int                `json:"round"`
	Title   string             `json:"title"`
	Status  domain.MatchStatus `json:"status"`

	HostID       string                       `json:"host_id"`
	GuestID      string                       `json:"guest_id,omitempty"`
	Participants map[string]*ParticipantState `json:"participants"`
	Kicked       []string                     `json:"kicked,omitempty"`

	ProblemID          int64  `json:"problem_id"`
	LanguageID         int64  `json:"language_id"`
	LevelMode          string `json:"level_mode"`
	BetAmount          int64  `json:"bet_amount"`
	MaxDurationMinutes int    `json:"max_duration_minutes"`

	Private      bool   `json:"private"`
	PasswordHash string `json:"password_hash,omitempty"`

	HoldsPlaced bool `json:"holds_placed"`

	CountdownAt     time.Time        `json:"countdown_at,omitempty"`
	CountdownEndsAt time.Time        `json:"countdown_ends_at,omitempty"`
	StartedAt       time.Time        `json:"started_at,omitempty"`
	FinishedAt      time.Time        `json:"finished_at,omitempty"`
	PostGameUntil   time.Time        `json:"post_game_until,omitempty"`
	WinnerID        string           `json:"winner_id,omitempty"`
	WinReason       domain.WinReason `json:"win_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var transitions = map[domain.MatchStatus][]domain.MatchStatus{
	domain.StatusWaiting:   {domain.StatusCountdown, domain.StatusCanceled},
	domain.StatusCountdown: {domain.StatusRunning, domain.StatusWaiting, domain.StatusCanceled},
	domain.StatusRunning:   {domain.StatusFinished},
	domain.StatusFinished:  {domain.StatusWaiting},
}

func canTransition(from, to domain.MatchStatus) bool {
	return slices.Contains(transitions[from], to)
}

// transition is the only writer of RoomState.Status.
func (r *RoomState) transition(to domain.MatchStatus) error {
	if !canTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadState, r.Status, to)
	}
	r.Status = to
	return nil
}

func (r *RoomState) Participant(userID string) *ParticipantState {
	if userID == "" || (userID != r.HostID && userID != r.GuestID) {
		return nil
	}
	return r.Participants[userID]
}

func (r *RoomState) IsParticipant(userID string) bool { return r.Participant(userID) != nil }

func (r *RoomState) RoleOf(userID string) Role {
	switch userID {
	case r.HostID:
		return RoleHost
	case r.GuestID:
		return RoleGuest
	}
	return ""
}

// Opponent returns the other participant, or nil.
func (r *RoomState) Opponent(userID string) *ParticipantState {
	switch userID {
	case r.HostID:
		return r.Participant(r.GuestID)
	case r.GuestID:
		return r.Participant(r.HostID)
	}
	return nil
}

// Members lists participant ids, host first.
func (r *RoomState) Members() []string {
	out := make([]string, 0, 2)
	if r.HostID != "" {
		out = append(out, r.HostID)
	}
	if r.GuestID != "" {
		out = append(out, r.GuestID)
	}
	return out
}

func (r *RoomState) bothReady() bool {
	h, g := r.Participant(r.HostID), r.Participant(r.GuestID)
	return h != nil && g != nil && h.Ready && g.Ready
}

// bothFinished reports whether both players have a final verdict.
func (r *RoomState) bothFinished() bool {
	h, g := r.Participant(r.HostID), r.Participant(r.GuestID)
	if h == nil || g == nil {
		return false
	}
	done := func(p *ParticipantState) bool { return p.Surrendered || (p.Finished && p.Judged) }
	return done(h) && done(g)
}

func (r *RoomState) wasKicked(userID string) bool { return slices.Contains(r.Kicked, userID) }

func (r *RoomState) removeParticipant(userID string) {
	delete(r.Participants, userID)
	switch userID {
	case r.HostID:
		r.HostID = r.GuestID
		r.GuestID = ""
		if h := r.Participant(r.HostID); h != nil {
			h.Ready = false
		}
	case r.GuestID:
		r.GuestID = ""
	}
}

// nextMatch moves the room to a fresh match id. Holds are keyed by match
// id, so a closed attempt's holds are never reopened by the next one.
func (r *RoomState) nextMatch() {
	r.Round++
	r.MatchID = fmt.Sprintf("%s-r%d", r.RoomID, r.Round)
}

func (r *RoomState) record() *domain.MatchRecord {
	return &domain.MatchRecord{
		MatchID:            r.MatchID,
		RoomID:             r.RoomID,
		HostID:             r.HostID,
		GuestID:            r.GuestID,
		ProblemID:          r.ProblemID,
		LanguageID:         r.LanguageID,
		LevelMode:          r.LevelMode,
		BetAmount:          r.BetAmount,
		MaxDurationMinutes: r.MaxDurationMinutes,
		Status:             r.Status,
		CountdownAt:        r.CountdownAt,
		StartedAt:          r.StartedAt,
		FinishedAt:         r.FinishedAt,
		WinnerID:           r.WinnerID,
		WinReason:          r.WinReason,
		CreatedAt:          r.CreatedAt,
	}
}
