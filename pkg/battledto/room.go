package battledto

import "time"

type ParticipantSnapshot struct {
	UserID          string    `json:"userId"`
	Nickname        string    `json:"nickname"`
	Grade           int       `json:"grade"`
	Role            string    `json:"role"`
	Ready           bool      `json:"ready"`
	Surrendered     bool      `json:"surrendered"`
	Finished        bool      `json:"finished"`
	Disconnected    bool      `json:"disconnected"`
	LastSubmittedAt time.Time `json:"lastSubmittedAt,omitempty"`
	ElapsedSeconds  int64     `json:"elapsedSeconds"`
	BaseScore       int64     `json:"baseScore"`
	TimeBonus       int64     `json:"timeBonus"`
	FinalScore      int64     `json:"finalScore"`
	PointBalance    int64     `json:"pointBalance"`
	JudgeMessage    string    `json:"judgeMessage,omitempty"`
}

// RoomSnapshot is the full room view pushed after every change.
type RoomSnapshot struct {
	RoomID             string                `json:"roomId"`
	MatchID            string                `json:"matchId"`
	Title              string                `json:"title"`
	Status             string                `json:"status"`
	HostID             string                `json:"hostId"`
	GuestID            string                `json:"guestId,omitempty"`
	ProblemID          int64                 `json:"problemId"`
	LanguageID         int64                 `json:"languageId"`
	LevelMode          string                `json:"levelMode"`
	BetAmount          int64                 `json:"betAmount"`
	MaxDurationMinutes int                   `json:"maxDurationMinutes"`
	Private            bool                  `json:"private"`
	CountdownEndsAt    time.Time             `json:"countdownEndsAt,omitempty"`
	StartedAt          time.Time             `json:"startedAt,omitempty"`
	FinishedAt         time.Time             `json:"finishedAt,omitempty"`
	WinnerID           string                `json:"winnerId,omitempty"`
	WinReason          string                `json:"winReason,omitempty"`
	PostGameUntil      time.Time             `json:"postGameUntil,omitempty"`
	Participants       []ParticipantSnapshot `json:"participants"`
}

// Members lists the user ids a room snapshot should be delivered to.
func (r RoomSnapshot) Members() []string {
	out := make([]string, 0, 2)
	for _, p := range r.Participants {
		out = append(out, p.UserID)
	}
	return out
}

type LobbyEntry struct {
	RoomID       string `json:"roomId"`
	Title        string `json:"title"`
	HostNickname string `json:"hostNickname"`
	Status       string `json:"status"`
	LevelMode    string `json:"levelMode"`
	BetAmount    int64  `json:"betAmount"`
	Private      bool   `json:"private"`
	Players      int    `json:"players"`
}

type Profile struct {
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
	Grade    int    `json:"grade"`
}
