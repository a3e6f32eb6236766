package battledto

import "encoding/json"

// Command is the client → server envelope on the websocket.
type Command struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply answers one Command by id.
type Reply struct {
	ID    string        `json:"id,omitempty"`
	OK    bool          `json:"ok"`
	Data  any           `json:"data,omitempty"`
	Error *ErrorMessage `json:"error,omitempty"`
}

type CreateRoomRequest struct {
	Title              string `json:"title"`
	ProblemID          int64  `json:"problemId"`
	LanguageID         int64  `json:"languageId"`
	LevelMode          string `json:"levelMode"`
	BetAmount          int64  `json:"betAmount"`
	MaxDurationMinutes int    `json:"maxDurationMinutes"`
	Private            bool   `json:"private"`
	Password           string `json:"password,omitempty"`
}

type JoinRoomRequest struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password,omitempty"`
}

type RoomRequest struct {
	RoomID string `json:"roomId"`
}

type ReadyRequest struct {
	RoomID string `json:"roomId"`
	Ready  bool   `json:"ready"`
}

type KickRequest struct {
	RoomID   string `json:"roomId"`
	TargetID string `json:"targetId"`
}

// UpdateSettingsRequest changes only the non-nil fields.
type UpdateSettingsRequest struct {
	RoomID             string  `json:"roomId"`
	Title              *string `json:"title,omitempty"`
	ProblemID          *int64  `json:"problemId,omitempty"`
	LanguageID         *int64  `json:"languageId,omitempty"`
	LevelMode          *string `json:"levelMode,omitempty"`
	BetAmount          *int64  `json:"betAmount,omitempty"`
	MaxDurationMinutes *int    `json:"maxDurationMinutes,omitempty"`
	Private            *bool   `json:"private,omitempty"`
	Password           *string `json:"password,omitempty"`
}

type SubmitRequest struct {
	RoomID     string `json:"roomId"`
	LanguageID int64  `json:"languageId"`
	Source     string `json:"source"`
}
