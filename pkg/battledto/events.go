package battledto

// Event types pushed to clients.
const (
	EventRoom       = "room"
	EventLobby      = "lobby"
	EventCountdown  = "countdown"
	EventSubmission = "submission"
	EventNotice     = "notice"
	EventError      = "error"
	EventClosed     = "closed"
)

// Event is the envelope every push uses.
type Event struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type CountdownTick struct {
	RoomID    string `json:"roomId"`
	Remaining int    `json:"remaining"`
}

type SubmissionResult struct {
	RoomID         string `json:"roomId"`
	UserID         string `json:"userId"`
	Accepted       bool   `json:"accepted"`
	Message        string `json:"message"`
	ElapsedSeconds int64  `json:"elapsedSeconds"`
}

// Notice is a human-readable message for one room or user, with a stable code.
type Notice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
