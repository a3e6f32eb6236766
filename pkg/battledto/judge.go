package battledto

// JudgeRequest is posted to the judge service.
type JudgeRequest struct {
	MatchID    string `json:"matchId"`
	UserID     string `json:"userId"`
	ProblemID  int64  `json:"problemId"`
	LanguageID int64  `json:"languageId"`
	Source     string `json:"source"`
}

type JudgeVerdict struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
	Passed   int    `json:"passed"`
	Total    int    `json:"total"`
}
