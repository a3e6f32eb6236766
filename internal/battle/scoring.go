package battle

// applyScores recomputes every participant's score. Once both have a
// verdict the faster one gets perSecond for every second of lead, accepted
// or not.
func applyScores(r *RoomState, base, perSecond int64) {
	for _, uid := range r.Members() {
		p := r.Participants[uid]
		if p == nil {
			continue
		}
		p.BaseScore = 0
		if p.Accepted {
			p.BaseScore = base
		}
		p.TimeBonus = 0
		p.FinalScore = p.BaseScore
	}
	h, g := r.Participant(r.HostID), r.Participant(r.GuestID)
	if h == nil || g == nil || !judgedSubmission(h) || !judgedSubmission(g) {
		return
	}
	faster, diff := h, h.ElapsedSeconds-g.ElapsedSeconds
	if diff > 0 {
		faster = g
	} else {
		diff = -diff
	}
	if diff == 0 {
		return
	}
	faster.TimeBonus = perSecond * diff
	faster.FinalScore += faster.TimeBonus
}

func judgedSubmission(p *ParticipantState) bool {
	return p.Finished && p.Judged && !p.Surrendered
}

// decideWinner ranks by final score, then lower elapsed time, then host.
func decideWinner(r *RoomState) string {
	h, g := r.Participant(r.HostID), r.Participant(r.GuestID)
	if h == nil || g == nil {
		return ""
	}
	switch {
	case h.FinalScore > g.FinalScore:
		return h.UserID
	case g.FinalScore > h.FinalScore:
		return g.UserID
	case g.ElapsedSeconds < h.ElapsedSeconds:
		return g.UserID
	default:
		return h.UserID
	}
}
