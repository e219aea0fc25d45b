package continuity

import "sort"

// MissingLink is a detected logical gap or contradiction between two chapters.
type MissingLink struct {
	FromChapter string `json:"from_chapter"`
	ToChapter   string `json:"to_chapter"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Suggestion  string `json:"suggestion"`
}

// UnverifiedPair is a pair whose adjudication failed. It is reported instead
// of being dropped so the score never silently understates risk.
type UnverifiedPair struct {
	FromChapter string `json:"from_chapter"`
	ToChapter   string `json:"to_chapter"`
	Reason      string `json:"reason"`
}

const (
	StatusSolid  = "solid"
	StatusWeak   = "weak"
	StatusBroken = "broken"
)

var severityPenalty = map[string]int{
	"high":   25,
	"medium": 15,
	"low":    5,
}

var severityRank = map[string]int{
	"high":   3,
	"medium": 2,
	"low":    1,
}

// Score computes the continuity score and status from the missing link list.
// The computation is local and deterministic; it never involves the reasoning
// provider.
func Score(links []MissingLink) (int, string) {
	score := 100
	for _, l := range links {
		p, ok := severityPenalty[l.Severity]
		if !ok {
			p = severityPenalty["medium"]
		}
		score -= p
	}
	if score < 0 {
		score = 0
	}
	switch {
	case score < 30:
		return score, StatusBroken
	case score < 70:
		return score, StatusWeak
	default:
		return score, StatusSolid
	}
}

// Dedup collapses duplicate links for the same ordered (from, to) pair,
// keeping the highest-severity entry. Output is sorted by pair for stable
// reports.
func Dedup(links []MissingLink) []MissingLink {
	best := make(map[[2]string]MissingLink, len(links))
	for _, l := range links {
		key := [2]string{l.FromChapter, l.ToChapter}
		cur, ok := best[key]
		if !ok || severityRank[l.Severity] > severityRank[cur.Severity] {
			best[key] = l
		}
	}
	out := make([]MissingLink, 0, len(best))
	for _, l := range best {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FromChapter != out[j].FromChapter {
			return out[i].FromChapter < out[j].FromChapter
		}
		return out[i].ToChapter < out[j].ToChapter
	})
	return out
}
