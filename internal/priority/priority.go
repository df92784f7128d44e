// Package priority ranks extraction agents by reliability.
package priority

import (
	"slices"
	"strings"

	"golang.org/x/text/cases"

	"github.com/sells-group/proposal-review/internal/model"
)

// DefaultScore is returned for agents that match no rule.
const DefaultScore = 50

// Rule maps an agent-name substring to a score.
type Rule struct {
	Match string
	Score int
}

// rules is evaluated top to bottom; the first match wins.
var rules = []Rule{
	{Match: "ffa", Score: 100},
	{Match: "slack", Score: 80},
	{Match: "google", Score: 30},
}

// Score returns the reliability score of an agent by display name. Matching
// is a case-insensitive substring test; an empty or unmatched name yields
// DefaultScore.
func Score(agentName string) int {
	fold := cases.Fold()
	name := fold.String(strings.TrimSpace(agentName))
	if name == "" {
		return DefaultScore
	}
	for _, r := range rules {
		if strings.Contains(name, fold.String(r.Match)) {
			return r.Score
		}
	}
	return DefaultScore
}

// Sort returns proposals ordered by descending agent score. The sort is
// stable, so proposals with equal scores keep their input order.
func Sort(proposals []model.SourceProposal) []model.SourceProposal {
	out := slices.Clone(proposals)
	slices.SortStableFunc(out, func(a, b model.SourceProposal) int {
		return Score(b.AgentName()) - Score(a.AgentName())
	})
	return out
}
