package decision

import (
	"math"
	"sort"
	"time"

	"lnautopilot/engine/models"
)

const codeBudgetExceeded = "max_channels_per_tick_exceeded"

// SelectWithinBudget enforces max_channels_per_tick: when more than maxPerTick
// decisions propose a mutation, the ones kept are those with the highest
// |score-50| (furthest from the mid-band), breaking ties by longest time
// since the channel's last mutation. Everything else is downgraded to
// NO_ACTION. Decisions that were already NO_ACTION or shadowed pass through
// unchanged and do not count against the budget.
func SelectWithinBudget(decisions []models.Decision, scores map[models.ChannelID]models.ChannelScore, lastMutation map[models.ChannelID]time.Time, maxPerTick int) []models.Decision {
	if maxPerTick <= 0 {
		return decisions
	}

	var mutating []int
	for i, d := range decisions {
		if isMutating(d) {
			mutating = append(mutating, i)
		}
	}
	if len(mutating) <= maxPerTick {
		return decisions
	}

	sort.SliceStable(mutating, func(a, b int) bool {
		di, dj := decisions[mutating[a]], decisions[mutating[b]]
		distI := math.Abs(scores[di.ChannelID].Total - 50)
		distJ := math.Abs(scores[dj.ChannelID].Total - 50)
		if distI != distJ {
			return distI > distJ
		}
		return lastMutation[di.ChannelID].Before(lastMutation[dj.ChannelID])
	})

	keep := make(map[string]bool, maxPerTick)
	for _, idx := range mutating[:maxPerTick] {
		keep[decisions[idx].DecisionID] = true
	}

	out := make([]models.Decision, len(decisions))
	copy(out, decisions)
	for _, idx := range mutating[maxPerTick:] {
		out[idx].Kind = models.NoAction
		out[idx].ProposedPolicy = models.PartialPolicy{}
		out[idx].Reason.Code = codeBudgetExceeded
		out[idx].Reason.RuleID = codeBudgetExceeded
	}
	return out
}

func isMutating(d models.Decision) bool {
	switch d.Kind {
	case models.NoAction:
		return false
	default:
		return d.Status != models.StatusShadowed
	}
}
