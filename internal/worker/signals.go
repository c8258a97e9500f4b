package worker

import (
	"strings"

	"github.com/pi-brain/pi-brain/internal/session"
	"github.com/pi-brain/pi-brain/internal/store"
)

// deriveSignals computes the friction/delight score and flags for a
// segment's node (spec §4.5 step 4: "derive friction/delight signals
// from the segment and from the immediately prior node for the same
// project"). Each flag contributes a fixed weight to its score, capped
// at 1 — the exact weighting isn't specified, so this follows the same
// "count contributing conditions" shape the analyzer's own Observations
// already group findings by (wins/failures/quirks as parallel slices
// rather than a single blended number).
func deriveSignals(seg session.Segment, content store.Content, prior *store.Node) store.Signals {
	var sig store.Signals

	userMessages := 0
	for _, e := range seg.Entries {
		if e.Type == session.EntryMessage {
			if role, _ := e.Raw["role"].(string); role == "user" {
				userMessages++
			}
		}
	}

	sig.Friction.Flags.Rephrasing = userMessages >= 4
	sig.Friction.Flags.Abandonment = content.Outcome == store.OutcomeAbandoned
	sig.Friction.Flags.Churn = len(content.ErrorsSeen) >= 3

	// prior is already scoped to the same project by the caller (it comes
	// from store.LatestNodeForProject), so no project comparison is needed
	// here.
	sig.Friction.Flags.AbandonedRestart = prior != nil &&
		(prior.Content.Outcome == store.OutcomeAbandoned || prior.Content.Outcome == store.OutcomeBlocked)

	sig.Delight.Flags.Resilience = len(content.ErrorsSeen) > 0 && content.Outcome == store.OutcomeCompleted
	sig.Delight.Flags.OneShotSuccess = content.Outcome == store.OutcomeCompleted &&
		len(content.ErrorsSeen) == 0 && !sig.Friction.Flags.Rephrasing

	sig.Friction.Score = clampScore(
		boolWeight(sig.Friction.Flags.Rephrasing) +
			boolWeight(sig.Friction.Flags.Abandonment) +
			boolWeight(sig.Friction.Flags.Churn) +
			boolWeight(sig.Friction.Flags.AbandonedRestart),
	)
	sig.Delight.Score = clampScore(
		boolWeight(sig.Delight.Flags.Resilience) +
			boolWeight(sig.Delight.Flags.OneShotSuccess),
	)
	return sig
}

func boolWeight(b bool) float64 {
	if b {
		return 0.3
	}
	return 0
}

func clampScore(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

// errorSummary renders a short joined list for log messages.
func errorSummary(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	return strings.Join(errs, "; ")
}
