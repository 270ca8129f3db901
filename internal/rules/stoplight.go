package rules

import (
	"fmt"

	"autoledger/internal/core"
)

const defaultConfidenceThreshold = 0.8

// DecideGate maps (missing slots, engine outcome, intent confidence) onto
// the tri-state gate. The comparison against the confidence threshold is
// non-strict: confidence equal to the threshold still auto-posts.
func DecideGate(stoplight StoplightRule, missingRequired []string, recoverableFailure bool, confidence float64) core.Gate {
	if len(missingRequired) > 0 {
		return gateOrDefault(stoplight.OnMissingRequired, core.GateClarify)
	}
	if recoverableFailure {
		return gateOrDefault(stoplight.OnFail, core.GatePark)
	}
	threshold := stoplight.ConfidenceThreshold
	if threshold == 0 {
		threshold = defaultConfidenceThreshold
	}
	if confidence < threshold {
		return core.GateClarify
	}
	return core.GateAuto
}

func gateOrDefault(g, def core.Gate) core.Gate {
	if g == "" {
		return def
	}
	return g
}

// ClarifyQuestionFor derives the single question carried by a CLARIFY
// outcome. The first missing field wins; with nothing missing the question
// is a low-confidence confirmation prompt. Deterministic by construction.
func ClarifyQuestionFor(intentName string, missingRequired []string) *core.ClarifyQuestion {
	if len(missingRequired) > 0 {
		slot := missingRequired[0]
		return &core.ClarifyQuestion{
			Slot:   slot,
			Prompt: fmt.Sprintf("Please provide a value for %q to complete the %s booking.", slot, intentName),
		}
	}
	return &core.ClarifyQuestion{
		Prompt: fmt.Sprintf("The %s classification has low confidence. Please confirm it is correct.", intentName),
	}
}
