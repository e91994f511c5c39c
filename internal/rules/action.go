package rules

import (
	"fmt"
	"strings"
)

// Action is a rule outcome, also the shape of a caller-supplied decision.
type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionDecline Action = "DECLINE"
	ActionReview  Action = "REVIEW"
)

// NormalizeAction maps the accepted aliases onto the canonical actions.
// APPROVE/APPROVED/ALLOW → APPROVE, DECLINE/DECLINED/BLOCK → DECLINE.
func NormalizeAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "APPROVE", "APPROVED", "ALLOW":
		return ActionApprove, nil
	case "DECLINE", "DECLINED", "BLOCK":
		return ActionDecline, nil
	case "REVIEW":
		return ActionReview, nil
	default:
		return "", fmt.Errorf("unrecognized action %q", s)
	}
}

// NormalizeDecision is NormalizeAction restricted to the two decisions a
// MONITORING caller may supply.
func NormalizeDecision(s string) (Action, error) {
	a, err := NormalizeAction(s)
	if err != nil || a == ActionReview {
		return "", fmt.Errorf("decision must be APPROVE or DECLINE")
	}
	return a, nil
}
