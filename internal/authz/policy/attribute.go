package policy

import (
	"context"
	"encoding/json"
)

// AttributeRules hold a single condition tree.
type AttributeRules struct {
	Condition Condition `json:"condition"`
}

// AttributeEvaluator evaluates ATTRIBUTE_BASED policies.
type AttributeEvaluator struct{}

func (AttributeEvaluator) Type() Type { return TypeAttribute }

func (AttributeEvaluator) Validate(rules json.RawMessage) error {
	_, err := parseAttribute(rules)
	return err
}

func (AttributeEvaluator) Evaluate(_ context.Context, rules json.RawMessage, pc Context) (Outcome, error) {
	parsed, err := parseAttribute(rules)
	if err != nil {
		return Outcome{}, err
	}
	if parsed.Condition.Evaluate(pc) {
		return Outcome{Applicable: true, Reason: "attribute condition satisfied"}, nil
	}
	return Outcome{Applicable: false, Reason: "attribute condition not satisfied"}, nil
}

func parseAttribute(rules json.RawMessage) (AttributeRules, error) {
	parsed, err := decodeRules[AttributeRules](rules)
	if err != nil {
		return AttributeRules{}, err
	}
	if err := parsed.Condition.Validate(); err != nil {
		return AttributeRules{}, err
	}
	return parsed, nil
}
