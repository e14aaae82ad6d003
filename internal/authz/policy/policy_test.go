package policy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestTimeEvaluator(t *testing.T) {
	ev := TimeEvaluator{}
	officeHours := raw(`{"timezone":"Asia/Jakarta","windows":[{"days":["MON","TUE","WED","THU","FRI"],"start":"08:00","end":"17:00"}]}`)
	require.NoError(t, ev.Validate(officeHours))

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"monday morning local", time.Date(2025, 1, 6, 2, 0, 0, 0, time.UTC), true},
		{"monday evening local", time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC), false},
		{"saturday", time.Date(2025, 1, 4, 3, 0, 0, 0, time.UTC), false},
		{"end is exclusive", time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := ev.Evaluate(context.Background(), officeHours, Context{Time: tc.at})
			require.NoError(t, err)
			assert.Equal(t, tc.want, out.Applicable, out.Reason)
		})
	}
}

func TestTimeEvaluatorOvernightWindow(t *testing.T) {
	ev := TimeEvaluator{}
	night := raw(`{"timezone":"UTC","windows":[{"days":["FRI"],"start":"22:00","end":"06:00"}]}`)

	out, err := ev.Evaluate(context.Background(), night, Context{Time: time.Date(2025, 1, 3, 23, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.True(t, out.Applicable)

	out, err = ev.Evaluate(context.Background(), night, Context{Time: time.Date(2025, 1, 4, 5, 59, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.True(t, out.Applicable, "saturday early morning belongs to friday's window")

	out, err = ev.Evaluate(context.Background(), night, Context{Time: time.Date(2025, 1, 4, 23, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.False(t, out.Applicable)
}

func TestTimeEvaluatorRejectsInvalidRules(t *testing.T) {
	ev := TimeEvaluator{}
	for name, payload := range map[string]string{
		"unknown zone":  `{"timezone":"Mars/Olympus","windows":[{"days":["MON"],"start":"08:00","end":"09:00"}]}`,
		"bad clock":     `{"timezone":"UTC","windows":[{"days":["MON"],"start":"8am","end":"09:00"}]}`,
		"bad day":       `{"timezone":"UTC","windows":[{"days":["MONDAY"],"start":"08:00","end":"09:00"}]}`,
		"no windows":    `{"timezone":"UTC","windows":[]}`,
		"empty window":  `{"timezone":"UTC","windows":[{"days":["MON"],"start":"08:00","end":"08:00"}]}`,
		"unknown field": `{"timezone":"UTC","windows":[{"days":["MON"],"start":"08:00","end":"09:00"}],"extra":1}`,
		"empty":         ``,
	} {
		t.Run(name, func(t *testing.T) {
			err := ev.Validate(raw(payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRules))
		})
	}
}

func TestLocationEvaluator(t *testing.T) {
	ev := LocationEvaluator{}
	rules := raw(`{"allowedCidrs":["10.0.0.0/8"],"allowedCountries":["ID"],"deniedIps":["10.1.1.1"],"deniedCountries":["KP"]}`)
	require.NoError(t, ev.Validate(rules))

	cases := []struct {
		name string
		pc   Context
		want bool
	}{
		{"allowed cidr", Context{IP: "10.2.3.4"}, true},
		{"denied ip inside allowed cidr", Context{IP: "10.1.1.1"}, false},
		{"allowed country", Context{IP: "203.0.113.9", Country: "id"}, true},
		{"denied country", Context{IP: "10.2.3.4", Country: "KP"}, false},
		{"outside allow lists", Context{IP: "203.0.113.9", Country: "SG"}, false},
		{"no address", Context{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := ev.Evaluate(context.Background(), rules, tc.pc)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out.Applicable, out.Reason)
		})
	}
}

func TestLocationEvaluatorValidation(t *testing.T) {
	ev := LocationEvaluator{}
	assert.ErrorIs(t, ev.Validate(raw(`{}`)), ErrInvalidRules)
	assert.ErrorIs(t, ev.Validate(raw(`{"allowedCidrs":["10.0.0.0/33"]}`)), ErrInvalidRules)
	assert.ErrorIs(t, ev.Validate(raw(`{"allowedIps":["not-an-ip"]}`)), ErrInvalidRules)
	assert.ErrorIs(t, ev.Validate(raw(`{"allowedCountries":["XX"]}`)), ErrInvalidRules)
	assert.NoError(t, ev.Validate(raw(`{"deniedIps":["::1"]}`)))
}

func TestConditionEvaluate(t *testing.T) {
	pc := Context{
		SubjectID: 42,
		IP:        "10.0.0.1",
		Subject:   map[string]any{"department": "finance", "level": 3, "tags": []string{"auditor", "staff"}},
		Resource:  map[string]any{"owner": float64(42), "status": "draft", "amount": 1500.0},
	}
	cases := []struct {
		name string
		cond string
		want bool
	}{
		{"eq string", `{"field":"subject.department","operator":"=","value":"finance"}`, true},
		{"ne string", `{"field":"subject.department","operator":"!=","value":"finance"}`, false},
		{"number across types", `{"field":"subject.level","operator":">=","value":3}`, true},
		{"gt", `{"field":"resource.amount","operator":">","value":2000}`, false},
		{"lt", `{"field":"resource.amount","operator":"<","value":2000}`, true},
		{"lte string", `{"field":"resource.status","operator":"<=","value":"draft"}`, true},
		{"in", `{"field":"resource.status","operator":"in","value":["draft","review"]}`, true},
		{"not_in", `{"field":"resource.status","operator":"not_in","value":["draft"]}`, false},
		{"contains slice", `{"field":"subject.tags","operator":"contains","value":"auditor"}`, true},
		{"contains string", `{"field":"env.ip","operator":"contains","value":"10.0."}`, true},
		{"subject id", `{"field":"subject.id","operator":"=","value":42}`, true},
		{"missing attribute", `{"field":"subject.unknown","operator":"=","value":"x"}`, false},
		{"owner match", `{"logic":"AND","conditions":[{"field":"resource.owner","operator":"=","value":42},{"field":"resource.status","operator":"=","value":"draft"}]}`, true},
		{"or group", `{"logic":"OR","conditions":[{"field":"subject.level","operator":">","value":5},{"field":"subject.department","operator":"=","value":"finance"}]}`, true},
		{"nested", `{"logic":"AND","conditions":[{"logic":"OR","conditions":[{"field":"subject.level","operator":">","value":5}]},{"field":"subject.department","operator":"=","value":"finance"}]}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cond, err := ParseCondition(raw(tc.cond))
			require.NoError(t, err)
			assert.Equal(t, tc.want, cond.Evaluate(pc))
		})
	}
}

func TestConditionValidateRejects(t *testing.T) {
	for name, payload := range map[string]string{
		"unknown operator": `{"field":"subject.level","operator":"~","value":1}`,
		"bad field prefix": `{"field":"user.level","operator":"=","value":1}`,
		"missing value":    `{"field":"subject.level","operator":"="}`,
		"in needs list":    `{"field":"subject.level","operator":"in","value":1}`,
		"empty in list":    `{"field":"subject.level","operator":"in","value":[]}`,
		"gt needs scalar":  `{"field":"subject.level","operator":">","value":[1]}`,
		"empty group":      `{"logic":"AND","conditions":[]}`,
		"bad logic":        `{"logic":"XOR","conditions":[{"field":"subject.a","operator":"=","value":1}]}`,
		"mixed node":       `{"logic":"AND","field":"subject.a","conditions":[{"field":"subject.a","operator":"=","value":1}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCondition(raw(payload))
			assert.ErrorIs(t, err, ErrInvalidRules)
		})
	}

	deep := Condition{Field: "subject.a", Operator: OpEq, Value: 1.0}
	for i := 0; i <= MaxConditionDepth; i++ {
		deep = Condition{Logic: LogicAnd, Conditions: []Condition{deep}}
	}
	assert.ErrorIs(t, deep.Validate(), ErrInvalidRules)
}

func TestAttributeEvaluator(t *testing.T) {
	ev := AttributeEvaluator{}
	rules := raw(`{"condition":{"field":"subject.department","operator":"in","value":["finance","audit"]}}`)
	require.NoError(t, ev.Validate(rules))

	out, err := ev.Evaluate(context.Background(), rules, Context{Subject: map[string]any{"department": "audit"}})
	require.NoError(t, err)
	assert.True(t, out.Applicable)

	out, err = ev.Evaluate(context.Background(), rules, Context{Subject: map[string]any{"department": "sales"}})
	require.NoError(t, err)
	assert.False(t, out.Applicable)

	assert.ErrorIs(t, ev.Validate(raw(`{"condition":{"field":"subject.x","operator":"like","value":"a"}}`)), ErrInvalidRules)
}
