package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	_ "time/tzdata"
)

// TimeRules allow access during weekday windows in a time zone.
type TimeRules struct {
	Timezone string       `json:"timezone" validate:"required,timezone"`
	Windows  []TimeWindow `json:"windows" validate:"required,min=1,dive"`
}

// TimeWindow is a [Start, End) range on the listed days. End before Start
// spans midnight and belongs to the day it starts on.
type TimeWindow struct {
	Days  []string `json:"days" validate:"required,min=1,dive,oneof=MON TUE WED THU FRI SAT SUN"`
	Start string   `json:"start" validate:"required,hhmm"`
	End   string   `json:"end" validate:"required,hhmm"`
}

var weekdayCodes = [...]string{"SUN", "MON", "TUE", "WED", "THU", "FRI", "SAT"}

// TimeEvaluator evaluates TIME_BASED policies.
type TimeEvaluator struct{}

func (TimeEvaluator) Type() Type { return TypeTime }

func (e TimeEvaluator) Validate(rules json.RawMessage) error {
	_, _, err := e.parse(rules)
	return err
}

func (e TimeEvaluator) Evaluate(_ context.Context, rules json.RawMessage, pc Context) (Outcome, error) {
	parsed, loc, err := e.parse(rules)
	if err != nil {
		return Outcome{}, err
	}
	local := pc.Now().In(loc)
	minute := local.Hour()*60 + local.Minute()
	today := weekdayCodes[local.Weekday()]
	yesterday := weekdayCodes[(local.Weekday()+6)%7]
	for _, w := range parsed.Windows {
		start, end := clockMinutes(w.Start), clockMinutes(w.End)
		if start < end {
			if hasDay(w.Days, today) && minute >= start && minute < end {
				return Outcome{Applicable: true, Reason: fmt.Sprintf("within %s %s-%s %s", today, w.Start, w.End, parsed.Timezone)}, nil
			}
			continue
		}
		if hasDay(w.Days, today) && minute >= start {
			return Outcome{Applicable: true, Reason: fmt.Sprintf("within %s %s-%s %s", today, w.Start, w.End, parsed.Timezone)}, nil
		}
		if hasDay(w.Days, yesterday) && minute < end {
			return Outcome{Applicable: true, Reason: fmt.Sprintf("within %s %s-%s %s", yesterday, w.Start, w.End, parsed.Timezone)}, nil
		}
	}
	return Outcome{Applicable: false, Reason: fmt.Sprintf("outside allowed hours (%s %s)", today, local.Format("15:04"))}, nil
}

func (TimeEvaluator) parse(rules json.RawMessage) (TimeRules, *time.Location, error) {
	parsed, err := decodeRules[TimeRules](rules)
	if err != nil {
		return TimeRules{}, nil, err
	}
	loc, err := time.LoadLocation(parsed.Timezone)
	if err != nil {
		return TimeRules{}, nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidRules, parsed.Timezone, err)
	}
	for i, w := range parsed.Windows {
		if w.Start == w.End {
			return TimeRules{}, nil, fmt.Errorf("%w: windows[%d] is empty", ErrInvalidRules, i)
		}
	}
	return parsed, loc, nil
}

func clockMinutes(hhmm string) int {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0
	}
	return t.Hour()*60 + t.Minute()
}

func hasDay(days []string, day string) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
