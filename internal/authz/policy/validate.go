package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	hhmmPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
	validate    = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		return hhmmPattern.MatchString(fl.Field().String())
	})
	return v
}

// decodeRules strictly decodes a rules payload and runs struct validation.
func decodeRules[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, fmt.Errorf("%w: empty payload", ErrInvalidRules)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if err := validate.Struct(out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	return out, nil
}
