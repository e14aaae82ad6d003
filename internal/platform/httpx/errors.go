package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for handlers without a domain error set of their own.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// ErrorMapping turns errors matching Target into a problem response.
type ErrorMapping struct {
	Target error
	Status int
	Title  string
}

var defaultMappings = []ErrorMapping{
	{ErrNotFound, http.StatusNotFound, "Not Found"},
	{ErrDuplicate, http.StatusConflict, "Duplicate"},
	{ErrValidation, http.StatusBadRequest, "Validation Failed"},
	{ErrForbidden, http.StatusForbidden, "Forbidden"},
	{ErrUnauthorized, http.StatusUnauthorized, "Unauthorized"},
}

// StatusFor returns the first mapping err matches, trying mappings before
// the package sentinels. ok is false for unmapped errors.
func StatusFor(err error, mappings ...ErrorMapping) (ErrorMapping, bool) {
	for _, set := range [][]ErrorMapping{mappings, defaultMappings} {
		for _, m := range set {
			if errors.Is(err, m.Target) {
				return m, true
			}
		}
	}
	return ErrorMapping{}, false
}

// RespondError maps err to an RFC7807 response. Unmapped errors become a
// 500 without detail so internals do not leak.
func RespondError(w http.ResponseWriter, err error, mappings ...ErrorMapping) {
	m, ok := StatusFor(err, mappings...)
	if !ok {
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	Problem(w, m.Status, m.Title, err.Error())
}
