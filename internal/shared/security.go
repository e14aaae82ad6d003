package shared

import "context"

// SecurityContext describes who is acting on a request. It is passed
// explicitly down the call chain; the HTTP layer stores it in the request
// context only at the edge.
type SecurityContext struct {
	// SubjectID is the principal whose permissions are evaluated.
	SubjectID int64
	// ImpersonatorID is set when an operator acts on behalf of SubjectID.
	ImpersonatorID int64
	// System marks callers authenticated with the service API key.
	System bool
	// Bypass asks to skip authorization. It is honoured for system callers only.
	Bypass bool
}

// ActorID returns the principal responsible for the action.
func (s *SecurityContext) ActorID() int64 {
	if s == nil {
		return 0
	}
	if s.ImpersonatorID != 0 {
		return s.ImpersonatorID
	}
	return s.SubjectID
}

// Impersonating reports whether an operator acts on behalf of the subject.
func (s *SecurityContext) Impersonating() bool {
	return s != nil && s.ImpersonatorID != 0 && s.ImpersonatorID != s.SubjectID
}

// BypassAllowed reports whether authorization may be skipped.
func (s *SecurityContext) BypassAllowed() bool {
	return s != nil && s.Bypass && s.System
}

type securityContextKey struct{}

// ContextWithSecurity stores the security context in ctx.
func ContextWithSecurity(ctx context.Context, sc *SecurityContext) context.Context {
	return context.WithValue(ctx, securityContextKey{}, sc)
}

// SecurityFromContext extracts the security context, or nil.
func SecurityFromContext(ctx context.Context) *SecurityContext {
	sc, _ := ctx.Value(securityContextKey{}).(*SecurityContext)
	return sc
}
