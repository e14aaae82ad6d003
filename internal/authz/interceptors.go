package authz

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/odyssey-erp/odyssey-iam/internal/observability"
)

// Checker answers single permission checks. *Service satisfies it.
type Checker interface {
	Check(ctx context.Context, req CheckRequest) (Decision, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, req CheckRequest) (Decision, error)

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	return f(ctx, req)
}

// Interceptor decorates a Checker.
type Interceptor func(next Checker) Checker

// Chain wraps checker so the first interceptor is the outermost.
func Chain(checker Checker, interceptors ...Interceptor) Checker {
	for i := len(interceptors) - 1; i >= 0; i-- {
		checker = interceptors[i](checker)
	}
	return checker
}

// WithLogging logs denials at info level and errors at warn level.
func WithLogging(logger *slog.Logger) Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Checker) Checker {
		return CheckerFunc(func(ctx context.Context, req CheckRequest) (Decision, error) {
			d, err := next.Check(ctx, req)
			attrs := []any{
				slog.Int64("subject_id", req.SubjectID),
				slog.String("resource", req.Resource),
				slog.String("action", string(req.Action)),
				slog.String("scope", string(req.Scope)),
			}
			switch {
			case err != nil:
				logger.WarnContext(ctx, "permission check failed", append(attrs, slog.Any("error", err))...)
			case !d.Allowed:
				logger.InfoContext(ctx, "permission denied", append(attrs, slog.String("reason", d.Reason), slog.String("source", string(d.Source)))...)
			default:
				logger.DebugContext(ctx, "permission granted", append(attrs, slog.String("source", string(d.Source)))...)
			}
			return d, err
		})
	}
}

// WithMetrics records the end-to-end latency seen by callers of next.
func WithMetrics(metrics *observability.AuthzMetrics) Interceptor {
	return func(next Checker) Checker {
		return CheckerFunc(func(ctx context.Context, req CheckRequest) (Decision, error) {
			start := time.Now()
			d, err := next.Check(ctx, req)
			if err != nil {
				metrics.CheckError(errorKind(err))
				return d, err
			}
			metrics.ObserveCheck("chain", d.Allowed, time.Since(start))
			return d, nil
		})
	}
}

// WithTracing opens a span per check using the global tracer provider.
func WithTracing() Interceptor {
	tracer := otel.Tracer("github.com/odyssey-erp/odyssey-iam/internal/authz")
	return func(next Checker) Checker {
		return CheckerFunc(func(ctx context.Context, req CheckRequest) (Decision, error) {
			ctx, span := tracer.Start(ctx, "authz.Check",
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.Int64("authz.subject_id", req.SubjectID),
					attribute.String("authz.resource", req.Resource),
					attribute.String("authz.action", string(req.Action)),
					attribute.String("authz.scope", string(req.Scope)),
				))
			defer span.End()

			d, err := next.Check(ctx, req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				if errors.Is(err, ErrTimeout) {
					span.SetAttributes(attribute.Bool("authz.timeout", true))
				}
				return d, err
			}
			span.SetAttributes(
				attribute.Bool("authz.allowed", d.Allowed),
				attribute.String("authz.source", string(d.Source)),
				attribute.String("authz.reason", d.Reason),
			)
			return d, nil
		})
	}
}
