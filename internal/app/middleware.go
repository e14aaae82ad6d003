package app

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-iam/internal/observability"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Headers read by the security middleware.
const (
	HeaderAPIKey       = "X-API-Key"
	HeaderSubjectID    = "X-Subject-ID"
	HeaderImpersonator = "X-Impersonator-ID"
	HeaderBypass       = "X-Authz-Bypass"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
}

// MiddlewareStack installs the Odyssey middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	timeout := 30 * time.Second
	rateLimit := 600
	if cfg.Config != nil {
		if cfg.Config.AppRequestTimeout > 0 {
			timeout = cfg.Config.AppRequestTimeout
		}
		if cfg.Config.RateLimitPerMinute > 0 {
			rateLimit = cfg.Config.RateLimitPerMinute
		}
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		otelhttp.NewMiddleware("odyssey-iam",
			otelhttp.WithTracerProvider(otel.GetTracerProvider()),
			otelhttp.WithPropagators(otel.GetTextMapPropagator()),
		),
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		httprate.Limit(rateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, func(next http.Handler) http.Handler {
			return cfg.Metrics.Middleware(next)
		})
	}
	return middlewares
}

// SecurityMiddleware builds the request SecurityContext from headers.
//
// With an API key hash configured, every request must present the key and is
// then trusted as a system caller. Without one (development), headers are
// accepted but the caller is never a system caller, so bypass is ignored.
func SecurityMiddleware(apiKeyHash string, logger *slog.Logger) func(http.Handler) http.Handler {
	keys := &apiKeyVerifier{hash: []byte(apiKeyHash)}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := &shared.SecurityContext{}
			if apiKeyHash != "" {
				if !keys.verify(r.Header.Get(HeaderAPIKey)) {
					logger.Warn("api key rejected", slog.String("path", r.URL.Path))
					httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid api key")
					return
				}
				sc.System = true
			}

			var err error
			if sc.SubjectID, err = headerID(r, HeaderSubjectID); err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Invalid Header", err.Error())
				return
			}
			if sc.ImpersonatorID, err = headerID(r, HeaderImpersonator); err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Invalid Header", err.Error())
				return
			}
			sc.Bypass, _ = strconv.ParseBool(r.Header.Get(HeaderBypass))

			next.ServeHTTP(w, r.WithContext(shared.ContextWithSecurity(r.Context(), sc)))
		})
	}
}

func headerID(r *http.Request, name string) (int64, error) {
	v := r.Header.Get(name)
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return id, nil
}

// apiKeyVerifier remembers the last key that matched so bcrypt runs once per
// distinct key rather than once per request.
type apiKeyVerifier struct {
	hash []byte

	mu       sync.RWMutex
	verified []byte
}

func (v *apiKeyVerifier) verify(key string) bool {
	if key == "" {
		return false
	}
	v.mu.RLock()
	known := v.verified
	v.mu.RUnlock()
	if known != nil && subtle.ConstantTimeCompare(known, []byte(key)) == 1 {
		return true
	}
	if bcrypt.CompareHashAndPassword(v.hash, []byte(key)) != nil {
		return false
	}
	v.mu.Lock()
	v.verified = []byte(key)
	v.mu.Unlock()
	return true
}
