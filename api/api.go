// Package api exposes the trust layer over HTTP: login, signed-request
// authentication and scoped action tokens.
package api

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/gatekeep/actiontoken"
	"github.com/jmcleod/gatekeep/internal/clock"
	"github.com/jmcleod/gatekeep/replay"
	"github.com/jmcleod/gatekeep/session"
	"github.com/jmcleod/gatekeep/storage"
)

// ErrInvalidCredentials is returned by an Authenticator when the email and
// password do not match an account.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Authenticator checks a password and resolves the account behind it.
// Account storage and password hashing live outside this package.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (session.Actor, error)
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	sessions *session.Service
	guard    *replay.Guard
	tokens   *actiontoken.Service
	auth     Authenticator

	clock         clock.Clock
	logger        *slog.Logger
	alertFn       AlertFunc
	rateLimiter   *loginRateLimiter
	globalLimiter *globalRateLimiter
	audit         *auditLogger
}

var _ storage.Sweepable = (*API)(nil)

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit and error events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithAlertFunc installs a callback for anomaly alerts such as replay
// spikes. Without one, no counters are kept.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithClock injects the time source used for rate limiting and responses.
func WithClock(c clock.Clock) Option {
	return func(a *API) {
		if c != nil {
			a.clock = c
		}
	}
}

// New creates a new API instance.
func New(sessions *session.Service, guard *replay.Guard, tokens *actiontoken.Service, auth Authenticator, opts ...Option) *API {
	a := &API{
		sessions: sessions,
		guard:    guard,
		tokens:   tokens,
		auth:     auth,
		clock:    clock.Real(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.rateLimiter = newLoginRateLimiter(a.clock.Now)
	a.globalLimiter = newGlobalRateLimiter(a.clock.Now)
	metrics := newMetricsCollector(a.alertFn)
	if metrics != nil {
		metrics.now = a.clock.Now
	}
	a.audit = newAuditLogger(a.logger, metrics)
	a.audit.now = a.clock.Now
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)

		r.Post("/auth/login", a.Login)
		r.Post("/actions/redeem", a.RedeemActionToken)

		r.Group(func(r chi.Router) {
			r.Use(a.SignedRequestMiddleware)
			r.Post("/auth/logout", a.Logout)
			r.Get("/auth/me", a.Me)
			r.Post("/actions/{resourceID}/{action}/token", a.IssueActionToken)
		})
	})

	return r
}

// Sweep forgets login-failure records idle past their expiry. It lets a
// storage.Sweeper drive rate-limit housekeeping.
func (a *API) Sweep(_ context.Context, now time.Time) (int, error) {
	return a.rateLimiter.sweep(now), nil
}
