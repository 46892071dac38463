package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/gatekeep/authn"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess       AuditEvent = "login_success"
	AuditLoginFailure       AuditEvent = "login_failure"
	AuditLoginRateLimited   AuditEvent = "login_rate_limited"
	AuditLogout             AuditEvent = "logout"
	AuditRequestRejected    AuditEvent = "request_rejected"
	AuditActionTokenIssued  AuditEvent = "action_token_issued"
	AuditActionTokenRedeem  AuditEvent = "action_token_redeemed"
	AuditActionTokenRefused AuditEvent = "action_token_refused"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	now     func() time.Time
}

func newAuditLogger(logger *slog.Logger, metrics *metricsCollector) *auditLogger {
	return &auditLogger{
		logger:  logger.With("component", "audit"),
		metrics: metrics,
		now:     time.Now,
	}
}

// log writes a structured audit entry. Callers pass identifiers only,
// never credentials or token text.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", al.now().UTC().Format(time.RFC3339)),
	}
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", append(base, attrs...)...)
	al.metrics.recordEvent(event)
}

// logActor is a convenience for events tied to an authenticated actor.
func (al *auditLogger) logActor(event AuditEvent, r *http.Request, actorID int64, extra ...slog.Attr) {
	al.log(event, r, append([]slog.Attr{slog.Int64("actor_id", actorID)}, extra...)...)
}

// logFailure records a failed login or throttled attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	al.log(event, r, append([]slog.Attr{slog.String("reason", reason)}, extra...)...)
}

// logRejection records which check refused a signed request or action
// token. The kind is logged here and nowhere else.
func (al *auditLogger) logRejection(event AuditEvent, r *http.Request, kind authn.Kind, extra ...slog.Attr) {
	al.log(event, r, append([]slog.Attr{slog.String("kind", string(kind))}, extra...)...)
	al.metrics.recordRejection(kind)
}
