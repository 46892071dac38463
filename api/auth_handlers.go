package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/gatekeep/internal/util"
	"github.com/jmcleod/gatekeep/session"
)

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	email := util.NormalizeEmail(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}
	login, ok := session.ParseLoginContext(req.Context)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown login context")
		return
	}

	// Check rate limits before touching the password: global, then per-account.
	if blocked, retryAfter := a.globalLimiter.check(); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.rateLimiter.check(email); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "rate limited")
		writeRateLimited(w, retryAfter)
		return
	}

	actor, err := a.auth.Authenticate(r.Context(), email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			a.globalLimiter.recordFailure()
			a.rateLimiter.recordFailure(email)
			a.audit.logFailure(AuditLoginFailure, r, "invalid credentials")
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		a.writeInternalError(w, r, "authenticator failed", err)
		return
	}

	// Cross-tenant administrators always get the short elevated lifetime.
	if actor.DealershipID == nil {
		login = session.LoginElevated
	}

	issued, err := a.sessions.Issue(actor, login)
	if err != nil {
		a.writeInternalError(w, r, "failed to issue session credential", err)
		return
	}

	a.rateLimiter.recordSuccess(email)
	a.audit.logActor(AuditLoginSuccess, r, actor.ID, slog.String("context", string(login)))
	writeJSON(w, http.StatusOK, LoginResponse{Token: issued.Token, ExpiresAt: issued.ExpiresAt.UTC()})
}

// Logout handles POST /auth/logout. Credentials are stateless, so this only
// records the event; the client discards its copy.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	a.audit.logActor(AuditLogout, r, claims.ID)
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /auth/me.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	resp := MeResponse{
		ID:           claims.ID,
		Email:        claims.Email,
		Role:         claims.Role,
		Name:         claims.Name,
		DealershipID: claims.DealershipID,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}
