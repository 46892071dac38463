package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/gatekeep/actiontoken"
)

// IssueActionToken handles POST /actions/{resourceID}/{action}/token. The
// token is bound to the authenticated actor.
func (a *API) IssueActionToken(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	resourceID, err := strconv.ParseInt(chi.URLParam(r, "resourceID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid resource id")
		return
	}
	action := chi.URLParam(r, "action")

	token, err := a.tokens.Issue(claims.ID, resourceID, action)
	if err != nil {
		if errors.Is(err, actiontoken.ErrEmptyAction) {
			writeError(w, http.StatusBadRequest, "action is required")
			return
		}
		a.writeInternalError(w, r, "failed to issue action token", err)
		return
	}
	expiresAt, err := a.tokens.ExpiresAt(token)
	if err != nil {
		a.writeInternalError(w, r, "failed to issue action token", err)
		return
	}

	a.audit.logActor(AuditActionTokenIssued, r, claims.ID,
		slog.Int64("resource_id", resourceID),
		slog.String("action", action))
	writeJSON(w, http.StatusCreated, ActionTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt.UTC(),
	})
}

// RedeemActionToken handles POST /actions/redeem. The token itself is the
// credential, so the request is not signed.
func (a *API) RedeemActionToken(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RedeemRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	res, err := a.tokens.Redeem(r.Context(), req.Token, req.UserID, req.VehicleID, req.Platform)
	if err != nil {
		a.writeInternalError(w, r, "action token redemption failed", err)
		return
	}
	scope := []slog.Attr{
		slog.Int64("resource_id", req.VehicleID),
		slog.String("action", req.Platform),
	}
	if !res.Valid() {
		a.audit.logRejection(AuditActionTokenRefused, r, res.Kind,
			append(scope, slog.Int64("actor_id", req.UserID))...)
		writeRejection(w, res.Kind)
		return
	}

	a.audit.logActor(AuditActionTokenRedeem, r, req.UserID, scope...)
	writeJSON(w, http.StatusOK, RedeemResponse{Valid: true})
}
