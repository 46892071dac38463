package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/gatekeep/authn"
	"github.com/jmcleod/gatekeep/storage"
)

const (
	// maxAuthBodySize bounds login and redeem bodies.
	maxAuthBodySize = 16 << 10
	// maxSignedBodySize bounds bodies read by the signature middleware.
	maxSignedBodySize = 1 << 20
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeRejection reports a failed validation. The body carries only the
// uniform public message; the specific kind goes to the audit log.
func writeRejection(w http.ResponseWriter, kind authn.Kind) {
	writeError(w, statusForKind(kind), authn.PublicMessage(kind))
}

func statusForKind(kind authn.Kind) int {
	if kind == authn.KindAlreadyUsed {
		return http.StatusConflict
	}
	return http.StatusUnauthorized
}

// mapError turns an infrastructure fault into a response. Store outages
// never degrade into an accept or a reject.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.logger.ErrorContext(r.Context(), msg, slog.String("error", err.Error()))
	mapError(w, err)
}

// decodeJSON reads a bounded JSON body into T, writing a 400 on failure.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}
