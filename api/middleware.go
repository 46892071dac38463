package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/jmcleod/gatekeep/authn"
	"github.com/jmcleod/gatekeep/session"
	"github.com/jmcleod/gatekeep/signer"
)

type contextKey int

const claimsKey contextKey = iota

// SignedRequestMiddleware authenticates a request carrying a bearer
// session credential and a request signature. Checks run cheapest first,
// and the nonce is only consumed once the signature is known good, so
// forged requests cannot burn nonces. Verified claims are placed on the
// request context.
func (a *API) SignedRequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := signer.BearerToken(r.Header)
		if !ok {
			a.reject(w, r, authn.KindMalformedInput)
			return
		}
		headers, ok := signer.FromHeader(r.Header)
		if !ok {
			a.reject(w, r, authn.KindMalformedInput)
			return
		}

		claims, res := a.sessions.Verify(token)
		if !res.Valid() {
			a.reject(w, r, res.Kind)
			return
		}

		body, err := readBody(w, r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if !signer.Verify(r.Method, signer.RequestPath(r), body, headers, []byte(token)) {
			a.reject(w, r, authn.KindSignatureInvalid)
			return
		}

		res, err = a.guard.Check(r.Context(), headers.Nonce, headers.Timestamp)
		if err != nil {
			a.writeInternalError(w, r, "replay check failed", err)
			return
		}
		if !res.Valid() {
			a.reject(w, r, res.Kind)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) reject(w http.ResponseWriter, r *http.Request, kind authn.Kind) {
	a.audit.logRejection(AuditRequestRejected, r, kind)
	writeRejection(w, kind)
}

// readBody drains a bounded request body and puts a fresh reader back so
// handlers can decode it again.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignedBodySize))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func claimsFromContext(ctx context.Context) *session.Claims {
	claims, _ := ctx.Value(claimsKey).(*session.Claims)
	return claims
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
