package signer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// CredentialFunc returns the session credential for an outbound request.
type CredentialFunc func(ctx context.Context) (string, error)

// Transport is an http.RoundTripper that signs every request it sends. The
// credential doubles as the HMAC key and as the bearer token.
type Transport struct {
	Base       http.RoundTripper
	Credential CredentialFunc
	Signer     *Signer
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, credential CredentialFunc) *Transport {
	return &Transport{Base: base, Credential: credential, Signer: New(nil)}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	credential, err := t.Credential(req.Context())
	if err != nil {
		return nil, fmt.Errorf("signer: loading credential: %w", err)
	}

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("signer: reading body: %w", err)
		}
	}

	s := t.Signer
	if s == nil {
		s = New(nil)
	}
	h, err := s.Sign(req.Method, RequestPath(req), body, []byte(credential))
	if err != nil {
		return nil, err
	}

	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	h.Apply(out.Header)
	SetBearer(out.Header, credential)

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(out)
}
