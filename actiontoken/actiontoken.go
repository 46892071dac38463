// Package actiontoken mints and redeems single-use tokens that authorize
// one actor to perform one action on one resource.
//
// Wire format:
//
//	base64url(payload) "." hex(HMAC-SHA256(secret, payload))
//
// where payload is a Core Deterministic CBOR map with the text keys
// userId, vehicleId, platform, timestamp (unix milliseconds) and nonce.
// Redemption consumes the nonce atomically, so a token succeeds at most
// once no matter how many servers share the store.
package actiontoken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"

	"github.com/jmcleod/gatekeep/authn"
	"github.com/jmcleod/gatekeep/internal/clock"
	"github.com/jmcleod/gatekeep/internal/util"
	"github.com/jmcleod/gatekeep/storage"
)

const (
	// DefaultTTL is how long an issued token stays redeemable.
	DefaultTTL = 10 * time.Minute
	// MaxFutureSkew is how far ahead of the server clock an issue time may be.
	MaxFutureSkew = 30 * time.Second
	// MinSecretSize is the shortest accepted signing secret.
	MinSecretSize = 32

	nonceSize = 16
	sigHexLen = 2 * sha256.Size
)

var (
	// ErrWeakSecret is returned by NewService for short secrets.
	ErrWeakSecret = errors.New("action token secret too short")
	// ErrEmptyAction is returned by Issue when no action is named.
	ErrEmptyAction = errors.New("action must not be empty")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("actiontoken: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("actiontoken: CBOR decoder initialization failed: " + err.Error())
	}
}

// Payload is the signed body of a token.
type Payload struct {
	UserID    int64  `cbor:"userId"`
	VehicleID int64  `cbor:"vehicleId"`
	Platform  string `cbor:"platform"`
	Timestamp int64  `cbor:"timestamp"`
	Nonce     string `cbor:"nonce"`
}

// IssuedAt returns the payload timestamp as a time.
func (p Payload) IssuedAt() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// Service issues and redeems action tokens.
type Service struct {
	secret *memguard.Enclave
	set    storage.ConsumedSet
	ttl    time.Duration
	clock  clock.Clock
}

// Option configures a Service.
type Option func(*Service)

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewService seals a copy of secret and records consumed nonces in set.
func NewService(secret []byte, set storage.ConsumedSet, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretSize {
		return nil, ErrWeakSecret
	}
	s := &Service{
		secret: memguard.NewEnclave(append([]byte(nil), secret...)),
		set:    set,
		ttl:    DefaultTTL,
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue mints a token scoped to (actorID, resourceID, action).
func (s *Service) Issue(actorID, resourceID int64, action string) (string, error) {
	if action == "" {
		return "", ErrEmptyAction
	}
	nonce, err := util.RandomHex(nonceSize)
	if err != nil {
		return "", err
	}
	payload, err := encMode.Marshal(Payload{
		UserID:    actorID,
		VehicleID: resourceID,
		Platform:  action,
		Timestamp: s.clock.Now().UnixMilli(),
		Nonce:     nonce,
	})
	if err != nil {
		return "", fmt.Errorf("encoding action token payload: %w", err)
	}
	mac, err := s.mac(payload)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(payload) + "." + hex.EncodeToString(mac), nil
}

// ExpiresAt reports when token stops being redeemable, taken from its own
// issue timestamp. The signature is not checked.
func (s *Service) ExpiresAt(token string) (time.Time, error) {
	p, err := Decode(token)
	if err != nil {
		return time.Time{}, err
	}
	return p.IssuedAt().Add(s.ttl), nil
}

// Redeem validates token against the claimed scope and consumes it. Checks
// run in a fixed order and the first failure is reported. Every failure
// before the consume step leaves the token redeemable.
func (s *Service) Redeem(ctx context.Context, token string, actorID, resourceID int64, action string) (authn.Result, error) {
	encoded, sigHex, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || !util.IsLowerHex(sigHex, sigHexLen) {
		return authn.Reject(authn.KindMalformedInput), nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return authn.Reject(authn.KindMalformedInput), nil
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return authn.Reject(authn.KindMalformedInput), nil
	}

	want, err := s.mac(raw)
	if err != nil {
		return authn.Result{}, err
	}
	if !hmac.Equal(want, sig) {
		return authn.Reject(authn.KindSignatureInvalid), nil
	}

	var p Payload
	if err := decMode.Unmarshal(raw, &p); err != nil || !util.IsLowerHex(p.Nonce, 2*nonceSize) {
		return authn.Reject(authn.KindMalformedInput), nil
	}

	switch {
	case p.UserID != actorID:
		return authn.Reject(authn.KindActorMismatch), nil
	case p.VehicleID != resourceID:
		return authn.Reject(authn.KindResourceMismatch), nil
	case p.Platform != action:
		return authn.Reject(authn.KindActionMismatch), nil
	}

	now := s.clock.Now()
	issued := p.IssuedAt()
	if now.Sub(issued) > s.ttl || issued.Sub(now) > MaxFutureSkew {
		return authn.Reject(authn.KindExpired), nil
	}

	// Past this expiry the freshness check above rejects the token anyway.
	expiresAt := issued.Add(s.ttl + MaxFutureSkew)
	inserted, err := s.set.MarkConsumed(ctx, storage.ScopeActionToken, p.Nonce, now, expiresAt)
	if err != nil {
		return authn.Result{}, fmt.Errorf("consuming action token: %w", err)
	}
	if !inserted {
		return authn.Reject(authn.KindAlreadyUsed), nil
	}
	return authn.Accepted, nil
}

// Decode returns the payload of a well-formed token without verifying it.
// Intended for display and logging only.
func Decode(token string) (Payload, error) {
	encoded, _, ok := strings.Cut(token, ".")
	if !ok {
		return Payload{}, errors.New("action token has no signature")
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Payload{}, fmt.Errorf("decoding action token: %w", err)
	}
	var p Payload
	if err := decMode.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decoding action token payload: %w", err)
	}
	return p, nil
}

func (s *Service) mac(payload []byte) ([]byte, error) {
	buf, err := s.secret.Open()
	if err != nil {
		return nil, fmt.Errorf("opening action token secret: %w", err)
	}
	defer buf.Destroy()
	m := hmac.New(sha256.New, buf.Bytes())
	m.Write(payload)
	return m.Sum(nil), nil
}
