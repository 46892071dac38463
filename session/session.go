// Package session issues and verifies the bearer credentials that identify
// an actor after login.
//
// Credentials are HS256 JWTs. The signing secret lives in a memguard
// enclave and is only unsealed for the duration of a sign or verify call.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/gatekeep/authn"
	"github.com/jmcleod/gatekeep/internal/clock"
	"github.com/jmcleod/gatekeep/internal/util"
	"github.com/jmcleod/gatekeep/internal/uuid"
)

const (
	DefaultIssuer   = "gatekeep"
	DefaultAudience = "gatekeep-clients"

	// MinSecretSize is the shortest accepted signing secret.
	MinSecretSize = 32
)

// ErrWeakSecret is returned by NewService for secrets shorter than MinSecretSize.
var ErrWeakSecret = errors.New("session secret too short")

// LoginContext selects the credential lifetime.
type LoginContext string

const (
	// LoginInteractive is an ordinary web sign-in.
	LoginInteractive LoginContext = "interactive"
	// LoginExtension is the long-lived browser-resident component.
	LoginExtension LoginContext = "extension"
	// LoginElevated is a cross-tenant administrator session.
	LoginElevated LoginContext = "elevated"
)

var lifetimes = map[LoginContext]time.Duration{
	LoginInteractive: 24 * time.Hour,
	LoginExtension:   8 * 24 * time.Hour,
	LoginElevated:    time.Hour,
}

// ParseLoginContext maps a wire value to a LoginContext. The empty string
// means LoginInteractive.
func ParseLoginContext(s string) (LoginContext, bool) {
	if s == "" {
		return LoginInteractive, true
	}
	lc := LoginContext(s)
	_, ok := lifetimes[lc]
	return lc, ok
}

// Lifetime returns how long a credential issued for lc stays valid.
func (lc LoginContext) Lifetime() time.Duration {
	if d, ok := lifetimes[lc]; ok {
		return d
	}
	return lifetimes[LoginInteractive]
}

// Actor is the authenticated principal a credential is issued to.
// DealershipID is nil for cross-tenant administrators.
type Actor struct {
	ID           int64
	Email        string
	Role         string
	Name         string
	DealershipID *int64
}

// Claims is the JWT body. It carries identity only, never secrets.
type Claims struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	Name         string `json:"name"`
	DealershipID *int64 `json:"dealershipId"`
	jwt.RegisteredClaims
}

// Actor returns the principal named by the claims.
func (c *Claims) Actor() Actor {
	return Actor{
		ID:           c.ID,
		Email:        c.Email,
		Role:         c.Role,
		Name:         c.Name,
		DealershipID: c.DealershipID,
	}
}

// Issued is a freshly minted credential.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

// Service signs and verifies session credentials.
type Service struct {
	secret   *memguard.Enclave
	issuer   string
	audience string
	clock    clock.Clock
}

// Option configures a Service.
type Option func(*Service)

// WithIssuer overrides DefaultIssuer.
func WithIssuer(iss string) Option {
	return func(s *Service) {
		if iss != "" {
			s.issuer = iss
		}
	}
}

// WithAudience overrides DefaultAudience.
func WithAudience(aud string) Option {
	return func(s *Service) {
		if aud != "" {
			s.audience = aud
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

// NewService seals a copy of secret into an enclave. The caller's slice is
// left untouched.
func NewService(secret []byte, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretSize {
		return nil, ErrWeakSecret
	}
	s := &Service{
		secret:   memguard.NewEnclave(append([]byte(nil), secret...)),
		issuer:   DefaultIssuer,
		audience: DefaultAudience,
		clock:    clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issuer returns the iss value stamped on every credential.
func (s *Service) Issuer() string { return s.issuer }

// Audience returns the aud value stamped on every credential.
func (s *Service) Audience() string { return s.audience }

// Issue signs a credential for actor with the lifetime of login.
func (s *Service) Issue(actor Actor, login LoginContext) (Issued, error) {
	now := s.clock.Now().Truncate(time.Second)
	exp := now.Add(login.Lifetime())

	claims := Claims{
		ID:           actor.ID,
		Email:        util.NormalizeEmail(actor.Email),
		Role:         actor.Role,
		Name:         actor.Name,
		DealershipID: actor.DealershipID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New(),
		},
	}

	buf, err := s.secret.Open()
	if err != nil {
		return Issued{}, fmt.Errorf("opening session secret: %w", err)
	}
	defer buf.Destroy()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(buf.Bytes())
	if err != nil {
		return Issued{}, fmt.Errorf("signing session credential: %w", err)
	}
	return Issued{Token: token, ExpiresAt: exp}, nil
}

// Verify checks token and returns its claims. On any failure the claims
// are nil and the Result names the first failed check; it never panics.
func (s *Service) Verify(token string) (*Claims, authn.Result) {
	if token == "" {
		return nil, authn.Reject(authn.KindMalformedInput)
	}

	buf, err := s.secret.Open()
	if err != nil {
		return nil, authn.Reject(authn.KindSignatureInvalid)
	}
	defer buf.Destroy()
	key := buf.Bytes()

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)

	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return nil, authn.Reject(classify(err))
	}
	if !parsed.Valid {
		return nil, authn.Reject(authn.KindSignatureInvalid)
	}
	return claims, authn.Accepted
}

// classify maps a jwt parse error to a rejection kind. The signature is
// checked before claims, so a forged token never reports EXPIRED.
func classify(err error) authn.Kind {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return authn.KindMalformedInput
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return authn.KindSignatureInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return authn.KindExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return authn.KindIssuerMismatch
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return authn.KindAudienceMismatch
	default:
		return authn.KindMalformedInput
	}
}
