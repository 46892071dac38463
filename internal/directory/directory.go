// Package directory is a static account list that checks bcrypt password
// hashes. It backs the login endpoint for deployments without an external
// identity service.
package directory

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/gatekeep/api"
	"github.com/jmcleod/gatekeep/internal/config"
	"github.com/jmcleod/gatekeep/internal/util"
	"github.com/jmcleod/gatekeep/session"
)

// DefaultCost is the bcrypt cost used by HashPassword.
const DefaultCost = 12

type entry struct {
	actor session.Actor
	hash  []byte
}

// Directory authenticates against a fixed set of users.
type Directory struct {
	users map[string]entry
	// dummy is compared against for unknown emails so that lookups of
	// missing accounts take as long as wrong passwords.
	dummy []byte
}

var _ api.Authenticator = (*Directory)(nil)

// New builds a Directory from configured users.
func New(users []config.User) (*Directory, error) {
	d := &Directory{users: make(map[string]entry, len(users))}
	for _, u := range users {
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %s: invalid password hash: %w", u.Email, err)
		}
		email := util.NormalizeEmail(u.Email)
		d.users[email] = entry{
			actor: session.Actor{
				ID:           u.ID,
				Email:        email,
				Role:         u.Role,
				Name:         u.Name,
				DealershipID: u.DealershipID,
			},
			hash: []byte(u.PasswordHash),
		}
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("gatekeep-unknown-account"), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	d.dummy = dummy
	return d, nil
}

// Len returns the number of accounts.
func (d *Directory) Len() int { return len(d.users) }

// Authenticate implements api.Authenticator.
func (d *Directory) Authenticate(_ context.Context, email, password string) (session.Actor, error) {
	e, ok := d.users[util.NormalizeEmail(email)]
	if !ok {
		bcrypt.CompareHashAndPassword(d.dummy, []byte(password)) //nolint:errcheck
		return session.Actor{}, api.ErrInvalidCredentials
	}
	err := bcrypt.CompareHashAndPassword(e.hash, []byte(password))
	switch {
	case err == nil:
		return e.actor, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return session.Actor{}, api.ErrInvalidCredentials
	default:
		return session.Actor{}, fmt.Errorf("checking password: %w", err)
	}
}

// HashPassword returns a bcrypt hash suitable for config.User.PasswordHash.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
