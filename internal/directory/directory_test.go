package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/gatekeep/api"
	"github.com/jmcleod/gatekeep/internal/config"
)

func newDirectory(t *testing.T) *Directory {
	t.Helper()
	hash, err := HashPassword("hunter22", bcrypt.MinCost)
	require.NoError(t, err)
	dealer := int64(42)
	d, err := New([]config.User{
		{ID: 1, Email: "Sales@Example.com", Name: "Sam", Role: "salesperson", DealershipID: &dealer, PasswordHash: hash},
		{ID: 2, Email: "root@example.com", Name: "Root", Role: "admin", PasswordHash: hash},
	})
	require.NoError(t, err)
	return d
}

func TestAuthenticate(t *testing.T) {
	d := newDirectory(t)
	assert.Equal(t, 2, d.Len())

	actor, err := d.Authenticate(t.Context(), "SALES@example.com ", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, int64(1), actor.ID)
	assert.Equal(t, "sales@example.com", actor.Email)
	require.NotNil(t, actor.DealershipID)
	assert.Equal(t, int64(42), *actor.DealershipID)

	admin, err := d.Authenticate(t.Context(), "root@example.com", "hunter22")
	require.NoError(t, err)
	assert.Nil(t, admin.DealershipID)
}

func TestAuthenticateRejects(t *testing.T) {
	d := newDirectory(t)
	_, err := d.Authenticate(t.Context(), "sales@example.com", "wrong")
	assert.ErrorIs(t, err, api.ErrInvalidCredentials)

	_, err = d.Authenticate(t.Context(), "nobody@example.com", "hunter22")
	assert.ErrorIs(t, err, api.ErrInvalidCredentials)
}

func TestNewRejectsBadHash(t *testing.T) {
	_, err := New([]config.User{{ID: 1, Email: "a@example.com", PasswordHash: "plaintext"}})
	assert.Error(t, err)
}

func TestHashPasswordDefaultCost(t *testing.T) {
	if testing.Short() {
		t.Skip("bcrypt at default cost is slow")
	}
	h, err := HashPassword("pw", 0)
	require.NoError(t, err)
	cost, err := bcrypt.Cost([]byte(h))
	require.NoError(t, err)
	assert.Equal(t, DefaultCost, cost)
}
