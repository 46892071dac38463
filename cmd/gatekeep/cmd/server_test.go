package cmd

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/gatekeep/api"
	"github.com/jmcleod/gatekeep/client"
	"github.com/jmcleod/gatekeep/internal/config"
	"github.com/jmcleod/gatekeep/internal/directory"
	"github.com/jmcleod/gatekeep/storage/memory"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := directory.HashPassword("correct horse", bcrypt.MinCost)
	require.NoError(t, err)
	dealer := int64(9)

	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory
	cfg.Secrets.MasterSecret = strings.Repeat("5a", 32)
	cfg.Users = []config.User{{
		ID: 11, Email: "sam@example.com", Name: "Sam", Role: "salesperson",
		DealershipID: &dealer, PasswordHash: hash,
	}}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestGatewayEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gw, err := newGateway(t.Context(), cfg, logger)
	require.NoError(t, err)
	defer gw.Close()
	gw.Start(t.Context())
	assert.Equal(t, 1, gw.users)

	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK", string(body))

	c, err := client.New(srv.URL, memory.NewStore())
	require.NoError(t, err)
	ctx := t.Context()

	_, err = c.Login(ctx, "sam@example.com", "wrong", "")
	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)

	_, err = c.Login(ctx, "Sam@Example.com", "correct horse", "")
	require.NoError(t, err)

	me, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), me.ID)
	require.NotNil(t, me.DealershipID)
	assert.Equal(t, int64(9), *me.DealershipID)

	issued, err := c.IssueActionToken(ctx, 501, "unlock")
	require.NoError(t, err)
	req := api.RedeemRequest{Token: issued.Token, UserID: 11, VehicleID: 501, Platform: "unlock"}
	require.NoError(t, c.Redeem(ctx, req))
	err = c.Redeem(ctx, req)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Code)

	require.NoError(t, c.Logout(ctx))
}

func TestGatewayRejectsWeakConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Users[0].PasswordHash = "plaintext"
	_, err := newGateway(t.Context(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "user directory")
}

func TestOpenStoreBolt(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = config.BackendBolt
	cfg.DataDir = filepath.Join(t.TempDir(), "nested", "data")

	store, closeFn, err := openStore(t.Context(), cfg)
	require.NoError(t, err)
	require.NotNil(t, store)
	closeFn()

	info, err := os.Stat(cfg.BoltPath())
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "etcd"
	_, _, err := openStore(t.Context(), cfg)
	assert.ErrorContains(t, err, "etcd")
}

func TestServerTLSConfigFallsBackToSelfSigned(t *testing.T) {
	cfg := testConfig(t)
	tlsConfig, err := serverTLSConfig(cfg)
	require.NoError(t, err)
	assert.Len(t, tlsConfig.Certificates, 1)

	cfg.TLSCert = filepath.Join(t.TempDir(), "missing.pem")
	cfg.TLSKey = cfg.TLSCert
	_, err = serverTLSConfig(cfg)
	assert.ErrorContains(t, err, "TLS key pair")
}

func runCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestKeygen(t *testing.T) {
	out, err := runCommand(t, "", "keygen")
	require.NoError(t, err)
	secret := strings.TrimSpace(out)
	assert.Len(t, secret, 2*config.MinMasterSecretSize)

	cfg := testConfig(t)
	cfg.Secrets.MasterSecret = secret
	assert.NoError(t, cfg.Validate())
}

func TestHashPassword(t *testing.T) {
	out, err := runCommand(t, "s3cret\n", "hash-password", "--cost", "4")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	_, err = runCommand(t, "\n", "hash-password", "--cost", "4")
	assert.ErrorContains(t, err, "must not be empty")
}

func TestCheckConfig(t *testing.T) {
	hash, err := directory.HashPassword("pw", bcrypt.MinCost)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "gatekeep.yaml")
	doc := "store:\n  backend: memory\nsecrets:\n  master_secret: " + strings.Repeat("5a", 32) +
		"\nusers:\n  - id: 1\n    email: a@example.com\n    role: admin\n    password_hash: \"" + hash + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	out, err := runCommand(t, "", "check-config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "config OK: store=memory")
	assert.Contains(t, out, "users=1")
}
