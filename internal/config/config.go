// Package config loads the server configuration from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/gatekeep/actiontoken"
	"github.com/jmcleod/gatekeep/internal/util"
	"github.com/jmcleod/gatekeep/replay"
	"github.com/jmcleod/gatekeep/session"
	"github.com/jmcleod/gatekeep/storage"
)

// EnvConfigPath names the environment variable consulted when no --config
// flag is given.
const EnvConfigPath = "GATEKEEP_CONFIG"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bbolt"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// MinMasterSecretSize is the shortest accepted master secret, in bytes.
const MinMasterSecretSize = 32

// HKDF info strings. Changing one rotates every credential of that kind.
const (
	infoSession     = "gatekeep/session-credential/v1"
	infoActionToken = "gatekeep/action-token/v1"
)

// Config is the server configuration.
type Config struct {
	// Listen is the TCP address the HTTP server binds.
	Listen string `yaml:"listen"`

	// DataDir holds the bbolt database when that backend is selected.
	DataDir string `yaml:"data_dir"`

	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	Store       StoreConfig       `yaml:"store"`
	Secrets     SecretsConfig     `yaml:"secrets"`
	Session     SessionConfig     `yaml:"session"`
	Replay      ReplayConfig      `yaml:"replay"`
	ActionToken ActionTokenConfig `yaml:"action_token"`
	Alerts      AlertsConfig      `yaml:"alerts"`

	// SweepInterval is how often expired consumption records are purged.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Users is the built-in account directory used by the login endpoint.
	Users []User `yaml:"users"`
}

type StoreConfig struct {
	// Backend is one of memory, bbolt, postgres, redis.
	Backend string `yaml:"backend"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
	// RedisAddr is host:port of the redis server.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
}

type SecretsConfig struct {
	// MasterSecret is hex. Per-purpose server keys are derived from it.
	MasterSecret string `yaml:"master_secret"`
}

type SessionConfig struct {
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

type ReplayConfig struct {
	Window time.Duration `yaml:"window"`
}

type ActionTokenConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type AlertsConfig struct {
	// WebhookURL receives anomaly alerts as JSON when set.
	WebhookURL string `yaml:"webhook_url"`
	// WebhookAuthHeader is sent with each alert, as "Header: Value".
	WebhookAuthHeader string `yaml:"webhook_auth_header"`
}

// User is one account of the built-in directory.
type User struct {
	ID           int64  `yaml:"id"`
	Email        string `yaml:"email"`
	Name         string `yaml:"name"`
	Role         string `yaml:"role"`
	DealershipID *int64 `yaml:"dealership_id"`
	// PasswordHash is a bcrypt hash.
	PasswordHash string `yaml:"password_hash"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Listen:        ":8443",
		DataDir:       "./data",
		Store:         StoreConfig{Backend: BackendBolt},
		Session:       SessionConfig{Issuer: session.DefaultIssuer, Audience: session.DefaultAudience},
		Replay:        ReplayConfig{Window: replay.DefaultWindow},
		ActionToken:   ActionTokenConfig{TTL: actiontoken.DefaultTTL},
		SweepInterval: storage.DefaultSweepInterval,
	}
}

// Load reads the file named by path, or by GATEKEEP_CONFIG when path is
// empty, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, fmt.Errorf("no config file: pass --config or set %s", EnvConfigPath)
	}
	return LoadFile(path)
}

// LoadFile reads and validates one YAML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default, expands ${VAR} references in secret
// and connection fields, then validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	c.Secrets.MasterSecret = expandVars(c.Secrets.MasterSecret)
	c.Store.DSN = expandVars(c.Store.DSN)
	c.Store.RedisPassword = expandVars(c.Store.RedisPassword)
	c.Alerts.WebhookAuthHeader = expandVars(c.Alerts.WebhookAuthHeader)
	c.DataDir = expandVars(c.DataDir)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${NAME} and ${NAME:-default} with environment values.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.DataDir == "" {
			errs = append(errs, errors.New("data_dir is required for the bbolt backend"))
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres backend"))
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}

	if secret, err := util.HexDecode(c.Secrets.MasterSecret); err != nil {
		errs = append(errs, errors.New("secrets.master_secret must be hex"))
	} else if len(secret) < MinMasterSecretSize {
		errs = append(errs, fmt.Errorf("secrets.master_secret must be at least %d bytes", MinMasterSecretSize))
	}

	if c.Session.Issuer == "" || c.Session.Audience == "" {
		errs = append(errs, errors.New("session.issuer and session.audience must not be empty"))
	}
	if c.Replay.Window < time.Second {
		errs = append(errs, errors.New("replay.window must be at least 1s"))
	}
	if c.ActionToken.TTL <= 0 {
		errs = append(errs, errors.New("action_token.ttl must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}

	seen := make(map[string]bool)
	for i, u := range c.Users {
		email := util.NormalizeEmail(u.Email)
		switch {
		case email == "":
			errs = append(errs, fmt.Errorf("users[%d]: email is required", i))
		case seen[email]:
			errs = append(errs, fmt.Errorf("users[%d]: duplicate email %s", i, email))
		}
		seen[email] = true
		if u.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("users[%d]: password_hash is required", i))
		}
	}

	return errors.Join(errs...)
}

// BoltPath is the bbolt database file under DataDir.
func (c *Config) BoltPath() string {
	return filepath.Join(c.DataDir, "gatekeep.db")
}

// Secrets are the per-purpose keys derived from the master secret.
type Secrets struct {
	Session     []byte
	ActionToken []byte
}

// DeriveSecrets expands the master secret with HKDF-SHA256.
func (c *Config) DeriveSecrets() (Secrets, error) {
	master, err := util.HexDecode(c.Secrets.MasterSecret)
	if err != nil {
		return Secrets{}, fmt.Errorf("decoding master secret: %w", err)
	}
	defer util.WipeBytes(master)

	sessionKey, err := util.DeriveKey(master, []byte(infoSession))
	if err != nil {
		return Secrets{}, err
	}
	actionKey, err := util.DeriveKey(master, []byte(infoActionToken))
	if err != nil {
		return Secrets{}, err
	}
	return Secrets{Session: sessionKey, ActionToken: actionKey}, nil
}
