package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeep/actiontoken"
	"github.com/jmcleod/gatekeep/api"
	"github.com/jmcleod/gatekeep/internal/clock"
	"github.com/jmcleod/gatekeep/internal/config"
	"github.com/jmcleod/gatekeep/internal/directory"
	"github.com/jmcleod/gatekeep/internal/util"
	"github.com/jmcleod/gatekeep/replay"
	"github.com/jmcleod/gatekeep/session"
	"github.com/jmcleod/gatekeep/storage"
)

var (
	listenAddr string
	dataDir    string
	tlsCert    string
	tlsKey     string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		applyServerFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		gw, err := newGateway(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer gw.Close()
		gw.Start(ctx)

		tlsConfig, err := serverTLSConfig(cfg)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           gw.Handler(),
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		out := cmd.OutOrStdout()
		printBanner(out)
		fmt.Fprintf(out, "Starting server on %s (store: %s, users: %d)...\n",
			cfg.Listen, cfg.Store.Backend, gw.users)

		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nShutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Address to listen on (overrides config)")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for the bbolt store (overrides config)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file (overrides config)")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file (overrides config)")
}

func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = listenAddr
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("tls-cert") {
		cfg.TLSCert = tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.TLSKey = tlsKey
	}
}

func serverTLSConfig(cfg *config.Config) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.TLSCert != "" {
		cert, err = tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// gateway is the assembled server: store, validators, API and the
// background sweepers.
type gateway struct {
	api      *api.API
	sweepers []*storage.Sweeper
	webhook  *api.AlertWebhook
	closeDB  func()
	users    int
}

func newGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	store, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	gw := &gateway{closeDB: closeDB}
	if err := gw.build(store, cfg, logger); err != nil {
		closeDB()
		return nil, err
	}
	return gw, nil
}

func (g *gateway) build(store storage.Store, cfg *config.Config, logger *slog.Logger) error {
	secrets, err := cfg.DeriveSecrets()
	if err != nil {
		return err
	}
	defer util.WipeBytes(secrets.Session)
	defer util.WipeBytes(secrets.ActionToken)

	sessions, err := session.NewService(secrets.Session,
		session.WithIssuer(cfg.Session.Issuer),
		session.WithAudience(cfg.Session.Audience))
	if err != nil {
		return fmt.Errorf("session service: %w", err)
	}
	tokens, err := actiontoken.NewService(secrets.ActionToken, store,
		actiontoken.WithTTL(cfg.ActionToken.TTL))
	if err != nil {
		return fmt.Errorf("action token service: %w", err)
	}
	guard := replay.New(store, replay.WithWindow(cfg.Replay.Window))

	dir, err := directory.New(cfg.Users)
	if err != nil {
		return fmt.Errorf("user directory: %w", err)
	}
	g.users = dir.Len()

	opts := []api.Option{api.WithLogger(logger)}
	if cfg.Alerts.WebhookURL != "" {
		g.webhook = api.NewAlertWebhook(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookAuthHeader, logger)
		opts = append(opts, api.WithAlertFunc(g.webhook.Notify))
	} else {
		opts = append(opts, api.WithAlertFunc(func(ev api.AlertEvent) {
			logger.Warn("security alert", "alert_type", ev.Type, "count", ev.Count, "message", ev.Message)
		}))
	}
	g.api = api.New(sessions, guard, tokens, dir, opts...)

	g.sweepers = []*storage.Sweeper{
		storage.NewSweeper(store, cfg.SweepInterval, clock.Real(), logger.With("target", "store")),
		storage.NewSweeper(g.api, cfg.SweepInterval, clock.Real(), logger.With("target", "login_limiter")),
	}
	return nil
}

// Start launches the sweepers.
func (g *gateway) Start(ctx context.Context) {
	for _, s := range g.sweepers {
		s.Start(ctx)
	}
}

// Handler mounts the API under /api/v1 next to a health probe.
func (g *gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Mount("/api/v1", g.api.Router())
	return r
}

// Close stops the sweepers, flushes the alert webhook and releases the store.
func (g *gateway) Close() {
	for _, s := range g.sweepers {
		s.Stop()
	}
	if g.webhook != nil {
		g.webhook.Close()
	}
	g.closeDB()
}
