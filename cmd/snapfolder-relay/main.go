// Snapfolder metadata relay
//
// Features:
// - Owner-scoped record API backed by PostgreSQL (goose migrations)
// - HS256 bearer tokens
// - Prometheus metrics & structured logging (zap)
// - Optional TLS 1.3
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/snapfolder/internal/api"
	"github.com/fruitsalade/snapfolder/internal/auth"
	"github.com/fruitsalade/snapfolder/internal/config"
	"github.com/fruitsalade/snapfolder/internal/logging"
	"github.com/fruitsalade/snapfolder/internal/metadata/postgres"
	"github.com/fruitsalade/snapfolder/internal/metrics"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "snapfolder-relay",
		Short: "Metadata relay for snapfolder clients",
		Long: `Serves folder and file records for snapfolder clients.
Configuration is read from the environment (DATABASE_URL, JWT_SECRET, LISTEN_ADDR, ...).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.LoadRelay()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return fmt.Errorf("logging init error: %w", err)
	}
	defer logging.Sync()

	logging.Info("snapfolder relay starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	store, err := postgres.New(cfg.DatabaseURL, cfg.MaxOpenConns)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	logging.Info("running migrations...")
	if err := store.Migrate(ctx); err != nil {
		logging.Fatal("migration failed", zap.Error(err))
	}

	authHandler := auth.New(cfg.JWTSecret, cfg.TokenTTL)
	srv := api.NewServer(store, authHandler, cfg.MaxRecordSize)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	// Periodic connection pool metrics
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				store.UpdateConnectionMetrics()
			}
		}
	}()

	if useTLS {
		logging.Info("relay listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("relay listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
	return nil
}

func tokenCmd() *cobra.Command {
	var (
		owner string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an owner",
		Long: `Signs a token with JWT_SECRET without touching the database.
Pass it to clients as SNAPFOLDER_TOKEN or save it with "snapfolder login".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadIssuer()
			if err != nil {
				return err
			}
			if ttl > 0 {
				cfg.TokenTTL = ttl
			}
			token, expires, err := auth.New(cfg.JWTSecret, cfg.TokenTTL).IssueToken(owner)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner id the token is issued to")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default TOKEN_TTL)")
	cmd.MarkFlagRequired("owner")
	return cmd
}
