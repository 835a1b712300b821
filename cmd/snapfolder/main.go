// Snapfolder client
//
// Stores files and folders on a content-addressed storage network. Folder
// edits publish a new snapshot; records are kept in a local cache and
// optionally shared through a metadata relay.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/snapfolder/internal/config"
	"github.com/fruitsalade/snapfolder/internal/logging"
	"github.com/fruitsalade/snapfolder/internal/metrics"
	"github.com/fruitsalade/snapfolder/internal/relayclient"
	"github.com/fruitsalade/snapfolder/internal/storage/gateway"
	s3storage "github.com/fruitsalade/snapfolder/internal/storage/s3"
	"github.com/fruitsalade/snapfolder/pkg/credential"
	"github.com/fruitsalade/snapfolder/pkg/cryptogate"
	"github.com/fruitsalade/snapfolder/pkg/errs"
	"github.com/fruitsalade/snapfolder/pkg/metadata"
	"github.com/fruitsalade/snapfolder/pkg/storage"
	"github.com/fruitsalade/snapfolder/pkg/storage/memory"
	"github.com/fruitsalade/snapfolder/pkg/transfer"
	"github.com/fruitsalade/snapfolder/pkg/vault"
)

var (
	backend  string
	relayURL string
	owner    string
	verbose  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "snapfolder",
		Short: "Content-addressed folders on a storage network",
		Long: `Upload files and folders to a content-addressed storage network.
Every folder edit publishes a new snapshot address; the old snapshot is released.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&backend, "storage", "", "storage backend: gateway, s3 or memory (default SNAPFOLDER_STORAGE)")
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay", "", "metadata relay URL (default SNAPFOLDER_RELAY_URL)")
	rootCmd.PersistentFlags().StringVar(&owner, "owner", "", "owner id (default SNAPFOLDER_OWNER or the token subject)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		lsCmd(),
		putCmd(),
		getCmd(),
		catCmd(),
		mkdirCmd(),
		addCmd(),
		rmCmd(),
		deleteCmd(),
		renameCmd(),
		loginCmd(),
		shellCmd(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+errs.Describe(err)))
		if verbose {
			fmt.Fprintf(os.Stderr, "  %v\n", err)
		}
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() (*config.Client, error) {
	cfg := config.LoadClient()
	if backend != "" {
		cfg.StorageBackend = backend
	}
	if relayURL != "" {
		cfg.RelayURL = relayURL
	}
	if owner != "" {
		cfg.OwnerID = owner
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	if cfg.OwnerID == "" {
		if cred, err := relayCredentials(cfg).Credential(); err == nil {
			cfg.OwnerID = cred.Subject()
		}
	}
	return cfg, cfg.Validate()
}

// app is one wired engine for the lifetime of a command.
type app struct {
	cfg     *config.Client
	vault   *vault.Vault
	meta    *metadata.Store
	metrics *http.Server
	out     io.Writer
	errOut  io.Writer
}

func newApp(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: "stderr",
	}); err != nil {
		return nil, fmt.Errorf("logging init: %w", err)
	}
	logger := logging.L()

	network, err := openNetwork(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	gate := cryptogate.New(nil)
	gate.Load(func() (cryptogate.Primitive, error) {
		return cryptogate.NewAESGCM(), nil
	})

	creds := storageCredentials(cfg)
	pipeline := transfer.New(network, gate, transfer.Config{
		StreamThreshold: cfg.StreamAbove,
		AttemptTimeout:  cfg.AttemptTimeout,
		Secret:          secretPrompt(cfg.Secret, cmd.ErrOrStderr()),
		Credentials:     creds,
		Logger:          logger,
	})

	cache, err := metadata.OpenLocalCache(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("open metadata cache: %w", err)
	}

	var relay metadata.Relay
	if cfg.RelayURL != "" {
		relay = relayclient.New(relayclient.Config{
			BaseURL:     cfg.RelayURL,
			Credentials: relayCredentials(cfg),
			Logger:      logger,
		})
	}

	meta := metadata.NewStore(metadata.Config{
		Cache:      cache,
		Relay:      relay,
		OwnerID:    cfg.OwnerID,
		StaleAfter: cfg.StaleAfter,
		Logger:     logger,
	})

	settle := cfg.SettleDelay
	if settle == 0 {
		settle = -1
	}

	a := &app{
		cfg:  cfg,
		meta: meta,
		vault: vault.New(vault.Config{
			Transfer:    pipeline,
			Metadata:    meta,
			Credentials: creds,
			SettleDelay: settle,
			Logger:      logger,
		}),
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
	}

	if cfg.MetricsAddr != "" {
		a.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := a.metrics.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	logging.Debug("engine ready",
		zap.String("storage", cfg.StorageBackend),
		zap.String("relay", cfg.RelayURL),
		zap.String("owner", cfg.OwnerID))
	return a, nil
}

// Close waits for background cleanups and flushes logs.
func (a *app) Close() {
	a.vault.Close()
	if a.metrics != nil {
		a.metrics.Close()
	}
	logging.Sync()
}

func openNetwork(ctx context.Context, cfg *config.Client, logger *zap.Logger) (storage.Network, error) {
	switch cfg.StorageBackend {
	case config.BackendS3:
		n, err := s3storage.New(ctx, s3storage.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			PathStyle: cfg.S3PathStyle,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 storage: %w", err)
		}
		if err := n.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("s3 bucket: %w", err)
		}
		return n, nil
	case config.BackendMemory:
		logger.Warn("memory storage is discarded when the process exits")
		return memory.New(), nil
	default:
		return gateway.New(gateway.Config{
			PinningURL: cfg.PinningURL,
			GatewayURL: cfg.GatewayURL,
			Token:      cfg.StorageToken,
			Logger:     logger,
		}), nil
	}
}

// relayCredentials authorize requests to the relay.
func relayCredentials(cfg *config.Client) credential.Provider {
	return credential.Chain{
		credential.Static{Bearer: cfg.Token},
		credential.TokenFile{Path: cfg.TokenFile},
	}
}

// storageCredentials gate writes to the storage network. The memory
// backend needs none.
func storageCredentials(cfg *config.Client) credential.Provider {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return nil
	case config.BackendS3:
		return credential.Chain{
			credential.Static{Address: cfg.S3AccessKey, Signature: cfg.S3SecretKey},
			relayCredentials(cfg),
		}
	default:
		return credential.Chain{
			credential.Static{Bearer: cfg.StorageToken},
			relayCredentials(cfg),
		}
	}
}

// secretPrompt returns the configured secret, asking on the terminal once
// when none is configured and stdin is interactive.
func secretPrompt(configured string, w io.Writer) func() string {
	var (
		once   sync.Once
		secret = configured
	)
	return func() string {
		once.Do(func() {
			if secret != "" || !isTerminal() {
				return
			}
			pw, err := getSecret(w)
			if err != nil {
				logging.Warn("secret prompt failed", zap.Error(err))
				return
			}
			secret = string(pw)
		})
		return secret
	}
}
