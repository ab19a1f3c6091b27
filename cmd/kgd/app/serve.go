package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/keygate-io/keygate/pkg/api"
	"github.com/keygate-io/keygate/pkg/apikeys"
	"github.com/keygate-io/keygate/pkg/auth"
	"github.com/keygate-io/keygate/pkg/authz"
	"github.com/keygate-io/keygate/pkg/config"
	"github.com/keygate-io/keygate/pkg/kek"
	"github.com/keygate-io/keygate/pkg/logger"
	"github.com/keygate-io/keygate/pkg/telemetry"
	"github.com/keygate-io/keygate/pkg/tuplestore"
	"github.com/keygate-io/keygate/pkg/versions"
)

const telemetryShutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the keygate API server",
	Long: `Start the keygate API server.
Configuration comes from KEYGATE_-prefixed environment variables; the listen
address can also be given on the command line.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("address", "", "Listen address (overrides KEYGATE_LISTEN_ADDR)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if address, err := cmd.Flags().GetString("address"); err == nil && address != "" {
		cfg.Address = address
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	// Validate keeps the identity provider optional so offline tools can
	// reuse it; the server cannot log anyone in without one.
	if cfg.IDP.Issuer == "" || cfg.IDP.TokenURL == "" {
		return fmt.Errorf("identity provider issuer and token URL are required (KEYGATE_IDP_ISSUER, KEYGATE_IDP_TOKEN_URL)")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
	}

	store, err := buildTupleStore(cfg, rdb)
	if err != nil {
		return err
	}

	cache := authz.NewCache(
		authz.WithTTL(cfg.Cache.TTL),
		authz.WithSweepInterval(cfg.CacheSweepInterval()),
	)
	defer cache.Close()

	custody := kek.NewService(rdb, cfg.Redis.KeyPrefix)
	defer custody.Close()

	authorizer := authz.NewAuthorizer(store, cache, custody)

	sessions, err := auth.NewSessionService(auth.SessionServiceConfig{
		Secret:      cfg.Tokens.SessionSecret,
		Issuer:      cfg.Tokens.Issuer,
		SessionTTL:  cfg.Tokens.SessionExpiry,
		ResourceTTL: cfg.Tokens.ResourceExpiry,
	}, rdb, cfg.Redis.KeyPrefix)
	if err != nil {
		return fmt.Errorf("failed to build session service: %w", err)
	}

	verifier, err := auth.NewVerifier(ctx, auth.VerifierConfig{
		Issuer:         cfg.IDP.Issuer,
		Audience:       cfg.IDP.Audience,
		JWKSURL:        cfg.IDP.JWKSURL,
		RequestTimeout: cfg.IDP.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to build token verifier: %w", err)
	}

	idp, err := auth.NewIDPClient(auth.IDPClientConfig{
		TokenURL:       cfg.IDP.TokenURL,
		ClientID:       cfg.IDP.ClientID,
		ClientSecret:   cfg.IDP.ClientSecret,
		RequestTimeout: cfg.IDP.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to build identity provider client: %w", err)
	}

	manager := apikeys.NewManager(rdb, cfg.Redis.KeyPrefix)
	defer manager.Close()

	exchanger := auth.NewExchanger(verifier, idp, sessions, authorizer)

	telemetryProvider, err := telemetry.NewProvider(ctx,
		telemetry.WithServiceName("keygate"),
		telemetry.WithServiceVersion(versions.GetVersionInfo().Version),
		telemetry.WithMetricsEnabled(cfg.Metrics.Enabled),
	)
	if err != nil {
		return fmt.Errorf("failed to build telemetry provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Failed to shut down telemetry provider: %v", err)
		}
	}()

	logger.Infof("Starting keygate API server on %s", cfg.Address)
	return api.Serve(ctx, cfg.Address, api.Deps{
		Authorizer:    authorizer,
		Exchanger:     exchanger,
		Sessions:      sessions,
		APIKeys:       manager,
		KEK:           custody,
		Redis:         rdb,
		Telemetry:     telemetryProvider,
		DefaultTenant: cfg.DefaultTenant,
		RateLimit:     cfg.RateLimit,
	})
}

func buildTupleStore(cfg *config.Config, rdb redis.UniversalClient) (tuplestore.Store, error) {
	if cfg.TupleStore.Mode == config.TupleStoreModeMemory {
		logger.Infof("Using in-memory tuple store; relationship state is not persisted")
	}
	return tuplestore.New(cfg.TupleStore, rdb, cfg.Redis.KeyPrefix)
}
