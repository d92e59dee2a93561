package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sark-gateway/sark/pkg/api"
	"github.com/sark-gateway/sark/pkg/apikeys"
	"github.com/sark-gateway/sark/pkg/audit"
	"github.com/sark-gateway/sark/pkg/auth"
	"github.com/sark-gateway/sark/pkg/auth/providers"
	"github.com/sark-gateway/sark/pkg/auth/sessions"
	"github.com/sark-gateway/sark/pkg/config"
	"github.com/sark-gateway/sark/pkg/logger"
	"github.com/sark-gateway/sark/pkg/policy"
	"github.com/sark-gateway/sark/pkg/ratelimit"
	"github.com/sark-gateway/sark/pkg/siem"
	"github.com/sark-gateway/sark/pkg/siem/adapters"
	"github.com/sark-gateway/sark/pkg/siem/fallback"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SARK gateway",
		Long: `Start the gateway: authentication, policy evaluation, API key
management, and SIEM forwarding behind one HTTP listener. All settings come
from the environment.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.Get()

	// SIEM pipeline first: everything else emits audit events through it.
	fbQueue, err := fallback.New(cfg.SIEM.FallbackDir, cfg.SIEM.FallbackMaxFileBytes, log)
	if err != nil {
		return err
	}
	defer fbQueue.Close()

	forwarder := siem.NewForwarder(forwarderConfig(cfg.SIEM), buildAdapters(cfg.SIEM), fbQueue, log)
	forwarder.Start()
	go forwarder.RunReplay(ctx, cfg.SIEM.ReplayInterval)
	emitter := audit.NewEmitter(forwarder, fbQueue, log)

	store := sessions.NewStore(cfg.Auth.RedisAddr, log)
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return err
	}

	providerList, err := buildProviders(ctx, cfg.Providers)
	if err != nil {
		return err
	}
	core := auth.NewCore(cfg.Auth, providerList, store, emitter, log)

	db, err := apikeys.OpenStore(cfg.APIKeyDBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	keys := apikeys.NewService(db, emitter, log)

	engine := policy.NewEngineClient(cfg.Policy, log)
	pde, err := policy.New(cfg.Policy, engine, emitter, log)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(cfg.RateLimit)
	go limiter.RunPruner(ctx.Done(), 5*time.Minute, 30*time.Minute)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(core, keys, pde, limiter, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	// Drain the forwarder after the listener stops producing events.
	if err := forwarder.Stop(shutdownCtx); err != nil {
		log.Error("siem forwarder drain failed", "error", err)
	}
	return nil
}

// buildProviders assembles the configured identity providers. Configuration
// declaration order (directory, oidc, saml) is the dispatch order.
func buildProviders(ctx context.Context, cfg config.ProvidersConfig) ([]providers.Provider, error) {
	var list []providers.Provider

	if cfg.Directory.URL != "" {
		p, err := providers.NewDirectoryProvider(providers.DirectoryConfig{
			URL:            cfg.Directory.URL,
			BindDN:         cfg.Directory.BindDN,
			BindPassword:   cfg.Directory.BindPassword,
			BaseDN:         cfg.Directory.BaseDN,
			UserFilter:     cfg.Directory.UserFilter,
			GroupAttribute: cfg.Directory.GroupAttribute,
		}, logger.Get())
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}

	if cfg.OIDC.Issuer != "" {
		p, err := providers.NewOIDCProvider(ctx, providers.OIDCConfig{
			Issuer:       cfg.OIDC.Issuer,
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			RedirectURL:  cfg.OIDC.RedirectURL,
		}, logger.Get())
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}

	if cfg.SAML.IDPSSOURL != "" {
		certs, err := os.ReadFile(cfg.SAML.IDPCertFile)
		if err != nil {
			return nil, fmt.Errorf("reading SAML IdP certificates: %w", err)
		}
		p, err := providers.NewSAMLProvider(providers.SAMLConfig{
			IDPSSOURL:            cfg.SAML.IDPSSOURL,
			IDPIssuer:            cfg.SAML.IDPIssuer,
			SPIssuer:             cfg.SAML.SPIssuer,
			AudienceURI:          cfg.SAML.AudienceURI,
			AssertionConsumerURL: cfg.SAML.AssertionConsumerURL,
			IDPCertificatesPEM:   certs,
		}, logger.Get())
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}

	return list, nil
}

// buildAdapters assembles the configured SIEM destinations. With none
// configured the forwarder still runs, so audit emission stays uniform, it
// just has nowhere to deliver.
func buildAdapters(cfg config.SIEMConfig) []adapters.Adapter {
	var list []adapters.Adapter

	if cfg.SplunkURL != "" {
		list = append(list, adapters.NewSplunkAdapter(adapters.SplunkConfig{
			ID:                   "splunk",
			URL:                  cfg.SplunkURL,
			Token:                cfg.SplunkToken,
			Index:                cfg.SplunkIndex,
			CompressionThreshold: cfg.CompressionThreshold,
			RequestTimeout:       cfg.RequestTimeout,
		}, nil))
	}

	if cfg.DatadogAPIKey != "" {
		list = append(list, adapters.NewDatadogAdapter(adapters.DatadogConfig{
			ID:                   "datadog",
			Site:                 cfg.DatadogSite,
			APIKey:               cfg.DatadogAPIKey,
			CompressionThreshold: cfg.CompressionThreshold,
			RequestTimeout:       cfg.RequestTimeout,
		}, nil))
	}

	if cfg.FilePath != "" {
		a, err := adapters.NewFileAdapter(adapters.FileConfig{Path: cfg.FilePath})
		if err != nil {
			logger.Errorw("failed to open SIEM file destination", "path", cfg.FilePath, "error", err)
		} else {
			list = append(list, a)
		}
	}

	return list
}

func forwarderConfig(cfg config.SIEMConfig) siem.Config {
	fc := siem.DefaultConfig()
	fc.BatchSize = cfg.BatchSize
	fc.BatchInterval = cfg.BatchInterval
	fc.Retry.MaxRetries = cfg.MaxRetries
	fc.Breaker.FailureThreshold = cfg.CircuitFailureThreshold
	fc.Breaker.RecoveryTimeout = cfg.CircuitRecoveryTimeout
	fc.Breaker.SuccessThreshold = cfg.CircuitSuccessThreshold
	return fc
}
