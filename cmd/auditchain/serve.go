package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/auditchain/go-core/internal/api/rest"
	"github.com/auditchain/go-core/internal/jobs"
	"github.com/auditchain/go-core/internal/metrics"
	"github.com/auditchain/go-core/internal/policy"
	"github.com/auditchain/go-core/internal/ratelimit"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the audit log service",
	Long: `Run the REST API. When verify.interval is set, every selected chain is
also re-verified end to end on that schedule. When policy.watch is set, the
metadata policy file is reloaded on change.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	if a.cfg.Server.EnableMetrics {
		a.metrics = metrics.NewPrometheusMetrics("auditchain")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting auditchain",
		zap.String("version", version),
		zap.String("store", a.cfg.Store.Driver),
		zap.String("lock", a.cfg.Lock.Backend),
		zap.String("hash_algorithm", a.cfg.Chain.HashAlgorithm),
	)

	engine, err := a.engine(ctx)
	if err != nil {
		return err
	}
	verifier, err := a.verifier(ctx)
	if err != nil {
		return err
	}
	partitions, err := a.partitions(ctx)
	if err != nil {
		return err
	}

	if a.cfg.Policy.File != "" && a.cfg.Policy.Watch {
		watcher, err := policy.NewFileWatcher(a.cfg.Policy.File, a.guard, a.celEngine, logger)
		if err != nil {
			return err
		}
		if err := watcher.Watch(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	verifyJob, err := jobs.NewVerifyJob(a.store, verifier, jobs.VerifyJobConfig{
		Interval:  a.cfg.Verify.Interval,
		Selectors: a.cfg.Verify.Chains,
		Workers:   a.cfg.Verify.Workers,
	}, logger)
	if err != nil {
		return err
	}
	if err := verifyJob.Start(ctx); err != nil {
		return err
	}
	defer verifyJob.Stop()

	var auth *rest.Authenticator
	if a.cfg.Auth.Enabled {
		auth, err = rest.NewAuthenticator(rest.AuthConfig{
			Secret:   []byte(a.cfg.Auth.JWTSecret),
			Issuer:   a.cfg.Auth.Issuer,
			Audience: a.cfg.Auth.Audience,
		}, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("REST authentication disabled; actor identities are taken from request bodies")
	}

	var limiter ratelimit.Limiter
	if a.cfg.RateLimit.Enabled {
		// buckets are shared through Redis when the chain lock already uses it
		if a.redis != nil {
			limiter = ratelimit.NewRedisLimiter(a.redis, a.cfg.RateLimit, logger)
		} else {
			limiter = ratelimit.NewLocalLimiter(a.cfg.RateLimit)
		}
	}

	restCfg := rest.DefaultConfig()
	restCfg.Addr = a.cfg.Server.Addr
	restCfg.ReadTimeout = a.cfg.Server.ReadTimeout
	restCfg.WriteTimeout = a.cfg.Server.WriteTimeout
	restCfg.IdleTimeout = a.cfg.Server.IdleTimeout
	restCfg.MaxBodyBytes = a.cfg.Server.MaxBodyBytes
	restCfg.PageSize = a.cfg.Verify.PageSize
	restCfg.Version = version

	srv, err := rest.New(restCfg, rest.Deps{
		Engine:     engine,
		Store:      a.store,
		Verifier:   verifier,
		Partitions: partitions,
		Metrics:    a.metrics,
		Auth:       auth,
		Limiter:    limiter,
	}, logger)
	if err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", zap.Error(err))
			return err
		}
	case <-ctx.Done():
		logger.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", zap.Error(err))
			return err
		}
	}

	logger.Info("Server stopped")
	return nil
}
