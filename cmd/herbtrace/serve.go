package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/config"
	"github.com/ahmadzakiakmal/herbtrace/notify"
	"github.com/ahmadzakiakmal/herbtrace/portal"
	"github.com/ahmadzakiakmal/herbtrace/repository"
	"github.com/ahmadzakiakmal/herbtrace/server"
	service_registry "github.com/ahmadzakiakmal/herbtrace/srvreg"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd(v *viper.Viper, load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the portal HTTP service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd, map[string]string{
				"http.port":         "http-port",
				"ledger.mode":       "ledger-mode",
				"cometbft.home":     "cmt-home",
				"badger.path":       "badger-path",
				"postgres.dsn":      "postgres-dsn",
				"notify.redis_addr": "redis-addr",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), c)
		},
	}
	cmd.Flags().String("http-port", "5000", "HTTP web server port")
	cmd.Flags().String("ledger-mode", string(repository.ModeMemory), "Storage mode: memory, ca or ledger")
	cmd.Flags().String("cmt-home", "./node-config/node0", "Path to the CometBFT config directory")
	cmd.Flags().String("badger-path", "", "Badger directory for ca mode (empty keeps it in memory)")
	cmd.Flags().String("postgres-dsn", "", "Postgres DSN for ca mode, preferred over badger when set")
	cmd.Flags().String("redis-addr", "", "Redis address for worklist notifications")
	return cmd
}

func runServe(ctx context.Context, c *config.Config) error {
	logger, err := newLogger(c.Log.Level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}

	fallback := repository.NewMemoryStore(c.Ledger.FallbackCapacity)
	facadeConfig := repository.FacadeConfig{
		Mode:          c.Mode(),
		Timeout:       c.Ledger.Timeout,
		RetryInterval: c.Ledger.RetryInterval,
	}

	var (
		primary repository.Store = fallback
		node    *nm.Node
	)
	switch c.Mode() {
	case repository.ModeCA:
		primary, facadeConfig, err = openCAStore(ctx, c, facadeConfig, fallback, logger)
		if err != nil {
			return err
		}
	case repository.ModeLedger:
		ledger, err := startLedger(c, logger)
		if err != nil {
			return err
		}
		defer ledger.Stop()
		node = ledger.node
		primary = ledger.store
		facadeConfig.CredentialsVerified = true
	}

	facade := repository.NewFacade(primary, fallback, facadeConfig, logger.With("module", "facade"))
	defer func() {
		if err := facade.Close(); err != nil {
			logger.Error("Closing store", "err", err)
		}
	}()
	if err := facade.Warm(ctx); err != nil {
		logger.Error("Warming fallback store", "err", err)
	}

	var notifier notify.Notifier
	if c.Notify.RedisAddr != "" {
		queue := asynq.NewClient(redisOpt(c))
		defer queue.Close()
		notifier = notify.NewQueueNotifier(queue, c.Notify.MaxRetry)
		logger.Info("Worklist notifications enabled", "redis", c.Notify.RedisAddr)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := portal.NewMetrics(reg, facade)

	service := portal.NewService(facade, notifier, metrics, logger.With("module", "portal"))
	serviceRegistry := service_registry.NewServiceRegistry(service, logger.With("module", "srvreg"))
	serviceRegistry.RegisterDefaultServices()

	webserver := server.NewWebServer(c.HTTP.Port, logger, serviceRegistry, service, server.Options{
		Node:     node,
		Gatherer: reg,
	})
	if err := webserver.Start(); err != nil {
		return fmt.Errorf("starting HTTP server: %w", err)
	}

	<-ctx.Done()

	// Create deadline to wait for server shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := webserver.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutting down HTTP web server", "err", err)
	}
	logger.Info("HTTP web server gracefully stopped")
	return nil
}

// openCAStore verifies the node's enrollment and opens the durable store.
// A node the certificate authority cannot vouch for serves from memory.
func openCAStore(ctx context.Context, c *config.Config, fc repository.FacadeConfig, fallback *repository.MemoryStore, logger cmtlog.Logger) (repository.Store, repository.FacadeConfig, error) {
	ca := repository.NewCAClient(c.CA.URL, c.CA.EnrollID)
	verifyCtx, cancel := context.WithTimeout(ctx, c.Ledger.Timeout)
	info, err := ca.Verify(verifyCtx)
	cancel()
	if err != nil {
		logger.Error("Certificate authority verification failed, serving from memory", "url", c.CA.URL, "err", err)
		fc.Mode = repository.ModeMemory
		return fallback, fc, nil
	}
	logger.Info("Credentials verified", "ca", info.CAName, "version", info.Version)
	fc.CredentialsVerified = true

	if c.Postgres.DSN != "" {
		db, err := repository.ConnectPostgres(c.Postgres.DSN, c.Postgres.ConnAttempts, logger)
		if err != nil {
			return nil, fc, err
		}
		store := repository.NewPostgresStore(db, logger.With("module", "postgres"))
		if err := store.Migrate(); err != nil {
			store.Close()
			return nil, fc, fmt.Errorf("migrating postgres: %w", err)
		}
		return store, fc, nil
	}

	db, err := repository.OpenBadger(c.Badger.Path, logger)
	if err != nil {
		return nil, fc, fmt.Errorf("opening badger: %w", err)
	}
	return repository.NewBadgerStore(db, logger.With("module", "badger")), fc, nil
}

func redisOpt(c *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.Notify.RedisAddr,
		Password: c.Notify.RedisPassword,
		DB:       c.Notify.RedisDB,
	}
}
