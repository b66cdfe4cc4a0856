package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/datarun/lmis/internal/config"
	"github.com/datarun/lmis/internal/db"
	httpSrv "github.com/datarun/lmis/internal/http"
	"github.com/datarun/lmis/internal/kafka"
	"github.com/datarun/lmis/internal/logger"
	"github.com/datarun/lmis/internal/repository"
	"github.com/datarun/lmis/internal/service/contracts"
	"github.com/datarun/lmis/internal/service/inbox"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		lg, err := logger.New(cfg.Log.Level, cfg.Log.Encoding)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		defer func() { _ = lg.Sync() }()

		sqlDB, err := db.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		redisClient, err := db.OpenRedis(cfg.Redis)
		if err != nil {
			return err
		}
		if redisClient != nil {
			defer func() { _ = redisClient.Close() }()
		}

		var reports repository.LogsReader
		if cfg.ClickHouse.ReportsEnabled() {
			chDB, err := db.OpenClickHouse(cfg.ClickHouse)
			if err != nil {
				return err
			}
			defer func() { _ = chDB.Close() }()
			reports = repository.NewCHLogsRepository(chDB)
		}

		// repos
		logsRepo := repository.NewLogsRepository(sqlDB)
		inboxRepo := repository.NewInboxRepository(sqlDB, logsRepo)
		contractsRepo := repository.NewCachedContractsRepository(
			repository.NewContractsRepository(sqlDB), redisClient, cfg.Redis.ContractTTL)

		if reports == nil {
			reports = logsRepo
		}

		// trigger producer
		var pub inbox.Publisher
		if cfg.Kafka.Enabled() {
			producer := kafka.NewProducer(cfg.Kafka)
			defer func() { _ = producer.Close() }()
			pub = producer
		}

		server := httpSrv.NewServer(cfg, httpSrv.Deps{
			Inbox:     inbox.New(inboxRepo, contractsRepo, logsRepo, pub, lg),
			Contracts: contracts.New(contractsRepo),
			Reports:   reports,
			Redis:     redisClient,
			Log:       lg,
		})

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			lg.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Error("http server exited", zap.Error(err))
				return err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(ctx)
	},
}
