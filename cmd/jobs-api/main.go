package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/jobq/internal/api/handler"
	"github.com/cuongbtq/jobq/internal/api/router"
	apistorage "github.com/cuongbtq/jobq/internal/api/storage"
	"github.com/cuongbtq/jobq/internal/config"
	"github.com/cuongbtq/jobq/internal/jobqueue"
	"github.com/cuongbtq/jobq/internal/queuedef"
	"github.com/cuongbtq/jobq/shared/logger"
	"github.com/cuongbtq/jobq/shared/postgresql"
	"github.com/cuongbtq/jobq/shared/rabbitmq"
)

const defaultConfigPath = "configs/jobs-api/config.yaml"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := config.LoadEnv(); err != nil {
		return err
	}

	configPath := flag.String("config", config.Path(config.EnvAPIConfigPath, defaultConfigPath), "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	broker := jobqueue.NewBroker(rabbitmq.NewManager(cfg.RabbitMQ.Client(), appLogger.Logger), appLogger.Logger)
	defer broker.Close()

	if err := broker.InitTopology(ctx, cfg.App.Tenants); err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ topology: %w", err)
	}

	queues := queuedef.NewCache(queuedef.NewSQLStore(dbClient.GetDB(), sq.Dollar), cfg.Queues.DefaultQueue, appLogger.Logger)
	if err := queues.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load queue definitions: %w", err)
	}
	if err := declareSubmitQueues(ctx, broker, cfg, queues); err != nil {
		return err
	}

	if cfg.Queues.ReloadSchedule != "" {
		stopReloader, err := queues.StartReloader(ctx, cfg.Queues.ReloadSchedule)
		if err != nil {
			return fmt.Errorf("failed to start queue reloader: %w", err)
		}
		defer stopReloader()
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := router.SetupRouter(&handler.Dependencies{
		Logger:   appLogger.Logger,
		Store:    apistorage.NewStorage(dbClient.GetDB()),
		Broker:   broker,
		Queues:   queues,
		SenderID: "jobs-api-" + uuid.NewString(),
		Tenants:  cfg.App.Tenants,
		Health:   dbClient.HealthCheck,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appLogger.Info("Starting HTTP server",
			slog.String("address", addr),
			slog.Duration("read_timeout", cfg.Server.ReadTimeout),
			slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Server forced to shutdown",
				slog.Any("error", err),
			)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initPostgreSQL connects to the job database
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	client, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.EnsureSchema {
		schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := client.EnsureSchema(schemaCtx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return client, nil
}

// declareSubmitQueues makes every queue a job can be routed to exist
// before the first job is submitted
func declareSubmitQueues(ctx context.Context, broker *jobqueue.Broker, cfg *config.Config, queues *queuedef.Cache) error {
	names := map[string]bool{jobqueue.DefaultQueueName: true}
	if cfg.Queues.DefaultQueue != "" {
		names[cfg.Queues.DefaultQueue] = true
	}
	for _, def := range queues.Definitions() {
		names[def.Name] = true
	}

	for name := range names {
		if err := broker.DeclareSubmitQueue(ctx, cfg.App.Tenants, name); err != nil {
			return fmt.Errorf("failed to declare submit queue %s: %w", name, err)
		}
	}
	return nil
}
