package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/jobq/internal/alert"
	"github.com/cuongbtq/jobq/internal/config"
	"github.com/cuongbtq/jobq/internal/execution"
	"github.com/cuongbtq/jobq/internal/jobqueue"
	"github.com/cuongbtq/jobq/internal/worker"
	"github.com/cuongbtq/jobq/internal/worker/admin"
	"github.com/cuongbtq/jobq/internal/worker/storage"
	"github.com/cuongbtq/jobq/shared/logger"
	"github.com/cuongbtq/jobq/shared/postgresql"
	"github.com/cuongbtq/jobq/shared/rabbitmq"
)

const defaultConfigPath = "configs/jobs-worker/config.yaml"

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	if err := config.LoadEnv(); err != nil {
		return err
	}

	configPath := config.ConfigPathArg(args, config.Path(config.EnvWorkerConfigPath, defaultConfigPath))
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	params, err := config.ParseWorkerArgs(args, config.WorkerParams{
		Name:       cfg.Worker.Name,
		Queue:      cfg.Worker.Queue,
		Workers:    cfg.Worker.Workers,
		ConfigPath: configPath,
	}, os.Stderr)
	if errors.Is(err, config.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerUUID := uuid.NewString()
	workerLog := logger.WithWorker(appLogger.Logger, params.Name, workerUUID)

	workerLog.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("queue", params.Queue),
		slog.Int("workers", params.Workers),
	)
	if params.TestUser != "" {
		workerLog.Warn("Running every job as test user",
			slog.String("test_user", params.TestUser),
		)
	}

	dbClient, err := initPostgreSQL(&cfg.Database, workerLog)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	broker := jobqueue.NewBroker(rabbitmq.NewManager(cfg.RabbitMQ.Client(), workerLog), workerLog)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	executions := execution.NewFactory(execution.Config{
		WorkRoot:     cfg.Worker.WorkRoot,
		ArchiveRoot:  cfg.Worker.ArchiveRoot,
		PollInterval: cfg.Worker.PollInterval,
		TestUser:     params.TestUser,
	}, workerLog)

	sup, err := worker.NewSupervisor(worker.Config{
		Name:          params.Name,
		UUID:          workerUUID,
		Queue:         params.Queue,
		Workers:       params.Workers,
		Tenants:       cfg.App.Tenants,
		RestartLimit:  cfg.Worker.RestartLimit,
		RestartWindow: cfg.Worker.RestartWindow,
		StartLimit:    cfg.Worker.StartLimit,
		StartWindow:   cfg.Worker.StartWindow,
		ShutdownGrace: cfg.Worker.ShutdownGrace,
		Broker:        broker,
		Store:         storage.NewStorage(dbClient.GetDB(), workerLog),
		Alerter:       newAlerter(cfg.Alerts, workerLog),
		Executions:    executions.New,
		Metrics:       worker.NewMetrics(registry),
		Logger:        appLogger.Logger,
	})
	if err != nil {
		dbClient.Close()
		broker.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cleanup := func() error {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancel()
		return sup.Cleanup(cleanupCtx)
	}

	if err := sup.Start(ctx); err != nil {
		workerLog.Error("Worker failed to start",
			slog.Any("error", err),
		)
		return errors.Join(err, cleanup())
	}

	var srv *http.Server
	if cfg.Worker.AdminPort != 0 {
		srv = &http.Server{
			Addr: fmt.Sprintf(":%d", cfg.Worker.AdminPort),
			Handler: admin.SetupRouter(&admin.Dependencies{
				Logger:   workerLog,
				Worker:   sup,
				Gatherer: registry,
				Health:   dbClient.HealthCheck,
			}),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
	}

	var g errgroup.Group

	if srv != nil {
		g.Go(func() error {
			workerLog.Info("Starting admin server",
				slog.String("address", srv.Addr),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sup.Shutdown("admin server failed: " + err.Error())
				return fmt.Errorf("admin server failed: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		reason := sup.Wait()
		workerLog.Info("Worker shutting down",
			slog.String("reason", reason),
		)

		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				workerLog.Warn("Admin server forced to shutdown",
					slog.Any("error", err),
				)
			}
		}
		return cleanup()
	})

	if err := g.Wait(); err != nil {
		return err
	}

	workerLog.Info("Worker service shutdown complete")
	return nil
}

// initPostgreSQL connects to the job database
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
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
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.EnsureSchema(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return client, nil
}

// newAlerter mails alerts when an SMTP host is configured
func newAlerter(cfg config.AlertsConfig, logger *slog.Logger) alert.Alerter {
	if cfg.SMTPHost == "" {
		return alert.NewLogAlerter(logger)
	}
	return alert.NewEmailAlerter(cfg.Email(), logger)
}
