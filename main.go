package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"crm-workflow/api/internal/config"
	"crm-workflow/api/pkg/db"
	"crm-workflow/api/services/workflow"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "crmflow",
		Short:         "CRM workflow automation engine",
		Long:          "crmflow runs user-defined workflows in reaction to CRM entity changes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./config.yaml)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newFieldsCommand())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// setup loads the configuration and installs the JSON logger.
func setup() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	})
	slog.SetDefault(slog.New(logHandler))
	return cfg, nil
}

// openRepository connects to the configured database. The returned func
// releases the connection.
func openRepository(ctx context.Context, cfg *config.Config) (*workflow.Repository, func(), error) {
	if cfg.Database.URL == "" {
		return nil, nil, errors.New("database.url (or DATABASE_URL) is not set")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		sqlDB, err := db.OpenSQLite(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, err
		}
		return workflow.NewSQLiteRepository(sqlDB), func() { sqlDB.Close() }, nil
	default:
		pool, err := db.Connect(ctx, db.Config{URI: cfg.Database.URL, MaxOpenConns: cfg.Database.MaxConns})
		if err != nil {
			return nil, nil, err
		}
		return workflow.NewRepository(pool), pool.Close, nil
	}
}

func newServeCommand() *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow engine and its admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, seed)
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "insert the sample workflow on startup")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, seed bool) error {
	repo, closeDB, err := openRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer closeDB()

	// Initialize database schema and seed data
	if err := workflow.InitDB(ctx, repo, seed); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	metrics, err := workflow.NewMetrics(nil)
	if err != nil {
		return err
	}

	registry := workflow.NewRegistry(workflow.NewHTTPWebhookClient(cfg.Engine.HTTPTimeout))
	engine := workflow.NewEngine(repo, registry, workflow.EngineConfig{
		RunTimeout:  cfg.Engine.RunTimeout,
		StepTimeout: cfg.Engine.StepTimeout,
		StrictGraph: cfg.Engine.StrictGraph,
	}, metrics)
	dispatcher := workflow.NewDispatcher(workflow.NewMatcher(repo), engine, workflow.DispatcherConfig{
		Workers:   cfg.Engine.Workers,
		QueueSize: cfg.Engine.QueueSize,
		MaxDepth:  cfg.Engine.MaxDepth,
	}, metrics)

	busCtx, stopBus := context.WithCancel(ctx)
	defer stopBus()
	if cfg.Events.Enabled {
		bus, err := workflow.NewEventBus(dispatcher)
		if err != nil {
			return err
		}
		busErrors := make(chan error, 1)
		go func() {
			busErrors <- bus.Run(busCtx)
		}()
		select {
		case <-bus.Running():
			slog.Info("Listening for change events", "topic", workflow.ChangeTopic)
		case err := <-busErrors:
			return fmt.Errorf("event router stopped: %w", err)
		}
	}

	// setup router
	mainRouter := mux.NewRouter()
	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()
	workflow.NewService(repo, dispatcher).LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", workflow.CompanyHeader}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "addr", cfg.Server.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("Server error", "error", err)

	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
		stopBus()
		if err := dispatcher.Shutdown(ctx); err != nil {
			slog.Error("Workflow jobs still running at shutdown", "error", err)
		}
	}
	return nil
}
