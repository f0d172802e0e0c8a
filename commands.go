package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wayl-ai/wayl/inference"
	"github.com/wayl-ai/wayl/repository"
	"github.com/wayl-ai/wayl/services"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "wayl",
		Short:        "Token-gated AI agent platform",
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.AddCommand(
		&cobra.Command{Use: "serve", Short: "Run the HTTP and WebSocket API", RunE: runServe},
		&cobra.Command{Use: "migrate", Short: "Apply database migrations", RunE: runMigrate},
		&cobra.Command{Use: "seed", Short: "Insert demo users and agents", RunE: runSeed},
		newModelsCmd(),
		newConfigCmd(),
	)
	return root
}

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "models", Short: "Manage local model weights"}

	var name string
	pull := &cobra.Command{
		Use:   "pull <source>",
		Short: "Download weights from an http(s) or s3:// source into MODELS_DIR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := services.LoadConfig()
			defer setupLogging(cfg).Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			path, err := inference.Fetch(ctx, args[0], cfg.Model.Dir, name, cfg.S3Config())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	pull.Flags().StringVar(&name, "name", "", "model id to store the weights under (defaults to the source file name)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List models available locally and remotely",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := services.LoadConfig()
			catalog := inference.Catalog{Dir: cfg.Model.Dir, Remote: []string{cfg.Model.Default}}
			ids, err := catalog.ListAvailable()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	cmd.AddCommand(pull, list)
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := services.LoadConfig()
			if err := cfg.Validate(); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"app_name":           cfg.Server.AppName,
				"api_prefix":         cfg.Server.APIPrefix,
				"debug":              cfg.Server.Debug,
				"database":           cfg.Database.DSN() != "",
				"redis":              cfg.Redis.Enabled(),
				"inference_provider": cfg.Inference.Provider,
				"default_model":      cfg.Model.Default,
				"model_cache_size":   cfg.Model.CacheSize,
				"rate_limit":         cfg.RateLimit.Default,
				"rate_limit_window":  cfg.RateLimit.Window.String(),
				"metrics":            cfg.Monitoring.EnableMetrics,
			})
		},
	})
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := services.LoadConfig()
	defer setupLogging(cfg).Close()

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		return err
	}

	flush, err := setupSentry(cfg)
	if err != nil {
		slog.Error("Failed to initialize Sentry", "error", err)
		return err
	}
	defer flush()

	server := services.NewServer(cfg)

	if cfg.Database.DSN() != "" {
		db, err := openDatabase(cfg)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			return err
		}
		repo := repository.NewGORMRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			slog.Error("Failed to migrate database", "error", err)
			return err
		}
		if cfg.Database.Seed {
			seeder := services.NewDatabaseSeeder(repo, cfg.Model.Default, cfg.DefaultParams())
			if err := seeder.SeedDatabase(cmd.Context()); err != nil {
				slog.Error("Failed to seed database", "error", err)
			}
		}
		server.SetDatabase(repo, db)
	} else {
		slog.Warn("Database URL not configured, running without database")
	}

	if err := server.InitializeServices(cmd.Context()); err != nil {
		slog.Error("Failed to initialize services", "error", err)
		return err
	}
	server.Start()
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg := services.LoadConfig()
	defer setupLogging(cfg).Close()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	if err := repository.NewGORMRepository(db).AutoMigrate(); err != nil {
		return err
	}
	slog.Info("Migrations applied")
	return nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg := services.LoadConfig()
	defer setupLogging(cfg).Close()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	repo := repository.NewGORMRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		return err
	}
	return services.NewDatabaseSeeder(repo, cfg.Model.Default, cfg.DefaultParams()).SeedDatabase(cmd.Context())
}
