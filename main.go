package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wayl-ai/wayl/services"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging writes JSON logs to stdout and to a rotating file under LOG_DIR.
func setupLogging(cfg *services.Config) io.Closer {
	level := slog.LevelInfo
	if cfg.Server.Debug {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(nil)
	if cfg.Server.LogDir != "" {
		if err := os.MkdirAll(cfg.Server.LogDir, 0o755); err != nil {
			slog.Warn("Log directory unavailable, logging to stdout only", "dir", cfg.Server.LogDir, "error", err)
		} else {
			file := &lumberjack.Logger{
				Filename:   filepath.Join(cfg.Server.LogDir, logFileName(cfg.Server.AppName)),
				MaxSize:    10,
				MaxBackups: 5,
			}
			out = io.MultiWriter(os.Stdout, file)
			closer = file
		}
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})))
	return closer
}

func logFileName(app string) string {
	name := strings.ToLower(strings.Join(strings.Fields(app), "_"))
	if name == "" {
		name = "wayl"
	}
	return name + ".log"
}

// setupSentry enables error reporting when SENTRY_DSN is set. The returned
// func flushes pending events.
func setupSentry(cfg *services.Config) (func(), error) {
	if cfg.Monitoring.SentryDSN == "" {
		return func() {}, nil
	}
	env := cfg.Server.Environment
	if env == "" {
		env = "production"
		if cfg.Server.Debug {
			env = "development"
		}
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.Monitoring.SentryDSN,
		Environment:      env,
		TracesSampleRate: 0.1,
	}); err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	slog.Info("Sentry initialized", "environment", env)
	return func() { sentry.Flush(2 * time.Second) }, nil
}

func gormLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Silent
	}
}

func openDatabase(cfg *services.Config) (*gorm.DB, error) {
	dsn := cfg.Database.DSN()
	if dsn == "" {
		return nil, fmt.Errorf("database not configured: set DATABASE_URL or POSTGRES_USER/POSTGRES_DB")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(cfg.Database.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	slog.Info("Connected to database")
	return db, nil
}
