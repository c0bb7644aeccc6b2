// Command server runs the bug tracker's realtime fan-out service: it accepts
// project subscriptions over websocket and relays project events published by
// any instance through the configured backplane.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Tyrowin/bugtracker/internal/auth"
	"github.com/Tyrowin/bugtracker/internal/backplane"
	"github.com/Tyrowin/bugtracker/internal/logger"
	"github.com/Tyrowin/bugtracker/internal/notify"
	"github.com/Tyrowin/bugtracker/internal/permission"
	"github.com/Tyrowin/bugtracker/internal/publisher"
	"github.com/Tyrowin/bugtracker/internal/registry"
	"github.com/Tyrowin/bugtracker/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var envFile, port, backplaneKind, logLevel, projectsFile string

	flagSet := pflag.NewFlagSet("server", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flagSet.StringVar(&port, "port", "", "listen address, overrides SERVER_PORT")
	flagSet.StringVar(&backplaneKind, "backplane", "", "memory or redis, overrides BACKPLANE")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error, overrides LOG_LEVEL")
	flagSet.StringVar(&projectsFile, "projects", "", "JSON project fixture for the in-memory store, overrides PROJECTS_FILE")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if err := server.LoadDotEnv(envFile); err != nil {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := server.NewConfigFromEnv()
	if port != "" {
		cfg.Port = port
	}
	if backplaneKind != "" {
		cfg.Backplane = backplaneKind
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if projectsFile != "" {
		cfg.ProjectsFile = projectsFile
	}
	*cfg = cfg.Sanitize()

	logOpts := []logger.OptionFunc{logger.OptionSetLevel(logger.ParseLevel(cfg.LogLevel))}
	if cfg.LogFile != "" {
		logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer logFile.Close()
		logOpts = append(logOpts, logger.OptionAddWriter(logFile))
	}
	log := logger.New(logOpts...)
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, db, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	bp, err := openBackplane(cfg, log)
	if err != nil {
		return err
	}

	reg := registry.New()
	pub := publisher.New(reg, bp,
		publisher.SetLogger(log),
		publisher.SetPublishTimeout(cfg.PublishTimeout),
	)
	if err := pub.Start(ctx); err != nil {
		_ = bp.Close()
		return fmt.Errorf("start publisher: %w", err)
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warnw("backplane close error", "error", err)
		}
	}()

	deps := server.Dependencies{
		Registry:  reg,
		Gate:      permission.NewGate(store, cfg.PermissionTimeout, log),
		Publisher: pub,
		Identity:  auth.NewAuthenticator(cfg.JWTSecret, log),
		Logger:    log,
	}
	if cfg.PublishToken != "" {
		deps.Events = notify.NewHandler(notify.NewNotifier(pub, log), cfg.PublishToken, log)
	} else {
		log.Info("PUBLISH_TOKEN not set; internal events endpoint disabled")
	}

	srv := server.New(*cfg, deps)
	httpServer := server.CreateServer(cfg.Port, srv.Routes())

	errServe := make(chan error, 1)
	go func() {
		if err := server.StartServer(httpServer, log); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errServe <- err
		}
	}()

	log.Infow("realtime server started", "port", cfg.Port, "backplane", cfg.Backplane)

	select {
	case err := <-errServe:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")
	_ = server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log)
	if err := srv.Hub().Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Warnw("hub shutdown incomplete", "error", err)
	}
	return nil
}

// openStore picks the Postgres project store when DATABASE_URL is set and
// otherwise an in-memory store seeded from PROJECTS_FILE.
func openStore(ctx context.Context, cfg *server.Config, log *zap.SugaredLogger) (permission.ProjectStore, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		if cfg.ProjectsFile == "" {
			log.Warn("neither DATABASE_URL nor PROJECTS_FILE is set; every subscription will be rejected")
			return permission.NewMemoryStore(), nil, nil
		}
		projects, err := permission.LoadProjectsFile(cfg.ProjectsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load %s: %w", cfg.ProjectsFile, err)
		}
		log.Infow("seeded in-memory project store", "file", cfg.ProjectsFile, "projects", len(projects))
		return permission.NewMemoryStore(projects...), nil, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	db, err := permission.OpenPostgres(pingCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return permission.NewPostgresStore(db), db, nil
}

func openBackplane(cfg *server.Config, log *zap.SugaredLogger) (backplane.Backplane, error) {
	if cfg.Backplane != server.BackplaneRedis {
		return backplane.NewMemory(), nil
	}

	pool, err := backplane.NewRedisPool(backplane.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	return backplane.NewRedis(pool,
		backplane.RedisSetChannelPrefix(cfg.RedisChannelPrefix),
		backplane.RedisSetLogger(log),
	), nil
}
