// Command litebase runs the SQLite-backed application server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/litebase-eu/litebase/internal/api"
	"github.com/litebase-eu/litebase/internal/auth"
	"github.com/litebase-eu/litebase/internal/config"
	"github.com/litebase-eu/litebase/internal/observability"
	"github.com/litebase-eu/litebase/internal/realtime"
	"github.com/litebase-eu/litebase/internal/records"
	"github.com/litebase-eu/litebase/internal/runtime"
	"github.com/litebase-eu/litebase/internal/schema"
	"github.com/litebase-eu/litebase/internal/sqlite"
)

// Exit codes taxonomize init failures.
const (
	exitConfig    = 2
	exitMigration = 3
	exitIO        = 4
	exitSchema    = 5
	exitScript    = 6
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var configPath string
	root := &cobra.Command{
		Use:           "litebase",
		Short:         "SQLite-backed application server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "litebase.yaml", "path to the config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	})

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("Fatal")
		os.Exit(exitCodeFor(err))
	}
}

type initError struct {
	code int
	err  error
}

func (e *initError) Error() string { return e.err.Error() }
func (e *initError) Unwrap() error { return e.err }

func failWith(code int, err error) error {
	return &initError{code: code, err: err}
}

func exitCodeFor(err error) int {
	if ie, ok := err.(*initError); ok {
		return ie.code
	}
	return 1
}

func serve(configPath string) error {
	// .env values feed the LITEBASE_* viper overrides.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return failWith(exitConfig, err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return failWith(exitIO, fmt.Errorf("failed to create data dir: %w", err))
	}

	if err := sqlite.ApplyMigrations(cfg.Database.MainPath, cfg.Database.MigrationsDir); err != nil {
		return failWith(exitMigration, err)
	}

	conn, err := sqlite.Open(cfg.Database.MainPath)
	if err != nil {
		return failWith(exitIO, err)
	}
	defer func() { _ = conn.Close() }()

	logsConn, err := sqlite.Open(cfg.Database.LogsPath)
	if err != nil {
		return failWith(exitIO, err)
	}
	defer func() { _ = logsConn.Close() }()

	if err := bootstrapSchema(conn); err != nil {
		return failWith(exitSchema, err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	conn.SetMetrics(metrics)
	logsConn.SetMetrics(metrics)

	store := config.NewStore(cfg)
	cache := schema.NewCache(conn)
	apiRegistry := records.NewRegistry(store, cache)
	codec, err := records.NewCursorCodec()
	if err != nil {
		return failWith(exitIO, err)
	}
	service := records.NewService(conn, apiRegistry, codec, cfg.List)
	manager := realtime.NewManager(conn, cache, apiRegistry)
	manager.SetMetrics(metrics)

	pool, err := startRuntime(cfg, conn, metrics)
	if err != nil {
		return failWith(exitScript, err)
	}

	requestLogger, err := api.RequestLogger(logsConn)
	if err != nil {
		return failWith(exitSchema, err)
	}

	validator := auth.NewValidator([]byte(cfg.Auth.JWTSecret))
	server := api.NewServer(service, manager, pool, validator, registry, requestLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Watch(ctx, configPath); err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Listen(cfg.Server.Address)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		return server.Shutdown()
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

// bootstrapSchema creates the internal tables the record core relies on.
func bootstrapSchema(conn *sqlite.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := conn.Execute(ctx, `CREATE TABLE IF NOT EXISTS _user (
		id    BLOB PRIMARY KEY NOT NULL,
		email TEXT UNIQUE,
		created INTEGER DEFAULT (unixepoch())
	)`)
	return err
}

// startRuntime boots the isolate pool and loads every user module from the
// scripts directory in name order.
func startRuntime(cfg *config.Config, conn *sqlite.Conn, metrics *observability.Metrics) (*runtime.Pool, error) {
	pool := runtime.Global(cfg.Runtime.Workers, cfg.Runtime.Timeout)
	pool.SetMetrics(metrics)
	pool.SetConn(conn)

	if err := runtime.WriteUserAssets(cfg.DataDir); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(cfg.Runtime.ScriptsDir)
	if os.IsNotExist(err) {
		return pool, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".js") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	loadCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, name := range names {
		source, err := os.ReadFile(filepath.Join(cfg.Runtime.ScriptsDir, name))
		if err != nil {
			return nil, err
		}
		if err := pool.LoadModule(loadCtx, name, string(source)); err != nil {
			return nil, fmt.Errorf("script %s: %w", name, err)
		}
		log.Info().Str("script", name).Msg("Loaded user module")
	}
	return pool, nil
}
