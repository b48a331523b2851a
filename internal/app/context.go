// Package app wires the process: database, ledger client, sync queue,
// engine, and sweeper, from one settings struct.
package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"punchcard/internal/cache"
	"punchcard/internal/config"
	"punchcard/internal/db"
	"punchcard/internal/engine"
	"punchcard/internal/ledger"
	"punchcard/internal/migrate"
	"punchcard/internal/retry"
	"punchcard/internal/sweep"
	"punchcard/internal/syncer"
)

type App struct {
	DB      *sql.DB
	Engine  *engine.Engine
	Sweeper *sweep.Sweeper
	Queue   *syncer.Queue
	Log     *slog.Logger
}

// NewLogger builds the process logger. Level comes from PUNCHCARD_LOG_LEVEL.
func NewLogger() *slog.Logger {
	level := slog.LevelInfo
	if v := os.Getenv("PUNCHCARD_LOG_LEVEL"); v != "" {
		_ = level.UnmarshalText([]byte(v))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// New opens the workspace database, runs migrations, and wires the engine
// with its ledger plumbing. The ledger client is only constructed when
// service-account credentials are configured; without them the engine runs
// store-only and finalized totals stay local.
func New(settings *config.Settings, log *slog.Logger) (*App, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: settings.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(conn, settings, log)
	a := &App{DB: conn, Engine: e, Log: log}

	if settings.Ledger.PrivateKeyPath != "" {
		tokens, err := ledger.NewTokenSource(settings.Ledger.TokenURL, settings.Ledger.ServiceAccountEmail, settings.Ledger.PrivateKeyPath)
		if err != nil {
			conn.Close()
			return nil, err
		}
		api := ledger.NewClient(settings.Ledger.BaseURL, tokens, log)
		rows := cache.New[string, int](settings.Cache.RowTTL)
		e.API = api
		e.Directory = ledger.NewDirectory(api, rows, log)
		a.Queue = syncer.New(api, syncer.Options{
			BatchSize:     settings.Sync.BatchSize,
			DrainInterval: settings.Sync.DrainInterval,
			Retry: retry.Policy{
				Attempts: settings.Sync.RetryAttempts,
				BaseWait: settings.Sync.RetryBaseWait,
				Factor:   settings.Sync.RetryFactor,
			},
			Report: e.HandleOutcome,
		}, log)
		e.Queue = a.Queue
	} else {
		log.Warn("no ledger credentials configured, running store-only")
	}

	a.Sweeper = &sweep.Sweeper{Engine: e, Log: log}
	return a, nil
}

// Close releases the database. Pending sync batches are drained first.
func (a *App) Close() error {
	if a.Queue != nil {
		a.Queue.Wait()
		a.Queue.Close()
	}
	return a.DB.Close()
}
