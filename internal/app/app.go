// Package app wires the process-wide object graph shared by the CLI and the
// HTTP server: database, migrations, config, adapters, engine.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"stagegate/internal/adapter"
	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
)

type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Bootstrap opens the workspace database, applies migrations, loads the
// config (falling back to defaults when stagegate.yml is absent), registers
// the built-in entity adapters, and seeds catalog definitions.
func Bootstrap(ctx context.Context, workspace string) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	adapters := adapter.NewRegistry()
	adapter.RegisterDefaults(adapters, conn)

	eng := engine.New(conn, cfg, adapters)
	if err := eng.Registry.Seed(ctx, cfg.SystemActor()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed definitions: %w", err)
	}
	return &App{DB: conn, Config: cfg, Engine: eng}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
