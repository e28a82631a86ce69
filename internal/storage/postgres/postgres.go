// Package postgres implements the storage.Backend interface using GORM/PostgreSQL.
package postgres

import (
	"fmt"
	"log/slog"

	"github.com/markersync/markersync/internal/config"
	"github.com/markersync/markersync/internal/database"
	"github.com/markersync/markersync/internal/storage"
	gormstorage "github.com/markersync/markersync/internal/storage/gorm"

	"gorm.io/gorm"
)

// Dependencies holds all dependencies for the PostgreSQL storage backend.
type Dependencies struct {
	Config    config.DBConfig
	DBManager *database.Manager
	Publisher storage.Publisher
	Logger    *slog.Logger
}

// Backend connects lazily in Init and then delegates to the GORM backend.
type Backend struct {
	*gormstorage.Backend
	deps Dependencies
	db   *gorm.DB
}

var _ storage.Backend = (*Backend)(nil)

// New creates a new PostgreSQL storage backend.
func New(deps Dependencies) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Backend{deps: deps}
}

// Init connects, validates the connection and migrates the schema.
func (b *Backend) Init() error {
	db, err := b.deps.DBManager.OpenPostgres(b.deps.Config)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to access sql interface: %w", err)
	}
	if err = sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to validate connection: %w", err)
	}

	b.db = db
	b.Backend = gormstorage.New(gormstorage.Dependencies{
		DB:        db,
		Publisher: b.deps.Publisher,
		Logger:    b.deps.Logger,
	})
	return b.Backend.Init()
}

// Close closes the connection pool.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
