// Package sqlitestorage implements the storage.Backend interface using SQLite.
// It wraps the GORM backend via composition; the only SQLite-specific concerns
// are opening the database and, for in-memory databases, periodic disk dumps
// via VACUUM INTO.
package sqlitestorage

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/markersync/markersync/internal/config"
	"github.com/markersync/markersync/internal/database"
	"github.com/markersync/markersync/internal/storage"
	gormstorage "github.com/markersync/markersync/internal/storage/gorm"

	"gorm.io/gorm"
)

// Backend wraps the GORM backend for SQLite-specific behavior.
type Backend struct {
	*gormstorage.Backend
	db        *gorm.DB
	cfg       config.SQLiteConfig
	dbManager *database.Manager
	log       *slog.Logger
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

var _ storage.Backend = (*Backend)(nil)

// New opens the SQLite database described by cfg.
func New(cfg config.SQLiteConfig, dbManager *database.Manager, pub storage.Publisher, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := dbManager.OpenSqlite(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite DB: %w", err)
	}

	return &Backend{
		Backend: gormstorage.New(gormstorage.Dependencies{
			DB:        db,
			Publisher: pub,
			Logger:    logger,
		}),
		db:        db,
		cfg:       cfg,
		dbManager: dbManager,
		log:       logger,
		stopChan:  make(chan struct{}),
	}, nil
}

// Init initializes the embedded GORM backend and starts the dump goroutine.
func (b *Backend) Init() error {
	if err := b.Backend.Init(); err != nil {
		return err
	}

	if b.cfg.Path == "" && b.cfg.DumpPath != "" && b.cfg.DumpInterval > 0 {
		b.wg.Add(1)
		go b.dumpLoop()
	}

	return nil
}

// Close stops the dump goroutine, writes a final dump and closes the database.
func (b *Backend) Close() error {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()

	if b.cfg.Path == "" && b.cfg.DumpPath != "" {
		if err := b.dbManager.DumpMemoryDBToDisk(b.db, b.cfg.DumpPath); err != nil {
			b.log.Error("Final dump to disk failed", "error", err)
		}
	}

	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// dumpLoop periodically dumps the in-memory SQLite database to disk via VACUUM INTO.
// VACUUM INTO creates a point-in-time snapshot, so no pause mechanism is needed.
func (b *Backend) dumpLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			start := time.Now()
			if err := b.dbManager.DumpMemoryDBToDisk(b.db, b.cfg.DumpPath); err != nil {
				b.log.Error("Error dumping to disk", "error", err)
			} else {
				b.log.Debug("Dumped to disk", "duration", time.Since(start))
			}
		}
	}
}
