package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/markersync/markersync/internal/api"
	"github.com/markersync/markersync/internal/blob/local"
	blobmemory "github.com/markersync/markersync/internal/blob/memory"
	"github.com/markersync/markersync/internal/config"
	"github.com/markersync/markersync/internal/database"
	"github.com/markersync/markersync/internal/storage"
	"github.com/markersync/markersync/internal/storage/memory"
	pgstorage "github.com/markersync/markersync/internal/storage/postgres"
	sqlitestorage "github.com/markersync/markersync/internal/storage/sqlite"
)

func createStorageBackend(storageCfg config.StorageConfig, dbCfg config.DBConfig, dbManager *database.Manager, pub storage.Publisher, logger *slog.Logger) (storage.Backend, error) {
	switch storageCfg.Type {
	case "postgres":
		logger.Info("Postgres storage backend initialized", "host", dbCfg.Host)
		return pgstorage.New(pgstorage.Dependencies{
			Config:    dbCfg,
			DBManager: dbManager,
			Publisher: pub,
			Logger:    logger,
		}), nil

	case "sqlite":
		backend, err := sqlitestorage.New(storageCfg.SQLite, dbManager, pub, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite backend: %w", err)
		}
		logger.Info("SQLite storage backend initialized", "path", storageCfg.SQLite.Path)
		return backend, nil

	case "memory":
		logger.Info("Memory storage backend initialized", "snapshot", storageCfg.Memory.SnapshotPath)
		return memory.New(storageCfg.Memory, pub), nil

	default:
		return nil, fmt.Errorf("unknown storage type %q", storageCfg.Type)
	}
}

func createBlobStore(blobCfg config.BlobConfig, logger *slog.Logger) (api.BlobBackend, error) {
	switch blobCfg.Type {
	case "local":
		store, err := local.New(blobCfg.Dir, blobCfg.PublicBaseURL, blobCfg.Bucket, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create local blob store: %w", err)
		}
		logger.Info("Local blob store initialized", "dir", blobCfg.Dir)
		return store, nil

	case "memory":
		logger.Info("Memory blob store initialized")
		return blobmemory.New(blobCfg.PublicBaseURL, blobCfg.Bucket), nil

	default:
		return nil, fmt.Errorf("unknown blob store type %q", blobCfg.Type)
	}
}

// httpToWS converts an HTTP(S) URL to a WebSocket URL.
func httpToWS(httpURL string) string {
	s := strings.TrimRight(httpURL, "/")
	s = strings.Replace(s, "https://", "wss://", 1)
	s = strings.Replace(s, "http://", "ws://", 1)
	return s
}
