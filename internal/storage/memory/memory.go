// internal/storage/memory/memory.go
package memory

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/markersync/markersync/internal/config"
	"github.com/markersync/markersync/internal/replica"
	"github.com/markersync/markersync/internal/storage"
	"github.com/markersync/markersync/pkg/core"
)

// Backend stores records in memory and optionally snapshots them to a JSON
// file on Close, loading the snapshot again on Init.
type Backend struct {
	cfg     config.MemoryConfig
	pub     storage.Publisher
	clock   *storage.Clock
	records map[string]core.Record
	mu      sync.RWMutex
}

var _ storage.Backend = (*Backend)(nil)

// New creates a new memory backend. pub may be nil.
func New(cfg config.MemoryConfig, pub storage.Publisher) *Backend {
	if pub == nil {
		pub = storage.NopPublisher
	}
	return &Backend{
		cfg:     cfg,
		pub:     pub,
		clock:   storage.NewClock(nil),
		records: make(map[string]core.Record),
	}
}

// Init loads the snapshot if one is configured and present.
func (b *Backend) Init() error {
	if b.cfg.SnapshotPath == "" {
		return nil
	}
	recs, err := readSnapshot(b.cfg.SnapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range recs {
		b.records[rec.ID] = rec
		b.clock.Observe(rec.Version())
	}
	return nil
}

// Close writes the snapshot if one is configured.
func (b *Backend) Close() error {
	if b.cfg.SnapshotPath == "" {
		return nil
	}
	b.mu.RLock()
	recs := make([]core.Record, 0, len(b.records))
	for _, rec := range b.records {
		recs = append(recs, rec)
	}
	b.mu.RUnlock()

	replica.SortNewestFirst(recs)
	return writeSnapshot(b.cfg.SnapshotPath, recs)
}

// Query returns every record matching pred, newest first.
func (b *Backend) Query(_ context.Context, pred core.Predicate) ([]core.Record, error) {
	b.mu.RLock()
	out := make([]core.Record, 0, len(b.records))
	for _, rec := range b.records {
		if pred.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	b.mu.RUnlock()

	replica.SortNewestFirst(out)
	return out, nil
}

// Get returns the record with the given id.
func (b *Backend) Get(_ context.Context, id string) (core.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[id]
	if !ok {
		return core.Record{}, fmt.Errorf("record %s: %w", id, core.ErrNotFound)
	}
	return rec.Clone(), nil
}

// Insert stores a new record. Inserting an existing id is a validation failure.
// Events are published under the lock so per-record order is preserved.
func (b *Backend) Insert(_ context.Context, rec core.Record) (core.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.records[rec.ID]; exists {
		return core.Record{}, core.Validation("id", fmt.Sprintf("%s already exists", rec.ID))
	}
	stored, err := storage.PrepareInsert(rec, b.clock.Next())
	if err != nil {
		return core.Record{}, err
	}
	b.records[stored.ID] = stored
	b.pub.Publish(core.InsertEvent(stored))
	return stored.Clone(), nil
}

// Update applies patch to an existing record.
func (b *Backend) Update(_ context.Context, id string, patch core.Patch) (core.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.records[id]
	if !ok {
		return core.Record{}, fmt.Errorf("record %s: %w", id, core.ErrNotFound)
	}
	next, err := storage.PrepareUpdate(current, patch, b.clock.Next())
	if err != nil {
		return core.Record{}, err
	}
	b.records[id] = next
	b.pub.Publish(core.UpdateEvent(current, next))
	return next.Clone(), nil
}

// Delete removes a record. Missing ids are ignored.
func (b *Backend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.records[id]
	if !ok {
		return nil
	}
	delete(b.records, id)
	b.pub.Publish(core.DeleteEvent(current))
	return nil
}

func readSnapshot(path string) ([]core.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip snapshot: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var recs []core.Record
	if err := json.NewDecoder(r).Decode(&recs); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return recs, nil
}

func writeSnapshot(path string, recs []core.Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if err := json.NewEncoder(w).Encode(recs); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to flush gzip snapshot: %w", err)
		}
	}
	return nil
}
