// Package gormstorage implements storage.Backend over any gorm dialect.
// The sqlite and postgres packages wrap it with connection handling.
package gormstorage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/markersync/markersync/internal/model"
	"github.com/markersync/markersync/internal/model/convert"
	"github.com/markersync/markersync/internal/replica"
	"github.com/markersync/markersync/internal/storage"
	"github.com/markersync/markersync/pkg/core"

	"gorm.io/gorm"
)

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB        *gorm.DB
	Publisher storage.Publisher
	Logger    *slog.Logger
}

// Backend implements storage.Backend with one row per record.
type Backend struct {
	deps  Dependencies
	clock *storage.Clock

	// writes are serialized so published events keep per-record order
	mu sync.Mutex
}

var _ storage.Backend = (*Backend)(nil)

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.Publisher == nil {
		deps.Publisher = storage.NopPublisher
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Backend{
		deps:  deps,
		clock: storage.NewClock(nil),
	}
}

// Init migrates the schema and resumes the clock after the newest stored row.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		return errors.New("gorm storage: no database")
	}
	if err := b.deps.DB.AutoMigrate(model.DatabaseModels...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	var latest model.Marker
	err := b.deps.DB.Order("updated_at desc").Limit(1).Find(&latest).Error
	if err != nil {
		return fmt.Errorf("failed to read latest marker: %w", err)
	}
	if latest.ID != "" {
		b.clock.Observe(latest.UpdatedAt)
	}
	b.deps.Logger.Debug("gorm storage ready", "dialect", b.deps.DB.Dialector.Name())
	return nil
}

// Close is a no-op; the connection belongs to the caller.
func (b *Backend) Close() error {
	return nil
}

// DB exposes the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.deps.DB
}

// Query returns every record matching pred, newest first.
func (b *Backend) Query(ctx context.Context, pred core.Predicate) ([]core.Record, error) {
	q := b.deps.DB.WithContext(ctx).Model(&model.Marker{})
	switch {
	case pred.All:
	case pred.OwnerID != "" && pred.IncludePublic:
		q = q.Where("owner_id = ? OR visibility = ?", pred.OwnerID, string(core.Public))
	case pred.OwnerID != "":
		q = q.Where("owner_id = ?", pred.OwnerID)
	case pred.IncludePublic:
		q = q.Where("visibility = ?", string(core.Public))
	default:
		return []core.Record{}, nil
	}

	var rows []model.Marker
	if err := q.Order("created_at desc, id asc").Find(&rows).Error; err != nil {
		return nil, core.Transport("query markers", err)
	}
	recs, err := convert.MarkersToCore(rows)
	if err != nil {
		return nil, err
	}
	replica.SortNewestFirst(recs)
	return recs, nil
}

// Get returns the record with the given id.
func (b *Backend) Get(ctx context.Context, id string) (core.Record, error) {
	row, err := b.find(ctx, id)
	if err != nil {
		return core.Record{}, err
	}
	return convert.MarkerToCore(row)
}

// Insert stores a new record under its client-generated id.
func (b *Backend) Insert(ctx context.Context, rec core.Record) (core.Record, error) {
	if err := rec.Validate(); err != nil {
		return core.Record{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.find(ctx, rec.ID); err == nil {
		return core.Record{}, core.Validation("id", fmt.Sprintf("%s already exists", rec.ID))
	} else if !errors.Is(err, core.ErrNotFound) {
		return core.Record{}, err
	}

	stored, err := storage.PrepareInsert(rec, b.clock.Next())
	if err != nil {
		return core.Record{}, err
	}
	row := convert.CoreToMarker(stored)
	if err := b.deps.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return core.Record{}, core.Transport("insert marker", err)
	}

	b.deps.Publisher.Publish(core.InsertEvent(stored))
	return stored, nil
}

// Update applies patch to an existing record.
func (b *Backend) Update(ctx context.Context, id string, patch core.Patch) (core.Record, error) {
	if err := patch.Validate(); err != nil {
		return core.Record{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	row, err := b.find(ctx, id)
	if err != nil {
		return core.Record{}, err
	}
	current, err := convert.MarkerToCore(row)
	if err != nil {
		return core.Record{}, err
	}
	next, err := storage.PrepareUpdate(current, patch, b.clock.Next())
	if err != nil {
		return core.Record{}, err
	}

	updated := convert.CoreToMarker(next)
	if err := b.deps.DB.WithContext(ctx).Save(&updated).Error; err != nil {
		return core.Record{}, core.Transport("update marker", err)
	}

	b.deps.Publisher.Publish(core.UpdateEvent(current, next))
	return next, nil
}

// Delete removes a record. Missing ids are ignored.
func (b *Backend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	row, err := b.find(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := b.deps.DB.WithContext(ctx).Delete(&model.Marker{}, "id = ?", id).Error; err != nil {
		return core.Transport("delete marker", err)
	}

	current, err := convert.MarkerToCore(row)
	if err != nil {
		b.deps.Logger.Warn("deleted marker with unreadable row", "id", id, "error", err)
		current = core.Record{ID: id, OwnerID: row.OwnerID, Visibility: core.Visibility(row.Visibility)}
	}
	b.deps.Publisher.Publish(core.DeleteEvent(current))
	return nil
}

// Count returns the number of stored rows.
func (b *Backend) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := b.deps.DB.WithContext(ctx).Model(&model.Marker{}).Count(&n).Error; err != nil {
		return 0, core.Transport("count markers", err)
	}
	return n, nil
}

func (b *Backend) find(ctx context.Context, id string) (model.Marker, error) {
	var row model.Marker
	err := b.deps.DB.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Marker{}, fmt.Errorf("record %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return model.Marker{}, core.Transport("find marker", err)
	}
	return row, nil
}
