// Package attachment uploads, links and releases record attachment blobs so
// that a failed step never leaves an unlinked blob or a dangling reference.
package attachment

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/markersync/markersync/internal/blob"
	"github.com/markersync/markersync/pkg/core"
)

// DefaultMaxSize is the largest accepted payload.
const DefaultMaxSize = 10 << 20

const defaultExt = ".jpg"

// Blob is a payload about to be attached.
type Blob struct {
	Data        []byte
	ContentType string
	// Name is the original file name, used for its extension only.
	Name string
}

// LinkFunc commits ref into the owning record.
type LinkFunc func(ctx context.Context, ref core.AttachmentRef) error

// Manager runs the attach and detach protocol against a blob store.
type Manager struct {
	store   blob.Store
	maxSize int64
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxSize overrides DefaultMaxSize.
func WithMaxSize(n int64) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxSize = n
		}
	}
}

// WithClock overrides the clock used for path timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger for best-effort failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// New creates a Manager over store.
func New(store blob.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		maxSize: DefaultMaxSize,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Validate checks b without touching the store.
func (m *Manager) Validate(b Blob) error {
	if len(b.Data) == 0 {
		return core.Validation("attachment", "empty payload")
	}
	if int64(len(b.Data)) > m.maxSize {
		return core.Validation("attachment", fmt.Sprintf("larger than %d bytes", m.maxSize))
	}
	if !strings.HasPrefix(strings.ToLower(b.ContentType), "image/") {
		return core.Validation("attachment", fmt.Sprintf("content type %q is not an image", b.ContentType))
	}
	return nil
}

// Attach uploads b under a fresh path below scope, links it through link
// and then releases previous. When link fails the fresh blob is deleted
// before the error is returned. Failing to release previous is only logged.
func (m *Manager) Attach(ctx context.Context, scope string, b Blob, previous *core.AttachmentRef, link LinkFunc) (core.AttachmentRef, error) {
	if err := m.Validate(b); err != nil {
		return core.AttachmentRef{}, err
	}
	p, err := m.newPath(scope, b)
	if err != nil {
		return core.AttachmentRef{}, err
	}

	if err := m.store.Put(ctx, p, b.Data, b.ContentType); err != nil {
		return core.AttachmentRef{}, fmt.Errorf("upload attachment: %w", err)
	}
	ref := core.AttachmentRef{Path: p, URL: m.store.URLFor(p)}

	if err := link(ctx, ref); err != nil {
		// The caller's context may be the reason link failed.
		if derr := m.store.Delete(context.WithoutCancel(ctx), p); derr != nil {
			m.logger.Error("Failed to roll back attachment upload", "path", p, "error", derr)
		}
		return core.AttachmentRef{}, err
	}

	if previous != nil && previous.Path != "" && previous.Path != p {
		m.Detach(ctx, *previous)
	}
	return ref, nil
}

// Detach deletes ref's blob, logging instead of returning failures.
func (m *Manager) Detach(ctx context.Context, ref core.AttachmentRef) {
	if ref.Path == "" {
		return
	}
	if err := m.store.Delete(context.WithoutCancel(ctx), ref.Path); err != nil {
		m.logger.Warn("Failed to delete released attachment", "path", ref.Path, "error", err)
	}
}

// newPath builds <scope>/<unix-millis>-<uuid><ext>.
func (m *Manager) newPath(scope string, b Blob) (string, error) {
	if scope == "" {
		scope = "anonymous"
	}
	ext := blob.ExtForContentType(b.ContentType)
	if ext == "" {
		ext = strings.ToLower(path.Ext(b.Name))
	}
	if ext == "" {
		ext = defaultExt
	}
	p := fmt.Sprintf("%s/%d-%s%s", scope, m.now().UnixMilli(), uuid.NewString(), ext)
	clean, err := blob.CleanPath(p)
	if err != nil {
		return "", core.Validation("attachment scope", err.Error())
	}
	return clean, nil
}
