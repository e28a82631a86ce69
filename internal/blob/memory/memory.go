// Package memory is an in-process blob store, used by tests and by the
// memory storage profile.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/markersync/markersync/internal/blob"
	"github.com/markersync/markersync/pkg/core"
)

type object struct {
	data        []byte
	contentType string
}

// Store keeps blobs in a map. PutErr and DeleteErr, when set, are returned
// by the next calls to simulate an unreachable store.
type Store struct {
	mu      sync.Mutex
	objects map[string]object
	baseURL string
	bucket  string

	PutErr    error
	DeleteErr error
}

var (
	_ blob.Store  = (*Store)(nil)
	_ blob.Opener = (*Store)(nil)
)

// New creates an empty store.
func New(baseURL, bucket string) *Store {
	return &Store{objects: make(map[string]object), baseURL: baseURL, bucket: bucket}
}

func (s *Store) Put(ctx context.Context, p string, data []byte, contentType string) error {
	clean, err := blob.CleanPath(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return core.Transport("put blob", s.PutErr)
	}
	if err := ctx.Err(); err != nil {
		return core.Transport("put blob", err)
	}
	if _, ok := s.objects[clean]; ok {
		return fmt.Errorf("%w: %s", blob.ErrExists, p)
	}
	s.objects[clean] = object{data: bytes.Clone(data), contentType: contentType}
	return nil
}

func (s *Store) Open(ctx context.Context, p string) (io.ReadCloser, string, error) {
	clean, err := blob.CleanPath(p)
	if err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[clean]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", blob.ErrNotFound, p)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.contentType, nil
}

func (s *Store) Delete(ctx context.Context, p string) error {
	clean, err := blob.CleanPath(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return core.Transport("delete blob", s.DeleteErr)
	}
	delete(s.objects, clean)
	return nil
}

func (s *Store) URLFor(p string) string {
	return blob.PublicURL(s.baseURL, s.bucket, p)
}

// SetFailures swaps the injected errors under the store lock.
func (s *Store) SetFailures(putErr, deleteErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PutErr = putErr
	s.DeleteErr = deleteErr
}

// Has reports whether p is stored.
func (s *Store) Has(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[p]
	return ok
}

// Paths lists every stored path in lexical order.
func (s *Store) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
