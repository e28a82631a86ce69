package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/markersync/markersync/internal/blob"
	"github.com/markersync/markersync/internal/feed"
	"github.com/markersync/markersync/internal/feed/websocket"
	"github.com/markersync/markersync/internal/session"
	"github.com/markersync/markersync/internal/storage"
	"github.com/markersync/markersync/pkg/core"
)

// BlobBackend is a blob store that can also serve payloads back.
type BlobBackend interface {
	blob.Store
	blob.Opener
}

// ServerConfig holds the collaborators of a Server.
type ServerConfig struct {
	Store       storage.RecordStore
	Blobs       BlobBackend
	Bucket      string
	MaxBlobSize int64
	Feed        feed.Transport
	Secret      []byte
	Logger      *slog.Logger
}

// Server exposes the record store, the blob store and the change feed over
// HTTP. Visibility and ownership are enforced here for every request.
type Server struct {
	cfg    ServerConfig
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewServer creates a Server and registers its routes.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBlobSize <= 0 {
		cfg.MaxBlobSize = 10 << 20
	}
	s := &Server{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		logger: cfg.Logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.mux.HandleFunc("GET /records", s.handleListRecords)
	s.mux.HandleFunc("POST /records", s.handleCreateRecord)
	s.mux.HandleFunc("GET /records/{id}", s.handleGetRecord)
	s.mux.HandleFunc("PATCH /records/{id}", s.handleUpdateRecord)
	s.mux.HandleFunc("DELETE /records/{id}", s.handleDeleteRecord)
	s.mux.HandleFunc("GET /blobs/{bucket}/{path...}", s.handleGetBlob)
	s.mux.HandleFunc("PUT /blobs/{bucket}/{path...}", s.handlePutBlob)
	s.mux.HandleFunc("DELETE /blobs/{bucket}/{path...}", s.handleDeleteBlob)
	if s.cfg.Feed != nil {
		s.mux.Handle("GET /feed", websocket.NewHandler(s.cfg.Feed, s.viewer, s.logger))
	}
}

// statusRecorder wraps http.ResponseWriter to capture the written status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the feed upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestLogger(s.logger, s.mux).ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.logger.Info("starting server", "addr", addr)
	srv := &http.Server{
		Addr:        addr,
		Handler:     s,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

// viewer resolves the caller from a Bearer header or an access_token query
// parameter. No token means anonymous; a bad token is ErrAuthExpired.
func (s *Server) viewer(r *http.Request) (core.Viewer, error) {
	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		var ok bool
		token, ok = strings.CutPrefix(h, "Bearer ")
		if !ok {
			return core.Viewer{}, fmt.Errorf("%w: unsupported authorization scheme", core.ErrAuthExpired)
		}
	} else {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return core.Anonymous(), nil
	}
	return session.VerifyToken(s.cfg.Secret, token)
}

// signedIn is viewer plus the requirement that someone is signed in.
func (s *Server) signedIn(r *http.Request) (core.Viewer, error) {
	v, err := s.viewer(r)
	if err != nil {
		return core.Viewer{}, err
	}
	if v.IsAnonymous() {
		return core.Viewer{}, fmt.Errorf("%w: sign in required", core.ErrAuthExpired)
	}
	return v, nil
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	v, err := s.viewer(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	recs, err := s.cfg.Store.Query(r.Context(), core.PredicateFor(v))
	if err != nil {
		s.writeError(w, core.Transport("query records", err))
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	v, err := s.viewer(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id := r.PathValue("id")
	rec, err := s.cfg.Store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Invisible records are indistinguishable from missing ones.
	if !v.CanSee(rec) {
		s.writeError(w, fmt.Errorf("record %s: %w", id, core.ErrNotFound))
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	v, err := s.signedIn(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var rec core.Record
	if err := decodeJSON(r, &rec); err != nil {
		s.writeError(w, err)
		return
	}
	switch {
	case rec.OwnerID == "":
		rec.OwnerID = v.ID
	case rec.OwnerID != v.ID && !v.Admin:
		s.writeError(w, fmt.Errorf("create for %s: %w", rec.OwnerID, core.ErrForbidden))
		return
	}
	stored, err := s.cfg.Store.Insert(r.Context(), rec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.owned(r, id); err != nil {
		s.writeError(w, err)
		return
	}
	var req PatchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	patch, err := req.Patch()
	if err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := s.cfg.Store.Update(r.Context(), id, patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_, err := s.owned(r, id)
	if errors.Is(err, core.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.cfg.Store.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// owned loads id and checks the signed-in caller may mutate it.
func (s *Server) owned(r *http.Request, id string) (core.Record, error) {
	v, err := s.signedIn(r)
	if err != nil {
		return core.Record{}, err
	}
	rec, err := s.cfg.Store.Get(r.Context(), id)
	if err != nil {
		return core.Record{}, err
	}
	if !v.Owns(rec) {
		if !v.CanSee(rec) {
			return core.Record{}, fmt.Errorf("record %s: %w", id, core.ErrNotFound)
		}
		return core.Record{}, fmt.Errorf("record %s: %w", id, core.ErrForbidden)
	}
	return rec, nil
}

// blobPath validates the bucket and path of a blob route.
func (s *Server) blobPath(r *http.Request) (string, error) {
	if s.cfg.Blobs == nil {
		return "", fmt.Errorf("blob store: %w", core.ErrNotFound)
	}
	if r.PathValue("bucket") != s.cfg.Bucket {
		return "", fmt.Errorf("bucket %s: %w", r.PathValue("bucket"), blob.ErrNotFound)
	}
	return blob.CleanPath(r.PathValue("path"))
}

// scoped checks that the caller writes inside its own scope folder.
func (s *Server) scoped(r *http.Request) (string, error) {
	v, err := s.signedIn(r)
	if err != nil {
		return "", err
	}
	p, err := s.blobPath(r)
	if err != nil {
		return "", err
	}
	scope, _, _ := strings.Cut(p, "/")
	if scope != v.ID && !v.Admin {
		return "", fmt.Errorf("blob %s: %w", p, core.ErrForbidden)
	}
	return p, nil
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	p, err := s.blobPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rc, contentType, err := s.cfg.Blobs.Open(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("Blob write interrupted", "path", p, "error", err)
	}
}

func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	p, err := s.scoped(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBlobSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, core.Validation("attachment", fmt.Sprintf("larger than %d bytes", s.cfg.MaxBlobSize)))
			return
		}
		s.writeError(w, core.Transport("read blob", err))
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = blob.ContentTypeForPath(p)
	}
	if err := s.cfg.Blobs.Put(r.Context(), p, data, contentType); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, BlobResponse{Path: p, URL: s.cfg.Blobs.URLFor(p)})
}

func (s *Server) handleDeleteBlob(w http.ResponseWriter, r *http.Request) {
	p, err := s.scoped(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.cfg.Blobs.Delete(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return core.Validation("body", err.Error())
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
