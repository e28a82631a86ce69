// Package api carries records and attachment blobs over HTTP: the Server
// in front of a storage backend and the Client the replica talks to.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/markersync/markersync/internal/blob"
	"github.com/markersync/markersync/internal/storage"
	"github.com/markersync/markersync/pkg/core"
)

// Client is a storage.RecordStore backed by a Server.
type Client struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
}

var _ storage.RecordStore = (*Client)(nil)

// New creates a new API client. token returns the current bearer token and
// may be nil for anonymous access.
func New(baseURL string, token func() string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Healthcheck checks if the server is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	return c.do(ctx, "healthcheck", http.MethodGet, "/healthcheck", nil, "", nil)
}

// Query returns the caller's visible set. The server derives the predicate
// from the token, so pred only documents what the caller expects.
func (c *Client) Query(ctx context.Context, pred core.Predicate) ([]core.Record, error) {
	var recs []core.Record
	if err := c.doJSON(ctx, "query records", http.MethodGet, "/records", nil, &recs); err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []core.Record{}
	}
	return recs, nil
}

// Get returns one record.
func (c *Client) Get(ctx context.Context, id string) (core.Record, error) {
	var rec core.Record
	err := c.doJSON(ctx, "get record", http.MethodGet, "/records/"+url.PathEscape(id), nil, &rec)
	return rec, err
}

// Insert stores rec.
func (c *Client) Insert(ctx context.Context, rec core.Record) (core.Record, error) {
	var stored core.Record
	err := c.doJSON(ctx, "insert record", http.MethodPost, "/records", rec, &stored)
	return stored, err
}

// Update applies patch to the record id.
func (c *Client) Update(ctx context.Context, id string, patch core.Patch) (core.Record, error) {
	var updated core.Record
	err := c.doJSON(ctx, "update record", http.MethodPatch, "/records/"+url.PathEscape(id), NewPatchRequest(patch), &updated)
	return updated, err
}

// Delete removes the record id.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, "delete record", http.MethodDelete, "/records/"+url.PathEscape(id), nil, "", nil)
}

// Blobs returns a blob store client for bucket.
func (c *Client) Blobs(bucket string) *BlobClient {
	return &BlobClient{c: c, bucket: bucket}
}

// BlobClient is a blob.Store backed by a Server.
type BlobClient struct {
	c      *Client
	bucket string
}

var (
	_ blob.Store  = (*BlobClient)(nil)
	_ blob.Opener = (*BlobClient)(nil)
)

func (b *BlobClient) route(p string) string {
	return blob.PublicURL("/blobs", b.bucket, p)
}

// Put uploads data under p.
func (b *BlobClient) Put(ctx context.Context, p string, data []byte, contentType string) error {
	p, err := blob.CleanPath(p)
	if err != nil {
		return err
	}
	return b.c.do(ctx, "put blob", http.MethodPut, b.route(p), bytes.NewReader(data), contentType, nil)
}

// Delete removes p.
func (b *BlobClient) Delete(ctx context.Context, p string) error {
	p, err := blob.CleanPath(p)
	if err != nil {
		return err
	}
	return b.c.do(ctx, "delete blob", http.MethodDelete, b.route(p), nil, "", nil)
}

// URLFor returns the public URL of p.
func (b *BlobClient) URLFor(p string) string {
	return blob.PublicURL(b.c.baseURL+"/blobs", b.bucket, p)
}

// Open downloads p. The caller closes the reader.
func (b *BlobClient) Open(ctx context.Context, p string) (io.ReadCloser, string, error) {
	p, err := blob.CleanPath(p)
	if err != nil {
		return nil, "", err
	}
	resp, err := b.c.send(ctx, "open blob", http.MethodGet, b.route(p), nil, "")
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, op, method, path, body, contentType, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any) error {
	resp, err := c.send(ctx, op, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.Transport(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// send performs the request and maps non-2xx responses to failure classes.
// On success the caller owns resp.Body.
func (c *Client) send(ctx context.Context, op, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.Transport(op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var e ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
	return nil, errorFor(op, resp.StatusCode, e.Error)
}
