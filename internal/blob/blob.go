// Package blob defines the attachment blob store boundary.
package blob

import (
	"context"
	"errors"
	"io"
	"net/url"
	"path"
	"strings"
)

var (
	// ErrExists is returned by Put when the path is already taken.
	ErrExists = errors.New("blob already exists")

	// ErrInvalidPath is returned for empty, absolute or traversing paths.
	ErrInvalidPath = errors.New("invalid blob path")

	// ErrNotFound is returned by Open for a missing path.
	ErrNotFound = errors.New("blob not found")
)

// Store holds attachment payloads under slash-separated paths.
type Store interface {
	// Put writes data under p. It never overwrites an existing path.
	Put(ctx context.Context, p string, data []byte, contentType string) error

	// Delete removes p. Deleting a missing path is not an error.
	Delete(ctx context.Context, p string) error

	// URLFor returns the retrievable URL of p.
	URLFor(p string) string
}

// Opener is implemented by stores that can serve payloads back.
type Opener interface {
	Open(ctx context.Context, p string) (io.ReadCloser, string, error)
}

// CleanPath validates p and returns its canonical form.
func CleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrInvalidPath
		}
	}
	return path.Clean(p), nil
}

// PublicURL joins base, bucket and p into a public object URL, escaping
// each path segment.
func PublicURL(base, bucket, p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	out := strings.TrimRight(base, "/")
	if bucket != "" {
		out += "/" + url.PathEscape(bucket)
	}
	return out + "/" + strings.Join(segs, "/")
}

// ExtForContentType maps an image content type to a file extension.
func ExtForContentType(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	default:
		return ""
	}
}

// ContentTypeForPath guesses the content type from the extension of p.
func ContentTypeForPath(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
