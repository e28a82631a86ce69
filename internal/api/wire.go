package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/markersync/markersync/internal/blob"
	"github.com/markersync/markersync/pkg/core"
)

// PatchRequest is the JSON body of PATCH /records/{id}. core.Patch cannot
// tell "clear the attachment" from "leave it" on the wire, so the two are
// spelled out.
type PatchRequest struct {
	Position        *core.Position      `json:"position,omitempty"`
	Label           *string             `json:"label,omitempty"`
	Notes           *string             `json:"notes,omitempty"`
	Visibility      *core.Visibility    `json:"visibility,omitempty"`
	Attachment      *core.AttachmentRef `json:"attachment,omitempty"`
	ClearAttachment bool                `json:"clearAttachment,omitempty"`
}

// NewPatchRequest converts p to its wire form.
func NewPatchRequest(p core.Patch) PatchRequest {
	req := PatchRequest{
		Position:   p.Position,
		Label:      p.Label,
		Notes:      p.Notes,
		Visibility: p.Visibility,
	}
	if p.Attachment != nil {
		if *p.Attachment == nil {
			req.ClearAttachment = true
		} else {
			a := **p.Attachment
			req.Attachment = &a
		}
	}
	return req
}

// Patch converts the request back to a core.Patch.
func (r PatchRequest) Patch() (core.Patch, error) {
	p := core.Patch{
		Position:   r.Position,
		Label:      r.Label,
		Notes:      r.Notes,
		Visibility: r.Visibility,
	}
	switch {
	case r.ClearAttachment && r.Attachment != nil:
		return core.Patch{}, core.Validation("attachment", "cannot set and clear at once")
	case r.ClearAttachment:
		p = p.WithAttachment(nil)
	case r.Attachment != nil:
		if _, err := blob.CleanPath(r.Attachment.Path); err != nil {
			return core.Patch{}, core.Validation("attachment.path", err.Error())
		}
		p = p.WithAttachment(r.Attachment)
	}
	return p, nil
}

// BlobResponse is returned by PUT /blobs/...
type BlobResponse struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps a failure class to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation), errors.Is(err, blob.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, blob.ErrExists):
		return http.StatusConflict
	case errors.Is(err, core.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorFor rebuilds the failure class of a non-2xx response.
func errorFor(op string, status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusBadRequest:
		return fmt.Errorf("%s: %w: %s", op, core.ErrValidation, msg)
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w: %s", op, core.ErrAuthExpired, msg)
	case status == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %s", op, core.ErrForbidden, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %s", op, core.ErrNotFound, msg)
	case status == http.StatusConflict:
		return fmt.Errorf("%s: %w: %s", op, blob.ErrExists, msg)
	default:
		return fmt.Errorf("%s: %w: status %d: %s", op, core.ErrTransport, status, msg)
	}
}
