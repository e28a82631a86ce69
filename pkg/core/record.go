// pkg/core/record.go
package core

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Field limits enforced before any remote call.
const (
	MaxLabelLength = 128
	MaxNotesLength = 2000
)

// Visibility controls who besides the owner may see a record.
type Visibility string

const (
	Private Visibility = "private"
	Public  Visibility = "public"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == Private || v == Public
}

// Position is a WGS84 latitude/longitude pair.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks that both coordinates are finite and inside their ranges.
func (p Position) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || p.Lat < -90 || p.Lat > 90 {
		return Validation("position.lat", fmt.Sprintf("%v is outside [-90, 90]", p.Lat))
	}
	if math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) || p.Lng < -180 || p.Lng > 180 {
		return Validation("position.lng", fmt.Sprintf("%v is outside [-180, 180]", p.Lng))
	}
	return nil
}

// AttachmentRef points at a blob owned by a record.
type AttachmentRef struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// Record is a single geo-tagged marker.
type Record struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"ownerId"`
	Position   Position       `json:"position"`
	Label      string         `json:"label"`
	Notes      string         `json:"notes"`
	Visibility Visibility     `json:"visibility"`
	Attachment *AttachmentRef `json:"attachment,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// NewRecordID returns a fresh client-side record identifier.
func NewRecordID() string {
	return uuid.NewString()
}

// Version is the timestamp used by last-writer-wins comparisons.
func (r Record) Version() time.Time {
	if r.UpdatedAt.IsZero() {
		return r.CreatedAt
	}
	return r.UpdatedAt
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r.Attachment != nil {
		a := *r.Attachment
		r.Attachment = &a
	}
	return r
}

// Validate checks the user-editable fields of r.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return Validation("id", "must not be empty")
	}
	if err := r.Position.Validate(); err != nil {
		return err
	}
	if err := ValidateLabel(r.Label); err != nil {
		return err
	}
	if err := ValidateNotes(r.Notes); err != nil {
		return err
	}
	if !r.Visibility.Valid() {
		return Validation("visibility", fmt.Sprintf("unknown value %q", r.Visibility))
	}
	return nil
}

// ValidateLabel rejects blank or oversized labels.
func ValidateLabel(label string) error {
	if strings.TrimSpace(label) == "" {
		return Validation("label", "must not be empty")
	}
	if utf8.RuneCountInString(label) > MaxLabelLength {
		return Validation("label", fmt.Sprintf("longer than %d characters", MaxLabelLength))
	}
	return nil
}

// ValidateNotes rejects oversized notes.
func ValidateNotes(notes string) error {
	if utf8.RuneCountInString(notes) > MaxNotesLength {
		return Validation("notes", fmt.Sprintf("longer than %d characters", MaxNotesLength))
	}
	return nil
}

// Patch is a partial update. Nil fields are left untouched. A non-nil
// Attachment holding a nil pointer clears the attachment.
type Patch struct {
	Position   *Position       `json:"position,omitempty"`
	Label      *string         `json:"label,omitempty"`
	Notes      *string         `json:"notes,omitempty"`
	Visibility *Visibility     `json:"visibility,omitempty"`
	Attachment **AttachmentRef `json:"-"`
}

// Empty reports whether p changes nothing.
func (p Patch) Empty() bool {
	return p.Position == nil && p.Label == nil && p.Notes == nil && p.Visibility == nil && p.Attachment == nil
}

// Validate checks every field p sets.
func (p Patch) Validate() error {
	if p.Position != nil {
		if err := p.Position.Validate(); err != nil {
			return err
		}
	}
	if p.Label != nil {
		if err := ValidateLabel(*p.Label); err != nil {
			return err
		}
	}
	if p.Notes != nil {
		if err := ValidateNotes(*p.Notes); err != nil {
			return err
		}
	}
	if p.Visibility != nil && !p.Visibility.Valid() {
		return Validation("visibility", fmt.Sprintf("unknown value %q", *p.Visibility))
	}
	return nil
}

// Apply returns r with p applied. Timestamps are not touched.
func (p Patch) Apply(r Record) Record {
	r = r.Clone()
	if p.Position != nil {
		r.Position = *p.Position
	}
	if p.Label != nil {
		r.Label = *p.Label
	}
	if p.Notes != nil {
		r.Notes = *p.Notes
	}
	if p.Visibility != nil {
		r.Visibility = *p.Visibility
	}
	if p.Attachment != nil {
		if *p.Attachment == nil {
			r.Attachment = nil
		} else {
			a := **p.Attachment
			r.Attachment = &a
		}
	}
	return r
}

// WithAttachment returns a copy of p that sets the attachment to ref (nil clears it).
func (p Patch) WithAttachment(ref *AttachmentRef) Patch {
	if ref != nil {
		a := *ref
		ref = &a
	}
	p.Attachment = &ref
	return p
}
