// pkg/core/change.go
package core

import (
	"errors"
	"fmt"
)

// EventKind tags a change-feed event.
type EventKind uint8

const (
	Insert EventKind = iota + 1
	Update
	Delete
)

func (k EventKind) String() string {
	switch k {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	switch k {
	case Insert, Update, Delete:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("unknown event kind %d", uint8(k))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "INSERT":
		*k = Insert
	case "UPDATE":
		*k = Update
	case "DELETE":
		*k = Delete
	default:
		return fmt.Errorf("unknown event kind %q", string(b))
	}
	return nil
}

// Event is a single change delivered by the feed. Insert carries After,
// Delete carries Before, Update carries After and optionally Before.
type Event struct {
	Kind   EventKind `json:"kind"`
	Before *Record   `json:"before,omitempty"`
	After  *Record   `json:"after,omitempty"`
}

// ErrMalformedEvent is returned by Event.Validate.
var ErrMalformedEvent = errors.New("malformed event")

// Validate checks that the event carries the record images its kind requires.
func (e Event) Validate() error {
	switch e.Kind {
	case Insert, Update:
		if e.After == nil || e.After.ID == "" {
			return fmt.Errorf("%w: %s without after image", ErrMalformedEvent, e.Kind)
		}
		if e.Before != nil && e.Before.ID != e.After.ID {
			return fmt.Errorf("%w: before/after ids differ", ErrMalformedEvent)
		}
	case Delete:
		if e.Before == nil || e.Before.ID == "" {
			return fmt.Errorf("%w: DELETE without before image", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrMalformedEvent, uint8(e.Kind))
	}
	return nil
}

// RecordID returns the id of the record the event is about.
func (e Event) RecordID() string {
	if e.After != nil {
		return e.After.ID
	}
	if e.Before != nil {
		return e.Before.ID
	}
	return ""
}

// InsertEvent builds an Insert for r.
func InsertEvent(r Record) Event {
	r = r.Clone()
	return Event{Kind: Insert, After: &r}
}

// UpdateEvent builds an Update from before to after.
func UpdateEvent(before, after Record) Event {
	before, after = before.Clone(), after.Clone()
	return Event{Kind: Update, Before: &before, After: &after}
}

// DeleteEvent builds a Delete for r.
func DeleteEvent(r Record) Event {
	r = r.Clone()
	return Event{Kind: Delete, Before: &r}
}
