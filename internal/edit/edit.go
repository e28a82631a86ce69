// Package edit stages interactive changes to a single record: a position
// picked by dragging and field edits, committed or cancelled as a unit.
package edit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/markersync/markersync/internal/attachment"
	"github.com/markersync/markersync/internal/replica"
	"github.com/markersync/markersync/pkg/core"
)

var (
	// ErrSessionActive is returned by Begin while another session is open.
	ErrSessionActive = errors.New("an edit session is already active")

	// ErrNoSession is returned by every operation that needs a session.
	ErrNoSession = errors.New("no active edit session")

	// ErrInvalidTransition is returned for operations not allowed in the
	// current state.
	ErrInvalidTransition = errors.New("invalid edit transition")
)

// State of the edit session.
type State uint8

const (
	Idle State = iota
	Editing
	Dragging
	PositionStaged
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Editing:
		return "editing"
	case Dragging:
		return "dragging"
	case PositionStaged:
		return "position-staged"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// LiveView is the rendered counterpart of the record under edit.
type LiveView interface {
	SetDraggable(id string, draggable bool)
	MoveTo(id string, pos core.Position)
}

// FieldEdits holds field changes. Nil fields are unchanged.
type FieldEdits struct {
	Label      *string
	Notes      *string
	Visibility *core.Visibility
}

// Validate checks every set field.
func (f FieldEdits) Validate() error {
	return core.Patch{Label: f.Label, Notes: f.Notes, Visibility: f.Visibility}.Validate()
}

func (f FieldEdits) empty() bool {
	return f.Label == nil && f.Notes == nil && f.Visibility == nil
}

// AttachmentChange is the staged attachment edit: a new blob, a removal or
// nothing.
type AttachmentChange struct {
	Set    *attachment.Blob
	Remove bool
}

func (a AttachmentChange) empty() bool {
	return a.Set == nil && !a.Remove
}

// Changes is what Save commits.
type Changes struct {
	Position   *core.Position
	Fields     FieldEdits
	Attachment AttachmentChange
}

// Committer persists staged changes and reflects them into the replica.
type Committer interface {
	CommitPosition(ctx context.Context, id string, pos core.Position) (core.Record, error)
	CommitFields(ctx context.Context, id string, changes Changes) (core.Record, error)
}

// Working is the session's copy of the editable fields.
type Working struct {
	Label      string
	Notes      string
	Visibility core.Visibility
	Attachment *core.AttachmentRef
}

// Snapshot is a copy of the session state.
type Snapshot struct {
	State      State
	RecordID   string
	Generation uint64
	Original   core.Position
	Staged     *core.Position
	Working    Working
	Dirty      bool
	Committing bool
}

type session struct {
	gen        uint64
	recordID   string
	state      State
	original   core.Position
	staged     *core.Position
	working    Working
	edits      FieldEdits
	attachment AttachmentChange
	committing bool
}

// Stager holds at most one edit session.
type Stager struct {
	mu         sync.Mutex
	reader     replica.Reader
	view       LiveView
	committer  Committer
	session    *session
	generation uint64
	logger     *slog.Logger
}

// NewStager creates a Stager reading from reader.
func NewStager(reader replica.Reader, view LiveView, committer Committer, logger *slog.Logger) *Stager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{reader: reader, view: view, committer: committer, logger: logger}
}

// Begin opens a session for id, copying its fields from the replica and
// making it draggable.
func (s *Stager) Begin(id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return Snapshot{}, fmt.Errorf("%w: record %s", ErrSessionActive, s.session.recordID)
	}
	rec, ok := s.reader.Get(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("record %s: %w", id, core.ErrNotFound)
	}

	s.generation++
	s.session = &session{
		gen:      s.generation,
		recordID: id,
		state:    Editing,
		original: rec.Position,
		working: Working{
			Label:      rec.Label,
			Notes:      rec.Notes,
			Visibility: rec.Visibility,
			Attachment: rec.Clone().Attachment,
		},
	}
	s.view.SetDraggable(id, true)
	s.logger.Debug("Edit session started", "recordId", id, "generation", s.generation)
	return s.snapshotLocked(), nil
}

// DragStart enters Dragging from Editing or PositionStaged.
func (s *Stager) DragStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.activeLocked(Editing, PositionStaged)
	if err != nil {
		return err
	}
	sess.state = Dragging
	return nil
}

// DragEnd stages pos. Dropping back on the original position unstages.
func (s *Stager) DragEnd(pos core.Position) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.activeLocked(Dragging)
	if err != nil {
		return Snapshot{}, err
	}
	if err := pos.Validate(); err != nil {
		s.revertDragLocked(sess)
		return s.snapshotLocked(), err
	}

	if pos == sess.original {
		sess.staged = nil
		sess.state = Editing
	} else {
		sess.staged = &pos
		sess.state = PositionStaged
	}
	return s.snapshotLocked(), nil
}

// AbortDrag ends a drag without staging anything, putting the live view back
// where it rested before the drag.
func (s *Stager) AbortDrag() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.activeLocked(Dragging)
	if err != nil {
		return Snapshot{}, err
	}
	s.revertDragLocked(sess)
	return s.snapshotLocked(), nil
}

func (s *Stager) revertDragLocked(sess *session) {
	s.view.MoveTo(sess.recordID, sess.displayed())
	if sess.staged != nil {
		sess.state = PositionStaged
	} else {
		sess.state = Editing
	}
}

// ConfirmPosition commits only the staged position. The session stays open
// in Editing with the committed position as its new original.
func (s *Stager) ConfirmPosition(ctx context.Context) (core.Record, error) {
	s.mu.Lock()
	sess, err := s.activeLocked(PositionStaged)
	if err != nil {
		s.mu.Unlock()
		return core.Record{}, err
	}
	gen, id, pos := sess.gen, sess.recordID, *sess.staged
	sess.committing = true
	s.mu.Unlock()

	rec, err := s.committer.CommitPosition(ctx, id, pos)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(gen) {
		s.logger.Debug("Position commit finished for a closed session", "recordId", id, "generation", gen, "error", err)
		return rec, err
	}
	sess.committing = false
	if err != nil {
		return core.Record{}, err
	}
	sess.original = pos
	sess.staged = nil
	sess.state = Editing
	return rec, nil
}

// SetFields merges edits into the working copy.
func (s *Stager) SetFields(edits FieldEdits) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.activeLocked(Editing, PositionStaged, Dragging)
	if err != nil {
		return Snapshot{}, err
	}
	if err := edits.Validate(); err != nil {
		return Snapshot{}, err
	}
	if edits.Label != nil {
		v := *edits.Label
		sess.edits.Label = &v
		sess.working.Label = v
	}
	if edits.Notes != nil {
		v := *edits.Notes
		sess.edits.Notes = &v
		sess.working.Notes = v
	}
	if edits.Visibility != nil {
		v := *edits.Visibility
		sess.edits.Visibility = &v
		sess.working.Visibility = v
	}
	return s.snapshotLocked(), nil
}

// SetAttachment stages b to replace the current attachment on Save.
func (s *Stager) SetAttachment(b attachment.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.activeLocked(Editing, PositionStaged, Dragging)
	if err != nil {
		return err
	}
	if len(b.Data) == 0 {
		return core.Validation("attachment", "empty payload")
	}
	sess.attachment = AttachmentChange{Set: &b}
	return nil
}

// RemoveAttachment stages removal of the current attachment.
func (s *Stager) RemoveAttachment() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.activeLocked(Editing, PositionStaged, Dragging)
	if err != nil {
		return err
	}
	sess.attachment = AttachmentChange{Remove: sess.working.Attachment != nil}
	sess.working.Attachment = nil
	return nil
}

// Save commits the field edits, the staged attachment change and any staged
// position together, then closes the session. On failure the session stays
// open for a retry or a cancel.
func (s *Stager) Save(ctx context.Context) (core.Record, error) {
	s.mu.Lock()
	sess, err := s.activeLocked(Editing, PositionStaged)
	if err != nil {
		s.mu.Unlock()
		return core.Record{}, err
	}
	gen, id := sess.gen, sess.recordID
	changes := Changes{Fields: sess.edits, Attachment: sess.attachment}
	if sess.staged != nil {
		p := *sess.staged
		changes.Position = &p
	}

	if changes.Position == nil && changes.Fields.empty() && changes.Attachment.empty() {
		rec, _ := s.reader.Get(id)
		s.closeLocked(sess.original)
		s.mu.Unlock()
		return rec, nil
	}
	sess.committing = true
	s.mu.Unlock()

	rec, err := s.committer.CommitFields(ctx, id, changes)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(gen) {
		s.logger.Debug("Save finished for a closed session", "recordId", id, "generation", gen, "error", err)
		return rec, err
	}
	sess.committing = false
	if err != nil {
		return core.Record{}, err
	}
	s.closeLocked(rec.Position)
	return rec, nil
}

// Cancel reverts the live view to the original position, disables dragging
// and discards the session without any remote call. A commit still in
// flight completes without touching the view or the next session.
func (s *Stager) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return ErrNoSession
	}
	s.logger.Debug("Edit session cancelled", "recordId", s.session.recordID, "generation", s.session.gen)
	s.closeLocked(s.session.original)
	return nil
}

// Snapshot returns the current session state, or an Idle snapshot.
func (s *Stager) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Stager) closeLocked(pos core.Position) {
	id := s.session.recordID
	s.view.MoveTo(id, pos)
	s.view.SetDraggable(id, false)
	s.session = nil
}

func (s *Stager) currentLocked(gen uint64) bool {
	return s.session != nil && s.session.gen == gen
}

func (s *Stager) activeLocked(allowed ...State) (*session, error) {
	if s.session == nil {
		return nil, ErrNoSession
	}
	if s.session.committing {
		return nil, fmt.Errorf("%w: commit in flight", ErrInvalidTransition)
	}
	for _, st := range allowed {
		if s.session.state == st {
			return s.session, nil
		}
	}
	return nil, fmt.Errorf("%w: not allowed in state %s", ErrInvalidTransition, s.session.state)
}

func (s *Stager) snapshotLocked() Snapshot {
	sess := s.session
	if sess == nil {
		return Snapshot{State: Idle}
	}
	snap := Snapshot{
		State:      sess.state,
		RecordID:   sess.recordID,
		Generation: sess.gen,
		Original:   sess.original,
		Working:    sess.working,
		Dirty:      sess.staged != nil || !sess.edits.empty() || !sess.attachment.empty(),
		Committing: sess.committing,
	}
	if sess.staged != nil {
		p := *sess.staged
		snap.Staged = &p
	}
	if sess.working.Attachment != nil {
		a := *sess.working.Attachment
		snap.Working.Attachment = &a
	}
	return snap
}

// displayed is where the live view should rest outside a drag.
func (sess *session) displayed() core.Position {
	if sess.staged != nil {
		return *sess.staged
	}
	return sess.original
}
