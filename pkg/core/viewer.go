// pkg/core/viewer.go
package core

// Viewer identifies who is looking at the data. An empty ID means anonymous.
type Viewer struct {
	ID    string `json:"id,omitempty"`
	Admin bool   `json:"admin,omitempty"`
}

// Anonymous returns the viewer used when nobody is signed in.
func Anonymous() Viewer {
	return Viewer{}
}

// IsAnonymous reports whether v has no identity.
func (v Viewer) IsAnonymous() bool {
	return v.ID == ""
}

// CanSee reports whether r belongs to the visible set of v.
func (v Viewer) CanSee(r Record) bool {
	return PredicateFor(v).Match(r)
}

// Owns reports whether v may mutate r. Admins may mutate everything.
func (v Viewer) Owns(r Record) bool {
	return v.Admin || (!v.IsAnonymous() && r.OwnerID == v.ID)
}

// Predicate is the record filter understood by record stores and feeds:
// owner = OwnerID OR visibility = public, or everything when All is set.
type Predicate struct {
	OwnerID       string `json:"ownerId,omitempty"`
	IncludePublic bool   `json:"includePublic,omitempty"`
	All           bool   `json:"all,omitempty"`
}

// PredicateFor builds the visible-set predicate of v.
func PredicateFor(v Viewer) Predicate {
	if v.Admin {
		return Predicate{All: true}
	}
	return Predicate{OwnerID: v.ID, IncludePublic: true}
}

// Match reports whether r satisfies p.
func (p Predicate) Match(r Record) bool {
	if p.All {
		return true
	}
	if p.OwnerID != "" && r.OwnerID == p.OwnerID {
		return true
	}
	return p.IncludePublic && r.Visibility == Public
}
