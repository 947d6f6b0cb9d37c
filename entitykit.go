// Package entitykit is a thin convenience layer over a SQL persistence
// substrate. It reduces the boilerplate around entity creation, context
// management and sorting, and maps remote-service payloads onto persisted
// records with remote-ID keyed lookup, get-or-create and staleness-checked
// upsert semantics.
//
// Concrete entity types embed Base (plain entities) or Remote (remote-backed
// entities) and implement the remaining methods of Object or RemoteObject.
// EntityName and Unpack are deliberately not provided by the embeddable
// bases, so forgetting to implement them is a compile error rather than a
// runtime fault.
package entitykit

import (
	"context"
	"errors"
	"time"

	"github.com/entitykit/entitykit/model"
	"github.com/entitykit/entitykit/store"
)

var (
	// ErrNotFound reports that no record matches the given remote ID.
	ErrNotFound = store.ErrNotFound
	// ErrNoRemoteID reports a payload missing its remote identifier.
	ErrNoRemoteID = errors.New("payload carries no remote identifier")
	// ErrNotBound reports an object that belongs to no context.
	ErrNotBound = errors.New("object is not bound to a context")
)

// SortDescriptor is an (attribute, direction) pair used to order fetches.
type SortDescriptor = model.Sort

// StoreOptions maps store option names to their effect, e.g. automatic
// lightweight migration. See the store package for recognized names.
type StoreOptions = store.Options

// Object is the capability set every persisted entity type provides. The
// primary-key and binding accessors are satisfied by embedding Base;
// EntityName must be implemented by the concrete type.
type Object interface {
	// EntityName names the entity this type maps to in the schema model.
	EntityName() string
	// DefaultSortDescriptors orders fetch helpers. Empty means unordered.
	DefaultSortDescriptors() []SortDescriptor
	// PrimaryKey returns the generated internal identity, empty until the
	// first successful save.
	PrimaryKey() string

	setPrimaryKey(string)
	bind(*Context)
	owner() *Context
}

// RemoteObject extends Object for entities backed by a remote service.
// RemoteIDKey and ShouldUnpack come with defaults from Remote; Unpack must
// be implemented by the concrete type.
type RemoteObject interface {
	Object

	// RemoteIDKey names the payload key and store column holding the remote
	// identifier.
	RemoteIDKey() string
	// ShouldUnpack reports whether the payload should overwrite the current
	// attribute values.
	ShouldUnpack(Payload) bool
	// Unpack copies payload fields into the object's attributes.
	// Implementations call UnpackStamps first.
	Unpack(Payload) error
}

// Base is embedded by every persisted entity type. It carries the generated
// internal identity and the back reference to the owning context.
type Base struct {
	PK string `db:"pk"`

	cx *Context
}

// PrimaryKey returns the generated internal identity. It is empty for
// objects that have never been saved.
func (b *Base) PrimaryKey() string { return b.PK }

// DefaultSortDescriptors returns no ordering. Shadow it on the concrete type
// to order fetch helpers.
func (b *Base) DefaultSortDescriptors() []SortDescriptor { return nil }

func (b *Base) setPrimaryKey(pk string) { b.PK = pk }
func (b *Base) bind(cx *Context)        { b.cx = cx }
func (b *Base) owner() *Context         { return b.cx }

// Remote is embedded by remote-backed entity types. It adds the creation and
// last-update timestamps and the default remote-ID key and staleness check.
type Remote struct {
	Base

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// RemoteIDKey returns "id". Shadow it on the concrete type to use another
// key.
func (r *Remote) RemoteIDKey() string { return "id" }

// ShouldUnpack compares the payload's update timestamp against UpdatedAt.
// A record that has never recorded an update is treated as always stale; a
// payload without a readable update timestamp never wins over one that has.
func (r *Remote) ShouldUnpack(p Payload) bool {
	if r.UpdatedAt.IsZero() {
		return true
	}
	ts, ok := p.Time(model.ColumnUpdatedAt)
	if !ok {
		return false
	}
	return ts.After(r.UpdatedAt)
}

// UnpackStamps sets CreatedAt and UpdatedAt from the payload's created_at
// and updated_at keys when present, defaulting to the current time on first
// creation. Concrete Unpack implementations call it before their own
// unpacking.
func (r *Remote) UnpackStamps(p Payload) {
	now := time.Now()
	if ts, ok := p.Time(model.ColumnCreatedAt); ok {
		r.CreatedAt = ts
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if ts, ok := p.Time(model.ColumnUpdatedAt); ok {
		r.UpdatedAt = ts
	} else if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
}

// Save commits the context owning obj. Every pending change staged in that
// context is flushed, not just obj's: a context is a shared unit of work.
func Save(ctx context.Context, obj Object) error {
	cx := obj.owner()
	if cx == nil {
		return ErrNotBound
	}
	return cx.Save(ctx)
}
