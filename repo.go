package entitykit

import (
	"context"
	"errors"
	"fmt"

	"github.com/entitykit/entitykit/store"
)

// remotePtr constrains P to a pointer to the entity struct that satisfies
// RemoteObject. Types missing EntityName or Unpack fail to instantiate a
// Repo at compile time.
type remotePtr[M any] interface {
	*M
	RemoteObject
}

// zero is the typed nil for a pointer type parameter.
func zero[P any]() P {
	var z P
	return z
}

// Repo is the remote-backed facade for one entity type. The nil context
// argument of every method defaults to the stack's main context.
//
// Lookups consult the context's registry before the store, so within one
// context repeated lookups of the same remote ID return the same instance.
type Repo[M any, P remotePtr[M]] struct {
	stack  *Stack
	entity string
	key    string
	sort   []SortDescriptor
}

// NewRepo builds the facade for M over the given stack.
func NewRepo[M any, P remotePtr[M]](s *Stack) Repo[M, P] {
	var m M
	p := P(&m)
	return Repo[M, P]{
		stack:  s,
		entity: p.EntityName(),
		key:    p.RemoteIDKey(),
		sort:   p.DefaultSortDescriptors(),
	}
}

// New constructs a fresh instance bound to the context, pending insertion at
// the next save. The remote identifier is the caller's responsibility.
func (r Repo[M, P]) New(cx *Context) (P, error) {
	cx, err := r.resolve(cx)
	if err != nil {
		return zero[P](), err
	}
	var m M
	p := P(&m)
	cx.Insert(p)
	return p, nil
}

// ObjectWithRemoteID returns the instance with the given remote ID, looking
// first in the context and then in the store. When no record exists a new
// bound instance is constructed and returned; setting its identifier
// attribute is the caller's responsibility. The result is never nil on a nil
// error.
func (r Repo[M, P]) ObjectWithRemoteID(ctx context.Context, cx *Context, id any) (P, error) {
	cx, err := r.resolve(cx)
	if err != nil {
		return zero[P](), err
	}
	key := identityKey{entity: r.entity, id: canonicalID(id)}
	if obj, ok := cx.registered(key); ok {
		return obj.(P), nil
	}

	p, persisted, err := r.fetchOne(ctx, cx, id)
	if err != nil {
		return zero[P](), err
	}
	cx.adopt(key, p, persisted)
	return p, nil
}

// ExistingObjectWithRemoteID returns the instance with the given remote ID
// or ErrNotFound. It is a pure read: absent records are not constructed.
func (r Repo[M, P]) ExistingObjectWithRemoteID(ctx context.Context, cx *Context, id any) (P, error) {
	cx, err := r.resolve(cx)
	if err != nil {
		return zero[P](), err
	}
	key := identityKey{entity: r.entity, id: canonicalID(id)}
	if obj, ok := cx.registered(key); ok {
		return obj.(P), nil
	}

	p, persisted, err := r.fetchOne(ctx, cx, id)
	if err != nil {
		return zero[P](), err
	}
	if !persisted {
		return zero[P](), fmt.Errorf("%s %v: %w", r.entity, id, ErrNotFound)
	}
	cx.adopt(key, p, true)
	return p, nil
}

// ObjectWithPayload reconciles a remote payload with the local record
// carrying the same remote ID. Absent records are constructed and unpacked
// unconditionally; existing records are unpacked only when the instance
// reports the payload as newer (ShouldUnpack); fresh records are returned
// untouched. The result is never nil on a nil error.
func (r Repo[M, P]) ObjectWithPayload(ctx context.Context, cx *Context, pl Payload) (P, error) {
	return r.reconcile(ctx, cx, pl, true)
}

// ExistingObjectWithPayload applies the same staleness logic as
// ObjectWithPayload but returns ErrNotFound instead of constructing absent
// records.
func (r Repo[M, P]) ExistingObjectWithPayload(ctx context.Context, cx *Context, pl Payload) (P, error) {
	return r.reconcile(ctx, cx, pl, false)
}

// ObjectWithJSON decodes a raw JSON object document and reconciles it like
// ObjectWithPayload.
func (r Repo[M, P]) ObjectWithJSON(ctx context.Context, cx *Context, raw []byte) (P, error) {
	pl, err := PayloadFromJSON(raw)
	if err != nil {
		return zero[P](), err
	}
	return r.ObjectWithPayload(ctx, cx, pl)
}

// ObjectsWithPayloads reconciles a batch of payloads with a single store
// round trip: the matching rows are fetched together, indexed by remote ID
// and merged against the payloads, then each payload goes through the same
// transitions as ObjectWithPayload. Results are in payload order.
func (r Repo[M, P]) ObjectsWithPayloads(ctx context.Context, cx *Context, pls []Payload) ([]P, error) {
	cx, err := r.resolve(cx)
	if err != nil {
		return nil, err
	}
	st, err := cx.coord.Statements(r.entity)
	if err != nil {
		return nil, err
	}

	// Ids neither registered in the context nor seen earlier in the batch.
	var missing []any
	seen := make(map[identityKey]struct{}, len(pls))
	for _, pl := range pls {
		id, ok := pl.Get(r.key)
		if !ok {
			return nil, fmt.Errorf("%w: key %q", ErrNoRemoteID, r.key)
		}
		key := identityKey{entity: r.entity, id: canonicalID(id)}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := cx.registered(key); !ok {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		var rows []M
		if err := st.FetchByKeys(ctx, &rows, r.key, missing); err != nil {
			return nil, err
		}
		for i := range rows {
			p := P(&rows[i])
			id, ok := columnValues(p)[r.key]
			if !ok {
				return nil, fmt.Errorf("entity %q: type %T lacks column %q", r.entity, p, r.key)
			}
			cx.adopt(identityKey{entity: r.entity, id: canonicalID(id)}, p, true)
		}
	}

	out := make([]P, 0, len(pls))
	for _, pl := range pls {
		p, err := r.reconcile(ctx, cx, pl, true)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// FetchAll returns every stored instance of the entity, ordered by the
// type's default sort descriptors (falling back to the model's), registered
// in the context. Instances already owned by the context are reused.
func (r Repo[M, P]) FetchAll(ctx context.Context, cx *Context) ([]P, error) {
	cx, err := r.resolve(cx)
	if err != nil {
		return nil, err
	}
	st, err := cx.coord.Statements(r.entity)
	if err != nil {
		return nil, err
	}

	sort := r.sort
	if len(sort) == 0 {
		sort = st.Entity().Sort
	}

	var rows []M
	if err := st.FetchAll(ctx, &rows, sort); err != nil {
		return nil, err
	}

	out := make([]P, 0, len(rows))
	for i := range rows {
		p := P(&rows[i])
		id, ok := columnValues(p)[r.key]
		if !ok {
			return nil, fmt.Errorf("entity %q: type %T lacks column %q", r.entity, p, r.key)
		}
		key := identityKey{entity: r.entity, id: canonicalID(id)}
		if existing, ok := cx.registered(key); ok {
			out = append(out, existing.(P))
			continue
		}
		cx.adopt(key, p, true)
		out = append(out, p)
	}
	return out, nil
}

func (r Repo[M, P]) reconcile(ctx context.Context, cx *Context, pl Payload, create bool) (P, error) {
	id, ok := pl.Get(r.key)
	if !ok {
		return zero[P](), fmt.Errorf("%w: key %q", ErrNoRemoteID, r.key)
	}
	cx, err := r.resolve(cx)
	if err != nil {
		return zero[P](), err
	}

	key := identityKey{entity: r.entity, id: canonicalID(id)}
	obj, found := cx.registered(key)
	if !found {
		p, persisted, err := r.fetchOne(ctx, cx, id)
		if err != nil {
			return zero[P](), err
		}
		if !persisted {
			if !create {
				return zero[P](), fmt.Errorf("%s %v: %w", r.entity, id, ErrNotFound)
			}
			// Adopt only once the unpack went through, so a failed payload
			// leaves no half-populated instance registered for later lookups.
			if err := p.Unpack(pl); err != nil {
				return zero[P](), fmt.Errorf("unpack %s: %w", r.entity, err)
			}
			cx.adopt(key, p, false)
			return p, nil
		}
		cx.adopt(key, p, true)
		obj = p
	}

	p := obj.(P)
	if p.ShouldUnpack(pl) {
		if err := p.Unpack(pl); err != nil {
			return zero[P](), fmt.Errorf("unpack %s: %w", r.entity, err)
		}
	}
	return p, nil
}

// fetchOne reads the record with the given remote ID into a fresh instance.
// persisted reports whether the record existed; when false the instance is
// returned zero-valued.
func (r Repo[M, P]) fetchOne(ctx context.Context, cx *Context, id any) (P, bool, error) {
	st, err := cx.coord.Statements(r.entity)
	if err != nil {
		return zero[P](), false, err
	}

	var m M
	p := P(&m)

	err = st.FetchByKey(ctx, &m, r.key, id)
	switch {
	case err == nil:
		return p, true, nil
	case errors.Is(err, store.ErrNotFound):
		return p, false, nil
	default:
		return zero[P](), false, fmt.Errorf("fetch %s %v: %w", r.entity, id, err)
	}
}

func (r Repo[M, P]) resolve(cx *Context) (*Context, error) {
	if cx != nil {
		return cx, nil
	}
	return r.stack.MainContext()
}
