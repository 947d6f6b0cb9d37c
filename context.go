package entitykit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/google/uuid"

	"github.com/entitykit/entitykit/model"
	"github.com/entitykit/entitykit/store"
)

// identityKey identifies a remote-backed instance within a context. Remote
// IDs are canonicalized to text so a JSON 7 and an int64 7 name the same
// record.
type identityKey struct {
	entity string
	id     string
}

func canonicalID(v any) string {
	return fmt.Sprintf("%v", v)
}

type trackedEntry struct {
	obj Object
	// snapshot holds the column values as of adoption or last save; nil for
	// objects pending insertion. Save skips rows whose values still match.
	snapshot map[string]any
}

type staged struct {
	entry    *trackedEntry
	pk       string
	snapshot map[string]any
}

// Context is an in-memory staging area owning zero or more entity instances.
// Within one context at most one remote-backed instance exists per (entity,
// remote ID) pair, enforced by lookup-before-create.
//
// A context and every object it owns must be used from a single goroutine;
// the layer adds no synchronization of its own.
type Context struct {
	coord *store.Coordinator
	log   *slog.Logger

	registry map[identityKey]RemoteObject
	entries  []*trackedEntry
	index    map[Object]*trackedEntry
	deleted  []Object
}

func newContext(coord *store.Coordinator, log *slog.Logger) *Context {
	return &Context{
		coord:    coord,
		log:      log,
		registry: make(map[identityKey]RemoteObject),
		index:    make(map[Object]*trackedEntry),
	}
}

// Coordinator returns the store coordinator backing the context.
func (c *Context) Coordinator() *store.Coordinator {
	return c.coord
}

// EntityDescription resolves the schema description for obj's entity type in
// the model this context's store was opened with.
func (c *Context) EntityDescription(obj Object) (model.Entity, error) {
	return c.coord.Model().Entity(obj.EntityName())
}

// Insert binds a freshly constructed instance to the context. The object is
// pending insertion until the next Save.
func (c *Context) Insert(obj Object) {
	c.track(obj, nil)
}

// Delete stages the removal of obj and stops tracking it. Objects that were
// never saved simply vanish.
func (c *Context) Delete(obj Object) {
	entry, ok := c.index[obj]
	if !ok {
		return
	}
	delete(c.index, obj)
	for i, e := range c.entries {
		if e == entry {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
	for key, registered := range c.registry {
		if Object(registered) == obj {
			delete(c.registry, key)
			break
		}
	}
	if obj.PrimaryKey() != "" {
		c.deleted = append(c.deleted, obj)
	}
	obj.bind(nil)
}

// Pending reports the number of staged changes: deletions, pending
// insertions and objects whose attributes drifted from their last saved
// values.
func (c *Context) Pending() int {
	n := len(c.deleted)
	for _, e := range c.entries {
		if e.snapshot == nil || !reflect.DeepEqual(columnValues(e.obj), e.snapshot) {
			n++
		}
	}
	return n
}

// Reset discards every pending change and forgets all owned objects.
func (c *Context) Reset() {
	for _, e := range c.entries {
		e.obj.bind(nil)
	}
	c.registry = make(map[identityKey]RemoteObject)
	c.entries = nil
	c.index = make(map[Object]*trackedEntry)
	c.deleted = nil
}

// Save flushes every pending change in the context to the store in a single
// transaction: staged deletions, insertion of objects without a primary key,
// and updates of objects whose attributes changed since they were adopted or
// last saved. On failure the transaction is rolled back and the pending
// state is left intact for retry or discard.
func (c *Context) Save(ctx context.Context) error {
	tx, err := c.coord.Begin(ctx)
	if err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	defer tx.Rollback()

	txCtx := store.WithTransaction(ctx, tx)

	for _, obj := range c.deleted {
		st, err := c.coord.Statements(obj.EntityName())
		if err != nil {
			return err
		}
		if err := st.Delete(txCtx, obj.PrimaryKey()); err != nil && !errors.Is(err, store.ErrNotAffected) {
			return fmt.Errorf("delete %s: %w", obj.EntityName(), err)
		}
	}

	var applied []staged
	for _, e := range c.entries {
		st, err := c.coord.Statements(e.obj.EntityName())
		if err != nil {
			return err
		}

		values := columnValues(e.obj)
		if missing := missingColumns(st.Entity().Columns(), values); len(missing) > 0 {
			return fmt.Errorf("save %s: type %T lacks columns %v declared by the model",
				e.obj.EntityName(), e.obj, missing)
		}

		switch {
		case e.obj.PrimaryKey() == "":
			pk := uuid.NewString()
			values[model.ColumnPK] = pk
			if err := st.Insert(txCtx, values); err != nil {
				return fmt.Errorf("insert %s: %w", e.obj.EntityName(), err)
			}
			applied = append(applied, staged{entry: e, pk: pk, snapshot: values})
		case e.snapshot == nil || !reflect.DeepEqual(values, e.snapshot):
			if err := st.Update(txCtx, e.obj.PrimaryKey(), values); err != nil {
				return fmt.Errorf("update %s: %w", e.obj.EntityName(), err)
			}
			applied = append(applied, staged{entry: e, pk: e.obj.PrimaryKey(), snapshot: values})
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save context: %w", err)
	}

	// The commit went through; only now mutate the in-memory state, so a
	// failed save keeps objects pending with their pre-save identities.
	for _, s := range applied {
		s.entry.obj.setPrimaryKey(s.pk)
		s.entry.snapshot = s.snapshot
	}
	c.deleted = nil

	c.log.Debug("context saved", "written", len(applied))

	return nil
}

func (c *Context) track(obj Object, snapshot map[string]any) *trackedEntry {
	if entry, ok := c.index[obj]; ok {
		return entry
	}
	obj.bind(c)
	entry := &trackedEntry{obj: obj, snapshot: snapshot}
	c.entries = append(c.entries, entry)
	c.index[obj] = entry
	return entry
}

func (c *Context) registered(key identityKey) (RemoteObject, bool) {
	obj, ok := c.registry[key]
	return obj, ok
}

// adopt registers a remote-backed instance under its identity. A snapshot is
// recorded for instances that already exist in the store so unchanged rows
// are not rewritten on save.
func (c *Context) adopt(key identityKey, obj RemoteObject, persisted bool) {
	var snapshot map[string]any
	if persisted {
		snapshot = columnValues(obj)
	}
	c.track(obj, snapshot)
	c.registry[key] = obj
}
