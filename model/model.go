// Package model describes the schema an entitykit store is opened with: the
// set of entity types, their attributes and their default ordering. A model is
// either built in code or loaded from YAML files, and must be fixed before the
// store coordinator is first constructed.
package model

import (
	"errors"
	"fmt"
)

// Attribute types supported by the store dialects.
const (
	String Type = "string"
	Int    Type = "int"
	Float  Type = "float"
	Bool   Type = "bool"
	Time   Type = "time"
	Bytes  Type = "bytes"
)

// Columns every entity table carries regardless of the model. Attribute names
// may not collide with them.
const (
	ColumnPK        = "pk"
	ColumnCreatedAt = "created_at"
	ColumnUpdatedAt = "updated_at"
)

var ErrUnknownEntity = errors.New("entity not described by model")

type Type string

func (t Type) valid() bool {
	switch t {
	case String, Int, Float, Bool, Time, Bytes:
		return true
	}
	return false
}

// Attribute is a single named, typed column of an entity table.
type Attribute struct {
	Name string `yaml:"name"`
	Type Type   `yaml:"type"`
}

// Sort is an (attribute, direction) pair. A slice of them describes a
// deterministic ordering for fetches of an entity.
type Sort struct {
	Attribute  string `yaml:"attribute"`
	Descending bool   `yaml:"descending"`
}

// Entity describes one persisted entity type.
//
// Remote entities additionally carry created_at and updated_at columns and
// participate in remote-ID keyed lookup; the attribute acting as the remote
// identifier is declared like any other attribute (by default one named "id").
type Entity struct {
	// Name is the entity name used by lookups. Must match the value returned
	// by the Go type's EntityName method.
	Name string `yaml:"name"`
	// Table is the table name backing the entity. Defaults to Name.
	Table string `yaml:"table"`
	// Remote marks the entity as remote-backed.
	Remote bool `yaml:"remote"`

	Attributes []Attribute `yaml:"attributes"`
	Sort       []Sort      `yaml:"sort"`
}

// TableName returns the backing table, falling back to the entity name.
func (e Entity) TableName() string {
	if e.Table != "" {
		return e.Table
	}
	return e.Name
}

// Columns returns every column of the entity's table, pk first, in a stable
// order.
func (e Entity) Columns() []string {
	cols := make([]string, 0, len(e.Attributes)+3)
	cols = append(cols, ColumnPK)
	if e.Remote {
		cols = append(cols, ColumnCreatedAt, ColumnUpdatedAt)
	}
	for _, a := range e.Attributes {
		cols = append(cols, a.Name)
	}
	return cols
}

// Attribute looks up an attribute by name.
func (e Entity) Attribute(name string) (Attribute, bool) {
	for _, a := range e.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

func (e Entity) validate() error {
	if e.Name == "" {
		return errors.New("entity with empty name")
	}
	seen := map[string]struct{}{}
	for _, a := range e.Attributes {
		if !identifier(a.Name) {
			return fmt.Errorf("entity %q: attribute name %q is not a valid identifier", e.Name, a.Name)
		}
		switch a.Name {
		case ColumnPK, ColumnCreatedAt, ColumnUpdatedAt:
			return fmt.Errorf("entity %q: attribute %q is a reserved column", e.Name, a.Name)
		}
		if !a.Type.valid() {
			return fmt.Errorf("entity %q: attribute %q has unknown type %q", e.Name, a.Name, a.Type)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("entity %q: duplicate attribute %q", e.Name, a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	for _, s := range e.Sort {
		if _, ok := e.Attribute(s.Attribute); !ok && s.Attribute != ColumnCreatedAt && s.Attribute != ColumnUpdatedAt {
			return fmt.Errorf("entity %q: sort attribute %q not declared", e.Name, s.Attribute)
		}
	}
	return nil
}

// identifier reports whether s is usable as a column name in compiled
// statement templates: letters, digits and underscores, not starting with a
// digit.
func identifier(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return s != ""
}

// Model is the full schema for a store.
type Model struct {
	Entities []Entity `yaml:"entities"`
}

// Entity looks up an entity description by name.
func (m *Model) Entity(name string) (Entity, error) {
	for _, e := range m.Entities {
		if e.Name == name {
			return e, nil
		}
	}
	return Entity{}, fmt.Errorf("%w: %q", ErrUnknownEntity, name)
}

// Validate checks the model for empty or duplicate names, reserved columns
// and unknown attribute types.
func (m *Model) Validate() error {
	seen := map[string]struct{}{}
	tables := map[string]struct{}{}
	for _, e := range m.Entities {
		if err := e.validate(); err != nil {
			return err
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("duplicate entity %q", e.Name)
		}
		seen[e.Name] = struct{}{}
		if _, dup := tables[e.TableName()]; dup {
			return fmt.Errorf("entity %q: duplicate table %q", e.Name, e.TableName())
		}
		tables[e.TableName()] = struct{}{}
	}
	return nil
}

// Merge combines models into one. Entity names must be unique across the
// inputs.
func Merge(models ...*Model) (*Model, error) {
	merged := &Model{}
	for _, m := range models {
		merged.Entities = append(merged.Entities, m.Entities...)
	}
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("merge models: %w", err)
	}
	return merged, nil
}
