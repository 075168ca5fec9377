// Package pgnode reconstructs PostgreSQL's tagged-union Node trees from the
// untyped textual values a debug adapter reports. It recovers each pointer's
// runtime NodeTag, re-casts it to its concrete type and expands the fixed
// catalog of container shapes (List, IntList/OidList, Bitmapset, sibling
// length driven arrays, HTAB) that generic struct traversal cannot handle.
package pgnode

import (
	"fmt"

	"github.com/ashenBlade/postgres-dev-helper-sub001/internal/backend"
)

// TypeStateKind describes the outcome of runtime type recovery.
type TypeStateKind int

const (
	// StateUntyped means recovery was not attempted or not applicable.
	StateUntyped TypeStateKind = iota
	// StateRecovered means the runtime tag was read and validated.
	StateRecovered
	// StateGarbage means the tag field held implausible bytes. Terminal:
	// this variable is never treated as a container candidate.
	StateGarbage
)

// TypeState couples the recovery outcome with the recovered tag, so callers
// cannot observe a tag without its validity.
type TypeState struct {
	Kind TypeStateKind
	Tag  string
}

// String returns a short rendering for logs.
func (s TypeState) String() string {
	switch s.Kind {
	case StateRecovered:
		return "recovered:" + s.Tag
	case StateGarbage:
		return "garbage"
	default:
		return "untyped"
	}
}

// Variable is the canonical representation of one debugger-reported value.
//
// The children reference and frame id are only valid while the debuggee
// remains suspended at the frame they were issued for; after a continue or
// step every outstanding Variable is stale and must be discarded.
//
// Variables are never mutated in place. Re-casting and special-member
// rewriting produce new values, so a UI holding an older snapshot is
// unaffected.
type Variable struct {
	// Name is the raw field or slot name.
	Name string

	// Expr is an expression that reproduces this value.
	Expr string

	// DeclaredType is the static type before recovery.
	DeclaredType string

	// EffectiveType is the type after recovery; equals DeclaredType until
	// a cast happens.
	EffectiveType string

	// State is the recovery outcome plus tag.
	State TypeState

	// Value is the adapter-rendered textual value.
	Value string

	// Address is the memory location, when reported.
	Address string

	// Kind is the backend classification of the value.
	Kind backend.ValueKind

	// ChildrenRef fetches children while the debuggee stays suspended.
	ChildrenRef int

	// FrameID identifies the stack frame this evaluation is valid under.
	FrameID int

	// Parent is a back-reference for owning-type context. Relation only.
	Parent *Variable
}

// HasChildren reports whether the variable can be expanded.
func (v *Variable) HasChildren() bool {
	if v.Kind == backend.KindPointerNull || v.Kind == backend.KindPointerInvalid {
		return false
	}
	return v.ChildrenRef > 0
}

// clone returns a shallow copy for copy-with-override construction.
func (v *Variable) clone() *Variable {
	c := *v
	return &c
}

// WithGarbage returns a copy marked as holding a garbage tag.
func (v *Variable) WithGarbage() *Variable {
	c := v.clone()
	c.State = TypeState{Kind: StateGarbage}
	return c
}

// WithTag returns a copy that records the recovered tag without re-casting.
// Used when the effective type already names the tag's type.
func (v *Variable) WithTag(tag string) *Variable {
	c := v.clone()
	c.State = TypeState{Kind: StateRecovered, Tag: tag}
	return c
}

// WithRecast returns a copy re-typed and re-evaluated to the recovered
// concrete type.
func (v *Variable) WithRecast(tag, effectiveType, expr string, raw backend.RawValue, kind backend.ValueKind) *Variable {
	c := v.clone()
	c.State = TypeState{Kind: StateRecovered, Tag: tag}
	c.EffectiveType = effectiveType
	c.Expr = expr
	if raw.Value != "" {
		c.Value = raw.Value
	}
	if raw.MemoryReference != "" {
		c.Address = raw.MemoryReference
	}
	c.ChildrenRef = raw.VariablesReference
	c.Kind = kind
	return c
}

// WithoutChildren returns a copy that cannot be expanded further. Used for
// containers whose length resolved to zero.
func (v *Variable) WithoutChildren() *Variable {
	c := v.clone()
	c.ChildrenRef = 0
	return c
}

// WithValue returns a copy with a replaced value rendering.
func (v *Variable) WithValue(value string) *Variable {
	c := v.clone()
	c.Value = value
	return c
}

// Display renders the variable as a single line for watch-style output.
func (v *Variable) Display() string {
	if v.EffectiveType != "" {
		return fmt.Sprintf("%s: %s = %s", v.Name, v.EffectiveType, v.Value)
	}
	return fmt.Sprintf("%s = %s", v.Name, v.Value)
}
