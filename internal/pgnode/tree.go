package pgnode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ashenBlade/postgres-dev-helper-sub001/internal/backend"
)

// Stack resolves a frame's locals scope. It is satisfied by
// backend.Session.
type Stack interface {
	LocalsReference(ctx context.Context, frameID int) (int, error)
}

// Tree builds variable trees lazily: children are only fetched when a node
// is expanded, and each expansion runs type recovery and special-member
// handling against the live debuggee.
type Tree struct {
	be       backend.Backend
	stack    Stack
	recovery *Recovery
	reg      *TagRegistry
	specials *SpecialRegistry
	log      *zap.Logger
}

// NewTree wires a tree builder. A nil logger defaults to a no-op logger and
// nil registries default to fresh ones with the built-in contents.
func NewTree(be backend.Backend, stack Stack, reg *TagRegistry, specials *SpecialRegistry, log *zap.Logger) *Tree {
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = NewTagRegistry()
	}
	if specials == nil {
		specials = NewSpecialRegistry()
	}
	return &Tree{
		be:       be,
		stack:    stack,
		recovery: NewRecovery(be, reg, log),
		reg:      reg,
		specials: specials,
		log:      log,
	}
}

// Registry exposes the tag registry for configuration loading.
func (t *Tree) Registry() *TagRegistry { return t.reg }

// Specials exposes the special-member registry for configuration loading.
func (t *Tree) Specials() *SpecialRegistry { return t.specials }

// TopLevel fetches the locals of a frame, each run through type recovery.
// Callers choose the frame: the top frame comes from the session, any other
// from the stack trace. Returns backend.ErrNoActiveSession when the debuggee
// is not stopped.
func (t *Tree) TopLevel(ctx context.Context, frameID int) ([]*Variable, error) {
	scopeRef, err := t.stack.LocalsReference(ctx, frameID)
	if err != nil {
		return nil, err
	}

	raws, err := t.be.ChildrenOf(ctx, scopeRef)
	if err != nil {
		return nil, err
	}

	vars := make([]*Variable, 0, len(raws))
	for _, raw := range raws {
		v := rawToVariable(t.be, raw, nil, frameID)
		if v.Expr == "" {
			v.Expr = v.Name
		}
		rv, err := t.recover(ctx, v)
		if err != nil {
			return nil, err
		}
		vars = append(vars, rv)
	}
	return vars, nil
}

// Children expands one node. Members whose (owner tag, name) pair has a
// special handler are replaced or pre-expanded by it; everything else gets a
// recovered child per fetched member. A failed child becomes a descriptive
// leaf so its siblings still expand; only session loss aborts the whole
// expansion.
func (t *Tree) Children(ctx context.Context, v *Variable) ([]*Variable, error) {
	if v.Kind == backend.KindPointerNull || v.Kind == backend.KindPointerInvalid {
		return nil, nil
	}
	// Plain pointers with no handle are still expandable: the handle is
	// re-acquired below. Everything else needs one up front.
	if v.ChildrenRef == 0 && v.Kind != backend.KindPointer {
		return nil, nil
	}

	if h := t.specialFor(v); h != nil {
		exp, err := h.Expand(ctx, t.be, v)
		if err != nil {
			return nil, err
		}
		if exp != nil {
			if exp.Children != nil {
				return t.recoverAll(ctx, exp.Children)
			}
			if exp.Replacement != nil {
				v = exp.Replacement
				if !v.HasChildren() {
					return nil, nil
				}
			}
		}
	}

	target := v
	if target.ChildrenRef == 0 && target.Kind == backend.KindPointer {
		// Recast dropped the original handle; re-evaluate through the
		// effective type to obtain one.
		raw, err := t.be.Evaluate(ctx, target.Expr, target.FrameID, backend.PurposeWatch)
		if err != nil {
			return nil, err
		}
		refreshed := target.clone()
		refreshed.ChildrenRef = raw.VariablesReference
		target = refreshed
	}
	if target.ChildrenRef == 0 {
		return nil, nil
	}

	raws, err := t.be.ChildrenOf(ctx, target.ChildrenRef)
	if err != nil {
		return nil, err
	}

	children := make([]*Variable, 0, len(raws))
	for _, raw := range raws {
		child := rawToVariable(t.be, raw, v, v.FrameID)
		if child.Expr == "" {
			child.Expr = childExpr(v, child.Name)
		}
		children = append(children, child)
	}
	return t.recoverAll(ctx, children)
}

// recoverAll runs recovery and decoration over a produced child set. A
// failed child degrades to a descriptive leaf; session loss aborts the set.
func (t *Tree) recoverAll(ctx context.Context, children []*Variable) ([]*Variable, error) {
	out := make([]*Variable, len(children))
	for i, child := range children {
		v, err := t.recover(ctx, child)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// recover applies type recovery and value decorations to one variable.
// Failures other than session loss degrade the node to an error leaf.
func (t *Tree) recover(ctx context.Context, v *Variable) (*Variable, error) {
	rv, err := t.recovery.Recover(ctx, v)
	if err != nil {
		if errors.Is(err, backend.ErrNoActiveSession) {
			return nil, err
		}
		t.log.Debug("type recovery failed",
			zap.String("name", v.Name),
			zap.String("expr", v.Expr),
			zap.Error(err))
		return &Variable{
			Name:    v.Name,
			Value:   fmt.Sprintf("<error: %v>", err),
			Kind:    backend.KindScalar,
			FrameID: v.FrameID,
			Parent:  v.Parent,
		}, nil
	}
	return t.decorate(ctx, rv)
}

// decorate augments a recovered variable's rendered value: char pointers get
// their full string reassembled past adapter truncation, and memory contexts
// get their name appended. Plain evaluation failures leave the value
// undecorated; session loss propagates.
func (t *Tree) decorate(ctx context.Context, v *Variable) (*Variable, error) {
	if v.Kind == backend.KindPointer && isCharPointer(v.EffectiveType) {
		raw := backend.RawValue{
			Value:        v.Value,
			Type:         v.EffectiveType,
			EvaluateName: v.Expr,
		}
		full, ok, err := t.be.ExtractLongString(ctx, raw, v.FrameID)
		if err != nil {
			if errors.Is(err, backend.ErrNoActiveSession) {
				return nil, err
			}
		} else if ok {
			// Only rewrite when reassembly recovered more than the visible
			// prefix; untruncated renderings stay as the adapter printed them.
			if visible, vok := t.be.ExtractString(raw); !vok || visible != full {
				out := v.clone()
				out.Value = fmt.Sprintf("%q", full)
				return out, nil
			}
		}
	}

	// The MemoryContext typedef hides its pointer, so it may classify as a
	// struct; only the explicit null/invalid kinds skip decoration.
	if memoryContextType(v.EffectiveType) &&
		v.Kind != backend.KindPointerNull && v.Kind != backend.KindPointerInvalid {
		nameExpr := fmt.Sprintf("((MemoryContextData *)(%s))->name", v.Expr)
		raw, err := t.be.Evaluate(ctx, nameExpr, v.FrameID, backend.PurposeWatch)
		if err != nil {
			if errors.Is(err, backend.ErrNoActiveSession) {
				return nil, err
			}
		} else if name, ok := t.be.ExtractString(raw); ok && name != "" {
			out := v.clone()
			out.Value = fmt.Sprintf("%s (%s)", v.Value, name)
			return out, nil
		}
	}

	return v, nil
}

// specialFor resolves the special handler for a member variable, keyed by
// its parent's effective tag and its own name. Top-level variables have no
// owner and never match.
func (t *Tree) specialFor(v *Variable) Handler {
	if v.Parent == nil {
		return nil
	}
	tag := ownerTag(v.Parent)
	if tag == "" {
		return nil
	}
	return t.specials.Find(tag, v.Name)
}

// ownerTag is the tag identifying a parent for special-member lookup: the
// recovered tag when recovery ran, else the base of the declared type.
func ownerTag(parent *Variable) string {
	if parent.State.Kind == StateRecovered {
		return parent.State.Tag
	}
	base, _ := splitCType(parent.EffectiveType)
	return base
}

// childExpr derives a member's C expression from its parent when the
// adapter did not provide one.
func childExpr(parent *Variable, name string) string {
	if strings.HasPrefix(name, "[") {
		return fmt.Sprintf("(%s)%s", parent.Expr, name)
	}
	if parent.Kind == backend.KindPointer {
		return fmt.Sprintf("(%s)->%s", parent.Expr, name)
	}
	return fmt.Sprintf("(%s).%s", parent.Expr, name)
}

// rawToVariable lifts an adapter rendering into the canonical model.
func rawToVariable(be backend.Backend, raw backend.RawValue, parent *Variable, frameID int) *Variable {
	kind := be.Classify(raw)
	v := &Variable{
		Name:          raw.Name,
		Expr:          raw.EvaluateName,
		DeclaredType:  raw.Type,
		EffectiveType: raw.Type,
		Value:         raw.Value,
		Kind:          kind,
		ChildrenRef:   raw.VariablesReference,
		FrameID:       frameID,
		Parent:        parent,
	}
	if raw.MemoryReference != "" {
		v.Address = raw.MemoryReference
	} else if kind == backend.KindPointer {
		if addr, ok := be.ExtractPointer(raw); ok {
			v.Address = fmt.Sprintf("%#x", addr)
		}
	}
	return v
}

// isCharPointer reports whether a type is a single-level char pointer,
// modulo qualifiers.
func isCharPointer(typ string) bool {
	base, stars := splitCType(typ)
	if stars != 1 {
		return false
	}
	return base == "char" || base == "unsigned char"
}

// memoryContextType matches the MemoryContext pointer typedef and pointers
// to the concrete context structs.
func memoryContextType(typ string) bool {
	base, stars := splitCType(typ)
	if base == "MemoryContext" && stars == 0 {
		// MemoryContext is itself a pointer typedef.
		return true
	}
	if stars != 1 {
		return false
	}
	switch base {
	case "MemoryContextData", "AllocSetContext", "GenerationContext", "SlabContext", "BumpContext":
		return true
	}
	return false
}
