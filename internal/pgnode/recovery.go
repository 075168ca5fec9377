package pgnode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ashenBlade/postgres-dev-helper-sub001/internal/backend"
)

// Recovery reads a pointer variable's runtime NodeTag and re-casts the
// variable to its concrete type. Per variable the outcome is terminal: a
// valid tag yields a recast copy, an implausible tag marks the copy garbage,
// anything else leaves the variable untouched. No retries.
type Recovery struct {
	be  backend.Backend
	reg *TagRegistry
	log *zap.Logger
}

// NewRecovery creates a recovery engine over a backend and registry.
func NewRecovery(be backend.Backend, reg *TagRegistry, log *zap.Logger) *Recovery {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recovery{be: be, reg: reg, log: log}
}

// Recover returns the variable upgraded to its runtime type, or the variable
// itself when recovery does not apply. The input is never mutated.
func (r *Recovery) Recover(ctx context.Context, v *Variable) (*Variable, error) {
	if !r.eligible(v) {
		return v, nil
	}

	tagExpr := fmt.Sprintf("((Node *)(%s))->type", v.Expr)
	raw, err := r.be.Evaluate(ctx, tagExpr, v.FrameID, backend.PurposeWatch)
	if err != nil {
		if errors.Is(err, backend.ErrEvaluation) {
			// Unreadable tag field: the pointer target is garbage.
			return v.WithGarbage(), nil
		}
		return nil, err
	}

	tag := strings.TrimSpace(raw.Value)
	tag = strings.TrimPrefix(tag, tagMarker)
	if !LooksLikeTag(tag) {
		r.log.Debug("implausible runtime tag",
			zap.String("expr", v.Expr),
			zap.String("tag", raw.Value))
		return v.WithGarbage(), nil
	}

	typeName := r.reg.TypeNameForTag(tag)

	// Equality short-circuit: the effective type already names the concrete
	// struct, so only the tag needs recording.
	base, _ := splitCType(v.EffectiveType)
	if r.reg.ResolveAlias(base) == typeName {
		return v.WithTag(tag), nil
	}

	castExpr := fmt.Sprintf("((%s *)(%s))", typeName, v.Expr)
	recast, err := r.be.Evaluate(ctx, castExpr, v.FrameID, backend.PurposeWatch)
	if err != nil {
		if errors.Is(err, backend.ErrEvaluation) {
			// The tag names a type the debugger has no symbols for (e.g. a
			// user extension node). Keep the declared shape.
			r.log.Debug("recast failed",
				zap.String("expr", castExpr),
				zap.Error(err))
			return v.WithTag(tag), nil
		}
		return nil, err
	}

	effectiveType := substituteBase(v.EffectiveType, base, typeName)
	kind := r.be.Classify(backend.RawValue{
		Value:              recast.Value,
		Type:               effectiveType,
		VariablesReference: recast.VariablesReference,
	})

	return v.WithRecast(tag, effectiveType, castExpr, recast, kind), nil
}

// eligible reports whether the variable is a validly-dereferenceable pointer
// to a tagged-hierarchy member. Raw (non-pointer) instances are never
// re-tagged: their static type is already exact.
func (r *Recovery) eligible(v *Variable) bool {
	if v.Kind != backend.KindPointer {
		return false
	}
	if v.State.Kind == StateGarbage {
		return false
	}
	return r.reg.IsNodeType(v.EffectiveType)
}

// substituteBase replaces the base identifier inside a declared type string,
// preserving qualifiers and pointer syntax.
func substituteBase(typ, base, replacement string) string {
	if base == "" || base == replacement {
		return typ
	}
	return strings.Replace(typ, base, replacement, 1)
}
