package pgnode

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ashenBlade/postgres-dev-helper-sub001/internal/backend"
)

// Containers driven by live memory get hard bounds: a garbage length field
// must not turn one expansion into thousands of round trips.
const (
	maxContainerElements = 1024
	maxHashIterations    = 4096
)

// SpecialKey identifies a struct member needing dedicated expansion logic.
// Identity is the exact pair; (List, elements) does not match
// (IntList, elements).
type SpecialKey struct {
	// Tag is the owning type's tag (or bare struct name for untagged owners).
	Tag string
	// Member is the field name on the owner.
	Member string
}

// ArraySpecial describes a member expanded as an array whose length lives in
// a sibling field of the same parent. User extensions register these.
type ArraySpecial struct {
	// Owner is the owning type tag.
	Owner string
	// Member is the array member name.
	Member string
	// LengthField is the sibling field holding the element count.
	LengthField string
}

// Expansion is a special-member handler result.
//
// A nil Expansion means the handler was not actually applicable to this
// instance and the caller falls back to generic expansion. A non-nil
// Children slice means the handler fully produced the children and the tree
// builder must not independently fetch them; otherwise generic expansion
// continues from Replacement (or the original member when Replacement is
// nil).
type Expansion struct {
	Replacement *Variable
	Children    []*Variable
}

// Handler expands one specific container shape.
type Handler interface {
	Expand(ctx context.Context, be backend.Backend, v *Variable) (*Expansion, error)
}

// SpecialRegistry maps (owner tag, member name) pairs to handlers. Later
// registrations for the same pair replace earlier ones.
type SpecialRegistry struct {
	mu       sync.RWMutex
	handlers map[SpecialKey]Handler
}

// NewSpecialRegistry creates a registry with the built-in container handlers.
func NewSpecialRegistry() *SpecialRegistry {
	r := &SpecialRegistry{handlers: make(map[SpecialKey]Handler)}

	r.Register(SpecialKey{Tag: "List", Member: "elements"}, listElementsHandler{})
	r.Register(SpecialKey{Tag: "IntList", Member: "elements"}, scalarListHandler{field: "int_value", elemType: "int"})
	r.Register(SpecialKey{Tag: "OidList", Member: "elements"}, scalarListHandler{field: "oid_value", elemType: "Oid"})
	r.Register(SpecialKey{Tag: "Bitmapset", Member: "words"}, bitmapsetHandler{})
	r.Register(SpecialKey{Tag: "HTAB", Member: "dir"}, hashTableHandler{})

	r.RegisterArray(ArraySpecial{Owner: "PlannerInfo", Member: "simple_rel_array", LengthField: "simple_rel_array_size"})
	r.RegisterArray(ArraySpecial{Owner: "PlannerInfo", Member: "simple_rte_array", LengthField: "simple_rel_array_size"})

	return r
}

// Register installs a handler for an exact (tag, member) pair.
func (r *SpecialRegistry) Register(key SpecialKey, h Handler) {
	r.mu.Lock()
	r.handlers[key] = h
	r.mu.Unlock()
}

// RegisterArray installs a sibling-length array handler.
func (r *SpecialRegistry) RegisterArray(spec ArraySpecial) {
	r.Register(SpecialKey{Tag: spec.Owner, Member: spec.Member}, arrayMemberHandler{spec: spec})
}

// Find returns the handler for an exact pair, or nil.
func (r *SpecialRegistry) Find(tag, member string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[SpecialKey{Tag: tag, Member: member}]
}

// readLength evaluates a container length expression and validates the
// result against the element bound.
func readLength(ctx context.Context, be backend.Backend, expr string, frameID int) (int, bool, error) {
	raw, err := be.Evaluate(ctx, expr, frameID, backend.PurposeWatch)
	if err != nil {
		if errors.Is(err, backend.ErrEvaluation) {
			return 0, false, nil
		}
		return 0, false, err
	}

	n, convErr := strconv.Atoi(strings.TrimSpace(raw.Value))
	if convErr != nil || n < 0 || n > maxContainerElements {
		return 0, false, nil
	}
	return n, true, nil
}

// listElementsHandler expands List.elements as an array of generic Node
// pointers of the list's length. The produced children go through ordinary
// per-element type recovery afterwards.
type listElementsHandler struct{}

func (listElementsHandler) Expand(ctx context.Context, be backend.Backend, v *Variable) (*Expansion, error) {
	parent := v.Parent
	if parent == nil {
		return nil, nil
	}

	n, ok, err := readLength(ctx, be, fmt.Sprintf("((List *)(%s))->length", parent.Expr), v.FrameID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if n == 0 {
		return &Expansion{Replacement: v.WithoutChildren()}, nil
	}

	cellsExpr := fmt.Sprintf("((List *)(%s))->elements", parent.Expr)
	arrExpr := be.ArrayExpression("Node *", cellsExpr, n)
	raw, err := be.Evaluate(ctx, arrExpr, v.FrameID, backend.PurposeWatch)
	if err != nil {
		if errors.Is(err, backend.ErrEvaluation) {
			return nil, nil
		}
		return nil, err
	}

	raws, err := be.ChildrenOf(ctx, raw.VariablesReference)
	if err != nil {
		if errors.Is(err, backend.ErrEvaluation) {
			return nil, nil
		}
		return nil, err
	}

	children := make([]*Variable, len(raws))
	for i, rc := range raws {
		child := rawToVariable(be, rc, v, v.FrameID)
		if child.Name == "" {
			child.Name = fmt.Sprintf("[%d]", i)
		}
		if child.Expr == "" || rc.EvaluateName == "" {
			child.Expr = fmt.Sprintf("((Node **)(%s))[%d]", cellsExpr, i)
		}
		if child.DeclaredType == "" {
			child.DeclaredType = "Node *"
			child.EffectiveType = "Node *"
		}
		children[i] = child
	}

	return &Expansion{Replacement: v, Children: children}, nil
}

// scalarListHandler expands IntList/OidList elements one cell at a time. The
// ListCell union has padding that forbids a bulk array cast, so each
// element's scalar sub-field is evaluated individually. Elements skip type
// recovery: they are scalars.
type scalarListHandler struct {
	field    string
	elemType string
}

func (h scalarListHandler) Expand(ctx context.Context, be backend.Backend, v *Variable) (*Expansion, error) {
	parent := v.Parent
	if parent == nil {
		return nil, nil
	}

	n, ok, err := readLength(ctx, be, fmt.Sprintf("((List *)(%s))->length", parent.Expr), v.FrameID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if n == 0 {
		return &Expansion{Replacement: v.WithoutChildren()}, nil
	}

	children := make([]*Variable, 0, n)
	for i := 0; i < n; i++ {
		expr := fmt.Sprintf("((List *)(%s))->elements[%d].%s", parent.Expr, i, h.field)
		raw, err := be.Evaluate(ctx, expr, v.FrameID, backend.PurposeWatch)
		if err != nil {
			if errors.Is(err, backend.ErrEvaluation) {
				children = append(children, errorLeaf(fmt.Sprintf("[%d]", i), v, err))
				continue
			}
			return nil, err
		}

		children = append(children, &Variable{
			Name:          fmt.Sprintf("[%d]", i),
			Expr:          expr,
			DeclaredType:  h.elemType,
			EffectiveType: h.elemType,
			Value:         raw.Value,
			Kind:          backend.KindScalar,
			FrameID:       v.FrameID,
			Parent:        v,
		})
	}

	return &Expansion{Replacement: v, Children: children}, nil
}

// arrayMemberHandler expands a member as an array whose element count lives
// in a sibling field. A zero count means the member is elided, not an empty
// expandable node; a failed length read returns the member unexpanded.
type arrayMemberHandler struct {
	spec ArraySpecial
}

func (h arrayMemberHandler) Expand(ctx context.Context, be backend.Backend, v *Variable) (*Expansion, error) {
	parent := v.Parent
	if parent == nil {
		return nil, nil
	}

	n, ok, err := readLength(ctx, be, fmt.Sprintf("(%s)->%s", parent.Expr, h.spec.LengthField), v.FrameID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if n == 0 {
		return &Expansion{Replacement: v.WithoutChildren()}, nil
	}

	elemType := elementType(v.EffectiveType)
	arrExpr := be.ArrayExpression(elemType, v.Expr, n)
	raw, err := be.Evaluate(ctx, arrExpr, v.FrameID, backend.PurposeWatch)
	if err != nil {
		if errors.Is(err, backend.ErrEvaluation) {
			return nil, nil
		}
		return nil, err
	}

	raws, err := be.ChildrenOf(ctx, raw.VariablesReference)
	if err != nil {
		if errors.Is(err, backend.ErrEvaluation) {
			return nil, nil
		}
		return nil, err
	}

	children := make([]*Variable, len(raws))
	for i, rc := range raws {
		child := rawToVariable(be, rc, v, v.FrameID)
		if child.Name == "" {
			child.Name = fmt.Sprintf("[%d]", i)
		}
		if child.Expr == "" || rc.EvaluateName == "" {
			child.Expr = fmt.Sprintf("(%s)[%d]", v.Expr, i)
		}
		if child.DeclaredType == "" {
			child.DeclaredType = elemType
			child.EffectiveType = elemType
		}
		children[i] = child
	}

	return &Expansion{Replacement: v, Children: children}, nil
}

// elementType strips one pointer level off a member's declared type to get
// the element type of the backing array, e.g. "RelOptInfo **" -> "RelOptInfo *".
func elementType(typ string) string {
	base, stars := splitCType(typ)
	if stars <= 1 {
		return base
	}
	return base + " " + strings.Repeat("*", stars-1)
}

// bitmapsetHandler expands Bitmapset.words into the set's member indexes by
// iterating bms_next_member in the debuggee.
type bitmapsetHandler struct{}

func (bitmapsetHandler) Expand(ctx context.Context, be backend.Backend, v *Variable) (*Expansion, error) {
	parent := v.Parent
	if parent == nil {
		return nil, nil
	}

	var children []*Variable
	prev := -1
	for i := 0; i < maxContainerElements; i++ {
		expr := fmt.Sprintf("bms_next_member((Bitmapset *)(%s), %d)", parent.Expr, prev)
		raw, err := be.Evaluate(ctx, expr, v.FrameID, backend.PurposeWatch)
		if err != nil {
			if errors.Is(err, backend.ErrEvaluation) {
				// bms_next_member may be unavailable (stripped or inlined
				// out); fall back to the raw words rendering.
				return nil, nil
			}
			return nil, err
		}

		member, convErr := strconv.Atoi(strings.TrimSpace(raw.Value))
		if convErr != nil {
			return nil, nil
		}
		if member < 0 {
			break
		}

		children = append(children, &Variable{
			Name:          fmt.Sprintf("[%d]", len(children)),
			Expr:          strconv.Itoa(member),
			DeclaredType:  "int",
			EffectiveType: "int",
			Value:         strconv.Itoa(member),
			Kind:          backend.KindScalar,
			FrameID:       v.FrameID,
			Parent:        v,
		})
		prev = member
	}

	if len(children) == 0 {
		return &Expansion{Replacement: v.WithoutChildren()}, nil
	}
	return &Expansion{Replacement: v, Children: children}, nil
}

// hashTableHandler expands HTAB.dir into the table's entries by walking the
// bucket directory with evaluate calls: dir[bucket >> sshift][bucket &
// (ssize - 1)] heads a chain linked through ->link.
type hashTableHandler struct{}

func (hashTableHandler) Expand(ctx context.Context, be backend.Backend, v *Variable) (*Expansion, error) {
	parent := v.Parent
	if parent == nil {
		return nil, nil
	}
	p := parent.Expr

	nentries, ok, err := readLength(ctx, be, fmt.Sprintf("(int)((HTAB *)(%s))->hctl->nentries", p), v.FrameID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if nentries == 0 {
		return &Expansion{Replacement: v.WithoutChildren()}, nil
	}

	maxBucket, ok, err := readLength(ctx, be, fmt.Sprintf("(int)((HTAB *)(%s))->hctl->max_bucket", p), v.FrameID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	children := make([]*Variable, 0, nentries)
	iterations := 0
	for bucket := 0; bucket <= maxBucket && len(children) < nentries; bucket++ {
		elemExpr := fmt.Sprintf("((HTAB *)(%s))->dir[%d >> ((HTAB *)(%s))->sshift][%d & (((HTAB *)(%s))->ssize - 1)]",
			p, bucket, p, bucket, p)

		for {
			if iterations++; iterations > maxHashIterations {
				return nil, fmt.Errorf("%w: hash table iteration exceeded %d steps", backend.ErrEvaluation, maxHashIterations)
			}

			raw, err := be.Evaluate(ctx, elemExpr, v.FrameID, backend.PurposeWatch)
			if err != nil {
				if errors.Is(err, backend.ErrEvaluation) {
					return nil, nil
				}
				return nil, err
			}

			addr, decoded := be.ExtractPointer(raw)
			if !decoded || addr == 0 {
				break
			}

			entryExpr := fmt.Sprintf("(void *)((char *)(%s) + sizeof(HASHELEMENT))", elemExpr)
			children = append(children, &Variable{
				Name:          fmt.Sprintf("[%d]", len(children)),
				Expr:          entryExpr,
				DeclaredType:  "void *",
				EffectiveType: "void *",
				Value:         raw.Value,
				Kind:          backend.KindPointer,
				FrameID:       v.FrameID,
				Parent:        v,
			})

			elemExpr = fmt.Sprintf("(%s)->link", elemExpr)
		}
	}

	return &Expansion{Replacement: v, Children: children}, nil
}

// RegisterSimplehash installs a handler for a simplehash-generated table's
// data member. Simplehash instantiations share a layout: a size field for
// the slot array, a members count and a data array whose entries carry a
// status byte (1 = in use).
func (r *SpecialRegistry) RegisterSimplehash(owner string) {
	r.Register(SpecialKey{Tag: owner, Member: "data"}, simplehashHandler{})
}

// simplehashHandler expands a simplehash data array into its occupied slots.
type simplehashHandler struct{}

func (simplehashHandler) Expand(ctx context.Context, be backend.Backend, v *Variable) (*Expansion, error) {
	parent := v.Parent
	if parent == nil {
		return nil, nil
	}
	p := parent.Expr

	members, ok, err := readLength(ctx, be, fmt.Sprintf("(int)(%s)->members", p), v.FrameID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if members == 0 {
		return &Expansion{Replacement: v.WithoutChildren()}, nil
	}

	size, ok, err := readLength(ctx, be, fmt.Sprintf("(int)(%s)->size", p), v.FrameID)
	if err != nil {
		return nil, err
	}
	if !ok || size < members {
		return nil, nil
	}

	elemType := elementType(v.EffectiveType)
	children := make([]*Variable, 0, members)
	for slot := 0; slot < size && len(children) < members; slot++ {
		statusExpr := fmt.Sprintf("(int)(%s)->data[%d].status", p, slot)
		raw, err := be.Evaluate(ctx, statusExpr, v.FrameID, backend.PurposeWatch)
		if err != nil {
			if errors.Is(err, backend.ErrEvaluation) {
				return nil, nil
			}
			return nil, err
		}
		status, convErr := strconv.Atoi(strings.TrimSpace(raw.Value))
		if convErr != nil {
			return nil, nil
		}
		if status != 1 {
			continue
		}

		entryExpr := fmt.Sprintf("(%s)->data[%d]", p, slot)
		entry, err := be.Evaluate(ctx, entryExpr, v.FrameID, backend.PurposeWatch)
		if err != nil {
			if errors.Is(err, backend.ErrEvaluation) {
				children = append(children, errorLeaf(fmt.Sprintf("[%d]", len(children)), v, err))
				continue
			}
			return nil, err
		}

		children = append(children, &Variable{
			Name:          fmt.Sprintf("[%d]", len(children)),
			Expr:          entryExpr,
			DeclaredType:  elemType,
			EffectiveType: elemType,
			Value:         entry.Value,
			Kind:          be.Classify(entry),
			ChildrenRef:   entry.VariablesReference,
			FrameID:       v.FrameID,
			Parent:        v,
		})
	}

	return &Expansion{Replacement: v, Children: children}, nil
}

// errorLeaf renders a failed child as a descriptive leaf so siblings keep
// expanding.
func errorLeaf(name string, parent *Variable, err error) *Variable {
	return &Variable{
		Name:    name,
		Value:   fmt.Sprintf("<error: %v>", err),
		Kind:    backend.KindScalar,
		FrameID: parent.FrameID,
		Parent:  parent,
	}
}
