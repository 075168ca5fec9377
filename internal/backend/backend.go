// Package backend abstracts the two supported debug-adapter families behind
// one contract. The adapters render identical runtime state differently
// (null pointers, strings, frame handles), so everything that interprets
// adapter text lives here, per family.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashenBlade/postgres-dev-helper-sub001/internal/dap"
)

// ValueKind classifies a raw adapter value.
type ValueKind int

const (
	// KindScalar is a plain scalar value (int, enum, bool, ...).
	KindScalar ValueKind = iota
	// KindPointer is a dereferenceable non-null pointer.
	KindPointer
	// KindPointerNull is a null pointer.
	KindPointerNull
	// KindPointerInvalid is a pointer-shaped value at an implausible address.
	KindPointerInvalid
	// KindStruct is a struct held by value.
	KindStruct
	// KindFixedArray is an array with a declared length, e.g. "char [64]".
	KindFixedArray
	// KindFlexArray is a flexible array member, e.g. "ListCell []".
	KindFlexArray
)

// String returns a human-readable kind name.
func (k ValueKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindPointer:
		return "pointer"
	case KindPointerNull:
		return "null pointer"
	case KindPointerInvalid:
		return "invalid pointer"
	case KindStruct:
		return "struct"
	case KindFixedArray:
		return "fixed array"
	case KindFlexArray:
		return "flexible array"
	default:
		return "unknown"
	}
}

// Purpose distinguishes evaluation intents. PurposeVoidCall marks an
// expression that may legally evaluate to void; the cppdbg family reports a
// generic error for those, which must be treated as success.
type Purpose int

const (
	// PurposeWatch is a normal evaluation.
	PurposeWatch Purpose = iota
	// PurposeVoidCall tolerates a void-returning call expression.
	PurposeVoidCall
)

// RawValue is one adapter-reported value before interpretation.
type RawValue struct {
	// Name is the field or slot name ("" for evaluate results).
	Name string

	// Value is the adapter's textual rendering.
	Value string

	// Type is the adapter-reported type string.
	Type string

	// EvaluateName is an expression that reproduces this value.
	EvaluateName string

	// VariablesReference fetches children while the debuggee stays suspended.
	VariablesReference int

	// MemoryReference is the memory location, when the adapter reports one.
	MemoryReference string
}

// MinValidAddress is the lowest address treated as a plausible pointer
// target. Pointer-shaped values below it come from garbage or uninitialized
// memory and are classified invalid instead of being dereferenced.
const MinValidAddress = 0x1000

// Conn is the slice of the DAP client the backends need.
type Conn interface {
	Evaluate(ctx context.Context, args dap.EvaluateArguments) (*dap.EvaluateResponseBody, error)
	Variables(ctx context.Context, args dap.VariablesArguments) ([]dap.Variable, error)
}

// Backend is the per-adapter-family contract. Implementations are stateless
// apart from their connection; one is selected at session start.
type Backend interface {
	// Name identifies the adapter family.
	Name() string

	// Evaluate evaluates an expression in a frame.
	Evaluate(ctx context.Context, expr string, frameID int, purpose Purpose) (RawValue, error)

	// ChildrenOf fetches the children behind a variables reference.
	ChildrenOf(ctx context.Context, variablesRef int) ([]RawValue, error)

	// Classify tags a raw value. Pure function over the textual rendering.
	Classify(raw RawValue) ValueKind

	// ExtractString decodes a string rendering. Best effort; false means
	// the value is not a string in this family's conventions.
	ExtractString(raw RawValue) (string, bool)

	// ExtractBool decodes a boolean rendering.
	ExtractBool(raw RawValue) (bool, bool)

	// ExtractPointer decodes a pointer value from the rendering.
	ExtractPointer(raw RawValue) (uint64, bool)

	// ExtractLongString decodes a string, re-evaluating byte-offset slices
	// until the full contents are assembled when the adapter truncates the
	// rendering. false means the value is not a string.
	ExtractLongString(ctx context.Context, raw RawValue, frameID int) (string, bool, error)

	// ArrayExpression renders this family's expression for viewing length
	// elements of elemType behind ptrExpr.
	ArrayExpression(elemType, ptrExpr string, length int) string

	// FrameIndexFromHandle inverts the adapter's frame-handle encoding back
	// to a stable stack index. false when the family provides no such
	// guarantee.
	FrameIndexFromHandle(handle int) (int, bool)
}

// conn wraps a Conn with shared request plumbing and error mapping.
type conn struct {
	c Conn
}

// evaluate issues an evaluate request and maps adapter failures onto the
// package error taxonomy.
func (c conn) evaluate(ctx context.Context, expr string, frameID int) (RawValue, error) {
	body, err := c.c.Evaluate(ctx, dap.EvaluateArguments{
		Expression: expr,
		FrameID:    frameID,
		Context:    "watch",
	})
	if err != nil {
		return RawValue{}, mapRequestError(err)
	}

	return RawValue{
		Value:              body.Result,
		Type:               body.Type,
		EvaluateName:       expr,
		VariablesReference: body.VariablesReference,
		MemoryReference:    body.MemoryReference,
	}, nil
}

// children fetches child variables for a reference.
func (c conn) children(ctx context.Context, variablesRef int) ([]RawValue, error) {
	vars, err := c.c.Variables(ctx, dap.VariablesArguments{VariablesReference: variablesRef})
	if err != nil {
		return nil, mapRequestError(err)
	}

	result := make([]RawValue, len(vars))
	for i, v := range vars {
		result[i] = RawValue{
			Name:               v.Name,
			Value:              v.Value,
			Type:               v.Type,
			EvaluateName:       v.EvaluateName,
			VariablesReference: v.VariablesReference,
			MemoryReference:    v.MemoryReference,
		}
	}
	return result, nil
}

// mapRequestError converts transport/adapter errors to the taxonomy.
func mapRequestError(err error) error {
	var reqErr *dap.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: %s", ErrEvaluation, reqErr.Message)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Anything else means the transport or session is gone.
	return fmt.Errorf("%w: %v", ErrNoActiveSession, err)
}

// isPointerType reports whether a declared type is a single or multi-level
// pointer.
func isPointerType(typ string) bool {
	return strings.HasSuffix(strings.TrimSpace(typ), "*")
}

// isFixedArrayType matches declarations like "char [64]" or "Oid [8]".
func isFixedArrayType(typ string) bool {
	typ = strings.TrimSpace(typ)
	if !strings.HasSuffix(typ, "]") {
		return false
	}
	open := strings.LastIndexByte(typ, '[')
	if open < 0 {
		return false
	}
	inner := typ[open+1 : len(typ)-1]
	if inner == "" {
		return false
	}
	_, err := strconv.Atoi(strings.TrimSpace(inner))
	return err == nil
}

// isFlexArrayType matches flexible array members like "ListCell []".
func isFlexArrayType(typ string) bool {
	typ = strings.TrimSpace(typ)
	return strings.HasSuffix(typ, "[]")
}

// parseHexPointer extracts a leading hex address from a value rendering.
func parseHexPointer(value string) (uint64, bool) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "0x") && !strings.HasPrefix(value, "0X") {
		return 0, false
	}
	hex := value[2:]
	if i := strings.IndexByte(hex, ' '); i >= 0 {
		hex = hex[:i]
	}
	if hex == "" {
		return 0, false
	}
	addr, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, false
	}
	return addr, true
}

// classifyPointer maps a parsed address onto the pointer kinds.
func classifyPointer(addr uint64) ValueKind {
	switch {
	case addr == 0:
		return KindPointerNull
	case addr < MinValidAddress:
		return KindPointerInvalid
	default:
		return KindPointer
	}
}
