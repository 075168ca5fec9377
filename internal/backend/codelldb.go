package backend

import (
	"context"
	"fmt"
	"strings"
)

// CodeLLDB conventions:
//
//   - a null pointer renders as the literal "<null>" token
//   - unreadable pointers render as "<invalid address>"
//   - char pointers render as the bare quoted string summary, never
//     truncated with a marker, so long-string reassembly is a single decode
//   - frame handles encode the stack depth with offset 1001
const codelldbFrameOffset = 1001

const (
	lldbNullToken    = "<null>"
	lldbInvalidToken = "<invalid address>"
)

// CodeLLDB implements Backend for the CodeLLDB adapter family.
type CodeLLDB struct {
	conn
}

// NewCodeLLDB creates a CodeLLDB backend over a DAP connection.
func NewCodeLLDB(c Conn) *CodeLLDB {
	return &CodeLLDB{conn: conn{c: c}}
}

// Name identifies the adapter family.
func (b *CodeLLDB) Name() string { return "codelldb" }

// Evaluate evaluates an expression in a frame. CodeLLDB handles void calls
// without a spurious error, so both purposes behave identically.
func (b *CodeLLDB) Evaluate(ctx context.Context, expr string, frameID int, _ Purpose) (RawValue, error) {
	return b.evaluate(ctx, expr, frameID)
}

// ChildrenOf fetches the children behind a variables reference.
func (b *CodeLLDB) ChildrenOf(ctx context.Context, variablesRef int) ([]RawValue, error) {
	return b.children(ctx, variablesRef)
}

// Classify tags a raw value using CodeLLDB's textual conventions.
func (b *CodeLLDB) Classify(raw RawValue) ValueKind {
	value := strings.TrimSpace(raw.Value)

	switch {
	case isFlexArrayType(raw.Type):
		return KindFlexArray
	case isFixedArrayType(raw.Type):
		return KindFixedArray
	case isPointerType(raw.Type):
		switch {
		case value == lldbNullToken:
			return KindPointerNull
		case strings.HasPrefix(value, lldbInvalidToken):
			return KindPointerInvalid
		case strings.HasPrefix(value, "\""):
			// Char pointer rendered as its string summary.
			return KindPointer
		default:
			addr, ok := parseHexPointer(value)
			if !ok {
				return KindPointerInvalid
			}
			return classifyPointer(addr)
		}
	case raw.VariablesReference > 0:
		return KindStruct
	default:
		return KindScalar
	}
}

// ExtractString decodes CodeLLDB's quoted string summary.
func (b *CodeLLDB) ExtractString(raw RawValue) (string, bool) {
	return decodeLldbString(raw.Value)
}

// ExtractBool decodes a boolean rendering.
func (b *CodeLLDB) ExtractBool(raw RawValue) (bool, bool) {
	switch strings.TrimSpace(raw.Value) {
	case "true", "1":
		return true, true
	case "false", "0":
		return false, true
	default:
		return false, false
	}
}

// ExtractPointer decodes a pointer value from the rendering.
func (b *CodeLLDB) ExtractPointer(raw RawValue) (uint64, bool) {
	value := strings.TrimSpace(raw.Value)
	if value == lldbNullToken {
		return 0, true
	}
	return parseHexPointer(value)
}

// ExtractLongString decodes a string summary. CodeLLDB does not truncate
// with a marker, so no chunked re-evaluation is needed.
func (b *CodeLLDB) ExtractLongString(_ context.Context, raw RawValue, _ int) (string, bool, error) {
	s, ok := decodeLldbString(raw.Value)
	if !ok {
		return "", false, nil
	}
	return s, true, nil
}

// ArrayExpression renders a cast to a C array type, the form LLDB's
// expression evaluator accepts.
func (b *CodeLLDB) ArrayExpression(elemType, ptrExpr string, length int) string {
	return fmt.Sprintf("*(%s(*)[%d])(%s)", elemType, length, ptrExpr)
}

// FrameIndexFromHandle inverts the CodeLLDB frame-handle encoding.
func (b *CodeLLDB) FrameIndexFromHandle(handle int) (int, bool) {
	if handle < codelldbFrameOffset {
		return 0, false
	}
	return handle - codelldbFrameOffset, true
}

// decodeLldbString decodes a bare quoted string summary with standard
// escapes. ok is false when the value is not a string rendering.
func decodeLldbString(text string) (string, bool) {
	rest := strings.TrimSpace(text)
	if len(rest) < 2 || rest[0] != '"' {
		return "", false
	}

	var b strings.Builder
	i := 1
	for i < len(rest) {
		c := rest[i]
		switch c {
		case '"':
			// Anything after the closing quote is not a string rendering
			// we understand.
			if i != len(rest)-1 {
				return "", false
			}
			return b.String(), true
		case '\\':
			r, n, ok := decodeEscape(rest[i:])
			if !ok {
				return "", false
			}
			b.WriteByte(r)
			i += n
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", false
}
