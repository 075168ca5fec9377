package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// cppdbg (MS cpptools over gdb) conventions:
//
//   - pointers render as hex, "0x0" when null
//   - char pointers render as `0x<addr> "text"`, with gdb escape sequences,
//     `'c' <repeats N times>` shorthand and a trailing "..." marker when the
//     rendering is cut at the print-elements limit
//   - frame handles encode the stack depth with a fixed offset
//
// The offset and the truncation limit are adapter-build dependent; these
// values match the cpptools builds observed against PostgreSQL.
const (
	cppdbgFrameOffset = 1000

	// CppDbgTruncateAt is the rendered-string length at which cpptools
	// truncates and appends the "..." marker.
	CppDbgTruncateAt = 200
)

// maxLongStringChunks bounds the chunked re-evaluation loop. The loop is
// driven by live, possibly corrupted process memory, so it must not be
// allowed to run unbounded.
const maxLongStringChunks = 64

// CppDbg implements Backend for the MS cpptools (gdb) adapter family.
type CppDbg struct {
	conn
}

// NewCppDbg creates a cppdbg backend over a DAP connection.
func NewCppDbg(c Conn) *CppDbg {
	return &CppDbg{conn: conn{c: c}}
}

// Name identifies the adapter family.
func (b *CppDbg) Name() string { return "cppdbg" }

// Evaluate evaluates an expression in a frame. With PurposeVoidCall an
// adapter-reported failure is treated as success with an empty result,
// because gdb raises a generic error for void-returning calls.
func (b *CppDbg) Evaluate(ctx context.Context, expr string, frameID int, purpose Purpose) (RawValue, error) {
	raw, err := b.evaluate(ctx, expr, frameID)
	if err != nil {
		if purpose == PurposeVoidCall && errors.Is(err, ErrEvaluation) {
			return RawValue{EvaluateName: expr}, nil
		}
		return RawValue{}, err
	}
	return raw, nil
}

// ChildrenOf fetches the children behind a variables reference.
func (b *CppDbg) ChildrenOf(ctx context.Context, variablesRef int) ([]RawValue, error) {
	return b.children(ctx, variablesRef)
}

// Classify tags a raw value using gdb's textual conventions.
func (b *CppDbg) Classify(raw RawValue) ValueKind {
	switch {
	case isFlexArrayType(raw.Type):
		return KindFlexArray
	case isFixedArrayType(raw.Type):
		return KindFixedArray
	case isPointerType(raw.Type):
		addr, ok := parseHexPointer(raw.Value)
		if !ok {
			// Pointer-shaped type but unreadable value: do not let a
			// downstream dereference crash on it.
			return KindPointerInvalid
		}
		return classifyPointer(addr)
	case raw.VariablesReference > 0:
		return KindStruct
	default:
		return KindScalar
	}
}

// ExtractString decodes a gdb char-pointer rendering.
func (b *CppDbg) ExtractString(raw RawValue) (string, bool) {
	s, _, ok := decodeGdbString(raw.Value)
	return s, ok
}

// ExtractBool decodes a boolean rendering.
func (b *CppDbg) ExtractBool(raw RawValue) (bool, bool) {
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
func (b *CppDbg) ExtractPointer(raw RawValue) (uint64, bool) {
	return parseHexPointer(raw.Value)
}

// ExtractLongString decodes a string rendering, reassembling renderings that
// gdb truncated by re-evaluating successive byte-offset slices of the same
// pointer until a non-truncated chunk is seen.
func (b *CppDbg) ExtractLongString(ctx context.Context, raw RawValue, frameID int) (string, bool, error) {
	total, truncated, ok := decodeGdbString(raw.Value)
	if !ok {
		return "", false, nil
	}
	if !truncated {
		return total, true, nil
	}
	if raw.EvaluateName == "" {
		// No expression to slice; return the visible prefix.
		return total, true, nil
	}

	for i := 0; i < maxLongStringChunks; i++ {
		chunkExpr := fmt.Sprintf("(const char *)(%s) + %d", raw.EvaluateName, len(total))
		res, err := b.Evaluate(ctx, chunkExpr, frameID, PurposeWatch)
		if err != nil {
			return "", false, err
		}

		chunk, chunkTruncated, ok := decodeGdbString(res.Value)
		if !ok {
			return "", false, fmt.Errorf("%w: unexpected chunk rendering %q", ErrDecode, res.Value)
		}

		total += chunk
		if !chunkTruncated || chunk == "" {
			return total, true, nil
		}
	}

	return "", false, fmt.Errorf("%w: string exceeds %d chunks", ErrEvaluation, maxLongStringChunks)
}

// ArrayExpression renders gdb's artificial-array operator.
func (b *CppDbg) ArrayExpression(elemType, ptrExpr string, length int) string {
	return fmt.Sprintf("*(%s *)(%s)@%d", elemType, ptrExpr, length)
}

// FrameIndexFromHandle inverts the cpptools frame-handle encoding.
func (b *CppDbg) FrameIndexFromHandle(handle int) (int, bool) {
	if handle < cppdbgFrameOffset {
		return 0, false
	}
	return handle - cppdbgFrameOffset, true
}

// decodeGdbString decodes gdb's string rendering into literal characters.
// It handles an optional leading address, escape sequences, the
// `'c' <repeats N times>` shorthand, and reports whether the rendering ends
// in the "..." truncation marker. ok is false when the value is not a
// string rendering at all.
func decodeGdbString(text string) (s string, truncated, ok bool) {
	rest := strings.TrimSpace(text)

	if strings.HasPrefix(rest, "0x") {
		i := strings.IndexByte(rest, ' ')
		if i < 0 {
			return "", false, false
		}
		rest = strings.TrimSpace(rest[i+1:])
	}
	if rest == "" || (rest[0] != '"' && rest[0] != '\'') {
		return "", false, false
	}

	var b strings.Builder
	for rest != "" {
		var seg string
		var segOK bool

		switch rest[0] {
		case '"':
			seg, rest, segOK = decodeQuotedSegment(rest)
		case '\'':
			seg, rest, segOK = decodeRepeatSegment(rest)
		default:
			return "", false, false
		}
		if !segOK {
			return "", false, false
		}
		b.WriteString(seg)

		rest = strings.TrimSpace(rest)
		if strings.HasPrefix(rest, "...") {
			// Truncation marker is always final.
			return b.String(), true, true
		}
		if strings.HasPrefix(rest, ",") {
			rest = strings.TrimSpace(rest[1:])
		}
	}

	return b.String(), false, true
}

// decodeQuotedSegment decodes one double-quoted segment, returning the
// remainder after the closing quote.
func decodeQuotedSegment(text string) (string, string, bool) {
	var b strings.Builder
	i := 1 // skip opening quote

	for i < len(text) {
		c := text[i]
		switch c {
		case '"':
			return b.String(), text[i+1:], true
		case '\\':
			r, n, ok := decodeEscape(text[i:])
			if !ok {
				return "", "", false
			}
			b.WriteByte(r)
			i += n
		default:
			b.WriteByte(c)
			i++
		}
	}
	// Unterminated segment.
	return "", "", false
}

// decodeRepeatSegment decodes `'c' <repeats N times>`, expanding the
// character back to literal form so offset accounting stays exact even when
// the shorthand straddles a truncation boundary.
func decodeRepeatSegment(text string) (string, string, bool) {
	i := 1
	if i >= len(text) {
		return "", "", false
	}

	var ch byte
	if text[i] == '\\' {
		r, n, ok := decodeEscape(text[i:])
		if !ok {
			return "", "", false
		}
		ch = r
		i += n
	} else {
		ch = text[i]
		i++
	}

	if i >= len(text) || text[i] != '\'' {
		return "", "", false
	}
	i++

	const marker = " <repeats "
	if !strings.HasPrefix(text[i:], marker) {
		return "", "", false
	}
	i += len(marker)

	end := strings.Index(text[i:], " times>")
	if end < 0 {
		return "", "", false
	}
	count, err := strconv.Atoi(text[i : i+end])
	if err != nil || count < 0 {
		return "", "", false
	}
	i += end + len(" times>")

	return strings.Repeat(string(ch), count), text[i:], true
}

// decodeEscape decodes one backslash escape, returning the literal byte and
// the number of input bytes consumed.
func decodeEscape(text string) (byte, int, bool) {
	if len(text) < 2 || text[0] != '\\' {
		return 0, 0, false
	}

	switch text[1] {
	case 'n':
		return '\n', 2, true
	case 't':
		return '\t', 2, true
	case 'r':
		return '\r', 2, true
	case '\\':
		return '\\', 2, true
	case '"':
		return '"', 2, true
	case '\'':
		return '\'', 2, true
	case '0', '1', '2', '3', '4', '5', '6', '7':
		// Octal escape, up to three digits.
		val := 0
		n := 1
		for n < 4 && n < len(text) && text[n] >= '0' && text[n] <= '7' {
			val = val*8 + int(text[n]-'0')
			n++
		}
		return byte(val), n, true
	default:
		return 0, 0, false
	}
}
