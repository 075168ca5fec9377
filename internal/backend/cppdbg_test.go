package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ashenBlade/postgres-dev-helper-sub001/internal/dap"
)

// fakeConn implements Conn with scripted responses keyed by expression.
type fakeConn struct {
	evals    map[string]dap.EvaluateResponseBody
	evalErrs map[string]error
	children map[int][]dap.Variable
	calls    []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		evals:    make(map[string]dap.EvaluateResponseBody),
		evalErrs: make(map[string]error),
		children: make(map[int][]dap.Variable),
	}
}

func (f *fakeConn) Evaluate(_ context.Context, args dap.EvaluateArguments) (*dap.EvaluateResponseBody, error) {
	f.calls = append(f.calls, args.Expression)
	if err, ok := f.evalErrs[args.Expression]; ok {
		return nil, err
	}
	body, ok := f.evals[args.Expression]
	if !ok {
		return nil, &dap.RequestError{Command: "evaluate", Message: fmt.Sprintf("unknown expression %q", args.Expression)}
	}
	return &body, nil
}

func (f *fakeConn) Variables(_ context.Context, args dap.VariablesArguments) ([]dap.Variable, error) {
	vars, ok := f.children[args.VariablesReference]
	if !ok {
		return nil, &dap.RequestError{Command: "variables", Message: "unknown reference"}
	}
	return vars, nil
}

func TestCppDbgClassify(t *testing.T) {
	b := NewCppDbg(newFakeConn())

	tests := []struct {
		name string
		raw  RawValue
		want ValueKind
	}{
		{"valid pointer", RawValue{Type: "PlannerInfo *", Value: "0x55de4bcdd2c0"}, KindPointer},
		{"short null", RawValue{Type: "Node *", Value: "0x0"}, KindPointerNull},
		{"all zero hex", RawValue{Type: "Node *", Value: "0x0000000000000000"}, KindPointerNull},
		{"implausible address", RawValue{Type: "Node *", Value: "0x00000000000000a0"}, KindPointerInvalid},
		{"unreadable pointer", RawValue{Type: "Node *", Value: "<error reading memory>"}, KindPointerInvalid},
		{"char pointer with text", RawValue{Type: "char *", Value: `0x55de4bcd1000 "SELECT 1"`}, KindPointer},
		{"value struct", RawValue{Type: "QualCost", Value: "{...}", VariablesReference: 9}, KindStruct},
		{"fixed array", RawValue{Type: "char [64]", Value: `"pg_class"`}, KindFixedArray},
		{"flexible array", RawValue{Type: "ListCell []", Value: "{...}"}, KindFlexArray},
		{"scalar", RawValue{Type: "int", Value: "3"}, KindScalar},
		{"double pointer", RawValue{Type: "RelOptInfo **", Value: "0x55de4bce0000"}, KindPointer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.Classify(tt.raw); got != tt.want {
				t.Errorf("Classify(%q %q) = %v, want %v", tt.raw.Type, tt.raw.Value, got, tt.want)
			}
		})
	}
}

func TestDecodeGdbString(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      string
		truncated bool
		ok        bool
	}{
		{"plain", `0x55de4bcd1000 "hello"`, "hello", false, true},
		{"bare quoted", `"hello"`, "hello", false, true},
		{"escapes", `0x1000 "a\tb\nc\"d"`, "a\tb\nc\"d", false, true},
		{"octal escape", `0x1000 "a\000b"`, "a\x00b", false, true},
		{"repeats", `0x1000 'x' <repeats 5 times>`, "xxxxx", false, true},
		{"mixed segments", `0x1000 "ab", ' ' <repeats 3 times>, "cd"`, "ab   cd", false, true},
		{"truncated", `0x1000 "abc"...`, "abc", true, true},
		{"truncated after repeats", `0x1000 "ab", 'z' <repeats 10 times>...`, "ab" + strings.Repeat("z", 10), true, true},
		{"not a string", "0x55de4bcdd2c0", "", false, false},
		{"scalar", "42", "", false, false},
		{"unterminated", `0x1000 "abc`, "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, truncated, ok := decodeGdbString(tt.input)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !tt.ok {
				return
			}
			if got != tt.want {
				t.Errorf("decoded %q, want %q", got, tt.want)
			}
			if truncated != tt.truncated {
				t.Errorf("truncated = %v, want %v", truncated, tt.truncated)
			}
		})
	}
}

func TestCppDbgExtractLongString(t *testing.T) {
	fc := newFakeConn()
	b := NewCppDbg(fc)

	// First chunk: 150 literal characters plus a 50-character repeated-space
	// run that straddles the truncation boundary, then the marker.
	first := RawValue{
		Type:         "char *",
		Value:        `0x55de4bcd1000 "` + strings.Repeat("a", 150) + `", ' ' <repeats 50 times>...`,
		EvaluateName: "query->sourceText",
	}

	fc.evals["(const char *)(query->sourceText) + 200"] = dap.EvaluateResponseBody{
		Result: `0x55de4bcd10c8 'b' <repeats 200 times>...`,
		Type:   "const char *",
	}
	fc.evals["(const char *)(query->sourceText) + 400"] = dap.EvaluateResponseBody{
		Result: `0x55de4bcd1190 "` + strings.Repeat("c", 200) + `"...`,
		Type:   "const char *",
	}
	fc.evals["(const char *)(query->sourceText) + 600"] = dap.EvaluateResponseBody{
		Result: `0x55de4bcd1258 "` + strings.Repeat("d", 37) + `"`,
		Type:   "const char *",
	}

	got, ok, err := b.ExtractLongString(context.Background(), first, 1000)
	if err != nil {
		t.Fatalf("ExtractLongString: %v", err)
	}
	if !ok {
		t.Fatal("expected string value")
	}

	want := strings.Repeat("a", 150) + strings.Repeat(" ", 50) +
		strings.Repeat("b", 200) + strings.Repeat("c", 200) + strings.Repeat("d", 37)
	if len(got) != 637 {
		t.Fatalf("expected 637 characters, got %d", len(got))
	}
	if got != want {
		t.Error("reassembled string has dropped or duplicated characters")
	}
	if len(fc.calls) != 3 {
		t.Errorf("expected 3 chunk evaluations, got %d", len(fc.calls))
	}
}

func TestCppDbgExtractLongStringNotTruncated(t *testing.T) {
	fc := newFakeConn()
	b := NewCppDbg(fc)

	raw := RawValue{Type: "char *", Value: `0x1000 "short"`, EvaluateName: "s"}
	got, ok, err := b.ExtractLongString(context.Background(), raw, 1000)
	if err != nil {
		t.Fatalf("ExtractLongString: %v", err)
	}
	if !ok || got != "short" {
		t.Errorf("got %q ok=%v, want \"short\" true", got, ok)
	}
	if len(fc.calls) != 0 {
		t.Errorf("expected no re-evaluation for untruncated string, got %d calls", len(fc.calls))
	}
}

func TestCppDbgExtractLongStringNotAString(t *testing.T) {
	b := NewCppDbg(newFakeConn())

	raw := RawValue{Type: "int", Value: "42"}
	_, ok, err := b.ExtractLongString(context.Background(), raw, 1000)
	if err != nil {
		t.Fatalf("ExtractLongString: %v", err)
	}
	if ok {
		t.Error("expected ok=false for non-string value")
	}
}

func TestCppDbgExtractLongStringBounded(t *testing.T) {
	fc := newFakeConn()
	b := NewCppDbg(fc)

	// Every chunk claims to be truncated; the loop must give up instead of
	// spinning on corrupted memory.
	raw := RawValue{Type: "char *", Value: `0x1000 "x"...`, EvaluateName: "p"}
	for i := 0; i <= maxLongStringChunks; i++ {
		expr := fmt.Sprintf("(const char *)(p) + %d", 1+i)
		fc.evals[expr] = dap.EvaluateResponseBody{Result: `0x1000 "y"...`, Type: "const char *"}
	}

	_, _, err := b.ExtractLongString(context.Background(), raw, 1000)
	if !errors.Is(err, ErrEvaluation) {
		t.Fatalf("expected ErrEvaluation after chunk bound, got %v", err)
	}
}

func TestCppDbgVoidCallPurpose(t *testing.T) {
	fc := newFakeConn()
	b := NewCppDbg(fc)

	const expr = "(void) bms_free(tmpset)"
	fc.evalErrs[expr] = &dap.RequestError{Command: "evaluate", Message: "Unable to evaluate expression"}

	raw, err := b.Evaluate(context.Background(), expr, 1000, PurposeVoidCall)
	if err != nil {
		t.Fatalf("void-call evaluate should not fail: %v", err)
	}
	if raw.Value != "" {
		t.Errorf("expected empty result, got %q", raw.Value)
	}

	if _, err := b.Evaluate(context.Background(), expr, 1000, PurposeWatch); !errors.Is(err, ErrEvaluation) {
		t.Errorf("expected ErrEvaluation for watch purpose, got %v", err)
	}
}

func TestCppDbgFrameIndexFromHandle(t *testing.T) {
	b := NewCppDbg(newFakeConn())

	if idx, ok := b.FrameIndexFromHandle(1007); !ok || idx != 7 {
		t.Errorf("FrameIndexFromHandle(1007) = %d, %v; want 7, true", idx, ok)
	}
	if idx, ok := b.FrameIndexFromHandle(1000); !ok || idx != 0 {
		t.Errorf("FrameIndexFromHandle(1000) = %d, %v; want 0, true", idx, ok)
	}
	if _, ok := b.FrameIndexFromHandle(999); ok {
		t.Error("expected false for handle below the encoding offset")
	}
}

func TestCppDbgExtractors(t *testing.T) {
	b := NewCppDbg(newFakeConn())

	if v, ok := b.ExtractBool(RawValue{Value: "true"}); !ok || !v {
		t.Error("expected true")
	}
	if v, ok := b.ExtractBool(RawValue{Value: "false"}); !ok || v {
		t.Error("expected false")
	}
	if _, ok := b.ExtractBool(RawValue{Value: "maybe"}); ok {
		t.Error("expected decode failure for non-bool")
	}

	if p, ok := b.ExtractPointer(RawValue{Value: `0x55de4bcd1000 "text"`}); !ok || p != 0x55de4bcd1000 {
		t.Errorf("ExtractPointer = %#x, %v", p, ok)
	}
	if _, ok := b.ExtractPointer(RawValue{Value: "{...}"}); ok {
		t.Error("expected decode failure for struct rendering")
	}

	if s, ok := b.ExtractString(RawValue{Value: `0x1000 "abc"`}); !ok || s != "abc" {
		t.Errorf("ExtractString = %q, %v", s, ok)
	}
}

func TestCppDbgEvaluateMapsAdapterError(t *testing.T) {
	fc := newFakeConn()
	b := NewCppDbg(fc)

	fc.evalErrs["bogus"] = &dap.RequestError{Command: "evaluate", Message: "No symbol \"bogus\" in current context."}

	_, err := b.Evaluate(context.Background(), "bogus", 1000, PurposeWatch)
	if !errors.Is(err, ErrEvaluation) {
		t.Fatalf("expected ErrEvaluation, got %v", err)
	}
	if !strings.Contains(err.Error(), "No symbol") {
		t.Errorf("adapter message lost: %v", err)
	}
}
