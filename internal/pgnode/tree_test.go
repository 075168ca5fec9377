package pgnode

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/ashenBlade/postgres-dev-helper-sub001/internal/backend"
	"github.com/ashenBlade/postgres-dev-helper-sub001/internal/dap"
)

type fakeStack struct {
	localsRef map[int]int
	err       error
}

func (s *fakeStack) LocalsReference(_ context.Context, frameID int) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	ref, ok := s.localsRef[frameID]
	if !ok {
		return 0, backend.ErrNoActiveSession
	}
	return ref, nil
}

func stackWithLocals(frameID, ref int) *fakeStack {
	return &fakeStack{localsRef: map[int]int{frameID: ref}}
}

func newTestTree(fc *fakeConn, stack Stack) *Tree {
	return NewTree(backend.NewCppDbg(fc), stack, NewTagRegistry(), NewSpecialRegistry(), nil)
}

func TestTopLevelRecoversLocals(t *testing.T) {
	fc := newFakeConn()
	fc.children[100] = []dap.Variable{
		{Name: "root", Value: "0x55de0000", Type: "PlannerInfo *", EvaluateName: "root", VariablesReference: 5},
		{Name: "nrels", Value: "3", Type: "int", EvaluateName: "nrels"},
	}
	fc.evals["((Node *)(root))->type"] = dap.EvaluateResponseBody{Result: "T_PlannerInfo", Type: "NodeTag"}

	tree := newTestTree(fc, stackWithLocals(7, 100))
	vars, err := tree.TopLevel(context.Background(), 7)
	if err != nil {
		t.Fatalf("TopLevel: %v", err)
	}
	if len(vars) != 2 {
		t.Fatalf("vars = %d, want 2", len(vars))
	}

	if vars[0].State.Kind != StateRecovered || vars[0].State.Tag != "PlannerInfo" {
		t.Errorf("root state = %v", vars[0].State)
	}
	if vars[0].FrameID != 7 {
		t.Errorf("root frame = %d, want 7", vars[0].FrameID)
	}
	if vars[1].State.Kind != StateUntyped || vars[1].Kind != backend.KindScalar {
		t.Errorf("nrels = %+v", vars[1])
	}
}

func TestTopLevelPropagatesSessionLoss(t *testing.T) {
	tree := newTestTree(newFakeConn(), &fakeStack{err: backend.ErrNoActiveSession})
	_, err := tree.TopLevel(context.Background(), 0)
	if !errors.Is(err, backend.ErrNoActiveSession) {
		t.Fatalf("err = %v, want ErrNoActiveSession", err)
	}
}

func TestTopLevelOfNonTopFrame(t *testing.T) {
	fc := newFakeConn()
	// Frame 3 holds its own locals scope, distinct from the top frame's.
	fc.children[300] = []dap.Variable{
		{Name: "parse", Value: "0x55de1000", Type: "Query *", EvaluateName: "parse", VariablesReference: 6},
	}
	fc.evals["((Node *)(parse))->type"] = dap.EvaluateResponseBody{Result: "T_Query", Type: "NodeTag"}

	stack := &fakeStack{localsRef: map[int]int{0: 100, 3: 300}}
	tree := newTestTree(fc, stack)

	vars, err := tree.TopLevel(context.Background(), 3)
	if err != nil {
		t.Fatalf("TopLevel: %v", err)
	}
	if len(vars) != 1 || vars[0].Name != "parse" {
		t.Fatalf("vars = %+v", vars)
	}
	if vars[0].State.Tag != "Query" {
		t.Errorf("tag = %q, want Query", vars[0].State.Tag)
	}
	if vars[0].FrameID != 3 {
		t.Errorf("frame = %d, want 3", vars[0].FrameID)
	}
}

func TestChildrenGenericStruct(t *testing.T) {
	fc := newFakeConn()
	fc.children[5] = []dap.Variable{
		{Name: "type", Value: "T_PlannerInfo", Type: "NodeTag"},
		{Name: "parse", Value: "0x55de1000", Type: "Query *", EvaluateName: "((PlannerInfo *)(root))->parse", VariablesReference: 6},
	}
	fc.evals["((Node *)(((PlannerInfo *)(root))->parse))->type"] = dap.EvaluateResponseBody{Result: "T_Query", Type: "NodeTag"}

	tree := newTestTree(fc, &fakeStack{})
	parent := pointerVar("root", "((PlannerInfo *)(root))", "PlannerInfo *", "0x55de0000", 5).WithTag("PlannerInfo")
	parent.FrameID = 0

	children, err := tree.Children(context.Background(), parent)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}
	if children[0].Kind != backend.KindScalar {
		t.Errorf("tag member kind = %v", children[0].Kind)
	}
	if children[1].State.Tag != "Query" {
		t.Errorf("parse tag = %q, want Query", children[1].State.Tag)
	}
	if children[1].Parent != parent {
		t.Error("parent back-reference lost")
	}
}

func TestChildrenDispatchesSpecial(t *testing.T) {
	fc := newFakeConn()
	be := backend.NewCppDbg(fc)

	parent := listParent("l")
	cells := "((List *)(l))->elements"
	elements := memberVar("elements", cells, "ListCell *", parent, 12)

	fc.evals["((List *)(l))->length"] = dap.EvaluateResponseBody{Result: "2", Type: "int"}
	arrExpr := be.ArrayExpression("Node *", cells, 2)
	fc.evals[arrExpr] = dap.EvaluateResponseBody{Result: "{...}", Type: "Node *[2]", VariablesReference: 40}

	e0 := "((Node **)(" + cells + "))[0]"
	e1 := "((Node **)(" + cells + "))[1]"
	fc.children[40] = []dap.Variable{
		{Name: "[0]", Value: "0x5000", Type: "Node *", EvaluateName: e0, VariablesReference: 41},
		{Name: "[1]", Value: "0x5040", Type: "Node *", EvaluateName: e1, VariablesReference: 42},
	}

	// Each element is independently recovered.
	fc.evals["((Node *)("+e0+"))->type"] = dap.EvaluateResponseBody{Result: "T_RestrictInfo", Type: "NodeTag"}
	fc.evals["((RestrictInfo *)("+e0+"))"] = dap.EvaluateResponseBody{Result: "0x5000", Type: "RestrictInfo *", VariablesReference: 43}
	fc.evals["((Node *)("+e1+"))->type"] = dap.EvaluateResponseBody{Result: "0xdeadbeef", Type: "NodeTag"}

	tree := newTestTree(fc, &fakeStack{})
	children, err := tree.Children(context.Background(), elements)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}
	if children[0].State.Tag != "RestrictInfo" || children[0].EffectiveType != "RestrictInfo *" {
		t.Errorf("child 0 = %+v", children[0])
	}
	if children[1].State.Kind != StateGarbage {
		t.Errorf("child 1 state = %v, want garbage", children[1].State)
	}
}

func TestChildrenOfNullPointer(t *testing.T) {
	tree := newTestTree(newFakeConn(), &fakeStack{})
	v := &Variable{Name: "p", EffectiveType: "Node *", Value: "0x0", Kind: backend.KindPointerNull, ChildrenRef: 3}

	children, err := tree.Children(context.Background(), v)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if children != nil {
		t.Errorf("null pointer expanded: %+v", children)
	}
}

func TestChildrenRefreshesDroppedHandle(t *testing.T) {
	fc := newFakeConn()
	// A recast that kept the declared shape has no variables reference;
	// expansion re-evaluates the expression to obtain one.
	fc.evals["n"] = dap.EvaluateResponseBody{Result: "0x4000", Type: "Node *", VariablesReference: 8}
	fc.children[8] = []dap.Variable{
		{Name: "type", Value: "T_Invalid", Type: "NodeTag"},
	}

	tree := newTestTree(fc, &fakeStack{})
	v := pointerVar("n", "n", "Node *", "0x4000", 0)
	v.State = TypeState{Kind: StateRecovered, Tag: "CustomScanState"}

	children, err := tree.Children(context.Background(), v)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 1 || children[0].Name != "type" {
		t.Fatalf("children = %+v", children)
	}
}

func TestLongStringDecoration(t *testing.T) {
	fc := newFakeConn()
	prefix := strings.Repeat("a", backend.CppDbgTruncateAt)
	fc.children[100] = []dap.Variable{
		{Name: "query", Value: `0x5000 "` + prefix + `"...`, Type: "char *", EvaluateName: "query"},
	}
	fc.evals["(const char *)(query) + "+strconv.Itoa(backend.CppDbgTruncateAt)] = dap.EvaluateResponseBody{
		Result: `0x50c8 " WHERE id = 1"`,
		Type:   "char *",
	}

	tree := newTestTree(fc, stackWithLocals(0, 100))
	vars, err := tree.TopLevel(context.Background(), 0)
	if err != nil {
		t.Fatalf("TopLevel: %v", err)
	}

	want := strconv.Quote(prefix + " WHERE id = 1")
	if vars[0].Value != want {
		t.Errorf("value = %q, want the reassembled string", vars[0].Value)
	}
}

func TestShortStringNotRewritten(t *testing.T) {
	fc := newFakeConn()
	fc.children[100] = []dap.Variable{
		{Name: "name", Value: `0x5000 "pg_class"`, Type: "char *", EvaluateName: "name"},
	}

	tree := newTestTree(fc, stackWithLocals(0, 100))
	vars, err := tree.TopLevel(context.Background(), 0)
	if err != nil {
		t.Fatalf("TopLevel: %v", err)
	}
	if vars[0].Value != `0x5000 "pg_class"` {
		t.Errorf("untruncated rendering rewritten: %q", vars[0].Value)
	}
}

func TestDecorationPropagatesSessionLoss(t *testing.T) {
	fc := newFakeConn()
	prefix := strings.Repeat("a", backend.CppDbgTruncateAt)
	fc.children[100] = []dap.Variable{
		{Name: "query", Value: `0x5000 "` + prefix + `"...`, Type: "char *", EvaluateName: "query"},
	}
	// The continuation chunk hits a dropped connection mid-decoration.
	fc.lost["(const char *)(query) + "+strconv.Itoa(backend.CppDbgTruncateAt)] = true

	tree := newTestTree(fc, stackWithLocals(0, 100))
	_, err := tree.TopLevel(context.Background(), 0)
	if !errors.Is(err, backend.ErrNoActiveSession) {
		t.Fatalf("err = %v, want ErrNoActiveSession", err)
	}
}

func TestDecorationEvaluationFailureKeepsValue(t *testing.T) {
	fc := newFakeConn()
	fc.children[100] = []dap.Variable{
		{Name: "cxt", Value: "0x7f3a0000", Type: "MemoryContext", EvaluateName: "cxt", VariablesReference: 9},
	}
	fc.fail["((MemoryContextData *)(cxt))->name"] = "Cannot access memory"

	tree := newTestTree(fc, stackWithLocals(0, 100))
	vars, err := tree.TopLevel(context.Background(), 0)
	if err != nil {
		t.Fatalf("TopLevel: %v", err)
	}
	if vars[0].Value != "0x7f3a0000" {
		t.Errorf("value = %q, want the undecorated rendering", vars[0].Value)
	}
}

func TestMemoryContextNameDecoration(t *testing.T) {
	fc := newFakeConn()
	fc.children[100] = []dap.Variable{
		{Name: "cxt", Value: "0x7f3a0000", Type: "MemoryContext", EvaluateName: "cxt", VariablesReference: 9},
	}
	fc.evals["((MemoryContextData *)(cxt))->name"] = dap.EvaluateResponseBody{
		Result: `0x5000 "CacheMemoryContext"`,
		Type:   "const char *",
	}

	tree := newTestTree(fc, stackWithLocals(0, 100))
	vars, err := tree.TopLevel(context.Background(), 0)
	if err != nil {
		t.Fatalf("TopLevel: %v", err)
	}
	if vars[0].Value != "0x7f3a0000 (CacheMemoryContext)" {
		t.Errorf("value = %q", vars[0].Value)
	}
}

func TestDisplayLine(t *testing.T) {
	v := &Variable{Name: "root", EffectiveType: "PlannerInfo *", Value: "0x55de0000"}
	if got := v.Display(); got != "root: PlannerInfo * = 0x55de0000" {
		t.Errorf("Display() = %q", got)
	}
}
