package pgnode

import (
	"regexp"
	"strings"
	"sync"
)

// tagMarker is the prefix NodeTag enum members carry in nodetags.h.
const tagMarker = "T_"

var (
	tagPattern        = regexp.MustCompile(`^[A-Za-z]+$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// IsIdentifier reports whether text is a valid C identifier.
func IsIdentifier(text string) bool {
	return identifierPattern.MatchString(text)
}

// LooksLikeTag reports whether text is a plausible NodeTag member name
// (after the T_ prefix is stripped upstream). Rejects hex, numbers and
// anything else garbage memory tends to produce.
func LooksLikeTag(text string) bool {
	return tagPattern.MatchString(text)
}

// TagRegistry holds the known tagged-union root type names, plus user
// declared aliases mapping typedef'd names onto them. Append-only during a
// session; Reset starts over at session start.
type TagRegistry struct {
	mu      sync.RWMutex
	roots   map[string]struct{}
	aliases map[string]string
}

// NewTagRegistry creates a registry seeded with the built-in node types.
func NewTagRegistry() *TagRegistry {
	r := &TagRegistry{
		roots:   make(map[string]struct{}),
		aliases: make(map[string]string),
	}
	r.seed()
	return r
}

// builtinRoots covers the node types inspection hits constantly even when no
// nodetags.h has been loaded yet. The full set comes from RegisterFromText.
var builtinRoots = []string{
	"Node", "Expr", "List", "IntList", "OidList",
	"Query", "PlannedStmt", "PlannerInfo", "PlannerGlobal", "RelOptInfo",
	"RestrictInfo", "TargetEntry", "RangeTblEntry", "EquivalenceClass",
	"EquivalenceMember", "PathKey", "PathTarget", "ParamPathInfo",
	"Path", "IndexPath", "NestPath", "MergePath", "HashPath", "AppendPath",
	"Plan", "Result", "Append", "SeqScan", "IndexScan", "NestLoop",
	"MergeJoin", "HashJoin", "Agg", "Sort", "Limit", "Material",
	"Var", "Const", "Param", "FuncExpr", "OpExpr", "BoolExpr", "Aggref",
	"WindowFunc", "SubLink", "SubPlan", "CaseExpr", "CoalesceExpr",
	"NullTest", "BooleanTest", "RelabelType", "CoerceViaIO",
	"Bitmapset", "MemoryContext",
}

func (r *TagRegistry) seed() {
	for _, name := range builtinRoots {
		r.roots[name] = struct{}{}
	}
}

// Reset drops everything registered during the session and re-seeds the
// built-ins.
func (r *TagRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots = make(map[string]struct{})
	r.aliases = make(map[string]string)
	r.seed()
}

// RegisterRoot adds one tagged-union root type name. Non-identifier and
// duplicate names are ignored, not errors.
func (r *TagRegistry) RegisterRoot(name string) {
	if !identifierPattern.MatchString(name) {
		return
	}
	r.mu.Lock()
	r.roots[name] = struct{}{}
	r.mu.Unlock()
}

// RegisterFromText scans header-like lines for NodeTag enum members
// ("T_PlannerInfo = 225,") and registers each one. Returns the number of
// names added.
func (r *TagRegistry) RegisterFromText(lines []string) int {
	added := 0
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, line := range lines {
		name, ok := parseTagLine(line)
		if !ok {
			continue
		}
		if _, dup := r.roots[name]; dup {
			continue
		}
		r.roots[name] = struct{}{}
		added++
	}
	return added
}

// parseTagLine extracts the identifier from one "T_Name = N," style line.
func parseTagLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, tagMarker) {
		return "", false
	}
	name := strings.TrimPrefix(line, tagMarker)

	// Strip trailing assignment and punctuation.
	if i := strings.IndexAny(name, " \t=,;"); i >= 0 {
		name = name[:i]
	}
	if !identifierPattern.MatchString(name) {
		return "", false
	}
	return name, true
}

// RegisterAlias maps a typedef'd name onto a registered type, e.g.
// Relids -> Bitmapset. The target is not validated here; configuration
// validation happens in the config package.
func (r *TagRegistry) RegisterAlias(alias, target string) {
	if !identifierPattern.MatchString(alias) || !identifierPattern.MatchString(target) {
		return
	}
	r.mu.Lock()
	r.aliases[alias] = target
	r.mu.Unlock()
}

// ResolveAlias maps a type name through the alias table, returning the name
// unchanged when no alias is registered.
func (r *TagRegistry) ResolveAlias(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[name]; ok {
		return target
	}
	return name
}

// HasRoot reports whether a bare type name is a registered root.
func (r *TagRegistry) HasRoot(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roots[name]
	return ok
}

// IsNodeType reports whether a declared type names a tagged-hierarchy member
// behind exactly one pointer level, after stripping const/struct qualifiers
// and resolving aliases.
func (r *TagRegistry) IsNodeType(declared string) bool {
	base, stars := splitCType(declared)
	if stars != 1 {
		return false
	}
	return r.HasRoot(r.ResolveAlias(base))
}

// TypeNameForTag maps a recovered tag onto the struct name to cast to. The
// two List variants share the List struct; everything else casts to the tag
// name itself (through the alias table).
func (r *TagRegistry) TypeNameForTag(tag string) string {
	switch tag {
	case "IntList", "OidList":
		return "List"
	}
	return r.ResolveAlias(tag)
}

// splitCType splits a declared C type into its base identifier and pointer
// depth, dropping const/struct/volatile qualifiers.
func splitCType(typ string) (string, int) {
	typ = strings.TrimSpace(typ)

	stars := 0
	for strings.HasSuffix(typ, "*") {
		stars++
		typ = strings.TrimSpace(strings.TrimSuffix(typ, "*"))
	}

	fields := strings.Fields(typ)
	base := ""
	for _, f := range fields {
		switch f {
		case "const", "struct", "volatile":
			continue
		default:
			base = f
		}
	}
	return base, stars
}
