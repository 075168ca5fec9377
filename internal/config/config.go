// Package config loads user extension files: NodeTag dumps taken from
// nodetags.h and YAML declarations of type aliases and array members whose
// length lives in a sibling field.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ashenBlade/postgres-dev-helper-sub001/internal/pgnode"
)

// File is the YAML extension file shape.
type File struct {
	Aliases []AliasRecord `yaml:"aliases"`
	Arrays  []ArrayRecord `yaml:"arrays"`
}

// AliasRecord maps a typedef'd name onto a registered node type.
type AliasRecord struct {
	Alias string `yaml:"alias"`
	Type  string `yaml:"type"`
}

// ArrayRecord declares a struct member expanded as an array whose element
// count is held by a sibling field.
type ArrayRecord struct {
	OwnerType   string `yaml:"ownerType"`
	MemberName  string `yaml:"memberName"`
	LengthField string `yaml:"lengthField"`
}

// ConfigError reports one rejected record. Rejections are per record: the
// valid remainder of the file is still applied.
type ConfigError struct {
	Section string
	Index   int
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s[%d]: %s", e.Section, e.Index, e.Reason)
}

// Parse decodes a YAML extension file.
func Parse(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &f, nil
}

// Load reads and decodes a YAML extension file from disk.
func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return Parse(fh)
}

// Apply validates each record and installs the valid ones into the
// registries. One rejected record never blocks its neighbors; every
// rejection comes back as a *ConfigError naming the offending record.
func Apply(f *File, reg *pgnode.TagRegistry, specials *pgnode.SpecialRegistry, log *zap.Logger) []error {
	if log == nil {
		log = zap.NewNop()
	}
	var errs []error

	for i, a := range f.Aliases {
		if reason, ok := checkAlias(a, reg); !ok {
			errs = append(errs, &ConfigError{Section: "aliases", Index: i, Reason: reason})
			continue
		}
		reg.RegisterAlias(a.Alias, a.Type)
		log.Debug("registered alias", zap.String("alias", a.Alias), zap.String("type", a.Type))
	}

	for i, a := range f.Arrays {
		if reason, ok := checkArray(a, reg); !ok {
			errs = append(errs, &ConfigError{Section: "arrays", Index: i, Reason: reason})
			continue
		}
		specials.RegisterArray(pgnode.ArraySpecial{
			Owner:       a.OwnerType,
			Member:      a.MemberName,
			LengthField: a.LengthField,
		})
		log.Debug("registered array member",
			zap.String("owner", a.OwnerType),
			zap.String("member", a.MemberName),
			zap.String("length", a.LengthField))
	}

	return errs
}

func checkAlias(a AliasRecord, reg *pgnode.TagRegistry) (string, bool) {
	switch {
	case !pgnode.IsIdentifier(a.Alias):
		return fmt.Sprintf("alias %q is not an identifier", a.Alias), false
	case !pgnode.IsIdentifier(a.Type):
		return fmt.Sprintf("type %q is not an identifier", a.Type), false
	case !reg.HasRoot(a.Type):
		return fmt.Sprintf("type %q is not a registered node type", a.Type), false
	}
	return "", true
}

func checkArray(a ArrayRecord, reg *pgnode.TagRegistry) (string, bool) {
	switch {
	case !pgnode.IsIdentifier(a.OwnerType):
		return fmt.Sprintf("ownerType %q is not an identifier", a.OwnerType), false
	case !pgnode.IsIdentifier(a.MemberName):
		return fmt.Sprintf("memberName %q is not an identifier", a.MemberName), false
	case !pgnode.IsIdentifier(a.LengthField):
		return fmt.Sprintf("lengthField %q is not an identifier", a.LengthField), false
	case !reg.HasRoot(reg.ResolveAlias(a.OwnerType)):
		return fmt.Sprintf("ownerType %q is not a registered node type", a.OwnerType), false
	}
	return "", true
}

// LoadNodeTags scans a nodetags.h style file and registers every NodeTag
// member found. Returns the number of tags added.
func LoadNodeTags(path string, reg *pgnode.TagRegistry) (int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open nodetags: %w", err)
	}
	defer fh.Close()

	var lines []string
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read nodetags: %w", err)
	}
	return reg.RegisterFromText(lines), nil
}
