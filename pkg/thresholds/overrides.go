package thresholds

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// SourceKind decides how a key is named when looked up in a Source.
type SourceKind int

const (
	// EnvKind names keys NAMESPACE_KEY, upper-cased, with dots and dashes
	// turned into underscores.
	EnvKind SourceKind = iota
	// PropertyKind names keys namespace.key.
	PropertyKind
)

// Source supplies operator overrides.
type Source interface {
	Kind() SourceKind
	Lookup(name string) (string, bool)
}

// EnvSource reads the process environment.
type EnvSource struct{}

func (EnvSource) Kind() SourceKind { return EnvKind }

func (EnvSource) Lookup(name string) (string, bool) { return os.LookupEnv(name) }

// Properties is a property-style source, typically filled from repeated
// --set name=value flags.
type Properties map[string]string

func (Properties) Kind() SourceKind { return PropertyKind }

func (p Properties) Lookup(name string) (string, bool) {
	v, ok := p[name]
	return v, ok
}

// ParseProperties turns "name=value" pairs into Properties.
func ParseProperties(pairs []string) (Properties, error) {
	p := make(Properties, len(pairs))
	for _, kv := range pairs {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("property %q is not name=value", kv)
		}
		p[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return p, nil
}

// OverrideFormatError is an override that does not parse as an integer.
type OverrideFormatError struct {
	Key   string
	Name  string
	Value string
	Err   error
}

func (e *OverrideFormatError) Error() string {
	return fmt.Sprintf("override %s for threshold %q: value %q is not an integer", e.Name, e.Key, e.Value)
}

func (e *OverrideFormatError) Unwrap() error { return e.Err }

var nonNamespace = regexp.MustCompile(`[^a-z0-9]+`)

// Namespace derives the override namespace from the directory holding the
// threshold file: lower-cased, with runs of other characters collapsed
// to "-".
func Namespace(configPath string) string {
	dir := filepath.Dir(configPath)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	base := strings.ToLower(filepath.Base(dir))
	return strings.Trim(nonNamespace.ReplaceAllString(base, "-"), "-")
}

// EnvName is the environment variable consulted for key.
func EnvName(namespace, key string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return strings.ToUpper(r.Replace(namespace + "_" + key))
}

// PropertyName is the property consulted for key.
func PropertyName(namespace, key string) string {
	return namespace + "." + key
}

// ApplyOverrides replaces values of keys already in t. Property sources win
// over environment sources. A non-integer override fails the whole load.
func ApplyOverrides(t *Table, namespace string, sources ...Source) error {
	keys := make([]string, 0, len(t.Values))
	for k := range t.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		name, raw, ok := lookup(namespace, key, sources)
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return &OverrideFormatError{Key: key, Name: name, Value: raw, Err: err}
		}
		t.Values[key] = v
		t.Provenance[key] = "override " + name
	}
	return nil
}

func lookup(namespace, key string, sources []Source) (string, string, bool) {
	for _, kind := range []SourceKind{PropertyKind, EnvKind} {
		name := EnvName(namespace, key)
		if kind == PropertyKind {
			name = PropertyName(namespace, key)
		}
		for _, s := range sources {
			if s.Kind() != kind {
				continue
			}
			if v, ok := s.Lookup(name); ok {
				return name, v, true
			}
		}
	}
	return "", "", false
}
