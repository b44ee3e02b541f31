// Package metrics turns native-image builder output into a flat key/value
// record.
//
// Each line is tried against an ordered rule list; the first matching rule
// wins for that line and later lines overwrite earlier values for the same
// key. Values are normalised: thousands separators are stripped, durations
// become seconds and memory sizes become megabytes.
package metrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind selects how a captured group is normalised.
type Kind int

const (
	Count   Kind = iota // integer with optional thousands separators
	Seconds             // duration such as "3m 17s", "21.5s" or "812 ms"
	MB                  // memory size in GB, MB or KB
	Float               // plain decimal
)

// Field maps one named group to a record key. Key may reference other
// groups as {name}; their values are slugged. An empty Key means
// "<rule label>_<group>".
type Field struct {
	Group string
	Key   string
	Kind  Kind
}

// Rule is a labelled pattern with named groups.
type Rule struct {
	Label   string
	Pattern *regexp.Regexp
	Fields  []Field
}

// Record holds extracted values keyed by stable identifiers.
type Record map[string]string

// Float returns the value of key as a float64.
func (r Record) Float(key string) (float64, bool) {
	v, ok := r[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Keys returns the record's keys in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UnitError reports a unit token the extractor does not understand.
type UnitError struct {
	Line string
	Unit string
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unrecognized unit %q in line %q", e.Unit, e.Line)
}

const (
	num = `[\d,]+(?:\.\d+)?`
	mem = num + `\s*[A-Za-z]+`
	dur = `(?:\d+\s*[hm]\s+)*` + num + `\s*(?:ms|s)`
)

// DefaultRules recognise the builder's progress report.
var DefaultRules = []Rule{
	{
		Label:   "stage",
		Pattern: regexp.MustCompile(`^\[\d+/\d+\]\s+(?P<name>[A-Za-z][A-Za-z ]*?)\.\.\..*\((?P<s>` + dur + `)\s*@\s*(?P<mb>` + mem + `)\)\s*$`),
		Fields: []Field{
			{Group: "s", Key: "stage_{name}_s", Kind: Seconds},
			{Group: "mb", Key: "stage_{name}_mb", Kind: MB},
		},
	},
	{
		Label:   "reachable",
		Pattern: regexp.MustCompile(`^\s*(?P<reachable>[\d,]+)\s+\(\s*[\d.]+%\)\s+of\s+(?P<total>[\d,]+)\s+(?P<what>types|fields|methods)\s+reachable`),
		Fields: []Field{
			{Group: "reachable", Key: "reachable_{what}", Kind: Count},
			{Group: "total", Key: "total_{what}", Kind: Count},
		},
	},
	{
		Label:   "reflection",
		Pattern: regexp.MustCompile(`^\s*(?P<types>[\d,]+)\s+types?,\s+(?P<fields>[\d,]+)\s+fields?,\s+and\s+(?P<methods>[\d,]+)\s+methods?\s+registered for reflection`),
		Fields:  []Field{{Group: "types"}, {Group: "fields"}, {Group: "methods"}},
	},
	{
		Label:   "jni",
		Pattern: regexp.MustCompile(`^\s*(?P<types>[\d,]+)\s+types?,\s+(?P<fields>[\d,]+)\s+fields?,\s+and\s+(?P<methods>[\d,]+)\s+methods?\s+registered for JNI access`),
		Fields:  []Field{{Group: "types"}, {Group: "fields"}, {Group: "methods"}},
	},
	{
		Label:   "image_code_area",
		Pattern: regexp.MustCompile(`^\s*(?P<mb>` + mem + `)\s+\(\s*[\d.]+%\)\s+for code area`),
		Fields:  []Field{{Group: "mb", Kind: MB}},
	},
	{
		Label:   "image_heap",
		Pattern: regexp.MustCompile(`^\s*(?P<mb>` + mem + `)\s+\(\s*[\d.]+%\)\s+for image heap`),
		Fields:  []Field{{Group: "mb", Kind: MB}},
	},
	{
		Label:   "image_other",
		Pattern: regexp.MustCompile(`^\s*(?P<mb>` + mem + `)\s+\(\s*[\d.]+%\)\s+for other data`),
		Fields:  []Field{{Group: "mb", Kind: MB}},
	},
	{
		Label:   "image_total",
		Pattern: regexp.MustCompile(`^\s*(?P<mb>` + mem + `)\s+in total`),
		Fields:  []Field{{Group: "mb", Kind: MB}},
	},
	{
		Label:   "gc",
		Pattern: regexp.MustCompile(`(?P<s>` + dur + `)\s+\([\d.]+% of total time\)\s+in\s+(?P<count>[\d,]+)\s+GCs\s*\|\s*Peak RSS:\s*(?P<rss>` + mem + `)\s*\|\s*CPU load:\s*(?P<load>` + num + `)`),
		Fields: []Field{
			{Group: "s", Key: "gc_time_s", Kind: Seconds},
			{Group: "count", Key: "gc_count", Kind: Count},
			{Group: "rss", Key: "peak_rss_mb", Kind: MB},
			{Group: "load", Key: "cpu_load", Kind: Float},
		},
	},
	{
		Label:   "build_elapsed",
		Pattern: regexp.MustCompile(`Finished generating '[^']*' in (?P<s>` + dur + `)\.?\s*$`),
		Fields:  []Field{{Group: "s", Kind: Seconds}},
	},
	{
		// Older builders print one line per phase: "[app:4242]  (clinit):  1,234.56 ms,  1.23 GB".
		Label:   "legacy_stage",
		Pattern: regexp.MustCompile(`^\[[^\]]+\]\s+[(\[]?(?P<name>[A-Za-z][A-Za-z ]*?)[)\]]?:\s+(?P<s>` + dur + `),\s+(?P<mb>` + mem + `)\s*$`),
		Fields: []Field{
			{Group: "s", Key: "stage_{name}_s", Kind: Seconds},
			{Group: "mb", Key: "stage_{name}_mb", Kind: MB},
		},
	},
}

// Extractor applies an ordered rule list.
type Extractor struct {
	Rules []Rule
}

// New returns an Extractor over DefaultRules.
func New() *Extractor {
	return &Extractor{Rules: DefaultRules}
}

// Extract reads r line by line. A UnitError aborts extraction.
func (x *Extractor) Extract(r io.Reader) (Record, error) {
	rec := make(Record)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if err := x.line(sc.Text(), rec); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read build log: %w", err)
	}
	return rec, nil
}

func (x *Extractor) line(line string, rec Record) error {
	for _, rule := range x.Rules {
		m := rule.Pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		groups := make(map[string]string, len(m))
		for i, name := range rule.Pattern.SubexpNames() {
			if name != "" {
				groups[name] = m[i]
			}
		}
		for _, f := range rule.Fields {
			v, err := normalise(line, groups[f.Group], f.Kind)
			if err != nil {
				return err
			}
			rec[fieldKey(rule.Label, f, groups)] = v
		}
		return nil
	}
	return nil
}

func fieldKey(label string, f Field, groups map[string]string) string {
	if f.Key == "" {
		return label + "_" + f.Group
	}
	key := f.Key
	for name, v := range groups {
		key = strings.ReplaceAll(key, "{"+name+"}", slug(v))
	}
	return key
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(s), "_"), "_")
}

// Extract runs DefaultRules over r.
func Extract(r io.Reader) (Record, error) {
	return New().Extract(r)
}

// ExtractString runs DefaultRules over s.
func ExtractString(s string) (Record, error) {
	return New().Extract(strings.NewReader(s))
}

// ExtractFile runs DefaultRules over the file at path.
func ExtractFile(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open build log: %w", err)
	}
	defer f.Close()
	return Extract(f)
}

func normalise(line, raw string, kind Kind) (string, error) {
	raw = strings.TrimSpace(raw)
	switch kind {
	case Count:
		return strings.ReplaceAll(raw, ",", ""), nil
	case Float:
		return strings.ReplaceAll(raw, ",", ""), nil
	case Seconds:
		return toSeconds(line, raw)
	case MB:
		return toMB(line, raw)
	default:
		return raw, nil
	}
}

var durPart = regexp.MustCompile(`(` + num + `)\s*([A-Za-z]+)`)

func toSeconds(line, raw string) (string, error) {
	parts := durPart.FindAllStringSubmatch(raw, -1)
	if len(parts) == 0 {
		return "", &UnitError{Line: line, Unit: raw}
	}
	var total float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.ReplaceAll(p[1], ",", ""), 64)
		if err != nil {
			return "", fmt.Errorf("parse duration %q: %w", raw, err)
		}
		switch p[2] {
		case "h":
			total += v * 3600
		case "m":
			total += v * 60
		case "s":
			total += v
		case "ms":
			total += v / 1000
		default:
			return "", &UnitError{Line: line, Unit: p[2]}
		}
	}
	return formatFloat(total, 3), nil
}

var memPart = regexp.MustCompile(`^(` + num + `)\s*([A-Za-z]+)$`)

func toMB(line, raw string) (string, error) {
	p := memPart.FindStringSubmatch(raw)
	if p == nil {
		return "", &UnitError{Line: line, Unit: raw}
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(p[1], ",", ""), 64)
	if err != nil {
		return "", fmt.Errorf("parse size %q: %w", raw, err)
	}
	switch p[2] {
	case "GB":
		v *= 1024
	case "MB":
	case "KB", "kB":
		v /= 1024
	default:
		return "", &UnitError{Line: line, Unit: p[2]}
	}
	return formatFloat(v, 2), nil
}

func formatFloat(v float64, decimals int) string {
	scale := math.Pow(10, float64(decimals))
	return strconv.FormatFloat(math.Round(v*scale)/scale, 'f', -1, 64)
}

var jsonNumber = regexp.MustCompile(`^-?(?:0|[1-9]\d*)(?:\.\d+)?(?:[eE][+-]?\d+)?$`)

// ToJSON renders rec as a JSON object with keys in sorted order. Values that
// are valid JSON numbers are emitted unquoted.
func ToJSON(rec Record) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range rec.Keys() {
		if i > 0 {
			b.WriteByte(',')
		}
		key, _ := json.Marshal(k)
		b.Write(key)
		b.WriteByte(':')
		v := rec[k]
		if jsonNumber.MatchString(v) {
			b.WriteString(v)
		} else {
			q, _ := json.Marshal(v)
			b.Write(q)
		}
	}
	b.WriteByte('}')
	return b.String()
}
