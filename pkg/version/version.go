// Package version implements three-part version tuples, inclusive version
// ranges, and the process-wide builder version used to select scripts and
// threshold guards.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a major.minor.patch tuple. The zero value means "unknown".
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// Parse reads "23", "23.1", "23.1.2" or longer dotted forms such as
// "23.1.2.0-Final". Components past the third are ignored, as is any
// suffix after the first non-numeric character of a component.
func Parse(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Version{}, fmt.Errorf("empty version")
	}
	parts := strings.Split(s, ".")
	var nums [3]int
	for i := 0; i < len(parts) && i < 3; i++ {
		p := leadingDigits(parts[i])
		if p == "" {
			if i == 0 {
				return Version{}, fmt.Errorf("invalid version %q", s)
			}
			break
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
		}
		nums[i] = n
		if len(p) != len(parts[i]) {
			break
		}
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MustParse is Parse for constants; it panics on error.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}

// IsZero reports whether v is the unknown version.
func (v Version) IsZero() bool {
	return v == Version{}
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmp(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmp(v.Minor, o.Minor)
	default:
		return cmp(v.Patch, o.Patch)
	}
}

func cmp(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// MarshalText renders the dotted form.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText accepts any form Parse accepts.
func (v *Version) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = p
	return nil
}

// Range is an inclusive [Min, Max] interval. A zero bound is open.
type Range struct {
	Min Version
	Max Version
}

// ParseRange builds a Range from optional min and max strings.
func ParseRange(min, max string) (Range, error) {
	var r Range
	var err error
	if strings.TrimSpace(min) != "" {
		if r.Min, err = Parse(min); err != nil {
			return Range{}, fmt.Errorf("min: %w", err)
		}
	}
	if strings.TrimSpace(max) != "" {
		if r.Max, err = Parse(max); err != nil {
			return Range{}, fmt.Errorf("max: %w", err)
		}
	}
	return r, nil
}

// Contains reports whether v lies within r. An unknown v is never contained
// by a bounded range.
func (r Range) Contains(v Version) bool {
	if r.Min.IsZero() && r.Max.IsZero() {
		return true
	}
	if v.IsZero() {
		return false
	}
	if !r.Min.IsZero() && v.Compare(r.Min) < 0 {
		return false
	}
	if !r.Max.IsZero() && v.Compare(r.Max) > 0 {
		return false
	}
	return true
}

func (r Range) String() string {
	lo, hi := "*", "*"
	if !r.Min.IsZero() {
		lo = r.Min.String()
	}
	if !r.Max.IsZero() {
		hi = r.Max.String()
	}
	return "[" + lo + ", " + hi + "]"
}
