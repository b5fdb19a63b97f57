// Package updater checks for newer releases of the host application. It is
// an ordinary scheduler client: polls fire as Global one-shot tasks and the
// network or file I/O runs on the async executor.
package updater

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidVersion = errors.New("updater: invalid version")

// Version is a dotted numeric release number such as "1.4.2". A leading "v"
// and anything after the first "-" are ignored for ordering.
type Version struct {
	raw   string
	parts []int
}

func ParseVersion(s string) (Version, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Version{}, fmt.Errorf("%w: empty", ErrInvalidVersion)
	}
	core := strings.TrimPrefix(raw, "v")
	if i := strings.IndexByte(core, '-'); i > 0 {
		core = core[:i]
	}
	fields := strings.Split(core, ".")
	parts := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, raw)
		}
		parts[i] = n
	}
	return Version{raw: raw, parts: parts}, nil
}

// MustParseVersion panics on malformed input. Use it for constants only.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) component(i int) int {
	if i < len(v.parts) {
		return v.parts[i]
	}
	return 0
}

// Compare returns -1, 0 or 1. Missing components count as zero, so "1.2"
// equals "1.2.0".
func (v Version) Compare(o Version) int {
	n := max(len(v.parts), len(o.parts))
	for i := 0; i < n; i++ {
		a, b := v.component(i), o.component(i)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	return 0
}

func (v Version) NewerThan(o Version) bool { return v.Compare(o) > 0 }
func (v Version) Equal(o Version) bool     { return v.Compare(o) == 0 }
func (v Version) IsZero() bool             { return v.raw == "" }
func (v Version) IsSnapshot() bool         { return strings.Contains(v.raw, "-SNAPSHOT") }
func (v Version) String() string           { return v.raw }

// Result is the outcome of one check.
type Result struct {
	Current     Version
	Latest      Version
	DownloadURL string
	ReleaseURL  string
}

func (r Result) IsUpdateAvailable() bool { return r.Latest.NewerThan(r.Current) }
