// Package pe handles phase-encoding schemes. A PE row is a signed unit
// axis vector plus the total readout time in seconds; the per-volume
// scheme travels in the image header under the pe_scheme key, or in
// external files using either a per-volume table or the split
// config+indices encoding used by FSL eddy and topup.
package pe

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"dwirecon/pkg/image"
)

// SchemeKey is the header key carrying the per-volume PE table.
const SchemeKey = "pe_scheme"

// TauTolerance is the absolute tolerance for comparing readout times.
// Axis vectors are compared exactly; readout times come from text files
// and need a tolerance.
const TauTolerance = 1e-6

// Row is one phase-encoding specification: a signed unit axis vector
// (ex, ey, ez) with components in {-1, 0, +1}, plus readout time τ > 0.
type Row [4]float64

// Axis returns the index of the non-zero axis component.
func (r Row) Axis() int {
	for i := 0; i < 3; i++ {
		if r[i] != 0 {
			return i
		}
	}
	return -1
}

// Sign returns the direction along the axis, +1 or -1.
func (r Row) Sign() float64 {
	a := r.Axis()
	if a < 0 {
		return 0
	}
	return r[a]
}

// Tau returns the total readout time in seconds.
func (r Row) Tau() float64 { return r[3] }

// Validate checks that the row is a signed unit axis vector with a
// positive readout time.
func (r Row) Validate() error {
	nonZero := 0
	for i := 0; i < 3; i++ {
		switch r[i] {
		case -1, 0, 1:
			if r[i] != 0 {
				nonZero++
			}
		default:
			return fmt.Errorf("axis component %d is %g, expected -1, 0 or +1", i, r[i])
		}
	}
	if nonZero != 1 {
		return fmt.Errorf("expected exactly one non-zero axis component, found %d", nonZero)
	}
	if r[3] <= 0 {
		return fmt.Errorf("readout time %g is not positive", r[3])
	}
	return nil
}

// equalRows compares two rows: axes exactly, readout times within
// TauTolerance.
func equalRows(a, b Row) bool {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return math.Abs(a[3]-b[3]) <= TauTolerance
}

// opposedRows reports whether two rows share an axis and readout time
// but point in opposite directions.
func opposedRows(a, b Row) bool {
	for i := 0; i < 3; i++ {
		if a[i] != -b[i] {
			return false
		}
	}
	return math.Abs(a[3]-b[3]) <= TauTolerance
}

// Scheme is the per-volume PE table: one row per volume.
type Scheme []Row

// ParseScheme parses PE rows from text, one row of four values per
// line, comma and/or whitespace separated.
func ParseScheme(text string) (Scheme, error) {
	var scheme Scheme
	for lineNo, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		if len(fields) != 4 {
			return nil, fmt.Errorf("PE row %d has %d entries, expected 4", lineNo+1, len(fields))
		}
		var row Row
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("PE row %d: %v", lineNo+1, err)
			}
			row[i] = v
		}
		scheme = append(scheme, row)
	}
	if len(scheme) == 0 {
		return nil, fmt.Errorf("PE table is empty")
	}
	return scheme, nil
}

// SchemeFromHeader extracts the PE scheme embedded in an image header.
// The second return value is false when no scheme is present.
func SchemeFromHeader(hdr *image.Header) (Scheme, bool, error) {
	text, ok := hdr.Value(SchemeKey)
	if !ok {
		return nil, false, nil
	}
	scheme, err := ParseScheme(text)
	if err != nil {
		return nil, true, fmt.Errorf("header %s: %v", SchemeKey, err)
	}
	return scheme, true, nil
}

// LoadTable reads a per-volume PE table file.
func LoadTable(path string) (Scheme, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	scheme, err := ParseScheme(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return scheme, nil
}

// SaveTable writes a per-volume PE table file.
func SaveTable(scheme Scheme, path string) error {
	var sb strings.Builder
	for _, row := range scheme {
		fmt.Fprintf(&sb, "%g %g %g %g\n", row[0], row[1], row[2], row[3])
	}
	return os.WriteFile(path, []byte(sb.String()), 0644)
}

// ToHeader installs the PE scheme into an image header.
func (s Scheme) ToHeader(hdr *image.Header) {
	lines := make([]string, len(s))
	for i, row := range s {
		lines[i] = fmt.Sprintf("%g,%g,%g,%g", row[0], row[1], row[2], row[3])
	}
	hdr.SetValue(SchemeKey, strings.Join(lines, "\n"))
}

// Validate checks the row count against the volume count and each row's
// content.
func (s Scheme) Validate(nVolumes int) error {
	if len(s) != nVolumes {
		return fmt.Errorf("PE table has %d rows for %d volumes", len(s), nVolumes)
	}
	for v, row := range s {
		if err := row.Validate(); err != nil {
			return fmt.Errorf("PE row for volume %d: %v", v, err)
		}
	}
	return nil
}

// Config is the deduplicated PE table: the P unique rows plus the
// volume-to-group assignment.
type Config struct {
	Rows  []Row
	Index []int
}

// Unique deduplicates a per-volume scheme into PE groups. Group order
// follows first appearance.
func (s Scheme) Unique() *Config {
	cfg := &Config{Index: make([]int, len(s))}
	for v, row := range s {
		found := -1
		for p, unique := range cfg.Rows {
			if equalRows(row, unique) {
				found = p
				break
			}
		}
		if found < 0 {
			found = len(cfg.Rows)
			cfg.Rows = append(cfg.Rows, row)
		}
		cfg.Index[v] = found
	}
	return cfg
}

// Groups returns the number of PE groups.
func (c *Config) Groups() int { return len(c.Rows) }

// Partners maps every PE group to the unique group with opposite
// direction and equal readout time. It fails when the group count is
// odd or any group lacks exactly one partner.
func (c *Config) Partners() ([]int, error) {
	if len(c.Rows)%2 != 0 {
		return nil, fmt.Errorf("%d phase-encoding groups cannot be partnered", len(c.Rows))
	}
	partners := make([]int, len(c.Rows))
	for p := range partners {
		partners[p] = -1
	}
	for p, row := range c.Rows {
		for q, other := range c.Rows {
			if p == q || !opposedRows(row, other) {
				continue
			}
			if partners[p] >= 0 {
				return nil, fmt.Errorf("phase-encoding group %d has multiple opposed groups", p)
			}
			partners[p] = q
		}
		if partners[p] < 0 {
			return nil, fmt.Errorf("phase-encoding group %d (%g,%g,%g, τ=%gs) has no opposed group",
				p, row[0], row[1], row[2], row[3])
		}
	}
	return partners, nil
}
