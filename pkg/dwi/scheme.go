// Package dwi handles diffusion gradient tables and b-value shell
// classification. A gradient table has one row (gx, gy, gz, b) per
// volume of a DWI series; it travels in the image header under the
// dw_scheme key or in a standalone four-column ASCII file.
package dwi

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"dwirecon/pkg/image"
)

// SchemeKey is the header key carrying the gradient table.
const SchemeKey = "dw_scheme"

// Scheme is a gradient table: one (gx, gy, gz, b) row per volume.
type Scheme [][4]float64

// ParseScheme parses gradient rows from text. Values within a row are
// separated by commas and/or whitespace; blank lines and lines starting
// with # are skipped.
func ParseScheme(text string) (Scheme, error) {
	var scheme Scheme
	for lineNo, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := splitRow(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("gradient row %d has %d entries, expected 4", lineNo+1, len(fields))
		}
		var row [4]float64
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("gradient row %d: %v", lineNo+1, err)
			}
			row[i] = v
		}
		scheme = append(scheme, row)
	}
	if len(scheme) == 0 {
		return nil, fmt.Errorf("gradient table is empty")
	}
	return scheme, nil
}

func splitRow(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

// SchemeFromHeader extracts the gradient table embedded in an image
// header. The second return value is false when no table is present.
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

// LoadScheme reads a gradient table from a four-column ASCII file.
func LoadScheme(path string) (Scheme, error) {
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

// SaveScheme writes a gradient table as four-column ASCII.
func SaveScheme(scheme Scheme, path string) error {
	var sb strings.Builder
	for _, row := range scheme {
		fmt.Fprintf(&sb, "%s %s %s %s\n",
			formatValue(row[0]), formatValue(row[1]), formatValue(row[2]), formatValue(row[3]))
	}
	return os.WriteFile(path, []byte(sb.String()), 0644)
}

// ToHeader installs the gradient table into an image header.
func (s Scheme) ToHeader(hdr *image.Header) {
	lines := make([]string, len(s))
	for i, row := range s {
		lines[i] = fmt.Sprintf("%s,%s,%s,%s",
			formatValue(row[0]), formatValue(row[1]), formatValue(row[2]), formatValue(row[3]))
	}
	hdr.SetValue(SchemeKey, strings.Join(lines, "\n"))
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Validate checks the table against the volume count of an image.
func (s Scheme) Validate(nVolumes int) error {
	if len(s) != nVolumes {
		return fmt.Errorf("gradient table has %d rows for %d volumes", len(s), nVolumes)
	}
	return nil
}

// Normalise scales every non-zero direction to unit norm in place and
// returns the scheme. Zero directions (b=0 rows) are left untouched.
func (s Scheme) Normalise() Scheme {
	for i := range s {
		n := math.Sqrt(s[i][0]*s[i][0] + s[i][1]*s[i][1] + s[i][2]*s[i][2])
		if n > 0 {
			s[i][0] /= n
			s[i][1] /= n
			s[i][2] /= n
		}
	}
	return s
}

// Direction returns the gradient direction of volume v.
func (s Scheme) Direction(v int) [3]float64 {
	return [3]float64{s[v][0], s[v][1], s[v][2]}
}

// B returns the b-value of volume v.
func (s Scheme) B(v int) float64 {
	return s[v][3]
}
