package dwi

import (
	"math"
	"path/filepath"
	"testing"

	"dwirecon/pkg/image"
)

// TestParseScheme verifies comma- and whitespace-separated tables parse
// to the same rows
func TestParseScheme(t *testing.T) {
	comma := "0,0,0,0\n0.5,0.5,0.707,1000\n"
	spaced := "# gradient table\n0 0 0 0\n0.5 0.5   0.707 1000\n"

	a, err := ParseScheme(comma)
	if err != nil {
		t.Fatalf("ParseScheme(comma) failed: %v", err)
	}
	b, err := ParseScheme(spaced)
	if err != nil {
		t.Fatalf("ParseScheme(spaced) failed: %v", err)
	}

	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("Expected 2 rows, got %d and %d", len(a), len(b))
	}
	for i := range a {
		for j := 0; j < 4; j++ {
			if a[i][j] != b[i][j] {
				t.Errorf("Row %d entry %d: %f vs %f", i, j, a[i][j], b[i][j])
			}
		}
	}
}

// TestParseSchemeRejectsBadRow verifies malformed rows are reported
func TestParseSchemeRejectsBadRow(t *testing.T) {
	if _, err := ParseScheme("0,0,1\n"); err == nil {
		t.Error("Expected error for 3-entry row")
	}
	if _, err := ParseScheme("0,0,x,1000\n"); err == nil {
		t.Error("Expected error for non-numeric entry")
	}
	if _, err := ParseScheme("# only comments\n"); err == nil {
		t.Error("Expected error for empty table")
	}
}

// TestNormalise verifies direction normalisation preserves zero rows
func TestNormalise(t *testing.T) {
	scheme := Scheme{
		{2, 0, 0, 1000},
		{0, 0, 0, 0},
		{3, 4, 0, 2000},
	}
	scheme.Normalise()

	if math.Abs(scheme[0][0]-1) > 1e-12 {
		t.Errorf("Expected unit x direction, got %f", scheme[0][0])
	}
	if scheme[1] != [4]float64{0, 0, 0, 0} {
		t.Errorf("Zero row modified: %v", scheme[1])
	}
	if math.Abs(scheme[2][0]-0.6) > 1e-12 || math.Abs(scheme[2][1]-0.8) > 1e-12 {
		t.Errorf("Expected (0.6, 0.8, 0), got %v", scheme[2])
	}

	n := math.Sqrt(scheme[2][0]*scheme[2][0] + scheme[2][1]*scheme[2][1])
	if math.Abs(n-1) > 1e-12 {
		t.Errorf("Expected unit norm, got %f", n)
	}
}

// TestSchemeHeaderRoundTrip verifies embedding and extraction via the
// image header
func TestSchemeHeaderRoundTrip(t *testing.T) {
	hdr := image.NewHeader(2, 2, 2, 2)

	if _, ok, _ := SchemeFromHeader(hdr); ok {
		t.Error("Expected no scheme in fresh header")
	}

	scheme := Scheme{{0, 0, 0, 0}, {0, 0, 1, 1000}}
	scheme.ToHeader(hdr)

	got, ok, err := SchemeFromHeader(hdr)
	if err != nil || !ok {
		t.Fatalf("SchemeFromHeader failed: ok=%v err=%v", ok, err)
	}
	if len(got) != 2 || got[1][3] != 1000 {
		t.Errorf("Round trip mismatch: %v", got)
	}
}

// TestSchemeFileRoundTrip verifies the ASCII file format
func TestSchemeFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grad.txt")

	scheme := Scheme{{0, 0, 0, 0}, {0.5, 0.5, 0.7071067811865476, 1000}}
	if err := SaveScheme(scheme, path); err != nil {
		t.Fatalf("SaveScheme failed: %v", err)
	}

	got, err := LoadScheme(path)
	if err != nil {
		t.Fatalf("LoadScheme failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(got))
	}
	if got[1][2] != 0.7071067811865476 {
		t.Errorf("Expected full-precision round trip, got %v", got[1][2])
	}
}

// TestFindShells verifies b-value clustering into shells
func TestFindShells(t *testing.T) {
	scheme := Scheme{
		{0, 0, 0, 0},
		{0, 0, 1, 1000},
		{0, 1, 0, 995},
		{0, 0, 0, 5},
		{1, 0, 0, 2000},
		{0, 1, 1, 1005},
	}

	table, err := FindShells(scheme, DefaultBZeroThreshold, DefaultShellGap)
	if err != nil {
		t.Fatalf("FindShells failed: %v", err)
	}

	if table.Count() != 3 {
		t.Fatalf("Expected 3 shells, got %d", table.Count())
	}

	bzero := table.Shells[0]
	if !bzero.IsBZero {
		t.Error("Expected first shell to be b=0")
	}
	if len(bzero.Volumes) != 2 || bzero.Volumes[0] != 0 || bzero.Volumes[1] != 3 {
		t.Errorf("Expected b=0 shell volumes [0 3], got %v", bzero.Volumes)
	}

	mid := table.Shells[1]
	if math.Abs(mid.Mean-1000) > 5 {
		t.Errorf("Expected shell mean near 1000, got %f", mid.Mean)
	}
	if len(mid.Volumes) != 3 {
		t.Errorf("Expected 3 volumes in b=1000 shell, got %v", mid.Volumes)
	}
	if mid.IsBZero {
		t.Error("b=1000 shell flagged as b=0")
	}

	high := table.Shells[2]
	if high.Mean != 2000 || len(high.Volumes) != 1 || high.Volumes[0] != 4 {
		t.Errorf("Unexpected b=2000 shell: %+v", high)
	}

	expected := []int{0, 1, 1, 0, 2, 1}
	for v, s := range expected {
		if table.Vol2Shell[v] != s {
			t.Errorf("Vol2Shell[%d] = %d, expected %d", v, table.Vol2Shell[v], s)
		}
	}

	if table.BZeroIndex() != 0 {
		t.Errorf("BZeroIndex = %d, expected 0", table.BZeroIndex())
	}
	if table.DWShellCount() != 2 {
		t.Errorf("DWShellCount = %d, expected 2", table.DWShellCount())
	}
}

// TestFindShellsNoBZero verifies classification without a b=0 shell
func TestFindShellsNoBZero(t *testing.T) {
	scheme := Scheme{
		{0, 0, 1, 3000},
		{0, 1, 0, 3000},
	}
	table, err := FindShells(scheme, DefaultBZeroThreshold, DefaultShellGap)
	if err != nil {
		t.Fatalf("FindShells failed: %v", err)
	}
	if table.Count() != 1 {
		t.Fatalf("Expected 1 shell, got %d", table.Count())
	}
	if table.BZeroIndex() != -1 {
		t.Errorf("Expected no b=0 shell, got index %d", table.BZeroIndex())
	}
}

// TestFindShellsRejectsNegativeB verifies validation
func TestFindShellsRejectsNegativeB(t *testing.T) {
	scheme := Scheme{{0, 0, 1, -5}}
	if _, err := FindShells(scheme, DefaultBZeroThreshold, DefaultShellGap); err == nil {
		t.Error("Expected error for negative b-value")
	}
}
