package recon

import (
	"errors"
	"math"
	"testing"

	"dwirecon/internal/phantom"
	"dwirecon/pkg/dwi"
	"dwirecon/pkg/pe"
)

func classify(t *testing.T, grad dwi.Scheme, scheme pe.Scheme) (*dwi.ShellTable, *pe.Config, []int) {
	t.Helper()
	shells, err := dwi.FindShells(grad, dwi.DefaultBZeroThreshold, dwi.DefaultShellGap)
	if err != nil {
		t.Fatalf("FindShells: %v", err)
	}
	cfg := scheme.Unique()
	partners, err := cfg.Partners()
	if err != nil {
		t.Fatalf("Partners: %v", err)
	}
	return shells, cfg, partners
}

// TestFindPairsMatchesReversedAcquisition verifies that a table acquired
// twice with opposed phase encoding pairs every volume with its repeat
func TestFindPairsMatchesReversedAcquisition(t *testing.T) {
	rowA := pe.Row{0, 1, 0, 0.1}
	rowB := pe.Row{0, -1, 0, 0.1}
	grad, scheme := phantom.PairedScheme(12, 2000, rowA, rowB)
	shells, cfg, partners := classify(t, grad, scheme)

	pairs, gradOut, err := findPairs(grad, shells, cfg, partners, DefaultDotThreshold)
	if err != nil {
		t.Fatalf("findPairs: %v", err)
	}
	if len(pairs) != 12 {
		t.Fatalf("got %d pairs, expected 12", len(pairs))
	}

	seen := make(map[int]bool)
	for i, p := range pairs {
		if p.First != i || p.Second != 12+i {
			t.Errorf("pair %d = (%d, %d), expected (%d, %d)", i, p.First, p.Second, i, 12+i)
		}
		if seen[p.First] || seen[p.Second] {
			t.Errorf("pair %d reuses an already paired volume", i)
		}
		seen[p.First] = true
		seen[p.Second] = true
	}
	if len(seen) != 24 {
		t.Errorf("%d volumes paired, expected 24", len(seen))
	}

	for i, row := range gradOut {
		norm := math.Sqrt(row[0]*row[0] + row[1]*row[1] + row[2]*row[2])
		if math.Abs(norm-1) > 1e-12 {
			t.Errorf("output direction %d has norm %g, expected 1", i, norm)
		}
		if row[3] != 2000 {
			t.Errorf("output b-value %d = %g, expected 2000", i, row[3])
		}
	}
}

// TestFindPairsAntipodal verifies that opposite gradient polarities are
// accepted and produce a unit output direction
func TestFindPairsAntipodal(t *testing.T) {
	grad := dwi.Scheme{
		{0, 0, 1, 1000},
		{0, 0, -1, 1000},
	}
	scheme := pe.Scheme{
		{0, 1, 0, 0.1},
		{0, -1, 0, 0.1},
	}
	shells, cfg, partners := classify(t, grad, scheme)

	pairs, gradOut, err := findPairs(grad, shells, cfg, partners, DefaultDotThreshold)
	if err != nil {
		t.Fatalf("findPairs: %v", err)
	}
	if len(pairs) != 1 || pairs[0].First != 0 || pairs[0].Second != 1 {
		t.Fatalf("pairs = %v, expected [(0, 1)]", pairs)
	}
	dir := gradOut[0]
	norm := math.Sqrt(dir[0]*dir[0] + dir[1]*dir[1] + dir[2]*dir[2])
	if math.Abs(norm-1) > 1e-12 {
		t.Errorf("antipodal output direction has norm %g, expected 1", norm)
	}
	if math.Abs(math.Abs(dir[2])-1) > 1e-12 {
		t.Errorf("antipodal output direction = %v, expected ±z", dir)
	}
	if dir[3] != 1000 {
		t.Errorf("output b-value = %g, expected 1000", dir[3])
	}
}

// TestFindPairsBZeroIgnoresDirections verifies that b=0 volumes pair
// without any direction test and keep a zero output direction
func TestFindPairsBZeroIgnoresDirections(t *testing.T) {
	grad := dwi.Scheme{
		{0, 0, 0, 0},
		{0, 0, 0, 0},
	}
	scheme := pe.Scheme{
		{1, 0, 0, 0.08},
		{-1, 0, 0, 0.08},
	}
	shells, cfg, partners := classify(t, grad, scheme)

	pairs, gradOut, err := findPairs(grad, shells, cfg, partners, DefaultDotThreshold)
	if err != nil {
		t.Fatalf("findPairs: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, expected 1", len(pairs))
	}
	if gradOut[0] != [4]float64{0, 0, 0, 0} {
		t.Errorf("b=0 output row = %v, expected zeros", gradOut[0])
	}
}

// TestFindPairsNoPartner verifies the failure carries the offending
// volume with its gradient and phase encoding rows
func TestFindPairsNoPartner(t *testing.T) {
	grad := dwi.Scheme{
		{1, 0, 0, 1000},
		{0, 1, 0, 1000},
		{0, 1, 0, 1000},
		{0, 0, 1, 1000},
	}
	scheme := pe.Scheme{
		{0, 1, 0, 0.1},
		{0, 1, 0, 0.1},
		{0, -1, 0, 0.1},
		{0, -1, 0, 0.1},
	}
	shells, cfg, partners := classify(t, grad, scheme)

	_, _, err := findPairs(grad, shells, cfg, partners, DefaultDotThreshold)
	var pairErr *PairingError
	if !errors.As(err, &pairErr) {
		t.Fatalf("expected PairingError, got %v", err)
	}
	if pairErr.Volume != 0 {
		t.Errorf("failing volume = %d, expected 0", pairErr.Volume)
	}
	if pairErr.Grad != grad[0] {
		t.Errorf("failing gradient row = %v, expected %v", pairErr.Grad, grad[0])
	}
	if pairErr.PE != scheme[0] {
		t.Errorf("failing PE row = %v, expected %v", pairErr.PE, scheme[0])
	}
}

// TestFindPairsRespectsShells verifies volumes only pair within their
// b-value shell
func TestFindPairsRespectsShells(t *testing.T) {
	grad := dwi.Scheme{
		{0, 0, 1, 1000},
		{0, 0, 1, 3000},
		{0, 0, 1, 3000},
		{0, 0, 1, 1000},
	}
	scheme := pe.Scheme{
		{0, 1, 0, 0.1},
		{0, 1, 0, 0.1},
		{0, -1, 0, 0.1},
		{0, -1, 0, 0.1},
	}
	shells, cfg, partners := classify(t, grad, scheme)

	pairs, gradOut, err := findPairs(grad, shells, cfg, partners, DefaultDotThreshold)
	if err != nil {
		t.Fatalf("findPairs: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs, expected 2", len(pairs))
	}
	if pairs[0] != (VolumePair{First: 0, Second: 3}) || pairs[1] != (VolumePair{First: 1, Second: 2}) {
		t.Errorf("pairs = %v, expected [(0, 3), (1, 2)]", pairs)
	}
	if gradOut[0][3] != 1000 || gradOut[1][3] != 3000 {
		t.Errorf("output b-values = %g, %g, expected 1000, 3000", gradOut[0][3], gradOut[1][3])
	}
}

// TestDirectionsMatch exercises the dot product threshold and zero
// direction handling
func TestDirectionsMatch(t *testing.T) {
	tests := []struct {
		a, b  [3]float64
		match bool
	}{
		{[3]float64{0, 0, 1}, [3]float64{0, 0, 1}, true},
		{[3]float64{0, 0, 1}, [3]float64{0, 0, -1}, true},
		{[3]float64{0, 0, 1}, [3]float64{0, 1, 0}, false},
		{[3]float64{0, 0, 1}, [3]float64{0, 0.045, 0.999}, true},
		{[3]float64{0, 0, 1}, [3]float64{0, 0.1, 0.995}, false},
		{[3]float64{0, 0, 0}, [3]float64{0, 0, 0}, true},
		{[3]float64{0, 0, 0}, [3]float64{0, 0, 1}, false},
	}
	for _, tt := range tests {
		if got := directionsMatch(tt.a, tt.b, DefaultDotThreshold); got != tt.match {
			t.Errorf("directionsMatch(%v, %v) = %v, expected %v", tt.a, tt.b, got, tt.match)
		}
	}
}
