package recon

import (
	"context"
	"errors"
	"math"
	"testing"

	"dwirecon/internal/phantom"
	"dwirecon/pkg/dwi"
	"dwirecon/pkg/image"
	"dwirecon/pkg/pe"
)

var pairRows = [2]pe.Row{
	{0, 1, 0, 0.1},
	{0, -1, 0, 0.1},
}

// trivialPair is a 2-volume acquisition of one direction with opposed
// phase encoding: intensities 4.0 and 6.0 everywhere.
func trivialPair(nx, ny, nz int) (*image.Image, dwi.Scheme, pe.Scheme) {
	img := phantom.ConstantSeries(nx, ny, nz, []float32{4, 6})
	grad := dwi.Scheme{
		{0.5, 0.5, 0.707, 1000},
		{0.5, 0.5, 0.707, 1000},
	}.Normalise()
	scheme := pe.Scheme{pairRows[0], pairRows[1]}
	return img, grad, scheme
}

// TestCombinePairsMean verifies the field-free path: each output voxel
// is the arithmetic mean of its source pair
func TestCombinePairsMean(t *testing.T) {
	img, grad, scheme := trivialPair(1, 1, 1)
	out, err := Run(context.Background(), OpCombinePairs, img, grad, scheme, Options{Quiet: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Header.NVolumes() != 1 {
		t.Fatalf("output has %d volumes, expected 1", out.Header.NVolumes())
	}
	if got := out.At(0, 0, 0, 0); got != 5.0 {
		t.Errorf("output intensity = %g, expected 5.0", got)
	}
}

// TestCombinePairsJacobianWeighted verifies the Jacobian² fusion: with
// J values 0.5 and 1.5 the output is (4·0.25 + 6·2.25)/2.5 = 5.8
func TestCombinePairsJacobianWeighted(t *testing.T) {
	img, grad, scheme := trivialPair(1, 2, 1)
	field := phantom.RampFieldY(1, 2, 1, []float64{0, -10})

	out, err := Run(context.Background(), OpCombinePairs, img, grad, scheme, Options{
		Field: field,
		Quiet: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for y := 0; y < 2; y++ {
		if got := out.At(0, y, 0, 0); math.Abs(float64(got)-5.8) > 1e-5 {
			t.Errorf("output intensity at y=%d = %g, expected 5.8", y, got)
		}
	}
}

// TestCombinePairsZeroFieldMatchesNoField verifies that a zero field
// reproduces the unweighted average voxel-wise
func TestCombinePairsZeroFieldMatchesNoField(t *testing.T) {
	grad, scheme := phantom.PairedScheme(6, 1500, pairRows[0], pairRows[1])
	img := image.New(phantom.Header4D(3, 3, 2, 12))
	for i := range img.Data {
		img.Data[i] = float32(i%17) * 0.75
	}

	plain, err := Run(context.Background(), OpCombinePairs, img, grad, scheme, Options{Quiet: true})
	if err != nil {
		t.Fatalf("Run without field: %v", err)
	}
	withField, err := Run(context.Background(), OpCombinePairs, img, grad, scheme, Options{
		Field: phantom.ZeroField(3, 3, 2),
		Quiet: true,
	})
	if err != nil {
		t.Fatalf("Run with zero field: %v", err)
	}
	for i := range plain.Data {
		if plain.Data[i] != withField.Data[i] {
			t.Fatalf("voxel %d: no-field %g vs zero-field %g", i, plain.Data[i], withField.Data[i])
		}
	}
}

// TestCombinePairsOutputHeader verifies volume count, datatype and the
// embedded tables of the output
func TestCombinePairsOutputHeader(t *testing.T) {
	grad, scheme := phantom.PairedScheme(4, 1000, pairRows[0], pairRows[1])
	img := image.New(phantom.Header4D(2, 2, 2, 8))

	out, err := Run(context.Background(), OpCombinePairs, img, grad, scheme, Options{Quiet: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Header.Dims[3] != 4 {
		t.Errorf("output axis-3 size = %d, expected 4", out.Header.Dims[3])
	}
	if out.Header.DataType != image.Float32LE {
		t.Errorf("output datatype = %v, expected Float32LE", out.Header.DataType)
	}

	gradOut, present, err := dwi.SchemeFromHeader(out.Header)
	if err != nil || !present {
		t.Fatalf("output gradient table missing or unreadable: %v", err)
	}
	if len(gradOut) != 4 {
		t.Errorf("output gradient table has %d rows, expected 4", len(gradOut))
	}
	for i, row := range gradOut {
		norm := math.Sqrt(row[0]*row[0] + row[1]*row[1] + row[2]*row[2])
		if math.Abs(norm-1) > 1e-6 {
			t.Errorf("output direction %d has norm %g, expected 1", i, norm)
		}
	}
	if _, present, _ := pe.SchemeFromHeader(out.Header); present {
		t.Error("output still carries a phase encoding scheme")
	}
}

// TestCombinePairsOddVolumeCount verifies the partition failure before
// any output is produced
func TestCombinePairsOddVolumeCount(t *testing.T) {
	img := phantom.ConstantSeries(1, 1, 1, []float32{1, 2, 3})
	grad := dwi.Scheme{
		{0, 0, 1, 1000},
		{0, 0, 1, 1000},
		{0, 0, 1, 1000},
	}
	scheme := pe.Scheme{pairRows[0], pairRows[1], pairRows[0]}

	_, err := Run(context.Background(), OpCombinePairs, img, grad, scheme, Options{Quiet: true})
	var partErr *PartitionError
	if !errors.As(err, &partErr) {
		t.Fatalf("expected PartitionError, got %v", err)
	}
}

// TestCombinePairsRejectsLmax verifies the option conflict
func TestCombinePairsRejectsLmax(t *testing.T) {
	img, grad, scheme := trivialPair(1, 1, 1)
	_, err := Run(context.Background(), OpCombinePairs, img, grad, scheme, Options{
		Lmax:  []int{4},
		Quiet: true,
	})
	var optErr *OptionError
	if !errors.As(err, &optErr) {
		t.Fatalf("expected OptionError, got %v", err)
	}
}

// TestCombinePairsFieldGridMismatch verifies the grid check on the
// field image
func TestCombinePairsFieldGridMismatch(t *testing.T) {
	img, grad, scheme := trivialPair(1, 2, 1)
	_, err := Run(context.Background(), OpCombinePairs, img, grad, scheme, Options{
		Field: phantom.ZeroField(2, 2, 1),
		Quiet: true,
	})
	var shapeErr *ShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("expected ShapeError, got %v", err)
	}
}

// TestFusePairZeroDenominator verifies the documented division-by-zero
// policy: a voxel with no weight from either acquisition becomes 0
func TestFusePairZeroDenominator(t *testing.T) {
	dst := make([]float32, 2)
	fusePair(dst,
		[]float32{4, 4}, []float32{6, 6},
		[]float32{0, 0.25}, []float32{0, 2.25})
	if dst[0] != 0 {
		t.Errorf("zero-weight voxel = %g, expected 0", dst[0])
	}
	if math.Abs(float64(dst[1])-5.8) > 1e-6 {
		t.Errorf("weighted voxel = %g, expected 5.8", dst[1])
	}
}

// TestLeaveOneOutNotImplemented verifies the declared-but-undefined
// operation fails cleanly
func TestLeaveOneOutNotImplemented(t *testing.T) {
	img, grad, scheme := trivialPair(1, 1, 1)
	_, err := Run(context.Background(), OpLeaveOneOut, img, grad, scheme, Options{Quiet: true})
	var niErr *NotImplementedError
	if !errors.As(err, &niErr) {
		t.Fatalf("expected NotImplementedError, got %v", err)
	}
	if niErr.Op != OpLeaveOneOut {
		t.Errorf("error carries operation %q, expected %q", niErr.Op, OpLeaveOneOut)
	}
}

// TestParseOperation verifies the choice set
func TestParseOperation(t *testing.T) {
	for _, op := range Operations {
		got, err := ParseOperation(string(op))
		if err != nil || got != op {
			t.Errorf("ParseOperation(%q) = %q, %v", op, got, err)
		}
	}
	if _, err := ParseOperation("denoise"); err == nil {
		t.Error("expected error for unknown operation")
	}
}
