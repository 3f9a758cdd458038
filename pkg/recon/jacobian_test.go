package recon

import (
	"context"
	"math"
	"testing"

	"dwirecon/internal/phantom"
	"dwirecon/pkg/image"
	"dwirecon/pkg/pe"
)

// TestJacobianRampField verifies the Jacobian values of a linear field
// for both phase encoding polarities
func TestJacobianRampField(t *testing.T) {
	// F(y) = {0, -10}: central difference with boundary replication
	// gives dF/dy = -5 at both voxels.
	field := phantom.RampFieldY(1, 2, 1, []float64{0, -10})
	cfg := pe.Scheme{
		{0, 1, 0, 0.1},
		{0, -1, 0, 0.1},
	}.Unique()

	jac, err := JacobianImages(context.Background(), field, cfg, 1, nil)
	if err != nil {
		t.Fatalf("JacobianImages: %v", err)
	}
	if len(jac) != 2 {
		t.Fatalf("got %d Jacobian images, expected 2", len(jac))
	}
	for y := 0; y < 2; y++ {
		if got := jac[0].At(0, y, 0, 0); math.Abs(float64(got)-0.5) > 1e-6 {
			t.Errorf("J_{+y}(0,%d,0) = %g, expected 0.5", y, got)
		}
		if got := jac[1].At(0, y, 0, 0); math.Abs(float64(got)-1.5) > 1e-6 {
			t.Errorf("J_{-y}(0,%d,0) = %g, expected 1.5", y, got)
		}
	}
}

// TestJacobianClampsAtZero verifies negative raw Jacobians clamp to 0
func TestJacobianClampsAtZero(t *testing.T) {
	// dF/dy = 15, τ = 0.1: raw Jacobians are 2.5 and -0.5.
	field := phantom.RampFieldY(1, 2, 1, []float64{0, 30})
	cfg := pe.Scheme{
		{0, 1, 0, 0.1},
		{0, -1, 0, 0.1},
	}.Unique()

	jac, err := JacobianImages(context.Background(), field, cfg, 1, nil)
	if err != nil {
		t.Fatalf("JacobianImages: %v", err)
	}
	if got := jac[0].At(0, 0, 0, 0); math.Abs(float64(got)-2.5) > 1e-6 {
		t.Errorf("J_{+y} = %g, expected 2.5", got)
	}
	if got := jac[1].At(0, 0, 0, 0); got != 0 {
		t.Errorf("J_{-y} = %g, expected clamp to 0", got)
	}
}

// TestJacobianBoundaryReplication verifies the finite difference stencil
// at and away from the axis boundaries
func TestJacobianBoundaryReplication(t *testing.T) {
	field := phantom.RampFieldY(1, 4, 1, []float64{0, 1, 4, 9})
	cfg := pe.Scheme{{0, 1, 0, 1.0}}.Unique()
	// A single group has no reversed partner, but the Jacobian itself is
	// defined per group regardless.
	jac, err := JacobianImages(context.Background(), field, cfg, 1, nil)
	if err != nil {
		t.Fatalf("JacobianImages: %v", err)
	}

	// Gradients: replicated boundary gives 0.5·(F[1]-F[0]) at y=0 and
	// 0.5·(F[3]-F[2]) at y=3; central differences inside.
	expected := []float64{1 + 0.5, 1 + 2.0, 1 + 4.0, 1 + 2.5}
	for y, want := range expected {
		if got := jac[0].At(0, y, 0, 0); math.Abs(float64(got)-want) > 1e-6 {
			t.Errorf("J(0,%d,0) = %g, expected %g", y, got, want)
		}
	}
}

// TestJacobianUniformField verifies that a constant field yields unit
// Jacobians everywhere
func TestJacobianUniformField(t *testing.T) {
	field := image.New(image.NewHeader(3, 3, 3))
	for i := range field.Data {
		field.Data[i] = 42.0
	}
	cfg := pe.Scheme{
		{1, 0, 0, 0.05},
		{-1, 0, 0, 0.05},
	}.Unique()

	jac, err := JacobianImages(context.Background(), field, cfg, 2, nil)
	if err != nil {
		t.Fatalf("JacobianImages: %v", err)
	}
	for p := range jac {
		for i, v := range jac[p].Data {
			if v != 1 {
				t.Fatalf("J_%d at voxel %d = %g, expected 1", p, i, v)
			}
		}
	}
}

// TestSquaredImage verifies the recombination weight derivation
func TestSquaredImage(t *testing.T) {
	jac := image.New(image.NewHeader(2, 1, 1))
	jac.Data[0] = 0.5
	jac.Data[1] = 1.5
	w := squaredImage(jac)
	if w.Data[0] != 0.25 || w.Data[1] != 2.25 {
		t.Errorf("squared weights = %v, expected [0.25 2.25]", w.Data)
	}
}
