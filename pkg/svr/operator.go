// Package svr implements the slice-to-volume projection operator for
// motion-corrected reconstruction: a linear map from a spherical
// harmonic coefficient field to the acquired slab data, with per-volume
// (or per-slice) rigid motion, a Gaussian slice profile along the slice
// axis and trilinear in-plane resampling. The operator is never
// materialised; it exposes the matrix-free capability consumed by the
// conjugate-gradient solver in pkg/linop.
package svr

import (
	"fmt"
	"math"

	"dwirecon/pkg/dwi"
	"dwirecon/pkg/image"
	"dwirecon/pkg/sh"

	"gonum.org/v1/gonum/mat"
)

// Options configures the projection operator.
type Options struct {
	// Lmax is the spherical harmonic degree of the coefficient field.
	Lmax int

	// SliceThickness is the FWHM of the Gaussian slice profile in
	// multiples of the slice spacing. Zero means 2.0, matching an
	// acquisition at twice-interleaved slice packing.
	SliceThickness float64

	// Support is the half-width of the slice profile neighbourhood in
	// slices. Zero means 2.
	Support int

	// Threads bounds the parallelism of the projection passes.
	// Zero means all cores.
	Threads int
}

// Operator maps an SH coefficient field x (voxel-major, nc coefficients
// per voxel) to stacked slice data y (volume by volume, slice by slice,
// rows in-plane). It implements linop.NormalOperator.
type Operator struct {
	nx, ny, nz, nv int
	nxy            int
	nc             int
	lmax           int

	// basis holds one SH row per (volume, slice): the basis evaluated
	// at the motion-rotated gradient direction.
	basis *mat.Dense

	// motionVoxel holds the voxel-space rigid mapping per (volume,
	// slice): acquisition voxel coordinates to reconstruction voxel
	// coordinates.
	motionVoxel []affine

	// ssp is the normalised slice profile over [-support, support].
	ssp     []float64
	support int

	// weights is the per-slice reliability weight applied in the
	// transpose and normal products; nil means uniform.
	weights []float64

	threads int
}

// affine is a 3x4 voxel-space transform.
type affine struct {
	m [3][4]float64
}

func (a affine) apply(x, y, z float64) (float64, float64, float64) {
	return a.m[0][0]*x + a.m[0][1]*y + a.m[0][2]*z + a.m[0][3],
		a.m[1][0]*x + a.m[1][1]*y + a.m[1][2]*z + a.m[1][3],
		a.m[2][0]*x + a.m[2][1]*y + a.m[2][2]*z + a.m[2][3]
}

// NewOperator builds the projection operator for a 4D acquisition
// header, its gradient table, and rigid motion parameters. Motion holds
// one row of 6 parameters (tx, ty, tz in mm, then rotations rx, ry, rz
// in radians) per volume, or per volume·slice for slice-level motion.
// Pass nil motion for a static acquisition.
func NewOperator(hdr *image.Header, scheme dwi.Scheme, motion [][6]float64, opts Options) (*Operator, error) {
	if hdr.NDim() != 4 {
		return nil, fmt.Errorf("expected a 4D acquisition, got %dD", hdr.NDim())
	}
	nx, ny, nz, nv := hdr.Dims[0], hdr.Dims[1], hdr.Dims[2], hdr.Dims[3]
	if err := scheme.Validate(nv); err != nil {
		return nil, err
	}

	switch len(motion) {
	case 0, nv, nv * nz:
	default:
		return nil, fmt.Errorf("motion has %d rows, expected %d (per volume) or %d (per slice)",
			len(motion), nv, nv*nz)
	}

	if opts.Lmax < 0 || opts.Lmax%2 != 0 {
		return nil, fmt.Errorf("lmax %d is not a non-negative even degree", opts.Lmax)
	}
	thickness := opts.SliceThickness
	if thickness <= 0 {
		thickness = 2.0
	}
	support := opts.Support
	if support <= 0 {
		support = 2
	}

	op := &Operator{
		nx: nx, ny: ny, nz: nz, nv: nv,
		nxy:     nx * ny,
		nc:      sh.NumCoef(opts.Lmax),
		lmax:    opts.Lmax,
		support: support,
		ssp:     gaussianProfile(thickness, support),
		threads: opts.Threads,
	}

	op.initMotion(hdr, motion)
	op.initBasis(scheme, motion)
	return op, nil
}

// gaussianProfile returns the normalised slice profile: a Gaussian with
// the given FWHM sampled at integer offsets in [-support, support].
func gaussianProfile(fwhm float64, support int) []float64 {
	sigma := fwhm / 2.3548200450309493
	w := make([]float64, 2*support+1)
	sum := 0.0
	for s := -support; s <= support; s++ {
		v := math.Exp(-0.5 * float64(s*s) / (sigma * sigma))
		w[s+support] = v
		sum += v
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

// initMotion precomputes the acquisition-to-reconstruction voxel
// transform per (volume, slice): S2V · T(motion) · V2S, where V2S is
// the header's voxel-to-scanner map.
func (op *Operator) initMotion(hdr *image.Header, motion [][6]float64) {
	v2s := voxelToScanner(hdr)
	s2v := invertAffine(v2s)

	op.motionVoxel = make([]affine, op.nv*op.nz)
	for v := 0; v < op.nv; v++ {
		for z := 0; z < op.nz; z++ {
			row := motionRow(motion, v, z, op.nv, op.nz)
			t := composeAffine(s2v, composeAffine(rigidTransform(row), v2s))
			op.motionVoxel[v*op.nz+z] = t
		}
	}
}

// initBasis evaluates the SH basis at each slice's motion-rotated
// gradient direction.
func (op *Operator) initBasis(scheme dwi.Scheme, motion [][6]float64) {
	dirs := make([][3]float64, op.nv*op.nz)
	for v := 0; v < op.nv; v++ {
		g := scheme.Direction(v)
		for z := 0; z < op.nz; z++ {
			row := motionRow(motion, v, z, op.nv, op.nz)
			r := rotationMatrix(row[3], row[4], row[5])
			dirs[v*op.nz+z] = [3]float64{
				r[0][0]*g[0] + r[0][1]*g[1] + r[0][2]*g[2],
				r[1][0]*g[0] + r[1][1]*g[1] + r[1][2]*g[2],
				r[2][0]*g[0] + r[2][1]*g[1] + r[2][2]*g[2],
			}
		}
	}
	op.basis = sh.Basis(dirs, op.lmax)
}

func motionRow(motion [][6]float64, v, z, nv, nz int) [6]float64 {
	switch len(motion) {
	case 0:
		return [6]float64{}
	case nv:
		return motion[v]
	default:
		return motion[v*nz+z]
	}
}

// SetSliceWeights installs per-slice reliability weights (length
// volumes·slices) used by the transpose and normal products, turning
// the solve into weighted least squares.
func (op *Operator) SetSliceWeights(w []float64) error {
	if len(w) != op.nv*op.nz {
		return fmt.Errorf("weights have %d entries, expected %d", len(w), op.nv*op.nz)
	}
	op.weights = append([]float64(nil), w...)
	return nil
}

// Rows returns the data-space dimension: one sample per in-plane
// position of every slice of every volume.
func (op *Operator) Rows() int { return op.nv * op.nz * op.nxy }

// Cols returns the coefficient-space dimension: nc SH coefficients per
// reconstruction voxel.
func (op *Operator) Cols() int { return op.nxy * op.nz * op.nc }

func (op *Operator) sliceWeight(idx int) float64 {
	if op.weights == nil {
		return 1.0
	}
	return op.weights[idx]
}
