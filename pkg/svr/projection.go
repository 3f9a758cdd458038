package svr

import (
	"context"
	"fmt"

	"dwirecon/pkg/parallel"
)

// Apply computes dst = A·x: for every slice sample, the slice-profile
// weighted sum of trilinearly resampled SH amplitudes along the
// motion-mapped positions through the coefficient field.
func (op *Operator) Apply(dst, x []float64) error {
	if len(dst) != op.Rows() || len(x) != op.Cols() {
		return fmt.Errorf("apply: operator is %dx%d, got dst %d and x %d",
			op.Rows(), op.Cols(), len(dst), len(x))
	}
	return parallel.Run(context.Background(), op.Rows(), op.threads,
		func(ctx context.Context, _ int, r parallel.Range) error {
			for row := r.Start; row < r.End; row++ {
				dst[row] = op.project(row, x)
			}
			return nil
		})
}

// ApplyTranspose computes dst = Aᵀ·W·y with W the per-slice weights.
// The scatter into coefficient space accumulates over a fixed chunk
// grid so the result is identical for any worker count.
func (op *Operator) ApplyTranspose(dst, y []float64) error {
	if len(dst) != op.Cols() || len(y) != op.Rows() {
		return fmt.Errorf("applyTranspose: operator is %dx%d, got dst %d and y %d",
			op.Rows(), op.Cols(), len(dst), len(y))
	}
	for i := range dst {
		dst[i] = 0
	}
	return parallel.SumVectors(context.Background(), op.Rows(), op.threads, dst,
		func(ctx context.Context, acc []float64, r parallel.Range) error {
			for row := r.Start; row < r.End; row++ {
				v := y[row] * op.sliceWeight(op.sliceIndex(row))
				if v != 0 {
					op.backProject(row, v, acc)
				}
			}
			return nil
		})
}

// ApplyNormal computes dst = AᵀWA·x in one fused pass over the data
// space, the product iterative solvers consume on every step.
func (op *Operator) ApplyNormal(dst, x []float64) error {
	tmp := make([]float64, op.Rows())
	if err := op.Apply(tmp, x); err != nil {
		return err
	}
	return op.ApplyTranspose(dst, tmp)
}

// sliceIndex maps a data row to its (volume, slice) index.
func (op *Operator) sliceIndex(row int) int {
	return row / op.nxy
}

// decodeRow splits a data row index into volume, slice and in-plane
// coordinates.
func (op *Operator) decodeRow(row int) (v, z, y, x int) {
	x = row % op.nx
	rest := row / op.nx
	y = rest % op.ny
	rest /= op.ny
	z = rest % op.nz
	v = rest / op.nz
	return v, z, y, x
}

// project evaluates one data sample from the coefficient field.
func (op *Operator) project(row int, coef []float64) float64 {
	v, z, y, x := op.decodeRow(row)
	bz := v*op.nz + z
	basisRow := op.basis.RawRowView(bz)

	val := 0.0
	for s := -op.support; s <= op.support; s++ {
		w := op.ssp[s+op.support]
		px, py, pz := op.motionVoxel[bz].apply(float64(x), float64(y), float64(z+s))
		val += w * op.sampleAmplitude(px, py, pz, basisRow, coef)
	}
	return val
}

// backProject scatters one weighted data sample into the coefficient
// accumulator; the adjoint of project.
func (op *Operator) backProject(row int, value float64, acc []float64) {
	v, z, y, x := op.decodeRow(row)
	bz := v*op.nz + z
	basisRow := op.basis.RawRowView(bz)

	for s := -op.support; s <= op.support; s++ {
		w := value * op.ssp[s+op.support]
		px, py, pz := op.motionVoxel[bz].apply(float64(x), float64(y), float64(z+s))
		op.scatterAmplitude(px, py, pz, w, basisRow, acc)
	}
}

// corners enumerates the trilinear interpolation stencil around a
// fractional voxel position, calling fn with each in-bounds corner's
// linear voxel index and weight.
func (op *Operator) corners(px, py, pz float64, fn func(voxel int, w float64)) {
	x0 := floorInt(px)
	y0 := floorInt(py)
	z0 := floorInt(pz)
	fx := px - float64(x0)
	fy := py - float64(y0)
	fz := pz - float64(z0)

	for dz := 0; dz < 2; dz++ {
		z := z0 + dz
		if z < 0 || z >= op.nz {
			continue
		}
		wz := fz
		if dz == 0 {
			wz = 1 - fz
		}
		for dy := 0; dy < 2; dy++ {
			y := y0 + dy
			if y < 0 || y >= op.ny {
				continue
			}
			wy := fy
			if dy == 0 {
				wy = 1 - fy
			}
			for dx := 0; dx < 2; dx++ {
				x := x0 + dx
				if x < 0 || x >= op.nx {
					continue
				}
				wx := fx
				if dx == 0 {
					wx = 1 - fx
				}
				w := wx * wy * wz
				if w != 0 {
					fn(x+op.nx*(y+op.ny*z), w)
				}
			}
		}
	}
}

// sampleAmplitude trilinearly resamples the SH amplitude along the
// basis row's direction at a fractional position of the coefficient
// field. Out-of-bounds corners contribute nothing.
func (op *Operator) sampleAmplitude(px, py, pz float64, basisRow, coef []float64) float64 {
	val := 0.0
	op.corners(px, py, pz, func(voxel int, w float64) {
		base := voxel * op.nc
		dot := 0.0
		for c := 0; c < op.nc; c++ {
			dot += basisRow[c] * coef[base+c]
		}
		val += w * dot
	})
	return val
}

// scatterAmplitude is the adjoint of sampleAmplitude.
func (op *Operator) scatterAmplitude(px, py, pz, value float64, basisRow, acc []float64) {
	op.corners(px, py, pz, func(voxel int, w float64) {
		base := voxel * op.nc
		wv := w * value
		for c := 0; c < op.nc; c++ {
			acc[base+c] += wv * basisRow[c]
		}
	})
}

func floorInt(v float64) int {
	i := int(v)
	if float64(i) > v {
		i--
	}
	return i
}
