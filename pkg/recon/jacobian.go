package recon

import (
	"context"

	"github.com/chewxy/math32"

	"dwirecon/pkg/dwi"
	"dwirecon/pkg/image"
	"dwirecon/pkg/parallel"
	"dwirecon/pkg/pe"
	"dwirecon/pkg/progress"
)

// JacobianImages computes the per-PE-group Jacobian of the off-resonance
// field: J_p = max(0, 1 + τ_p·s_p·∂F/∂a_p), where the derivative is the
// central finite difference along the phase encoding axis in voxel units,
// with the boundary voxel replicated at the edges. The returned images
// share the field's 3D grid.
func JacobianImages(ctx context.Context, field *image.Image, cfg *pe.Config, threads int, rep *progress.Reporter) ([]*image.Image, error) {
	hdr := fieldHeader(field.Header)
	nx, ny, nz := hdr.Dims[0], hdr.Dims[1], hdr.Dims[2]
	dims := [3]int{nx, ny, nz}
	strides := [3]int{1, nx, nx * ny}
	nvox := nx * ny * nz

	jacobians := make([]*image.Image, cfg.Groups())
	for p, row := range cfg.Rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		axis := row.Axis()
		mult := row.Sign() * row.Tau()
		stride := strides[axis]
		dim := dims[axis]

		jac := image.New(hdr.Clone())
		err := parallel.Run(ctx, nvox, threads, func(ctx context.Context, _ int, r parallel.Range) error {
			for i := r.Start; i < r.End; i++ {
				pos := axisCoord(i, axis, nx, ny)
				prev, next := i, i
				if pos > 0 {
					prev = i - stride
				}
				if pos < dim-1 {
					next = i + stride
				}
				grad := 0.5 * (float64(field.Data[next]) - float64(field.Data[prev]))
				jac.Data[i] = math32.Max(0, float32(1+mult*grad))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		jacobians[p] = jac
		if rep != nil {
			rep.Update(p+1, cfg.Groups())
		}
	}
	if rep != nil {
		rep.Done(cfg.Groups())
	}
	return jacobians, nil
}

// axisCoord extracts the coordinate along one spatial axis from a
// linear voxel index in canonical layout.
func axisCoord(i, axis, nx, ny int) int {
	switch axis {
	case 0:
		return i % nx
	case 1:
		return (i / nx) % ny
	default:
		return i / (nx * ny)
	}
}

// fieldHeader reduces the field's header to the three spatial axes,
// dropping any singleton volume axis and embedded series tables.
func fieldHeader(hdr *image.Header) *image.Header {
	h := hdr.Clone()
	h.Dims = h.Dims[:3]
	if len(h.Vox) > 3 {
		h.Vox = h.Vox[:3]
	}
	h.DataType = image.Float32LE
	h.DeleteKey(dwi.SchemeKey)
	h.DeleteKey(pe.SchemeKey)
	return h
}

// squaredImage returns a new image holding the elementwise square,
// the recombination weight derived from a Jacobian image.
func squaredImage(jac *image.Image) *image.Image {
	w := image.New(jac.Header.Clone())
	for i, v := range jac.Data {
		w.Data[i] = v * v
	}
	return w
}
