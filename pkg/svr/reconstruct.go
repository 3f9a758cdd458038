package svr

import (
	"context"
	"fmt"

	"dwirecon/pkg/dwi"
	"dwirecon/pkg/image"
	"dwirecon/pkg/linop"
)

// SolveOptions tunes the iterative solve.
type SolveOptions struct {
	// MaxIterations bounds the CG iteration count; 0 means 2·Cols.
	MaxIterations int

	// Tolerance is the relative residual reduction target; 0 means 1e-10.
	Tolerance float64
}

// ReconstructSH estimates the SH coefficient field that best explains
// the acquired 4D data under the projection operator: a conjugate
// gradient least-squares solve on the normal equations. The result is a
// 4D image whose volumes are the SH coefficients in (l, m) order.
func ReconstructSH(ctx context.Context, acquired *image.Image, scheme dwi.Scheme, motion [][6]float64, opts Options, solve SolveOptions) (*image.Image, linop.Result, error) {
	op, err := NewOperator(acquired.Header, scheme, motion, opts)
	if err != nil {
		return nil, linop.Result{}, err
	}
	if len(acquired.Data) != op.Rows() {
		return nil, linop.Result{}, fmt.Errorf("acquired data has %d samples, operator expects %d",
			len(acquired.Data), op.Rows())
	}

	b := make([]float64, op.Rows())
	for i, v := range acquired.Data {
		b[i] = float64(v)
	}
	x := make([]float64, op.Cols())

	res, err := linop.SolveLeastSquares(ctx, op, b, x, linop.Options{
		MaxIterations: solve.MaxIterations,
		Tolerance:     solve.Tolerance,
	})
	if err != nil {
		return nil, res, err
	}
	return op.coefficientImage(acquired.Header, x), res, nil
}

// coefficientImage packs a voxel-major coefficient vector into a 4D
// image with one volume per SH coefficient.
func (op *Operator) coefficientImage(hdr *image.Header, x []float64) *image.Image {
	out := image.New(coefficientHeader(hdr, op.nc))
	nvox := op.nx * op.ny * op.nz
	for voxel := 0; voxel < nvox; voxel++ {
		for c := 0; c < op.nc; c++ {
			out.Data[c*nvox+voxel] = float32(x[voxel*op.nc+c])
		}
	}
	return out
}

func coefficientHeader(hdr *image.Header, nc int) *image.Header {
	h := hdr.Clone()
	h.Dims[3] = nc
	h.DataType = image.Float32LE
	h.DeleteKey(dwi.SchemeKey)
	return h
}
