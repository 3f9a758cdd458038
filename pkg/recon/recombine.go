package recon

import (
	"context"
	"fmt"

	"dwirecon/pkg/dwi"
	"dwirecon/pkg/image"
	"dwirecon/pkg/parallel"
	"dwirecon/pkg/pe"
)

// combinePairs implements the combine_pairs operation: each output
// volume is the fusion of two input volumes with equivalent diffusion
// sensitisation and reversed phase encoding. With a field, the fusion
// weight of each contribution is the squared Jacobian of its phase
// encoding group; voxels where both weights vanish are set to zero.
// Without a field the two volumes are averaged.
func combinePairs(ctx context.Context, in *image.Image, grad dwi.Scheme, peScheme pe.Scheme, opts *Options) (*image.Image, error) {
	if opts.Lmax != nil {
		return nil, &OptionError{Msg: `lmax option not supported for "combine_pairs" operation`}
	}
	if len(grad)%2 != 0 {
		return nil, &PartitionError{Err: fmt.Errorf("number of volumes (%d) is odd", len(grad))}
	}

	cfg := peScheme.Unique()
	partners, err := cfg.Partners()
	if err != nil {
		return nil, &PartitionError{Err: err}
	}

	shells, err := dwi.FindShells(grad, opts.bZeroThreshold(), opts.shellGap())
	if err != nil {
		return nil, err
	}
	pairs, gradOut, err := findPairs(grad, shells, cfg, partners, opts.dotThreshold())
	if err != nil {
		return nil, err
	}

	hdrOut := in.Header.Clone()
	hdrOut.Dims[3] = len(pairs)
	hdrOut.DataType = image.Float32LE
	gradOut.ToHeader(hdrOut)
	hdrOut.DeleteKey(pe.SchemeKey)
	out := image.New(hdrOut)

	if opts.Field == nil {
		rep := opts.reporter("performing explicit volume recombination")
		rep.Info(`no susceptibility field image provided for "combine_pairs" operation; performing unweighted averaging`)
		err := parallel.Run(ctx, len(pairs), opts.Threads, func(ctx context.Context, _ int, r parallel.Range) error {
			for o := r.Start; o < r.End; o++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				averagePair(out.Volume(o), in.Volume(pairs[o].First), in.Volume(pairs[o].Second))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		rep.Done(len(pairs))
		return out, nil
	}

	jacobians, err := JacobianImages(ctx, opts.Field, cfg, opts.Threads,
		opts.reporter("computing phase encoding group weighting images"))
	if err != nil {
		return nil, err
	}
	weights := make([]*image.Image, len(jacobians))
	for p, jac := range jacobians {
		weights[p] = squaredImage(jac)
	}
	if opts.ExportWeightsPrefix != "" {
		if err := exportWeights(opts.ExportWeightsPrefix, jacobians, weights); err != nil {
			return nil, err
		}
	}

	rep := opts.reporter("performing explicit volume recombination")
	err = parallel.Run(ctx, len(pairs), opts.Threads, func(ctx context.Context, _ int, r parallel.Range) error {
		for o := r.Start; o < r.End; o++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			fusePair(out.Volume(o),
				in.Volume(pairs[o].First), in.Volume(pairs[o].Second),
				weights[cfg.Index[pairs[o].First]].Data, weights[cfg.Index[pairs[o].Second]].Data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	rep.Done(len(pairs))
	return out, nil
}

// averagePair writes the arithmetic mean of two source volumes.
func averagePair(dst, first, second []float32) {
	for i := range dst {
		dst[i] = 0.5 * (first[i] + second[i])
	}
}

// fusePair writes the weighted combination of two source volumes. A
// voxel where both weights are zero carries no signal from either
// acquisition and is set to zero.
func fusePair(dst, first, second []float32, wFirst, wSecond []float32) {
	for i := range dst {
		w1 := float64(wFirst[i])
		w2 := float64(wSecond[i])
		den := w1 + w2
		if den == 0 {
			dst[i] = 0
			continue
		}
		dst[i] = float32((float64(first[i])*w1 + float64(second[i])*w2) / den)
	}
}
