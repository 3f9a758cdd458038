package recon

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"dwirecon/pkg/dwi"
	"dwirecon/pkg/image"
	"dwirecon/pkg/parallel"
	"dwirecon/pkg/pe"
	"dwirecon/pkg/sh"
)

// combinePredicted implements the combine_predicted operation. For each
// (phase encoding group, shell), the volumes of the group are the
// prediction targets and the volumes of all other groups are the
// sources. The sources are fit with spherical harmonics and evaluated
// at the target directions; per voxel, the output blends the empirical
// target intensity with that prediction, with the blend weight driven
// by the group's local Jacobian.
//
// The empirical weight is max(1, J) unless Options.ClampedWeights is
// set, in which case it is min(1, J). The former reproduces the
// behaviour of established preprocessing pipelines, under which a
// compressed voxel (J < 1) keeps its empirical intensity untouched and
// an expanded voxel (J > 1) extrapolates past it; the latter is the
// form under which predictions contribute exactly where compression
// occurred.
func combinePredicted(ctx context.Context, in *image.Image, grad dwi.Scheme, peScheme pe.Scheme, opts *Options) (*image.Image, error) {
	if opts.Field == nil {
		return nil, &OptionError{Msg: `field option is compulsory for "combine_predicted" operation`}
	}

	shells, err := dwi.FindShells(grad, opts.bZeroThreshold(), opts.shellGap())
	if err != nil {
		return nil, err
	}
	if opts.Lmax != nil {
		if len(opts.Lmax) != shells.Count() {
			return nil, &OptionError{Msg: fmt.Sprintf(
				"lmax option must specify one value for each unique b-value: got %d values for %d shells",
				len(opts.Lmax), shells.Count())}
		}
		for _, l := range opts.Lmax {
			if l < 0 || l%2 != 0 {
				return nil, &OptionError{Msg: fmt.Sprintf("lmax values must be non-negative even numbers: got %d", l)}
			}
		}
	}

	cfg := peScheme.Unique()
	jacobians, err := JacobianImages(ctx, opts.Field, cfg, opts.Threads,
		opts.reporter("computing phase encoding group Jacobian images"))
	if err != nil {
		return nil, err
	}
	if opts.ExportWeightsPrefix != "" {
		if err := exportWeights(opts.ExportWeightsPrefix, jacobians, nil); err != nil {
			return nil, err
		}
	}

	hdrOut := in.Header.Clone()
	hdrOut.DataType = image.Float32LE
	grad.ToHeader(hdrOut)
	peScheme.ToHeader(hdrOut)
	out := image.New(hdrOut)

	rep := opts.reporter("reconstructing volumes combining empirical and predicted intensities")
	passes := cfg.Groups() * shells.Count()
	done := 0

	for p := range cfg.Rows {
		for s, shell := range shells.Shells {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var targets, sources []int
			for _, v := range shell.Volumes {
				if cfg.Index[v] == p {
					targets = append(targets, v)
				} else {
					sources = append(sources, v)
				}
			}
			if len(sources) == 0 || len(targets) == 0 {
				return nil, &EmptyPartitionError{
					PEGroup: p,
					BValue:  shell.Mean,
					Sources: len(sources),
					Targets: len(targets),
				}
			}

			lmax := sh.MaxDegree(len(sources))
			if opts.Lmax != nil {
				if opts.Lmax[s] > lmax {
					return nil, &LmaxError{
						Requested:  opts.Lmax[s],
						Achievable: lmax,
						BValue:     shell.Mean,
						Sources:    len(sources),
					}
				}
				lmax = opts.Lmax[s]
			}

			bTarget := sh.Basis(schemeDirections(grad, targets), lmax)
			bSource := sh.Basis(schemeDirections(grad, sources), lmax)

			pass := &predictionPass{
				in:       in,
				out:      out,
				cfg:      cfg,
				jacobian: jacobians,
				peGroup:  p,
				targets:  targets,
				sources:  sources,
				bTarget:  bTarget,
				bSource:  bSource,
				clamped:  opts.ClampedWeights,
			}
			if cfg.Groups() == 2 {
				err = pass.runUniform(ctx, opts.Threads)
			} else {
				err = pass.runWeighted(ctx, opts.Threads)
			}
			if err != nil {
				return nil, err
			}
			done++
			rep.Update(done, passes)
		}
	}
	rep.Done(passes)
	return out, nil
}

func schemeDirections(grad dwi.Scheme, volumes []int) [][3]float64 {
	dirs := make([][3]float64, len(volumes))
	for i, v := range volumes {
		dirs[i] = grad.Direction(v)
	}
	return dirs
}

// predictionPass holds the immutable per-(PE group, shell) state shared
// by the voxel workers.
type predictionPass struct {
	in, out  *image.Image
	cfg      *pe.Config
	jacobian []*image.Image
	peGroup  int
	targets  []int
	sources  []int
	bTarget  *mat.Dense
	bSource  *mat.Dense
	clamped  bool
}

// empiricalWeight derives the blend weight from a Jacobian value.
func (pp *predictionPass) empiricalWeight(j float64) float64 {
	if pp.clamped {
		if j < 1 {
			return j
		}
		return 1
	}
	if j > 1 {
		return j
	}
	return 1
}

// blendVoxel writes the output intensities of the target volumes at one
// voxel: the empirical intensity when the weight is exactly one, or the
// weighted blend of empirical and predicted otherwise. predicted holds
// one value per target volume.
func (pp *predictionPass) blendVoxel(vox int, ew float64, predicted *mat.VecDense) {
	nvox := pp.in.Header.VoxelCount()
	for k, t := range pp.targets {
		idx := t*nvox + vox
		empirical := float64(pp.in.Data[idx])
		pp.out.Data[idx] = float32(ew*empirical + (1-ew)*predicted.AtVec(k))
	}
}

func (pp *predictionPass) copyVoxel(vox int) {
	nvox := pp.in.Header.VoxelCount()
	for _, t := range pp.targets {
		idx := t*nvox + vox
		pp.out.Data[idx] = pp.in.Data[idx]
	}
}

func (pp *predictionPass) gatherSources(vox int, dst *mat.VecDense) {
	nvox := pp.in.Header.VoxelCount()
	for i, v := range pp.sources {
		dst.SetVec(i, float64(pp.in.Data[v*nvox+vox]))
	}
}

// runUniform is the two-group branch: the source weights are voxel
// independent, so the source-to-target operator is computed once and
// reused at every voxel.
func (pp *predictionPass) runUniform(ctx context.Context, threads int) error {
	fit, err := sh.FitMatrix(pp.bSource)
	if err != nil {
		return &NumericError{Err: err}
	}
	var source2target mat.Dense
	source2target.Mul(pp.bTarget, fit)

	jac := pp.jacobian[pp.peGroup].Data
	nvox := pp.in.Header.VoxelCount()
	return parallel.Run(ctx, nvox, threads, func(ctx context.Context, _ int, r parallel.Range) error {
		sourceData := mat.NewVecDense(len(pp.sources), nil)
		predicted := mat.NewVecDense(len(pp.targets), nil)
		for vox := r.Start; vox < r.End; vox++ {
			if vox%cancelStride == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			ew := pp.empiricalWeight(float64(jac[vox]))
			if ew == 1 {
				pp.copyVoxel(vox)
				continue
			}
			pp.gatherSources(vox, sourceData)
			predicted.MulVec(&source2target, sourceData)
			pp.blendVoxel(vox, ew, predicted)
		}
		return nil
	})
}

// runWeighted is the many-group branch: each source sample is weighted
// by the Jacobian of its own phase encoding group at the voxel, so the
// weighted least squares fit is rebuilt per voxel.
func (pp *predictionPass) runWeighted(ctx context.Context, threads int) error {
	jac := pp.jacobian[pp.peGroup].Data
	nvox := pp.in.Header.VoxelCount()
	return parallel.Run(ctx, nvox, threads, func(ctx context.Context, _ int, r parallel.Range) error {
		sourceData := mat.NewVecDense(len(pp.sources), nil)
		predicted := mat.NewVecDense(len(pp.targets), nil)
		weights := make([]float64, len(pp.sources))
		var source2target mat.Dense
		for vox := r.Start; vox < r.End; vox++ {
			if vox%cancelStride == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			ew := pp.empiricalWeight(float64(jac[vox]))
			if ew == 1 {
				pp.copyVoxel(vox)
				continue
			}
			for i, v := range pp.sources {
				weights[i] = float64(pp.jacobian[pp.cfg.Index[v]].Data[vox])
				sourceData.SetVec(i, float64(pp.in.Data[v*nvox+vox]))
			}
			fit, err := sh.WeightedFit(pp.bSource, weights)
			if err != nil {
				return &NumericError{Err: err}
			}
			source2target.Reset()
			source2target.Mul(pp.bTarget, fit)
			predicted.MulVec(&source2target, sourceData)
			pp.blendVoxel(vox, ew, predicted)
		}
		return nil
	})
}

// cancelStride is how often the voxel loops poll for cancellation.
const cancelStride = 4096
