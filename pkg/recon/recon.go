// Package recon implements reconstruction of DWI data from an input DWI
// series: explicit recombination of reversed phase-encoding volume
// pairs using Jacobian-derived weights, and reconstruction of each
// volume as a blend of its empirical intensities with spherical
// harmonic predictions from the other phase encoding groups.
package recon

import (
	"context"
	"fmt"

	"dwirecon/pkg/dwi"
	"dwirecon/pkg/image"
	"dwirecon/pkg/pe"
	"dwirecon/pkg/progress"
)

// Operation selects the reconstruction mechanism.
type Operation string

const (
	// OpCombinePairs fuses pairs of volumes acquired with identical
	// diffusion sensitisation but reversed phase encoding.
	OpCombinePairs Operation = "combine_pairs"

	// OpLeaveOneOut estimates each sample from all other samples in the
	// voxel. Not yet implemented.
	OpLeaveOneOut Operation = "leave_one_out"

	// OpCombinePredicted blends empirical intensities with predictions
	// from the other phase encoding groups.
	OpCombinePredicted Operation = "combine_predicted"
)

// Operations lists the recognised operations in choice order.
var Operations = []Operation{OpCombinePairs, OpLeaveOneOut, OpCombinePredicted}

// ParseOperation resolves an operation name.
func ParseOperation(s string) (Operation, error) {
	for _, op := range Operations {
		if string(op) == s {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q; expected one of: %s, %s, %s",
		s, OpCombinePairs, OpLeaveOneOut, OpCombinePredicted)
}

// GridTolerance is the per-component tolerance used when checking that
// the field image sits on the DWI voxel grid in scanner space.
const GridTolerance = 1e-4

// DefaultDotThreshold is the minimum |g₁·g₂| for two unit gradient
// directions to count as equivalent sensitisation. It tolerates
// numerical noise while excluding non-antiparallel directions.
const DefaultDotThreshold = 0.999

// Options configures a reconstruction run.
type Options struct {
	// Field is the off-resonance field in Hz, on the same voxel grid as
	// the input. Optional for combine_pairs, compulsory for
	// combine_predicted.
	Field *image.Image

	// Lmax holds one user-requested even spherical harmonic degree per
	// shell, or nil for the maximum the source samples support.
	Lmax []int

	// ClampedWeights switches the empirical blend weight from the
	// legacy max(1, J) form to the clamped min(1, J) form, under which
	// a compressed voxel (J < 1) actually receives the prediction
	// contribution.
	ClampedWeights bool

	// DotThreshold overrides DefaultDotThreshold when positive.
	DotThreshold float64

	// BZeroThreshold overrides dwi.DefaultBZeroThreshold when positive.
	BZeroThreshold float64

	// ShellGap overrides dwi.DefaultShellGap when positive.
	ShellGap float64

	// Threads bounds the worker count; zero means all cores.
	Threads int

	// ExportWeightsPrefix, when non-empty, writes the per-PE-group
	// Jacobian images (and, for combine_pairs, the squared weight
	// images) as <prefix>jacobian_pe<N>.mif / <prefix>weight_pe<N>.mif.
	ExportWeightsPrefix string

	// Progress receives progress events; nil renders a bar on stderr.
	Progress progress.Callback

	// Quiet suppresses default progress rendering and warnings.
	Quiet bool
}

func (o *Options) dotThreshold() float64 {
	if o.DotThreshold > 0 {
		return o.DotThreshold
	}
	return DefaultDotThreshold
}

func (o *Options) bZeroThreshold() float64 {
	if o.BZeroThreshold > 0 {
		return o.BZeroThreshold
	}
	return dwi.DefaultBZeroThreshold
}

func (o *Options) shellGap() float64 {
	if o.ShellGap > 0 {
		return o.ShellGap
	}
	return dwi.DefaultShellGap
}

func (o *Options) reporter(label string) *progress.Reporter {
	rep := progress.NewReporter(label, o.Progress)
	rep.Quiet(o.Quiet)
	return rep
}

// Run dispatches the requested operation on a 4D DWI series with its
// gradient table and per-volume phase encoding scheme, and returns the
// reconstructed series. The output header is derived from the input
// header per operation: combine_pairs halves the volume count, installs
// the synthesised gradient table and clears the phase encoding scheme;
// combine_predicted preserves both tables.
func Run(ctx context.Context, op Operation, in *image.Image, grad dwi.Scheme, peScheme pe.Scheme, opts Options) (*image.Image, error) {
	if err := in.CheckShape4D(); err != nil {
		return nil, &ShapeError{Msg: "input DWI series: " + err.Error()}
	}
	nVolumes := in.Header.NVolumes()
	if err := grad.Validate(nVolumes); err != nil {
		return nil, err
	}
	if err := peScheme.Validate(nVolumes); err != nil {
		return nil, err
	}
	if err := checkField(in, opts.Field); err != nil {
		return nil, err
	}

	switch op {
	case OpCombinePairs:
		return combinePairs(ctx, in, grad, peScheme, &opts)
	case OpCombinePredicted:
		return combinePredicted(ctx, in, grad, peScheme, &opts)
	case OpLeaveOneOut:
		return nil, &NotImplementedError{Op: op}
	default:
		return nil, fmt.Errorf("unknown operation %q", string(op))
	}
}

// checkField validates the field image shape and grid when a field is
// provided. Whether a field is required is operation-specific and
// checked by the operation itself.
func checkField(in *image.Image, field *image.Image) error {
	if field == nil {
		return nil
	}
	if err := field.CheckShape3D(); err != nil {
		return &ShapeError{Msg: "susceptibility field image: " + err.Error()}
	}
	if !image.SameGrid(in.Header, field.Header, GridTolerance) {
		return &ShapeError{Msg: "susceptibility field image and DWI series not defined on same voxel grid"}
	}
	return nil
}

// exportWeights writes per-PE-group derived images next to the given
// prefix. weights may be nil when only Jacobians apply.
func exportWeights(prefix string, jacobians, weights []*image.Image) error {
	for p, jac := range jacobians {
		if err := image.Save(jac, fmt.Sprintf("%sjacobian_pe%d.mif", prefix, p)); err != nil {
			return err
		}
	}
	for p, w := range weights {
		if err := image.Save(w, fmt.Sprintf("%sweight_pe%d.mif", prefix, p)); err != nil {
			return err
		}
	}
	return nil
}
