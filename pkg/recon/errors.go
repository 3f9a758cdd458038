package recon

import (
	"fmt"

	"dwirecon/pkg/pe"
)

// ShapeError reports an input with the wrong dimensionality, or a field
// image defined on a different voxel grid than the DWI series.
type ShapeError struct {
	Msg string
}

func (e *ShapeError) Error() string { return e.Msg }

// PairingError reports a volume for which no paired volume with
// reversed phase encoding could be established.
type PairingError struct {
	Volume int
	Grad   [4]float64
	PE     pe.Row
}

func (e *PairingError) Error() string {
	return fmt.Sprintf("unable to establish paired DWI volume with reversed phase encoding:"+
		" index %d; grad [%g %g %g %g]; phase encoding [%g %g %g %g]",
		e.Volume, e.Grad[0], e.Grad[1], e.Grad[2], e.Grad[3],
		e.PE[0], e.PE[1], e.PE[2], e.PE[3])
}

// PartitionError reports that the volumes or phase-encoding groups
// cannot be partitioned into reversed pairs.
type PartitionError struct {
	Err error
}

func (e *PartitionError) Error() string {
	return "cannot perform explicit volume recombination based on phase encoding pairs: " + e.Err.Error()
}

func (e *PartitionError) Unwrap() error { return e.Err }

// OptionError reports an option that conflicts with the requested
// operation, or a required option that was not provided.
type OptionError struct {
	Msg string
}

func (e *OptionError) Error() string { return e.Msg }

// LmaxError reports a user-requested spherical harmonic degree that
// cannot be supported by the source samples remaining after phase
// encoding group exclusion.
type LmaxError struct {
	Requested  int
	Achievable int
	BValue     float64
	Sources    int
}

func (e *LmaxError) Error() string {
	return fmt.Sprintf("requested lmax=%d for shell b=%.0f,"+
		" but only %d volumes remain after phase encoding group exclusion,"+
		" which only supports lmax=%d",
		e.Requested, e.BValue, e.Sources, e.Achievable)
}

// EmptyPartitionError reports a (phase encoding group, shell)
// combination with no source or no target volumes, for which the
// prediction is ill-defined.
type EmptyPartitionError struct {
	PEGroup int
	BValue  float64
	Sources int
	Targets int
}

func (e *EmptyPartitionError) Error() string {
	return fmt.Sprintf("shell b=%.0f has %d source and %d target volumes"+
		" for phase encoding group %d; prediction requires both",
		e.BValue, e.Sources, e.Targets, e.PEGroup)
}

// NotImplementedError reports an operation that is part of the choice
// set but has no implementation.
type NotImplementedError struct {
	Op Operation
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("operation %q is not yet implemented", string(e.Op))
}

// NumericError wraps an unrecoverable numerical failure during operator
// construction.
type NumericError struct {
	Err error
}

func (e *NumericError) Error() string { return "numerical failure: " + e.Err.Error() }

func (e *NumericError) Unwrap() error { return e.Err }
