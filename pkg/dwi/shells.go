package dwi

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// DefaultBZeroThreshold is the b-value (s/mm²) at or below which a
// shell counts as b=0.
const DefaultBZeroThreshold = 10.0

// DefaultShellGap is the minimum b-value separation (s/mm²) between
// two shells during clustering.
const DefaultShellGap = 80.0

// Shell is one b-value shell: the set of volumes acquired with
// equivalent diffusion sensitisation magnitude.
type Shell struct {
	// Mean is the average b-value of the member volumes.
	Mean float64

	// StdDev is the spread of member b-values.
	StdDev float64

	// Volumes lists member volume indices in ascending order.
	Volumes []int

	// IsBZero marks the non-diffusion-weighted shell.
	IsBZero bool
}

// ShellTable is the result of shell classification: the ordered shells
// plus the volume-to-shell assignment.
type ShellTable struct {
	Shells    []Shell
	Vol2Shell []int
}

// FindShells clusters the b-values of a gradient table into shells.
// Volumes are scanned in ascending b-value order; a new shell starts
// when the gap to the running shell mean exceeds max(gapTolerance,
// 0.1·mean). Every volume lands in exactly one shell. The shell with
// mean b ≤ bZeroThreshold, if any, is flagged b=0.
func FindShells(scheme Scheme, bZeroThreshold, gapTolerance float64) (*ShellTable, error) {
	if len(scheme) == 0 {
		return nil, fmt.Errorf("cannot classify shells of an empty gradient table")
	}

	// Sort volume indices by b-value, ties by volume index.
	order := make([]int, len(scheme))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scheme[order[i]][3] < scheme[order[j]][3]
	})

	table := &ShellTable{
		Vol2Shell: make([]int, len(scheme)),
	}

	var members []int
	var bvals []float64
	flush := func() {
		if len(members) == 0 {
			return
		}
		mean := stat.Mean(bvals, nil)
		sd := 0.0
		if len(bvals) > 1 {
			sd = stat.StdDev(bvals, nil)
		}
		sorted := append([]int(nil), members...)
		sort.Ints(sorted)
		table.Shells = append(table.Shells, Shell{
			Mean:    mean,
			StdDev:  sd,
			Volumes: sorted,
			IsBZero: mean <= bZeroThreshold,
		})
		members = members[:0]
		bvals = bvals[:0]
	}

	for _, v := range order {
		b := scheme[v][3]
		if b < 0 {
			return nil, fmt.Errorf("volume %d has negative b-value %g", v, b)
		}
		if len(members) > 0 {
			mean := stat.Mean(bvals, nil)
			gap := gapTolerance
			if 0.1*mean > gap {
				gap = 0.1 * mean
			}
			if b-mean > gap {
				flush()
			}
		}
		members = append(members, v)
		bvals = append(bvals, b)
	}
	flush()

	for s, shell := range table.Shells {
		for _, v := range shell.Volumes {
			table.Vol2Shell[v] = s
		}
	}
	return table, nil
}

// Count returns the number of shells.
func (t *ShellTable) Count() int { return len(t.Shells) }

// BZeroIndex returns the index of the b=0 shell, or -1 when absent.
func (t *ShellTable) BZeroIndex() int {
	for i, s := range t.Shells {
		if s.IsBZero {
			return i
		}
	}
	return -1
}

// DWShellCount returns the number of diffusion-weighted (non-b=0) shells.
func (t *ShellTable) DWShellCount() int {
	n := 0
	for _, s := range t.Shells {
		if !s.IsBZero {
			n++
		}
	}
	return n
}
