package recon

import (
	"math"

	"dwirecon/pkg/dwi"
	"dwirecon/pkg/pe"
)

// VolumePair is one matched pair of input volume indices contributing
// to a single output volume.
type VolumePair struct {
	First  int
	Second int
}

// findPairs matches every volume with exactly one counterpart sharing
// its shell, belonging to the opposed phase encoding group, and (outside
// the b=0 shell) carrying an equivalent or antipodal gradient direction.
// The scan is greedy in ascending volume index, so the pairing is
// deterministic. It also synthesises the output gradient table: one row
// per pair, holding the normalised average direction and the mean
// b-value.
func findPairs(grad dwi.Scheme, shells *dwi.ShellTable, cfg *pe.Config, partners []int, dotThreshold float64) ([]VolumePair, dwi.Scheme, error) {
	n := len(grad)
	pairs := make([]VolumePair, 0, n/2)
	gradOut := make(dwi.Scheme, 0, n/2)
	paired := make([]bool, n)

	for first := 0; first < n; first++ {
		if paired[first] {
			continue
		}
		peSecond := partners[cfg.Index[first]]
		shell := shells.Vol2Shell[first]
		isBZero := shells.Shells[shell].IsBZero
		firstDir := grad.Direction(first)

		second := -1
		for candidate := first + 1; candidate < n; candidate++ {
			if paired[candidate] ||
				cfg.Index[candidate] != peSecond ||
				shells.Vol2Shell[candidate] != shell {
				continue
			}
			if !isBZero && !directionsMatch(firstDir, grad.Direction(candidate), dotThreshold) {
				continue
			}
			second = candidate
			break
		}
		if second < 0 {
			return nil, nil, &PairingError{
				Volume: first,
				Grad:   grad[first],
				PE:     cfg.Rows[cfg.Index[first]],
			}
		}

		paired[first] = true
		paired[second] = true
		pairs = append(pairs, VolumePair{First: first, Second: second})
		gradOut = append(gradOut, combinedGradient(grad[first], grad[second]))
	}
	return pairs, gradOut, nil
}

// directionsMatch reports whether two unit gradient directions describe
// equivalent diffusion sensitisation: parallel or antiparallel within
// the dot product threshold. A zero direction only matches another zero
// direction.
func directionsMatch(a, b [3]float64, threshold float64) bool {
	na := a[0]*a[0] + a[1]*a[1] + a[2]*a[2]
	nb := b[0]*b[0] + b[1]*b[1] + b[2]*b[2]
	if na == 0 || nb == 0 {
		return na == 0 && nb == 0
	}
	dot := a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
	return math.Abs(dot) >= threshold
}

// combinedGradient averages two gradient rows into an output row. For
// antipodal directions the difference is averaged instead, so that the
// result keeps unit norm; two zero directions stay zero.
func combinedGradient(a, b [4]float64) [4]float64 {
	dir := [3]float64{
		0.5 * (a[0] + b[0]),
		0.5 * (a[1] + b[1]),
		0.5 * (a[2] + b[2]),
	}
	if dir[0]*dir[0]+dir[1]*dir[1]+dir[2]*dir[2] < 0.5 {
		dir = [3]float64{
			0.5 * (a[0] - b[0]),
			0.5 * (a[1] - b[1]),
			0.5 * (a[2] - b[2]),
		}
	}
	norm := math.Sqrt(dir[0]*dir[0] + dir[1]*dir[1] + dir[2]*dir[2])
	if norm > 0 {
		dir[0] /= norm
		dir[1] /= norm
		dir[2] /= norm
	}
	return [4]float64{dir[0], dir[1], dir[2], 0.5 * (a[3] + b[3])}
}
