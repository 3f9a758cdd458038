// Package sh implements the real even-degree spherical harmonic basis
// used to model diffusion signal as a function of gradient direction.
// Coefficients are ordered by (l, m) with index l(l+1)/2 + m, degrees
// are even only, and the basis functions follow the convention where
// m=0 terms are the normalised associated Legendre functions, positive
// m terms carry √2·cos(mφ) and negative m terms √2·sin(|m|φ).
package sh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// NumCoef returns the number of even-degree coefficients up to and
// including degree lmax.
func NumCoef(lmax int) int {
	return (lmax + 1) * (lmax + 2) / 2
}

// MaxDegree returns the largest even degree whose coefficient count
// does not exceed n, or -1 when n cannot hold even the l=0 term.
func MaxDegree(n int) int {
	lmax := -1
	for l := 0; NumCoef(l) <= n; l += 2 {
		lmax = l
	}
	return lmax
}

// Index returns the coefficient index of the (l, m) basis function.
func Index(l, m int) int {
	return l*(l+1)/2 + m
}

// CartesianToSpherical converts a direction vector to (azimuth,
// elevation). The vector need not be normalised; a zero vector maps to
// (0, 0).
func CartesianToSpherical(x, y, z float64) (az, el float64) {
	r := math.Sqrt(x*x + y*y + z*z)
	if r == 0 {
		return 0, 0
	}
	az = math.Atan2(y, x)
	el = math.Acos(z / r)
	return az, el
}

// Basis builds the sampling matrix of the even-degree SH basis for the
// given directions: rows index directions, columns index coefficients
// up to degree lmax.
func Basis(dirs [][3]float64, lmax int) *mat.Dense {
	ncoef := NumCoef(lmax)
	b := mat.NewDense(len(dirs), ncoef, nil)

	plm := make([]float64, legendreSize(lmax))
	for i, d := range dirs {
		az, el := CartesianToSpherical(d[0], d[1], d[2])
		legendreTable(plm, lmax, math.Cos(el))

		for l := 0; l <= lmax; l += 2 {
			b.Set(i, Index(l, 0), plm[legendreIndex(l, 0)])
		}
		for m := 1; m <= lmax; m++ {
			cos := math.Sqrt2 * math.Cos(float64(m)*az)
			sin := math.Sqrt2 * math.Sin(float64(m)*az)
			lstart := m
			if lstart%2 != 0 {
				lstart++
			}
			for l := lstart; l <= lmax; l += 2 {
				p := plm[legendreIndex(l, m)]
				b.Set(i, Index(l, m), p*cos)
				b.Set(i, Index(l, -m), p*sin)
			}
		}
	}
	return b
}

// Evaluate computes the signal amplitude along one direction from a
// coefficient vector of degree lmax.
func Evaluate(coef []float64, dir [3]float64) float64 {
	lmax := MaxDegree(len(coef))
	b := Basis([][3]float64{dir}, lmax)
	sum := 0.0
	for j := 0; j < NumCoef(lmax); j++ {
		sum += b.At(0, j) * coef[j]
	}
	return sum
}

// legendreIndex addresses the table of normalised associated Legendre
// values for 0 <= m <= l.
func legendreIndex(l, m int) int {
	return l*(l+1)/2 + m
}

func legendreSize(lmax int) int {
	return legendreIndex(lmax, lmax) + 1
}

// legendreTable fills plm with the normalised associated Legendre
// functions P̃lm(x) for all 0 <= m <= l <= lmax, using the standard
// stable recurrences. The normalisation includes the spherical factor
// so that P̃00 = 1/√(4π), and the Condon-Shortley phase is included in
// the diagonal recurrence.
func legendreTable(plm []float64, lmax int, x float64) {
	sx := math.Sqrt(1 - x*x)

	plm[0] = 0.28209479177387814 // 1/sqrt(4*pi)

	// Diagonal: P̃mm from P̃(m-1)(m-1).
	for m := 1; m <= lmax; m++ {
		plm[legendreIndex(m, m)] = -math.Sqrt(float64(2*m+1)/float64(2*m)) *
			sx * plm[legendreIndex(m-1, m-1)]
	}

	// First off-diagonal: P̃(m+1)m from P̃mm.
	for m := 0; m < lmax; m++ {
		plm[legendreIndex(m+1, m)] = x * math.Sqrt(float64(2*m+3)) * plm[legendreIndex(m, m)]
	}

	// General recurrence in l for fixed m.
	for m := 0; m <= lmax; m++ {
		for l := m + 2; l <= lmax; l++ {
			fl := float64(l)
			fm := float64(m)
			a := math.Sqrt((4*fl*fl - 1) / (fl*fl - fm*fm))
			b := math.Sqrt(((fl-1)*(fl-1) - fm*fm) / (4*(fl-1)*(fl-1) - 1))
			plm[legendreIndex(l, m)] = a * (x*plm[legendreIndex(l-1, m)] - b*plm[legendreIndex(l-2, m)])
		}
	}
}

// PseudoInverse computes the Moore-Penrose pseudoinverse via SVD.
// Singular values below max(rows, cols)·eps·σ₀ are treated as zero.
func PseudoInverse(a mat.Matrix) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, fmt.Errorf("SVD failed to converge")
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	rows, cols := a.Dims()
	larger := rows
	if cols > larger {
		larger = cols
	}
	tol := 0.0
	if len(s) > 0 {
		tol = float64(larger) * epsFloat64 * s[0]
	}

	// V · D⁺ · Uᵀ, folding D⁺ into V's columns.
	vr, vc := v.Dims()
	scaled := mat.NewDense(vr, vc, nil)
	for j := 0; j < vc; j++ {
		inv := 0.0
		if s[j] > tol {
			inv = 1 / s[j]
		}
		for i := 0; i < vr; i++ {
			scaled.Set(i, j, v.At(i, j)*inv)
		}
	}

	pinv := mat.NewDense(cols, rows, nil)
	pinv.Mul(scaled, u.T())
	return pinv, nil
}

const epsFloat64 = 2.220446049250313e-16

// WeightedFit returns the weighted least-squares solve matrix
// X = (BᵀWB)⁻¹BᵀW for the sampling matrix B and weight vector w, so
// that coefficients = X · samples. The normal matrix is factorised by
// Cholesky; if that fails the pseudoinverse of the normal matrix is
// used instead. An error is returned only when both fail.
func WeightedFit(b *mat.Dense, w []float64) (*mat.Dense, error) {
	rows, cols := b.Dims()
	if len(w) != rows {
		return nil, fmt.Errorf("weight vector has %d entries for %d samples", len(w), rows)
	}

	// BᵀW with W = diag(w).
	btw := mat.NewDense(cols, rows, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			btw.Set(j, i, b.At(i, j)*w[i])
		}
	}

	// Normal matrix BᵀWB, symmetric by construction.
	var normal mat.Dense
	normal.Mul(btw, b)
	sym := mat.NewSymDense(cols, nil)
	for i := 0; i < cols; i++ {
		for j := i; j < cols; j++ {
			sym.SetSym(i, j, 0.5*(normal.At(i, j)+normal.At(j, i)))
		}
	}

	var chol mat.Cholesky
	if chol.Factorize(sym) {
		x := mat.NewDense(cols, rows, nil)
		if err := chol.SolveTo(x, btw); err == nil {
			return x, nil
		}
	}

	// The normal matrix is rank-deficient (too few distinct directions,
	// or degenerate weights); fall back to its pseudoinverse.
	pinv, err := PseudoInverse(sym)
	if err != nil {
		return nil, fmt.Errorf("weighted fit is singular and the fallback pseudoinverse failed: %v", err)
	}
	x := mat.NewDense(cols, rows, nil)
	x.Mul(pinv, btw)
	return x, nil
}

// FitMatrix returns the plain least-squares solve matrix pinv(B): the
// operator mapping sampled amplitudes to SH coefficients.
func FitMatrix(b *mat.Dense) (*mat.Dense, error) {
	return PseudoInverse(b)
}
