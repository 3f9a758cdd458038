// Package linop defines a narrow capability interface for linear
// operators that behave like large sparse matrices without ever being
// materialised, plus an iterative least-squares solver that consumes
// only that capability. Concrete operators compose the interface; there
// is no matrix class hierarchy.
package linop

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Operator is a matrix-free linear map y = A·x.
type Operator interface {
	// Rows returns the output dimension of Apply.
	Rows() int

	// Cols returns the input dimension of Apply.
	Cols() int

	// Apply computes dst = A·x. len(dst) = Rows, len(x) = Cols.
	Apply(dst, x []float64) error

	// ApplyTranspose computes dst = Aᵀ·y. len(dst) = Cols, len(y) = Rows.
	ApplyTranspose(dst, y []float64) error
}

// NormalOperator is an Operator that can apply AᵀA in one fused pass,
// which solvers prefer when available.
type NormalOperator interface {
	Operator

	// ApplyNormal computes dst = AᵀA·x. len(dst) = len(x) = Cols.
	ApplyNormal(dst, x []float64) error
}

// Dense adapts an explicit matrix to the Operator interface. It is
// mainly useful in tests and for small operators.
type Dense struct {
	M mat.Matrix
}

// Rows returns the row count of the wrapped matrix.
func (d Dense) Rows() int { r, _ := d.M.Dims(); return r }

// Cols returns the column count of the wrapped matrix.
func (d Dense) Cols() int { _, c := d.M.Dims(); return c }

// Apply computes dst = M·x.
func (d Dense) Apply(dst, x []float64) error {
	r, c := d.M.Dims()
	if len(dst) != r || len(x) != c {
		return fmt.Errorf("apply: operator is %dx%d, got dst %d and x %d", r, c, len(dst), len(x))
	}
	out := mat.NewVecDense(r, dst)
	out.MulVec(d.M, mat.NewVecDense(c, x))
	return nil
}

// ApplyTranspose computes dst = Mᵀ·y.
func (d Dense) ApplyTranspose(dst, y []float64) error {
	r, c := d.M.Dims()
	if len(dst) != c || len(y) != r {
		return fmt.Errorf("applyTranspose: operator is %dx%d, got dst %d and y %d", r, c, len(dst), len(y))
	}
	out := mat.NewVecDense(c, dst)
	out.MulVec(d.M.T(), mat.NewVecDense(r, y))
	return nil
}

// Result reports the outcome of an iterative solve.
type Result struct {
	// Iterations is the number of CG steps taken.
	Iterations int

	// Residual is the final norm of the normal-equation residual Aᵀ(b-Ax).
	Residual float64
}

// Options controls the conjugate-gradient solver.
type Options struct {
	// MaxIterations bounds the iteration count; 0 means 2·Cols.
	MaxIterations int

	// Tolerance is the relative reduction of ‖Aᵀ(b-Ax)‖ at which the
	// solve stops; 0 means 1e-10.
	Tolerance float64
}

// SolveLeastSquares minimises ‖A·x - b‖₂ by conjugate gradients on the
// normal equations, starting from the current content of x. The
// operator's fused normal product is used when it provides one.
// Cancellation is checked between iterations.
func SolveLeastSquares(ctx context.Context, a Operator, b, x []float64, opts Options) (Result, error) {
	rows, cols := a.Rows(), a.Cols()
	if len(b) != rows {
		return Result{}, fmt.Errorf("rhs has %d entries, operator has %d rows", len(b), rows)
	}
	if len(x) != cols {
		return Result{}, fmt.Errorf("solution has %d entries, operator has %d columns", len(x), cols)
	}

	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = 2 * cols
	}
	tol := opts.Tolerance
	if tol <= 0 {
		tol = 1e-10
	}

	normal, hasNormal := a.(NormalOperator)

	// Residual in data space: r = b - A·x.
	r := make([]float64, rows)
	if err := a.Apply(r, x); err != nil {
		return Result{}, err
	}
	for i := range r {
		r[i] = b[i] - r[i]
	}

	// Gradient s = Aᵀ·r, search direction p.
	s := make([]float64, cols)
	if err := a.ApplyTranspose(s, r); err != nil {
		return Result{}, err
	}
	p := append([]float64(nil), s...)

	gamma := floats.Dot(s, s)
	threshold := tol * tol * gamma

	q := make([]float64, rows)
	nq := make([]float64, cols)

	res := Result{Residual: math.Sqrt(gamma)}
	for res.Iterations < maxIter && gamma > threshold && gamma > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var alpha float64
		if hasNormal {
			if err := normal.ApplyNormal(nq, p); err != nil {
				return res, err
			}
			denom := floats.Dot(p, nq)
			if denom <= 0 {
				break
			}
			alpha = gamma / denom
			floats.AddScaled(x, alpha, p)
			floats.AddScaled(s, -alpha, nq)
		} else {
			if err := a.Apply(q, p); err != nil {
				return res, err
			}
			denom := floats.Dot(q, q)
			if denom <= 0 {
				break
			}
			alpha = gamma / denom
			floats.AddScaled(x, alpha, p)
			floats.AddScaled(r, -alpha, q)
			if err := a.ApplyTranspose(s, r); err != nil {
				return res, err
			}
		}

		gammaNext := floats.Dot(s, s)
		beta := gammaNext / gamma
		gamma = gammaNext
		for i := range p {
			p[i] = s[i] + beta*p[i]
		}

		res.Iterations++
		res.Residual = math.Sqrt(gamma)
	}
	return res, nil
}
