package fit

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LevenbergMarquardt is a damped Gauss-Newton solver. Each step solves
// (JᵀJ + λ·D) δ = Jᵀr with D the diagonal of JᵀJ, using a Cholesky
// factorization of the damped normal equations.
type LevenbergMarquardt struct {
	// MaxEvaluations bounds residual evaluations, Jacobian differences
	// included. Zero means DefaultMaxEvaluations.
	MaxEvaluations int

	// FTol stops when the relative reduction of the cost falls below it
	FTol float64

	// XTol stops when the relative step size falls below it
	XTol float64

	// GTol stops when the scaled gradient falls below it
	GTol float64
}

const (
	defaultTol    = 1.49012e-8
	initialLambda = 1e-3
	maxLambda     = 1e16
)

func (lm *LevenbergMarquardt) tolerances() (ftol, xtol, gtol float64) {
	ftol, xtol, gtol = lm.FTol, lm.XTol, lm.GTol
	if ftol <= 0 {
		ftol = defaultTol
	}
	if xtol <= 0 {
		xtol = defaultTol
	}
	return ftol, xtol, gtol
}

// Solve implements Solver.
func (lm *LevenbergMarquardt) Solve(ctx context.Context, p Problem, x0 []float64) (Solution, error) {
	n, m := len(x0), p.M
	if n == 0 {
		return Solution{}, nonConvergence("no parameters to fit")
	}
	if m < n {
		return Solution{}, nonConvergence("%d observations for %d parameters", m, n)
	}

	limit := lm.MaxEvaluations
	if limit <= 0 {
		limit = DefaultMaxEvaluations
	}
	ftol, xtol, gtol := lm.tolerances()
	eval := &evaluator{p: p, limit: limit}

	x := make([]float64, n)
	copy(x, x0)
	r := make([]float64, m)
	eval.residual(r, x)
	cost := floats.Dot(r, r)
	if !allFinite(r) {
		return Solution{}, nonConvergence("residuals not finite at the starting point")
	}

	jac := mat.NewDense(m, n, nil)
	eval.jacobian(jac, x, r)

	var (
		jtj    mat.SymDense
		damped = mat.NewSymDense(n, nil)
		grad   = mat.NewVecDense(n, nil)
		step   mat.VecDense
		js     = mat.NewVecDense(m, nil)
		diag   = make([]float64, n)
		chol   mat.Cholesky
		xNew   = make([]float64, n)
		rNew   = make([]float64, m)
	)

	lambda := initialLambda
	for iter := 0; ; iter++ {
		if err := ctx.Err(); err != nil {
			return Solution{}, nonConvergence("interrupted after %d evaluations: %v", eval.count, err)
		}

		done := func() (Solution, error) {
			return Solution{Params: x, Cost: cost, Evaluations: eval.count, Iterations: iter}, nil
		}

		if cost == 0 {
			return done()
		}

		jtj.SymOuterK(1, jac.T())
		grad.MulVec(jac.T(), mat.NewVecDense(m, r))

		if scaledGradient(jac, grad, cost) <= gtol {
			return done()
		}

		maxDiag := 0.0
		for i := 0; i < n; i++ {
			maxDiag = math.Max(maxDiag, jtj.At(i, i))
		}
		floor := 1e-12 * (1 + maxDiag)

		for {
			if eval.exhausted() {
				return Solution{}, nonConvergence("maximum evaluations (%d) exceeded", limit)
			}

			damped.CopySym(&jtj)
			for i := 0; i < n; i++ {
				diag[i] = math.Max(jtj.At(i, i), floor)
				damped.SetSym(i, i, jtj.At(i, i)+lambda*diag[i])
			}

			if ok := chol.Factorize(damped); !ok {
				lambda *= 10
				if lambda > maxLambda {
					return Solution{}, nonConvergence("damped normal equations are singular")
				}
				continue
			}
			if err := chol.SolveVecTo(&step, grad); err != nil {
				lambda *= 10
				if lambda > maxLambda {
					return Solution{}, nonConvergence("damped normal equations are singular")
				}
				continue
			}

			for i := 0; i < n; i++ {
				xNew[i] = x[i] - step.AtVec(i)
			}
			stepNorm := floats.Norm(step.RawVector().Data, 2)
			xNorm := floats.Norm(x, 2)

			eval.residual(rNew, xNew)
			costNew := floats.Dot(rNew, rNew)

			if allFinite(rNew) && costNew < cost {
				reduction := (cost - costNew) / cost
				predicted := predictedReduction(jac, &step, js, diag, lambda, cost)
				copy(x, xNew)
				copy(r, rNew)
				cost = costNew
				lambda = math.Max(lambda/10, 1e-12)

				if (reduction <= ftol && predicted <= ftol) || stepNorm <= xtol*(xNorm+xtol) {
					return Solution{Params: x, Cost: cost, Evaluations: eval.count, Iterations: iter + 1}, nil
				}
				eval.jacobian(jac, x, r)
				break
			}

			// No improvement possible within tolerance: x is a minimum.
			if stepNorm <= xtol*(xNorm+xtol) {
				return done()
			}

			lambda *= 10
			if lambda > maxLambda {
				return done()
			}
		}
	}
}

// predictedReduction is the relative cost decrease the damped linear model
// expects from step.
func predictedReduction(jac *mat.Dense, step, js *mat.VecDense, diag []float64, lambda, cost float64) float64 {
	js.MulVec(jac, step)
	pred := mat.Dot(js, js)
	for i, d := range diag {
		s := step.AtVec(i)
		pred += 2 * lambda * d * s * s
	}
	return pred / cost
}

// scaledGradient is the largest cosine between the residual vector and a
// Jacobian column.
func scaledGradient(jac *mat.Dense, grad *mat.VecDense, cost float64) float64 {
	_, n := jac.Dims()
	rnorm := math.Sqrt(cost)
	g := 0.0
	for j := 0; j < n; j++ {
		colNorm := mat.Norm(jac.ColView(j), 2)
		if colNorm == 0 {
			continue
		}
		g = math.Max(g, math.Abs(grad.AtVec(j))/(colNorm*rnorm))
	}
	return g
}
