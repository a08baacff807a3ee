package fit

import (
	"context"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// QuasiNewton minimizes the sum of squared residuals with gonum's BFGS
// method, then refines the minimum with a bounded LevenbergMarquardt pass.
// It is slower than LevenbergMarquardt alone but less sensitive to a poor
// starting point.
type QuasiNewton struct {
	// MaxEvaluations bounds cost evaluations. Zero means DefaultMaxEvaluations.
	MaxEvaluations int
}

// Solve implements Solver.
func (q *QuasiNewton) Solve(ctx context.Context, p Problem, x0 []float64) (Solution, error) {
	n, m := len(x0), p.M
	if n == 0 {
		return Solution{}, nonConvergence("no parameters to fit")
	}
	if m < n {
		return Solution{}, nonConvergence("%d observations for %d parameters", m, n)
	}

	limit := q.MaxEvaluations
	if limit <= 0 {
		limit = DefaultMaxEvaluations
	}
	eval := &evaluator{p: p, limit: limit}

	r := make([]float64, m)
	jac := mat.NewDense(m, n, nil)

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			eval.residual(r, x)
			return floats.Dot(r, r)
		},
		Grad: func(grad, x []float64) {
			eval.residual(r, x)
			eval.jacobian(jac, x, r)
			// ∇(rᵀr) = 2 Jᵀr
			g := mat.NewVecDense(n, grad)
			g.MulVec(jac.T(), mat.NewVecDense(m, r))
			g.ScaleVec(2, g)
		},
	}

	settings := &optimize.Settings{
		FuncEvaluations: limit,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-14,
			Relative:   1e-12,
			Iterations: 20,
		},
	}
	if deadline, ok := ctx.Deadline(); ok {
		settings.Runtime = time.Until(deadline)
		if settings.Runtime <= 0 {
			return Solution{}, nonConvergence("deadline already passed")
		}
	}

	result, err := optimize.Minimize(problem, x0, settings, &optimize.BFGS{})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Solution{}, nonConvergence("interrupted after %d evaluations: %v", eval.count, ctxErr)
	}
	if result == nil {
		return Solution{}, nonConvergence("%v", err)
	}
	if !allFinite(result.X) || math.IsNaN(result.F) {
		return Solution{}, nonConvergence("solution not finite")
	}

	// line searches stall near the minimum of a noisy cost; finish with a
	// bounded Levenberg-Marquardt pass from wherever BFGS stopped
	remaining := limit - eval.count
	if remaining <= 0 {
		return Solution{}, nonConvergence("%d evaluations exhausted (%v)", limit, result.Status)
	}
	polish := &LevenbergMarquardt{MaxEvaluations: remaining}
	sol, lmErr := polish.Solve(ctx, p, result.X)
	if lmErr != nil {
		if err == nil {
			err = result.Status.Err()
		}
		return Solution{}, nonConvergence("bfgs stopped with %v (%v), refinement failed: %v", result.Status, err, lmErr)
	}

	sol.Evaluations += eval.count
	sol.Iterations += result.Stats.MajorIterations
	return sol, nil
}
