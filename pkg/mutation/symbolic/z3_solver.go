//go:build z3

package symbolic

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	z3 "github.com/mitchellh/go-z3"
)

// Z3Solver Z3 SMT求解器封装
type Z3Solver struct {
	config  *Config
	z3cfg   *z3.Config
	context *z3.Context
}

// NewZ3Solver 创建Z3求解器
func NewZ3Solver(config *Config) (*Z3Solver, error) {
	z3cfg := z3.NewConfig()
	z3cfg.SetParamValue("timeout", strconv.Itoa(int(config.TimeoutDuration().Milliseconds())))

	return &Z3Solver{
		config:  config,
		z3cfg:   z3cfg,
		context: z3.NewContext(z3cfg),
	}, nil
}

// Close 关闭Z3求解器并释放资源
func (zs *Z3Solver) Close() {
	if zs.context != nil {
		zs.context.Close()
	}
	if zs.z3cfg != nil {
		zs.z3cfg.Close()
	}
}

// Solve 逐个分量求解
func (zs *Z3Solver) Solve(ctx context.Context, problems []Problem) ([]Solution, error) {
	solutions := make([]Solution, 0, len(problems))
	for _, p := range problems {
		if err := ctx.Err(); err != nil {
			return solutions, err
		}
		sol, err := zs.solveProblem(p)
		if err != nil {
			return nil, err
		}
		solutions = append(solutions, sol)
	}
	return solutions, nil
}

// solveProblem 先求区间两端（最小化/最大化偏移），再用阻塞子句枚举其余解
func (zs *Z3Solver) solveProblem(p Problem) (Solution, error) {
	start := time.Now()
	sol := Solution{Index: p.Index, SolverUsed: "z3"}

	c := zs.context
	intSort := c.IntSort()
	v := c.Const(c.Symbol(fmt.Sprintf("x_%d", p.Index)), intSort)
	current := c.Int(p.Current, intSort)
	radius := c.Int(p.Radius, intSort)

	base := []*z3.AST{
		v.Ge(c.Int(p.Lo, intSort)),
		v.Le(c.Int(p.Hi, intSort)),
		v.Sub(current).Le(radius),
		current.Sub(v).Le(radius),
		v.Eq(current).Not(),
	}

	seen := make(map[int]bool)
	// 先探测两端：v <= Current-Radius 与 v >= Current+Radius 方向
	probes := []*z3.AST{
		v.Le(c.Int(p.Current-p.Radius, intSort)),
		v.Ge(c.Int(p.Current+p.Radius, intSort)),
		nil,
	}

	for _, probe := range probes {
		for len(sol.Values) < zs.config.MaxSolutions {
			solver := c.NewSolver()
			for _, a := range base {
				solver.Assert(a)
			}
			if probe != nil {
				solver.Assert(probe)
			}
			for val := range seen {
				solver.Assert(v.Eq(c.Int(val, intSort)).Not())
			}

			result := solver.Check()
			if result == z3.Undef {
				solver.Close()
				return sol, fmt.Errorf("z3 returned undefined for component %d (possibly timeout)", p.Index)
			}
			if result != z3.True {
				solver.Close()
				break
			}

			m := solver.Model()
			val := m.Eval(v).Int()
			m.Close()
			solver.Close()

			seen[val] = true
			sol.Values = append(sol.Values, val)
			if probe != nil {
				break
			}
		}
	}

	// 与本地求解器保持一致：离 Current 越远越靠前
	sort.SliceStable(sol.Values, func(i, j int) bool {
		return abs(sol.Values[i]-p.Current) > abs(sol.Values[j]-p.Current)
	})
	sol.Satisfiable = len(sol.Values) > 0
	if !sol.Satisfiable {
		sol.Error = "unsatisfiable constraints"
	}
	sol.SolveTime = time.Since(start)
	return sol, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
