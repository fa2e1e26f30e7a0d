package symbolic

import (
	"context"
	"log"
	"sync"
	"time"
)

// Solver 网格约束求解器
// 使用本地区间算法求解，可选 Z3 求解器
type Solver struct {
	config *Config

	// Z3求解器(可选)
	z3Solver *Z3Solver

	mu    sync.Mutex
	stats Stats
}

// NewSolver 创建求解器
func NewSolver(config *Config) *Solver {
	if config == nil {
		config = DefaultConfig()
	}
	config.MergeWithDefaults()

	s := &Solver{config: config}

	if config.Strategy == "z3" || config.Strategy == "hybrid" {
		z3Solver, err := NewZ3Solver(config)
		if err != nil {
			log.Printf("[Solver] Warning: failed to initialize Z3: %v, falling back to local only", err)
		} else {
			s.z3Solver = z3Solver
			log.Printf("[Solver] Z3 solver initialized (strategy=%s)", config.Strategy)
		}
	}
	return s
}

// Close 释放 Z3 资源
func (s *Solver) Close() {
	if s.z3Solver != nil {
		s.z3Solver.Close()
	}
}

// Config 当前配置
func (s *Solver) Config() *Config { return s.config }

// Stats 统计信息副本
func (s *Solver) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ShouldUseZ3 根据配置和问题规模判断是否使用 Z3
func ShouldUseZ3(config *Config, problems []Problem) bool {
	if config == nil {
		return false
	}
	switch config.Strategy {
	case "z3":
		return true
	case "hybrid":
		return len(problems) > config.HybridAbove
	default:
		return false
	}
}

// Solve 求解一组分量约束
func (s *Solver) Solve(ctx context.Context, problems []Problem) ([]Solution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalSolves++

	if ShouldUseZ3(s.config, problems) && s.z3Solver != nil {
		solutions, err := s.z3Solver.Solve(ctx, problems)
		if err == nil {
			s.stats.Z3Solves++
			s.countUnsat(solutions)
			return solutions, nil
		}
		// Z3失败,回退到本地求解器
		log.Printf("[Solver] Z3 failed: %v, falling back to local solver", err)
		s.stats.FallbackSolves++
	}

	s.stats.LocalSolves++
	solutions, err := s.solveLocal(ctx, problems)
	s.countUnsat(solutions)
	return solutions, err
}

func (s *Solver) countUnsat(solutions []Solution) {
	for _, sol := range solutions {
		if !sol.Satisfiable {
			s.stats.Unsatisfiable++
		}
	}
}

// solveLocal 本地区间求解
func (s *Solver) solveLocal(ctx context.Context, problems []Problem) ([]Solution, error) {
	solveCtx, cancel := context.WithTimeout(ctx, s.config.TimeoutDuration())
	defer cancel()

	solutions := make([]Solution, 0, len(problems))
	for _, p := range problems {
		select {
		case <-solveCtx.Done():
			log.Printf("[Solver] Timeout reached, solved %d/%d problems", len(solutions), len(problems))
			return solutions, solveCtx.Err()
		default:
		}

		start := time.Now()
		sol := SolveLocal(p, s.config.MaxSolutions)
		sol.SolveTime = time.Since(start)
		solutions = append(solutions, sol)
	}
	return solutions, nil
}

// SolveLocal 枚举可行区间内的边界值：两端优先，再向 Current 内收
func SolveLocal(p Problem, maxSolutions int) Solution {
	sol := Solution{Index: p.Index, SolverUsed: "local"}
	lo, hi := p.Interval()

	seen := make(map[int]bool)
	add := func(v int) {
		if len(sol.Values) >= maxSolutions || v < lo || v > hi || v == p.Current || seen[v] {
			return
		}
		seen[v] = true
		sol.Values = append(sol.Values, v)
	}

	for offset := 0; lo+offset <= hi-offset && len(sol.Values) < maxSolutions; offset++ {
		add(lo + offset)
		add(hi - offset)
	}

	sol.Satisfiable = len(sol.Values) > 0
	if !sol.Satisfiable {
		sol.Error = "no grid value other than current within radius"
	}
	return sol
}
