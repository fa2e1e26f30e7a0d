package strategies

import (
	"context"
	"fmt"

	"robustfuzz/pkg/model"
	"robustfuzz/pkg/mutation"
	"robustfuzz/pkg/mutation/symbolic"

	"gonum.org/v1/gonum/stat"
)

// GaussianStrategy 独立高斯噪声
type GaussianStrategy struct {
	sigma float64
}

// NewGaussian 创建高斯噪声策略
func NewGaussian(p *Params) mutation.Mutator {
	return &GaussianStrategy{sigma: p.Sigma}
}

func (s *GaussianStrategy) Name() string        { return "gaussian" }
func (s *GaussianStrategy) Kind() mutation.Kind { return mutation.KindPerturbation }
func (s *GaussianStrategy) Priority() int       { return 30 }

func (s *GaussianStrategy) Mutate(ctx context.Context, req *mutation.Request) ([][]float64, error) {
	std := s.sigma * req.Bounds.Width()
	out := make([][]float64, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		adv := model.Clone(req.Seed.Input)
		for j := range adv {
			adv[j] += req.Rand.NormFloat64() * std
		}
		out = append(out, adv)
	}
	return out, nil
}

// SaltPepperStrategy 椒盐噪声
// 随机选取分量置为取值范围的最小值或最大值，批内候选翻转比例递增至 density
type SaltPepperStrategy struct {
	density float64
}

// NewSaltPepper 创建椒盐噪声策略
func NewSaltPepper(p *Params) mutation.Mutator {
	return &SaltPepperStrategy{density: p.Density}
}

func (s *SaltPepperStrategy) Name() string        { return "salt_pepper" }
func (s *SaltPepperStrategy) Kind() mutation.Kind { return mutation.KindPerturbation }
func (s *SaltPepperStrategy) Priority() int       { return 40 }

func (s *SaltPepperStrategy) Mutate(ctx context.Context, req *mutation.Request) ([][]float64, error) {
	x := req.Seed.Input
	out := make([][]float64, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		flips := int(s.density * float64(len(x)) * float64(i+1) / float64(req.Count))
		if flips < 1 {
			flips = 1
		}
		adv := model.Clone(x)
		for _, j := range req.Rand.Perm(len(x))[:min(flips, len(x))] {
			if req.Rand.Intn(2) == 0 {
				adv[j] = req.Bounds.Min
			} else {
				adv[j] = req.Bounds.Max
			}
		}
		out = append(out, adv)
	}
	return out, nil
}

// AffineStrategy 对比度/亮度仿射变换：x' = a*(x - mean) + mean + b
type AffineStrategy struct {
	contrast, brightness float64
}

// NewAffine 创建仿射变换策略
func NewAffine(p *Params) mutation.Mutator {
	return &AffineStrategy{contrast: p.Contrast, brightness: p.Brightness}
}

func (s *AffineStrategy) Name() string        { return "affine" }
func (s *AffineStrategy) Kind() mutation.Kind { return mutation.KindPerturbation }
func (s *AffineStrategy) Priority() int       { return 20 }

func (s *AffineStrategy) Mutate(ctx context.Context, req *mutation.Request) ([][]float64, error) {
	x := req.Seed.Input
	mean := stat.Mean(x, nil)
	width := req.Bounds.Width()

	out := make([][]float64, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		a := 1 + (req.Rand.Float64()*2-1)*s.contrast
		b := (req.Rand.Float64()*2 - 1) * s.brightness * width
		adv := make([]float64, len(x))
		for j, v := range x {
			adv[j] = a*(v-mean) + mean + b
		}
		out = append(out, adv)
	}
	return out, nil
}

// BoundaryStrategy 边界值策略
// 把输入量化到网格上，由约束求解器给出扰动半径内、异于当前值的边界网格点
type BoundaryStrategy struct {
	eps    float64
	dims   int
	solver *symbolic.Solver
}

// NewBoundary 创建边界值策略，solver 为 nil 时使用默认本地求解器
func NewBoundary(p *Params, solver *symbolic.Solver) mutation.Mutator {
	if solver == nil {
		solver = symbolic.NewSolver(nil)
	}
	return &BoundaryStrategy{eps: p.Eps, dims: p.BoundaryDims, solver: solver}
}

func (s *BoundaryStrategy) Name() string        { return "boundary" }
func (s *BoundaryStrategy) Kind() mutation.Kind { return mutation.KindPerturbation }
func (s *BoundaryStrategy) Priority() int       { return 50 }

// Mutate 第 i 个候选在每个被选分量上取该分量第 i 个解（循环使用）
func (s *BoundaryStrategy) Mutate(ctx context.Context, req *mutation.Request) ([][]float64, error) {
	x := req.Seed.Input
	if len(x) == 0 {
		return nil, nil
	}
	grid := symbolic.Grid{Min: req.Bounds.Min, Max: req.Bounds.Max, Levels: s.solver.Config().Levels}
	radius := s.eps * req.Bounds.Width()

	dims := req.Rand.Perm(len(x))[:min(s.dims, len(x))]
	problems := make([]symbolic.Problem, len(dims))
	for k, d := range dims {
		problems[k] = grid.Problem(d, x[d], radius)
	}

	solutions, err := s.solver.Solve(ctx, problems)
	if err != nil {
		return nil, fmt.Errorf("solve boundary constraints: %w", err)
	}

	out := make([][]float64, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		adv := model.Clone(x)
		changed := false
		for _, sol := range solutions {
			if !sol.Satisfiable {
				continue
			}
			adv[sol.Index] = grid.Value(sol.Values[i%len(sol.Values)])
			changed = true
		}
		if !changed {
			break
		}
		out = append(out, adv)
	}
	return out, nil
}
