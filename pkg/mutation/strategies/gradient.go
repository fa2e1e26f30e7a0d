package strategies

import (
	"context"

	"robustfuzz/pkg/model"
	"robustfuzz/pkg/mutation"

	"gonum.org/v1/gonum/floats"
)

// FGSMStrategy 快速梯度符号法
// 沿损失梯度符号方向一步扰动，批内候选使用递增的步长
type FGSMStrategy struct {
	eps float64
}

// NewFGSM 创建FGSM策略
func NewFGSM(p *Params) mutation.Mutator {
	return &FGSMStrategy{eps: p.Eps}
}

func (s *FGSMStrategy) Name() string        { return "fgsm" }
func (s *FGSMStrategy) Kind() mutation.Kind { return mutation.KindGradient }
func (s *FGSMStrategy) Priority() int       { return 90 }

// Mutate 第 i 个候选的步长为 eps*(i+1)/count
func (s *FGSMStrategy) Mutate(ctx context.Context, req *mutation.Request) ([][]float64, error) {
	x := req.Seed.Input
	grad, err := req.Gradient.Gradient(ctx, x, req.Seed.Label)
	if err != nil {
		return nil, err
	}
	dir := sign(grad)
	width := req.Bounds.Width()

	out := make([][]float64, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		step := s.eps * width * float64(i+1) / float64(req.Count)
		adv := model.Clone(x)
		floats.AddScaled(adv, step, dir)
		out = append(out, adv)
	}
	return out, nil
}

// BIMStrategy 基本迭代法
// 每步沿梯度符号前进 eps_iter，并把累计扰动裁剪到 eps 球内；
// 首个候选从种子出发，其余候选从球内随机点出发
type BIMStrategy struct {
	eps, epsIter float64
	nbIter       int
}

// NewBIM 创建BIM策略
func NewBIM(p *Params) mutation.Mutator {
	return &BIMStrategy{eps: p.Eps, epsIter: p.EpsIter, nbIter: p.NbIter}
}

func (s *BIMStrategy) Name() string        { return "bim" }
func (s *BIMStrategy) Kind() mutation.Kind { return mutation.KindGradient }
func (s *BIMStrategy) Priority() int       { return 85 }

func (s *BIMStrategy) Mutate(ctx context.Context, req *mutation.Request) ([][]float64, error) {
	x := req.Seed.Input
	width := req.Bounds.Width()
	radius := s.eps * width

	out := make([][]float64, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		adv := model.Clone(x)
		if i > 0 {
			adv = uniformBall(req.Rand, x, radius, req.Bounds)
		}
		for it := 0; it < s.nbIter; it++ {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			grad, err := req.Gradient.Gradient(ctx, adv, req.Seed.Label)
			if err != nil {
				return nil, err
			}
			stepAlongSign(adv, grad, s.epsIter*width)
			project(adv, x, radius, req.Bounds)
		}
		out = append(out, adv)
	}
	return out, nil
}

// MIMStrategy 动量迭代法
// 在BIM基础上累积 L1 归一化梯度的动量，减少在局部极值附近的振荡
type MIMStrategy struct {
	eps, epsIter, decay float64
	nbIter              int
}

// NewMIM 创建MIM策略
func NewMIM(p *Params) mutation.Mutator {
	return &MIMStrategy{eps: p.Eps, epsIter: p.EpsIter, decay: p.Decay, nbIter: p.NbIter}
}

func (s *MIMStrategy) Name() string        { return "mim" }
func (s *MIMStrategy) Kind() mutation.Kind { return mutation.KindGradient }
func (s *MIMStrategy) Priority() int       { return 80 }

func (s *MIMStrategy) Mutate(ctx context.Context, req *mutation.Request) ([][]float64, error) {
	x := req.Seed.Input
	width := req.Bounds.Width()
	radius := s.eps * width

	out := make([][]float64, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		adv := model.Clone(x)
		if i > 0 {
			adv = uniformBall(req.Rand, x, radius, req.Bounds)
		}
		momentum := make([]float64, len(x))
		for it := 0; it < s.nbIter; it++ {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			grad, err := req.Gradient.Gradient(ctx, adv, req.Seed.Label)
			if err != nil {
				return nil, err
			}
			floats.Scale(s.decay, momentum)
			if norm := floats.Norm(grad, 1); norm > 0 {
				floats.AddScaled(momentum, 1/norm, grad)
			}
			stepAlongSign(adv, momentum, s.epsIter*width)
			project(adv, x, radius, req.Bounds)
		}
		out = append(out, adv)
	}
	return out, nil
}
