// Package strategies 提供输入变异策略实现
//
// 扰动幅度均以输入取值范围宽度的比例表示，例如 Eps=0.1 且取值范围为 [0,1] 时，
// 单分量最大偏移为 0.1。
package strategies

import (
	"context"
	"fmt"
	"math/rand"

	"robustfuzz/pkg/model"
	"robustfuzz/pkg/mutation"
	"robustfuzz/pkg/mutation/symbolic"

	"gonum.org/v1/gonum/floats"
)

// Params 策略参数
type Params struct {
	Eps          float64 `yaml:"eps" json:"eps"`                     // 最大扰动比例
	EpsIter      float64 `yaml:"eps_iter" json:"eps_iter"`           // 迭代法单步扰动比例
	NbIter       int     `yaml:"nb_iter" json:"nb_iter"`             // 迭代次数
	Decay        float64 `yaml:"decay" json:"decay"`                 // 动量衰减因子
	Sigma        float64 `yaml:"sigma" json:"sigma"`                 // 高斯噪声标准差比例
	Density      float64 `yaml:"density" json:"density"`             // 椒盐噪声最大翻转比例
	Contrast     float64 `yaml:"contrast" json:"contrast"`           // 仿射对比度变化幅度
	Brightness   float64 `yaml:"brightness" json:"brightness"`       // 仿射亮度变化幅度
	Population   int     `yaml:"population" json:"population"`       // PSO/遗传种群大小
	Generations  int     `yaml:"generations" json:"generations"`     // PSO/遗传迭代代数
	MutationRate float64 `yaml:"mutation_rate" json:"mutation_rate"` // 遗传变异概率
	BoundaryDims int     `yaml:"boundary_dims" json:"boundary_dims"` // 边界策略每次改动的分量数
}

// DefaultParams 返回默认参数
func DefaultParams() *Params {
	return &Params{
		Eps:          0.1,
		EpsIter:      0.02,
		NbIter:       5,
		Decay:        1.0,
		Sigma:        0.05,
		Density:      0.05,
		Contrast:     0.2,
		Brightness:   0.05,
		Population:   8,
		Generations:  4,
		MutationRate: 0.1,
		BoundaryDims: 4,
	}
}

// MergeWithDefaults 用默认值填充未设置的字段
func (p *Params) MergeWithDefaults() {
	def := DefaultParams()
	if p.Eps <= 0 {
		p.Eps = def.Eps
	}
	if p.EpsIter <= 0 {
		p.EpsIter = def.EpsIter
	}
	if p.NbIter <= 0 {
		p.NbIter = def.NbIter
	}
	if p.Decay <= 0 {
		p.Decay = def.Decay
	}
	if p.Sigma <= 0 {
		p.Sigma = def.Sigma
	}
	if p.Density <= 0 {
		p.Density = def.Density
	}
	if p.Contrast <= 0 {
		p.Contrast = def.Contrast
	}
	if p.Brightness <= 0 {
		p.Brightness = def.Brightness
	}
	if p.Population <= 0 {
		p.Population = def.Population
	}
	if p.Generations <= 0 {
		p.Generations = def.Generations
	}
	if p.MutationRate <= 0 {
		p.MutationRate = def.MutationRate
	}
	if p.BoundaryDims <= 0 {
		p.BoundaryDims = def.BoundaryDims
	}
}

// Validate 检查参数范围
func (p *Params) Validate() error {
	if p.Eps > 1 || p.EpsIter > 1 {
		return fmt.Errorf("strategies: eps (%v) and eps_iter (%v) must be proportions in (0, 1]", p.Eps, p.EpsIter)
	}
	if p.Density > 1 || p.MutationRate > 1 {
		return fmt.Errorf("strategies: density (%v) and mutation_rate (%v) must be in (0, 1]", p.Density, p.MutationRate)
	}
	return nil
}

// RegisterAll 注册全部内置策略
func RegisterAll(reg *mutation.Registry, p *Params, solver *symbolic.Solver) {
	if p == nil {
		p = DefaultParams()
	}
	p.MergeWithDefaults()

	reg.Register(NewFGSM(p))
	reg.Register(NewBIM(p))
	reg.Register(NewMIM(p))
	reg.Register(NewPSO(p))
	reg.Register(NewGenetic(p))
	reg.Register(NewBoundary(p, solver))
	reg.Register(NewSaltPepper(p))
	reg.Register(NewGaussian(p))
	reg.Register(NewAffine(p))
}

// ==================== 辅助函数 ====================

// sign 逐分量符号
func sign(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		switch {
		case x > 0:
			out[i] = 1
		case x < 0:
			out[i] = -1
		}
	}
	return out
}

// project 将 adv 投影到以 orig 为中心、半径 radius 的 Linf 球与取值范围的交集
func project(adv, orig []float64, radius float64, bounds mutation.Bounds) {
	for i := range adv {
		lo, hi := orig[i]-radius, orig[i]+radius
		if adv[i] < lo {
			adv[i] = lo
		}
		if adv[i] > hi {
			adv[i] = hi
		}
		adv[i] = bounds.Clip(adv[i])
	}
}

// uniformBall 在 Linf 球内均匀采样
func uniformBall(rng *rand.Rand, orig []float64, radius float64, bounds mutation.Bounds) []float64 {
	out := model.Clone(orig)
	for i := range out {
		out[i] += (rng.Float64()*2 - 1) * radius
	}
	project(out, orig, radius, bounds)
	return out
}

// fitness 黑盒适应度：模型对种子标签的置信度，越低越好
func fitness(ctx context.Context, m model.Model, input []float64, label int) (float64, error) {
	inf, err := m.Infer(ctx, input)
	if err != nil {
		return 0, err
	}
	return inf.Prediction.ProbabilityOf(label), nil
}

// stepAlongSign adv += step * sign(g)
func stepAlongSign(adv, g []float64, step float64) {
	floats.AddScaled(adv, step, sign(g))
}
