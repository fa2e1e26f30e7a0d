package strategies

import (
	"context"
	"sort"

	"robustfuzz/pkg/model"
	"robustfuzz/pkg/mutation"

	"gonum.org/v1/gonum/floats"
)

// PSO 惯性与学习因子
const (
	psoInertia   = 0.7
	psoCognitive = 1.5
	psoSocial    = 1.5
)

type individual struct {
	pos   []float64
	score float64
}

// rank 按适应度升序（种子标签置信度越低越靠前），保持原有顺序稳定
func rank(pop []individual) {
	sort.SliceStable(pop, func(i, j int) bool { return pop[i].score < pop[j].score })
}

func best(pop []individual, count int) [][]float64 {
	rank(pop)
	if count > len(pop) {
		count = len(pop)
	}
	out := make([][]float64, count)
	for i := 0; i < count; i++ {
		out[i] = model.Clone(pop[i].pos)
	}
	return out
}

// PSOStrategy 粒子群黑盒搜索
// 粒子在种子的 eps 球内移动，目标是降低模型对种子标签的置信度
type PSOStrategy struct {
	eps         float64
	particles   int
	generations int
}

// NewPSO 创建粒子群策略
func NewPSO(p *Params) mutation.Mutator {
	return &PSOStrategy{eps: p.Eps, particles: p.Population, generations: p.Generations}
}

func (s *PSOStrategy) Name() string        { return "pso" }
func (s *PSOStrategy) Kind() mutation.Kind { return mutation.KindPopulation }
func (s *PSOStrategy) Priority() int       { return 60 }

// Mutate 返回个体历史最优位置中最好的 count 个
func (s *PSOStrategy) Mutate(ctx context.Context, req *mutation.Request) ([][]float64, error) {
	x := req.Seed.Input
	radius := s.eps * req.Bounds.Width()
	n := s.particles
	if req.Count > n {
		n = req.Count
	}

	pos := make([][]float64, n)
	vel := make([][]float64, n)
	pbest := make([]individual, n)
	var gbest individual
	for i := range pos {
		pos[i] = uniformBall(req.Rand, x, radius, req.Bounds)
		vel[i] = make([]float64, len(x))
		score, err := fitness(ctx, req.Model, pos[i], req.Seed.Label)
		if err != nil {
			return nil, err
		}
		pbest[i] = individual{pos: model.Clone(pos[i]), score: score}
		if i == 0 || score < gbest.score {
			gbest = individual{pos: model.Clone(pos[i]), score: score}
		}
	}

	diff := make([]float64, len(x))
	for g := 0; g < s.generations; g++ {
		for i := range pos {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			floats.Scale(psoInertia, vel[i])
			floats.SubTo(diff, pbest[i].pos, pos[i])
			floats.AddScaled(vel[i], psoCognitive*req.Rand.Float64(), diff)
			floats.SubTo(diff, gbest.pos, pos[i])
			floats.AddScaled(vel[i], psoSocial*req.Rand.Float64(), diff)

			floats.Add(pos[i], vel[i])
			project(pos[i], x, radius, req.Bounds)

			score, err := fitness(ctx, req.Model, pos[i], req.Seed.Label)
			if err != nil {
				return nil, err
			}
			if score < pbest[i].score {
				pbest[i] = individual{pos: model.Clone(pos[i]), score: score}
			}
			if score < gbest.score {
				gbest = individual{pos: model.Clone(pos[i]), score: score}
			}
		}
	}
	return best(pbest, req.Count), nil
}

// GeneticStrategy 遗传算法黑盒搜索
// 每代保留较优的一半，均匀交叉产生子代，并以 mutation_rate 概率加入高斯扰动
type GeneticStrategy struct {
	eps          float64
	population   int
	generations  int
	mutationRate float64
}

// NewGenetic 创建遗传策略
func NewGenetic(p *Params) mutation.Mutator {
	return &GeneticStrategy{
		eps:          p.Eps,
		population:   p.Population,
		generations:  p.Generations,
		mutationRate: p.MutationRate,
	}
}

func (s *GeneticStrategy) Name() string        { return "genetic" }
func (s *GeneticStrategy) Kind() mutation.Kind { return mutation.KindPopulation }
func (s *GeneticStrategy) Priority() int       { return 55 }

func (s *GeneticStrategy) Mutate(ctx context.Context, req *mutation.Request) ([][]float64, error) {
	x := req.Seed.Input
	radius := s.eps * req.Bounds.Width()
	n := s.population
	if req.Count > n {
		n = req.Count
	}
	if n < 2 {
		n = 2
	}

	pop := make([]individual, n)
	for i := range pop {
		pos := uniformBall(req.Rand, x, radius, req.Bounds)
		score, err := fitness(ctx, req.Model, pos, req.Seed.Label)
		if err != nil {
			return nil, err
		}
		pop[i] = individual{pos: pos, score: score}
	}

	for g := 0; g < s.generations; g++ {
		rank(pop)
		elite := (n + 1) / 2
		for i := elite; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			a := pop[req.Rand.Intn(elite)].pos
			b := pop[req.Rand.Intn(elite)].pos
			child := make([]float64, len(x))
			for j := range child {
				if req.Rand.Intn(2) == 0 {
					child[j] = a[j]
				} else {
					child[j] = b[j]
				}
				if req.Rand.Float64() < s.mutationRate {
					child[j] += req.Rand.NormFloat64() * radius / 2
				}
			}
			project(child, x, radius, req.Bounds)

			score, err := fitness(ctx, req.Model, child, req.Seed.Label)
			if err != nil {
				return nil, err
			}
			pop[i] = individual{pos: child, score: score}
		}
	}
	return best(pop, req.Count), nil
}
