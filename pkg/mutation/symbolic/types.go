// Package symbolic 在量化网格上求解输入分量的边界取值
//
// 每个输入分量被量化为整数网格下标，约束为：
// 取值范围 [Lo, Hi]、扰动半径 |v - Current| <= Radius、且 v != Current。
// 本地求解器直接按区间枚举边界值，Z3 求解器（-tags z3）通过阻塞子句枚举解。
package symbolic

import (
	"fmt"
	"time"
)

// ==================== 配置结构 ====================

// Config 求解器配置
type Config struct {
	Strategy     string `yaml:"strategy" json:"strategy"`           // "local", "z3", "hybrid"
	Levels       int    `yaml:"levels" json:"levels"`               // 量化级数（网格点数）
	MaxSolutions int    `yaml:"max_solutions" json:"max_solutions"` // 每个分量最多解数
	Timeout      string `yaml:"timeout" json:"timeout"`             // 超时时间字符串 "2s"
	HybridAbove  int    `yaml:"hybrid_above" json:"hybrid_above"`   // hybrid 模式下问题数超过该值才使用 Z3
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Strategy:     "local",
		Levels:       256,
		MaxSolutions: 4,
		Timeout:      "2s",
		HybridAbove:  16,
	}
}

// MergeWithDefaults 用默认值填充缺失字段
func (c *Config) MergeWithDefaults() {
	def := DefaultConfig()
	if c.Strategy == "" {
		c.Strategy = def.Strategy
	}
	if c.Levels < 2 {
		c.Levels = def.Levels
	}
	if c.MaxSolutions <= 0 {
		c.MaxSolutions = def.MaxSolutions
	}
	if c.Timeout == "" {
		c.Timeout = def.Timeout
	}
	if c.HybridAbove <= 0 {
		c.HybridAbove = def.HybridAbove
	}
}

// Validate 检查配置
func (c *Config) Validate() error {
	switch c.Strategy {
	case "local", "z3", "hybrid":
	default:
		return fmt.Errorf("symbolic: unknown solver strategy %q", c.Strategy)
	}
	if _, err := time.ParseDuration(c.Timeout); err != nil {
		return fmt.Errorf("symbolic: invalid timeout %q: %w", c.Timeout, err)
	}
	return nil
}

// TimeoutDuration 解析超时时间，失败时返回默认2秒
func (c *Config) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// ==================== 问题与解 ====================

// Problem 单个输入分量的网格约束
type Problem struct {
	Index   int `json:"index"`   // 输入分量下标
	Current int `json:"current"` // 当前网格下标
	Lo      int `json:"lo"`      // 网格下界
	Hi      int `json:"hi"`      // 网格上界
	Radius  int `json:"radius"`  // 最大偏移步数
}

// Interval 可行区间（未排除 Current）
func (p Problem) Interval() (int, int) {
	lo, hi := p.Current-p.Radius, p.Current+p.Radius
	if lo < p.Lo {
		lo = p.Lo
	}
	if hi > p.Hi {
		hi = p.Hi
	}
	return lo, hi
}

// Solution 单个分量的求解结果
type Solution struct {
	Index       int           `json:"index"`
	Values      []int         `json:"values"` // 网格下标，边界值优先
	Satisfiable bool          `json:"satisfiable"`
	SolverUsed  string        `json:"solver_used"`
	SolveTime   time.Duration `json:"solve_time"`
	Error       string        `json:"error,omitempty"`
}

// Stats 求解统计
type Stats struct {
	TotalSolves    int
	LocalSolves    int
	Z3Solves       int
	FallbackSolves int
	Unsatisfiable  int
}

// Grid 将连续取值映射到 levels 个等距网格点
type Grid struct {
	Min, Max float64
	Levels   int
}

// Step 网格步长
func (g Grid) Step() float64 {
	if g.Levels < 2 {
		return g.Max - g.Min
	}
	return (g.Max - g.Min) / float64(g.Levels-1)
}

// Index 取值对应的最近网格下标
func (g Grid) Index(v float64) int {
	step := g.Step()
	if step <= 0 {
		return 0
	}
	idx := int((v-g.Min)/step + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx > g.Levels-1 {
		idx = g.Levels - 1
	}
	return idx
}

// Value 网格下标对应的取值
func (g Grid) Value(idx int) float64 {
	if idx >= g.Levels-1 {
		return g.Max
	}
	return g.Min + float64(idx)*g.Step()
}

// Problem 为取值 v 构造扰动半径 eps 内的约束
func (g Grid) Problem(index int, v, eps float64) Problem {
	step := g.Step()
	radius := 0
	if step > 0 {
		radius = int(eps / step)
	}
	return Problem{
		Index:   index,
		Current: g.Index(v),
		Lo:      0,
		Hi:      g.Levels - 1,
		Radius:  radius,
	}
}
