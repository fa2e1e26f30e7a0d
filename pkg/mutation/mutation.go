// Package mutation 定义变异策略接口、策略注册表与变异集合
package mutation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"robustfuzz/pkg/corpus"
	"robustfuzz/pkg/model"
)

var (
	// ErrUnsupportedStrategy 梯度策略被请求但模型不提供梯度
	ErrUnsupportedStrategy = errors.New("mutation: unsupported strategy")
	// ErrInvalidCandidate 候选未通过结构合法性检查
	ErrInvalidCandidate = errors.New("mutation: invalid candidate")
	// ErrUnknownStrategy 策略名未注册
	ErrUnknownStrategy = errors.New("mutation: unknown strategy")
)

// Kind 策略能力标签
type Kind string

const (
	KindGradient     Kind = "gradient"     // 需要模型梯度（白盒）
	KindPopulation   Kind = "population"   // 通过查询模型预测进行搜索（黑盒）
	KindPerturbation Kind = "perturbation" // 不查询模型的纯扰动
)

// NeedsGradient 该类策略是否需要梯度能力
func (k Kind) NeedsGradient() bool { return k == KindGradient }

// Bounds 输入取值范围，候选会被裁剪到该范围
type Bounds struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Clip 裁剪单个值
func (b Bounds) Clip(v float64) float64 {
	return math.Max(b.Min, math.Min(b.Max, v))
}

// Width 取值范围宽度
func (b Bounds) Width() float64 { return b.Max - b.Min }

// Request 一次变异调用的输入
type Request struct {
	Seed     corpus.View         // 只读种子视图
	Count    int                 // 期望候选数（已按上限裁剪）
	Rand     *rand.Rand          // 调度器持有的随机源
	Model    model.Model         // 黑盒查询用
	Gradient model.GradientModel // 模型不提供梯度时为 nil
	Bounds   Bounds
}

// Mutator 变异策略接口
type Mutator interface {
	// Name 策略名称（配置中引用）
	Name() string

	// Kind 能力标签
	Kind() Kind

	// Priority 优先级（用于策略排序）
	Priority() int

	// Mutate 生成候选输入（可以多于或少于 Count，由 Set 统一截断）
	Mutate(ctx context.Context, req *Request) ([][]float64, error)
}

// Candidate 带溯源信息的候选
type Candidate struct {
	ParentID int
	RootID   int
	Depth    int // 父深度+1
	Strategy string
	Input    []float64
}

// ==================== 注册表 ====================

// Registry 策略注册表（按优先级从高到低排序）
type Registry struct {
	mu         sync.RWMutex
	strategies []Mutator
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{strategies: make([]Mutator, 0)}
}

// Register 注册策略，同名策略会被替换
func (r *Registry) Register(m Mutator) {
	if m == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.strategies {
		if existing.Name() == m.Name() {
			r.strategies[i] = m
			r.sort()
			return
		}
	}
	r.strategies = append(r.strategies, m)
	r.sort()
}

func (r *Registry) sort() {
	sort.SliceStable(r.strategies, func(i, j int) bool {
		return r.strategies[i].Priority() > r.strategies[j].Priority()
	})
}

// Get 按名称查找
func (r *Registry) Get(name string) (Mutator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name = strings.ToLower(strings.TrimSpace(name))
	for _, m := range r.strategies {
		if m.Name() == name {
			return m, true
		}
	}
	return nil, false
}

// Strategies 返回已注册策略的副本
func (r *Registry) Strategies() []Mutator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Mutator, len(r.strategies))
	copy(result, r.strategies)
	return result
}

// Names 已注册策略名
func (r *Registry) Names() []string {
	all := r.Strategies()
	names := make([]string, len(all))
	for i, m := range all {
		names[i] = m.Name()
	}
	return names
}

// ==================== 变异集合 ====================

// History 单个策略的统计
type History struct {
	Calls      int `json:"calls"`
	Candidates int `json:"candidates"`
	Invalid    int `json:"invalid"`
	Gains      int `json:"gains"`
	Violations int `json:"violations"`
}

// Set 一次运行中实际启用的策略集合
type Set struct {
	mu sync.RWMutex

	registry   *Registry
	active     []Mutator
	model      model.Model
	gradient   model.GradientModel
	bounds     Bounds
	maxPerCall int

	history map[string]*History
}

// NewSet 按名称从注册表中挑选策略
// names 为空时启用全部已注册策略；未知名称返回 ErrUnknownStrategy
func NewSet(reg *Registry, names []string, m model.Model, bounds Bounds, maxPerCall int) (*Set, error) {
	s := &Set{
		registry:   reg,
		model:      m,
		bounds:     bounds,
		maxPerCall: maxPerCall,
		history:    make(map[string]*History),
	}
	s.gradient, _ = model.AsGradientModel(m)

	if len(names) == 0 {
		s.active = reg.Strategies()
	} else {
		for _, name := range names {
			mut, ok := reg.Get(name)
			if !ok {
				return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownStrategy, name, strings.Join(reg.Names(), ", "))
			}
			s.active = append(s.active, mut)
		}
	}
	for _, mut := range s.active {
		s.history[mut.Name()] = &History{}
	}
	return s, nil
}

// Active 启用的策略（调度轮转顺序）
func (s *Set) Active() []Mutator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Mutator, len(s.active))
	copy(out, s.active)
	return out
}

// HasGradient 模型是否提供梯度
func (s *Set) HasGradient() bool { return s.gradient != nil }

// Unsupported 返回因缺少梯度而无法运行的策略名
func (s *Set) Unsupported() []string {
	if s.HasGradient() {
		return nil
	}
	var names []string
	for _, m := range s.Active() {
		if m.Kind().NeedsGradient() {
			names = append(names, m.Name())
		}
	}
	return names
}

// DropUnsupported 移除缺少梯度而无法运行的策略（黑盒回退）
func (s *Set) DropUnsupported() []string {
	dropped := s.Unsupported()
	if len(dropped) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.active[:0]
	for _, m := range s.active {
		if m.Kind().NeedsGradient() {
			delete(s.history, m.Name())
			continue
		}
		kept = append(kept, m)
	}
	s.active = kept
	return dropped
}

// Mutate 对种子应用指定策略，返回合法候选与被丢弃的非法候选数
// count 被裁剪到每次调用上限；每个候选都携带指向 seed 的溯源
func (s *Set) Mutate(ctx context.Context, seed corpus.View, strategy string, count int, rng *rand.Rand) ([]Candidate, int, error) {
	mut, ok := s.registry.Get(strategy)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	if mut.Kind().NeedsGradient() && s.gradient == nil {
		return nil, 0, fmt.Errorf("%w: %s requires gradient access", ErrUnsupportedStrategy, mut.Name())
	}
	if s.maxPerCall > 0 && count > s.maxPerCall {
		count = s.maxPerCall
	}
	if count <= 0 {
		return nil, 0, nil
	}

	req := &Request{
		Seed:     seed,
		Count:    count,
		Rand:     rng,
		Model:    s.model,
		Gradient: s.gradient,
		Bounds:   s.bounds,
	}
	raw, err := mut.Mutate(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", mut.Name(), err)
	}
	if len(raw) > count {
		raw = raw[:count]
	}

	candidates := make([]Candidate, 0, len(raw))
	invalid := 0
	for _, input := range raw {
		clipped := s.clip(input)
		if err := Validate(clipped, len(seed.Input), s.bounds); err != nil {
			invalid++
			continue
		}
		candidates = append(candidates, Candidate{
			ParentID: seed.ID,
			RootID:   seed.RootID,
			Depth:    seed.Depth + 1,
			Strategy: mut.Name(),
			Input:    clipped,
		})
	}

	s.mu.Lock()
	h := s.historyFor(mut.Name())
	h.Calls++
	h.Candidates += len(candidates)
	h.Invalid += invalid
	s.mu.Unlock()

	return candidates, invalid, nil
}

// clip 裁剪到取值范围；NaN 保留以便被合法性检查拒绝
func (s *Set) clip(input []float64) []float64 {
	out := make([]float64, len(input))
	for i, v := range input {
		if math.IsNaN(v) {
			out[i] = v
			continue
		}
		out[i] = s.bounds.Clip(v)
	}
	return out
}

// Validate 结构合法性检查：长度与种子一致、全部为有限值且在取值范围内
func Validate(input []float64, size int, bounds Bounds) error {
	if len(input) != size {
		return fmt.Errorf("%w: length %d, want %d", ErrInvalidCandidate, len(input), size)
	}
	for i, v := range input {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value at %d", ErrInvalidCandidate, i)
		}
		if v < bounds.Min || v > bounds.Max {
			return fmt.Errorf("%w: value %v at %d outside [%v, %v]", ErrInvalidCandidate, v, i, bounds.Min, bounds.Max)
		}
	}
	return nil
}

// Record 记录候选的评估结果
func (s *Set) Record(strategy string, gained, violation bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.historyFor(strategy)
	if gained {
		h.Gains++
	}
	if violation {
		h.Violations++
	}
}

// History 返回各策略统计的副本
func (s *Set) History() map[string]History {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]History, len(s.history))
	for name, h := range s.history {
		out[name] = *h
	}
	return out
}

func (s *Set) historyFor(name string) *History {
	h, ok := s.history[name]
	if !ok {
		h = &History{}
		s.history[name] = h
	}
	return h
}
