package corpus

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"robustfuzz/pkg/model"
)

var (
	// ErrNoSelectableSeed 没有可继续变异的种子（全部达到深度上限或池为空）
	ErrNoSelectableSeed = errors.New("corpus: no selectable seed")
	// ErrInvalidProvenance 父子关系不满足森林/深度约束
	ErrInvalidProvenance = errors.New("corpus: invalid provenance")
)

// Policy 种子选择策略
type Policy string

const (
	RoundRobin Policy = "round-robin"
	LowDepth   Policy = "low-depth"
	RecentGain Policy = "recent-gain"
	Random     Policy = "random"
)

// ParsePolicy 解析选择策略名称
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case RoundRobin, LowDepth, RecentGain, Random:
		return p, nil
	case "":
		return RoundRobin, nil
	default:
		return "", fmt.Errorf("unknown selection policy %q", s)
	}
}

// Config 种子池配置
type Config struct {
	Policy          Policy
	MaxDepth        int // 变异深度上限
	ExhaustionLimit int // 连续无增益候选数上限，0 表示永不耗尽
}

// Corpus 种子池，只由调度器写入
type Corpus struct {
	mu    sync.RWMutex
	seeds []*Seed
	cfg   Config
	rng   *rand.Rand

	cursor int // round-robin 游标
}

// New 创建种子池，rng 由调度器注入以保证可复现
func New(cfg Config, rng *rand.Rand) *Corpus {
	if cfg.Policy == "" {
		cfg.Policy = RoundRobin
	}
	return &Corpus{cfg: cfg, rng: rng}
}

// Policy 当前选择策略
func (c *Corpus) Policy() Policy { return c.cfg.Policy }

// Add 加入种子并分配ID
// 根种子：ParentID = NoParent，深度0；派生种子：深度 = 父深度+1 且不超过上限
func (c *Corpus) Add(seed *Seed) (*Seed, error) {
	if seed == nil {
		return nil, fmt.Errorf("%w: nil seed", ErrInvalidProvenance)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if seed.ParentID == NoParent {
		if seed.Depth != 0 {
			return nil, fmt.Errorf("%w: root seed depth %d", ErrInvalidProvenance, seed.Depth)
		}
		seed.ID = len(c.seeds)
		seed.RootID = seed.ID
	} else {
		parent := c.get(seed.ParentID)
		if parent == nil {
			return nil, fmt.Errorf("%w: unknown parent %d", ErrInvalidProvenance, seed.ParentID)
		}
		if seed.Depth != parent.Depth+1 {
			return nil, fmt.Errorf("%w: child depth %d, parent depth %d", ErrInvalidProvenance, seed.Depth, parent.Depth)
		}
		if c.cfg.MaxDepth > 0 && seed.Depth > c.cfg.MaxDepth {
			return nil, fmt.Errorf("%w: depth %d exceeds cap %d", ErrInvalidProvenance, seed.Depth, c.cfg.MaxDepth)
		}
		seed.ID = len(c.seeds)
		seed.RootID = parent.RootID
	}

	if seed.Hash == ([32]byte{}) {
		seed.Hash = model.Fingerprint(seed.Input)
	}
	// 派生种子入池本身即一次增益（覆盖或违规）；根种子尚无增益
	seed.lastGain = seed.AdmittedAt
	if seed.ParentID == NoParent {
		seed.lastGain = -1
	}
	c.seeds = append(c.seeds, seed)
	return seed, nil
}

// Size 种子数量
func (c *Corpus) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seeds)
}

// Get 按ID获取种子
func (c *Corpus) Get(id int) (*Seed, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.get(id)
	return s, s != nil
}

func (c *Corpus) get(id int) *Seed {
	if id < 0 || id >= len(c.seeds) {
		return nil
	}
	return c.seeds[id]
}

// Seeds 返回种子列表副本（按ID顺序）
func (c *Corpus) Seeds() []*Seed {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Seed, len(c.seeds))
	copy(out, c.seeds)
	return out
}

// Select 按策略选出下一个种子
func (c *Corpus) Select() (*Seed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	eligible := c.eligible()
	if len(eligible) == 0 {
		return nil, ErrNoSelectableSeed
	}

	var chosen *Seed
	switch c.cfg.Policy {
	case LowDepth:
		chosen = c.selectBy(eligible, func(a, b *Seed) bool {
			if a.Depth != b.Depth {
				return a.Depth < b.Depth
			}
			return false
		})
	case RecentGain:
		chosen = c.selectBy(eligible, func(a, b *Seed) bool {
			ag, bg := a.lastGain >= 0, b.lastGain >= 0
			if ag != bg {
				return ag
			}
			if a.lastGain != b.lastGain {
				return a.lastGain > b.lastGain
			}
			return false
		})
	case Random:
		// 均匀随机，耗尽种子同样可选
		chosen = eligible[c.rng.Intn(len(eligible))]
	default:
		chosen = c.selectRoundRobin()
	}

	chosen.selections++
	return chosen, nil
}

// eligible 深度未达上限的种子（达到上限的种子其子代无法入池）
func (c *Corpus) eligible() []*Seed {
	out := make([]*Seed, 0, len(c.seeds))
	for _, s := range c.seeds {
		if c.cfg.MaxDepth > 0 && s.Depth >= c.cfg.MaxDepth {
			continue
		}
		out = append(out, s)
	}
	return out
}

// selectBy 未耗尽优先，再按 less 排序，平局按被选次数、ID
func (c *Corpus) selectBy(eligible []*Seed, less func(a, b *Seed) bool) *Seed {
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.exhausted != b.exhausted {
			return !a.exhausted
		}
		if less(a, b) {
			return true
		}
		if less(b, a) {
			return false
		}
		if a.selections != b.selections {
			return a.selections < b.selections
		}
		return a.ID < b.ID
	})
	return eligible[0]
}

// selectRoundRobin 轮询未耗尽的种子；全部耗尽时轮询耗尽种子
func (c *Corpus) selectRoundRobin() *Seed {
	n := len(c.seeds)
	for _, wantExhausted := range []bool{false, true} {
		for i := 0; i < n; i++ {
			idx := (c.cursor + i) % n
			s := c.seeds[idx]
			if c.cfg.MaxDepth > 0 && s.Depth >= c.cfg.MaxDepth {
				continue
			}
			if s.exhausted != wantExhausted {
				continue
			}
			c.cursor = idx + 1
			return s
		}
	}
	return nil
}

// RecordOutcome 记录一个候选对父种子的结果
// gained 为 true 表示带来覆盖增益或违规，并清零连续失败计数；否则计入耗尽计数
func (c *Corpus) RecordOutcome(id int, gained bool, iteration int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.get(id)
	if s == nil {
		return
	}
	if gained {
		s.lastGain = iteration
		s.failures = 0
		s.exhausted = false
		return
	}
	s.failures++
	if !s.exhausted && c.cfg.ExhaustionLimit > 0 && s.failures >= c.cfg.ExhaustionLimit {
		s.exhausted = true
		log.Printf("[Corpus] seed #%d exhausted after %d non-gaining candidates", s.ID, s.failures)
	}
}

// NextStrategy 返回种子下一个要使用的策略下标（每个种子独立轮转）
func (c *Corpus) NextStrategy(id int, n int) int {
	if n <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.get(id)
	if s == nil {
		return 0
	}
	idx := s.strategyCursor % n
	s.strategyCursor++
	return idx
}

// Lineage 返回从根到该种子的ID路径
func (c *Corpus) Lineage(id int) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var path []int
	for s := c.get(id); s != nil; s = c.get(s.ParentID) {
		path = append(path, s.ID)
		if s.ParentID == NoParent || len(path) > len(c.seeds) {
			break
		}
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Validate 检查溯源森林：无环、父先于子、深度严格递增、根一致
func (c *Corpus) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range c.seeds {
		if s.ParentID == NoParent {
			if s.Depth != 0 || s.RootID != s.ID {
				return fmt.Errorf("%w: root #%d depth=%d root=%d", ErrInvalidProvenance, s.ID, s.Depth, s.RootID)
			}
			continue
		}
		// 父ID必须小于子ID，从而保证无环
		if s.ParentID < 0 || s.ParentID >= s.ID {
			return fmt.Errorf("%w: seed #%d has parent #%d", ErrInvalidProvenance, s.ID, s.ParentID)
		}
		parent := c.seeds[s.ParentID]
		if s.Depth != parent.Depth+1 {
			return fmt.Errorf("%w: seed #%d depth %d, parent depth %d", ErrInvalidProvenance, s.ID, s.Depth, parent.Depth)
		}
		if s.RootID != parent.RootID {
			return fmt.Errorf("%w: seed #%d root %d, parent root %d", ErrInvalidProvenance, s.ID, s.RootID, parent.RootID)
		}
		if c.cfg.MaxDepth > 0 && s.Depth > c.cfg.MaxDepth {
			return fmt.Errorf("%w: seed #%d depth %d exceeds cap %d", ErrInvalidProvenance, s.ID, s.Depth, c.cfg.MaxDepth)
		}
	}
	return nil
}
