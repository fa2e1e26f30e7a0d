package coverage

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Signature 不可变的覆盖签名：每个槽位是否被命中
type Signature struct {
	bits  *bitset.BitSet
	slots int
}

func newSignature(slots int) Signature {
	return Signature{bits: bitset.New(uint(slots)), slots: slots}
}

// Slots 槽位总数
func (s Signature) Slots() int { return s.slots }

// Count 命中槽位数
func (s Signature) Count() int {
	if s.bits == nil {
		return 0
	}
	return int(s.bits.Count())
}

// Empty 是否无命中
func (s Signature) Empty() bool { return s.Count() == 0 }

// Has 槽位是否命中
func (s Signature) Has(slot int) bool {
	if s.bits == nil || slot < 0 {
		return false
	}
	return s.bits.Test(uint(slot))
}

// Indices 命中槽位下标（升序）
func (s Signature) Indices() []int {
	if s.bits == nil {
		return nil
	}
	out := make([]int, 0, s.bits.Count())
	for i, ok := s.bits.NextSet(0); ok; i, ok = s.bits.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// ==================== 累加器 ====================

// Accumulator 全局覆盖累加器，只增不减
type Accumulator struct {
	mu     sync.RWMutex
	metric Metric
	hits   *bitset.BitSet
}

// NewAccumulator 创建空累加器
func NewAccumulator(metric Metric) *Accumulator {
	return &Accumulator{
		metric: metric,
		hits:   bitset.New(uint(metric.Slots())),
	}
}

// Metric 使用的指标
func (a *Accumulator) Metric() Metric { return a.metric }

// Score 计算激活向量相对当前累计覆盖的增量签名，以及合并后的覆盖率
func (a *Accumulator) Score(acts []float64) (Signature, float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return score(a.metric, a.hits, acts)
}

// Merge 合并增量签名，当且仅当有之前未命中的槽位被命中时返回 true
func (a *Accumulator) Merge(delta Signature) bool {
	return a.MergeCount(delta) > 0
}

// MergeCount 合并增量签名，返回之前未命中、本次新命中的槽位数
func (a *Accumulator) MergeCount(delta Signature) int {
	if delta.bits == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	fresh := delta.bits.Difference(a.hits)
	n := int(fresh.Count())
	if n > 0 {
		a.hits.InPlaceUnion(fresh)
	}
	return n
}

// Covered 已命中槽位数
func (a *Accumulator) Covered() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return int(a.hits.Count())
}

// Fraction 当前覆盖率
func (a *Accumulator) Fraction() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return fraction(a.hits.Count(), a.metric.Slots())
}

// Snapshot 返回只读快照，供批内 worker 并发计算增量
func (a *Accumulator) Snapshot() *Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return &Snapshot{metric: a.metric, hits: a.hits.Clone()}
}

// Signature 当前累计覆盖的拷贝
func (a *Accumulator) Signature() Signature {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Signature{bits: a.hits.Clone(), slots: a.metric.Slots()}
}

// Snapshot 某一时刻的累计覆盖，只读
type Snapshot struct {
	metric Metric
	hits   *bitset.BitSet
}

// Score 与 Accumulator.Score 语义相同，但基于快照
func (s *Snapshot) Score(acts []float64) (Signature, float64, error) {
	return score(s.metric, s.hits, acts)
}

func score(metric Metric, hits *bitset.BitSet, acts []float64) (Signature, float64, error) {
	sig, err := metric.Signature(acts)
	if err != nil {
		return Signature{}, 0, err
	}
	delta := sig.bits.Difference(hits)
	after := hits.Count() + delta.Count()
	return Signature{bits: delta, slots: sig.slots}, fraction(after, metric.Slots()), nil
}

func fraction(hit uint, slots int) float64 {
	if slots == 0 {
		return 0
	}
	return float64(hit) / float64(slots)
}
