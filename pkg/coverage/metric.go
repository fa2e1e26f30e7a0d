// Package coverage 实现神经元激活覆盖率模型
//
// 三种覆盖率指标（KMN / NB / SNA）共享同一个桶归属约定：
// 桶区间为左闭右开 [low + i*width, low + (i+1)*width)，最后一个桶两端闭合以精确包含观测最大值。
package coverage

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gopkg.in/yaml.v2"
)

var (
	// ErrShapeMismatch 激活向量长度与被监控神经元数不符
	ErrShapeMismatch = errors.New("coverage: activation shape mismatch")
	// ErrMissingCoverageBaseline 缺少每个神经元的参考激活范围
	ErrMissingCoverageBaseline = errors.New("coverage: missing coverage baseline")
)

// MetricKind 覆盖率指标类型
type MetricKind string

const (
	KMultisection  MetricKind = "KMN" // k-multisection neuron coverage
	NeuronBoundary MetricKind = "NB"  // neuron-boundary coverage
	StrongActivate MetricKind = "SNA" // strong-activation neuron coverage
)

// ParseMetricKind 解析指标名称（大小写不敏感）
func ParseMetricKind(s string) (MetricKind, error) {
	switch MetricKind(strings.ToUpper(strings.TrimSpace(s))) {
	case KMultisection:
		return KMultisection, nil
	case NeuronBoundary:
		return NeuronBoundary, nil
	case StrongActivate:
		return StrongActivate, nil
	default:
		return "", fmt.Errorf("unknown coverage metric %q", s)
	}
}

// Range 单个神经元的参考激活范围
type Range struct {
	Low  float64 `yaml:"low" json:"low"`
	High float64 `yaml:"high" json:"high"`
}

// Baseline 每个被监控神经元的参考（训练期）激活范围
type Baseline struct {
	Ranges []Range `yaml:"ranges" json:"ranges"`
}

// BuildBaseline 从参考数据集的激活向量计算每个神经元的 [min, max]
func BuildBaseline(reference [][]float64) (*Baseline, error) {
	if len(reference) == 0 {
		return nil, fmt.Errorf("%w: empty reference set", ErrMissingCoverageBaseline)
	}
	n := len(reference[0])
	if n == 0 {
		return nil, fmt.Errorf("%w: reference activations are empty", ErrMissingCoverageBaseline)
	}

	column := make([]float64, len(reference))
	ranges := make([]Range, n)
	for j := 0; j < n; j++ {
		for i, row := range reference {
			if len(row) != n {
				return nil, fmt.Errorf("%w: reference row %d has %d neurons, want %d", ErrShapeMismatch, i, len(row), n)
			}
			column[i] = row[j]
		}
		ranges[j] = Range{Low: floats.Min(column), High: floats.Max(column)}
	}
	return &Baseline{Ranges: ranges}, nil
}

// LoadBaseline 从 YAML 文件加载预先计算的神经元范围
func LoadBaseline(path string) (*Baseline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline: %w", err)
	}
	var b Baseline
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse baseline: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Neurons 神经元数量
func (b *Baseline) Neurons() int {
	if b == nil {
		return 0
	}
	return len(b.Ranges)
}

// Validate 检查范围合法
func (b *Baseline) Validate() error {
	if b.Neurons() == 0 {
		return ErrMissingCoverageBaseline
	}
	for i, r := range b.Ranges {
		if math.IsNaN(r.Low) || math.IsNaN(r.High) || math.IsInf(r.Low, 0) || math.IsInf(r.High, 0) {
			return fmt.Errorf("coverage: neuron %d has non-finite range [%v, %v]", i, r.Low, r.High)
		}
		if r.Low > r.High {
			return fmt.Errorf("coverage: neuron %d has inverted range [%v, %v]", i, r.Low, r.High)
		}
	}
	return nil
}

// Metric 覆盖率指标策略，无状态
type Metric interface {
	// Kind 指标类型
	Kind() MetricKind
	// Neurons 期望的激活向量长度
	Neurons() int
	// Slots 覆盖槽位总数（分母）
	Slots() int
	// Signature 将激活向量转换为覆盖签名
	Signature(activations []float64) (Signature, error)
}

// NewMetric 根据配置创建指标
func NewMetric(kind MetricKind, baseline *Baseline, k int) (Metric, error) {
	if baseline == nil {
		return nil, fmt.Errorf("%w: %s requires per-neuron ranges", ErrMissingCoverageBaseline, kind)
	}
	if err := baseline.Validate(); err != nil {
		return nil, err
	}

	switch kind {
	case KMultisection:
		if k <= 0 {
			return nil, fmt.Errorf("coverage: KMN requires k_buckets > 0, got %d", k)
		}
		return &kmnMetric{ranges: baseline.Ranges, k: k}, nil
	case NeuronBoundary:
		return &nbMetric{ranges: baseline.Ranges}, nil
	case StrongActivate:
		return &snaMetric{ranges: baseline.Ranges}, nil
	default:
		return nil, fmt.Errorf("unknown coverage metric %q", kind)
	}
}

// BucketIndex 返回 v 在 [low, high] 上 k 等分时的桶下标，范围外返回 -1
func BucketIndex(v, low, high float64, k int) int {
	if math.IsNaN(v) || v < low || v > high {
		return -1
	}
	// 最后一个桶两端闭合
	if v == high {
		return k - 1
	}
	// 先乘后除，避免 0.3/0.1 这类商落在整数下方
	idx := int((v - low) * float64(k) / (high - low))
	if idx >= k {
		idx = k - 1
	}
	return idx
}

func checkShape(acts []float64, n int) error {
	if len(acts) != n {
		return fmt.Errorf("%w: got %d activations, want %d", ErrShapeMismatch, len(acts), n)
	}
	return nil
}

// ==================== KMN ====================

type kmnMetric struct {
	ranges []Range
	k      int
}

func (m *kmnMetric) Kind() MetricKind { return KMultisection }
func (m *kmnMetric) Neurons() int     { return len(m.ranges) }
func (m *kmnMetric) Slots() int       { return len(m.ranges) * m.k }

func (m *kmnMetric) Signature(acts []float64) (Signature, error) {
	if err := checkShape(acts, len(m.ranges)); err != nil {
		return Signature{}, err
	}
	sig := newSignature(m.Slots())
	for i, v := range acts {
		r := m.ranges[i]
		if b := BucketIndex(v, r.Low, r.High, m.k); b >= 0 {
			sig.bits.Set(uint(i*m.k + b))
		}
	}
	return sig, nil
}

// ==================== NB ====================

// nbMetric 每个神经元两个槽位：2i 低于训练最小值，2i+1 高于训练最大值
type nbMetric struct {
	ranges []Range
}

func (m *nbMetric) Kind() MetricKind { return NeuronBoundary }
func (m *nbMetric) Neurons() int     { return len(m.ranges) }
func (m *nbMetric) Slots() int       { return 2 * len(m.ranges) }

func (m *nbMetric) Signature(acts []float64) (Signature, error) {
	if err := checkShape(acts, len(m.ranges)); err != nil {
		return Signature{}, err
	}
	sig := newSignature(m.Slots())
	for i, v := range acts {
		r := m.ranges[i]
		if v < r.Low {
			sig.bits.Set(uint(2 * i))
		}
		if v > r.High {
			sig.bits.Set(uint(2*i + 1))
		}
	}
	return sig, nil
}

// ==================== SNA ====================

type snaMetric struct {
	ranges []Range
}

func (m *snaMetric) Kind() MetricKind { return StrongActivate }
func (m *snaMetric) Neurons() int     { return len(m.ranges) }
func (m *snaMetric) Slots() int       { return len(m.ranges) }

func (m *snaMetric) Signature(acts []float64) (Signature, error) {
	if err := checkShape(acts, len(m.ranges)); err != nil {
		return Signature{}, err
	}
	sig := newSignature(m.Slots())
	for i, v := range acts {
		if v > m.ranges[i].High {
			sig.bits.Set(uint(i))
		}
	}
	return sig, nil
}
