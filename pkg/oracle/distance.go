// Package oracle 判定候选输入是否构成鲁棒性违规
package oracle

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ErrLengthMismatch 两个输入长度不同，无法计算距离
var ErrLengthMismatch = errors.New("oracle: input length mismatch")

// Metric 扰动距离度量
type Metric string

const (
	L0   Metric = "L0"   // 改动分量个数
	L1   Metric = "L1"   // 绝对差之和
	L2   Metric = "L2"   // 欧氏距离
	Linf Metric = "Linf" // 最大绝对差
)

// ParseMetric 解析度量名称（大小写不敏感，接受 "inf"/"linf"）
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "l0":
		return L0, nil
	case "l1":
		return L1, nil
	case "l2":
		return L2, nil
	case "linf", "inf", "l_inf":
		return Linf, nil
	default:
		return "", fmt.Errorf("unknown distance metric %q", s)
	}
}

// Distance 计算 a 与 b 之间的距离
func Distance(metric Metric, a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(a), len(b))
	}
	switch metric {
	case L0:
		n := 0
		for i := range a {
			if a[i] != b[i] {
				n++
			}
		}
		return float64(n), nil
	case L1:
		return floats.Distance(a, b, 1), nil
	case L2:
		return floats.Distance(a, b, 2), nil
	case Linf:
		return floats.Distance(a, b, math.Inf(1)), nil
	default:
		return 0, fmt.Errorf("unknown distance metric %q", metric)
	}
}

// Distances 违规记录附带的全部距离，用于攻击评估汇总
type Distances struct {
	L0   float64 `json:"l0"`
	L2   float64 `json:"l2"`
	Linf float64 `json:"linf"`
}

// AllDistances 一次计算 L0/L2/Linf
func AllDistances(a, b []float64) (Distances, error) {
	var d Distances
	var err error
	if d.L0, err = Distance(L0, a, b); err != nil {
		return d, err
	}
	d.L2, _ = Distance(L2, a, b)
	d.Linf, _ = Distance(Linf, a, b)
	return d, nil
}

// Budget 允许的扰动预算
type Budget struct {
	Metric    Metric  `yaml:"metric" json:"metric"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// Within 距离是否在预算内（闭区间）
func (b Budget) Within(d float64) bool {
	return d <= b.Threshold
}

// Validate 检查预算配置
func (b Budget) Validate() error {
	if _, err := ParseMetric(string(b.Metric)); err != nil {
		return err
	}
	if b.Threshold <= 0 || math.IsNaN(b.Threshold) {
		return fmt.Errorf("perturbation budget threshold must be positive, got %v", b.Threshold)
	}
	return nil
}
