package fuzzer

import (
	"time"

	"robustfuzz/pkg/mutation"
	"robustfuzz/pkg/oracle"

	"gonum.org/v1/gonum/stat"
)

// Termination 运行终止原因
type Termination string

const (
	BudgetExhausted Termination = "budget-exhausted"
	StagnationStop  Termination = "stagnation"
	ErrorAbort      Termination = "error-abort"
)

// AttackEvaluation 攻击效果统计
type AttackEvaluation struct {
	MisclassificationRate    float64 `json:"misclassification_rate"`      // 被评估候选中预测标签偏离根种子的比例
	AvgAdversarialConfidence float64 `json:"avg_adversarial_confidence"`  // 违规样本上预测类别的平均置信度
	AvgTrueLabelConfidence   float64 `json:"avg_true_label_confidence"`   // 违规样本上原始类别的平均置信度
	AvgL0                    float64 `json:"avg_l0"`
	AvgL2                    float64 `json:"avg_l2"`
	AvgLinf                  float64 `json:"avg_linf"`
}

// Report 运行摘要
type Report struct {
	RunID       string        `json:"run_id"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration"`
	Termination Termination   `json:"termination"`
	Cancelled   bool          `json:"cancelled"`
	Error       string        `json:"error,omitempty"`

	CoverageMetric   string  `json:"coverage_metric"`
	CoveredSlots     int     `json:"covered_slots"`
	TotalSlots       int     `json:"total_slots"`
	CoverageFraction float64 `json:"coverage_fraction"`

	Iterations     int `json:"iterations"`
	Evaluated      int `json:"evaluated"` // 成功完成推理的候选数
	InferenceCalls int `json:"inference_calls"`
	CacheHits      int `json:"cache_hits"`
	RootSeeds      int `json:"root_seeds"`
	CorpusSize     int `json:"corpus_size"`
	Exhausted      int `json:"exhausted_seeds"`
	MaxDepth       int `json:"max_depth"`

	Violations []*oracle.Violation `json:"violations"`
	Rejected   int                 `json:"rejected"` // 预算外被拒绝的预测变化

	Errors     map[ErrorKind]int           `json:"errors"`
	Strategies map[string]mutation.History `json:"strategies"`
	Dropped    []string                    `json:"dropped_strategies,omitempty"` // 黑盒回退时移除的梯度策略

	Evaluation AttackEvaluation `json:"evaluation"`
}

// ViolationCount 违规数
func (r *Report) ViolationCount() int { return len(r.Violations) }

// evaluate 根据违规记录计算攻击效果统计
func evaluate(violations []*oracle.Violation, evaluated, misclassified int) AttackEvaluation {
	var ev AttackEvaluation
	if evaluated > 0 {
		ev.MisclassificationRate = float64(misclassified) / float64(evaluated)
	}
	if len(violations) == 0 {
		return ev
	}

	adv := make([]float64, len(violations))
	truth := make([]float64, len(violations))
	l0 := make([]float64, len(violations))
	l2 := make([]float64, len(violations))
	linf := make([]float64, len(violations))
	for i, v := range violations {
		adv[i] = v.PredictedConfidence
		truth[i] = v.TrueLabelConfidence
		l0[i] = v.Distances.L0
		l2[i] = v.Distances.L2
		linf[i] = v.Distances.Linf
	}
	ev.AvgAdversarialConfidence = stat.Mean(adv, nil)
	ev.AvgTrueLabelConfidence = stat.Mean(truth, nil)
	ev.AvgL0 = stat.Mean(l0, nil)
	ev.AvgL2 = stat.Mean(l2, nil)
	ev.AvgLinf = stat.Mean(linf, nil)
	return ev
}
