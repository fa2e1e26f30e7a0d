package oracle

import (
	"encoding/binary"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"robustfuzz/pkg/model"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Mode 违规判定模式
type Mode string

const (
	LabelFlip      Mode = "label-flip"      // 预测标签改变
	ConfidenceDrop Mode = "confidence-drop" // 标签改变，或标签不变但置信度低于阈值
)

// ParseMode 解析判定模式
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case LabelFlip, ConfidenceDrop:
		return m, nil
	case "":
		return LabelFlip, nil
	default:
		return "", fmt.Errorf("unknown violation mode %q", s)
	}
}

// Verdict 判定结果
type Verdict int

const (
	VerdictNone      Verdict = iota // 预测未发生有意义的变化
	VerdictConfirmed                // 违规成立
	VerdictRejected                 // 预测变化但扰动超出预算
)

// String 返回判定结果的字符串表示
func (v Verdict) String() string {
	switch v {
	case VerdictConfirmed:
		return "confirmed"
	case VerdictRejected:
		return "rejected"
	default:
		return "none"
	}
}

// Judgement 一次判定的详细结果
type Judgement struct {
	Verdict  Verdict
	Kind     Mode    // 触发的违规类型（label-flip 或 confidence-drop）
	Distance float64 // 按预算度量计算的扰动距离
}

// Config 判定配置
type Config struct {
	Mode                Mode    `yaml:"violation_mode" json:"violation_mode"`
	Budget              Budget  `yaml:"perturbation_budget" json:"perturbation_budget"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
}

// Violation 违规记录，创建后不可变
type Violation struct {
	ID                  string    `json:"id"`
	Iteration           int       `json:"iteration"`
	SeedID              int       `json:"seed_id"` // 入池后的种子ID
	ParentID            int       `json:"parent_id"`
	RootID              int       `json:"root_id"`
	Depth               int       `json:"depth"`
	Strategy            string    `json:"strategy"`
	Kind                Mode      `json:"kind"`
	Input               []float64 `json:"input"`
	OriginalLabel       int       `json:"original_label"`
	OriginalConfidence  float64   `json:"original_confidence"`
	PredictedLabel      int       `json:"predicted_label"`
	PredictedConfidence float64   `json:"predicted_confidence"`
	TrueLabelConfidence float64   `json:"true_label_confidence"` // 候选输入上原始标签的概率
	Metric              Metric    `json:"metric"`
	Distance            float64   `json:"distance"`
	Distances           Distances `json:"distances"`
	CoverageDelta       int       `json:"coverage_delta"` // 新命中的覆盖槽位数
}

// Oracle 违规判定器，无状态（计数器除外），可并发使用
type Oracle struct {
	cfg Config

	confirmed atomic.Int64
	rejected  atomic.Int64
}

// New 校验配置并创建判定器
func New(cfg Config) (*Oracle, error) {
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode

	metric, err := ParseMetric(string(cfg.Budget.Metric))
	if err != nil {
		return nil, err
	}
	cfg.Budget.Metric = metric
	if err := cfg.Budget.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == ConfidenceDrop && (cfg.ConfidenceThreshold <= 0 || cfg.ConfidenceThreshold > 1) {
		return nil, fmt.Errorf("confidence_threshold must be in (0, 1], got %v", cfg.ConfidenceThreshold)
	}
	return &Oracle{cfg: cfg}, nil
}

// Config 当前配置
func (o *Oracle) Config() Config { return o.cfg }

// Evaluate 判定候选相对原始输入的预测变化
// 预测变化成立后才检查扰动预算：预算外的变化被拒绝而不是记录
func (o *Oracle) Evaluate(original, candidate []float64, origPred, candPred model.Prediction) (Judgement, error) {
	var kind Mode
	switch {
	case candPred.Label != origPred.Label:
		kind = LabelFlip
	case o.cfg.Mode == ConfidenceDrop && candPred.Confidence < o.cfg.ConfidenceThreshold:
		kind = ConfidenceDrop
	default:
		return Judgement{Verdict: VerdictNone}, nil
	}

	d, err := Distance(o.cfg.Budget.Metric, original, candidate)
	if err != nil {
		return Judgement{}, err
	}
	if !o.cfg.Budget.Within(d) {
		return Judgement{Verdict: VerdictRejected, Kind: kind, Distance: d}, nil
	}
	return Judgement{Verdict: VerdictConfirmed, Kind: kind, Distance: d}, nil
}

// Judge 判定并在违规成立时构造违规记录；预算外的变化只记日志
func (o *Oracle) Judge(original, candidate []float64, origPred, candPred model.Prediction) (*Violation, error) {
	j, err := o.Evaluate(original, candidate, origPred, candPred)
	if err != nil {
		return nil, err
	}

	switch j.Verdict {
	case VerdictRejected:
		o.rejected.Add(1)
		log.Printf("[Oracle] Rejected %s: %s distance %.4f exceeds budget %.4f (label %d -> %d)",
			j.Kind, o.cfg.Budget.Metric, j.Distance, o.cfg.Budget.Threshold, origPred.Label, candPred.Label)
		return nil, nil
	case VerdictConfirmed:
		o.confirmed.Add(1)
	default:
		return nil, nil
	}

	all, err := AllDistances(original, candidate)
	if err != nil {
		return nil, err
	}
	return &Violation{
		Kind:                j.Kind,
		Input:               model.Clone(candidate),
		OriginalLabel:       origPred.Label,
		OriginalConfidence:  origPred.Confidence,
		PredictedLabel:      candPred.Label,
		PredictedConfidence: candPred.Confidence,
		TrueLabelConfidence: candPred.ProbabilityOf(origPred.Label),
		Metric:              o.cfg.Budget.Metric,
		Distance:            j.Distance,
		Distances:           all,
	}, nil
}

// Confirmed 已确认的违规数
func (o *Oracle) Confirmed() int { return int(o.confirmed.Load()) }

// Rejected 因超出预算被拒绝的数量
func (o *Oracle) Rejected() int { return int(o.rejected.Load()) }

// ViolationID 由候选指纹和序号派生确定性ID，保证相同运行产生相同序列
func ViolationID(hash common.Hash, seq int) string {
	buf := make([]byte, 0, common.HashLength+8)
	buf = append(buf, hash.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(seq))
	return uuid.NewSHA1(uuid.NameSpaceOID, buf).String()
}
