// Package model 定义被测分类模型的协作接口
// 引擎只通过 Infer / Gradient 与模型交互，模型的训练、序列化、加载不在本包范围内
package model

import (
	"context"
	"encoding/binary"
	"errors"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInputShape 输入维度与模型不符
var ErrInputShape = errors.New("model: input shape mismatch")

// Prediction 模型预测结果
type Prediction struct {
	Label         int       `json:"label" yaml:"label"`                                       // top-1 标签
	Confidence    float64   `json:"confidence" yaml:"confidence"`                             // top-1 置信度
	Probabilities []float64 `json:"probabilities,omitempty" yaml:"probabilities,omitempty"` // 完整概率分布（可选）
}

// Inference 单次推理输出
type Inference struct {
	Prediction  Prediction
	Activations []float64 // 被监控神经元的激活值，nil 表示模型未暴露
}

// Model 黑盒模型协作者
type Model interface {
	// Infer 推理单个输入
	Infer(ctx context.Context, input []float64) (*Inference, error)
}

// GradientModel 可提供输入梯度的白盒模型（可选能力）
type GradientModel interface {
	Model

	// Gradient 返回 target 标签交叉熵损失对输入的梯度
	Gradient(ctx context.Context, input []float64, target int) ([]float64, error)
}

// AsGradientModel 检查模型是否具备梯度能力
func AsGradientModel(m Model) (GradientModel, bool) {
	if m == nil {
		return nil, false
	}
	gm, ok := m.(GradientModel)
	return gm, ok
}

// PredictionFromProbabilities 由概率分布构造预测，平局取较小下标
func PredictionFromProbabilities(probs []float64) Prediction {
	pred := Prediction{Label: -1, Probabilities: probs}
	for i, p := range probs {
		if pred.Label < 0 || p > pred.Confidence {
			pred.Label = i
			pred.Confidence = p
		}
	}
	return pred
}

// ProbabilityOf 返回指定标签的概率，分布缺失时退化为 top-1 置信度
func (p Prediction) ProbabilityOf(label int) float64 {
	if label >= 0 && label < len(p.Probabilities) {
		return p.Probabilities[label]
	}
	if label == p.Label {
		return p.Confidence
	}
	return 0
}

// Softmax 数值稳定的softmax
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Clone 拷贝张量
func Clone(t []float64) []float64 {
	if t == nil {
		return nil
	}
	return append([]float64(nil), t...)
}

// Fingerprint 计算张量内容的 Keccak-256 指纹
func Fingerprint(t []float64) common.Hash {
	buf := make([]byte, 8*len(t))
	for i, v := range t {
		binary.BigEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return crypto.Keccak256Hash(buf)
}
