package model

import (
	"context"
	"fmt"
	"os"

	"gonum.org/v1/gonum/floats"
	"gopkg.in/yaml.v2"
)

// DenseLayer 全连接层，Weights 形状为 [out][in]
type DenseLayer struct {
	Weights [][]float64 `yaml:"weights" json:"weights"`
	Bias    []float64   `yaml:"bias" json:"bias"`
}

// MLPConfig MLP权重文件格式
type MLPConfig struct {
	Layers []DenseLayer `yaml:"layers" json:"layers"`
}

// MLP 带ReLU隐藏层的多层感知机
// 作为参考协作者实现：隐藏层ReLU输出即被监控的神经元激活，支持解析梯度
type MLP struct {
	layers  []DenseLayer
	inputs  int
	neurons int
}

// NewMLP 校验层维度并创建MLP
func NewMLP(layers []DenseLayer) (*MLP, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("mlp: at least one layer required")
	}
	if len(layers[0].Weights) == 0 {
		return nil, fmt.Errorf("mlp: layer 0 has no weights")
	}

	inputs := len(layers[0].Weights[0])
	prev := inputs
	neurons := 0
	for i, l := range layers {
		if len(l.Weights) == 0 {
			return nil, fmt.Errorf("mlp: layer %d has no weights", i)
		}
		if len(l.Bias) != len(l.Weights) {
			return nil, fmt.Errorf("mlp: layer %d bias size %d != outputs %d", i, len(l.Bias), len(l.Weights))
		}
		for r, row := range l.Weights {
			if len(row) != prev {
				return nil, fmt.Errorf("mlp: layer %d row %d has %d inputs, want %d", i, r, len(row), prev)
			}
		}
		if i < len(layers)-1 {
			neurons += len(l.Weights)
		}
		prev = len(l.Weights)
	}

	return &MLP{layers: layers, inputs: inputs, neurons: neurons}, nil
}

// LoadMLP 从yaml权重文件加载MLP
func LoadMLP(path string) (*MLP, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	var cfg MLPConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model file: %w", err)
	}
	return NewMLP(cfg.Layers)
}

// InputSize 输入维度
func (m *MLP) InputSize() int { return m.inputs }

// NeuronCount 被监控神经元数量（全部隐藏层）
func (m *MLP) NeuronCount() int { return m.neurons }

// Infer 前向推理
func (m *MLP) Infer(ctx context.Context, input []float64) (*Inference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pre, post, err := m.forward(input)
	if err != nil {
		return nil, err
	}

	acts := make([]float64, 0, m.neurons)
	for i := 0; i < len(post)-1; i++ {
		acts = append(acts, post[i]...)
	}
	probs := Softmax(pre[len(pre)-1])

	return &Inference{
		Prediction:  PredictionFromProbabilities(probs),
		Activations: acts,
	}, nil
}

// Gradient 交叉熵损失 CE(softmax(f(x)), target) 对输入的梯度
func (m *MLP) Gradient(ctx context.Context, input []float64, target int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pre, _, err := m.forward(input)
	if err != nil {
		return nil, err
	}

	out := pre[len(pre)-1]
	if target < 0 || target >= len(out) {
		return nil, fmt.Errorf("mlp: target label %d out of range [0,%d)", target, len(out))
	}

	// dL/dlogits = p - onehot(target)
	grad := Softmax(out)
	grad[target] -= 1

	for li := len(m.layers) - 1; li >= 0; li-- {
		layer := m.layers[li]
		var in int
		if li == 0 {
			in = m.inputs
		} else {
			in = len(m.layers[li-1].Weights)
		}
		next := make([]float64, in)
		for o, row := range layer.Weights {
			if g := grad[o]; g != 0 {
				floats.AddScaled(next, g, row)
			}
		}
		if li > 0 {
			// ReLU 反向
			prevPre := pre[li-1]
			for j := range next {
				if prevPre[j] <= 0 {
					next[j] = 0
				}
			}
		}
		grad = next
	}

	return grad, nil
}

// forward 返回每层的pre-activation与post-activation（输出层post即logits）
func (m *MLP) forward(input []float64) ([][]float64, [][]float64, error) {
	if len(input) != m.inputs {
		return nil, nil, fmt.Errorf("%w: got %d, want %d", ErrInputShape, len(input), m.inputs)
	}

	pre := make([][]float64, len(m.layers))
	post := make([][]float64, len(m.layers))
	x := input
	for li, layer := range m.layers {
		z := make([]float64, len(layer.Weights))
		for o, row := range layer.Weights {
			z[o] = layer.Bias[o] + floats.Dot(row, x)
		}
		pre[li] = z

		if li == len(m.layers)-1 {
			post[li] = z
			break
		}
		a := make([]float64, len(z))
		for j, v := range z {
			if v > 0 {
				a[j] = v
			}
		}
		post[li] = a
		x = a
	}
	return pre, post, nil
}
