package fuzzer

import (
	"context"
	"sync/atomic"

	"robustfuzz/pkg/model"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

// cachedModel 以输入指纹为键缓存推理结果，重复候选不再发送给模型
// 缓存的 Inference 由多个调用方共享，只读
type cachedModel struct {
	inner model.Model
	cache *lru.Cache[common.Hash, *model.Inference]

	calls atomic.Int64
	hits  atomic.Int64
}

// cachedGradientModel 在缓存推理之外透传梯度能力
type cachedGradientModel struct {
	*cachedModel
	grad model.GradientModel
}

func (m *cachedGradientModel) Gradient(ctx context.Context, input []float64, target int) ([]float64, error) {
	return m.grad.Gradient(ctx, input, target)
}

// newCachedModel 包装模型；只有原模型提供梯度时返回值才实现 GradientModel
func newCachedModel(inner model.Model, size int) (model.Model, *cachedModel, error) {
	cache, err := lru.New[common.Hash, *model.Inference](size)
	if err != nil {
		return nil, nil, err
	}
	cm := &cachedModel{inner: inner, cache: cache}
	if g, ok := model.AsGradientModel(inner); ok {
		return &cachedGradientModel{cachedModel: cm, grad: g}, cm, nil
	}
	return cm, cm, nil
}

func (m *cachedModel) Infer(ctx context.Context, input []float64) (*model.Inference, error) {
	key := model.Fingerprint(input)
	if inf, ok := m.cache.Get(key); ok {
		m.hits.Add(1)
		return inf, nil
	}

	m.calls.Add(1)
	inf, err := m.inner.Infer(ctx, input)
	if err != nil {
		return nil, err
	}
	m.cache.Add(key, inf)
	return inf, nil
}

// Calls 实际发往模型的推理次数
func (m *cachedModel) Calls() int { return int(m.calls.Load()) }

// Hits 缓存命中次数
func (m *cachedModel) Hits() int { return int(m.hits.Load()) }
