package mutation

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"robustfuzz/pkg/corpus"
	"robustfuzz/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockMutator 模拟变异策略：在每个分量上加 step*(i+1)
type mockMutator struct {
	name     string
	kind     Kind
	priority int
	step     float64
	extra    [][]float64
}

func (m *mockMutator) Name() string  { return m.name }
func (m *mockMutator) Kind() Kind    { return m.kind }
func (m *mockMutator) Priority() int { return m.priority }

func (m *mockMutator) Mutate(ctx context.Context, req *Request) ([][]float64, error) {
	out := make([][]float64, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		c := model.Clone(req.Seed.Input)
		for j := range c {
			c[j] += m.step * float64(i+1)
		}
		out = append(out, c)
	}
	return append(m.extra, out...), nil
}

// blackBox 不提供梯度的模型
type blackBox struct{}

func (blackBox) Infer(ctx context.Context, input []float64) (*model.Inference, error) {
	return &model.Inference{Prediction: model.PredictionFromProbabilities([]float64{0.5, 0.5})}, nil
}

// whiteBox 提供零梯度的模型
type whiteBox struct{ blackBox }

func (whiteBox) Gradient(ctx context.Context, input []float64, target int) ([]float64, error) {
	return make([]float64, len(input)), nil
}

var unit = Bounds{Min: 0, Max: 1}

func seedView() corpus.View {
	return corpus.View{ID: 4, RootID: 1, Input: []float64{0.2, 0.5}, Label: 0, Depth: 2}
}

// TestRegistryOrder 测试按优先级排序与同名替换
func TestRegistryOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockMutator{name: "low", priority: 10})
	reg.Register(&mockMutator{name: "high", priority: 90})
	reg.Register(&mockMutator{name: "mid", priority: 50})
	reg.Register(nil)

	assert.Equal(t, []string{"high", "mid", "low"}, reg.Names())

	reg.Register(&mockMutator{name: "low", priority: 99})
	assert.Equal(t, []string{"low", "high", "mid"}, reg.Names())

	_, ok := reg.Get(" HIGH ")
	assert.True(t, ok)
}

// TestMutateProvenance 每个候选都指向父种子且深度+1
func TestMutateProvenance(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockMutator{name: "shift", kind: KindPerturbation, step: 0.1})
	set, err := NewSet(reg, nil, blackBox{}, unit, 8)
	require.NoError(t, err)

	cands, invalid, err := set.Mutate(context.Background(), seedView(), "shift", 3, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 0, invalid)
	require.Len(t, cands, 3)
	for _, c := range cands {
		assert.Equal(t, 4, c.ParentID)
		assert.Equal(t, 1, c.RootID)
		assert.Equal(t, 3, c.Depth)
		assert.Equal(t, "shift", c.Strategy)
	}
	assert.InDelta(t, 0.5, cands[2].Input[0], 1e-12)
	assert.InDelta(t, 0.8, cands[2].Input[1], 1e-12)
}

// TestMutateCountCap 请求数被裁剪到每次调用上限
func TestMutateCountCap(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockMutator{name: "shift", kind: KindPerturbation, step: 0.01})
	set, err := NewSet(reg, nil, blackBox{}, unit, 2)
	require.NoError(t, err)

	cands, _, err := set.Mutate(context.Background(), seedView(), "shift", 10, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Len(t, cands, 2)
}

// TestMutateClipsAndDropsInvalid 越界值被裁剪，NaN 与长度不符的候选被丢弃
func TestMutateClipsAndDropsInvalid(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockMutator{
		name:  "noisy",
		kind:  KindPerturbation,
		step:  1,
		extra: [][]float64{{math.NaN(), 0.1}, {0.1}},
	})
	set, err := NewSet(reg, nil, blackBox{}, unit, 4)
	require.NoError(t, err)

	cands, invalid, err := set.Mutate(context.Background(), seedView(), "noisy", 4, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 2, invalid)
	require.Len(t, cands, 2)
	assert.Equal(t, []float64{1, 1}, cands[0].Input)

	h := set.History()["noisy"]
	assert.Equal(t, 1, h.Calls)
	assert.Equal(t, 2, h.Invalid)
	assert.Equal(t, 2, h.Candidates)
}

// TestGradientUnsupported 模型无梯度时梯度策略返回 ErrUnsupportedStrategy
func TestGradientUnsupported(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockMutator{name: "grad", kind: KindGradient, priority: 90})
	reg.Register(&mockMutator{name: "noise", kind: KindPerturbation, priority: 10})

	set, err := NewSet(reg, nil, blackBox{}, unit, 4)
	require.NoError(t, err)
	assert.False(t, set.HasGradient())
	assert.Equal(t, []string{"grad"}, set.Unsupported())

	_, _, err = set.Mutate(context.Background(), seedView(), "grad", 1, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, ErrUnsupportedStrategy)

	dropped := set.DropUnsupported()
	assert.Equal(t, []string{"grad"}, dropped)
	require.Len(t, set.Active(), 1)
	assert.Equal(t, "noise", set.Active()[0].Name())

	white, err := NewSet(reg, nil, whiteBox{}, unit, 4)
	require.NoError(t, err)
	assert.True(t, white.HasGradient())
	assert.Empty(t, white.Unsupported())
}

func TestUnknownStrategy(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockMutator{name: "noise"})

	_, err := NewSet(reg, []string{"noise", "deepfool"}, blackBox{}, unit, 4)
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	set, err := NewSet(reg, []string{"noise"}, blackBox{}, unit, 4)
	require.NoError(t, err)
	_, _, err = set.Mutate(context.Background(), seedView(), "deepfool", 1, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestRecordHistory(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockMutator{name: "noise"})
	set, err := NewSet(reg, nil, blackBox{}, unit, 4)
	require.NoError(t, err)

	set.Record("noise", true, false)
	set.Record("noise", true, true)
	set.Record("noise", false, false)

	h := set.History()["noise"]
	assert.Equal(t, 2, h.Gains)
	assert.Equal(t, 1, h.Violations)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]float64{0, 1}, 2, unit))
	assert.ErrorIs(t, Validate([]float64{0, 1.5}, 2, unit), ErrInvalidCandidate)
	assert.ErrorIs(t, Validate([]float64{math.Inf(1), 0}, 2, unit), ErrInvalidCandidate)
	assert.ErrorIs(t, Validate([]float64{0}, 2, unit), ErrInvalidCandidate)
}
