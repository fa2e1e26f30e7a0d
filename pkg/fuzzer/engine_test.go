package fuzzer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"robustfuzz/pkg/corpus"
	"robustfuzz/pkg/coverage"
	"robustfuzz/pkg/model"
	"robustfuzz/pkg/mutation"
	"robustfuzz/pkg/oracle"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel 由函数驱动的黑盒模型
type fakeModel struct {
	fn func(input []float64) (*model.Inference, error)
}

func (m *fakeModel) Infer(_ context.Context, input []float64) (*model.Inference, error) {
	return m.fn(input)
}

// constantModel 总是预测类别0、无激活
func constantModel() *fakeModel {
	return &fakeModel{fn: func([]float64) (*model.Inference, error) {
		return &model.Inference{Prediction: model.PredictionFromProbabilities([]float64{0.9, 0.1})}, nil
	}}
}

// boundaryMLP 隐藏层为恒等映射（ReLU 后激活即输入），x0 >= x1 时预测类别0
func boundaryMLP(t *testing.T) *model.MLP {
	t.Helper()
	m, err := model.NewMLP([]model.DenseLayer{
		{Weights: [][]float64{{1, 0}, {0, 1}}, Bias: []float64{0, 0}},
		{Weights: [][]float64{{1, -1}, {-1, 1}}, Bias: []float64{0, 0}},
	})
	require.NoError(t, err)
	return m
}

func unitBaseline(t *testing.T, neurons int) *coverage.Baseline {
	t.Helper()
	lo := make([]float64, neurons)
	hi := make([]float64, neurons)
	for i := range hi {
		hi[i] = 1
	}
	b, err := coverage.BuildBaseline([][]float64{lo, hi})
	require.NoError(t, err)
	return b
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Strategies = []string{"fgsm", "gaussian", "pso"}
	cfg.Oracle.Budget = oracle.Budget{Metric: oracle.Linf, Threshold: 0.15}
	cfg.RunBudget = RunBudget{MaxIterations: 30}
	cfg.Workers = 3
	cfg.RandomSeed = 7
	return cfg
}

func label(l int) *int { return &l }

func testSeeds() []SeedInput {
	return []SeedInput{
		{Input: []float64{0.55, 0.45}, Label: label(0)},
		{Input: []float64{0.3, 0.7}},
	}
}

// TestRunFindsViolations 边界附近的种子在预算内被翻转，违规记录满足预算与溯源约束
func TestRunFindsViolations(t *testing.T) {
	cfg := testConfig()
	e, err := NewEngine(cfg, boundaryMLP(t), unitBaseline(t, 2))
	require.NoError(t, err)

	report, err := e.Run(context.Background(), testSeeds())
	require.NoError(t, err)

	assert.Equal(t, BudgetExhausted, report.Termination)
	assert.False(t, report.Cancelled)
	assert.Equal(t, 30, report.Iterations)
	assert.Equal(t, 2, report.RootSeeds)
	require.NotEmpty(t, report.Violations)

	for _, v := range report.Violations {
		assert.LessOrEqual(t, v.Distance, cfg.Oracle.Budget.Threshold)
		assert.LessOrEqual(t, v.Distances.Linf, cfg.Oracle.Budget.Threshold)
		assert.NotEqual(t, v.OriginalLabel, v.PredictedLabel)
		assert.Greater(t, v.SeedID, v.ParentID)
		assert.GreaterOrEqual(t, v.Depth, 1)
		assert.LessOrEqual(t, v.Depth, cfg.MaxMutationDepth)
		assert.Contains(t, []int{0, 1}, v.RootID)
	}

	// 第一轮：种子0使用 fgsm，后两个步长翻转标签
	first := report.Violations[0]
	assert.Equal(t, 1, first.Iteration)
	assert.Equal(t, "fgsm", first.Strategy)
	assert.Equal(t, 0, first.ParentID)

	assert.Greater(t, report.CoverageFraction, 0.0)
	assert.LessOrEqual(t, report.CoverageFraction, 1.0)
	assert.Equal(t, report.CoveredSlots, int(report.CoverageFraction*float64(report.TotalSlots)+0.5))
	assert.Greater(t, report.Evaluation.MisclassificationRate, 0.0)
	assert.Greater(t, report.Evaluation.AvgLinf, 0.0)
	assert.Contains(t, report.Strategies, "fgsm")
	assert.Greater(t, report.Strategies["fgsm"].Violations, 0)
}

// TestDeterministicRuns 相同配置、种子与随机种子产生相同的违规序列与覆盖率
func TestDeterministicRuns(t *testing.T) {
	for _, policy := range []corpus.Policy{corpus.RoundRobin, corpus.Random, corpus.RecentGain} {
		t.Run(string(policy), func(t *testing.T) {
			cfg := testConfig()
			cfg.Strategies = []string{"fgsm", "gaussian", "salt_pepper", "pso", "genetic", "boundary"}
			cfg.SelectionPolicy = string(policy)
			e, err := NewEngine(cfg, boundaryMLP(t), unitBaseline(t, 2))
			require.NoError(t, err)

			a, err := e.Run(context.Background(), testSeeds())
			require.NoError(t, err)
			b, err := e.Run(context.Background(), testSeeds())
			require.NoError(t, err)

			if policy == corpus.RoundRobin {
				require.NotEmpty(t, a.Violations)
			}
			if diff := cmp.Diff(a.Violations, b.Violations); diff != "" {
				t.Errorf("violation sequences differ (-first +second):\n%s", diff)
			}
			assert.Equal(t, a.CoverageFraction, b.CoverageFraction)
			assert.Equal(t, a.CorpusSize, b.CorpusSize)
			assert.Equal(t, a.Strategies, b.Strategies)
			assert.NotEqual(t, a.RunID, b.RunID)
		})
	}
}

// TestViolationsSequence 惰性序列可重复遍历，且与 Run 的结果一致
func TestViolationsSequence(t *testing.T) {
	e, err := NewEngine(testConfig(), boundaryMLP(t), unitBaseline(t, 2))
	require.NoError(t, err)

	collect := func() []*oracle.Violation {
		var out []*oracle.Violation
		for v, err := range e.Violations(context.Background(), testSeeds()) {
			require.NoError(t, err)
			out = append(out, v)
		}
		return out
	}

	first := collect()
	second := collect()
	require.NotEmpty(t, first)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("restarted sequence differs (-first +second):\n%s", diff)
	}

	report, err := e.Run(context.Background(), testSeeds())
	require.NoError(t, err)
	if diff := cmp.Diff(first, report.Violations, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("sequence differs from run report (-seq +run):\n%s", diff)
	}
}

// TestViolationsEarlyStop 遍历方提前退出后不再产出
func TestViolationsEarlyStop(t *testing.T) {
	e, err := NewEngine(testConfig(), boundaryMLP(t), unitBaseline(t, 2))
	require.NoError(t, err)

	n := 0
	for v, err := range e.Violations(context.Background(), testSeeds()) {
		require.NoError(t, err)
		require.NotNil(t, v)
		n++
		break
	}
	assert.Equal(t, 1, n)
}

// TestStagnationStop 模型不暴露激活时覆盖永不增长，达到停滞阈值后停止
func TestStagnationStop(t *testing.T) {
	cfg := testConfig()
	cfg.Strategies = []string{"gaussian"}
	cfg.RunBudget = RunBudget{MaxIterations: 100, StagnationIterations: 3}

	e, err := NewEngine(cfg, constantModel(), unitBaseline(t, 1))
	require.NoError(t, err)

	report, err := e.Run(context.Background(), testSeeds())
	require.NoError(t, err)
	assert.Equal(t, StagnationStop, report.Termination)
	assert.Equal(t, 3, report.Iterations)
	assert.Empty(t, report.Violations)
	assert.Equal(t, 2, report.CorpusSize)
	assert.Equal(t, 0.0, report.CoverageFraction)
}

// TestDepthCap 每个候选都带来覆盖增益时，种子深度仍不超过上限
func TestDepthCap(t *testing.T) {
	// 每次推理命中一个新的桶（取桶中点避免浮点落在边界）
	var mu sync.Mutex
	n := 0
	m := &fakeModel{fn: func([]float64) (*model.Inference, error) {
		mu.Lock()
		defer mu.Unlock()
		act := (float64(n) + 0.5) / 1000
		n++
		return &model.Inference{
			Prediction:  model.PredictionFromProbabilities([]float64{0.9, 0.1}),
			Activations: []float64{act},
		}, nil
	}}

	cfg := testConfig()
	cfg.Strategies = []string{"gaussian"}
	cfg.KBuckets = 1000
	cfg.BatchSize = 1
	cfg.MaxMutationDepth = 2
	cfg.RunBudget = RunBudget{MaxIterations: 20}

	e, err := NewEngine(cfg, m, unitBaseline(t, 1))
	require.NoError(t, err)

	report, err := e.Run(context.Background(), []SeedInput{{Input: []float64{0.5, 0.5}}})
	require.NoError(t, err)
	assert.Equal(t, BudgetExhausted, report.Termination)
	assert.Equal(t, 2, report.MaxDepth)
	assert.Equal(t, 21, report.CorpusSize)
	assert.Equal(t, 21, report.CoveredSlots)
	assert.Equal(t, 20, report.Strategies["gaussian"].Gains)
}

// TestUnsupportedStrategy 黑盒模型请求梯度策略：未开启回退时配置期失败，开启后移除梯度策略
func TestUnsupportedStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.Strategies = []string{"fgsm", "gaussian"}
	cfg.AllowBlackBoxFallback = false

	_, err := NewEngine(cfg, constantModel(), unitBaseline(t, 1))
	assert.ErrorIs(t, err, mutation.ErrUnsupportedStrategy)

	cfg.AllowBlackBoxFallback = true
	e, err := NewEngine(cfg, constantModel(), unitBaseline(t, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"fgsm"}, e.Dropped())

	report, err := e.Run(context.Background(), testSeeds())
	require.NoError(t, err)
	assert.Equal(t, []string{"fgsm"}, report.Dropped)
	assert.NotContains(t, report.Strategies, "fgsm")

	cfg.Strategies = []string{"fgsm"}
	_, err = NewEngine(cfg, constantModel(), unitBaseline(t, 1))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// TestConfigTimeErrors 配置期错误在任何迭代之前返回
func TestConfigTimeErrors(t *testing.T) {
	_, err := NewEngine(testConfig(), boundaryMLP(t), nil)
	assert.ErrorIs(t, err, coverage.ErrMissingCoverageBaseline)

	cfg := testConfig()
	cfg.Strategies = []string{"nope"}
	_, err = NewEngine(cfg, boundaryMLP(t), unitBaseline(t, 2))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	e, err := NewEngine(testConfig(), boundaryMLP(t), unitBaseline(t, 2))
	require.NoError(t, err)

	_, err = e.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyCorpus)

	_, err = e.Run(context.Background(), []SeedInput{{Input: []float64{0.5, 2}}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = e.Run(context.Background(), []SeedInput{{Input: []float64{0.5, 0.5}}, {Input: []float64{0.5}}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	// 种子激活形状与基线不符
	_, err = e.Run(context.Background(), []SeedInput{{Input: []float64{0.5, 0.5, 0.5}}})
	assert.Error(t, err)
}

// TestShapeMismatchAborts 运行中激活形状不符立即终止
func TestShapeMismatchAborts(t *testing.T) {
	seed := []float64{0.5, 0.5}
	m := &fakeModel{fn: func(input []float64) (*model.Inference, error) {
		acts := []float64{0.5}
		if !cmp.Equal(input, seed) {
			acts = []float64{0.5, 0.5}
		}
		return &model.Inference{Prediction: model.PredictionFromProbabilities([]float64{0.9, 0.1}), Activations: acts}, nil
	}}

	cfg := testConfig()
	cfg.Strategies = []string{"gaussian"}
	e, err := NewEngine(cfg, m, unitBaseline(t, 1))
	require.NoError(t, err)

	report, err := e.Run(context.Background(), []SeedInput{{Input: seed}})
	require.ErrorIs(t, err, coverage.ErrShapeMismatch)
	require.NotNil(t, report)
	assert.Equal(t, ErrorAbort, report.Termination)
	assert.Equal(t, 1, report.Iterations)
	assert.Equal(t, 1, report.Errors[KindShapeMismatch])
	assert.NotEmpty(t, report.Error)
}

// TestInferenceFailures 单个推理失败被丢弃计数，连续失败超过阈值后终止
func TestInferenceFailures(t *testing.T) {
	seed := []float64{0.5, 0.5}
	errBoom := errors.New("boom")
	m := &fakeModel{fn: func(input []float64) (*model.Inference, error) {
		if !cmp.Equal(input, seed) {
			return nil, errBoom
		}
		return &model.Inference{Prediction: model.PredictionFromProbabilities([]float64{0.9, 0.1})}, nil
	}}

	cfg := testConfig()
	cfg.Strategies = []string{"gaussian"}
	cfg.MaxConsecutiveFailures = 2
	e, err := NewEngine(cfg, m, unitBaseline(t, 1))
	require.NoError(t, err)

	report, err := e.Run(context.Background(), []SeedInput{{Input: seed}})
	require.ErrorIs(t, err, ErrInferenceFailure)
	assert.Equal(t, ErrorAbort, report.Termination)
	assert.Equal(t, 3, report.Errors[KindInferenceFailure])

	// 阈值足够大时失败只计数
	cfg.MaxConsecutiveFailures = 1000
	cfg.RunBudget = RunBudget{MaxIterations: 3}
	e, err = NewEngine(cfg, m, unitBaseline(t, 1))
	require.NoError(t, err)

	report, err = e.Run(context.Background(), []SeedInput{{Input: seed}})
	require.NoError(t, err)
	assert.Equal(t, BudgetExhausted, report.Termination)
	assert.Equal(t, 3*cfg.BatchSize, report.Errors[KindInferenceFailure])
	assert.Equal(t, 1, report.CorpusSize)
}

// TestCancelled 外部取消以 BudgetExhausted 结束并标记 Cancelled
func TestCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.Strategies = []string{"gaussian", "pso"}
	e, err := NewEngine(cfg, constantModel(), unitBaseline(t, 1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := e.Run(ctx, testSeeds())
	require.NoError(t, err)
	assert.Equal(t, BudgetExhausted, report.Termination)
	assert.True(t, report.Cancelled)
	assert.Equal(t, 0, report.Iterations)
}

// TestCancelledMidBatch 批推理中途取消：已发出的候选仍完成评估，随后以 Cancelled 结束
func TestCancelledMidBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		calls int
	)
	m := &fakeModel{fn: func([]float64) (*model.Inference, error) {
		mu.Lock()
		calls++
		// 第1次调用是种子入池，第2次是批内第一个候选
		if calls == 2 {
			cancel()
		}
		mu.Unlock()
		return &model.Inference{Prediction: model.PredictionFromProbabilities([]float64{0.9, 0.1})}, nil
	}}

	cfg := testConfig()
	cfg.Strategies = []string{"gaussian"}
	cfg.Workers = 1
	e, err := NewEngine(cfg, m, unitBaseline(t, 1))
	require.NoError(t, err)

	report, err := e.Run(ctx, []SeedInput{{Input: []float64{0.5, 0.5}}})
	require.NoError(t, err)
	assert.Equal(t, BudgetExhausted, report.Termination)
	assert.True(t, report.Cancelled)
	assert.Equal(t, 1, report.Iterations)
	assert.Equal(t, cfg.BatchSize, report.Evaluated)
}

// TestInferenceCache 重复候选命中缓存，不再调用模型
func TestInferenceCache(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	inner := &fakeModel{fn: func([]float64) (*model.Inference, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return &model.Inference{}, nil
	}}

	m, stats, err := newCachedModel(inner, 8)
	require.NoError(t, err)
	_, isGrad := model.AsGradientModel(m)
	assert.False(t, isGrad)

	for i := 0; i < 3; i++ {
		_, err := m.Infer(context.Background(), []float64{0.1, 0.2})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, stats.Calls())
	assert.Equal(t, 2, stats.Hits())

	g, _, err := newCachedModel(boundaryMLP(t), 8)
	require.NoError(t, err)
	_, isGrad = model.AsGradientModel(g)
	assert.True(t, isGrad)
}

// recordingSink 记录收到的事件
type recordingSink struct {
	begun      []string
	violations []*oracle.Violation
	reports    []*Report
}

func (s *recordingSink) BeginRun(_ context.Context, runID string, _ *Config) error {
	s.begun = append(s.begun, runID)
	return nil
}

func (s *recordingSink) RecordViolation(_ context.Context, _ string, v *oracle.Violation) error {
	s.violations = append(s.violations, v)
	return nil
}

func (s *recordingSink) EndRun(_ context.Context, r *Report) error {
	s.reports = append(s.reports, r)
	return errors.New("sink errors are logged only")
}

// TestSink 违规按记录顺序分发给接收方
func TestSink(t *testing.T) {
	e, err := NewEngine(testConfig(), boundaryMLP(t), unitBaseline(t, 2))
	require.NoError(t, err)
	sink := &recordingSink{}
	e.AddSink(sink)

	report, err := e.Run(context.Background(), testSeeds())
	require.NoError(t, err)

	require.Len(t, sink.begun, 1)
	assert.Equal(t, report.RunID, sink.begun[0])
	assert.Equal(t, report.Violations, sink.violations)
	require.Len(t, sink.reports, 1)
	assert.Same(t, report, sink.reports[0])
}
