package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"robustfuzz/pkg/coverage"
	"robustfuzz/pkg/fuzzer"
	"robustfuzz/pkg/model"
	"robustfuzz/pkg/mutation"
	"robustfuzz/pkg/oracle"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fuzz.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func sampleViolation(id string, seed int) *oracle.Violation {
	return &oracle.Violation{
		ID:                  id,
		Iteration:           seed,
		SeedID:              seed,
		ParentID:            0,
		RootID:              0,
		Depth:               1,
		Strategy:            "fgsm",
		Kind:                oracle.LabelFlip,
		Input:               []float64{0.45, 0.55},
		OriginalLabel:       0,
		OriginalConfidence:  0.52,
		PredictedLabel:      1,
		PredictedConfidence: 0.55,
		TrueLabelConfidence: 0.45,
		Metric:              oracle.Linf,
		Distance:            0.1,
		Distances:           oracle.Distances{L0: 2, L2: 0.1414, Linf: 0.1},
		CoverageDelta:       1,
	}
}

// TestOpenMigrates 打开时执行全部迁移，重复打开不报错
func TestOpenMigrates(t *testing.T) {
	s, path := openTemp(t)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
	require.NoError(t, s.Close())

	again, err := Open(path)
	require.NoError(t, err)
	defer again.Close()
	version, _, err = again.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

// TestRunRoundTrip 运行、违规与策略统计写入后可原样读回
func TestRunRoundTrip(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()

	// 运行不存在时外键约束拒绝写入
	assert.Error(t, s.RecordViolation(ctx, "missing", sampleViolation("v0", 1)))

	cfg := fuzzer.DefaultConfig()
	require.NoError(t, s.BeginRun(ctx, "run-1", cfg))

	want := []*oracle.Violation{sampleViolation("v1", 2), sampleViolation("v2", 3)}
	for _, v := range want {
		require.NoError(t, s.RecordViolation(ctx, "run-1", v))
	}

	report := &fuzzer.Report{
		RunID:            "run-1",
		EndTime:          time.Now(),
		Termination:      fuzzer.StagnationStop,
		Iterations:       12,
		CoverageFraction: 0.35,
		CorpusSize:       5,
		Violations:       want,
		Strategies: map[string]mutation.History{
			"fgsm":     {Calls: 6, Candidates: 24, Gains: 3, Violations: 2},
			"gaussian": {Calls: 6, Candidates: 24, Invalid: 1},
		},
	}
	require.NoError(t, s.EndRun(ctx, report))

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	r := runs[0]
	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, fuzzer.StagnationStop, r.Termination)
	assert.Equal(t, 12, r.Iterations)
	assert.Equal(t, 2, r.ViolationCount)
	assert.Equal(t, "KMN", r.CoverageMetric)
	assert.InDelta(t, 0.35, r.CoverageFraction, 1e-12)
	require.NotNil(t, r.FinishedAt)

	got, err := s.Violations(ctx, "run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stored violations differ (-want +got):\n%s", diff)
	}

	stats, err := s.StrategyStats(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, report.Strategies, stats)
}

// TestEngineSink 作为引擎的违规接收方，落盘内容与运行摘要一致
func TestEngineSink(t *testing.T) {
	s, _ := openTemp(t)

	m, err := model.NewMLP([]model.DenseLayer{
		{Weights: [][]float64{{1, 0}, {0, 1}}, Bias: []float64{0, 0}},
		{Weights: [][]float64{{1, -1}, {-1, 1}}, Bias: []float64{0, 0}},
	})
	require.NoError(t, err)
	baseline, err := coverage.BuildBaseline([][]float64{{0, 0}, {1, 1}})
	require.NoError(t, err)

	cfg := fuzzer.DefaultConfig()
	cfg.Strategies = []string{"fgsm", "gaussian"}
	cfg.Oracle.Budget = oracle.Budget{Metric: oracle.Linf, Threshold: 0.15}
	cfg.RunBudget = fuzzer.RunBudget{MaxIterations: 10}

	e, err := fuzzer.NewEngine(cfg, m, baseline)
	require.NoError(t, err)
	e.AddSink(s)

	report, err := e.Run(context.Background(), []fuzzer.SeedInput{{Input: []float64{0.55, 0.45}}})
	require.NoError(t, err)
	require.NotEmpty(t, report.Violations)

	got, err := s.Violations(context.Background(), report.RunID)
	require.NoError(t, err)
	if diff := cmp.Diff(report.Violations, got); diff != "" {
		t.Errorf("stored violations differ from report (-report +stored):\n%s", diff)
	}

	runs, err := s.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.Iterations, runs[0].Iterations)
	assert.Equal(t, fuzzer.BudgetExhausted, runs[0].Termination)
}

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("some other error"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isSQLiteBusy(tt.err), "%v", tt.err)
	}
}

func TestRetryOnBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retryOnBusy(func() error {
		calls++
		return errors.New("constraint failed")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
