package fuzzer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"robustfuzz/pkg/coverage"
	"robustfuzz/pkg/oracle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
coverage_metric: NB
selection_policy: recent-gain
max_mutation_depth: 3
strategies: [gaussian, pso]
perturbation_budget: {metric: L2, threshold: 0.5}
violation_mode: confidence-drop
confidence_threshold: 0.4
run_budget: {max_iterations: 50, max_duration: 90s, stagnation_iterations: 10}
allow_black_box_fallback: true
random_seed: 42
input_bounds: {min: -1, max: 1}
attack:
  eps: 0.2
solver:
  strategy: hybrid
`

// TestLoadConfig YAML 配置加载并填充默认值
func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "NB", cfg.CoverageMetric)
	assert.Equal(t, "recent-gain", cfg.SelectionPolicy)
	assert.Equal(t, 3, cfg.MaxMutationDepth)
	assert.Equal(t, []string{"gaussian", "pso"}, cfg.Strategies)
	assert.Equal(t, oracle.Budget{Metric: oracle.L2, Threshold: 0.5}, cfg.Oracle.Budget)
	assert.Equal(t, oracle.ConfidenceDrop, cfg.Oracle.Mode)
	assert.Equal(t, 0.4, cfg.Oracle.ConfidenceThreshold)
	assert.Equal(t, RunBudget{MaxIterations: 50, MaxDuration: 90 * time.Second, StagnationIterations: 10}, cfg.RunBudget)
	assert.True(t, cfg.AllowBlackBoxFallback)
	assert.Equal(t, int64(42), cfg.RandomSeed)
	assert.Equal(t, -1.0, cfg.InputBounds.Min)

	// 未设置的字段取默认值
	def := DefaultConfig()
	assert.Equal(t, def.KBuckets, cfg.KBuckets)
	assert.Equal(t, def.BatchSize, cfg.BatchSize)
	assert.Equal(t, def.Workers, cfg.Workers)
	assert.Equal(t, 0.2, cfg.Attack.Eps)
	assert.Equal(t, def.Attack.NbIter, cfg.Attack.NbIter)
	assert.Equal(t, "hybrid", cfg.Solver.Strategy)
	assert.Equal(t, def.Solver.Levels, cfg.Solver.Levels)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// TestValidateConfig 非法配置均包装 ErrInvalidConfig
func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown metric", func(c *Config) { c.CoverageMetric = "MCDC" }},
		{"unknown policy", func(c *Config) { c.SelectionPolicy = "fifo" }},
		{"no budget", func(c *Config) { c.RunBudget = RunBudget{} }},
		{"negative stagnation", func(c *Config) { c.RunBudget.StagnationIterations = -1 }},
		{"inverted bounds", func(c *Config) { c.InputBounds.Min, c.InputBounds.Max = 1, 0 }},
		{"unknown distance", func(c *Config) { c.Oracle.Budget.Metric = "L3" }},
		{"unknown mode", func(c *Config) { c.Oracle.Mode = "flip" }},
		{"eps too large", func(c *Config) { c.Attack.Eps = 2 }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			require.NoError(t, cfg.Validate())
			tt.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

// TestMergeWithDefaults 只填充零值
func TestMergeWithDefaults(t *testing.T) {
	cfg := &Config{BatchSize: 2, RunBudget: RunBudget{MaxDuration: time.Minute}}
	cfg.MergeWithDefaults()

	assert.Equal(t, 2, cfg.BatchSize)
	assert.Equal(t, "KMN", cfg.CoverageMetric)
	// 设置了时长上限时不再补默认迭代上限
	assert.Equal(t, 0, cfg.RunBudget.MaxIterations)
	assert.Equal(t, oracle.LabelFlip, cfg.Oracle.Mode)
	assert.NotNil(t, cfg.Attack)
	assert.NotNil(t, cfg.Solver)
	assert.False(t, cfg.AllowBlackBoxFallback)
	assert.NoError(t, cfg.Validate())
}

// TestLoadSeeds 种子文件可省略标签
func TestLoadSeeds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seeds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
seeds:
  - input: [0.55, 0.45]
    label: 0
  - input: [0.3, 0.7]
`), 0644))

	seeds, err := LoadSeeds(path)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, []float64{0.55, 0.45}, seeds[0].Input)
	require.NotNil(t, seeds[0].Label)
	assert.Equal(t, 0, *seeds[0].Label)
	assert.Nil(t, seeds[1].Label)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("seeds: []\n"), 0644))
	_, err = LoadSeeds(empty)
	assert.ErrorIs(t, err, ErrEmptyCorpus)
}

// TestReferenceBaseline 基线取参考集激活的逐神经元最小/最大值
func TestReferenceBaseline(t *testing.T) {
	b, err := ReferenceBaseline(context.Background(), boundaryMLP(t), []SeedInput{
		{Input: []float64{0.2, 0.9}},
		{Input: []float64{0.6, 0.1}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, b.Neurons())
	assert.InDelta(t, 0.2, b.Ranges[0].Low, 1e-12)
	assert.InDelta(t, 0.6, b.Ranges[0].High, 1e-12)
	assert.InDelta(t, 0.1, b.Ranges[1].Low, 1e-12)
	assert.InDelta(t, 0.9, b.Ranges[1].High, 1e-12)

	_, err = ReferenceBaseline(context.Background(), constantModel(), []SeedInput{{Input: []float64{0.5}}})
	assert.ErrorIs(t, err, coverage.ErrMissingCoverageBaseline)
}
