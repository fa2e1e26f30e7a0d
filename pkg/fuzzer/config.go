package fuzzer

import (
	"fmt"
	"os"
	"time"

	"robustfuzz/pkg/corpus"
	"robustfuzz/pkg/coverage"
	"robustfuzz/pkg/mutation"
	"robustfuzz/pkg/mutation/strategies"
	"robustfuzz/pkg/mutation/symbolic"
	"robustfuzz/pkg/oracle"

	"gopkg.in/yaml.v2"
)

// RunBudget 运行预算，至少设置迭代上限或时长上限之一
type RunBudget struct {
	MaxIterations        int           `yaml:"max_iterations" json:"max_iterations"`               // 迭代次数上限
	MaxDuration          time.Duration `yaml:"max_duration" json:"max_duration"`                   // 墙钟时长上限
	StagnationIterations int           `yaml:"stagnation_iterations" json:"stagnation_iterations"` // 连续无覆盖增益的迭代数上限，0 表示不启用
}

// Config 模糊测试配置
type Config struct {
	// 覆盖度量
	CoverageMetric string `yaml:"coverage_metric" json:"coverage_metric"` // KMN | NB | SNA
	KBuckets       int    `yaml:"k_buckets" json:"k_buckets"`             // 仅 KMN 使用

	// 种子池
	SelectionPolicy  string `yaml:"selection_policy" json:"selection_policy"`
	MaxMutationDepth int    `yaml:"max_mutation_depth" json:"max_mutation_depth"`
	ExhaustionLimit  int    `yaml:"exhaustion_limit" json:"exhaustion_limit"`

	// 变异
	MaxCandidatesPerMutation int                `yaml:"max_candidates_per_mutation" json:"max_candidates_per_mutation"`
	BatchSize                int                `yaml:"batch_size" json:"batch_size"`
	Strategies               []string           `yaml:"strategies" json:"strategies"` // 为空时启用全部内置策略
	AllowBlackBoxFallback    bool               `yaml:"allow_black_box_fallback" json:"allow_black_box_fallback"`
	InputBounds              mutation.Bounds    `yaml:"input_bounds" json:"input_bounds"`
	Attack                   *strategies.Params `yaml:"attack" json:"attack"`
	Solver                   *symbolic.Config   `yaml:"solver" json:"solver"`

	// 违规判定
	Oracle oracle.Config `yaml:",inline" json:"oracle"`

	// 运行控制
	RunBudget              RunBudget `yaml:"run_budget" json:"run_budget"`
	MaxConsecutiveFailures int       `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
	Workers                int       `yaml:"workers" json:"workers"`
	CacheSize              int       `yaml:"cache_size" json:"cache_size"`
	RandomSeed             int64     `yaml:"random_seed" json:"random_seed"`
	Verbose                bool      `yaml:"verbose" json:"verbose"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		CoverageMetric:           string(coverage.KMultisection),
		KBuckets:                 10,
		SelectionPolicy:          string(corpus.RoundRobin),
		MaxMutationDepth:         5,
		ExhaustionLimit:          16,
		MaxCandidatesPerMutation: 8,
		BatchSize:                4,
		InputBounds:              mutation.Bounds{Min: 0, Max: 1},
		Attack:                   strategies.DefaultParams(),
		Solver:                   symbolic.DefaultConfig(),
		Oracle: oracle.Config{
			Mode:                oracle.LabelFlip,
			Budget:              oracle.Budget{Metric: oracle.Linf, Threshold: 0.1},
			ConfidenceThreshold: 0.5,
		},
		RunBudget: RunBudget{
			MaxIterations:        1000,
			StagnationIterations: 200,
		},
		MaxConsecutiveFailures: 10,
		Workers:                4,
		CacheSize:              4096,
		RandomSeed:             1,
	}
}

// MergeWithDefaults 用默认值填充未设置的字段
// 布尔开关与 random_seed 不做填充，零值即用户意图
func (c *Config) MergeWithDefaults() {
	def := DefaultConfig()

	if c.CoverageMetric == "" {
		c.CoverageMetric = def.CoverageMetric
	}
	if c.KBuckets <= 0 {
		c.KBuckets = def.KBuckets
	}
	if c.SelectionPolicy == "" {
		c.SelectionPolicy = def.SelectionPolicy
	}
	if c.MaxMutationDepth <= 0 {
		c.MaxMutationDepth = def.MaxMutationDepth
	}
	if c.ExhaustionLimit <= 0 {
		c.ExhaustionLimit = def.ExhaustionLimit
	}
	if c.MaxCandidatesPerMutation <= 0 {
		c.MaxCandidatesPerMutation = def.MaxCandidatesPerMutation
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.InputBounds == (mutation.Bounds{}) {
		c.InputBounds = def.InputBounds
	}
	if c.Attack == nil {
		c.Attack = def.Attack
	} else {
		c.Attack.MergeWithDefaults()
	}
	if c.Solver == nil {
		c.Solver = def.Solver
	} else {
		c.Solver.MergeWithDefaults()
	}

	if c.Oracle.Mode == "" {
		c.Oracle.Mode = def.Oracle.Mode
	}
	if c.Oracle.Budget.Metric == "" {
		c.Oracle.Budget.Metric = def.Oracle.Budget.Metric
	}
	if c.Oracle.Budget.Threshold <= 0 {
		c.Oracle.Budget.Threshold = def.Oracle.Budget.Threshold
	}
	if c.Oracle.ConfidenceThreshold <= 0 {
		c.Oracle.ConfidenceThreshold = def.Oracle.ConfidenceThreshold
	}

	if c.RunBudget.MaxIterations <= 0 && c.RunBudget.MaxDuration <= 0 {
		c.RunBudget.MaxIterations = def.RunBudget.MaxIterations
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.CacheSize <= 0 {
		c.CacheSize = def.CacheSize
	}
}

// Validate 校验配置，错误均包装 ErrInvalidConfig
func (c *Config) Validate() error {
	if _, err := coverage.ParseMetricKind(c.CoverageMetric); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.KBuckets <= 0 {
		return fmt.Errorf("%w: k_buckets must be positive, got %d", ErrInvalidConfig, c.KBuckets)
	}
	if _, err := corpus.ParsePolicy(c.SelectionPolicy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.MaxMutationDepth <= 0 {
		return fmt.Errorf("%w: max_mutation_depth must be positive, got %d", ErrInvalidConfig, c.MaxMutationDepth)
	}
	if c.MaxCandidatesPerMutation <= 0 || c.BatchSize <= 0 {
		return fmt.Errorf("%w: max_candidates_per_mutation (%d) and batch_size (%d) must be positive",
			ErrInvalidConfig, c.MaxCandidatesPerMutation, c.BatchSize)
	}
	if c.InputBounds.Width() <= 0 {
		return fmt.Errorf("%w: input_bounds min %v must be below max %v", ErrInvalidConfig, c.InputBounds.Min, c.InputBounds.Max)
	}
	if c.RunBudget.MaxIterations <= 0 && c.RunBudget.MaxDuration <= 0 {
		return fmt.Errorf("%w: run_budget needs max_iterations or max_duration", ErrInvalidConfig)
	}
	if c.RunBudget.StagnationIterations < 0 || c.RunBudget.MaxIterations < 0 || c.RunBudget.MaxDuration < 0 {
		return fmt.Errorf("%w: run_budget values must not be negative", ErrInvalidConfig)
	}
	if c.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("%w: max_consecutive_failures must be positive", ErrInvalidConfig)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	}
	if _, err := oracle.New(c.Oracle); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Attack != nil {
		if err := c.Attack.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if c.Solver != nil {
		if err := c.Solver.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// LoadConfig 从 YAML 文件加载配置并填充默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.MergeWithDefaults()
	return &cfg, nil
}

// SeedFile 种子文件格式，参考数据集使用相同格式
type SeedFile struct {
	Seeds []SeedInput `yaml:"seeds" json:"seeds"`
}

// LoadSeeds 从 YAML 文件加载种子
func LoadSeeds(path string) ([]SeedInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seeds: %w", err)
	}

	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse seeds: %w", err)
	}
	if len(file.Seeds) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyCorpus)
	}
	return file.Seeds, nil
}
