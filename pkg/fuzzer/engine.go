// Package fuzzer 覆盖引导的模型鲁棒性模糊测试调度器
//
// 每轮迭代：选择种子 → 变异 → 推理 → 覆盖打分 → 违规判定 → 入池/丢弃 → 检查预算。
// 调度逻辑单线程执行，仅同一批候选的推理并发进行；覆盖合并按候选提交顺序串行完成。
package fuzzer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"math/rand"
	"strings"
	"time"

	"robustfuzz/pkg/corpus"
	"robustfuzz/pkg/coverage"
	"robustfuzz/pkg/model"
	"robustfuzz/pkg/mutation"
	"robustfuzz/pkg/mutation/strategies"
	"robustfuzz/pkg/mutation/symbolic"
	"robustfuzz/pkg/oracle"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// progressInterval verbose 模式下进度日志的迭代间隔
const progressInterval = 100

// SeedInput 用户提供的初始种子
type SeedInput struct {
	Input []float64 `yaml:"input" json:"input"`
	Label *int      `yaml:"label,omitempty" json:"label,omitempty"` // 为空时使用模型对该输入的预测
}

// Engine 模糊测试引擎
// 配置在 NewEngine 中一次性校验；每次 Run 使用独立的种子池、覆盖累加器与随机源
type Engine struct {
	config   *Config
	model    model.Model
	baseline *coverage.Baseline
	metric   coverage.MetricKind
	policy   corpus.Policy
	dropped  []string
	sinks    []Sink
}

// NewEngine 校验配置并创建引擎，所有配置期错误在任何迭代之前返回
func NewEngine(config *Config, m model.Model, baseline *coverage.Baseline) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.MergeWithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}

	kind, _ := coverage.ParseMetricKind(config.CoverageMetric)
	policy, _ := corpus.ParsePolicy(config.SelectionPolicy)
	if _, err := coverage.NewMetric(kind, baseline, config.KBuckets); err != nil {
		return nil, err
	}

	e := &Engine{
		config:   config,
		model:    m,
		baseline: baseline,
		metric:   kind,
		policy:   policy,
	}

	set, solver, err := e.newSet(m)
	if err != nil {
		return nil, err
	}
	defer solver.Close()

	if unsupported := set.Unsupported(); len(unsupported) > 0 {
		if !config.AllowBlackBoxFallback {
			return nil, fmt.Errorf("%w: %s (model has no gradient access; enable allow_black_box_fallback to run black-box strategies only)",
				mutation.ErrUnsupportedStrategy, strings.Join(unsupported, ", "))
		}
		e.dropped = set.DropUnsupported()
		log.Printf("[Fuzzer] Model has no gradient access, dropped gradient strategies: %s", strings.Join(e.dropped, ", "))
		if len(set.Active()) == 0 {
			return nil, fmt.Errorf("%w: no black-box strategy left after fallback", ErrInvalidConfig)
		}
	}
	return e, nil
}

// Config 引擎配置
func (e *Engine) Config() *Config { return e.config }

// Dropped 因黑盒回退被移除的策略
func (e *Engine) Dropped() []string { return e.dropped }

// newSet 构造本次运行的策略注册表与启用集合
func (e *Engine) newSet(m model.Model) (*mutation.Set, *symbolic.Solver, error) {
	solverCfg := *e.config.Solver
	solver := symbolic.NewSolver(&solverCfg)

	reg := mutation.NewRegistry()
	strategies.RegisterAll(reg, e.config.Attack, solver)

	set, err := mutation.NewSet(reg, e.config.Strategies, m, e.config.InputBounds, e.config.MaxCandidatesPerMutation)
	if err != nil {
		solver.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if len(e.dropped) > 0 {
		set.DropUnsupported()
	}
	return set, solver, nil
}

// Run 执行一次完整运行
// 运行期致命错误（形状不符、连续推理失败）同时返回摘要与错误
func (e *Engine) Run(ctx context.Context, seeds []SeedInput) (*Report, error) {
	return e.run(ctx, seeds, nil)
}

// Violations 返回惰性的违规序列
// 每次遍历都以相同配置重新运行；遍历方提前退出时运行随之停止；运行出错时最后产出 (nil, err)
func (e *Engine) Violations(ctx context.Context, seeds []SeedInput) iter.Seq2[*oracle.Violation, error] {
	return func(yield func(*oracle.Violation, error) bool) {
		stopped := false
		_, err := e.run(ctx, seeds, func(v *oracle.Violation) bool {
			if !yield(v, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

func (e *Engine) run(ctx context.Context, seeds []SeedInput, emit func(*oracle.Violation) bool) (*Report, error) {
	r, err := e.newRun(emit)
	if err != nil {
		return nil, err
	}
	defer r.solver.Close()

	if err := r.admitSeeds(ctx, seeds); err != nil {
		return nil, err
	}

	log.Printf("[Fuzzer] Run %s started: %d seeds, metric=%s, policy=%s, strategies=%s",
		r.id, r.pool.Size(), e.metric, e.policy, strings.Join(activeNames(r.set), ","))
	e.beginRun(ctx, r.id)

	term, cancelled, runErr := r.loop(ctx)
	report := r.report(term, cancelled, runErr)

	log.Printf("[Fuzzer] Run %s finished: %s after %d iterations, coverage %.2f%%, %d violations, corpus %d",
		r.id, term, report.Iterations, report.CoverageFraction*100, len(report.Violations), report.CorpusSize)
	if runErr != nil {
		log.Printf("[Fuzzer] Run %s aborted: %v", r.id, runErr)
	}

	e.endRun(ctx, report)
	return report, runErr
}

// ==================== 单次运行状态 ====================

// run 一次运行独占的可变状态
type run struct {
	e      *Engine
	config *Config
	id     string
	rng    *rand.Rand

	model  model.Model
	cache  *cachedModel
	acc    *coverage.Accumulator
	pool   *corpus.Corpus
	set    *mutation.Set
	solver *symbolic.Solver
	oracle *oracle.Oracle
	emit   func(*oracle.Violation) bool

	start    time.Time
	deadline time.Time

	iteration           int
	stagnation          int
	consecutiveFailures int
	evaluated           int
	misclassified       int
	stopped             bool

	errors     map[ErrorKind]int
	violations []*oracle.Violation
}

func (e *Engine) newRun(emit func(*oracle.Violation) bool) (*run, error) {
	cfg := e.config

	cached, stats, err := newCachedModel(e.model, cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: cache: %v", ErrInvalidConfig, err)
	}
	metric, err := coverage.NewMetric(e.metric, e.baseline, cfg.KBuckets)
	if err != nil {
		return nil, err
	}
	judge, err := oracle.New(cfg.Oracle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	set, solver, err := e.newSet(cached)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.RandomSeed))
	r := &run{
		e:      e,
		config: cfg,
		id:     uuid.New().String(),
		rng:    rng,
		model:  cached,
		cache:  stats,
		acc:    coverage.NewAccumulator(metric),
		pool: corpus.New(corpus.Config{
			Policy:          e.policy,
			MaxDepth:        cfg.MaxMutationDepth,
			ExhaustionLimit: cfg.ExhaustionLimit,
		}, rng),
		set:    set,
		solver: solver,
		oracle: judge,
		emit:   emit,
		start:  time.Now(),
		errors: make(map[ErrorKind]int),
	}
	if cfg.RunBudget.MaxDuration > 0 {
		r.deadline = r.start.Add(cfg.RunBudget.MaxDuration)
	}
	return r, nil
}

// admitSeeds 推理初始种子并合并其覆盖；任何失败都是配置期错误
func (r *run) admitSeeds(ctx context.Context, seeds []SeedInput) error {
	if len(seeds) == 0 {
		return ErrEmptyCorpus
	}

	size := len(seeds[0].Input)
	for i, s := range seeds {
		if size == 0 {
			return fmt.Errorf("%w: seed %d is empty", ErrInvalidConfig, i)
		}
		if err := mutation.Validate(s.Input, size, r.config.InputBounds); err != nil {
			return fmt.Errorf("%w: seed %d: %v", ErrInvalidConfig, i, err)
		}

		input := model.Clone(s.Input)
		inf, err := r.model.Infer(ctx, input)
		if err != nil {
			return fmt.Errorf("%w: seed %d: %v", ErrInferenceFailure, i, err)
		}

		var sig coverage.Signature
		if len(inf.Activations) > 0 {
			sig, err = r.acc.Metric().Signature(inf.Activations)
			if err != nil {
				return fmt.Errorf("seed %d: %w", i, err)
			}
			r.acc.Merge(sig)
		}

		label := inf.Prediction.Label
		if s.Label != nil {
			label = *s.Label
		}
		if _, err := r.pool.Add(&corpus.Seed{
			Input:      input,
			Label:      label,
			Prediction: inf.Prediction,
			ParentID:   corpus.NoParent,
			Signature:  sig,
		}); err != nil {
			return err
		}
	}
	return nil
}

// loop 主循环，返回终止原因、是否被取消以及致命错误
func (r *run) loop(ctx context.Context) (Termination, bool, error) {
	for {
		if term, cancelled, done := r.checkBudget(ctx); done {
			return term, cancelled, nil
		}

		seed, err := r.pool.Select()
		if errors.Is(err, corpus.ErrNoSelectableSeed) {
			log.Printf("[Fuzzer] No selectable seed left (all seeds at depth cap %d)", r.config.MaxMutationDepth)
			return StagnationStop, false, nil
		}
		if err != nil {
			return ErrorAbort, false, err
		}

		r.iteration++
		gained, err := r.step(ctx, seed)
		if err != nil {
			return ErrorAbort, false, err
		}
		if gained {
			r.stagnation = 0
		} else {
			r.stagnation++
		}

		if r.config.Verbose && r.iteration%progressInterval == 0 {
			log.Printf("[Fuzzer] Iteration %d: corpus=%d coverage=%.2f%% violations=%d",
				r.iteration, r.pool.Size(), r.acc.Fraction()*100, len(r.violations))
		}

		// 批推理之后再次检查取消与截止时间
		if r.stopped {
			return BudgetExhausted, true, nil
		}
		if ctx.Err() != nil {
			return BudgetExhausted, true, nil
		}
		if r.pastDeadline() {
			return BudgetExhausted, false, nil
		}
	}
}

// checkBudget 迭代开始时检查预算
func (r *run) checkBudget(ctx context.Context) (Termination, bool, bool) {
	switch {
	case ctx.Err() != nil:
		return BudgetExhausted, true, true
	case r.config.RunBudget.MaxIterations > 0 && r.iteration >= r.config.RunBudget.MaxIterations:
		return BudgetExhausted, false, true
	case r.pastDeadline():
		return BudgetExhausted, false, true
	case r.config.RunBudget.StagnationIterations > 0 && r.stagnation >= r.config.RunBudget.StagnationIterations:
		log.Printf("[Fuzzer] No coverage gain in %d consecutive iterations, stopping", r.stagnation)
		return StagnationStop, false, true
	}
	return "", false, false
}

func (r *run) pastDeadline() bool {
	return !r.deadline.IsZero() && !time.Now().Before(r.deadline)
}

// step 对选中种子执行一轮变异与评估，返回本轮是否带来覆盖增益
func (r *run) step(ctx context.Context, seed *corpus.Seed) (bool, error) {
	active := r.set.Active()
	mut := active[r.pool.NextStrategy(seed.ID, len(active))]

	candidates, invalid, err := r.set.Mutate(ctx, seed.View(), mut.Name(), r.config.BatchSize, r.rng)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		kind := classify(err)
		r.errors[kind]++
		if kind == KindUnsupportedStrategy {
			return false, err
		}
		log.Printf("[Fuzzer] Warning: strategy %s failed on seed #%d: %v", mut.Name(), seed.ID, err)
		r.pool.RecordOutcome(seed.ID, false, r.iteration)
		return false, nil
	}

	for i := 0; i < invalid; i++ {
		r.errors[KindInvalidCandidate]++
		r.pool.RecordOutcome(seed.ID, false, r.iteration)
	}
	if len(candidates) == 0 {
		return false, nil
	}

	root, ok := r.pool.Get(seed.RootID)
	if !ok {
		return false, fmt.Errorf("%w: seed #%d has unknown root #%d", corpus.ErrInvalidProvenance, seed.ID, seed.RootID)
	}

	results := r.infer(ctx, candidates)

	gained := false
	for i, res := range results {
		if res.fatal != nil {
			r.errors[classify(res.fatal)]++
			return gained, res.fatal
		}
		if res.err != nil {
			r.errors[KindInferenceFailure]++
			r.consecutiveFailures++
			r.pool.RecordOutcome(seed.ID, false, r.iteration)
			if r.config.Verbose {
				log.Printf("[Fuzzer] Inference failed for candidate %d of seed #%d: %v", i, seed.ID, res.err)
			}
			if r.consecutiveFailures > r.config.MaxConsecutiveFailures {
				return gained, fmt.Errorf("%w: %d consecutive failures, last: %v",
					ErrInferenceFailure, r.consecutiveFailures, res.err)
			}
			continue
		}
		r.consecutiveFailures = 0

		gain, err := r.admit(ctx, seed, root, candidates[i], res)
		if err != nil {
			return gained, err
		}
		gained = gained || gain
	}
	return gained, nil
}

// result 单个候选的推理与打分结果
type result struct {
	inference *model.Inference
	signature coverage.Signature // 完整签名
	delta     coverage.Signature // 相对批开始快照的增量
	err       error              // 推理失败，可恢复
	fatal     error              // 激活形状不符，终止运行
}

// infer 并发推理一批候选，每个 worker 基于批开始时的只读快照计算增量
func (r *run) infer(ctx context.Context, candidates []mutation.Candidate) []result {
	snapshot := r.acc.Snapshot()
	metric := r.acc.Metric()
	results := make([]result, len(candidates))

	// 已发出的推理在取消后仍允许完成
	inferCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(r.config.Workers)
	for i := range candidates {
		g.Go(func() error {
			res := &results[i]
			inf, err := r.model.Infer(inferCtx, candidates[i].Input)
			if err != nil {
				res.err = err
				return nil
			}
			if inf == nil {
				res.err = errors.New("model returned no inference")
				return nil
			}
			res.inference = inf
			if len(inf.Activations) == 0 {
				return nil
			}
			if res.signature, res.fatal = metric.Signature(inf.Activations); res.fatal != nil {
				return nil
			}
			res.delta, _, res.fatal = snapshot.Score(inf.Activations)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// admit 按提交顺序合并覆盖、判定违规并决定是否入池
// 扰动与原始预测都相对根种子计算
func (r *run) admit(ctx context.Context, seed, root *corpus.Seed, c mutation.Candidate, res result) (bool, error) {
	pred := res.inference.Prediction
	r.evaluated++
	if pred.Label != root.Prediction.Label {
		r.misclassified++
	}

	fresh := r.acc.MergeCount(res.delta)
	gain := fresh > 0

	v, err := r.oracle.Judge(root.Input, c.Input, root.Prediction, pred)
	if err != nil {
		return gain, err
	}
	r.set.Record(c.Strategy, gain, v != nil)

	if !gain && v == nil {
		r.pool.RecordOutcome(seed.ID, false, r.iteration)
		return false, nil
	}

	r.pool.RecordOutcome(seed.ID, true, r.iteration)
	child, err := r.pool.Add(&corpus.Seed{
		Input:      c.Input,
		Label:      seed.Label,
		Prediction: pred,
		Depth:      c.Depth,
		ParentID:   c.ParentID,
		Signature:  res.signature,
		Strategy:   c.Strategy,
		AdmittedAt: r.iteration,
		Violation:  v != nil,
	})
	if err != nil {
		return gain, err
	}
	if r.config.Verbose {
		log.Printf("[Fuzzer] Admitted seed #%d (%s) from #%d via %s: +%d slots, coverage %.2f%%",
			child.ID, child.ShortID(), seed.ID, c.Strategy, fresh, r.acc.Fraction()*100)
	}

	if v != nil {
		r.record(ctx, v, child, fresh)
	}
	return gain, nil
}

// record 补全违规记录的溯源信息并分发
func (r *run) record(ctx context.Context, v *oracle.Violation, child *corpus.Seed, fresh int) {
	v.ID = oracle.ViolationID(child.Hash, len(r.violations))
	v.Iteration = r.iteration
	v.SeedID = child.ID
	v.ParentID = child.ParentID
	v.RootID = child.RootID
	v.Depth = child.Depth
	v.Strategy = child.Strategy
	v.CoverageDelta = fresh
	r.violations = append(r.violations, v)

	log.Printf("[Fuzzer] Violation %s: seed #%d (root #%d, depth %d, %s) label %d -> %d (%.3f), %s=%.4f",
		v.ID[:8], v.SeedID, v.RootID, v.Depth, v.Strategy, v.OriginalLabel, v.PredictedLabel,
		v.PredictedConfidence, v.Metric, v.Distance)

	r.e.recordViolation(context.WithoutCancel(ctx), r.id, v)
	if r.emit != nil && !r.stopped && !r.emit(v) {
		r.stopped = true
	}
}

// report 汇总运行结果
func (r *run) report(term Termination, cancelled bool, runErr error) *Report {
	end := time.Now()
	report := &Report{
		RunID:            r.id,
		StartTime:        r.start,
		EndTime:          end,
		Duration:         end.Sub(r.start),
		Termination:      term,
		Cancelled:        cancelled,
		CoverageMetric:   string(r.e.metric),
		CoveredSlots:     r.acc.Covered(),
		TotalSlots:       r.acc.Metric().Slots(),
		CoverageFraction: r.acc.Fraction(),
		Iterations:       r.iteration,
		Evaluated:        r.evaluated,
		InferenceCalls:   r.cache.Calls(),
		CacheHits:        r.cache.Hits(),
		CorpusSize:       r.pool.Size(),
		Violations:       r.violations,
		Rejected:         r.oracle.Rejected(),
		Errors:           r.errors,
		Strategies:       r.set.History(),
		Dropped:          r.e.dropped,
		Evaluation:       evaluate(r.violations, r.evaluated, r.misclassified),
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}
	for _, s := range r.pool.Seeds() {
		if s.IsRoot() {
			report.RootSeeds++
		}
		if s.Exhausted() {
			report.Exhausted++
		}
		if s.Depth > report.MaxDepth {
			report.MaxDepth = s.Depth
		}
	}
	return report
}

func activeNames(set *mutation.Set) []string {
	active := set.Active()
	names := make([]string, len(active))
	for i, m := range active {
		names[i] = m.Name()
	}
	return names
}
