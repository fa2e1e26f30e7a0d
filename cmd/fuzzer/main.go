package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"robustfuzz/pkg/coverage"
	"robustfuzz/pkg/fuzzer"
	"robustfuzz/pkg/model"
	"robustfuzz/pkg/store"
)

// 命令行参数
var (
	modelPath     = flag.String("model", "", "MLP model file (required)")
	seedsPath     = flag.String("seeds", "", "Seed inputs file (required)")
	configPath    = flag.String("config", "./config/fuzzer.yaml", "Configuration file path")
	baselinePath  = flag.String("baseline", "", "Coverage baseline file (activation ranges)")
	referencePath = flag.String("reference", "", "Reference inputs used to build the coverage baseline")
	outputPath    = flag.String("output", "", "Output file path (default: ./fuzzing_reports/<timestamp>_<runid>.<format>)")
	format        = flag.String("format", "json", "Output format (json, text, csv)")
	dbPath        = flag.String("db", "", "SQLite database for persisting runs and violations")
	metric        = flag.String("metric", "", "Coverage metric: KMN, NB, SNA (overrides config)")
	strategyList  = flag.String("strategies", "", "Comma separated mutation strategies (overrides config)")
	workers       = flag.Int("workers", 4, "Number of concurrent inference workers")
	randomSeed    = flag.Int64("seed", 1, "Random seed")
	iterations    = flag.Int("iterations", 0, "Maximum iterations (overrides config)")
	duration      = flag.Duration("duration", 0, "Maximum wall-clock duration (overrides config)")
	fallback      = flag.Bool("fallback", false, "Drop gradient strategies for black-box models instead of failing")
	verbose       = flag.Bool("verbose", false, "Enable verbose logging")
	dryRun        = flag.Bool("dry-run", false, "Dry run - only load inputs and display configuration")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	// 设置日志
	if *verbose {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else {
		log.SetFlags(log.LstdFlags)
	}

	// 验证必需参数
	if *modelPath == "" || *seedsPath == "" {
		fmt.Fprintf(os.Stderr, "Error: Missing required parameters\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// 加载配置
	config, err := fuzzer.LoadConfig(*configPath)
	if err != nil {
		log.Printf("Warning: Failed to load config file, using defaults: %v", err)
		config = fuzzer.DefaultConfig()
	}
	applyFlags(config)
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	printConfig(config)

	m, err := model.LoadMLP(*modelPath)
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}
	seeds, err := fuzzer.LoadSeeds(*seedsPath)
	if err != nil {
		log.Fatalf("Failed to load seeds: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	baseline, err := loadBaseline(ctx, m, seeds)
	if err != nil {
		log.Fatalf("Failed to build coverage baseline: %v", err)
	}

	// Dry run模式
	if *dryRun {
		performDryRun(config, seeds, baseline)
		return
	}

	log.Println("Creating fuzzer...")
	engine, err := fuzzer.NewEngine(config, m, baseline)
	if err != nil {
		log.Fatalf("Failed to create fuzzer: %v", err)
	}

	if *dbPath != "" {
		db, err := store.Open(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		engine.AddSink(db)
	}

	// 设置信号处理
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("\nReceived interrupt signal, stopping...")
		cancel()
	}()

	log.Printf("Starting fuzzing: %d seeds, %d neurons", len(seeds), baseline.Neurons())
	report, runErr := engine.Run(ctx, seeds)
	if report == nil {
		log.Fatalf("Fuzzing failed: %v", runErr)
	}

	printStatistics(report)

	outputFile := *outputPath
	if outputFile == "" {
		outputFile = generateOutputPath(report.RunID, *format)
	}
	if err := saveReport(report, outputFile, *format); err != nil {
		log.Fatalf("Failed to save report: %v", err)
	}
	log.Printf("Report saved to: %s", outputFile)

	if runErr != nil {
		log.Printf("Fuzzing aborted: %v", runErr)
		os.Exit(2)
	}
	log.Printf("Fuzzing completed in %v", report.Duration)
}

// applyFlags 命令行显式设置的参数覆盖配置
func applyFlags(config *fuzzer.Config) {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["metric"] {
		config.CoverageMetric = strings.ToUpper(*metric)
	}
	if set["strategies"] {
		config.Strategies = splitStrategies(*strategyList)
	}
	if set["workers"] {
		config.Workers = *workers
	}
	if set["seed"] {
		config.RandomSeed = *randomSeed
	}
	if set["iterations"] {
		config.RunBudget.MaxIterations = *iterations
	}
	if set["duration"] {
		config.RunBudget.MaxDuration = *duration
	}
	if set["fallback"] {
		config.AllowBlackBoxFallback = *fallback
	}
	if set["verbose"] {
		config.Verbose = *verbose
	}
}

// splitStrategies 解析逗号分隔的策略列表，忽略空项
func splitStrategies(list string) []string {
	var names []string
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// loadBaseline 依次尝试基线文件、参考数据集，最后退回种子集
func loadBaseline(ctx context.Context, m model.Model, seeds []fuzzer.SeedInput) (*coverage.Baseline, error) {
	if *baselinePath != "" {
		return coverage.LoadBaseline(*baselinePath)
	}

	reference := seeds
	if *referencePath != "" {
		loaded, err := fuzzer.LoadSeeds(*referencePath)
		if err != nil {
			return nil, err
		}
		reference = loaded
	} else {
		log.Printf("Warning: No baseline or reference set given, deriving baseline from seeds")
	}
	return fuzzer.ReferenceBaseline(ctx, m, reference)
}

// printConfig 打印配置信息
func printConfig(config *fuzzer.Config) {
	if !*verbose {
		return
	}

	fmt.Println("\n=== Fuzzer Configuration ===")
	fmt.Printf("Coverage Metric: %s (k=%d)\n", config.CoverageMetric, config.KBuckets)
	fmt.Printf("Selection Policy: %s\n", config.SelectionPolicy)
	fmt.Printf("Max Mutation Depth: %d\n", config.MaxMutationDepth)
	if len(config.Strategies) > 0 {
		fmt.Printf("Strategies: %s\n", strings.Join(config.Strategies, ", "))
	} else {
		fmt.Println("Strategies: all")
	}
	fmt.Printf("Input Bounds: [%g, %g]\n", config.InputBounds.Min, config.InputBounds.Max)
	fmt.Printf("Violation Mode: %s\n", config.Oracle.Mode)
	fmt.Printf("Perturbation Budget: %s <= %g\n", config.Oracle.Budget.Metric, config.Oracle.Budget.Threshold)
	fmt.Printf("Max Iterations: %d\n", config.RunBudget.MaxIterations)
	fmt.Printf("Max Duration: %v\n", config.RunBudget.MaxDuration)
	fmt.Printf("Stagnation Limit: %d\n", config.RunBudget.StagnationIterations)
	fmt.Printf("Concurrent Workers: %d\n", config.Workers)
	fmt.Printf("Random Seed: %d\n", config.RandomSeed)
	fmt.Println("============================")
}

// performDryRun 执行dry run
func performDryRun(config *fuzzer.Config, seeds []fuzzer.SeedInput, baseline *coverage.Baseline) {
	fmt.Println("\n=== DRY RUN MODE ===")
	fmt.Printf("Model: %s\n", *modelPath)
	fmt.Printf("Seeds: %d (input size %d)\n", len(seeds), len(seeds[0].Input))
	fmt.Printf("Baseline neurons: %d\n", baseline.Neurons())
	fmt.Printf("Configuration loaded successfully\n")
	fmt.Printf("Would use %s coverage with %d workers\n", config.CoverageMetric, config.Workers)
	fmt.Println("====================")
}

// printStatistics 打印统计信息
func printStatistics(report *fuzzer.Report) {
	fmt.Println("\n=== Fuzzing Results ===")
	fmt.Printf("Run ID: %s\n", report.RunID)
	fmt.Printf("Termination: %s", report.Termination)
	if report.Cancelled {
		fmt.Print(" (cancelled)")
	}
	fmt.Println()
	if report.Error != "" {
		fmt.Printf("Error: %s\n", report.Error)
	}
	fmt.Printf("Iterations: %d\n", report.Iterations)
	fmt.Printf("Candidates Evaluated: %d\n", report.Evaluated)
	fmt.Printf("Inference Calls: %d (cache hits %d)\n", report.InferenceCalls, report.CacheHits)
	fmt.Printf("Coverage (%s): %d/%d = %.2f%%\n",
		report.CoverageMetric, report.CoveredSlots, report.TotalSlots, report.CoverageFraction*100)
	fmt.Printf("Corpus: %d seeds (%d roots, %d exhausted, max depth %d)\n",
		report.CorpusSize, report.RootSeeds, report.Exhausted, report.MaxDepth)
	fmt.Printf("Violations: %d (rejected over budget: %d)\n", report.ViolationCount(), report.Rejected)
	fmt.Printf("Misclassification Rate: %.4f\n", report.Evaluation.MisclassificationRate)
	fmt.Printf("Execution Time: %v\n", report.Duration)

	if len(report.Strategies) > 0 {
		fmt.Printf("\n=== Strategies ===\n")
		for _, name := range sortedStrategies(report) {
			h := report.Strategies[name]
			fmt.Printf("%-10s calls=%d candidates=%d invalid=%d gains=%d violations=%d\n",
				name, h.Calls, h.Candidates, h.Invalid, h.Gains, h.Violations)
		}
	}
	if len(report.Dropped) > 0 {
		fmt.Printf("Dropped (no gradients): %s\n", strings.Join(report.Dropped, ", "))
	}

	if len(report.Violations) > 0 {
		fmt.Printf("\n=== Violations ===\n")
		shown := report.Violations
		if len(shown) > 5 {
			shown = shown[:5]
		}
		for _, v := range shown {
			fmt.Printf("#%d %s via %s: label %d -> %d (%.4f), %s=%.4f\n",
				v.Iteration, v.Kind, v.Strategy, v.OriginalLabel, v.PredictedLabel,
				v.PredictedConfidence, v.Metric, v.Distance)
		}
		if len(report.Violations) > len(shown) {
			fmt.Printf("... (%d total)\n", len(report.Violations))
		}
	}
	fmt.Println("=======================")
}

func sortedStrategies(report *fuzzer.Report) []string {
	names := make([]string, 0, len(report.Strategies))
	for name := range report.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// generateOutputPath 生成输出文件路径
func generateOutputPath(runID, format string) string {
	timestamp := time.Now().Format("20060102_150405")
	id := runID
	if len(id) > 8 {
		id = id[:8]
	}

	dir := "./fuzzing_reports"
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Printf("Warning: Failed to create output directory: %v", err)
		dir = "."
	}

	ext := format
	if ext == "text" {
		ext = "txt"
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s.%s", timestamp, id, ext))
}

// saveReport 保存报告
func saveReport(report *fuzzer.Report, path string, format string) error {
	var data []byte
	var err error

	switch format {
	case "json":
		data, err = json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
	case "text":
		data = []byte(formatReportAsText(report))
	case "csv":
		data = []byte(formatReportAsCSV(report))
	default:
		return errors.New("unsupported format: " + format)
	}

	// 确保目录存在
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// formatReportAsText 格式化报告为文本
func formatReportAsText(report *fuzzer.Report) string {
	var sb strings.Builder

	sb.WriteString("Robustness Fuzzing Report\n")
	sb.WriteString("=========================\n\n")

	sb.WriteString(fmt.Sprintf("Run ID: %s\n", report.RunID))
	sb.WriteString(fmt.Sprintf("Started: %s\n", report.StartTime.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Duration: %v\n", report.Duration))
	sb.WriteString(fmt.Sprintf("Termination: %s (cancelled=%t)\n", report.Termination, report.Cancelled))
	if report.Error != "" {
		sb.WriteString(fmt.Sprintf("Error: %s\n", report.Error))
	}

	sb.WriteString("\nCoverage:\n")
	sb.WriteString(fmt.Sprintf("  Metric: %s\n", report.CoverageMetric))
	sb.WriteString(fmt.Sprintf("  Covered: %d/%d (%.4f)\n", report.CoveredSlots, report.TotalSlots, report.CoverageFraction))

	sb.WriteString("\nStatistics:\n")
	sb.WriteString(fmt.Sprintf("  Iterations: %d\n", report.Iterations))
	sb.WriteString(fmt.Sprintf("  Evaluated: %d\n", report.Evaluated))
	sb.WriteString(fmt.Sprintf("  Corpus Size: %d\n", report.CorpusSize))
	sb.WriteString(fmt.Sprintf("  Violations: %d\n", report.ViolationCount()))
	sb.WriteString(fmt.Sprintf("  Misclassification Rate: %.4f\n", report.Evaluation.MisclassificationRate))
	sb.WriteString(fmt.Sprintf("  Avg Adversarial Confidence: %.4f\n", report.Evaluation.AvgAdversarialConfidence))
	sb.WriteString(fmt.Sprintf("  Avg L0/L2/Linf: %.4f / %.4f / %.4f\n",
		report.Evaluation.AvgL0, report.Evaluation.AvgL2, report.Evaluation.AvgLinf))

	if len(report.Errors) > 0 {
		sb.WriteString("\nErrors:\n")
		kinds := make([]string, 0, len(report.Errors))
		for kind := range report.Errors {
			kinds = append(kinds, string(kind))
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			sb.WriteString(fmt.Sprintf("  %s: %d\n", kind, report.Errors[fuzzer.ErrorKind(kind)]))
		}
	}

	sb.WriteString("\nStrategies:\n")
	for _, name := range sortedStrategies(report) {
		h := report.Strategies[name]
		sb.WriteString(fmt.Sprintf("  %s: calls=%d candidates=%d invalid=%d gains=%d violations=%d\n",
			name, h.Calls, h.Candidates, h.Invalid, h.Gains, h.Violations))
	}

	sb.WriteString("\nViolations:\n")
	for _, v := range report.Violations {
		sb.WriteString(fmt.Sprintf("\n%s (iteration %d, seed %d, parent %d, root %d, depth %d)\n",
			v.ID, v.Iteration, v.SeedID, v.ParentID, v.RootID, v.Depth))
		sb.WriteString(fmt.Sprintf("  Strategy: %s\n", v.Strategy))
		sb.WriteString(fmt.Sprintf("  Kind: %s\n", v.Kind))
		sb.WriteString(fmt.Sprintf("  Label: %d (%.4f) -> %d (%.4f)\n",
			v.OriginalLabel, v.OriginalConfidence, v.PredictedLabel, v.PredictedConfidence))
		sb.WriteString(fmt.Sprintf("  Distance: %s=%.6f\n", v.Metric, v.Distance))
	}

	return sb.String()
}

// formatReportAsCSV 格式化违规为CSV
func formatReportAsCSV(report *fuzzer.Report) string {
	var sb strings.Builder

	sb.WriteString("ID,Iteration,SeedID,ParentID,RootID,Depth,Strategy,Kind,OriginalLabel,OriginalConfidence,PredictedLabel,PredictedConfidence,Metric,Distance,L0,L2,Linf,Input\n")

	for _, v := range report.Violations {
		input := make([]string, len(v.Input))
		for i, x := range v.Input {
			input[i] = fmt.Sprintf("%g", x)
		}
		sb.WriteString(fmt.Sprintf("%s,%d,%d,%d,%d,%d,%s,%s,%d,%.6f,%d,%.6f,%s,%.6f,%g,%.6f,%.6f,%s\n",
			v.ID,
			v.Iteration,
			v.SeedID,
			v.ParentID,
			v.RootID,
			v.Depth,
			v.Strategy,
			v.Kind,
			v.OriginalLabel,
			v.OriginalConfidence,
			v.PredictedLabel,
			v.PredictedConfidence,
			v.Metric,
			v.Distance,
			v.Distances.L0,
			v.Distances.L2,
			v.Distances.Linf,
			strings.Join(input, ";"),
		))
	}

	return sb.String()
}

// 使用示例
func printUsage() {
	fmt.Fprint(os.Stderr, `
Fuzzer - Coverage-Guided Robustness Fuzzing Tool

Usage:
  fuzzer -model <MODEL_FILE> -seeds <SEEDS_FILE> [options]

Required Arguments:
  -model string       MLP model file (YAML)
  -seeds string       Seed inputs file (YAML)

Optional Arguments:
  -config string      Configuration file path (default: ./config/fuzzer.yaml)
  -baseline string    Coverage baseline file
  -reference string   Reference inputs for building the baseline
  -output string      Output file path
  -format string      Output format: json, text, csv (default: json)
  -db string          SQLite database path
  -metric string      Coverage metric: KMN, NB, SNA
  -strategies string  Comma separated strategies, e.g. fgsm,pgd,gaussian
  -workers int        Number of concurrent workers (default: 4)
  -seed int           Random seed (default: 1)
  -iterations int     Maximum iterations
  -duration duration  Maximum wall-clock duration
  -fallback           Drop gradient strategies for black-box models
  -verbose            Enable verbose logging
  -dry-run            Dry run mode

Examples:
  # Basic usage
  fuzzer -model mlp.yaml -seeds seeds.yaml

  # Neuron boundary coverage with a reference set, persisted to SQLite
  fuzzer -model mlp.yaml -seeds seeds.yaml -reference train.yaml -metric NB -db runs.db

  # Export violations as CSV
  fuzzer -model mlp.yaml -seeds seeds.yaml -format csv -output violations.csv
`)
}
