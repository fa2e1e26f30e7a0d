package fuzzer

import (
	"errors"

	"robustfuzz/pkg/coverage"
	"robustfuzz/pkg/mutation"
)

var (
	// ErrInferenceFailure 模型调用失败（连续失败超过阈值时终止运行）
	ErrInferenceFailure = errors.New("inference failure")
	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = errors.New("invalid config")
	// ErrEmptyCorpus 没有提供初始种子
	ErrEmptyCorpus = errors.New("empty seed corpus")
)

// ErrorKind 运行摘要中按类别统计的错误
type ErrorKind string

const (
	KindShapeMismatch           ErrorKind = "shape_mismatch"
	KindMissingCoverageBaseline ErrorKind = "missing_coverage_baseline"
	KindUnsupportedStrategy     ErrorKind = "unsupported_strategy"
	KindInferenceFailure        ErrorKind = "inference_failure"
	KindInvalidCandidate        ErrorKind = "invalid_candidate"
	KindMutationFailure         ErrorKind = "mutation_failure"
)

// classify 将错误映射到错误类别
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, coverage.ErrShapeMismatch):
		return KindShapeMismatch
	case errors.Is(err, coverage.ErrMissingCoverageBaseline):
		return KindMissingCoverageBaseline
	case errors.Is(err, mutation.ErrUnsupportedStrategy):
		return KindUnsupportedStrategy
	case errors.Is(err, mutation.ErrInvalidCandidate):
		return KindInvalidCandidate
	case errors.Is(err, ErrInferenceFailure):
		return KindInferenceFailure
	default:
		return KindMutationFailure
	}
}
