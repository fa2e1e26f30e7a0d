package fuzzer

import (
	"context"
	"log"

	"robustfuzz/pkg/oracle"
)

// Sink 违规记录的外部接收方（例如持久化存储）
// Sink 的错误只记日志，不影响运行
type Sink interface {
	BeginRun(ctx context.Context, runID string, config *Config) error
	RecordViolation(ctx context.Context, runID string, v *oracle.Violation) error
	EndRun(ctx context.Context, report *Report) error
}

// AddSink 注册违规接收方
func (e *Engine) AddSink(s Sink) {
	if s != nil {
		e.sinks = append(e.sinks, s)
	}
}

func (e *Engine) beginRun(ctx context.Context, runID string) {
	for _, s := range e.sinks {
		if err := s.BeginRun(ctx, runID, e.config); err != nil {
			log.Printf("[Fuzzer] Warning: sink failed to begin run %s: %v", runID, err)
		}
	}
}

func (e *Engine) recordViolation(ctx context.Context, runID string, v *oracle.Violation) {
	for _, s := range e.sinks {
		if err := s.RecordViolation(ctx, runID, v); err != nil {
			log.Printf("[Fuzzer] Warning: sink failed to record violation %s: %v", v.ID, err)
		}
	}
}

func (e *Engine) endRun(ctx context.Context, report *Report) {
	// 取消的运行也要落盘摘要
	ctx = context.WithoutCancel(ctx)
	for _, s := range e.sinks {
		if err := s.EndRun(ctx, report); err != nil {
			log.Printf("[Fuzzer] Warning: sink failed to end run %s: %v", report.RunID, err)
		}
	}
}
