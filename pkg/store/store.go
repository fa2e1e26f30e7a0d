// Package store 将运行摘要与违规记录持久化到 SQLite
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"robustfuzz/pkg/fuzzer"
	"robustfuzz/pkg/mutation"
	"robustfuzz/pkg/oracle"

	_ "modernc.org/sqlite"
)

// dsnPragmas 每个新连接都会执行的 PRAGMA
const dsnPragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// SQLiteStore 实现 fuzzer.Sink
type SQLiteStore struct {
	db *sql.DB
}

var _ fuzzer.Sink = (*SQLiteStore)(nil)

// RunSummary 已持久化的运行
type RunSummary struct {
	RunID            string             `json:"run_id"`
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       *time.Time         `json:"finished_at,omitempty"`
	Termination      fuzzer.Termination `json:"termination"`
	Cancelled        bool               `json:"cancelled"`
	Error            string             `json:"error,omitempty"`
	Iterations       int                `json:"iterations"`
	CoverageMetric   string             `json:"coverage_metric"`
	CoverageFraction float64            `json:"coverage_fraction"`
	CorpusSize       int                `json:"corpus_size"`
	ViolationCount   int                `json:"violation_count"`
}

// Open 打开（或创建）数据库并执行迁移
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+dsnPragmas)
	if err != nil {
		return nil, err
	}
	// 写入来自单个调度循环，单连接即可
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	log.Printf("[Store] Opened %s", path)
	return s, nil
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// BeginRun 记录运行开始与配置
func (s *SQLiteStore) BeginRun(ctx context.Context, runID string, config *fuzzer.Config) error {
	cfgJSON, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (run_id, started_at, config_json, coverage_metric)
			VALUES (?, ?, ?, ?)`,
			runID, time.Now().UnixNano(), string(cfgJSON), config.CoverageMetric,
		)
		return err
	})
}

// RecordViolation 写入一条违规记录
func (s *SQLiteStore) RecordViolation(ctx context.Context, runID string, v *oracle.Violation) error {
	input, err := json.Marshal(v.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal violation input: %w", err)
	}

	return retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO violations (
				violation_id, run_id, iteration, seed_id, parent_id, root_id, depth,
				strategy, kind, original_label, original_confidence,
				predicted_label, predicted_confidence, true_label_confidence,
				metric, distance, l0, l2, linf, coverage_delta, input_json, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, runID, v.Iteration, v.SeedID, v.ParentID, v.RootID, v.Depth,
			v.Strategy, string(v.Kind), v.OriginalLabel, v.OriginalConfidence,
			v.PredictedLabel, v.PredictedConfidence, v.TrueLabelConfidence,
			string(v.Metric), v.Distance, v.Distances.L0, v.Distances.L2, v.Distances.Linf,
			v.CoverageDelta, string(input), time.Now().UnixNano(),
		)
		return err
	})
}

// EndRun 写入运行摘要与各策略统计
func (s *SQLiteStore) EndRun(ctx context.Context, report *fuzzer.Report) error {
	// 违规已逐条入库，摘要中不再重复
	compact := *report
	compact.Violations = nil
	reportJSON, err := json.Marshal(&compact)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	return retryOnBusy(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET
				finished_at = ?, termination = ?, cancelled = ?, error = ?, iterations = ?,
				coverage_fraction = ?, corpus_size = ?, violation_count = ?, report_json = ?
			WHERE run_id = ?`,
			report.EndTime.UnixNano(), string(report.Termination), report.Cancelled, report.Error,
			report.Iterations, report.CoverageFraction, report.CorpusSize, len(report.Violations),
			string(reportJSON), report.RunID,
		); err != nil {
			return err
		}

		names := make([]string, 0, len(report.Strategies))
		for name := range report.Strategies {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			h := report.Strategies[name]
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO strategy_stats (run_id, strategy, calls, candidates, invalid, gains, violations)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				report.RunID, name, h.Calls, h.Candidates, h.Invalid, h.Gains, h.Violations,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// Runs 按开始时间倒序返回全部运行
func (s *SQLiteStore) Runs(ctx context.Context) ([]*RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, started_at, finished_at, COALESCE(termination, ''), cancelled, COALESCE(error, ''),
			iterations, COALESCE(coverage_metric, ''), coverage_fraction, corpus_size, violation_count
		FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []*RunSummary
	for rows.Next() {
		var (
			r         RunSummary
			started   int64
			finished  sql.NullInt64
			term      string
			cancelled bool
		)
		if err := rows.Scan(&r.RunID, &started, &finished, &term, &cancelled, &r.Error,
			&r.Iterations, &r.CoverageMetric, &r.CoverageFraction, &r.CorpusSize, &r.ViolationCount); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started)
		if finished.Valid {
			t := time.Unix(0, finished.Int64)
			r.FinishedAt = &t
		}
		r.Termination = fuzzer.Termination(term)
		r.Cancelled = cancelled
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Violations 按记录顺序返回某次运行的违规
func (s *SQLiteStore) Violations(ctx context.Context, runID string) ([]*oracle.Violation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT violation_id, iteration, seed_id, parent_id, root_id, depth,
			strategy, kind, original_label, original_confidence,
			predicted_label, predicted_confidence, true_label_confidence,
			metric, distance, l0, l2, linf, coverage_delta, input_json
		FROM violations WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	var out []*oracle.Violation
	for rows.Next() {
		var (
			v      oracle.Violation
			kind   string
			metric string
			input  string
		)
		if err := rows.Scan(&v.ID, &v.Iteration, &v.SeedID, &v.ParentID, &v.RootID, &v.Depth,
			&v.Strategy, &kind, &v.OriginalLabel, &v.OriginalConfidence,
			&v.PredictedLabel, &v.PredictedConfidence, &v.TrueLabelConfidence,
			&metric, &v.Distance, &v.Distances.L0, &v.Distances.L2, &v.Distances.Linf,
			&v.CoverageDelta, &input); err != nil {
			return nil, err
		}
		v.Kind = oracle.Mode(kind)
		v.Metric = oracle.Metric(metric)
		if err := json.Unmarshal([]byte(input), &v.Input); err != nil {
			return nil, fmt.Errorf("violation %s: failed to decode input: %w", v.ID, err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// StrategyStats 某次运行各策略的统计
func (s *SQLiteStore) StrategyStats(ctx context.Context, runID string) (map[string]mutation.History, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strategy, calls, candidates, invalid, gains, violations
		FROM strategy_stats WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategy stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]mutation.History)
	for rows.Next() {
		var (
			name string
			h    mutation.History
		)
		if err := rows.Scan(&name, &h.Calls, &h.Candidates, &h.Invalid, &h.Gains, &h.Violations); err != nil {
			return nil, err
		}
		out[name] = h
	}
	return out, rows.Err()
}
