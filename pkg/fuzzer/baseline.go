package fuzzer

import (
	"context"
	"fmt"

	"robustfuzz/pkg/coverage"
	"robustfuzz/pkg/model"
)

// ReferenceBaseline 在参考数据集上推理，按激活范围构造覆盖基线
func ReferenceBaseline(ctx context.Context, m model.Model, reference []SeedInput) (*coverage.Baseline, error) {
	acts := make([][]float64, 0, len(reference))
	for i, r := range reference {
		inf, err := m.Infer(ctx, r.Input)
		if err != nil {
			return nil, fmt.Errorf("%w: reference %d: %v", ErrInferenceFailure, i, err)
		}
		if len(inf.Activations) == 0 {
			return nil, fmt.Errorf("%w: reference %d has no activations", coverage.ErrMissingCoverageBaseline, i)
		}
		acts = append(acts, inf.Activations)
	}
	return coverage.BuildBaseline(acts)
}
