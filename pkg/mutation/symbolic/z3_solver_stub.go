//go:build !z3

package symbolic

import (
	"context"
	"errors"
)

// Z3Solver Z3 求解器封装(stub版本 - Z3未启用)
type Z3Solver struct{}

// NewZ3Solver 创建Z3求解器(stub - 返回错误)
func NewZ3Solver(config *Config) (*Z3Solver, error) {
	return nil, errors.New("Z3 solver not available - rebuild with '-tags z3' to enable")
}

// Close 关闭Z3求解器(stub)
func (zs *Z3Solver) Close() {}

// Solve 使用Z3求解(stub - 返回错误)
func (zs *Z3Solver) Solve(ctx context.Context, problems []Problem) ([]Solution, error) {
	return nil, errors.New("Z3 solver not available")
}
