// Package corpus 维护种子池、种子元数据与调度选择策略
package corpus

import (
	"robustfuzz/pkg/coverage"
	"robustfuzz/pkg/model"

	"github.com/ethereum/go-ethereum/common"
)

// NoParent 根种子的父ID
const NoParent = -1

// Seed 种子池中的一个测试输入
type Seed struct {
	ID         int                // 种子池分配的序号
	Hash       common.Hash        // 输入内容指纹
	Input      []float64          // 输入张量（由模型解释）
	Label      int                // 真实标签或原始预测标签
	Prediction model.Prediction   // 入池时的模型预测
	Depth      int                // 距原始种子的变异代数
	ParentID   int                // 父种子ID，根种子为 NoParent
	RootID     int                // 所属根种子ID
	Signature  coverage.Signature // 入池时的覆盖签名快照
	Strategy   string             // 产生该种子的变异策略，根种子为空
	AdmittedAt int                // 入池时的迭代号，初始种子为0
	Violation  bool               // 是否因触发违规而入池

	// 调度状态（由 Corpus 维护）
	selections     int
	failures       int
	lastGain       int
	strategyCursor int
	exhausted      bool
}

// IsRoot 是否为用户提供的原始种子
func (s *Seed) IsRoot() bool { return s.ParentID == NoParent }

// Selections 被选中次数
func (s *Seed) Selections() int { return s.selections }

// Failures 自上次增益以来连续未带来覆盖增益或违规的候选数（含无效候选）
func (s *Seed) Failures() int { return s.failures }

// LastGain 最近一次带来增益的迭代号，-1 表示从未
func (s *Seed) LastGain() int { return s.lastGain }

// Exhausted 是否已耗尽（降级但保留）
func (s *Seed) Exhausted() bool { return s.exhausted }

// ShortID 指纹前8字节，用于日志
func (s *Seed) ShortID() string {
	return s.Hash.Hex()[:18]
}

// View 变异器看到的只读种子视图
type View struct {
	ID     int
	RootID int
	Input  []float64
	Label  int
	Depth  int
}

// View 返回种子的只读拷贝
func (s *Seed) View() View {
	return View{
		ID:     s.ID,
		RootID: s.RootID,
		Input:  model.Clone(s.Input),
		Label:  s.Label,
		Depth:  s.Depth,
	}
}
