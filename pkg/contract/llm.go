package contract

import (
	"context"
	"errors"

	"github.com/google/jsonschema-go/jsonschema"
)

// Raw: 模型返回的原始文本载荷（万能容器）。
// 约束：原样返回，不做清洗/截断/归一化。
type Raw struct {
	Text string
}

// SessionOptions: 会话创建选项。
// InitialPrompts 为空表示“无系统指令”的最简会话形状。
type SessionOptions struct {
	InitialPrompts []Message
}

// PromptOptions: 单次提示选项。
// ResponseConstraint 为 nil 表示自由文本输出。
type PromptOptions struct {
	ResponseConstraint *jsonschema.Schema
}

// LanguageModel: 语言模型能力（会话工厂）。
// 约束：
//   - 运行时不接受本次调用形状（系统指令/约束输出）时，必须返回包裹 ErrUnsupportedOptions 的错误，
//     且与其它失败可区分；
//   - 能力缺失（未配置/服务不可达）返回包裹 ErrUnavailable 的错误；
//   - ctx 取消/超时应尽快返回 ctx 错误。
type LanguageModel interface {
	Create(ctx context.Context, opts SessionOptions) (Session, error)
}

// Session: 单次解释所用的模型会话。调用方负责在任何退出路径上 Destroy。
type Session interface {
	Prompt(ctx context.Context, input string, opts PromptOptions) (Raw, error)
	Destroy() error
}

// 最小错误分类（用于上层策略判定）。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
)
