package contract

import "github.com/google/jsonschema-go/jsonschema"

// Message: 最小会话消息形状（用于会话的 InitialPrompts）。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptBuilder: 解释提示词策略。
// 约束：
//   - 纯计算，不做 I/O（模板在构造期加载）；
//   - 输入为已归一化文本，不得再改写。
type PromptBuilder interface {
	// SystemInstruction: 会话级系统指令。
	SystemInstruction() string
	// Schema: 约束输出的 JSON Schema，originText 固定为 input。
	Schema(input string) *jsonschema.Schema
	// Fallback: 运行时不支持约束输出时使用的纯文本提示（内联指令与文本）。
	Fallback(input string) string
	// EstimateOverheadTokens: 估算与输入无关的固定提示词开销（system + schema 骨架）。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator: 文本→token 的近似估算函数。
// 典型实现：ceil(len(utf8_bytes)/BytesPerToken)。
type TokenEstimator func(s string) int
