package contract

import "errors"

// 解释链路的错误分类。上层一律以 errors.Is 判定，不做字符串匹配。
var (
	// ErrUnavailable: 语言模型能力缺失（未配置 provider、本地运行时未启动等），不重试。
	ErrUnavailable = errors.New("language model unavailable")
	// ErrUnsupportedOptions: 运行时拒绝本次调用形状；由生成器就地降级，不向调用方暴露。
	ErrUnsupportedOptions = errors.New("unsupported options")
	// ErrCanceled: 请求被显式取消或被同一客户端的新请求取代。
	ErrCanceled = errors.New("request canceled")
	// ErrSuperseded: 取消原因之一，表示被更新的请求取代；总是与 ErrCanceled 一同出现。
	ErrSuperseded = errors.New("request superseded")
	// ErrTimeout: 请求超过配置的最长等待时间。
	ErrTimeout = errors.New("request timed out")
	// ErrModel: 其它来自模型调用的失败。
	ErrModel = errors.New("model error")
	// ErrBudgetExceeded: 预算或配额不足（如 token 预算、上游配额）。
	ErrBudgetExceeded = errors.New("budget exceeded")
)
