package contract

// UpstreamError 承载远端模型服务错误的最小诊断信息。
// 实现方提供状态码与简短消息，便于生成器记录结构化日志字段。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}
