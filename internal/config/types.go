package config

import (
	"encoding/json"
	"time"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// MaxTokens: 单次解释请求的 token 预算（提示开销+输入）；0 表示不检查。
	MaxTokens int `json:"max_tokens"`
	// BytesPerToken: token 估算参数；0 使用默认 4。
	BytesPerToken int `json:"bytes_per_token"`
	// RequestTimeoutSeconds: 单请求最长等待（秒）；0 表示不限，-1 仅用于覆盖层表示“未设置”。
	RequestTimeoutSeconds int     `json:"request_timeout_seconds"`
	Logging               Logging `json:"logging"`
	Server                Server  `json:"server"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 日志等级与目录；轮转策略为固定默认（10MiB）。
type Logging struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}

// Server: 消息入口（HTTP/WebSocket 与可选 NATS）。
type Server struct {
	Addr        string `json:"addr"`
	NATSURL     string `json:"nats_url"`
	NATSSubject string `json:"nats_subject"`
	// AllowedOrigins: WebSocket/CORS 允许的 Origin；空表示仅同源与无 Origin（本地工具）。
	AllowedOrigins []string `json:"allowed_origins"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	PromptBuilder json.RawMessage `json:"prompt_builder"`
	Decoder       json.RawMessage `json:"decoder"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}

// RequestTimeout 返回单请求超时；<=0 表示不限。
func (c Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
