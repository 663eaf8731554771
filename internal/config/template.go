package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock LLM（本地/离线调试友好），并列出 ollama/openai/gemini 三个 provider；
// - 服务仅监听本机回环地址；NATS 默认关闭；
// - 选项给出安全中性默认值，确保键存在。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		MaxTokens:             4096,
		BytesPerToken:         4,
		RequestTimeoutSeconds: 0,
		Logging:               Logging{Level: "info", Dir: d.Logging.Dir},
		Server: Server{
			Addr:           d.Server.Addr,
			NATSURL:        "",
			NATSSubject:    d.Server.NATSSubject,
			AllowedOrigins: []string{},
		},
		Components: d.Components,
		LLM:        "mock",
		Provider: map[string]Provider{
			"mock": {
				Client: "mock",
				// 包含所有 mock 选项键（可为空）
				Options: json.RawMessage(`{"prefix":"","api_key":"","response_mode":"json","delay_ms":0}`),
				Limits:  Limits{RPM: 600, TPM: 200000, MaxTokensPerReq: 8192},
			},
			"ollama": {
				Client: "ollama",
				Options: json.RawMessage(`{
  "base_url": "http://localhost:11434/v1",
  "model": "llama3.2",
  "timeout_seconds": 120,
  "temperature": null,
  "supports_system_prompt": true,
  "supports_response_format": true
}`),
				Limits: Limits{RPM: 0, TPM: 0, MaxTokensPerReq: 0},
			},
			"openai": {
				Client: "openai",
				// 覆盖常用 OpenAI 选项键，值可为空/默认
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "temperature": null,
  "use_system_role": true,
  "extra_headers": {}
}`),
				Limits: Limits{RPM: 60, TPM: 100000, MaxTokensPerReq: 8192},
			},
			"gemini": {
				Client: "gemini",
				// 覆盖常用 Gemini 选项键，值可为空/默认
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "api_version": "",
  "extra_headers": {}
}`),
				Limits: Limits{RPM: 60, TPM: 100000, MaxTokensPerReq: 8192},
			},
		},
	}
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "level": "CEFR A2-B1",
  "max_words": 25
}`)
	// explainjson 当前无配置项，保持空对象
	cfg.Options.Decoder = json.RawMessage(`{}`)
	return cfg
}
