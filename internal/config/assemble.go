package config

import (
	"errors"
	"fmt"
	"strings"

	"clarifai/internal/pipeline"
	"clarifai/internal/rate"
	"clarifai/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if cfg.MaxTokens < 0 {
		return errors.New("config: max_tokens must be >= 0")
	}
	if cfg.BytesPerToken < 0 {
		return errors.New("config: bytes_per_token must be >= 0")
	}
	if cfg.RequestTimeoutSeconds < 0 {
		return errors.New("config: request_timeout_seconds must be >= 0")
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("config: server.addr empty")
	}
	if cfg.Server.NATSURL != "" && strings.TrimSpace(cfg.Server.NATSSubject) == "" {
		return errors.New("config: server.nats_subject empty while nats_url set")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q invalid", cfg.Logging.Level)
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if prov.Limits.RPM < 0 || prov.Limits.TPM < 0 || prov.Limits.MaxTokensPerReq < 0 {
		return fmt.Errorf("config: provider %q limits must be >= 0", cfg.LLM)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxTokens > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("config: max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.MaxTokens, prov.Limits.MaxTokensPerReq)
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	if name := effName(cfg.Components.PromptBuilder, Defaults().Components.PromptBuilder); registry.PromptBuilder[name] == nil {
		return fmt.Errorf("config: prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Decoder, Defaults().Components.Decoder); registry.Decoder[name] == nil {
		return fmt.Errorf("config: decoder %q not registered", name)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	return nil
}

// Assemble 构造生成器 Components、Settings 与限流器及其分组键。
// 严格 Options 解析在 registry （工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, *rate.Limiter, rate.LimitKey, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", err
	}

	// 有效名称
	d := Defaults()
	pn := effName(cfg.Components.PromptBuilder, d.Components.PromptBuilder)
	dn := effName(cfg.Components.Decoder, d.Components.Decoder)

	// 构造实例
	pb, err := registry.PromptBuilder[pn](cfg.Options.PromptBuilder)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", fmt.Errorf("prompt_builder %s: %w", pn, err)
	}
	dec, err := registry.Decoder[dn](cfg.Options.Decoder)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", fmt.Errorf("decoder %s: %w", dn, err)
	}

	// LLM 客户端
	prov := cfg.Provider[cfg.LLM]
	newLLM := registry.LLMClient[prov.Client]
	llm, err := newLLM(prov.Options)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", fmt.Errorf("llm %s: %w", cfg.LLM, err)
	}

	comp := pipeline.Components{
		LLM:           llm,
		PromptBuilder: pb,
		Decoder:       dec,
	}

	// 限流 Gate（按 provider 限额构造；分组键从 options 中派生 API Key）
	gmap := map[rate.LimitKey]rate.Limits{}
	// 默认使用 API Key 派生分组键（更稳定）；若失败则退化为 provider 名称。
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gmap[key] = rate.Limits{RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq}
	gate := rate.NewGate(gmap, nil)

	set := pipeline.Settings{
		MaxTokens:     cfg.MaxTokens,
		BytesPerToken: cfg.BytesPerToken,
		Gate:          gate,
		GateKey:       key,
	}

	return comp, set, gate, key, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
