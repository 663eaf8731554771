package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由 JSON/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Logging: Logging{Dir: "logs"},
		Server: Server{
			Addr:        "127.0.0.1:8787",
			NATSSubject: "clarifai.messages",
		},
		Components: Components{
			PromptBuilder: "dictionary",
			Decoder:       "explainjson",
		},
	}
}

// LoadFile 按扩展名选择解析器：.yaml/.yml 走 YAML，其余按 JSON。
func LoadFile(path string) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(path, nil)
	default:
		return LoadJSON(path, nil)
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadYAML 解析 YAML 配置：先解为通用树再转 JSON，复用同一套严格解码与原样 Options 语义。
func LoadYAML(path string, raw []byte) (Config, error) {
	if len(raw) == 0 {
		if path == "" {
			return Config{}, errors.New("no config source provided")
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		raw = b
	}
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return Config{}, fmt.Errorf("yaml: %w", err)
	}
	if tree == nil {
		return Config{}, errors.New("yaml: empty document")
	}
	js, err := json.Marshal(tree)
	if err != nil {
		return Config{}, fmt.Errorf("yaml to json: %w", err)
	}
	return LoadJSON("", js)
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if over.MaxTokens != 0 {
		out.MaxTokens = over.MaxTokens
	}
	if over.BytesPerToken != 0 {
		out.BytesPerToken = over.BytesPerToken
	}
	// 特殊：超时 0 具有语义（不限），需要显式可覆盖。
	// 约定：over.RequestTimeoutSeconds >= 0 视为“存在”，-1 视为未覆盖。
	if over.RequestTimeoutSeconds >= 0 {
		out.RequestTimeoutSeconds = over.RequestTimeoutSeconds
	}
	// Logging
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}
	if strings.TrimSpace(over.Logging.Dir) != "" {
		out.Logging.Dir = strings.TrimSpace(over.Logging.Dir)
	}

	// Server（空不覆盖）
	if strings.TrimSpace(over.Server.Addr) != "" {
		out.Server.Addr = strings.TrimSpace(over.Server.Addr)
	}
	if strings.TrimSpace(over.Server.NATSURL) != "" {
		out.Server.NATSURL = strings.TrimSpace(over.Server.NATSURL)
	}
	if strings.TrimSpace(over.Server.NATSSubject) != "" {
		out.Server.NATSSubject = strings.TrimSpace(over.Server.NATSSubject)
	}
	if len(over.Server.AllowedOrigins) > 0 {
		out.Server.AllowedOrigins = cloneStrings(over.Server.AllowedOrigins)
	}

	// 组件名（空不覆盖）
	if over.Components.PromptBuilder != "" {
		out.Components.PromptBuilder = over.Components.PromptBuilder
	}
	if over.Components.Decoder != "" {
		out.Components.Decoder = over.Components.Decoder
	}

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		merged := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			merged[k] = v
		}
		for k, v := range over.Provider {
			merged[k] = v
		}
		out.Provider = merged
	}

	// Options（完整替换对应键）
	if len(over.Options.PromptBuilder) > 0 {
		out.Options.PromptBuilder = cloneRaw(over.Options.PromptBuilder)
	}
	if len(over.Options.Decoder) > 0 {
		out.Options.Decoder = cloneRaw(over.Options.Decoder)
	}

	// LLM 名称
	if strings.TrimSpace(over.LLM) != "" {
		out.LLM = strings.TrimSpace(over.LLM)
	}
	return out
}

// EnvPrefix 是全部覆盖项 ENV 的前缀。
const EnvPrefix = "CLARIFAI_"

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 CLARIFAI_；本集合之外的键忽略。
// 支持：LLM, MAX_TOKENS, BYTES_PER_TOKEN, REQUEST_TIMEOUT_SECONDS, LOG_LEVEL, LOG_DIR,
// SERVER_{ADDR,NATS_URL,NATS_SUBJECT,ALLOWED_ORIGINS}, COMPONENTS_*, OPTIONS_*_JSON
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON
// 数值解析失败时返回错误（配置错误，而非静默忽略）。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	// 默认：-1 表示未设置，以便 Merge 能区分“未覆盖”和“显式设置为 0”。
	over.RequestTimeoutSeconds = -1
	// provider 聚合
	prov := map[string]Provider{}
	num := func(key, val string, dst *int) error {
		v, err := atoi(val)
		if err != nil {
			return fmt.Errorf("env %s: invalid integer %q", key, val)
		}
		*dst = v
		return nil
	}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[:eq]
		val := kv[eq+1:]
		if strings.TrimSpace(val) == "" {
			// 空值视为未设置（.env 模板中的占位行）
			continue
		}
		nk := strings.TrimPrefix(key, EnvPrefix)
		var err error
		switch nk {
		case "LLM":
			over.LLM = strings.TrimSpace(val)
		case "MAX_TOKENS":
			err = num(key, val, &over.MaxTokens)
		case "BYTES_PER_TOKEN":
			err = num(key, val, &over.BytesPerToken)
		case "REQUEST_TIMEOUT_SECONDS":
			err = num(key, val, &over.RequestTimeoutSeconds)
		case "LOG_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		case "LOG_DIR":
			over.Logging.Dir = strings.TrimSpace(val)
		case "SERVER_ADDR":
			over.Server.Addr = strings.TrimSpace(val)
		case "SERVER_NATS_URL":
			over.Server.NATSURL = strings.TrimSpace(val)
		case "SERVER_NATS_SUBJECT":
			over.Server.NATSSubject = strings.TrimSpace(val)
		case "SERVER_ALLOWED_ORIGINS":
			over.Server.AllowedOrigins = splitComma(val)
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = strings.TrimSpace(val)
		case "COMPONENTS_DECODER":
			over.Components.Decoder = strings.TrimSpace(val)
		case "OPTIONS_PROMPT_BUILDER_JSON":
			over.Options.PromptBuilder = json.RawMessage(val)
		case "OPTIONS_DECODER_JSON":
			over.Options.Decoder = json.RawMessage(val)
		default:
			// provider.* 路径：PROVIDER__name__FOO
			if !strings.HasPrefix(nk, "PROVIDER__") {
				continue
			}
			parts := strings.Split(nk, "__")
			if len(parts) < 3 {
				continue
			}
			name := strings.TrimSpace(parts[1])
			field := strings.Join(parts[2:], "__")
			p := prov[name]
			changed := true
			switch field {
			case "CLIENT":
				p.Client = strings.TrimSpace(val)
			case "LIMITS_RPM":
				err = num(key, val, &p.Limits.RPM)
			case "LIMITS_TPM":
				err = num(key, val, &p.Limits.TPM)
			case "LIMITS_MAX_TOKENS_PER_REQ":
				err = num(key, val, &p.Limits.MaxTokensPerReq)
			case "OPTIONS_JSON":
				p.Options = json.RawMessage(val)
			default:
				changed = false
			}
			// 仅在发生有效变更时记录该 provider；避免空值覆盖 config.json
			if changed && err == nil {
				prov[name] = p
			}
		}
		if err != nil {
			return Config{}, err
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
