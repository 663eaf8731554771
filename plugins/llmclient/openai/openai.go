package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"clarifai/pkg/contract"
)

// Options: 最小必需配置。兼容 OpenAI 官方与 OpenAI 协议的本地运行时（Ollama/vLLM 等）。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1 或 http://localhost:11434/v1
	Model          string   `json:"model"`           // 为空则使用默认
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // 可选 client 级超时（秒）
	Temperature    *float64 `json:"temperature,omitempty"`
	// AllowEmptyKey: 本地运行时通常不校验密钥；为 true 时缺少密钥不报错。
	AllowEmptyKey bool              `json:"allow_empty_key"`
	ExtraHeaders  map[string]string `json:"extra_headers"`
	// UseSystemRole: 系统指令以 system 角色发送；为 false 时使用 developer 角色。默认 true。
	UseSystemRole *bool `json:"use_system_role,omitempty"`
	// 能力声明：已知运行时不支持某种调用形状时直接拒绝，省去一次往返。默认均为 true。
	SupportsSystemPrompt   *bool `json:"supports_system_prompt,omitempty"`
	SupportsResponseFormat *bool `json:"supports_response_format,omitempty"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

type Client struct {
	api           openai.Client
	model         string
	temp          *float64
	systemRole    bool
	supportSystem bool
	supportFormat bool
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LanguageModel, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	c, err := newClient(opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewOllama 面向 Ollama 的 OpenAI 兼容端点预设：默认本地地址，不要求密钥。
func NewOllama(raw json.RawMessage) (contract.LanguageModel, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("ollama options: %w", err)
		}
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:11434/v1"
	}
	if opts.Model == "" {
		opts.Model = "llama3.2"
	}
	if opts.APIKeyEnv == "" {
		opts.APIKeyEnv = "OLLAMA_API_KEY"
	}
	opts.AllowEmptyKey = true
	c, err := newClient(opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newClient(opts Options) (*Client, error) {
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		if !opts.AllowEmptyKey {
			return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrInvalidInput)
		}
		// SDK 要求非空密钥；本地运行时忽略该值
		key = "local"
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithBaseURL(strings.TrimRight(opts.BaseURL, "/") + "/"),
		option.WithHTTPClient(hc),
		// 重试策略由上层决定；此处单次调用
		option.WithMaxRetries(0),
	}
	for k, v := range opts.ExtraHeaders {
		if k == "" {
			continue
		}
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}
	return &Client{
		api:           openai.NewClient(reqOpts...),
		model:         opts.Model,
		temp:          opts.Temperature,
		systemRole:    boolOr(opts.UseSystemRole, true),
		supportSystem: boolOr(opts.SupportsSystemPrompt, true),
		supportFormat: boolOr(opts.SupportsResponseFormat, true),
	}, nil
}

// Create: Chat Completions 无服务端会话，系统指令保存在本地会话中随每次请求发送。
func (c *Client) Create(ctx context.Context, opts contract.SessionOptions) (contract.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(opts.InitialPrompts) > 0 && !c.supportSystem {
		return nil, fmt.Errorf("openai: system prompt: %w", contract.ErrUnsupportedOptions)
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(opts.InitialPrompts))
	for _, m := range opts.InitialPrompts {
		msgs = append(msgs, c.convMessage(m))
	}
	return &session{c: c, initial: msgs}, nil
}

func (c *Client) convMessage(m contract.Message) openai.ChatCompletionMessageParamUnion {
	switch strings.ToLower(strings.TrimSpace(m.Role)) {
	case "system", "developer":
		if c.systemRole {
			return openai.SystemMessage(m.Content)
		}
		return openai.DeveloperMessage(m.Content)
	case "assistant":
		return openai.AssistantMessage(m.Content)
	default:
		return openai.UserMessage(m.Content)
	}
}

type session struct {
	c         *Client
	initial   []openai.ChatCompletionMessageParamUnion
	destroyed atomic.Bool
}

// Prompt: 单次调用，同步返回。
func (s *session) Prompt(ctx context.Context, input string, opts contract.PromptOptions) (contract.Raw, error) {
	if s.destroyed.Load() {
		return contract.Raw{}, fmt.Errorf("openai: session destroyed: %w", contract.ErrInvalidInput)
	}
	c := s.c
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: append(append([]openai.ChatCompletionMessageParamUnion(nil), s.initial...), openai.UserMessage(input)),
	}
	if c.temp != nil {
		params.Temperature = param.NewOpt(*c.temp)
	}
	if opts.ResponseConstraint != nil {
		if !c.supportFormat {
			return contract.Raw{}, fmt.Errorf("openai: response_format: %w", contract.ErrUnsupportedOptions)
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "explanation",
					Schema: opts.ResponseConstraint,
					Strict: param.NewOpt(true),
				},
			},
		}
	}
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return contract.Raw{}, classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return contract.Raw{}, fmt.Errorf("openai: no choices: %w", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: resp.Choices[0].Message.Content}, nil
}

// Destroy 幂等；无服务端资源需要释放。
func (s *session) Destroy() error {
	s.destroyed.Store(true)
	return nil
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误，便于分类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// unsupportedHints: 400/422 响应中表明“调用形状不被接受”的关键词。
var unsupportedHints = []string{"response_format", "json_schema", "structured output", "system", "developer", "unsupported", "not supported", "unknown"}

// classify 把 SDK 错误映射为契约错误分类。
func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("openai: %v: %w", err, contract.ErrUnavailable)
	}
	var apierr *openai.Error
	if !errors.As(err, &apierr) {
		return err
	}
	msg := strings.TrimSpace(apierr.Message)
	switch {
	case apierr.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("openai: %s: %w", msg, contract.ErrRateLimited)
	case apierr.StatusCode == http.StatusBadRequest || apierr.StatusCode == http.StatusUnprocessableEntity:
		hay := strings.ToLower(msg + " " + apierr.Param)
		for _, h := range unsupportedHints {
			if strings.Contains(hay, h) {
				return fmt.Errorf("openai: %s: %w", msg, contract.ErrUnsupportedOptions)
			}
		}
		return fmt.Errorf("openai upstream %d: %s: %w", apierr.StatusCode, msg, contract.ErrModel)
	case apierr.StatusCode == http.StatusNotFound || apierr.StatusCode == http.StatusUnauthorized || apierr.StatusCode == http.StatusForbidden:
		return fmt.Errorf("openai upstream %d: %s: %w", apierr.StatusCode, msg, contract.ErrUnavailable)
	case apierr.StatusCode == http.StatusRequestTimeout || apierr.StatusCode/100 == 5:
		return upstreamError{status: apierr.StatusCode, msg: msg}
	}
	return fmt.Errorf("openai upstream %d: %s: %w", apierr.StatusCode, msg, contract.ErrModel)
}

var _ contract.LanguageModel = (*Client)(nil)
