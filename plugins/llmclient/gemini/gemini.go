package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"google.golang.org/genai"

	"clarifai/pkg/contract"
)

// Options: Google Generative Language API (Gemini) 最小必需。
type Options struct {
	BaseURL   string `json:"base_url"`    // 为空则使用 SDK 默认端点
	Model     string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 60 秒。
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	APIVersion     string            `json:"api_version,omitempty"`
	ExtraHeaders   map[string]string `json:"extra_headers"`
	Temperature    *float32          `json:"temperature,omitempty"`
	// 能力声明：默认均为 true。
	SupportsSystemPrompt   *bool `json:"supports_system_prompt,omitempty"`
	SupportsResponseSchema *bool `json:"supports_response_schema,omitempty"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

type Client struct {
	api           *genai.Client
	model         string
	temp          *float32
	supportSystem bool
	supportSchema bool
}

func New(raw json.RawMessage) (contract.LanguageModel, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	httpOpts := genai.HTTPOptions{BaseURL: opts.BaseURL, APIVersion: opts.APIVersion}
	if len(opts.ExtraHeaders) > 0 {
		httpOpts.Headers = make(http.Header, len(opts.ExtraHeaders))
		for k, v := range opts.ExtraHeaders {
			if k != "" {
				httpOpts.Headers.Set(k, v)
			}
		}
	}
	api, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second},
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Client{
		api:           api,
		model:         opts.Model,
		temp:          opts.Temperature,
		supportSystem: opts.SupportsSystemPrompt == nil || *opts.SupportsSystemPrompt,
		supportSchema: opts.SupportsResponseSchema == nil || *opts.SupportsResponseSchema,
	}, nil
}

// Create: generateContent 无服务端会话，系统指令随每次请求作为 SystemInstruction 发送。
func (c *Client) Create(ctx context.Context, opts contract.SessionOptions) (contract.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sys *genai.Content
	if len(opts.InitialPrompts) > 0 {
		if !c.supportSystem {
			return nil, fmt.Errorf("gemini: system instruction: %w", contract.ErrUnsupportedOptions)
		}
		parts := make([]*genai.Part, 0, len(opts.InitialPrompts))
		for _, m := range opts.InitialPrompts {
			parts = append(parts, &genai.Part{Text: m.Content})
		}
		sys = &genai.Content{Parts: parts}
	}
	return &session{c: c, system: sys}, nil
}

type session struct {
	c         *Client
	system    *genai.Content
	destroyed atomic.Bool
}

func (s *session) Prompt(ctx context.Context, input string, opts contract.PromptOptions) (contract.Raw, error) {
	if s.destroyed.Load() {
		return contract.Raw{}, fmt.Errorf("gemini: session destroyed: %w", contract.ErrInvalidInput)
	}
	c := s.c
	cfg := &genai.GenerateContentConfig{SystemInstruction: s.system, Temperature: c.temp}
	if opts.ResponseConstraint != nil {
		if !c.supportSchema {
			return contract.Raw{}, fmt.Errorf("gemini: response schema: %w", contract.ErrUnsupportedOptions)
		}
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = convSchema(opts.ResponseConstraint)
	}
	resp, err := c.api.Models.GenerateContent(ctx, c.model, genai.Text(input), cfg)
	if err != nil {
		return contract.Raw{}, classify(ctx, err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return contract.Raw{}, fmt.Errorf("gemini: no candidates: %w", contract.ErrResponseInvalid)
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			sb.WriteString(p.Text)
		}
	}
	return contract.Raw{Text: sb.String()}, nil
}

func (s *session) Destroy() error {
	s.destroyed.Store(true)
	return nil
}

// convSchema: jsonschema → genai.Schema。const 转为单值 enum；additionalProperties 无对应字段，忽略。
func convSchema(schema *jsonschema.Schema) *genai.Schema {
	if schema == nil {
		return nil
	}
	gs := &genai.Schema{
		Description: schema.Description,
		Required:    schema.Required,
		Items:       convSchema(schema.Items),
	}
	switch schema.Type {
	case "object":
		gs.Type = genai.TypeObject
	case "array":
		gs.Type = genai.TypeArray
	case "string":
		gs.Type = genai.TypeString
	case "number":
		gs.Type = genai.TypeNumber
	case "integer":
		gs.Type = genai.TypeInteger
	case "boolean":
		gs.Type = genai.TypeBoolean
	}
	for _, v := range schema.Enum {
		gs.Enum = append(gs.Enum, fmt.Sprintf("%v", v))
	}
	if schema.Const != nil {
		gs.Enum = []string{fmt.Sprintf("%v", *schema.Const)}
	}
	if len(gs.Enum) > 0 && gs.Type == genai.TypeString {
		gs.Format = "enum"
	}
	if n := len(schema.Properties); n > 0 {
		gs.Properties = make(map[string]*genai.Schema, n)
		for k, prop := range schema.Properties {
			gs.Properties[k] = convSchema(prop)
		}
	}
	return gs
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

var unsupportedHints = []string{"response_schema", "responseschema", "response_mime_type", "system_instruction", "systeminstruction", "developer instruction", "json mode", "unsupported", "not supported", "unknown name"}

func asAPIError(err error) (genai.APIError, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return *p, true
	}
	return genai.APIError{}, false
}

func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	apiErr, ok := asAPIError(err)
	if !ok {
		return err
	}
	msg := strings.TrimSpace(apiErr.Message)
	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return fmt.Errorf("gemini: %s: %w", msg, contract.ErrRateLimited)
	case apiErr.Code == http.StatusBadRequest:
		hay := strings.ToLower(msg)
		for _, h := range unsupportedHints {
			if strings.Contains(hay, h) {
				return fmt.Errorf("gemini: %s: %w", msg, contract.ErrUnsupportedOptions)
			}
		}
		return fmt.Errorf("gemini upstream %d: %s: %w", apiErr.Code, msg, contract.ErrModel)
	case apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
		return fmt.Errorf("gemini upstream %d: %s: %w", apiErr.Code, msg, contract.ErrUnavailable)
	case apiErr.Code == http.StatusRequestTimeout || apiErr.Code/100 == 5:
		return upstreamError{status: apiErr.Code, msg: msg}
	}
	return fmt.Errorf("gemini upstream %d: %s: %w", apiErr.Code, msg, contract.ErrModel)
}

var _ contract.LanguageModel = (*Client)(nil)
