package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"clarifai/pkg/contract"
)

// Options: 最小调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // 描述前缀，默认 "MOCK"
	// APIKey: 仅用于限流分组（调试用），默认使用内置常量，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// ResponseMode: 响应形状（用于集成测试与无网络联调）。
	//  - "" / "json": 严格 JSON 对象，字段与解释结果一致；
	//  - "fenced": 同上但包裹在 ```json 代码块中，并附带前后说明文字；
	//  - "text": 纯文本描述（无 JSON）；
	//  - "empty": 空白输出。
	ResponseMode string `json:"response_mode,omitempty"`
	// PartOfSpeech: JSON 模式下回填的词性，默认 "Noun"（保留大小写以便验证解码器的归一化）。
	PartOfSpeech string `json:"part_of_speech,omitempty"`
	// 能力开关：模拟不支持系统提示或约束输出的运行时。
	RejectSystemPrompt       bool `json:"reject_system_prompt,omitempty"`
	RejectResponseConstraint bool `json:"reject_response_constraint,omitempty"`
	// Unavailable: 模拟模型不可用（Create 直接失败）。
	Unavailable bool `json:"unavailable,omitempty"`
	// DelayMS: 每次 Prompt 前等待（尊重 ctx 取消），便于联调取消/取代。
	DelayMS int `json:"delay_ms,omitempty"`
}

type Client struct {
	prefix       string
	mode         string
	pos          string
	rejectSystem bool
	rejectFormat bool
	unavailable  bool
	delay        time.Duration
}

func New(raw json.RawMessage) (contract.LanguageModel, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	if o.APIKey == "" {
		o.APIKey = "MOCK_DEBUG_KEY"
	}
	if o.PartOfSpeech == "" {
		o.PartOfSpeech = "Noun"
	}
	mode := strings.ToLower(strings.TrimSpace(o.ResponseMode))
	if mode == "" {
		mode = "json"
	}
	switch mode {
	case "json", "fenced", "text", "empty":
	default:
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrInvalidInput, o.ResponseMode)
	}
	return &Client{
		prefix:       o.Prefix,
		mode:         mode,
		pos:          o.PartOfSpeech,
		rejectSystem: o.RejectSystemPrompt,
		rejectFormat: o.RejectResponseConstraint,
		unavailable:  o.Unavailable,
		delay:        time.Duration(o.DelayMS) * time.Millisecond,
	}, nil
}

func (c *Client) Create(ctx context.Context, opts contract.SessionOptions) (contract.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.unavailable {
		return nil, fmt.Errorf("mock: %w", contract.ErrUnavailable)
	}
	if len(opts.InitialPrompts) > 0 && c.rejectSystem {
		return nil, fmt.Errorf("mock: system prompt: %w", contract.ErrUnsupportedOptions)
	}
	return &session{c: c}, nil
}

type session struct {
	c         *Client
	destroyed atomic.Bool
}

func (s *session) Prompt(ctx context.Context, input string, opts contract.PromptOptions) (contract.Raw, error) {
	if s.destroyed.Load() {
		return contract.Raw{}, fmt.Errorf("mock: %w: session destroyed", contract.ErrModel)
	}
	if opts.ResponseConstraint != nil && s.c.rejectFormat {
		return contract.Raw{}, fmt.Errorf("mock: response constraint: %w", contract.ErrUnsupportedOptions)
	}
	if s.c.delay > 0 {
		timer := time.NewTimer(s.c.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return contract.Raw{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	return contract.Raw{Text: s.c.render(subject(input))}, nil
}

func (s *session) Destroy() error {
	s.destroyed.Store(true)
	return nil
}

// subject 从降级提示（"Text:\n\n<input>\n\n<指令>"）中取回原文；其余情况原样返回。
func subject(input string) string {
	rest, ok := strings.CutPrefix(input, "Text:\n\n")
	if !ok {
		return input
	}
	if i := strings.Index(rest, "\n\n"); i >= 0 {
		return rest[:i]
	}
	return rest
}

func (c *Client) render(text string) string {
	desc := fmt.Sprintf("%s: %s", c.prefix, text)
	switch c.mode {
	case "empty":
		return "  \n"
	case "text":
		return desc
	}
	obj := map[string]string{
		"originText":   text,
		"partOfSpeech": c.pos,
		"description":  desc,
		"similar1":     text + "-1",
		"similar2":     text + "-2",
		"similar3":     text + "-3",
	}
	bts, _ := json.Marshal(obj)
	if c.mode == "fenced" {
		return "Here is the explanation:\n```json\n" + string(bts) + "\n```\nHope this helps."
	}
	return string(bts)
}

var _ contract.LanguageModel = (*Client)(nil)
