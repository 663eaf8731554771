package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"clarifai/pkg/contract"
)

// Options 定义可选项。
type Options struct {
	Prefix string `json:"prefix"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的语言模型实现，用于验证生成器的降级路径：
// 第一次带系统指令的 Create 返回 ErrUnsupportedOptions；
// 第一次带约束的 Prompt 返回 ErrUnsupportedOptions；
// 之后返回夹杂说明文字的 JSON。
type Client struct {
	prefix  string
	logPath string
	creates atomic.Int32
	prompts atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LanguageModel, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	return &Client{prefix: o.Prefix, logPath: o.LogPath}, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Create 实现 contract.LanguageModel。
func (c *Client) Create(ctx context.Context, opts contract.SessionOptions) (contract.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(opts.InitialPrompts) > 0 && c.creates.Add(1) == 1 {
		c.log("create_unsupported")
		return nil, fmt.Errorf("flaky: %w", contract.ErrUnsupportedOptions)
	}
	c.log("create_ok")
	return &session{c: c}, nil
}

type session struct{ c *Client }

func (s *session) Prompt(ctx context.Context, input string, opts contract.PromptOptions) (contract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	if opts.ResponseConstraint != nil && s.c.prompts.Add(1) == 1 {
		s.c.log("prompt_unsupported")
		return contract.Raw{}, fmt.Errorf("flaky: %w", contract.ErrUnsupportedOptions)
	}
	s.c.log("ok")
	bts, _ := json.Marshal(map[string]string{
		"originText":   "ignored by decoder",
		"partOfSpeech": " Verb ",
		"description":  s.c.prefix + ": explained",
		"similar1":     "a",
	})
	return contract.Raw{Text: "Sure! " + string(bts) + " Anything else?"}, nil
}

func (s *session) Destroy() error { return nil }

var _ contract.LanguageModel = (*Client)(nil)
