// Package dictionary 实现“简明英语词典”提示词策略：系统指令、约束输出 Schema 与纯文本回退提示。
package dictionary

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/google/jsonschema-go/jsonschema"

	"clarifai/pkg/contract"
)

// Options 为词典 PromptBuilder 的最小配置。
// - InlineSystemTemplate / SystemTemplatePath: 系统指令模板（二选一，均为空时使用内置默认指令）。
// - Level: 目标读者水平，渲染进模板的 {{.Level}}，默认 "CEFR A2-B1"。
// - MaxWords: description 字数上限，渲染进模板的 {{.MaxWords}}，默认 25。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	Level                string `json:"level"`
	MaxWords             int    `json:"max_words"`
}

func (o *Options) defaults() {
	if o.Level == "" {
		o.Level = "CEFR A2-B1"
	}
	if o.MaxWords <= 0 {
		o.MaxWords = 25
	}
}

// Builder: 系统指令在构造期渲染一次，运行期为纯计算。
type Builder struct {
	system string
}

// New 创建词典 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.defaults()

	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("system").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, o); err != nil {
		return nil, fmt.Errorf("system template render: %w", err)
	}
	sys := strings.TrimSpace(buf.String())
	if sys == "" {
		return nil, fmt.Errorf("prompt: %w: empty system instruction", contract.ErrInvalidInput)
	}
	return &Builder{system: sys}, nil
}

// SystemInstruction 返回渲染后的系统指令。
func (b *Builder) SystemInstruction() string { return b.system }

// Schema 构造约束输出：六个字符串字段全部必填、禁止额外字段，originText 固定为 input。
func (b *Builder) Schema(input string) *jsonschema.Schema {
	var pinned any = input
	props := make(map[string]*jsonschema.Schema, len(fieldNames))
	for _, name := range fieldNames {
		props[name] = &jsonschema.Schema{Type: "string"}
	}
	props["originText"].Const = &pinned
	return &jsonschema.Schema{
		Type:                 "object",
		Required:             append([]string(nil), fieldNames...),
		Properties:           props,
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
}

// Fallback 构造不带约束的纯文本提示：文本在前，指令内联在后。
func (b *Builder) Fallback(input string) string {
	return "Text:\n\n" + input + "\n\n" + b.system
}

// EstimateOverheadTokens: 估算与输入无关的固定开销（系统指令 + Schema 骨架）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	tokens := estimate(b.system)
	if bts, err := json.Marshal(b.Schema("")); err == nil {
		tokens += estimate(string(bts))
	}
	return tokens
}

// 静态接口断言
var _ contract.PromptBuilder = (*Builder)(nil)

// fieldNames: 输出字段（顺序即 required 顺序）。
var fieldNames = []string{"originText", "partOfSpeech", "description", "similar1", "similar2", "similar3"}

// defaultSystemTemplate: 默认系统指令，每条规则之间空一行。
var defaultSystemTemplate = strings.Join([]string{
	"You are a helpful dictionary assistant.",
	"Explain words and phrases for English learners ({{.Level}}).",
	"Explain the FULL selected text exactly as provided.",
	"If input is a sentence, explain the sentence meaning (not only one word).",
	"If input is a single word or short phrase, explain that word or phrase.",
	"originText must be exactly the same as the input text.",
	"Use very simple words and short sentences.",
	"Keep description to 1-2 short sentences (max {{.MaxWords}} words total).",
	"Avoid idioms, jargon, and difficult grammar.",
	"Return ONLY valid JSON with this exact schema:",
	`{"originText":"", "partOfSpeech":"", "description":"", "similar1":"", "similar2":"", "similar3":""}`,
	"Set partOfSpeech to one short label like noun, verb, adjective, phrase, sentence.",
	"If partOfSpeech is sentence, describe the whole sentence meaning clearly and simply.",
	"similar1-3 must be easy alternatives (single words or short phrases).",
	"Do not include markdown or extra text.",
}, "\n\n")
