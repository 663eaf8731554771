package registry

import (
	"bytes"
	"encoding/json"

	"clarifai/pkg/contract"
	dexp "clarifai/plugins/decoder/explainjson"
	flaky "clarifai/plugins/llmclient/flaky"
	gmi "clarifai/plugins/llmclient/gemini"
	mock "clarifai/plugins/llmclient/mock"
	oai "clarifai/plugins/llmclient/openai"
	pdict "clarifai/plugins/prompt/dictionary"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.LanguageModel, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// PromptBuilder 工厂注册表（显式、零反射）。
var PromptBuilder = map[string]NewPromptBuilder{
	// dictionary: 简明英语词典助手（系统指令 + JSON Schema 约束 + 纯文本降级）
	"dictionary": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pdict.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pdict.New(&opts)
	},
}

// LLMClient 工厂注册表。
var LLMClient = map[string]NewLLMClient{
	"openai": oai.New,
	"ollama": oai.NewOllama,
	"gemini": gmi.New,
	"mock":   mock.New,
	"flaky":  flaky.New,
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// explainjson: 宽松 JSON 解析（贪婪 {…} 抽取，失败降级为原文描述）
	"explainjson": dexp.New,
}
