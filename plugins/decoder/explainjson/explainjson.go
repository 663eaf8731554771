// Package explainjson 宽松解析模型输出的解释 JSON。
package explainjson

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"clarifai/pkg/contract"
)

// Options: 预留占位；当前解析规则固定，不提供可调项。
type Options struct{}

type decoder struct{}

// New 从原样 JSON Options 创建解码器；未知字段报错。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("explainjson options: %w", err)
		}
	}
	return decoder{}, nil
}

// objectRe: 贪婪匹配首个 '{' 到最后一个 '}'（跨行）。
var objectRe = regexp.MustCompile(`(?s)\{.*\}`)

// Decode 从噪声文本中恢复解释字段；永不失败。
func (decoder) Decode(raw contract.Raw, originalText string) contract.ExplanationResult {
	return Parse(raw.Text, originalText)
}

// Parse 是 Decode 的纯函数形式：
//  1. 先取贪婪花括号片段，找不到则整体解析；
//  2. 解析为对象时按字段回填，originText 恒取 originalText；
//  3. 任何失败降级为 description=raw。
func Parse(raw, originalText string) contract.ExplanationResult {
	candidate := raw
	if m := objectRe.FindString(raw); m != "" {
		candidate = m
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil || obj == nil {
		return degraded(raw, originalText)
	}
	desc := str(obj, "description")
	if desc == "" {
		desc = raw
	}
	return contract.ExplanationResult{
		OriginText:   originalText,
		PartOfSpeech: strings.ToLower(strings.TrimSpace(str(obj, "partOfSpeech"))),
		Description:  desc,
		Similar1:     str(obj, "similar1"),
		Similar2:     str(obj, "similar2"),
		Similar3:     str(obj, "similar3"),
	}
}

func degraded(raw, originalText string) contract.ExplanationResult {
	return contract.ExplanationResult{OriginText: originalText, Description: raw}
}

// str 取字符串字段；缺失或非字符串视为空。
func str(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}
