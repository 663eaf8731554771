// Package textnorm 提供解释请求的输入清洗与归一化。
package textnorm

import (
	"strings"
	"unicode"
)

// MaxInputLength: 原文上限（按字符计）。
const MaxInputLength = 2000

// asciiPunct: 归一化时替换为空格的 ASCII 标点集合。
const asciiPunct = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// isSpace 与浏览器端 \s 的匹配范围一致：额外包含 BOM，不含 NEL (U+0085)。
func isSpace(r rune) bool {
	if r == '\u0085' {
		return false
	}
	return unicode.IsSpace(r) || r == '\uFEFF'
}

// collapse: 空白串折叠为单个空格并去首尾空白。
func collapse(s string) string {
	return strings.Join(strings.FieldsFunc(s, isSpace), " ")
}

// SanitizeOriginalInput 折叠空白、去首尾空白并截断到 MaxInputLength 个字符。
// 结果即回显给用户、并作为约束输出中 originText 固定值的“原文”。
func SanitizeOriginalInput(s string) string {
	out := collapse(s)
	n := 0
	for i := range out {
		if n == MaxInputLength {
			return out[:i]
		}
		n++
	}
	return out
}

// NormalizeInput 在 SanitizeOriginalInput 基础上把 ASCII 标点替换为空格，再次折叠并去首尾空白。
// 仅用于发送给模型的提示文本。
func NormalizeInput(s string) string {
	out := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && strings.ContainsRune(asciiPunct, r) {
			return ' '
		}
		return r
	}, SanitizeOriginalInput(s))
	return collapse(out)
}
