package textnorm

import (
	"strings"
	"testing"
	"unicode/utf8"
)

// TestSanitizeOriginalInput 覆盖空白折叠与截断。
func TestSanitizeOriginalInput(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"折叠空白", "  hello   world  ", "hello world"},
		{"换行与制表符", "a\n\tb\r\nc", "a b c"},
		{"全角空格与BOM", "　x\uFEFFy ", "x y"},
		{"NEL 不是空白", "a\u0085b", "a\u0085b"},
		{"段落分隔符", "a\u2028\u3000b", "a b"},
		{"保留标点", " don't  stop! ", "don't stop!"},
		{"仅空白", " \n\t ", ""},
		{"空串", "", ""},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeOriginalInput(tt.in); got != tt.want {
				t.Fatalf("SanitizeOriginalInput(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestSanitizeTruncates 按字符截断，不切断多字节字符。
func TestSanitizeTruncates(t *testing.T) {
	in := strings.Repeat("猫", MaxInputLength+10)
	got := SanitizeOriginalInput(in)
	if n := utf8.RuneCountInString(got); n != MaxInputLength {
		t.Fatalf("rune count = %d, want %d", n, MaxInputLength)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncated string is not valid utf-8")
	}
	exact := strings.Repeat("a", MaxInputLength)
	if got := SanitizeOriginalInput(exact); got != exact {
		t.Fatalf("exact-length input should be kept")
	}
}

// TestNormalizeInput 标点替换为空格后再折叠。
func TestNormalizeInput(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"don't stop!", "don t stop"},
		{"  hello,   world.  ", "hello world"},
		{"e-mail/address_x", "e mail address x"},
		{"!!!", ""},
		{"[a]{b}(c)<d>", "a b c d"},
		{"café, naïve!", "café naïve"},
		{"`~^|\\@#$%&*+=?:;\"", ""},
	}
	for _, tt := range cases {
		if got := NormalizeInput(tt.in); got != tt.want {
			t.Fatalf("NormalizeInput(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
