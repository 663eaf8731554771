package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clarifai/pkg/contract"
)

// 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	if err := w.WriteLine([]byte("first line that is very long")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := w.WriteLine([]byte("second")); err != nil {
		t.Fatalf("第二次写入失败: %v", err)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("应存在轮转文件, got %d", len(files))
	}
	_ = w.Close()
}

// 超长单行不会导致空文件反复轮转
func TestRotatingFileOversizedLine(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 4)
	if err := w.WriteLine([]byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ents, _ := os.ReadDir(dir)
	if len(ents) != 1 {
		t.Fatalf("empty current file should not rotate, got %d files", len(ents))
	}
}

// 历史文件按 maxBackups 裁剪
func TestRotatingFilePrune(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFileWith(dir, "app", 10, 2)
	for i := 0; i < 6; i++ {
		if err := w.WriteLine([]byte("xxxxxxxxxxxxxxxxxx")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = w.Close()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	hasCurrent, rotated := false, 0
	for _, e := range ents {
		switch {
		case e.Name() == "app-current.txt":
			hasCurrent = true
		case strings.HasPrefix(e.Name(), "app-") && strings.HasSuffix(e.Name(), ".txt"):
			rotated++
		}
	}
	if !hasCurrent || rotated != 2 {
		t.Fatalf("current=%v rotated=%d, want current and 2 backups", hasCurrent, rotated)
	}
}

// rotate 在文件未打开时直接重新打开
func TestRotatingFileRotateNoOpen(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFileWith(dir, "", 0, 0)
	if w.maxBytes != 10*1024*1024 || w.prefix != "clarifai" {
		t.Fatalf("defaults not applied: %d %q", w.maxBytes, w.prefix)
	}
	if err := w.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "clarifai-current.txt")); err != nil {
		t.Fatalf("current file missing: %v", err)
	}
}

// 指标：计数进入注册表并可导出
func TestMetricsExport(t *testing.T) {
	IncOp("comp", "stage", "success")
	IncError("comp", "model")
	ObserveDuration("comp", "stage", 12)
	IncRequest("ok")
	SetPending(3)
	IncFallback("prompt")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`clarifai_op_total{comp="comp",result="success",stage="stage"}`,
		`clarifai_error_total{code="model",comp="comp"}`,
		`clarifai_requests_total{outcome="ok"}`,
		`clarifai_pending_requests 3`,
		`clarifai_fallback_total{stage="prompt"}`,
		`clarifai_op_duration_ms_count{comp="comp",stage="stage"}`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

// 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeUnknown},
		{"input", fmt.Errorf("x: %w", contract.ErrInvalidInput), CodeInput},
		{"unavailable", contract.ErrUnavailable, CodeUnavailable},
		{"unsupported", contract.ErrUnsupportedOptions, CodeUnsupported},
		{"canceled", contract.ErrCanceled, CodeCancel},
		{"superseded", fmt.Errorf("%w: %w", contract.ErrCanceled, contract.ErrSuperseded), CodeCancel},
		{"ctx canceled", context.Canceled, CodeCancel},
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"timeout wraps deadline", fmt.Errorf("%w: %w", contract.ErrTimeout, context.DeadlineExceeded), CodeTimeout},
		{"model", contract.ErrModel, CodeModel},
		{"rate", contract.ErrRateLimited, CodeBudget},
		{"budget", contract.ErrBudgetExceeded, CodeBudget},
		{"protocol", contract.ErrResponseInvalid, CodeProtocol},
		{"io", &fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{"network", &net.DNSError{Err: "x"}, CodeNetwork},
		{"other", errors.New("other"), CodeUnknown},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

// Logger 写出单行 JSON，字段完整
func TestLoggerEvents(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo("corr", "debug", &buf)
	timer := l.StartWith("coordinator", "explain", "tab:1:0", "r1")
	timer.Finish("explain", 1)
	l.StartWithKV("generator", "prompt", "k", "r", map[string]string{"k": "v"}).Finish("prompt", 0)
	l.Start("comp", "msg").Finish("ok", 1)
	l.Info("comp", "hello", nil)
	l.Error("comp", "code", "msg", nil)
	l.ErrorWith("comp", "code", "msg", timer.Since(), "k", "r")
	l.ErrorWithKV("comp", "code", "msg", nil, "k", "r", map[string]string{"http_status": "500"})
	l.WarnWith("generator", "unsupported", "fallback", "k", "r", nil)
	l.InfoFinish("comp", "msg", time.Now(), 1)
	l.DebugStart("comp", "msg", "k", "r", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 13 {
		t.Fatalf("expect 13 lines, got %d:\n%s", len(lines), buf.String())
	}
	var ev Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("json: %v", err)
	}
	if ev.Level != "info" || ev.CorrID != "corr" || ev.ClientKey != "tab:1:0" || ev.RequestID != "r1" || ev.Stage != "start" {
		t.Fatalf("unexpected event %#v", ev)
	}
}

// 级别过滤
func TestLoggerLevelsAndFilter(t *testing.T) {
	if Warn.String() != "warn" {
		t.Fatalf("warn string")
	}
	var unknown Level = 12345
	if unknown.String() != "info" {
		t.Fatalf("default string")
	}
	var buf bytes.Buffer
	l := NewLoggerTo("c", "warn", &buf)
	l.DebugStart("comp", "msg", "k", "r", nil)
	l.Start("comp", "msg").Finish("ok", 0)
	if buf.Len() != 0 {
		t.Fatalf("info/debug should be filtered at warn: %q", buf.String())
	}
	start := time.Now().Add(-10 * time.Millisecond)
	l.ErrorWith("comp", "code", "msg", &start, "k", "r")
	if !strings.Contains(buf.String(), `"dur_ms"`) {
		t.Fatalf("dur_ms missing: %q", buf.String())
	}
	// nil 接收者与空 Timer 不应 panic
	var nl *Logger
	nl.Info("comp", "x", nil)
	var tnil *Timer
	tnil.Finish("x", 0)
	(&Timer{}).Finish("x", 0)
	if tnil.Since() != nil {
		t.Fatalf("nil timer since should be nil")
	}
}

// Logger 写入轮转目录
func TestLoggerDir(t *testing.T) {
	dir := t.TempDir()
	l := NewLoggerDir("corr", "info", dir)
	l.Start("comp", "msg").Finish("ok", 1)
	if _, err := os.Stat(filepath.Join(dir, "clarifai-current.txt")); err != nil {
		t.Fatalf("log file not found: %v", err)
	}
}

// NowUTC
func TestNowUTC(t *testing.T) {
	if _, err := time.Parse(time.RFC3339, NowUTC()); err != nil {
		t.Fatalf("NowUTC not RFC3339: %v", err)
	}
}

// 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	if term.isTTY {
		t.Fatalf("expect non-tty")
	}
	term.ServeStart("127.0.0.1:8787", "mock")
	term.RequestStart("tab:1:0", "hello\nworld")
	term.RequestFinish("tab:1:0", "ok", 5100*time.Millisecond)
	term.RequestStart("popup:default", "x")
	term.RequestFinish("popup:default", "error", 20*time.Millisecond)
	term.RunFinish(true, 41300*time.Millisecond)

	out := sb.String()
	if strings.Contains(out, "\r") {
		t.Fatalf("non-tty should not contain carriage returns: %q", out)
	}
	for _, want := range []string{
		"[serve] addr=127.0.0.1:8787 | llm=mock",
		"[explain] tab:1:0 | hello world",
		"[ok] tab:1:0 | 用时 5.1s",
		"[error] popup:default | 用时 20ms",
		"[ok] 已停止 | 请求 2 | 失败 1 | 总用时 41.3s",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

// 终端（TTY）进度节流与清尾
func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.ServeStart(":0", "mock")

	term.RequestStart("a", "x")
	first := sb.String()
	if !strings.Contains(first, "\r[serve] 在途 1") {
		t.Fatalf("first progress should be inline with CR: %q", first)
	}
	// 立即第二次：被节流
	term.RequestStart("b", "y")
	if sb.String() != first {
		t.Fatalf("second progress should be throttled")
	}
	time.Sleep(120 * time.Millisecond)
	term.RequestStart("c", "z")
	if !strings.Contains(sb.String(), "在途 3") {
		t.Fatalf("third progress should show 3 pending: %q", sb.String())
	}
	term.RequestFinish("a", "timeout", 2200*time.Millisecond)
	final := sb.String()
	idx := strings.LastIndex(final, "[timeout]")
	if idx < 0 {
		t.Fatalf("finish line missing: %q", final)
	}
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	if cr < 0 || !strings.Contains(seg[cr+1:], " ") {
		t.Fatalf("clear tail should write spaces after CR: %q", seg)
	}
}

// 写失败降级为禁用态
type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

func TestTerminalDisableOnWriteError(t *testing.T) {
	fw := &flakyWriter{fail: true}
	term := NewTerminal(fw, true)
	term.isTTY = false
	term.ServeStart("x", "y")
	if term.enabled {
		t.Fatalf("terminal should be disabled after write error")
	}
	term.RequestStart("a", "b")
	term.RequestFinish("a", "ok", 0)
	term.RunFinish(true, 0)
}

func TestTerminalInlineWriteError(t *testing.T) {
	fw := &flakyWriter{fail: true}
	term := NewTerminal(fw, true)
	term.isTTY = true
	term.RequestStart("a", "b")
	if term.enabled {
		t.Fatalf("terminal should be disabled after inline error")
	}
}

func TestNewTerminalCIEnv(t *testing.T) {
	t.Setenv("CI", "true")
	var sb strings.Builder
	if NewTerminal(&sb, true).isTTY {
		t.Fatalf("CI env should force non-tty")
	}
	if NewTerminal(nil, false) == nil {
		t.Fatalf("nil writer should fall back to stderr")
	}
}

func TestTerminalNilReceiverNoop(t *testing.T) {
	var tn *Terminal
	tn.ServeStart("a", "b")
	tn.RequestStart("a", "b")
	tn.RequestFinish("a", "ok", 0)
	tn.RunFinish(true, 0)
}

// 工具函数
func TestHelpers(t *testing.T) {
	if got := shorten("这是一个很长的文本用于截断测试abcdefghijk", 10); len([]rune(got)) != 10 || !strings.HasSuffix(got, "…") {
		t.Fatalf("shorten: %q", got)
	}
	if shorten("x", 0) != "" {
		t.Fatalf("shorten max<=0 should be empty")
	}
	if safe("a\nb\rc") != "a b c" {
		t.Fatalf("safe replace failed")
	}
	if formatDur(0) != "0ms" || formatDur(1500*time.Millisecond) != "1.5s" {
		t.Fatalf("formatDur failed")
	}
	SetTerminal(nil)
	if GetTerminal() != nil {
		t.Fatalf("expected nil terminal")
	}
	SetTerminal(NewTerminal(os.Stderr, false))
	if GetTerminal() == nil {
		t.Fatalf("expected non-nil terminal")
	}
	SetTerminal(nil)
}
