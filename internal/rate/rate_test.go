package rate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"clarifai/internal/diag"
	"clarifai/pkg/contract"
)

// 超过 RPM：额度耗尽后阻塞，时钟前进一分钟后恢复
func TestGateWaitRPM(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(0, 0)
	clk := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 1, TPM: 10, MaxTokensPerReq: 5}}, clk)
	if err := g.Wait(context.Background(), Ask{Key: "k", Requests: 1, Tokens: 3}); err != nil {
		t.Fatalf("首次应通过: %v", err)
	}
	if q := g.Remaining("k"); q.Requests != 0 || q.Tokens != 7 {
		t.Fatalf("剩余额度不符: %+v", q)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx, Ask{Key: "k", Requests: 1, Tokens: 3}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("应因 RPM 阻塞至超时, got %v", err)
	}

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	if err := g.Wait(context.Background(), Ask{Key: "k", Requests: 1, Tokens: 3}); err != nil {
		t.Fatalf("回填后应通过: %v", err)
	}
}

// 放行后剩余额度写入 /metrics
func TestGateWaitExportsQuota(t *testing.T) {
	g := NewGate(map[LimitKey]Limits{"q": {RPM: 5, TPM: 1000}}, func() time.Time { return time.Unix(0, 0) })
	if err := g.Wait(context.Background(), Ask{Key: "q", Requests: 1, Tokens: 100}); err != nil {
		t.Fatalf("wait: %v", err)
	}
	rec := httptest.NewRecorder()
	diag.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`clarifai_rate_remaining{dimension="requests"} 4`,
		`clarifai_rate_remaining{dimension="tokens"} 900`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics 缺少 %q", want)
		}
	}
}

// 取消上下文
func TestGateWaitCancel(t *testing.T) {
	now := time.Unix(0, 0)
	clk := func() time.Time { return now }
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 1}}, clk)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if err := g.Wait(ctx, Ask{Key: "k", Requests: 2}); !errors.Is(err, context.Canceled) {
		t.Fatalf("应返回取消错误, got %v", err)
	}
}

// 单请求上限快速失败
func TestGateWaitBudgetExceeded(t *testing.T) {
	g := NewGate(map[LimitKey]Limits{"k": {MaxTokensPerReq: 10}}, nil)
	err := g.Wait(context.Background(), Ask{Key: "k", Requests: 1, Tokens: 11})
	if !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("应返回预算错误, got %v", err)
	}
	if err := g.Wait(context.Background(), Ask{Key: "k", Requests: 0}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("Requests=0 应为非法输入, got %v", err)
	}
}

// 未配置的 key 不限额，并发首次访问安全
func TestGateUnknownKeyConcurrent(t *testing.T) {
	g := NewGate(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Wait(context.Background(), Ask{Key: "free", Requests: 1, Tokens: 100}); err != nil {
				t.Errorf("wait: %v", err)
			}
		}()
	}
	wg.Wait()
	if q := g.Remaining("free"); q.Requests != -1 || q.Tokens != -1 {
		t.Fatalf("禁用维度应为 -1, got %+v", q)
	}
}

// 补充覆盖: DeriveKeyFromProviderOptions
func TestDeriveKeyFromProviderOptions(t *testing.T) {
	t.Setenv("TEST_KEY", "abc")
	raw, _ := json.Marshal(map[string]any{"api_key_env": "TEST_KEY"})
	k, err := DeriveKeyFromProviderOptions("openai", raw)
	if err != nil || k == "" {
		t.Fatalf("派生失败: %v", err)
	}
	k2, _ := DeriveKeyFromProviderOptions("openai", json.RawMessage(`{"api_key":"abc"}`))
	if k != k2 {
		t.Fatalf("同一密钥应得到同一分组键")
	}
	if _, err := DeriveKeyFromProviderOptions("openai", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("缺少 key 应失败")
	}
	if _, err := DeriveKeyFromProviderOptions("openai", json.RawMessage(`{"allow_empty_key":true,"base_url":"http://localhost:8000/v1"}`)); err != nil {
		t.Fatalf("本地运行时应允许无 key: %v", err)
	}
	if _, err := DeriveKeyFromProviderOptions("ollama", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("ollama 应允许无 key: %v", err)
	}
	m1, _ := DeriveKeyFromProviderOptions("mock", nil)
	m2, _ := DeriveKeyFromProviderOptions("mock", json.RawMessage(`{"api_key":"MOCK_DEBUG_KEY"}`))
	if m1 != m2 {
		t.Fatalf("mock 默认 key 不一致")
	}
}
