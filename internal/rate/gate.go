package rate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"clarifai/internal/diag"
	"clarifai/pkg/contract"
)

// LimitKey: 限流分组键（client + sha256(api key)，同一密钥的多个 provider 共享额度）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int // requests per minute
	TPM             int // tokens per minute
	MaxTokensPerReq int // 单次解释请求 token 上限（提示开销+输入），0 表示不限制
}

// Ask: 一次解释请求向模型额度的申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
	Tokens   int // 预计 token（>=0）
}

// Quota: 某分组的剩余额度（向下取整）；-1 表示该维度不限。
type Quota struct {
	Requests int
	Tokens   int
}

// Gate: 生成器在发出提示前调用的闸门。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；超过单请求上限时以 ErrBudgetExceeded 快速失败。
	Wait(ctx context.Context, a Ask) error
}

// Limiter 是按分组的双桶（请求数/令牌数）限流器。
// 多个客户端的解释请求共享同一模型额度；每次放行后把剩余额度写入 /metrics。
type Limiter struct {
	now func() time.Time

	mu     sync.Mutex
	groups map[LimitKey]*group
}

// group: 一个分组的限额与两只桶，由 Limiter.mu 保护。
type group struct {
	max      int
	requests *bucket // nil 表示不限
	tokens   *bucket
}

// bucket: 按分钟额度匀速回填的令牌桶。
type bucket struct {
	size   float64
	fill   float64
	perSec float64
	at     time.Time
}

// NewGate 从静态配置构造限流器；clk 为空则使用 time.Now。
func NewGate(limits map[LimitKey]Limits, clk func() time.Time) *Limiter {
	if clk == nil {
		clk = time.Now
	}
	l := &Limiter{now: clk, groups: make(map[LimitKey]*group, len(limits))}
	t := clk()
	for k, lim := range limits {
		l.groups[k] = &group{
			max:      lim.MaxTokensPerReq,
			requests: perMinute(lim.RPM, t),
			tokens:   perMinute(lim.TPM, t),
		}
	}
	return l
}

func perMinute(n int, t time.Time) *bucket {
	if n <= 0 {
		return nil
	}
	return &bucket{size: float64(n), fill: float64(n), perSec: float64(n) / 60, at: t}
}

// advance 按流逝时间回填；时钟回拨视为无时间流逝。
func (b *bucket) advance(t time.Time) {
	if b == nil || !t.After(b.at) {
		return
	}
	b.fill = math.Min(b.size, b.fill+t.Sub(b.at).Seconds()*b.perSec)
	b.at = t
}

// shortfall 返回凑够 n 还需等待的时长；0 表示当前即可扣减。
func (b *bucket) shortfall(n int) time.Duration {
	if b == nil || n <= 0 || b.fill >= float64(n) {
		return 0
	}
	return time.Duration((float64(n) - b.fill) / b.perSec * float64(time.Second))
}

func (b *bucket) take(n int) {
	if b == nil || n <= 0 {
		return
	}
	b.fill = math.Max(0, b.fill-float64(n))
}

func (b *bucket) left() int {
	if b == nil {
		return -1
	}
	return int(b.fill)
}

// lookup 返回分组；未配置的 key 视为不限额。调用方持有 l.mu。
func (l *Limiter) lookup(key LimitKey) *group {
	g := l.groups[key]
	if g == nil {
		g = &group{}
		l.groups[key] = g
	}
	return g
}

// reserve 尝试一次扣减；不足时返回需要等待的时长。
func (l *Limiter) reserve(a Ask) (time.Duration, Quota, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g := l.lookup(a.Key)
	if g.max > 0 && a.Tokens > g.max {
		return 0, Quota{}, fmt.Errorf("%w: %d tokens > max_tokens_per_request %d", contract.ErrBudgetExceeded, a.Tokens, g.max)
	}
	t := l.now()
	g.requests.advance(t)
	g.tokens.advance(t)
	wait := max(g.requests.shortfall(a.Requests), g.tokens.shortfall(a.Tokens))
	if wait > 0 {
		return wait, Quota{}, nil
	}
	g.requests.take(a.Requests)
	g.tokens.take(a.Tokens)
	return 0, Quota{Requests: g.requests.left(), Tokens: g.tokens.left()}, nil
}

// Wait 实现 Gate。
func (l *Limiter) Wait(ctx context.Context, a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return fmt.Errorf("rate: %w: requests=%d tokens=%d", contract.ErrInvalidInput, a.Requests, a.Tokens)
	}
	const minSleep = 10 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, q, err := l.reserve(a)
		if err != nil {
			return err
		}
		if wait == 0 {
			diag.SetQuota(q.Requests, q.Tokens)
			return nil
		}
		t := time.NewTimer(max(wait, minSleep))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Remaining 返回分组当前剩余额度（诊断用）。
func (l *Limiter) Remaining(key LimitKey) Quota {
	l.mu.Lock()
	defer l.mu.Unlock()
	g := l.lookup(key)
	t := l.now()
	g.requests.advance(t)
	g.tokens.advance(t)
	return Quota{Requests: g.requests.left(), Tokens: g.tokens.left()}
}

var _ Gate = (*Limiter)(nil)
