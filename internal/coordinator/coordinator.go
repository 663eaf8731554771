package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"clarifai/internal/diag"
	"clarifai/pkg/contract"
)

// - 每个 clientKey 至多一个在途请求；新请求到达时取消旧请求（原因 ErrSuperseded），不等待其结束。
// - 旧请求结束时只在登记项仍是自己时才删除，绝不改动后继请求的登记项。
// - 被取代或被取消的请求，无论生成器结果如何，一律以 ErrCanceled 结束。

// Generator 是协调器依赖的最小生成能力（internal/pipeline.Generator 实现）。
type Generator interface {
	Generate(ctx context.Context, text string) (contract.ExplanationResult, error)
}

// Options 协调器运行期配置。
type Options struct {
	// Timeout: 单请求最长等待；<=0 表示不限。超时以 ErrTimeout 失败（非取消）。
	Timeout time.Duration
}

// Outcome 标签（日志/指标/终端共用）。
const (
	OutcomeOK         = "ok"
	OutcomeCanceled   = "canceled"
	OutcomeSuperseded = "superseded"
	OutcomeTimeout    = "timeout"
	OutcomeError      = "error"
)

var errSuperseded = fmt.Errorf("%w: %w", contract.ErrCanceled, contract.ErrSuperseded)

type pending struct {
	id     string
	cancel context.CancelCauseFunc
}

// Coordinator 持有 clientKey → 在途请求 的登记表。并发安全。
type Coordinator struct {
	gen    Generator
	opts   Options
	logger *diag.Logger

	mu sync.Mutex
	m  map[string]*pending
}

// New 构造协调器；gen 不可为 nil。
func New(gen Generator, opts Options, logger *diag.Logger) *Coordinator {
	return &Coordinator{gen: gen, opts: opts, logger: logger, m: make(map[string]*pending)}
}

// Explain 为 clientKey 发起一次解释，取代该 key 上仍在途的旧请求。
// 被取代或取消时返回满足 errors.Is(err, contract.ErrCanceled) 的错误。
func (c *Coordinator) Explain(ctx context.Context, clientKey, text string) (contract.ExplanationResult, error) {
	id := uuid.NewString()
	rctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if c.opts.Timeout > 0 {
		var stop context.CancelFunc
		rctx, stop = context.WithTimeoutCause(rctx, c.opts.Timeout, contract.ErrTimeout)
		defer stop()
	}
	p := &pending{id: id, cancel: cancel}

	c.mu.Lock()
	old := c.m[clientKey]
	if old != nil {
		old.cancel(errSuperseded)
	}
	c.m[clientKey] = p
	// 在锁内更新在途数，保证并发请求按序发布
	diag.SetPending(len(c.m))
	c.mu.Unlock()
	if old != nil {
		c.logger.Info("coordinator", "superseded", map[string]string{
			"client_key": clientKey, "request_id": old.id, "by": id,
		})
	}

	start := time.Now()
	if t := diag.GetTerminal(); t != nil {
		t.RequestStart(clientKey, text)
	}
	timer := c.logger.StartWithKV("coordinator", "explain", clientKey, id, map[string]string{
		"text_len": fmt.Sprintf("%d", len(text)),
	})

	res, err := c.gen.Generate(diag.WithRequest(rctx, clientKey, id), text)
	current := c.release(clientKey, p)
	if current && err != nil && rctx.Err() != nil {
		err = abortErr(rctx, err)
	}

	outcome := OutcomeOK
	switch {
	case !current:
		// 登记项已被 Cancel 或后继请求移除：结果与错误一并丢弃
		cause := context.Cause(rctx)
		if !errors.Is(cause, contract.ErrCanceled) {
			cause = errSuperseded
		}
		outcome = OutcomeCanceled
		if errors.Is(cause, contract.ErrSuperseded) {
			outcome = OutcomeSuperseded
		}
		res, err = contract.ExplanationResult{}, fmt.Errorf("explain: %w", cause)
	case err != nil && errors.Is(err, contract.ErrTimeout):
		outcome = OutcomeTimeout
	case err != nil && errors.Is(err, contract.ErrCanceled):
		outcome = OutcomeCanceled
	case err != nil:
		outcome = OutcomeError
	}

	diag.IncRequest(outcome)
	if t := diag.GetTerminal(); t != nil {
		t.RequestFinish(clientKey, outcome, time.Since(start))
	}
	switch outcome {
	case OutcomeOK:
		timer.Finish("explain", 1)
		diag.IncOp("coordinator", "finish", "success")
	case OutcomeError, OutcomeTimeout:
		code := diag.Classify(err)
		c.logger.ErrorWith("coordinator", string(code), "explain failed: "+err.Error(), timer.Since(), clientKey, id)
		diag.IncOp("coordinator", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("coordinator", string(code))
		}
	default:
		c.logger.Info("coordinator", outcome, map[string]string{"client_key": clientKey, "request_id": id})
		diag.IncOp("coordinator", "finish", outcome)
	}
	return res, err
}

// abortErr 保证中止引发的失败带有 ErrTimeout 或 ErrCanceled 分类。
func abortErr(ctx context.Context, err error) error {
	if errors.Is(err, contract.ErrTimeout) || errors.Is(err, contract.ErrCanceled) {
		return err
	}
	if errors.Is(context.Cause(ctx), contract.ErrTimeout) {
		return fmt.Errorf("explain: %w: %w", contract.ErrTimeout, err)
	}
	return fmt.Errorf("explain: %w: %w", contract.ErrCanceled, err)
}

// release 仅在登记项仍为 p 时删除；返回 p 是否仍为当前请求。
func (c *Coordinator) release(clientKey string, p *pending) bool {
	c.mu.Lock()
	cur := c.m[clientKey] == p
	if cur {
		delete(c.m, clientKey)
	}
	diag.SetPending(len(c.m))
	c.mu.Unlock()
	return cur
}

// Cancel 取消并移除 clientKey 的在途请求；不存在时为 no-op。返回是否取消了请求。
func (c *Coordinator) Cancel(clientKey string) bool {
	c.mu.Lock()
	p := c.m[clientKey]
	if p != nil {
		delete(c.m, clientKey)
		p.cancel(contract.ErrCanceled)
		diag.SetPending(len(c.m))
	}
	c.mu.Unlock()
	if p == nil {
		return false
	}
	c.logger.Info("coordinator", "cancel", map[string]string{"client_key": clientKey, "request_id": p.id})
	return true
}

// CancelAll 取消全部在途请求（服务停止时调用）。
func (c *Coordinator) CancelAll() int {
	c.mu.Lock()
	all := c.m
	c.m = make(map[string]*pending)
	diag.SetPending(0)
	c.mu.Unlock()
	for _, p := range all {
		p.cancel(contract.ErrCanceled)
	}
	return len(all)
}

// Pending 报告 clientKey 是否有在途请求。
func (c *Coordinator) Pending(clientKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.m[clientKey]
	return ok
}

// Len 返回在途请求数。
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
