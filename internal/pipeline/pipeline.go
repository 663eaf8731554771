package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"clarifai/internal/diag"
	"clarifai/internal/prompt"
	"clarifai/internal/rate"
	"clarifai/internal/textnorm"
	"clarifai/pkg/contract"
)

// - 单次解释：清洗 → 会话（降级）→ (Gate) → 提示（降级）→ 解码。
// - 降级：运行时拒绝系统指令或约束输出时改用更简单的调用形状（无选项会话 + 纯文本提示），ErrUnsupportedOptions 不向上传播。
// - 取消：会话创建前、提示发出前检查 ctx；任何由取消引发的失败统一映射为 ErrCanceled。
// - 会话在所有退出路径上销毁，销毁失败只记录告警。

// NoExplanation 是模型返回空白输出时的占位描述。
const NoExplanation = "No explanation returned."

// ErrNoText 表示清洗后输入为空；不创建会话、不调用模型。
var ErrNoText = fmt.Errorf("%w: no text provided", contract.ErrInvalidInput)

// Components 聚合生成一次解释所需的原子组件。
type Components struct {
	LLM           contract.LanguageModel // 可为 nil：此时每次生成返回 ErrUnavailable
	PromptBuilder contract.PromptBuilder
	Decoder       contract.Decoder
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	// 预算：单次请求最大 token、估算参数（bytesPerToken）；MaxTokens<=0 关闭预算检查
	MaxTokens     int
	BytesPerToken int
	// 限流闸门（可选）：若非空，则在发出提示前调用 Gate.Wait
	Gate rate.Gate
	// 限流分组键（外部根据 Provider 生成）
	GateKey rate.LimitKey
}

// Generator 驱动一次模型会话产出 ExplanationResult。并发安全：每次调用独立会话。
type Generator struct {
	comp   Components
	set    Settings
	logger *diag.Logger
}

// New 校验组件并预扣固定提示开销。
func New(comp Components, set Settings, logger *diag.Logger) (*Generator, error) {
	if err := sanity(comp); err != nil {
		return nil, fmt.Errorf("sanity: %w", err)
	}
	if set.MaxTokens > 0 {
		eff, _ := prompt.EffectiveMaxTokens(comp.PromptBuilder, set.BytesPerToken, set.MaxTokens)
		if eff <= 0 {
			return nil, fmt.Errorf("%w: effective token budget <= 0 after overhead", contract.ErrBudgetExceeded)
		}
	}
	return &Generator{comp: comp, set: set, logger: logger}, nil
}

func sanity(comp Components) error {
	if comp.PromptBuilder == nil {
		return fmt.Errorf("%w: prompt builder is nil", contract.ErrInvalidInput)
	}
	if comp.Decoder == nil {
		return fmt.Errorf("%w: decoder is nil", contract.ErrInvalidInput)
	}
	return nil
}

// Generate 为一段文本生成解释。
// 错误：ErrInvalidInput（空输入）、ErrUnavailable、ErrCanceled（或 ctx 的 ErrTimeout 原因）、ErrModel。
func (g *Generator) Generate(ctx context.Context, text string) (contract.ExplanationResult, error) {
	origin := textnorm.SanitizeOriginalInput(text)
	input := textnorm.NormalizeInput(origin)
	if input == "" {
		return contract.ExplanationResult{}, ErrNoText
	}
	if g.comp.LLM == nil {
		return contract.ExplanationResult{}, fmt.Errorf("generate: %w: no language model configured", contract.ErrUnavailable)
	}
	key, rid := diag.RequestFrom(ctx)

	if ctx.Err() != nil {
		return contract.ExplanationResult{}, abortErr(ctx, ctx.Err())
	}
	sess, plain, err := g.openSession(ctx, key, rid)
	if err != nil {
		return contract.ExplanationResult{}, g.mapErr(ctx, err)
	}
	defer g.destroy(sess, key, rid)

	if ctx.Err() != nil {
		return contract.ExplanationResult{}, abortErr(ctx, ctx.Err())
	}
	if g.set.Gate != nil {
		tokens := prompt.RequestTokens(g.comp.PromptBuilder, g.set.BytesPerToken, input)
		g.logger.DebugStart("gate", "ask", key, rid, map[string]string{
			"requests": "1",
			"tokens":   fmt.Sprintf("%d", tokens),
		})
		if err := g.set.Gate.Wait(ctx, rate.Ask{Key: g.set.GateKey, Requests: 1, Tokens: tokens}); err != nil {
			g.fail("gate", "wait failed", nil, key, rid, err)
			return contract.ExplanationResult{}, g.mapErr(ctx, err)
		}
	}

	raw, err := g.prompt(ctx, sess, plain, input, key, rid)
	if err != nil {
		return contract.ExplanationResult{}, g.mapErr(ctx, err)
	}

	dctimer := g.logger.StartWith("decoder", "decode", key, rid)
	out := strings.TrimSpace(raw.Text)
	if out == "" {
		out = NoExplanation
	}
	res := g.comp.Decoder.Decode(contract.Raw{Text: out}, origin)
	dctimer.Finish("decode", 1)
	diag.IncOp("decoder", "finish", "success")
	return res, nil
}

// openSession 先尝试带系统指令的会话；运行时拒绝该形状时改用无选项会话。
// plain 表示返回的会话不带系统指令。
func (g *Generator) openSession(ctx context.Context, key, rid string) (contract.Session, bool, error) {
	timer := g.logger.StartWith("session", "create", key, rid)
	sys := contract.SessionOptions{InitialPrompts: []contract.Message{{Role: "system", Content: g.comp.PromptBuilder.SystemInstruction()}}}
	plain := false
	sess, err := g.comp.LLM.Create(ctx, sys)
	if err != nil && errors.Is(err, contract.ErrUnsupportedOptions) {
		g.logger.WarnWith("session", string(diag.CodeUnsupported), "system instruction rejected, retry without options", key, rid, nil)
		diag.IncFallback("session")
		plain = true
		sess, err = g.comp.LLM.Create(ctx, contract.SessionOptions{})
	}
	if err != nil {
		g.fail("session", "create failed", timer, key, rid, err)
		return nil, false, err
	}
	timer.Finish("create", 0)
	diag.IncOp("session", "finish", "success")
	return sess, plain, nil
}

func (g *Generator) destroy(sess contract.Session, key, rid string) {
	if derr := sess.Destroy(); derr != nil {
		g.logger.WarnWith("session", string(diag.Classify(derr)), "destroy failed: "+derr.Error(), key, rid, nil)
	}
}

// prompt 先发出带 JSON Schema 约束的提示；运行时拒绝时改用内联指令的纯文本提示。
// 无状态运行时常在提示阶段才拒绝系统角色，因此降级提示总在无选项会话上发出：
// 当前会话带系统指令时另建一个，用后销毁。
// 降级阶段以 WithoutCancel 进行，无法中途取消；返回后若 ctx 已取消则丢弃其结果。
func (g *Generator) prompt(ctx context.Context, sess contract.Session, plain bool, input, key, rid string) (contract.Raw, error) {
	timer := g.logger.StartWithKV("llm_client", "prompt", key, rid, map[string]string{
		"input_len": fmt.Sprintf("%d", len(input)),
	})
	raw, err := sess.Prompt(ctx, input, contract.PromptOptions{ResponseConstraint: g.comp.PromptBuilder.Schema(input)})
	if err != nil && errors.Is(err, contract.ErrUnsupportedOptions) {
		g.logger.WarnWith("llm_client", string(diag.CodeUnsupported), "request shape rejected, fallback to plain prompt: "+err.Error(), key, rid, nil)
		diag.IncFallback("prompt")
		fctx := context.WithoutCancel(ctx)
		fs := sess
		err = nil
		if !plain {
			fs, err = g.comp.LLM.Create(fctx, contract.SessionOptions{})
			if err == nil {
				defer g.destroy(fs, key, rid)
			}
		}
		if err == nil {
			raw, err = fs.Prompt(fctx, g.comp.PromptBuilder.Fallback(input), contract.PromptOptions{})
		}
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		g.fail("llm_client", "prompt failed", timer, key, rid, err)
		return contract.Raw{}, err
	}
	timer.Finish("prompt", int64(len(raw.Text)))
	diag.IncOp("llm_client", "finish", "success")
	return raw, nil
}

// fail 记录阶段错误；上游 HTTP 错误附带状态码与消息片段。
func (g *Generator) fail(comp, msg string, timer *diag.Timer, key, rid string, err error) {
	code := diag.Classify(err)
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv := map[string]string{"http_status": fmt.Sprintf("%d", ue.UpstreamStatus())}
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			if len(m) > 200 {
				m = m[:200]
			}
			kv["upstream_msg"] = m
		}
		g.logger.ErrorWithKV(comp, string(code), msg+": "+err.Error(), timer.Since(), key, rid, kv)
	} else {
		g.logger.ErrorWith(comp, string(code), msg+": "+err.Error(), timer.Since(), key, rid)
	}
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

// mapErr 把组件错误归入生成器对外的错误分类，保留原始错误链。
func (g *Generator) mapErr(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return abortErr(ctx, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("generate: %w: %w", contract.ErrCanceled, err)
	case errors.Is(err, contract.ErrUnavailable):
		return fmt.Errorf("generate: %w", err)
	case errors.Is(err, contract.ErrUnsupportedOptions):
		// 降级后仍被拒绝：细节已记入日志，对外只报模型错误
		return fmt.Errorf("generate: %w: runtime rejected the request", contract.ErrModel)
	case errors.Is(err, contract.ErrModel):
		return fmt.Errorf("generate: %w", err)
	default:
		return fmt.Errorf("generate: %w: %w", contract.ErrModel, err)
	}
}

// abortErr 以 ctx 的取消原因为准：调用方设置了 ErrTimeout/ErrCanceled 原因时原样保留，
// 否则包裹为 ErrCanceled。
func abortErr(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, contract.ErrTimeout) || errors.Is(cause, contract.ErrCanceled) {
		return fmt.Errorf("generate: %w", cause)
	}
	if cause == nil {
		cause = err
	}
	return fmt.Errorf("generate: %w: %w", contract.ErrCanceled, cause)
}
