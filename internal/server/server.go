package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"clarifai/internal/coordinator"
	"clarifai/internal/diag"
	"clarifai/internal/textnorm"
	"clarifai/pkg/contract"
)

// 三种入口（HTTP / WebSocket / NATS）共享同一套信封语义：
// - EXPLAIN_TEXT 交给协调器；取消类失败统一应答 "Request canceled"；
// - CANCEL_EXPLANATION 恒应答 {ok:true}；
// - requestId 原样回显。

// 应答文案（与浏览器端约定一致）。
const (
	MsgRequestCanceled = "Request canceled"
	MsgUnknownError    = "Unknown error"
)

// ErrUnknownType: 信封 type 不在支持集合内。
var ErrUnknownType = errors.New("unknown message type")

// Explainer 是服务层依赖的协调能力（coordinator.Coordinator 实现）。
type Explainer interface {
	Explain(ctx context.Context, clientKey, text string) (contract.ExplanationResult, error)
	Cancel(clientKey string) bool
}

// Options 服务运行期配置。
type Options struct {
	// AllowedOrigins: 允许的浏览器 Origin；"*" 放行全部。无 Origin 头的请求（本机 CLI/脚本）总是放行。
	AllowedOrigins []string
	// MaxBodyBytes: 单条信封上限；<=0 使用默认 64 KiB。
	MaxBodyBytes int64
}

const defaultMaxBody = 64 << 10

// Server 将外部消息翻译为协调器调用。
type Server struct {
	ex       Explainer
	opts     Options
	logger   *diag.Logger
	hub      *hub
	upgrader websocket.Upgrader
}

// New 构造服务；ex 不可为 nil。
func New(ex Explainer, opts Options, logger *diag.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	s := &Server{ex: ex, opts: opts, logger: logger, hub: newHub()}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}
	return s
}

// Dispatch 处理一条信封并返回应答。被取代的请求同样应答为取消。
func (s *Server) Dispatch(ctx context.Context, env contract.Envelope) contract.Response {
	resp, _ := s.handle(ctx, "direct", env)
	return resp
}

// handle 返回应答与原始错误；传输层据错误决定是否投递（如 WebSocket 丢弃被取代的应答）。
func (s *Server) handle(ctx context.Context, transport string, env contract.Envelope) (contract.Response, error) {
	key := coordinator.ClientKey(env.ClientID, env.Sender)
	switch env.Type {
	case contract.MsgExplainText:
		s.logger.DebugStart("server", "explain", key, "", map[string]string{"transport": transport})
		res, err := s.ex.Explain(ctx, key, env.Text)
		if err != nil {
			diag.IncOp("server", transport, "error")
			return ErrorResponse(err, env.RequestID), err
		}
		diag.IncOp("server", transport, "success")
		return contract.Response{
			OK:          true,
			Explanation: res.Description,
			Data:        &res,
			RequestID:   env.RequestID,
		}, nil
	case contract.MsgCancelExplanation:
		found := s.ex.Cancel(key)
		s.logger.Info("server", "cancel", map[string]string{
			"client_key": key, "transport": transport, "found": fmt.Sprintf("%t", found),
		})
		return contract.Response{OK: true, RequestID: env.RequestID}, nil
	default:
		err := fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
		s.logger.WarnWith("server", string(diag.CodeInput), err.Error(), key, "", map[string]string{"transport": transport})
		return ErrorResponse(err, env.RequestID), err
	}
}

// ErrorResponse 将错误映射为失败应答：取消类 → "Request canceled"，其余为错误消息（空时 "Unknown error"）。
func ErrorResponse(err error, reqID *int64) contract.Response {
	if errors.Is(err, contract.ErrCanceled) {
		return contract.Response{Error: MsgRequestCanceled, Canceled: true, RequestID: reqID}
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = MsgUnknownError
	}
	return contract.Response{Error: msg, RequestID: reqID}
}

// PushContextMenu 把右键菜单选中的文本推送给该标签页的全部连接，返回送达数。
// 清洗后为空时不推送。
func (s *Server) PushContextMenu(tabID int64, selection string) int {
	text := textnorm.SanitizeOriginalInput(selection)
	if text == "" {
		return 0
	}
	n := s.hub.push(tabID, contract.ContextMenuPush{Type: contract.MsgShowFromContextMenu, Text: text})
	s.logger.Info("server", "context menu", map[string]string{
		"tab": fmt.Sprintf("%d", tabID), "delivered": fmt.Sprintf("%d", n),
	})
	return n
}

// Close 断开全部 WebSocket 连接（http.Server.Shutdown 不处理已劫持的连接）。
func (s *Server) Close() {
	s.hub.closeAll(time.Second)
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
