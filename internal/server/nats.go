package server

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"clarifai/internal/diag"
	"clarifai/pkg/contract"
)

// SubscribeNATS 在 subject 上提供 request/reply 入口。
// 每条消息在独立 goroutine 中处理，使同一客户端的后续请求能够取代前一个。
// 返回的订阅由调用方 Drain/Unsubscribe；ctx 结束时在途请求随之取消。
func (s *Server) SubscribeNATS(ctx context.Context, nc *nats.Conn, subject string) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		go func() {
			out := s.reply(ctx, msg.Data)
			if msg.Reply == "" {
				return
			}
			if err := msg.Respond(out); err != nil {
				s.logger.WarnWith("server", string(diag.CodeNetwork), "nats respond: "+err.Error(), "", "", map[string]string{"subject": msg.Subject})
			}
		}()
	})
}

// reply 解析一条 NATS 载荷并返回编码后的应答。
func (s *Server) reply(ctx context.Context, data []byte) []byte {
	var env contract.Envelope
	var resp contract.Response
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.WarnWith("server", string(diag.CodeInput), "nats decode: "+err.Error(), "", "", nil)
		resp = contract.Response{Error: "invalid message: " + err.Error()}
	} else {
		resp, _ = s.handle(ctx, "nats", env)
	}
	b, _ := json.Marshal(resp)
	return b
}
