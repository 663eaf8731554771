package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"clarifai/internal/diag"
	"clarifai/pkg/contract"
)

const writeWait = 10 * time.Second

// wsConn 包装单条连接；gorilla/websocket 不允许并发写，写操作以 wmu 串行化。
type wsConn struct {
	id    string
	ws    *websocket.Conn
	tab   *int64
	frame *int64

	wmu sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *wsConn) close(wait time.Duration) {
	c.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wait))
	c.wmu.Unlock()
	_ = c.ws.Close()
}

// hub: tabId → 连接集合，用于右键菜单推送。
type hub struct {
	mu    sync.Mutex
	conns map[int64]map[*wsConn]struct{}
	all   map[*wsConn]struct{}
}

func newHub() *hub {
	return &hub{conns: make(map[int64]map[*wsConn]struct{}), all: make(map[*wsConn]struct{})}
}

func (h *hub) add(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[c] = struct{}{}
	if c.tab == nil {
		return
	}
	set := h.conns[*c.tab]
	if set == nil {
		set = make(map[*wsConn]struct{})
		h.conns[*c.tab] = set
	}
	set[c] = struct{}{}
}

func (h *hub) remove(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.all, c)
	if c.tab == nil {
		return
	}
	if set := h.conns[*c.tab]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, *c.tab)
		}
	}
}

// push 向 tab 的全部连接写入 v，返回写入成功的数量。
func (h *hub) push(tab int64, v any) int {
	h.mu.Lock()
	targets := make([]*wsConn, 0, len(h.conns[tab]))
	for c := range h.conns[tab] {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	n := 0
	for _, c := range targets {
		if c.writeJSON(v) == nil {
			n++
		}
	}
	return n
}

func (h *hub) closeAll(wait time.Duration) {
	h.mu.Lock()
	targets := make([]*wsConn, 0, len(h.all))
	for c := range h.all {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.close(wait)
	}
}

// serveWS: GET /v1/ws?tab=<id>&frame=<id>
// 每个文本帧是一条信封；应答按完成先后写回。连接的 tab/frame 作为缺省 sender。
// 被同一客户端新请求取代的应答不写回（新请求的应答会到达）。
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	tab, err := queryInt(r, "tab")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, contract.Response{Error: err.Error()})
		return
	}
	frame, err := queryInt(r, "frame")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, contract.Response{Error: err.Error()})
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已写出错误应答
		s.logger.WarnWith("server", string(diag.CodeProtocol), "ws upgrade: "+err.Error(), "", "", nil)
		return
	}
	ws.SetReadLimit(s.opts.MaxBodyBytes)
	c := &wsConn{id: uuid.NewString(), ws: ws, tab: tab, frame: frame}
	s.hub.add(c)
	timer := s.logger.StartWithKV("server", "ws connect", "", "", map[string]string{"conn_id": c.id})

	// 连接断开即取消其在途请求
	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.hub.remove(c)
		_ = ws.Close()
		timer.Finish("ws disconnect", 0)
	}()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.WarnWith("server", string(diag.CodeNetwork), "ws read: "+err.Error(), "", "", map[string]string{"conn_id": c.id})
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var env contract.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = c.writeJSON(contract.Response{Error: "invalid message: " + err.Error()})
			continue
		}
		if env.Sender == nil && c.tab != nil {
			env.Sender = &contract.Sender{TabID: c.tab, FrameID: c.frame}
		}
		wg.Add(1)
		go func(env contract.Envelope) {
			defer wg.Done()
			resp, err := s.handle(ctx, "ws", env)
			if errors.Is(err, contract.ErrSuperseded) {
				return
			}
			if ctx.Err() != nil {
				// 连接已断开
				return
			}
			_ = c.writeJSON(resp)
		}(env)
	}
}

func queryInt(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errors.New("invalid " + name + " parameter")
	}
	return &v, nil
}
