package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"clarifai/internal/diag"
	"clarifai/pkg/contract"
)

// contextMenuRequest: 右键菜单转发请求体。
type contextMenuRequest struct {
	TabID         *int64 `json:"tabId"`
	SelectionText string `json:"selectionText"`
}

// contextMenuAck: 转发结果；Delivered 为送达的连接数。
type contextMenuAck struct {
	OK        bool `json:"ok"`
	Delivered int  `json:"delivered"`
}

// Handler 返回完整路由（含 CORS）。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.envelopeHandler(""))
	mux.HandleFunc("POST /v1/explain", s.envelopeHandler(contract.MsgExplainText))
	mux.HandleFunc("POST /v1/cancel", s.envelopeHandler(contract.MsgCancelExplanation))
	mux.HandleFunc("POST /v1/context-menu", s.handleContextMenu)
	mux.HandleFunc("GET /v1/ws", s.serveWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, contract.Response{OK: true})
	})
	mux.Handle("GET /metrics", diag.Handler())
	return s.cors(mux)
}

// envelopeHandler 解析信封并分派；typ 非空时覆盖信封的 type。
// 应答一律 200（失败体现在 ok=false），仅请求体无法解析或 type 未知时返回 400。
func (s *Server) envelopeHandler(typ string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env contract.Envelope
		if err := s.decodeBody(w, r, &env); err != nil {
			writeJSON(w, http.StatusBadRequest, contract.Response{Error: err.Error()})
			return
		}
		if typ != "" {
			env.Type = typ
		}
		resp, err := s.handle(r.Context(), "http", env)
		status := http.StatusOK
		if errors.Is(err, ErrUnknownType) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, resp)
	}
}

func (s *Server) handleContextMenu(w http.ResponseWriter, r *http.Request) {
	var req contextMenuRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, contract.Response{Error: err.Error()})
		return
	}
	if req.TabID == nil {
		writeJSON(w, http.StatusBadRequest, contract.Response{Error: "tabId required"})
		return
	}
	n := s.PushContextMenu(*req.TabID, req.SelectionText)
	writeJSON(w, http.StatusOK, contextMenuAck{OK: true, Delivered: n})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.logger.WarnWith("server", string(diag.CodeInput), "decode body: "+err.Error(), "", "", map[string]string{"path": r.URL.Path})
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// cors 仅对白名单 Origin 回写 CORS 头；预检请求直接应答。
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := s.originAllowed(origin)
		if origin != "" && allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
