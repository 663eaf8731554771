package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// TestResultJSONFieldNames 验证 ExplanationResult 的线上字段名。
func TestResultJSONFieldNames(t *testing.T) {
	r := ExplanationResult{OriginText: "cat", PartOfSpeech: "noun", Description: "A pet.", Similar1: "kitten"}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"originText":"cat","partOfSpeech":"noun","description":"A pet.","similar1":"kitten","similar2":"","similar3":""}`
	if string(b) != want {
		t.Fatalf("got %s\nwant %s", b, want)
	}
}

// TestResponseOmitsEmpty 验证取消/失败应答的形状。
func TestResponseOmitsEmpty(t *testing.T) {
	cases := []struct {
		name string
		in   Response
		want string
	}{
		{"cancel ack", Response{OK: true}, `{"ok":true}`},
		{"canceled", Response{Error: "Request canceled", Canceled: true}, `{"ok":false,"error":"Request canceled","canceled":true}`},
		{"failure", Response{Error: "boom"}, `{"ok":false,"error":"boom"}`},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := json.Marshal(tt.in)
			if string(b) != tt.want {
				t.Fatalf("got %s want %s", b, tt.want)
			}
		})
	}
}

// TestEnvelopeDecode 验证信封可选字段解析。
func TestEnvelopeDecode(t *testing.T) {
	var env Envelope
	raw := `{"type":"CLARIFAI_EXPLAIN_TEXT","text":"hi","requestId":7,"sender":{"tabId":3}}`
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != MsgExplainText || env.RequestID == nil || *env.RequestID != 7 {
		t.Fatalf("unexpected envelope %#v", env)
	}
	if env.Sender == nil || env.Sender.TabID == nil || *env.Sender.TabID != 3 || env.Sender.FrameID != nil {
		t.Fatalf("unexpected sender %#v", env.Sender)
	}
}

// TestSupersededWrapsCanceled 约定：取代原因与取消一同包裹。
func TestSupersededWrapsCanceled(t *testing.T) {
	err := fmt.Errorf("%w: %w", ErrCanceled, ErrSuperseded)
	if !errors.Is(err, ErrCanceled) || !errors.Is(err, ErrSuperseded) {
		t.Fatalf("wrap chain broken: %v", err)
	}
}
