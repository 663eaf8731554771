package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"clarifai/pkg/contract"
)

type captured struct {
	Path string
	Body map[string]any
}

func newServer(t *testing.T, status int, body string, got *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if got != nil {
			got.Path = r.URL.Path
			_ = json.Unmarshal(raw, &got.Body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *httptest.Server, extra string) contract.LanguageModel {
	t.Helper()
	c, err := New(json.RawMessage(fmt.Sprintf(`{"base_url":%q,"api_key":"k","model":"gm"%s}`, srv.URL+"/", extra)))
	require.NoError(t, err)
	return c
}

const okBody = `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"description\":"},{"text":"\"ok\"}"}]},"finishReason":"STOP"}]}`

// TestNewRequiresKey 缺少密钥时报 ErrInvalidInput。
func TestNewRequiresKey(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	_, err := New(json.RawMessage(`{}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

// TestPromptWithSchema 系统指令与响应 Schema 写入 generationConfig。
func TestPromptWithSchema(t *testing.T) {
	var got captured
	srv := newServer(t, 200, okBody, &got)
	c := newClient(t, srv, "")
	s, err := c.Create(context.Background(), contract.SessionOptions{InitialPrompts: []contract.Message{{Role: "system", Content: "SYS"}}})
	require.NoError(t, err)
	defer s.Destroy()

	var pinned any = "cat"
	schema := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"originText"},
		Properties: map[string]*jsonschema.Schema{
			"originText": {Type: "string", Const: &pinned},
		},
	}
	raw, err := s.Prompt(context.Background(), "cat", contract.PromptOptions{ResponseConstraint: schema})
	require.NoError(t, err)
	assert.Equal(t, `{"description":"ok"}`, raw.Text)
	assert.True(t, strings.HasSuffix(got.Path, "/models/gm:generateContent"), got.Path)

	b, _ := json.Marshal(got.Body)
	body := string(b)
	assert.Contains(t, body, `"SYS"`)
	assert.Contains(t, body, `"application/json"`)
	assert.Contains(t, body, `"cat"`)
}

// TestConvSchema const 转单值 enum。
func TestConvSchema(t *testing.T) {
	var pinned any = "x y"
	gs := convSchema(&jsonschema.Schema{
		Type:     "object",
		Required: []string{"a", "b"},
		Properties: map[string]*jsonschema.Schema{
			"a": {Type: "string", Const: &pinned},
			"b": {Type: "string"},
		},
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	})
	assert.Equal(t, genai.TypeObject, gs.Type)
	assert.Equal(t, []string{"a", "b"}, gs.Required)
	assert.Equal(t, []string{"x y"}, gs.Properties["a"].Enum)
	assert.Equal(t, "enum", gs.Properties["a"].Format)
	assert.Empty(t, gs.Properties["b"].Enum)
	assert.Nil(t, convSchema(nil))
}

// TestErrorClassification 上游错误映射为契约错误。
func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"schema rejected", 400, `{"error":{"code":400,"message":"Invalid JSON payload received. Unknown name \"responseSchema\"","status":"INVALID_ARGUMENT"}}`, contract.ErrUnsupportedOptions},
		{"other bad request", 400, `{"error":{"code":400,"message":"Request contains an invalid argument.","status":"INVALID_ARGUMENT"}}`, contract.ErrModel},
		{"quota", 429, `{"error":{"code":429,"message":"Resource exhausted","status":"RESOURCE_EXHAUSTED"}}`, contract.ErrRateLimited},
		{"forbidden", 403, `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`, contract.ErrUnavailable},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, tt.status, tt.body, nil)
			c := newClient(t, srv, "")
			s, err := c.Create(context.Background(), contract.SessionOptions{})
			require.NoError(t, err)
			_, err = s.Prompt(context.Background(), "x", contract.PromptOptions{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// TestDeclaredCapabilities 声明不支持时不发请求。
func TestDeclaredCapabilities(t *testing.T) {
	srv := newServer(t, 200, okBody, nil)
	c := newClient(t, srv, `,"supports_system_prompt":false,"supports_response_schema":false`)
	_, err := c.Create(context.Background(), contract.SessionOptions{InitialPrompts: []contract.Message{{Role: "system", Content: "S"}}})
	assert.ErrorIs(t, err, contract.ErrUnsupportedOptions)
	s, err := c.Create(context.Background(), contract.SessionOptions{})
	require.NoError(t, err)
	_, err = s.Prompt(context.Background(), "x", contract.PromptOptions{ResponseConstraint: &jsonschema.Schema{Type: "object"}})
	assert.ErrorIs(t, err, contract.ErrUnsupportedOptions)
}
