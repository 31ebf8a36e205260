package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sightline/sightline/internal/domain/model"
)

func TestIsAnthropicSetupToken(t *testing.T) {
	if !isAnthropicSetupToken("sk-ant-oat01-abc") {
		t.Fatal("expected setup token to be detected")
	}
	if isAnthropicSetupToken("sk-ant-api-key") {
		t.Fatal("did not expect standard api key to be detected as setup token")
	}
}

func TestAnthropicClientUsesCorrectAuthHeader(t *testing.T) {
	type seen struct {
		Authorization string
		APIKeyHeader  string
		Model         string
	}
	run := func(t *testing.T, token string, expectBearer bool) {
		t.Helper()
		var got seen
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got.Authorization = r.Header.Get("Authorization")
			got.APIKeyHeader = r.Header.Get("x-api-key")
			var req ChatRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			got.Model = req.Model
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"x","type":"message","role":"assistant","content":[{"type":"text","text":"ok"}],"model":"claude","stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`))
		}))
		defer srv.Close()

		c := NewAnthropicClientWithBaseURL(token, srv.URL)
		out, err := c.Complete(context.Background(), resolve(t, "claude-3-opus", ""), model.ChatRequest{Prompt: "hello"})
		if err != nil {
			t.Fatalf("chat failed: %v", err)
		}
		if out.Text != "ok" {
			t.Fatalf("unexpected text %q", out.Text)
		}
		if got.Model != "claude-3-opus-latest" {
			t.Fatalf("expected mapped model name, got %q", got.Model)
		}

		if expectBearer {
			if got.Authorization == "" || got.APIKeyHeader != "" {
				t.Fatalf("expected bearer auth only, got Authorization=%q x-api-key=%q", got.Authorization, got.APIKeyHeader)
			}
			return
		}
		if got.Authorization != "" || got.APIKeyHeader == "" {
			t.Fatalf("expected x-api-key only, got Authorization=%q x-api-key=%q", got.Authorization, got.APIKeyHeader)
		}
	}

	run(t, "sk-ant-oat01-setup-token", true)
	run(t, "sk-ant-normal-api-key", false)
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`event: message_start` + "\n" + `data: {"type":"message_start"}`,
			`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
			`event: ping` + "\n" + `data: {"type":"ping"}`,
			`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
			`event: message_stop` + "\n" + `data: {"type":"message_stop"}`,
		}
		for _, ev := range events {
			_, _ = w.Write([]byte(ev + "\n\n"))
		}
	}))
	defer srv.Close()

	c := NewAnthropicClientWithBaseURL("key", srv.URL)
	ch, err := c.Stream(context.Background(), resolve(t, "claude-3.5-haiku", ""), model.ChatRequest{Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, ch); got != "Hel|lo" {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestAnthropicStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"))
	}))
	defer srv.Close()

	c := NewAnthropicClientWithBaseURL("key", srv.URL)
	ch, err := c.Stream(context.Background(), resolve(t, "claude-3-haiku", ""), model.ChatRequest{Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	var last model.Chunk
	for c := range ch {
		last = c
	}
	if last.Err == nil || !strings.Contains(last.Err.Error(), "overloaded_error") {
		t.Fatalf("expected overloaded error, got %+v", last)
	}
}

func TestAnthropicMessagesAlternate(t *testing.T) {
	msgs := anthropicMessages(model.ChatRequest{
		Prompt: "now",
		History: []model.Turn{
			{Role: model.RoleAssistant, Text: "greeting"},
			{Role: model.RoleUser, Text: "a"},
			{Role: model.RoleUser, Text: "b"},
			{Role: model.RoleAssistant, Text: "c"},
		},
	})
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	if strings.Join(roles, ",") != "user,assistant,user" {
		t.Fatalf("unexpected roles %v", roles)
	}
	if len(msgs[0].Content) != 2 {
		t.Fatalf("expected merged user turns, got %d blocks", len(msgs[0].Content))
	}
}
