package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sightline/sightline/internal/domain/model"
)

const pngBase64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

func resolve(t *testing.T, modelID, provider string) model.ResolvedTarget {
	t.Helper()
	target, err := model.NewResolver(model.DefaultCatalog()).Resolve(modelID, provider, model.ProviderOpenAI)
	if err != nil {
		t.Fatal(err)
	}
	return target
}

func collect(t *testing.T, ch <-chan model.Chunk) string {
	t.Helper()
	var parts []string
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("stream error: %v", c.Err)
		}
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "|")
}

func TestOpenAIComplete(t *testing.T) {
	var got OpenAIChatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"id":"1","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClientWithBaseURL("sk-test", srv.URL)
	out, err := c.Complete(context.Background(), resolve(t, "gpt-4o", "openai"), model.ChatRequest{
		Prompt:  "what is this",
		Images:  []string{pngBase64},
		History: []model.Turn{{Role: model.RoleUser, Text: "hi"}, {Role: model.RoleAssistant, Text: "hey"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "hello" || out.Blocked {
		t.Fatalf("unexpected completion %+v", out)
	}
	if auth != "Bearer sk-test" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if got.Model != "gpt-4o" || len(got.Messages) != 3 {
		t.Fatalf("unexpected request %+v", got)
	}
	parts, ok := got.Messages[2].Content.([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("expected text and image parts, got %#v", got.Messages[2].Content)
	}
	img := parts[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	if !strings.HasPrefix(img, "data:image/png;base64,") {
		t.Fatalf("unexpected data url %q", img[:30])
	}
}

func TestOpenAIContentFilterIsBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":""},"finish_reason":"content_filter"}]}`))
	}))
	defer srv.Close()

	out, err := NewOpenAIClientWithBaseURL("k", srv.URL).Complete(context.Background(), resolve(t, "gpt-4o", ""), model.ChatRequest{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Blocked {
		t.Fatal("expected blocked completion")
	}
}

func streamedChunks(t *testing.T, ch <-chan model.Chunk) []model.Chunk {
	t.Helper()
	var out []model.Chunk
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("stream error: %v", c.Err)
		}
		out = append(out, c)
	}
	return out
}

func TestOpenAIStreamContentFilterIsBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"content_filter\"}]}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	ch, err := NewOpenAIClientWithBaseURL("k", srv.URL).Stream(context.Background(), resolve(t, "gpt-4o", ""), model.ChatRequest{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	got := streamedChunks(t, ch)
	if len(got) != 1 || !got[0].Blocked || got[0].Text != "" {
		t.Fatalf("expected a single blocked chunk without text, got %+v", got)
	}
}

func TestGeminiStreamSafetyBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {\"promptFeedback\":{\"blockReason\":\"SAFETY\"}}\n\n"))
	}))
	defer srv.Close()

	ch, err := NewGeminiClientWithBaseURL("k", srv.URL).Stream(context.Background(), resolve(t, "gemini-1.5-pro", ""), model.ChatRequest{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	got := streamedChunks(t, ch)
	if len(got) != 1 || !got[0].Blocked || got[0].Text != "" {
		t.Fatalf("expected a single blocked chunk without text, got %+v", got)
	}
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"c1"}}]}`,
			`{"choices":[{"delta":{"content":"c2"}}]}`,
			`{"choices":[{"delta":{"content":"c3"},"finish_reason":"stop"}]}`,
			`[DONE]`,
		} {
			_, _ = w.Write([]byte("data: " + d + "\n\n"))
		}
	}))
	defer srv.Close()

	ch, err := NewOpenAIClientWithBaseURL("xai-k", srv.URL).Stream(context.Background(), resolve(t, "grok-1.5", ""), model.ChatRequest{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, ch); got != "c1|c2|c3" {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestOpenAIMalformedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {not json\n\n"))
	}))
	defer srv.Close()

	ch, err := NewOpenAIClientWithBaseURL("k", srv.URL).Stream(context.Background(), resolve(t, "gpt-4o", ""), model.ChatRequest{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	var last model.Chunk
	for c := range ch {
		last = c
	}
	if last.Err == nil {
		t.Fatal("expected error chunk")
	}
	if kind := model.AsBackendError(last.Err, resolve(t, "gpt-4o", "")).Kind; kind != model.KindMalformed {
		t.Fatalf("expected malformed kind, got %s", kind)
	}
}

func TestOpenAIHTTPErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided: sk-live-123"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIClientWithBaseURL("sk-live-123", srv.URL).Complete(context.Background(), resolve(t, "gpt-4o", ""), model.ChatRequest{Prompt: "x"})
	var api *APIError
	if !errors.As(err, &api) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if api.BackendKind() != model.KindAuth {
		t.Fatalf("expected auth kind, got %s", api.BackendKind())
	}
	if strings.Contains(api.Body, "sk-live-123") {
		t.Fatalf("key leaked: %s", api.Body)
	}
}

func TestGeminiComplete(t *testing.T) {
	var got GeminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.0-flash:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Errorf("missing api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"a "},{"text":"cat"}]},"finishReason":"STOP"}]}`))
	}))
	defer srv.Close()

	out, err := NewGeminiClientWithBaseURL("g-key", srv.URL).Complete(context.Background(), resolve(t, "gemini-2.0-flash", ""), model.ChatRequest{
		Images:  []string{pngBase64},
		History: []model.Turn{{Role: model.RoleAssistant, Text: "earlier"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "a cat" {
		t.Fatalf("unexpected text %q", out.Text)
	}
	if len(got.Contents) != 2 || got.Contents[0].Role != "model" {
		t.Fatalf("unexpected contents %+v", got.Contents)
	}
	last := got.Contents[1].Parts
	if len(last) != 1 || last[0].InlineData == nil || last[0].InlineData.MimeType != "image/png" {
		t.Fatalf("unexpected parts %+v", last)
	}
}

func TestGeminiSafetyBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`))
	}))
	defer srv.Close()

	out, err := NewGeminiClientWithBaseURL("k", srv.URL).Complete(context.Background(), resolve(t, "gemini-1.5-pro", ""), model.ChatRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("a safety block is not an error: %v", err)
	}
	if !out.Blocked {
		t.Fatal("expected blocked completion")
	}
}

func TestGeminiStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("expected alt=sse")
		}
		for _, d := range []string{
			`{"candidates":[{"content":{"parts":[{"text":"one"}]}}]}`,
			`{"candidates":[{"content":{"parts":[{"text":"two"}]},"finishReason":"STOP"}]}`,
		} {
			_, _ = w.Write([]byte("data: " + d + "\r\n\r\n"))
		}
	}))
	defer srv.Close()

	ch, err := NewGeminiClientWithBaseURL("k", srv.URL).Stream(context.Background(), resolve(t, "gemini-1.5-flash", ""), model.ChatRequest{Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, ch); got != "one|two" {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	r.Register(model.ProviderOpenAI, model.BackendFunc(func(context.Context, model.ResolvedTarget, model.ChatRequest) (model.Completion, error) {
		return model.Completion{Text: "routed"}, nil
	}))

	out, err := r.Complete(context.Background(), resolve(t, "gpt-4o", ""), model.ChatRequest{Prompt: "x"})
	if err != nil || out.Text != "routed" {
		t.Fatalf("unexpected %v %v", out, err)
	}

	_, err = r.Complete(context.Background(), resolve(t, "claude-3-opus", ""), model.ChatRequest{Prompt: "x"})
	var be *model.BackendError
	if !errors.As(err, &be) || be.Kind != model.KindAuth || !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected not configured backend error, got %v", err)
	}
}

func TestNewRouterFromSettings(t *testing.T) {
	r := NewRouterFromSettings(map[model.ProviderID]Settings{
		model.ProviderOpenAI: {APIKey: "sk-1"},
		model.ProviderGrok:   {APIKey: "xai-1"},
		model.ProviderGemini: {},
	})
	got := r.Configured()
	if len(got) != 2 || got[0] != model.ProviderGrok || got[1] != model.ProviderOpenAI {
		t.Fatalf("unexpected configured providers %v", got)
	}
	if grok := r.backends[model.ProviderGrok].(*OpenAIClient); grok.BaseURL != grokBaseURL {
		t.Fatalf("grok base url %s", grok.BaseURL)
	}
}

func TestRouterApplyReplacesBackends(t *testing.T) {
	r := NewRouterFromSettings(map[model.ProviderID]Settings{
		model.ProviderOpenAI: {APIKey: "sk-1"},
	})
	r.Apply(map[model.ProviderID]Settings{
		model.ProviderOpenAI: {APIKey: ""},
		model.ProviderClaude: {APIKey: "sk-ant-1"},
	})
	got := r.Configured()
	if len(got) != 1 || got[0] != model.ProviderClaude {
		t.Fatalf("unexpected configured providers %v", got)
	}

	_, err := r.Complete(context.Background(), resolve(t, "gpt-4o", ""), model.ChatRequest{Prompt: "hi"})
	var be *model.BackendError
	if !errors.As(err, &be) || be.Kind != model.KindAuth {
		t.Fatalf("expected auth error for dropped provider, got %v", err)
	}
}

func TestWhisperTranscriber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.FormValue("model") != "whisper-1" || r.FormValue("language") != "zh" {
			t.Errorf("unexpected form %v", r.MultipartForm.Value)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("file: %v", err)
		} else {
			data, _ := io.ReadAll(f)
			if string(data) != "RIFF" || hdr.Filename != "clip.wav" {
				t.Errorf("unexpected upload %s %q", hdr.Filename, data)
			}
		}
		_, _ = w.Write([]byte(`{"text":" 你好 "}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o600); err != nil {
		t.Fatal(err)
	}
	text, err := NewWhisperTranscriber("k", srv.URL, "zh-CN").Transcribe(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if text != "你好" {
		t.Fatalf("unexpected transcript %q", text)
	}
}

func TestGoogleTranscriber(t *testing.T) {
	var got googleRecognizeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"results":[{"alternatives":[{"transcript":"hello"}]},{"alternatives":[{"transcript":"world"}]}]}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "clip.webm")
	if err := os.WriteFile(path, []byte("audio"), 0o600); err != nil {
		t.Fatal(err)
	}
	g := NewGoogleTranscriber("k", "en-GB")
	g.URL = srv.URL
	text, err := g.Transcribe(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected transcript %q", text)
	}
	if got.Config.Encoding != "WEBM_OPUS" || got.Config.LanguageCode != "en-GB" {
		t.Fatalf("unexpected config %+v", got.Config)
	}
}

func TestOpenAISpeech(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["voice"] != "alloy" || body["input"] != "say this" {
			t.Errorf("unexpected body %v", body)
		}
		_, _ = w.Write([]byte("ID3audio"))
	}))
	defer srv.Close()

	audio, err := NewOpenAISpeech("k", srv.URL, "", "").Synthesize(context.Background(), "say this")
	if err != nil {
		t.Fatal(err)
	}
	if string(audio) != "ID3audio" {
		t.Fatalf("unexpected audio %q", audio)
	}
}

func TestReadSSEMultiLineData(t *testing.T) {
	var got []string
	err := readSSE(strings.NewReader(": comment\nevent: a\ndata: x\ndata: y\n\ndata: z\n"), func(event, data string) (bool, error) {
		got = append(got, event+"="+data)
		return true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ";") != "a=x\ny;=z" {
		t.Fatalf("unexpected events %q", got)
	}
}
