package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sightline/sightline/internal/domain/model"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient calls the Gemini generateContent REST API.
type GeminiClient struct {
	APIKey  string
	BaseURL string
	client  *http.Client
	stream  *http.Client
}

// NewGeminiClient creates a new Gemini API client.
func NewGeminiClient(apiKey string) *GeminiClient {
	return NewGeminiClientWithBaseURL(apiKey, geminiBaseURL)
}

// NewGeminiClientWithBaseURL creates a Gemini client against baseURL.
func NewGeminiClientWithBaseURL(apiKey, baseURL string) *GeminiClient {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		base = geminiBaseURL
	}
	return &GeminiClient{
		APIKey:  apiKey,
		BaseURL: strings.TrimRight(base, "/"),
		client:  newHTTPClient(),
		stream:  streamingHTTPClient(),
	}
}

// GeminiRequest is the generateContent request body.
type GeminiRequest struct {
	Contents []GeminiContent `json:"contents"`
}

// GeminiContent is one conversation turn.
type GeminiContent struct {
	Role  string       `json:"role,omitempty"` // "user" or "model"
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart is text or inline image data.
type GeminiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *GeminiBlobData `json:"inline_data,omitempty"`
}

// GeminiBlobData carries base64 bytes.
type GeminiBlobData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// GeminiResponse is the generateContent response.
type GeminiResponse struct {
	Candidates []struct {
		Content      GeminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// Text concatenates the text parts of the first candidate.
func (r *GeminiResponse) Text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func (c *GeminiClient) endpoint(modelID, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", c.BaseURL, url.PathEscape(modelID), method)
}

func (c *GeminiClient) headers() map[string]string {
	return map[string]string{"x-goog-api-key": c.APIKey}
}

// Generate sends one generateContent call.
func (c *GeminiClient) Generate(ctx context.Context, modelID string, req *GeminiRequest) (*GeminiResponse, error) {
	resp, err := postJSON(ctx, c.client, c.endpoint(modelID, "generateContent"), c.headers(), req)
	if err != nil {
		return nil, err
	}
	var out GeminiResponse
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Complete implements model.Backend.
func (c *GeminiClient) Complete(ctx context.Context, target model.ResolvedTarget, req model.ChatRequest) (model.Completion, error) {
	resp, err := c.Generate(ctx, target.ModelID(), &GeminiRequest{Contents: geminiContents(req)})
	if err != nil {
		return model.Completion{}, err
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		// Gemini answers a safety block with no parts.
		return model.Completion{Blocked: true}, nil
	}
	return model.Completion{Text: text}, nil
}

// Stream implements model.Backend.
func (c *GeminiClient) Stream(ctx context.Context, target model.ResolvedTarget, req model.ChatRequest) (<-chan model.Chunk, error) {
	resp, err := postJSON(ctx, c.stream, c.endpoint(target.ModelID(), "streamGenerateContent")+"?alt=sse",
		c.headers(), &GeminiRequest{Contents: geminiContents(req)})
	if err != nil {
		return nil, err
	}

	out := make(chan model.Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var produced bool
		err := readSSE(resp.Body, func(_, data string) (bool, error) {
			var ev GeminiResponse
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return false, &malformedResponse{err: err}
			}
			if text := ev.Text(); text != "" {
				produced = true
				if !send(ctx, out, model.Chunk{Text: text}) {
					return false, ctx.Err()
				}
			}
			return true, nil
		})
		switch {
		case err != nil:
			send(ctx, out, model.Chunk{Err: err})
		case !produced:
			send(ctx, out, model.Chunk{Blocked: true})
		}
	}()
	return out, nil
}

func geminiContents(req model.ChatRequest) []GeminiContent {
	contents := make([]GeminiContent, 0, len(req.History)+1)
	for _, turn := range req.History {
		role := "user"
		if turn.Role == model.RoleAssistant {
			role = "model"
		}
		if parts := geminiParts(turn.Text, turn.Images); len(parts) > 0 {
			contents = append(contents, GeminiContent{Role: role, Parts: parts})
		}
	}
	return append(contents, GeminiContent{Role: "user", Parts: geminiParts(req.Prompt, req.Images)})
}

func geminiParts(text string, images []string) []GeminiPart {
	parts := make([]GeminiPart, 0, len(images)+1)
	if text != "" {
		parts = append(parts, GeminiPart{Text: text})
	}
	for _, img := range images {
		parts = append(parts, GeminiPart{InlineData: &GeminiBlobData{MimeType: imageMIME(img), Data: img}})
	}
	return parts
}
