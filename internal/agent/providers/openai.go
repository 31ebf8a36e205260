package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sightline/sightline/internal/domain/model"
)

const (
	openAIBaseURL = "https://api.openai.com/v1"
	grokBaseURL   = "https://api.x.ai/v1"
)

// OpenAIClient implements the OpenAI Chat Completions API client. xAI Grok
// speaks the same API and reuses it with a different base URL.
type OpenAIClient struct {
	APIKey  string
	BaseURL string
	Headers map[string]string
	client  *http.Client
	stream  *http.Client
}

// NewOpenAIClient creates a new OpenAI API client.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return NewOpenAIClientWithBaseURL(apiKey, openAIBaseURL)
}

// NewGrokClient creates a client for the xAI API.
func NewGrokClient(apiKey string) *OpenAIClient {
	return NewOpenAIClientWithBaseURL(apiKey, grokBaseURL)
}

// NewOpenAIClientWithBaseURL creates a new OpenAI-compatible API client.
func NewOpenAIClientWithBaseURL(apiKey, baseURL string) *OpenAIClient {
	return NewOpenAIClientWithBaseURLAndHeaders(apiKey, baseURL, nil)
}

// NewOpenAIClientWithBaseURLAndHeaders creates a new OpenAI-compatible API client with extra headers.
func NewOpenAIClientWithBaseURLAndHeaders(apiKey, baseURL string, headers map[string]string) *OpenAIClient {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		base = openAIBaseURL
	}
	base = strings.TrimRight(base, "/")
	return &OpenAIClient{
		APIKey:  apiKey,
		BaseURL: base,
		Headers: headers,
		client:  newHTTPClient(),
		stream:  streamingHTTPClient(),
	}
}

// OpenAIChatRequest represents a request to the OpenAI Chat Completions API.
type OpenAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// OpenAIMessage represents a message in the OpenAI format. Content is a
// string or a list of OpenAIContentPart.
type OpenAIMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content any    `json:"content,omitempty"`
}

// OpenAIContentPart is one element of multi-part user content.
type OpenAIContentPart struct {
	Type     string          `json:"type"` // "text" or "image_url"
	Text     string          `json:"text,omitempty"`
	ImageURL *OpenAIImageURL `json:"image_url,omitempty"`
}

// OpenAIImageURL carries an inline data URL.
type OpenAIImageURL struct {
	URL string `json:"url"`
}

// OpenAIChatResponse represents the response from OpenAI Chat Completions API.
type OpenAIChatResponse struct {
	ID      string           `json:"id"`
	Model   string           `json:"model"`
	Choices []OpenAIChoice   `json:"choices"`
	Usage   OpenAIUsageStats `json:"usage"`
}

// OpenAIChoice represents a single completion choice.
type OpenAIChoice struct {
	Index        int            `json:"index"`
	Message      OpenAIRespText `json:"message"`
	Delta        OpenAIRespText `json:"delta"`
	FinishReason string         `json:"finish_reason"`
}

// OpenAIRespText is the assistant text of a choice or stream delta.
type OpenAIRespText struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
	Refusal string `json:"refusal,omitempty"`
}

// OpenAIUsageStats tracks OpenAI token consumption.
type OpenAIUsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (c *OpenAIClient) headers() map[string]string {
	h := map[string]string{"Authorization": "Bearer " + c.APIKey}
	for k, v := range c.Headers {
		h[k] = v
	}
	return h
}

// Chat sends a chat request to the OpenAI API.
func (c *OpenAIClient) Chat(ctx context.Context, req *OpenAIChatRequest) (*OpenAIChatResponse, error) {
	req.Stream = false
	resp, err := postJSON(ctx, c.client, c.BaseURL+"/chat/completions", c.headers(), req)
	if err != nil {
		return nil, err
	}
	var chatResp OpenAIChatResponse
	if err := decodeJSON(resp, &chatResp); err != nil {
		return nil, err
	}
	return &chatResp, nil
}

// Complete implements model.Backend.
func (c *OpenAIClient) Complete(ctx context.Context, target model.ResolvedTarget, req model.ChatRequest) (model.Completion, error) {
	resp, err := c.Chat(ctx, &OpenAIChatRequest{Model: target.ModelID(), Messages: openAIMessages(req)})
	if err != nil {
		return model.Completion{}, err
	}
	if len(resp.Choices) == 0 {
		return model.Completion{}, &malformedResponse{err: fmt.Errorf("no choices in response")}
	}
	choice := resp.Choices[0]
	text := choice.Message.Content
	if strings.TrimSpace(text) == "" && (choice.FinishReason == "content_filter" || choice.Message.Refusal != "") {
		return model.Completion{Blocked: true}, nil
	}
	return model.Completion{Text: text}, nil
}

// Stream implements model.Backend.
func (c *OpenAIClient) Stream(ctx context.Context, target model.ResolvedTarget, req model.ChatRequest) (<-chan model.Chunk, error) {
	body := &OpenAIChatRequest{Model: target.ModelID(), Messages: openAIMessages(req), Stream: true}
	resp, err := postJSON(ctx, c.stream, c.BaseURL+"/chat/completions", c.headers(), body)
	if err != nil {
		return nil, err
	}

	out := make(chan model.Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var produced, filtered bool
		err := readSSE(resp.Body, func(_, data string) (bool, error) {
			if data == "[DONE]" {
				return false, nil
			}
			var ev OpenAIChatResponse
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return false, &malformedResponse{err: err}
			}
			for _, ch := range ev.Choices {
				if ch.FinishReason == "content_filter" {
					filtered = true
				}
				if ch.Delta.Content == "" {
					continue
				}
				produced = true
				if !send(ctx, out, model.Chunk{Text: ch.Delta.Content}) {
					return false, ctx.Err()
				}
			}
			return true, nil
		})
		switch {
		case err != nil:
			send(ctx, out, model.Chunk{Err: err})
		case filtered && !produced:
			send(ctx, out, model.Chunk{Blocked: true})
		}
	}()
	return out, nil
}

func openAIMessages(req model.ChatRequest) []OpenAIMessage {
	msgs := make([]OpenAIMessage, 0, len(req.History)+1)
	for _, turn := range req.History {
		msgs = append(msgs, OpenAIMessage{Role: string(turn.Role), Content: openAIContent(turn.Text, turn.Images)})
	}
	return append(msgs, OpenAIMessage{Role: "user", Content: openAIContent(req.Prompt, req.Images)})
}

func openAIContent(text string, images []string) any {
	if len(images) == 0 {
		return text
	}
	parts := make([]OpenAIContentPart, 0, len(images)+1)
	if text != "" {
		parts = append(parts, OpenAIContentPart{Type: "text", Text: text})
	}
	for _, img := range images {
		parts = append(parts, OpenAIContentPart{Type: "image_url", ImageURL: &OpenAIImageURL{URL: dataURL(img)}})
	}
	return parts
}
