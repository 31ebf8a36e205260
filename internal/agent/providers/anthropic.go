// Package providers implements AI model provider clients.
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
	anthropicBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// claudeAPIModels maps catalog ids onto Anthropic API model names.
var claudeAPIModels = map[string]string{
	"claude-3.7-sonnet": "claude-3-7-sonnet-latest",
	"claude-3.5-sonnet": "claude-3-5-sonnet-latest",
	"claude-3.5-haiku":  "claude-3-5-haiku-latest",
	"claude-3-opus":     "claude-3-opus-latest",
	"claude-3-sonnet":   "claude-3-sonnet-20240229",
	"claude-3-haiku":    "claude-3-haiku-20240307",
}

func claudeAPIModel(id string) string {
	if name, ok := claudeAPIModels[id]; ok {
		return name
	}
	return id
}

// AnthropicClient implements the Anthropic Claude API client.
type AnthropicClient struct {
	APIKey  string
	BaseURL string
	client  *http.Client
	stream  *http.Client
}

// NewAnthropicClient creates a new Anthropic API client.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return NewAnthropicClientWithBaseURL(apiKey, anthropicBaseURL)
}

// NewAnthropicClientWithBaseURL creates a new Anthropic-compatible API client.
func NewAnthropicClientWithBaseURL(apiKey, baseURL string) *AnthropicClient {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		base = anthropicBaseURL
	}
	base = strings.TrimRight(base, "/")
	return &AnthropicClient{
		APIKey:  apiKey,
		BaseURL: base,
		client:  newHTTPClient(),
		stream:  streamingHTTPClient(),
	}
}

// ChatRequest represents a request to the Anthropic Messages API.
type ChatRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string         `json:"role"` // "user" or "assistant"
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a text or image block.
type ContentBlock struct {
	Type   string       `json:"type"` // "text", "image"
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource represents an image in base64 format.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ChatResponse represents the response from Anthropic API.
type ChatResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *AnthropicClient) headers() map[string]string {
	h := map[string]string{"anthropic-version": anthropicVersion}
	if isAnthropicSetupToken(c.APIKey) {
		h["Authorization"] = "Bearer " + c.APIKey
	} else {
		h["x-api-key"] = c.APIKey
	}
	return h
}

// Chat sends a chat request to the Anthropic API.
func (c *AnthropicClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = anthropicMaxTokens
	}
	req.Stream = false
	resp, err := postJSON(ctx, c.client, c.BaseURL+"/messages", c.headers(), req)
	if err != nil {
		return nil, err
	}
	var chatResp ChatResponse
	if err := decodeJSON(resp, &chatResp); err != nil {
		return nil, err
	}
	return &chatResp, nil
}

// Complete implements model.Backend.
func (c *AnthropicClient) Complete(ctx context.Context, target model.ResolvedTarget, req model.ChatRequest) (model.Completion, error) {
	resp, err := c.Chat(ctx, &ChatRequest{Model: claudeAPIModel(target.ModelID()), Messages: anthropicMessages(req)})
	if err != nil {
		return model.Completion{}, err
	}
	text := ExtractTextContent(resp.Content)
	if strings.TrimSpace(text) == "" && resp.StopReason == "refusal" {
		return model.Completion{Blocked: true}, nil
	}
	return model.Completion{Text: text}, nil
}

// Stream implements model.Backend.
func (c *AnthropicClient) Stream(ctx context.Context, target model.ResolvedTarget, req model.ChatRequest) (<-chan model.Chunk, error) {
	body := &ChatRequest{
		Model:     claudeAPIModel(target.ModelID()),
		MaxTokens: anthropicMaxTokens,
		Messages:  anthropicMessages(req),
		Stream:    true,
	}
	resp, err := postJSON(ctx, c.stream, c.BaseURL+"/messages", c.headers(), body)
	if err != nil {
		return nil, err
	}

	out := make(chan model.Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var produced, refused bool
		err := readSSE(resp.Body, func(_, data string) (bool, error) {
			var ev anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return false, &malformedResponse{err: err}
			}
			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Text == "" {
					return true, nil
				}
				produced = true
				if !send(ctx, out, model.Chunk{Text: ev.Delta.Text}) {
					return false, ctx.Err()
				}
			case "message_delta":
				refused = ev.Delta.StopReason == "refusal"
			case "message_stop":
				return false, nil
			case "error":
				msg := "stream error"
				if ev.Error != nil {
					msg = ev.Error.Type + ": " + ev.Error.Message
				}
				return false, fmt.Errorf("anthropic %s", sanitizeAPIError(msg))
			}
			return true, nil
		})
		switch {
		case err != nil:
			send(ctx, out, model.Chunk{Err: err})
		case refused && !produced:
			send(ctx, out, model.Chunk{Blocked: true})
		}
	}()
	return out, nil
}

// anthropicMessages converts the request into alternating user/assistant
// messages starting with a user turn.
func anthropicMessages(req model.ChatRequest) []Message {
	var msgs []Message
	add := func(role string, text string, images []string) {
		blocks := make([]ContentBlock, 0, len(images)+1)
		for _, img := range images {
			blocks = append(blocks, ContentBlock{
				Type:   "image",
				Source: &ImageSource{Type: "base64", MediaType: imageMIME(img), Data: img},
			})
		}
		if text != "" {
			blocks = append(blocks, ContentBlock{Type: "text", Text: text})
		}
		if len(blocks) == 0 {
			return
		}
		if len(msgs) == 0 && role != "user" {
			return
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content = append(msgs[n-1].Content, blocks...)
			return
		}
		msgs = append(msgs, Message{Role: role, Content: blocks})
	}
	for _, turn := range req.History {
		add(string(turn.Role), turn.Text, turn.Images)
	}
	add("user", req.Prompt, req.Images)
	return msgs
}

func isAnthropicSetupToken(token string) bool {
	return strings.HasPrefix(strings.TrimSpace(token), "sk-ant-oat01-")
}

// ExtractTextContent extracts all text from content blocks.
func ExtractTextContent(blocks []ContentBlock) string {
	var text strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String()
}
