// Package protocol defines the WebSocket frames and event payloads exchanged
// with the desktop and browser clients.
package protocol

import (
	"encoding/json"
	"strings"
)

// ClientFrame is a message sent by a client.
type ClientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ServerFrame is a message pushed to clients.
type ServerFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// --- Client events ---

const (
	ClientChatMessage       = "chat_message"
	ClientRequestScreenshot = "request_screenshot_capture"
	ClientCancel            = "cancel"
)

// --- Server events ---

const (
	EventConnected = "connected"
	EventHistory   = "history"
	EventAPIInfo   = "api_info"

	EventChatProcessing  = "chat_processing"
	EventChatStreamChunk = "chat_stream_chunk"
	EventChatStreamEnd   = "chat_stream_end"
	EventChatResponse    = "chat_response"
	EventTaskError       = "task_error"

	EventAnalysisResult = "analysis_result"
	EventAnalysisError  = "analysis_error"
	EventNewScreenshot  = "new_screenshot"

	EventSTTResult         = "stt_result"
	EventSTTError          = "stt_error"
	EventVoiceChatResponse = "voice_chat_response"
	EventChatError         = "chat_error"
	EventVoiceAnswerAudio  = "voice_answer_audio"
	EventTTSError          = "tts_error"

	EventCapture = "capture"
	EventError   = "error"
)

// IsTerminal reports whether event ends a chat request.
func IsTerminal(event string) bool {
	switch event {
	case EventChatStreamEnd, EventChatResponse, EventTaskError:
		return true
	}
	return false
}

// --- Client payloads ---

// HistoryTurn is a prior turn as clients send it.
type HistoryTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
	// Content is accepted as an alias of Text.
	Content string `json:"content,omitempty"`
}

// ChatMessage is the payload of chat_message and of POST /chat.
type ChatMessage struct {
	Prompt         string        `json:"prompt"`
	History        []HistoryTurn `json:"history,omitempty"`
	RequestID      string        `json:"request_id,omitempty"`
	UseStreaming   Flag          `json:"use_streaming,omitempty"`
	ModelID        string        `json:"model_id,omitempty"`
	Provider       string        `json:"provider,omitempty"`
	ImageData      string        `json:"image_data,omitempty"`
	ImageDataArray []string      `json:"image_data_array,omitempty"`
	// Images is accepted as an alias of ImageDataArray.
	Images         []string      `json:"images,omitempty"`
	SocketID       string        `json:"socket_id,omitempty"`
}

// CancelRequest is the payload of cancel.
type CancelRequest struct {
	RequestID string `json:"request_id"`
}

// Flag is a boolean that also accepts "true", "yes" and "1" strings.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case bool:
		*f = Flag(x)
	case string:
		*f = Flag(ParseFlag(x))
	case float64:
		*f = x != 0
	default:
		*f = false
	}
	return nil
}

// ParseFlag interprets form and JSON string booleans.
func ParseFlag(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "on":
		return true
	}
	return false
}

// --- Server payloads ---

type Connected struct {
	SID string `json:"sid"`
}

type APIInfo struct {
	Provider       string `json:"provider"`
	DefaultModelID string `json:"default_model_id"`
}

type ChatProcessing struct {
	RequestID string `json:"request_id"`
	Provider  string `json:"provider"`
	ModelID   string `json:"model_id"`
	Streaming bool   `json:"streaming"`
}

type ChatStreamChunk struct {
	RequestID string `json:"request_id"`
	Chunk     string `json:"chunk"`
	Provider  string `json:"provider"`
	ModelID   string `json:"model_id"`
}

type ChatStreamEnd struct {
	RequestID   string `json:"request_id"`
	FullMessage string `json:"full_message"`
	Provider    string `json:"provider"`
	ModelID     string `json:"model_id"`
	Blocked     bool   `json:"blocked,omitempty"`
}

type ChatResponse struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
	Provider  string `json:"provider"`
	ModelID   string `json:"model_id"`
	Blocked   bool   `json:"blocked,omitempty"`
}

type TaskError struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Partial   string `json:"partial,omitempty"`
	Provider  string `json:"provider,omitempty"`
	ModelID   string `json:"model_id,omitempty"`
}

type AnalysisResult struct {
	RequestID string  `json:"request_id"`
	ImageURL  string  `json:"image_url"`
	Analysis  string  `json:"analysis"`
	Prompt    string  `json:"prompt"`
	Timestamp float64 `json:"timestamp"`
	Provider  string  `json:"provider"`
	ModelID   string  `json:"model_id"`
	Blocked   bool    `json:"blocked,omitempty"`
}

type AnalysisError struct {
	RequestID string `json:"request_id"`
	ImageURL  string `json:"image_url"`
	Error     string `json:"error"`
	Kind      string `json:"kind"`
}

type STTResult struct {
	RequestID  string `json:"request_id"`
	Transcript string `json:"transcript"`
	Provider   string `json:"provider"`
}

type STTError struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
	Provider  string `json:"provider"`
}

type VoiceChatResponse struct {
	RequestID    string `json:"request_id"`
	Transcript   string `json:"transcript"`
	STTProvider  string `json:"stt_provider"`
	ChatProvider string `json:"chat_provider"`
	ChatModelID  string `json:"chat_model_id"`
	Message      string `json:"message"`
	Blocked      bool   `json:"blocked,omitempty"`
}

type ChatError struct {
	RequestID    string `json:"request_id"`
	Transcript   string `json:"transcript"`
	STTProvider  string `json:"stt_provider"`
	ChatProvider string `json:"chat_provider"`
	ChatModelID  string `json:"chat_model_id"`
	Error        string `json:"error"`
	Kind         string `json:"kind"`
}

type VoiceAnswerAudio struct {
	RequestID string `json:"request_id"`
	AudioURL  string `json:"audio_url"`
}

type TTSError struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

type Capture struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
