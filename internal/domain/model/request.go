package model

import (
	"fmt"
	"strings"
)

// Role is the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole accepts "user" and "assistant". Gemini style "model" maps to assistant.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, nil
	case "assistant", "model":
		return RoleAssistant, nil
	default:
		return "", &ValidationError{Field: "history.role", Reason: fmt.Sprintf("unknown role %q", s)}
	}
}

// Turn is one prior message in a conversation, oldest first.
type Turn struct {
	Role   Role     `json:"role"`
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

// ChatRequest is the canonical request shape every backend consumes.
// Images hold standard base64 without a data URL prefix.
type ChatRequest struct {
	Prompt            string
	Images            []string
	History           []Turn
	RequestedModelID  string
	RequestedProvider string
}

// Validate enforces that a request carries a prompt or at least one image.
func (r *ChatRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" && len(r.Images) == 0 {
		return &ValidationError{Field: "prompt", Reason: "prompt and images are both empty"}
	}
	for i, t := range r.History {
		if t.Role != RoleUser && t.Role != RoleAssistant {
			return &ValidationError{Field: fmt.Sprintf("history[%d].role", i), Reason: fmt.Sprintf("unknown role %q", t.Role)}
		}
	}
	return nil
}
