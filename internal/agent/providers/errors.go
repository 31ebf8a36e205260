package providers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/sightline/sightline/internal/domain/model"
)

const maxAPIErrorChars = 200

// APIError represents a non-2xx provider HTTP response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// BackendKind maps the HTTP status onto the backend error taxonomy.
func (e *APIError) BackendKind() model.BackendErrorKind {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return model.KindAuth
	case e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusPaymentRequired:
		return model.KindQuota
	case e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusGatewayTimeout:
		return model.KindTimeout
	case e.StatusCode >= 500:
		return model.KindUpstream
	case e.StatusCode >= 400:
		return model.KindMalformed
	default:
		return model.KindUnknown
	}
}

func newAPIError(statusCode int, body string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Body:       sanitizeAPIError(body),
	}
}

// malformedResponse marks an upstream body that could not be decoded.
type malformedResponse struct{ err error }

func (e *malformedResponse) Error() string                      { return "malformed upstream response: " + e.err.Error() }
func (e *malformedResponse) Unwrap() error                      { return e.err }
func (e *malformedResponse) BackendKind() model.BackendErrorKind { return model.KindMalformed }

func sanitizeAPIError(input string) string {
	scrubbed := scrubSecretPatterns(input)
	runes := []rune(scrubbed)
	if len(runes) <= maxAPIErrorChars {
		return scrubbed
	}
	return string(runes[:maxAPIErrorChars]) + "..."
}

func scrubSecretPatterns(input string) string {
	out := input
	for _, prefix := range []string{"sk-", "xai-", "AIza", "xoxb-", "xoxp-"} {
		for {
			idx := strings.Index(out, prefix)
			if idx < 0 {
				break
			}
			start := idx
			end := idx + len(prefix)
			for end < len(out) {
				ch := out[end]
				if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') ||
					ch == '-' || ch == '_' || ch == '.' || ch == ':' {
					end++
					continue
				}
				break
			}
			if end == idx+len(prefix) {
				break
			}
			out = out[:start] + "[REDACTED]" + out[end:]
		}
	}
	return out
}
