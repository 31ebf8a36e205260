package providers

import (
	"errors"
	"strings"
	"testing"

	"github.com/sightline/sightline/internal/domain/model"
)

func TestScrubSecretPatterns(t *testing.T) {
	in := `{"error":"bad key sk-abc123xyz, google AIzaSyD-secret and xai-token9"}`
	out := scrubSecretPatterns(in)
	for _, secret := range []string{"sk-abc123xyz", "AIzaSyD-secret", "xai-token9"} {
		if strings.Contains(out, secret) {
			t.Fatalf("expected %s to be redacted, got: %s", secret, out)
		}
	}
	if strings.Count(out, "[REDACTED]") < 3 {
		t.Fatalf("expected multiple redactions, got: %s", out)
	}
}

func TestSanitizeAPIErrorTruncates(t *testing.T) {
	in := strings.Repeat("x", maxAPIErrorChars+20)
	out := sanitizeAPIError(in)
	if len([]rune(out)) <= maxAPIErrorChars {
		t.Fatalf("expected ellipsis after truncation, got len=%d", len([]rune(out)))
	}
	if !strings.HasSuffix(out, "...") {
		t.Fatalf("expected ellipsis suffix, got: %s", out)
	}
}

func TestNewAPIErrorSanitizes(t *testing.T) {
	err := newAPIError(400, "token sk-secret should not leak")
	if !strings.Contains(err.Body, "[REDACTED]") {
		t.Fatalf("expected sanitized body, got: %s", err.Body)
	}
}

func TestAPIErrorKinds(t *testing.T) {
	tests := map[int]model.BackendErrorKind{
		401: model.KindAuth,
		403: model.KindAuth,
		429: model.KindQuota,
		400: model.KindMalformed,
		504: model.KindTimeout,
		500: model.KindUpstream,
		529: model.KindUpstream,
	}
	for status, want := range tests {
		if got := newAPIError(status, "").BackendKind(); got != want {
			t.Errorf("status %d: got %s, want %s", status, got, want)
		}
	}
}

func TestAPIErrorClassifiedAsBackendError(t *testing.T) {
	target, err := model.NewResolver(model.DefaultCatalog()).Resolve("gpt-4o", "", model.ProviderGemini)
	if err != nil {
		t.Fatal(err)
	}
	be := model.AsBackendError(newAPIError(429, "slow down"), target)
	if be.Kind != model.KindQuota {
		t.Fatalf("expected quota kind, got %s", be.Kind)
	}
	var api *APIError
	if !errors.As(be, &api) {
		t.Fatal("expected wrapped APIError")
	}
}
