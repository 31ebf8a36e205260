// Package intake merges the many shapes of client input into one model.ChatRequest.
package intake

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/sightline/sightline/internal/domain/model"
)

// DefaultMaxTextChars bounds the characters taken from one text attachment.
const DefaultMaxTextChars = 4000

// TruncatedMarker follows a text attachment cut at the character budget.
const TruncatedMarker = "[truncated]"

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true,
}

var textExts = map[string]bool{
	".txt": true, ".md": true, ".py": true, ".js": true, ".css": true, ".html": true,
	".json": true, ".csv": true, ".log": true, ".xml": true, ".yaml": true, ".yml": true,
}

// Kind is the class an attachment falls into.
type Kind int

const (
	KindUnsupported Kind = iota
	KindImage
	KindText
)

// Classify maps a filename to its attachment kind by extension.
func Classify(filename string) Kind {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case imageExts[ext]:
		return KindImage
	case textExts[ext]:
		return KindText
	default:
		return KindUnsupported
	}
}

// Attachment is one uploaded file.
type Attachment struct {
	Filename string
	Data     []byte
}

// RawInput is everything a transport collected for one chat request.
type RawInput struct {
	Prompt  string
	History []model.Turn

	// Images are list-form base64 images sent inline (JSON or WebSocket).
	Images []string
	// Attachments are uploaded files, in upload order.
	Attachments []Attachment
	// Pasted are clipboard images, already base64.
	Pasted []string
	// LegacyImage is the old single-image field. It is used only when no
	// list-form image of any kind is present.
	LegacyImage string

	ModelID  string
	Provider string
}

// Normalizer builds canonical chat requests.
type Normalizer struct {
	maxTextChars int
	logger       *slog.Logger
}

// NewNormalizer creates a normalizer. maxTextChars <= 0 selects the default.
func NewNormalizer(maxTextChars int, logger *slog.Logger) *Normalizer {
	if maxTextChars <= 0 {
		maxTextChars = DefaultMaxTextChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{maxTextChars: maxTextChars, logger: logger.With("component", "intake")}
}

// MaxTextChars returns the per-file character budget.
func (n *Normalizer) MaxTextChars() int { return n.maxTextChars }

// Normalize merges in into a ChatRequest. Image order is inline images,
// then uploads, then pasted images. Malformed base64 is skipped.
func (n *Normalizer) Normalize(in RawInput) (model.ChatRequest, error) {
	var prompt strings.Builder
	prompt.WriteString(in.Prompt)

	images := make([]string, 0, len(in.Images)+len(in.Attachments)+len(in.Pasted)+1)
	for i, raw := range in.Images {
		images = n.appendBase64(images, raw, fmt.Sprintf("images[%d]", i))
	}

	for _, att := range in.Attachments {
		name := filepath.Base(strings.ReplaceAll(att.Filename, `\`, "/"))
		switch Classify(name) {
		case KindImage:
			if len(att.Data) == 0 {
				n.logger.Warn("skipping empty image upload", "file", name)
				continue
			}
			images = append(images, base64.StdEncoding.EncodeToString(att.Data))
		case KindText:
			prompt.WriteString(n.textBlock(name, att.Data))
		default:
			fmt.Fprintf(&prompt, "\n\n[file received: %s (type %s); content preview not supported]", name, extLabel(name))
		}
	}

	for i, raw := range in.Pasted {
		images = n.appendBase64(images, raw, fmt.Sprintf("pasted[%d]", i))
	}

	if len(in.Images) == 0 && len(in.Pasted) == 0 && !hasImageAttachment(in.Attachments) && in.LegacyImage != "" {
		images = n.appendBase64(images, in.LegacyImage, "image")
	}

	req := model.ChatRequest{
		Prompt:            strings.TrimSpace(prompt.String()),
		Images:            images,
		History:           in.History,
		RequestedModelID:  strings.TrimSpace(in.ModelID),
		RequestedProvider: strings.TrimSpace(in.Provider),
	}
	if err := req.Validate(); err != nil {
		return model.ChatRequest{}, err
	}
	return req, nil
}

func (n *Normalizer) appendBase64(images []string, raw, field string) []string {
	clean, err := CanonicalBase64(raw)
	if err != nil {
		n.logger.Warn("skipping malformed base64 image", "field", field, "error", err)
		return images
	}
	return append(images, clean)
}

func (n *Normalizer) textBlock(name string, data []byte) string {
	content := strings.ToValidUTF8(string(data), "\uFFFD")
	truncated := false
	if utf8.RuneCountInString(content) > n.maxTextChars {
		content = string([]rune(content)[:n.maxTextChars])
		truncated = true
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n\n--- file: %s ---\n", name)
	b.WriteString(content)
	if truncated {
		b.WriteString("\n" + TruncatedMarker)
	}
	fmt.Fprintf(&b, "\n--- end of file: %s ---", name)
	return b.String()
}

func hasImageAttachment(atts []Attachment) bool {
	for _, a := range atts {
		if Classify(a.Filename) == KindImage && len(a.Data) > 0 {
			return true
		}
	}
	return false
}

func extLabel(name string) string {
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" {
		return ext
	}
	return "unknown"
}

// CanonicalBase64 strips a data URL prefix and whitespace, restores missing
// padding and checks that the payload decodes. It returns standard base64.
func CanonicalBase64(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 {
			return "", fmt.Errorf("data url without payload")
		}
		s = s[i+1:]
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return "", fmt.Errorf("empty payload")
	}
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(s)
		if err != nil {
			return "", err
		}
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty payload")
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeBase64 is CanonicalBase64 returning the raw bytes.
func DecodeBase64(raw string) ([]byte, error) {
	s, err := CanonicalBase64(raw)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(s)
}
