package intake

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightline/sightline/internal/domain/model"
)

// 1x1 transparent PNG.
const onePixelPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

func newTestNormalizer(max int) *Normalizer {
	return NewNormalizer(max, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestClassify(t *testing.T) {
	assert.Equal(t, KindImage, Classify("shot.PNG"))
	assert.Equal(t, KindImage, Classify("a.jpeg"))
	assert.Equal(t, KindText, Classify("notes.md"))
	assert.Equal(t, KindText, Classify("conf.yml"))
	assert.Equal(t, KindUnsupported, Classify("archive.zip"))
	assert.Equal(t, KindUnsupported, Classify("Makefile"))
}

func TestNormalizeImageOrder(t *testing.T) {
	n := newTestNormalizer(0)
	req, err := n.Normalize(RawInput{
		Prompt:      "look",
		Images:      []string{b64("inline")},
		Attachments: []Attachment{{Filename: "one.png", Data: []byte("upload-1")}, {Filename: "two.jpg", Data: []byte("upload-2")}},
		Pasted:      []string{"data:image/png;base64," + b64("pasted")},
		LegacyImage: b64("legacy"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{b64("inline"), b64("upload-1"), b64("upload-2"), b64("pasted")}, req.Images)
}

func TestNormalizeLegacyImage(t *testing.T) {
	n := newTestNormalizer(0)

	req, err := n.Normalize(RawInput{LegacyImage: onePixelPNG})
	require.NoError(t, err)
	assert.Equal(t, []string{onePixelPNG}, req.Images)

	// Ignored once any list-form image is present.
	req, err = n.Normalize(RawInput{Pasted: []string{b64("p")}, LegacyImage: onePixelPNG})
	require.NoError(t, err)
	assert.Equal(t, []string{b64("p")}, req.Images)
}

func TestNormalizeSkipsMalformedBase64(t *testing.T) {
	n := newTestNormalizer(0)
	req, err := n.Normalize(RawInput{Prompt: "hi", Pasted: []string{"%%%not-base64%%%", b64("good")}})
	require.NoError(t, err)
	assert.Equal(t, []string{b64("good")}, req.Images)

	_, err = n.Normalize(RawInput{Pasted: []string{"%%%"}})
	var ve *model.ValidationError
	assert.True(t, errors.As(err, &ve), "only malformed images and no prompt must be rejected")
}

func TestNormalizeTextAttachment(t *testing.T) {
	n := newTestNormalizer(0)
	req, err := n.Normalize(RawInput{
		Prompt:      "summarize",
		Attachments: []Attachment{{Filename: "dir/notes.txt", Data: []byte("line one\nline two")}},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(req.Prompt, "summarize\n\n--- file: notes.txt ---\nline one\nline two"))
	assert.True(t, strings.HasSuffix(req.Prompt, "--- end of file: notes.txt ---"))
	assert.NotContains(t, req.Prompt, TruncatedMarker)
	assert.Empty(t, req.Images)
}

func TestNormalizeTruncatesTextAttachment(t *testing.T) {
	n := newTestNormalizer(4000)
	content := strings.Repeat("a", 10000)
	req, err := n.Normalize(RawInput{Attachments: []Attachment{{Filename: "big.log", Data: []byte(content)}}})
	require.NoError(t, err)

	header := "--- file: big.log ---\n"
	start := strings.Index(req.Prompt, header)
	require.GreaterOrEqual(t, start, 0)
	body := req.Prompt[start+len(header):]
	end := strings.Index(body, "\n"+TruncatedMarker)
	require.GreaterOrEqual(t, end, 0, "truncation marker missing")
	assert.Equal(t, strings.Repeat("a", 4000), body[:end])
}

func TestNormalizeTruncatesByRune(t *testing.T) {
	n := newTestNormalizer(3)
	req, err := n.Normalize(RawInput{Attachments: []Attachment{{Filename: "u.md", Data: []byte("你好世界")}}})
	require.NoError(t, err)
	assert.Contains(t, req.Prompt, "你好世\n"+TruncatedMarker)
}

func TestNormalizeInvalidUTF8IsReplaced(t *testing.T) {
	n := newTestNormalizer(0)
	req, err := n.Normalize(RawInput{Attachments: []Attachment{{Filename: "x.csv", Data: []byte{'o', 'k', 0xff, 0xfe}}}})
	require.NoError(t, err)
	assert.Contains(t, req.Prompt, "ok\uFFFD")
}

func TestNormalizeUnsupportedAttachment(t *testing.T) {
	n := newTestNormalizer(0)
	req, err := n.Normalize(RawInput{Attachments: []Attachment{{Filename: "data.zip", Data: []byte("PK")}}})
	require.NoError(t, err)
	assert.Contains(t, req.Prompt, "data.zip")
	assert.Contains(t, req.Prompt, ".zip")
	assert.Contains(t, req.Prompt, "not supported")
}

func TestNormalizeCarriesSelectors(t *testing.T) {
	n := newTestNormalizer(0)
	history := []model.Turn{{Role: model.RoleUser, Text: "a"}, {Role: model.RoleAssistant, Text: "b"}}
	req, err := n.Normalize(RawInput{Prompt: " hi ", History: history, ModelID: " gpt-4o ", Provider: "openai"})
	require.NoError(t, err)
	assert.Equal(t, "hi", req.Prompt)
	assert.Equal(t, history, req.History)
	assert.Equal(t, "gpt-4o", req.RequestedModelID)
	assert.Equal(t, "openai", req.RequestedProvider)
}

// Every combination either yields a request with a prompt or images, or a
// ValidationError.
func TestNormalizeTotality(t *testing.T) {
	n := newTestNormalizer(0)
	prompts := []string{"", "hello"}
	counts := []int{0, 1, 3}
	texts := []bool{false, true}

	for _, p := range prompts {
		for _, up := range counts {
			for _, pasted := range counts {
				for _, withText := range texts {
					in := RawInput{Prompt: p}
					for i := 0; i < up; i++ {
						in.Attachments = append(in.Attachments, Attachment{Filename: fmt.Sprintf("u%d.png", i), Data: []byte{byte(i + 1)}})
					}
					for i := 0; i < pasted; i++ {
						in.Pasted = append(in.Pasted, b64(fmt.Sprintf("p%d", i)))
					}
					if withText {
						in.Attachments = append(in.Attachments, Attachment{Filename: "t.txt", Data: []byte("body")})
					}

					req, err := n.Normalize(in)
					name := fmt.Sprintf("prompt=%q uploads=%d pasted=%d text=%v", p, up, pasted, withText)
					if err != nil {
						var ve *model.ValidationError
						require.True(t, errors.As(err, &ve), name)
						assert.True(t, p == "" && up == 0 && pasted == 0 && !withText, name)
						continue
					}
					assert.True(t, req.Prompt != "" || len(req.Images) > 0, name)
					assert.Len(t, req.Images, up+pasted, name)
				}
			}
		}
	}
}

func TestCanonicalBase64(t *testing.T) {
	got, err := CanonicalBase64("data:image/png;base64," + strings.TrimRight(b64("ab"), "="))
	require.NoError(t, err)
	assert.Equal(t, b64("ab"), got)

	got, err = CanonicalBase64(" aGVs\nbG8= ")
	require.NoError(t, err)
	assert.Equal(t, b64("hello"), got)

	_, err = CanonicalBase64("data:image/png;base64")
	assert.Error(t, err)
	_, err = CanonicalBase64("")
	assert.Error(t, err)

	raw, err := DecodeBase64(onePixelPNG)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(raw[:4]))
}
