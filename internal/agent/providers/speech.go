package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const googleSpeechURL = "https://speech.googleapis.com/v1/speech:recognize"

// WhisperTranscriber transcribes audio with the OpenAI transcription API.
type WhisperTranscriber struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	client   *http.Client
}

// NewWhisperTranscriber creates a Whisper client. language may be empty.
func NewWhisperTranscriber(apiKey, baseURL, language string) *WhisperTranscriber {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		base = openAIBaseURL
	}
	return &WhisperTranscriber{
		APIKey:   apiKey,
		BaseURL:  strings.TrimRight(base, "/"),
		Model:    "whisper-1",
		Language: language,
		client:   newHTTPClient(),
	}
}

// Transcribe uploads the file at audioPath and returns the text.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	_ = mw.WriteField("model", w.Model)
	if lang := whisperLanguage(w.Language); lang != "" {
		_ = mw.WriteField("language", lang)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+w.APIKey)

	resp, err := do(w.client, httpReq)
	if err != nil {
		return "", err
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

// whisperLanguage turns a BCP-47 tag such as "zh-CN" into ISO-639-1.
func whisperLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

// GoogleTranscriber transcribes audio with Google Cloud Speech-to-Text.
type GoogleTranscriber struct {
	APIKey       string
	URL          string
	LanguageCode string
	client       *http.Client
}

// NewGoogleTranscriber creates a Google STT client.
func NewGoogleTranscriber(apiKey, languageCode string) *GoogleTranscriber {
	if languageCode == "" {
		languageCode = "en-US"
	}
	return &GoogleTranscriber{
		APIKey:       apiKey,
		URL:          googleSpeechURL,
		LanguageCode: languageCode,
		client:       newHTTPClient(),
	}
}

type googleRecognizeRequest struct {
	Config googleRecognitionConfig `json:"config"`
	Audio  struct {
		Content string `json:"content"`
	} `json:"audio"`
}

type googleRecognitionConfig struct {
	Encoding                   string `json:"encoding,omitempty"`
	SampleRateHertz            int    `json:"sampleRateHertz,omitempty"`
	LanguageCode               string `json:"languageCode"`
	EnableAutomaticPunctuation bool   `json:"enableAutomaticPunctuation"`
}

type googleRecognizeResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"results"`
}

// Transcribe sends the whole file inline and joins the best alternatives.
func (g *GoogleTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}

	var req googleRecognizeRequest
	req.Config = googleRecognitionConfig{LanguageCode: g.LanguageCode, EnableAutomaticPunctuation: true}
	switch strings.ToLower(filepath.Ext(audioPath)) {
	case ".webm":
		req.Config.Encoding, req.Config.SampleRateHertz = "WEBM_OPUS", 48000
	case ".ogg", ".opus":
		req.Config.Encoding, req.Config.SampleRateHertz = "OGG_OPUS", 48000
	case ".mp3":
		req.Config.Encoding = "MP3"
	}
	req.Audio.Content = base64.StdEncoding.EncodeToString(data)

	resp, err := postJSON(ctx, g.client, g.URL, map[string]string{"x-goog-api-key": g.APIKey}, &req)
	if err != nil {
		return "", err
	}
	var out googleRecognizeResponse
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}

	var parts []string
	for _, r := range out.Results {
		if len(r.Alternatives) > 0 {
			if t := strings.TrimSpace(r.Alternatives[0].Transcript); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, " "), nil
}

// OpenAISpeech synthesizes speech with the OpenAI audio API.
type OpenAISpeech struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
	client  *http.Client
}

// NewOpenAISpeech creates a TTS client. Empty model and voice use tts-1 and alloy.
func NewOpenAISpeech(apiKey, baseURL, ttsModel, voice string) *OpenAISpeech {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		base = openAIBaseURL
	}
	if ttsModel == "" {
		ttsModel = "tts-1"
	}
	if voice == "" {
		voice = "alloy"
	}
	return &OpenAISpeech{
		APIKey:  apiKey,
		BaseURL: strings.TrimRight(base, "/"),
		Model:   ttsModel,
		Voice:   voice,
		client:  newHTTPClient(),
	}
}

// Synthesize returns MP3 audio for text.
func (s *OpenAISpeech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body := map[string]string{
		"model":           s.Model,
		"voice":           s.Voice,
		"input":           text,
		"response_format": "mp3",
	}
	resp, err := postJSON(ctx, s.client, s.BaseURL+"/audio/speech", map[string]string{"Authorization": "Bearer " + s.APIKey}, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, &malformedResponse{err: fmt.Errorf("empty audio")}
	}
	return audio, nil
}
