package http

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sightline/sightline/internal/application/analysis"
	"github.com/sightline/sightline/internal/application/intake"
	"github.com/sightline/sightline/internal/application/voice"
	"github.com/sightline/sightline/internal/domain/model"
	"github.com/sightline/sightline/internal/infrastructure/storage"
)

type uploadRawRequest struct {
	Image     string `json:"image"`
	Prompt    string `json:"prompt"`
	ModelID   string `json:"model_id"`
	Provider  string `json:"provider"`
	RequestID string `json:"request_id"`
	SocketID  string `json:"socket_id"`
}

// handleUploadRaw stores a base64 screenshot and analyses it.
func (s *Server) handleUploadRaw(c *gin.Context) {
	var req uploadRawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	data, err := intake.DecodeBase64(req.Image)
	if err != nil || len(data) == 0 {
		writeError(c, &model.ValidationError{Field: "image", Reason: "missing or malformed base64 image"})
		return
	}
	s.analyzeUpload(c, "screenshot", data, analysis.Request{
		RequestID: req.RequestID,
		Owner:     req.SocketID,
		Prompt:    req.Prompt,
		ModelID:   req.ModelID,
		Provider:  req.Provider,
		Origin:    s.sinkFor(req.SocketID),
	})
}

// handleUploadScreenshot stores a multipart screenshot and analyses it.
func (s *Server) handleUploadScreenshot(c *gin.Context) {
	fh, err := c.FormFile("image")
	if err != nil {
		writeError(c, &model.ValidationError{Field: "image", Reason: "no image file"})
		return
	}
	data, err := readUpload(fh)
	if err != nil {
		writeError(c, fmt.Errorf("read upload: %w", err))
		return
	}
	if len(data) == 0 {
		writeError(c, &model.ValidationError{Field: "image", Reason: "empty file"})
		return
	}
	socketID := c.PostForm("socket_id")
	s.analyzeUpload(c, "screenshot", data, analysis.Request{
		RequestID: c.PostForm("request_id"),
		Owner:     socketID,
		Prompt:    c.PostForm("prompt"),
		ModelID:   c.PostForm("model_id"),
		Provider:  c.PostForm("provider"),
		Origin:    s.sinkFor(socketID),
	})
}

// handleCropImage cuts a region out of a stored screenshot and analyses it.
func (s *Server) handleCropImage(c *gin.Context) {
	source := path.Base(strings.TrimSpace(c.PostForm("image_url")))
	var rect storage.Rect
	for _, f := range []struct {
		name string
		dst  *int
	}{{"x", &rect.X}, {"y", &rect.Y}, {"width", &rect.Width}, {"height", &rect.Height}} {
		v, err := strconv.ParseFloat(strings.TrimSpace(c.PostForm(f.name)), 64)
		if err != nil {
			writeError(c, &model.ValidationError{Field: f.name, Reason: "not a number"})
			return
		}
		*f.dst = int(v)
	}

	data, err := s.Screenshots.Read(source)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, storage.ErrBadName) {
			c.JSON(http.StatusNotFound, gin.H{"error": "screenshot not found", "image_url": c.PostForm("image_url")})
			return
		}
		writeError(c, err)
		return
	}
	cropped, ext, err := storage.Crop(data, rect)
	if err != nil {
		writeError(c, &model.ValidationError{Field: "region", Reason: err.Error()})
		return
	}

	prompt := c.PostForm("prompt")
	if strings.TrimSpace(prompt) == "" {
		prompt = analysis.CropPrompt(source)
	}
	socketID := c.PostForm("socket_id")
	s.analyzeUploadExt(c, "crop", ext, cropped, analysis.Request{
		RequestID: c.PostForm("request_id"),
		Owner:     socketID,
		Prompt:    prompt,
		ModelID:   c.PostForm("model_id"),
		Provider:  c.PostForm("provider"),
		Origin:    s.sinkFor(socketID),
	})
}

func (s *Server) analyzeUpload(c *gin.Context, prefix string, data []byte, req analysis.Request) {
	s.analyzeUploadExt(c, prefix, imageExt(data), data, req)
}

func (s *Server) analyzeUploadExt(c *gin.Context, prefix, ext string, data []byte, req analysis.Request) {
	name := storage.NewName(prefix, ext)
	url, err := s.Screenshots.Save(name, data)
	if err != nil {
		writeError(c, fmt.Errorf("save screenshot: %w", err))
		return
	}
	req.Image = data
	req.ImageURL = url
	task, err := s.Analyzer.Submit(req)
	if err != nil {
		writeError(c, err)
		return
	}
	accepted(c, task, gin.H{"image_url": url})
}

func imageExt(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// handleProcessVoice stores the recording and starts the voice pipeline.
func (s *Server) handleProcessVoice(c *gin.Context) {
	if s.Voice == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "voice pipeline is not configured"})
		return
	}
	fh, err := c.FormFile("audio")
	if err != nil {
		writeError(c, &model.ValidationError{Field: "audio", Reason: "no audio file"})
		return
	}
	audioPath, err := s.saveAudio(fh)
	if err != nil {
		writeError(c, err)
		return
	}

	socketID := c.PostForm("socket_id")
	run, err := s.Voice.Submit(voice.Request{
		RequestID:   c.PostForm("request_id"),
		Owner:       socketID,
		AudioPath:   audioPath,
		ModelID:     c.PostForm("model_id"),
		Provider:    c.PostForm("provider"),
		STTProvider: c.PostForm("stt_provider"),
		Sink:        s.sinkFor(socketID),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	accepted(c, run.Task, nil)
}

// saveAudio copies the upload into a scratch file the pipeline will delete.
func (s *Server) saveAudio(fh *multipart.FileHeader) (string, error) {
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if ext == "" {
		ext = ".webm"
	}
	tmp, err := s.Uploads.TempFile("voice-*" + ext)
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}
	src, err := fh.Open()
	if err == nil {
		_, err = io.Copy(tmp, src)
		src.Close()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store audio: %w", err)
	}
	return tmp.Name(), nil
}
