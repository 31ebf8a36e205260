package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sightline/sightline/internal/application/dispatch"
	"github.com/sightline/sightline/internal/application/intake"
	"github.com/sightline/sightline/internal/domain/model"
	"github.com/sightline/sightline/internal/gateway/protocol"
)

// historyTurns converts client history, accepting "content" for "text".
func historyTurns(in []protocol.HistoryTurn) ([]model.Turn, error) {
	out := make([]model.Turn, 0, len(in))
	for _, t := range in {
		role, err := model.ParseRole(t.Role)
		if err != nil {
			return nil, err
		}
		text := t.Text
		if text == "" {
			text = t.Content
		}
		out = append(out, model.Turn{Role: role, Text: text})
	}
	return out, nil
}

func rawFromMessage(m protocol.ChatMessage) (intake.RawInput, error) {
	history, err := historyTurns(m.History)
	if err != nil {
		return intake.RawInput{}, err
	}
	images := append(append([]string(nil), m.ImageDataArray...), m.Images...)
	return intake.RawInput{
		Prompt:      m.Prompt,
		History:     history,
		Images:      images,
		LegacyImage: m.ImageData,
		ModelID:     m.ModelID,
		Provider:    m.Provider,
	}, nil
}

// submitChat normalizes in and starts a chat task whose events go to em.
func (s *Server) submitChat(in intake.RawInput, requestID, owner string, streaming bool, em dispatch.Emitter) (*dispatch.Task, error) {
	req, err := s.Normalizer.Normalize(in)
	if err != nil {
		return nil, err
	}
	return s.Dispatcher.Submit(dispatch.Job{
		RequestID: requestID,
		Owner:     owner,
		Module:    "chat",
		Request:   req,
		Streaming: streaming,
		Sink:      dispatch.ChatSink(em),
	})
}

func accepted(c *gin.Context, task *dispatch.Task, extra gin.H) {
	body := gin.H{
		"status":     "processing",
		"request_id": task.ID(),
		"provider":   task.Target().Provider(),
		"model_id":   task.Target().ModelID(),
	}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(http.StatusAccepted, body)
}

// handleChat starts a chat from a JSON body.
func (s *Server) handleChat(c *gin.Context) {
	var msg protocol.ChatMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	raw, err := rawFromMessage(msg)
	if err != nil {
		writeError(c, err)
		return
	}
	task, err := s.submitChat(raw, msg.RequestID, msg.SocketID, bool(msg.UseStreaming), s.sinkFor(msg.SocketID))
	if err != nil {
		writeError(c, err)
		return
	}
	accepted(c, task, nil)
}

// handleChatWithFile starts a chat from a multipart form with uploads and
// pasted images.
func (s *Server) handleChatWithFile(c *gin.Context) {
	requestID := strings.TrimSpace(c.PostForm("request_id"))
	if requestID == "" {
		writeError(c, &model.ValidationError{Field: "request_id", Reason: "required"})
		return
	}

	var turns []protocol.HistoryTurn
	if v := c.PostForm("history"); strings.TrimSpace(v) != "" {
		if err := json.Unmarshal([]byte(v), &turns); err != nil {
			writeError(c, &model.ValidationError{Field: "history", Reason: "not a JSON list"})
			return
		}
	}
	history, err := historyTurns(turns)
	if err != nil {
		writeError(c, err)
		return
	}

	var pasted []string
	if v := c.PostForm("pasted_images_base64_json_array"); strings.TrimSpace(v) != "" {
		if err := json.Unmarshal([]byte(v), &pasted); err != nil {
			writeError(c, &model.ValidationError{Field: "pasted_images_base64_json_array", Reason: "not a JSON list of strings"})
			return
		}
	}

	var attachments []intake.Attachment
	if form, err := c.MultipartForm(); err == nil {
		for _, fh := range form.File["files"] {
			data, err := readUpload(fh)
			if err != nil {
				writeError(c, fmt.Errorf("read upload %s: %w", fh.Filename, err))
				return
			}
			attachments = append(attachments, intake.Attachment{Filename: fh.Filename, Data: data})
		}
	} else if !errors.Is(err, http.ErrNotMultipart) {
		writeError(c, &model.ValidationError{Field: "files", Reason: err.Error()})
		return
	}

	socketID := c.PostForm("socket_id")
	raw := intake.RawInput{
		Prompt:      c.PostForm("prompt"),
		History:     history,
		Attachments: attachments,
		Pasted:      pasted,
		ModelID:     c.PostForm("model_id"),
		Provider:    c.PostForm("provider"),
	}
	task, err := s.submitChat(raw, requestID, socketID, protocol.ParseFlag(c.PostForm("use_streaming")), s.sinkFor(socketID))
	if err != nil {
		writeError(c, err)
		return
	}
	accepted(c, task, gin.H{"files": len(attachments), "pasted": len(pasted)})
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

type sseEvent struct {
	name    string
	payload any
}

// sseEmitter hands events to the goroutine writing the HTTP response.
type sseEmitter struct {
	events chan sseEvent
	done   <-chan struct{}
}

func (e *sseEmitter) Emit(ctx context.Context, name string, payload any) error {
	select {
	case e.events <- sseEvent{name, payload}:
		return nil
	case <-e.done:
		return dispatch.ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleChatStream runs a chat and answers with its events as server-sent
// events. Closing the response cancels the task.
func (s *Server) handleChatStream(c *gin.Context) {
	var msg protocol.ChatMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	raw, err := rawFromMessage(msg)
	if err != nil {
		writeError(c, err)
		return
	}

	done := c.Request.Context().Done()
	em := &sseEmitter{events: make(chan sseEvent, 64), done: done}
	task, err := s.submitChat(raw, msg.RequestID, "", bool(msg.UseStreaming), em)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Request-ID", task.ID())
	c.Stream(func(io.Writer) bool {
		select {
		case ev := <-em.events:
			c.SSEvent(ev.name, ev.payload)
			return !protocol.IsTerminal(ev.name)
		case <-done:
			return false
		}
	})
}
