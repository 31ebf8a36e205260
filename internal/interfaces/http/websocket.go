package http

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/sightline/sightline/internal/domain/model"
	"github.com/sightline/sightline/internal/gateway"
	"github.com/sightline/sightline/internal/gateway/protocol"
)

// handleWebSocket upgrades the connection and hands it to the hub.
func (s *Server) handleWebSocket(c *gin.Context) {
	s.Hub.ServeWS(c.Writer, c.Request)
}

// onConnect greets a client with its id, the history and the default model.
func (s *Server) onConnect(cl *gateway.Client) {
	em := s.Hub.Target(cl.ID)
	ctx := cl.Context()
	_ = em.Emit(ctx, protocol.EventConnected, protocol.Connected{SID: cl.ID})
	if entries := s.Analyzer.History().Snapshot(); len(entries) > 0 {
		_ = em.Emit(ctx, protocol.EventHistory, entries)
	}
	_ = em.Emit(ctx, protocol.EventAPIInfo, s.apiInfo())
}

// onDisconnect cancels the client's chat and voice tasks. Analyses keep
// running because their results are recorded for everyone.
func (s *Server) onDisconnect(cl *gateway.Client) {
	if n := s.Dispatcher.CancelOwner(cl.ID, "analysis"); n > 0 {
		s.logger.Info("canceled tasks of disconnected client", "id", cl.ID, "tasks", n)
	}
}

func (s *Server) onMessage(cl *gateway.Client, frame protocol.ClientFrame) {
	em := s.Hub.Target(cl.ID)
	ctx := cl.Context()

	switch frame.Type {
	case protocol.ClientChatMessage:
		var msg protocol.ChatMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			_ = em.Emit(ctx, protocol.EventError, protocol.ErrorPayload{Message: "invalid chat_message: " + err.Error()})
			return
		}
		raw, err := rawFromMessage(msg)
		if err == nil {
			_, err = s.submitChat(raw, msg.RequestID, cl.ID, bool(msg.UseStreaming), em)
		}
		if err != nil {
			s.logger.Info("chat rejected", "client", cl.ID, "request_id", msg.RequestID, "error", err)
			_ = em.Emit(ctx, protocol.EventTaskError, protocol.TaskError{
				RequestID: msg.RequestID,
				Error:     err.Error(),
				Kind:      rejectionKind(err),
			})
		}

	case protocol.ClientRequestScreenshot:
		s.Hub.Publish(protocol.EventCapture, protocol.Capture{RequestedBy: cl.ID})

	case protocol.ClientCancel:
		var req protocol.CancelRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			_ = em.Emit(ctx, protocol.EventError, protocol.ErrorPayload{Message: "invalid cancel: " + err.Error()})
			return
		}
		if !s.cancelOwned(cl.ID, req.RequestID) {
			_ = em.Emit(ctx, protocol.EventError, protocol.ErrorPayload{Message: "no such task: " + req.RequestID})
		}

	default:
		_ = em.Emit(context.Background(), protocol.EventError, protocol.ErrorPayload{Message: "unknown event: " + frame.Type})
	}
}

// cancelOwned cancels a task only on behalf of the client that started it.
func (s *Server) cancelOwned(owner, requestID string) bool {
	task, ok := s.Dispatcher.Get(requestID)
	if !ok || task.Owner() != owner {
		return false
	}
	task.Cancel()
	return true
}

func rejectionKind(err error) string {
	var (
		ve *model.ValidationError
		re *model.ResolutionError
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &re):
		return "resolution"
	default:
		return "unavailable"
	}
}
