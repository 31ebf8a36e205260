package dispatch

import (
	"context"
	"errors"

	"github.com/sightline/sightline/internal/domain/model"
	"github.com/sightline/sightline/internal/gateway/protocol"
)

// EventKind is one of the four task output variants.
type EventKind string

const (
	EventProcessing EventKind = "processing"
	EventChunk      EventKind = "chunk"
	EventComplete   EventKind = "complete"
	EventError      EventKind = "error"
)

// Event is a copy of task output, tagged with the request id.
type Event struct {
	Kind      EventKind
	RequestID string
	Provider  model.ProviderID
	ModelID   string
	Streaming bool

	// Text is the chunk for EventChunk and the full answer for EventComplete.
	Text    string
	Blocked bool

	// Set on EventError. Text then holds any partial output.
	ErrorKind model.BackendErrorKind
	Message   string
}

// ErrSinkClosed is returned by a sink whose consumer is gone. The runner
// stops delivering to it and cancels the task.
var ErrSinkClosed = errors.New("dispatch: sink closed")

// Sink receives task events in production order.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Emitter pushes a named event to one connection or to all of them.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Discard is an emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(context.Context, string, any) error { return nil }

// ChatSink maps task events onto the chat wire events.
func ChatSink(em Emitter) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) error {
		name, payload := chatPayload(ev)
		return em.Emit(ctx, name, payload)
	})
}

func chatPayload(ev Event) (string, any) {
	provider := string(ev.Provider)
	switch ev.Kind {
	case EventProcessing:
		return protocol.EventChatProcessing, protocol.ChatProcessing{
			RequestID: ev.RequestID, Provider: provider, ModelID: ev.ModelID, Streaming: ev.Streaming,
		}
	case EventChunk:
		return protocol.EventChatStreamChunk, protocol.ChatStreamChunk{
			RequestID: ev.RequestID, Chunk: ev.Text, Provider: provider, ModelID: ev.ModelID,
		}
	case EventComplete:
		if ev.Streaming {
			return protocol.EventChatStreamEnd, protocol.ChatStreamEnd{
				RequestID: ev.RequestID, FullMessage: ev.Text, Provider: provider, ModelID: ev.ModelID, Blocked: ev.Blocked,
			}
		}
		return protocol.EventChatResponse, protocol.ChatResponse{
			RequestID: ev.RequestID, Message: ev.Text, Provider: provider, ModelID: ev.ModelID, Blocked: ev.Blocked,
		}
	default:
		return protocol.EventTaskError, protocol.TaskError{
			RequestID: ev.RequestID, Error: ev.Message, Kind: string(ev.ErrorKind),
			Partial: ev.Text, Provider: provider, ModelID: ev.ModelID,
		}
	}
}
