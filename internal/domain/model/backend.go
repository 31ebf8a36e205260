package model

import "context"

// BlockedSentinel is the answer text for a response withheld by the
// provider's safety filters. It is a successful result, not an error.
const BlockedSentinel = "(The model returned no content; it may have been blocked by safety settings.)"

// Completion is the result of a non-streaming call.
type Completion struct {
	Text    string
	Blocked bool
}

// Chunk is one streamed piece of output. A chunk with Err or Blocked set is
// the last value sent before the channel closes. Blocked marks a stream the
// provider's safety filters withheld; it carries no text.
type Chunk struct {
	Text    string
	Blocked bool
	Err     error
}

// Backend is the provider call contract. Implementations must stop sending
// on the stream channel once ctx is done and must close it when finished.
type Backend interface {
	Complete(ctx context.Context, target ResolvedTarget, req ChatRequest) (Completion, error)
	Stream(ctx context.Context, target ResolvedTarget, req ChatRequest) (<-chan Chunk, error)
}

// BackendFunc adapts a single completion function to Backend. Stream emits
// the whole text as one chunk.
type BackendFunc func(ctx context.Context, target ResolvedTarget, req ChatRequest) (Completion, error)

func (f BackendFunc) Complete(ctx context.Context, target ResolvedTarget, req ChatRequest) (Completion, error) {
	return f(ctx, target, req)
}

func (f BackendFunc) Stream(ctx context.Context, target ResolvedTarget, req ChatRequest) (<-chan Chunk, error) {
	out := make(chan Chunk, 1)
	go func() {
		defer close(out)
		c, err := f(ctx, target, req)
		if err != nil {
			out <- Chunk{Err: err}
			return
		}
		chunk := Chunk{Text: c.Text}
		if c.Blocked {
			chunk = Chunk{Blocked: true}
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
