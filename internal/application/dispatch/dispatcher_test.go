package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightline/sightline/internal/domain/model"
	"github.com/sightline/sightline/internal/gateway/protocol"
)

type stubBackend struct {
	calls    atomic.Int32
	complete func(ctx context.Context, target model.ResolvedTarget, req model.ChatRequest) (model.Completion, error)
	stream   func(ctx context.Context, out chan<- model.Chunk)
}

func (b *stubBackend) Complete(ctx context.Context, target model.ResolvedTarget, req model.ChatRequest) (model.Completion, error) {
	b.calls.Add(1)
	return b.complete(ctx, target, req)
}

func (b *stubBackend) Stream(ctx context.Context, _ model.ResolvedTarget, _ model.ChatRequest) (<-chan model.Chunk, error) {
	b.calls.Add(1)
	out := make(chan model.Chunk)
	go func() {
		defer close(out)
		b.stream(ctx, out)
	}()
	return out, nil
}

func sendChunks(chunks ...string) func(ctx context.Context, out chan<- model.Chunk) {
	return func(ctx context.Context, out chan<- model.Chunk) {
		for _, c := range chunks {
			select {
			case out <- model.Chunk{Text: c}:
			case <-ctx.Done():
				return
			}
		}
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Deliver(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func kinds(evs []Event) []EventKind {
	out := make([]EventKind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

func newDispatcher(b model.Backend, cfg Config) *Dispatcher {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = model.ProviderGemini
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(b, model.NewResolver(model.DefaultCatalog()), cfg, logger)
}

func wait(t *testing.T, task *Task) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, task.Wait(ctx), "task %s did not finish", task.ID())
}

func TestSubmitNonStreaming(t *testing.T) {
	b := &stubBackend{complete: func(context.Context, model.ResolvedTarget, model.ChatRequest) (model.Completion, error) {
		return model.Completion{Text: "hello"}, nil
	}}
	d := newDispatcher(b, Config{})
	sink := &recordingSink{}

	task, err := d.Submit(Job{
		RequestID: "req-a",
		Request:   model.ChatRequest{Prompt: "hi", RequestedModelID: "gpt-4o", RequestedProvider: "openai"},
		Sink:      sink,
	})
	require.NoError(t, err)
	wait(t, task)

	evs := sink.Events()
	require.Equal(t, []EventKind{EventProcessing, EventComplete}, kinds(evs))
	assert.Equal(t, "hello", evs[1].Text)
	for _, ev := range evs {
		assert.Equal(t, "req-a", ev.RequestID)
		assert.Equal(t, model.ProviderOpenAI, ev.Provider)
		assert.Equal(t, "gpt-4o", ev.ModelID)
	}
	assert.Equal(t, StateCompleted, task.State())
	assert.Equal(t, "hello", task.Text())
	_, inFlight := d.Get("req-a")
	assert.False(t, inFlight)
}

func TestSubmitGeneratesRequestID(t *testing.T) {
	b := &stubBackend{complete: func(context.Context, model.ResolvedTarget, model.ChatRequest) (model.Completion, error) {
		return model.Completion{Text: "x"}, nil
	}}
	d := newDispatcher(b, Config{})
	task, err := d.Submit(Job{Request: model.ChatRequest{Prompt: "hi"}})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID())
	assert.Equal(t, model.ProviderGemini, task.Target().Provider())
	wait(t, task)
}

func TestStreamingOrderUnderLoad(t *testing.T) {
	b := &stubBackend{stream: sendChunks("c1", "c2", "c3")}
	d := newDispatcher(b, Config{})

	const n = 32
	sinks := make([]*recordingSink, n)
	tasks := make([]*Task, n)
	for i := range sinks {
		sinks[i] = &recordingSink{}
		task, err := d.Submit(Job{
			RequestID: fmt.Sprintf("req-%d", i),
			Request:   model.ChatRequest{Prompt: "hi"},
			Streaming: true,
			Sink:      sinks[i],
		})
		require.NoError(t, err)
		tasks[i] = task
	}
	for i, task := range tasks {
		wait(t, task)
		evs := sinks[i].Events()
		require.Equal(t, []EventKind{EventProcessing, EventChunk, EventChunk, EventChunk, EventComplete}, kinds(evs))
		assert.Equal(t, "c1", evs[1].Text)
		assert.Equal(t, "c2", evs[2].Text)
		assert.Equal(t, "c3", evs[3].Text)
		assert.Equal(t, "c1c2c3", evs[4].Text)
		assert.True(t, evs[4].Streaming)
	}
}

func TestStreamingFailureKeepsPartial(t *testing.T) {
	boom := errors.New("connection reset")
	b := &stubBackend{stream: func(ctx context.Context, out chan<- model.Chunk) {
		sendChunks("a", "b")(ctx, out)
		out <- model.Chunk{Err: boom}
	}}
	d := newDispatcher(b, Config{})
	sink := &recordingSink{}
	task, err := d.Submit(Job{Request: model.ChatRequest{Prompt: "hi"}, Streaming: true, Sink: sink})
	require.NoError(t, err)
	wait(t, task)

	evs := sink.Events()
	require.Equal(t, []EventKind{EventProcessing, EventChunk, EventChunk, EventError}, kinds(evs))
	assert.Equal(t, "ab", evs[3].Text)
	assert.Equal(t, model.KindUnknown, evs[3].ErrorKind)
	assert.Equal(t, StateFailed, task.State())
	assert.ErrorIs(t, task.Err(), boom)
}

func TestErrorIsolation(t *testing.T) {
	b := &stubBackend{complete: func(_ context.Context, _ model.ResolvedTarget, req model.ChatRequest) (model.Completion, error) {
		if req.Prompt == "fail" {
			return model.Completion{}, errors.New("quota exceeded")
		}
		time.Sleep(10 * time.Millisecond)
		return model.Completion{Text: "ok"}, nil
	}}
	d := newDispatcher(b, Config{})

	sinkA, sinkB := &recordingSink{}, &recordingSink{}
	a, err := d.Submit(Job{Request: model.ChatRequest{Prompt: "fail"}, Sink: sinkA})
	require.NoError(t, err)
	bTask, err := d.Submit(Job{Request: model.ChatRequest{Prompt: "fine"}, Sink: sinkB})
	require.NoError(t, err)
	wait(t, a)
	wait(t, bTask)

	assert.Equal(t, StateFailed, a.State())
	assert.Equal(t, StateCompleted, bTask.State())
	assert.Equal(t, []EventKind{EventProcessing, EventError}, kinds(sinkA.Events()))
	assert.Equal(t, []EventKind{EventProcessing, EventComplete}, kinds(sinkB.Events()))
}

func TestResolutionErrorCreatesNoTask(t *testing.T) {
	b := &stubBackend{}
	d := newDispatcher(b, Config{})
	sink := &recordingSink{}

	task, err := d.Submit(Job{Request: model.ChatRequest{Prompt: "hi", RequestedModelID: "nonexistent-model"}, Sink: sink})
	require.Error(t, err)
	assert.Nil(t, task)
	var re *model.ResolutionError
	assert.ErrorAs(t, err, &re)
	assert.Zero(t, b.calls.Load())
	assert.Empty(t, sink.Events())
	assert.Empty(t, d.Active())
}

func TestValidationErrorCreatesNoTask(t *testing.T) {
	d := newDispatcher(&stubBackend{}, Config{})
	_, err := d.Submit(Job{Request: model.ChatRequest{}})
	var ve *model.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestDuplicateInFlightRequestID(t *testing.T) {
	release := make(chan struct{})
	b := &stubBackend{complete: func(context.Context, model.ResolvedTarget, model.ChatRequest) (model.Completion, error) {
		<-release
		return model.Completion{Text: "x"}, nil
	}}
	d := newDispatcher(b, Config{})
	first, err := d.Submit(Job{RequestID: "dup", Request: model.ChatRequest{Prompt: "hi"}})
	require.NoError(t, err)

	_, err = d.Submit(Job{RequestID: "dup", Request: model.ChatRequest{Prompt: "hi"}})
	var ve *model.ValidationError
	assert.ErrorAs(t, err, &ve)

	close(release)
	wait(t, first)

	again, err := d.Submit(Job{RequestID: "dup", Request: model.ChatRequest{Prompt: "hi"}})
	require.NoError(t, err)
	wait(t, again)
}

func TestTimeout(t *testing.T) {
	b := &stubBackend{complete: func(ctx context.Context, _ model.ResolvedTarget, _ model.ChatRequest) (model.Completion, error) {
		<-ctx.Done()
		return model.Completion{}, ctx.Err()
	}}
	d := newDispatcher(b, Config{Timeout: 20 * time.Millisecond})
	sink := &recordingSink{}
	task, err := d.Submit(Job{Request: model.ChatRequest{Prompt: "hi"}, Sink: sink})
	require.NoError(t, err)
	wait(t, task)

	evs := sink.Events()
	require.Equal(t, []EventKind{EventProcessing, EventError}, kinds(evs))
	assert.Equal(t, model.KindTimeout, evs[1].ErrorKind)
	assert.Equal(t, model.KindTimeout, task.Err().Kind)
}

func TestCancelMidStream(t *testing.T) {
	started := make(chan struct{})
	b := &stubBackend{stream: func(ctx context.Context, out chan<- model.Chunk) {
		out <- model.Chunk{Text: "part"}
		close(started)
		<-ctx.Done()
	}}
	d := newDispatcher(b, Config{})
	sink := &recordingSink{}
	task, err := d.Submit(Job{RequestID: "c", Request: model.ChatRequest{Prompt: "hi"}, Streaming: true, Sink: sink})
	require.NoError(t, err)

	<-started
	assert.True(t, d.Cancel("c"))
	wait(t, task)

	evs := sink.Events()
	last := evs[len(evs)-1]
	assert.Equal(t, EventError, last.Kind)
	assert.Equal(t, model.KindCanceled, last.ErrorKind)
	assert.Equal(t, "part", last.Text)
	assert.Equal(t, StateFailed, task.State())
	assert.False(t, d.Cancel("c"))
}

func TestCancelOwner(t *testing.T) {
	b := &stubBackend{complete: func(ctx context.Context, _ model.ResolvedTarget, _ model.ChatRequest) (model.Completion, error) {
		<-ctx.Done()
		return model.Completion{}, ctx.Err()
	}}
	d := newDispatcher(b, Config{})
	chat, err := d.Submit(Job{Owner: "client-1", Request: model.ChatRequest{Prompt: "hi"}})
	require.NoError(t, err)
	other, err := d.Submit(Job{Owner: "client-2", Request: model.ChatRequest{Prompt: "hi"}})
	require.NoError(t, err)
	kept, err := d.Submit(Job{Owner: "client-1", Module: "analysis", Request: model.ChatRequest{Prompt: "hi"}})
	require.NoError(t, err)

	assert.Equal(t, 1, d.CancelOwner("client-1", "analysis"))
	wait(t, chat)
	assert.Equal(t, StateFailed, chat.State())
	assert.False(t, other.State().Terminal())
	assert.False(t, kept.State().Terminal())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	assert.True(t, other.State().Terminal())
	assert.True(t, kept.State().Terminal())
}

func TestSinkClosedCancelsTask(t *testing.T) {
	b := &stubBackend{stream: func(ctx context.Context, out chan<- model.Chunk) {
		for {
			select {
			case out <- model.Chunk{Text: "x"}:
			case <-ctx.Done():
				return
			}
		}
	}}
	d := newDispatcher(b, Config{})
	sink := &recordingSink{err: ErrSinkClosed}
	task, err := d.Submit(Job{Request: model.ChatRequest{Prompt: "hi"}, Streaming: true, Sink: sink})
	require.NoError(t, err)
	wait(t, task)

	assert.Empty(t, sink.Events())
	assert.Equal(t, StateFailed, task.State())
	assert.Equal(t, model.KindCanceled, task.Err().Kind)
}

func TestBlockedIsSuccess(t *testing.T) {
	b := &stubBackend{complete: func(context.Context, model.ResolvedTarget, model.ChatRequest) (model.Completion, error) {
		return model.Completion{Blocked: true}, nil
	}}
	d := newDispatcher(b, Config{})
	sink := &recordingSink{}
	task, err := d.Submit(Job{Request: model.ChatRequest{Prompt: "hi"}, Sink: sink})
	require.NoError(t, err)
	wait(t, task)

	evs := sink.Events()
	require.Equal(t, []EventKind{EventProcessing, EventComplete}, kinds(evs))
	assert.True(t, evs[1].Blocked)
	assert.Equal(t, model.BlockedSentinel, evs[1].Text)
	assert.Equal(t, StateCompleted, task.State())
}

func TestStreamedBlockIsSuccessWithoutChunks(t *testing.T) {
	b := &stubBackend{stream: func(ctx context.Context, out chan<- model.Chunk) {
		select {
		case out <- model.Chunk{Blocked: true}:
		case <-ctx.Done():
		}
	}}
	d := newDispatcher(b, Config{})
	sink := &recordingSink{}
	task, err := d.Submit(Job{Request: model.ChatRequest{Prompt: "hi"}, Streaming: true, Sink: sink})
	require.NoError(t, err)
	wait(t, task)

	evs := sink.Events()
	require.Equal(t, []EventKind{EventProcessing, EventComplete}, kinds(evs))
	assert.True(t, evs[1].Blocked)
	assert.True(t, evs[1].Streaming)
	assert.Equal(t, model.BlockedSentinel, evs[1].Text)
	assert.Equal(t, StateCompleted, task.State())

	name, payload := chatPayload(evs[1])
	assert.Equal(t, protocol.EventChatStreamEnd, name)
	assert.True(t, payload.(protocol.ChatStreamEnd).Blocked)
}

func TestLateResultStillReachesOnResult(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	b := &stubBackend{complete: func(context.Context, model.ResolvedTarget, model.ChatRequest) (model.Completion, error) {
		close(entered)
		<-release
		return model.Completion{Text: "late"}, nil
	}}
	d := newDispatcher(b, Config{})
	sink := &recordingSink{}

	var got atomic.Value
	task, err := d.Submit(Job{
		Request:  model.ChatRequest{Prompt: "hi"},
		Sink:     sink,
		OnResult: func(c model.Completion) { got.Store(c.Text) },
	})
	require.NoError(t, err)
	<-entered
	task.Cancel()
	close(release)
	wait(t, task)

	assert.Equal(t, "late", got.Load())
	assert.Equal(t, StateFailed, task.State())
	evs := sink.Events()
	assert.Equal(t, EventError, evs[len(evs)-1].Kind)
}

func TestObserverSeesTerminalSnapshot(t *testing.T) {
	b := &stubBackend{complete: func(context.Context, model.ResolvedTarget, model.ChatRequest) (model.Completion, error) {
		return model.Completion{Text: "done"}, nil
	}}
	d := newDispatcher(b, Config{})
	snaps := make(chan Snapshot, 1)
	d.AddObserver(ObserverFunc(func(s Snapshot) { snaps <- s }))

	task, err := d.Submit(Job{RequestID: "obs", Module: "chat", Request: model.ChatRequest{Prompt: "question"}})
	require.NoError(t, err)
	wait(t, task)

	s := <-snaps
	assert.Equal(t, "obs", s.ID)
	assert.Equal(t, "question", s.Prompt)
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, "done", s.Text)
	assert.False(t, s.FinishedAt.Before(s.CreatedAt))
}

func TestSpawn(t *testing.T) {
	d := newDispatcher(&stubBackend{}, Config{MaxConcurrent: 1})
	target, err := d.Resolve("", "")
	require.NoError(t, err)

	ok, err := d.Spawn(Spec{Module: "voice", Target: target}, func(ctx context.Context, t *Task) (string, error) {
		return "spoken", nil
	})
	require.NoError(t, err)
	bad, err := d.Spawn(Spec{Module: "voice", Target: target}, func(ctx context.Context, t *Task) (string, error) {
		return "partial", errors.New("stt down")
	})
	require.NoError(t, err)

	wait(t, ok)
	wait(t, bad)
	assert.Equal(t, StateCompleted, ok.State())
	assert.Equal(t, "spoken", ok.Text())
	assert.Equal(t, StateFailed, bad.State())
	assert.Equal(t, "partial", bad.Text())
}

func TestShutdownRejectsNewWork(t *testing.T) {
	d := newDispatcher(&stubBackend{}, Config{})
	require.NoError(t, d.Shutdown(context.Background()))
	_, err := d.Submit(Job{Request: model.ChatRequest{Prompt: "hi"}})
	assert.Error(t, err)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StatePending.canMoveTo(StateRunning))
	assert.True(t, StateRunning.canMoveTo(StateStreaming))
	assert.True(t, StateStreaming.canMoveTo(StateStreaming))
	assert.True(t, StateStreaming.canMoveTo(StateCompleted))
	assert.False(t, StateRunning.canMoveTo(StatePending))
	assert.False(t, StateCompleted.canMoveTo(StateFailed))
	assert.False(t, StateFailed.canMoveTo(StateRunning))
	assert.False(t, StatePending.canMoveTo(StateStreaming))
}
