package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightline/sightline/internal/application/dispatch"
	"github.com/sightline/sightline/internal/domain/model"
	"github.com/sightline/sightline/internal/gateway/protocol"
	"github.com/sightline/sightline/internal/infrastructure/storage"
)

type transcribeFunc func(ctx context.Context, path string) (string, error)

func (f transcribeFunc) Transcribe(ctx context.Context, path string) (string, error) { return f(ctx, path) }

type synthFunc func(ctx context.Context, text string) ([]byte, error)

func (f synthFunc) Synthesize(ctx context.Context, text string) ([]byte, error) { return f(ctx, text) }

type emitted struct {
	name    string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recorder) Emit(_ context.Context, name string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{name, payload})
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.name
	}
	return out
}

type fixture struct {
	pipeline *Pipeline
	audioDir *storage.Dir
	chats    atomic.Int32
	lastChat model.ChatRequest
	mu       sync.Mutex
}

func newFixture(t *testing.T, stt map[string]Transcriber, synth Synthesizer, chat model.BackendFunc) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{}
	backend := model.BackendFunc(func(ctx context.Context, target model.ResolvedTarget, req model.ChatRequest) (model.Completion, error) {
		f.chats.Add(1)
		f.mu.Lock()
		f.lastChat = req
		f.mu.Unlock()
		return chat(ctx, target, req)
	})
	d := dispatch.New(backend, model.NewResolver(model.DefaultCatalog()), dispatch.Config{DefaultProvider: model.ProviderOpenAI}, logger)
	dir, err := storage.NewDir(filepath.Join(t.TempDir(), "tts"), "/static/tts")
	require.NoError(t, err)
	f.audioDir = dir
	f.pipeline = New(d, stt, synth, dir, Config{DefaultSTT: "whisper", ExternalURL: "http://host:5000/"}, logger)
	return f
}

func audioFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o600))
	return path
}

func finish(t *testing.T, run *Run) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(ctx))
}

func fixed(text string) transcribeFunc {
	return func(context.Context, string) (string, error) { return text, nil }
}

func answer(text string) model.BackendFunc {
	return func(context.Context, model.ResolvedTarget, model.ChatRequest) (model.Completion, error) {
		return model.Completion{Text: text}, nil
	}
}

func TestPipelineSuccess(t *testing.T) {
	f := newFixture(t,
		map[string]Transcriber{"whisper": fixed(" what time is it? ")},
		synthFunc(func(_ context.Context, text string) ([]byte, error) { return []byte("mp3:" + text), nil }),
		answer("noon"))
	path := audioFile(t)
	sink := &recorder{}

	run, err := f.pipeline.Submit(Request{RequestID: "v1", AudioPath: path, Sink: sink})
	require.NoError(t, err)
	finish(t, run)

	assert.Equal(t, []string{protocol.EventSTTResult, protocol.EventVoiceChatResponse, protocol.EventVoiceAnswerAudio}, sink.names())
	assert.Equal(t, StageComplete, run.Stage())
	assert.Equal(t, "what time is it?", run.Transcript())
	assert.Equal(t, "noon", run.Answer())
	assert.Equal(t, "http://host:5000/static/tts/v1.mp3", run.AudioURL())
	assert.Equal(t, dispatch.StateCompleted, run.Task.State())

	assert.Equal(t, "what time is it?", f.lastChat.Prompt)
	assert.Empty(t, f.lastChat.History)

	data, err := f.audioDir.Read("v1.mp3")
	require.NoError(t, err)
	assert.Equal(t, "mp3:noon", string(data))

	resp := sink.events[1].payload.(protocol.VoiceChatResponse)
	assert.Equal(t, "whisper", resp.STTProvider)
	assert.Equal(t, "openai", resp.ChatProvider)
	assert.Equal(t, "gpt-4o", resp.ChatModelID)

	assert.NoFileExists(t, path)
}

func TestPipelineSTTFailureStops(t *testing.T) {
	for name, stt := range map[string]transcribeFunc{
		"error": func(context.Context, string) (string, error) { return "", errors.New("bad audio") },
		"empty": fixed("   "),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, map[string]Transcriber{"whisper": stt}, nil, answer("unused"))
			path := audioFile(t)
			sink := &recorder{}

			run, err := f.pipeline.Submit(Request{AudioPath: path, Sink: sink})
			require.NoError(t, err)
			finish(t, run)

			assert.Equal(t, []string{protocol.EventSTTError}, sink.names())
			assert.Equal(t, StageFailedSTT, run.Stage())
			assert.Equal(t, dispatch.StateFailed, run.Task.State())
			assert.Zero(t, f.chats.Load())
			assert.NoFileExists(t, path)
		})
	}
}

func TestPipelineChatFailureKeepsTranscript(t *testing.T) {
	var spoke atomic.Bool
	f := newFixture(t,
		map[string]Transcriber{"whisper": fixed("hello")},
		synthFunc(func(context.Context, string) ([]byte, error) { spoke.Store(true); return []byte("x"), nil }),
		func(context.Context, model.ResolvedTarget, model.ChatRequest) (model.Completion, error) {
			return model.Completion{}, errors.New("model offline")
		})
	path := audioFile(t)
	sink := &recorder{}

	run, err := f.pipeline.Submit(Request{AudioPath: path, Sink: sink})
	require.NoError(t, err)
	finish(t, run)

	require.Equal(t, []string{protocol.EventSTTResult, protocol.EventChatError}, sink.names())
	ce := sink.events[1].payload.(protocol.ChatError)
	assert.Equal(t, "hello", ce.Transcript)
	assert.Contains(t, ce.Error, "model offline")
	assert.Equal(t, StageFailedChat, run.Stage())
	assert.Equal(t, "hello", run.Transcript())
	assert.Equal(t, "hello", run.Task.Text())
	assert.False(t, spoke.Load())
	assert.NoFileExists(t, path)
}

func TestPipelineSpeechFailureKeepsAnswer(t *testing.T) {
	f := newFixture(t,
		map[string]Transcriber{"whisper": fixed("hello")},
		synthFunc(func(context.Context, string) ([]byte, error) { return nil, errors.New("quota") }),
		answer("hi there"))
	sink := &recorder{}

	run, err := f.pipeline.Submit(Request{AudioPath: audioFile(t), Sink: sink})
	require.NoError(t, err)
	finish(t, run)

	assert.Equal(t, []string{protocol.EventSTTResult, protocol.EventVoiceChatResponse, protocol.EventTTSError}, sink.names())
	assert.Equal(t, StageResponded, run.Stage())
	assert.Equal(t, "hi there", run.Answer())
	assert.Equal(t, dispatch.StateCompleted, run.Task.State())
}

func TestPipelineWithoutSpeech(t *testing.T) {
	f := newFixture(t, map[string]Transcriber{"whisper": fixed("hello")}, nil, answer("hi"))
	sink := &recorder{}
	run, err := f.pipeline.Submit(Request{AudioPath: audioFile(t), Sink: sink})
	require.NoError(t, err)
	finish(t, run)

	assert.Equal(t, []string{protocol.EventSTTResult, protocol.EventVoiceChatResponse}, sink.names())
	assert.Equal(t, StageComplete, run.Stage())
	assert.Empty(t, run.AudioURL())
}

func TestPipelineSTTOverride(t *testing.T) {
	var used string
	var mu sync.Mutex
	pick := func(name string) transcribeFunc {
		return func(context.Context, string) (string, error) {
			mu.Lock()
			used = name
			mu.Unlock()
			return "text from " + name, nil
		}
	}
	f := newFixture(t, map[string]Transcriber{"whisper": pick("whisper"), "Google": pick("google")}, nil, answer("ok"))

	run, err := f.pipeline.Submit(Request{AudioPath: audioFile(t), STTProvider: "GOOGLE"})
	require.NoError(t, err)
	finish(t, run)

	mu.Lock()
	assert.Equal(t, "google", used)
	mu.Unlock()
	assert.Equal(t, "whisper", f.pipeline.DefaultSTT())
	assert.Equal(t, []string{"google", "whisper"}, f.pipeline.STTProviders())
}

func TestPipelineRejectsBeforeStarting(t *testing.T) {
	f := newFixture(t, map[string]Transcriber{"whisper": fixed("x")}, nil, answer("x"))

	path := audioFile(t)
	_, err := f.pipeline.Submit(Request{AudioPath: path, STTProvider: "dragon"})
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "stt_provider", ve.Field)
	assert.NoFileExists(t, path)

	path = audioFile(t)
	_, err = f.pipeline.Submit(Request{AudioPath: path, Provider: "nobody"})
	var re *model.ResolutionError
	require.ErrorAs(t, err, &re)
	assert.NoFileExists(t, path)

	_, err = f.pipeline.Submit(Request{})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "audio", ve.Field)
}

func TestPipelineCanceledDuringTranscription(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, map[string]Transcriber{"whisper": transcribeFunc(func(ctx context.Context, _ string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})}, nil, answer("unused"))
	path := audioFile(t)

	run, err := f.pipeline.Submit(Request{AudioPath: path})
	require.NoError(t, err)
	<-started
	run.Task.Cancel()
	finish(t, run)

	assert.Equal(t, StageFailedSTT, run.Stage())
	require.NotNil(t, run.Task.Err())
	assert.Equal(t, model.KindCanceled, run.Task.Err().Kind)
	assert.NoFileExists(t, path)
}

func TestPipelineCanceledWhileQueuedReportsError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.New(answer("unused"), model.NewResolver(model.DefaultCatalog()), dispatch.Config{DefaultProvider: model.ProviderOpenAI, MaxConcurrent: 1}, logger)
	var transcribed atomic.Int32
	p := New(d, map[string]Transcriber{"whisper": transcribeFunc(func(context.Context, string) (string, error) {
		transcribed.Add(1)
		return "x", nil
	})}, nil, nil, Config{DefaultSTT: "whisper"}, logger)

	target, err := d.Resolve("", "")
	require.NoError(t, err)
	hold := make(chan struct{})
	busy, err := d.Spawn(dispatch.Spec{Module: "voice", Target: target}, func(ctx context.Context, _ *dispatch.Task) (string, error) {
		<-hold
		return "", nil
	})
	require.NoError(t, err)

	sink := &recorder{}
	path := audioFile(t)
	run, err := p.Submit(Request{RequestID: "queued", AudioPath: path, Sink: sink})
	require.NoError(t, err)
	require.True(t, d.Cancel("queued"))
	finish(t, run)

	assert.Eventually(t, func() bool {
		names := sink.names()
		return len(names) == 1 && names[0] == protocol.EventTaskError
	}, 2*time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	te, ok := sink.events[0].payload.(protocol.TaskError)
	sink.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "queued", te.RequestID)
	assert.Equal(t, string(model.KindCanceled), te.Kind)
	assert.Equal(t, StageReceived, run.Stage())
	assert.Zero(t, transcribed.Load())
	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	close(hold)
	finish(t, &Run{Task: busy})
}
