// Package voice runs a recorded question through speech-to-text, a chat
// model and text-to-speech as one task.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sightline/sightline/internal/application/dispatch"
	"github.com/sightline/sightline/internal/domain/model"
	"github.com/sightline/sightline/internal/gateway/protocol"
	"github.com/sightline/sightline/internal/infrastructure/storage"
)

const emitTimeout = 5 * time.Second

var errEmptyTranscript = errors.New("transcription returned no text")

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Synthesizer turns text into encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Stage is the progress of one pipeline run.
type Stage int

const (
	StageReceived Stage = iota
	StageTranscribed
	StageResponded
	StageComplete
	StageFailedSTT
	StageFailedChat
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageTranscribed:
		return "transcribed"
	case StageResponded:
		return "responded"
	case StageComplete:
		return "complete"
	case StageFailedSTT:
		return "failed_stt"
	case StageFailedChat:
		return "failed_chat"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Config tunes the pipeline.
type Config struct {
	// DefaultSTT names the transcriber used when a request does not pick one.
	DefaultSTT string
	// ChatTimeout bounds the chat stage. Zero uses the dispatcher timeout.
	ChatTimeout time.Duration
	// ExternalURL prefixes published audio URLs.
	ExternalURL string
}

// Request is one recorded question.
type Request struct {
	RequestID string
	Owner     string
	// AudioPath is a scratch file owned by the pipeline from the moment
	// Submit is called. It is removed however the run ends.
	AudioPath   string
	ModelID     string
	Provider    string
	STTProvider string
	// Sink receives the stage events. Nil means nobody.
	Sink dispatch.Emitter
}

// Pipeline owns the speech services.
type Pipeline struct {
	dispatcher   *dispatch.Dispatcher
	transcribers map[string]Transcriber
	synth        Synthesizer
	audio        *storage.Dir
	cfg          Config
	logger       *slog.Logger
}

// New creates a pipeline. A nil synth or audio dir turns the speech step off.
func New(d *dispatch.Dispatcher, transcribers map[string]Transcriber, synth Synthesizer, audio *storage.Dir, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	named := make(map[string]Transcriber, len(transcribers))
	for name, t := range transcribers {
		named[strings.ToLower(strings.TrimSpace(name))] = t
	}
	cfg.DefaultSTT = strings.ToLower(strings.TrimSpace(cfg.DefaultSTT))
	return &Pipeline{
		dispatcher:   d,
		transcribers: named,
		synth:        synth,
		audio:        audio,
		cfg:          cfg,
		logger:       logger.With("component", "voice"),
	}
}

// STTProviders lists the configured transcriber names.
func (p *Pipeline) STTProviders() []string {
	names := make([]string, 0, len(p.transcribers))
	for name := range p.transcribers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultSTT returns the transcriber used when a request names none.
func (p *Pipeline) DefaultSTT() string { return p.cfg.DefaultSTT }

// Run follows one pipeline execution.
type Run struct {
	Task *dispatch.Task

	mu         sync.Mutex
	stage      Stage
	transcript string
	answer     string
	audioURL   string
}

func (r *Run) Stage() Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

func (r *Run) Transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript
}

func (r *Run) Answer() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answer
}

func (r *Run) AudioURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audioURL
}

// Wait blocks until the run ends or ctx is done.
func (r *Run) Wait(ctx context.Context) error { return r.Task.Wait(ctx) }

func (r *Run) update(fn func(r *Run)) {
	r.mu.Lock()
	fn(r)
	r.mu.Unlock()
}

// Submit checks req and starts the pipeline. The audio file is removed on
// every path, including when Submit fails.
func (p *Pipeline) Submit(req Request) (*Run, error) {
	started := false
	defer func() {
		if !started {
			p.release(req.AudioPath)
		}
	}()

	if strings.TrimSpace(req.AudioPath) == "" {
		return nil, &model.ValidationError{Field: "audio", Reason: "no audio file"}
	}
	sttName := strings.ToLower(strings.TrimSpace(req.STTProvider))
	if sttName == "" {
		sttName = p.cfg.DefaultSTT
	}
	stt, ok := p.transcribers[sttName]
	if !ok {
		return nil, &model.ValidationError{Field: "stt_provider", Reason: fmt.Sprintf("%q is not configured", sttName)}
	}
	target, err := p.dispatcher.Resolve(req.ModelID, req.Provider)
	if err != nil {
		return nil, err
	}
	sink := req.Sink
	if sink == nil {
		sink = dispatch.Discard
	}

	run := &Run{stage: StageReceived}
	s := &session{p: p, run: run, stt: stt, sttName: sttName, target: target, sink: sink, audioPath: req.AudioPath}
	task, err := p.dispatcher.Spawn(dispatch.Spec{
		RequestID: req.RequestID,
		Owner:     req.Owner,
		Module:    "voice",
		Prompt:    "(voice) " + sttName,
		Target:    target,
	}, s.work)
	if err != nil {
		return nil, err
	}
	started = true
	run.Task = task

	// The work func never runs when the task is canceled before it gets a
	// slot, so the failure is reported here.
	go func() {
		<-task.Done()
		p.release(req.AudioPath)
		if s.began.Load() {
			return
		}
		if be := task.Err(); be != nil {
			s.emit(context.Background(), protocol.EventTaskError, protocol.TaskError{
				RequestID: task.ID(),
				Error:     be.Error(),
				Kind:      string(be.Kind),
				Provider:  string(target.Provider()),
				ModelID:   target.ModelID(),
			})
		}
	}()

	p.logger.Info("voice pipeline started", "request_id", task.ID(), "stt", sttName, "target", target.String())
	return run, nil
}

func (p *Pipeline) release(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("remove voice upload failed", "path", path, "error", err)
	}
}

type session struct {
	p         *Pipeline
	run       *Run
	stt       Transcriber
	sttName   string
	target    model.ResolvedTarget
	sink      dispatch.Emitter
	audioPath string
	began     atomic.Bool
}

func (s *session) work(ctx context.Context, t *dispatch.Task) (string, error) {
	s.began.Store(true)
	defer s.p.release(s.audioPath)
	id := t.ID()

	transcript, err := s.stt.Transcribe(ctx, s.audioPath)
	transcript = strings.TrimSpace(transcript)
	if err == nil && transcript == "" {
		err = errEmptyTranscript
	}
	if err != nil {
		s.run.update(func(r *Run) { r.stage = StageFailedSTT })
		s.emit(ctx, protocol.EventSTTError, protocol.STTError{RequestID: id, Error: err.Error(), Provider: s.sttName})
		return "", fmt.Errorf("transcribe with %s: %w", s.sttName, err)
	}
	s.run.update(func(r *Run) {
		r.stage = StageTranscribed
		r.transcript = transcript
	})
	s.emit(ctx, protocol.EventSTTResult, protocol.STTResult{RequestID: id, Transcript: transcript, Provider: s.sttName})

	answer, err := s.chat(ctx, transcript)
	if err != nil {
		be := model.AsBackendError(err, s.target)
		s.run.update(func(r *Run) { r.stage = StageFailedChat })
		s.emit(ctx, protocol.EventChatError, protocol.ChatError{
			RequestID:    id,
			Transcript:   transcript,
			STTProvider:  s.sttName,
			ChatProvider: string(s.target.Provider()),
			ChatModelID:  s.target.ModelID(),
			Error:        be.Error(),
			Kind:         string(be.Kind),
		})
		return transcript, be
	}
	s.run.update(func(r *Run) {
		r.stage = StageResponded
		r.answer = answer.Text
	})
	s.emit(ctx, protocol.EventVoiceChatResponse, protocol.VoiceChatResponse{
		RequestID:    id,
		Transcript:   transcript,
		STTProvider:  s.sttName,
		ChatProvider: string(s.target.Provider()),
		ChatModelID:  s.target.ModelID(),
		Message:      answer.Text,
		Blocked:      answer.Blocked,
	})

	if s.p.synth == nil || s.p.audio == nil {
		s.run.update(func(r *Run) { r.stage = StageComplete })
		return answer.Text, nil
	}
	url, err := s.speak(ctx, id, answer.Text)
	if err != nil {
		// The chat answer stands; the missing audio is reported on its own.
		s.p.logger.Warn("speech synthesis failed", "request_id", id, "error", err)
		s.emit(ctx, protocol.EventTTSError, protocol.TTSError{RequestID: id, Error: err.Error()})
		return answer.Text, nil
	}
	s.run.update(func(r *Run) {
		r.stage = StageComplete
		r.audioURL = url
	})
	s.emit(ctx, protocol.EventVoiceAnswerAudio, protocol.VoiceAnswerAudio{RequestID: id, AudioURL: url})
	return answer.Text, nil
}

func (s *session) chat(ctx context.Context, transcript string) (model.Completion, error) {
	timeout := s.p.cfg.ChatTimeout
	if timeout <= 0 {
		timeout = s.p.dispatcher.Timeout()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	c, err := s.p.dispatcher.Backend().Complete(ctx, s.target, model.ChatRequest{Prompt: transcript})
	if err != nil {
		return model.Completion{}, err
	}
	if c.Blocked {
		c.Text = model.BlockedSentinel
	}
	return c, nil
}

func (s *session) speak(ctx context.Context, id, text string) (string, error) {
	audio, err := s.p.synth.Synthesize(ctx, text)
	if err != nil {
		return "", err
	}
	if len(audio) == 0 {
		return "", errors.New("speech synthesis returned no audio")
	}
	path, err := s.p.audio.Save(id+".mp3", audio)
	if err != nil {
		return "", fmt.Errorf("save audio: %w", err)
	}
	return strings.TrimRight(s.p.cfg.ExternalURL, "/") + path, nil
}

func (s *session) emit(ctx context.Context, event string, payload any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()
	if err := s.sink.Emit(ctx, event, payload); err != nil {
		s.p.logger.Debug("voice event not delivered", "event", event, "error", err)
	}
}
