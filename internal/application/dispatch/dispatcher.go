// Package dispatch runs every request as an independent, cancellable task and
// routes its output to a delivery sink under the request id.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sightline/sightline/internal/domain/model"
)

// terminalDeliveryTimeout bounds the final event send of a canceled task.
const terminalDeliveryTimeout = 5 * time.Second

// Config tunes the dispatcher.
type Config struct {
	DefaultProvider model.ProviderID
	// Timeout bounds each backend call. Zero means no limit.
	Timeout time.Duration
	// MaxConcurrent caps running tasks. Zero means unbounded.
	MaxConcurrent int
}

// Observer is told about every task reaching a terminal state.
type Observer interface {
	TaskFinished(Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Snapshot)

func (f ObserverFunc) TaskFinished(s Snapshot) { f(s) }

// Job describes one chat-shaped unit of work.
type Job struct {
	// RequestID is the correlation id. Generated when empty.
	RequestID string
	// Owner is the connection that submitted the job, if any.
	Owner     string
	Module    string
	Request   model.ChatRequest
	Streaming bool
	Sink      Sink
	// OnResult runs with every successful backend result, including one
	// that arrives after the task was canceled.
	OnResult func(model.Completion)
	// KeepAlive keeps the task running after its sink reports closed.
	KeepAlive bool
}

// Spec describes a task whose work is supplied by the caller.
type Spec struct {
	RequestID string
	Owner     string
	Module    string
	Prompt    string
	Target    model.ResolvedTarget
}

// WorkFunc performs a spawned task. The returned text is recorded as the
// task output.
type WorkFunc func(ctx context.Context, t *Task) (string, error)

// Dispatcher owns every in-flight task.
type Dispatcher struct {
	backend  model.Backend
	resolver *model.Resolver
	cfg      Config
	logger   *slog.Logger
	sem      *semaphore.Weighted

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	tasks     map[string]*Task
	observers []Observer
}

// New creates a dispatcher.
func New(backend model.Backend, resolver *model.Resolver, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		backend:  backend,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.With("component", "dispatch"),
		baseCtx:  ctx,
		stop:     stop,
		tasks:    make(map[string]*Task),
	}
	if cfg.MaxConcurrent > 0 {
		d.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return d
}

// AddObserver registers o for terminal task notifications.
func (d *Dispatcher) AddObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// DefaultProvider returns the provider used when a request names none.
func (d *Dispatcher) DefaultProvider() model.ProviderID { return d.cfg.DefaultProvider }

// Timeout returns the per backend call timeout.
func (d *Dispatcher) Timeout() time.Duration { return d.cfg.Timeout }

// Backend returns the backend tasks call.
func (d *Dispatcher) Backend() model.Backend { return d.backend }

// Resolve resolves the request's model selectors against the catalog.
func (d *Dispatcher) Resolve(modelID, provider string) (model.ResolvedTarget, error) {
	return d.resolver.Resolve(modelID, provider, d.cfg.DefaultProvider)
}

// Submit validates and resolves job synchronously, then runs it in the
// background. Validation and resolution errors create no task.
func (d *Dispatcher) Submit(job Job) (*Task, error) {
	if err := job.Request.Validate(); err != nil {
		return nil, err
	}
	target, err := d.Resolve(job.Request.RequestedModelID, job.Request.RequestedProvider)
	if err != nil {
		d.logger.Warn("resolution failed", "request_id", job.RequestID, "error", err)
		return nil, err
	}
	if job.Sink == nil {
		job.Sink = ChatSink(Discard)
	}
	if job.Module == "" {
		job.Module = "chat"
	}

	t, err := d.register(Spec{
		RequestID: job.RequestID,
		Owner:     job.Owner,
		Module:    job.Module,
		Prompt:    job.Request.Prompt,
		Target:    target,
	}, job.Streaming)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("task accepted",
		"request_id", t.id,
		"module", t.module,
		"target", target.String(),
		"provider_source", target.ProviderSource(),
		"model_source", target.ModelSource(),
		"streaming", job.Streaming,
		"images", len(job.Request.Images))

	go d.runJob(t, job)
	return t, nil
}

// Spawn runs work as a task. The caller emits its own events.
func (d *Dispatcher) Spawn(spec Spec, work WorkFunc) (*Task, error) {
	if spec.Module == "" {
		spec.Module = "task"
	}
	t, err := d.register(spec, false)
	if err != nil {
		return nil, err
	}
	go func() {
		defer d.wg.Done()
		if err := d.acquire(t.ctx); err != nil {
			d.finish(t, StateFailed, "", model.AsBackendError(err, t.target))
			return
		}
		defer d.release()
		t.moveTo(StateRunning)

		text, err := work(t.ctx, t)
		if err != nil {
			d.finish(t, StateFailed, text, model.AsBackendError(err, t.target))
			return
		}
		d.finish(t, StateCompleted, text, nil)
	}()
	return t, nil
}

func (d *Dispatcher) register(spec Spec, streaming bool) (*Task, error) {
	id := strings.TrimSpace(spec.RequestID)
	if id == "" {
		id = uuid.NewString()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.baseCtx.Err() != nil {
		return nil, errors.New("dispatcher is shut down")
	}
	if _, busy := d.tasks[id]; busy {
		return nil, &model.ValidationError{Field: "request_id", Reason: fmt.Sprintf("%q is already in flight", id)}
	}

	ctx, cancel := context.WithCancel(d.baseCtx)
	t := &Task{
		id:        id,
		owner:     spec.Owner,
		module:    spec.Module,
		prompt:    spec.Prompt,
		target:    spec.Target,
		streaming: streaming,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StatePending,
		createdAt: time.Now(),
	}
	d.tasks[id] = t
	d.wg.Add(1)
	return t, nil
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	if d.sem == nil {
		return nil
	}
	return d.sem.Acquire(ctx, 1)
}

func (d *Dispatcher) release() {
	if d.sem != nil {
		d.sem.Release(1)
	}
}

// run carries the delivery state of one job.
type run struct {
	d      *Dispatcher
	t      *Task
	job    Job
	closed bool
}

func (d *Dispatcher) runJob(t *Task, job Job) {
	defer d.wg.Done()
	r := &run{d: d, t: t, job: job}

	ctx := t.ctx
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	if err := d.acquire(ctx); err != nil {
		r.fail(err, "")
		return
	}
	defer d.release()

	t.moveTo(StateRunning)
	r.deliver(ctx, Event{Kind: EventProcessing})

	if job.Streaming {
		r.stream(ctx)
	} else {
		r.complete(ctx)
	}
}

func (r *run) complete(ctx context.Context) {
	c, err := r.d.backend.Complete(ctx, r.t.target, r.job.Request)
	if err != nil {
		r.fail(err, "")
		return
	}
	r.succeed(c)
}

func (r *run) stream(ctx context.Context) {
	ch, err := r.d.backend.Stream(ctx, r.t.target, r.job.Request)
	if err != nil {
		r.fail(err, "")
		return
	}

	var buf strings.Builder
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					r.fail(err, buf.String())
					return
				}
				r.succeed(model.Completion{Text: buf.String()})
				return
			}
			if chunk.Err != nil {
				r.fail(chunk.Err, buf.String())
				return
			}
			if chunk.Blocked {
				r.succeed(model.Completion{Blocked: true})
				return
			}
			if chunk.Text == "" {
				continue
			}
			buf.WriteString(chunk.Text)
			r.t.moveTo(StateStreaming)
			r.deliver(ctx, Event{Kind: EventChunk, Text: chunk.Text})
		case <-ctx.Done():
			r.fail(ctx.Err(), buf.String())
			return
		}
	}
}

func (r *run) succeed(c model.Completion) {
	if c.Blocked {
		c.Text = model.BlockedSentinel
	}
	if r.job.OnResult != nil {
		r.job.OnResult(c)
	}
	if err := r.t.ctx.Err(); err != nil {
		r.d.logger.Debug("discarding late result of canceled task", "request_id", r.t.id)
		r.fail(err, "")
		return
	}
	r.deliverTerminal(Event{Kind: EventComplete, Text: c.Text, Blocked: c.Blocked})
	r.d.finish(r.t, StateCompleted, c.Text, nil)
}

func (r *run) fail(err error, partial string) {
	be := model.AsBackendError(err, r.t.target)
	r.deliverTerminal(Event{Kind: EventError, ErrorKind: be.Kind, Message: be.Error(), Text: partial})
	r.d.finish(r.t, StateFailed, partial, be)
}

func (r *run) deliverTerminal(ev Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.t.ctx), terminalDeliveryTimeout)
	defer cancel()
	r.deliver(ctx, ev)
}

func (r *run) deliver(ctx context.Context, ev Event) {
	if r.closed {
		return
	}
	ev.RequestID = r.t.id
	ev.Provider = r.t.target.Provider()
	ev.ModelID = r.t.target.ModelID()
	ev.Streaming = r.t.streaming

	err := r.job.Sink.Deliver(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, ErrSinkClosed):
		r.closed = true
		r.d.logger.Debug("sink closed, dropping further events", "request_id", r.t.id, "event", ev.Kind)
		if !r.job.KeepAlive {
			r.t.cancel()
		}
	default:
		r.d.logger.Warn("event delivery failed", "request_id", r.t.id, "event", ev.Kind, "error", err)
	}
}

func (d *Dispatcher) finish(t *Task, state State, text string, be *model.BackendError) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.text = text
	t.err = be
	t.finishedAt = time.Now()
	t.mu.Unlock()

	d.mu.Lock()
	if d.tasks[t.id] == t {
		delete(d.tasks, t.id)
	}
	observers := append([]Observer(nil), d.observers...)
	d.mu.Unlock()

	snap := t.Snapshot()
	if be != nil {
		d.logger.Warn("task failed", "request_id", t.id, "module", t.module, "target", t.target.String(),
			"kind", be.Kind, "error", be.Err, "duration", snap.FinishedAt.Sub(snap.CreatedAt))
	} else {
		d.logger.Info("task completed", "request_id", t.id, "module", t.module, "target", t.target.String(),
			"chars", len(text), "duration", snap.FinishedAt.Sub(snap.CreatedAt))
	}
	for _, o := range observers {
		o.TaskFinished(snap)
	}

	t.cancel()
	close(t.done)
}

// Get returns an in-flight task.
func (d *Dispatcher) Get(requestID string) (*Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[requestID]
	return t, ok
}

// Cancel cancels the in-flight task with requestID.
func (d *Dispatcher) Cancel(requestID string) bool {
	t, ok := d.Get(requestID)
	if ok {
		t.Cancel()
	}
	return ok
}

// CancelOwner cancels every in-flight task submitted by owner, except those
// marked KeepAlive by their module.
func (d *Dispatcher) CancelOwner(owner string, keep ...string) int {
	if owner == "" {
		return 0
	}
	d.mu.Lock()
	var victims []*Task
	for _, t := range d.tasks {
		if t.owner == owner && !contains(keep, t.module) {
			victims = append(victims, t)
		}
	}
	d.mu.Unlock()

	for _, t := range victims {
		t.Cancel()
	}
	return len(victims)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Active lists in-flight tasks.
func (d *Dispatcher) Active() []Snapshot {
	d.mu.Lock()
	tasks := make([]*Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		tasks = append(tasks, t)
	}
	d.mu.Unlock()

	out := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	return out
}

// Shutdown cancels every task and waits for them to finish.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.stop()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
