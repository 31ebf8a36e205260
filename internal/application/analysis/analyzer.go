// Package analysis submits screenshots to a model, records successful
// answers in the history and announces them to every client.
package analysis

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sightline/sightline/internal/application/dispatch"
	"github.com/sightline/sightline/internal/domain/history"
	"github.com/sightline/sightline/internal/domain/model"
	"github.com/sightline/sightline/internal/gateway/protocol"
)

// DefaultPrompt is used when a screenshot arrives without a question.
const DefaultPrompt = "Describe this screenshot in detail and point out anything unusual or interesting."

// CropPrompt is the question asked about a region cut from original.
func CropPrompt(original string) string {
	return fmt.Sprintf("Interpret this region cropped from %s.", original)
}

// Request is one image to analyse.
type Request struct {
	RequestID string
	Owner     string
	Image     []byte
	ImageURL  string
	Prompt    string
	ModelID   string
	Provider  string
	// Origin receives analysis_result or analysis_error. Nil means nobody.
	Origin dispatch.Emitter
}

// Analyzer runs image analyses as dispatcher tasks.
type Analyzer struct {
	dispatcher *dispatch.Dispatcher
	history    *history.Store
	broadcast  dispatch.Emitter
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an analyzer.
func New(d *dispatch.Dispatcher, h *history.Store, broadcast dispatch.Emitter, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if broadcast == nil {
		broadcast = dispatch.Discard
	}
	return &Analyzer{
		dispatcher: d,
		history:    h,
		broadcast:  broadcast,
		logger:     logger.With("component", "analysis"),
		now:        time.Now,
	}
}

// History returns the store analyses are recorded in.
func (a *Analyzer) History() *history.Store { return a.history }

// Submit validates req and starts the analysis.
func (a *Analyzer) Submit(req Request) (*dispatch.Task, error) {
	if len(req.Image) == 0 {
		return nil, &model.ValidationError{Field: "image", Reason: "no image data"}
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = DefaultPrompt
	}
	origin := req.Origin
	if origin == nil {
		origin = dispatch.Discard
	}

	target, err := a.dispatcher.Resolve(req.ModelID, req.Provider)
	if err != nil {
		return nil, err
	}

	r := &result{a: a, url: req.ImageURL, prompt: prompt}
	r.entry.Provider = string(target.Provider())
	r.entry.ModelID = target.ModelID()
	task, err := a.dispatcher.Submit(dispatch.Job{
		RequestID: req.RequestID,
		Owner:     req.Owner,
		Module:    "analysis",
		Request: model.ChatRequest{
			Prompt:            prompt,
			Images:            []string{base64.StdEncoding.EncodeToString(req.Image)},
			RequestedModelID:  req.ModelID,
			RequestedProvider: req.Provider,
		},
		Sink:      r.sink(origin),
		OnResult:  r.record,
		KeepAlive: true,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("analysis started", "request_id", task.ID(), "image", req.ImageURL, "target", task.Target().String())
	return task, nil
}

// result carries one analysis from the backend answer to its events. The
// dispatcher calls record and the sink from the same goroutine.
type result struct {
	a      *Analyzer
	url    string
	prompt string
	entry  history.Entry
}

func (r *result) record(c model.Completion) {
	r.entry.ImageURL = r.url
	r.entry.Analysis = c.Text
	r.entry.Prompt = r.prompt
	r.entry.Timestamp = r.a.now()
	r.a.history.Append(r.entry)
	if err := r.a.broadcast.Emit(context.Background(), protocol.EventNewScreenshot, r.entry); err != nil {
		r.a.logger.Warn("new screenshot broadcast failed", "image", r.url, "error", err)
	}
}

func (r *result) sink(origin dispatch.Emitter) dispatch.Sink {
	return dispatch.SinkFunc(func(ctx context.Context, ev dispatch.Event) error {
		switch ev.Kind {
		case dispatch.EventComplete:
			return origin.Emit(ctx, protocol.EventAnalysisResult, protocol.AnalysisResult{
				RequestID: ev.RequestID,
				ImageURL:  r.entry.ImageURL,
				Analysis:  r.entry.Analysis,
				Prompt:    r.entry.Prompt,
				Timestamp: float64(r.entry.Timestamp.UnixNano()) / 1e9,
				Provider:  string(ev.Provider),
				ModelID:   ev.ModelID,
				Blocked:   ev.Blocked,
			})
		case dispatch.EventError:
			return origin.Emit(ctx, protocol.EventAnalysisError, protocol.AnalysisError{
				RequestID: ev.RequestID,
				ImageURL:  r.url,
				Error:     ev.Message,
				Kind:      string(ev.ErrorKind),
			})
		default:
			return nil
		}
	})
}
