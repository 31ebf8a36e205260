package tasklog

import (
	"log/slog"
	"time"

	"github.com/sightline/sightline/internal/application/dispatch"
)

const excerptRunes = 2000

// Observer returns a dispatcher observer that logs every finished task.
func (s *Store) Observer(logger *slog.Logger) dispatch.Observer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tasklog")
	return dispatch.ObserverFunc(func(snap dispatch.Snapshot) {
		rec := FromSnapshot(snap)
		if err := s.Log(&rec); err != nil {
			logger.Warn("task record not written", "request_id", snap.ID, "error", err)
		}
	})
}

// FromSnapshot converts a finished task.
func FromSnapshot(snap dispatch.Snapshot) Record {
	rec := Record{
		RequestID:    snap.ID,
		Module:       snap.Module,
		Owner:        snap.Owner,
		Streaming:    snap.Streaming,
		RequestBody:  excerpt(snap.Prompt),
		ResponseBody: excerpt(snap.Text),
		Status:       StatusCompleted,
		ErrorKind:    string(snap.ErrorKind),
		ErrorMessage: snap.Error,
		Provider:     string(snap.Provider),
		Model:        snap.ModelID,
		CreatedAt:    snap.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if snap.State == dispatch.StateFailed {
		rec.Status = StatusFailed
	}
	if !snap.FinishedAt.IsZero() {
		rec.DurationMs = snap.FinishedAt.Sub(snap.CreatedAt).Milliseconds()
	}
	return rec
}

func excerpt(s string) string {
	r := []rune(s)
	if len(r) <= excerptRunes {
		return s
	}
	return string(r[:excerptRunes]) + "…"
}
