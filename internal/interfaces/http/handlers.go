package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sightline/sightline/internal/domain/model"
	"github.com/sightline/sightline/internal/gateway/protocol"
	"github.com/sightline/sightline/internal/infrastructure/storage"
	"github.com/sightline/sightline/internal/system/tasklog"
)

// handleHealth returns the health status.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.Version,
	})
}

// handleStatus returns the overall gateway status.
func (s *Server) handleStatus(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	uptime := time.Since(s.startedAt)
	cfg := s.Config.Get()

	target, _ := s.defaultTarget()
	c.JSON(http.StatusOK, gin.H{
		"gateway": gin.H{
			"status":  "running",
			"address": cfg.Addr(),
			"version": s.Version,
			"uptime":  formatUptime(uptime),
		},
		"default_target": target.String(),
		"clients":        s.Hub.Count(),
		"active_tasks":   len(s.Dispatcher.Active()),
		"history": gin.H{
			"entries": s.Analyzer.History().Len(),
			"total":   s.Analyzer.History().Total(),
			"limit":   s.Analyzer.History().Limit(),
		},
		"voice":       s.Voice != nil,
		"telegram":    cfg.Channels.Telegram.Enabled(),
		"config_hash": s.Config.Hash(),
		"runtime": gin.H{
			"memoryMB":   float64(mem.Alloc) / 1024 / 1024,
			"goroutines": runtime.NumGoroutine(),
		},
	})
}

// handleAPIInfo names the default provider and model.
func (s *Server) handleAPIInfo(c *gin.Context) {
	c.JSON(http.StatusOK, s.apiInfo())
}

func (s *Server) apiInfo() protocol.APIInfo {
	target, err := s.defaultTarget()
	if err != nil {
		return protocol.APIInfo{}
	}
	return protocol.APIInfo{Provider: string(target.Provider()), DefaultModelID: target.ModelID()}
}

// handleAvailableModels returns the catalog in registration order.
func (s *Server) handleAvailableModels(c *gin.Context) {
	data, err := s.Catalog.MarshalJSON()
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// handleHistory returns the analysis history, oldest first.
func (s *Server) handleHistory(c *gin.Context) {
	c.JSON(http.StatusOK, s.Analyzer.History().Snapshot())
}

// handleLogs returns the buffered log entries.
func (s *Server) handleLogs(c *gin.Context) {
	if s.LogBuffer == nil {
		c.JSON(http.StatusOK, gin.H{"logs": []any{}})
		return
	}
	level := slog.LevelDebug
	if v := c.Query("level"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid level"})
			return
		}
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	c.JSON(http.StatusOK, gin.H{"logs": s.LogBuffer.Entries(level, limit)})
}

// handleTasks lists in-flight tasks and, when the audit log is on, the
// most recent finished ones.
func (s *Server) handleTasks(c *gin.Context) {
	resp := gin.H{"active": s.Dispatcher.Active()}
	if s.TaskLog != nil {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		records, total, err := s.TaskLog.Query(tasklog.QueryParams{
			Module: c.Query("module"),
			Status: c.Query("status"),
			Search: c.Query("q"),
			Limit:  limit,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		resp["recent"] = records
		resp["total"] = total
	}
	c.JSON(http.StatusOK, resp)
}

// handleCancelTask cancels an in-flight task.
func (s *Server) handleCancelTask(c *gin.Context) {
	id := c.Param("id")
	if !s.Dispatcher.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such task", "request_id": id})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "canceling", "request_id": id})
}

// handleRequestScreenshot asks every desktop client to capture the screen.
func (s *Server) handleRequestScreenshot(c *gin.Context) {
	s.Hub.Publish(protocol.EventCapture, protocol.Capture{RequestedBy: "http"})
	c.Status(http.StatusNoContent)
}

// serveFile serves one file of dir by name.
func (s *Server) serveFile(dir *storage.Dir) gin.HandlerFunc {
	return func(c *gin.Context) {
		if dir == nil {
			c.Status(http.StatusNotFound)
			return
		}
		path, err := dir.Path(c.Param("name"))
		if err != nil {
			c.Status(http.StatusNotFound)
			return
		}
		c.File(path)
	}
}

// writeError maps domain errors to HTTP answers.
func writeError(c *gin.Context, err error) {
	var (
		ve *model.ValidationError
		re *model.ResolutionError
	)
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "kind": "validation", "field": ve.Field})
	case errors.As(err, &re):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":              re.Error(),
			"kind":               "resolution",
			"requested_model_id": re.RequestedModelID,
			"requested_provider": re.RequestedProvider,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// formatUptime formats a duration into a human-readable string.
func formatUptime(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
