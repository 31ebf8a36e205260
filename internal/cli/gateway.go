package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sightline/sightline/internal/agent/providers"
	"github.com/sightline/sightline/internal/application/analysis"
	"github.com/sightline/sightline/internal/application/dispatch"
	"github.com/sightline/sightline/internal/application/intake"
	"github.com/sightline/sightline/internal/application/voice"
	"github.com/sightline/sightline/internal/config"
	"github.com/sightline/sightline/internal/domain/history"
	"github.com/sightline/sightline/internal/domain/model"
	"github.com/sightline/sightline/internal/gateway"
	"github.com/sightline/sightline/internal/infra"
	"github.com/sightline/sightline/internal/infrastructure/channels/telegram"
	"github.com/sightline/sightline/internal/infrastructure/storage"
	httpapi "github.com/sightline/sightline/internal/interfaces/http"
	syslogger "github.com/sightline/sightline/internal/system/logger"
	"github.com/sightline/sightline/internal/system/tasklog"
)

const (
	logBufferSize       = 1000
	configReloadTTL     = 5 * time.Second
	taskLogMaxAgeDays   = 30
	taskLogMaxRecords   = 50000
	taskLogCleanupEvery = time.Hour
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the Sightline gateway server",
	Long: `Start the HTTP + WebSocket gateway.

The gateway accepts chats, screenshots and voice recordings from the
desktop and browser clients and dispatches them to the AI providers.

Default: http://0.0.0.0:5000`,
	RunE: runGateway,
}

var (
	gatewayPort    int
	gatewayHost    string
	gatewayVerbose bool
)

func init() {
	gatewayCmd.Flags().IntVarP(&gatewayPort, "port", "p", 5000, "Gateway listen port")
	gatewayCmd.Flags().StringVar(&gatewayHost, "host", "0.0.0.0", "Gateway listen host")
	gatewayCmd.Flags().BoolVarP(&gatewayVerbose, "verbose", "v", false, "Enable debug logging")
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()
	cfg, err := config.LoadFrom(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if cmd.Flags().Changed("port") {
		cfg.Gateway.Port = gatewayPort
	}
	if cmd.Flags().Changed("host") {
		cfg.Gateway.Host = gatewayHost
	}

	level := syslogger.ParseLevel(cfg.Log.Level)
	if gatewayVerbose {
		level = slog.LevelDebug
	}
	var stderr io.Writer
	if cfg.Log.Stderr {
		stderr = os.Stderr
	}
	logMgr, err := syslogger.New(syslogger.Config{
		Dir:        cfg.LogDir(),
		Level:      level,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		Stderr:     stderr,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logMgr.Close()

	logBuffer := httpapi.NewLogBuffer(logBufferSize)
	logger := logMgr.NewLogger(httpapi.NewLogBufferHandler(logBuffer, level))
	slog.SetDefault(logger)
	if removed, err := logMgr.Cleanup(); err != nil {
		logger.Warn("log cleanup failed", "error", err)
	} else if removed > 0 {
		logger.Info("removed expired log files", "count", removed)
	}

	infra.PrintBanner(cmd.OutOrStdout(), version, cfg.Addr())

	catalog := model.DefaultCatalog()
	router := providers.NewRouterFromSettings(providerSettings(cfg))
	if len(router.Configured()) == 0 {
		logger.Warn("no provider API keys configured; requests will fail with an auth error")
	}

	d := dispatch.New(router, model.NewResolver(catalog), dispatch.Config{
		DefaultProvider: model.ParseProviderID(cfg.Models.DefaultProvider),
		Timeout:         cfg.Dispatch.Timeout.Std(),
		MaxConcurrent:   cfg.Dispatch.MaxConcurrent,
	}, logger)

	var taskStore *tasklog.Store
	if cfg.TaskLog.Enabled {
		taskStore, err = tasklog.Open(cfg.TaskLog.Path)
		if err != nil {
			logger.Warn("task audit log disabled", "path", cfg.TaskLog.Path, "error", err)
		} else {
			defer taskStore.Close()
			d.AddObserver(taskStore.Observer(logger))
		}
	}

	screenshots, err := storage.NewDir(cfg.ScreenshotDir(), "/screenshots")
	if err != nil {
		return err
	}
	audio, err := storage.NewDir(cfg.TTSDir(), "/static/tts")
	if err != nil {
		return err
	}
	uploads, err := storage.NewDir(cfg.UploadDir(), "")
	if err != nil {
		return err
	}

	cfgCache := config.NewCache(cfg, cfgPath, configReloadTTL)
	cfgCache.OnChange(func(next *config.Config) {
		router.Apply(providerSettings(next))
		logger.Info("config reloaded", "providers", router.Configured())
	})

	hub := gateway.NewHub(gateway.Options{}, logger)
	analyzer := analysis.New(d, history.NewStore(cfg.History.Limit), hub.Broadcast(), logger)

	srv := httpapi.NewServer(httpapi.Deps{
		Config:      cfgCache,
		Catalog:     catalog,
		Hub:         hub,
		Dispatcher:  d,
		Normalizer:  intake.NewNormalizer(cfg.Intake.MaxTextFileChars, logger),
		Analyzer:    analyzer,
		Voice:       buildVoice(cfg, d, audio, logger),
		Screenshots: screenshots,
		Audio:       audio,
		Uploads:     uploads,
		TaskLog:     taskStore,
		LogBuffer:   logBuffer,
		Logger:      logger,
		Version:     version,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Start(gctx) })

	if cfg.Channels.Telegram.Enabled() {
		notifier, err := telegram.New(cfg.Channels.Telegram, screenshots, logger)
		if err != nil {
			logger.Warn("telegram notifications disabled", "error", err)
		} else {
			hub.AddListener(notifier.Listen)
			g.Go(func() error { return notifier.Run(gctx) })
		}
	}

	if taskStore != nil {
		g.Go(func() error {
			pruneTaskLog(gctx, taskStore, logger)
			return nil
		})
	}

	logger.Info("sightline gateway ready",
		"version", version,
		"address", cfg.Addr(),
		"default_provider", cfg.Models.DefaultProvider,
		"providers", router.Configured(),
	)

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := d.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("tasks still running at shutdown", "error", serr)
	}
	logger.Info("sightline gateway stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func providerSettings(cfg *config.Config) map[model.ProviderID]providers.Settings {
	out := make(map[model.ProviderID]providers.Settings, len(cfg.Models.Providers))
	for name, p := range cfg.Models.Providers {
		out[model.ParseProviderID(name)] = providers.Settings{
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Headers: p.Headers,
		}
	}
	return out
}

// buildVoice assembles the voice pipeline from the configured speech
// services. It returns nil when no transcriber has credentials.
func buildVoice(cfg *config.Config, d *dispatch.Dispatcher, audio *storage.Dir, logger *slog.Logger) *voice.Pipeline {
	openai := cfg.Provider(string(model.ProviderOpenAI))
	transcribers := map[string]voice.Transcriber{}

	googleKey := cfg.Voice.GoogleAPIKey
	if googleKey == "" {
		googleKey = cfg.Provider(string(model.ProviderGemini)).APIKey
	}
	if googleKey != "" {
		transcribers["google"] = providers.NewGoogleTranscriber(googleKey, cfg.Voice.Language)
	}
	if openai.APIKey != "" {
		lang, _, _ := strings.Cut(cfg.Voice.Language, "-")
		transcribers["whisper"] = providers.NewWhisperTranscriber(openai.APIKey, openai.BaseURL, lang)
	}
	if len(transcribers) == 0 {
		logger.Warn("voice pipeline disabled: no speech-to-text credentials")
		return nil
	}

	defaultSTT := cfg.Voice.STTProvider
	if _, ok := transcribers[defaultSTT]; !ok {
		for name := range transcribers {
			logger.Warn("configured speech-to-text provider has no credentials, using another",
				"configured", defaultSTT, "using", name)
			defaultSTT = name
			break
		}
	}

	var synth voice.Synthesizer
	if cfg.Voice.TTS.Enabled && openai.APIKey != "" {
		synth = providers.NewOpenAISpeech(openai.APIKey, openai.BaseURL, cfg.Voice.TTS.Model, cfg.Voice.TTS.Voice)
	}

	return voice.New(d, transcribers, synth, audio, voice.Config{
		DefaultSTT:  defaultSTT,
		ChatTimeout: cfg.Voice.ChatTimeout.Std(),
		ExternalURL: cfg.Gateway.ExternalURL,
	}, logger)
}

// pruneTaskLog trims the audit log once an hour until ctx is done.
func pruneTaskLog(ctx context.Context, store *tasklog.Store, logger *slog.Logger) {
	ticker := time.NewTicker(taskLogCleanupEvery)
	defer ticker.Stop()
	for {
		if n, err := store.Cleanup(taskLogMaxAgeDays, taskLogMaxRecords); err != nil {
			logger.Warn("task log cleanup failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned task log", "removed", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
