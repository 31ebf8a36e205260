// Package config handles loading and validating the Sightline configuration.
// Config is stored at ~/.sightline/sightline.json (JSON with comments and
// trailing commas) or sightline.yaml, and every field can be overridden from
// the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the top-level Sightline configuration.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Models   ModelsConfig   `json:"models"`
	Dispatch DispatchConfig `json:"dispatch"`
	Intake   IntakeConfig   `json:"intake"`
	History  HistoryConfig  `json:"history"`
	Voice    VoiceConfig    `json:"voice"`
	Storage  StorageConfig  `json:"storage"`
	Log      LogConfig      `json:"log"`
	TaskLog  TaskLogConfig  `json:"taskLog"`
	Channels ChannelsConfig `json:"channels"`
}

// GatewayConfig configures the HTTP and websocket server.
type GatewayConfig struct {
	Host               string          `json:"host"`
	Port               int             `json:"port"`
	ExternalURL        string          `json:"externalUrl"`
	CORSAllowedOrigins []string        `json:"corsAllowedOrigins"`
	Auth               GatewayAuth     `json:"auth"`
	RateLimit          RateLimitConfig `json:"rateLimit"`
}

// GatewayAuth configures the dashboard token. An empty token disables auth.
type GatewayAuth struct {
	Token string `json:"token"`
}

// RateLimitConfig bounds requests per client IP.
type RateLimitConfig struct {
	Requests int      `json:"requests"`
	Window   Duration `json:"window"`
}

// ModelsConfig selects the default provider and holds provider credentials.
type ModelsConfig struct {
	DefaultProvider string                    `json:"defaultProvider"`
	Providers       map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig represents an AI model provider.
type ProviderConfig struct {
	APIKey  string            `json:"apiKey"`
	BaseURL string            `json:"baseUrl"`
	Headers map[string]string `json:"headers,omitempty"`
}

// DispatchConfig bounds the task runner.
type DispatchConfig struct {
	Timeout       Duration `json:"timeout"`
	MaxConcurrent int      `json:"maxConcurrent"`
}

// IntakeConfig configures request normalization.
type IntakeConfig struct {
	MaxTextFileChars int `json:"maxTextFileChars"`
}

// HistoryConfig configures the analysis history.
type HistoryConfig struct {
	Limit int `json:"limit"`
}

// VoiceConfig configures speech recognition and synthesis.
type VoiceConfig struct {
	STTProvider  string    `json:"sttProvider"` // "google" or "whisper"
	Language     string    `json:"language"`
	GoogleAPIKey string    `json:"googleApiKey"`
	ChatTimeout  Duration  `json:"chatTimeout"`
	TTS          TTSConfig `json:"tts"`
}

// TTSConfig configures the spoken answer.
type TTSConfig struct {
	Enabled bool   `json:"enabled"`
	Model   string `json:"model"`
	Voice   string `json:"voice"`
}

// StorageConfig places screenshots, audio and uploads.
type StorageConfig struct {
	DataDir string `json:"dataDir"`
}

// LogConfig configures the log file manager.
type LogConfig struct {
	Level      string `json:"level"`
	Stderr     bool   `json:"stderr"`
	MaxSizeMB  int    `json:"maxSizeMb"`
	MaxAgeDays int    `json:"maxAgeDays"`
}

// TaskLogConfig configures the task audit log.
type TaskLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ChannelsConfig configures outbound notification channels.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig forwards completed analyses to one chat.
type TelegramConfig struct {
	BotToken    string `json:"botToken"`
	ChatID      int64  `json:"chatId"`
	APIEndpoint string `json:"apiEndpoint,omitempty"`
}

// Enabled reports whether both the token and the chat are set.
func (t TelegramConfig) Enabled() bool { return t.BotToken != "" && t.ChatID != 0 }

// Duration is a time.Duration written as "90s" in config files. Plain
// numbers are read as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := parseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds: %s", data)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:        "0.0.0.0",
			Port:        5000,
			ExternalURL: "http://localhost:5000",
			RateLimit:   RateLimitConfig{Requests: 120, Window: Duration(time.Minute)},
		},
		Models: ModelsConfig{
			DefaultProvider: "gemini",
			Providers:       map[string]ProviderConfig{},
		},
		Dispatch: DispatchConfig{Timeout: Duration(120 * time.Second)},
		Intake:   IntakeConfig{MaxTextFileChars: 4000},
		History:  HistoryConfig{Limit: 200},
		Voice: VoiceConfig{
			STTProvider: "google",
			Language:    "en-US",
			TTS:         TTSConfig{Enabled: true, Model: "tts-1", Voice: "alloy"},
		},
		Storage: StorageConfig{DataDir: filepath.Join(ConfigDir(), "data")},
		Log:     LogConfig{Level: "info", Stderr: true, MaxSizeMB: 50, MaxAgeDays: 7},
		TaskLog: TaskLogConfig{Enabled: true},
	}
}

// ConfigDir returns the Sightline config directory (~/.sightline).
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sightline"
	}
	return filepath.Join(home, ".sightline")
}

// ConfigPath returns the path of the main config file. SIGHTLINE_CONFIG
// wins; otherwise the first existing of sightline.json, .yaml and .yml.
func ConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("SIGHTLINE_CONFIG")); p != "" {
		return p
	}
	dir := ConfigDir()
	for _, name := range []string{"sightline.json", "sightline.yaml", "sightline.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "sightline.json")
}

// Load reads the config from ConfigPath.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads and parses the config at path, then applies environment
// overrides. A missing file yields defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := decode(path, data, cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return cfg, err
	}
	cfg.normalize()
	return cfg, cfg.Validate()
}

func decode(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		js, err := yaml.YAMLToJSON(data)
		if err != nil {
			return err
		}
		data = js
	} else {
		data = []byte(preprocessJSONLike(string(data)))
	}
	return json.Unmarshal(data, cfg)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Save writes the config to path, as YAML when the extension says so.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = marshalConfigYAML(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// marshalConfigYAML renders cfg as YAML using the JSON field names.
func marshalConfigYAML(cfg *Config) ([]byte, error) {
	js, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return yaml.JSONToYAML(js)
}

// Validate rejects settings the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	if c.Intake.MaxTextFileChars <= 0 {
		errs = append(errs, fmt.Errorf("intake.maxTextFileChars must be positive"))
	}
	if c.History.Limit <= 0 {
		errs = append(errs, fmt.Errorf("history.limit must be positive"))
	}
	if c.Dispatch.Timeout < 0 {
		errs = append(errs, fmt.Errorf("dispatch.timeout must not be negative"))
	}
	if c.Dispatch.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("dispatch.maxConcurrent must not be negative"))
	}
	switch c.Voice.STTProvider {
	case "google", "whisper":
	default:
		errs = append(errs, fmt.Errorf("voice.sttProvider %q must be google or whisper", c.Voice.STTProvider))
	}
	return errors.Join(errs...)
}

func (c *Config) normalize() {
	c.Models.DefaultProvider = strings.ToLower(strings.TrimSpace(c.Models.DefaultProvider))
	c.Voice.STTProvider = strings.ToLower(strings.TrimSpace(c.Voice.STTProvider))
	c.Gateway.ExternalURL = strings.TrimRight(strings.TrimSpace(c.Gateway.ExternalURL), "/")
	if c.Models.Providers == nil {
		c.Models.Providers = map[string]ProviderConfig{}
	}
	if c.TaskLog.Path == "" {
		c.TaskLog.Path = filepath.Join(c.Storage.DataDir, "tasks.db")
	}
}

// Provider returns the settings for name, lowercased.
func (c *Config) Provider(name string) ProviderConfig {
	return c.Models.Providers[strings.ToLower(name)]
}

// ScreenshotDir, TTSDir and UploadDir place files under the data dir.
func (c *Config) ScreenshotDir() string { return filepath.Join(c.Storage.DataDir, "screenshots") }
func (c *Config) TTSDir() string        { return filepath.Join(c.Storage.DataDir, "static", "tts") }
func (c *Config) UploadDir() string     { return filepath.Join(c.Storage.DataDir, "uploads") }
func (c *Config) LogDir() string        { return filepath.Join(c.Storage.DataDir, "logs") }

// Addr is the listen address of the gateway.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

var providerKeyEnv = map[string]string{
	"OPENAI_API_KEY":    "openai",
	"GEMINI_API_KEY":    "gemini",
	"ANTHROPIC_API_KEY": "claude",
	"XAI_API_KEY":       "grok",
}

// applyEnvOverrides merges environment variables into configuration.
func applyEnvOverrides(cfg *Config) error {
	for env, provider := range providerKeyEnv {
		if v := os.Getenv(env); v != "" {
			if cfg.Models.Providers == nil {
				cfg.Models.Providers = make(map[string]ProviderConfig)
			}
			p := cfg.Models.Providers[provider]
			p.APIKey = v
			cfg.Models.Providers[provider] = p
		}
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("EXTERNAL_URL"); v != "" {
		cfg.Gateway.ExternalURL = v
	}
	if v := os.Getenv("DASHBOARD_TOKEN"); v != "" {
		cfg.Gateway.Auth.Token = v
	}
	if v := os.Getenv("IMAGE_ANALYSIS_PROVIDER"); v != "" {
		cfg.Models.DefaultProvider = v
	}
	if v := os.Getenv("STT_PROVIDER"); v != "" {
		cfg.Voice.STTProvider = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		cfg.Voice.GoogleAPIKey = v
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.Gateway.CORSAllowedOrigins = parseList(v)
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Channels.Telegram.BotToken = v
	}

	var errs []error
	intEnv := func(name string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	intEnv("SERVER_PORT", &cfg.Gateway.Port)
	intEnv("MAX_TEXT_FILE_CHARS", &cfg.Intake.MaxTextFileChars)
	intEnv("HISTORY_LIMIT", &cfg.History.Limit)
	if v := strings.TrimSpace(os.Getenv("BACKEND_TIMEOUT")); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("BACKEND_TIMEOUT: %w", err))
		} else {
			cfg.Dispatch.Timeout = Duration(d)
		}
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("TELEGRAM_CHAT_ID: %w", err))
		} else {
			cfg.Channels.Telegram.ChatID = id
		}
	}
	return errors.Join(errs...)
}

// parseList accepts a JSON array or a comma separated list.
func parseList(v string) []string {
	v = strings.TrimSpace(v)
	var list []string
	if strings.HasPrefix(v, "[") && json.Unmarshal([]byte(v), &list) == nil {
		return list
	}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

var trailingComma = regexp.MustCompile(`,(\s*[}\]])`)

// preprocessJSONLike strips comments and trailing commas.
func preprocessJSONLike(input string) string {
	s := input
	for {
		start := strings.Index(s, "/*")
		if start < 0 {
			break
		}
		end := strings.Index(s[start+2:], "*/")
		if end < 0 {
			s = s[:start]
			break
		}
		end += start + 2
		s = s[:start] + s[end+2:]
	}

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		inString := false
		escape := false
		for j := 0; j < len(line)-1; j++ {
			ch := line[j]
			if ch == '\\' && inString {
				escape = !escape
				continue
			}
			if ch == '"' && !escape {
				inString = !inString
			}
			escape = false
			if !inString && ch == '/' && line[j+1] == '/' {
				line = line[:j]
				break
			}
		}
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	s = trailingComma.ReplaceAllString(s, "$1")
	return s
}
