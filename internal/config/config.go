package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Host string
	Port string

	// Model provider (OpenAI Responses API compatible).
	ProviderBaseURL   string
	ProviderAPIKey    string
	ProviderTimeoutMS int
	DefaultModel      string
	ReasoningEffort   string

	// Tool backends.
	SearchBaseURL string
	SearchAPIKey  string
	FetchBaseURL  string
	FetchAPIKey   string
	FetchMaxBytes int
	ToolCacheSize int
	ToolTimeoutMS int

	// Orchestration.
	MaxSteps     int
	SystemPrompt string

	// Persistence + housekeeping. RetentionDays 0 disables the sweep.
	DataDir         string
	RetentionDays   int
	RetentionCron   string
	ReplyWebhookURL string

	// Inbound auth / browser access.
	APIKey       string
	AllowOrigins []string

	// HTTP server runtime. WriteTimeout stays 0 so SSE responses can
	// outlive a fixed deadline.
	HTTPReadHeaderTimeout time.Duration
	HTTPReadTimeout       time.Duration
	HTTPWriteTimeout      time.Duration
	HTTPIdleTimeout       time.Duration
	HTTPShutdownTimeout   time.Duration
}

func Load() Config {
	host := os.Getenv("WEBCHAT_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("WEBCHAT_PORT")
	if port == "" {
		port = "8090"
	}
	dataDir := os.Getenv("WEBCHAT_DATA_DIR")
	if dataDir == "" {
		dataDir = ".data"
	}
	model := strings.TrimSpace(os.Getenv("WEBCHAT_MODEL"))
	if model == "" {
		model = "gpt-5"
	}
	return Config{
		Host:              host,
		Port:              port,
		ProviderBaseURL:   strings.TrimRight(strings.TrimSpace(os.Getenv("WEBCHAT_PROVIDER_BASE_URL")), "/"),
		ProviderAPIKey:    strings.TrimSpace(os.Getenv("WEBCHAT_PROVIDER_API_KEY")),
		ProviderTimeoutMS: parseEnvInt("WEBCHAT_PROVIDER_TIMEOUT_MS", 120000, false),
		DefaultModel:      model,
		ReasoningEffort:   strings.ToLower(strings.TrimSpace(os.Getenv("WEBCHAT_REASONING_EFFORT"))),
		SearchBaseURL:     strings.TrimRight(strings.TrimSpace(os.Getenv("WEBCHAT_SEARCH_BASE_URL")), "/"),
		SearchAPIKey:      strings.TrimSpace(os.Getenv("WEBCHAT_SEARCH_API_KEY")),
		FetchBaseURL:      strings.TrimRight(strings.TrimSpace(os.Getenv("WEBCHAT_FETCH_BASE_URL")), "/"),
		FetchAPIKey:       strings.TrimSpace(os.Getenv("WEBCHAT_FETCH_API_KEY")),
		FetchMaxBytes:     parseEnvInt("WEBCHAT_FETCH_MAX_BYTES", 100000, false),
		ToolCacheSize:     parseEnvInt("WEBCHAT_TOOL_CACHE_SIZE", 256, false),
		ToolTimeoutMS:     parseEnvInt("WEBCHAT_TOOL_TIMEOUT_MS", 30000, false),
		MaxSteps:          parseEnvInt("WEBCHAT_MAX_STEPS", 8, false),
		SystemPrompt:      strings.TrimSpace(os.Getenv("WEBCHAT_SYSTEM_PROMPT")),
		DataDir:           dataDir,
		RetentionDays:     parseEnvInt("WEBCHAT_RETENTION_DAYS", 30, true),
		RetentionCron:     envOrDefault("WEBCHAT_RETENTION_CRON", "0 3 * * *"),
		ReplyWebhookURL:   strings.TrimSpace(os.Getenv("WEBCHAT_REPLY_WEBHOOK_URL")),
		APIKey:            strings.TrimSpace(os.Getenv("WEBCHAT_API_KEY")),
		AllowOrigins:      parseEnvList("WEBCHAT_ALLOW_ORIGINS"),

		HTTPReadHeaderTimeout: parseEnvSeconds("WEBCHAT_HTTP_READ_HEADER_TIMEOUT_SECONDS", 10*time.Second, false),
		HTTPReadTimeout:       parseEnvSeconds("WEBCHAT_HTTP_READ_TIMEOUT_SECONDS", 120*time.Second, false),
		HTTPWriteTimeout:      parseEnvSeconds("WEBCHAT_HTTP_WRITE_TIMEOUT_SECONDS", 0, true),
		HTTPIdleTimeout:       parseEnvSeconds("WEBCHAT_HTTP_IDLE_TIMEOUT_SECONDS", 120*time.Second, false),
		HTTPShutdownTimeout:   parseEnvSeconds("WEBCHAT_HTTP_SHUTDOWN_TIMEOUT_SECONDS", 30*time.Second, false),
	}
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func parseEnvInt(key string, fallback int, allowZero bool) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 || (value == 0 && !allowZero) {
		return fallback
	}
	return value
}

func parseEnvSeconds(key string, fallback time.Duration, allowZero bool) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 || (seconds == 0 && !allowZero) {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func parseEnvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
