package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the capture gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Recognizer configuration
	RecognizerBackend  string `envconfig:"RECOGNIZER_BACKEND" default:"deepgram"` // deepgram, none
	DeepgramAPIKey     string `envconfig:"DEEPGRAM_API_KEY" default:""`           // Required when backend is deepgram
	DeepgramModel      string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`       // nova-2, enhanced, base
	DefaultLocale      string `envconfig:"DEFAULT_LOCALE" default:"en-US"`        // BCP-47 locale code
	PartialResults     bool   `envconfig:"PARTIAL_RESULTS" default:"true"`        // Deliver interim hypotheses
	MaxCandidates      int    `envconfig:"MAX_CANDIDATES" default:"5"`            // Candidate alternatives per turn
	MinSpeechMs        int    `envconfig:"MIN_SPEECH_MS" default:"500"`           // Minimum speech length per turn
	EndSilenceMs       int    `envconfig:"END_SILENCE_MS" default:"8000"`         // End-of-speech silence window
	RestartDelayMs     int    `envconfig:"RESTART_DELAY_MS" default:"500"`        // Delay before restarting after a recoverable error
	SessionTimeoutMin  int    `envconfig:"SESSION_TIMEOUT_MIN" default:"30"`      // Ceiling on total session duration
	RecognizerQueueLen int    `envconfig:"RECOGNIZER_QUEUE_LEN" default:"64"`     // Bounded event queue per adapter

	// Candidate selection configuration
	BaseThreshold float64 `envconfig:"BASE_THRESHOLD" default:"0.7"` // Starting confidence cutoff
	HistorySize   int     `envconfig:"HISTORY_SIZE" default:"50"`    // Accepted-candidate ring size

	// Fallback capture configuration
	CaptureDir          string `envconfig:"CAPTURE_DIR" default:"recordings"`    // Directory for fallback audio files
	AmplitudeIntervalMs int    `envconfig:"AMPLITUDE_INTERVAL_MS" default:"100"` // Amplitude sampling period
	CaptureBufferSize   int    `envconfig:"CAPTURE_BUFFER_SIZE" default:"8192"`  // Ring buffer size in bytes
	CaptureSampleRate   int    `envconfig:"CAPTURE_SAMPLE_RATE" default:"16000"` // PCM sample rate for ingest audio

	// Summarization backend configuration
	SummarizerURL        string `envconfig:"SUMMARIZER_URL" default:"wss://bunny.leither.uk/secretari/ws/"`
	SummarizerToken      string `envconfig:"SUMMARIZER_TOKEN" default:""`
	SummarizerLLM        string `envconfig:"SUMMARIZER_LLM" default:"openai"` // openai, gemini
	SummarizerTemp       string `envconfig:"SUMMARIZER_TEMPERATURE" default:"0.0"`
	SummarizerTimeoutSec int    `envconfig:"SUMMARIZER_TIMEOUT" default:"120"` // Per-exchange deadline in seconds
	Subscription         bool   `envconfig:"SUBSCRIPTION" default:"false"`     // Pro-tier flag on outbound messages

	// Record store configuration
	StorePath string `envconfig:"STORE_PATH" default:"data/records.db"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts for store writes
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum summarizer dial attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Summarizer dial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field requirements that envconfig tags cannot express
func (c *Config) Validate() error {
	if c.RecognizerBackend == "deepgram" && c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required when RECOGNIZER_BACKEND is deepgram")
	}
	if c.BaseThreshold < 0 || c.BaseThreshold > 1 {
		return fmt.Errorf("BASE_THRESHOLD must be within [0,1], got %f", c.BaseThreshold)
	}
	if c.RestartDelayMs <= 0 {
		return fmt.Errorf("RESTART_DELAY_MS must be positive, got %d", c.RestartDelayMs)
	}
	if c.SessionTimeoutMin <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT_MIN must be positive, got %d", c.SessionTimeoutMin)
	}
	return nil
}

// RestartDelay returns the recognizer restart delay as a duration
func (c *Config) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelayMs) * time.Millisecond
}

// SessionTimeout returns the total-session ceiling as a duration
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMin) * time.Minute
}

// AmplitudeInterval returns the fallback amplitude sampling period
func (c *Config) AmplitudeInterval() time.Duration {
	return time.Duration(c.AmplitudeIntervalMs) * time.Millisecond
}
