// Package config provides the configuration schema, loader, file watcher and
// backend registry of the Alexa study companion.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to the slog level. Empty and unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Audio     AudioConfig     `yaml:"audio"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Persona   PersonaConfig   `yaml:"persona"`
	Content   ContentConfig   `yaml:"content"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// GeminiConfig configures the remote realtime and chat services.
type GeminiConfig struct {
	// Provider selects the registered backend for both channels.
	Provider string `yaml:"provider"`

	// APIKey authenticates both channels. GEMINI_API_KEY or API_KEY in the
	// environment take precedence.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the service endpoint. Leave empty for the default.
	BaseURL string `yaml:"base_url"`

	// LiveModel is the realtime audio model.
	LiveModel string `yaml:"live_model"`

	// ChatModel is the side-channel text model.
	ChatModel string `yaml:"chat_model"`

	// Voice is the prebuilt synthesised voice.
	Voice string `yaml:"voice"`

	// Search enables web-search grounding on the chat channel.
	Search bool `yaml:"search"`
}

// AudioConfig selects the audio backends and the pipeline parameters.
type AudioConfig struct {
	// Input selects the microphone backend ("malgo" or "none").
	Input string `yaml:"input"`

	// Output selects the playback backend ("oto" or "null").
	Output string `yaml:"output"`

	InputRate    int     `yaml:"input_rate"`
	OutputRate   int     `yaml:"output_rate"`
	FrameSamples int     `yaml:"frame_samples"`
	VolumeGain   float64 `yaml:"volume_gain"`
	SendQueue    int     `yaml:"send_queue"`

	// OutputLatency is the device buffer size requested from the playback
	// backend.
	OutputLatency time.Duration `yaml:"output_latency"`
}

// ReconnectConfig governs automatic reconnects after a dropped session.
type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`

	// MaxDelay caps one delay. Zero disables the cap.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// PersonaConfig holds the assistant persona and every user-facing string.
//
// NewContentNotice and ContentLoadedNotice are fmt templates that must
// contain exactly one %s, which is replaced by the content name.
type PersonaConfig struct {
	Instructions        string `yaml:"instructions"`
	Greeting            string `yaml:"greeting"`
	NewContentNotice    string `yaml:"new_content_notice"`
	ContentLoadedNotice string `yaml:"content_loaded_notice"`
	ImagePrompt         string `yaml:"image_prompt"`
	ImagePlaceholder    string `yaml:"image_placeholder"`
	FailureNotice       string `yaml:"failure_notice"`
	BusyError           string `yaml:"busy_error"`
	MicError            string `yaml:"mic_error"`
	MissingKeyError     string `yaml:"missing_key_error"`
}

// ContentConfig configures the study material watcher.
type ContentConfig struct {
	// Path is the text file holding the current material. Empty disables
	// the watcher.
	Path string `yaml:"path"`

	// PollInterval is how often Path is checked for changes.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MinLength is the number of characters the material needs before a
	// session is opened automatically.
	MinLength int `yaml:"min_length"`
}
