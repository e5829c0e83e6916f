package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingCredential is returned (joined) by [Validate] when no API key is
// configured in the file or the environment.
var ErrMissingCredential = errors.New("config: missing API key")

// Environment variables consulted for the API key, in order of precedence.
var apiKeyEnv = []string{"GEMINI_API_KEY", "API_KEY"}

// ValidProviderNames lists known backend names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"gemini": {"gemini"},
	"input":  {"malgo", "none"},
	"output": {"oto", "null"},
}

// LoadDotEnv loads KEY=value pairs from the given files (default ".env") into
// the process environment. Variables already set are kept. Missing files are
// not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. An empty path yields the defaults, still subject to environment
// overrides and validation.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromReader(strings.NewReader(""))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], applies
// environment overrides and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides values from the environment.
func ApplyEnv(cfg *Config) {
	for _, name := range apiKeyEnv {
		if v := os.Getenv(name); v != "" {
			cfg.Gemini.APIKey = v
			return
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Gemini
	if cfg.Gemini.APIKey == "" {
		errs = append(errs, fmt.Errorf("%w: set gemini.api_key or one of %s", ErrMissingCredential, strings.Join(apiKeyEnv, ", ")))
	}
	if cfg.Gemini.LiveModel == "" {
		errs = append(errs, errors.New("gemini.live_model is required"))
	}
	if cfg.Gemini.ChatModel == "" {
		errs = append(errs, errors.New("gemini.chat_model is required"))
	}
	validateProviderName("gemini", cfg.Gemini.Provider)

	// Audio
	validateProviderName("input", cfg.Audio.Input)
	validateProviderName("output", cfg.Audio.Output)
	if cfg.Audio.InputRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.input_rate %d must be positive", cfg.Audio.InputRate))
	}
	if cfg.Audio.OutputRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.output_rate %d must be positive", cfg.Audio.OutputRate))
	}
	if cfg.Audio.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must be positive", cfg.Audio.FrameSamples))
	}
	if cfg.Audio.VolumeGain <= 0 {
		errs = append(errs, fmt.Errorf("audio.volume_gain %.2f must be positive", cfg.Audio.VolumeGain))
	}
	if cfg.Audio.SendQueue <= 0 {
		errs = append(errs, fmt.Errorf("audio.send_queue %d must be positive", cfg.Audio.SendQueue))
	}

	// Reconnect
	if cfg.Reconnect.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("reconnect.max_retries %d must be at least 1", cfg.Reconnect.MaxRetries))
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("reconnect.base_delay %v must be positive", cfg.Reconnect.BaseDelay))
	}
	if cfg.Reconnect.MaxDelay < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_delay %v must not be negative", cfg.Reconnect.MaxDelay))
	}

	// Persona
	for field, tmpl := range map[string]string{
		"persona.new_content_notice":    cfg.Persona.NewContentNotice,
		"persona.content_loaded_notice": cfg.Persona.ContentLoadedNotice,
	} {
		if tmpl != "" && (strings.Count(tmpl, "%s") != 1 || strings.Count(tmpl, "%") != 1) {
			errs = append(errs, fmt.Errorf("%s must contain exactly one %%s placeholder", field))
		}
	}
	if cfg.Persona.FailureNotice == "" {
		errs = append(errs, errors.New("persona.failure_notice is required"))
	}

	// Content
	if cfg.Content.Path != "" && cfg.Content.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("content.poll_interval %v must be positive", cfg.Content.PollInterval))
	}
	if cfg.Content.MinLength < 0 {
		errs = append(errs, fmt.Errorf("content.min_length %d must not be negative", cfg.Content.MinLength))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
