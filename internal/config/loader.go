package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
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

// LoadFromReader decodes a YAML config from r, applies defaults for omitted
// tunables, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued tunable with its default. Model
// paths are never defaulted — an absent model is a validation error, not a
// guess.
func ApplyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = def.Server.LogLevel
	}
	if cfg.Detector.WakeThreshold == 0 {
		cfg.Detector.WakeThreshold = def.Detector.WakeThreshold
	}
	if cfg.Detector.TriggerLevel == 0 {
		cfg.Detector.TriggerLevel = def.Detector.TriggerLevel
	}
	if cfg.Detector.Refractory == 0 {
		cfg.Detector.Refractory = def.Detector.Refractory
	}
	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = def.VAD.Threshold
	}
	if cfg.VAD.MinSilenceMs == 0 {
		cfg.VAD.MinSilenceMs = def.VAD.MinSilenceMs
	}
	if cfg.VAD.MinSpeechMs == 0 {
		cfg.VAD.MinSpeechMs = def.VAD.MinSpeechMs
	}
	if cfg.VAD.MaxSpeechS == 0 {
		cfg.VAD.MaxSpeechS = def.VAD.MaxSpeechS
	}
	if cfg.VAD.SpeechPadMs == 0 {
		cfg.VAD.SpeechPadMs = def.VAD.SpeechPadMs
	}
	if cfg.Capture.CapS == 0 {
		cfg.Capture.CapS = def.Capture.CapS
	}
	if cfg.Capture.EndDelayMs == 0 {
		cfg.Capture.EndDelayMs = def.Capture.EndDelayMs
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level: unknown level %q", cfg.Server.LogLevel))
	}
	if cfg.Models.Melspectrogram == "" {
		errs = append(errs, errors.New("models.melspectrogram: path is required"))
	}
	if cfg.Models.Embedding == "" {
		errs = append(errs, errors.New("models.embedding: path is required"))
	}
	if len(cfg.Models.Wakewords) == 0 {
		errs = append(errs, errors.New("models.wakewords: at least one wake word model is required"))
	}
	for i, p := range cfg.Models.Wakewords {
		if p == "" {
			errs = append(errs, fmt.Errorf("models.wakewords[%d]: empty path", i))
		}
	}

	if t := cfg.Detector.WakeThreshold; t <= 0 || t >= 1 {
		errs = append(errs, fmt.Errorf("detector.wake_threshold: %v out of range (0, 1)", t))
	}
	if l := cfg.Detector.TriggerLevel; l < 1 || l > 4 {
		errs = append(errs, fmt.Errorf("detector.trigger_level: %d out of range [1, 4]", l))
	}
	if cfg.Detector.Refractory < 0 {
		errs = append(errs, fmt.Errorf("detector.refractory: %d must not be negative", cfg.Detector.Refractory))
	}

	if t := cfg.VAD.Threshold; t <= 0 || t >= 1 {
		errs = append(errs, fmt.Errorf("vad.threshold: %v out of range (0, 1)", t))
	}
	if cfg.VAD.MinSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("vad.min_silence_ms: %d must not be negative", cfg.VAD.MinSilenceMs))
	}
	if cfg.VAD.MinSpeechMs < 0 {
		errs = append(errs, fmt.Errorf("vad.min_speech_ms: %d must not be negative", cfg.VAD.MinSpeechMs))
	}
	if cfg.VAD.MaxSpeechS <= 0 {
		errs = append(errs, fmt.Errorf("vad.max_speech_s: %v must be positive", cfg.VAD.MaxSpeechS))
	}

	if cfg.Capture.CapS <= 0 {
		errs = append(errs, fmt.Errorf("capture.cap_s: %d must be positive", cfg.Capture.CapS))
	}
	if cfg.Capture.EndDelayMs < 0 {
		errs = append(errs, fmt.Errorf("capture.end_delay_ms: %d must not be negative", cfg.Capture.EndDelayMs))
	}

	return errors.Join(errs...)
}
