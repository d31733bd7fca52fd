// Package config provides the configuration schema, loader, and defaults
// for the Wakeward detector daemon.
package config

// LogLevel controls log verbosity for the daemon.
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

// Config is the root configuration structure for Wakeward.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Models   ModelsConfig   `yaml:"models"`
	ONNX     ONNXConfig     `yaml:"onnx"`
	Detector DetectorConfig `yaml:"detector"`
	VAD      VADConfig      `yaml:"vad"`
	Capture  CaptureConfig  `yaml:"capture"`
}

// ServerConfig holds the diagnostics server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the diagnostics server listens on
	// (e.g., ":8080"). Empty disables the server entirely.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ModelsConfig lists the ONNX model files the detection cascade loads.
type ModelsConfig struct {
	// Melspectrogram converts raw PCM frames to log-mel features.
	Melspectrogram string `yaml:"melspectrogram"`

	// Embedding converts mel windows to 96-dim speech embeddings.
	Embedding string `yaml:"embedding"`

	// Wakewords are the per-phrase detection heads. The wake word's name is
	// the file stem (models/alexa_v0.1.onnx fires as "alexa_v0.1").
	Wakewords []string `yaml:"wakewords"`

	// VAD is the Silero voice-activity model. Empty disables VAD and
	// utterance capture; wake-word detection still runs.
	VAD string `yaml:"vad"`
}

// ONNXConfig tunes the inference runtime.
type ONNXConfig struct {
	// LibraryPath optionally overrides the onnxruntime shared library
	// location. Empty uses the platform default.
	LibraryPath string `yaml:"library_path"`
}

// DetectorConfig holds the wake-word activation tunables.
type DetectorConfig struct {
	// WakeThreshold is the per-frame probability above which the activation
	// counter climbs.
	WakeThreshold float32 `yaml:"wake_threshold"`

	// TriggerLevel is the number of consecutive over-threshold frames
	// needed to fire a detection. Range 1–4.
	TriggerLevel int `yaml:"trigger_level"`

	// Refractory is the number of embedding frames (~80 ms each) of forced
	// quiet after a detection fires.
	Refractory int `yaml:"refractory"`
}

// VADConfig holds the voice-activity tunables.
type VADConfig struct {
	// Threshold is the high band of the VAD hysteresis; the low band is
	// fixed at threshold − 0.15.
	Threshold float32 `yaml:"threshold"`

	// MinSilenceMs is the trailing silence needed to end a speech segment.
	MinSilenceMs int `yaml:"min_silence_ms"`

	// MinSpeechMs is the minimum accepted speech segment.
	MinSpeechMs int `yaml:"min_speech_ms"`

	// MaxSpeechS force-ends a segment after this many seconds.
	MaxSpeechS float64 `yaml:"max_speech_s"`

	// SpeechPadMs is reserved for external trimming; not applied to the
	// capture buffer.
	SpeechPadMs int `yaml:"speech_pad_ms"`

	// AlwaysOn keeps the VAD branch running even while no capture is armed.
	// Useful with the diagnostics event stream.
	AlwaysOn bool `yaml:"always_on"`
}

// CaptureConfig holds the utterance-capture tunables.
type CaptureConfig struct {
	// CapS is the hard cap on captured utterance length in seconds.
	CapS int `yaml:"cap_s"`

	// EndDelayMs delays the externally visible end-of-speech so the capture
	// includes a trailing pad. A new speech start within the delay cancels
	// the pending end.
	EndDelayMs int `yaml:"end_delay_ms"`
}

// Default returns a Config populated with every tunable's default value and
// no model paths.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		Detector: DetectorConfig{
			WakeThreshold: 0.5,
			TriggerLevel:  1,
			Refractory:    20,
		},
		VAD: VADConfig{
			Threshold:    0.5,
			MinSilenceMs: 100,
			MinSpeechMs:  250,
			MaxSpeechS:   30.0,
			SpeechPadMs:  30,
		},
		Capture: CaptureConfig{
			CapS:       30,
			EndDelayMs: 500,
		},
	}
}
