package pipeline

// WakeEvent is a wake-word detection produced by a wake-word stage.
type WakeEvent struct {
	// Model is the wake word's name: the stem of the model file path.
	Model string

	// Score is the probability that crossed the trigger level.
	Score float32
}

// CaptureEvent is a completed utterance capture: the PCM between a wake-word
// detection and the delayed end of the following speech segment.
type CaptureEvent struct {
	// ID uniquely identifies this capture.
	ID string

	// Model is the wake word that armed the capture. When several wake words
	// fire mid-capture, the most recent one wins.
	Model string

	// PCM holds the captured samples, at most the configured cap.
	PCM []int16

	// SampleRate is always 16000.
	SampleRate int

	// Truncated reports that the capture hit its length cap and was closed
	// by force rather than by end of speech.
	Truncated bool
}

// ScoreUpdate is a per-inference diagnostic from a wake-word stage.
type ScoreUpdate struct {
	Model        string
	Score        float32
	Threshold    float32
	Activation   int
	TriggerLevel int
}

// Sinks bundles the callbacks a pipeline delivers events through. All
// fields are optional; a nil callback is skipped.
//
// OnWakeWord, OnCaptured, OnSpeechStart, and OnSpeechEnd are invoked from a
// single pipeline goroutine in event order, and never after Stop returns.
// OnScore is invoked inline from each wake-word stage and may therefore run
// concurrently when several models are loaded; it must be fast and must not
// block, or it backs up the detection cascade.
type Sinks struct {
	// OnWakeWord fires on every wake-word detection.
	OnWakeWord func(model string)

	// OnCaptured fires once per completed capture.
	OnCaptured func(ev CaptureEvent)

	// OnSpeechStart fires on each raw VAD speech start.
	OnSpeechStart func()

	// OnSpeechEnd fires on each raw VAD speech end, before the end delay.
	OnSpeechEnd func()

	// OnScore fires after every wake-word inference.
	OnScore func(u ScoreUpdate)
}
