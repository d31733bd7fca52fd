// Command wakeward runs the Wakeward wake-word detector over a PCM stream.
//
// Audio comes from a 16 kHz mono WAV file (-input path) or raw s16le PCM on
// stdin (-input -). Detections and captured utterances are logged; with
// server.listen_addr configured, they are also streamed to /events
// subscribers and counted on /metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wakeward/wakeward/internal/config"
	"github.com/wakeward/wakeward/internal/observe"
	"github.com/wakeward/wakeward/internal/pipeline"
	"github.com/wakeward/wakeward/internal/server"
	"github.com/wakeward/wakeward/pkg/audio"
	"github.com/wakeward/wakeward/pkg/provider/vad"
)

// feedChunk is the number of samples per Feed call: 80 ms at 16 kHz, the
// typical delivery size of an audio source.
const feedChunk = 1280

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	inputPath := flag.String("input", "-", `audio source: a 16 kHz mono WAV file, or "-" for raw s16le PCM on stdin`)
	realtime := flag.Bool("realtime", true, "pace file input at real time instead of feeding as fast as possible")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "wakeward: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "wakeward: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("wakeward starting",
		"config", *configPath,
		"input", *inputPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "wakeward"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Pipeline ──────────────────────────────────────────────────────────────
	p := pipeline.New(pipelineConfig(cfg))
	if err := p.Init(ctx); err != nil {
		slog.Error("failed to initialise pipeline", "err", err)
		return 1
	}
	defer p.Release()

	sinks := pipeline.Sinks{
		OnWakeWord: func(model string) {
			slog.Info("wake word", "model", model)
		},
		OnCaptured: func(ev pipeline.CaptureEvent) {
			slog.Info("captured utterance",
				"id", ev.ID,
				"model", ev.Model,
				"duration", time.Duration(len(ev.PCM))*time.Second/time.Duration(ev.SampleRate),
				"truncated", ev.Truncated,
			)
		},
	}

	// ── Diagnostics server (optional) ─────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.ListenAddr != "" {
		srv := server.New(cfg.Server.ListenAddr, observe.DefaultMetrics(), p.State,
			server.WithMetricsHandler(telemetry.MetricsHandler()))
		sinks = srv.Sinks(sinks)
		g.Go(func() error { return srv.Run(gctx) })
	}

	printStartupSummary(cfg)

	if err := p.Start(sinks); err != nil {
		slog.Error("failed to start pipeline", "err", err)
		return 1
	}

	// ── Audio feeder ──────────────────────────────────────────────────────────
	g.Go(func() error {
		defer stop() // end of input ends the process
		return feedAudio(gctx, p, *inputPath, *realtime)
	})

	slog.Info("detector ready — press Ctrl+C to shut down")

	err = g.Wait()
	p.Stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// feedAudio streams the input source into the pipeline in feedChunk-sized
// pieces. File input is paced at real time unless -realtime=false.
func feedAudio(ctx context.Context, p *pipeline.Pipeline, inputPath string, realtime bool) error {
	var samples []int16

	switch inputPath {
	case "-":
		return feedStream(ctx, p, os.Stdin)
	default:
		f, err := os.Open(inputPath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()

		var rate int
		samples, rate, err = audio.ReadWAV(f)
		if err != nil {
			return err
		}
		if rate != audio.SampleRate {
			return fmt.Errorf("input is %d Hz, want %d", rate, audio.SampleRate)
		}
	}

	ticker := time.NewTicker(feedChunk * time.Second / audio.SampleRate)
	defer ticker.Stop()

	for len(samples) > 0 {
		n := min(feedChunk, len(samples))
		p.Feed(samples[:n])
		samples = samples[n:]

		if realtime {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// feedStream reads raw s16le PCM until EOF, feeding as it arrives. The
// producer's own pacing (a microphone tool, ffmpeg, …) sets the rhythm.
func feedStream(ctx context.Context, p *pipeline.Pipeline, r io.Reader) error {
	buf := make([]byte, feedChunk*2)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			p.Feed(audio.BytesToInt16(buf[:n]))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
	}
}

// pipelineConfig maps the YAML configuration onto the pipeline's Config.
func pipelineConfig(cfg *config.Config) pipeline.Config {
	vadCfg := vad.DefaultConfig()
	vadCfg.SpeechThreshold = cfg.VAD.Threshold
	vadCfg.MinSilenceMs = cfg.VAD.MinSilenceMs
	vadCfg.MinSpeechMs = cfg.VAD.MinSpeechMs
	vadCfg.MaxSpeechS = cfg.VAD.MaxSpeechS
	vadCfg.SpeechPadMs = cfg.VAD.SpeechPadMs

	return pipeline.Config{
		MelModelPath:       cfg.Models.Melspectrogram,
		EmbeddingModelPath: cfg.Models.Embedding,
		WakeWordModelPaths: cfg.Models.Wakewords,
		VADModelPath:       cfg.Models.VAD,
		ONNXLibraryPath:    cfg.ONNX.LibraryPath,
		WakeThreshold:      cfg.Detector.WakeThreshold,
		TriggerLevel:       cfg.Detector.TriggerLevel,
		Refractory:         cfg.Detector.Refractory,
		VAD:                vadCfg,
		VADAlwaysOn:        cfg.VAD.AlwaysOn,
		CaptureCapS:        cfg.Capture.CapS,
		EndDelay:           time.Duration(cfg.Capture.EndDelayMs) * time.Millisecond,
	}
}

// printStartupSummary prints a human-oriented overview of the configured
// models and tunables.
func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║          Wakeward — startup summary           ║")
	fmt.Println("╠═══════════════════════════════════════════════╣")
	fmt.Printf("║  Mel model       : %-26s ║\n", trim(cfg.Models.Melspectrogram, 26))
	fmt.Printf("║  Embedding model : %-26s ║\n", trim(cfg.Models.Embedding, 26))
	fmt.Printf("║  Wake words      : %-26d ║\n", len(cfg.Models.Wakewords))
	if cfg.Models.VAD != "" {
		fmt.Printf("║  VAD model       : %-26s ║\n", trim(cfg.Models.VAD, 26))
	} else {
		fmt.Printf("║  VAD model       : %-26s ║\n", "(disabled, no capture)")
	}
	fmt.Printf("║  Wake threshold  : %-26.2f ║\n", cfg.Detector.WakeThreshold)
	fmt.Printf("║  Trigger level   : %-26d ║\n", cfg.Detector.TriggerLevel)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-26s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

// trim shortens s to at most n runes, keeping the tail, which carries the
// file name.
func trim(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n+1:]
}

// newLogger builds the process logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
