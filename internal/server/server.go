// Package server provides the optional diagnostics HTTP server for
// Wakeward: Prometheus metrics, health endpoints, and a WebSocket stream of
// pipeline events.
//
// The event stream is strictly best-effort. Detection events are produced
// by a real-time audio pipeline that must never block on a slow websocket
// consumer, so each subscriber has a bounded queue and events are dropped
// when it fills.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wakeward/wakeward/internal/health"
	"github.com/wakeward/wakeward/internal/observe"
	"github.com/wakeward/wakeward/internal/pipeline"
)

// Event is the JSON frame sent to /events subscribers.
type Event struct {
	// Type is one of "wake", "capture", "speech_start", "speech_end",
	// "score".
	Type string `json:"type"`

	// Time is when the event was published.
	Time time.Time `json:"time"`

	// Model is the wake-word name, when the event has one.
	Model string `json:"model,omitempty"`

	// Score fields, set for "score" events.
	Score        float32 `json:"score,omitempty"`
	Threshold    float32 `json:"threshold,omitempty"`
	Activation   int     `json:"activation,omitempty"`
	TriggerLevel int     `json:"trigger_level,omitempty"`

	// Capture fields, set for "capture" events. The PCM itself is not
	// streamed.
	CaptureID string `json:"capture_id,omitempty"`
	Samples   int    `json:"samples,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// subscriberBuf is each subscriber's queue depth; events beyond it drop.
const subscriberBuf = 64

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// Hub fans events out to websocket subscribers. Safe for concurrent use.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}

	// dropped counts events discarded because a subscriber was slow.
	dropped int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Publish delivers ev to every subscriber, dropping it for any subscriber
// whose queue is full. Never blocks.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

// subscribe registers a new subscriber queue.
func (h *Hub) subscribe() chan Event {
	ch := make(chan Event, subscriberBuf)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// unsubscribe removes a subscriber queue.
func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Dropped returns the number of events discarded for slow subscribers.
func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Server is the diagnostics HTTP server.
type Server struct {
	addr           string
	hub            *Hub
	srv            *http.Server
	log            *slog.Logger
	metricsHandler http.Handler
}

// Option is a functional option for [New].
type Option func(*Server)

// WithMetricsHandler serves /metrics from h instead of the package-global
// Prometheus registry. Pass [observe.Provider.MetricsHandler] so the
// endpoint exposes exactly this process's registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// New builds a Server listening on addr. state feeds the /readyz probe
// with the pipeline lifecycle.
func New(addr string, metrics *observe.Metrics, state health.StateFunc, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		hub:            NewHub(),
		log:            slog.Default(),
		metricsHandler: promhttp.Handler(),
	}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", s.metricsHandler)
	health.New(state).Register(mux)
	mux.HandleFunc("GET /events", s.handleEvents)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(metrics)(mux),
	}
	return s
}

// Hub returns the event hub so callers can publish events.
func (s *Server) Hub() *Hub { return s.hub }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("diagnostics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// handleEvents upgrades to a websocket and streams hub events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)

	// The stream is push-only; CloseRead surfaces client disconnects as
	// context cancellation.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			payload, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("event marshal failed", "err", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Sinks wraps next so that every pipeline event is also published to the
// hub. Any callback in next may be nil.
func (s *Server) Sinks(next pipeline.Sinks) pipeline.Sinks {
	hub := s.hub
	return pipeline.Sinks{
		OnWakeWord: func(model string) {
			hub.Publish(Event{Type: "wake", Time: time.Now(), Model: model})
			if next.OnWakeWord != nil {
				next.OnWakeWord(model)
			}
		},
		OnCaptured: func(ev pipeline.CaptureEvent) {
			hub.Publish(Event{
				Type:      "capture",
				Time:      time.Now(),
				Model:     ev.Model,
				CaptureID: ev.ID,
				Samples:   len(ev.PCM),
				Truncated: ev.Truncated,
			})
			if next.OnCaptured != nil {
				next.OnCaptured(ev)
			}
		},
		OnSpeechStart: func() {
			hub.Publish(Event{Type: "speech_start", Time: time.Now()})
			if next.OnSpeechStart != nil {
				next.OnSpeechStart()
			}
		},
		OnSpeechEnd: func() {
			hub.Publish(Event{Type: "speech_end", Time: time.Now()})
			if next.OnSpeechEnd != nil {
				next.OnSpeechEnd()
			}
		},
		OnScore: func(u pipeline.ScoreUpdate) {
			hub.Publish(Event{
				Type:         "score",
				Time:         time.Now(),
				Model:        u.Model,
				Score:        u.Score,
				Threshold:    u.Threshold,
				Activation:   u.Activation,
				TriggerLevel: u.TriggerLevel,
			})
			if next.OnScore != nil {
				next.OnScore(u)
			}
		},
	}
}
