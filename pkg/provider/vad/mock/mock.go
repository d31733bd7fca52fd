// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script the Event returned per chunk and inspect the chunks
// that were submitted for processing.
package mock

import (
	"sync"

	"github.com/wakeward/wakeward/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil,
	// NewSession returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records the Config of every NewSession call in order.
	NewSessionCalls []vad.Config
}

var _ vad.Engine = (*Engine)(nil)

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Session is a mock implementation of vad.SessionHandle. Events are
// returned one per ProcessChunk call in order; when the script runs out,
// ProcessChunk returns an EventNone event.
type Session struct {
	mu sync.Mutex

	// Events is the scripted sequence of results.
	Events []vad.Event

	// ProcessErr, if non-nil, is returned by every ProcessChunk call.
	ProcessErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Chunks records a copy of every chunk passed to ProcessChunk.
	Chunks [][]float32

	// ResetCount is the number of Reset calls.
	ResetCount int

	// CloseCount is the number of Close calls.
	CloseCount int

	next int
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessChunk records the chunk and returns the next scripted event.
func (s *Session) ProcessChunk(chunk []float32) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]float32, len(chunk))
	copy(cp, chunk)
	s.Chunks = append(s.Chunks, cp)
	if s.ProcessErr != nil {
		return vad.Event{}, s.ProcessErr
	}
	if s.next >= len(s.Events) {
		return vad.Event{Type: vad.EventNone}, nil
	}
	ev := s.Events[s.next]
	s.next++
	return ev, nil
}

// Reset records the call and rewinds the event script.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCount++
	s.next = 0
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	return s.CloseErr
}
