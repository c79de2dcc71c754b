// Package mock provides an in-memory mock implementation of
// [recognizer.Engine] for use in unit tests.
//
// The mock records every method call and lets the test emit engine events on
// demand via [Engine.Emit]. It is safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/recognizer"
)

// Compile-time interface assertion.
var _ recognizer.Engine = (*Engine)(nil)

// EnrollCall records the arguments of a single EnrollVoiceProfile call.
type EnrollCall struct {
	ProfileID string
	Audio     []byte
}

// Engine is a mock implementation of [recognizer.Engine].
// Exported *Error fields control return values; Call fields accumulate
// invocation records.
type Engine struct {
	mu sync.Mutex

	// StartError is returned by StartTranscription.
	StartError error

	// StopError is returned by the first StopTranscription call.
	StopError error

	// PushError is returned by PushAudio.
	PushError error

	// EnrollError is returned by EnrollVoiceProfile.
	EnrollError error

	// StartCalls counts StartTranscription invocations.
	StartCalls int

	// StopCalls counts StopTranscription invocations, including idempotent
	// repeats.
	StopCalls int

	// PushedAudio accumulates every chunk passed to PushAudio.
	PushedAudio [][]byte

	// EnrollCalls records all EnrollVoiceProfile invocations.
	EnrollCalls []EnrollCall

	events  chan recognizer.Event
	stopped bool
}

// New creates a mock Engine with a buffered event channel.
func New() *Engine {
	return &Engine{
		events: make(chan recognizer.Event, 64),
	}
}

// Emit delivers an event to whoever is consuming [Engine.Events].
// No-op after the engine has been stopped.
func (e *Engine) Emit(ev recognizer.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.events <- ev
}

// StartTranscription records the call and returns StartError.
func (e *Engine) StartTranscription(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StartCalls++
	return e.StartError
}

// StopTranscription records the call, closes the event channel on the first
// invocation, and returns StopError.
func (e *Engine) StopTranscription(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StopCalls++
	if !e.stopped {
		e.stopped = true
		close(e.events)
		return e.StopError
	}
	return nil
}

// PushAudio records the chunk and returns PushError.
func (e *Engine) PushAudio(chunk []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PushError != nil {
		return e.PushError
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	e.PushedAudio = append(e.PushedAudio, buf)
	return nil
}

// EnrollVoiceProfile records the call and returns EnrollError.
func (e *Engine) EnrollVoiceProfile(_ context.Context, profileID string, audio []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.EnrollError != nil {
		return e.EnrollError
	}
	buf := make([]byte, len(audio))
	copy(buf, audio)
	e.EnrollCalls = append(e.EnrollCalls, EnrollCall{ProfileID: profileID, Audio: buf})
	return nil
}

// Events returns the mock's event channel.
func (e *Engine) Events() <-chan recognizer.Event {
	return e.events
}
