// Package recognizer defines the contract with the external cloud
// speech-diarization engine.
//
// The engine is an event source: once a transcription session is started it
// emits interim results, final results, speaker-detection notifications, and
// cancellation notices on a single ordered channel. Voxgate never interprets
// audio itself; it only forwards chunks and consumes events.
//
// Implementations are provided by provider-specific subpackages
// (e.g. [github.com/MrWong99/voxgate/pkg/recognizer/azurespeech]) and by
// the mock subpackage for tests.
package recognizer

import (
	"context"
	"time"
)

// UnknownSpeaker is the sentinel speaker identifier the engine assigns to
// audio it cannot attribute. It can never be mapped to a profile and is
// filtered before reaching clients.
const UnknownSpeaker = "Unknown"

// Result is a single recognition hypothesis from the engine.
type Result struct {
	// Text is the transcribed text. May be empty for speaker-only events.
	Text string

	// SpeakerID is the engine-assigned, session-scoped speaker identifier
	// (e.g. "Guest-1"). Empty when the engine has not attributed the audio.
	SpeakerID string

	// Offset is the position of this result relative to the start of the
	// audio stream.
	Offset time.Duration

	// Confidence is the engine's confidence in [0, 1]. Zero for interim
	// results on engines that do not score partials.
	Confidence float64
}

// Event is one notification from the engine's event stream. Exactly one of
// the concrete types below is delivered per event; consumers dispatch with a
// type switch, which keeps the set closed and exhaustiveness checkable.
type Event interface {
	isEvent()
}

// Transcribing carries an interim (non-final) recognition hypothesis.
type Transcribing struct {
	Result Result
}

// Transcribed carries a final recognition result.
type Transcribed struct {
	Result Result
}

// SpeakerDetected signals that the engine attributed recent audio to a
// speaker identifier, independent of any transcription text.
type SpeakerDetected struct {
	SpeakerID string
}

// Canceled signals that the engine aborted the recognition session.
// The session-level connection stays up; callers may retry.
type Canceled struct {
	Reason string
}

func (Transcribing) isEvent()    {}
func (Transcribed) isEvent()     {}
func (SpeakerDetected) isEvent() {}
func (Canceled) isEvent()        {}

// Engine is a live connection to the cloud diarization service.
//
// An Engine instance is owned by exactly one session. All methods that accept
// a [context.Context] respect cancellation. StopTranscription must be safe to
// call multiple times; only the first call tears down the remote session.
type Engine interface {
	// StartTranscription begins a diarized recognition session. Events start
	// flowing on the [Engine.Events] channel after this call returns.
	StartTranscription(ctx context.Context) error

	// StopTranscription ends the recognition session and closes the Events
	// channel. Idempotent.
	StopTranscription(ctx context.Context) error

	// PushAudio forwards a chunk of already-converted audio to the engine.
	// It must not block on network I/O; chunks are queued internally.
	PushAudio(chunk []byte) error

	// EnrollVoiceProfile feeds known profile audio into the live stream so
	// the engine's assigned speaker id can be linked to that profile. The
	// engine reports the resulting speaker id through the ordinary event
	// stream, not through a return value.
	EnrollVoiceProfile(ctx context.Context, profileID string, audio []byte) error

	// Events returns the engine's ordered event stream. The channel is
	// closed when the recognition session ends.
	Events() <-chan Event
}
