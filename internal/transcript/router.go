// Package transcript normalizes the recognition engine's event stream into
// utterances and maintains the per-session utterance history.
//
// The router sits between the engine and the rest of the session: final
// results reset the silence timer and feed the speaker coordinator,
// speaker-detection notices feed the coordinator and are forwarded upstream
// (except the engine's "Unknown" sentinel, which is always suppressed), and
// cancellations surface as recoverable errors.
package transcript

import (
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/recognizer"
	"github.com/google/uuid"
)

// interimConfidence is the nominal confidence attached to interim results;
// the engine does not score hypotheses before they are final.
const interimConfidence = 0.5

// maxHistory bounds the utterance history so multi-hour sessions do not grow
// without bound. Oldest entries are dropped first.
const maxHistory = 1000

// unknownSpeakerName is the display fallback for utterances the engine did
// not attribute to any speaker id.
const unknownSpeakerName = "Unknown Speaker"

// Utterance is one normalized piece of speech.
type Utterance struct {
	ID          string
	Text        string
	SpeakerID   string
	SpeakerName string
	Timestamp   time.Time
	Offset      time.Duration
	Confidence  float64
	IsFinal     bool

	// IsEnrollment is true while the audio producing this utterance came
	// from an enrollment profile rather than live microphone input.
	IsEnrollment bool
}

// Event is a notification from the router. Consumers dispatch with a type
// switch.
type Event interface {
	isEvent()
}

// UtteranceReady carries an interim or final utterance for delivery to the
// client. Interim utterances are transient; only finals enter the history.
type UtteranceReady struct {
	Utterance Utterance
}

// SpeakerNoticed forwards an engine speaker-detection notification.
type SpeakerNoticed struct {
	SpeakerID string
}

// Failed signals that the engine canceled recognition. Recoverable; the
// session continues.
type Failed struct {
	Reason string
}

func (UtteranceReady) isEvent() {}
func (SpeakerNoticed) isEvent() {}
func (Failed) isEvent()         {}

// SilenceResetter is the slice of the timeout controller the router needs.
type SilenceResetter interface {
	ResetSilence()
}

// SpeakerNotifier is the slice of the speaker coordinator the router needs.
type SpeakerNotifier interface {
	OnTranscription(speakerID string)
	OnSpeakerDetected(speakerID string)
	Resolve(speakerID string) string
}

// Router normalizes engine events into utterances. HandleEvent is called
// from the session's single event loop; the history accessors are safe for
// concurrent use.
type Router struct {
	silence  SilenceResetter
	speakers SpeakerNotifier
	emit     func(Event)
	now      func() time.Time

	mu         sync.Mutex
	history    []Utterance
	enrollment bool
}

// NewRouter creates a Router. emit receives normalized events and must not
// block.
func NewRouter(silence SilenceResetter, speakers SpeakerNotifier, emit func(Event)) *Router {
	return &Router{
		silence:  silence,
		speakers: speakers,
		emit:     emit,
		now:      time.Now,
	}
}

// SetEnrollmentActive marks whether the audio currently in flight belongs to
// the enrollment phase. Utterances built while active carry IsEnrollment.
func (r *Router) SetEnrollmentActive(active bool) {
	r.mu.Lock()
	r.enrollment = active
	r.mu.Unlock()
}

// HandleEvent dispatches one engine event.
func (r *Router) HandleEvent(ev recognizer.Event) {
	switch e := ev.(type) {
	case recognizer.Transcribing:
		u := r.buildUtterance(e.Result, false)
		u.Confidence = interimConfidence
		r.emit(UtteranceReady{Utterance: u})

	case recognizer.Transcribed:
		u := r.buildUtterance(e.Result, true)
		r.append(u)
		r.silence.ResetSilence()
		r.speakers.OnTranscription(e.Result.SpeakerID)
		r.emit(UtteranceReady{Utterance: u})

	case recognizer.SpeakerDetected:
		// The sentinel id cannot be mapped to a profile; never forward it.
		if e.SpeakerID == recognizer.UnknownSpeaker {
			return
		}
		r.speakers.OnSpeakerDetected(e.SpeakerID)
		r.emit(SpeakerNoticed{SpeakerID: e.SpeakerID})

	case recognizer.Canceled:
		r.emit(Failed{Reason: e.Reason})
	}
}

// History returns a snapshot of all final utterances, oldest first.
func (r *Router) History() []Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Utterance, len(r.history))
	copy(out, r.history)
	return out
}

// buildUtterance normalizes one engine result.
func (r *Router) buildUtterance(res recognizer.Result, final bool) Utterance {
	r.mu.Lock()
	enrollment := r.enrollment
	r.mu.Unlock()

	name := unknownSpeakerName
	if res.SpeakerID != "" {
		name = r.speakers.Resolve(res.SpeakerID)
	}
	return Utterance{
		ID:           uuid.NewString(),
		Text:         res.Text,
		SpeakerID:    res.SpeakerID,
		SpeakerName:  name,
		Timestamp:    r.now().UTC(),
		Offset:       res.Offset,
		Confidence:   res.Confidence,
		IsFinal:      final,
		IsEnrollment: enrollment,
	}
}

// append stores a final utterance, dropping the oldest entry once the
// history cap is reached.
func (r *Router) append(u Utterance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) >= maxHistory {
		r.history = r.history[1:]
	}
	r.history = append(r.history, u)
}
