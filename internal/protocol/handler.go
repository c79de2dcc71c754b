package protocol

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxgate/internal/speaker"
	"github.com/MrWong99/voxgate/internal/transcript"
)

// State is the activation state of one connection. The terminal "ended"
// state is owned by the session orchestrator, not the handler: after stop or
// timeout the handler simply returns to inactive.
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
	StatePaused   State = "paused"
)

// Hooks are the orchestrator callbacks the handler invokes on legal state
// transitions and validated audio frames. All hooks are invoked from
// HandleMessage's caller goroutine (the session event loop).
type Hooks struct {
	// OnStart is invoked on a legal start. A non-nil error aborts the
	// transition; the handler stays inactive and reports the error as
	// recoverable.
	OnStart func() error

	// OnStop is invoked on stop, from any state.
	OnStop func()

	// OnPause is invoked on a legal pause.
	OnPause func()

	// OnResume is invoked on a legal resume.
	OnResume func()

	// OnExtend is invoked on extend. It reports whether the session
	// deadline was actually extended (false when unlimited).
	OnExtend func() bool

	// OnAudio receives decoded audio bytes from validated audio frames.
	OnAudio func(chunk []byte)
}

// Handler is the per-connection protocol state machine. It parses inbound
// JSON frames, validates them against the activation state, and serializes
// outbound frames through the emit function.
//
// HandleMessage must be called from a single goroutine (the session event
// loop); the send helpers are safe from any goroutine.
type Handler struct {
	emit  func(frame []byte)
	hooks Hooks

	mu    sync.Mutex
	state State
}

// NewHandler creates a Handler in the inactive state. emit receives every
// serialized outbound frame and must not block.
func NewHandler(emit func(frame []byte), hooks Hooks) *Handler {
	return &Handler{
		emit:  emit,
		hooks: hooks,
		state: StateInactive,
	}
}

// State returns the current activation state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Close idempotently returns the handler to inactive without emitting a
// message. Used on disconnect, where there is no client left to notify.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateInactive
}

// HandleMessage parses and dispatches one raw client frame. Malformed input
// and illegal transitions are reported to the client as recoverable errors
// and cause no state change.
func (h *Handler) HandleMessage(raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.SendError(CodeInvalidMessage, "Invalid message format", true)
		return
	}
	if msg.Type == "" {
		h.SendError(CodeInvalidMessage, "Message type is required", true)
		return
	}

	switch msg.Type {
	case TypeAudio:
		h.handleAudio(msg)
	case TypeControl:
		h.handleControl(msg)
	default:
		h.SendError(CodeInvalidMessage, "Unknown message type: "+msg.Type, true)
	}
}

// handleAudio validates and forwards one audio frame. Audio is legal only
// while active.
func (h *Handler) handleAudio(msg inbound) {
	if h.State() != StateActive {
		h.SendError(CodeInvalidMessage, "Transcription not started", true)
		return
	}
	if msg.Data == "" {
		h.SendError(CodeInvalidMessage, "Audio data is required", true)
		return
	}
	chunk, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		h.SendError(CodeInvalidMessage, "Invalid Base64 audio data", true)
		return
	}
	if h.hooks.OnAudio != nil {
		h.hooks.OnAudio(chunk)
	}
}

// handleControl dispatches one control action against the state machine.
func (h *Handler) handleControl(msg inbound) {
	switch msg.Action {
	case ActionStart:
		h.handleStart()
	case ActionStop:
		h.handleStop()
	case ActionPause:
		h.handlePause()
	case ActionResume:
		h.handleResume()
	case ActionExtend:
		h.handleExtend()
	default:
		h.SendError(CodeInvalidMessage, "Unknown control action: "+msg.Action, true)
	}
}

func (h *Handler) handleStart() {
	if h.State() != StateInactive {
		h.SendError(CodeInvalidMessage, "Transcription already started", true)
		return
	}
	if h.hooks.OnStart != nil {
		if err := h.hooks.OnStart(); err != nil {
			slog.Warn("transcription start failed", "err", err)
			h.SendError(CodeRecognitionFailed, "Failed to start transcription", true)
			return
		}
	}
	h.setState(StateActive)
	h.SendStatus("active", "Transcription started")
}

func (h *Handler) handleStop() {
	// Legal from any state.
	h.setState(StateInactive)
	if h.hooks.OnStop != nil {
		h.hooks.OnStop()
	}
	h.SendStatus("ended", "Transcription stopped")
}

func (h *Handler) handlePause() {
	if h.State() != StateActive {
		h.SendError(CodeInvalidMessage, "Cannot pause: transcription is not active", true)
		return
	}
	h.setState(StatePaused)
	if h.hooks.OnPause != nil {
		h.hooks.OnPause()
	}
	h.SendStatus("paused", "Transcription paused")
}

func (h *Handler) handleResume() {
	if h.State() != StatePaused {
		h.SendError(CodeInvalidMessage, "Cannot resume: transcription is not paused", true)
		return
	}
	h.setState(StateActive)
	if h.hooks.OnResume != nil {
		h.hooks.OnResume()
	}
	h.SendStatus("active", "Transcription resumed")
}

func (h *Handler) handleExtend() {
	if h.hooks.OnExtend == nil || !h.hooks.OnExtend() {
		h.SendError(CodeInvalidMessage, "Session timeout is not configured", true)
	}
	// On success the orchestrator broadcasts the refreshed timeout status.
}

func (h *Handler) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// ─── Outbound serialization helpers ──────────────────────────────────────────

// SendStatus emits a status frame.
func (h *Handler) SendStatus(status, message string) {
	h.send(StatusMessage{Type: TypeStatus, Status: status, Message: message})
}

// SendTranscription emits an utterance frame.
func (h *Handler) SendTranscription(u transcript.Utterance) {
	h.send(TranscriptionMessage{Type: TypeTranscription, Utterance: utterancePayload(u)})
}

// SendSpeakerRegistered emits a speaker-mapping frame.
func (h *Handler) SendSpeakerRegistered(m speaker.Mapping) {
	h.send(SpeakerRegisteredMessage{Type: TypeSpeakerRegistered, Mapping: mappingPayload(m)})
}

// SendEnrollmentComplete emits the enrollment-phase summary frame.
func (h *Handler) SendEnrollmentComplete(enrolled, mapped int, unmappedProfiles []string) {
	if unmappedProfiles == nil {
		unmappedProfiles = []string{}
	}
	h.send(EnrollmentCompleteMessage{
		Type:             TypeEnrollmentComplete,
		Enrolled:         enrolled,
		Mapped:           mapped,
		UnmappedProfiles: unmappedProfiles,
	})
}

// SendTimeoutStatus emits a timeout-status frame. Nil remaining values mean
// the corresponding timer is unlimited/disabled.
func (h *Handler) SendTimeoutStatus(sessionRemaining, silenceRemaining *int) {
	h.send(TimeoutStatusMessage{
		Type:                    TypeTimeoutStatus,
		SessionTimeoutRemaining: sessionRemaining,
		SilenceTimeoutRemaining: silenceRemaining,
	})
}

// SendTimeoutWarning emits a timeout-warning frame.
func (h *Handler) SendTimeoutWarning(warningType string, remainingSeconds int, message string) {
	h.send(TimeoutWarningMessage{
		Type:             TypeTimeoutWarning,
		WarningType:      warningType,
		RemainingSeconds: remainingSeconds,
		Message:          message,
	})
}

// SendTimeoutEnded emits a timeout-ended frame.
func (h *Handler) SendTimeoutEnded(reason, message string) {
	h.send(TimeoutEndedMessage{Type: TypeTimeoutEnded, Reason: reason, Message: message})
}

// SendError emits an error frame.
func (h *Handler) SendError(code, message string, recoverable bool) {
	h.send(ErrorMessage{Type: TypeError, Code: code, Message: message, Recoverable: recoverable})
}

// send marshals v and hands the frame to the emitter. Marshalling these
// fixed shapes cannot fail; a failure here is a programming error and is
// logged rather than surfaced.
func (h *Handler) send(v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal outbound frame", "err", err)
		return
	}
	h.emit(frame)
}
