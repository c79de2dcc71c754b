// Package protocol implements the per-connection message protocol: parsing
// and validating inbound client frames against the activation state machine,
// and serializing outbound status, transcription, speaker, timeout, and
// error frames.
package protocol

import (
	"time"

	"github.com/MrWong99/voxgate/internal/speaker"
	"github.com/MrWong99/voxgate/internal/transcript"
)

// Inbound message types.
const (
	TypeAudio   = "audio"
	TypeControl = "control"
)

// Control actions.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionExtend = "extend"
)

// Outbound message types.
const (
	TypeEnrollmentComplete = "enrollment_complete"

	TypeStatus            = "status"
	TypeTranscription     = "transcription"
	TypeSpeakerRegistered = "speaker_registered"
	TypeTimeoutStatus     = "timeout_status"
	TypeTimeoutWarning    = "timeout_warning"
	TypeTimeoutEnded      = "timeout_ended"
	TypeError             = "error"
)

// Error codes.
const (
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeRecognitionFailed = "RECOGNITION_FAILED"
)

// inbound is the envelope for all client frames.
type inbound struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Action    string `json:"action,omitempty"`
}

// StatusMessage reports an activation-state change.
type StatusMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// UtterancePayload is the wire form of one utterance.
type UtterancePayload struct {
	ID          string  `json:"id"`
	Text        string  `json:"text"`
	SpeakerID   string  `json:"speakerId"`
	SpeakerName string  `json:"speakerName"`
	Timestamp   string  `json:"timestamp"`
	OffsetMs    int64   `json:"offsetMs"`
	Confidence  float64 `json:"confidence"`
	IsFinal     bool    `json:"isFinal"`
}

// TranscriptionMessage carries an interim or final utterance.
type TranscriptionMessage struct {
	Type      string           `json:"type"`
	Utterance UtterancePayload `json:"utterance"`
}

// MappingPayload is the wire form of one speaker-to-profile mapping.
type MappingPayload struct {
	SpeakerID    string `json:"speakerId"`
	ProfileID    string `json:"profileId,omitempty"`
	ProfileName  string `json:"profileName,omitempty"`
	IsRegistered bool   `json:"isRegistered"`
}

// SpeakerRegisteredMessage announces a speaker-to-profile mapping.
type SpeakerRegisteredMessage struct {
	Type    string         `json:"type"`
	Mapping MappingPayload `json:"mapping"`
}

// TimeoutStatusMessage broadcasts remaining time on both timers. Null means
// the corresponding timer is unlimited/disabled.
type TimeoutStatusMessage struct {
	Type                    string `json:"type"`
	SessionTimeoutRemaining *int   `json:"sessionTimeoutRemaining"`
	SilenceTimeoutRemaining *int   `json:"silenceTimeoutRemaining"`
}

// TimeoutWarningMessage warns that a timer is close to expiry.
type TimeoutWarningMessage struct {
	Type             string `json:"type"`
	WarningType      string `json:"warningType"`
	RemainingSeconds int    `json:"remainingSeconds"`
	Message          string `json:"message"`
}

// TimeoutEndedMessage reports a deliberate timeout termination.
type TimeoutEndedMessage struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// EnrollmentCompleteMessage summarises the enrollment phase.
type EnrollmentCompleteMessage struct {
	Type             string   `json:"type"`
	Enrolled         int      `json:"enrolled"`
	Mapped           int      `json:"mapped"`
	UnmappedProfiles []string `json:"unmappedProfiles"`
}

// ErrorMessage reports a protocol or recognition error.
type ErrorMessage struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// utterancePayload converts a transcript utterance into its wire form.
func utterancePayload(u transcript.Utterance) UtterancePayload {
	return UtterancePayload{
		ID:          u.ID,
		Text:        u.Text,
		SpeakerID:   u.SpeakerID,
		SpeakerName: u.SpeakerName,
		Timestamp:   u.Timestamp.UTC().Format(time.RFC3339Nano),
		OffsetMs:    u.Offset.Milliseconds(),
		Confidence:  u.Confidence,
		IsFinal:     u.IsFinal,
	}
}

// mappingPayload converts a speaker mapping into its wire form.
func mappingPayload(m speaker.Mapping) MappingPayload {
	return MappingPayload{
		SpeakerID:    m.SpeakerID,
		ProfileID:    m.ProfileID,
		ProfileName:  m.ProfileName,
		IsRegistered: m.Registered(),
	}
}
