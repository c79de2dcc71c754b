// Package speaker reconciles ephemeral, engine-assigned speaker identifiers
// with user-chosen voice profiles.
//
// Reconciliation happens in two phases. During enrollment, each registered
// profile's audio is pushed into the engine's live stream and any speaker id
// the engine reports inside that profile's bounded wait window is mapped to
// the profile. Profiles whose window closes without a detection join a FIFO
// queue; after enrollment, newly detected speakers are auto-mapped to the
// head of that queue. Manual mapping overrides both.
package speaker

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/profile"
	"github.com/MrWong99/voxgate/pkg/recognizer"
)

// Source records how a speaker-to-profile mapping came to exist.
type Source string

const (
	// SourceEnrollment marks mappings made during the enrollment phase.
	SourceEnrollment Source = "enrollment"

	// SourceAuto marks mappings made by popping the unmapped-profile queue.
	SourceAuto Source = "auto"

	// SourceManual marks mappings made by an explicit caller request.
	SourceManual Source = "manual"
)

// Mapping links one engine-assigned speaker id to a profile.
// ProfileID is empty while the speaker is known but unmapped.
type Mapping struct {
	SpeakerID   string
	ProfileID   string
	ProfileName string
	Source      Source
	MappedAt    time.Time
}

// Registered reports whether the mapping carries a profile.
func (m Mapping) Registered() bool { return m.ProfileID != "" }

// Event is a notification from the coordinator. Consumers dispatch with a
// type switch.
type Event interface {
	isEvent()
}

// Mapped signals that a speaker id was linked to a profile.
type Mapped struct {
	Mapping Mapping

	// Auto is true when the mapping came from the unmapped-profile queue
	// rather than the enrollment window.
	Auto bool
}

// EnrollmentComplete summarises the enrollment phase.
type EnrollmentComplete struct {
	// Enrolled is the number of profiles processed.
	Enrolled int

	// Mapped is the number of speaker ids linked to a profile.
	Mapped int

	// UnmappedProfiles lists the display names of profiles that saw no
	// speaker during their window, in registration order.
	UnmappedProfiles []string
}

func (Mapped) isEvent()             {}
func (EnrollmentComplete) isEvent() {}

// Enroller is the slice of the recognition engine the coordinator needs.
type Enroller interface {
	EnrollVoiceProfile(ctx context.Context, profileID string, audio []byte) error
}

// Wait-window policy: a fixed floor plus half the profile audio's duration,
// clamped so enrollment can never block indefinitely.
const (
	defaultWaitFloor = 2 * time.Second
	defaultWaitCap   = 15 * time.Second
)

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithWaitWindow overrides the enrollment wait-window floor and cap.
// Intended for tests with short synthetic audio.
func WithWaitWindow(floor, cap time.Duration) Option {
	return func(c *Coordinator) {
		c.waitFloor = floor
		c.waitCap = cap
	}
}

// WithSampleRate sets the PCM sample rate used to derive a profile audio
// payload's duration for the wait-window policy. Defaults to 16 kHz.
func WithSampleRate(rate int) Option {
	return func(c *Coordinator) {
		c.sampleRate = rate
	}
}

// Coordinator owns the speaker-to-profile mapping table, the enrollment
// queue, and the unmapped-profile FIFO for one session.
//
// All exported methods are safe for concurrent use. RunEnrollment is the
// only blocking operation; it is designed to run on its own goroutine while
// the session keeps processing events.
type Coordinator struct {
	engine     Enroller
	emit       func(Event)
	waitFloor  time.Duration
	waitCap    time.Duration
	sampleRate int

	mu        sync.Mutex
	mappings  map[string]Mapping
	profiles  []profile.Profile // registration order
	unmapped  []profile.Profile // FIFO of profiles with no detected speaker
	window    chan string       // non-nil while an enrollment window is open
	pending   []string          // ids detected between windows, in order
	enrolling bool
}

// NewCoordinator creates a Coordinator. emit receives mapping and
// enrollment events; it is called from the coordinator's goroutines and
// must not block.
func NewCoordinator(engine Enroller, emit func(Event), opts ...Option) *Coordinator {
	c := &Coordinator{
		engine:     engine,
		emit:       emit,
		waitFloor:  defaultWaitFloor,
		waitCap:    defaultWaitCap,
		sampleRate: 16000,
		mappings:   make(map[string]Mapping),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RegisterProfile queues a profile for the enrollment phase. Profiles are
// processed sequentially in registration order.
func (c *Coordinator) RegisterProfile(p profile.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles = append(c.profiles, p)
}

// RunEnrollment processes every registered profile in order: push its audio
// into the engine's live stream, then collect speaker ids for the profile's
// wait window. All distinct ids observed inside one window map to that
// window's profile (the engine may split one physical speaker's enrollment
// audio across ids). Profiles with zero detections join the unmapped queue.
//
// Blocks until all profiles are processed or ctx is cancelled. Always emits
// [EnrollmentComplete] (also on cancellation, covering the work done so far).
func (c *Coordinator) RunEnrollment(ctx context.Context) error {
	c.mu.Lock()
	profiles := make([]profile.Profile, len(c.profiles))
	copy(profiles, c.profiles)
	c.enrolling = true
	c.mu.Unlock()

	mapped := 0
	var unmappedNames []string
	var err error

	for _, p := range profiles {
		var ids []string
		ids, err = c.enrollOne(ctx, p)
		if err != nil {
			break
		}
		if len(ids) == 0 {
			c.mu.Lock()
			c.unmapped = append(c.unmapped, p)
			c.mu.Unlock()
			unmappedNames = append(unmappedNames, p.Name)
			slog.Info("no speaker detected during enrollment window",
				"profile_id", p.ID, "profile_name", p.Name)
			continue
		}
		windowMapped := 0
		for _, sid := range ids {
			// A speaker mapped in an earlier window is never remapped
			// automatically.
			c.mu.Lock()
			_, taken := c.mappings[sid]
			c.mu.Unlock()
			if taken {
				continue
			}
			m := c.setMapping(sid, p.ID, p.Name, SourceEnrollment)
			mapped++
			windowMapped++
			c.emit(Mapped{Mapping: m})
		}
		if windowMapped == 0 {
			c.mu.Lock()
			c.unmapped = append(c.unmapped, p)
			c.mu.Unlock()
			unmappedNames = append(unmappedNames, p.Name)
		}
	}

	c.mu.Lock()
	c.enrolling = false
	c.window = nil
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if unmappedNames == nil {
		unmappedNames = []string{}
	}
	c.emit(EnrollmentComplete{
		Enrolled:         len(profiles),
		Mapped:           mapped,
		UnmappedProfiles: unmappedNames,
	})

	// Ids that surfaced in the gap between two windows take part in
	// auto-mapping now.
	for _, sid := range pending {
		c.autoMapDetected(sid)
	}
	return err
}

// enrollOne pushes one profile's audio and collects the distinct speaker ids
// observed during its wait window.
func (c *Coordinator) enrollOne(ctx context.Context, p profile.Profile) ([]string, error) {
	window := make(chan string, 16)
	c.mu.Lock()
	c.window = window
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.window = nil
		c.mu.Unlock()
	}()

	if err := c.engine.EnrollVoiceProfile(ctx, p.ID, p.Audio); err != nil {
		return nil, err
	}

	wait := c.waitWindow(len(p.Audio))
	slog.Debug("enrollment window open",
		"profile_id", p.ID, "wait", wait, "audio_bytes", len(p.Audio))

	timer := time.NewTimer(wait)
	defer timer.Stop()

	seen := make(map[string]bool)
	var ids []string
	for {
		select {
		case sid := <-window:
			if !seen[sid] {
				seen[sid] = true
				ids = append(ids, sid)
			}
		case <-timer.C:
			return ids, nil
		case <-ctx.Done():
			return ids, ctx.Err()
		}
	}
}

// waitWindow derives the bounded wait for a profile from its audio length:
// floor + half the audio duration (PCM16 mono), clamped to the cap.
func (c *Coordinator) waitWindow(audioBytes int) time.Duration {
	bytesPerSecond := c.sampleRate * 2
	if bytesPerSecond <= 0 {
		return c.waitFloor
	}
	audioDur := time.Duration(audioBytes) * time.Second / time.Duration(bytesPerSecond)
	wait := c.waitFloor + audioDur/2
	if wait > c.waitCap {
		wait = c.waitCap
	}
	return wait
}

// OnTranscription feeds a speaker id carried by a transcription result into
// an open enrollment window. Outside enrollment it is a no-op: transcription
// results never trigger auto-mapping on their own.
func (c *Coordinator) OnTranscription(speakerID string) {
	if !qualifies(speakerID) {
		return
	}
	c.feedWindow(speakerID)
}

// OnSpeakerDetected handles a speaker-detection notification. During an
// enrollment window the id counts as a detection for the current profile; in
// the gap between two windows it is held and joins auto-mapping once
// enrollment finishes. Afterwards: an already-mapped id is a silent no-op;
// an unknown id is auto-mapped to the head of the unmapped-profile queue, or
// recorded as an unmapped speaker when the queue is empty.
func (c *Coordinator) OnSpeakerDetected(speakerID string) {
	if !qualifies(speakerID) {
		return
	}
	enrolling, open := c.feedWindow(speakerID)
	if enrolling {
		if !open {
			c.holdPending(speakerID)
		}
		return
	}
	c.autoMapDetected(speakerID)
}

// autoMapDetected applies the live-phase rules for one detected speaker id.
func (c *Coordinator) autoMapDetected(speakerID string) {
	c.mu.Lock()
	if m, ok := c.mappings[speakerID]; ok && m.Registered() {
		c.mu.Unlock()
		return
	}
	if len(c.unmapped) == 0 {
		// Surface the raw id for optional manual mapping.
		if _, ok := c.mappings[speakerID]; !ok {
			c.mappings[speakerID] = Mapping{SpeakerID: speakerID, MappedAt: time.Now().UTC()}
		}
		c.mu.Unlock()
		return
	}
	p := c.unmapped[0]
	c.unmapped = c.unmapped[1:]
	c.mu.Unlock()

	m := c.setMapping(speakerID, p.ID, p.Name, SourceAuto)
	slog.Info("auto-mapped speaker to queued profile",
		"speaker_id", speakerID, "profile_id", p.ID, "profile_name", p.Name)
	c.emit(Mapped{Mapping: m, Auto: true})
}

// MapSpeaker unconditionally maps a speaker id to a profile on behalf of the
// caller. It overwrites any existing mapping and does not touch the
// unmapped-profile queue.
func (c *Coordinator) MapSpeaker(speakerID, profileID, profileName string) Mapping {
	m := c.setMapping(speakerID, profileID, profileName, SourceManual)
	c.emit(Mapped{Mapping: m})
	return m
}

// Resolve returns the display name for a speaker id: the mapped profile
// name, the raw id for a known-but-unmapped speaker, or the raw id as-is
// when the speaker has never been seen.
func (c *Coordinator) Resolve(speakerID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.mappings[speakerID]; ok && m.Registered() {
		return m.ProfileName
	}
	return speakerID
}

// Lookup returns the mapping for a speaker id, if any.
func (c *Coordinator) Lookup(speakerID string) (Mapping, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mappings[speakerID]
	return m, ok
}

// Mappings returns a snapshot of all known mappings, including unmapped
// speakers that were surfaced for manual mapping.
func (c *Coordinator) Mappings() []Mapping {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Mapping, 0, len(c.mappings))
	for _, m := range c.mappings {
		out = append(out, m)
	}
	return out
}

// UnmappedQueueLen reports how many enrollment profiles are still waiting
// for a speaker.
func (c *Coordinator) UnmappedQueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unmapped)
}

// feedWindow delivers a speaker id into the open enrollment window, if any.
// Reports whether an enrollment is in progress and whether a window was open
// to consume the id.
func (c *Coordinator) feedWindow(speakerID string) (enrolling, open bool) {
	c.mu.Lock()
	window := c.window
	enrolling = c.enrolling
	c.mu.Unlock()
	if !enrolling || window == nil {
		return enrolling, false
	}
	select {
	case window <- speakerID:
	default:
		// Window buffer full; the id was already seen this window.
	}
	return true, true
}

// holdPending remembers a speaker id detected while enrollment is running
// but no window is open, so it is not lost to the post-enrollment phase.
func (c *Coordinator) holdPending(speakerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.pending, speakerID) {
		c.pending = append(c.pending, speakerID)
	}
}

// setMapping writes a mapping under the lock and returns it.
func (c *Coordinator) setMapping(speakerID, profileID, profileName string, source Source) Mapping {
	m := Mapping{
		SpeakerID:   speakerID,
		ProfileID:   profileID,
		ProfileName: profileName,
		Source:      source,
		MappedAt:    time.Now().UTC(),
	}
	c.mu.Lock()
	c.mappings[speakerID] = m
	c.mu.Unlock()
	return m
}

// qualifies reports whether a speaker id can participate in mapping. The
// engine's "Unknown" sentinel and empty ids never qualify.
func qualifies(speakerID string) bool {
	return speakerID != "" && speakerID != recognizer.UnknownSpeaker
}
