// Package session composes the per-connection components — protocol handler,
// transcript router, speaker coordinator, and timeout controller — around one
// recognition engine, and runs them on a single event loop.
//
// The loop is the session's concurrency boundary: client frames, engine
// events, and timer events all funnel into one channel and are dispatched
// sequentially, so the components never race each other. Producers (the
// transport read loop, the engine pump, the timer goroutine) only ever push
// into the channel.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/protocol"
	"github.com/MrWong99/voxgate/internal/speaker"
	"github.com/MrWong99/voxgate/internal/timeout"
	"github.com/MrWong99/voxgate/internal/transcript"
	"github.com/MrWong99/voxgate/pkg/profile"
	"github.com/MrWong99/voxgate/pkg/recognizer"
	"github.com/google/uuid"
)

// eventBuffer sizes the session event channel. Producers block once it fills,
// which backpressures the transport read loop and the engine pump.
const eventBuffer = 256

// engineStopTimeout bounds how long teardown waits for the engine to close.
const engineStopTimeout = 5 * time.Second

// event is one unit of work for the session loop.
type event interface {
	isSessionEvent()
}

type clientFrame struct{ raw []byte }
type engineEvent struct{ ev recognizer.Event }
type transcriptEvent struct{ ev transcript.Event }
type speakerEvent struct{ ev speaker.Event }
type timerEvent struct{ ev timeout.Event }

func (clientFrame) isSessionEvent()     {}
func (engineEvent) isSessionEvent()     {}
func (transcriptEvent) isSessionEvent() {}
func (speakerEvent) isSessionEvent()    {}
func (timerEvent) isSessionEvent()      {}

// Config assembles one session.
type Config struct {
	// ID identifies the session in logs and the registry. Generated when
	// empty.
	ID string

	// Engine is the recognition engine this session streams to.
	Engine recognizer.Engine

	// Profiles are the voice profiles to enroll on the first start, in
	// enrollment order.
	Profiles []profile.Profile

	// Timeouts configures the session cost guard.
	Timeouts timeout.Config

	// Send delivers one serialized outbound frame to the client. It must be
	// safe for concurrent use and should not block indefinitely.
	Send func(frame []byte)

	// OnClose is invoked exactly once after the session loop has torn down,
	// from the loop goroutine. The transport uses it to close the connection.
	OnClose func()

	// Metrics receives session telemetry. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// SpeakerOptions and TimeoutOptions tune the embedded components.
	// Intended for tests.
	SpeakerOptions []speaker.Option
	TimeoutOptions []timeout.Option
}

// Session is one client connection's orchestrator. Create with [New], drive
// with [Session.Run], feed client frames with [Session.HandleClientFrame],
// and end with [Session.Close].
type Session struct {
	id        string
	startedAt time.Time
	engine    recognizer.Engine
	profiles  []profile.Profile
	metrics   *observe.Metrics
	onClose   func()

	handler  *protocol.Handler
	router   *transcript.Router
	speakers *speaker.Coordinator
	timeouts *timeout.Controller

	events chan event
	done   chan struct{}
	closed sync.Once

	// runCtx is the loop context, set by Run before any hook can fire.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu            sync.Mutex
	engineRunning bool
	enrolled      bool
	wg            sync.WaitGroup
}

// New assembles a session from cfg. The session does nothing until Run.
func New(cfg Config) *Session {
	s := &Session{
		id:        cfg.ID,
		startedAt: time.Now(),
		engine:    cfg.Engine,
		profiles:  cfg.Profiles,
		metrics:   cfg.Metrics,
		onClose:   cfg.OnClose,
		events:    make(chan event, eventBuffer),
		done:      make(chan struct{}),
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	s.timeouts = timeout.NewController(cfg.Timeouts, func(ev timeout.Event) {
		s.push(timerEvent{ev})
	}, cfg.TimeoutOptions...)

	s.speakers = speaker.NewCoordinator(cfg.Engine, func(ev speaker.Event) {
		s.push(speakerEvent{ev})
	}, cfg.SpeakerOptions...)

	s.router = transcript.NewRouter(s.timeouts, s.speakers, func(ev transcript.Event) {
		s.push(transcriptEvent{ev})
	})

	send := cfg.Send
	if send == nil {
		send = func([]byte) {}
	}
	s.handler = protocol.NewHandler(send, protocol.Hooks{
		OnStart:  s.startTranscription,
		OnStop:   s.stopTranscription,
		OnPause:  func() { slog.Debug("session paused", "session_id", s.id) },
		OnResume: func() { slog.Debug("session resumed", "session_id", s.id) },
		OnExtend: s.extendSession,
		OnAudio:  s.forwardAudio,
	})

	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the protocol activation state.
func (s *Session) State() protocol.State { return s.handler.State() }

// History returns the session's final utterances, oldest first.
func (s *Session) History() []transcript.Utterance { return s.router.History() }

// Mappings returns the session's known speaker mappings.
func (s *Session) Mappings() []speaker.Mapping { return s.speakers.Mappings() }

// HandleClientFrame queues one raw client frame for the session loop.
// Safe to call from the transport read goroutine; a no-op once the session
// has closed.
func (s *Session) HandleClientFrame(raw []byte) {
	s.push(clientFrame{raw: raw})
}

// Close asks the session loop to tear down. Idempotent and safe from any
// goroutine; teardown itself happens on the loop goroutine.
func (s *Session) Close() {
	s.closed.Do(func() {
		close(s.done)
	})
}

// Run drives the session until ctx is cancelled, Close is called, or the
// cost guard ends the session. It always tears down the engine and timers
// before returning and invokes OnClose exactly once.
func (s *Session) Run(ctx context.Context) {
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	defer s.teardown()

	slog.Info("session started", "session_id", s.id, "profiles", len(s.profiles))

	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-s.done:
			return
		case ev := <-s.events:
			if !s.dispatch(ev) {
				return
			}
		}
	}
}

// dispatch handles one event. Returns false when the session must end.
func (s *Session) dispatch(ev event) bool {
	switch e := ev.(type) {
	case clientFrame:
		s.handler.HandleMessage(e.raw)

	case engineEvent:
		s.router.HandleEvent(e.ev)

	case transcriptEvent:
		s.dispatchTranscript(e.ev)

	case speakerEvent:
		s.dispatchSpeaker(e.ev)

	case timerEvent:
		return s.dispatchTimer(e.ev)
	}
	return true
}

func (s *Session) dispatchTranscript(ev transcript.Event) {
	switch e := ev.(type) {
	case transcript.UtteranceReady:
		s.handler.SendTranscription(e.Utterance)
		s.metrics.RecordUtterance(s.runCtx, e.Utterance.IsFinal)

	case transcript.SpeakerNoticed:
		// Mapped speakers are announced by the coordinator's Mapped event;
		// here we only surface speakers nothing is mapped to yet, so the
		// client can offer manual mapping.
		if m, ok := s.speakers.Lookup(e.SpeakerID); !ok || !m.Registered() {
			s.handler.SendSpeakerRegistered(speaker.Mapping{SpeakerID: e.SpeakerID})
		}

	case transcript.Failed:
		slog.Warn("recognition canceled", "session_id", s.id, "reason", e.Reason)
		s.handler.SendError(protocol.CodeRecognitionFailed, e.Reason, true)
		s.metrics.RecordProtocolError(s.runCtx, protocol.CodeRecognitionFailed)
	}
}

func (s *Session) dispatchSpeaker(ev speaker.Event) {
	switch e := ev.(type) {
	case speaker.Mapped:
		s.handler.SendSpeakerRegistered(e.Mapping)
		s.metrics.RecordMapping(s.runCtx, string(e.Mapping.Source))

	case speaker.EnrollmentComplete:
		slog.Info("enrollment complete",
			"session_id", s.id,
			"enrolled", e.Enrolled,
			"mapped", e.Mapped,
			"unmapped_profiles", len(e.UnmappedProfiles),
		)
		s.handler.SendEnrollmentComplete(e.Enrolled, e.Mapped, e.UnmappedProfiles)
	}
}

func (s *Session) dispatchTimer(ev timeout.Event) bool {
	switch e := ev.(type) {
	case timeout.Tick:
		s.handler.SendTimeoutStatus(e.SessionRemaining, e.SilenceRemaining)

	case timeout.Warning:
		secs := int(e.Remaining.Round(time.Second) / time.Second)
		msg := fmt.Sprintf("Session will end in %d seconds", secs)
		if e.Kind == timeout.KindSilence {
			msg = fmt.Sprintf("Session will end in %d seconds due to silence", secs)
		}
		s.handler.SendTimeoutWarning(string(e.Kind), secs, msg)

	case timeout.Expired:
		msg := "Session ended: maximum duration reached"
		if e.Reason == timeout.ReasonSilence {
			msg = "Session ended: no speech detected"
		}
		slog.Info("session ended by cost guard", "session_id", s.id, "reason", e.Reason)
		s.handler.SendTimeoutEnded(string(e.Reason), msg)
		s.metrics.RecordTimeout(s.runCtx, string(e.Reason))
		s.stopEngine()
		return false
	}
	return true
}

// ─── Protocol hooks ──────────────────────────────────────────────────────────

// startTranscription opens the engine stream, arms the cost guard, and kicks
// off enrollment on the first start.
func (s *Session) startTranscription() error {
	ctx := s.runCtx
	if err := s.engine.StartTranscription(ctx); err != nil {
		return fmt.Errorf("start transcription: %w", err)
	}
	s.mu.Lock()
	s.engineRunning = true
	s.mu.Unlock()

	s.pumpEngine()
	s.timeouts.Start(ctx)
	s.startEnrollment(ctx)
	return nil
}

// stopTranscription ends the engine stream and halts the cost guard. The
// session stays alive; the client may start again.
func (s *Session) stopTranscription() {
	s.stopEngine()
	s.timeouts.Stop()
}

// extendSession resets the session deadline and, on success, broadcasts the
// refreshed timer status.
func (s *Session) extendSession() bool {
	if !s.timeouts.Extend() {
		return false
	}
	st := s.timeouts.Status()
	s.handler.SendTimeoutStatus(st.SessionRemaining, st.SilenceRemaining)
	slog.Info("session extended", "session_id", s.id)
	return true
}

// forwardAudio streams one decoded audio chunk into the engine.
func (s *Session) forwardAudio(chunk []byte) {
	if err := s.engine.PushAudio(chunk); err != nil {
		slog.Warn("failed to push audio", "session_id", s.id, "err", err)
		return
	}
	s.metrics.AudioBytes.Add(s.runCtx, int64(len(chunk)))
}

// ─── Goroutine plumbing ──────────────────────────────────────────────────────

// push queues one event for the session loop. Once the session has closed the
// event is dropped, so producers never block on a loop that has exited.
func (s *Session) push(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// pumpEngine forwards engine events into the session loop until the engine's
// event channel closes. A new pump is started per engine start.
func (s *Session) pumpEngine() {
	events := s.engine.Events()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range events {
			s.push(engineEvent{ev})
		}
	}()
}

// startEnrollment runs the enrollment phase on its own goroutine so the loop
// keeps serving frames while profiles stream. Enrollment happens at most once
// per session; a stop/start cycle does not repeat it.
func (s *Session) startEnrollment(ctx context.Context) {
	s.mu.Lock()
	if s.enrolled {
		s.mu.Unlock()
		return
	}
	s.enrolled = true
	s.mu.Unlock()

	for _, p := range s.profiles {
		s.speakers.RegisterProfile(p)
	}

	s.router.SetEnrollmentActive(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.router.SetEnrollmentActive(false)

		start := time.Now()
		if err := s.speakers.RunEnrollment(ctx); err != nil {
			slog.Warn("enrollment aborted", "session_id", s.id, "err", err)
		}
		s.metrics.EnrollmentDuration.Record(ctx, time.Since(start).Seconds())
	}()
}

// stopEngine closes the engine stream at most once per start.
func (s *Session) stopEngine() {
	s.mu.Lock()
	running := s.engineRunning
	s.engineRunning = false
	s.mu.Unlock()
	if !running {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), engineStopTimeout)
	defer cancel()
	if err := s.engine.StopTranscription(ctx); err != nil {
		slog.Warn("failed to stop engine", "session_id", s.id, "err", err)
	}
}

// teardown runs once when the loop exits: it silences the handler, closes the
// engine and timers, waits for the session's goroutines, and notifies the
// transport.
func (s *Session) teardown() {
	s.Close()
	s.runCancel()
	s.handler.Close()
	s.stopEngine()
	s.timeouts.Stop()
	s.wg.Wait()

	slog.Info("session closed",
		"session_id", s.id,
		"duration", time.Since(s.startedAt).Round(time.Second),
	)
	if s.onClose != nil {
		s.onClose()
	}
}
