package session_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/internal/speaker"
	"github.com/MrWong99/voxgate/internal/timeout"
	"github.com/MrWong99/voxgate/pkg/profile"
	"github.com/MrWong99/voxgate/pkg/recognizer"
	"github.com/MrWong99/voxgate/pkg/recognizer/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

const waitTimeout = 3 * time.Second

// frameSink collects outbound frames and lets tests wait for one matching a
// predicate.
type frameSink struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (s *frameSink) send(frame []byte) {
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		panic("frameSink: bad frame: " + err.Error())
	}
	s.mu.Lock()
	s.frames = append(s.frames, m)
	s.mu.Unlock()
}

func (s *frameSink) find(pred func(map[string]any) bool) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		if pred(f) {
			return f, true
		}
	}
	return nil, false
}

// wait polls until a frame matching pred arrives or the timeout hits.
func (s *frameSink) wait(t *testing.T, what string, pred func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if f, ok := s.find(pred); ok {
			return f
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s frame", what)
	return nil
}

func frameType(typ string) func(map[string]any) bool {
	return func(f map[string]any) bool { return f["type"] == typ }
}

// fixture wires a session to a mock engine and runs its loop.
type fixture struct {
	engine  *mock.Engine
	session *session.Session
	sink    *frameSink
	closed  chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func newFixture(t *testing.T, cfg session.Config) *fixture {
	t.Helper()
	f := &fixture{
		sink:   &frameSink{},
		closed: make(chan struct{}),
	}
	if cfg.Engine == nil {
		cfg.Engine = mock.New()
	}
	f.engine = cfg.Engine.(*mock.Engine)
	cfg.Send = f.sink.send
	cfg.OnClose = func() { close(f.closed) }
	if cfg.SpeakerOptions == nil {
		cfg.SpeakerOptions = []speaker.Option{
			speaker.WithWaitWindow(10*time.Millisecond, 30*time.Millisecond),
		}
	}

	f.session = session.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		f.session.Run(ctx)
	}()

	t.Cleanup(func() {
		f.session.Close()
		cancel()
		select {
		case <-f.done:
		case <-time.After(waitTimeout):
			t.Error("session loop did not exit")
		}
	})
	return f
}

func (f *fixture) control(action string) {
	f.session.HandleClientFrame([]byte(`{"type":"control","action":"` + action + `"}`))
}

func (f *fixture) audio(data []byte) {
	f.session.HandleClientFrame([]byte(`{"type":"audio","data":"` + base64.StdEncoding.EncodeToString(data) + `"}`))
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.control("start")
	f.sink.wait(t, "status active", func(m map[string]any) bool {
		return m["type"] == "status" && m["status"] == "active"
	})
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestSession_StartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, session.Config{})

	f.start(t)
	if f.engine.StartCalls != 1 {
		t.Errorf("engine starts = %d; want 1", f.engine.StartCalls)
	}

	// Enrollment (with zero profiles) still reports completion.
	done := f.sink.wait(t, "enrollment_complete", frameType("enrollment_complete"))
	if done["enrolled"] != float64(0) {
		t.Errorf("enrolled = %v; want 0", done["enrolled"])
	}

	f.control("stop")
	f.sink.wait(t, "status ended", func(m map[string]any) bool {
		return m["type"] == "status" && m["status"] == "ended"
	})
	if f.engine.StopCalls == 0 {
		t.Error("engine never stopped")
	}
}

func TestSession_AudioReachesEngine(t *testing.T) {
	t.Parallel()
	f := newFixture(t, session.Config{})
	f.start(t)

	chunk := []byte{0x10, 0x20, 0x30}
	f.audio(chunk)

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if len(f.engine.PushedAudio) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(f.engine.PushedAudio) != 1 || string(f.engine.PushedAudio[0]) != string(chunk) {
		t.Fatalf("pushed audio = %v; want one chunk %v", f.engine.PushedAudio, chunk)
	}
}

func TestSession_AudioBeforeStart_Rejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, session.Config{})

	f.audio([]byte{1})

	frame := f.sink.wait(t, "error", frameType("error"))
	if frame["message"] != "Transcription not started" {
		t.Errorf("message = %v; want Transcription not started", frame["message"])
	}
	if len(f.engine.PushedAudio) != 0 {
		t.Error("audio reached engine before start")
	}
}

func TestSession_FramesAfterClose_DoNotBlock(t *testing.T) {
	t.Parallel()
	sess := session.New(session.Config{Engine: mock.New()})
	sess.Close()

	// Well past the event buffer: if the queue still accepted blocking sends
	// after close, this would hang.
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for range 1000 {
			sess.HandleClientFrame([]byte(`{"type":"control","action":"start"}`))
		}
	}()

	select {
	case <-finished:
	case <-time.After(waitTimeout):
		t.Fatal("HandleClientFrame blocked after Close")
	}
}

// ── Transcription flow ────────────────────────────────────────────────────────

func TestSession_TranscribedEventReachesClient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, session.Config{})
	f.start(t)
	f.sink.wait(t, "enrollment_complete", frameType("enrollment_complete"))

	f.engine.Emit(recognizer.Transcribed{Result: recognizer.Result{
		Text:       "hello world",
		SpeakerID:  "Guest-1",
		Confidence: 0.9,
	}})

	frame := f.sink.wait(t, "transcription", frameType("transcription"))
	u := frame["utterance"].(map[string]any)
	if u["text"] != "hello world" || u["isFinal"] != true {
		t.Errorf("utterance = %v; want final hello world", u)
	}
	// No profile mapped: the raw engine id doubles as the display name.
	if u["speakerName"] != "Guest-1" {
		t.Errorf("speakerName = %v; want Guest-1", u["speakerName"])
	}

	hist := f.session.History()
	if len(hist) != 1 || hist[0].Text != "hello world" {
		t.Errorf("history = %v; want one final utterance", hist)
	}
}

func TestSession_CanceledEventBecomesRecoverableError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, session.Config{})
	f.start(t)

	f.engine.Emit(recognizer.Canceled{Reason: "quota exceeded"})

	frame := f.sink.wait(t, "error", frameType("error"))
	if frame["code"] != "RECOGNITION_FAILED" || frame["recoverable"] != true {
		t.Errorf("frame = %v; want recoverable RECOGNITION_FAILED", frame)
	}
}

// ── Speaker mapping ───────────────────────────────────────────────────────────

func TestSession_EnrollmentThenAutoMapping(t *testing.T) {
	t.Parallel()
	f := newFixture(t, session.Config{
		Profiles: []profile.Profile{
			{ID: "p1", Name: "Alice", Audio: []byte{0, 0}},
		},
	})
	f.start(t)

	// No speaker shows up during the (short) window: the profile queues up.
	done := f.sink.wait(t, "enrollment_complete", frameType("enrollment_complete"))
	unmapped := done["unmappedProfiles"].([]any)
	if len(unmapped) != 1 || unmapped[0] != "Alice" {
		t.Fatalf("unmappedProfiles = %v; want [Alice]", unmapped)
	}
	if len(f.engine.EnrollCalls) != 1 || f.engine.EnrollCalls[0].ProfileID != "p1" {
		t.Fatalf("enroll calls = %v; want one for p1", f.engine.EnrollCalls)
	}

	// The first live speaker auto-maps to the queued profile.
	f.engine.Emit(recognizer.SpeakerDetected{SpeakerID: "Guest-1"})

	frame := f.sink.wait(t, "speaker_registered", frameType("speaker_registered"))
	m := frame["mapping"].(map[string]any)
	if m["speakerId"] != "Guest-1" || m["profileName"] != "Alice" || m["isRegistered"] != true {
		t.Errorf("mapping = %v; want Guest-1 → Alice", m)
	}
}

func TestSession_UnmappedSpeakerSurfacedUnregistered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, session.Config{})
	f.start(t)
	f.sink.wait(t, "enrollment_complete", frameType("enrollment_complete"))

	f.engine.Emit(recognizer.SpeakerDetected{SpeakerID: "Guest-5"})

	frame := f.sink.wait(t, "speaker_registered", frameType("speaker_registered"))
	m := frame["mapping"].(map[string]any)
	if m["speakerId"] != "Guest-5" || m["isRegistered"] != false {
		t.Errorf("mapping = %v; want unregistered Guest-5", m)
	}
}

// ── Cost guard ────────────────────────────────────────────────────────────────

func TestSession_SessionTimeoutEndsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, session.Config{
		Timeouts: timeout.Config{
			SessionTimeout: 100 * time.Millisecond,
			WarningWindow:  60 * time.Millisecond,
		},
		TimeoutOptions: []timeout.Option{timeout.WithTickInterval(10 * time.Millisecond)},
	})
	f.start(t)

	warning := f.sink.wait(t, "timeout_warning", frameType("timeout_warning"))
	if warning["warningType"] != "session" {
		t.Errorf("warningType = %v; want session", warning["warningType"])
	}

	ended := f.sink.wait(t, "timeout_ended", frameType("timeout_ended"))
	if ended["reason"] != "session_timeout" {
		t.Errorf("reason = %v; want session_timeout", ended["reason"])
	}

	select {
	case <-f.closed:
	case <-time.After(waitTimeout):
		t.Fatal("session did not close after timeout")
	}
	if f.engine.StopCalls == 0 {
		t.Error("engine not stopped on timeout")
	}
}

func TestSession_SilenceTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, session.Config{
		Timeouts: timeout.Config{
			SilenceTimeout: 80 * time.Millisecond,
			WarningWindow:  40 * time.Millisecond,
		},
		TimeoutOptions: []timeout.Option{timeout.WithTickInterval(10 * time.Millisecond)},
	})
	f.start(t)

	ended := f.sink.wait(t, "timeout_ended", frameType("timeout_ended"))
	if ended["reason"] != "silence_timeout" {
		t.Errorf("reason = %v; want silence_timeout", ended["reason"])
	}
}

func TestSession_TickBroadcastsTimeoutStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, session.Config{
		Timeouts: timeout.Config{
			SessionTimeout: time.Hour,
			WarningWindow:  time.Minute,
		},
		TimeoutOptions: []timeout.Option{timeout.WithTickInterval(10 * time.Millisecond)},
	})
	f.start(t)

	frame := f.sink.wait(t, "timeout_status", frameType("timeout_status"))
	if frame["sessionTimeoutRemaining"] == nil {
		t.Error("sessionTimeoutRemaining = null; want seconds")
	}
	if v, present := frame["silenceTimeoutRemaining"]; !present || v != nil {
		t.Errorf("silenceTimeoutRemaining = %v (present=%v); want explicit null", v, present)
	}
}

func TestSession_ExtendBroadcastsStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, session.Config{
		Timeouts: timeout.Config{
			SessionTimeout: time.Hour,
			WarningWindow:  time.Minute,
		},
		// Effectively freeze the periodic ticks so the only timeout_status
		// frame comes from the extend broadcast.
		TimeoutOptions: []timeout.Option{timeout.WithTickInterval(time.Hour)},
	})
	f.start(t)

	f.control("extend")

	f.sink.wait(t, "timeout_status", frameType("timeout_status"))
}

func TestSession_ExtendWithoutTimer_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, session.Config{})
	f.start(t)

	f.control("extend")

	frame := f.sink.wait(t, "error", frameType("error"))
	if frame["message"] != "Session timeout is not configured" {
		t.Errorf("message = %v; want Session timeout is not configured", frame["message"])
	}
}
