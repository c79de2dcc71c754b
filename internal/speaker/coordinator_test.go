package speaker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/internal/speaker"
	"github.com/MrWong99/voxgate/pkg/profile"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// fakeEnroller records enrollment calls and invokes an optional callback per
// profile, which tests use to simulate the engine detecting speakers while a
// profile's window is open.
type fakeEnroller struct {
	mu        sync.Mutex
	calls     []string
	err       error
	onProfile func(profileID string)
}

func (f *fakeEnroller) EnrollVoiceProfile(_ context.Context, profileID string, _ []byte) error {
	f.mu.Lock()
	f.calls = append(f.calls, profileID)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.onProfile != nil {
		f.onProfile(profileID)
	}
	return nil
}

func (f *fakeEnroller) enrolled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// collector gathers coordinator events.
type collector struct {
	mu     sync.Mutex
	events []speaker.Event
}

func (c *collector) emit(ev speaker.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) mapped() []speaker.Mapped {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []speaker.Mapped
	for _, ev := range c.events {
		if m, ok := ev.(speaker.Mapped); ok {
			out = append(out, m)
		}
	}
	return out
}

func (c *collector) complete(t *testing.T) speaker.EnrollmentComplete {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if e, ok := ev.(speaker.EnrollmentComplete); ok {
			return e
		}
	}
	t.Fatal("no EnrollmentComplete event emitted")
	return speaker.EnrollmentComplete{}
}

// newCoordinator builds a coordinator with a fast wait window for tests.
func newCoordinator(enroller *fakeEnroller) (*speaker.Coordinator, *collector) {
	col := &collector{}
	c := speaker.NewCoordinator(enroller, col.emit,
		speaker.WithWaitWindow(20*time.Millisecond, 50*time.Millisecond),
	)
	return c, col
}

func prof(id, name string) profile.Profile {
	return profile.Profile{ID: id, Name: name, Audio: []byte{0, 0, 0, 0}}
}

// ── Enrollment phase ──────────────────────────────────────────────────────────

func TestRunEnrollment_MapsDetectedSpeaker(t *testing.T) {
	t.Parallel()
	enroller := &fakeEnroller{}
	c, col := newCoordinator(enroller)
	enroller.onProfile = func(string) { c.OnSpeakerDetected("Guest-1") }

	c.RegisterProfile(prof("p1", "Alice"))
	if err := c.RunEnrollment(context.Background()); err != nil {
		t.Fatalf("RunEnrollment: %v", err)
	}

	mapped := col.mapped()
	if len(mapped) != 1 {
		t.Fatalf("mapped events = %d; want 1", len(mapped))
	}
	m := mapped[0].Mapping
	if m.SpeakerID != "Guest-1" || m.ProfileID != "p1" || m.ProfileName != "Alice" {
		t.Errorf("mapping = %+v; want Guest-1 → p1/Alice", m)
	}
	if m.Source != speaker.SourceEnrollment {
		t.Errorf("source = %v; want enrollment", m.Source)
	}
	if got := c.Resolve("Guest-1"); got != "Alice" {
		t.Errorf("Resolve(Guest-1) = %q; want Alice", got)
	}

	done := col.complete(t)
	if done.Enrolled != 1 || done.Mapped != 1 || len(done.UnmappedProfiles) != 0 {
		t.Errorf("complete = %+v; want 1 enrolled, 1 mapped, none unmapped", done)
	}
}

func TestRunEnrollment_SequentialInRegistrationOrder(t *testing.T) {
	t.Parallel()
	enroller := &fakeEnroller{}
	c, _ := newCoordinator(enroller)
	next := 0
	ids := []string{"Guest-1", "Guest-2", "Guest-3"}
	enroller.onProfile = func(string) {
		c.OnSpeakerDetected(ids[next])
		next++
	}

	c.RegisterProfile(prof("p1", "Alice"))
	c.RegisterProfile(prof("p2", "Bob"))
	c.RegisterProfile(prof("p3", "Cleo"))
	if err := c.RunEnrollment(context.Background()); err != nil {
		t.Fatalf("RunEnrollment: %v", err)
	}

	want := []string{"p1", "p2", "p3"}
	got := enroller.enrolled()
	if len(got) != len(want) {
		t.Fatalf("enroll calls = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("enroll order[%d] = %q; want %q", i, got[i], want[i])
		}
	}
	for i, id := range ids {
		wantName := []string{"Alice", "Bob", "Cleo"}[i]
		if got := c.Resolve(id); got != wantName {
			t.Errorf("Resolve(%s) = %q; want %q", id, got, wantName)
		}
	}
}

func TestRunEnrollment_MultipleIDsInOneWindow(t *testing.T) {
	t.Parallel()
	enroller := &fakeEnroller{}
	c, col := newCoordinator(enroller)
	enroller.onProfile = func(string) {
		// The engine may split one physical speaker's audio across ids.
		c.OnSpeakerDetected("Guest-1")
		c.OnTranscription("Guest-2")
	}

	c.RegisterProfile(prof("p1", "Alice"))
	if err := c.RunEnrollment(context.Background()); err != nil {
		t.Fatalf("RunEnrollment: %v", err)
	}

	if got := len(col.mapped()); got != 2 {
		t.Fatalf("mapped events = %d; want 2", got)
	}
	if c.Resolve("Guest-1") != "Alice" || c.Resolve("Guest-2") != "Alice" {
		t.Error("both window ids should resolve to Alice")
	}
}

func TestRunEnrollment_NoDetection_QueuesProfile(t *testing.T) {
	t.Parallel()
	enroller := &fakeEnroller{}
	c, col := newCoordinator(enroller)

	c.RegisterProfile(prof("p1", "Alice"))
	c.RegisterProfile(prof("p2", "Bob"))
	if err := c.RunEnrollment(context.Background()); err != nil {
		t.Fatalf("RunEnrollment: %v", err)
	}

	done := col.complete(t)
	if done.Enrolled != 2 || done.Mapped != 0 {
		t.Errorf("complete = %+v; want 2 enrolled, 0 mapped", done)
	}
	if len(done.UnmappedProfiles) != 2 || done.UnmappedProfiles[0] != "Alice" || done.UnmappedProfiles[1] != "Bob" {
		t.Errorf("unmapped = %v; want [Alice Bob]", done.UnmappedProfiles)
	}
	if got := c.UnmappedQueueLen(); got != 2 {
		t.Errorf("queue len = %d; want 2", got)
	}
}

func TestRunEnrollment_TakenID_DoesNotRemap(t *testing.T) {
	t.Parallel()
	enroller := &fakeEnroller{}
	c, col := newCoordinator(enroller)
	enroller.onProfile = func(string) {
		// The same speaker talks through both windows.
		c.OnSpeakerDetected("Guest-1")
	}

	c.RegisterProfile(prof("p1", "Alice"))
	c.RegisterProfile(prof("p2", "Bob"))
	if err := c.RunEnrollment(context.Background()); err != nil {
		t.Fatalf("RunEnrollment: %v", err)
	}

	if got := c.Resolve("Guest-1"); got != "Alice" {
		t.Errorf("Resolve(Guest-1) = %q; the first window's mapping must stick", got)
	}
	done := col.complete(t)
	if len(done.UnmappedProfiles) != 1 || done.UnmappedProfiles[0] != "Bob" {
		t.Errorf("unmapped = %v; want [Bob]", done.UnmappedProfiles)
	}
	if got := c.UnmappedQueueLen(); got != 1 {
		t.Errorf("queue len = %d; want 1", got)
	}
}

func TestRunEnrollment_EngineError_StillCompletes(t *testing.T) {
	t.Parallel()
	enroller := &fakeEnroller{err: errors.New("stream gone")}
	c, col := newCoordinator(enroller)

	c.RegisterProfile(prof("p1", "Alice"))
	err := c.RunEnrollment(context.Background())
	if err == nil {
		t.Fatal("RunEnrollment error = nil; want engine error")
	}

	// The summary event still fires so the client is never left waiting.
	col.complete(t)
}

// ── Post-enrollment auto-mapping ──────────────────────────────────────────────

func TestOnSpeakerDetected_PopsQueueInFIFOOrder(t *testing.T) {
	t.Parallel()
	enroller := &fakeEnroller{}
	c, col := newCoordinator(enroller)

	c.RegisterProfile(prof("p1", "Alice"))
	c.RegisterProfile(prof("p2", "Bob"))
	if err := c.RunEnrollment(context.Background()); err != nil {
		t.Fatalf("RunEnrollment: %v", err)
	}

	c.OnSpeakerDetected("Guest-7")
	c.OnSpeakerDetected("Guest-9")

	if c.Resolve("Guest-7") != "Alice" {
		t.Errorf("Resolve(Guest-7) = %q; want Alice (queue head)", c.Resolve("Guest-7"))
	}
	if c.Resolve("Guest-9") != "Bob" {
		t.Errorf("Resolve(Guest-9) = %q; want Bob", c.Resolve("Guest-9"))
	}
	for _, m := range col.mapped() {
		if !m.Auto || m.Mapping.Source != speaker.SourceAuto {
			t.Errorf("mapping %+v; want auto source", m)
		}
	}
	if got := c.UnmappedQueueLen(); got != 0 {
		t.Errorf("queue len = %d; want 0", got)
	}
}

func TestOnSpeakerDetected_Idempotent(t *testing.T) {
	t.Parallel()
	enroller := &fakeEnroller{}
	c, col := newCoordinator(enroller)

	c.RegisterProfile(prof("p1", "Alice"))
	if err := c.RunEnrollment(context.Background()); err != nil {
		t.Fatalf("RunEnrollment: %v", err)
	}

	c.OnSpeakerDetected("Guest-1")
	c.OnSpeakerDetected("Guest-1")
	c.OnSpeakerDetected("Guest-1")

	if got := len(col.mapped()); got != 1 {
		t.Errorf("mapped events = %d; want 1 (repeat detections are no-ops)", got)
	}
}

func TestOnSpeakerDetected_EmptyQueue_SurfacesRawID(t *testing.T) {
	t.Parallel()
	enroller := &fakeEnroller{}
	c, col := newCoordinator(enroller)

	c.OnSpeakerDetected("Guest-4")

	if got := len(col.mapped()); got != 0 {
		t.Fatalf("mapped events = %d; want 0", got)
	}
	if got := c.Resolve("Guest-4"); got != "Guest-4" {
		t.Errorf("Resolve(Guest-4) = %q; want raw id", got)
	}
	m, ok := c.Lookup("Guest-4")
	if !ok {
		t.Fatal("Lookup(Guest-4) not found; want bare mapping recorded")
	}
	if m.Registered() {
		t.Errorf("mapping %+v; want unregistered", m)
	}
}

func TestOnSpeakerDetected_FiltersSentinelAndEmpty(t *testing.T) {
	t.Parallel()
	enroller := &fakeEnroller{}
	c, col := newCoordinator(enroller)
	c.RegisterProfile(prof("p1", "Alice"))
	if err := c.RunEnrollment(context.Background()); err != nil {
		t.Fatalf("RunEnrollment: %v", err)
	}

	c.OnSpeakerDetected("Unknown")
	c.OnSpeakerDetected("")

	if got := len(col.mapped()); got != 0 {
		t.Errorf("mapped events = %d; want 0", got)
	}
	if got := c.UnmappedQueueLen(); got != 1 {
		t.Errorf("queue len = %d; want 1 (sentinel must not pop the queue)", got)
	}
}

func TestOnTranscription_OutsideEnrollment_NoOp(t *testing.T) {
	t.Parallel()
	enroller := &fakeEnroller{}
	c, col := newCoordinator(enroller)
	c.RegisterProfile(prof("p1", "Alice"))
	if err := c.RunEnrollment(context.Background()); err != nil {
		t.Fatalf("RunEnrollment: %v", err)
	}

	c.OnTranscription("Guest-2")

	if got := len(col.mapped()); got != 0 {
		t.Errorf("mapped events = %d; transcription must not auto-map", got)
	}
	if got := c.UnmappedQueueLen(); got != 1 {
		t.Errorf("queue len = %d; want 1", got)
	}
}

// ── Manual mapping ────────────────────────────────────────────────────────────

func TestMapSpeaker_OverridesExisting(t *testing.T) {
	t.Parallel()
	enroller := &fakeEnroller{}
	c, col := newCoordinator(enroller)
	enroller.onProfile = func(string) { c.OnSpeakerDetected("Guest-1") }
	c.RegisterProfile(prof("p1", "Alice"))
	if err := c.RunEnrollment(context.Background()); err != nil {
		t.Fatalf("RunEnrollment: %v", err)
	}

	m := c.MapSpeaker("Guest-1", "p9", "Zed")

	if m.Source != speaker.SourceManual {
		t.Errorf("source = %v; want manual", m.Source)
	}
	if got := c.Resolve("Guest-1"); got != "Zed" {
		t.Errorf("Resolve(Guest-1) = %q; want Zed", got)
	}
	if got := len(col.mapped()); got != 2 {
		t.Errorf("mapped events = %d; want 2", got)
	}
}
