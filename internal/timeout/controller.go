// Package timeout implements the per-session cost guard: two independent
// countdown timers (total session budget and silence cutoff) with
// warn-then-expire semantics.
//
// The controller owns a 1-second tick loop. Each tick it checks the session
// deadline first, then the silence deadline, so a session expiry always wins
// over a silence expiry landing on the same tick. Either timer can be
// disabled independently.
package timeout

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind identifies which timer a warning refers to.
type Kind string

const (
	KindSession Kind = "session"
	KindSilence Kind = "silence"
)

// Reason identifies which timer terminated the session.
type Reason string

const (
	ReasonSession Reason = "session_timeout"
	ReasonSilence Reason = "silence_timeout"
)

// Event is a notification from the controller. Consumers dispatch with a
// type switch.
type Event interface {
	isEvent()
}

// Warning fires once per timer when its deadline enters the warning window.
// Extending the session (or new speech, for the silence timer) re-arms it.
type Warning struct {
	Kind      Kind
	Remaining time.Duration
}

// Expired fires when a deadline passes. The tick loop stops; at most one
// Expired event is emitted per Start.
type Expired struct {
	Reason Reason
}

// Tick fires every second while both timers are short of their deadlines.
// Remaining values are in whole seconds, clamped to zero; nil means the
// corresponding timer is disabled.
type Tick struct {
	SessionRemaining *int
	SilenceRemaining *int
}

func (Warning) isEvent() {}
func (Expired) isEvent() {}
func (Tick) isEvent()    {}

// State is a point-in-time snapshot of the controller, readable at any time
// including after Stop.
type State struct {
	// SessionRemaining and SilenceRemaining are whole seconds until the
	// respective deadline, clamped to zero. Nil when the timer is disabled.
	SessionRemaining *int
	SilenceRemaining *int

	// SessionWarned and SilenceWarned report whether the one-shot warning
	// for each timer has fired since it was last (re-)armed.
	SessionWarned bool
	SilenceWarned bool

	// LastSpeechAt is when the silence timer was last reset.
	LastSpeechAt time.Time
}

// Config holds the timer durations for one session.
type Config struct {
	// SessionTimeout is the total session budget. 0 = unlimited.
	SessionTimeout time.Duration

	// SilenceTimeout cuts the session after this long without speech.
	// 0 = disabled.
	SilenceTimeout time.Duration

	// WarningWindow is how long before a deadline its warning fires.
	WarningWindow time.Duration
}

// Option configures a [Controller].
type Option func(*Controller)

// WithNowFunc injects the time source. Intended for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithTickInterval overrides the 1-second tick interval. Intended for tests.
func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) {
		c.tickInterval = d
	}
}

// Controller runs the two countdown timers for one session.
// All exported methods are safe for concurrent use.
type Controller struct {
	cfg          Config
	emit         func(Event)
	now          func() time.Time
	tickInterval time.Duration

	mu              sync.Mutex
	sessionDeadline time.Time // zero = unlimited
	silenceDeadline time.Time // zero = disabled
	sessionWarned   bool
	silenceWarned   bool
	lastSpeech      time.Time
	running         bool
	done            chan struct{}
}

// NewController creates a Controller. emit receives warning, expiry, and
// tick events; it is called from the tick goroutine and must not block.
func NewController(cfg Config, emit func(Event), opts ...Option) *Controller {
	c := &Controller{
		cfg:          cfg,
		emit:         emit,
		now:          time.Now,
		tickInterval: time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start arms both deadlines from the current time, clears the warning flags,
// and begins the tick loop. Calling Start on a running controller is a no-op.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	now := c.now()
	c.sessionDeadline = deadlineFrom(now, c.cfg.SessionTimeout)
	c.silenceDeadline = deadlineFrom(now, c.cfg.SilenceTimeout)
	c.sessionWarned = false
	c.silenceWarned = false
	c.lastSpeech = now
	c.running = true
	c.done = make(chan struct{})

	go c.loop(ctx, c.done)

	slog.Debug("timeout controller started",
		"session_timeout", c.cfg.SessionTimeout,
		"silence_timeout", c.cfg.SilenceTimeout,
		"warning_window", c.cfg.WarningWindow,
	)
}

// Stop halts the tick loop. Idempotent; safe to call on a controller that
// already expired or was never started.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	if !c.running {
		return
	}
	c.running = false
	close(c.done)
}

// Extend resets the session deadline to a full session budget from now and
// re-arms its warning. Returns false without side effects when the session
// timer is unlimited.
func (c *Controller) Extend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionDeadline.IsZero() {
		return false
	}
	c.sessionDeadline = c.now().Add(c.cfg.SessionTimeout)
	c.sessionWarned = false
	return true
}

// ResetSilence pushes the silence deadline a full silence budget from now
// and re-arms its warning. No-op when the silence timer is disabled.
func (c *Controller) ResetSilence() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.lastSpeech = now
	if c.silenceDeadline.IsZero() {
		return
	}
	c.silenceDeadline = now.Add(c.cfg.SilenceTimeout)
	c.silenceWarned = false
}

// Status returns a snapshot of both timers. Safe at any time, including
// while stopped.
func (c *Controller) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	return State{
		SessionRemaining: remainingSeconds(now, c.sessionDeadline),
		SilenceRemaining: remainingSeconds(now, c.silenceDeadline),
		SessionWarned:    c.sessionWarned,
		SilenceWarned:    c.silenceWarned,
		LastSpeechAt:     c.lastSpeech,
	}
}

// loop drives the periodic checks until the controller stops, a deadline
// expires, or ctx is cancelled.
func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if !c.tick() {
				return
			}
		}
	}
}

// tick performs one round of deadline checks. Returns false when a deadline
// expired and the loop must stop. The session deadline is always evaluated
// before the silence deadline.
func (c *Controller) tick() bool {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return false
	}
	now := c.now()

	var events []Event

	if !c.sessionDeadline.IsZero() {
		left := c.sessionDeadline.Sub(now)
		if !c.sessionWarned && left > 0 && left <= c.cfg.WarningWindow {
			c.sessionWarned = true
			events = append(events, Warning{Kind: KindSession, Remaining: left})
		}
		if left <= 0 {
			c.stopLocked()
			c.mu.Unlock()
			for _, ev := range events {
				c.emit(ev)
			}
			c.emit(Expired{Reason: ReasonSession})
			return false
		}
	}

	if !c.silenceDeadline.IsZero() {
		left := c.silenceDeadline.Sub(now)
		if !c.silenceWarned && left > 0 && left <= c.cfg.WarningWindow {
			c.silenceWarned = true
			events = append(events, Warning{Kind: KindSilence, Remaining: left})
		}
		if left <= 0 {
			c.stopLocked()
			c.mu.Unlock()
			for _, ev := range events {
				c.emit(ev)
			}
			c.emit(Expired{Reason: ReasonSilence})
			return false
		}
	}

	tick := Tick{
		SessionRemaining: remainingSeconds(now, c.sessionDeadline),
		SilenceRemaining: remainingSeconds(now, c.silenceDeadline),
	}
	c.mu.Unlock()

	for _, ev := range events {
		c.emit(ev)
	}
	c.emit(tick)
	return true
}

// deadlineFrom computes now+d, or the zero time when d is 0 (disabled).
func deadlineFrom(now time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return now.Add(d)
}

// remainingSeconds converts a deadline into whole seconds from now, rounded
// and clamped to zero. Returns nil for a disabled deadline.
func remainingSeconds(now, deadline time.Time) *int {
	if deadline.IsZero() {
		return nil
	}
	secs := int(deadline.Sub(now).Round(time.Second) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return &secs
}
