// Package azurespeech implements the recognizer.Engine interface on top of
// the Azure Speech conversation-transcription WebSocket API.
package azurespeech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/recognizer"
	"github.com/coder/websocket"
)

const (
	endpointFormat    = "wss://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000

	// audioQueueSize bounds the outbound audio queue. At 16 kHz PCM16 with
	// 100 ms chunks this is ~25 s of audio headroom.
	audioQueueSize = 256

	// eventQueueSize bounds the inbound event queue consumed by the session
	// event loop.
	eventQueueSize = 64
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithLanguage sets the BCP-47 recognition language (e.g. "en-US", "de-DE").
func WithLanguage(language string) Option {
	return func(c *Client) {
		c.language = language
	}
}

// WithSampleRate sets the PCM sample rate in Hz of the audio pushed to the
// engine. The caller is responsible for delivering audio at this rate.
func WithSampleRate(rate int) Option {
	return func(c *Client) {
		c.sampleRate = rate
	}
}

// WithEndpoint overrides the default regional endpoint URL. Useful for
// sovereign clouds and tests.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

// Client is a recognizer.Engine backed by the Azure Speech streaming API
// with diarization enabled. One Client serves one recognition session at a
// time; create one Client per voxgate session.
type Client struct {
	key        string
	endpoint   string
	language   string
	sampleRate int

	mu      sync.Mutex
	conn    *websocket.Conn
	audio   chan []byte
	events  chan recognizer.Event
	done    chan struct{}
	readWg  sync.WaitGroup
	writeWg sync.WaitGroup
	stopped bool
}

// Compile-time interface check.
var _ recognizer.Engine = (*Client)(nil)

// New creates a Client for the given region and subscription key. The region
// may be empty when [WithEndpoint] overrides the endpoint entirely.
func New(region, key string, opts ...Option) (*Client, error) {
	if key == "" {
		return nil, errors.New("azurespeech: subscription key must not be empty")
	}
	c := &Client{
		key:        key,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	if region != "" {
		c.endpoint = fmt.Sprintf(endpointFormat, region)
	}
	for _, o := range opts {
		o(c)
	}
	if c.endpoint == "" {
		return nil, errors.New("azurespeech: region or endpoint must be set")
	}
	return c, nil
}

// StartTranscription dials the streaming endpoint and starts the read and
// write loops. Events begin flowing on [Client.Events] once this returns.
func (c *Client) StartTranscription(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return errors.New("azurespeech: transcription already started")
	}

	wsURL, err := c.buildURL()
	if err != nil {
		return fmt.Errorf("azurespeech: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Ocp-Apim-Subscription-Key", c.key)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("azurespeech: dial: %w", err)
	}

	c.conn = conn
	c.audio = make(chan []byte, audioQueueSize)
	c.events = make(chan recognizer.Event, eventQueueSize)
	c.done = make(chan struct{})
	c.stopped = false

	c.readWg.Add(1)
	go c.readLoop()
	c.writeWg.Add(1)
	go c.writeLoop()

	return nil
}

// buildURL constructs the streaming endpoint URL with diarization enabled.
func (c *Client) buildURL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("language", c.language)
	q.Set("format", "detailed")
	q.Set("diarizationEnabled", "true")
	q.Set("sampleRate", strconv.Itoa(c.sampleRate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// StopTranscription ends the recognition session. Only the first call tears
// down the remote session; subsequent calls return nil.
func (c *Client) StopTranscription(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.conn == nil {
		return nil
	}
	c.stopped = true

	close(c.done)
	// Let the write loop flush queued audio, then ask the service to end the
	// session. Closing the connection unblocks the read loop.
	c.writeWg.Wait()
	_ = c.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"transcription.stop"}`))
	_ = c.conn.Close(websocket.StatusNormalClosure, "session closed")
	c.readWg.Wait()
	c.conn = nil
	return nil
}

// PushAudio queues a chunk of audio for delivery. Returns an error if the
// session is closed or the queue is full (sustained producer overrun).
func (c *Client) PushAudio(chunk []byte) error {
	c.mu.Lock()
	audio, done := c.audio, c.done
	c.mu.Unlock()

	if audio == nil {
		return errors.New("azurespeech: transcription not started")
	}
	select {
	case <-done:
		return errors.New("azurespeech: session is closed")
	case audio <- chunk:
		return nil
	default:
		return errors.New("azurespeech: audio queue full")
	}
}

// EnrollVoiceProfile announces a profile enrollment and streams its audio
// into the live session. The engine attributes the audio to a speaker id
// and reports it through the ordinary event stream.
func (c *Client) EnrollVoiceProfile(ctx context.Context, profileID string, audio []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errors.New("azurespeech: transcription not started")
	}

	marker, err := json.Marshal(map[string]string{
		"type":      "profile.enroll",
		"profileId": profileID,
	})
	if err != nil {
		return fmt.Errorf("azurespeech: marshal enroll marker: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, marker); err != nil {
		return fmt.Errorf("azurespeech: send enroll marker: %w", err)
	}

	// Enrollment audio goes through the same queue as live audio so ordering
	// relative to preceding live chunks is preserved.
	const chunkSize = 32 * 1024
	for off := 0; off < len(audio); off += chunkSize {
		end := min(off+chunkSize, len(audio))
		if err := c.PushAudio(audio[off:end]); err != nil {
			return fmt.Errorf("azurespeech: enroll audio: %w", err)
		}
	}
	return nil
}

// Events returns the engine's event stream. Nil before StartTranscription.
func (c *Client) Events() <-chan recognizer.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// writeLoop drains the audio queue and sends binary frames to the service.
func (c *Client) writeLoop() {
	defer c.writeWg.Done()
	for {
		select {
		case chunk := <-c.audio:
			if err := c.conn.Write(context.Background(), websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-c.done:
			// Flush whatever is still queued.
			for {
				select {
				case chunk := <-c.audio:
					_ = c.conn.Write(context.Background(), websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from the service and dispatches them as
// recognizer events. Closes the events channel on exit.
func (c *Client) readLoop() {
	defer c.readWg.Done()
	defer close(c.events)

	for {
		_, msg, err := c.conn.Read(context.Background())
		if err != nil {
			// Normal close or teardown.
			return
		}

		ev, ok := parseServiceMessage(msg)
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// serviceMessage is the JSON envelope the streaming API sends.
type serviceMessage struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	SpeakerID  string  `json:"speakerId"`
	OffsetMs   int64   `json:"offsetMs"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// parseServiceMessage converts a raw service message into a recognizer
// event. Returns (nil, false) for message types voxgate does not consume
// (turn markers, keep-alives).
func parseServiceMessage(data []byte) (recognizer.Event, bool) {
	var msg serviceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false
	}

	switch msg.Type {
	case "speech.hypothesis":
		return recognizer.Transcribing{Result: recognizer.Result{
			Text:      msg.Text,
			SpeakerID: msg.SpeakerID,
			Offset:    time.Duration(msg.OffsetMs) * time.Millisecond,
		}}, true
	case "speech.phrase":
		return recognizer.Transcribed{Result: recognizer.Result{
			Text:       msg.Text,
			SpeakerID:  msg.SpeakerID,
			Offset:     time.Duration(msg.OffsetMs) * time.Millisecond,
			Confidence: msg.Confidence,
		}}, true
	case "speaker.detected":
		return recognizer.SpeakerDetected{SpeakerID: msg.SpeakerID}, true
	case "recognition.canceled":
		return recognizer.Canceled{Reason: msg.Reason}, true
	default:
		return nil, false
	}
}
