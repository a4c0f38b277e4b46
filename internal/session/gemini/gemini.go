// Package gemini is a realtime voice model client for the Gemini Live API.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/dialout/internal/session"
)

// DefaultEndpoint is the Live API websocket endpoint.
const DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

var (
	ErrNoAPIKey = errors.New("gemini: API key not set")
	ErrClosed   = errors.New("gemini: connection closed")
)

// Config configures the Gemini client.
type Config struct {
	APIKey   string
	Endpoint string
	Logger   *slog.Logger
}

// Model implements session.RealtimeModel.
type Model struct {
	apiKey   string
	endpoint string
	dialer   websocket.Dialer
	log      *slog.Logger
}

// New creates a Gemini Live model client.
func New(cfg Config) *Model {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Model{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		dialer:   websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:      log,
	}
}

// Connect opens a Live session and waits for setupComplete.
func (m *Model) Connect(ctx context.Context, cfg session.ModelConfig) (session.RealtimeConn, error) {
	if m.apiKey == "" {
		return nil, ErrNoAPIKey
	}

	u, err := url.Parse(m.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("key", m.apiKey)
	u.RawQuery = q.Encode()

	ws, resp, err := m.dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	// unblock the handshake read if ctx ends first
	stop := context.AfterFunc(ctx, func() { ws.Close() })

	err = ws.WriteJSON(clientMessage{Setup: buildSetup(cfg)})
	if err == nil {
		err = awaitSetupComplete(ws)
	}
	if !stop() {
		ws.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("gemini setup: %w", err)
	}

	m.log.Debug("[Gemini] Setup complete", "model", cfg.Model, "voice", cfg.Voice)

	c := &Conn{
		ws:        ws,
		inputMime: fmt.Sprintf("audio/pcm;rate=%d", cfg.InputSampleRate),
		events:    make(chan session.ModelEvent, 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		log:       m.log,
	}
	go c.readLoop()
	return c, nil
}

func buildSetup(cfg session.ModelConfig) *setup {
	model := cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	s := &setup{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if cfg.Voice != "" {
		s.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}
	if strings.TrimSpace(cfg.Instructions) != "" {
		s.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}

	s.RealtimeInputConfig = &realtimeInputConfig{
		AutomaticActivityDetection: activityDetection{
			EndOfSpeechSensitivity: endOfSpeechSensitivity(cfg.PreemptiveGeneration),
			SilenceDurationMs:      cfg.MinEndpointingDelay.Milliseconds(),
		},
	}
	return s
}

// endOfSpeechSensitivity is how the Live API expresses preemptive
// generation: it has no such switch, but a high end-of-speech sensitivity
// closes the callee's turn sooner so the reply starts earlier.
func endOfSpeechSensitivity(preemptive bool) string {
	if preemptive {
		return "END_SENSITIVITY_HIGH"
	}
	return "END_SENSITIVITY_LOW"
}

func awaitSetupComplete(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("%s: %s", msg.Error.Status, msg.Error.Message)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// Conn is an open Live session. It implements session.RealtimeConn.
type Conn struct {
	ws        *websocket.Conn
	inputMime string
	events    chan session.ModelEvent
	quit      chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	writeMu   sync.Mutex
	log       *slog.Logger
}

// SendAudio streams PCM16 audio to the model.
func (c *Conn) SendAudio(pcm []byte) error {
	return c.write(clientMessage{RealtimeInput: &realtimeInput{
		Audio: &inlineData{
			MimeType: c.inputMime,
			Data:     base64.StdEncoding.EncodeToString(pcm),
		},
	}})
}

// EndAudioStream sends audioStreamEnd.
func (c *Conn) EndAudioStream() error {
	return c.write(clientMessage{RealtimeInput: &realtimeInput{AudioStreamEnd: true}})
}

func (c *Conn) write(msg clientMessage) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

// Events returns model output. Closed when the connection ends.
func (c *Conn) Events() <-chan session.ModelEvent { return c.events }

// Close ends the session.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.quit)

	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Conn) readLoop() {
	defer func() {
		close(c.events)
		close(c.done)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(session.ModelEvent{Type: session.EventError, Err: err})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("[Gemini] Unparseable message", "error", err)
			continue
		}

		switch {
		case msg.Error != nil:
			c.emit(session.ModelEvent{Type: session.EventError, Err: fmt.Errorf("%s: %s", msg.Error.Status, msg.Error.Message)})
			return
		case msg.GoAway != nil:
			c.log.Info("[Gemini] Server going away", "time_left", msg.GoAway.TimeLeft)
		case msg.ServerContent != nil:
			c.handleContent(msg.ServerContent)
		}
	}
}

func (c *Conn) handleContent(sc *serverContent) {
	if sc.Interrupted {
		c.emit(session.ModelEvent{Type: session.EventInterrupted})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MimeType, "audio/pcm") {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				c.log.Debug("[Gemini] Bad audio payload", "error", err)
				continue
			}
			c.emit(session.ModelEvent{Type: session.EventAudio, Audio: audio})
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		c.emit(session.ModelEvent{Type: session.EventInputTranscript, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		c.emit(session.ModelEvent{Type: session.EventOutputTranscript, Text: sc.OutputTranscription.Text})
	}
	if sc.TurnComplete {
		c.emit(session.ModelEvent{Type: session.EventTurnComplete})
	}
}

// emit blocks until the event is consumed or the connection is closed;
// audio is never dropped while the session is live.
func (c *Conn) emit(ev session.ModelEvent) {
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}
