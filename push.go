package medsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// pushMessage is the JSON format of the backend hint stream.
type pushMessage struct {
	Type      string    `json:"type"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

const pushTypeRemindersUpdated = "reminders_updated"

// PushListener keeps a websocket open to the backend hint stream. A hint
// only says "something changed"; the actual data still flows through the
// normal pull path, so a lost hint costs nothing but freshness.
type PushListener struct {
	url          string
	tokens       TokenProvider
	deviceID     string
	onHint       func()
	logger       *slog.Logger
	reconnectMin time.Duration
	reconnectMax time.Duration

	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	hints     uint64
	running   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPushListener creates the hint stream client. onHint runs on every
// update hint; it must not block.
func NewPushListener(cfg PushConfig, baseURL string, tokens TokenProvider, onHint func(), logger *slog.Logger) (*PushListener, error) {
	streamURL := cfg.URL
	if streamURL == "" {
		derived, err := deriveStreamURL(baseURL)
		if err != nil {
			return nil, err
		}
		streamURL = derived
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PushListener{
		url:          streamURL,
		tokens:       tokens,
		onHint:       onHint,
		logger:       logger,
		reconnectMin: cfg.ReconnectMin,
		reconnectMax: cfg.ReconnectMax,
		dialer:       &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// deriveStreamURL turns the API base URL into the websocket endpoint.
func deriveStreamURL(baseURL string) (string, error) {
	if baseURL == "" {
		return "", fmt.Errorf("push stream needs a URL or a base URL")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/reminders/stream"
	return u.String(), nil
}

// SetDeviceID sets the device id sent on the handshake.
func (p *PushListener) SetDeviceID(id string) {
	p.mu.Lock()
	p.deviceID = id
	p.mu.Unlock()
}

// Start begins connecting in the background.
func (p *PushListener) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()
}

func (p *PushListener) run() {
	defer p.wg.Done()

	attempt := 0
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		conn, err := p.dial()
		if err != nil {
			wait := computeBackoff(attempt+1, p.reconnectMin, p.reconnectMax, 2.0)
			attempt++
			p.logger.Debug("push stream dial failed", "err", err, "retry_in", wait)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		attempt = 0

		p.mu.Lock()
		p.conn = conn
		p.connected = true
		p.mu.Unlock()
		p.logger.Info("push stream connected", "url", p.url)

		p.readLoop(conn)

		p.mu.Lock()
		p.conn = nil
		p.connected = false
		p.mu.Unlock()
		_ = conn.Close()

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(computeBackoff(1, p.reconnectMin, p.reconnectMax, 2.0)):
		}
	}
}

func (p *PushListener) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if p.tokens != nil {
		token, err := p.tokens.Token()
		if err == nil && token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	p.mu.Lock()
	if p.deviceID != "" {
		header.Set("X-Device-ID", p.deviceID)
	}
	p.mu.Unlock()

	conn, resp, err := p.dialer.DialContext(p.ctx, p.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (p *PushListener) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if p.ctx.Err() == nil {
				p.logger.Debug("push stream closed", "err", err)
			}
			return
		}

		var msg pushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Warn("push stream bad message", "err", err)
			continue
		}
		if msg.Type == pushTypeRemindersUpdated {
			p.mu.Lock()
			p.hints++
			p.mu.Unlock()
			if p.onHint != nil {
				p.onHint()
			}
		}
	}
}

// Connected reports whether the stream is currently up.
func (p *PushListener) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Hints returns how many update hints arrived since start.
func (p *PushListener) Hints() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hints
}

// Stop closes the stream and waits for the background loop to exit.
func (p *PushListener) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	conn := p.conn
	p.mu.Unlock()

	p.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	p.wg.Wait()
}
