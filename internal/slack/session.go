package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second

	// eventBuffer bounds how far downstream processing may lag before
	// events are dropped. The receive loop never blocks on consumers.
	eventBuffer = 64
)

// SessionConfig configures the socket-mode session.
type SessionConfig struct {
	AppToken string
	APIBase  string // Web API base, used for apps.connections.open

	// WSURL short-circuits the handshake and dials directly (tests).
	WSURL string

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Session owns the single persistent socket-mode connection. Run blocks
// its caller until the context is canceled, reconnecting with backoff on
// disconnect. Inbound events are delivered on Events; events arriving
// while disconnected are lost at the platform level (at-most-once).
type Session struct {
	cfg    SessionConfig
	logger *zap.Logger
	http   *http.Client
	dialer *websocket.Dialer

	events chan InboundEvent
}

// NewSession creates a session. Call Run to connect.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Session{
		cfg:    cfg,
		logger: logger,
		http:   client,
		dialer: websocket.DefaultDialer,
		events: make(chan InboundEvent, eventBuffer),
	}
}

// Events returns the inbound event stream. Closed when Run exits.
func (s *Session) Events() <-chan InboundEvent {
	return s.events
}

// Run connects and pumps events until ctx is canceled. Each disconnect
// triggers a reconnect with exponential backoff (1s ceiling 30s) plus
// jitter. Returns ctx.Err on cancellation.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.events)

	backoff := backoffBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connected, err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// A session that reached hello starts the next backoff run
			// fresh; only consecutive failed attempts ratchet the delay.
			backoff = backoffBase
		}
		if err != nil {
			s.logger.Warn("socket disconnected",
				zap.Error(err),
				zap.Duration("backoff", backoff))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay(backoff)):
		}
		backoff = nextBackoff(backoff)
	}
}

// reconnectDelay jitters the sleep across [backoff/2, backoff] to keep
// reconnect storms apart.
func reconnectDelay(backoff time.Duration) time.Duration {
	return backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
}

// nextBackoff doubles the delay up to the ceiling.
func nextBackoff(backoff time.Duration) time.Duration {
	backoff *= 2
	if backoff > backoffCap {
		backoff = backoffCap
	}
	return backoff
}

// connectOnce establishes one websocket connection and pumps envelopes
// until it drops. connected reports whether the platform's hello was
// seen; a nil error means the platform asked for a clean reconnect
// (disconnect envelope).
func (s *Session) connectOnce(ctx context.Context) (connected bool, err error) {
	wsURL := s.cfg.WSURL
	if wsURL == "" {
		wsURL, err = s.openConnection(ctx)
		if err != nil {
			return false, err
		}
	}

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("socket dial failed: %w", err)
	}

	// Unblock ReadMessage on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return connected, fmt.Errorf("socket read failed: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("unparseable envelope", zap.Error(err))
			continue
		}

		switch env.Type {
		case "hello":
			connected = true
			s.logger.Info("socket connected")
		case "disconnect":
			s.logger.Info("platform requested reconnect", zap.String("reason", env.Reason))
			return connected, nil
		case "events_api":
			// Ack first: the platform redelivers unacked envelopes and
			// dedup happens upstream anyway.
			if env.EnvelopeID != "" {
				if err := conn.WriteJSON(ack{EnvelopeID: env.EnvelopeID}); err != nil {
					return connected, fmt.Errorf("socket ack failed: %w", err)
				}
			}
			s.forward(env)
		default:
			if env.EnvelopeID != "" {
				_ = conn.WriteJSON(ack{EnvelopeID: env.EnvelopeID})
			}
		}
	}
}

// forward hands the event to the consumer without ever blocking the
// receive loop. A full buffer drops the event.
func (s *Session) forward(env envelope) {
	ev := InboundEvent{
		ID:          env.Payload.EventID,
		Kind:        env.Payload.Event.Type,
		Channel:     env.Payload.Event.Channel,
		ChannelType: env.Payload.Event.ChannelType,
		User:        env.Payload.Event.User,
		Text:        env.Payload.Event.Text,
		TS:          env.Payload.Event.TS,
		ThreadTS:    env.Payload.Event.ThreadTS,
		BotID:       env.Payload.Event.BotID,
		Subtype:     env.Payload.Event.Subtype,
	}
	if ev.ID == "" {
		// Envelope id is the only identity some frames carry.
		ev.ID = env.EnvelopeID
	}

	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event buffer full, dropping event",
			zap.String("event_id", ev.ID),
			zap.String("channel", ev.Channel))
	}
}

// openConnection asks the platform for a fresh websocket URL.
func (s *Session) openConnection(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.APIBase+"/apps.connections.open", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.AppToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("connections.open failed: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		OK    bool   `json:"ok"`
		URL   string `json:"url"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("connections.open decode failed: %w", err)
	}
	if !body.OK {
		return "", fmt.Errorf("connections.open rejected: %s", body.Error)
	}
	if body.URL == "" {
		return "", errors.New("connections.open returned no url")
	}
	return body.URL, nil
}
