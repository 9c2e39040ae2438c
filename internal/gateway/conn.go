package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	cberrors "github.com/markc/clawbridge/internal/errors"
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateChallenged
	StateHandshaking
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateChallenged:
		return "challenged"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// frameHandler receives dispatch callbacks from the connection manager's
// read loop.
type frameHandler interface {
	handleFrame(f Frame)
	connectionDown(err error)
}

// connManager owns the transport lifecycle for the interactive client:
// dialing, the challenge/connect handshake, the read loop, and the
// auto-reconnect loop. An unexpected close schedules a reconnect after a
// fixed delay; a close that follows explicit teardown does not.
type connManager struct {
	cfg     Config
	logger  zerolog.Logger
	handler frameHandler
	dialer  websocket.Dialer

	mu      sync.Mutex
	conn    *frameConn
	state   ConnState
	lastErr string

	closed        atomic.Bool
	reconnecting  atomic.Bool
	stopReconnect chan struct{}
	closeOnce     sync.Once
}

func newConnManager(cfg Config, handler frameHandler, logger zerolog.Logger) *connManager {
	return &connManager{
		cfg:           cfg,
		logger:        logger,
		handler:       handler,
		dialer:        websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		state:         StateIdle,
		stopReconnect: make(chan struct{}),
	}
}

// connect dials the gateway and completes the challenge/connect sequence.
// On success the read loop starts and the error observable is cleared. On
// failure the error observable is set; the handshake itself is never
// retried here.
func (m *connManager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.closed.Load() {
		m.mu.Unlock()
		return cberrors.ErrClosed
	}
	m.state = StateConnecting
	m.mu.Unlock()

	m.logger.Info().Str("url", m.cfg.URL).Msg("connecting to gateway")

	ws, _, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		herr := &cberrors.HandshakeError{Stage: "dial", Err: err}
		m.setError(herr)
		return herr
	}

	fc := newFrameConn(ws)
	if err := performHandshake(fc, m.cfg, m.setState); err != nil {
		fc.Close()
		m.setError(err)
		return err
	}

	m.mu.Lock()
	m.conn = fc
	m.state = StateConnected
	m.lastErr = ""
	m.mu.Unlock()

	go m.readLoop(fc)

	m.logger.Info().Str("sessionKey", m.cfg.SessionKey).Msg("connected to gateway")
	return nil
}

func (m *connManager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *connManager) setError(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}

// connected reports whether the handshake has completed on a live transport.
func (m *connManager) connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// lastError returns the most recent connection error, empty when healthy.
func (m *connManager) lastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// current returns the live connection, or nil.
func (m *connManager) current() *frameConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil
	}
	return m.conn
}

func (m *connManager) readLoop(fc *frameConn) {
	for {
		f, err := fc.ReadFrame()
		if err != nil {
			m.connectionLost(fc, err)
			return
		}
		m.handler.handleFrame(f)
	}
}

// connectionLost handles an unexpected transport close: mark Closed, notify
// the handler so pending requests get rejected, and schedule a reconnect
// unless teardown was deliberate.
func (m *connManager) connectionLost(fc *frameConn, err error) {
	m.mu.Lock()
	if m.conn != fc {
		// A newer connection already replaced this one.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateClosed
	m.lastErr = err.Error()
	m.mu.Unlock()

	m.handler.connectionDown(err)

	if m.closed.Load() {
		return
	}
	m.logger.Warn().Err(err).Msg("gateway connection lost")
	m.scheduleReconnect()
}

// scheduleReconnect loops connect attempts with a fixed delay. The CAS
// guards against a second loop starting while one is pending, e.g. a stale
// read loop dying during a reconnect already in flight.
func (m *connManager) scheduleReconnect() {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.reconnecting.Store(false)
		for {
			select {
			case <-m.stopReconnect:
				return
			case <-time.After(m.cfg.ReconnectDelay):
			}
			if m.closed.Load() {
				return
			}
			if err := m.connect(context.Background()); err == nil {
				return
			}
			m.logger.Warn().Str("error", m.lastError()).Msg("reconnect attempt failed")
		}
	}()
}

// close tears the connection down for good. No reconnect follows.
func (m *connManager) close() error {
	m.closed.Store(true)
	m.closeOnce.Do(func() { close(m.stopReconnect) })

	m.mu.Lock()
	fc := m.conn
	m.conn = nil
	m.state = StateClosed
	m.mu.Unlock()

	if fc != nil {
		return fc.Close()
	}
	return nil
}

// performHandshake runs the challenge/connect sequence on a fresh
// connection: wait for the inbound connect.challenge event, then issue the
// connect request and wait for its response, skipping unrelated events. The
// read deadline bounds the whole sequence; the base protocol has no
// handshake timeout of its own.
func performHandshake(fc *frameConn, cfg Config, observe func(ConnState)) error {
	if observe == nil {
		observe = func(ConnState) {}
	}

	deadline := time.Now().Add(cfg.HandshakeTimeout)
	_ = fc.SetReadDeadline(deadline)
	defer fc.SetReadDeadline(time.Time{})

	for {
		f, err := fc.ReadFrame()
		if err != nil {
			return &cberrors.HandshakeError{Stage: "challenge", Err: err}
		}
		if f.Type == "event" && f.Event == "connect.challenge" {
			break
		}
	}
	observe(StateChallenged)

	params := connectParams{
		MinProtocol: minProtocol,
		MaxProtocol: maxProtocol,
		Client: connectClient{
			ID:          cfg.ClientID,
			DisplayName: cfg.DisplayName,
			Version:     cfg.Version,
			Platform:    cfg.Platform,
			Mode:        cfg.Mode,
		},
		Role:      cfg.Role,
		Scopes:    cfg.Scopes,
		Caps:      []string{},
		UserAgent: cfg.UserAgent,
		Locale:    cfg.Locale,
	}
	if cfg.Token != "" {
		params.Auth = &connectAuth{Token: cfg.Token}
	}

	reqID := uuid.New().String()
	if err := writeRequest(fc, reqID, "connect", params); err != nil {
		return &cberrors.HandshakeError{Stage: "connect", Err: err}
	}
	observe(StateHandshaking)

	for {
		f, err := fc.ReadFrame()
		if err != nil {
			return &cberrors.HandshakeError{Stage: "connect", Err: err}
		}
		if f.Type == "event" {
			// The gateway may broadcast before answering; ignore.
			continue
		}
		if f.Type != "res" || f.ID != reqID {
			continue
		}
		if f.OK != nil && *f.OK {
			return nil
		}
		msg := "connect rejected"
		if f.Error != nil {
			msg = f.Error.Message
		}
		return &cberrors.HandshakeError{Stage: "connect", Err: fmt.Errorf("%s", msg)}
	}
}

// writeRequest marshals params and sends a req frame.
func writeRequest(fc *frameConn, id, method string, params any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling %s params: %w", method, err)
	}
	return fc.WriteFrame(Frame{Type: "req", ID: id, Method: method, Params: paramsJSON})
}
