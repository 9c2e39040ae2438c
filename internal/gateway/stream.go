package gateway

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	cberrors "github.com/markc/clawbridge/internal/errors"
)

// Stream is the one-shot embodiment: a throwaway connection that submits a
// single message and yields the run's text incrementally, then dies. There is
// no reconnect; any transport failure ends the stream.
type Stream struct {
	cfg    Config
	logger zerolog.Logger
	conn   *frameConn
	rpc    *correlator

	mu    sync.Mutex
	sess  *sessionState
	prev  int // bytes of cumulative text already yielded
	runID string

	chunks   chan string
	done     chan struct{}
	endOnce  sync.Once
	endErr   error
	deadline *time.Timer
}

// OpenStream dials the gateway, completes the handshake, and submits one
// message. The returned Stream yields incremental text via Recv. The caller
// must Close it; every exit path tears the connection down.
func OpenStream(ctx context.Context, cfg Config, prompt string, logger zerolog.Logger) (*Stream, error) {
	cfg = cfg.withDefaults()
	log := logger.With().Str("component", "gateway-stream").Logger()

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, &cberrors.HandshakeError{Stage: "dial", Err: err}
	}
	fc := newFrameConn(ws)
	if err := performHandshake(fc, cfg, nil); err != nil {
		fc.Close()
		return nil, err
	}

	s := &Stream{
		cfg:    cfg,
		logger: log,
		conn:   fc,
		rpc:    newCorrelator(),
		sess:   newSessionState(cfg.SessionKey),
		chunks: make(chan string, 16),
		done:   make(chan struct{}),
	}
	go s.readLoop()

	idemKey := uuid.New().String()
	s.mu.Lock()
	s.sess.beginLocalRun(idemKey)
	s.mu.Unlock()

	payload, err := s.rpc.roundTrip(ctx, fc, "chat.send", chatSendParams{
		SessionKey:     cfg.SessionKey,
		Message:        prompt,
		Deliver:        false,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		s.finish(err)
		return nil, err
	}
	var ack chatSendResult
	if jsonErr := json.Unmarshal(payload, &ack); jsonErr == nil && ack.RunID != "" {
		s.mu.Lock()
		s.runID = ack.RunID
		s.sess.setRunID(ack.RunID)
		s.mu.Unlock()
	}

	// Wall-clock cap so an abandoned stream cannot pin the connection forever.
	s.deadline = time.AfterFunc(cfg.StreamTimeout, func() {
		s.finish(cberrors.ErrTimeout)
	})

	return s, nil
}

// Recv returns the next text chunk. It blocks until a chunk arrives or the
// run reaches a terminal state, then returns io.EOF (clean end) or the
// transport error that killed the stream. Chunks buffered before the end are
// drained before either is reported.
func (s *Stream) Recv() (string, error) {
	select {
	case chunk := <-s.chunks:
		return chunk, nil
	case <-s.done:
		select {
		case chunk := <-s.chunks:
			return chunk, nil
		default:
		}
		if s.endErr != nil {
			return "", s.endErr
		}
		return "", io.EOF
	}
}

// Abort asks the gateway to cancel the run. Best-effort; failures are
// swallowed. Intended for the consumer-disconnected path.
func (s *Stream) Abort(ctx context.Context) {
	s.mu.Lock()
	runID := s.runID
	s.mu.Unlock()
	if runID == "" {
		return
	}
	_, err := s.rpc.roundTrip(ctx, s.conn, "chat.abort", chatAbortParams{
		SessionKey: s.cfg.SessionKey,
		RunID:      runID,
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("runId", runID).Msg("stream abort failed (ignored)")
	}
}

// Close tears the stream down. Safe to call multiple times and after EOF.
func (s *Stream) Close() error {
	s.finish(nil)
	return nil
}

// finish ends the stream exactly once: stop the deadline timer, reject
// pending requests, close the transport, and wake Recv.
func (s *Stream) finish(err error) {
	s.endOnce.Do(func() {
		s.endErr = err
		if s.deadline != nil {
			s.deadline.Stop()
		}
		s.rpc.failAll("CLOSED", "stream closed")
		s.conn.Close()
		close(s.done)
	})
}

func (s *Stream) readLoop() {
	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
				// Deliberate teardown; the read error is just fallout.
			default:
				s.finish(err)
			}
			return
		}
		s.handleFrame(f)
	}
}

func (s *Stream) handleFrame(f Frame) {
	switch f.Type {
	case "res":
		s.rpc.dispatch(f)
	case "event":
		if f.Event != "chat" {
			return
		}
		var ev chatEventPayload
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			return
		}
		if ev.SessionKey != "" && ev.SessionKey != s.cfg.SessionKey {
			return
		}
		s.mu.Lock()
		acts := s.sess.onChatEvent(ev)
		s.mu.Unlock()
		s.apply(acts)
	}
}

func (s *Stream) apply(acts []action) {
	for _, a := range acts {
		switch a.kind {
		case actStream:
			if a.origin != OriginLocal {
				continue
			}
			s.emitCumulative(a.text)
		case actResolveLocal:
			s.emitCumulative(a.text)
			s.finish(nil)
		case actReconcileLocal:
			go s.reconcile()
		case actErrorLocal:
			s.emit("\n\n[error: " + a.errText + "]")
			s.finish(nil)
		case actAbortLocal:
			s.finish(nil)
		}
	}
}

// emitCumulative yields only the suffix of the cumulative text that has not
// been delivered yet. Deltas replace the whole buffer; consumers want the
// increment.
func (s *Stream) emitCumulative(text string) {
	s.mu.Lock()
	var inc string
	if len(text) > s.prev {
		inc = text[s.prev:]
		s.prev = len(text)
	}
	s.mu.Unlock()
	if inc != "" {
		s.emit(inc)
	}
}

func (s *Stream) emit(chunk string) {
	select {
	case s.chunks <- chunk:
	case <-s.done:
	}
}

// reconcile handles a silent final on the one-shot path: recover the text
// from history, yield it as a single chunk, then end cleanly. Runs while the
// read loop is still alive so chat.history can round-trip.
func (s *Stream) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fetch := func(ctx context.Context, sessionKey string, limit int) ([]HistoryMessage, error) {
		return fetchHistory(ctx, s.rpc, s.conn, sessionKey, limit)
	}
	reply := reconcileSilentRun(ctx, fetch, s.cfg.SessionKey, s.cfg.SettleDelay, s.cfg.HistoryLimit, s.logger)
	if reply.Content != "" {
		s.emit(reply.Content)
	}
	s.finish(nil)
}
