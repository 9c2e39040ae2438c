package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	cberrors "github.com/markc/clawbridge/internal/errors"
)

// externalPlaceholder labels an external turn whose originating prompt could
// not be recovered from the agent's transcript.
const externalPlaceholder = "[message from another client]"

// Reply is the terminal outcome of a locally-initiated chat run.
type Reply struct {
	Content    string `json:"content"`
	Model      string `json:"model,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// ExternalMessage is a {role, content} record synthesized from session
// activity that did not originate here. The caller is responsible for
// persisting it; the client forgets it immediately.
type ExternalMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
}

// PromptLookup recovers the human prompt behind an externally-initiated run
// from the agent's own transcript. Best-effort: any failure falls back to a
// generic placeholder.
type PromptLookup interface {
	LastPrompt(ctx context.Context, sessionKey string) (string, error)
}

// Client is the long-lived interactive gateway client: one persistent
// connection with auto-reconnect, one locally-initiated run at a time, and
// observable streaming state for a UI to poll or subscribe to.
//
// Callbacks must be assigned before Connect and are invoked from the read
// loop goroutine.
type Client struct {
	cfg     Config
	logger  zerolog.Logger
	cm      *connManager
	rpc     *correlator
	prompts PromptLookup

	// OnStream fires with the cumulative text whenever the live run's
	// buffer changes.
	OnStream func(text string)

	// OnExternalMessage fires once per external run with the recovered
	// user prompt, and once with the assistant result when that run
	// finalizes with content.
	OnExternalMessage func(msg ExternalMessage)

	// OnToolCalls fires when the tool-call list changes.
	OnToolCalls func(calls []ToolCall)

	mu        sync.Mutex
	sess      *sessionState
	local     *localCall
	lastRunID string
	runErr    string
}

type localCall struct {
	started time.Time
	done    chan localResult
}

type localResult struct {
	reply Reply
	err   error
}

// NewClient creates an interactive gateway client. prompts may be nil, in
// which case external turns are labelled with a placeholder only.
func NewClient(cfg Config, prompts PromptLookup, logger zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		logger:  logger.With().Str("component", "gateway").Logger(),
		rpc:     newCorrelator(),
		prompts: prompts,
		sess:    newSessionState(cfg.SessionKey),
	}
	c.cm = newConnManager(cfg, c, c.logger)
	return c
}

// Connect dials the gateway and completes the handshake. After the first
// successful connect, unexpected closes reconnect automatically.
func (c *Client) Connect(ctx context.Context) error {
	return c.cm.connect(ctx)
}

// Close tears the client down for good: the connection is closed, no
// reconnect follows, and anything still pending is rejected.
func (c *Client) Close() error {
	err := c.cm.close()
	c.rpc.failAll("CLOSED", "client closed")
	c.resolveLocal(Reply{}, cberrors.ErrClosed)
	return err
}

// Connected reports whether the gateway handshake is complete.
func (c *Client) Connected() bool { return c.cm.connected() }

// Err returns the current error observable: the latest run error if one is
// live, otherwise the latest connection error. Empty when healthy.
func (c *Client) Err() string {
	c.mu.Lock()
	runErr := c.runErr
	c.mu.Unlock()
	if runErr != "" {
		return runErr
	}
	return c.cm.lastError()
}

// Streaming reports whether a run is actively streaming on the session.
func (c *Client) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.streaming()
}

// StreamContent returns the cumulative text of the in-progress run.
func (c *Client) StreamContent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.buffer()
}

// ToolCalls returns a copy of the current tool-call list.
func (c *Client) ToolCalls() []ToolCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.tools()
}

// SendMessage submits one message and blocks until the session reaches a
// terminal outcome for the resulting run. It fails immediately, without
// sending any frame, when not connected, and rejects a second call while a
// local run is still outstanding. Each call uses a fresh idempotency key.
func (c *Client) SendMessage(ctx context.Context, text string) (*Reply, error) {
	conn := c.cm.current()
	if conn == nil {
		return nil, cberrors.ErrNotConnected
	}

	c.mu.Lock()
	if c.local != nil {
		c.mu.Unlock()
		return nil, cberrors.ErrRunInFlight
	}
	idemKey := uuid.New().String()
	call := &localCall{started: time.Now(), done: make(chan localResult, 1)}
	c.local = call
	c.runErr = ""
	c.sess.beginLocalRun(idemKey)
	c.mu.Unlock()

	payload, err := c.rpc.roundTrip(ctx, conn, "chat.send", chatSendParams{
		SessionKey:     c.cfg.SessionKey,
		Message:        text,
		Deliver:        false,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		c.abandonLocal(call)
		return nil, err
	}

	var ack chatSendResult
	if jsonErr := json.Unmarshal(payload, &ack); jsonErr == nil && ack.RunID != "" {
		c.mu.Lock()
		c.lastRunID = ack.RunID
		c.sess.setRunID(ack.RunID)
		c.mu.Unlock()
		c.logger.Debug().Str("runId", ack.RunID).Msg("chat.send accepted")
	}

	select {
	case res := <-call.done:
		if res.err != nil {
			return nil, res.err
		}
		reply := res.reply
		reply.DurationMs = time.Since(call.started).Milliseconds()
		return &reply, nil
	case <-ctx.Done():
		c.abandonLocal(call)
		return nil, ctx.Err()
	}
}

// Abort asks the gateway to cancel the most recent run. Advisory only: it
// never fails, and the pending SendMessage still resolves through the
// normal aborted/final event path.
func (c *Client) Abort(ctx context.Context) {
	conn := c.cm.current()
	if conn == nil {
		return
	}
	c.mu.Lock()
	runID := c.lastRunID
	c.mu.Unlock()
	if runID == "" {
		return
	}
	_, err := c.rpc.roundTrip(ctx, conn, "chat.abort", chatAbortParams{
		SessionKey: c.cfg.SessionKey,
		RunID:      runID,
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("runId", runID).Msg("chat.abort failed (ignored)")
	}
}

// LoadHistory fetches the raw session transcript, independent of the run
// machinery.
func (c *Client) LoadHistory(ctx context.Context, limit int) ([]HistoryMessage, error) {
	conn := c.cm.current()
	if conn == nil {
		return nil, cberrors.ErrNotConnected
	}
	return fetchHistory(ctx, c.rpc, conn, c.cfg.SessionKey, limit)
}

// abandonLocal clears a local call that will never be resolved by events.
func (c *Client) abandonLocal(call *localCall) {
	c.mu.Lock()
	if c.local == call {
		c.local = nil
		c.sess.clearLocalRun()
	}
	c.mu.Unlock()
}

// resolveLocal delivers the terminal outcome to the waiting SendMessage.
func (c *Client) resolveLocal(reply Reply, err error) {
	c.mu.Lock()
	call := c.local
	c.local = nil
	c.mu.Unlock()
	if call != nil {
		call.done <- localResult{reply: reply, err: err}
	}
}

// handleFrame dispatches one inbound frame from the read loop.
func (c *Client) handleFrame(f Frame) {
	switch f.Type {
	case "res":
		c.rpc.dispatch(f)
	case "event":
		switch f.Event {
		case "chat":
			var ev chatEventPayload
			if err := json.Unmarshal(f.Payload, &ev); err != nil {
				c.logger.Warn().Err(err).Msg("bad chat event payload")
				return
			}
			if ev.SessionKey != "" && ev.SessionKey != c.cfg.SessionKey {
				return
			}
			c.mu.Lock()
			acts := c.sess.onChatEvent(ev)
			c.mu.Unlock()
			c.apply(acts)
		case "agent":
			var ev agentEventPayload
			if err := json.Unmarshal(f.Payload, &ev); err != nil {
				return
			}
			if ev.SessionKey != "" && ev.SessionKey != c.cfg.SessionKey {
				return
			}
			c.mu.Lock()
			acts := c.sess.onAgentEvent(ev)
			tools := c.sess.tools()
			c.mu.Unlock()
			for _, a := range acts {
				if a.kind == actToolUpdate && c.OnToolCalls != nil {
					c.OnToolCalls(tools)
				}
			}
		default:
			c.logger.Trace().Str("event", f.Event).Msg("event ignored")
		}
	}
}

// apply performs the side effects the state machine asked for.
func (c *Client) apply(acts []action) {
	for _, a := range acts {
		switch a.kind {
		case actStream:
			if c.OnStream != nil {
				c.OnStream(a.text)
			}
		case actExternalRunStarted:
			go c.announceExternalRun()
		case actResolveLocal:
			c.resolveLocal(Reply{Content: a.text, Usage: a.usage, Model: a.model}, nil)
		case actReconcileLocal:
			go c.reconcileLocal()
		case actErrorLocal:
			c.mu.Lock()
			c.runErr = a.errText
			c.mu.Unlock()
			content := a.text
			if content != "" {
				content += "\n\n"
			}
			content += "Error: " + a.errText
			c.resolveLocal(Reply{Content: content}, nil)
		case actAbortLocal:
			c.resolveLocal(Reply{Content: a.text}, nil)
		case actExternalMessage:
			if c.OnExternalMessage != nil {
				c.OnExternalMessage(ExternalMessage{
					Role:    "assistant",
					Content: a.text,
					Model:   a.model,
					Usage:   a.usage,
				})
			}
		}
	}
}

// announceExternalRun recovers the prompt that started an external run and
// emits the user-side record, once per run. Lookup failure is non-fatal and
// falls back to the placeholder.
func (c *Client) announceExternalRun() {
	content := externalPlaceholder
	if c.prompts != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if prompt, err := c.prompts.LastPrompt(ctx, c.cfg.SessionKey); err == nil && prompt != "" {
			content = prompt
		} else if err != nil {
			c.logger.Debug().Err(err).Msg("external prompt lookup failed, using placeholder")
		}
	}
	if c.OnExternalMessage != nil {
		c.OnExternalMessage(ExternalMessage{Role: "user", Content: content})
	}
}

// reconcileLocal resolves a silent run through the history fallback. It
// never fails the caller; worst case is an empty reply.
func (c *Client) reconcileLocal() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fetch := func(ctx context.Context, sessionKey string, limit int) ([]HistoryMessage, error) {
		conn := c.cm.current()
		if conn == nil {
			return nil, cberrors.ErrNotConnected
		}
		return fetchHistory(ctx, c.rpc, conn, sessionKey, limit)
	}
	reply := reconcileSilentRun(ctx, fetch, c.cfg.SessionKey, c.cfg.SettleDelay, c.cfg.HistoryLimit, c.logger)
	c.resolveLocal(reply, nil)
}

// connectionDown rejects everything pending on the lost connection. The
// tracked run survives a reconnect: chat events are session-scoped and keep
// flowing once the new connection subscribes.
func (c *Client) connectionDown(err error) {
	c.rpc.failAll("DISCONNECTED", "connection lost")
}
