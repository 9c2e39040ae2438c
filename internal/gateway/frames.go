// Package gateway implements the OpenClaw gateway client protocol: the
// challenge/connect handshake, request/response correlation over a shared
// websocket, and the broadcast chat/agent event stream.
//
// Two client embodiments share the same protocol rules: Client keeps a
// long-lived connection with auto-reconnect for interactive use, and Stream
// performs a single exchange for one streamed HTTP response.
package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is the JSON wire format: one object per websocket text message.
type Frame struct {
	Type    string          `json:"type"`              // "req", "res", "event"
	ID      string          `json:"id,omitempty"`      // request/response correlation ID
	Method  string          `json:"method,omitempty"`  // request method
	Params  json.RawMessage `json:"params,omitempty"`  // request params
	OK      *bool           `json:"ok,omitempty"`      // response ok
	Payload json.RawMessage `json:"payload,omitempty"` // response/event payload
	Event   string          `json:"event,omitempty"`   // event name
	Error   *FrameError     `json:"error,omitempty"`   // response error
}

// FrameError is the error object in a failed res frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// challengePayload is the connect.challenge event payload.
type challengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// connectParams is sent as the "connect" request.
type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      connectClient `json:"client"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
	Caps        []string      `json:"caps"`
	Auth        *connectAuth  `json:"auth,omitempty"`
	UserAgent   string        `json:"userAgent,omitempty"`
	Locale      string        `json:"locale,omitempty"`
}

type connectClient struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

// chatSendParams is the chat.send request params.
type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	Deliver        bool   `json:"deliver"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// chatSendResult is the chat.send ack payload.
type chatSendResult struct {
	RunID      string `json:"runId"`
	Status     string `json:"status,omitempty"`
	AcceptedAt int64  `json:"acceptedAt,omitempty"`
}

// chatAbortParams is the chat.abort request params.
type chatAbortParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
}

// chatHistoryParams is the chat.history request params.
type chatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

// chatHistoryResult is the chat.history response payload.
type chatHistoryResult struct {
	Messages []HistoryMessage `json:"messages"`
}

// HistoryMessage is one entry of a session transcript as returned by
// chat.history.
type HistoryMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Model   string          `json:"model,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// Text extracts the plain text of the message content. The gateway sends
// either a bare string or a list of typed parts.
func (m HistoryMessage) Text() string {
	return contentText(m.Content)
}

// Usage is the token accounting attached to an assistant message.
type Usage struct {
	InputTokens  int `json:"input"`
	OutputTokens int `json:"output"`
}

// chatEventPayload is the payload of a broadcast "chat" event. Events are
// scoped by sessionKey, not request ID: every subscriber of the session sees
// the same stream.
type chatEventPayload struct {
	SessionKey   string       `json:"sessionKey"`
	RunID        string       `json:"runId,omitempty"`
	State        string       `json:"state"` // "delta", "final", "error", "aborted"
	Message      *chatMessage `json:"message,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	Model        string       `json:"model,omitempty"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// text returns the cumulative text carried by the event, empty when absent.
func (ev chatEventPayload) text() string {
	if ev.Message == nil {
		return ""
	}
	return contentText(ev.Message.Content)
}

// agentEventPayload is the payload of a broadcast "agent" (tool activity)
// event.
type agentEventPayload struct {
	SessionKey string `json:"sessionKey,omitempty"`
	Tool       string `json:"tool"`
	State      string `json:"state"` // "running", "done", "error"
	Detail     string `json:"detail,omitempty"`
}

// contentText flattens a message content field into plain text. Accepts a
// JSON string or an array of {type:"text",text:...} parts.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var out string
	for _, p := range parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// frameConn serializes Frame values over a websocket connection. Writes are
// serialized with a mutex; gorilla/websocket allows at most one concurrent
// writer.
type frameConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func newFrameConn(ws *websocket.Conn) *frameConn {
	return &frameConn{ws: ws}
}

// WriteFrame marshals and sends one frame.
func (c *frameConn) WriteFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame blocks until the next frame arrives.
func (c *frameConn) ReadFrame() (Frame, error) {
	var f Frame
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parsing frame: %w", err)
	}
	return f, nil
}

// SetReadDeadline bounds the next ReadFrame call.
func (c *frameConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Close tears the websocket down after a best-effort close frame.
func (c *frameConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	c.writeMu.Unlock()
	return c.ws.Close()
}
