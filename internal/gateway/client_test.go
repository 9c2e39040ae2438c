package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cberrors "github.com/markc/clawbridge/internal/errors"
)

// mockGateway simulates the OpenClaw gateway WS protocol.
type mockGateway struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	token    string

	// chatFunc overrides the default chat.send script (ack + delta + final).
	chatFunc func(conn *websocket.Conn, reqID string, params chatSendParams)

	historyMsgs []HistoryMessage
	abortFails  bool

	mu     sync.Mutex
	conns  []*websocket.Conn
	sends  []chatSendParams
	aborts []chatAbortParams
}

func newMockGateway(t *testing.T, token string) *mockGateway {
	mg := &mockGateway{
		t:     t,
		token: token,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/gateway", mg.handleWS)
	mg.server = httptest.NewServer(mux)

	return mg
}

func (mg *mockGateway) url() string {
	return "ws" + strings.TrimPrefix(mg.server.URL, "http") + "/ws/gateway"
}

func (mg *mockGateway) close() {
	mg.mu.Lock()
	for _, conn := range mg.conns {
		conn.Close()
	}
	mg.mu.Unlock()
	mg.server.Close()
}

func (mg *mockGateway) sentParams() []chatSendParams {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	out := make([]chatSendParams, len(mg.sends))
	copy(out, mg.sends)
	return out
}

func (mg *mockGateway) abortParams() []chatAbortParams {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	out := make([]chatAbortParams, len(mg.aborts))
	copy(out, mg.aborts)
	return out
}

func (mg *mockGateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := mg.upgrader.Upgrade(w, r, nil)
	if err != nil {
		mg.t.Logf("upgrade error: %v", err)
		return
	}
	mg.mu.Lock()
	mg.conns = append(mg.conns, conn)
	mg.mu.Unlock()

	defer conn.Close()

	// Send challenge
	cp, _ := json.Marshal(challengePayload{Nonce: "test-nonce-123", TS: time.Now().UnixMilli()})
	conn.WriteJSON(Frame{Type: "event", Event: "connect.challenge", Payload: cp})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame.Type != "req" {
			continue
		}

		switch frame.Method {
		case "connect":
			mg.handleConnect(conn, frame)
		case "chat.send":
			mg.handleChatSend(conn, frame)
		case "chat.abort":
			mg.handleChatAbort(conn, frame)
		case "chat.history":
			mg.handleChatHistory(conn, frame)
		}
	}
}

func (mg *mockGateway) handleConnect(conn *websocket.Conn, req Frame) {
	var params connectParams
	json.Unmarshal(req.Params, &params)

	if mg.token != "" && (params.Auth == nil || params.Auth.Token != mg.token) {
		ok := false
		conn.WriteJSON(Frame{
			Type: "res",
			ID:   req.ID,
			OK:   &ok,
			Error: &FrameError{
				Code:    "UNAUTHORIZED",
				Message: "invalid token",
			},
		})
		return
	}

	ok := true
	payload, _ := json.Marshal(map[string]interface{}{
		"type":     "hello-ok",
		"protocol": 3,
	})
	conn.WriteJSON(Frame{Type: "res", ID: req.ID, OK: &ok, Payload: payload})
}

func (mg *mockGateway) handleChatSend(conn *websocket.Conn, req Frame) {
	var params chatSendParams
	json.Unmarshal(req.Params, &params)

	mg.mu.Lock()
	mg.sends = append(mg.sends, params)
	mg.mu.Unlock()

	if mg.chatFunc != nil {
		mg.chatFunc(conn, req.ID, params)
		return
	}

	// Default script: ack, two cumulative deltas, final.
	mg.writeOK(conn, req.ID, chatSendResult{RunID: "r1", Status: "accepted"})
	mg.pushChat(conn, chatEventPayload{
		SessionKey: params.SessionKey, RunID: "r1", State: "delta",
		Message: textMessage("assistant", "H"),
	})
	mg.pushChat(conn, chatEventPayload{
		SessionKey: params.SessionKey, RunID: "r1", State: "delta",
		Message: textMessage("assistant", "Hello"),
	})
	time.Sleep(10 * time.Millisecond)
	mg.pushChat(conn, chatEventPayload{
		SessionKey: params.SessionKey, RunID: "r1", State: "final",
		Message: textMessage("assistant", "Hello"),
	})
}

func (mg *mockGateway) handleChatAbort(conn *websocket.Conn, req Frame) {
	var params chatAbortParams
	json.Unmarshal(req.Params, &params)

	mg.mu.Lock()
	mg.aborts = append(mg.aborts, params)
	mg.mu.Unlock()

	if mg.abortFails {
		ok := false
		conn.WriteJSON(Frame{
			Type: "res", ID: req.ID, OK: &ok,
			Error: &FrameError{Code: "UNAVAILABLE", Message: "abort failed"},
		})
		return
	}
	mg.writeOK(conn, req.ID, map[string]bool{"aborted": true})
}

func (mg *mockGateway) handleChatHistory(conn *websocket.Conn, req Frame) {
	mg.writeOK(conn, req.ID, chatHistoryResult{Messages: mg.historyMsgs})
}

func (mg *mockGateway) writeOK(conn *websocket.Conn, id string, payload interface{}) {
	ok := true
	p, _ := json.Marshal(payload)
	conn.WriteJSON(Frame{Type: "res", ID: id, OK: &ok, Payload: p})
}

func (mg *mockGateway) pushChat(conn *websocket.Conn, ev chatEventPayload) {
	p, _ := json.Marshal(ev)
	conn.WriteJSON(Frame{Type: "event", Event: "chat", Payload: p})
}

func (mg *mockGateway) pushAgent(conn *websocket.Conn, ev agentEventPayload) {
	p, _ := json.Marshal(ev)
	conn.WriteJSON(Frame{Type: "event", Event: "agent", Payload: p})
}

func textMessage(role, text string) *chatMessage {
	content, _ := json.Marshal([]map[string]string{{"type": "text", "text": text}})
	return &chatMessage{Role: role, Content: content}
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Token = ""
	cfg.ReconnectDelay = 50 * time.Millisecond
	cfg.SettleDelay = 20 * time.Millisecond
	return cfg
}

func TestClient_SendMessageHappyPath(t *testing.T) {
	gw := newMockGateway(t, "test-token")
	defer gw.close()

	cfg := testConfig(gw.url())
	cfg.Token = "test-token"

	client := NewClient(cfg, nil, zerolog.Nop())

	var mu sync.Mutex
	var streamed []string
	client.OnStream = func(text string) {
		mu.Lock()
		streamed = append(streamed, text)
		mu.Unlock()
	}

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))
	assert.True(t, client.Connected())

	reply, err := client.SendMessage(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply.Content)
	assert.GreaterOrEqual(t, reply.DurationMs, int64(0))

	mu.Lock()
	assert.Equal(t, []string{"H", "Hello"}, streamed)
	mu.Unlock()

	sends := gw.sentParams()
	require.Len(t, sends, 1)
	assert.Equal(t, "agent:main:main", sends[0].SessionKey)
	assert.Equal(t, "hi", sends[0].Message)
	assert.False(t, sends[0].Deliver)
	assert.NotEmpty(t, sends[0].IdempotencyKey)

	require.NoError(t, client.Close())
}

func TestClient_NotConnected(t *testing.T) {
	cfg := testConfig("ws://localhost:1/nonexistent")
	client := NewClient(cfg, nil, zerolog.Nop())

	_, err := client.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, cberrors.ErrNotConnected)
}

func TestClient_InvalidToken(t *testing.T) {
	gw := newMockGateway(t, "correct-token")
	defer gw.close()

	cfg := testConfig(gw.url())
	cfg.Token = "wrong-token"

	client := NewClient(cfg, nil, zerolog.Nop())
	err := client.Connect(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token")
	assert.NotEmpty(t, client.Err())
}

func TestClient_RejectsConcurrentRun(t *testing.T) {
	gw := newMockGateway(t, "")
	gw.chatFunc = func(conn *websocket.Conn, reqID string, params chatSendParams) {
		// Ack but never finish the run.
		gw.writeOK(conn, reqID, chatSendResult{RunID: "slow-run", Status: "accepted"})
	}
	defer gw.close()

	client := NewClient(testConfig(gw.url()), nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		client.SendMessage(sendCtx, "first")
	}()

	// Wait until the first send is registered on the wire.
	require.Eventually(t, func() bool {
		return len(gw.sentParams()) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := client.SendMessage(ctx, "second")
	assert.ErrorIs(t, err, cberrors.ErrRunInFlight)

	<-firstDone
	client.Close()
}

func TestClient_DistinctIdempotencyKeys(t *testing.T) {
	gw := newMockGateway(t, "")
	defer gw.close()

	client := NewClient(testConfig(gw.url()), nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	_, err := client.SendMessage(ctx, "one")
	require.NoError(t, err)
	_, err = client.SendMessage(ctx, "two")
	require.NoError(t, err)

	sends := gw.sentParams()
	require.Len(t, sends, 2)
	assert.NotEmpty(t, sends[0].IdempotencyKey)
	assert.NotEmpty(t, sends[1].IdempotencyKey)
	assert.NotEqual(t, sends[0].IdempotencyKey, sends[1].IdempotencyKey)

	client.Close()
}

func TestClient_EmptyFinalReconcilesFromHistory(t *testing.T) {
	gw := newMockGateway(t, "")
	gw.historyMsgs = []HistoryMessage{
		{Role: "user", Content: json.RawMessage(`"hi"`)},
		{Role: "assistant", Content: json.RawMessage(`"Recovered"`)},
	}
	gw.chatFunc = func(conn *websocket.Conn, reqID string, params chatSendParams) {
		gw.writeOK(conn, reqID, chatSendResult{RunID: "silent-run", Status: "accepted"})
		// Final with no content and no preceding delta.
		gw.pushChat(conn, chatEventPayload{
			SessionKey: params.SessionKey, RunID: "silent-run", State: "final",
		})
	}
	defer gw.close()

	client := NewClient(testConfig(gw.url()), nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	reply, err := client.SendMessage(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, "Recovered", reply.Content)

	client.Close()
}

func TestClient_ReconcileFailureResolvesEmpty(t *testing.T) {
	gw := newMockGateway(t, "")
	gw.historyMsgs = []HistoryMessage{
		{Role: "user", Content: json.RawMessage(`"only user turns"`)},
	}
	gw.chatFunc = func(conn *websocket.Conn, reqID string, params chatSendParams) {
		gw.writeOK(conn, reqID, chatSendResult{RunID: "silent-run", Status: "accepted"})
		gw.pushChat(conn, chatEventPayload{
			SessionKey: params.SessionKey, RunID: "silent-run", State: "final",
		})
	}
	defer gw.close()

	client := NewClient(testConfig(gw.url()), nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	reply, err := client.SendMessage(ctx, "hi")
	require.NoError(t, err)
	assert.Empty(t, reply.Content)

	client.Close()
}

func TestClient_ErrorEventResolvesWithMessage(t *testing.T) {
	gw := newMockGateway(t, "")
	gw.chatFunc = func(conn *websocket.Conn, reqID string, params chatSendParams) {
		gw.writeOK(conn, reqID, chatSendResult{RunID: "err-run", Status: "accepted"})
		gw.pushChat(conn, chatEventPayload{
			SessionKey: params.SessionKey, RunID: "err-run", State: "delta",
			Message: textMessage("assistant", "partial"),
		})
		gw.pushChat(conn, chatEventPayload{
			SessionKey: params.SessionKey, RunID: "err-run", State: "error",
			ErrorMessage: "model exploded",
		})
	}
	defer gw.close()

	client := NewClient(testConfig(gw.url()), nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	reply, err := client.SendMessage(ctx, "hi")
	require.NoError(t, err)
	assert.Contains(t, reply.Content, "partial")
	assert.Contains(t, reply.Content, "model exploded")
	assert.Equal(t, "model exploded", client.Err())

	client.Close()
}

func TestClient_AbortedEventResolvesPartial(t *testing.T) {
	gw := newMockGateway(t, "")
	gw.chatFunc = func(conn *websocket.Conn, reqID string, params chatSendParams) {
		gw.writeOK(conn, reqID, chatSendResult{RunID: "ab-run", Status: "accepted"})
		gw.pushChat(conn, chatEventPayload{
			SessionKey: params.SessionKey, RunID: "ab-run", State: "delta",
			Message: textMessage("assistant", "cut sho"),
		})
		gw.pushChat(conn, chatEventPayload{
			SessionKey: params.SessionKey, RunID: "ab-run", State: "aborted",
		})
	}
	defer gw.close()

	client := NewClient(testConfig(gw.url()), nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	reply, err := client.SendMessage(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, "cut sho", reply.Content)

	client.Close()
}

func TestClient_AbortTargetsLastRunAndSwallowsFailure(t *testing.T) {
	gw := newMockGateway(t, "")
	gw.abortFails = true
	defer gw.close()

	client := NewClient(testConfig(gw.url()), nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	// No run yet: Abort must not send a frame.
	client.Abort(ctx)
	assert.Empty(t, gw.abortParams())

	_, err := client.SendMessage(ctx, "hi")
	require.NoError(t, err)

	// Gateway answers the abort with an error; Abort must not surface it.
	client.Abort(ctx)
	aborts := gw.abortParams()
	require.Len(t, aborts, 1)
	assert.Equal(t, "r1", aborts[0].RunID)
	assert.Equal(t, "agent:main:main", aborts[0].SessionKey)

	client.Close()
}

func TestClient_ExternalRunAnnouncedOnce(t *testing.T) {
	gw := newMockGateway(t, "")
	defer gw.close()

	client := NewClient(testConfig(gw.url()), nil, zerolog.Nop())

	var mu sync.Mutex
	var external []ExternalMessage
	client.OnExternalMessage = func(msg ExternalMessage) {
		mu.Lock()
		external = append(external, msg)
		mu.Unlock()
	}

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	// Push a run the client never asked for: three deltas, then final.
	gw.mu.Lock()
	conn := gw.conns[len(gw.conns)-1]
	gw.mu.Unlock()

	for _, text := range []string{"Som", "Someone el", "Someone else's turn"} {
		gw.pushChat(conn, chatEventPayload{
			SessionKey: "agent:main:main", RunID: "ext-run", State: "delta",
			Message: textMessage("assistant", text),
		})
	}
	gw.pushChat(conn, chatEventPayload{
		SessionKey: "agent:main:main", RunID: "ext-run", State: "final",
		Message: textMessage("assistant", "Someone else's turn"),
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(external) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	var users, assistants int
	for _, m := range external {
		switch m.Role {
		case "user":
			users++
			assert.Equal(t, externalPlaceholder, m.Content)
		case "assistant":
			assistants++
			assert.Equal(t, "Someone else's turn", m.Content)
		}
	}
	mu.Unlock()
	assert.Equal(t, 1, users, "exactly one user record per external run")
	assert.Equal(t, 1, assistants)

	client.Close()
}

func TestClient_IgnoresOtherSessions(t *testing.T) {
	gw := newMockGateway(t, "")
	defer gw.close()

	client := NewClient(testConfig(gw.url()), nil, zerolog.Nop())

	var mu sync.Mutex
	streamed := 0
	client.OnStream = func(string) {
		mu.Lock()
		streamed++
		mu.Unlock()
	}

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	gw.mu.Lock()
	conn := gw.conns[len(gw.conns)-1]
	gw.mu.Unlock()

	gw.pushChat(conn, chatEventPayload{
		SessionKey: "webchat:dash:inbox", RunID: "other", State: "delta",
		Message: textMessage("assistant", "not for us"),
	})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, streamed)
	mu.Unlock()
	assert.Empty(t, client.StreamContent())

	client.Close()
}

func TestClient_UnknownResponseIgnored(t *testing.T) {
	gw := newMockGateway(t, "")
	gw.chatFunc = func(conn *websocket.Conn, reqID string, params chatSendParams) {
		// A response nobody asked for, then the real flow.
		gw.writeOK(conn, "bogus-request-id", map[string]string{"stale": "yes"})
		gw.writeOK(conn, reqID, chatSendResult{RunID: "r1", Status: "accepted"})
		gw.pushChat(conn, chatEventPayload{
			SessionKey: params.SessionKey, RunID: "r1", State: "final",
			Message: textMessage("assistant", "done"),
		})
	}
	defer gw.close()

	client := NewClient(testConfig(gw.url()), nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	reply, err := client.SendMessage(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, "done", reply.Content)

	client.Close()
}

func TestClient_ToolCallsFoldByName(t *testing.T) {
	gw := newMockGateway(t, "")
	defer gw.close()

	client := NewClient(testConfig(gw.url()), nil, zerolog.Nop())

	var mu sync.Mutex
	updates := 0
	client.OnToolCalls = func([]ToolCall) {
		mu.Lock()
		updates++
		mu.Unlock()
	}

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	gw.mu.Lock()
	conn := gw.conns[len(gw.conns)-1]
	gw.mu.Unlock()

	gw.pushAgent(conn, agentEventPayload{Tool: "browser", State: "running"})
	gw.pushAgent(conn, agentEventPayload{Tool: "browser", State: "done", Detail: "fetched page"})

	require.Eventually(t, func() bool {
		calls := client.ToolCalls()
		return len(calls) == 1 && calls[0].Status == "done"
	}, 2*time.Second, 10*time.Millisecond)

	calls := client.ToolCalls()
	assert.Equal(t, "browser", calls[0].Name)
	assert.Equal(t, "fetched page", calls[0].Detail)
	mu.Lock()
	assert.Equal(t, 2, updates)
	mu.Unlock()

	client.Close()
}

func TestClient_ReconnectResolvesRunAcrossConnections(t *testing.T) {
	// chat.send is acked and streams a delta on conn1, conn1 dies, the client
	// reconnects, and the final arrives on conn2. The run must survive.
	runID := "run-preserved"
	var gatewayMu sync.Mutex
	connCount := 0
	sendFinalCh := make(chan *websocket.Conn, 1)

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		gatewayMu.Lock()
		connCount++
		myConnNum := connCount
		gatewayMu.Unlock()

		cp, _ := json.Marshal(challengePayload{Nonce: "n", TS: time.Now().UnixMilli()})
		conn.WriteJSON(Frame{Type: "event", Event: "connect.challenge", Payload: cp})

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame Frame
			if err := json.Unmarshal(msg, &frame); err != nil {
				continue
			}
			if frame.Type != "req" {
				continue
			}

			switch frame.Method {
			case "connect":
				ok := true
				p, _ := json.Marshal(map[string]interface{}{"protocol": 3})
				conn.WriteJSON(Frame{Type: "res", ID: frame.ID, OK: &ok, Payload: p})

				if myConnNum == 2 {
					sendFinalCh <- conn
				}

			case "chat.send":
				ok := true
				p, _ := json.Marshal(chatSendResult{RunID: runID, Status: "accepted"})
				conn.WriteJSON(Frame{Type: "res", ID: frame.ID, OK: &ok, Payload: p})

				de := chatEventPayload{
					SessionKey: "agent:main:main", RunID: runID, State: "delta",
					Message: textMessage("assistant", "partial..."),
				}
				dp, _ := json.Marshal(de)
				conn.WriteJSON(Frame{Type: "event", Event: "chat", Payload: dp})
				time.Sleep(20 * time.Millisecond)
				conn.Close()
				return
			}
		}
	}))
	defer server.Close()

	go func() {
		conn := <-sendFinalCh
		time.Sleep(50 * time.Millisecond) // let readLoop start
		fe := chatEventPayload{
			SessionKey: "agent:main:main", RunID: runID, State: "final",
			Message: textMessage("assistant", "final after reconnect"),
		}
		fp, _ := json.Marshal(fe)
		conn.WriteJSON(Frame{Type: "event", Event: "chat", Payload: fp})
	}()

	cfg := testConfig("ws" + strings.TrimPrefix(server.URL, "http"))
	client := NewClient(cfg, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	reply, err := client.SendMessage(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, "final after reconnect", reply.Content)

	require.Eventually(t, client.Connected, 2*time.Second, 10*time.Millisecond)

	client.Close()
}

func TestClient_PendingRequestRejectedOnDrop(t *testing.T) {
	gw := newMockGateway(t, "")
	gw.chatFunc = func(conn *websocket.Conn, reqID string, params chatSendParams) {
		// Never answer; kill the connection instead.
		time.Sleep(20 * time.Millisecond)
		conn.Close()
	}
	defer gw.close()

	client := NewClient(testConfig(gw.url()), nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	_, err := client.SendMessage(ctx, "doomed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")

	client.Close()
}

func TestClient_ClosedRejectsPendingSend(t *testing.T) {
	gw := newMockGateway(t, "")
	gw.chatFunc = func(conn *websocket.Conn, reqID string, params chatSendParams) {
		// Ack and then go silent so the run stays pending.
		gw.writeOK(conn, reqID, chatSendResult{RunID: "stuck", Status: "accepted"})
	}
	defer gw.close()

	client := NewClient(testConfig(gw.url()), nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	errCh := make(chan error, 1)
	go func() {
		_, err := client.SendMessage(ctx, "hi")
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return len(gw.sentParams()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, cberrors.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending SendMessage was not rejected on Close")
	}

	// Closed for good: no reconnect follows.
	time.Sleep(150 * time.Millisecond)
	assert.False(t, client.Connected())
}

func TestClient_PromptLookupLabelsExternalRun(t *testing.T) {
	gw := newMockGateway(t, "")
	defer gw.close()

	client := NewClient(testConfig(gw.url()), promptLookupFunc(func(ctx context.Context, sessionKey string) (string, error) {
		return "what the other client asked", nil
	}), zerolog.Nop())

	var mu sync.Mutex
	var external []ExternalMessage
	client.OnExternalMessage = func(msg ExternalMessage) {
		mu.Lock()
		external = append(external, msg)
		mu.Unlock()
	}

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	gw.mu.Lock()
	conn := gw.conns[len(gw.conns)-1]
	gw.mu.Unlock()

	gw.pushChat(conn, chatEventPayload{
		SessionKey: "agent:main:main", RunID: "ext", State: "delta",
		Message: textMessage("assistant", "hi"),
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(external) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "user", external[0].Role)
	assert.Equal(t, "what the other client asked", external[0].Content)
	mu.Unlock()

	client.Close()
}

func TestClient_LoadHistory(t *testing.T) {
	gw := newMockGateway(t, "")
	gw.historyMsgs = []HistoryMessage{
		{Role: "user", Content: json.RawMessage(`"hi"`)},
		{Role: "assistant", Content: json.RawMessage(`"hello there"`)},
	}
	defer gw.close()

	client := NewClient(testConfig(gw.url()), nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	msgs, err := client.LoadHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello there", msgs[1].Text())

	client.Close()
}

// promptLookupFunc adapts a function to the PromptLookup interface.
type promptLookupFunc func(ctx context.Context, sessionKey string) (string, error)

func (f promptLookupFunc) LastPrompt(ctx context.Context, sessionKey string) (string, error) {
	return f(ctx, sessionKey)
}
