package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	cberrors "github.com/markc/clawbridge/internal/errors"
)

// correlator maps outgoing request IDs to waiting callers. Every registered
// request is resolved exactly once: by a matching res frame, or by failAll on
// connection teardown. Responses with an unknown ID are dropped silently.
type correlator struct {
	mu      sync.Mutex
	pending map[string]pendingRequest
}

type pendingRequest struct {
	ch      chan Frame
	created time.Time
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]pendingRequest)}
}

// register reserves a fresh request ID and its response channel. The channel
// is registered before the frame goes out so a fast response cannot race the
// caller.
func (c *correlator) register() (string, chan Frame) {
	id := uuid.New().String()
	ch := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[id] = pendingRequest{ch: ch, created: time.Now()}
	c.mu.Unlock()
	return id, ch
}

// drop forgets a request without resolving it (caller gave up).
func (c *correlator) drop(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// dispatch routes a res frame to its waiter. Unknown IDs are ignored.
func (c *correlator) dispatch(f Frame) {
	c.mu.Lock()
	p, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if ok {
		p.ch <- f
	}
}

// failAll rejects every pending request with a synthetic error response.
// Called once per connection teardown.
func (c *correlator) failAll(code, message string) {
	c.mu.Lock()
	for id, p := range c.pending {
		p.ch <- Frame{
			Type:  "res",
			ID:    id,
			Error: &FrameError{Code: code, Message: message},
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// roundTrip sends a request over conn and waits for the matching response,
// returning the payload or a RequestError on ok:false.
func (c *correlator) roundTrip(ctx context.Context, conn *frameConn, method string, params any) (json.RawMessage, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s params: %w", method, err)
	}

	id, ch := c.register()
	req := Frame{Type: "req", ID: id, Method: method, Params: paramsJSON}
	if err := conn.WriteFrame(req); err != nil {
		c.drop(id)
		return nil, fmt.Errorf("sending %s request: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, &cberrors.RequestError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if resp.OK == nil || !*resp.OK {
			return nil, &cberrors.RequestError{Method: method, Message: "request failed"}
		}
		return resp.Payload, nil
	case <-ctx.Done():
		c.drop(id)
		return nil, ctx.Err()
	}
}
