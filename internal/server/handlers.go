package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	cberrors "github.com/markc/clawbridge/internal/errors"
	"github.com/markc/clawbridge/internal/gateway"
	"github.com/markc/clawbridge/internal/metrics"
	"github.com/markc/clawbridge/internal/store"
)

// ChatClient is the interactive gateway client surface the handlers need.
type ChatClient interface {
	Connected() bool
	Streaming() bool
	StreamContent() string
	Err() string
	ToolCalls() []gateway.ToolCall
	SendMessage(ctx context.Context, text string) (*gateway.Reply, error)
	Abort(ctx context.Context)
	LoadHistory(ctx context.Context, limit int) ([]gateway.HistoryMessage, error)
}

// TextStream is the one-shot stream surface the handlers need.
type TextStream interface {
	Recv() (string, error)
	Abort(ctx context.Context)
	Close() error
}

// StreamOpener starts a one-shot streamed exchange.
type StreamOpener func(ctx context.Context, prompt string) (TextStream, error)

// Handlers implements the chat API endpoints.
type Handlers struct {
	client     ChatClient
	openStream StreamOpener
	messages   store.MessageStore
	metrics    *metrics.Metrics
	sessionKey string
	logger     zerolog.Logger
}

// NewHandlers wires the chat handlers.
func NewHandlers(client ChatClient, openStream StreamOpener, messages store.MessageStore, m *metrics.Metrics, sessionKey string, logger zerolog.Logger) *Handlers {
	return &Handlers{
		client:     client,
		openStream: openStream,
		messages:   messages,
		metrics:    m,
		sessionKey: sessionKey,
		logger:     logger.With().Str("component", "handlers").Logger(),
	}
}

// ChatSend handles POST /api/v1/chat/send: submit one message and block
// until the run resolves.
func (h *Handlers) ChatSend(c *fiber.Ctx) error {
	var req SendRequest
	if err := c.BodyParser(&req); err != nil || req.Message == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_request", "Bad Request", "message is required")
	}

	started := time.Now()
	reply, err := h.client.SendMessage(c.Context(), req.Message)
	if err != nil {
		h.metrics.RecordRun("local", "failed")
		return h.sendError(c, err)
	}

	h.metrics.RecordRun("local", "final")
	h.metrics.ObserveRunDuration("local", time.Since(started).Seconds())

	h.persist(c.Context(), "user", req.Message, "", false)
	h.persist(c.Context(), "assistant", reply.Content, reply.Model, false)

	return c.JSON(SendResponse{
		Content:    reply.Content,
		Model:      reply.Model,
		Usage:      reply.Usage,
		DurationMs: reply.DurationMs,
	})
}

// ChatStream handles POST /api/v1/chat/stream: submit one message and stream
// the text back as it is generated, over a dedicated gateway connection.
func (h *Handlers) ChatStream(c *fiber.Ctx) error {
	var req SendRequest
	if err := c.BodyParser(&req); err != nil || req.Message == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_request", "Bad Request", "message is required")
	}

	// The stream outlives this handler's return; the body writer below owns it.
	s, err := h.openStream(context.Background(), req.Message)
	if err != nil {
		h.metrics.RecordRun("local", "failed")
		return h.sendError(c, err)
	}

	h.persist(c.Context(), "user", req.Message, "", false)

	c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Accel-Buffering", "no")

	logger := h.logger
	m := h.metrics
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer s.Close()
		var full string
		for {
			chunk, recvErr := s.Recv()
			if chunk != "" {
				full += chunk
				if _, werr := w.WriteString(chunk); werr == nil {
					werr = w.Flush()
					if werr == nil {
						m.StreamChunksTotal.Inc()
					} else {
						recvErr = werr
					}
				}
			}
			if recvErr != nil {
				if !errors.Is(recvErr, io.EOF) {
					// Consumer went away or transport died: stop the run too.
					abortCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
					s.Abort(abortCtx)
					cancel()
					logger.Debug().Err(recvErr).Msg("stream ended early")
					m.RecordRun("local", "interrupted")
				} else {
					m.RecordRun("local", "final")
				}
				if full != "" {
					h.persist(context.Background(), "assistant", full, "", false)
				}
				return
			}
		}
	})
	return nil
}

// ChatAbort handles POST /api/v1/chat/abort. Always 202: abort is advisory
// and failures are swallowed by the client.
func (h *Handlers) ChatAbort(c *fiber.Ctx) error {
	h.client.Abort(c.Context())
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "abort requested"})
}

// ChatStatus handles GET /api/v1/chat/status.
func (h *Handlers) ChatStatus(c *fiber.Ctx) error {
	tools := h.client.ToolCalls()
	if tools == nil {
		tools = []gateway.ToolCall{}
	}
	return c.JSON(StatusResponse{
		Connected:     h.client.Connected(),
		Streaming:     h.client.Streaming(),
		StreamContent: h.client.StreamContent(),
		Error:         h.client.Err(),
		ToolCalls:     tools,
	})
}

// ChatHistory handles GET /api/v1/chat/history. source=gateway fetches the
// agent's authoritative transcript; the default serves the bridge's own store.
func (h *Handlers) ChatHistory(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))

	if c.Query("source") == "gateway" {
		msgs, err := h.client.LoadHistory(c.Context(), limit)
		if err != nil {
			return h.sendError(c, err)
		}
		out := make([]store.Message, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, store.Message{
				SessionKey: h.sessionKey,
				Role:       m.Role,
				Content:    m.Text(),
				Model:      m.Model,
			})
		}
		return c.JSON(fiber.Map{"messages": out})
	}

	msgs, err := h.messages.Recent(c.Context(), h.sessionKey, limit)
	if err != nil {
		return h.sendError(c, err)
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

// persist appends a message to the store, logging rather than failing the
// request on error.
func (h *Handlers) persist(ctx context.Context, role, content, model string, external bool) {
	if content == "" {
		return
	}
	_, err := h.messages.Append(ctx, store.Message{
		SessionKey: h.sessionKey,
		Role:       role,
		Content:    content,
		Model:      model,
		External:   external,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("role", role).Msg("failed to persist message")
	}
}

// sendError maps client errors to problem responses.
func (h *Handlers) sendError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, cberrors.ErrNotConnected):
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"gateway_unavailable", "Service Unavailable", "not connected to gateway")
	case errors.Is(err, cberrors.ErrRunInFlight):
		return problemResponse(c, fiber.StatusConflict,
			"run_in_flight", "Conflict", "a chat run is already in flight")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, cberrors.ErrTimeout):
		return problemResponse(c, fiber.StatusGatewayTimeout,
			"gateway_timeout", "Gateway Timeout", err.Error())
	default:
		var reqErr *cberrors.RequestError
		if errors.As(err, &reqErr) {
			return problemResponse(c, fiber.StatusBadGateway,
				"gateway_error", "Bad Gateway", reqErr.Error())
		}
		return problemResponse(c, fiber.StatusInternalServerError,
			"internal_error", "Internal Server Error", err.Error())
	}
}
