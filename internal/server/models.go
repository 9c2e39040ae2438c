package server

import "github.com/markc/clawbridge/internal/gateway"

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// SendRequest is the body of POST /api/v1/chat/send and /chat/stream.
type SendRequest struct {
	Message string `json:"message"`
}

// SendResponse is the terminal outcome of a blocking send.
type SendResponse struct {
	Content    string         `json:"content"`
	Model      string         `json:"model,omitempty"`
	Usage      *gateway.Usage `json:"usage,omitempty"`
	DurationMs int64          `json:"durationMs"`
}

// StatusResponse mirrors the client's observable state for dashboard polling.
type StatusResponse struct {
	Connected     bool               `json:"connected"`
	Streaming     bool               `json:"streaming"`
	StreamContent string             `json:"streamContent"`
	Error         string             `json:"error,omitempty"`
	ToolCalls     []gateway.ToolCall `json:"toolCalls"`
}
