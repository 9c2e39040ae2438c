package gateway

import "time"

// Protocol version bounds offered during the connect handshake.
const (
	minProtocol = 3
	maxProtocol = 3
)

// Config holds gateway client configuration. The same config drives both the
// interactive client and the one-shot stream.
type Config struct {
	// URL is the websocket URL, e.g. "ws://localhost:18789/ws/gateway".
	URL string

	// Token is the gateway bearer token.
	Token string

	// SessionKey identifies the conversation thread, e.g. "agent:main:main"
	// or "webchat:dash:inbox". Opaque to the client.
	SessionKey string

	// Client descriptor sent during the handshake.
	ClientID    string
	DisplayName string
	Version     string
	Platform    string
	Mode        string

	// Role and Scopes requested from the gateway.
	Role   string
	Scopes []string

	UserAgent string
	Locale    string

	// HandshakeTimeout bounds the challenge/connect sequence.
	HandshakeTimeout time.Duration

	// ReconnectDelay is the fixed pause before each reconnect attempt.
	// Deliberately constant with no jitter or backoff, matching the gateway's
	// other clients; a mass disconnect therefore reconnects in lockstep.
	ReconnectDelay time.Duration

	// SettleDelay is the pause before the history fallback queries a run
	// that finalized without content, giving the gateway time to commit.
	SettleDelay time.Duration

	// HistoryLimit is how many messages the history fallback scans.
	HistoryLimit int

	// StreamTimeout is the wall-clock cap on a one-shot streamed exchange.
	StreamTimeout time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:18789/ws/gateway",
		SessionKey:       "agent:main:main",
		ClientID:         "clawbridge",
		DisplayName:      "Clawbridge",
		Version:          "clawbridge/1.0",
		Platform:         "linux",
		Mode:             "backend",
		Role:             "operator",
		Scopes:           []string{"chat"},
		HandshakeTimeout: 10 * time.Second,
		ReconnectDelay:   2 * time.Second,
		SettleDelay:      500 * time.Millisecond,
		HistoryLimit:     5,
		StreamTimeout:    10 * time.Minute,
	}
}

// withDefaults fills zero values so partially-populated configs behave.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.URL == "" {
		c.URL = def.URL
	}
	if c.SessionKey == "" {
		c.SessionKey = def.SessionKey
	}
	if c.ClientID == "" {
		c.ClientID = def.ClientID
	}
	if c.Version == "" {
		c.Version = def.Version
	}
	if c.Platform == "" {
		c.Platform = def.Platform
	}
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.Role == "" {
		c.Role = def.Role
	}
	if len(c.Scopes) == 0 {
		c.Scopes = def.Scopes
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = def.SettleDelay
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.StreamTimeout == 0 {
		c.StreamTimeout = def.StreamTimeout
	}
	return c
}
