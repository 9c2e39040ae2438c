package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/markc/clawbridge/internal/config"
	"github.com/markc/clawbridge/internal/gateway"
	"github.com/markc/clawbridge/internal/health"
	"github.com/markc/clawbridge/internal/metrics"
	"github.com/markc/clawbridge/internal/server"
	"github.com/markc/clawbridge/internal/store"
	"github.com/markc/clawbridge/internal/transcript"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("gateway_url", cfg.GatewayURL).
		Str("session_key", cfg.SessionKey).
		Str("listen_addr", cfg.ListenAddr).
		Msg("starting clawbridge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	gwCfg := gateway.DefaultConfig()
	gwCfg.URL = cfg.GatewayURL
	gwCfg.Token = cfg.GatewayToken
	gwCfg.SessionKey = cfg.SessionKey
	gwCfg.ReconnectDelay = cfg.ReconnectDelay
	gwCfg.StreamTimeout = cfg.StreamTimeout

	// Optional session profile overrides
	if cfg.ProfilesPath != "" {
		profiles, perr := config.LoadProfiles(cfg.ProfilesPath)
		if perr != nil {
			logger.Fatal().Err(perr).Msg("failed to load session profiles")
		}
		if prof, ok := profiles.Get(""); ok {
			applyProfile(&gwCfg, prof)
			logger.Info().Str("profile", profiles.Default).Str("session_key", gwCfg.SessionKey).Msg("session profile applied")
		}
	}

	m := metrics.New()
	messages := store.NewMemoryStore()

	var prompts gateway.PromptLookup
	if cfg.TranscriptBaseURL != "" {
		prompts = transcript.NewClient(cfg.TranscriptBaseURL, cfg.TranscriptToken, logger)
	}

	client := gateway.NewClient(gwCfg, prompts, logger)

	// Persist turns reconstructed from runs other clients started.
	client.OnExternalMessage = func(msg gateway.ExternalMessage) {
		m.RecordRun("external", "final")
		_, serr := messages.Append(ctx, store.Message{
			SessionKey: gwCfg.SessionKey,
			Role:       msg.Role,
			Content:    msg.Content,
			Model:      msg.Model,
			External:   true,
		})
		if serr != nil {
			logger.Warn().Err(serr).Msg("failed to persist external message")
		}
	}

	connectGateway(ctx, client, gwCfg.ReconnectDelay, logger)

	// Keep the connectivity gauge fresh and count recoveries.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		wasUp := client.Connected()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				up := client.Connected()
				if up && !wasUp {
					m.ReconnectsTotal.Inc()
				}
				wasUp = up
				m.SetConnected(up)
			}
		}
	}()

	checker := health.NewChecker(logger)
	checker.Register("gateway", func(ctx context.Context) health.Status {
		if client.Connected() {
			return health.StatusOK
		}
		return health.StatusDown
	})

	openStream := func(ctx context.Context, prompt string) (server.TextStream, error) {
		return gateway.OpenStream(ctx, gwCfg, prompt, logger)
	}

	handlers := server.NewHandlers(client, openStream, messages, m, gwCfg.SessionKey, logger)
	srv := server.NewServer(server.Config{
		ListenAddr: cfg.ListenAddr,
		Auth: server.AuthConfig{
			Mode:      cfg.AuthMode,
			APIKey:    cfg.APIKey,
			JWTSecret: cfg.JWTSecret,
		},
		CORSOrigins: cfg.CORSOrigins,
	}, handlers, checker, m, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case serr := <-errCh:
		logger.Error().Err(serr).Msg("HTTP server failed")
	}

	cancel()
	if serr := srv.Shutdown(); serr != nil {
		logger.Warn().Err(serr).Msg("server shutdown error")
	}
	if cerr := client.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("gateway client close error")
	}
	logger.Info().Msg("clawbridge stopped")
}

// connectGateway attempts the initial connection, retrying in the background
// on failure. Once connected, reconnects are the client's own business.
func connectGateway(ctx context.Context, client *gateway.Client, delay time.Duration, logger zerolog.Logger) {
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := client.Connect(connectCtx)
	cancel()
	if err == nil {
		return
	}

	logger.Warn().Err(err).Msg("initial gateway connect failed, retrying in background")
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := client.Connect(connectCtx)
			cancel()
			if err == nil {
				logger.Info().Msg("gateway connected")
				return
			}
			logger.Warn().Err(err).Msg("gateway connect retry failed")
		}
	}()
}

// applyProfile overlays a session profile onto the gateway config.
func applyProfile(cfg *gateway.Config, prof config.Profile) {
	if prof.SessionKey != "" {
		cfg.SessionKey = prof.SessionKey
	}
	if prof.DisplayName != "" {
		cfg.DisplayName = prof.DisplayName
	}
	if prof.Role != "" {
		cfg.Role = prof.Role
	}
	if len(prof.Scopes) > 0 {
		cfg.Scopes = prof.Scopes
	}
	if prof.Locale != "" {
		cfg.Locale = prof.Locale
	}
	if prof.Token != "" {
		cfg.Token = prof.Token
	}
}
