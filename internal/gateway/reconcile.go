package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// historyFunc issues a chat.history call. Both embodiments provide one
// backed by their own connection.
type historyFunc func(ctx context.Context, sessionKey string, limit int) ([]HistoryMessage, error)

// reconcileSilentRun recovers the result of a run that finalized without any
// observed content. After a short settle delay, so the gateway has committed
// the transcript, it scans recent history newest-first for an assistant
// message. Failure is absorbed: the caller always gets a Reply, possibly
// with empty content, never an error.
func reconcileSilentRun(ctx context.Context, fetch historyFunc, sessionKey string, settle time.Duration, limit int, logger zerolog.Logger) Reply {
	select {
	case <-time.After(settle):
	case <-ctx.Done():
		return Reply{}
	}

	msgs, err := fetch(ctx, sessionKey, limit)
	if err != nil {
		logger.Warn().Err(err).Str("sessionKey", sessionKey).Msg("history reconciliation failed, resolving empty")
		return Reply{}
	}

	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "assistant" {
			continue
		}
		return Reply{
			Content: msgs[i].Text(),
			Model:   msgs[i].Model,
			Usage:   msgs[i].Usage,
		}
	}

	logger.Debug().Str("sessionKey", sessionKey).Msg("no assistant message in recent history, resolving empty")
	return Reply{}
}

// fetchHistory performs a chat.history round trip on the given connection.
func fetchHistory(ctx context.Context, rpc *correlator, conn *frameConn, sessionKey string, limit int) ([]HistoryMessage, error) {
	payload, err := rpc.roundTrip(ctx, conn, "chat.history", chatHistoryParams{
		SessionKey: sessionKey,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	var result chatHistoryResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}
