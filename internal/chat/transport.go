package chat

import (
	"context"
	"log/slog"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// liveSender is the live-channel surface the transport needs.
type liveSender interface {
	Connected() bool
	Send(ctx context.Context, msg models.Message) (models.Confirmation, error)
}

// directSender is the request/response fallback surface.
type directSender interface {
	SendDirect(ctx context.Context, msg models.Message) (models.Confirmation, error)
}

// Transport selects between the live channel and the direct call for
// message delivery. The live channel is preferred while healthy; a
// transient live failure (connection down, ack timeout) falls back to the
// direct call within the same attempt.
//
// Both paths can produce a confirmation for the same logical send (an ack
// timeout does not mean the server dropped the message, and broadcasts may
// echo back to the sender). The merge layer is idempotent, so the policy
// here is simply first-confirmed-wins.
type Transport struct {
	live   liveSender
	direct directSender
	logger *slog.Logger
}

// NewTransport creates a transport over the given delivery paths.
func NewTransport(live liveSender, direct directSender, logger *slog.Logger) *Transport {
	return &Transport{
		live:   live,
		direct: direct,
		logger: logger,
	}
}

// Send delivers a message and returns the server's confirmation. A
// non-transient failure on either path is returned as-is; only transient
// live-channel failures trigger the fallback.
func (t *Transport) Send(ctx context.Context, msg models.Message) (models.Confirmation, error) {
	if t.live.Connected() {
		conf, err := t.live.Send(ctx, msg)
		if err == nil {
			return conf, nil
		}

		if !IsTransient(err) {
			return models.Confirmation{}, err
		}

		t.logger.Debug("live send failed, falling back to direct call",
			slog.String("chat_id", msg.ChatID),
			slog.String("local_id", msg.LocalID),
			slog.String("error", err.Error()),
		)
	}

	return t.direct.SendDirect(ctx, msg)
}
