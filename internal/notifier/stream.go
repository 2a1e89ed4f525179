package notifier

import (
	"context"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/torigood/PulseCall/internal/redisx"
)

// streamMaxLen keeps the dashboard stream bounded.
const streamMaxLen = 10000

// StreamNotifier appends alerts to a Redis stream read by dashboards.
type StreamNotifier struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

func NewStreamNotifier(client *redis.Client, stream string, logger *zap.Logger) *StreamNotifier {
	return &StreamNotifier{client: client, stream: stream, logger: logger}
}

func (n *StreamNotifier) Notify(ctx context.Context, alert Alert) error {
	id, err := redisx.PublishJSON(ctx, n.client, n.stream, alert, streamMaxLen)
	if err != nil {
		return err
	}
	n.logger.Debug("Escalation appended to stream",
		zap.String("stream", n.stream),
		zap.String("message_id", id),
	)
	return nil
}
