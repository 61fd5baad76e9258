package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultStreamKey = "custody:transfer-events"

// Keep the stream bounded; consumers needing full history read the store.
const streamMaxLen = 100_000

// RedisNotifier publishes transfer events to a Redis stream for
// downstream consumers (websocket gateways, webhook dispatchers).
type RedisNotifier struct {
	client    *redis.Client
	streamKey string
}

func NewRedisNotifier(client *redis.Client, streamKey string) *RedisNotifier {
	if streamKey == "" {
		streamKey = defaultStreamKey
	}
	return &RedisNotifier{client: client, streamKey: streamKey}
}

func (n *RedisNotifier) Name() string { return "redis" }

func (n *RedisNotifier) Notify(ctx context.Context, event TransferEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal transfer event: %w", err)
	}
	err = n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.streamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"account_id": event.AccountID.String(),
			"tx_hash":    event.TxHash,
			"status":     string(event.Status),
			"payload":    payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish transfer event: %w", err)
	}
	return nil
}
