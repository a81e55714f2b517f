package collab

import (
	"context"
	"encoding/json"

	"codehive/internal/execution"
	"codehive/internal/logging"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Subscriber opens pub/sub subscriptions. Satisfied by *db.RedisClient.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// ResultBridge relays execution results from the workers' pub/sub
// channel into the fabric. Workers run in separate processes, so this
// is the only path a finished result takes back to connected editors.
type ResultBridge struct {
	sub     Subscriber
	hub     *Hub
	history *execution.HistoryStore
}

// NewResultBridge wires the bridge. history may be nil when the gateway
// does not persist logs itself.
func NewResultBridge(sub Subscriber, hub *Hub, history *execution.HistoryStore) *ResultBridge {
	return &ResultBridge{sub: sub, hub: hub, history: history}
}

// Run consumes result events until the context is cancelled. Malformed
// events are logged and skipped; the subscription itself reconnects
// internally on transport errors.
func (b *ResultBridge) Run(ctx context.Context) {
	pubsub := b.sub.Subscribe(ctx, execution.EventChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handle(msg.Payload)
		}
	}
}

func (b *ResultBridge) handle(payload string) {
	var event execution.ResultEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		logging.L().Warn("dropping malformed result event", zap.Error(err))
		return
	}
	if event.Result == nil || event.RoomID == "" {
		logging.L().Warn("dropping incomplete result event",
			zap.String("submission_id", event.SubmissionID))
		return
	}

	if b.history != nil {
		if err := b.history.RecordResult(event.Result); err != nil {
			logging.L().Warn("failed to record execution result",
				zap.String("submission_id", event.SubmissionID), zap.Error(err))
		}
	}

	b.hub.BroadcastExecutionResult(event.RoomID, event.Result)
}
