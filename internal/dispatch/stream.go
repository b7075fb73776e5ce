package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lumenpay/lumenpay/internal/domain/event"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream    = "lumenpay:events"
	defaultStreamLen = 100_000
)

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// StreamPublisher appends every event to a Redis stream for out-of-process
// consumers.
type StreamPublisher struct {
	client streamAdder
	stream string
	maxLen int64
}

func NewStreamPublisher(client streamAdder, stream string) *StreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamPublisher{client: client, stream: stream, maxLen: defaultStreamLen}
}

func (s *StreamPublisher) Name() string { return "stream" }

func (s *StreamPublisher) Handle(ctx context.Context, ev event.Lifecycle) error {
	data, err := json.Marshal(NewPayload(ev))
	if err != nil {
		return fmt.Errorf("marshal stream payload: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":      string(ev.Kind),
			"record_id": ev.RecordID.String(),
			"payload":   string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
