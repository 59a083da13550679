package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	fieldType    = "type"
	fieldPayload = "payload"

	defaultStreamMaxLen = 100000
)

// RedisStreamPublisher appends events to a Redis stream.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(client *redis.Client, stream string) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: defaultStreamMaxLen}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, evt QuestionnaireSubmitted) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			fieldType:    TypeQuestionnaireSubmitted,
			fieldPayload: string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// decodeMessage extracts the event from a stream entry.
func decodeMessage(msg redis.XMessage) (QuestionnaireSubmitted, error) {
	var evt QuestionnaireSubmitted
	if t, _ := msg.Values[fieldType].(string); t != TypeQuestionnaireSubmitted {
		return evt, fmt.Errorf("entry %s: unsupported event type %q", msg.ID, t)
	}
	raw, ok := msg.Values[fieldPayload].(string)
	if !ok {
		return evt, fmt.Errorf("entry %s: missing payload", msg.ID)
	}
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return evt, fmt.Errorf("entry %s: decode payload: %w", msg.ID, err)
	}
	return evt, nil
}
