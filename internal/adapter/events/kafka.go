// Package events publishes engine lifecycle events to Kafka.
//
// Downstream dashboards and audit pipelines consume the topic; the engine
// itself never reads it back. Publishing is fire-and-forget: a broker
// outage costs events, not uploads.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/upload-orchestrator/internal/service/events"
)

// TopicLifecycle is the Kafka topic for engine lifecycle events.
const TopicLifecycle = "upload-lifecycle"

// Publisher forwards bus events to Kafka.
type Publisher struct {
	client *kgo.Client
}

// NewPublisher connects to the given brokers.
func NewPublisher(brokers []string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.publisher: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(TopicLifecycle),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.RequestRetries(5),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.publisher: %w", err)
	}
	return &Publisher{client: client}, nil
}

type wireEvent struct {
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
	TaskID    string    `json:"task_id,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	WindowID  string    `json:"window_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Run consumes the subscription channel until it closes or ctx is
// cancelled, producing each event asynchronously.
func (p *Publisher) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p.publish(ctx, ev)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev events.Event) {
	b, err := json.Marshal(wireEvent{
		Kind:      string(ev.Kind),
		At:        ev.At,
		TaskID:    ev.TaskID,
		AccountID: ev.AccountID,
		WindowID:  ev.WindowID,
		Detail:    ev.Detail,
	})
	if err != nil {
		slog.Error("event marshal failed", slog.Any("error", err))
		return
	}
	key := ev.TaskID
	if key == "" {
		key = ev.AccountID
	}
	record := &kgo.Record{Key: []byte(key), Value: b}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("event publish failed",
				slog.String("kind", string(ev.Kind)),
				slog.Any("error", err))
		}
	})
}

// Close flushes outstanding records and releases the client.
func (p *Publisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
}
