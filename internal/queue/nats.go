package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pitabwire/callhook/model"
)

// NATSQueue is a JetStream-stream-backed Queue (domain-stack addition,
// grounded on the teacher's unexercised indirect nats.go/natspubsub
// dependency) for hosts that run the dispatcher across multiple processes
// and want the bounded-handoff contract to survive a process restart
// without a full Store. Optional, off by default.
type NATSQueue struct {
	js       jetstream.JetStream
	subject  string
	consumer jetstream.Consumer
}

// NATSQueueConfig configures a NATSQueue.
type NATSQueueConfig struct {
	StreamName    string
	Subject       string
	ConsumerName  string
	MaxMessages   int64 // stream retention cap; 0 means unbounded
}

// NewNATSQueue connects a NATSQueue to an already-dialed nats.Conn,
// creating the backing stream and durable consumer if they do not exist.
func NewNATSQueue(ctx context.Context, nc *nats.Conn, cfg NATSQueueConfig) (*NATSQueue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("queue: jetstream.New: %w", err)
	}

	streamCfg := jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.Subject},
	}
	if cfg.MaxMessages > 0 {
		streamCfg.MaxMsgs = cfg.MaxMessages
		streamCfg.Discard = jetstream.DiscardNew
	}
	stream, err := js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("queue: create stream %s: %w", cfg.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: create consumer %s: %w", cfg.ConsumerName, err)
	}

	return &NATSQueue{js: js, subject: cfg.Subject, consumer: consumer}, nil
}

// Enqueue implements Queue. Publish acknowledgment from the stream
// provides the backpressure contract: a stream at MaxMsgs rejects the
// publish until space frees up.
func (q *NATSQueue) Enqueue(ctx context.Context, req *model.CallbackRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("queue: marshal request: %w", err)
	}
	_, err = q.js.Publish(ctx, q.subject, data)
	if err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// Dequeue implements Queue. Messages are acknowledged immediately once
// successfully decoded — delivery is at-least-once, matching the spec's
// explicit non-goal of exactly-once delivery.
func (q *NATSQueue) Dequeue(ctx context.Context) (*model.CallbackRequest, error) {
	batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("queue: fetch: %w", err)
	}

	select {
	case msg, ok := <-batch.Messages():
		if !ok {
			return nil, batch.Error()
		}
		var req model.CallbackRequest
		if err := json.Unmarshal(msg.Data(), &req); err != nil {
			_ = msg.Nak()
			return nil, fmt.Errorf("queue: unmarshal request: %w", err)
		}
		if err := msg.Ack(); err != nil {
			return nil, fmt.Errorf("queue: ack: %w", err)
		}
		return &req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Queue. JetStream streams outlive the process, so
// Close is a no-op; the nats.Conn stays open and is closed by its owner.
func (q *NATSQueue) Close() {}

// HealthCheck implements observability.HealthChecker by confirming the
// consumer's backing stream still responds.
func (q *NATSQueue) HealthCheck(ctx context.Context) error {
	_, err := q.consumer.Info(ctx)
	if err != nil {
		return fmt.Errorf("queue: consumer info: %w", err)
	}
	return nil
}
