// Package events publishes run outcomes to NSQ for the surrounding
// application's activity feed. Publishing is fire-and-forget: a broker
// outage never fails an index or continuity request.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// IndexResultPayload describes the outcome of one reconcile run.
type IndexResultPayload struct {
	TotalChunks   int      `json:"total_chunks"`
	Chapters      []string `json:"chapters"`
	Embedded      int      `json:"embedded"`
	Skipped       int      `json:"skipped"`
	Deleted       int      `json:"deleted"`
	EmbedFailures int      `json:"embed_failures"`
	FinishedAt    string   `json:"finished_at"`
	CorrelationID string   `json:"correlation_id"`
}

// ContinuityResultPayload describes the outcome of one continuity check.
type ContinuityResultPayload struct {
	Kind          string `json:"kind"` // "text" or "sequence"
	Score         int    `json:"score"`
	Status        string `json:"status"`
	MissingLinks  int    `json:"missing_links"`
	Incomplete    bool   `json:"incomplete"`
	FinishedAt    string `json:"finished_at"`
	CorrelationID string `json:"correlation_id"`
}

// Producer is the slice of go-nsq's Producer the publisher needs.
type Producer interface {
	Publish(topic string, body []byte) error
}

type Publisher struct {
	producer Producer
}

func NewPublisher(p Producer) *Publisher {
	return &Publisher{producer: p}
}

// Publish marshals and sends the payload, logging failures instead of
// propagating them.
func (p *Publisher) Publish(ctx context.Context, topic string, payload interface{}) {
	if p == nil || p.producer == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal event payload", "topic", topic, "error", err)
		return
	}
	if err := p.producer.Publish(topic, body); err != nil {
		slog.WarnContext(ctx, "failed to publish event", "topic", topic, "error", err)
		return
	}
	slog.DebugContext(ctx, "event published", "topic", topic)
}

// Timestamp formats event times consistently across payloads.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
