package mq

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestKafkaHeadersCarryMessageMetadata(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	msg := &Message{
		ID:         "sub-1",
		Body:       []byte(`{"userId":7}`),
		Timestamp:  ts,
		RetryCount: 2,
		MaxRetries: 5,
	}
	msg.SetHeader("event", "submission.persisted")

	km := toKafkaMessage("grading.submission.persisted", msg)
	if string(km.Key) != "sub-1" || km.Topic != "grading.submission.persisted" {
		t.Fatalf("unexpected kafka message: key=%q topic=%q", km.Key, km.Topic)
	}

	got := fromKafkaMessage(km)
	if got.ID != "sub-1" || got.RetryCount != 2 || got.MaxRetries != 5 {
		t.Fatalf("metadata lost: %+v", got)
	}
	if !got.Timestamp.Equal(ts) {
		t.Fatalf("expected timestamp %v, got %v", ts, got.Timestamp)
	}
	if v, ok := got.GetHeader("event"); !ok || v != "submission.persisted" {
		t.Fatalf("expected custom header, got %q", v)
	}
	if _, ok := got.GetHeader(headerID); ok {
		t.Fatalf("reserved headers must not leak into Headers")
	}
}

func TestFromKafkaMessageFallsBackToKey(t *testing.T) {
	t.Parallel()
	got := fromKafkaMessage(kafka.Message{Key: []byte("k-9"), Value: []byte("x")})
	if got.ID != "k-9" {
		t.Fatalf("expected key as id, got %q", got.ID)
	}
}

func TestSubscribeOptionsDefaults(t *testing.T) {
	t.Parallel()
	var opts SubscribeOptions
	opts.SetDefaults()
	if opts.Concurrency != 1 || opts.MaxRetries != 3 || opts.RetryDelay != time.Second {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
}

func TestNewKafkaQueueRequiresBrokers(t *testing.T) {
	t.Parallel()
	if _, err := NewKafkaQueue(KafkaConfig{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
}
