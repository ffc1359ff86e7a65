package performance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"leetlabs/internal/common/mq"
	"leetlabs/internal/grading/model"
	appErr "leetlabs/pkg/errors"
)

// PersistedTopic carries one event per committed submission.
const PersistedTopic = "grading.submission.persisted"

// SubmissionPersistedEvent announces a committed submission.
type SubmissionPersistedEvent struct {
	SubmissionID string        `json:"submissionId"`
	UserID       int64         `json:"userId"`
	ProblemID    int64         `json:"problemId"`
	Verdict      model.Verdict `json:"verdict"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// EventPublisher hands committed submissions to the aggregator asynchronously.
type EventPublisher interface {
	PublishPersisted(ctx context.Context, submission *model.Submission) error
}

// MQEventPublisher publishes persisted events to a message queue.
type MQEventPublisher struct {
	queue mq.Producer
	topic string
}

// NewMQEventPublisher creates a publisher. An empty topic uses PersistedTopic.
func NewMQEventPublisher(queue mq.Producer, topic string) *MQEventPublisher {
	if topic == "" {
		topic = PersistedTopic
	}
	return &MQEventPublisher{queue: queue, topic: topic}
}

// PublishPersisted publishes the event keyed by submission id.
func (p *MQEventPublisher) PublishPersisted(ctx context.Context, submission *model.Submission) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("performance publisher is not configured")
	}
	if submission == nil || submission.ID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	event := SubmissionPersistedEvent{
		SubmissionID: submission.ID,
		UserID:       submission.UserID,
		ProblemID:    submission.ProblemID,
		Verdict:      submission.OverallVerdict,
		CreatedAt:    submission.CreatedAt,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal persisted event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = submission.ID
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish persisted event failed")
	}
	return nil
}

// HandlePersistedMessage applies a persisted event. Redelivered events are no-ops.
func (a *Aggregator) HandlePersistedMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var event SubmissionPersistedEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "decode persisted event failed")
	}
	if event.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if event.UserID <= 0 {
		return appErr.ValidationError("user_id", "required")
	}
	_, err := a.UpdateAfter(ctx, &model.Submission{
		ID:             event.SubmissionID,
		UserID:         event.UserID,
		ProblemID:      event.ProblemID,
		OverallVerdict: event.Verdict,
		CreatedAt:      event.CreatedAt,
	})
	return err
}

// Subscribe registers the aggregator as the consumer of topic.
func (a *Aggregator) Subscribe(ctx context.Context, consumer mq.Consumer, topic string, opts *mq.SubscribeOptions) error {
	if consumer == nil {
		return fmt.Errorf("consumer is required")
	}
	if topic == "" {
		topic = PersistedTopic
	}
	return consumer.SubscribeWithOptions(ctx, topic, a.HandlePersistedMessage, opts)
}
