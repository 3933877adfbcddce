// Package notify fans usage alerts and dead-letter notices out to Pub/Sub.
package notify

import (
	"context"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/mmdatafocus/tenant_core/config"
	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/usage"
	"github.com/sirupsen/logrus"
)

// DeadLetterNotice is the message published when a queue item is dead-lettered.
type DeadLetterNotice struct {
	TenantId      string    `json:"tenant_id"`
	ItemId        string    `json:"item_id"`
	Kind          string    `json:"kind"`
	AttemptCount  int       `json:"attempt_count"`
	FailureReason string    `json:"failure_reason"`
	At            time.Time `json:"at"`
}

type Publisher struct {
	alerts      *pubsub.Topic
	deadLetters *pubsub.Topic
	logger      *logrus.Logger
	timeout     time.Duration
}

// NewPublisher resolves the topics, creating them when missing. An empty
// topic name disables that stream.
func NewPublisher(ctx context.Context, client *pubsub.Client, alertTopic, deadLetterTopic string, logger *logrus.Logger) (*Publisher, error) {
	p := &Publisher{logger: logger, timeout: 10 * time.Second}
	var err error
	if alertTopic != "" {
		if p.alerts, err = config.CreateTopicIfNotExists(ctx, client, alertTopic); err != nil {
			return nil, err
		}
	}
	if deadLetterTopic != "" {
		if p.deadLetters, err = config.CreateTopicIfNotExists(ctx, client, deadLetterTopic); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Publisher) PublishUsageAlert(ctx context.Context, alert usage.UsageAlert) error {
	if p.alerts == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	id, err := config.PublishJSON(ctx, p.alerts, map[string]string{
		"tenant_id": alert.TenantId,
		"threshold": strconv.Itoa(alert.Threshold),
		"type":      "usage.alert",
	}, alert)
	if err != nil {
		return err
	}
	p.logger.WithFields(logrus.Fields{
		"field":      "AlertPublisher",
		"tenant_id":  alert.TenantId,
		"threshold":  alert.Threshold,
		"message_id": id,
	}).Info("usage alert published")
	return nil
}

// OnDeadLetter is registered as a queue dead-letter hook. Publish failures are
// logged only; the item itself is already safely parked.
func (p *Publisher) OnDeadLetter(ctx context.Context, item models.QueueItem) {
	if p.deadLetters == nil {
		return
	}
	notice := DeadLetterNotice{
		TenantId:     item.TenantId,
		ItemId:       item.ID,
		Kind:         item.Kind,
		AttemptCount: item.AttemptCount,
		At:           time.Now().UTC(),
	}
	if item.FailureReason != nil {
		notice.FailureReason = *item.FailureReason
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if _, err := config.PublishJSON(ctx, p.deadLetters, map[string]string{
		"tenant_id": item.TenantId,
		"kind":      item.Kind,
		"type":      "queue.dead_letter",
	}, notice); err != nil {
		config.LogError(p.logger, "notify/pubsub.go", "OnDeadLetter", "PublishJSON", notice, err)
	}
}

// Stop flushes pending publishes.
func (p *Publisher) Stop() {
	if p.alerts != nil {
		p.alerts.Stop()
	}
	if p.deadLetters != nil {
		p.deadLetters.Stop()
	}
}
