package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/mmdatafocus/tenant_core/appctx"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

const pubsubConnectAttempts = 5

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

// GetClient returns the shared Pub/Sub client, dialing it on first use.
// Credentials come from PUBSUB_CREDENTIALS_JSON when set, else ADC.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := firstEnv("PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT")
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	err := dialWithRetry(ctx, "pubsub", pubsubConnectAttempts, logrus.Fields{"project_id": projectID}, func() error {
		c, err := pubsub.NewClient(ctx, projectID, opts...)
		if err != nil {
			return err
		}
		pubsubClient = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pubsubClient, nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// CreateTopicIfNotExists returns a handle to topic, creating it when missing.
// Publishing through the handle is ordered per ordering key.
func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		if t, err = c.CreateTopic(ctx, topic); err != nil {
			return nil, fmt.Errorf("create topic %q: %w", topic, err)
		}
	}
	t.EnableMessageOrdering = true
	return t, nil
}

// PublishJSON publishes obj as JSON and returns the server-assigned message ID.
// Messages sharing a tenant_id attribute are delivered in publish order, and the
// request correlation id travels as an attribute.
func PublishJSON(ctx context.Context, t *pubsub.Topic, attrs map[string]string, obj any) (string, error) {
	if t == nil {
		return "", errors.New("topic is nil")
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	if cid, ok := appctx.GetString(ctx, appctx.ContextKeyCorrelationId); ok && cid != "" {
		if attrs == nil {
			attrs = map[string]string{}
		}
		attrs["correlation_id"] = cid
	}
	orderingKey := attrs["tenant_id"]
	id, err := t.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: orderingKey,
	}).Get(ctx)
	if err != nil && orderingKey != "" {
		// A failed ordered publish pauses the key until resumed.
		t.ResumePublish(orderingKey)
	}
	return id, err
}

func ClosePubSub() error {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient == nil {
		return nil
	}
	err := pubsubClient.Close()
	pubsubClient = nil
	return err
}
