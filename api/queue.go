package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/tenant_core/config"
	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/queue"
	"github.com/mmdatafocus/tenant_core/utils"
	"github.com/sirupsen/logrus"
)

// PubSubPushEnvelope is the body Pub/Sub push subscriptions POST to us.
type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		ID         string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// IngestMessage is the decoded message data of a push delivery.
type IngestMessage struct {
	TenantId       string          `json:"tenant_id" validate:"required,max=64"`
	Kind           string          `json:"kind" validate:"required,max=100"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=255"`
	Payload        json.RawMessage `json:"payload"`
}

type discardRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

func (s *Server) enqueueItem(c *gin.Context) {
	var req queue.EnqueueRequest
	if !bind(c, &req) {
		return
	}
	item, created, err := s.Queue.Enqueue(c.Request.Context(), tenantOf(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"item": item, "created": created})
}

func (s *Server) getQueueItem(c *gin.Context) {
	item, err := s.Queue.Get(c.Request.Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) listDeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	items, err := s.Queue.ListDeadLetters(c.Request.Context(), c.Param("tenant"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) requeueDeadLetter(c *gin.Context) {
	item, err := s.Queue.RequeueDeadLetter(c.Request.Context(), c.Param("tenant"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) discardDeadLetter(c *gin.Context) {
	var req discardRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	item, err := s.Queue.DiscardDeadLetter(c.Request.Context(), c.Param("tenant"), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// pubsubIngest turns an authenticated push delivery into a queue item keyed by the message id,
// so redeliveries collapse onto one item. Messages that can never be enqueued
// are acked with 204; transient failures return 500 so Pub/Sub redelivers.
func (s *Server) pubsubIngest(c *gin.Context) {
	logger := s.Logger.WithFields(logrus.Fields{"field": "PubSubIngest"})
	// The tenant comes from the message body, so the push endpoint only
	// accepts deliveries carrying the shared token. No token configured means
	// nothing is accepted.
	want := s.Settings.PubSubIngestToken
	if want == "" || subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(want)) != 1 {
		if want == "" {
			logger.Warn("push delivery refused: PUBSUB_INGEST_TOKEN is not configured")
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var env PubSubPushEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		logger.Warn("malformed push envelope: " + err.Error())
		c.Status(http.StatusNoContent)
		return
	}
	logger = logger.WithFields(logrus.Fields{
		"message_id":   env.Message.ID,
		"subscription": env.Subscription,
	})
	if len(env.Message.Data) == 0 {
		logger.Warn("empty push message")
		c.Status(http.StatusNoContent)
		return
	}

	var msg IngestMessage
	if err := json.Unmarshal(env.Message.Data, &msg); err != nil {
		logger.Warn("undecodable message data: " + err.Error())
		c.Status(http.StatusNoContent)
		return
	}
	if err := utils.ValidateStruct(msg); err != nil {
		logger.Warn("invalid message: " + err.Error())
		c.Status(http.StatusNoContent)
		return
	}
	key := msg.IdempotencyKey
	if key == "" {
		key = "pubsub:" + env.Message.ID
	}

	var payload any
	if len(msg.Payload) > 0 {
		payload = msg.Payload
	}

	ctx := utils.SetTenantIdInContext(c.Request.Context(), msg.TenantId)
	item, created, err := s.Queue.Enqueue(ctx, msg.TenantId, queue.EnqueueRequest{
		Kind:           msg.Kind,
		IdempotencyKey: key,
		Payload:        payload,
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidInput) {
			logger.Warn("message rejected: " + err.Error())
			c.Status(http.StatusNoContent)
			return
		}
		config.LogError(s.Logger, "api/queue.go", "pubsubIngest", "Enqueue", msg.Kind, err)
		c.Status(http.StatusInternalServerError)
		return
	}
	logger.WithFields(logrus.Fields{
		"tenant_id": msg.TenantId,
		"item_id":   item.ID,
		"created":   created,
	}).Debug("push message enqueued")
	c.Status(http.StatusNoContent)
}
