package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mmdatafocus/tenant_core/models"
	"github.com/mmdatafocus/tenant_core/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Handler processes one leased item. Returning nil completes it; wrap the
// error with Permanent to dead-letter it immediately; any other error retries.
type Handler func(ctx context.Context, item models.QueueItem) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type ProcessorConfig struct {
	WorkerId     string
	BatchSize    int
	Concurrency  int
	PollInterval time.Duration
	ReapInterval time.Duration
}

// Processor runs the claim -> handle -> complete loop for registered kinds.
type Processor struct {
	manager *Manager
	logger  *logrus.Logger
	cfg     ProcessorConfig

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewProcessor(m *Manager, cfg ProcessorConfig, logger *logrus.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Processor{
		manager:  m,
		logger:   logger,
		cfg:      cfg,
		handlers: map[string]Handler{},
	}
}

func (p *Processor) Handle(kind string, h Handler) {
	p.mu.Lock()
	p.handlers[kind] = h
	p.mu.Unlock()
}

func (p *Processor) handler(kind string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[kind]
	return h, ok
}

// Run polls until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		n, err := p.ProcessOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.WithFields(logrus.Fields{
				"field":     "QueueProcessor",
				"worker_id": p.cfg.WorkerId,
			}).Error("claim failed: " + err.Error())
		}
		if n > 0 && err == nil {
			// Drain without sleeping while there is work.
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunReaper periodically reclaims expired leases until ctx is cancelled.
func (p *Processor) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.manager.ReclaimExpiredLeases(ctx); err != nil && ctx.Err() == nil {
				p.logger.WithFields(logrus.Fields{
					"field": "QueueProcessor",
				}).Error("reclaim failed: " + err.Error())
			}
		}
	}
}

// ProcessOnce claims one batch and handles it. It returns the batch size.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	items, err := p.manager.ClaimBatch(ctx, p.cfg.WorkerId, p.cfg.BatchSize, 0)
	if err != nil || len(items) == 0 {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, item := range items {
		item := item
		g.Go(func() error {
			p.process(gctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return len(items), nil
}

func (p *Processor) process(ctx context.Context, item models.QueueItem) {
	logger := p.logger.WithFields(logrus.Fields{
		"field":     "QueueProcessor",
		"tenant_id": item.TenantId,
		"item_id":   item.ID,
		"kind":      item.Kind,
		"attempt":   item.AttemptCount + 1,
	})

	hctx := utils.SetTenantIdInContext(ctx, item.TenantId)
	hctx = utils.SetWorkerIdInContext(hctx, p.cfg.WorkerId)
	hctx = utils.SetCorrelationIdInContext(hctx, item.ID)

	outcome := Success()
	if err := p.invoke(hctx, item); err != nil {
		switch {
		case IsPermanent(err):
			outcome = Failed(err.Error())
		case errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrForbidden):
			// Re-running the same payload cannot succeed.
			outcome = Failed(err.Error())
		default:
			outcome = Retriable(err.Error())
		}
		logger.Warn("handler failed: " + err.Error())
	}

	if _, err := p.manager.Complete(ctx, item.ID, p.cfg.WorkerId, outcome.From(item)); err != nil {
		if errors.Is(err, models.ErrLeaseExpired) {
			logger.Warn("lease expired before completion; item will be reclaimed")
			return
		}
		logger.Error("complete failed: " + err.Error())
	}
}

func (p *Processor) invoke(ctx context.Context, item models.QueueItem) (err error) {
	h, ok := p.handler(item.Kind)
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for kind %q", item.Kind))
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"field":   "QueueProcessor",
				"item_id": item.ID,
				"stack":   string(debug.Stack()),
			}).Error("handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, item)
}
