package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	applog "matebot/internal/log"
	"matebot/internal/storage"
)

// IdleProcessorConfig holds configuration for the idle processor
type IdleProcessorConfig struct {
	// Timeout is how long an open operation may stay untouched (0 disables)
	Timeout time.Duration

	// CheckInterval is how often to look for idle operations (default: 1m)
	CheckInterval time.Duration
}

// DefaultIdleProcessorConfig returns sensible defaults
func DefaultIdleProcessorConfig() IdleProcessorConfig {
	return IdleProcessorConfig{
		Timeout:       0,
		CheckInterval: time.Minute,
	}
}

// IdleProcessor cancels open operations that nobody touched for longer than
// the configured timeout. Expiry goes through the collective service, so
// per-operation locks, status checks and notifications apply as for a
// user cancel.
type IdleProcessor struct {
	store   storage.OperationStore
	service *CollectiveService
	config  IdleProcessorConfig
	logger  *applog.Logger

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewIdleProcessor creates a new idle processor
func NewIdleProcessor(store storage.OperationStore, service *CollectiveService, config IdleProcessorConfig, logger *applog.Logger) *IdleProcessor {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultIdleProcessorConfig().CheckInterval
	}
	return &IdleProcessor{
		store:   store,
		service: service,
		config:  config,
		logger:  logger.WithComponent(applog.ComponentSweeper),
	}
}

// Enabled reports whether a timeout is configured.
func (p *IdleProcessor) Enabled() bool {
	return p.config.Timeout > 0
}

// CancelIdle expires every open operation last updated before now minus the
// timeout and returns how many were cancelled.
func (p *IdleProcessor) CancelIdle(ctx context.Context, now time.Time) (int, error) {
	if p.store == nil || p.service == nil {
		return 0, fmt.Errorf("processor not properly initialized")
	}
	if !p.Enabled() {
		return 0, nil
	}

	cutoff := now.Add(-p.config.Timeout)
	ids, err := p.store.ListIdleOperations(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list idle operations: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	p.logger.InfoContext(ctx, "Processing idle operations",
		"total_idle", len(ids),
		"cutoff", cutoff.Format(time.RFC3339))

	expired := 0
	for _, id := range ids {
		ok, err := p.service.Expire(ctx, id, cutoff)
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to expire operation",
				applog.FieldOperationID, id,
				applog.FieldError, err)
			continue
		}
		if !ok {
			// Touched or closed since the listing.
			continue
		}
		expired++
	}

	p.logger.InfoContext(ctx, "Idle processing complete",
		"expired", expired,
		"total_checked", len(ids))

	return expired, nil
}

// Start begins the check loop. Returns an error if already running. A
// disabled processor starts nothing.
func (p *IdleProcessor) Start(ctx context.Context) error {
	if !p.Enabled() {
		p.logger.InfoContext(ctx, "Idle timeout disabled")
		return nil
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("idle processor is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	go p.runLoop(ctx, stopCh, doneCh)

	p.logger.InfoContext(ctx, "Idle processor started",
		"timeout", p.config.Timeout,
		"check_interval", p.config.CheckInterval)

	return nil
}

// Stop gracefully stops the processor and waits for completion.
func (p *IdleProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		p.logger.InfoContext(ctx, "Idle processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WarnContext(ctx, "Idle processor stop timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the processor is currently running
func (p *IdleProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// runLoop clears the running flag itself, so a loop ended by ctx can be
// started again.
func (p *IdleProcessor) runLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer func() {
		p.mu.Lock()
		if p.doneCh == doneCh {
			p.running = false
		}
		p.mu.Unlock()
		close(doneCh)
	}()

	ticker := time.NewTicker(p.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.CancelIdle(ctx, time.Now()); err != nil {
				p.logger.ErrorContext(ctx, "Idle check failed", applog.FieldError, err)
			}
		}
	}
}
