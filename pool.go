package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tutortoise/object-detection-service/detections"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize       = 4
	DefaultAcquireTimeout = 5 * time.Second
	HealthCheckPeriod     = 60 * time.Second

	maxRecordedErrors = 10
)

var (
	ErrPoolClosed     = errors.New("detector pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available detector")
)

// DetectorFactory opens one detector with its own backend.
type DetectorFactory func() (*detections.Detector, error)

// DetectorPool hands out detectors to concurrent requests. A Detector is
// single-flight, so each in-flight request holds one exclusively.
type DetectorPool struct {
	detectors      chan *detections.Detector
	size           int
	factory        DetectorFactory
	acquireTimeout time.Duration
	logger         *zap.SugaredLogger

	mu         sync.Mutex
	closed     bool
	live       int
	lastErrors []error
	done       chan struct{}

	metricsMu sync.RWMutex
	metrics   PoolMetrics
}

// PoolMetrics is a snapshot of pool counters.
type PoolMetrics struct {
	Size            int           `json:"pool_size"`
	Live            int           `json:"detectors_live"`
	InUse           int           `json:"detectors_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	TotalDiscarded  int64         `json:"total_discarded"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time_ns"`
	LastErrors      []string      `json:"last_errors,omitempty"`
}

func NewDetectorPool(size int, acquireTimeout time.Duration, factory DetectorFactory, logger *zap.SugaredLogger) (*DetectorPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	pool := &DetectorPool{
		detectors:      make(chan *detections.Detector, size),
		size:           size,
		factory:        factory,
		acquireTimeout: acquireTimeout,
		logger:         logger,
		done:           make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		d, err := factory()
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to initialize detector %d: %w", i, err), pool.Destroy())
		}
		pool.live++
		pool.detectors <- d
	}

	go pool.healthCheck(HealthCheckPeriod)

	logger.Infow("detector pool ready", "size", size, "acquire_timeout", acquireTimeout)
	return pool, nil
}

func (p *DetectorPool) Acquire(ctx context.Context) (*detections.Detector, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metricsMu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.metricsMu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case d, ok := <-p.detectors:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metricsMu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metricsMu.Unlock()
		return d, nil
	case <-timer.C:
		p.metricsMu.Lock()
		p.metrics.AcquireFailures++
		p.metricsMu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a detector to the pool.
func (p *DetectorPool) Release(d *detections.Detector) {
	p.metricsMu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.metricsMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.closeDetector(d)
		return
	}
	p.detectors <- d
}

// Discard closes a detector whose backend failed instead of returning it.
// The health check opens a replacement.
func (p *DetectorPool) Discard(d *detections.Detector, cause error) {
	p.metricsMu.Lock()
	p.metrics.InUse--
	p.metrics.TotalDiscarded++
	p.metricsMu.Unlock()

	p.recordError(cause)
	p.logger.Warnw("discarding detector", "error", cause)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.live--
	p.closeDetector(d)
}

func (p *DetectorPool) closeDetector(d *detections.Detector) {
	if err := d.Close(); err != nil {
		p.logger.Warnw("closing detector", "error", err)
	}
}

func (p *DetectorPool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	close(p.done)
	close(p.detectors)

	var err error
	for d := range p.detectors {
		err = multierr.Append(err, d.Close())
	}
	return err
}

func (p *DetectorPool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish opens detectors until the pool is back at its configured size.
func (p *DetectorPool) replenish() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		d, err := p.factory()
		if err != nil {
			p.recordError(err)
			p.logger.Errorw("failed to replenish detector", "error", err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.closeDetector(d)
			return
		}
		p.live++
		p.detectors <- d
		p.mu.Unlock()
	}
}

func (p *DetectorPool) recordError(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > maxRecordedErrors {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *DetectorPool) GetMetrics() PoolMetrics {
	p.metricsMu.RLock()
	m := p.metrics
	p.metricsMu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	m.Size = p.size
	m.Live = p.live
	for _, err := range p.lastErrors {
		m.LastErrors = append(m.LastErrors, err.Error())
	}
	return m
}
