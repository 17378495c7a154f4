// Package report implements the event reporting pipeline: a bounded,
// lossy-by-design buffer of findings drained to an external sink on a timer,
// with priority findings triggering an immediate out-of-band flush.
package report

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarehq/snare/pkg/config"
	"github.com/snarehq/snare/pkg/httputil"
	"github.com/snarehq/snare/pkg/metrics"
)

// Sink delivers a batch of findings to the outside world. Implementations
// must treat a returned error as "nothing was delivered": the pipeline
// re-queues the whole batch.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, batch []Finding) error
}

// Pipeline buffers findings and drains them asynchronously. All methods are
// safe for concurrent use. Overflow drops the oldest fraction of the buffer
// rather than blocking or growing without bound.
type Pipeline struct {
	cfg     config.ReportConfig
	sink    Sink
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	buf     []Finding
	dropped uint64

	flushing  atomic.Bool
	skipped   atomic.Bool         // a flush lost the buffer hand-off while another ran
	oobFlush  *httputil.Semaphore // bounds concurrent out-of-band flush goroutines
	wake      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewPipeline creates the pipeline and starts its periodic flush loop.
func NewPipeline(cfg config.ReportConfig, sink Sink, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.DropFraction <= 0 || cfg.DropFraction >= 1 {
		cfg.DropFraction = 0.10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:      cfg,
		sink:     sink,
		logger:   logger.With().Str("component", "report").Str("sink", sink.Name()).Logger(),
		metrics:  m,
		buf:      make([]Finding, 0, cfg.BufferSize),
		oobFlush: httputil.NewSemaphore(4),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go p.run()
	return p
}

// Enqueue appends a finding. At capacity the oldest configured fraction is
// dropped first; the insert itself always succeeds. Priority findings
// additionally trigger an immediate background flush.
func (p *Pipeline) Enqueue(f Finding) {
	p.mu.Lock()
	if len(p.buf) >= p.cfg.BufferSize {
		n := int(float64(p.cfg.BufferSize) * p.cfg.DropFraction)
		if n < 1 {
			n = 1
		}
		if n > len(p.buf) {
			n = len(p.buf)
		}
		p.buf = append(p.buf[:0:0], p.buf[n:]...)
		p.dropped += uint64(n)
		if p.metrics != nil {
			p.metrics.FindingsDropped.Add(float64(n))
		}
		p.logger.Warn().Int("dropped", n).Msg("report buffer full, dropped oldest findings")
	}
	p.buf = append(p.buf, f)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.FindingsEnqueued.Inc()
	}

	if f.Priority {
		p.flushAsync()
	}
}

// flushAsync schedules an out-of-band flush without blocking the caller.
// The semaphore keeps a flood of priority findings from spawning a
// goroutine per event.
func (p *Pipeline) flushAsync() {
	if !p.oobFlush.TryAcquire() {
		// A flush is already in flight; the wake channel coalesces the rest.
		p.signalWake()
		return
	}
	go func() {
		defer p.oobFlush.Release()
		if err := p.Flush(p.ctx); err != nil {
			p.logger.Warn().Err(err).Msg("priority flush failed, batch re-queued")
		}
	}()
}

// Flush drains the buffer and attempts delivery. On failure (including
// context cancellation mid-delivery) the batch is re-queued at the front so
// nothing is lost before the next attempt; the capacity policy still applies,
// so sustained sink failure eventually drops the oldest data.
func (p *Pipeline) Flush(ctx context.Context) error {
	if !p.flushing.CompareAndSwap(false, true) {
		// Another flush owns the buffer hand-off. Mark the skip so the owner
		// wakes the loop when it finishes; if it finished between our swap and
		// the mark, wake the loop ourselves.
		p.skipped.Store(true)
		if !p.flushing.Load() {
			p.signalWake()
		}
		return nil
	}
	defer func() {
		p.flushing.Store(false)
		if p.skipped.CompareAndSwap(true, false) {
			p.signalWake()
		}
	}()

	p.mu.Lock()
	if len(p.buf) == 0 {
		p.mu.Unlock()
		return nil
	}
	batch := p.buf
	p.buf = make([]Finding, 0, p.cfg.BufferSize)
	p.mu.Unlock()

	err := p.sink.Deliver(ctx, batch)
	if err == nil {
		return nil
	}

	if p.metrics != nil {
		p.metrics.FlushFailures.Inc()
	}

	// Re-queue at the front, preserving arrival order, then re-apply the cap.
	p.mu.Lock()
	p.buf = append(batch, p.buf...)
	if over := len(p.buf) - p.cfg.BufferSize; over > 0 {
		p.buf = append(p.buf[:0:0], p.buf[over:]...)
		p.dropped += uint64(over)
		if p.metrics != nil {
			p.metrics.FindingsDropped.Add(float64(over))
		}
	}
	p.mu.Unlock()

	return err
}

// signalWake nudges the flush loop without blocking; the buffered channel
// coalesces concurrent nudges.
func (p *Pipeline) signalWake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// run drives periodic flushes until Close.
func (p *Pipeline) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
		if err := p.Flush(p.ctx); err != nil {
			p.logger.Warn().Err(err).Msg("periodic flush failed, will retry next cycle")
		}
	}
}

// Len returns the number of buffered findings.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// DroppedCount returns the cumulative number of findings dropped under
// pressure. Monotonically non-decreasing.
func (p *Pipeline) DroppedCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close stops the flush loop and makes a final bounded delivery attempt.
// Findings that still cannot be delivered are lost, which is acceptable at
// shutdown; mid-life cancellations never lose data.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := p.Flush(ctx); err != nil {
			p.logger.Warn().Err(err).Int("undelivered", p.Len()).Msg("final flush failed")
		}
	})
}
