// Package dispatch delivers engine outcomes to their consumers. Decisions
// return synchronously from Admit; review and SAR outcomes go out through
// queue sinks with at-least-once delivery tracked by per-tenant cursors.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/veloxpay/sentinel/common/errors"
	"github.com/veloxpay/sentinel/internal/metrics"
)

// Sink names an outbound queue.
type Sink string

const (
	SinkReview Sink = "review"
	SinkSAR    Sink = "sar"
)

// Writer is the queue producer surface. *kafka.Writer satisfies it; tests
// inject a capture fake.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Outcome is one queued delivery. Seq is the audit sequence that produced
// it, which makes redelivery after a crash idempotent for consumers keyed on
// (tenant, seq).
type Outcome struct {
	Sink     Sink            `json:"sink"`
	TenantID string          `json:"tenant_id"`
	Seq      uint64          `json:"seq"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	At       time.Time       `json:"at"`
}

// Dispatcher owns the outbound queues. Deliveries stay pending until the
// writer accepts them, so a sink outage backs up in memory rather than
// dropping outcomes.
type Dispatcher struct {
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	mu      sync.Mutex
	writers map[Sink]Writer
	pending map[Sink][]*Outcome
	cursors map[Sink]map[string]uint64

	notify     chan struct{}
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New creates a dispatcher with the given sink writers. A missing writer
// leaves its sink queueing in memory only.
func New(logger *zap.SugaredLogger, m *metrics.Metrics, writers map[Sink]Writer) *Dispatcher {
	if writers == nil {
		writers = make(map[Sink]Writer)
	}
	return &Dispatcher{
		logger:     logger,
		metrics:    m,
		writers:    writers,
		pending:    make(map[Sink][]*Outcome),
		cursors:    make(map[Sink]map[string]uint64),
		notify:     make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the flush loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.flushLoop()
}

// Stop drains what it can within the context deadline, then closes writers.
func (d *Dispatcher) Stop(ctx context.Context) error {
	close(d.shutdownCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, w := range d.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Enqueue queues one outcome for delivery. payload is marshaled immediately
// so later mutation of the source object cannot change what ships.
func (d *Dispatcher) Enqueue(sink Sink, tenantID string, seq uint64, kind string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(errors.CodeProcessingFailed, "marshal outcome", err)
	}
	out := &Outcome{
		Sink:     sink,
		TenantID: tenantID,
		Seq:      seq,
		Kind:     kind,
		Payload:  raw,
		At:       time.Now().UTC(),
	}
	d.mu.Lock()
	d.pending[sink] = append(d.pending[sink], out)
	depth := len(d.pending[sink])
	d.mu.Unlock()
	d.metrics.DispatchPending.WithLabelValues(string(sink)).Set(float64(depth))

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// Cursor returns the highest delivered audit sequence for (sink, tenant).
func (d *Dispatcher) Cursor(sink Sink, tenantID string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[sink][tenantID]
}

// Pending returns the queue depth for a sink.
func (d *Dispatcher) Pending(sink Sink) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending[sink])
}

func (d *Dispatcher) flushLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.shutdownCh:
			d.flush(context.Background())
			return
		case <-d.notify:
			d.flush(context.Background())
		case <-ticker.C:
			d.flush(context.Background())
		}
	}
}

// flush attempts delivery of everything pending, sink by sink, in order.
// A failed write leaves the remainder queued for the next pass.
func (d *Dispatcher) flush(ctx context.Context) {
	d.mu.Lock()
	sinks := make([]Sink, 0, len(d.pending))
	for s := range d.pending {
		sinks = append(sinks, s)
	}
	d.mu.Unlock()

	for _, sink := range sinks {
		d.flushSink(ctx, sink)
	}
}

func (d *Dispatcher) flushSink(ctx context.Context, sink Sink) {
	d.mu.Lock()
	w := d.writers[sink]
	queue := d.pending[sink]
	d.mu.Unlock()
	if w == nil || len(queue) == 0 {
		return
	}

	delivered := 0
	for _, out := range queue {
		msg := kafka.Message{
			Key:   []byte(out.TenantID),
			Value: mustMarshal(out),
			Time:  out.At,
		}
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := w.WriteMessages(writeCtx, msg)
		cancel()
		if err != nil {
			d.logger.Warnw("outcome delivery failed, will retry",
				"sink", sink,
				"tenant", out.TenantID,
				"seq", out.Seq,
				"error", err)
			break
		}
		delivered++
		d.mu.Lock()
		byTenant, ok := d.cursors[sink]
		if !ok {
			byTenant = make(map[string]uint64)
			d.cursors[sink] = byTenant
		}
		if out.Seq > byTenant[out.TenantID] {
			byTenant[out.TenantID] = out.Seq
		}
		d.mu.Unlock()
	}

	if delivered > 0 {
		d.mu.Lock()
		d.pending[sink] = append(d.pending[sink][:0], d.pending[sink][delivered:]...)
		depth := len(d.pending[sink])
		d.mu.Unlock()
		d.metrics.DispatchPending.WithLabelValues(string(sink)).Set(float64(depth))
	}
}

func mustMarshal(v interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// Outcome is marshal-safe by construction.
		panic(err)
	}
	return raw
}
