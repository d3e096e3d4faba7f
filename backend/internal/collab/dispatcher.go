package collab

import (
	"context"
	"sync"
	"time"

	"collabSync/backend/internal/logging"
	"collabSync/backend/internal/metrics"
	"collabSync/backend/internal/ot"
)

// Sink is one downstream consumer of accepted entries.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, docID string, e ot.Entry) error
}

type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
}

func (o *DispatcherOptions) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
}

type dispatchJob struct {
	docID string
	entry ot.Entry
}

// Dispatcher moves accepted entries to a Sink off the accept path: a bounded
// queue drained by a fixed set of workers with capped exponential backoff.
// Publish never blocks; when the queue is full the entry is dropped and
// counted, the in-memory log stays authoritative.
type Dispatcher struct {
	sink  Sink
	queue chan dispatchJob
	sem   *SemaphoreControl

	mu      sync.Mutex
	closed  bool
	pending map[string]int

	wg      sync.WaitGroup
	opts    DispatcherOptions
	logger  logging.Logger
	metrics *metrics.Collab
}

func NewDispatcher(sink Sink, sem *SemaphoreControl, opts DispatcherOptions, logger logging.Logger, m *metrics.Collab) *Dispatcher {
	opts.defaults()
	if logger == nil {
		logger = logging.Nop()
	}
	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan dispatchJob, opts.QueueSize),
		sem:     sem,
		pending: make(map[string]int),
		opts:    opts,
		logger:  logger.With("sink", sink.Name()),
		metrics: m,
	}
	d.start()
	return d
}

func (d *Dispatcher) start() {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *Dispatcher) Publish(docID string, e ot.Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.drop(docID, e, "dispatcher closed")
		return
	}
	select {
	case d.queue <- dispatchJob{docID: docID, entry: e}:
		d.pending[docID]++
	default:
		d.drop(docID, e, "queue full")
	}
}

func (d *Dispatcher) drop(docID string, e ot.Entry, reason string) {
	d.metrics.Dropped(d.sink.Name())
	d.logger.Error(context.Background(), "dispatch dropped",
		"doc", docID, "op", e.ID, "version", e.Version, "reason", reason)
}

// Pending is the number of queued or in-flight entries for docID.
func (d *Dispatcher) Pending(docID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[docID]
}

func (d *Dispatcher) done(docID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[docID] <= 1 {
		delete(d.pending, docID)
		return
	}
	d.pending[docID]--
}

// Close stops accepting entries and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for job := range d.queue {
		d.sendWithRetry(workerID, job)
		d.done(job.docID)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, job dispatchJob) {
	for attempt := 0; attempt <= d.opts.MaxRetry; attempt++ {
		err := d.sendOnce(job)
		if err == nil {
			return
		}
		if attempt == d.opts.MaxRetry {
			d.metrics.Dropped(d.sink.Name())
			d.logger.Error(context.Background(), "dispatch failed, dropping entry",
				"doc", job.docID, "op", job.entry.ID, "version", job.entry.Version,
				"worker", workerID, "err", err)
			return
		}
		d.metrics.Retried(d.sink.Name())
		backoff := d.opts.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(job dispatchJob) error {
	if d.sem != nil {
		_ = d.sem.Acquire(context.Background())
		defer d.sem.Release()
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()
	return d.sink.Deliver(ctx, job.docID, job.entry)
}

// Fanout publishes to several publishers; an entry is pending while any of
// them still holds it.
type Fanout []Publisher

func (f Fanout) Publish(docID string, e ot.Entry) {
	for _, p := range f {
		p.Publish(docID, e)
	}
}

func (f Fanout) Pending(docID string) int {
	n := 0
	for _, p := range f {
		n += p.Pending(docID)
	}
	return n
}

// StoreSink writes entries to the durable operation store.
type StoreSink struct {
	Store OperationStore
}

func (StoreSink) Name() string { return "store" }

func (s StoreSink) Deliver(ctx context.Context, docID string, e ot.Entry) error {
	return s.Store.AppendOperation(ctx, docID, e)
}
