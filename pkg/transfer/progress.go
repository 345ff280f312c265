// Package transfer tracks in-flight uploads and downloads.
//
// A Progress is the caller-facing handle of one asynchronous transfer:
// the worker reports byte counts through Tick and finishes with Complete
// or Fail, while any number of observers read counters, subscribe to
// updates, or block in Join until the transfer settles.
package transfer

import (
	"context"
	"sync"
	"time"
)

// Operation names the direction of a transfer.
type Operation string

const (
	OpUpload   Operation = "upload"
	OpDownload Operation = "download"
)

// TotalUnknown marks a transfer whose final size is not known up front.
const TotalUnknown = -1

// Progress is the observable state of one pending transfer.
//
// All methods are safe for concurrent use. The producing side calls Tick
// zero or more times and then exactly one of Complete or Fail; further
// terminal calls are ignored.
type Progress struct {
	op  Operation
	key string

	mu       sync.Mutex
	done     int64
	total    int64
	started  time.Time
	tickAt   time.Time // time of the previous Tick
	tickRate float64   // bytes/s between the last two Ticks
	result   []byte
	err      error
	finished bool

	listeners []func(done, total int64)

	doneCh chan struct{}
}

// NewProgress creates a tracking handle for one transfer of key.
func NewProgress(op Operation, key string) *Progress {
	now := time.Now()
	return &Progress{
		op:      op,
		key:     key,
		total:   TotalUnknown,
		started: now,
		tickAt:  now,
		doneCh:  make(chan struct{}),
	}
}

// Operation returns the transfer direction.
func (p *Progress) Operation() Operation {
	return p.op
}

// Key returns the key being transferred.
func (p *Progress) Key() string {
	return p.key
}

// Tick records transferred byte counts. total may be TotalUnknown.
// Registered listeners are invoked synchronously with the new counts.
func (p *Progress) Tick(done, total int64) {
	p.mu.Lock()

	now := time.Now()
	if elapsed := now.Sub(p.tickAt).Seconds(); elapsed > 0 {
		p.tickRate = float64(done-p.done) / elapsed
	}
	p.tickAt = now
	p.done = done
	p.total = total
	listeners := p.listeners

	p.mu.Unlock()

	for _, fn := range listeners {
		fn(done, total)
	}
}

// OnUpdate registers a callback invoked on every Tick. Callbacks run on
// the producer goroutine and must not block.
func (p *Progress) OnUpdate(fn func(done, total int64)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// Done returns the transferred byte count so far.
func (p *Progress) Done() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Total returns the expected byte count, TotalUnknown when not known.
func (p *Progress) Total() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Percent returns completion in [0,100], or -1 when the total is unknown.
func (p *Progress) Percent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.total <= 0 {
		return -1
	}
	return float64(p.done) / float64(p.total) * 100
}

// ThroughputAvg returns the average transfer rate in bytes/s since the
// transfer started.
func (p *Progress) ThroughputAvg() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(p.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.done) / elapsed
}

// ThroughputTick returns the instantaneous rate in bytes/s measured
// between the last two Ticks.
func (p *Progress) ThroughputTick() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tickRate
}

// Finished reports whether the transfer has settled.
func (p *Progress) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

// Complete marks the transfer successful, optionally attaching the
// downloaded content.
func (p *Progress) Complete(result []byte) {
	p.settle(result, nil)
}

// Fail marks the transfer failed with err.
func (p *Progress) Fail(err error) {
	p.settle(nil, err)
}

func (p *Progress) settle(result []byte, err error) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	p.result = result
	p.err = err
	p.mu.Unlock()

	close(p.doneCh)
}

// Join blocks until the transfer settles or ctx is cancelled, returning
// the transfer error if it failed.
func (p *Progress) Join(ctx context.Context) error {
	select {
	case <-p.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Result returns the downloaded content after a successful download Join.
// It is nil for uploads and unsettled transfers.
func (p *Progress) Result() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}
