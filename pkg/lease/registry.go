// Package lease tracks the backend leases held by this process and keeps
// them alive in the background.
//
// Backends cap a single lease at a short physical duration (60 seconds on
// Azure Blob and the emulated S3 leases). The registry decouples that cap
// from a caller's logically longer hold: a single renewal goroutine wakes
// every tick, re-extends each tracked lease before its physical expiry,
// and drops leases whose requested wall-clock duration has elapsed.
//
// The lease table is private to the process. Cross-process exclusion comes
// only from the backend's lease primitive itself.
package lease

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/marmos91/blobdict/internal/logger"
	"github.com/marmos91/blobdict/pkg/metrics"
)

// ErrRegistryStopped is returned by Add after the registry has been shut
// down.
var ErrRegistryStopped = errors.New("lease registry stopped")

// Unbounded requests a hold with no local expiry; the lease is renewed
// until explicitly removed.
const Unbounded = -1

// DefaultAutorenewSeconds is how often a tracked lease is re-extended
// when the caller does not choose an interval. It must stay comfortably
// below the backend's physical lease cap.
const DefaultAutorenewSeconds = 30

// renewTimeout bounds a single backend renew or break call issued by the
// renewal loop.
const renewTimeout = 30 * time.Second

// Renewable is the backend lease handle tracked by the registry.
type Renewable interface {
	// Token returns the backend lease token.
	Token() string

	// Renew re-extends the physical lease.
	Renew(ctx context.Context) error

	// Break force-terminates the lease so another process can acquire it
	// without waiting out the natural expiry.
	Break(ctx context.Context) error
}

// Callback is invoked on lease lifecycle transitions.
type Callback func(Renewable)

// record is the tracked state of one lease.
type record struct {
	lease         Renewable
	acquiredAt    time.Time
	expireSeconds float64 // -1 for unbounded
	renewSeconds  float64
	lastRenewedAt time.Time
	onEnd         Callback
}

// Registry is the process-local lease table with background renewal.
//
// All table access is serialized by one mutex. Critical sections cover
// only map lookups and mutations; renewal and break network calls happen
// after the relevant record has been captured, so the mutex is never held
// across I/O.
type Registry struct {
	mu      sync.Mutex
	leases  map[string]*record
	stopped bool

	tick time.Duration
	now  func() time.Time

	metrics *metrics.Metrics

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Option customizes a Registry.
type Option func(*Registry)

// WithTickInterval overrides the renewal loop wake interval (default 1s).
func WithTickInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.tick = d
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates a registry and starts its renewal goroutine.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		leases: make(map[string]*record),
		tick:   time.Second,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	go r.renewalLoop()

	return r
}

// Add registers a lease under lockID. autorenewSeconds controls how often
// the background loop re-extends the physical lease; expireSeconds is the
// caller's requested hold duration (Unbounded for no local expiry).
// onStart, when non-nil, is invoked synchronously before Add returns;
// onEnd is invoked when the lease leaves the table.
func (r *Registry) Add(lockID string, lease Renewable, autorenewSeconds, expireSeconds float64, onStart, onEnd Callback) error {
	r.mu.Lock()

	if r.stopped {
		r.mu.Unlock()
		return ErrRegistryStopped
	}

	if autorenewSeconds <= 0 {
		autorenewSeconds = DefaultAutorenewSeconds
	}

	now := r.now()
	r.leases[lockID] = &record{
		lease:         lease,
		acquiredAt:    now,
		expireSeconds: expireSeconds,
		renewSeconds:  autorenewSeconds,
		lastRenewedAt: now,
		onEnd:         onEnd,
	}
	n := len(r.leases)
	r.mu.Unlock()

	r.metrics.SetActiveLeases(n)
	logger.Debug("lease added", "lock_id", lockID, "expire_s", expireSeconds)

	if onStart != nil {
		onStart(lease)
	}

	return nil
}

// Update extends the recorded expiry of a tracked lease to expireSeconds
// counted from now, without touching the backend. It returns false when
// lockID is unknown and the caller must re-acquire.
func (r *Registry) Update(lockID string, expireSeconds float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.leases[lockID]
	if !ok {
		return false
	}

	if expireSeconds == Unbounded {
		rec.expireSeconds = Unbounded
		return true
	}

	leaseAge := r.now().Sub(rec.acquiredAt).Seconds()
	rec.expireSeconds = leaseAge + expireSeconds
	return true
}

// Remove deregisters a lease. When breakLease is set, the backend lease
// is broken so another process can lock immediately. Removing an unknown
// lockID is a no-op.
func (r *Registry) Remove(lockID string, breakLease bool) {
	r.mu.Lock()
	rec, ok := r.leases[lockID]
	if ok {
		delete(r.leases, lockID)
	}
	n := len(r.leases)
	r.mu.Unlock()

	if !ok {
		return
	}

	r.metrics.SetActiveLeases(n)
	r.release(lockID, rec, breakLease)
}

// release breaks the backend lease (best effort) and fires the end
// callback. Called without the table mutex held.
func (r *Registry) release(lockID string, rec *record, breakLease bool) {
	if breakLease {
		ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
		if err := rec.lease.Break(ctx); err != nil {
			logger.Warn("lease break failed", "lock_id", lockID, "error", err)
		}
		cancel()
	}

	if rec.onEnd != nil {
		rec.onEnd(rec.lease)
	}

	logger.Debug("lease removed", "lock_id", lockID)
}

// Get returns the tracked lease for lockID.
func (r *Registry) Get(lockID string) (Renewable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.leases[lockID]
	if !ok {
		return nil, false
	}
	return rec.lease, true
}

// TimeRemaining returns the seconds left before the local expiry of the
// tracked lease: +Inf for unbounded holds, 0 for unknown lock ids.
func (r *Registry) TimeRemaining(lockID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.leases[lockID]
	if !ok {
		return 0
	}

	if rec.expireSeconds == Unbounded {
		return math.Inf(1)
	}

	leaseAge := r.now().Sub(rec.acquiredAt).Seconds()
	return rec.expireSeconds - leaseAge
}

// Len returns the number of tracked leases.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}

// Clear drops every tracked lease, optionally breaking them in the
// backend.
func (r *Registry) Clear(breakLeases bool) {
	r.mu.Lock()
	dropped := r.leases
	r.leases = make(map[string]*record)
	r.mu.Unlock()

	r.metrics.SetActiveLeases(0)

	for lockID, rec := range dropped {
		r.release(lockID, rec, breakLeases)
	}
}

// Stop terminates the renewal loop, breaks all held leases (best effort
// when breakLeases is set) and clears the table. After Stop no new lease
// may be added; Stop is idempotent.
func (r *Registry) Stop(breakLeases bool) {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh

		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()

		n := r.Len()
		r.Clear(breakLeases)
		logger.Debug("lease registry stopped", "released", n)
	})
}

// renewalLoop is the single background goroutine per registry. Each tick
// it expires leases whose requested duration elapsed and renews leases
// whose renewal interval elapsed. Renewal failures are logged and counted
// but not retried within the tick; the next tick retries naturally.
func (r *Registry) renewalLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	logger.Debug("lease renewal loop started")

	for {
		select {
		case <-r.stopCh:
			logger.Debug("lease renewal loop finished")
			return
		case <-ticker.C:
			r.renewAll()
		}
	}
}

// renewAll performs one renewal pass.
func (r *Registry) renewAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.leases))
	for id := range r.leases {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, lockID := range ids {
		r.mu.Lock()
		rec, ok := r.leases[lockID]
		if !ok {
			r.mu.Unlock()
			continue
		}

		now := r.now()
		leaseAge := now.Sub(rec.acquiredAt).Seconds()
		renewAge := now.Sub(rec.lastRenewedAt).Seconds()

		expired := rec.expireSeconds != Unbounded && leaseAge > rec.expireSeconds
		if expired {
			delete(r.leases, lockID)
			n := len(r.leases)
			r.mu.Unlock()

			r.metrics.SetActiveLeases(n)
			r.metrics.LeaseExpired()
			logger.Debug("lease expired locally", "lock_id", lockID, "age_s", leaseAge)
			r.release(lockID, rec, true)
			continue
		}

		renew := renewAge > rec.renewSeconds
		if renew {
			rec.lastRenewedAt = now
		}
		lease := rec.lease
		r.mu.Unlock()

		if !renew {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
		err := lease.Renew(ctx)
		cancel()

		if err != nil {
			r.metrics.LeaseRenewalFailed()
			logger.Warn("lease renewal failed", "lock_id", lockID, "error", err)
			continue
		}

		r.metrics.LeaseRenewed()
		logger.Debug("lease renewed", "lock_id", lockID, "age_s", renewAge)
	}
}
