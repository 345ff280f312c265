package lease

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLease counts renewals and breaks, standing in for a backend lease.
type fakeLease struct {
	mu       sync.Mutex
	renewals int
	broken   bool
	renewErr error
}

func (f *fakeLease) Token() string { return "fake-token" }

func (f *fakeLease) Renew(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renewErr != nil {
		return f.renewErr
	}
	f.renewals++
	return nil
}

func (f *fakeLease) Break(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = true
	return nil
}

func (f *fakeLease) stats() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renewals, f.broken
}

func TestAddGetRemove(t *testing.T) {
	r := NewRegistry(WithTickInterval(time.Hour))
	defer r.Stop(false)

	fl := &fakeLease{}

	started := false
	ended := false
	err := r.Add("lock-1", fl, 30, Unbounded,
		func(Renewable) { started = true },
		func(Renewable) { ended = true })
	require.NoError(t, err)

	// onStart fires synchronously during Add.
	assert.True(t, started)
	assert.False(t, ended)
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get("lock-1")
	require.True(t, ok)
	assert.Equal(t, "fake-token", got.Token())

	_, ok = r.Get("lock-2")
	assert.False(t, ok)

	r.Remove("lock-1", true)
	assert.True(t, ended)
	assert.Equal(t, 0, r.Len())

	_, broken := fl.stats()
	assert.True(t, broken)

	// Removing again is a no-op.
	r.Remove("lock-1", true)
}

func TestRemoveWithoutBreak(t *testing.T) {
	r := NewRegistry(WithTickInterval(time.Hour))
	defer r.Stop(false)

	fl := &fakeLease{}
	require.NoError(t, r.Add("lock-1", fl, 30, Unbounded, nil, nil))

	r.Remove("lock-1", false)

	_, broken := fl.stats()
	assert.False(t, broken, "lease must not be broken when breakLease is false")
}

func TestAddAfterStop(t *testing.T) {
	r := NewRegistry(WithTickInterval(time.Hour))
	r.Stop(false)

	err := r.Add("lock-1", &fakeLease{}, 30, Unbounded, nil, nil)
	assert.ErrorIs(t, err, ErrRegistryStopped)

	// Stop is idempotent.
	r.Stop(false)
}

func TestStopBreaksHeldLeases(t *testing.T) {
	r := NewRegistry(WithTickInterval(time.Hour))

	fl1 := &fakeLease{}
	fl2 := &fakeLease{}
	require.NoError(t, r.Add("lock-1", fl1, 30, Unbounded, nil, nil))
	require.NoError(t, r.Add("lock-2", fl2, 30, Unbounded, nil, nil))

	r.Stop(true)

	_, broken1 := fl1.stats()
	_, broken2 := fl2.stats()
	assert.True(t, broken1)
	assert.True(t, broken2)
	assert.Equal(t, 0, r.Len())
}

func TestUpdate(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRegistry(WithTickInterval(time.Hour), WithClock(func() time.Time { return now }))
	defer r.Stop(false)

	require.NoError(t, r.Add("lock-1", &fakeLease{}, 30, 10, nil, nil))

	assert.False(t, r.Update("unknown", 10))

	// 8 seconds in, extending by 10 leaves 10 seconds from now.
	now = now.Add(8 * time.Second)
	assert.True(t, r.Update("lock-1", 10))
	assert.InDelta(t, 10.0, r.TimeRemaining("lock-1"), 0.001)
}

func TestTimeRemaining(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRegistry(WithTickInterval(time.Hour), WithClock(func() time.Time { return now }))
	defer r.Stop(false)

	require.NoError(t, r.Add("bounded", &fakeLease{}, 30, 120, nil, nil))
	require.NoError(t, r.Add("unbounded", &fakeLease{}, 30, Unbounded, nil, nil))

	now = now.Add(20 * time.Second)

	assert.InDelta(t, 100.0, r.TimeRemaining("bounded"), 0.001)
	assert.True(t, math.IsInf(r.TimeRemaining("unbounded"), 1))
	assert.Equal(t, 0.0, r.TimeRemaining("unknown"))
}

// TestRenewalKeepsLongHoldAlive is the renewal property scaled down: a
// hold longer than the physical renew interval stays alive through
// repeated background renewals and expires shortly after its requested
// duration elapses.
func TestRenewalKeepsLongHoldAlive(t *testing.T) {
	r := NewRegistry(WithTickInterval(10 * time.Millisecond))
	defer r.Stop(false)

	fl := &fakeLease{}

	// Renew every 30ms, expire after 150ms.
	require.NoError(t, r.Add("lock-1", fl, 0.03, 0.15, nil, nil))

	time.Sleep(100 * time.Millisecond)

	renewals, broken := fl.stats()
	assert.GreaterOrEqual(t, renewals, 2, "lease should have been renewed repeatedly")
	assert.False(t, broken)
	assert.Equal(t, 1, r.Len(), "lease must still be held before its requested duration")

	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, 0, r.Len(), "lease must expire after its requested duration")
	_, broken = fl.stats()
	assert.True(t, broken, "expired lease must be broken in the backend")
}

func TestRenewalFailureIsRetriedNextTick(t *testing.T) {
	r := NewRegistry(WithTickInterval(10 * time.Millisecond))
	defer r.Stop(false)

	fl := &fakeLease{renewErr: context.DeadlineExceeded}
	require.NoError(t, r.Add("lock-1", fl, 0.02, Unbounded, nil, nil))

	time.Sleep(60 * time.Millisecond)

	// Failures never evict the record; the lease stays tracked.
	assert.Equal(t, 1, r.Len())

	// Clear the failure; the next ticks succeed.
	fl.mu.Lock()
	fl.renewErr = nil
	fl.mu.Unlock()

	time.Sleep(60 * time.Millisecond)
	renewals, _ := fl.stats()
	assert.Greater(t, renewals, 0)
}

func TestIdentityKeys(t *testing.T) {
	t.Parallel()

	uri := "container/folder/key"

	assert.Equal(t, "h1@"+uri, Instance().Key("h1", uri))
	assert.Equal(t, uri, Process().Key("h1", uri))
	assert.Equal(t, "team-a_"+uri, Custom("team-a").Key("h1", uri))

	// Two handles share process- and custom-scoped keys but not
	// instance-scoped ones.
	assert.NotEqual(t, Instance().Key("h1", uri), Instance().Key("h2", uri))
	assert.Equal(t, Process().Key("h1", uri), Process().Key("h2", uri))
}
