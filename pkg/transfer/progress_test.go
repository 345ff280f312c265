package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressCounters(t *testing.T) {
	t.Parallel()

	p := NewProgress(OpUpload, "photo.bin")
	assert.Equal(t, OpUpload, p.Operation())
	assert.Equal(t, "photo.bin", p.Key())
	assert.Equal(t, int64(TotalUnknown), p.Total())
	assert.InDelta(t, -1, p.Percent(), 0.001)

	p.Tick(50, 200)
	assert.Equal(t, int64(50), p.Done())
	assert.Equal(t, int64(200), p.Total())
	assert.InDelta(t, 25, p.Percent(), 0.001)
	assert.False(t, p.Finished())
}

func TestProgressListeners(t *testing.T) {
	t.Parallel()

	p := NewProgress(OpDownload, "k")

	var seen [][2]int64
	p.OnUpdate(func(done, total int64) {
		seen = append(seen, [2]int64{done, total})
	})

	p.Tick(1, 10)
	p.Tick(10, 10)

	require.Len(t, seen, 2)
	assert.Equal(t, [2]int64{1, 10}, seen[0])
	assert.Equal(t, [2]int64{10, 10}, seen[1])
}

func TestJoinReturnsAfterComplete(t *testing.T) {
	t.Parallel()

	p := NewProgress(OpDownload, "k")

	go func() {
		p.Tick(3, 3)
		p.Complete([]byte("payload"))
	}()

	require.NoError(t, p.Join(context.Background()))
	assert.True(t, p.Finished())
	assert.Equal(t, []byte("payload"), p.Result())
}

func TestJoinSurfacesFailure(t *testing.T) {
	t.Parallel()

	p := NewProgress(OpUpload, "k")
	boom := errors.New("backend unavailable")

	go p.Fail(boom)

	err := p.Join(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, p.Result())
}

func TestJoinHonorsContext(t *testing.T) {
	t.Parallel()

	p := NewProgress(OpUpload, "k")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Join(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTerminalCallsAreIdempotent(t *testing.T) {
	t.Parallel()

	p := NewProgress(OpUpload, "k")
	p.Complete(nil)
	p.Fail(errors.New("late"))

	assert.NoError(t, p.Join(context.Background()))
}
