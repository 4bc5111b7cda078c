package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedExposures blocks every Put until released, standing in for a slow
// network sink.
type gatedExposures struct {
	*MemoryExposures
	release chan struct{}
}

func (g *gatedExposures) Put(ctx context.Context, expID, subjectID, variantID string, at time.Time) (bool, string, error) {
	<-g.release
	return g.MemoryExposures.Put(ctx, expID, subjectID, variantID, at)
}

func TestWriteBehindServesFromMemory(t *testing.T) {
	ctx := context.Background()
	sink := NewMemoryExposures()
	wb := NewWriteBehindExposures(sink, 8)
	defer wb.Close()

	created, stored, err := wb.Put(ctx, "exp-1", "user-1", "treatment", time.Now())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "treatment", stored)

	// Read path answers immediately, before any mirror write lands.
	v, ok, err := wb.Get(ctx, "exp-1", "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "treatment", v)

	// The sink catches up in the background.
	waitFor(t, time.Second, func() bool {
		_, ok, _ := sink.Get(ctx, "exp-1", "user-1")
		return ok
	})
}

func TestWriteBehindPutNotBlockedBySlowSink(t *testing.T) {
	ctx := context.Background()
	sink := &gatedExposures{MemoryExposures: NewMemoryExposures(), release: make(chan struct{})}
	wb := NewWriteBehindExposures(sink, 8)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, err := wb.Put(ctx, "exp-1", "user-1", "control", time.Now())
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Put blocked on the mirror sink")
	}

	close(sink.release)
	waitFor(t, time.Second, func() bool {
		_, ok, _ := sink.MemoryExposures.Get(ctx, "exp-1", "user-1")
		return ok
	})
	wb.Close()
}

func TestWriteBehindRepeatPutKeepsFirstVariant(t *testing.T) {
	ctx := context.Background()
	wb := NewWriteBehindExposures(NewMemoryExposures(), 8)
	defer wb.Close()

	created, _, err := wb.Put(ctx, "exp-1", "user-1", "control", time.Now())
	require.NoError(t, err)
	require.True(t, created)

	created, stored, err := wb.Put(ctx, "exp-1", "user-1", "treatment", time.Now())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "control", stored)
}

func TestWriteBehindPurgeClearsBothTiers(t *testing.T) {
	ctx := context.Background()
	sink := NewMemoryExposures()
	wb := NewWriteBehindExposures(sink, 8)
	defer wb.Close()

	_, _, err := wb.Put(ctx, "exp-1", "user-1", "control", time.Now())
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool {
		_, ok, _ := sink.Get(ctx, "exp-1", "user-1")
		return ok
	})

	require.NoError(t, wb.Purge(ctx, "exp-1"))
	_, ok, _ := wb.Get(ctx, "exp-1", "user-1")
	assert.False(t, ok)
	_, ok, _ = sink.Get(ctx, "exp-1", "user-1")
	assert.False(t, ok)
}
