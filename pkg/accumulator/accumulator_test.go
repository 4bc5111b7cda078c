package accumulator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndSnapshot(t *testing.T) {
	acc := New()
	acc.Register("exp1", []string{"a", "b"}, []string{"click"})

	require.True(t, acc.RecordExposure("exp1", "a"))
	require.True(t, acc.RecordExposure("exp1", "a"))
	require.True(t, acc.RecordExposure("exp1", "b"))
	require.True(t, acc.RecordOutcome("exp1", "a", "click", 1))
	require.True(t, acc.RecordOutcome("exp1", "a", "click", 1))
	require.True(t, acc.RecordOutcome("exp1", "b", "revenue", 12.5))

	snap := acc.Snapshot("exp1")
	require.NotNil(t, snap)

	a := snap["a"]["click"]
	assert.Equal(t, uint64(2), a.Exposures)
	assert.Equal(t, uint64(2), a.EventCount)
	assert.Equal(t, 2.0, a.Sum)
	assert.Equal(t, 2.0, a.SumSquares)
	assert.Equal(t, 1.0, a.ConversionRate())

	// Declared metric exists for b even with no events.
	b := snap["b"]["click"]
	assert.Equal(t, uint64(1), b.Exposures)
	assert.Equal(t, uint64(0), b.EventCount)

	// Undeclared metric auto-created on first record.
	rev := snap["b"]["revenue"]
	assert.Equal(t, uint64(1), rev.EventCount)
	assert.Equal(t, 12.5, rev.Sum)
	assert.Equal(t, 12.5*12.5, rev.SumSquares)
}

func TestUnknownPairDropped(t *testing.T) {
	acc := New()
	acc.Register("exp1", []string{"a"}, nil)

	assert.False(t, acc.RecordOutcome("exp1", "ghost", "click", 1))
	assert.False(t, acc.RecordOutcome("nope", "a", "click", 1))
	assert.False(t, acc.RecordExposure("nope", "a"))
	assert.Equal(t, uint64(3), acc.Dropped())

	snap := acc.Snapshot("exp1")
	assert.Equal(t, uint64(0), snap["a"]["click"].EventCount)
}

func TestSnapshotUnknownExperiment(t *testing.T) {
	acc := New()
	assert.Nil(t, acc.Snapshot("missing"))
}

func TestDrop(t *testing.T) {
	acc := New()
	acc.Register("exp1", []string{"a"}, nil)
	require.True(t, acc.RecordExposure("exp1", "a"))
	acc.Drop("exp1")
	assert.Nil(t, acc.Snapshot("exp1"))
	assert.False(t, acc.RecordExposure("exp1", "a"))
}

func TestConcurrentRecording(t *testing.T) {
	acc := New()
	acc.Register("exp1", []string{"a", "b"}, []string{"score"})

	const workers = 50
	const perWorker = 200

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			variant := "a"
			if id%2 == 1 {
				variant = "b"
			}
			for j := 0; j < perWorker; j++ {
				acc.RecordExposure("exp1", variant)
				acc.RecordOutcome("exp1", variant, "score", 2.0)
			}
		}(i)
	}

	// reads interleave with writes
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = acc.Snapshot("exp1")
		}
	}()

	wg.Wait()
	<-done

	snap := acc.Snapshot("exp1")
	total := workers / 2 * perWorker
	for _, variant := range []string{"a", "b"} {
		agg := snap[variant]["score"]
		assert.Equal(t, uint64(total), agg.Exposures, "variant %s exposures", variant)
		assert.Equal(t, uint64(total), agg.EventCount, "variant %s events", variant)
		assert.Equal(t, float64(total)*2.0, agg.Sum, "variant %s sum", variant)
		assert.Equal(t, float64(total)*4.0, agg.SumSquares, "variant %s sum of squares", variant)
	}
}

func TestVarianceFromRunningSums(t *testing.T) {
	acc := New()
	acc.Register("exp1", []string{"a"}, []string{"revenue"})

	values := []float64{10, 12, 8, 14, 6}
	for _, v := range values {
		acc.RecordExposure("exp1", "a")
		acc.RecordOutcome("exp1", "a", "revenue", v)
	}

	agg := acc.Snapshot("exp1")["a"]["revenue"]
	assert.InDelta(t, 10.0, agg.Mean(), 1e-9)
	assert.InDelta(t, 10.0, agg.Variance(), 1e-9) // sample variance of the series
}

func BenchmarkRecordOutcome(b *testing.B) {
	acc := New()
	acc.Register("exp1", []string{"a"}, []string{"click"})
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			acc.RecordOutcome("exp1", "a", "click", float64(i%2))
			i++
		}
	})
}
