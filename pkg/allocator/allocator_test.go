package allocator

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"splitlab/pkg/experiment"
)

func variants(weights ...int) []experiment.Variant {
	vs := make([]experiment.Variant, len(weights))
	for i, w := range weights {
		vs[i] = experiment.Variant{ID: fmt.Sprintf("v%d", i), Weight: w}
	}
	return vs
}

func TestAssignStable(t *testing.T) {
	vs := variants(50, 50)
	for i := 0; i < 1000; i++ {
		subject := fmt.Sprintf("user-%d", i)
		first, err := Assign("exp1", subject, vs)
		require.NoError(t, err)
		second, err := Assign("exp1", subject, vs)
		require.NoError(t, err)
		assert.Equal(t, first, second, "subject %s flipped variants", subject)
	}
}

func TestAssignRejectsBadWeights(t *testing.T) {
	_, err := Assign("exp1", "u1", variants(60, 30, 5))
	assert.Error(t, err)

	_, err = Assign("exp1", "u1", nil)
	assert.Error(t, err)
}

func TestAssignWeightConvergence(t *testing.T) {
	const n = 100000
	vs := variants(60, 30, 10)

	counts := make(map[string]int)
	for i := 0; i < n; i++ {
		id, err := Assign("exp-conv", fmt.Sprintf("subject-%d", i), vs)
		require.NoError(t, err)
		counts[id]++
	}

	for _, v := range vs {
		got := float64(counts[v.ID]) / n * 100
		want := float64(v.Weight)
		assert.InDelta(t, want, got, 1.0, "variant %s occupancy %.2f%% vs configured %d%%", v.ID, got, v.Weight)
	}
}

func TestAssignIndependentAcrossExperiments(t *testing.T) {
	// A 50/50 split in two experiments should agree for roughly half the
	// subjects, not all of them.
	vs := variants(50, 50)
	same := 0
	const n = 20000
	for i := 0; i < n; i++ {
		subject := fmt.Sprintf("user-%d", i)
		a, err := Assign("exp-a", subject, vs)
		require.NoError(t, err)
		b, err := Assign("exp-b", subject, vs)
		require.NoError(t, err)
		if a == b {
			same++
		}
	}
	agreement := float64(same) / n
	assert.Less(t, math.Abs(agreement-0.5), 0.02, "cross-experiment agreement %.3f suggests correlated buckets", agreement)
}

func TestAssignFullWeightVariant(t *testing.T) {
	vs := []experiment.Variant{
		{ID: "all", Weight: 100},
	}
	for i := 0; i < 100; i++ {
		id, err := Assign("exp1", fmt.Sprintf("u%d", i), vs)
		require.NoError(t, err)
		assert.Equal(t, "all", id)
	}
}

func TestAdmitted(t *testing.T) {
	assert.True(t, Admitted("exp1", "anyone", 100))
	assert.False(t, Admitted("exp1", "anyone", 0))

	// Admission rate converges to the configured percentage.
	admitted := 0
	const n = 50000
	for i := 0; i < n; i++ {
		if Admitted("exp-gate", fmt.Sprintf("u%d", i), 30) {
			admitted++
		}
	}
	rate := float64(admitted) / n * 100
	assert.InDelta(t, 30.0, rate, 1.0)
}

func TestAdmissionIndependentOfVariantBucket(t *testing.T) {
	// Among admitted subjects the variant split must still match weights;
	// a shared salt would skew it.
	vs := variants(50, 50)
	counts := make(map[string]int)
	total := 0
	for i := 0; i < 100000; i++ {
		subject := fmt.Sprintf("u%d", i)
		if !Admitted("exp-ind", subject, 50) {
			continue
		}
		id, err := Assign("exp-ind", subject, vs)
		require.NoError(t, err)
		counts[id]++
		total++
	}
	require.Greater(t, total, 0)
	got := float64(counts["v0"]) / float64(total) * 100
	assert.InDelta(t, 50.0, got, 1.5)
}
