package experiment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validExperiment() *Experiment {
	return &Experiment{
		ID:           "exp-1",
		Name:         "ranking-model",
		TargetMetric: "clickthrough",
		MetricKind:   MetricBinary,
		Variants: []Variant{
			{ID: "a", Name: "baseline", Weight: 60, IsControl: true},
			{ID: "b", Name: "v2", Weight: 30},
			{ID: "c", Name: "v3", Weight: 10},
		},
	}
}

func TestValidateDefinition(t *testing.T) {
	require.NoError(t, ValidateDefinition(validExperiment()))

	cases := []struct {
		name   string
		mutate func(*Experiment)
	}{
		{"missing name", func(e *Experiment) { e.Name = "" }},
		{"no variants", func(e *Experiment) { e.Variants = nil }},
		{"weights sum under 100", func(e *Experiment) { e.Variants[2].Weight = 5 }},
		{"weights sum over 100", func(e *Experiment) { e.Variants[0].Weight = 90 }},
		{"negative weight", func(e *Experiment) { e.Variants[1].Weight = -30 }},
		{"duplicate variant id", func(e *Experiment) { e.Variants[1].ID = "a" }},
		{"empty variant id", func(e *Experiment) { e.Variants[0].ID = "" }},
		{"two controls", func(e *Experiment) { e.Variants[1].IsControl = true }},
		{"traffic over 100", func(e *Experiment) { e.TrafficPercent = 120 }},
		{"negative traffic", func(e *Experiment) { e.TrafficPercent = -1 }},
		{"bogus metric kind", func(e *Experiment) { e.MetricKind = "ordinal" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := validExperiment()
			tc.mutate(e)
			err := ValidateDefinition(e)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve, "expected validation failure")
		})
	}
}

func TestValidateStart(t *testing.T) {
	require.NoError(t, ValidateStart(validExperiment()))

	one := validExperiment()
	one.Variants = []Variant{{ID: "a", Name: "solo", Weight: 100, IsControl: true}}
	var ve *ValidationError
	require.ErrorAs(t, ValidateStart(one), &ve)

	noMetric := validExperiment()
	noMetric.TargetMetric = ""
	require.ErrorAs(t, ValidateStart(noMetric), &ve)
}

func TestTransitionTable(t *testing.T) {
	type step struct {
		from State
		ev   Event
		to   State
		ok   bool
	}
	steps := []step{
		{StateDraft, EventStart, StateRunning, true},
		{StateDraft, EventCancel, StateCancelled, true},
		{StateDraft, EventPause, StateDraft, false},
		{StateDraft, EventResume, StateDraft, false},
		{StateDraft, EventStop, StateDraft, false},

		{StateRunning, EventPause, StatePaused, true},
		{StateRunning, EventStop, StateCompleted, true},
		{StateRunning, EventCancel, StateCancelled, true},
		{StateRunning, EventStart, StateRunning, false},
		{StateRunning, EventResume, StateRunning, false},

		{StatePaused, EventResume, StateRunning, true},
		{StatePaused, EventStop, StateCompleted, true},
		{StatePaused, EventCancel, StateCancelled, true},
		{StatePaused, EventStart, StatePaused, false},
		{StatePaused, EventPause, StatePaused, false},
	}
	// Terminal states accept nothing.
	for _, terminal := range []State{StateCompleted, StateCancelled} {
		for _, ev := range []Event{EventStart, EventPause, EventResume, EventStop, EventCancel} {
			steps = append(steps, step{terminal, ev, terminal, false})
		}
	}

	for _, s := range steps {
		got, err := NextState("exp-1", s.from, s.ev)
		assert.Equal(t, s.to, got, "%s + %s", s.from, s.ev)
		assert.Equal(t, s.ok, err == nil, "%s + %s", s.from, s.ev)
		assert.Equal(t, s.ok, CanTransition(s.from, s.ev))
		if !s.ok {
			var ise *InvalidStateError
			require.ErrorAs(t, err, &ise)
			assert.Equal(t, s.from, ise.From)
			assert.Equal(t, s.ev, ise.Event)
		}
	}
}

func TestControlSelection(t *testing.T) {
	e := validExperiment()
	require.NotNil(t, e.Control())
	assert.Equal(t, "a", e.Control().ID)

	// No explicit control flag: first variant is the convention.
	for i := range e.Variants {
		e.Variants[i].IsControl = false
	}
	require.NotNil(t, e.Control())
	assert.Equal(t, "a", e.Control().ID)

	assert.Nil(t, (&Experiment{}).Control())
}

func TestCloneIsDeep(t *testing.T) {
	e := validExperiment()
	e.Variants[0].Config = map[string]interface{}{"model": "baseline"}
	e.GuardrailMetrics = []string{"latency_ms"}

	c := e.Clone()
	c.Variants[0].Config["model"] = "mutated"
	c.Variants[1].Weight = 99
	c.GuardrailMetrics[0] = "errors"

	assert.Equal(t, "baseline", e.Variants[0].Config["model"])
	assert.Equal(t, 30, e.Variants[1].Weight)
	assert.Equal(t, "latency_ms", e.GuardrailMetrics[0])
}
