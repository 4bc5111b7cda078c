// Package accumulator maintains streaming per-(experiment, variant,
// metric) counters. All mutation is atomic-counter level so the exposure
// and outcome hot paths never contend on an experiment-wide lock, and
// snapshots are copy-on-read from atomic loads so dashboard polling never
// stalls writers.
package accumulator

import (
	"log"
	"math"
	"sync"
	"sync/atomic"
)

// Aggregate is a point-in-time copy of one (variant, metric) cell.
// Exposures counts distinct recorded exposures for the variant;
// EventCount/Sum/SumSquares describe the outcome value stream, enough to
// derive mean and variance without raw event storage.
type Aggregate struct {
	Exposures  uint64  `json:"exposures"`
	EventCount uint64  `json:"event_count"`
	Sum        float64 `json:"sum"`
	SumSquares float64 `json:"sum_squares"`
}

// Mean returns Sum/EventCount, 0 when empty.
func (a Aggregate) Mean() float64 {
	if a.EventCount == 0 {
		return 0
	}
	return a.Sum / float64(a.EventCount)
}

// Variance returns the sample variance derived from the running sums.
func (a Aggregate) Variance() float64 {
	if a.EventCount < 2 {
		return 0
	}
	n := float64(a.EventCount)
	mean := a.Sum / n
	v := (a.SumSquares - n*mean*mean) / (n - 1)
	if v < 0 { // floating point cancellation near zero
		return 0
	}
	return v
}

// ConversionRate returns EventCount/Exposures, 0 when unexposed.
func (a Aggregate) ConversionRate() float64 {
	if a.Exposures == 0 {
		return 0
	}
	return float64(a.EventCount) / float64(a.Exposures)
}

type metricCell struct {
	events    atomic.Uint64
	sumBits   atomic.Uint64 // math.Float64bits
	sumSqBits atomic.Uint64
}

func (m *metricCell) record(value float64) {
	m.events.Add(1)
	addFloat(&m.sumBits, value)
	addFloat(&m.sumSqBits, value*value)
}

// addFloat performs a lock-free float64 accumulate via CAS on the bit
// pattern.
func addFloat(bits *atomic.Uint64, delta float64) {
	for {
		old := bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if bits.CompareAndSwap(old, next) {
			return
		}
	}
}

type variantCell struct {
	exposures atomic.Uint64
	mu        sync.RWMutex
	metrics   map[string]*metricCell
}

func (v *variantCell) metric(name string) *metricCell {
	v.mu.RLock()
	m, ok := v.metrics[name]
	v.mu.RUnlock()
	if ok {
		return m
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if m, ok := v.metrics[name]; ok {
		return m
	}
	m = &metricCell{}
	v.metrics[name] = m
	return m
}

type expCell struct {
	variants map[string]*variantCell // immutable after Register
}

// Accumulator is safe for unbounded concurrent callers across many
// experiments.
type Accumulator struct {
	mu          sync.RWMutex
	experiments map[string]*expCell
	dropped     atomic.Uint64
}

func New() *Accumulator {
	return &Accumulator{experiments: make(map[string]*expCell)}
}

// Register creates the counter cells for an experiment's variants. The
// declared metrics are pre-created so every snapshot carries them even
// before the first outcome arrives; undeclared metrics auto-create on
// first record.
func (a *Accumulator) Register(expID string, variantIDs []string, metrics []string) {
	cell := &expCell{variants: make(map[string]*variantCell, len(variantIDs))}
	for _, vid := range variantIDs {
		vc := &variantCell{metrics: make(map[string]*metricCell, len(metrics))}
		for _, m := range metrics {
			vc.metrics[m] = &metricCell{}
		}
		cell.variants[vid] = vc
	}
	a.mu.Lock()
	a.experiments[expID] = cell
	a.mu.Unlock()
}

// Drop removes an experiment's counters (archival).
func (a *Accumulator) Drop(expID string) {
	a.mu.Lock()
	delete(a.experiments, expID)
	a.mu.Unlock()
}

func (a *Accumulator) variant(expID, variantID string) *variantCell {
	a.mu.RLock()
	exp := a.experiments[expID]
	a.mu.RUnlock()
	if exp == nil {
		return nil
	}
	return exp.variants[variantID]
}

// RecordExposure increments the exposure counter for a variant. Returns
// false when the (experiment, variant) pair is unknown; the event is
// dropped, never fatal.
func (a *Accumulator) RecordExposure(expID, variantID string) bool {
	vc := a.variant(expID, variantID)
	if vc == nil {
		a.dropped.Add(1)
		log.Printf("accumulator: dropped exposure for unknown pair %s/%s", expID, variantID)
		return false
	}
	vc.exposures.Add(1)
	return true
}

// RecordOutcome folds an outcome value into the running aggregates.
// Unknown (experiment, variant) pairs are logged and dropped so one bad
// event cannot interrupt the stream.
func (a *Accumulator) RecordOutcome(expID, variantID, metric string, value float64) bool {
	vc := a.variant(expID, variantID)
	if vc == nil {
		a.dropped.Add(1)
		log.Printf("accumulator: dropped outcome %q for unknown pair %s/%s", metric, expID, variantID)
		return false
	}
	vc.metric(metric).record(value)
	return true
}

// Dropped returns how many records were discarded for unknown pairs.
func (a *Accumulator) Dropped() uint64 { return a.dropped.Load() }

// Snapshot returns a point-in-time copy of every (variant, metric)
// aggregate for an experiment. Each Aggregate carries the variant's
// exposure count so callers can compute rates without a second lookup.
// Nil when the experiment is unknown.
func (a *Accumulator) Snapshot(expID string) map[string]map[string]Aggregate {
	a.mu.RLock()
	exp := a.experiments[expID]
	a.mu.RUnlock()
	if exp == nil {
		return nil
	}

	out := make(map[string]map[string]Aggregate, len(exp.variants))
	for vid, vc := range exp.variants {
		exposures := vc.exposures.Load()
		vc.mu.RLock()
		metrics := make(map[string]Aggregate, len(vc.metrics))
		for name, m := range vc.metrics {
			metrics[name] = Aggregate{
				Exposures:  exposures,
				EventCount: m.events.Load(),
				Sum:        math.Float64frombits(m.sumBits.Load()),
				SumSquares: math.Float64frombits(m.sumSqBits.Load()),
			}
		}
		vc.mu.RUnlock()
		out[vid] = metrics
	}
	return out
}
