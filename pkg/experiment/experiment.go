package experiment

import (
	"time"
)

// State is the lifecycle state of an experiment.
type State string

const (
	StateDraft     State = "draft"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateDraft, StateRunning, StatePaused, StateCompleted, StateCancelled:
		return true
	}
	return false
}

// MetricKind selects the statistical test family for the target metric.
type MetricKind string

const (
	MetricBinary     MetricKind = "binary"     // conversion-style 0/1 outcomes
	MetricContinuous MetricKind = "continuous" // revenue, latency, etc.
)

// Variant is one arm of an experiment. Config is an opaque payload handed
// back to the caller on assignment (e.g. which algorithm to invoke).
type Variant struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Weight    int                    `json:"weight"` // percent, siblings sum to 100
	IsControl bool                   `json:"is_control"`
	Config    map[string]interface{} `json:"config,omitempty"`
}

// Experiment is a full experiment definition plus lifecycle bookkeeping.
type Experiment struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	Owner            string     `json:"owner,omitempty"`
	Variants         []Variant  `json:"variants"`
	TargetMetric     string     `json:"target_metric"`
	MetricKind       MetricKind `json:"metric_kind"`
	GuardrailMetrics []string   `json:"guardrail_metrics,omitempty"`
	TrafficPercent   int        `json:"traffic_percent"` // share of eligible population admitted
	State            State      `json:"state"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Control returns the variant flagged as control, falling back to the
// first variant when none is flagged. Returns nil for an empty list.
func (e *Experiment) Control() *Variant {
	for i := range e.Variants {
		if e.Variants[i].IsControl {
			return &e.Variants[i]
		}
	}
	if len(e.Variants) > 0 {
		return &e.Variants[0]
	}
	return nil
}

// Variant returns the variant with the given id, or nil.
func (e *Experiment) Variant(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

// VariantIDs returns the variant ids in definition order.
func (e *Experiment) VariantIDs() []string {
	ids := make([]string, len(e.Variants))
	for i, v := range e.Variants {
		ids[i] = v.ID
	}
	return ids
}

// Clone returns a deep copy so registry reads never alias caller memory.
func (e *Experiment) Clone() *Experiment {
	cp := *e
	cp.Variants = make([]Variant, len(e.Variants))
	for i, v := range e.Variants {
		cp.Variants[i] = v
		if v.Config != nil {
			cfg := make(map[string]interface{}, len(v.Config))
			for k, val := range v.Config {
				cfg[k] = val
			}
			cp.Variants[i].Config = cfg
		}
	}
	if e.GuardrailMetrics != nil {
		cp.GuardrailMetrics = append([]string(nil), e.GuardrailMetrics...)
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		cp.StartedAt = &t
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}
