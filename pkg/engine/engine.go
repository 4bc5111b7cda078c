// Package engine is the mutation surface of the experimentation core: it
// owns lifecycle transitions, serves assignments fail-closed, and routes
// outcome events into the accumulator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"splitlab/pkg/accumulator"
	"splitlab/pkg/allocator"
	"splitlab/pkg/clock"
	"splitlab/pkg/experiment"
	"splitlab/pkg/registry"
	"splitlab/pkg/stats"
)

// UnknownSubjectWarning flags an outcome event whose subject has no prior
// exposure in the experiment. The event is dropped; upstream delivery is
// best-effort so this is a warning, not a failure.
type UnknownSubjectWarning struct {
	ExperimentID string
	SubjectID    string
}

func (e *UnknownSubjectWarning) Error() string {
	return fmt.Sprintf("no exposure for subject %s in experiment %s; outcome dropped", e.SubjectID, e.ExperimentID)
}

// Assignment is the answer to an allocation request. It never carries an
// error: degraded paths fail closed to the control variant so the surface
// under test keeps working.
type Assignment struct {
	ExperimentID string                 `json:"experiment_id"`
	SubjectID    string                 `json:"subject_id"`
	VariantID    string                 `json:"variant_id"`
	Config       map[string]interface{} `json:"config,omitempty"`
	// Enrolled is true when an exposure fact exists for this subject;
	// false for gated-out subjects and fail-closed fallbacks.
	Enrolled bool `json:"enrolled"`
	// Fallback is true when the assignment was served fail-closed
	// (experiment unknown, not running, or an internal fault).
	Fallback bool `json:"fallback"`
}

// Engine wires the registry, allocator, accumulator, and evaluator
// behind the operation set consumed by the API layer.
type Engine struct {
	store     registry.Store
	acc       *accumulator.Accumulator
	exposures ExposureStore
	clk       clock.Clock
	evalCfg   stats.Config

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// cache holds the current definition per experiment so Assign and
	// RecordOutcome never hit the registry store on the hot path. All
	// writers go through this engine, which updates the cache under the
	// per-experiment lock; cached values are read-only snapshots.
	cacheMu sync.RWMutex
	cache   map[string]*experiment.Experiment
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock injects a clock (deterministic tests).
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clk = c } }

// WithExposureStore swaps the exposure fact store (e.g. Redis).
func WithExposureStore(s ExposureStore) Option { return func(e *Engine) { e.exposures = s } }

// WithEvalConfig overrides evaluator thresholds.
func WithEvalConfig(cfg stats.Config) Option { return func(e *Engine) { e.evalCfg = cfg } }

// New constructs an Engine over the given registry store.
func New(store registry.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		acc:       accumulator.New(),
		exposures: NewMemoryExposures(),
		clk:       clock.Real{},
		evalCfg:   stats.DefaultConfig(),
		locks:     make(map[string]*sync.Mutex),
		cache:     make(map[string]*experiment.Experiment),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Accumulator exposes the read side for diagnostics.
func (e *Engine) Accumulator() *accumulator.Accumulator { return e.acc }

// lockFor serializes lifecycle transitions per experiment id.
func (e *Engine) lockFor(id string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[id] = mu
	}
	return mu
}

// dropLock reclaims the per-id mutex once the id can no longer be
// transitioned (archived or proven unknown). A concurrent waiter still
// holds its pointer and finds nothing to mutate.
func (e *Engine) dropLock(id string) {
	e.locksMu.Lock()
	delete(e.locks, id)
	e.locksMu.Unlock()
}

// definition serves the hot path: cached reads, falling back to the
// store only for ids this engine has not seen yet.
func (e *Engine) definition(ctx context.Context, id string) (*experiment.Experiment, error) {
	e.cacheMu.RLock()
	exp, ok := e.cache[id]
	e.cacheMu.RUnlock()
	if ok {
		return exp, nil
	}
	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	e.cacheSet(exp)
	return exp, nil
}

func (e *Engine) cacheSet(exp *experiment.Experiment) {
	e.cacheMu.Lock()
	e.cache[exp.ID] = exp
	e.cacheMu.Unlock()
}

func (e *Engine) cacheDel(id string) {
	e.cacheMu.Lock()
	delete(e.cache, id)
	e.cacheMu.Unlock()
}

// Resume rebuilds accumulator cells for non-terminal experiments after a
// restart so outcome ingestion keeps working.
func (e *Engine) Resume(ctx context.Context) error {
	exps, err := e.store.ListByState(ctx, experiment.StateRunning, experiment.StatePaused)
	if err != nil {
		return fmt.Errorf("failed to resume experiments: %w", err)
	}
	for _, exp := range exps {
		e.acc.Register(exp.ID, exp.VariantIDs(), metricsOf(exp))
		e.cacheSet(exp)
	}
	return nil
}

func metricsOf(exp *experiment.Experiment) []string {
	ms := make([]string, 0, 1+len(exp.GuardrailMetrics))
	if exp.TargetMetric != "" {
		ms = append(ms, exp.TargetMetric)
	}
	ms = append(ms, exp.GuardrailMetrics...)
	return ms
}

// CreateExperiment validates and registers a new draft experiment,
// assigning an id when the caller did not provide one.
func (e *Engine) CreateExperiment(ctx context.Context, def *experiment.Experiment) (string, error) {
	exp := def.Clone()
	if exp.ID == "" {
		exp.ID = uuid.New().String()
	}
	if exp.MetricKind == "" {
		exp.MetricKind = experiment.MetricBinary
	}
	if exp.TrafficPercent == 0 {
		exp.TrafficPercent = 100
	}
	if err := experiment.ValidateDefinition(exp); err != nil {
		return "", err
	}
	now := e.clk.Now()
	exp.State = experiment.StateDraft
	exp.CreatedAt = now
	exp.UpdatedAt = now
	exp.StartedAt = nil
	exp.EndedAt = nil
	if err := e.store.Save(ctx, exp); err != nil {
		return "", fmt.Errorf("failed to save experiment: %w", err)
	}
	e.cacheSet(exp)
	return exp.ID, nil
}

// UpdateExperiment replaces variants/weights/configuration of a draft
// experiment. Any other state rejects the edit.
func (e *Engine) UpdateExperiment(ctx context.Context, def *experiment.Experiment) error {
	mu := e.lockFor(def.ID)
	mu.Lock()
	defer mu.Unlock()

	current, err := e.store.Load(ctx, def.ID)
	if err != nil {
		if IsNotFound(err) {
			e.dropLock(def.ID)
		}
		return err
	}
	if current.State != experiment.StateDraft {
		return &experiment.InvalidStateError{ExperimentID: def.ID, From: current.State, Event: experiment.EventEdit}
	}
	next := def.Clone()
	if next.MetricKind == "" {
		next.MetricKind = current.MetricKind
	}
	if err := experiment.ValidateDefinition(next); err != nil {
		return err
	}
	next.State = current.State
	next.CreatedAt = current.CreatedAt
	next.StartedAt = nil
	next.EndedAt = nil
	next.UpdatedAt = e.clk.Now()
	if err := e.store.Save(ctx, next); err != nil {
		return err
	}
	e.cacheSet(next)
	return nil
}

// GetExperiment returns a copy of the stored definition.
func (e *Engine) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	return e.store.Load(ctx, id)
}

// ListExperiments returns experiments filtered by state; no states means
// all of them.
func (e *Engine) ListExperiments(ctx context.Context, states ...experiment.State) ([]*experiment.Experiment, error) {
	return e.store.ListByState(ctx, states...)
}

// StartExperiment moves draft → running after the start guards pass.
func (e *Engine) StartExperiment(ctx context.Context, id string) error {
	return e.transition(ctx, id, experiment.EventStart)
}

// PauseExperiment moves running → paused.
func (e *Engine) PauseExperiment(ctx context.Context, id string) error {
	return e.transition(ctx, id, experiment.EventPause)
}

// ResumeExperiment moves paused → running.
func (e *Engine) ResumeExperiment(ctx context.Context, id string) error {
	return e.transition(ctx, id, experiment.EventResume)
}

// StopExperiment moves running/paused → completed.
func (e *Engine) StopExperiment(ctx context.Context, id string) error {
	return e.transition(ctx, id, experiment.EventStop)
}

// CancelExperiment moves draft/running/paused → cancelled.
func (e *Engine) CancelExperiment(ctx context.Context, id string) error {
	return e.transition(ctx, id, experiment.EventCancel)
}

func (e *Engine) transition(ctx context.Context, id string, ev experiment.Event) error {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	exp, err := e.store.Load(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			e.dropLock(id)
		}
		return err
	}
	next, err := experiment.NextState(id, exp.State, ev)
	if err != nil {
		return err
	}

	now := e.clk.Now()
	switch ev {
	case experiment.EventStart:
		if err := experiment.ValidateStart(exp); err != nil {
			return err
		}
		exp.StartedAt = &now
		e.acc.Register(exp.ID, exp.VariantIDs(), metricsOf(exp))
	case experiment.EventStop, experiment.EventCancel:
		exp.EndedAt = &now
	}

	exp.State = next
	exp.UpdatedAt = now
	if err := e.store.Save(ctx, exp); err != nil {
		return fmt.Errorf("failed to persist %s transition: %w", ev, err)
	}
	e.cacheSet(exp)
	transitionsTotal.WithLabelValues(id, string(ev)).Inc()
	return nil
}

// Archive removes a terminal experiment and its counters and exposures.
func (e *Engine) Archive(ctx context.Context, id string) error {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	exp, err := e.store.Load(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			e.dropLock(id)
		}
		return err
	}
	if !exp.State.Terminal() {
		return &experiment.InvalidStateError{ExperimentID: id, From: exp.State, Event: experiment.EventArchive}
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.acc.Drop(id)
	e.cacheDel(id)
	if err := e.exposures.Purge(ctx, id); err != nil {
		log.Printf("engine: purge exposures for %s: %v", id, err)
	}
	e.dropLock(id)
	return nil
}

// Assign resolves the variant for a subject. It never errors toward the
// caller: unknown experiments, non-running states, and internal faults
// all fail closed to the control variant so the feature under test keeps
// serving.
func (e *Engine) Assign(ctx context.Context, expID, subjectID string) Assignment {
	out := Assignment{ExperimentID: expID, SubjectID: subjectID}

	exp, err := e.definition(ctx, expID)
	if err != nil {
		log.Printf("engine: assign %s/%s failing closed: %v", expID, subjectID, err)
		assignFallbacks.WithLabelValues(expID, "unknown_experiment").Inc()
		out.Fallback = true
		return out
	}

	control := exp.Control()
	if exp.State != experiment.StateRunning {
		assignFallbacks.WithLabelValues(expID, "not_running").Inc()
		out.Fallback = true
		fillVariant(&out, control)
		return out
	}

	// Traffic gate: subjects outside the allocation share see the
	// control experience and leave no exposure behind.
	if !allocator.Admitted(expID, subjectID, exp.TrafficPercent) {
		fillVariant(&out, control)
		return out
	}

	// Exposure fact wins over recomputation: a subject keeps its first
	// variant even if weights were somehow edited.
	if stored, ok, err := e.exposures.Get(ctx, expID, subjectID); err == nil && ok {
		out.Enrolled = true
		fillVariant(&out, exp.Variant(stored))
		if out.VariantID == "" { // variant removed since exposure
			out.Fallback = true
			fillVariant(&out, control)
		}
		assignmentsTotal.WithLabelValues(expID, out.VariantID).Inc()
		return out
	} else if err != nil {
		log.Printf("engine: exposure lookup %s/%s: %v", expID, subjectID, err)
	}

	variantID, err := allocator.Assign(expID, subjectID, exp.Variants)
	if err != nil {
		log.Printf("engine: assign %s/%s failing closed: %v", expID, subjectID, err)
		assignFallbacks.WithLabelValues(expID, "allocator").Inc()
		out.Fallback = true
		fillVariant(&out, control)
		return out
	}

	created, stored, err := e.exposures.Put(ctx, expID, subjectID, variantID, e.clk.Now())
	switch {
	case err != nil:
		// Durability is best-effort; the caller still gets its variant.
		log.Printf("engine: exposure write %s/%s: %v", expID, subjectID, err)
	case created:
		out.Enrolled = true
		e.acc.RecordExposure(expID, variantID)
		exposuresTotal.WithLabelValues(expID, variantID).Inc()
	default:
		// Raced with a concurrent first request; keep the stored fact.
		out.Enrolled = true
		variantID = stored
	}

	fillVariant(&out, exp.Variant(variantID))
	assignmentsTotal.WithLabelValues(expID, out.VariantID).Inc()
	return out
}

func fillVariant(a *Assignment, v *experiment.Variant) {
	if v == nil {
		return
	}
	a.VariantID = v.ID
	a.Config = v.Config
}

// RecordOutcome attributes an outcome event to the subject's assigned
// variant. Events for subjects with no prior exposure return
// *UnknownSubjectWarning and change nothing.
func (e *Engine) RecordOutcome(ctx context.Context, expID, subjectID, metric string, value float64) error {
	if _, err := e.definition(ctx, expID); err != nil {
		outcomesDropped.WithLabelValues(expID, "unknown_experiment").Inc()
		return err
	}

	variantID, ok, err := e.exposures.Get(ctx, expID, subjectID)
	if err != nil {
		outcomesDropped.WithLabelValues(expID, "exposure_store").Inc()
		return fmt.Errorf("exposure lookup failed: %w", err)
	}
	if !ok {
		outcomesDropped.WithLabelValues(expID, "unknown_subject").Inc()
		return &UnknownSubjectWarning{ExperimentID: expID, SubjectID: subjectID}
	}

	if !e.acc.RecordOutcome(expID, variantID, metric, value) {
		outcomesDropped.WithLabelValues(expID, "unknown_variant").Inc()
		return nil
	}
	outcomesTotal.WithLabelValues(expID, metric).Inc()
	return nil
}

// Report bundles the target metric verdict with guardrail readouts.
type Report struct {
	Target     *stats.Evaluation            `json:"target"`
	Guardrails map[string]*stats.Evaluation `json:"guardrails,omitempty"`
}

// Evaluate scores the experiment's variants from a counter snapshot.
// Pure read; safe to poll.
func (e *Engine) Evaluate(ctx context.Context, expID string) (*Report, error) {
	exp, err := e.store.Load(ctx, expID)
	if err != nil {
		return nil, err
	}
	if exp.TargetMetric == "" {
		return nil, &experiment.ValidationError{Reason: "experiment has no target metric"}
	}

	snapshot := e.acc.Snapshot(expID)
	if snapshot == nil {
		snapshot = map[string]map[string]accumulator.Aggregate{}
	}

	target, err := stats.Evaluate(ctx, exp, exp.TargetMetric, snapshot, e.evalCfg)
	if err != nil {
		return nil, err
	}
	report := &Report{Target: target}

	if len(exp.GuardrailMetrics) > 0 {
		report.Guardrails = make(map[string]*stats.Evaluation, len(exp.GuardrailMetrics))
		for _, m := range exp.GuardrailMetrics {
			g, err := stats.Evaluate(ctx, exp, m, snapshot, e.evalCfg)
			if err != nil {
				return nil, err
			}
			// Guardrails are monitored, not scored.
			g.Winner = ""
			report.Guardrails[m] = g
		}
	}

	evaluationsTotal.WithLabelValues(expID).Inc()
	return report, nil
}

// IsNotFound reports whether err is the registry's unknown-id error.
func IsNotFound(err error) bool {
	var nf *experiment.NotFoundError
	return errors.As(err, &nf)
}
