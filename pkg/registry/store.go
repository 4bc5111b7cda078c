// Package registry stores experiment definitions. All components read it;
// only the lifecycle controller writes it.
package registry

import (
	"context"
	"sync"

	"splitlab/pkg/experiment"
)

// Store is the narrow persistence interface the engine depends on. The
// backing technology is interchangeable; Memory and Postgres are provided.
type Store interface {
	// Save upserts a full experiment definition.
	Save(ctx context.Context, exp *experiment.Experiment) error
	// Load returns a copy of the experiment or *experiment.NotFoundError.
	Load(ctx context.Context, id string) (*experiment.Experiment, error)
	// ListByState returns experiments in any of the given states; with no
	// states it returns everything.
	ListByState(ctx context.Context, states ...experiment.State) ([]*experiment.Experiment, error)
	// Delete removes an experiment (archival of terminal experiments).
	Delete(ctx context.Context, id string) error
}

// Memory is an in-process Store used in tests and single-node deployments.
type Memory struct {
	mu   sync.RWMutex
	byID map[string]*experiment.Experiment
}

func NewMemory() *Memory {
	return &Memory{byID: make(map[string]*experiment.Experiment)}
}

func (m *Memory) Save(_ context.Context, exp *experiment.Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[exp.ID] = exp.Clone()
	return nil
}

func (m *Memory) Load(_ context.Context, id string) (*experiment.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp, ok := m.byID[id]
	if !ok {
		return nil, &experiment.NotFoundError{ExperimentID: id}
	}
	return exp.Clone(), nil
}

func (m *Memory) ListByState(_ context.Context, states ...experiment.State) ([]*experiment.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*experiment.Experiment
	for _, exp := range m.byID {
		if len(states) == 0 || containsState(states, exp.State) {
			out = append(out, exp.Clone())
		}
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return &experiment.NotFoundError{ExperimentID: id}
	}
	delete(m.byID, id)
	return nil
}

func containsState(states []experiment.State, s experiment.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
