package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"splitlab/pkg/eventbus"
)

// TopicOutcome is the bus topic carrying outcome events.
const TopicOutcome = "outcome.recorded"

// OutcomeEvent is the payload published on TopicOutcome.
type OutcomeEvent struct {
	ExperimentID string    `json:"experiment_id"`
	SubjectID    string    `json:"subject_id"`
	Metric       string    `json:"metric"`
	Value        float64   `json:"value"`
	At           time.Time `json:"at,omitempty"`
}

// SubscribeOutcomes registers the engine as a consumer of outcome events.
// Delivery is fire-and-forget: bad events are logged and dropped, never
// propagated back to the producer.
func (e *Engine) SubscribeOutcomes(bus *eventbus.Bus) {
	bus.Register(outcomeSubscriber{eng: e})
}

type outcomeSubscriber struct {
	eng *Engine
}

func (s outcomeSubscriber) Topics() []string { return []string{TopicOutcome} }

func (s outcomeSubscriber) Handle(ctx context.Context, evt eventbus.Event) {
	oe, ok := evt.Payload.(OutcomeEvent)
	if !ok {
		log.Printf("engine: unexpected payload %T on %s", evt.Payload, evt.Type)
		return
	}
	if err := s.eng.RecordOutcome(ctx, oe.ExperimentID, oe.SubjectID, oe.Metric, oe.Value); err != nil {
		var warn *UnknownSubjectWarning
		if errors.As(err, &warn) {
			log.Printf("engine: %v", warn)
			return
		}
		log.Printf("engine: outcome %s/%s: %v", oe.ExperimentID, oe.Metric, err)
	}
}
