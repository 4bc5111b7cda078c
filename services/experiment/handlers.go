package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"splitlab/pkg/engine"
	"splitlab/pkg/eventbus"
	"splitlab/pkg/experiment"
)

type api struct {
	eng *engine.Engine
	bus *eventbus.Bus
}

func newAPI(eng *engine.Engine, bus *eventbus.Bus) *api {
	return &api{eng: eng, bus: bus}
}

// handleExperiments serves POST /experiments (create) and GET /experiments
// (list, optionally ?state=running,paused).
func (a *api) handleExperiments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var def experiment.Experiment
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		id, err := a.eng.CreateExperiment(r.Context(), &def)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": id})

	case http.MethodGet:
		var states []experiment.State
		if raw := r.URL.Query().Get("state"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				st := experiment.State(strings.TrimSpace(s))
				if !st.Valid() {
					http.Error(w, "Unknown state "+string(st), http.StatusBadRequest)
					return
				}
				states = append(states, st)
			}
		}
		exps, err := a.eng.ListExperiments(r.Context(), states...)
		if err != nil {
			http.Error(w, "Failed to list experiments", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"experiments": exps, "count": len(exps)})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleExperimentByPath serves /experiments/{id} and
// /experiments/{id}/{start|pause|resume|stop|cancel|results}.
func (a *api) handleExperimentByPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/experiments/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.Error(w, "Missing experiment id", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			a.getExperiment(w, r, id)
		case http.MethodPut:
			a.updateExperiment(w, r, id)
		case http.MethodDelete:
			a.archiveExperiment(w, r, id)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	action := parts[1]
	if action == "results" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		a.results(w, r, id)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var call func(context.Context, string) error
	switch action {
	case "start":
		call = a.eng.StartExperiment
	case "pause":
		call = a.eng.PauseExperiment
	case "resume":
		call = a.eng.ResumeExperiment
	case "stop":
		call = a.eng.StopExperiment
	case "cancel":
		call = a.eng.CancelExperiment
	default:
		http.Error(w, "Unknown action "+action, http.StatusNotFound)
		return
	}
	if err := call(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	a.getExperiment(w, r, id)
}

func (a *api) getExperiment(w http.ResponseWriter, r *http.Request, id string) {
	exp, err := a.eng.GetExperiment(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(exp)
}

func (a *api) updateExperiment(w http.ResponseWriter, r *http.Request, id string) {
	var def experiment.Experiment
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	def.ID = id
	if err := a.eng.UpdateExperiment(r.Context(), &def); err != nil {
		writeEngineError(w, err)
		return
	}
	a.getExperiment(w, r, id)
}

func (a *api) archiveExperiment(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.eng.Archive(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) results(w http.ResponseWriter, r *http.Request, id string) {
	report, err := a.eng.Evaluate(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// handleAssign serves POST /assign. The response always carries a usable
// variant; degraded paths surface only through the fallback flag.
func (a *api) handleAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ExperimentID string `json:"experiment_id"`
		SubjectID    string `json:"subject_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ExperimentID == "" || req.SubjectID == "" {
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	assignment := a.eng.Assign(r.Context(), req.ExperimentID, req.SubjectID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(assignment)
}

// handleOutcomes serves POST /outcomes. Synchronous by default so callers
// see UnknownSubjectWarning; async=true hands the event to the bus instead.
func (a *api) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ExperimentID string  `json:"experiment_id"`
		SubjectID    string  `json:"subject_id"`
		Metric       string  `json:"metric"`
		Value        float64 `json:"value"`
		Async        bool    `json:"async,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ExperimentID == "" || req.SubjectID == "" || req.Metric == "" {
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	if req.Async {
		evt := eventbus.Event{
			Type:   engine.TopicOutcome,
			Source: "api",
			Payload: engine.OutcomeEvent{
				ExperimentID: req.ExperimentID,
				SubjectID:    req.SubjectID,
				Metric:       req.Metric,
				Value:        req.Value,
			},
		}
		if err := a.bus.Publish(r.Context(), evt); err != nil {
			http.Error(w, "Queue unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	err := a.eng.RecordOutcome(r.Context(), req.ExperimentID, req.SubjectID, req.Metric, req.Value)
	var warn *engine.UnknownSubjectWarning
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.As(err, &warn):
		// Dropped, but that is expected operation, not a caller fault.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"warning": warn.Error()})
	default:
		writeEngineError(w, err)
	}
}

// writeEngineError maps engine error types onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		nf *experiment.NotFoundError
		ve *experiment.ValidationError
		is *experiment.InvalidStateError
	)
	switch {
	case errors.As(err, &nf):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &ve):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &is):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Printf("experiment api: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}
