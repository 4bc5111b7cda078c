package experiment

// ValidateDefinition checks the structural invariants that must hold for
// any experiment the registry accepts, in any state.
func ValidateDefinition(e *Experiment) error {
	if e.Name == "" {
		return validationErrorf("name is required")
	}
	if len(e.Variants) == 0 {
		return validationErrorf("at least one variant is required")
	}
	if e.TrafficPercent < 0 || e.TrafficPercent > 100 {
		return validationErrorf("traffic_percent must be 0-100, got %d", e.TrafficPercent)
	}
	if e.MetricKind != "" && e.MetricKind != MetricBinary && e.MetricKind != MetricContinuous {
		return validationErrorf("unknown metric_kind %q", e.MetricKind)
	}

	seen := make(map[string]bool, len(e.Variants))
	controls := 0
	total := 0
	for _, v := range e.Variants {
		if v.ID == "" {
			return validationErrorf("variant id is required")
		}
		if seen[v.ID] {
			return validationErrorf("duplicate variant id %q", v.ID)
		}
		seen[v.ID] = true
		if v.Weight < 0 || v.Weight > 100 {
			return validationErrorf("variant %q weight must be 0-100, got %d", v.ID, v.Weight)
		}
		if v.IsControl {
			controls++
		}
		total += v.Weight
	}
	if controls > 1 {
		return validationErrorf("at most one variant may be flagged is_control, got %d", controls)
	}
	if total != 100 {
		return validationErrorf("variant weights must sum to 100, got %d", total)
	}
	return nil
}

// ValidateStart checks the additional guards for the draft->running
// transition: a comparison needs at least two arms and a scored metric.
func ValidateStart(e *Experiment) error {
	if err := ValidateDefinition(e); err != nil {
		return err
	}
	if len(e.Variants) < 2 {
		return validationErrorf("starting requires at least 2 variants, got %d", len(e.Variants))
	}
	if e.TargetMetric == "" {
		return validationErrorf("target_metric must be set before start")
	}
	return nil
}
