// Package stats computes significance verdicts for experiment variants
// from accumulator snapshots. It is pure read/compute: nothing here
// mutates counters or experiment state.
package stats

import (
	"context"
	"fmt"
	"math"

	"splitlab/pkg/accumulator"
	"splitlab/pkg/experiment"
)

// Config tunes the evaluator's verdict thresholds.
type Config struct {
	ConfidenceLevel float64 // confidence interval level, default 0.95
	Alpha           float64 // significance threshold, default 0.05
	MinSampleSize   uint64  // exposures required per variant, default 100
}

// DefaultConfig mirrors the conventional 95% / 0.05 / 100 setup.
func DefaultConfig() Config {
	return Config{ConfidenceLevel: 0.95, Alpha: 0.05, MinSampleSize: 100}
}

func (c Config) withDefaults() Config {
	if c.ConfidenceLevel == 0 {
		c.ConfidenceLevel = 0.95
	}
	if c.Alpha == 0 {
		c.Alpha = 0.05
	}
	if c.MinSampleSize == 0 {
		c.MinSampleSize = 100
	}
	return c
}

// VariantResult is one variant's scorecard for a single metric compared
// against the control variant.
type VariantResult struct {
	VariantID        string  `json:"variant_id"`
	IsControl        bool    `json:"is_control"`
	Exposures        uint64  `json:"exposures"`
	Events           uint64  `json:"events"`
	ConversionRate   float64 `json:"conversion_rate"`
	Mean             float64 `json:"mean"`
	Variance         float64 `json:"variance"`
	PValue           float64 `json:"p_value"`
	CILow            float64 `json:"ci_low"`
	CIHigh           float64 `json:"ci_high"`
	LiftPct          float64 `json:"lift_pct"`
	Significant      bool    `json:"significant"`
	InsufficientData bool    `json:"insufficient_data"`
	TimedOut         bool    `json:"timed_out"`
}

// Evaluation is the verdict for one experiment and metric.
type Evaluation struct {
	ExperimentID string          `json:"experiment_id"`
	Metric       string          `json:"metric"`
	ControlID    string          `json:"control_id"`
	Results      []VariantResult `json:"results"`
	Winner       string          `json:"winner,omitempty"`
	Notice       string          `json:"notice,omitempty"`
}

const (
	NoticeInsufficientData = "insufficient data"
	NoticeNoSignificance   = "no significant difference"
	NoticeTimedOut         = "evaluation timed out; partial results"
)

// Evaluate scores every variant of the experiment against the control
// for one metric. The snapshot comes from the accumulator; variant order
// follows the experiment definition. Honors ctx: once the deadline
// passes, remaining variants are marked timed out rather than blocking.
func Evaluate(ctx context.Context, exp *experiment.Experiment, metric string, snapshot map[string]map[string]accumulator.Aggregate, cfg Config) (*Evaluation, error) {
	cfg = cfg.withDefaults()

	control := exp.Control()
	if control == nil {
		return nil, fmt.Errorf("evaluate %s: experiment has no variants", exp.ID)
	}
	if snapshot == nil {
		return nil, fmt.Errorf("evaluate %s: no snapshot available", exp.ID)
	}

	controlAgg := snapshot[control.ID][metric]
	continuous := exp.MetricKind == experiment.MetricContinuous

	eval := &Evaluation{
		ExperimentID: exp.ID,
		Metric:       metric,
		ControlID:    control.ID,
		Results:      make([]VariantResult, 0, len(exp.Variants)),
	}

	zCI := NormalQuantile(0.5 + cfg.ConfidenceLevel/2)

	timedOut := false
	allInsufficient := true
	winnerID := ""
	winnerScore := math.Inf(-1)

	for i := range exp.Variants {
		v := &exp.Variants[i]
		res := VariantResult{
			VariantID: v.ID,
			IsControl: v.ID == control.ID,
			PValue:    1,
		}

		if timedOut || ctx.Err() != nil {
			timedOut = true
			res.TimedOut = true
			res.InsufficientData = true
			eval.Results = append(eval.Results, res)
			continue
		}

		agg := snapshot[v.ID][metric]
		res.Exposures = agg.Exposures
		res.Events = agg.EventCount
		res.ConversionRate = agg.ConversionRate()
		res.Mean = agg.Mean()
		res.Variance = agg.Variance()

		if agg.Exposures < cfg.MinSampleSize {
			res.InsufficientData = true
			eval.Results = append(eval.Results, res)
			continue
		}
		allInsufficient = false

		// Confidence interval around the scored quantity.
		if continuous {
			if agg.EventCount > 0 {
				se := math.Sqrt(res.Variance / float64(agg.EventCount))
				res.CILow = res.Mean - zCI*se
				res.CIHigh = res.Mean + zCI*se
			}
		} else {
			se := math.Sqrt(res.ConversionRate * (1 - res.ConversionRate) / float64(agg.Exposures))
			res.CILow = res.ConversionRate - zCI*se
			res.CIHigh = res.ConversionRate + zCI*se
		}

		if res.IsControl {
			eval.Results = append(eval.Results, res)
			continue
		}

		if controlAgg.Exposures < cfg.MinSampleSize {
			// No trustworthy baseline to compare against.
			res.InsufficientData = true
			eval.Results = append(eval.Results, res)
			continue
		}

		var p float64
		var ok bool
		var lift, controlScore, variantScore float64
		if continuous {
			_, p, ok = WelchT(res.Mean, res.Variance, agg.EventCount,
				controlAgg.Mean(), controlAgg.Variance(), controlAgg.EventCount)
			controlScore, variantScore = controlAgg.Mean(), res.Mean
		} else {
			_, p, ok = TwoProportionZ(agg.EventCount, agg.Exposures,
				controlAgg.EventCount, controlAgg.Exposures)
			controlScore, variantScore = controlAgg.ConversionRate(), res.ConversionRate
		}
		if !ok {
			res.InsufficientData = true
			eval.Results = append(eval.Results, res)
			continue
		}
		if controlScore != 0 {
			lift = (variantScore - controlScore) / controlScore * 100
		}
		res.PValue = p
		res.LiftPct = lift
		res.Significant = p < cfg.Alpha

		if res.Significant && variantScore > controlScore && variantScore > winnerScore {
			winnerID = res.VariantID
			winnerScore = variantScore
		}
		eval.Results = append(eval.Results, res)
	}

	switch {
	case timedOut:
		eval.Notice = NoticeTimedOut
	case allInsufficient:
		eval.Notice = NoticeInsufficientData
	case winnerID == "":
		eval.Notice = NoticeNoSignificance
	default:
		eval.Winner = winnerID
	}
	return eval, nil
}
