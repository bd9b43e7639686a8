// Package policy maps match confidence scores to merge decisions.
package policy

import "fmt"

// Decision is what happens to a matched pair.
type Decision string

const (
	DecisionAutoMerge    Decision = "auto_merge"
	DecisionQueue        Decision = "queue"
	DecisionKeepSeparate Decision = "keep_separate"
)

// Policy holds the configured decision thresholds. Confidence at or above
// AutoMergeThreshold merges automatically; [ReviewThreshold,
// AutoMergeThreshold) queues for human review; below ReviewThreshold the
// records stay separate.
type Policy struct {
	AutoMergeThreshold float64
	ReviewThreshold    float64
	AutoMergeEnabled   bool
}

// New validates the thresholds and builds a policy. AutoMergeEnabled=false
// downgrades would-be auto-merges to review queue entries.
func New(autoMergeThreshold, reviewThreshold float64, autoMergeEnabled bool) (*Policy, error) {
	if autoMergeThreshold <= 0 || autoMergeThreshold > 1 {
		return nil, fmt.Errorf("auto-merge threshold %f must be in (0,1]", autoMergeThreshold)
	}
	if reviewThreshold <= 0 || reviewThreshold >= autoMergeThreshold {
		return nil, fmt.Errorf("review threshold %f must be in (0,%f)", reviewThreshold, autoMergeThreshold)
	}
	return &Policy{
		AutoMergeThreshold: autoMergeThreshold,
		ReviewThreshold:    reviewThreshold,
		AutoMergeEnabled:   autoMergeEnabled,
	}, nil
}

// Decide maps a confidence score to a decision.
func (p *Policy) Decide(confidence float64) Decision {
	switch {
	case confidence >= p.AutoMergeThreshold:
		if !p.AutoMergeEnabled {
			return DecisionQueue
		}
		return DecisionAutoMerge
	case confidence >= p.ReviewThreshold:
		return DecisionQueue
	default:
		return DecisionKeepSeparate
	}
}
