package reward

import (
	"fmt"
	"math"
)

// Router maps a confidence score to a distribution mode. It does no I/O.
type Router struct {
	high    float64
	medium  float64
	flagged map[Category]struct{}
}

// NewRouter builds a router. Thresholds must satisfy 0 <= medium <= high <= 1.
func NewRouter(high, medium float64, flagged []Category) (*Router, error) {
	if math.IsNaN(high) || high < 0 || high > 1 {
		return nil, fmt.Errorf("high threshold %v outside [0,1]", high)
	}
	if math.IsNaN(medium) || medium < 0 || medium > 1 {
		return nil, fmt.Errorf("medium threshold %v outside [0,1]", medium)
	}
	if medium > high {
		return nil, fmt.Errorf("medium threshold %v cannot exceed high threshold %v", medium, high)
	}
	r := &Router{high: high, medium: medium, flagged: make(map[Category]struct{}, len(flagged))}
	for _, c := range flagged {
		r.flagged[c] = struct{}{}
	}
	return r, nil
}

// Route returns Immediate at or above the high threshold, Pending at or above
// the medium threshold, and ManualReview otherwise. A flagged category always
// goes to manual review, as does a NaN score.
func (r *Router) Route(score float64, category Category) Mode {
	if r.Flagged(category) || math.IsNaN(score) {
		return ModeManualReview
	}
	switch {
	case score >= r.high:
		return ModeImmediate
	case score >= r.medium:
		return ModePending
	default:
		return ModeManualReview
	}
}

// Flagged reports whether category always requires manual review.
func (r *Router) Flagged(category Category) bool {
	_, ok := r.flagged[category]
	return ok
}

// Explain gives the human-readable reason a receipt was held.
func (r *Router) Explain(score float64, category Category) string {
	switch r.Route(score, category) {
	case ModeImmediate:
		return fmt.Sprintf("confidence %.4f meets high threshold %.4f", score, r.high)
	case ModePending:
		return fmt.Sprintf("confidence %.4f below high threshold %.4f", score, r.high)
	}
	if r.Flagged(category) {
		return fmt.Sprintf("category %q requires manual review", category)
	}
	return fmt.Sprintf("confidence %.4f below medium threshold %.4f", score, r.medium)
}
