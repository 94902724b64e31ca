package evaluate

import "math"

// BestTracker remembers the best value of one report metric across
// evaluation calls. It replaces process-wide best-score state: the training
// loop owns a tracker and feeds it each evaluation's report.
type BestTracker struct {
	// Metric is the report key to track, e.g. "fscore_average".
	Metric string

	best      float64
	iteration int
	seen      bool
}

// NewBestTracker tracks the given report key.
func NewBestTracker(metric string) *BestTracker {
	return &BestTracker{Metric: metric}
}

// Update records the report produced at the given iteration and reports
// whether it improved on the best seen so far. A missing or NaN metric never
// improves.
func (b *BestTracker) Update(iteration int, r Report) bool {
	v, ok := r[b.Metric]
	if !ok || math.IsNaN(v) {
		return false
	}
	if b.seen && v <= b.best {
		return false
	}
	b.best = v
	b.iteration = iteration
	b.seen = true
	return true
}

// Best returns the best value and the iteration it was seen at. ok is false
// until a defined value has been recorded.
func (b *BestTracker) Best() (value float64, iteration int, ok bool) {
	if !b.seen {
		return math.NaN(), 0, false
	}
	return b.best, b.iteration, true
}
