// Package profiler tracks per-tile inference timing for a scan.
package profiler

import (
	"fmt"
	"sync"
	"time"
)

// Profiler collects tile evaluation timings. It is safe for concurrent use
// by the engine's tile workers.
type Profiler struct {
	mu        sync.Mutex
	startTime time.Time
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// New creates a Profiler; the wall clock for the whole scan starts now.
func New() *Profiler {
	return &Profiler{startTime: time.Now()}
}

// ObserveTile records the evaluation duration of one tile.
func (p *Profiler) ObserveTile(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count == 0 || d < p.minTime {
		p.minTime = d
	}
	if d > p.maxTime {
		p.maxTime = d
	}
	p.totalTime += d
	p.count++
}

// Stats is a snapshot of the collected timings.
type Stats struct {
	Tiles   int64
	Wall    time.Duration
	Total   time.Duration
	Min     time.Duration
	Max     time.Duration
	Average time.Duration
}

// Snapshot returns the current statistics.
func (p *Profiler) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Tiles: p.count,
		Wall:  time.Since(p.startTime),
		Total: p.totalTime,
		Min:   p.minTime,
		Max:   p.maxTime,
	}
	if p.count > 0 {
		s.Average = p.totalTime / time.Duration(p.count)
	}
	return s
}

// String renders the snapshot for log output.
func (s Stats) String() string {
	if s.Tiles == 0 {
		return "no tiles evaluated"
	}
	return fmt.Sprintf("%d tiles in %v (model time %v, min %v, avg %v, max %v)",
		s.Tiles, s.Wall.Round(time.Millisecond), s.Total.Round(time.Millisecond),
		s.Min.Round(time.Microsecond), s.Average.Round(time.Microsecond), s.Max.Round(time.Microsecond))
}
