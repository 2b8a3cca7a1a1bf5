package models

import "time"

// StepTiming records how long one step attempt took.
type StepTiming struct {
	StepID   string        `json:"step_id"`
	StepType StepType      `json:"step_type"`
	Duration time.Duration `json:"duration"`
}

// PerformanceMetrics is the live performance snapshot of a session.
type PerformanceMetrics struct {
	TotalSearches    int           `json:"total_searches"`
	CacheHits        int           `json:"cache_hits"`
	CacheMisses      int           `json:"cache_misses"`
	APICalls         int           `json:"api_calls"`
	Retries          int           `json:"retries"`
	StepTimings      []StepTiming  `json:"step_timings"`
	AvgStepTime      time.Duration `json:"avg_step_time"`
	TotalDuration    time.Duration `json:"total_duration"`
	CacheHitRate     float64       `json:"cache_hit_rate"`
	PerformanceScore float64       `json:"performance_score"`
}

// ObserveStep folds one step attempt into the counters.
func (m *PerformanceMetrics) ObserveStep(r StepResult) {
	m.StepTimings = append(m.StepTimings, StepTiming{StepID: r.StepID, StepType: r.StepType, Duration: r.ExecutionTime})
	if r.StepType == StepSearch || r.StepType == StepRefine {
		m.TotalSearches++
		if r.FromCache {
			m.CacheHits++
		} else {
			m.CacheMisses++
		}
	}
	if !r.FromCache && r.Attempts > 0 {
		m.APICalls += r.Attempts
		m.Retries += r.Attempts - 1
	}
	var total time.Duration
	for _, t := range m.StepTimings {
		total += t.Duration
	}
	m.AvgStepTime = total / time.Duration(len(m.StepTimings))
	if lookups := m.CacheHits + m.CacheMisses; lookups > 0 {
		m.CacheHitRate = float64(m.CacheHits) / float64(lookups)
	}
}

// Finalize stamps the total duration and recomputes the score.
func (m *PerformanceMetrics) Finalize(total time.Duration) {
	m.TotalDuration = total
	m.PerformanceScore = m.Score()
}

// Score rates the session between 0 and 1. Slow steps, poor cache use and
// long sessions lower it.
func (m *PerformanceMetrics) Score() float64 {
	score := 1.0
	switch {
	case m.AvgStepTime > 10*time.Second:
		score -= 0.3
	case m.AvgStepTime > 5*time.Second:
		score -= 0.1
	}
	if m.CacheHits+m.CacheMisses > 0 {
		switch {
		case m.CacheHitRate < 0.3:
			score -= 0.2
		case m.CacheHitRate > 0.7:
			score += 0.1
		}
	}
	switch {
	case m.TotalDuration > 60*time.Second:
		score -= 0.2
	case m.TotalDuration > 30*time.Second:
		score -= 0.1
	}
	return Clamp01(score)
}

// Clone deep-copies the metrics.
func (m PerformanceMetrics) Clone() PerformanceMetrics {
	m.StepTimings = append([]StepTiming(nil), m.StepTimings...)
	return m
}

// Clamp01 bounds v to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
