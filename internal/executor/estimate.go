package executor

import (
	"cmp"
	"slices"
	"time"

	"github.com/terrpan/dispatch/internal/job"
)

// Estimate returns the resource summary a plan of jobs would carry when
// run at most maxConcurrent at a time.  levels are dependency waves of job
// ids as produced by a dependency graph; nil means every job may run at
// once.  Jobs without an estimated duration count as fallback.
func Estimate(jobs []*job.Request, levels [][]string, maxConcurrent int, fallback time.Duration) ResourceSummary {
	if levels == nil {
		return aggregate(jobs, nil, maxConcurrent, fallback)
	}
	return aggregate(jobs, levelIndexes(jobs, levels), maxConcurrent, fallback)
}

// levelIndexes maps levels of job ids onto indexes into jobs.  Unknown
// ids are dropped.
func levelIndexes(jobs []*job.Request, levels [][]string) [][]int {
	index := make(map[string]int, len(jobs))
	for i, j := range jobs {
		index[j.JobID] = i
	}
	out := make([][]int, 0, len(levels))
	for _, level := range levels {
		idx := make([]int, 0, len(level))
		for _, id := range level {
			if i, ok := index[id]; ok {
				idx = append(idx, i)
			}
		}
		out = append(out, idx)
	}
	return out
}

// aggregate sums the preferred CPU and memory of jobs and estimates the
// plan's duration.  levels groups job indexes into waves that must run one
// after another; nil means a single wave.
func aggregate(jobs []*job.Request, levels [][]int, maxConcurrent int, fallback time.Duration) ResourceSummary {
	var s ResourceSummary
	for _, j := range jobs {
		s.CPU += j.Resources.CPU.Want()
		s.Memory += j.Resources.Memory.Want()
	}
	s.PeakConcurrency = min(len(jobs), maxConcurrent)

	if levels == nil {
		all := make([]int, len(jobs))
		for i := range jobs {
			all[i] = i
		}
		levels = [][]int{all}
	}
	for _, level := range levels {
		durations := make([]time.Duration, 0, len(level))
		for _, i := range level {
			durations = append(durations, estimate(jobs[i], fallback))
		}
		s.EstimatedDuration += makespan(durations, maxConcurrent)
	}
	return s
}

// estimate is the expected run time of one job.
func estimate(j *job.Request, fallback time.Duration) time.Duration {
	if j.Metadata.EstimatedDuration > 0 {
		return j.Metadata.EstimatedDuration
	}
	return fallback
}

// makespan schedules durations longest-first onto at most lanes parallel
// lanes and returns when the last lane finishes.
func makespan(durations []time.Duration, lanes int) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	lanes = max(1, min(lanes, len(durations)))
	sorted := slices.SortedFunc(slices.Values(durations), func(a, b time.Duration) int {
		return cmp.Compare(b, a)
	})

	busy := make([]time.Duration, lanes)
	for _, d := range sorted {
		i := 0
		for l := 1; l < lanes; l++ {
			if busy[l] < busy[i] {
				i = l
			}
		}
		busy[i] += d
	}
	return slices.Max(busy)
}
