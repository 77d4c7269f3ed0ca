package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/dispatch/internal/job"
	"github.com/terrpan/dispatch/internal/worker"
)

func newScheduler(workers ...worker.Worker) (*Scheduler, *worker.StaticRegistry) {
	reg := worker.NewStaticRegistry(0, workers...)
	return New(Config{Registry: reg}), reg
}

func cpuMem(minCPU, prefCPU, minMem, prefMem float64) *job.Request {
	return &job.Request{
		JobID: "j",
		Resources: job.ResourceRequirements{
			CPU:    job.Range{Min: minCPU, Preferred: prefCPU},
			Memory: job.Range{Min: minMem, Preferred: prefMem},
		},
	}
}

func TestSchedule_PreferredThenClipped(t *testing.T) {
	s, _ := newScheduler(worker.Worker{ID: "w1", Healthy: true, Capacity: worker.Resources{CPU: 4, Memory: 4096}})
	ctx := context.Background()

	r1, err := s.Schedule(ctx, "a", cpuMem(1, 3, 512, 1024), "w1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, r1.AssignedResources.CPU)
	assert.Equal(t, 1024.0, r1.AssignedResources.Memory)

	// Only 1 CPU left: preferred 2 is clipped to 1.
	r2, err := s.Schedule(ctx, "b", cpuMem(1, 2, 512, 1024), "w1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, r2.AssignedResources.CPU)

	// No CPU left at all.
	_, err = s.Schedule(ctx, "c", cpuMem(0.5, 1, 0, 0), "w1")
	require.Error(t, err)
	assert.ErrorIs(t, err, job.ErrInsufficientResources)
	assert.True(t, job.IsRetryable(err))

	_, reserved := s.Usage("w1")
	assert.Equal(t, 4.0, reserved.CPU)
	assert.Equal(t, 2048.0, reserved.Memory)
}

func TestSchedule_FailureReservesNothing(t *testing.T) {
	s, _ := newScheduler(worker.Worker{ID: "w1", Healthy: true, Capacity: worker.Resources{CPU: 4, Memory: 100}})

	_, err := s.Schedule(context.Background(), "a", cpuMem(1, 2, 200, 200), "w1")
	require.Error(t, err)

	_, reserved := s.Usage("w1")
	assert.Zero(t, reserved.CPU, "cpu must not stay reserved when memory fails")
	assert.Equal(t, 0, s.Held())
}

func TestSchedule_UnavailableWorker(t *testing.T) {
	s, reg := newScheduler(worker.Worker{ID: "w1", Healthy: true, Capacity: worker.Resources{CPU: 4}})

	_, err := s.Schedule(context.Background(), "a", cpuMem(1, 1, 0, 0), "ghost")
	assert.ErrorIs(t, err, job.ErrInsufficientResources)

	reg.SetHealthy("w1", false)
	_, err = s.Schedule(context.Background(), "a", cpuMem(1, 1, 0, 0), "w1")
	assert.ErrorIs(t, err, job.ErrInsufficientResources)
}

func TestSchedule_DuplicateReservation(t *testing.T) {
	s, _ := newScheduler(worker.Worker{ID: "w1", Healthy: true, Capacity: worker.Resources{CPU: 4}})
	_, err := s.Schedule(context.Background(), "a", cpuMem(1, 1, 0, 0), "w1")
	require.NoError(t, err)
	_, err = s.Schedule(context.Background(), "a", cpuMem(1, 1, 0, 0), "w1")
	require.Error(t, err)
	assert.False(t, job.IsRetryable(err))
}

// TestSchedule_SameIDOnTwoWorkers races reservations for one id on
// different workers.  Exactly one may win and nothing may leak.
func TestSchedule_SameIDOnTwoWorkers(t *testing.T) {
	capacity := worker.Resources{CPU: 4, Memory: 4096}
	s, _ := newScheduler(
		worker.Worker{ID: "w1", Healthy: true, Capacity: capacity},
		worker.Worker{ID: "w2", Healthy: true, Capacity: capacity},
	)
	ctx := context.Background()

	for i := range 200 {
		id := fmt.Sprintf("dup-%d", i)
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
			errs []error
		)
		for _, workerID := range []string{"w1", "w2"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Schedule(ctx, id, cpuMem(1, 1, 256, 256), workerID)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
					return
				}
				errs = append(errs, err)
			}()
		}
		wg.Wait()

		require.Equal(t, 1, wins, "id %s", id)
		require.Len(t, errs, 1)
		assert.False(t, job.IsRetryable(errs[0]))
		assert.Equal(t, 1, s.Held())

		assert.True(t, s.Release(id))
		for _, w := range []string{"w1", "w2"} {
			_, reserved := s.Usage(w)
			require.Zero(t, reserved.CPU, "worker %s leaked cpu for %s", w, id)
			require.Zero(t, reserved.Memory, "worker %s leaked memory for %s", w, id)
		}
		assert.Equal(t, 0, s.Held())
	}
}

func TestSchedule_FailedReservationDropsClaim(t *testing.T) {
	s, _ := newScheduler(worker.Worker{ID: "w1", Healthy: true, Capacity: worker.Resources{CPU: 1}})
	ctx := context.Background()

	_, err := s.Schedule(ctx, "a", cpuMem(2, 2, 0, 0), "w1")
	require.ErrorIs(t, err, job.ErrInsufficientResources)
	assert.Equal(t, 0, s.Held())

	// The id is free again once the worker can fit it.
	_, err = s.Schedule(ctx, "a", cpuMem(1, 1, 0, 0), "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Held())
}

func TestSchedule_Estimates(t *testing.T) {
	s, _ := newScheduler(worker.Worker{ID: "w1", Healthy: true, Capacity: worker.Resources{CPU: 4}})
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	req := cpuMem(1, 1, 0, 0)
	req.Metadata.EstimatedDuration = 10 * time.Minute
	r, err := s.Schedule(context.Background(), "a", req, "w1")
	require.NoError(t, err)
	assert.Equal(t, now, r.ScheduledAt)
	assert.Equal(t, now.Add(10*time.Minute), r.EstimatedCompletionTime)

	r, err = s.Schedule(context.Background(), "b", cpuMem(1, 1, 0, 0), "w1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), r.EstimatedCompletionTime)
	assert.Equal(t, "w1", r.Summary().WorkerID)
}

func TestRelease_Idempotent(t *testing.T) {
	s, _ := newScheduler(worker.Worker{ID: "w1", Healthy: true, Capacity: worker.Resources{CPU: 2}})
	ctx := context.Background()

	_, err := s.Schedule(ctx, "a", cpuMem(2, 2, 0, 0), "w1")
	require.NoError(t, err)
	alloc, ok := s.Reservation("a")
	require.True(t, ok)
	assert.Equal(t, 2.0, alloc.CPU)

	assert.True(t, s.Release("a"))
	assert.False(t, s.Release("a"))
	assert.False(t, s.Release("never-scheduled"))

	_, reserved := s.Usage("w1")
	assert.Zero(t, reserved.CPU)

	// Capacity is reusable after release.
	_, err = s.Schedule(ctx, "b", cpuMem(2, 2, 0, 0), "w1")
	assert.NoError(t, err)
}

func TestSchedule_ShrunkCapacityGrantsNothingMore(t *testing.T) {
	s, reg := newScheduler(worker.Worker{ID: "w1", Healthy: true, Capacity: worker.Resources{CPU: 4}})
	_, err := s.Schedule(context.Background(), "a", cpuMem(3, 3, 0, 0), "w1")
	require.NoError(t, err)

	reg.Upsert(worker.Worker{ID: "w1", Healthy: true, Capacity: worker.Resources{CPU: 2}})
	_, err = s.Schedule(context.Background(), "b", cpuMem(0.1, 1, 0, 0), "w1")
	assert.ErrorIs(t, err, job.ErrInsufficientResources)
}

// TestSchedule_ConcurrentNeverOversubscribes hammers a small pool with
// random reserve/release calls and checks the reserved totals after every
// successful reservation.
func TestSchedule_ConcurrentNeverOversubscribes(t *testing.T) {
	capacity := worker.Resources{CPU: 8, Memory: 16384, Disk: 1000, Network: 1000}
	s, _ := newScheduler(
		worker.Worker{ID: "w1", Healthy: true, Capacity: capacity},
		worker.Worker{ID: "w2", Healthy: true, Capacity: capacity},
	)
	ctx := context.Background()

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		violations []string
	)
	for g := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(g), 42))
			for i := range 200 {
				id := fmt.Sprintf("g%d-%d", g, i)
				workerID := []string{"w1", "w2"}[rng.IntN(2)]
				req := &job.Request{
					JobID: id,
					Resources: job.ResourceRequirements{
						CPU:    job.Range{Min: 0.25 + rng.Float64(), Preferred: 1 + rng.Float64()*3},
						Memory: job.Range{Min: 128, Preferred: 512 + rng.Float64()*4096},
						Disk:   job.Range{Min: 10, Preferred: 100},
					},
				}
				if _, err := s.Schedule(ctx, id, req, workerID); err == nil {
					_, reserved := s.Usage(workerID)
					if reserved.CPU > capacity.CPU+1e-9 || reserved.Memory > capacity.Memory+1e-9 || reserved.Disk > capacity.Disk+1e-9 {
						mu.Lock()
						violations = append(violations, fmt.Sprintf("%s: %+v", workerID, reserved))
						mu.Unlock()
					}
					if rng.IntN(3) > 0 {
						s.Release(id)
						s.Release(id)
					}
				}
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, violations)
	for _, id := range []string{"w1", "w2"} {
		_, reserved := s.Usage(id)
		assert.LessOrEqual(t, reserved.CPU, capacity.CPU+1e-9)
		assert.LessOrEqual(t, reserved.Memory, capacity.Memory+1e-9)
	}
}
