// Package engine defines the container lifecycle abstraction the executor
// uses to actually run a scheduled job.  Each backend (Docker, GCP VMs)
// implements Engine so the distribution core stays runtime-agnostic.
package engine

import (
	"context"
	"maps"

	"github.com/terrpan/dispatch/internal/job"
)

// Engine is the contract every compute backend must satisfy.
//
// Every job runs in its own ephemeral container or VM.  The lifecycle is:
//
//	CreateAndStart → AwaitCompletion → Release
//
// Cancel may be called at any point after CreateAndStart to stop the
// workload early; Release must still be called afterwards.  Cancellation of
// ctx in AwaitCompletion stops waiting but leaves the workload running.
type Engine interface {
	// CreateAndStart provisions and starts the workload for spec.  The
	// execution context carries the container name, network and volumes
	// chosen at routing time.
	CreateAndStart(ctx context.Context, ec job.ExecutionContext, spec Spec) (Handle, error)

	// AwaitCompletion blocks until the workload exits or ctx is done.
	// A non-zero exit is reported in Result and as an error.
	AwaitCompletion(ctx context.Context, h Handle) (Result, error)

	// Cancel stops a running workload.  Cancelling an exited workload is
	// not an error.
	Cancel(ctx context.Context, h Handle) error

	// Release permanently destroys the workload.  It is idempotent.
	Release(ctx context.Context, h Handle) error

	// Shutdown releases every workload still owned by this engine.  It is
	// called once during process termination.
	Shutdown(ctx context.Context) error
}

// Spec describes what to run.
type Spec struct {
	JobID    string
	WorkerID string

	// Image overrides the engine's default image when set.
	Image   string
	Command []string
	Env     map[string]string
	Labels  map[string]string

	Resources job.Allocation
}

// Handle identifies a started workload.  ID is backend specific: a Docker
// container id or a GCP instance name.
type Handle struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Result is the outcome of a finished workload.
type Result struct {
	ExitCode int    `json:"exitCode"`
	Logs     string `json:"logs,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Label keys stamped on every workload.
const (
	LabelJob    = "dispatch.job"
	LabelWorker = "dispatch.worker"
)

// SpecFor builds the default Spec for a job placed on workerID with the
// given allocation.  The request environment is copied verbatim.
func SpecFor(req *job.Request, workerID string, alloc job.Allocation) Spec {
	env := make(map[string]string, len(req.Environment)+3)
	maps.Copy(env, req.Environment)
	env["DISPATCH_JOB_ID"] = req.JobID
	if req.Repository != "" {
		env["DISPATCH_REPOSITORY"] = req.Repository
	}
	if req.CommitSHA != "" {
		env["DISPATCH_COMMIT_SHA"] = req.CommitSHA
	}
	return Spec{
		JobID:    req.JobID,
		WorkerID: workerID,
		Env:      env,
		Labels: map[string]string{
			LabelJob:    req.JobID,
			LabelWorker: workerID,
		},
		Resources: alloc,
	}
}
