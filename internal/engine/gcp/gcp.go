// Package gcp implements the engine.Engine interface using Google Cloud
// Compute Engine to run each dispatched job on its own ephemeral VM.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
//
// The VM image is expected to run the job from its startup script, print
// a final "DISPATCH_EXIT_CODE=<n>" line to the serial console, and power
// itself off.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/dispatch/internal/engine"
	"github.com/terrpan/dispatch/internal/job"
)

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where job VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// Image is the full self-link or family URL of the job image (required).
	// Examples:
	//   "projects/my-project/global/images/dispatch-runner-1234567890"
	//   "projects/my-project/global/images/family/dispatch-runner"
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).  If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP controls whether job VMs get an external IP.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to
	// job VMs (optional).
	ServiceAccount string

	// PollInterval is how often AwaitCompletion checks instance status.
	// Default: 10s.
	PollInterval time.Duration
}

// operationWaiter is satisfied by *compute.Operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of the instances client the engine uses.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	GetSerialPortOutput(ctx context.Context, req *computepb.GetSerialPortOutputInstanceRequest) (*computepb.SerialPortOutput, error)
	Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Close() error
}

// restInstances adapts *compute.InstancesClient to instancesAPI.
type restInstances struct {
	c *compute.InstancesClient
}

func (r restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return r.c.Insert(ctx, req)
}

func (r restInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.c.Get(ctx, req)
}

func (r restInstances) GetSerialPortOutput(ctx context.Context, req *computepb.GetSerialPortOutputInstanceRequest) (*computepb.SerialPortOutput, error) {
	return r.c.GetSerialPortOutput(ctx, req)
}

func (r restInstances) Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error) {
	return r.c.Stop(ctx, req)
}

func (r restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return r.c.Delete(ctx, req)
}

func (r restInstances) Close() error { return r.c.Close() }

// Engine runs jobs as GCP Compute Engine VMs.
type Engine struct {
	client   instancesAPI
	opClient io.Closer
	cfg      Config
	logger   *slog.Logger

	mu        sync.Mutex
	instances map[string]string // instance name -> job id

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	opClient, err := compute.NewZoneOperationsRESTClient(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gcp zone operations client: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger.Info("gcp engine initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
		slog.String("image", cfg.Image),
	)

	return newEngine(restInstances{c: client}, opClient, cfg, logger), nil
}

func newEngine(client instancesAPI, opClient io.Closer, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		client:    client,
		opClient:  opClient,
		cfg:       cfg,
		logger:    logger,
		instances: make(map[string]string),
		tracer:    otel.Tracer("dispatch/engine/gcp"),
	}
}

// CreateAndStart creates a VM for spec.  The job environment is passed as
// instance metadata so the startup script can read it.
func (e *Engine) CreateAndStart(ctx context.Context, ec job.ExecutionContext, spec engine.Spec) (engine.Handle, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.CreateAndStart")
	defer span.End()

	name := InstanceName(ec.ContainerName)
	span.SetAttributes(
		attribute.String("job.id", spec.JobID),
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
		attribute.String("gcp.machine_type", e.cfg.MachineType),
	)

	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", e.cfg.Zone, e.cfg.MachineType)

	img := spec.Image
	if img == "" {
		img = e.cfg.Image
	}

	// Boot disk from the pre-built job image.
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(img),
			DiskSizeGb:  proto.Int64(e.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", e.cfg.Zone)),
		},
	}

	network := e.cfg.Network
	if ec.NetworkID != "" {
		network = ec.NetworkID
	}
	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", network)),
	}
	if e.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(e.cfg.Subnet)
	}
	if e.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	keys := slices.Sorted(maps.Keys(spec.Env))
	items := make([]*computepb.Items, 0, len(keys)+1)
	for _, k := range keys {
		items = append(items, &computepb.Items{
			Key:   proto.String(k),
			Value: proto.String(spec.Env[k]),
		})
	}
	if len(spec.Command) > 0 {
		items = append(items, &computepb.Items{
			Key:   proto.String("dispatch-command"),
			Value: proto.String(strings.Join(spec.Command, " ")),
		})
	}

	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[labelValue(k)] = labelValue(v)
	}

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          &computepb.Metadata{Items: items},
		Labels:            labels,
	}

	if e.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(e.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	e.logger.Info("creating job VM",
		slog.String("name", name),
		slog.String("job", spec.JobID),
		slog.String("machine_type", e.cfg.MachineType),
		slog.String("zone", e.cfg.Zone),
	)

	op, err := e.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             e.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return engine.Handle{}, fmt.Errorf("insert instance %s: %w", name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert operation failed")
		return engine.Handle{}, fmt.Errorf("waiting for instance %s: %w", name, err)
	}

	e.mu.Lock()
	e.instances[name] = spec.JobID
	e.mu.Unlock()

	e.logger.Info("job VM started",
		slog.String("name", name),
		slog.String("zone", e.cfg.Zone),
	)

	// For GCP, the instance name is the opaque ID.
	return engine.Handle{ID: name, Name: name}, nil
}

// AwaitCompletion polls the instance until it stops, then reads the serial
// console for logs and the exit code.
func (e *Engine) AwaitCompletion(ctx context.Context, h engine.Handle) (engine.Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.AwaitCompletion")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.instance_name", h.ID))

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		inst, err := e.client.Get(ctx, &computepb.GetInstanceRequest{
			Project:  e.cfg.Project,
			Zone:     e.cfg.Zone,
			Instance: h.ID,
		})
		if err != nil {
			if isNotFound(err) {
				return engine.Result{ExitCode: -1, Error: "instance disappeared"},
					fmt.Errorf("instance %s disappeared before completion", h.ID)
			}
			e.logger.Warn("instance status poll failed",
				slog.String("name", h.ID),
				slog.String("error", err.Error()),
			)
		} else if finished(inst.GetStatus()) {
			break
		}

		select {
		case <-ctx.Done():
			return engine.Result{}, ctx.Err()
		case <-ticker.C:
		}
	}

	var res engine.Result
	out, err := e.client.GetSerialPortOutput(ctx, &computepb.GetSerialPortOutputInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: h.ID,
	})
	if err != nil {
		e.logger.Warn("could not read serial console",
			slog.String("name", h.ID),
			slog.String("error", err.Error()),
		)
	} else {
		res.Logs = out.GetContents()
	}

	res.ExitCode = exitCode(res.Logs)
	span.SetAttributes(attribute.Int("job.exit_code", res.ExitCode))
	if res.ExitCode != 0 {
		res.Error = fmt.Sprintf("instance %s exited with code %d", h.ID, res.ExitCode)
		span.SetStatus(codes.Error, "non-zero exit")
		return res, errors.New(res.Error)
	}
	return res, nil
}

// Cancel stops the VM.  A VM that no longer exists is not an error.
func (e *Engine) Cancel(ctx context.Context, h engine.Handle) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Cancel")
	defer span.End()

	op, err := e.client.Stop(ctx, &computepb.StopInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: h.ID,
	})
	if err == nil {
		err = op.Wait(ctx)
	}
	if err != nil && !isNotFound(err) {
		span.RecordError(err)
		return fmt.Errorf("stop instance %s: %w", h.ID, err)
	}
	e.logger.Info("job VM stopped", slog.String("name", h.ID))
	return nil
}

// Release permanently deletes the VM identified by h.
// It is idempotent -- deleting an already-deleted VM is not an error.
func (e *Engine) Release(ctx context.Context, h engine.Handle) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Release")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", h.ID),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
	)

	e.logger.Info("deleting job VM", slog.String("name", h.ID))

	op, err := e.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: h.ID,
	})
	if err != nil {
		// Treat "not found" as success -- the instance is already gone.
		if isNotFound(err) {
			span.AddEvent("instance already deleted (idempotent)")
			e.forget(h.ID)
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", h.ID, err)
	}

	if err := op.Wait(ctx); err != nil {
		// Also handle 404 during wait -- race between delete and check.
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait (idempotent)")
			e.forget(h.ID)
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", h.ID, err)
	}

	e.forget(h.ID)
	e.logger.Info("job VM deleted", slog.String("name", h.ID))
	return nil
}

// Shutdown deletes all VMs currently tracked by this engine instance.
func (e *Engine) Shutdown(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Shutdown")
	defer span.End()

	e.mu.Lock()
	names := slices.Collect(maps.Keys(e.instances))
	e.mu.Unlock()

	span.SetAttributes(attribute.Int("gcp.instances_count", len(names)))

	var firstErr error
	for _, name := range names {
		if err := e.Release(ctx, engine.Handle{ID: name, Name: name}); err != nil {
			e.logger.Error("shutdown: failed to delete job VM",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	e.mu.Lock()
	clear(e.instances)
	e.mu.Unlock()

	if err := e.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.opClient != nil {
		if err := e.opClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (e *Engine) forget(name string) {
	e.mu.Lock()
	delete(e.instances, name)
	e.mu.Unlock()
}

func finished(status string) bool {
	return status == "TERMINATED" || status == "STOPPED"
}

var exitLine = regexp.MustCompile(`DISPATCH_EXIT_CODE=(-?\d+)`)

// exitCode returns the last exit code reported on the console, or zero if
// none was printed.
func exitCode(logs string) int {
	m := exitLine.FindAllStringSubmatch(logs, -1)
	if len(m) == 0 {
		return 0
	}
	code, err := strconv.Atoi(m[len(m)-1][1])
	if err != nil {
		return -1
	}
	return code
}

var invalidName = regexp.MustCompile(`[^a-z0-9-]+`)

// InstanceName converts a container name into a valid Compute Engine
// instance name: lowercase letters, digits and dashes, starting with a
// letter, at most 63 characters.
func InstanceName(s string) string {
	n := invalidName.ReplaceAllString(strings.ToLower(s), "-")
	if n == "" || n[0] < 'a' || n[0] > 'z' {
		n = "job-" + n
	}
	if len(n) > 63 {
		n = n[:63]
	}
	return strings.TrimRight(n, "-")
}

// labelValue maps s onto the label character set.
func labelValue(s string) string {
	v := invalidName.ReplaceAllString(strings.ToLower(s), "-")
	if len(v) > 63 {
		v = v[:63]
	}
	return v
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	// googleapi.Error formats as "googleapi: Error 404: ..."; gRPC status
	// formats as "code = NotFound".  String matching survives client
	// library version changes.
	msg := err.Error()
	for _, pattern := range []string{"Error 404", "code = NotFound", "notFound"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
