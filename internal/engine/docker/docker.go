// Package docker implements the engine.Engine interface using the
// Docker daemon to run each dispatched job in its own container.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/dispatch/internal/engine"
	"github.com/terrpan/dispatch/internal/job"
)

// DefaultImage runs jobs when neither the config nor the engine.Spec names one.
const DefaultImage = "ghcr.io/actions/actions-runner:latest"

// Config holds Docker-specific settings.
type Config struct {
	// Image is the default container image for jobs.
	Image string

	// Command is the default command.  Empty uses the image entrypoint.
	Command []string

	// Network is the network used when the execution context names none.
	Network string

	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket (/var/run/docker.sock) into each job container.
	//
	// Security note: the socket gives the job full access to the host
	// Docker daemon.  Only enable this for trusted workflows.
	Dind bool

	// StopTimeout is the grace period Cancel gives a container before it
	// is killed.  Default: 10s.
	StopTimeout time.Duration
}

// dockerAPI is the subset of the Docker client the engine uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Compile-time check that the real client satisfies dockerAPI.
var _ dockerAPI = (*dockerclient.Client)(nil)

// Engine runs jobs as Docker containers.
type Engine struct {
	client dockerAPI
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	mu         sync.Mutex
	containers map[string]string // containerID -> name
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine, connects to the daemon, and pulls the
// default image so it is available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	e := newEngine(client, cfg, logger)
	if err := e.pull(ctx, e.cfg.Image); err != nil {
		client.Close()
		return nil, err
	}
	return e, nil
}

func newEngine(client dockerAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		client:     client,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("dispatch/engine/docker"),
		containers: make(map[string]string),
	}
}

func (e *Engine) pull(ctx context.Context, ref string) error {
	e.logger.Info("pulling image", slog.String("image", ref))

	pull, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		pull.Close()
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}

	e.logger.Info("image ready", slog.String("image", ref))
	return nil
}

// CreateAndStart creates and starts a container for spec, named after the
// execution context.
func (e *Engine) CreateAndStart(ctx context.Context, ec job.ExecutionContext, spec engine.Spec) (engine.Handle, error) {
	ctx, span := e.tracer.Start(ctx, "engine.docker.CreateAndStart")
	defer span.End()

	name := ec.ContainerName
	span.SetAttributes(
		attribute.String("job.id", spec.JobID),
		attribute.String("worker.id", spec.WorkerID),
		attribute.String("container.name", name),
	)

	img := spec.Image
	if img == "" {
		img = e.cfg.Image
	}
	cmd := spec.Command
	if len(cmd) == 0 {
		cmd = e.cfg.Command
	}

	env := envList(spec.Env)
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(spec.Resources.CPU * 1e9),
			Memory:   int64(spec.Resources.Memory * 1024 * 1024),
		},
	}

	netName := ec.NetworkID
	if netName == "" {
		netName = e.cfg.Network
	}
	if netName != "" {
		hostCfg.NetworkMode = container.NetworkMode(netName)
	}
	for _, vol := range ec.VolumeIDs {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: vol,
			Target: "/volumes/" + vol,
		})
	}

	// When DinD is enabled, run as root for cross-platform socket access.
	user := ""
	if e.cfg.Dind {
		user = "root"
		env = append(env,
			"DOCKER_HOST=unix:///var/run/docker.sock",
			"RUNNER_ALLOW_RUNASROOT=1",
		)
		hostCfg.Binds = []string{"/var/run/docker.sock:/var/run/docker.sock"}
	}

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:  img,
			User:   user,
			Cmd:    cmd,
			Env:    env,
			Labels: spec.Labels,
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "container create failed")
		return engine.Handle{}, fmt.Errorf("container create %s: %w", name, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		span.RecordError(err)
		span.SetStatus(codes.Error, "container start failed")
		return engine.Handle{}, fmt.Errorf("container start %s: %w", name, err)
	}

	e.mu.Lock()
	e.containers[resp.ID] = name
	e.mu.Unlock()

	e.logger.Info("job container started",
		slog.String("job", spec.JobID),
		slog.String("name", name),
		slog.String("containerID", resp.ID),
	)

	return engine.Handle{ID: resp.ID, Name: name}, nil
}

// AwaitCompletion waits for the container to stop and collects its logs.
func (e *Engine) AwaitCompletion(ctx context.Context, h engine.Handle) (engine.Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.docker.AwaitCompletion")
	defer span.End()
	span.SetAttributes(attribute.String("container.id", h.ID))

	statusCh, errCh := e.client.ContainerWait(ctx, h.ID, container.WaitConditionNotRunning)

	var res engine.Result
	select {
	case err := <-errCh:
		if err != nil {
			span.RecordError(err)
			return res, fmt.Errorf("container wait %s: %w", h.Name, err)
		}
	case st := <-statusCh:
		res.ExitCode = int(st.StatusCode)
		if st.Error != nil {
			res.Error = st.Error.Message
		}
	case <-ctx.Done():
		return res, ctx.Err()
	}

	logs, err := e.logs(ctx, h.ID)
	if err != nil {
		e.logger.Warn("could not collect container logs",
			slog.String("containerID", h.ID),
			slog.String("error", err.Error()),
		)
	}
	res.Logs = logs
	span.SetAttributes(attribute.Int("container.exit_code", res.ExitCode))

	if res.ExitCode != 0 {
		msg := fmt.Sprintf("container %s exited with code %d", h.Name, res.ExitCode)
		if last := lastLine(logs); last != "" {
			msg += ": " + last
		}
		res.Error = msg
		span.SetStatus(codes.Error, "non-zero exit")
		return res, errors.New(msg)
	}
	return res, nil
}

func (e *Engine) logs(ctx context.Context, id string) (string, error) {
	rc, err := e.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("container logs %s: %w", id, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), fmt.Errorf("demultiplex logs %s: %w", id, err)
	}
	return buf.String(), nil
}

// Cancel stops the container, giving it StopTimeout to exit.
func (e *Engine) Cancel(ctx context.Context, h engine.Handle) error {
	timeout := int(e.cfg.StopTimeout.Seconds())
	err := e.client.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &timeout})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("container stop %s: %w", h.Name, err)
	}
	e.logger.Info("job container stopped", slog.String("containerID", h.ID))
	return nil
}

// Release force-removes the container.  A container that is already gone
// is not an error.
func (e *Engine) Release(ctx context.Context, h engine.Handle) error {
	if err := e.client.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true}); err != nil {
		if !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("container remove %s: %w", h.Name, err)
		}
	}

	e.mu.Lock()
	delete(e.containers, h.ID)
	e.mu.Unlock()

	e.logger.Debug("job container removed", slog.String("containerID", h.ID))
	return nil
}

// Shutdown force-removes every container this engine is tracking and
// closes the client.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	snapshot := make(map[string]string, len(e.containers))
	for k, v := range e.containers {
		snapshot[k] = v
	}
	e.mu.Unlock()

	var firstErr error
	for id, name := range snapshot {
		e.logger.Info("shutdown: removing job container",
			slog.String("name", name),
			slog.String("containerID", id),
		)
		if err := e.Release(ctx, engine.Handle{ID: id, Name: name}); err != nil {
			e.logger.Error("shutdown: failed to remove job container",
				slog.String("name", name),
				slog.String("containerID", id),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	e.mu.Lock()
	clear(e.containers)
	e.mu.Unlock()

	if err := e.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// envList renders env as sorted KEY=value pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n ")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
