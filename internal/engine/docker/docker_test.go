package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/dispatch/internal/engine"
	"github.com/terrpan/dispatch/internal/job"
)

// ---------------------------------------------------------------------------
// Mock Docker client (satisfies dockerAPI)
// ---------------------------------------------------------------------------

type createCall struct {
	config *container.Config
	host   *container.HostConfig
	name   string
}

type mockDocker struct {
	mu sync.Mutex

	pulls   []string
	creates []createCall
	started []string
	stopped []string
	removed []string
	closed  bool

	createErr error
	startErr  error
	removeErr error
	stopErr   error
	exitCode  int64
	logs      []byte // multiplexed stream
	nextID    int
}

func (m *mockDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulls = append(m.pulls, ref)
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (m *mockDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates = append(m.creates, createCall{config: cfg, host: host, name: name})
	if m.createErr != nil {
		return container.CreateResponse{}, m.createErr
	}
	m.nextID++
	return container.CreateResponse{ID: fmt.Sprintf("cid-%d", m.nextID)}, nil
}

func (m *mockDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, id)
	return nil
}

func (m *mockDocker) ContainerWait(_ context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := make(chan container.WaitResponse, 1)
	status <- container.WaitResponse{StatusCode: m.exitCode}
	return status, make(chan error)
}

func (m *mockDocker) ContainerLogs(_ context.Context, _ string, _ container.LogsOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return io.NopCloser(strings.NewReader(string(m.logs))), nil
}

func (m *mockDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, id)
	return m.stopErr
}

func (m *mockDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
	return m.removeErr
}

func (m *mockDocker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// frame encodes payload as one stdcopy stdout frame.
func frame(payload string) []byte {
	hdr := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	n := len(payload)
	hdr[4], hdr[5], hdr[6], hdr[7] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
	return append(hdr, payload...)
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type DockerUnitSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockDocker
	ec     job.ExecutionContext
	spec   engine.Spec
}

func (s *DockerUnitSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = &mockDocker{}
	s.ec = job.ExecutionContext{
		WorkerID:      "w1",
		ContainerName: "job-build-1234abcd",
		NetworkID:     "ci-net",
		VolumeIDs:     []string{"cache"},
	}
	req := &job.Request{JobID: "build", Repository: "acme/app", Environment: map[string]string{"FOO": "bar"}}
	s.spec = engine.SpecFor(req, "w1", job.Allocation{CPU: 1.5, Memory: 512})
}

func (s *DockerUnitSuite) newEngine(cfg Config) *Engine {
	return newEngine(s.client, cfg, nil)
}

func TestDockerUnitSuite(t *testing.T) {
	suite.Run(t, new(DockerUnitSuite))
}

func (s *DockerUnitSuite) TestCreateAndStart_Config() {
	e := s.newEngine(Config{Image: "alpine:latest"})

	h, err := e.CreateAndStart(s.ctx, s.ec, s.spec)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "cid-1", h.ID)
	assert.Equal(s.T(), "job-build-1234abcd", h.Name)

	require.Len(s.T(), s.client.creates, 1)
	call := s.client.creates[0]
	assert.Equal(s.T(), "job-build-1234abcd", call.name)
	assert.Equal(s.T(), "alpine:latest", call.config.Image)
	assert.Contains(s.T(), call.config.Env, "FOO=bar")
	assert.Contains(s.T(), call.config.Env, "DISPATCH_JOB_ID=build")
	assert.Equal(s.T(), "build", call.config.Labels[engine.LabelJob])
	assert.Equal(s.T(), "w1", call.config.Labels[engine.LabelWorker])

	assert.Equal(s.T(), int64(1_500_000_000), call.host.NanoCPUs)
	assert.Equal(s.T(), int64(512*1024*1024), call.host.Memory)
	assert.Equal(s.T(), container.NetworkMode("ci-net"), call.host.NetworkMode)
	require.Len(s.T(), call.host.Mounts, 1)
	assert.Equal(s.T(), "cache", call.host.Mounts[0].Source)
	assert.Empty(s.T(), call.host.Binds)

	e.mu.Lock()
	assert.Contains(s.T(), e.containers, "cid-1")
	e.mu.Unlock()
}

func (s *DockerUnitSuite) TestCreateAndStart_Dind() {
	e := s.newEngine(Config{Dind: true})

	_, err := e.CreateAndStart(s.ctx, s.ec, s.spec)
	require.NoError(s.T(), err)

	call := s.client.creates[0]
	assert.Equal(s.T(), DefaultImage, call.config.Image)
	assert.Equal(s.T(), "root", call.config.User)
	assert.Contains(s.T(), call.config.Env, "DOCKER_HOST=unix:///var/run/docker.sock")
	assert.Contains(s.T(), call.host.Binds, "/var/run/docker.sock:/var/run/docker.sock")
}

func (s *DockerUnitSuite) TestCreateAndStart_StartFailureRemoves() {
	s.client.startErr = fmt.Errorf("no such image")
	e := s.newEngine(Config{})

	_, err := e.CreateAndStart(s.ctx, s.ec, s.spec)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "no such image")
	assert.Equal(s.T(), []string{"cid-1"}, s.client.removed)

	e.mu.Lock()
	assert.Empty(s.T(), e.containers)
	e.mu.Unlock()
}

func (s *DockerUnitSuite) TestAwaitCompletion_Success() {
	s.client.logs = frame("hello\n")
	e := s.newEngine(Config{})
	h, err := e.CreateAndStart(s.ctx, s.ec, s.spec)
	require.NoError(s.T(), err)

	res, err := e.AwaitCompletion(s.ctx, h)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, res.ExitCode)
	assert.Equal(s.T(), "hello\n", res.Logs)
}

func (s *DockerUnitSuite) TestAwaitCompletion_NonZeroExit() {
	s.client.exitCode = 2
	s.client.logs = frame("step 1\nvalidation failed: bad input\n")
	e := s.newEngine(Config{})
	h, err := e.CreateAndStart(s.ctx, s.ec, s.spec)
	require.NoError(s.T(), err)

	res, err := e.AwaitCompletion(s.ctx, h)
	require.Error(s.T(), err)
	assert.Equal(s.T(), 2, res.ExitCode)
	assert.Contains(s.T(), err.Error(), "exited with code 2")
	assert.False(s.T(), job.IsRetryable(job.Classify(err)), "last log line marks the failure permanent")
}

func (s *DockerUnitSuite) TestRelease_Idempotent() {
	e := s.newEngine(Config{})
	h, err := e.CreateAndStart(s.ctx, s.ec, s.spec)
	require.NoError(s.T(), err)

	require.NoError(s.T(), e.Release(s.ctx, h))
	s.client.removeErr = cerrdefs.ErrNotFound
	require.NoError(s.T(), e.Release(s.ctx, h), "already removed is not an error")

	e.mu.Lock()
	assert.Empty(s.T(), e.containers)
	e.mu.Unlock()
}

func (s *DockerUnitSuite) TestRelease_RealError() {
	s.client.removeErr = fmt.Errorf("daemon unavailable")
	e := s.newEngine(Config{})

	err := e.Release(s.ctx, engine.Handle{ID: "x", Name: "x"})
	assert.ErrorContains(s.T(), err, "daemon unavailable")
}

func (s *DockerUnitSuite) TestCancel_NotFoundIsOK() {
	s.client.stopErr = cerrdefs.ErrNotFound
	e := s.newEngine(Config{})

	require.NoError(s.T(), e.Cancel(s.ctx, engine.Handle{ID: "gone"}))
	assert.Equal(s.T(), []string{"gone"}, s.client.stopped)
}

func (s *DockerUnitSuite) TestShutdown_RemovesTrackedAndCloses() {
	e := s.newEngine(Config{})
	for range 3 {
		_, err := e.CreateAndStart(s.ctx, s.ec, s.spec)
		require.NoError(s.T(), err)
	}

	require.NoError(s.T(), e.Shutdown(s.ctx))
	assert.Len(s.T(), s.client.removed, 3)
	assert.True(s.T(), s.client.closed)
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "c", lastLine("a\nb\nc\n\n"))
	assert.Equal(t, "only", lastLine("only"))
	assert.Equal(t, "", lastLine(""))
}
