package gcp

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/dispatch/internal/engine"
	"github.com/terrpan/dispatch/internal/job"
)

// ---------------------------------------------------------------------------
// Mock operation (satisfies operationWaiter)
// ---------------------------------------------------------------------------

type mockOperation struct {
	err error
}

func (m *mockOperation) Wait(_ context.Context, _ ...gax.CallOption) error {
	return m.err
}

// ---------------------------------------------------------------------------
// Mock instances client (satisfies instancesAPI)
// ---------------------------------------------------------------------------

type mockInstancesClient struct {
	mu sync.Mutex

	insertCalls []*computepb.InsertInstanceRequest
	deleteCalls []*computepb.DeleteInstanceRequest
	stopCalls   []*computepb.StopInstanceRequest
	getCalls    int
	closed      bool

	insertErr error
	insertOp  operationWaiter
	deleteErr error
	deleteOp  operationWaiter
	stopErr   error
	getErr    error

	// statuses are returned by successive Get calls; the last one repeats.
	statuses []string
	serial   string
}

func newMockInstancesClient() *mockInstancesClient {
	return &mockInstancesClient{
		insertOp: &mockOperation{},
		deleteOp: &mockOperation{},
		statuses: []string{"TERMINATED"},
	}
}

func (m *mockInstancesClient) Insert(_ context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls = append(m.insertCalls, req)
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	return m.insertOp, nil
}

func (m *mockInstancesClient) Get(_ context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := min(m.getCalls, len(m.statuses)-1)
	m.getCalls++
	if m.getErr != nil {
		return nil, m.getErr
	}
	return &computepb.Instance{Name: proto.String(req.GetInstance()), Status: proto.String(m.statuses[i])}, nil
}

func (m *mockInstancesClient) GetSerialPortOutput(_ context.Context, _ *computepb.GetSerialPortOutputInstanceRequest) (*computepb.SerialPortOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &computepb.SerialPortOutput{Contents: proto.String(m.serial)}, nil
}

func (m *mockInstancesClient) Stop(_ context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopCalls = append(m.stopCalls, req)
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	return &mockOperation{}, nil
}

func (m *mockInstancesClient) Delete(_ context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteCalls = append(m.deleteCalls, req)
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	return m.deleteOp, nil
}

func (m *mockInstancesClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type mockCloser struct {
	closed bool
}

func (m *mockCloser) Close() error {
	m.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type GCPEngineSuite struct {
	suite.Suite
	ctx      context.Context
	client   *mockInstancesClient
	opCloser *mockCloser
	cfg      Config
	ec       job.ExecutionContext
	spec     engine.Spec
}

func (s *GCPEngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newMockInstancesClient()
	s.opCloser = &mockCloser{}
	s.cfg = Config{
		Project:      "test-project",
		Zone:         "us-central1-a",
		MachineType:  "e2-medium",
		Image:        "projects/test-project/global/images/runner-image",
		DiskSizeGB:   50,
		Network:      "default",
		PublicIP:     true,
		PollInterval: time.Millisecond,
	}
	s.ec = job.ExecutionContext{WorkerID: "gce-pool", ContainerName: "job-Build_1-abcd1234"}
	req := &job.Request{
		JobID:       "Build_1",
		Environment: map[string]string{"ACTIONS_RUNNER_INPUT_JITCONFIG": "base64-jit-config"},
	}
	s.spec = engine.SpecFor(req, "gce-pool", job.Allocation{CPU: 2, Memory: 4096})
}

func (s *GCPEngineSuite) newEngine() *Engine {
	return newEngine(s.client, s.opCloser, s.cfg, nil)
}

func TestGCPEngineSuite(t *testing.T) {
	suite.Run(t, new(GCPEngineSuite))
}

// ---------------------------------------------------------------------------
// CreateAndStart
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestCreateAndStart_Success() {
	e := s.newEngine()

	h, err := e.CreateAndStart(s.ctx, s.ec, s.spec)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "job-build-1-abcd1234", h.ID)

	e.mu.Lock()
	assert.Equal(s.T(), "Build_1", e.instances[h.ID])
	e.mu.Unlock()

	require.Len(s.T(), s.client.insertCalls, 1)
	req := s.client.insertCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())

	inst := req.GetInstanceResource()
	assert.Equal(s.T(), h.ID, inst.GetName())
	assert.Contains(s.T(), inst.GetMachineType(), "e2-medium")
	assert.Equal(s.T(), "build-1", inst.GetLabels()["dispatch-job"])

	meta := map[string]string{}
	for _, item := range inst.GetMetadata().GetItems() {
		meta[item.GetKey()] = item.GetValue()
	}
	assert.Equal(s.T(), "base64-jit-config", meta["ACTIONS_RUNNER_INPUT_JITCONFIG"])
	assert.Equal(s.T(), "Build_1", meta["DISPATCH_JOB_ID"])
}

func (s *GCPEngineSuite) TestCreateAndStart_DiskConfig() {
	s.cfg.DiskSizeGB = 100
	e := s.newEngine()

	_, err := e.CreateAndStart(s.ctx, s.ec, s.spec)
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetDisks(), 1)
	disk := inst.GetDisks()[0]
	assert.True(s.T(), disk.GetAutoDelete())
	assert.True(s.T(), disk.GetBoot())
	assert.Equal(s.T(), int64(100), disk.GetInitializeParams().GetDiskSizeGb())
	assert.Equal(s.T(), s.cfg.Image, disk.GetInitializeParams().GetSourceImage())
	assert.Contains(s.T(), disk.GetInitializeParams().GetDiskType(), "pd-ssd")
}

func (s *GCPEngineSuite) TestCreateAndStart_Networking() {
	s.cfg.PublicIP = false
	s.cfg.Subnet = "projects/test-project/regions/us-central1/subnetworks/my-subnet"
	s.ec.NetworkID = "ci-vpc"
	e := s.newEngine()

	_, err := e.CreateAndStart(s.ctx, s.ec, s.spec)
	require.NoError(s.T(), err)

	nic := s.client.insertCalls[0].GetInstanceResource().GetNetworkInterfaces()[0]
	assert.Empty(s.T(), nic.GetAccessConfigs(), "no access configs without public IP")
	assert.Equal(s.T(), s.cfg.Subnet, nic.GetSubnetwork())
	assert.Equal(s.T(), "global/networks/ci-vpc", nic.GetNetwork(), "execution context network wins")
}

func (s *GCPEngineSuite) TestCreateAndStart_ServiceAccount() {
	s.cfg.ServiceAccount = "runner@test-project.iam.gserviceaccount.com"
	e := s.newEngine()

	_, err := e.CreateAndStart(s.ctx, s.ec, s.spec)
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetServiceAccounts(), 1)
	sa := inst.GetServiceAccounts()[0]
	assert.Equal(s.T(), s.cfg.ServiceAccount, sa.GetEmail())
	assert.Contains(s.T(), sa.GetScopes(), "https://www.googleapis.com/auth/cloud-platform")
}

func (s *GCPEngineSuite) TestCreateAndStart_InsertError() {
	s.client.insertErr = fmt.Errorf("quota exceeded")
	e := s.newEngine()

	_, err := e.CreateAndStart(s.ctx, s.ec, s.spec)
	assert.ErrorContains(s.T(), err, "quota exceeded")

	e.mu.Lock()
	assert.Empty(s.T(), e.instances)
	e.mu.Unlock()
}

func (s *GCPEngineSuite) TestCreateAndStart_OperationWaitError() {
	s.client.insertOp = &mockOperation{err: fmt.Errorf("operation timed out")}
	e := s.newEngine()

	_, err := e.CreateAndStart(s.ctx, s.ec, s.spec)
	assert.ErrorContains(s.T(), err, "operation timed out")
}

// ---------------------------------------------------------------------------
// AwaitCompletion
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestAwaitCompletion_PollsUntilTerminated() {
	s.client.statuses = []string{"PROVISIONING", "RUNNING", "RUNNING", "TERMINATED"}
	s.client.serial = "booting\nDISPATCH_EXIT_CODE=0\n"
	e := s.newEngine()

	res, err := e.AwaitCompletion(s.ctx, engine.Handle{ID: "vm"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, res.ExitCode)
	assert.Contains(s.T(), res.Logs, "booting")
	assert.Equal(s.T(), 4, s.client.getCalls)
}

func (s *GCPEngineSuite) TestAwaitCompletion_NonZeroExit() {
	s.client.serial = "DISPATCH_EXIT_CODE=0\nretry\nDISPATCH_EXIT_CODE=7\n"
	e := s.newEngine()

	res, err := e.AwaitCompletion(s.ctx, engine.Handle{ID: "vm"})
	require.Error(s.T(), err)
	assert.Equal(s.T(), 7, res.ExitCode)
}

func (s *GCPEngineSuite) TestAwaitCompletion_ContextCancelled() {
	s.client.statuses = []string{"RUNNING"}
	e := s.newEngine()

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	_, err := e.AwaitCompletion(ctx, engine.Handle{ID: "vm"})
	assert.ErrorIs(s.T(), err, context.DeadlineExceeded)
}

func (s *GCPEngineSuite) TestAwaitCompletion_InstanceGone() {
	s.client.getErr = fmt.Errorf("googleapi: Error 404: not found")
	e := s.newEngine()

	_, err := e.AwaitCompletion(s.ctx, engine.Handle{ID: "vm"})
	assert.ErrorContains(s.T(), err, "disappeared")
}

// ---------------------------------------------------------------------------
// Cancel / Release / Shutdown
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestCancel_StopsInstance() {
	e := s.newEngine()

	require.NoError(s.T(), e.Cancel(s.ctx, engine.Handle{ID: "vm"}))
	require.Len(s.T(), s.client.stopCalls, 1)
	assert.Equal(s.T(), "vm", s.client.stopCalls[0].GetInstance())
}

func (s *GCPEngineSuite) TestCancel_NotFoundIsOK() {
	s.client.stopErr = fmt.Errorf("code = NotFound")
	e := s.newEngine()
	assert.NoError(s.T(), e.Cancel(s.ctx, engine.Handle{ID: "vm"}))
}

func (s *GCPEngineSuite) TestRelease_Success() {
	e := s.newEngine()
	h, err := e.CreateAndStart(s.ctx, s.ec, s.spec)
	require.NoError(s.T(), err)

	require.NoError(s.T(), e.Release(s.ctx, h))

	require.Len(s.T(), s.client.deleteCalls, 1)
	req := s.client.deleteCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), h.ID, req.GetInstance())

	e.mu.Lock()
	assert.Empty(s.T(), e.instances)
	e.mu.Unlock()
}

func (s *GCPEngineSuite) TestRelease_Idempotent_DeleteReturns404() {
	s.client.deleteErr = fmt.Errorf("googleapi: Error 404: The resource was not found")
	e := s.newEngine()

	e.mu.Lock()
	e.instances["vm-gone"] = "j"
	e.mu.Unlock()

	require.NoError(s.T(), e.Release(s.ctx, engine.Handle{ID: "vm-gone"}), "404 on Delete is success")

	e.mu.Lock()
	assert.NotContains(s.T(), e.instances, "vm-gone")
	e.mu.Unlock()
}

func (s *GCPEngineSuite) TestRelease_Idempotent_WaitReturns404() {
	s.client.deleteOp = &mockOperation{err: fmt.Errorf("code = NotFound")}
	e := s.newEngine()

	require.NoError(s.T(), e.Release(s.ctx, engine.Handle{ID: "vm-race"}), "404 during Wait is success")
}

func (s *GCPEngineSuite) TestRelease_RealError() {
	s.client.deleteErr = fmt.Errorf("permission denied: insufficient IAM permissions")
	e := s.newEngine()

	err := e.Release(s.ctx, engine.Handle{ID: "vm"})
	assert.ErrorContains(s.T(), err, "permission denied")
}

func (s *GCPEngineSuite) TestShutdown_DeletesAllTracked() {
	e := s.newEngine()

	for i := range 3 {
		ec := s.ec
		ec.ContainerName = fmt.Sprintf("job-%d", i)
		_, err := e.CreateAndStart(s.ctx, ec, s.spec)
		require.NoError(s.T(), err)
	}

	require.NoError(s.T(), e.Shutdown(s.ctx))
	assert.Len(s.T(), s.client.deleteCalls, 3)

	e.mu.Lock()
	assert.Empty(s.T(), e.instances)
	e.mu.Unlock()

	assert.True(s.T(), s.client.closed)
	assert.True(s.T(), s.opCloser.closed)
}

func (s *GCPEngineSuite) TestShutdown_PartialFailure() {
	e := s.newEngine()
	_, err := e.CreateAndStart(s.ctx, s.ec, s.spec)
	require.NoError(s.T(), err)

	s.client.deleteErr = fmt.Errorf("network error")

	err = e.Shutdown(s.ctx)
	assert.ErrorContains(s.T(), err, "network error")

	e.mu.Lock()
	assert.Empty(s.T(), e.instances)
	e.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestIsNotFound(t *testing.T) {
	assert.False(t, isNotFound(nil))
	assert.True(t, isNotFound(fmt.Errorf("googleapi: Error 404: The resource was not found")))
	assert.True(t, isNotFound(fmt.Errorf("rpc error: code = NotFound desc = instance not found")))
	assert.True(t, isNotFound(fmt.Errorf("some error with notFound in the message")))
	assert.False(t, isNotFound(fmt.Errorf("Error 500: internal server error")))
}

func TestInstanceName(t *testing.T) {
	assert.Equal(t, "job-build-1-abcd", InstanceName("job-Build_1-abcd"))
	assert.Equal(t, "job-9lives", InstanceName("9lives"))
	long := InstanceName(fmt.Sprintf("job-%080d", 1))
	assert.LessOrEqual(t, len(long), 63)
	assert.Equal(t, "job-x", InstanceName("job-x---"))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode("no marker"))
	assert.Equal(t, 3, exitCode("DISPATCH_EXIT_CODE=3"))
	assert.Equal(t, 1, exitCode("DISPATCH_EXIT_CODE=0\nDISPATCH_EXIT_CODE=1\n"))
}
