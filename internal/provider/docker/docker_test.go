package docker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/agentpool/internal/cloud"
)

// ---------------------------------------------------------------------------
// Mock Docker client (satisfies containerAPI)
// ---------------------------------------------------------------------------

type notFoundError struct{}

func (notFoundError) Error() string { return "No such container" }
func (notFoundError) NotFound()     {}

type mockDocker struct {
	mu sync.Mutex

	list       []container.Summary
	listOpts   container.ListOptions
	created    []*container.Config
	hostCfgs   []*container.HostConfig
	names      []string
	started    []string
	stopped    []string
	restarted  []string
	removed    []string
	closed     bool

	createErr error
	startErr  error
	removeErr error
}

func (m *mockDocker) ContainerList(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listOpts = opts
	return m.list, nil
}

func (m *mockDocker) ContainerCreate(_ context.Context, cfg *container.Config, hostCfg *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return container.CreateResponse{}, m.createErr
	}
	m.created = append(m.created, cfg)
	m.hostCfgs = append(m.hostCfgs, hostCfg)
	m.names = append(m.names, name)
	return container.CreateResponse{ID: "id-" + name}, nil
}

func (m *mockDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, id)
	return m.startErr
}

func (m *mockDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, id)
	return nil
}

func (m *mockDocker) ContainerRestart(_ context.Context, id string, _ container.StopOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarted = append(m.restarted, id)
	return nil
}

func (m *mockDocker) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !opts.Force {
		return errors.New("remove without force")
	}
	m.removed = append(m.removed, id)
	return m.removeErr
}

func (m *mockDocker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type DockerConnectorSuite struct {
	suite.Suite
	ctx    context.Context
	docker *mockDocker
	tmpl   Template
}

func TestDockerConnectorSuite(t *testing.T) {
	suite.Run(t, new(DockerConnectorSuite))
}

func (s *DockerConnectorSuite) SetupTest() {
	s.ctx = context.Background()
	s.docker = &mockDocker{}
	s.tmpl = Template{Image: "alpine:latest"}
}

func (s *DockerConnectorSuite) newConnector() *Connector {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newConnector(s.docker, Config{Templates: map[string]Template{"linux": s.tmpl}}, logger)
}

func (s *DockerConnectorSuite) instance(name string) *cloud.Instance {
	return cloud.NewInstance("linux", name, cloud.StatusScheduledToStart)
}

func (s *DockerConnectorSuite) TestFetchInstances_FiltersByLabel() {
	s.docker.list = []container.Summary{
		{Names: []string{"/agent-1"}, State: "running"},
		{Names: []string{"/agent-2"}, State: "exited"},
		{Names: nil, State: "running"},
	}
	c := s.newConnector()

	got, err := c.FetchInstances(s.ctx, cloud.ImageDetails{Name: "linux"})
	require.NoError(s.T(), err)

	assert.True(s.T(), s.docker.listOpts.All, "stopped containers must be listed")
	assert.Equal(s.T(), []string{ImageLabel + "=linux"}, s.docker.listOpts.Filters.Get("label"))
	assert.Equal(s.T(), map[string]cloud.RealInstance{
		"agent-1": {Name: "agent-1", Status: cloud.StatusRunning},
		"agent-2": {Name: "agent-2", Status: cloud.StatusStopped},
	}, got)
}

func (s *DockerConnectorSuite) TestCreateVM_LabelsAndEnv() {
	c := s.newConnector()

	err := c.CreateVM(s.ctx, s.instance("agent-a"), cloud.UserData{Parameters: map[string]string{
		"ACTIONS_RUNNER_INPUT_JITCONFIG": "jit",
		cloud.VMNameParameter:            "agent-a",
	}}).Wait(s.ctx)
	require.NoError(s.T(), err)

	require.Len(s.T(), s.docker.created, 1)
	cfg := s.docker.created[0]
	assert.Equal(s.T(), "agent-a", s.docker.names[0])
	assert.Equal(s.T(), "alpine:latest", cfg.Image)
	assert.Equal(s.T(), "runner", cfg.User)
	assert.Equal(s.T(), []string{"/home/runner/run.sh"}, []string(cfg.Cmd))
	assert.Equal(s.T(), "linux", cfg.Labels[ImageLabel])
	assert.Equal(s.T(), []string{
		"ACTIONS_RUNNER_INPUT_JITCONFIG=jit",
		cloud.VMNameParameter + "=agent-a",
	}, cfg.Env)
	assert.Nil(s.T(), s.docker.hostCfgs[0])
	assert.Equal(s.T(), []string{"id-agent-a"}, s.docker.started)
}

func (s *DockerConnectorSuite) TestCreateVM_Dind() {
	s.tmpl.Dind = true
	c := s.newConnector()

	require.NoError(s.T(), c.CreateVM(s.ctx, s.instance("agent-d"), cloud.UserData{}).Wait(s.ctx))

	cfg := s.docker.created[0]
	assert.Equal(s.T(), "root", cfg.User)
	assert.Contains(s.T(), cfg.Env, "DOCKER_HOST=unix:///var/run/docker.sock")
	require.NotNil(s.T(), s.docker.hostCfgs[0])
	assert.Contains(s.T(), s.docker.hostCfgs[0].Binds, "/var/run/docker.sock:/var/run/docker.sock")
}

func (s *DockerConnectorSuite) TestCreateVM_StartFailureLeavesContainer() {
	s.docker.startErr = errors.New("port already allocated")
	c := s.newConnector()

	err := c.CreateVM(s.ctx, s.instance("agent-f"), cloud.UserData{}).Wait(s.ctx)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "container start agent-f")
	assert.Empty(s.T(), s.docker.removed, "cleanup is the caller's compensating delete")
}

func (s *DockerConnectorSuite) TestCreateVM_UnknownImage() {
	c := s.newConnector()
	inst := cloud.NewInstance("windows", "agent-w", cloud.StatusScheduledToStart)

	err := c.CreateVM(s.ctx, inst, cloud.UserData{}).Wait(s.ctx)
	require.Error(s.T(), err)
	assert.Empty(s.T(), s.docker.created)
}

func (s *DockerConnectorSuite) TestLifecycleCallsUseContainerName() {
	c := s.newConnector()
	inst := s.instance("agent-l")

	require.NoError(s.T(), c.StartVM(s.ctx, inst).Wait(s.ctx))
	require.NoError(s.T(), c.StopVM(s.ctx, inst).Wait(s.ctx))
	require.NoError(s.T(), c.RestartVM(s.ctx, inst).Wait(s.ctx))
	require.NoError(s.T(), c.DeleteVM(s.ctx, inst).Wait(s.ctx))

	assert.Equal(s.T(), []string{"agent-l"}, s.docker.started)
	assert.Equal(s.T(), []string{"agent-l"}, s.docker.stopped)
	assert.Equal(s.T(), []string{"agent-l"}, s.docker.restarted)
	assert.Equal(s.T(), []string{"agent-l"}, s.docker.removed)
}

func (s *DockerConnectorSuite) TestDeleteVM_NotFoundIsSuccess() {
	s.docker.removeErr = notFoundError{}
	c := s.newConnector()

	assert.NoError(s.T(), c.DeleteVM(s.ctx, s.instance("agent-gone")).Wait(s.ctx))
}

func (s *DockerConnectorSuite) TestDeleteVM_Error() {
	s.docker.removeErr = errors.New("device or resource busy")
	c := s.newConnector()

	err := c.DeleteVM(s.ctx, s.instance("agent-busy")).Wait(s.ctx)
	require.Error(s.T(), err)

	var perr *cloud.ProviderError
	require.ErrorAs(s.T(), err, &perr)
	assert.Equal(s.T(), "container remove agent-busy", perr.Op)
}

func (s *DockerConnectorSuite) TestClose() {
	require.NoError(s.T(), s.newConnector().Close())
	assert.True(s.T(), s.docker.closed)
}

func TestStatusFromState(t *testing.T) {
	cases := map[string]cloud.InstanceStatus{
		"created":    cloud.StatusStarting,
		"running":    cloud.StatusRunning,
		"restarting": cloud.StatusRestarting,
		"removing":   cloud.StatusStopping,
		"paused":     cloud.StatusStopped,
		"exited":     cloud.StatusStopped,
		"dead":       cloud.StatusError,
		"bogus":      cloud.StatusUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, statusFromState(in), in)
	}
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "agent-1", containerName([]string{"/agent-1", "/alias"}))
	assert.Empty(t, containerName(nil))
}
