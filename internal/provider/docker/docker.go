// Package docker implements cloud.Connector on the Docker daemon, running
// each agent machine as a container.  It is meant for local development
// and for hosts that run agents side by side.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/agentpool/internal/cloud"
)

// ImageLabel is the container label carrying the image name.
const ImageLabel = "agentpool.image"

// Template describes the containers created for one image.
type Template struct {
	// Image is the container image to use for agents.
	// Default: ghcr.io/actions/actions-runner:latest
	Image string `yaml:"image"`

	// Cmd overrides the image command.  Default: /home/runner/run.sh
	Cmd []string `yaml:"cmd"`

	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket (/var/run/docker.sock) into each container.  This allows
	// jobs to run Docker commands (docker build, docker compose,
	// container actions, etc.).
	//
	// Security note: the socket gives the agent full access to the
	// host Docker daemon.  Only enable this if you trust the jobs that
	// will run on these agents.
	Dind bool `yaml:"dind"`
}

// ApplyDefaults fills zero-valued fields.
func (t *Template) ApplyDefaults() {
	if t.Image == "" {
		t.Image = "ghcr.io/actions/actions-runner:latest"
	}
	if len(t.Cmd) == 0 {
		t.Cmd = []string{"/home/runner/run.sh"}
	}
}

// Config holds Docker connector settings.
type Config struct {
	// Templates maps image names to container templates.
	Templates map[string]Template
}

// containerAPI is the subset of the Docker client the connector uses.
type containerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Connector manages agent machines as Docker containers.  Containers are
// addressed by name, which is the instance name.
type Connector struct {
	client    containerAPI
	templates map[string]Template
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Compile-time check.
var _ cloud.Connector = (*Connector)(nil)

// New connects to the daemon and pulls every template image so it is
// available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Connector, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	c := newConnector(client, cfg, logger)

	pulled := make(map[string]bool)
	for _, name := range slices.Sorted(maps.Keys(c.templates)) {
		ref := c.templates[name].Image
		if pulled[ref] {
			continue
		}
		if err := pullImage(ctx, client, ref, logger); err != nil {
			client.Close()
			return nil, err
		}
		pulled[ref] = true
	}
	return c, nil
}

func pullImage(ctx context.Context, client *dockerclient.Client, ref string, logger *slog.Logger) error {
	logger.Info("pulling agent image", slog.String("image", ref))

	pull, err := client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.ReadAll(pull); err != nil {
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}

	logger.Info("agent image ready", slog.String("image", ref))
	return nil
}

func newConnector(client containerAPI, cfg Config, logger *slog.Logger) *Connector {
	templates := make(map[string]Template, len(cfg.Templates))
	for name, t := range cfg.Templates {
		t.ApplyDefaults()
		templates[name] = t
	}
	return &Connector{
		client:    client,
		templates: templates,
		logger:    logger,
		tracer:    otel.Tracer("agentpool/provider/docker"),
	}
}

// Close closes the Docker client.
func (c *Connector) Close() error {
	return c.client.Close()
}

// FetchInstances lists the containers labelled with the image name,
// stopped ones included.
func (c *Connector) FetchInstances(ctx context.Context, img cloud.ImageDetails) (map[string]cloud.RealInstance, error) {
	ctx, span := c.tracer.Start(ctx, "provider.docker.FetchInstances", trace.WithAttributes(
		attribute.String("image", img.Name),
	))
	defer span.End()

	list, err := c.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ImageLabel+"="+img.Name)),
	})
	if err != nil {
		span.RecordError(err)
		return nil, &cloud.ProviderError{Op: "container list", Err: err}
	}

	out := make(map[string]cloud.RealInstance, len(list))
	for _, ctr := range list {
		name := containerName(ctr.Names)
		if name == "" {
			continue
		}
		out[name] = cloud.RealInstance{Name: name, Status: statusFromState(string(ctr.State))}
	}
	return out, nil
}

// CreateVM creates and starts a container.  User data parameters become
// environment variables.  A container that was created but failed to
// start is left for the caller's compensating delete.
func (c *Connector) CreateVM(ctx context.Context, inst *cloud.Instance, data cloud.UserData) cloud.Operation {
	tmpl, ok := c.templates[inst.ImageName()]
	if !ok {
		return cloud.Failed(&cloud.ProviderError{
			Op:  "container create " + inst.Name(),
			Err: fmt.Errorf("no template for image %q", inst.ImageName()),
		})
	}

	return cloud.Go(ctx, func(ctx context.Context) error {
		ctx, span := c.tracer.Start(ctx, "provider.docker.CreateVM", trace.WithAttributes(
			attribute.String("instance.name", inst.Name()),
			attribute.String("docker.image", tmpl.Image),
		))
		defer span.End()

		cfg, hostCfg := c.containerConfig(inst, tmpl, data)
		resp, err := c.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, inst.Name())
		if err != nil {
			span.RecordError(err)
			return &cloud.ProviderError{Op: "container create " + inst.Name(), Err: err}
		}

		if err := c.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			span.RecordError(err)
			return &cloud.ProviderError{Op: "container start " + inst.Name(), Err: err}
		}

		c.logger.Info("agent container started",
			slog.String("name", inst.Name()),
			slog.String("containerID", resp.ID),
		)
		return nil
	})
}

// StartVM starts a stopped container.
func (c *Connector) StartVM(ctx context.Context, inst *cloud.Instance) cloud.Operation {
	return c.run(ctx, "start", inst, func(ctx context.Context) error {
		return c.client.ContainerStart(ctx, inst.Name(), container.StartOptions{})
	})
}

// StopVM stops a container, keeping it for reuse.
func (c *Connector) StopVM(ctx context.Context, inst *cloud.Instance) cloud.Operation {
	return c.run(ctx, "stop", inst, func(ctx context.Context) error {
		return c.client.ContainerStop(ctx, inst.Name(), container.StopOptions{})
	})
}

// RestartVM restarts a container.
func (c *Connector) RestartVM(ctx context.Context, inst *cloud.Instance) cloud.Operation {
	return c.run(ctx, "restart", inst, func(ctx context.Context) error {
		return c.client.ContainerRestart(ctx, inst.Name(), container.StopOptions{})
	})
}

// DeleteVM force-removes a container.  Removing a container that no
// longer exists succeeds.
func (c *Connector) DeleteVM(ctx context.Context, inst *cloud.Instance) cloud.Operation {
	return c.run(ctx, "remove", inst, func(ctx context.Context) error {
		c.logger.Info("removing agent container", slog.String("name", inst.Name()))
		err := c.client.ContainerRemove(ctx, inst.Name(), container.RemoveOptions{Force: true})
		if dockerclient.IsErrNotFound(err) {
			c.logger.Info("agent container already removed", slog.String("name", inst.Name()))
			return nil
		}
		return err
	})
}

func (c *Connector) run(ctx context.Context, verb string, inst *cloud.Instance, fn func(context.Context) error) cloud.Operation {
	return cloud.Go(ctx, func(ctx context.Context) error {
		ctx, span := c.tracer.Start(ctx, "provider.docker."+verb, trace.WithAttributes(
			attribute.String("instance.name", inst.Name()),
		))
		defer span.End()

		if err := fn(ctx); err != nil {
			span.RecordError(err)
			return &cloud.ProviderError{Op: "container " + verb + " " + inst.Name(), Err: err}
		}
		return nil
	})
}

func (c *Connector) containerConfig(inst *cloud.Instance, tmpl Template, data cloud.UserData) (*container.Config, *container.HostConfig) {
	var env []string
	for _, key := range slices.Sorted(maps.Keys(data.Parameters)) {
		env = append(env, key+"="+data.Parameters[key])
	}

	// When DinD is enabled, run as root for cross-platform socket access.
	// On Linux, the docker group has write permission; on macOS Docker
	// Desktop, only the owner does.  Running as root works on both.
	user := "runner"
	var hostCfg *container.HostConfig
	if tmpl.Dind {
		user = "root"
		env = append(env,
			"DOCKER_HOST=unix:///var/run/docker.sock",
			"RUNNER_ALLOW_RUNASROOT=1",
		)
		hostCfg = &container.HostConfig{
			Binds: []string{"/var/run/docker.sock:/var/run/docker.sock"},
		}
		c.logger.Info("dind enabled: mounting docker socket, running as root for cross-platform compatibility",
			slog.String("name", inst.Name()),
		)
	}

	return &container.Config{
		Image:  tmpl.Image,
		User:   user,
		Cmd:    tmpl.Cmd,
		Env:    env,
		Labels: map[string]string{ImageLabel: inst.ImageName()},
	}, hostCfg
}

// containerName returns the first name without Docker's leading slash.
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

// statusFromState maps a Docker container state.
func statusFromState(state string) cloud.InstanceStatus {
	switch state {
	case "created":
		return cloud.StatusStarting
	case "running":
		return cloud.StatusRunning
	case "restarting":
		return cloud.StatusRestarting
	case "removing":
		return cloud.StatusStopping
	case "paused", "exited":
		return cloud.StatusStopped
	case "dead":
		return cloud.StatusError
	default:
		return cloud.StatusUnknown
	}
}
