// Package config handles loading, validating, and applying
// configuration for the agent pool.  Configuration is read from a YAML
// file and can be overridden by CLI flags.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/actions/scaleset"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/agentpool/internal/buildinfo"
	"github.com/terrpan/agentpool/internal/cloud"
	"github.com/terrpan/agentpool/internal/events"
	"github.com/terrpan/agentpool/internal/idgen"
	"github.com/terrpan/agentpool/internal/provider/docker"
	"github.com/terrpan/agentpool/internal/provider/gcp"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub   GitHubConfig   `yaml:"github"`
	ScaleSet ScaleSetConfig `yaml:"scaleset"`
	Provider ProviderConfig `yaml:"provider"`
	Images   []ImageConfig  `yaml:"images"`
	Naming   NamingConfig   `yaml:"naming"`
	Poller   PollerConfig   `yaml:"poller"`
	Events   EventsConfig   `yaml:"events"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	OTel     OTelConfig     `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// GitHub / auth
// ---------------------------------------------------------------------------

// GitHubConfig holds credentials and the registration URL.
type GitHubConfig struct {
	// URL is the full GitHub URL where the scale set is registered
	// (e.g. https://github.com/org/repo).
	URL string `yaml:"url"`

	// App holds GitHub App credentials (recommended).
	App GitHubAppConfig `yaml:"app"`

	// Token is a personal access token (alternative to App).
	Token string `yaml:"token"`
}

// GitHubAppConfig mirrors scaleset.GitHubAppAuth but adds a
// PrivateKeyPath field so the key can live in a file.
type GitHubAppConfig struct {
	ClientID       string `yaml:"client_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	// PrivateKey can be set directly (e.g. via CLI flag).  If both
	// PrivateKeyPath and PrivateKey are set, PrivateKey wins.
	PrivateKey string `yaml:"private_key"`
}

// ---------------------------------------------------------------------------
// Scale set
// ---------------------------------------------------------------------------

// ScaleSetConfig describes the runner scale set to create.
type ScaleSetConfig struct {
	Name        string   `yaml:"name"`
	Labels      []string `yaml:"labels"`
	RunnerGroup string   `yaml:"runner_group"`
	MinRunners  int      `yaml:"min_runners"`
	MaxRunners  int      `yaml:"max_runners"`

	// Image names the entry of images[] that runners are started from.
	// Default: the first image.
	Image string `yaml:"image"`
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// ProviderConfig selects the backend that runs agent machines.
type ProviderConfig struct {
	// Type selects the backend: "docker" or "gcp".  Default: "docker".
	Type string `yaml:"type"`

	// GCP holds Compute Engine settings.  Only read when Type == "gcp".
	//
	// Authentication uses Application Default Credentials (ADC), so no
	// credential fields are needed.
	GCP GCPProviderConfig `yaml:"gcp"`
}

// GCPProviderConfig holds the settings shared by every GCP image.
type GCPProviderConfig struct {
	// Project is the GCP project ID (required when provider.type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for agent machines (required).
	Zone string `yaml:"zone"`
}

// ---------------------------------------------------------------------------
// Images
// ---------------------------------------------------------------------------

// ImageConfig describes one machine template and its pool limits.
type ImageConfig struct {
	// Name identifies the image and tags every machine created from it.
	Name string `yaml:"name"`

	// VMNamePrefix is prepended to generated machine names.
	// Default: "<name>-".
	VMNamePrefix string `yaml:"vm_name_prefix"`

	// MaxInstances caps starting and running machines.  Required.
	MaxInstances int `yaml:"max_instances"`

	// AgentPoolID is the build server pool agents join.  Default: 0.
	AgentPoolID int `yaml:"agent_pool_id"`

	// DeleteAfterStop deletes machines on terminate instead of keeping
	// them stopped for reuse.  Required for the scale set image.
	DeleteAfterStop bool `yaml:"delete_after_stop"`

	// GCP is the Compute Engine template, read when provider.type == "gcp".
	GCP gcp.Template `yaml:"gcp"`

	// Docker is the container template, read when provider.type == "docker".
	Docker docker.Template `yaml:"docker"`
}

// Details returns the pool-facing view of the image.
func (i ImageConfig) Details() cloud.ImageDetails {
	return cloud.ImageDetails{
		Name:            i.Name,
		VMNamePrefix:    i.VMNamePrefix,
		MaxInstances:    i.MaxInstances,
		AgentPoolID:     i.AgentPoolID,
		DeleteAfterStop: i.DeleteAfterStop,
	}
}

// ---------------------------------------------------------------------------
// Naming, poller, events, server
// ---------------------------------------------------------------------------

// NamingConfig selects how machine name suffixes are generated.
type NamingConfig struct {
	// Generator: uuid, cuid.  Default: uuid.
	Generator string `yaml:"generator"`
	// Length of cuid suffixes.  Default: 10.
	Length int `yaml:"length"`
}

// PollerConfig controls provider status refreshes.
type PollerConfig struct {
	// Interval between refreshes.  Default: 30s.
	Interval time.Duration `yaml:"interval"`
	// MaxBackoff caps the delay after failed refreshes.  Default: 5m.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// EventsConfig selects where lifecycle events are published.  Both sinks
// are optional and can be combined.
type EventsConfig struct {
	NATS NATSConfig `yaml:"nats"`

	// JournalPath is a directory for the on-disk event journal.  Empty
	// disables the journal.
	JournalPath string `yaml:"journal_path"`
}

// NATSConfig holds the NATS event sink settings.
type NATSConfig struct {
	// URL of the NATS server (e.g. nats://localhost:4222).  Empty disables
	// the sink.
	URL string `yaml:"url"`
	// SubjectPrefix is the first subject token.  Default: "agentpool".
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	// Addr is the listen address for /healthz and /metrics.
	// Default: ":8080".  Set to "off" to disable the server.
	Addr string `yaml:"addr"`
}

// Enabled reports whether the ops server should run.
func (s ServerConfig) Enabled() bool {
	return s.Addr != "off"
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP export is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).  Default: false.
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.ScaleSet.RunnerGroup == "" {
		c.ScaleSet.RunnerGroup = scaleset.DefaultRunnerGroup
	}
	if c.ScaleSet.MaxRunners == 0 {
		c.ScaleSet.MaxRunners = 10
	}
	if c.ScaleSet.Image == "" && len(c.Images) > 0 {
		c.ScaleSet.Image = c.Images[0].Name
	}
	if c.Provider.Type == "" {
		c.Provider.Type = "docker"
	}
	for i := range c.Images {
		img := &c.Images[i]
		if img.VMNamePrefix == "" && img.Name != "" {
			img.VMNamePrefix = img.Name + "-"
		}
		img.GCP.ApplyDefaults()
		img.Docker.ApplyDefaults()
	}
	if c.Naming.Generator == "" {
		c.Naming.Generator = "uuid"
	}
	if c.Naming.Length == 0 {
		c.Naming.Length = 10
	}
	if c.Poller.Interval == 0 {
		c.Poller.Interval = 30 * time.Second
	}
	if c.Poller.MaxBackoff == 0 {
		c.Poller.MaxBackoff = 5 * time.Minute
	}
	if c.Events.NATS.SubjectPrefix == "" {
		c.Events.NATS.SubjectPrefix = "agentpool"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if _, err := url.ParseRequestURI(c.GitHub.URL); err != nil {
		return fmt.Errorf("github.url: invalid URL %q: %w", c.GitHub.URL, err)
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	if c.ScaleSet.Name == "" {
		return fmt.Errorf("scaleset.name is required")
	}
	for i, l := range c.ScaleSet.Labels {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("scaleset.labels[%d] is empty", i)
		}
	}
	if c.ScaleSet.MaxRunners < c.ScaleSet.MinRunners {
		return fmt.Errorf("scaleset.max_runners (%d) < scaleset.min_runners (%d)", c.ScaleSet.MaxRunners, c.ScaleSet.MinRunners)
	}

	switch c.Provider.Type {
	case "docker":
		// OK
	case "gcp":
		if c.Provider.GCP.Project == "" {
			return fmt.Errorf("provider.gcp.project is required when provider.type is \"gcp\"")
		}
		if c.Provider.GCP.Zone == "" {
			return fmt.Errorf("provider.gcp.zone is required when provider.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("provider.type %q is not supported (supported: docker, gcp)", c.Provider.Type)
	}

	if err := c.validateImages(); err != nil {
		return err
	}

	img, ok := c.ScaleSetImage()
	if !ok {
		return fmt.Errorf("scaleset.image %q does not name a configured image", c.ScaleSet.Image)
	}
	// JIT runner configs are single use; a reused machine cannot register.
	if !img.DeleteAfterStop {
		return fmt.Errorf("scaleset.image %q must set delete_after_stop", img.Name)
	}

	if _, err := idgen.New(c.Naming.Generator, c.Naming.Length); err != nil {
		return fmt.Errorf("naming.generator: %w", err)
	}

	if c.Poller.Interval < 0 || c.Poller.MaxBackoff < 0 {
		return fmt.Errorf("poller.interval and poller.max_backoff must be positive")
	}

	return nil
}

func (c *Config) validateImages() error {
	if len(c.Images) == 0 {
		return fmt.Errorf("at least one entry in images is required")
	}

	if dups := lo.FindDuplicates(lo.Map(c.Images, func(img ImageConfig, _ int) string {
		return img.Name
	})); len(dups) > 0 {
		return fmt.Errorf("images: duplicate name %q", dups[0])
	}

	for i, img := range c.Images {
		if img.Name == "" {
			return fmt.Errorf("images[%d].name is required", i)
		}
		if img.MaxInstances <= 0 {
			return fmt.Errorf("images[%d].max_instances must be positive", i)
		}
		if img.AgentPoolID < 0 {
			return fmt.Errorf("images[%d].agent_pool_id must not be negative", i)
		}
		if c.Provider.Type == "gcp" && img.GCP.SourceImage == "" {
			return fmt.Errorf("images[%d].gcp.source_image is required when provider.type is \"gcp\"", i)
		}
	}
	return nil
}

func (c *Config) validateAuth() error {
	hasToken := c.GitHub.Token != ""
	hasApp := c.GitHub.App.ClientID != "" ||
		c.GitHub.App.InstallationID != 0 ||
		c.GitHub.App.PrivateKey != "" ||
		c.GitHub.App.PrivateKeyPath != ""

	if !hasToken && !hasApp {
		return fmt.Errorf("no credentials: provide github.app (recommended) or github.token")
	}

	if hasApp {
		if c.GitHub.App.ClientID == "" {
			return fmt.Errorf("github.app.client_id is required when using GitHub App auth")
		}
		if c.GitHub.App.InstallationID == 0 {
			return fmt.Errorf("github.app.installation_id is required when using GitHub App auth")
		}
		if c.GitHub.App.PrivateKey == "" && c.GitHub.App.PrivateKeyPath == "" {
			return fmt.Errorf("github.app.private_key or github.app.private_key_path is required")
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SystemInfo identifies this process to the scale set service.
func SystemInfo(scaleSetID int) scaleset.SystemInfo {
	return scaleset.SystemInfo{
		System:     "agentpool",
		Subsystem:  "cli",
		Version:    buildinfo.Version,
		CommitSHA:  buildinfo.Commit,
		ScaleSetID: scaleSetID,
	}
}

// NewScalesetClient creates a scaleset.Client using the configured
// credentials (GitHub App or PAT).
func (c *Config) NewScalesetClient() (*scaleset.Client, error) {
	if err := c.resolvePrivateKey(); err != nil {
		return nil, err
	}

	if c.GitHub.App.ClientID != "" {
		return scaleset.NewClientWithGitHubApp(scaleset.ClientWithGitHubAppConfig{
			GitHubConfigURL: c.GitHub.URL,
			GitHubAppAuth: scaleset.GitHubAppAuth{
				ClientID:       c.GitHub.App.ClientID,
				InstallationID: c.GitHub.App.InstallationID,
				PrivateKey:     c.GitHub.App.PrivateKey,
			},
			SystemInfo: SystemInfo(0),
		})
	}

	return scaleset.NewClientWithPersonalAccessToken(scaleset.NewClientWithPersonalAccessTokenConfig{
		GitHubConfigURL:     c.GitHub.URL,
		PersonalAccessToken: c.GitHub.Token,
		SystemInfo:          SystemInfo(0),
	})
}

// resolvePrivateKey reads the private key from PrivateKeyPath if
// PrivateKey is not already set.
func (c *Config) resolvePrivateKey() error {
	if c.GitHub.App.PrivateKey != "" || c.GitHub.App.PrivateKeyPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.GitHub.App.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading private key from %s: %w", c.GitHub.App.PrivateKeyPath, err)
	}
	c.GitHub.App.PrivateKey = string(data)
	return nil
}

// Connector is a provider connector that holds a client to release.
type Connector interface {
	cloud.Connector
	io.Closer
}

// GCPConfig returns the GCP connector settings with one template per image.
func (c *Config) GCPConfig() gcp.Config {
	return gcp.Config{
		Project: c.Provider.GCP.Project,
		Zone:    c.Provider.GCP.Zone,
		Templates: lo.SliceToMap(c.Images, func(img ImageConfig) (string, gcp.Template) {
			return img.Name, img.GCP
		}),
	}
}

// DockerConfig returns the Docker connector settings with one template per image.
func (c *Config) DockerConfig() docker.Config {
	return docker.Config{
		Templates: lo.SliceToMap(c.Images, func(img ImageConfig) (string, docker.Template) {
			return img.Name, img.Docker
		}),
	}
}

// NewConnector creates the connector selected by provider.type.
func (c *Config) NewConnector(ctx context.Context, logger *slog.Logger) (Connector, error) {
	var (
		conn Connector
		err  error
	)
	switch c.Provider.Type {
	case "docker":
		conn, err = docker.New(ctx, c.DockerConfig(), logger.WithGroup("provider.docker"))
	case "gcp":
		conn, err = gcp.New(ctx, c.GCPConfig(), logger.WithGroup("provider.gcp"))
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", c.Provider.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s provider: %w", c.Provider.Type, err)
	}
	return conn, nil
}

// NewIDProvider creates the machine name suffix generator.
func (c *Config) NewIDProvider() (idgen.Provider, error) {
	return idgen.New(c.Naming.Generator, c.Naming.Length)
}

// NewEventSink opens the configured event sinks and returns them as one
// sink together with a function that closes them.  With nothing
// configured it returns events.Discard.
func (c *Config) NewEventSink(logger *slog.Logger) (events.Sink, func() error, error) {
	var (
		sinks   events.Multi
		closers []io.Closer
	)
	closeAll := func() error {
		var err error
		for _, cl := range closers {
			err = errors.Join(err, cl.Close())
		}
		return err
	}

	if c.Events.NATS.URL != "" {
		s, err := events.NewNATSSink(c.Events.NATS.URL, c.Events.NATS.SubjectPrefix, logger.WithGroup("events.nats"))
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
		closers = append(closers, s)
	}

	if c.Events.JournalPath != "" {
		j, err := events.OpenJournal(c.Events.JournalPath)
		if err != nil {
			return nil, nil, errors.Join(err, closeAll())
		}
		sinks = append(sinks, j)
		closers = append(closers, j)
	}

	if len(sinks) == 0 {
		return events.Discard, closeAll, nil
	}
	return sinks, closeAll, nil
}

// ScaleSetImage returns the image runners are started from.
func (c *Config) ScaleSetImage() (ImageConfig, bool) {
	return lo.Find(c.Images, func(img ImageConfig) bool {
		return img.Name == c.ScaleSet.Image
	})
}

// BuildLabels returns scaleset.Label values from the configured labels.
// If no labels are configured, the scale set name is used as the label.
func (c *Config) BuildLabels() []scaleset.Label {
	if len(c.ScaleSet.Labels) > 0 {
		labels := make([]scaleset.Label, len(c.ScaleSet.Labels))
		for i, name := range c.ScaleSet.Labels {
			labels[i] = scaleset.Label{Name: strings.TrimSpace(name)}
		}
		return labels
	}
	return []scaleset.Label{{Name: c.ScaleSet.Name}}
}
