// Package config handles loading, validating, and applying
// configuration for the dispatch server.  Configuration is read from a
// YAML file and can be overridden by CLI flags.
package config

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/actions/scaleset"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/dispatch/internal/balancer"
	"github.com/terrpan/dispatch/internal/buildinfo"
	"github.com/terrpan/dispatch/internal/engine"
	"github.com/terrpan/dispatch/internal/engine/docker"
	"github.com/terrpan/dispatch/internal/engine/gcp"
	"github.com/terrpan/dispatch/internal/executor"
	"github.com/terrpan/dispatch/internal/history"
	"github.com/terrpan/dispatch/internal/job"
	"github.com/terrpan/dispatch/internal/otel"
	"github.com/terrpan/dispatch/internal/router"
	"github.com/terrpan/dispatch/internal/scheduler"
	"github.com/terrpan/dispatch/internal/worker"
	"github.com/terrpan/dispatch/internal/worker/etcd"
)

const (
	defaultMaxRetries   = 3
	defaultHistoryLimit = 100
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Executor     executor.Options   `yaml:"executor"`
	Router       RouterConfig       `yaml:"router"`
	LoadBalancer LoadBalancerConfig `yaml:"load_balancer"`
	Workers      []worker.Worker    `yaml:"workers"`
	Registry     RegistryConfig     `yaml:"registry"`
	Engine       EngineConfig       `yaml:"engine"`
	History      HistoryConfig      `yaml:"history"`
	GitHub       GitHubConfig       `yaml:"github"`
	ScaleSet     ScaleSetConfig     `yaml:"scaleset"`
	Logging      LoggingConfig      `yaml:"logging"`
	OTel         otel.Config        `yaml:"otel"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address.  Default: ":8080".
	Addr string `yaml:"addr"`
}

// ---------------------------------------------------------------------------
// Placement
// ---------------------------------------------------------------------------

// RouterConfig tunes worker scoring.  Unset weights take the router's
// defaults.
type RouterConfig struct {
	Weights         *router.Weights `yaml:"weights"`
	MaxAlternatives int             `yaml:"max_alternatives"`
}

// LoadBalancerConfig configures the dispatch queue.
type LoadBalancerConfig struct {
	// Strategy: round_robin, least_loaded, weighted.  Default: weighted.
	Strategy            string        `yaml:"strategy"`
	MaxQueuedJobs       int           `yaml:"max_queued_jobs"`
	StarvationThreshold time.Duration `yaml:"starvation_threshold"`
	PromotionInterval   time.Duration `yaml:"promotion_interval"`
}

// RegistryConfig selects where the worker set comes from.
type RegistryConfig struct {
	// Type: static (the workers list) or etcd.  Default: static.
	Type string `yaml:"type"`

	// StaleAfter marks workers unhealthy when their heartbeat is older.
	// Zero disables the check.
	StaleAfter time.Duration `yaml:"stale_after"`

	Etcd EtcdConfig `yaml:"etcd"`
}

// EtcdConfig configures the etcd-backed registry.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the compute backend.
type EngineConfig struct {
	// Type selects the compute backend: "docker" or "gcp".
	Type string `yaml:"type"`

	// Docker holds Docker-specific settings.  Only read when Type == "docker".
	Docker DockerEngineConfig `yaml:"docker"`

	// GCP holds GCP Compute Engine settings.  Only read when Type == "gcp".
	GCP GCPEngineConfig `yaml:"gcp"`
}

// DockerEngineConfig holds Docker-specific engine settings.
type DockerEngineConfig struct {
	// Image is the default container image for jobs that name none.
	// Default: "ghcr.io/actions/actions-runner:latest"
	Image string `yaml:"image"`
	// Dind bind-mounts the host's Docker socket into each container.
	Dind bool `yaml:"dind"`
	// Network is attached when the worker does not name one.
	Network     string        `yaml:"network"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// GCPEngineConfig holds GCP Compute Engine engine settings.
//
// Authentication uses Application Default Credentials (ADC).
type GCPEngineConfig struct {
	// Project is the GCP project ID (required when engine.type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for job VMs (required).
	Zone string `yaml:"zone"`

	// MachineType is the Compute Engine machine type.  Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// Image is the full self-link or family URL of the boot image (required).
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name.  Default: "default".
	Network string `yaml:"network"`
	Subnet  string `yaml:"subnet"`

	// PublicIP controls whether VMs get an external IP address.
	// Default: true.  nil distinguishes "not set" from false.
	PublicIP *bool `yaml:"public_ip"`

	ServiceAccount string `yaml:"service_account"`

	// PollInterval is how often a running VM's state is checked.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

// HistoryConfig selects the plan archive.
type HistoryConfig struct {
	// Type: memory or sqlite.  Default: memory.
	Type   string       `yaml:"type"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig configures the SQLite archive.
type SQLiteConfig struct {
	// Path is the database file.  Default: "dispatch.db".
	Path string `yaml:"path"`
}

// ---------------------------------------------------------------------------
// GitHub / scale set job source
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
	// PrivateKey wins over PrivateKeyPath when both are set.
	PrivateKey string `yaml:"private_key"`
}

// ScaleSetConfig describes the optional runner scale set whose demand is
// turned into runner jobs.
type ScaleSetConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Name        string   `yaml:"name"`
	Labels      []string `yaml:"labels"`
	RunnerGroup string   `yaml:"runner_group"`
	MinRunners  int      `yaml:"min_runners"`
	MaxRunners  int      `yaml:"max_runners"`

	// Runner is the template every runner job is built from.
	Runner RunnerConfig `yaml:"runner"`
}

// RunnerConfig is the resource envelope and placement of runner jobs.
type RunnerConfig struct {
	CPU          float64       `yaml:"cpu"`
	MemoryMB     float64       `yaml:"memory_mb"`
	Labels       []string      `yaml:"labels"`
	Capabilities []string      `yaml:"capabilities"`
	Priority     job.Priority  `yaml:"priority"`
	Timeout      time.Duration `yaml:"timeout"`
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
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// A missing file yields a zero Config; defaults are applied by Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
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

// ApplyDefaults fills in defaults for unset fields.  Executor, router and
// balancer tunables are defaulted by their own packages.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.LoadBalancer.Strategy == "" {
		c.LoadBalancer.Strategy = string(balancer.Weighted)
	}
	if c.Registry.Type == "" {
		c.Registry.Type = "static"
	}
	if c.Registry.Etcd.Prefix == "" {
		c.Registry.Etcd.Prefix = etcd.DefaultPrefix
	}
	if c.Registry.Etcd.DialTimeout == 0 {
		c.Registry.Etcd.DialTimeout = 5 * time.Second
	}
	if c.Engine.Type == "" {
		c.Engine.Type = "docker"
	}
	if c.Engine.Docker.Image == "" {
		c.Engine.Docker.Image = "ghcr.io/actions/actions-runner:latest"
	}
	if c.Engine.GCP.MachineType == "" {
		c.Engine.GCP.MachineType = "e2-medium"
	}
	if c.Engine.GCP.DiskSizeGB == 0 {
		c.Engine.GCP.DiskSizeGB = 50
	}
	if c.Engine.GCP.PublicIP == nil {
		t := true
		c.Engine.GCP.PublicIP = &t
	}
	if c.History.Type == "" {
		c.History.Type = "memory"
	}
	if c.History.SQLite.Path == "" {
		c.History.SQLite.Path = "dispatch.db"
	}
	if c.ScaleSet.RunnerGroup == "" {
		c.ScaleSet.RunnerGroup = scaleset.DefaultRunnerGroup
	}
	if c.ScaleSet.MaxRunners == 0 {
		c.ScaleSet.MaxRunners = 10
	}
	if c.ScaleSet.Runner.CPU == 0 {
		c.ScaleSet.Runner.CPU = 2
	}
	if c.ScaleSet.Runner.MemoryMB == 0 {
		c.ScaleSet.Runner.MemoryMB = 4096
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

	if _, err := balancer.ParseStrategy(c.LoadBalancer.Strategy); err != nil {
		return fmt.Errorf("load_balancer.strategy: %w", err)
	}

	switch c.Registry.Type {
	case "static":
		seen := make(map[string]bool, len(c.Workers))
		for i, w := range c.Workers {
			if strings.TrimSpace(w.ID) == "" {
				return fmt.Errorf("workers[%d].id is required", i)
			}
			if seen[w.ID] {
				return fmt.Errorf("workers[%d]: duplicate id %q", i, w.ID)
			}
			seen[w.ID] = true
		}
	case "etcd":
		if len(c.Registry.Etcd.Endpoints) == 0 {
			return fmt.Errorf("registry.etcd.endpoints is required when registry.type is \"etcd\"")
		}
	default:
		return fmt.Errorf("registry.type %q is not supported (supported: static, etcd)", c.Registry.Type)
	}

	switch c.Engine.Type {
	case "docker":
	case "gcp":
		if c.Engine.GCP.Project == "" {
			return fmt.Errorf("engine.gcp.project is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Zone == "" {
			return fmt.Errorf("engine.gcp.zone is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Image == "" {
			return fmt.Errorf("engine.gcp.image is required when engine.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: docker, gcp)", c.Engine.Type)
	}

	switch c.History.Type {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("history.type %q is not supported (supported: memory, sqlite)", c.History.Type)
	}

	if c.ScaleSet.Enabled {
		if err := c.validateScaleSet(); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) validateScaleSet() error {
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

	if strings.ToLower(c.Logging.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
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

// ExecutorOptions returns the executor options.  An unset max_retries
// means three retries; a negative one disables retries.
func (c *Config) ExecutorOptions() executor.Options {
	opts := c.Executor
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = defaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	return opts
}

// RouterConfig returns the router configuration over reg.
func (c *Config) RouterConfig(reg worker.Registry, logger *slog.Logger) router.Config {
	weights := router.DefaultWeights
	if c.Router.Weights != nil {
		weights = *c.Router.Weights
	}
	return router.Config{
		Registry:        reg,
		Weights:         weights,
		MaxAlternatives: c.Router.MaxAlternatives,
		Logger:          logger,
	}
}

// BalancerConfig returns the load balancer configuration over reg.  Call
// after Validate so the strategy is known to parse.
func (c *Config) BalancerConfig(reg worker.Registry, logger *slog.Logger) balancer.Config {
	strategy, _ := balancer.ParseStrategy(c.LoadBalancer.Strategy)
	return balancer.Config{
		Registry:            reg,
		Strategy:            strategy,
		MaxQueuedJobs:       c.LoadBalancer.MaxQueuedJobs,
		StarvationThreshold: c.LoadBalancer.StarvationThreshold,
		PromotionInterval:   c.LoadBalancer.PromotionInterval,
		Logger:              logger,
	}
}

// SchedulerConfig returns the resource scheduler configuration over reg.
func (c *Config) SchedulerConfig(reg worker.Registry, logger *slog.Logger) scheduler.Config {
	return scheduler.Config{
		Registry:           reg,
		DefaultJobDuration: c.Executor.DefaultJobDuration,
		Logger:             logger,
	}
}

// Registry is a worker registry with a lifecycle.  Start loads the worker
// set and keeps it current until ctx is cancelled.
type Registry interface {
	worker.Registry
	Start(ctx context.Context) error
	Close() error
}

type staticRegistry struct {
	*worker.StaticRegistry
}

func (staticRegistry) Start(context.Context) error { return nil }
func (staticRegistry) Close() error                { return nil }

// NewRegistry creates the worker registry selected by registry.type.
func (c *Config) NewRegistry(logger *slog.Logger) (Registry, error) {
	switch c.Registry.Type {
	case "static":
		return staticRegistry{worker.NewStaticRegistry(c.Registry.StaleAfter, c.staticWorkers()...)}, nil
	case "etcd":
		reg, err := etcd.New(etcd.Config{
			Endpoints:   c.Registry.Etcd.Endpoints,
			Prefix:      c.Registry.Etcd.Prefix,
			DialTimeout: c.Registry.Etcd.DialTimeout,
			StaleAfter:  c.Registry.StaleAfter,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return reg, nil
	default:
		return nil, fmt.Errorf("unsupported registry type: %s", c.Registry.Type)
	}
}

// staticWorkers returns the configured workers.  Workers listed in the
// file are taken as healthy.
func (c *Config) staticWorkers() []worker.Worker {
	out := make([]worker.Worker, len(c.Workers))
	for i, w := range c.Workers {
		w = w.Clone()
		w.Healthy = true
		out[i] = w
	}
	return out
}

// NewHistory opens the plan archive selected by history.type.
func (c *Config) NewHistory() (history.Store, error) {
	switch c.History.Type {
	case "memory":
		return history.NewMemoryStore(cmp.Or(c.Executor.HistoryLimit, defaultHistoryLimit)), nil
	case "sqlite":
		return history.NewSQLiteStore(c.History.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported history type: %s", c.History.Type)
	}
}

// NewEngine creates the compute engine selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case "docker":
		return docker.New(ctx, docker.Config{
			Image:       c.Engine.Docker.Image,
			Network:     c.Engine.Docker.Network,
			Dind:        c.Engine.Docker.Dind,
			StopTimeout: c.Engine.Docker.StopTimeout,
		}, logger.WithGroup("engine.docker"))
	case "gcp":
		return gcp.New(ctx, gcp.Config{
			Project:        c.Engine.GCP.Project,
			Zone:           c.Engine.GCP.Zone,
			MachineType:    c.Engine.GCP.MachineType,
			Image:          c.Engine.GCP.Image,
			DiskSizeGB:     c.Engine.GCP.DiskSizeGB,
			Network:        c.Engine.GCP.Network,
			Subnet:         c.Engine.GCP.Subnet,
			PublicIP:       *c.Engine.GCP.PublicIP,
			ServiceAccount: c.Engine.GCP.ServiceAccount,
			PollInterval:   c.Engine.GCP.PollInterval,
		}, logger.WithGroup("engine.gcp"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}

// NewScalesetClient creates a scaleset.Client using the configured
// credentials (GitHub App or PAT).
func (c *Config) NewScalesetClient() (*scaleset.Client, error) {
	if err := c.resolvePrivateKey(); err != nil {
		return nil, err
	}

	sysInfo := scaleset.SystemInfo{
		System:    "dispatch",
		Subsystem: "scaler",
		Version:   buildinfo.Version,
		CommitSHA: buildinfo.Commit,
	}

	if c.GitHub.App.ClientID != "" {
		return scaleset.NewClientWithGitHubApp(scaleset.ClientWithGitHubAppConfig{
			GitHubConfigURL: c.GitHub.URL,
			GitHubAppAuth: scaleset.GitHubAppAuth{
				ClientID:       c.GitHub.App.ClientID,
				InstallationID: c.GitHub.App.InstallationID,
				PrivateKey:     c.GitHub.App.PrivateKey,
			},
			SystemInfo: sysInfo,
		})
	}

	return scaleset.NewClientWithPersonalAccessToken(scaleset.NewClientWithPersonalAccessTokenConfig{
		GitHubConfigURL:     c.GitHub.URL,
		PersonalAccessToken: c.GitHub.Token,
		SystemInfo:          sysInfo,
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

// RunnerTemplate returns the job request every runner job is cloned from.
func (c *Config) RunnerTemplate() job.Request {
	r := c.ScaleSet.Runner
	return job.Request{
		WorkflowID: c.ScaleSet.Name,
		Repository: c.GitHub.URL,
		Labels:     append([]string(nil), r.Labels...),
		Resources: job.ResourceRequirements{
			CPU:    job.Range{Min: r.CPU, Preferred: r.CPU},
			Memory: job.Range{Min: r.MemoryMB, Preferred: r.MemoryMB},
		},
		Priority: r.Priority,
		Timeout:  r.Timeout,
		Metadata: job.Metadata{
			WorkflowType: "github-actions",
			Constraints:  job.Constraints{RequiredCapabilities: append([]string(nil), r.Capabilities...)},
		},
	}
}
