package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/apptrail-sh/canary/internal/model"
)

// Config is the immutable description of a single canary run.
// It is loaded once at startup and passed by value to every component.
type Config struct {
	Namespace string         `mapstructure:"namespace"`
	Stable    WorkloadConfig `mapstructure:"stable"`
	Candidate WorkloadConfig `mapstructure:"candidate"`
	Container string         `mapstructure:"container"` // Container whose image is promoted; empty selects the first
	Service   ServiceConfig  `mapstructure:"service"`

	Stages             []int32       `mapstructure:"stages"`
	TotalReplicas      int32         `mapstructure:"total_replicas"`
	ConvergenceTimeout time.Duration `mapstructure:"convergence_timeout"`
	SoakDuration       time.Duration `mapstructure:"soak_duration"`
	RollbackTimeout    time.Duration `mapstructure:"rollback_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`

	Probes        ProbeConfig         `mapstructure:"probes"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	LoadGenerator LoadGeneratorConfig `mapstructure:"load_generator"`
	Lease         LeaseConfig         `mapstructure:"lease"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Notifications NotificationConfig  `mapstructure:"notifications"`
}

type WorkloadConfig struct {
	Name  string `mapstructure:"name"`
	Image string `mapstructure:"image"`
}

type ServiceConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"` // Defaults to the in-cluster service DNS name
}

type ProbeConfig struct {
	SampleSize         int           `mapstructure:"sample_size"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	RequestInterval    time.Duration `mapstructure:"request_interval"`
	ErrorRateThreshold int           `mapstructure:"error_rate_threshold"` // Percent
	TailLines          int64         `mapstructure:"tail_lines"`
	ErrorPattern       string        `mapstructure:"error_pattern"`
	RequestPattern     string        `mapstructure:"request_pattern"`
	Selector           string        `mapstructure:"selector"` // Candidate pods sampled for error rate
}

type MonitoringConfig struct {
	// FullRecheck re-runs every probe after the soak instead of error rate only
	FullRecheck bool `mapstructure:"full_recheck"`
}

type LoadGeneratorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type LeaseConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Duration time.Duration `mapstructure:"duration"`
}

type MetricsConfig struct {
	BindAddress    string `mapstructure:"bind_address"` // "0" disables the scrape endpoint
	PushgatewayURL string `mapstructure:"pushgateway_url"`
}

type NotificationConfig struct {
	ClusterID string `mapstructure:"cluster_id"`
	// DetectClusterID looks the cluster ID up from the cloud metadata server when ClusterID is empty
	DetectClusterID bool   `mapstructure:"detect_cluster_id"`
	ControlPlaneURL string `mapstructure:"controlplane_url"`
	PubSubTopic     string `mapstructure:"pubsub_topic"` // projects/<project>/topics/<topic>
}

// Enabled reports whether any event publisher is configured
func (n NotificationConfig) Enabled() bool {
	return n.ControlPlaneURL != "" || n.PubSubTopic != ""
}

const envPrefix = "CANARY"

// Default returns the configuration of the reference rollout: 10/25/50/100 over ten replicas
func Default() Config {
	return Config{
		Namespace:          "default",
		Stages:             []int32{10, 25, 50, 100},
		TotalReplicas:      10,
		ConvergenceTimeout: 5 * time.Minute,
		SoakDuration:       60 * time.Second,
		RollbackTimeout:    30 * time.Second,
		PollInterval:       2 * time.Second,
		Probes: ProbeConfig{
			SampleSize:         5,
			RequestTimeout:     5 * time.Second,
			RequestInterval:    1 * time.Second,
			ErrorRateThreshold: 5,
			TailLines:          100,
			ErrorPattern:       `(?i)\b(error|exception|panic)\b|" 5\d\d `,
			RequestPattern:     `(?i)\b(GET|POST|PUT|PATCH|DELETE|HEAD)\b`,
		},
		LoadGenerator: LoadGeneratorConfig{
			Enabled:  true,
			Interval: 500 * time.Millisecond,
		},
		Lease: LeaseConfig{
			Enabled:  true,
			Duration: 15 * time.Minute,
		},
		Metrics: MetricsConfig{
			BindAddress: "0",
		},
		Notifications: NotificationConfig{
			DetectClusterID: true,
		},
	}
}

// Load reads configuration from an optional YAML file and CANARY_* environment variables
// on top of Default. Nested keys map to env names with underscores, e.g.
// CANARY_PROBES_SAMPLE_SIZE.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg = cfg.withDerivedDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("namespace", d.Namespace)
	v.SetDefault("stable.name", d.Stable.Name)
	v.SetDefault("stable.image", d.Stable.Image)
	v.SetDefault("candidate.name", d.Candidate.Name)
	v.SetDefault("candidate.image", d.Candidate.Image)
	v.SetDefault("container", d.Container)
	v.SetDefault("service.name", d.Service.Name)
	v.SetDefault("service.url", d.Service.URL)

	v.SetDefault("stages", d.Stages)
	v.SetDefault("total_replicas", d.TotalReplicas)
	v.SetDefault("convergence_timeout", d.ConvergenceTimeout)
	v.SetDefault("soak_duration", d.SoakDuration)
	v.SetDefault("rollback_timeout", d.RollbackTimeout)
	v.SetDefault("poll_interval", d.PollInterval)

	v.SetDefault("probes.sample_size", d.Probes.SampleSize)
	v.SetDefault("probes.request_timeout", d.Probes.RequestTimeout)
	v.SetDefault("probes.request_interval", d.Probes.RequestInterval)
	v.SetDefault("probes.error_rate_threshold", d.Probes.ErrorRateThreshold)
	v.SetDefault("probes.tail_lines", d.Probes.TailLines)
	v.SetDefault("probes.error_pattern", d.Probes.ErrorPattern)
	v.SetDefault("probes.request_pattern", d.Probes.RequestPattern)
	v.SetDefault("probes.selector", d.Probes.Selector)

	v.SetDefault("monitoring.full_recheck", d.Monitoring.FullRecheck)
	v.SetDefault("load_generator.enabled", d.LoadGenerator.Enabled)
	v.SetDefault("load_generator.interval", d.LoadGenerator.Interval)
	v.SetDefault("lease.enabled", d.Lease.Enabled)
	v.SetDefault("lease.duration", d.Lease.Duration)
	v.SetDefault("metrics.bind_address", d.Metrics.BindAddress)
	v.SetDefault("metrics.pushgateway_url", d.Metrics.PushgatewayURL)
	v.SetDefault("notifications.cluster_id", d.Notifications.ClusterID)
	v.SetDefault("notifications.detect_cluster_id", d.Notifications.DetectClusterID)
	v.SetDefault("notifications.controlplane_url", d.Notifications.ControlPlaneURL)
	v.SetDefault("notifications.pubsub_topic", d.Notifications.PubSubTopic)
}

// withDerivedDefaults fills values that depend on other fields
func (c Config) withDerivedDefaults() Config {
	if c.Service.URL == "" && c.Service.Name != "" {
		c.Service.URL = fmt.Sprintf("http://%s.%s.svc.cluster.local/", c.Service.Name, c.Namespace)
	}
	if c.Probes.Selector == "" && c.Candidate.Name != "" {
		c.Probes.Selector = "app=" + c.Candidate.Name
	}
	return c
}

// Validate reports every problem with the configuration at once
func (c Config) Validate() error {
	var errs []error

	if c.Namespace == "" {
		errs = append(errs, errors.New("namespace is required"))
	}
	if c.Stable.Name == "" || c.Candidate.Name == "" {
		errs = append(errs, errors.New("stable.name and candidate.name are required"))
	}
	if c.Stable.Name != "" && c.Stable.Name == c.Candidate.Name {
		errs = append(errs, errors.New("stable and candidate must be different workloads"))
	}
	if c.Candidate.Image == "" {
		errs = append(errs, errors.New("candidate.image is required"))
	}
	if c.Service.Name == "" {
		errs = append(errs, errors.New("service.name is required"))
	}
	if err := model.StageSpec(c.Stages).Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.TotalReplicas < 1 {
		errs = append(errs, fmt.Errorf("total_replicas must be at least 1, got %d", c.TotalReplicas))
	}
	if c.ConvergenceTimeout <= 0 {
		errs = append(errs, errors.New("convergence_timeout must be positive"))
	}
	if c.SoakDuration < 0 {
		errs = append(errs, errors.New("soak_duration must not be negative"))
	}
	if c.RollbackTimeout <= 0 {
		errs = append(errs, errors.New("rollback_timeout must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.Probes.SampleSize < 1 {
		errs = append(errs, errors.New("probes.sample_size must be at least 1"))
	}
	if c.Probes.ErrorRateThreshold < 1 || c.Probes.ErrorRateThreshold > 100 {
		errs = append(errs, fmt.Errorf("probes.error_rate_threshold must be in [1,100], got %d", c.Probes.ErrorRateThreshold))
	}
	if c.Probes.TailLines < 1 {
		errs = append(errs, errors.New("probes.tail_lines must be at least 1"))
	}
	if _, err := regexp.Compile(c.Probes.ErrorPattern); err != nil {
		errs = append(errs, fmt.Errorf("probes.error_pattern: %w", err))
	}
	if _, err := regexp.Compile(c.Probes.RequestPattern); err != nil {
		errs = append(errs, fmt.Errorf("probes.request_pattern: %w", err))
	}
	if _, err := labels.Parse(c.Probes.Selector); err != nil {
		errs = append(errs, fmt.Errorf("probes.selector: %w", err))
	}
	if c.LoadGenerator.Enabled && c.LoadGenerator.Interval <= 0 {
		errs = append(errs, errors.New("load_generator.interval must be positive"))
	}
	if c.Lease.Enabled && c.Lease.Duration <= 0 {
		errs = append(errs, errors.New("lease.duration must be positive"))
	}
	// The lease is renewed once per stage, and a stage lasts up to convergence plus soak
	if c.Lease.Enabled && c.Lease.Duration > 0 && c.Lease.Duration <= c.ConvergenceTimeout+c.SoakDuration {
		errs = append(errs, fmt.Errorf("lease.duration %s must exceed convergence_timeout + soak_duration (%s)",
			c.Lease.Duration, c.ConvergenceTimeout+c.SoakDuration))
	}
	if c.Notifications.Enabled() && c.Notifications.ClusterID == "" && !c.Notifications.DetectClusterID {
		errs = append(errs, errors.New("notifications.cluster_id is required when a publisher is configured and detection is off"))
	}

	return errors.Join(errs...)
}

func (c Config) StableRef() model.WorkloadRef {
	return model.WorkloadRef{Name: c.Stable.Name, Namespace: c.Namespace, Image: c.Stable.Image}
}

func (c Config) CandidateRef() model.WorkloadRef {
	return model.WorkloadRef{Name: c.Candidate.Name, Namespace: c.Namespace, Image: c.Candidate.Image}
}

func (c Config) ServiceRef() model.ServiceRef {
	return model.ServiceRef{Name: c.Service.Name, Namespace: c.Namespace, URL: c.Service.URL}
}

// StageSpec returns a copy of the configured stages
func (c Config) StageSpec() model.StageSpec {
	stages := make(model.StageSpec, len(c.Stages))
	copy(stages, c.Stages)
	return stages
}
