// Package config holds the onboarding orchestrator's configuration model and its loader.
package config

import "time"

// EmbeddedConfig holds the content of the configuration file, typically passed from main.go.
type EmbeddedConfig []byte

// LogLevel defines the logging level for the application.
type LogLevel string

const (
	LogLevelTrace  LogLevel = "TRACE"
	LogLevelDebug  LogLevel = "DEBUG"
	LogLevelInfo   LogLevel = "INFO"
	LogLevelWarn   LogLevel = "WARN"
	LogLevelError  LogLevel = "ERROR"
	LogLevelFatal  LogLevel = "FATAL"
	LogLevelSilent LogLevel = "SILENT"
)

// Jitter strategies for a retry policy.
const (
	JitterNone = "NONE"
	JitterFull = "FULL"
)

// RetryPolicyConfig is one row of the runtime retry table.
type RetryPolicyConfig struct {
	Class       string        `yaml:"class"`        // Class is the classification this row governs (e.g., "RateLimited").
	ErrorEquals []string      `yaml:"error_equals"` // ErrorEquals lists the error names that map to Class.
	Interval    time.Duration `yaml:"interval"`     // Interval is the delay before the first retry.
	BackoffRate float64       `yaml:"backoff_rate"` // BackoffRate multiplies the delay on every further retry.
	MaxAttempts int           `yaml:"max_attempts"` // MaxAttempts is the number of retries allowed. Ignored when Unbounded.
	Unbounded   bool          `yaml:"unbounded"`    // Unbounded retries forever.
	MaxDelay    time.Duration `yaml:"max_delay"`    // MaxDelay caps a single delay. Zero means no cap.
	Jitter      string        `yaml:"jitter"`       // Jitter is "FULL" or "NONE".
}

// RetryConfig holds the retry table and how the orchestrator waits out delays.
type RetryConfig struct {
	// Policies are evaluated in order; the first row whose ErrorEquals matches wins.
	Policies []RetryPolicyConfig `yaml:"policies"`
	// SuspendThreshold is the delay at or above which a state-level retry suspends the execution.
	SuspendThreshold time.Duration `yaml:"suspend_threshold"`
}

// WorkflowConfig holds settings of the persisted state machine and its semaphore.
type WorkflowConfig struct {
	MachineName           string        `yaml:"machine_name"`            // MachineName names the workflow definition.
	LockName              string        `yaml:"lock_name"`               // LockName is the name of the global semaphore.
	ConcurrencyLimit      int           `yaml:"concurrency_limit"`       // ConcurrencyLimit is the semaphore's slot count.
	SemaphorePollInterval time.Duration `yaml:"semaphore_poll_interval"` // SemaphorePollInterval is how long a waiting execution sleeps before re-trying.
	LeaseTTL              time.Duration `yaml:"lease_ttl"`               // LeaseTTL is how long an acquired slot is valid without renewal.
	LeaseRenewInterval    time.Duration `yaml:"lease_renew_interval"`    // LeaseRenewInterval is how often a holder extends its lease.
	ReaperInterval        time.Duration `yaml:"reaper_interval"`         // ReaperInterval is how often expired leases are reclaimed.
	ReaperGrace           time.Duration `yaml:"reaper_grace"`            // ReaperGrace is added to heldUntil before a lease is reclaimed.
	SchedulerPollInterval time.Duration `yaml:"scheduler_poll_interval"` // SchedulerPollInterval is how often due executions are picked up.
	SchedulerWorkers      int           `yaml:"scheduler_workers"`       // SchedulerWorkers bounds executions driven concurrently by one process.
	InputBucket           string        `yaml:"input_bucket"`            // InputBucket holds uploaded CSV and zip files.
	OutputBucket          string        `yaml:"output_bucket"`           // OutputBucket receives fan-out results and the final artifact.
}

// FanoutConfig holds settings of the batch fan-out executor.
type FanoutConfig struct {
	MaxConcurrency             int     `yaml:"max_concurrency"`              // MaxConcurrency bounds items in flight.
	ToleratedFailurePercentage float64 `yaml:"tolerated_failure_percentage"` // ToleratedFailurePercentage is the share of items allowed to fail.
	ResultPrefix               string  `yaml:"result_prefix"`                // ResultPrefix is where result files and the manifest are written.
	ResultsPerFile             int     `yaml:"results_per_file"`             // ResultsPerFile bounds item results per result file.
}

// PipelineConfig holds per-step timeouts of the per-item sub-pipeline.
type PipelineConfig struct {
	GenerateTimeout   time.Duration `yaml:"generate_timeout"`
	MetaclassTimeout  time.Duration `yaml:"metaclass_timeout"`
	ClassifyTimeout   time.Duration `yaml:"classify_timeout"`
	AttributesTimeout time.Duration `yaml:"attributes_timeout"`
	ImagesTimeout     time.Duration `yaml:"images_timeout"`
	ImageWorkers      int           `yaml:"image_workers"` // ImageWorkers bounds concurrent image uploads during extraction.
}

// ReducerConfig holds settings of the result reducer.
type ReducerConfig struct {
	ResultPrefix string `yaml:"result_prefix"` // ResultPrefix is prepended to the input key to form the artifact key.
	Format       string `yaml:"format"`        // Format is "csv" or "parquet".
	FailedRows   string `yaml:"failed_rows"`   // FailedRows is "flag" (keep with error columns) or "omit".
}

// InfrastructureConfig selects the backends of the stores.
type InfrastructureConfig struct {
	SessionStore   string `yaml:"session_store"`   // SessionStore is "sql" or "memory".
	ExecutionStore string `yaml:"execution_store"` // ExecutionStore is "sql" or "memory".
	LeaseStore     string `yaml:"lease_store"`     // LeaseStore is "sql", "redis" or "memory".
	DatabaseRef    string `yaml:"database_ref"`    // DatabaseRef names the entry under onboarding.database.
	StorageRef     string `yaml:"storage_ref"`     // StorageRef names the entry under onboarding.storage.
	AutoMigrate    bool   `yaml:"auto_migrate"`    // AutoMigrate applies embedded migrations at startup.
}

// RedisConfig holds the connection settings of the Redis lease store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ModelConfig holds the settings of the remote model collaborators.
type ModelConfig struct {
	Provider         string   `yaml:"provider"`          // Provider is "anthropic".
	APIKey           string   `yaml:"api_key"`           // APIKey authenticates against the provider.
	BaseURL          string   `yaml:"base_url"`          // BaseURL overrides the provider endpoint.
	Model            string   `yaml:"model"`             // Model is the model used for every step.
	MaxTokens        int      `yaml:"max_tokens"`        // MaxTokens bounds one response.
	Language         string   `yaml:"language"`          // Language is the language of generated titles and descriptions.
	CatalogBucket    string   `yaml:"catalog_bucket"`    // CatalogBucket holds the taxonomy and the attribute schema.
	Taxonomy         string   `yaml:"taxonomy"`          // Taxonomy is the object key of the category tree.
	AttributeSchema  string   `yaml:"attribute_schema"`  // AttributeSchema is the object key of the per-category attribute schema.
	AlwaysCategories []string `yaml:"always_categories"` // AlwaysCategories are added to every candidate shortlist.
	MaxCandidates    int      `yaml:"max_candidates"`    // MaxCandidates bounds the metaclass shortlist.
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	Type          string `yaml:"type"`           // Type is "prometheus", "otel" or "noop".
	ListenAddress string `yaml:"listen_address"` // ListenAddress serves /metrics for the prometheus backend.
	Path          string `yaml:"path"`
}

// TracingConfig configures the OpenTelemetry exporters.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // Exporter is "otlpgrpc" or "otlphttp".
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// TriggerConfig configures the object-created watcher that submits batches.
type TriggerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Prefix       string        `yaml:"prefix"`        // Prefix filters watched keys.
	Suffix       string        `yaml:"suffix"`        // Suffix filters watched keys (".csv").
	ImagesSuffix string        `yaml:"images_suffix"` // ImagesSuffix pairs a CSV with a same-named archive (".zip").
	PollInterval time.Duration `yaml:"poll_interval"` // PollInterval is the listing interval when the storage cannot push events.
}

// SessionConfig configures the session service.
type SessionConfig struct {
	MaxDays        int           `yaml:"max_days"`        // MaxDays bounds the span of a listing.
	DownloadExpiry time.Duration `yaml:"download_expiry"` // DownloadExpiry is the default lifetime of a download URL.
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SystemConfig holds system-wide settings.
type SystemConfig struct {
	Timezone string        `yaml:"timezone"`
	Logging  LoggingConfig `yaml:"logging"`
}

// OnboardingConfig holds all configuration under the "onboarding" top-level key.
type OnboardingConfig struct {
	System         SystemConfig           `yaml:"system"`
	Workflow       WorkflowConfig         `yaml:"workflow"`
	Retry          RetryConfig            `yaml:"retry"`
	Fanout         FanoutConfig           `yaml:"fanout"`
	Pipeline       PipelineConfig         `yaml:"pipeline"`
	Reducer        ReducerConfig          `yaml:"reducer"`
	Infrastructure InfrastructureConfig   `yaml:"infrastructure"`
	Redis          RedisConfig            `yaml:"redis"`
	Model          ModelConfig            `yaml:"model"`
	Metrics        MetricsConfig          `yaml:"metrics"`
	Tracing        TracingConfig          `yaml:"tracing"`
	Trigger        TriggerConfig          `yaml:"trigger"`
	Session        SessionConfig          `yaml:"session"`
	Storage        map[string]interface{} `yaml:"storage"`  // Storage holds named storage adapter configs.
	Database       map[string]interface{} `yaml:"database"` // Database holds named database connection configs.
}

// Config is the root structure for the entire application configuration.
type Config struct {
	Onboarding     OnboardingConfig `yaml:"onboarding"`
	EmbeddedConfig EmbeddedConfig   `yaml:"-"`
}

// GlobalConfig is the configuration shared across the application, set by NewConfigProvider.
var GlobalConfig *Config

// DefaultRetryPolicies returns the built-in retry table.
func DefaultRetryPolicies() []RetryPolicyConfig {
	return []RetryPolicyConfig{
		{
			Class:       "GenericRetryable",
			ErrorEquals: []string{"RetryableError", "ModelResponseError", "States.Timeout"},
			Interval:    time.Second,
			BackoffRate: 2,
			MaxAttempts: 2,
			Jitter:      JitterNone,
		},
		{
			Class:       "RateLimited",
			ErrorEquals: []string{"RateLimitError"},
			Interval:    15 * time.Second,
			BackoffRate: 2,
			MaxAttempts: 10,
			MaxDelay:    120 * time.Second,
			Jitter:      JitterFull,
		},
		{
			Class:       "DownstreamThrottling",
			ErrorEquals: []string{"TooManyRequestsException"},
			Interval:    time.Second,
			BackoffRate: 2,
			Unbounded:   true,
			MaxDelay:    30 * time.Second,
			Jitter:      JitterFull,
		},
	}
}

// NewConfig returns a new instance of Config with default values.
func NewConfig() *Config {
	return &Config{
		Onboarding: OnboardingConfig{
			System: SystemConfig{
				Timezone: "UTC",
				Logging:  LoggingConfig{Level: "INFO"},
			},
			Workflow: WorkflowConfig{
				MachineName:           "CategorizationWorkflow",
				LockName:              "BatchProductOnboarding",
				ConcurrencyLimit:      1,
				SemaphorePollInterval: 3 * time.Second,
				LeaseTTL:              5 * time.Minute,
				LeaseRenewInterval:    time.Minute,
				ReaperInterval:        30 * time.Second,
				ReaperGrace:           2 * time.Minute,
				SchedulerPollInterval: 2 * time.Second,
				SchedulerWorkers:      4,
				InputBucket:           "input",
				OutputBucket:          "output",
			},
			Retry: RetryConfig{
				Policies:         DefaultRetryPolicies(),
				SuspendThreshold: 10 * time.Second,
			},
			Fanout: FanoutConfig{
				MaxConcurrency:             20,
				ToleratedFailurePercentage: 15,
				ResultPrefix:               "sfnResults/",
				ResultsPerFile:             1000,
			},
			Pipeline: PipelineConfig{
				GenerateTimeout:   60 * time.Second,
				MetaclassTimeout:  30 * time.Second,
				ClassifyTimeout:   60 * time.Second,
				AttributesTimeout: 120 * time.Second,
				ImagesTimeout:     10 * time.Minute,
				ImageWorkers:      10,
			},
			Reducer: ReducerConfig{
				ResultPrefix: "results/",
				Format:       "csv",
				FailedRows:   "flag",
			},
			Infrastructure: InfrastructureConfig{
				SessionStore:   "sql",
				ExecutionStore: "sql",
				LeaseStore:     "sql",
				DatabaseRef:    "metadata",
				StorageRef:     "default",
				AutoMigrate:    true,
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "onboarding:",
			},
			Model: ModelConfig{
				Provider:        "anthropic",
				Model:           "claude-3-5-haiku-latest",
				MaxTokens:       1024,
				Language:        "English",
				CatalogBucket:   "config",
				Taxonomy:        "category_tree.json",
				AttributeSchema: "attribute_schema.json",
				MaxCandidates:   10,
			},
			Metrics: MetricsConfig{
				Type:          "prometheus",
				ListenAddress: ":9090",
				Path:          "/metrics",
			},
			Tracing: TracingConfig{
				Exporter:    "otlpgrpc",
				Endpoint:    "localhost:4317",
				Insecure:    true,
				ServiceName: "onboarding",
				SampleRatio: 1,
			},
			Trigger: TriggerConfig{
				Suffix:       ".csv",
				ImagesSuffix: ".zip",
				PollInterval: 10 * time.Second,
			},
			Session: SessionConfig{
				MaxDays:        1000,
				DownloadExpiry: time.Hour,
			},
			Storage:  make(map[string]interface{}),
			Database: make(map[string]interface{}),
		},
	}
}
