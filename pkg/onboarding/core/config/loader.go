package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"gopkg.in/yaml.v3"

	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

const moduleName = "config"

var durationType = reflect.TypeOf(time.Duration(0))

// ConfigParams defines the dependencies for NewConfigProvider.
type ConfigParams struct {
	fx.In
	EmbeddedConfig EmbeddedConfig
	EnvFilePath    string `name:"envFilePath" optional:"true"`
}

// LoadConfig loads defaults, merges the embedded YAML, then applies environment overrides.
// Environment variable names are derived from yaml tags: ONBOARDING_FANOUT_MAX_CONCURRENCY,
// ONBOARDING_DATABASE_METADATA_HOST, and so on.
func LoadConfig(envFilePath string, embeddedConfig EmbeddedConfig) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			logger.Warnf(".env file (%s) not found or could not be loaded: %v", envFilePath, err)
		}
	} else if err := godotenv.Load(); err != nil {
		logger.Debugf(".env file not found or could not be loaded: %v", err)
	}

	cfg := NewConfig()

	var yamlConfig Config
	if err := yaml.Unmarshal(embeddedConfig, &yamlConfig); err != nil {
		return nil, exception.NewOnboardingError(moduleName, "failed to unmarshal embedded config", err, exception.Fatal)
	}
	mergeConfig(cfg, &yamlConfig)

	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem(), ""); err != nil {
		return nil, exception.NewOnboardingError(moduleName, "failed to load config from environment variables", err, exception.Fatal)
	}
	cfg.EmbeddedConfig = embeddedConfig
	return cfg, nil
}

// NewConfigProvider is an fx provider that loads, publishes and validates *Config.
func NewConfigProvider(params ConfigParams) (*Config, error) {
	cfg, err := LoadConfig(params.EnvFilePath, params.EmbeddedConfig)
	if err != nil {
		return nil, err
	}

	GlobalConfig = cfg

	logger.SetLogLevel(cfg.Onboarding.System.Logging.Level)
	logger.Infof("Log level set to: %s", cfg.Onboarding.System.Logging.Level)

	if err := Validate(cfg); err != nil {
		return nil, exception.NewOnboardingError(moduleName, "invalid configuration", err, exception.Fatal)
	}
	return cfg, nil
}

// Validate checks the invariants the orchestrator relies on.
func Validate(cfg *Config) error {
	o := cfg.Onboarding
	if o.Workflow.LockName == "" {
		return fmt.Errorf("workflow.lock_name must not be empty")
	}
	if o.Workflow.ConcurrencyLimit < 1 {
		return fmt.Errorf("workflow.concurrency_limit must be at least 1, got %d", o.Workflow.ConcurrencyLimit)
	}
	if o.Workflow.LeaseRenewInterval >= o.Workflow.LeaseTTL {
		return fmt.Errorf("workflow.lease_renew_interval (%s) must be shorter than workflow.lease_ttl (%s)", o.Workflow.LeaseRenewInterval, o.Workflow.LeaseTTL)
	}
	if o.Fanout.MaxConcurrency < 1 {
		return fmt.Errorf("fanout.max_concurrency must be at least 1, got %d", o.Fanout.MaxConcurrency)
	}
	if o.Fanout.ToleratedFailurePercentage < 0 || o.Fanout.ToleratedFailurePercentage > 100 {
		return fmt.Errorf("fanout.tolerated_failure_percentage must be within [0, 100], got %v", o.Fanout.ToleratedFailurePercentage)
	}
	switch o.Reducer.Format {
	case "csv", "parquet":
	default:
		return fmt.Errorf("reducer.format must be 'csv' or 'parquet', got '%s'", o.Reducer.Format)
	}
	switch o.Reducer.FailedRows {
	case "flag", "omit":
	default:
		return fmt.Errorf("reducer.failed_rows must be 'flag' or 'omit', got '%s'", o.Reducer.FailedRows)
	}
	return validateRetryPolicies(o.Retry.Policies)
}

func validateRetryPolicies(policies []RetryPolicyConfig) error {
	for i, p := range policies {
		class, err := exception.ParseClassification(p.Class)
		if err != nil {
			return fmt.Errorf("retry.policies[%d]: %w", i, err)
		}
		if class == exception.Fatal {
			return fmt.Errorf("retry.policies[%d]: class Fatal cannot be retried", i)
		}
		if p.BackoffRate < 1 {
			return fmt.Errorf("retry.policies[%d]: backoff_rate must be >= 1, got %v", i, p.BackoffRate)
		}
		if p.Jitter != "" && p.Jitter != JitterFull && p.Jitter != JitterNone {
			return fmt.Errorf("retry.policies[%d]: unknown jitter '%s'", i, p.Jitter)
		}
		for _, name := range p.ErrorEquals {
			if !exception.IsErrorTypeRegistered(name) {
				return fmt.Errorf("retry.policies[%d] references unknown error name: '%s'. Ensure it is registered", i, name)
			}
		}
	}
	return nil
}

// mergeConfig copies every non-zero value of source over dest.
// Slices and maps replace the destination wholesale, except maps of configs which merge per key.
func mergeConfig(dest, source *Config) {
	mergeValue(reflect.ValueOf(dest).Elem(), reflect.ValueOf(source).Elem())
}

func mergeValue(dest, source reflect.Value) {
	switch source.Kind() {
	case reflect.Struct:
		for i := 0; i < source.NumField(); i++ {
			if !dest.Field(i).CanSet() {
				continue
			}
			mergeValue(dest.Field(i), source.Field(i))
		}
	case reflect.Map:
		if source.IsNil() {
			return
		}
		if dest.IsNil() {
			dest.Set(reflect.MakeMap(source.Type()))
		}
		iter := source.MapRange()
		for iter.Next() {
			dest.SetMapIndex(iter.Key(), iter.Value())
		}
	default:
		if !source.IsZero() {
			dest.Set(source)
		}
	}
}

// loadStructFromEnv recursively loads configuration values into a struct from environment variables.
// It uses the "yaml" tag to determine the environment variable name.
func loadStructFromEnv(val reflect.Value, prefix string) error {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		yamlTag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		envVarName := strings.ToUpper(prefix + yamlTag)

		switch {
		case field.Kind() == reflect.Struct:
			if err := loadStructFromEnv(field, envVarName+"_"); err != nil {
				return err
			}
			continue
		case field.Kind() == reflect.Map && field.Type().Key().Kind() == reflect.String && field.Type().Elem().Kind() == reflect.Interface:
			loadMapFromEnv(field, envVarName+"_")
			continue
		}

		envValue, exists := os.LookupEnv(envVarName)
		if !exists {
			continue
		}
		if err := setField(field, envValue); err != nil {
			return fmt.Errorf("failed to set field '%s' from env var '%s': %w", fieldType.Name, envVarName, err)
		}
	}
	return nil
}

// loadMapFromEnv fills a map[string]interface{} of named configs from variables such as
// ONBOARDING_DATABASE_METADATA_HOST=db, which sets database["metadata"]["host"] = "db".
func loadMapFromEnv(mapField reflect.Value, prefix string) {
	if mapField.IsNil() {
		mapField.Set(reflect.MakeMap(mapField.Type()))
	}
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(env, prefix), "=", 2)
		if len(parts) != 2 {
			continue
		}
		keyAndField := strings.SplitN(parts[0], "_", 2)
		if len(keyAndField) != 2 {
			continue
		}
		mapKey := strings.ToLower(keyAndField[0])
		fieldName := strings.ToLower(keyAndField[1])

		var entry map[string]interface{}
		if existing := mapField.MapIndex(reflect.ValueOf(mapKey)); existing.IsValid() {
			entry, _ = existing.Interface().(map[string]interface{})
		}
		if entry == nil {
			entry = make(map[string]interface{})
		}
		entry[fieldName] = parts[1]
		mapField.SetMapIndex(reflect.ValueOf(mapKey), reflect.ValueOf(entry))
	}
}

// setField sets the value of a reflect.Value field based on its kind.
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		items := strings.Split(value, ",")
		for i := range items {
			items[i] = strings.TrimSpace(items[i])
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
