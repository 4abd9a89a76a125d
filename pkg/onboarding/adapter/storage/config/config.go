package config

// StorageConfig holds configuration for a single storage connection.
type StorageConfig struct {
	Type            string   `yaml:"type"`             // Type of storage ("local", "minio", "gcs").
	BucketName      string   `yaml:"bucket_name"`      // Default bucket name when an operation passes none.
	CredentialsFile string   `yaml:"credentials_file"` // Path to a service account key for GCS.
	ProjectID       string   `yaml:"project_id"`       // Project used when GCS buckets are created.
	BaseDir         string   `yaml:"base_dir"`         // Base directory for local file system operations.
	Endpoint        string   `yaml:"endpoint"`         // host:port of an S3-compatible endpoint, without scheme.
	AccessKey       string   `yaml:"access_key"`
	SecretKey       string   `yaml:"secret_key"`
	Region          string   `yaml:"region"`
	UseSSL          bool     `yaml:"use_ssl"`
	CreateBuckets   []string `yaml:"create_buckets"` // Buckets ensured at connection time.
}

// DatasourcesConfig holds a map of named storage configurations.
type DatasourcesConfig map[string]StorageConfig
