// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	MaxUploadBytes      int64 // Ceiling for one agent upload chunk.

	// Database settings.
	DatabaseURL            string // PgBouncer or direct Postgres URL for queries.
	NotifyURL              string // Direct Postgres URL for LISTEN/NOTIFY.
	SkipEmbeddedMigrations bool

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration
	AgentTokenTTL     time.Duration

	// Admin bootstrap.
	AdminAPIKey string // API key for the seeded admin service account.

	// Platform settings.
	Namespace            string
	ImageTag             string
	Release              string
	RegistryServer       string
	RegistryType         string
	VerifyDeploymentUser bool
	ForwardEnv           []string // nil keeps the lifecycle default list.

	// Orchestrator settings. Clustered is true when running inside Kubernetes.
	Clustered     bool
	KubeAPIURL    string
	KubeTokenPath string
	KubeCAPath    string

	// Agent settings.
	HBFrequency            time.Duration
	HBMissCount            int
	EncryptionKey          string
	UploadRetryCounter     string
	DownloadRetryCounter   string
	MaxConcurrentUploads   int
	MaxConcurrentDownloads int
	DownloadDir            string
	UploadDir              string
	Mode                   string

	// Blob store settings.
	BlobBackend    string
	S3Bucket       string
	S3Prefix       string
	AzureAccount   string
	AzureKey       string
	AzureContainer string
	AzurePrefix    string
	SFTPHost       string
	SFTPPort       int
	SFTPUser       string
	SFTPPassword   string
	SFTPKeyPath    string
	SFTPBaseDir    string
	SQLiteBlobPath string

	// Rate limiting for agent login and token issuance.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel             string
	ActionPurgeInterval  time.Duration
	RouteRefreshInterval time.Duration
	BulkTimeout          time.Duration
	CipherWorkers        int
	ShutdownHTTPTimeout  time.Duration
}

// ActionTTL is how long an undelivered agent action stays collectable.
func (c Config) ActionTTL() time.Duration {
	return c.HBFrequency * time.Duration(c.HBMissCount)
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := envBool(key, def)
		collect(err)
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}
	sizeVar := func(key string, def int64) int64 {
		v, err := envSize(key, def)
		collect(err)
		return v
	}
	floatVar := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		collect(err)
		return v
	}

	kubeHost := os.Getenv("KUBERNETES_SERVICE_HOST")
	kubeAPI := ""
	if kubeHost != "" {
		kubeAPI = "https://" + kubeHost + ":" + envStr("KUBERNETES_SERVICE_PORT", "443")
	}

	cfg := Config{
		Port:                intVar("CM_PORT", 11011),
		ReadTimeout:         durVar("CM_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        durVar("CM_WRITE_TIMEOUT", 5*time.Minute),
		MaxRequestBodyBytes: sizeVar("CM_MAX_REQUEST_BODY_BYTES", 5*1024*1024),
		MaxUploadBytes:      sizeVar("CM_MAX_UPLOAD_BYTES", sizeDefault("B2B_AGENT_MAX_FILE_SIZE", 1000*1024*1024)),

		DatabaseURL:            envStr("DATABASE_URL", "postgres://cm:cm@localhost:6432/cm?sslmode=verify-full"),
		NotifyURL:              envStr("NOTIFY_URL", "postgres://cm:cm@localhost:5432/cm?sslmode=verify-full"),
		SkipEmbeddedMigrations: boolVar("CM_SKIP_EMBEDDED_MIGRATIONS", false),

		JWTPrivateKeyPath: envStr("CM_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:  envStr("CM_JWT_PUBLIC_KEY", ""),
		JWTExpiration:     durVar("CM_JWT_EXPIRATION", 24*time.Hour),
		AgentTokenTTL:     durVar("CM_AGENT_TOKEN_TTL", 2*time.Hour),
		AdminAPIKey:       envStr("CM_ADMIN_API_KEY", ""),

		Namespace:            envStr("DATA_STACK_NAMESPACE", "appveen"),
		ImageTag:             envStr("IMAGE_TAG", envStr("RELEASE", "dev")),
		Release:              envStr("RELEASE", "dev"),
		RegistryServer:       envStr("DOCKER_REGISTRY_SERVER", ""),
		RegistryType:         strings.ToUpper(envStr("DOCKER_REGISTRY_TYPE", "")),
		VerifyDeploymentUser: boolVar("CM_VERIFY_DEPLOYMENT_USER", false),
		ForwardEnv:           envList("CM_FORWARD_ENV", nil),

		Clustered:     kubeHost != "",
		KubeAPIURL:    envStr("CM_KUBE_API_URL", kubeAPI),
		KubeTokenPath: envStr("CM_KUBE_TOKEN_PATH", "/var/run/secrets/kubernetes.io/serviceaccount/token"),
		KubeCAPath:    envStr("CM_KUBE_CA_PATH", "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"),

		HBFrequency:            secondsVar(collect, "B2B_HB_FREQUENCY", 10*time.Second),
		HBMissCount:            intVar("B2B_HB_MISSED_COUNT", 10),
		EncryptionKey:          envStr("ENCRYPTION_KEY", ""),
		UploadRetryCounter:     envStr("B2B_UPLOAD_RETRY_COUNTER", "5"),
		DownloadRetryCounter:   envStr("B2B_DOWNLOAD_RETRY_COUNTER", "5"),
		MaxConcurrentUploads:   intVar("B2B_DEFAULT_CONCURRENT_FILE_UPLOADS", 5),
		MaxConcurrentDownloads: intVar("B2B_DEFAULT_CONCURRENT_FILE_DOWNLOADS", 5),
		DownloadDir:            envStr("CM_DOWNLOAD_DIR", "/app/downloads"),
		UploadDir:              envStr("CM_UPLOAD_DIR", os.TempDir()+"/cm-uploads"),
		Mode:                   strings.ToUpper(envStr("CM_MODE", "PROD")),

		BlobBackend:    strings.ToLower(envStr("CM_BLOB_BACKEND", "postgres")),
		S3Bucket:       envStr("S3_BUCKET", ""),
		S3Prefix:       envStr("S3_PREFIX", ""),
		AzureAccount:   envStr("AZURE_STORAGE_ACCOUNT", ""),
		AzureKey:       envStr("AZURE_STORAGE_KEY", ""),
		AzureContainer: envStr("AZURE_BLOB_CONTAINER", ""),
		AzurePrefix:    envStr("AZURE_BLOB_PREFIX", ""),
		SFTPHost:       envStr("SFTP_HOST", ""),
		SFTPPort:       intVar("SFTP_PORT", 22),
		SFTPUser:       envStr("SFTP_USER", ""),
		SFTPPassword:   envStr("SFTP_PASSWORD", ""),
		SFTPKeyPath:    envStr("SFTP_KEY_PATH", ""),
		SFTPBaseDir:    envStr("SFTP_BASE_DIR", ""),
		SQLiteBlobPath: envStr("CM_SQLITE_BLOB_PATH", ""),

		RateLimitEnabled: boolVar("CM_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:     floatVar("CM_RATE_LIMIT_RPS", 5),
		RateLimitBurst:   intVar("CM_RATE_LIMIT_BURST", 10),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: boolVar("CM_OTEL_INSECURE", false),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "dnio-cm"),

		LogLevel:             envStr("CM_LOG_LEVEL", "info"),
		ActionPurgeInterval:  durVar("CM_ACTION_PURGE_INTERVAL", time.Minute),
		RouteRefreshInterval: durVar("CM_ROUTE_REFRESH_INTERVAL", 30*time.Second),
		BulkTimeout:          durVar("CM_BULK_TIMEOUT", 10*time.Minute),
		CipherWorkers:        intVar("CM_CIPHER_WORKERS", 0),
		ShutdownHTTPTimeout:  durVar("CM_SHUTDOWN_HTTP_TIMEOUT", 10*time.Second),
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("CM_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("CM_MAX_UPLOAD_BYTES must be positive"))
	}
	if c.HBFrequency <= 0 {
		errs = append(errs, errors.New("B2B_HB_FREQUENCY must be positive"))
	}
	if c.HBMissCount <= 0 {
		errs = append(errs, errors.New("B2B_HB_MISSED_COUNT must be positive"))
	}
	if c.EncryptionKey == "" {
		errs = append(errs, errors.New("ENCRYPTION_KEY is required"))
	}
	if c.Clustered && c.Namespace == "" {
		errs = append(errs, errors.New("DATA_STACK_NAMESPACE is required in clustered mode"))
	}
	switch c.BlobBackend {
	case "postgres":
	case "sqlite":
		if c.SQLiteBlobPath == "" {
			errs = append(errs, errors.New("CM_SQLITE_BLOB_PATH is required for the sqlite blob backend"))
		}
	case "s3":
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required for the s3 blob backend"))
		}
	case "azure":
		if c.AzureAccount == "" || c.AzureKey == "" || c.AzureContainer == "" {
			errs = append(errs, errors.New("AZURE_STORAGE_ACCOUNT, AZURE_STORAGE_KEY and AZURE_BLOB_CONTAINER are required for the azure blob backend"))
		}
	case "sftp":
		if c.SFTPHost == "" || c.SFTPUser == "" {
			errs = append(errs, errors.New("SFTP_HOST and SFTP_USER are required for the sftp blob backend"))
		}
		if c.SFTPPassword == "" && c.SFTPKeyPath == "" {
			errs = append(errs, errors.New("SFTP_PASSWORD or SFTP_KEY_PATH is required for the sftp blob backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("CM_BLOB_BACKEND=%q is not a known backend", c.BlobBackend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// secondsVar reads a duration that may be given as bare seconds ("10") or
// as a Go duration ("10s").
func secondsVar(collect func(error), key string, defaultVal time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := envDuration(key, defaultVal)
	collect(err)
	return d
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParseSize parses a byte size with an optional k or m suffix (binary
// multiples), e.g. "512", "64k", "1000m".
func ParseSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1024, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1024*1024, strings.TrimSuffix(s, "m")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

func envSize(key string, defaultVal int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := ParseSize(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid size", key, v)
	}
	return n, nil
}

// sizeDefault reads a legacy size variable, falling back to def when it is
// unset or malformed.
func sizeDefault(key string, def int64) int64 {
	n, err := envSize(key, def)
	if err != nil {
		return def
	}
	return n
}
