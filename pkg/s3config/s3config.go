// Package s3config loads the transport's configuration the way the
// reference implementation loads its top-level config: environment
// variables bound through viper, an optional YAML file, defaults filling
// whatever neither supplies. See Config for the full option set.
package s3config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/objfs/s3transport/internal/bytesize"
)

// HostMode selects between the legacy cache-only path and the streaming
// transport, mirroring the original plugin's HOST_MODE resource setting.
// pkg/transport does not read it; its mode selection depends only on the
// open flags and the object size.
type HostMode string

const (
	// HostModeArchiveAttached runs cache-mode only: every write lands on a
	// local staging file first and is flushed to S3 on close.
	HostModeArchiveAttached HostMode = "archive_attached"

	// HostModeCachelessAttached streams directly to/from S3 but still
	// allows cache-mode fallback when the open flags require it.
	HostModeCachelessAttached HostMode = "cacheless_attached"

	// HostModeCachelessDetached forces streaming mode unconditionally.
	HostModeCachelessDetached HostMode = "cacheless_detached"
)

// ArchiveNamingPolicy controls how a physical S3 key is derived from a data
// object's logical path.
type ArchiveNamingPolicy string

const (
	// NamingConsistent uses the logical path as the S3 key verbatim.
	NamingConsistent ArchiveNamingPolicy = "consistent"

	// NamingDecoupled rewrites the physical path to include a reversed
	// data-id component, decoupling the S3 key from the logical path.
	NamingDecoupled ArchiveNamingPolicy = "decoupled"
)

// URIRequestStyle controls how bucket and key are encoded in the request URI.
type URIRequestStyle string

const (
	URIStylePath        URIRequestStyle = "path"
	URIStyleVirtual     URIRequestStyle = "virtual"
	URIStyleHost        URIRequestStyle = "host"
	URIStyleVirtualHost URIRequestStyle = "virtualhost"
)

// StsDate controls which date header(s) are signed into the request.
type StsDate string

const (
	StsDateAmz  StsDate = "amz"
	StsDateDate StsDate = "date"
	StsDateBoth StsDate = "both"
)

// RestorationTier is the Glacier restore speed tier.
type RestorationTier string

const (
	RestorationStandard  RestorationTier = "Standard"
	RestorationBulk      RestorationTier = "Bulk"
	RestorationExpedited RestorationTier = "Expedited"
)

// Config is the full set of options the transport is configured with. Field
// names follow the original resource-plugin context-string keys via
// mapstructure/yaml tags so an operator moving a deployment over keeps the
// same mental model, just spelled as YAML or S3_*-prefixed env vars instead
// of a iRODS resource context string.
//
// HostMode, NamingPolicy, StsDate, EnableMD5, RequestTimeout,
// RestorationDays, RestorationTier and EnableCopyObject are loaded and
// validated, but pkg/transport does not read them: the effects their field
// comments describe are not applied by this module.
type Config struct {
	// Endpoints is the comma-separated endpoint list from S3_DEFAULT_HOSTNAME.
	// A per-operation hostname is chosen round-robin starting from a
	// randomized index (see pkg/transport's endpoint rotation).
	Endpoints []string `mapstructure:"endpoints" validate:"required,min=1" yaml:"endpoints"`

	// AccessKeyID and SecretAccessKey are read from the environment first;
	// when empty, AuthFile is consulted instead (S3_AUTH_FILE: two lines,
	// access key then secret key).
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	AuthFile        string `mapstructure:"auth_file" yaml:"auth_file,omitempty"`

	// Region is the signing region. Default us-east-1.
	Region string `mapstructure:"region" yaml:"region"`

	// UseHTTPS selects http vs https (S3_PROTO). Default true.
	UseHTTPS bool `mapstructure:"use_https" yaml:"use_https"`

	// StsDate selects which date header(s) get signed.
	StsDate StsDate `mapstructure:"sts_date" validate:"omitempty,oneof=amz date both" yaml:"sts_date"`

	// URIStyle selects path vs virtual-hosted addressing.
	URIStyle URIRequestStyle `mapstructure:"uri_style" validate:"omitempty,oneof=path virtual host virtualhost" yaml:"uri_style"`

	// MPUChunkSize is the multipart part size (S3_MPU_CHUNK). Must be at
	// least 5MiB and at most MaxUploadSize.
	MPUChunkSize bytesize.ByteSize `mapstructure:"mpu_chunk_size" yaml:"mpu_chunk_size"`

	// MaxUploadSize is the largest single object this transport will write
	// (S3_MAX_UPLOAD_SIZE). Default 5GiB, hard ceiling 5TiB.
	MaxUploadSize bytesize.ByteSize `mapstructure:"max_upload_size" yaml:"max_upload_size"`

	// MPUThreads is the worker pool size for cache-mode flush and parallel
	// download (S3_MPU_THREADS). 1-100, default 10.
	MPUThreads int `mapstructure:"mpu_threads" validate:"omitempty,min=1,max=100" yaml:"mpu_threads"`

	// EnableMPU disables multipart upload when false, forcing a single PUT.
	EnableMPU bool `mapstructure:"enable_mpu" yaml:"enable_mpu"`

	// EnableMD5 turns on per-part Content-MD5. Informational only; the
	// transport does not yet verify it against the returned ETag.
	EnableMD5 bool `mapstructure:"enable_md5" yaml:"enable_md5"`

	// ServerSideEncrypt requests SSE on single-part PUT only, matching the
	// original plugin's restriction (multipart uploads never request it).
	ServerSideEncrypt bool `mapstructure:"server_side_encrypt" yaml:"server_side_encrypt"`

	// RetryCount, WaitTime and MaxWaitTime drive the exponential backoff
	// retry policy (S3_RETRY_COUNT, S3_WAIT_TIME_SECONDS, S3_MAX_WAIT_TIME_SECONDS).
	RetryCount  int           `mapstructure:"retry_count" validate:"omitempty,min=0" yaml:"retry_count"`
	WaitTime    time.Duration `mapstructure:"wait_time" yaml:"wait_time"`
	MaxWaitTime time.Duration `mapstructure:"max_wait_time" yaml:"max_wait_time"`

	// CircularBufferSize is the ring buffer capacity as a multiple of
	// MPUChunkSize; minimum 2.
	CircularBufferSize int `mapstructure:"circular_buffer_size" validate:"omitempty,min=2" yaml:"circular_buffer_size"`

	// CircularBufferTimeout bounds how long the upload worker waits for data
	// in the ring buffer, and a writer waits for free capacity, before giving
	// up (default 180s).
	CircularBufferTimeout time.Duration `mapstructure:"circular_buffer_timeout" yaml:"circular_buffer_timeout"`

	// RequestTimeout bounds a single S3 request end to end
	// (S3_NON_DATA_TRANSFER_TIMEOUT_SECONDS). Default 300s.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// CacheDir is the root directory for cache-mode staging files
	// (S3_CACHE_DIR); a subdirectory per resource/bucket is created beneath it.
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir,omitempty"`

	// HostMode selects streaming vs cache-only behavior.
	HostMode HostMode `mapstructure:"host_mode" validate:"omitempty,oneof=archive_attached cacheless_attached cacheless_detached" yaml:"host_mode"`

	// NamingPolicy controls how logical paths map to S3 keys.
	NamingPolicy ArchiveNamingPolicy `mapstructure:"naming_policy" validate:"omitempty,oneof=consistent decoupled" yaml:"naming_policy"`

	// RestorationDays and RestorationTier parameterize RestoreObject calls
	// against archived (Glacier-class) objects.
	RestorationDays int             `mapstructure:"restoration_days" validate:"omitempty,min=1" yaml:"restoration_days"`
	RestorationTier RestorationTier `mapstructure:"restoration_tier" validate:"omitempty,oneof=Standard Bulk Expedited" yaml:"restoration_tier"`

	// EnableCopyObject allows rename to use a server-side CopyObject
	// instead of a stream-through copy. Default true.
	EnableCopyObject bool `mapstructure:"enable_copyobject" yaml:"enable_copyobject"`

	// Logging controls the internal/logger output.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics controls Prometheus metrics collection.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Coordinator controls the mmap-backed cross-process coordination file.
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
}

// LoggingConfig controls internal/logger's behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry span export.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
}

// MetricsConfig controls whether Prometheus metrics are collected.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// CoordinatorConfig controls the mmap-backed cross-process coordination file
// that stands in for the original plugin's POSIX shared-memory segment.
type CoordinatorConfig struct {
	// Dir is the directory coordination files are created in, one file per
	// key hash, matching the original's per-object shared-memory segment.
	Dir string `mapstructure:"dir" validate:"required" yaml:"dir"`

	// StaleAfter is how long a coordination record can go without a
	// liveness touch before a new opener assumes its owner died mid-upload
	// and reclaims it.
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
}

var validate = validator.New()

// ResolveCredentials returns the access key and secret key to sign requests
// with: the explicit fields if set, else the two-line AuthFile (access key
// on the first line, secret key on the second), matching S3_AUTH_FILE's
// documented format.
func (c *Config) ResolveCredentials() (string, string, error) {
	if c.AccessKeyID != "" || c.SecretAccessKey != "" {
		return c.AccessKeyID, c.SecretAccessKey, nil
	}
	if c.AuthFile == "" {
		return "", "", fmt.Errorf("no access_key_id/secret_access_key and no auth_file configured")
	}

	data, err := os.ReadFile(c.AuthFile)
	if err != nil {
		return "", "", fmt.Errorf("read auth file %s: %w", c.AuthFile, err)
	}
	lines := strings.SplitN(strings.TrimRight(string(data), "\n"), "\n", 2)
	if len(lines) != 2 {
		return "", "", fmt.Errorf("auth file %s: expected two lines (access key, secret key)", c.AuthFile)
	}
	return strings.TrimSpace(lines[0]), strings.TrimSpace(lines[1]), nil
}

// Load reads configuration from an optional YAML file, environment
// variables (S3_* prefix, plus the legacy unprefixed names documented on
// each field above), and fills in defaults. configPath may be empty, in
// which case only environment and defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns a Config populated with the original plugin's documented
// defaults.
func Default() *Config {
	return &Config{
		Region:                "us-east-1",
		UseHTTPS:              true,
		StsDate:               StsDateAmz,
		URIStyle:              URIStylePath,
		MPUChunkSize:          5 * bytesize.MiB,
		MaxUploadSize:         5 * bytesize.GiB,
		MPUThreads:            10,
		EnableMPU:             true,
		RetryCount:            3,
		WaitTime:              3 * time.Second,
		MaxWaitTime:           30 * time.Second,
		CircularBufferSize:    4,
		CircularBufferTimeout: 180 * time.Second,
		RequestTimeout:        300 * time.Second,
		HostMode:              HostModeCachelessAttached,
		NamingPolicy:          NamingConsistent,
		RestorationDays:       1,
		RestorationTier:       RestorationStandard,
		EnableCopyObject:      true,
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "s3transport",
			SampleRate:  1.0,
		},
		Coordinator: CoordinatorConfig{
			Dir:        filepath.Join(os.TempDir(), "s3transport-coord"),
			StaleAfter: 5 * time.Minute,
		},
	}
}

// Validate checks structural invariants beyond what validator tags express:
// part-size bounds, max-upload bounds and the auth-file/env credential rule.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if cfg.AccessKeyID == "" && cfg.SecretAccessKey == "" && cfg.AuthFile == "" {
		return fmt.Errorf("no credentials: set access_key_id/secret_access_key, auth_file, or the environment")
	}

	minPart := bytesize.ByteSize(5 * bytesize.MiB)
	if cfg.MPUChunkSize != 0 && cfg.MPUChunkSize < minPart {
		return fmt.Errorf("mpu_chunk_size %s is below the S3 minimum part size of 5MiB", cfg.MPUChunkSize)
	}
	if cfg.MPUChunkSize > cfg.MaxUploadSize {
		return fmt.Errorf("mpu_chunk_size %s exceeds max_upload_size %s", cfg.MPUChunkSize, cfg.MaxUploadSize)
	}
	maxAllowed := bytesize.ByteSize(5 * bytesize.TiB)
	if cfg.MaxUploadSize > maxAllowed {
		return fmt.Errorf("max_upload_size %s exceeds the S3 ceiling of 5TiB", cfg.MaxUploadSize)
	}

	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("S3")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("s3transport")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	return true, nil
}

// applyEnvOverrides layers the original plugin's unprefixed context-string
// env var names (S3_MPU_CHUNK, HOST_MODE, ...) on top of whatever viper
// already resolved, so deployments carrying over their original environment
// need no translation.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("S3_DEFAULT_HOSTNAME"); v != "" {
		cfg.Endpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("S3_ACCESS_KEY_ID"); v != "" {
		cfg.AccessKeyID = v
	}
	if v := os.Getenv("S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.SecretAccessKey = v
	}
	if v := os.Getenv("S3_AUTH_FILE"); v != "" {
		cfg.AuthFile = v
	}
	if v := os.Getenv("S3_REGIONNAME"); v != "" {
		cfg.Region = v
	}
	if v := os.Getenv("S3_PROTO"); v != "" {
		cfg.UseHTTPS = strings.EqualFold(v, "https")
	}
	if v := os.Getenv("S3_MPU_CHUNK"); v != "" {
		if sz, err := bytesize.ParseByteSize(v); err == nil {
			cfg.MPUChunkSize = sz
		}
	}
	if v := os.Getenv("S3_MAX_UPLOAD_SIZE"); v != "" {
		if sz, err := bytesize.ParseByteSize(v); err == nil {
			cfg.MaxUploadSize = sz
		}
	}
	if v := os.Getenv("CIRCULAR_BUFFER_SIZE"); v != "" {
		if sz, err := bytesize.ParseByteSize(v); err == nil {
			cfg.CircularBufferSize = int(sz)
		}
	}
	if n, err := strconv.Atoi(os.Getenv("S3_RETRY_COUNT")); err == nil {
		cfg.RetryCount = n
	}
	if n, err := strconv.Atoi(os.Getenv("S3_WAIT_TIME_SECONDS")); err == nil {
		cfg.WaitTime = time.Duration(n) * time.Second
	}
	if n, err := strconv.Atoi(os.Getenv("S3_MAX_WAIT_TIME_SECONDS")); err == nil {
		cfg.MaxWaitTime = time.Duration(n) * time.Second
	}
	if n, err := strconv.Atoi(os.Getenv("S3_NON_DATA_TRANSFER_TIMEOUT_SECONDS")); err == nil {
		cfg.RequestTimeout = time.Duration(n) * time.Second
	}
	if v := os.Getenv("HOST_MODE"); v != "" {
		cfg.HostMode = HostMode(v)
	}
	if v := os.Getenv("ARCHIVE_NAMING_POLICY"); v != "" {
		cfg.NamingPolicy = ArchiveNamingPolicy(v)
	}
	if v := os.Getenv("S3_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
}

// decodeHooks composes the ByteSize and time.Duration mapstructure decode
// hooks so YAML fields can use human-readable sizes and durations.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v) * time.Second, nil
		default:
			return data, nil
		}
	}
}

// SaveConfig writes cfg to path as YAML, matching the teacher's
// config-dump tooling used for 'init'-style bootstrap commands.
func SaveConfig(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
