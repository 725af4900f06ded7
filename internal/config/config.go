package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gftdcojp/media-director/internal/types"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Director      DirectorConfig      `yaml:"director"`
	NATS          NATSConfig          `yaml:"nats"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Storages      []StorageConfig     `yaml:"storages"`
	Pools         []PoolConfig        `yaml:"pools"`
	Clients       []ClientConfig      `yaml:"clients"`
	Allocator     AllocatorConfig     `yaml:"allocator"`
	Prune         PruneConfig         `yaml:"prune"`
	Reader        ReaderConfig        `yaml:"reader"`
	Devices       []DeviceConfig      `yaml:"devices"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type DirectorConfig struct {
	Name string `yaml:"name"`
	// KeyEncryptionKey wraps generated volume encryption keys when set.
	KeyEncryptionKey string `yaml:"key_encryption_key"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig describes a storage daemon reachable over NATS.
type StorageConfig struct {
	Name          string   `yaml:"name"`
	Protocol      string   `yaml:"protocol"`
	Subject       string   `yaml:"subject"`
	Device        string   `yaml:"device"`
	MediaType     string   `yaml:"media_type"`
	Autochanger   bool     `yaml:"autochanger"`
	PairedStorage string   `yaml:"paired_storage"`
	LabelTimeout  Duration `yaml:"label_timeout"`
}

type PoolConfig struct {
	Name           string   `yaml:"name"`
	PoolType       string   `yaml:"pool_type"`
	Storage        string   `yaml:"storage"`
	LabelFormat    string   `yaml:"label_format"`
	MaxVols        int      `yaml:"max_volumes"`
	MaxVolBytes    ByteSize `yaml:"max_volume_bytes"`
	MaxVolJobs     int      `yaml:"max_volume_jobs"`
	MaxVolFiles    int      `yaml:"max_volume_files"`
	VolUseDuration Duration `yaml:"volume_use_duration"`
	VolRetention   Duration `yaml:"volume_retention"`
	JobRetention   Duration `yaml:"job_retention"`
	FileRetention  Duration `yaml:"file_retention"`

	Recycle              *bool `yaml:"recycle"`
	AutoPrune            *bool `yaml:"auto_prune"`
	UseVolumeOnce        bool  `yaml:"use_volume_once"`
	RecycleOldestVolume  bool  `yaml:"recycle_oldest_volume"`
	PurgeOldestVolume    bool  `yaml:"purge_oldest_volume"`
	RecycleCurrentVolume bool  `yaml:"recycle_current_volume"`
	EncryptVolumes       bool  `yaml:"encrypt_volumes"`

	RecyclePool  string   `yaml:"recycle_pool"`
	ScratchPool  string   `yaml:"scratch_pool"`
	MinBlocksize ByteSize `yaml:"minimum_block_size"`
	MaxBlocksize ByteSize `yaml:"maximum_block_size"`
}

// RecycleEnabled defaults to true when unset.
func (p *PoolConfig) RecycleEnabled() bool { return p.Recycle == nil || *p.Recycle }

// AutoPruneEnabled defaults to true when unset.
func (p *PoolConfig) AutoPruneEnabled() bool { return p.AutoPrune == nil || *p.AutoPrune }

type ClientConfig struct {
	Name          string   `yaml:"name"`
	AutoPrune     *bool    `yaml:"auto_prune"`
	JobRetention  Duration `yaml:"job_retention"`
	FileRetention Duration `yaml:"file_retention"`
}

func (c *ClientConfig) AutoPruneEnabled() bool { return c.AutoPrune == nil || *c.AutoPrune }

type AllocatorConfig struct {
	// MaxRetries bounds the restart loop when a chosen Append volume turns out expired.
	MaxRetries int  `yaml:"max_retries"`
	Create     bool `yaml:"create"`
	Prune      bool `yaml:"prune"`
}

type PruneConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
}

type ReaderConfig struct {
	ForgeOn           bool     `yaml:"forge_on"`
	IgnoreLabelErrors bool     `yaml:"ignore_label_errors"`
	Translations      []string `yaml:"translations"`
}

type DeviceConfig struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	MediaType    string   `yaml:"media_type"`
	ArchiveDir   string   `yaml:"archive_dir"`
	MaxBlockSize ByteSize `yaml:"maximum_block_size"`
	S3           S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

type APIConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Listen        string              `yaml:"listen"`
	NATSResponder NATSResponderConfig `yaml:"nats_responder"`
}

type NATSResponderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Director.Name == "" {
		return fmt.Errorf("director.name is required")
	}

	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is required")
	}

	if c.Allocator.MaxRetries <= 0 {
		return fmt.Errorf("allocator.max_retries must be > 0")
	}

	storages := make(map[string]bool)
	for i, sc := range c.Storages {
		if sc.Name == "" {
			return fmt.Errorf("storages[%d].name is required", i)
		}
		if storages[sc.Name] {
			return fmt.Errorf("storages[%d]: duplicate storage %q", i, sc.Name)
		}
		storages[sc.Name] = true
		if _, ok := types.ParseStorageProtocol(sc.Protocol); !ok {
			return fmt.Errorf("storages[%d] (%s): unknown protocol %q", i, sc.Name, sc.Protocol)
		}
	}
	for i, sc := range c.Storages {
		if sc.PairedStorage != "" && !storages[sc.PairedStorage] {
			return fmt.Errorf("storages[%d] (%s): paired_storage %q is not configured", i, sc.Name, sc.PairedStorage)
		}
	}

	pools := make(map[string]bool)
	for i, pc := range c.Pools {
		if pc.Name == "" {
			return fmt.Errorf("pools[%d].name is required", i)
		}
		if pools[pc.Name] {
			return fmt.Errorf("pools[%d]: duplicate pool %q", i, pc.Name)
		}
		pools[pc.Name] = true
		if pc.MaxVols < 0 || pc.MaxVolJobs < 0 || pc.MaxVolFiles < 0 {
			return fmt.Errorf("pools[%d] (%s): volume limits must be >= 0", i, pc.Name)
		}
		if pc.MinBlocksize > 0 && pc.MaxBlocksize > 0 && pc.MinBlocksize > pc.MaxBlocksize {
			return fmt.Errorf("pools[%d] (%s): minimum_block_size exceeds maximum_block_size", i, pc.Name)
		}
		if pc.Storage != "" && !storages[pc.Storage] {
			return fmt.Errorf("pools[%d] (%s): storage %q is not configured", i, pc.Name, pc.Storage)
		}
	}
	// Recycle pool references are weak ids; cycles are not rejected.
	for i, pc := range c.Pools {
		if pc.RecyclePool != "" && !pools[pc.RecyclePool] {
			return fmt.Errorf("pools[%d] (%s): recycle_pool %q is not configured", i, pc.Name, pc.RecyclePool)
		}
		if pc.ScratchPool != "" && !pools[pc.ScratchPool] {
			return fmt.Errorf("pools[%d] (%s): scratch_pool %q is not configured", i, pc.Name, pc.ScratchPool)
		}
	}

	clients := make(map[string]bool)
	for i, cc := range c.Clients {
		if cc.Name == "" {
			return fmt.Errorf("clients[%d].name is required", i)
		}
		if clients[cc.Name] {
			return fmt.Errorf("clients[%d]: duplicate client %q", i, cc.Name)
		}
		clients[cc.Name] = true
	}

	for i, dc := range c.Devices {
		if dc.Name == "" {
			return fmt.Errorf("devices[%d].name is required", i)
		}
		switch dc.Type {
		case "memory":
		case "file":
			if dc.ArchiveDir == "" {
				return fmt.Errorf("devices[%d] (%s): file device requires archive_dir", i, dc.Name)
			}
		case "s3":
			if dc.S3.Bucket == "" {
				return fmt.Errorf("devices[%d] (%s): s3 device requires bucket", i, dc.Name)
			}
		default:
			return fmt.Errorf("devices[%d] (%s): unknown device type %q", i, dc.Name, dc.Type)
		}
	}

	for _, name := range c.Reader.Translations {
		switch name {
		case "zstd", "s2":
		default:
			return fmt.Errorf("reader.translations: unknown translation %q", name)
		}
	}

	if c.Prune.Enabled && c.Prune.Interval <= 0 {
		return fmt.Errorf("prune.interval must be > 0")
	}

	return nil
}

// Pool returns the named pool configuration.
func (c *Config) Pool(name string) (*PoolConfig, bool) {
	for i := range c.Pools {
		if c.Pools[i].Name == name {
			return &c.Pools[i], true
		}
	}
	return nil, false
}

// Storage returns the named storage configuration.
func (c *Config) Storage(name string) (*StorageConfig, bool) {
	for i := range c.Storages {
		if c.Storages[i].Name == name {
			return &c.Storages[i], true
		}
	}
	return nil, false
}

// Device returns the named device configuration.
func (c *Config) Device(name string) (*DeviceConfig, bool) {
	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i], true
		}
	}
	return nil, false
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
// Retention periods may also use the d (day), w (week) and y (365 days) suffixes.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := parseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if parsed, err := time.ParseDuration(s); err == nil {
		return parsed, nil
	}
	if len(s) < 2 {
		return 0, fmt.Errorf("unknown unit")
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	case 'y':
		unit = 365 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown unit")
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s[:len(s)-1]), 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(n * float64(unit)), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
