package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"drivepulse/internal/common"
)

const (
	DriverJSON     = "json"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	MinBufferSize = 8 << 10
	MaxBufferSize = 1 << 20
)

// Config is intentionally small and JSON/YAML friendly.
// Every key can also be set through DRIVEPULSE_<KEY> env vars, with dots
// replaced by underscores (DRIVEPULSE_UPLOAD_STRICT_OFFSETS=true).
type Config struct {
	// Addr is the listen address.
	Addr string `json:"addr" mapstructure:"addr"`

	// StorageRoot holds one directory per user; each has a mandatory Home
	// subdirectory that is the user's sandbox.
	StorageRoot string `json:"storageRoot" mapstructure:"storage_root"`

	// StateDir stores the credential/share databases, thumbnails and logs.
	// Default: <dir of storage_root>/state
	StateDir string `json:"stateDir" mapstructure:"state_dir"`

	// QuotaBytes is the per-user quota shown next to listings.
	QuotaBytes int64 `json:"quotaBytes" mapstructure:"quota_bytes"`

	// ShareTTL is how long a share link stays redeemable.
	ShareTTL time.Duration `json:"shareTTL" mapstructure:"share_ttl"`

	// PublicURL prefixes generated share links ("" keeps them relative).
	PublicURL string `json:"publicURL" mapstructure:"public_url"`

	// WebDAV mounts each user's sandbox under /dav/.
	WebDAV bool `json:"webdav" mapstructure:"webdav"`

	Session     Session     `json:"session" mapstructure:"session"`
	DB          DB          `json:"db" mapstructure:"db"`
	Upload      Upload      `json:"upload" mapstructure:"upload"`
	Maintenance Maintenance `json:"maintenance" mapstructure:"maintenance"`
	Log         Log         `json:"log" mapstructure:"log"`
}

type Session struct {
	// Secret signs session JWTs. Empty means a random per-process secret,
	// so sessions do not survive restarts.
	Secret string        `json:"secret" mapstructure:"secret"`
	TTL    time.Duration `json:"ttl" mapstructure:"ttl"`
	Secure bool          `json:"secure" mapstructure:"secure"`
}

type DB struct {
	// Driver is one of json, sqlite, postgres.
	Driver string `json:"driver" mapstructure:"driver"`
	// DSN is a file path (sqlite), a postgres URL, or the directory holding
	// users.json/shares.json (json). Defaults depend on Driver.
	DSN string `json:"dsn" mapstructure:"dsn"`
}

type Upload struct {
	// BufferSize is the copy buffer per transfer call, clamped to 8KiB..1MiB.
	BufferSize int `json:"bufferSize" mapstructure:"buffer_size"`
	// MaxChunkBytes caps a single chunk body.
	MaxChunkBytes int64 `json:"maxChunkBytes" mapstructure:"max_chunk_bytes"`
	// StrictOffsets rejects a chunk whose offset differs from the bytes
	// already staged for that destination.
	StrictOffsets bool `json:"strictOffsets" mapstructure:"strict_offsets"`
	// BlockedExtensions are refused at upload time (".exe", "php").
	BlockedExtensions []string `json:"blockedExtensions" mapstructure:"blocked_extensions"`
	// StaleAfter is the age after which unfinished uploads are reclaimed.
	StaleAfter time.Duration `json:"staleAfter" mapstructure:"stale_after"`
}

type Maintenance struct {
	// Schedule is a cron spec; empty disables the scheduler.
	Schedule string `json:"schedule" mapstructure:"schedule"`
}

type Log struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"`
}

// SetDefaults registers every key so env overrides work with Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", "0.0.0.0:8080")
	v.SetDefault("storage_root", "./data/users")
	v.SetDefault("state_dir", "")
	v.SetDefault("quota_bytes", int64(10)<<30)
	v.SetDefault("share_ttl", 24*time.Hour)
	v.SetDefault("public_url", "")
	v.SetDefault("webdav", true)

	v.SetDefault("session.secret", "")
	v.SetDefault("session.ttl", 12*time.Hour)
	v.SetDefault("session.secure", false)

	v.SetDefault("db.driver", DriverJSON)
	v.SetDefault("db.dsn", "")

	v.SetDefault("upload.buffer_size", MaxBufferSize)
	v.SetDefault("upload.max_chunk_bytes", int64(64)<<20)
	v.SetDefault("upload.strict_offsets", false)
	v.SetDefault("upload.blocked_extensions", []string{})
	v.SetDefault("upload.stale_after", 48*time.Hour)

	v.SetDefault("maintenance.schedule", "@hourly")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads defaults, an optional config file, and DRIVEPULSE_* env vars into
// a normalized Config. An explicit cfgFile must exist; otherwise
// drivepulse.{yaml,json} is looked up in ., $HOME/.drivepulse, /etc/drivepulse.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("DRIVEPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", common.ErrConfiguration, cfgFile, err)
		}
	} else {
		v.SetConfigName("drivepulse")
		for _, p := range []string{".", "$HOME/.drivepulse", "/etc/drivepulse"} {
			v.AddConfigPath(os.ExpandEnv(p))
		}
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return Config{}, fmt.Errorf("%w: %v", common.ErrConfiguration, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode: %v", common.ErrConfiguration, err)
	}
	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize fills derived defaults, makes paths absolute and validates.
func (c *Config) Normalize() error {
	if strings.TrimSpace(c.StorageRoot) == "" {
		return fmt.Errorf("%w: storage_root is required", common.ErrConfiguration)
	}
	abs, err := filepath.Abs(c.StorageRoot)
	if err != nil {
		return fmt.Errorf("%w: abs storage_root: %v", common.ErrConfiguration, err)
	}
	c.StorageRoot = abs
	if c.StateDir == "" {
		c.StateDir = filepath.Join(filepath.Dir(abs), "state")
	}
	if c.StateDir, err = filepath.Abs(c.StateDir); err != nil {
		return fmt.Errorf("%w: abs state_dir: %v", common.ErrConfiguration, err)
	}

	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	switch c.DB.Driver {
	case DriverJSON:
		if c.DB.DSN == "" {
			c.DB.DSN = c.StateDir
		}
	case DriverSQLite:
		if c.DB.DSN == "" {
			c.DB.DSN = filepath.Join(c.StateDir, "drivepulse.db")
		}
	case DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("%w: db.dsn is required for postgres", common.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown db.driver %q", common.ErrConfiguration, c.DB.Driver)
	}

	if c.Upload.BufferSize < MinBufferSize {
		c.Upload.BufferSize = MinBufferSize
	}
	if c.Upload.BufferSize > MaxBufferSize {
		c.Upload.BufferSize = MaxBufferSize
	}
	for i, ext := range c.Upload.BlockedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Upload.BlockedExtensions[i] = ext
	}

	if c.QuotaBytes <= 0 {
		return fmt.Errorf("%w: quota_bytes must be positive", common.ErrConfiguration)
	}
	if c.ShareTTL <= 0 {
		return fmt.Errorf("%w: share_ttl must be positive", common.ErrConfiguration)
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = 12 * time.Hour
	}
	if c.Session.Secret == "" {
		s, err := common.MakeRandHexString(32)
		if err != nil {
			return fmt.Errorf("%w: session secret: %v", common.ErrConfiguration, err)
		}
		c.Session.Secret = s
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	return nil
}
