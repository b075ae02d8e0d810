// Package config loads hybridvault configuration from defaults, an optional
// YAML file, and HYBRIDVAULT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix (HYBRIDVAULT_GIT_ROOT, ...).
const EnvPrefix = "HYBRIDVAULT"

// Config is passed explicitly into every constructor.
type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Git    GitConfig    `mapstructure:"git"`
	S3     S3Config     `mapstructure:"s3"`
	Router RouterConfig `mapstructure:"router"`
	Lock   LockConfig   `mapstructure:"lock"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// GitConfig configures the version-control backend.
type GitConfig struct {
	Root           string        `mapstructure:"root"`
	Backend        string        `mapstructure:"backend"` // exec or gogit
	Binary         string        `mapstructure:"binary"`
	DefaultBranch  string        `mapstructure:"default_branch"`
	AuthorName     string        `mapstructure:"author_name"`
	AuthorEmail    string        `mapstructure:"author_email"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// S3Config configures the object backend.
type S3Config struct {
	Endpoint       string        `mapstructure:"endpoint"`
	Region         string        `mapstructure:"region"`
	AccessKey      string        `mapstructure:"access_key"`
	SecretKey      string        `mapstructure:"secret_key"`
	Bucket         string        `mapstructure:"bucket"`
	BucketPrefix   string        `mapstructure:"bucket_prefix"`
	UsePathStyle   bool          `mapstructure:"use_path_style"`
	Versioning     bool          `mapstructure:"versioning"`
	SSE            string        `mapstructure:"sse"`
	KMSKeyID       string        `mapstructure:"kms_key_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	MaxKeys        int           `mapstructure:"max_keys"`
}

// RouterConfig configures hybrid routing.
type RouterConfig struct {
	LargeFileThreshold int64         `mapstructure:"large_file_threshold"`
	BackupThreshold    int64         `mapstructure:"backup_threshold"`
	TextExtensions     []string      `mapstructure:"text_extensions"`
	BinaryExtensions   []string      `mapstructure:"binary_extensions"`
	BackupPatterns     []string      `mapstructure:"backup_patterns"`
	AsyncBackup        bool          `mapstructure:"async_backup"`
	BackupTimeout      time.Duration `mapstructure:"backup_timeout"`
}

// LockConfig configures per-repository locking.
type LockConfig struct {
	Backend     string        `mapstructure:"backend"` // local or redis
	RedisURL    string        `mapstructure:"redis_url"`
	TTL         time.Duration `mapstructure:"ttl"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

// DefaultTextExtensions routes to the version-control backend.
var DefaultTextExtensions = []string{
	".txt", ".md", ".markdown", ".rst", ".ipynb", ".py", ".r", ".jl", ".go", ".rs",
	".js", ".jsx", ".ts", ".tsx", ".java", ".c", ".h", ".cpp", ".hpp", ".cs", ".rb",
	".php", ".swift", ".kt", ".scala", ".sh", ".sql", ".json", ".yaml", ".yml",
	".toml", ".ini", ".cfg", ".xml", ".html", ".css", ".scss", ".csv", ".tex",
}

// DefaultBinaryExtensions routes to the object backend.
var DefaultBinaryExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tiff", ".webp", ".svgz", ".ico",
	".mp3", ".wav", ".flac", ".ogg", ".mp4", ".mov", ".avi", ".mkv", ".webm",
	".zip", ".tar", ".gz", ".tgz", ".bz2", ".xz", ".7z", ".rar",
	".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
	".parquet", ".feather", ".arrow", ".h5", ".hdf5", ".npy", ".npz", ".pkl",
	".pt", ".pth", ".onnx", ".bin", ".exe", ".dll", ".so", ".dylib", ".iso",
}

// DefaultBackupPatterns are gitignore-style patterns of important documents.
var DefaultBackupPatterns = []string{"*.ipynb", "*.md", "*README*"}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("git.root", filepath.Join(home, ".hybridvault", "repos"))
	v.SetDefault("git.backend", "exec")
	v.SetDefault("git.binary", "git")
	v.SetDefault("git.default_branch", "main")
	v.SetDefault("git.author_name", "hybridvault")
	v.SetDefault("git.author_email", "system@hybridvault.local")
	v.SetDefault("git.command_timeout", 5*time.Minute)

	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.bucket_prefix", "hybridvault")
	v.SetDefault("s3.use_path_style", true)
	v.SetDefault("s3.versioning", true)
	v.SetDefault("s3.sse", "")
	v.SetDefault("s3.request_timeout", 60*time.Second)
	v.SetDefault("s3.max_attempts", 3)
	v.SetDefault("s3.max_keys", 1000)

	v.SetDefault("router.large_file_threshold", int64(10*1024*1024))
	v.SetDefault("router.backup_threshold", int64(1024*1024))
	v.SetDefault("router.text_extensions", DefaultTextExtensions)
	v.SetDefault("router.binary_extensions", DefaultBinaryExtensions)
	v.SetDefault("router.backup_patterns", DefaultBackupPatterns)
	v.SetDefault("router.async_backup", false)
	v.SetDefault("router.backup_timeout", 2*time.Minute)

	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.redis_url", "redis://localhost:6379/0")
	v.SetDefault("lock.ttl", 2*time.Minute)
	v.SetDefault("lock.wait_timeout", 30*time.Second)
}

// Load reads configuration. cfgFile is optional; without it ./hybridvault.yaml
// and $HOME/.hybridvault/config.yaml are searched, and a missing file is not
// an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.SetConfigName("hybridvault")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".hybridvault"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Git.Backend {
	case "exec", "gogit":
	default:
		return fmt.Errorf("git.backend must be exec or gogit, got %q", c.Git.Backend)
	}
	if c.Git.Root == "" {
		return fmt.Errorf("git.root is required")
	}
	switch c.Lock.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("lock.backend must be local or redis, got %q", c.Lock.Backend)
	}
	switch c.S3.SSE {
	case "", "AES256", "aws:kms":
	default:
		return fmt.Errorf("s3.sse must be empty, AES256 or aws:kms, got %q", c.S3.SSE)
	}
	if c.Router.LargeFileThreshold <= 0 || c.Router.BackupThreshold <= 0 {
		return fmt.Errorf("router thresholds must be positive")
	}
	if c.Router.BackupThreshold > c.Router.LargeFileThreshold {
		return fmt.Errorf("router.backup_threshold (%d) exceeds router.large_file_threshold (%d)",
			c.Router.BackupThreshold, c.Router.LargeFileThreshold)
	}
	return nil
}
