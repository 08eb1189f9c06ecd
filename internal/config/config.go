package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when no --conf flag is given.
const DefaultPath = "/etc/gatekeeper.conf.yml"

// Cache backends.
const (
	CacheFile  = "file"
	CacheRedis = "redis"
	CacheNone  = "none"
)

// Config holds the file and environment based configuration.
type Config struct {
	DeviceHostname string        `yaml:"device_hostname"`
	DevicePort     int           `yaml:"device_port"`
	DeviceUser     string        `yaml:"device_user"`
	DevicePassword string        `yaml:"device_password"`
	DeviceEnable   string        `yaml:"device_enable"`
	KnownHostsFile string        `yaml:"known_hosts_file"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`

	LockFile       string        `yaml:"lock_file"`
	LockRetries    int           `yaml:"lock_retries"`
	LockRetryDelay time.Duration `yaml:"lock_retry_delay"`

	CacheBackend string        `yaml:"cache_backend"`
	CacheFile    string        `yaml:"cache_file"`
	RedisAddr    string        `yaml:"redis_addr"`
	RedisPass    string        `yaml:"redis_password"`
	RedisDB      int           `yaml:"redis_db"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`

	ServerEndpoint string        `yaml:"server_endpoint"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	NotifyEnabled bool   `yaml:"notify_enabled"`
	NotifyURL     string `yaml:"notify_url"`

	LogFilePath string `yaml:"log_file"`
	LogLevel    string `yaml:"log_level"`
}

// Default returns the configuration used before the file and environment
// are applied.
func Default() Config {
	return Config{
		DevicePort:     22,
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 30 * time.Second,
		MaxAttempts:    3,
		LockFile:       "/var/run/gatekeeper.lock",
		LockRetries:    1,
		LockRetryDelay: time.Second,
		CacheBackend:   CacheFile,
		CacheFile:      "/var/cache/gatekeeper/sessions.json",
		RedisAddr:      "localhost:6379",
		CacheTTL:       24 * time.Hour,
		PublishTimeout: 15 * time.Second,
	}
}

// Load reads the configuration like Read and validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Read reads the YAML file at path and applies GATEKEEPER_* environment
// overrides without validating. A missing file is only tolerated for
// DefaultPath.
func Read(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			if !(errors.Is(err, os.ErrNotExist) && path == DefaultPath) {
				return cfg, err
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening configuration: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("error parsing configuration %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DeviceHostname = getEnv("GATEKEEPER_DEVICE_HOSTNAME", c.DeviceHostname)
	c.DeviceUser = getEnv("GATEKEEPER_DEVICE_USER", c.DeviceUser)
	c.DevicePassword = getEnv("GATEKEEPER_DEVICE_PASSWORD", c.DevicePassword)
	c.DeviceEnable = getEnv("GATEKEEPER_DEVICE_ENABLE", c.DeviceEnable)
	c.KnownHostsFile = getEnv("GATEKEEPER_KNOWN_HOSTS_FILE", c.KnownHostsFile)
	c.LockFile = getEnv("GATEKEEPER_LOCK_FILE", c.LockFile)
	c.CacheBackend = getEnv("GATEKEEPER_CACHE_BACKEND", c.CacheBackend)
	c.CacheFile = getEnv("GATEKEEPER_CACHE_FILE", c.CacheFile)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPass = getEnv("REDIS_PASSWORD", c.RedisPass)
	c.ServerEndpoint = getEnv("GATEKEEPER_SERVER_ENDPOINT", c.ServerEndpoint)
	c.NotifyURL = getEnv("GATEKEEPER_NOTIFY_URL", c.NotifyURL)
	c.LogFilePath = getEnv("LOG_FILE_PATH", c.LogFilePath)
	c.LogLevel = getEnv("GATEKEEPER_LOG_LEVEL", c.LogLevel)

	var err error
	if c.DevicePort, err = getEnvInt("GATEKEEPER_DEVICE_PORT", c.DevicePort); err != nil {
		return err
	}
	if c.MaxAttempts, err = getEnvInt("GATEKEEPER_MAX_ATTEMPTS", c.MaxAttempts); err != nil {
		return err
	}
	if c.LockRetries, err = getEnvInt("GATEKEEPER_LOCK_RETRIES", c.LockRetries); err != nil {
		return err
	}
	if c.RedisDB, err = getEnvInt("REDIS_DB", c.RedisDB); err != nil {
		return err
	}
	if c.ConnectTimeout, err = getEnvDuration("GATEKEEPER_CONNECT_TIMEOUT", c.ConnectTimeout); err != nil {
		return err
	}
	if c.CommandTimeout, err = getEnvDuration("GATEKEEPER_COMMAND_TIMEOUT", c.CommandTimeout); err != nil {
		return err
	}
	if c.PublishTimeout, err = getEnvDuration("GATEKEEPER_PUBLISH_TIMEOUT", c.PublishTimeout); err != nil {
		return err
	}
	if c.NotifyEnabled, err = getEnvBool("GATEKEEPER_NOTIFY_ENABLED", c.NotifyEnabled); err != nil {
		return err
	}
	return nil
}

// Validate checks the settings a run cannot do without.
func (c Config) Validate() error {
	switch {
	case c.DeviceHostname == "":
		return errors.New("device_hostname is required")
	case c.DeviceUser == "":
		return errors.New("device_user is required")
	case c.ServerEndpoint == "":
		return errors.New("server_endpoint is required")
	case c.MaxAttempts < 1:
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	case c.LockFile == "":
		return errors.New("lock_file is required")
	case c.LockRetries < 0:
		return fmt.Errorf("lock_retries must not be negative, got %d", c.LockRetries)
	case c.NotifyEnabled && c.NotifyURL == "":
		return errors.New("notify_url is required when notify_enabled is set")
	}

	switch c.CacheBackend {
	case CacheFile, CacheRedis, CacheNone:
	default:
		return fmt.Errorf("unknown cache_backend %q", c.CacheBackend)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
