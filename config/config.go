// Package config provides configuration for the weavelab server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g., ":7448").
	Listen string `yaml:"listen"`
	// DataDir is the root directory for document databases.
	DataDir string `yaml:"data"`
	// MaxDiffSize is the maximum accepted diff upload in bytes.
	MaxDiffSize int64 `yaml:"maxDiffSize"`
	// Version is the server version string.
	Version string `yaml:"-"`
	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
	// MaxOpenDocs is the maximum number of documents kept open (LRU cache size).
	MaxOpenDocs int `yaml:"maxOpen"`
	// IdleTTL is how long to keep idle documents open before closing.
	IdleTTL time.Duration `yaml:"idleTTL"`
	// LogFile, when set, also receives JSON logs.
	LogFile string `yaml:"logFile"`
	// Site is the site ID the daemon's replicas write under.
	Site string `yaml:"site"`
}

// FromEnv creates a Config from environment variables.
func FromEnv() *Config {
	return &Config{
		Listen:      getEnv("WEAVELAB_LISTEN", ":7448"),
		DataDir:     getEnv("WEAVELAB_DATA", "./data"),
		MaxDiffSize: getEnvInt64("WEAVELAB_MAX_DIFF_SIZE", 64*1024*1024), // 64MB default
		Version:     getEnv("WEAVELAB_VERSION", "0.1.0"),
		Debug:       getEnvBool("WEAVELAB_DEBUG", false),
		MaxOpenDocs: getEnvInt("WEAVELAB_MAX_OPEN", 256),
		IdleTTL:     getEnvDuration("WEAVELAB_IDLE_TTL", 10*time.Minute),
		LogFile:     getEnv("WEAVELAB_LOG_FILE", ""),
		Site:        getEnv("WEAVELAB_SITE", "server"),
	}
}

// Load reads the environment and then overlays the yaml file at path, if
// one is given. Keys absent from the file keep their environment values.
func Load(path string) (*Config, error) {
	cfg := FromEnv()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Override replaces listen and data dir with non-empty flag values.
func (c *Config) Override(listen, dataDir string) {
	if listen != "" {
		c.Listen = listen
	}
	if dataDir != "" {
		c.DataDir = dataDir
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
