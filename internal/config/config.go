// Package config loads the viewer configuration.
//
// Values come from the built-in defaults, then the YAML config file, then
// PHV_* environment variables; later sources win.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYml []byte

// Config is the full viewer configuration. Environment keys are
// PHV_<SECTION>_<KEY>, e.g. PHV_NODE_URL or PHV_HISTORY_PAGE_SIZE.
type Config struct {
	Node struct {
		URL               string            `yaml:"url" envconfig:"PHV_NODE_URL"`
		Timeout           time.Duration     `yaml:"timeout" envconfig:"PHV_NODE_TIMEOUT"`
		RequestsPerSecond float64           `yaml:"requestsPerSecond" envconfig:"PHV_NODE_RPS"`
		Headers           map[string]string `yaml:"headers" envconfig:"PHV_NODE_HEADERS"`
	} `yaml:"node"`

	Polling struct {
		Interval        time.Duration `yaml:"interval" envconfig:"PHV_POLLING_INTERVAL"`
		ErrorInterval   time.Duration `yaml:"errorInterval" envconfig:"PHV_POLLING_ERROR_INTERVAL"`
		PendingInterval time.Duration `yaml:"pendingInterval" envconfig:"PHV_POLLING_PENDING_INTERVAL"`
	} `yaml:"polling"`

	History struct {
		PageSize    int `yaml:"pageSize" envconfig:"PHV_HISTORY_PAGE_SIZE"`
		BatchUnit   int `yaml:"batchUnit" envconfig:"PHV_HISTORY_BATCH_UNIT"`
		TailChunk   int `yaml:"tailChunk" envconfig:"PHV_HISTORY_TAIL_CHUNK"`
		CacheSizeMB int `yaml:"cacheSizeMB" envconfig:"PHV_HISTORY_CACHE_SIZE_MB"`
	} `yaml:"history"`

	Pending struct {
		TTL time.Duration `yaml:"ttl" envconfig:"PHV_PENDING_TTL"`
	} `yaml:"pending"`

	AddressBook struct {
		Path string `yaml:"path" envconfig:"PHV_ADDRESS_BOOK_PATH"`
	} `yaml:"addressBook"`

	Logging struct {
		Level string `yaml:"level" envconfig:"PHV_LOGGING_LEVEL"`
		File  string `yaml:"file" envconfig:"PHV_LOGGING_FILE"`
	} `yaml:"logging"`

	// Path is the file the configuration was read from, if any.
	Path string `yaml:"-" ignored:"true"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultYml, cfg); err != nil {
		panic(fmt.Sprintf("invalid built-in config: %v", err))
	}
	return cfg
}

// Load reads the defaults, the file at path (skipped when empty) and the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := readConfigFile(cfg, path); err != nil {
		return nil, err
	}
	if err := readConfigEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening config file %v: %w", path, err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("error decoding config file %v: %w", path, err)
	}
	cfg.Path = path
	return nil
}

func readConfigEnv(cfg *Config) error {
	if err := envconfig.Process("", cfg); err != nil {
		return fmt.Errorf("error reading environment: %w", err)
	}
	return nil
}

// Validate rejects settings the viewer cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.URL == "" {
		errs = append(errs, errors.New("node.url is empty"))
	} else if u, err := url.Parse(c.Node.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("node.url %q is not an absolute URL", c.Node.URL))
	}
	if c.History.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("history.pageSize must be positive, got %d", c.History.PageSize))
	}
	if c.History.BatchUnit <= 0 {
		errs = append(errs, fmt.Errorf("history.batchUnit must be positive, got %d", c.History.BatchUnit))
	}
	if c.History.TailChunk <= 0 {
		errs = append(errs, fmt.Errorf("history.tailChunk must be positive, got %d", c.History.TailChunk))
	}
	if c.Polling.Interval <= 0 || c.Polling.ErrorInterval <= 0 || c.Polling.PendingInterval <= 0 {
		errs = append(errs, errors.New("polling intervals must be positive"))
	}
	if c.History.CacheSizeMB < 0 {
		errs = append(errs, errors.New("history.cacheSizeMB must not be negative"))
	}
	return errors.Join(errs...)
}
