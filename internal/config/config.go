package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	defaultPageSize     = 50
	defaultStaleStop    = 1
	defaultLoginTimeout = 10 * time.Minute
	defaultPageTimeout  = 90 * time.Second

	maxPageSize = 100
)

// Duration is a time.Duration that unmarshals from "90s"-style YAML strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("cannot parse duration %q: %w", s, err)
	}

	*d = Duration(v)

	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type BrowserConfig struct {
	Headless     bool     `yaml:"headless"`
	ExecPath     string   `yaml:"exec_path"`
	LoginTimeout Duration `yaml:"login_timeout"`
	PageTimeout  Duration `yaml:"page_timeout"`
}

type CrawlConfig struct {
	// PageLimit bounds the number of pages per crawl scope, 0 means no limit.
	PageLimit int `yaml:"page_limit"`
	// PageSize is the number of jobs requested per listing page.
	PageSize int `yaml:"page_size"`
	// StaleStopPages is how many consecutive pages with no new records stop
	// the crawl early, 0 disables the stale stop.
	StaleStopPages int `yaml:"stale_stop_pages"`
}

type Config struct {
	ArchiveFolder string        `yaml:"archive_folder"`
	LogLevel      string        `yaml:"log_level"`
	Browser       BrowserConfig `yaml:"browser"`
	Crawl         CrawlConfig   `yaml:"crawl"`
}

// Default returns a configuration that works with no config file at all.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		ArchiveFolder: filepath.Join(home, "Pictures", "midjourney", "mjarchive"),
		LogLevel:      LogLevelInfo,
		Browser: BrowserConfig{
			Headless:     false,
			LoginTimeout: Duration(defaultLoginTimeout),
			PageTimeout:  Duration(defaultPageTimeout),
		},
		Crawl: CrawlConfig{
			PageSize:       defaultPageSize,
			StaleStopPages: defaultStaleStop,
		},
	}
}

// Load reads the config file over the defaults. An empty path means
// defaults only; a missing file at an explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []string

	if c.ArchiveFolder == "" {
		errs = append(errs, "archive_folder cannot be empty")
	}

	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		errs = append(errs, fmt.Sprintf("log_level must be one of: debug, info, warn, error, got: %s", c.LogLevel))
	}

	if c.Crawl.PageLimit < 0 {
		errs = append(errs, "crawl.page_limit cannot be negative")
	}

	if c.Crawl.PageSize < 1 || c.Crawl.PageSize > maxPageSize {
		errs = append(errs, fmt.Sprintf("crawl.page_size must be between 1 and %d, got: %d", maxPageSize, c.Crawl.PageSize))
	}

	if c.Crawl.StaleStopPages < 0 {
		errs = append(errs, "crawl.stale_stop_pages cannot be negative")
	}

	if c.Browser.LoginTimeout <= 0 {
		errs = append(errs, "browser.login_timeout must be positive")
	}

	if c.Browser.PageTimeout <= 0 {
		errs = append(errs, "browser.page_timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	return nil
}
