package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

const configFileName = "epifetch"

// flagConfig stores the parsed values from the cli flags.
type flagConfig struct {
	tasks       *string
	concurrency *int
	downloadDir *string
	chunkSize   *int64
	maxRetries  *int
	retryDelay  *time.Duration
	debug       *bool
}

// Config holds the configuration options for the application.
type Config struct {
	TaskFile               string
	Debug                  bool
	MaxConcurrentDownloads int             `yaml:"maxConcurrentDownloads,omitempty"`
	Download               *DownloadConfig `yaml:"download,omitempty"`
}

// DownloadConfig holds configuration options for the transfer engine.
type DownloadConfig struct {
	Dir        string            `yaml:"dir,omitempty"`
	ResumeFile string            `yaml:"resumeFile,omitempty"`
	ChunkSize  int64             `yaml:"chunkSize,omitempty"`
	MaxRetries int               `yaml:"maxRetries,omitempty"`
	RetryDelay time.Duration     `yaml:"retryDelay,omitempty"`
	UserAgent  string            `yaml:"userAgent,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty"`
}

// GetConfig reads the configuration file and returns a Config struct.
// If the configuration file does not exist, it uses default configuration
// but STILL applies CLI flags.
func GetConfig() (*Config, error) {
	configFilePath := filepath.Join(xdg.ConfigHome, configFileName)
	defaults := DefaultConfig()

	var cfg Config

	b, err := os.ReadFile(configFilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if len(b) > 0 {
		err = yaml.Unmarshal(b, &cfg)
		if err != nil {
			return nil, err
		}
	}

	dlCfg := zeroOr(cfg.Download, defaults.Download)

	conf := Config{
		MaxConcurrentDownloads: zeroOr(cfg.MaxConcurrentDownloads, defaults.MaxConcurrentDownloads),
		Download: &DownloadConfig{
			Dir:        zeroOr(dlCfg.Dir, defaults.Download.Dir),
			ResumeFile: zeroOr(dlCfg.ResumeFile, defaults.Download.ResumeFile),
			ChunkSize:  zeroOr(dlCfg.ChunkSize, defaults.Download.ChunkSize),
			MaxRetries: zeroOr(dlCfg.MaxRetries, defaults.Download.MaxRetries),
			RetryDelay: zeroOr(dlCfg.RetryDelay, defaults.Download.RetryDelay),
			UserAgent:  zeroOr(dlCfg.UserAgent, defaults.Download.UserAgent),
			Headers:    dlCfg.Headers,
		},
	}

	conf.applyFlagsToConfig()

	if err := conf.validate(); err != nil {
		return nil, err
	}

	return &conf, nil
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentDownloads: maxConcurrentDownloads,
		Download: &DownloadConfig{
			Dir:        downloadDir,
			ResumeFile: resumeFile,
			ChunkSize:  chunkSize,
			MaxRetries: maxRetries,
			RetryDelay: retryDelay,
			UserAgent:  userAgent,
		},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}

// applyFlagsToConfig takes the value of the cli flags applied at the start and plugs them into the config.
func (c *Config) applyFlagsToConfig() {
	fc := flagConfig{
		tasks:       flag.String("tasks", "", "path to a file listing one download per line: url [destination]"),
		concurrency: flag.Int("mcd", c.MaxConcurrentDownloads, "max number of downloads that run together"),
		downloadDir: flag.String("dd", c.Download.Dir, "path to the directory that will be used to store new downloads"),
		chunkSize:   flag.Int64("cs", c.Download.ChunkSize, "chunk size in bytes for transfer writes"),
		maxRetries:  flag.Int("mr", c.Download.MaxRetries, "maximum number of retries before a download fails"),
		retryDelay:  flag.Duration("rd", c.Download.RetryDelay, "delay between retry rounds"),
		debug:       flag.Bool("debug", false, "enable debug logging"),
	}

	flag.Parse()

	c.TaskFile = *fc.tasks
	c.Debug = *fc.debug
	c.MaxConcurrentDownloads = *fc.concurrency
	c.Download.Dir = *fc.downloadDir
	c.Download.ChunkSize = *fc.chunkSize
	c.Download.MaxRetries = *fc.maxRetries
	c.Download.RetryDelay = *fc.retryDelay
}

func (c *Config) validate() error {
	if c.MaxConcurrentDownloads <= 0 {
		return ErrInvalidConfig
	}

	return c.Download.validate()
}

func (d *DownloadConfig) validate() error {
	if d.Dir == "" || d.ResumeFile == "" || d.ChunkSize <= 0 || d.MaxRetries < 0 {
		return ErrInvalidConfig
	}

	return nil
}

// TaskLine is one parsed entry from the task file.
type TaskLine struct {
	URL         string
	Destination string
}

// ParseTaskFile reads the submitted task list: one download per line as
// "url" or "url destination", with blank lines and #-comments ignored.
// Destinations default to the download dir plus the URL basename.
func (c *Config) ParseTaskFile() ([]TaskLine, error) {
	if c.TaskFile == "" {
		return nil, nil
	}

	b, err := os.ReadFile(c.TaskFile)
	if err != nil {
		return nil, err
	}

	var lines []TaskLine
	for _, raw := range strings.Split(string(b), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		entry := TaskLine{URL: fields[0]}
		if len(fields) > 1 {
			entry.Destination = fields[1]
		} else {
			base := filepath.Base(strings.SplitN(fields[0], "?", 2)[0])
			if base == "." || base == "/" {
				base = "download"
			}
			entry.Destination = filepath.Join(c.Download.Dir, base)
		}
		lines = append(lines, entry)
	}

	return lines, nil
}
