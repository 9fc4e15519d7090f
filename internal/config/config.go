// Package config loads fleetmon settings from YAML, .env and FLEETMON_* variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	SamplerRemote = "remote"
	SamplerLocal  = "local"

	DefaultPath = "fleetmon.yaml"
	envPrefix   = "FLEETMON_"
)

type Config struct {
	Inventory string        `yaml:"inventory"`
	ReportDir string        `yaml:"report_dir"`
	Sampler   string        `yaml:"sampler"`
	Interval  time.Duration `yaml:"interval"`
	Duration  time.Duration `yaml:"duration"`
	CpuWindow time.Duration `yaml:"cpu_window"`
	DiskPath  string        `yaml:"disk_path"`
	SSH       SSHConfig     `yaml:"ssh"`
	FTP       FTPConfig     `yaml:"ftp"`
	Log       LogConfig     `yaml:"log"`
	Status    StatusConfig  `yaml:"status"`
}

type SSHConfig struct {
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	KnownHostsPath string        `yaml:"known_hosts"`
	UseAgent       bool          `yaml:"use_agent"`
}

type FTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Dir      string        `yaml:"dir"`
	Timeout  time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	File   string `yaml:"file"`
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StatusConfig struct {
	// Addr enables the status server when set, e.g. ":8080".
	Addr string `yaml:"addr"`
}

func Default() Config {
	return Config{
		Inventory: "machines.csv",
		ReportDir: "~/Desktop",
		Sampler:   SamplerRemote,
		Interval:  10 * time.Minute,
		Duration:  3 * time.Hour,
		CpuWindow: time.Second,
		DiskPath:  "/",
		SSH: SSHConfig{
			Port:    22,
			Timeout: 15 * time.Second,
		},
		FTP: FTPConfig{
			Host:     "ftp.example.com",
			Port:     21,
			User:     "username",
			Password: "password",
			Timeout:  30 * time.Second,
		},
		Log: LogConfig{
			File:   "monitoring.log",
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads .env, then the YAML file at path (a missing file keeps the
// defaults), then FLEETMON_* overrides, and validates the result.
func Load(path string) (Config, error) {
	godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.ReportDir = expandHome(cfg.ReportDir)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Path is where Load reads from: $FLEETMON_CONFIG or DefaultPath.
func Path() string {
	godotenv.Load()
	return env("CONFIG", DefaultPath)
}

func (c *Config) applyEnv() error {
	c.Inventory = env("INVENTORY", c.Inventory)
	c.ReportDir = env("REPORT_DIR", c.ReportDir)
	c.Sampler = strings.ToLower(env("SAMPLER", c.Sampler))
	c.DiskPath = env("DISK_PATH", c.DiskPath)
	c.SSH.KnownHostsPath = env("SSH_KNOWN_HOSTS", c.SSH.KnownHostsPath)
	c.FTP.Host = env("FTP_HOST", c.FTP.Host)
	c.FTP.User = env("FTP_USER", c.FTP.User)
	c.FTP.Password = env("FTP_PASSWORD", c.FTP.Password)
	c.FTP.Dir = env("FTP_DIR", c.FTP.Dir)
	c.Log.File = env("LOG_FILE", c.Log.File)
	c.Log.Level = strings.ToLower(env("LOG_LEVEL", c.Log.Level))
	c.Log.Format = strings.ToLower(env("LOG_FORMAT", c.Log.Format))
	c.Status.Addr = env("STATUS_ADDR", c.Status.Addr)

	var errs []error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"INTERVAL", &c.Interval},
		{"DURATION", &c.Duration},
		{"CPU_WINDOW", &c.CpuWindow},
		{"SSH_TIMEOUT", &c.SSH.Timeout},
		{"FTP_TIMEOUT", &c.FTP.Timeout},
	}
	for _, d := range durations {
		if raw := os.Getenv(envPrefix + d.key); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, d.key, err))
				continue
			}
			*d.dst = parsed
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"SSH_PORT", &c.SSH.Port},
		{"FTP_PORT", &c.FTP.Port},
	}
	for _, i := range ints {
		if raw := os.Getenv(envPrefix + i.key); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, i.key, err))
				continue
			}
			*i.dst = parsed
		}
	}
	if raw := os.Getenv(envPrefix + "SSH_USE_AGENT"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSSH_USE_AGENT: %w", envPrefix, err))
		} else {
			c.SSH.UseAgent = parsed
		}
	}
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Inventory) == "" {
		errs = append(errs, errors.New("inventory path is required"))
	}
	if strings.TrimSpace(c.FTP.Host) == "" {
		errs = append(errs, errors.New("ftp host is required"))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if c.Duration <= 0 {
		errs = append(errs, errors.New("duration must be positive"))
	}
	if c.CpuWindow <= 0 {
		errs = append(errs, errors.New("cpu_window must be positive"))
	}
	switch c.Sampler {
	case SamplerRemote, SamplerLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown sampler %q", c.Sampler))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func env(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, p[1:])
	}
	return p
}
