// Package config loads and validates the proxy's process-wide
// configuration. A Config is built once at startup by Load and is
// immutable afterward; every field is read through an accessor rather than
// exported directly, so nothing downstream can mutate shared state.
//
// Grounded on original_source/proxy/config.py's ConfigLoader (this
// package's direct ancestor: read a file, unmarshal, validate before
// anything else touches it), collecting every field check into one
// validation pass rather than failing on the first bad field.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/WhileEndless/go-reverseproxy/internal/proxyerr"
	"gopkg.in/yaml.v3"
)

// Upstream is one origin the proxy forwards to.
type Upstream struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns "host:port" for dialing.
func (u Upstream) Addr() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// Timeouts holds every deadline the proxy applies, all in milliseconds in
// the raw YAML and converted to time.Duration by callers that need it.
type Timeouts struct {
	ConnectMs int `yaml:"connect_ms"`
	ReadMs    int `yaml:"read_ms"`
	WriteMs   int `yaml:"write_ms"`
	TotalMs   int `yaml:"total_ms"`
}

// Limits bounds concurrency and pooling.
type Limits struct {
	MaxClientConns      int `yaml:"max_client_conns"`
	MaxConnsPerUpstream int `yaml:"max_conns_per_upstream"`
}

// Logging selects how internal/logger builds its slog.Logger.
type Logging struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path"`
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
}

type raw struct {
	Listen      string     `yaml:"listen"`
	MetricsAddr string     `yaml:"metrics_addr"`
	Workers     int        `yaml:"workers"`
	Upstreams   []Upstream `yaml:"upstreams"`
	Timeouts    Timeouts   `yaml:"timeouts"`
	Limits      Limits     `yaml:"limits"`
	Logging     Logging    `yaml:"logging"`
}

// Config is the validated, immutable configuration the rest of the proxy
// is built from.
type Config struct {
	r raw
}

// Listen returns the "host:port" address the proxy accepts clients on.
func (c *Config) Listen() string { return c.r.Listen }

// MetricsAddr returns the "host:port" address the /metrics listener binds
// to, or "" if metrics serving is disabled.
func (c *Config) MetricsAddr() string { return c.r.MetricsAddr }

// Workers returns how many accept-loop workers share the listening socket.
func (c *Config) Workers() int { return c.r.Workers }

// Upstreams returns the configured upstream list, in the order used for
// round-robin rotation.
func (c *Config) Upstreams() []Upstream { return c.r.Upstreams }

// Timeouts returns the configured deadlines.
func (c *Config) Timeouts() Timeouts { return c.r.Timeouts }

// Limits returns the configured concurrency bounds.
func (c *Config) Limits() Limits { return c.r.Limits }

// Logging returns the configured logging setup.
func (c *Config) Logging() Logging { return c.r.Logging }

// Load reads path as YAML, validates it, and returns an immutable Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, proxyerr.NewValidationError(fmt.Sprintf("reading config file: %v", err))
	}

	var r raw
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, proxyerr.NewValidationError(fmt.Sprintf("parsing config yaml: %v", err))
	}

	applyDefaults(&r)

	if err := validate(&r); err != nil {
		return nil, err
	}

	return &Config{r: r}, nil
}

func applyDefaults(r *raw) {
	if r.Workers == 0 {
		r.Workers = 1
	}
	if r.Logging.Level == "" {
		r.Logging.Level = "info"
	}
	if r.Logging.Format == "" {
		r.Logging.Format = "text"
	}
}

// validate mirrors ConfigLoader._validate_config: collect every field
// check into one pass so a misconfigured file is reported in full rather
// than one error at a time.
func validate(r *raw) error {
	var problems []string

	if r.Listen == "" {
		problems = append(problems, "listen is required")
	} else if strings.Count(r.Listen, ":") != 1 {
		problems = append(problems, "listen must be exactly one host:port pair")
	}

	if len(r.Upstreams) == 0 {
		problems = append(problems, "at least one upstream is required")
	}
	for i, u := range r.Upstreams {
		if u.Host == "" {
			problems = append(problems, fmt.Sprintf("upstreams[%d]: host is required", i))
		}
		if u.Port <= 0 || u.Port > 65535 {
			problems = append(problems, fmt.Sprintf("upstreams[%d]: port must be between 1 and 65535", i))
		}
	}

	if r.Timeouts.ConnectMs <= 0 {
		problems = append(problems, "timeouts.connect_ms must be positive")
	}
	if r.Timeouts.ReadMs <= 0 {
		problems = append(problems, "timeouts.read_ms must be positive")
	}
	if r.Timeouts.WriteMs <= 0 {
		problems = append(problems, "timeouts.write_ms must be positive")
	}
	if r.Timeouts.TotalMs <= 0 {
		problems = append(problems, "timeouts.total_ms must be positive")
	}

	if r.Limits.MaxClientConns <= 0 {
		problems = append(problems, "limits.max_client_conns must be positive")
	}
	if r.Limits.MaxConnsPerUpstream <= 0 {
		problems = append(problems, "limits.max_conns_per_upstream must be positive")
	}

	if len(problems) > 0 {
		return proxyerr.NewValidationError(strings.Join(problems, "; "))
	}
	return nil
}
