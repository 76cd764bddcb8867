// Package config holds the leader-elector process configuration. Values come
// from defaults, then an optional YAML file, then command-line flags that were
// set explicitly.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Backends.
const (
	BackendZookeeper = "zookeeper"
	BackendEtcd      = "etcd"
	BackendMemory    = "memory"
)

// Config is the process configuration.
type Config struct {
	Backend        string        `yaml:"backend"`
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	Namespaces     []string      `yaml:"namespaces"`
	Prefix         string        `yaml:"prefix"`
	Owner          string        `yaml:"owner"`
	RejoinDelay    time.Duration `yaml:"rejoin_delay"`
	// MetricsEndpoint is host:port to serve /metrics on; empty disables it.
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Backend:        BackendZookeeper,
		Servers:        []string{"localhost:2181"},
		SessionTimeout: 5 * time.Second,
		Namespaces:     []string{"/election"},
		Prefix:         "n_",
		RejoinDelay:    time.Second,
	}
}

// DefaultOwner names this process: host name plus a random suffix, so two
// processes on one host stay distinguishable.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "-" + uuid.NewString()
}

// stringList is a flag.Value accumulating repeated or comma-separated values.
type stringList struct {
	dst *[]string
	set bool
}

func (l *stringList) String() string {
	if l == nil || l.dst == nil {
		return ""
	}
	return strings.Join(*l.dst, ",")
}

func (l *stringList) Set(v string) error {
	if !l.set {
		*l.dst = nil
		l.set = true
	}
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l.dst = append(*l.dst, s)
		}
	}
	return nil
}

// Flags binds command-line flags to a Config.
type Flags struct {
	fs         *flag.FlagSet
	configFile string
	cfg        Config
}

// RegisterFlags defines the flags on fs, with defaults from Default.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs, cfg: Default()}
	fs.StringVar(&f.configFile, "config", "", "YAML file with configuration; explicitly set flags override it")
	fs.StringVar(&f.cfg.Backend, "backend", f.cfg.Backend, "Coordination service: zookeeper, etcd or memory")
	fs.Var(&stringList{dst: &f.cfg.Servers}, "servers", "Comma-separated coordination service addresses")
	fs.DurationVar(&f.cfg.SessionTimeout, "session_timeout", f.cfg.SessionTimeout, "Session timeout; ephemeral tokens outlive a disconnect this long")
	fs.Var(&stringList{dst: &f.cfg.Namespaces}, "namespace", "Election namespace; repeat to take part in several elections")
	fs.StringVar(&f.cfg.Prefix, "prefix", f.cfg.Prefix, "Token name prefix")
	fs.StringVar(&f.cfg.Owner, "owner", "", "Identity stored in our tokens (default <hostname>-<uuid>)")
	fs.DurationVar(&f.cfg.RejoinDelay, "rejoin_delay", f.cfg.RejoinDelay, "Initial pause before re-joining after the election stopped; doubles while joining fails, up to 1m")
	fs.StringVar(&f.cfg.MetricsEndpoint, "metrics_endpoint", "", "Endpoint for serving metrics (host:port); empty disables")
	return f
}

// Config resolves the configuration. Call after fs.Parse.
func (f *Flags) Config() (Config, error) {
	cfg := Default()
	if f.configFile != "" {
		var err error
		if cfg, err = Load(f.configFile); err != nil {
			return Config{}, err
		}
	}
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "backend":
			cfg.Backend = f.cfg.Backend
		case "servers":
			cfg.Servers = f.cfg.Servers
		case "session_timeout":
			cfg.SessionTimeout = f.cfg.SessionTimeout
		case "namespace":
			cfg.Namespaces = f.cfg.Namespaces
		case "prefix":
			cfg.Prefix = f.cfg.Prefix
		case "owner":
			cfg.Owner = f.cfg.Owner
		case "rejoin_delay":
			cfg.RejoinDelay = f.cfg.RejoinDelay
		case "metrics_endpoint":
			cfg.MetricsEndpoint = f.cfg.MetricsEndpoint
		}
	})
	if cfg.Owner == "" {
		cfg.Owner = DefaultOwner()
	}
	return cfg, cfg.Validate()
}

// Load reads a YAML file on top of Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that cfg can be used to run elections.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendZookeeper, BackendEtcd:
		if len(c.Servers) == 0 {
			return fmt.Errorf("backend %s needs at least one server", c.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.SessionTimeout <= 0 {
		return errors.New("session timeout must be positive")
	}
	if c.Backend == BackendEtcd && c.SessionTimeout < time.Second {
		return errors.New("etcd leases need a session timeout of at least 1s")
	}
	if len(c.Namespaces) == 0 {
		return errors.New("at least one election namespace is required")
	}
	seen := make(map[string]bool)
	for _, ns := range c.Namespaces {
		if !strings.HasPrefix(ns, "/") || (len(ns) > 1 && strings.HasSuffix(ns, "/")) || ns == "/" {
			return fmt.Errorf("namespace %q must be an absolute path below the root", ns)
		}
		if seen[ns] {
			return fmt.Errorf("namespace %q listed twice", ns)
		}
		seen[ns] = true
	}
	if c.Prefix == "" || strings.Contains(c.Prefix, "/") {
		return fmt.Errorf("invalid token prefix %q", c.Prefix)
	}
	if c.RejoinDelay <= 0 {
		return errors.New("rejoin delay must be positive")
	}
	return nil
}
