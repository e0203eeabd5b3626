package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultProbePort  = 9158
	defaultProbeIntvl = 1 * time.Second
	defaultWindow     = 10 * time.Second
	defaultSeqModulus = 1 << 16
	defaultJitter     = true

	// Default staleness is a multiple of the window: a neighbor that
	// stays silent for that long is dropped by the reaper.
	defaultStalenessFactor = 3

	defaultIPCEnabled  = true
	defaultIPCBindAddr = "127.0.0.1"
	defaultIPCPort     = 9157

	defaultWebEnabled  = true
	defaultWebBindAddr = "127.0.0.1"
	defaultWebPort     = 9159

	defaultHistoryPath = "etxd.db"
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	NodeName   string        `yaml:"node_name"`
	Interfaces []string      `yaml:"interfaces"`
	Probe      ProbeConfig   `yaml:"probe"`
	IPC        IPCConfig     `yaml:"ipc"`
	Web        WebConfig     `yaml:"web"`
	History    HistoryConfig `yaml:"history"`
}

type ProbeConfig struct {
	Port           int      `yaml:"port"`
	Interval       Duration `yaml:"interval"`
	Window         Duration `yaml:"window"`
	Staleness      Duration `yaml:"staleness"`
	SeqModulus     int      `yaml:"seq_modulus"`
	Jitter         *bool    `yaml:"jitter"`
	MulticastGroup string   `yaml:"multicast_group"`
}

type IPCConfig struct {
	Enabled  *bool  `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
	BindPort int    `yaml:"port"`
}

type WebConfig struct {
	Enabled  *bool  `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
	BindPort int    `yaml:"port"`
}

type HistoryConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Path     string   `yaml:"path"`
	Interval Duration `yaml:"interval"`
}

// ExpectedProbes returns the number of probes a neighbor is expected to
// deliver during one window, rounded to the nearest whole probe, never
// less than one.
func (p ProbeConfig) ExpectedProbes() int {
	interval := p.Interval.Duration()
	if interval <= 0 {
		return 1
	}
	n := int((p.Window.Duration() + interval/2) / interval)
	if n < 1 {
		n = 1
	}
	return n
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.NodeName == "" {
		if hostname, err := os.Hostname(); err == nil {
			c.NodeName = hostname
		}
	}

	if c.Probe.Port == 0 {
		c.Probe.Port = defaultProbePort
	}
	if c.Probe.Interval == 0 {
		c.Probe.Interval = Duration(defaultProbeIntvl)
	}
	if c.Probe.Window == 0 {
		c.Probe.Window = Duration(defaultWindow)
	}
	if c.Probe.Staleness == 0 {
		c.Probe.Staleness = Duration(defaultStalenessFactor * c.Probe.Window.Duration())
	}
	if c.Probe.SeqModulus == 0 {
		c.Probe.SeqModulus = defaultSeqModulus
	}
	if c.Probe.Jitter == nil {
		val := defaultJitter
		c.Probe.Jitter = &val
	}

	if c.IPC.Enabled == nil {
		val := defaultIPCEnabled
		c.IPC.Enabled = &val
	}
	if c.IPC.BindAddr == "" {
		c.IPC.BindAddr = defaultIPCBindAddr
	}
	if c.IPC.BindPort == 0 {
		c.IPC.BindPort = defaultIPCPort
	}

	if c.Web.Enabled == nil {
		val := defaultWebEnabled
		c.Web.Enabled = &val
	}
	if c.Web.BindAddr == "" {
		c.Web.BindAddr = defaultWebBindAddr
	}
	if c.Web.BindPort == 0 {
		c.Web.BindPort = defaultWebPort
	}

	if c.History.Path == "" {
		c.History.Path = defaultHistoryPath
	}
	if c.History.Interval == 0 {
		c.History.Interval = c.Probe.Window
	}
}

func (c *Config) validate() error {
	if len(c.Interfaces) == 0 {
		return errors.New("at least one interface must be configured")
	}
	seen := make(map[string]bool, len(c.Interfaces))
	for _, name := range c.Interfaces {
		if name == "" {
			return errors.New("interface name must not be empty")
		}
		if seen[name] {
			return fmt.Errorf("interface %q configured twice", name)
		}
		seen[name] = true
	}

	if c.Probe.Interval.Duration() <= 0 {
		return errors.New("probe interval must be positive")
	}
	if c.Probe.Window.Duration() < c.Probe.Interval.Duration() {
		return fmt.Errorf("probe window (%s) must be >= interval (%s)",
			c.Probe.Window.Duration(), c.Probe.Interval.Duration())
	}
	if c.Probe.Staleness.Duration() < c.Probe.Window.Duration() {
		return fmt.Errorf("staleness timeout (%s) must be >= window (%s)",
			c.Probe.Staleness.Duration(), c.Probe.Window.Duration())
	}
	if c.Probe.SeqModulus < 2 || c.Probe.SeqModulus > 1<<16 {
		return fmt.Errorf("seq_modulus must be in [2, 65536], got %d", c.Probe.SeqModulus)
	}
	if err := validatePort("probe.port", c.Probe.Port); err != nil {
		return err
	}
	if c.Probe.MulticastGroup != "" {
		ip := net.ParseIP(c.Probe.MulticastGroup)
		if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
			return fmt.Errorf("multicast_group %q is not an IPv4 multicast address", c.Probe.MulticastGroup)
		}
	}

	if err := validatePort("ipc.port", c.IPC.BindPort); err != nil {
		return err
	}
	if err := validatePort("web.port", c.Web.BindPort); err != nil {
		return err
	}
	if c.IPC.BindPort == c.Probe.Port || c.Web.BindPort == c.Probe.Port {
		return errors.New("ipc/web ports must differ from the probe port")
	}

	if c.History.Enabled && c.History.Interval.Duration() <= 0 {
		return errors.New("history interval must be positive")
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s out of range: %d", name, port)
	}
	return nil
}
