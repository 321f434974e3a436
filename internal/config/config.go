// Package config loads the agent and harness configuration: virtual
// services, their backend and fallback sets, heartbeat cadence and
// the operational endpoints. YAML on disk, environment overrides on
// top.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"

	"github.com/Demians12/Continuity/internal/abi"
	"github.com/Demians12/Continuity/internal/agent"
)

type Config struct {
	Agent    AgentConfig     `yaml:"agent"`
	Maps     MapsConfig      `yaml:"maps"`
	Services []ServiceConfig `yaml:"services"`
}

type AgentConfig struct {
	HeartbeatIntervalMs int    `yaml:"heartbeat_interval_ms"`
	AdminAddr           string `yaml:"admin_addr"`
	MetricsAddr         string `yaml:"metrics_addr"`
}

type MapsConfig struct {
	PinDir string `yaml:"pin_dir"`
}

// ServiceConfig is one virtual service: the VIP traffic connects to
// and the backend set it resolves into.
type ServiceConfig struct {
	VIP       string          `yaml:"vip"`
	Port      uint16          `yaml:"port"`
	Protocol  string          `yaml:"protocol"` // "tcp" or "udp"
	Admission string          `yaml:"admission"`
	Backends  []BackendConfig `yaml:"backends"`
	Fallback  []BackendConfig `yaml:"fallback"`
}

type BackendConfig struct {
	IP   string `yaml:"ip"`
	Port uint16 `yaml:"port"`
}

// Load reads YAML config from path and applies env overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Agent.HeartbeatIntervalMs == 0 {
		c.Agent.HeartbeatIntervalMs = 500
	}
	if c.Agent.AdminAddr == "" {
		c.Agent.AdminAddr = ":7070"
	}
	if c.Agent.MetricsAddr == "" {
		c.Agent.MetricsAddr = ":9107"
	}
	if c.Maps.PinDir == "" {
		c.Maps.PinDir = "/sys/fs/bpf/nity"
	}
}

func (c *Config) applyEnvOverrides() {
	c.Agent.AdminAddr = getEnv("NITY_ADMIN_ADDR", c.Agent.AdminAddr)
	c.Agent.MetricsAddr = getEnv("NITY_METRICS_ADDR", c.Agent.MetricsAddr)
	c.Maps.PinDir = getEnv("NITY_PIN_DIR", c.Maps.PinDir)
	if v := getEnvInt("NITY_HEARTBEAT_INTERVAL_MS", 0); v > 0 {
		c.Agent.HeartbeatIntervalMs = v
	}
}

// Routes converts the configured services into publishable routes.
func (c *Config) Routes() ([]agent.Route, error) {
	routes := make([]agent.Route, 0, len(c.Services))
	for i, svc := range c.Services {
		route, err := svc.route()
		if err != nil {
			return nil, fmt.Errorf("services[%d]: %w", i, err)
		}
		routes = append(routes, route)
	}
	return routes, nil
}

func (s ServiceConfig) route() (agent.Route, error) {
	vip, err := parseIP4(s.VIP)
	if err != nil {
		return agent.Route{}, fmt.Errorf("vip: %w", err)
	}
	if s.Port == 0 {
		return agent.Route{}, fmt.Errorf("port must be non-zero")
	}

	var proto uint8
	switch s.Protocol {
	case "", "tcp":
		proto = 6
	case "udp":
		proto = 17
	default:
		return agent.Route{}, fmt.Errorf("unsupported protocol %q", s.Protocol)
	}

	var admission abi.AdmissionMode
	switch s.Admission {
	case "", "normal":
		admission = abi.AdmissionNormal
	case "soft":
		admission = abi.AdmissionSoft
	case "hard":
		admission = abi.AdmissionHard
	default:
		return agent.Route{}, fmt.Errorf("unsupported admission %q", s.Admission)
	}

	backends, err := parseBackends(s.Backends)
	if err != nil {
		return agent.Route{}, fmt.Errorf("backends: %w", err)
	}
	fallback, err := parseBackends(s.Fallback)
	if err != nil {
		return agent.Route{}, fmt.Errorf("fallback: %w", err)
	}

	return agent.Route{
		VIP:       vip,
		VPort:     s.Port,
		Proto:     proto,
		Admission: admission,
		Backends:  backends,
		Fallback:  fallback,
	}, nil
}

func parseBackends(list []BackendConfig) ([]abi.BackendID, error) {
	out := make([]abi.BackendID, 0, len(list))
	for i, b := range list {
		ip, err := parseIP4(b.IP)
		if err != nil {
			return nil, fmt.Errorf("[%d] ip: %w", i, err)
		}
		if b.Port == 0 {
			return nil, fmt.Errorf("[%d] port must be non-zero", i)
		}
		out = append(out, abi.BackendID{IP4: ip, PortBE: b.Port})
	}
	return out, nil
}

func parseIP4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("invalid IPv4 address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("%q is not IPv4", s)
	}
	return abi.IP4(v4[0], v4[1], v4[2], v4[3]), nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
