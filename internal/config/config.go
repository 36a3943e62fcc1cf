// Package config loads the client and simulator configuration from, in
// increasing precedence: built-in defaults, an optional YAML file, AIRLINKD_*
// environment variables, and explicit CLI flags — following the teacher's
// flag/env precedence pattern (internal/config/applyEnvOverrides in
// cmd/can-server), extended with a YAML layer beneath the environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig configures the demo CLI client / channel manager.
type ClientConfig struct {
	Host                string        `yaml:"host"`
	PortA               int           `yaml:"port_a"`
	PortB               int           `yaml:"port_b"`
	PortC               int           `yaml:"port_c"`
	PortD               int           `yaml:"port_d"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	WatchdogInterval    time.Duration `yaml:"watchdog_interval"`
	ReconnectMinBackoff time.Duration `yaml:"reconnect_min_backoff"`
	ReconnectMaxBackoff time.Duration `yaml:"reconnect_max_backoff"`
	LogFormat           string        `yaml:"log_format"`
	LogLevel            string        `yaml:"log_level"`
	MetricsAddr         string        `yaml:"metrics_addr"`
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:                "127.0.0.1",
		PortA:               4700,
		PortB:               4500,
		PortC:               4800,
		PortD:               4720,
		RequestTimeout:      5 * time.Second,
		WatchdogInterval:    2 * time.Second,
		ReconnectMinBackoff: time.Second,
		ReconnectMaxBackoff: 60 * time.Second,
		LogFormat:           "text",
		LogLevel:            "info",
		MetricsAddr:         "",
	}
}

// SimConfig configures the device simulator.
type SimConfig struct {
	ListenAddrA string `yaml:"listen_a"`
	ListenAddrB string `yaml:"listen_b"`
	ListenAddrC string `yaml:"listen_c"`
	ListenAddrD string `yaml:"listen_d"`
	DeviceName  string `yaml:"device_name"`
	MDNSEnable  bool   `yaml:"mdns_enable"`
	MDNSName    string `yaml:"mdns_name"`
	LogFormat   string `yaml:"log_format"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
	// Telemetry selects the PiStatus backing source: "synthetic" (default,
	// deterministic fake readings) or "host" (real gopsutil sampling).
	Telemetry string `yaml:"telemetry"`
}

func defaultSimConfig() SimConfig {
	return SimConfig{
		ListenAddrA: ":4700",
		ListenAddrB: ":4500",
		ListenAddrC: ":4800",
		ListenAddrD: ":4720",
		DeviceName:  "airlinkd-sim",
		MDNSEnable:  false,
		MDNSName:    "",
		LogFormat:   "text",
		LogLevel:    "info",
		MetricsAddr: "",
		Telemetry:   "synthetic",
	}
}

// LoadClient parses args (normally os.Args[1:]) into a ClientConfig,
// applying defaults, then an optional -config YAML file, then AIRLINKD_*
// env vars, then explicit flags, in that increasing order of precedence.
func LoadClient(args []string) (*ClientConfig, bool, error) {
	cfg := defaultClientConfig()
	fs := flag.NewFlagSet("airlinkd-client", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to a YAML config file")
	host := fs.String("host", cfg.Host, "Device host/IP")
	portA := fs.Int("port-a", cfg.PortA, "Primary RPC channel (A) port")
	portB := fs.Int("port-b", cfg.PortB, "Auxiliary RPC channel (B) port")
	portC := fs.Int("port-c", cfg.PortC, "Binary image channel (C) port")
	portD := fs.Int("port-d", cfg.PortD, "UDP discovery channel (D) port")
	reqTO := fs.Duration("request-timeout", cfg.RequestTimeout, "Per-request RPC timeout")
	watchdog := fs.Duration("watchdog-interval", cfg.WatchdogInterval, "Watchdog probe interval")
	reconnectMin := fs.Duration("reconnect-min-backoff", cfg.ReconnectMinBackoff, "Initial reconnect backoff")
	reconnectMax := fs.Duration("reconnect-max-backoff", cfg.ReconnectMaxBackoff, "Reconnect backoff cap")
	logFormat := fs.String("log-format", cfg.LogFormat, "Log format: text|json")
	logLevel := fs.String("log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "Metrics HTTP listen address; empty disables")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	cfg.Host = *host
	cfg.PortA = *portA
	cfg.PortB = *portB
	cfg.PortC = *portC
	cfg.PortD = *portD
	cfg.RequestTimeout = *reqTO
	cfg.WatchdogInterval = *watchdog
	cfg.ReconnectMinBackoff = *reconnectMin
	cfg.ReconnectMaxBackoff = *reconnectMax
	cfg.LogFormat = *logFormat
	cfg.LogLevel = *logLevel
	cfg.MetricsAddr = *metricsAddr

	if *configPath != "" {
		if err := overlayClientYAML(&cfg, *configPath, set); err != nil {
			return nil, *showVersion, err
		}
	}
	if err := applyClientEnvOverrides(&cfg, set); err != nil {
		return nil, *showVersion, err
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, err
	}
	return &cfg, *showVersion, nil
}

func overlayClientYAML(cfg *ClientConfig, path string, set map[string]struct{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var y ClientConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if _, ok := set["host"]; !ok && y.Host != "" {
		cfg.Host = y.Host
	}
	if _, ok := set["port-a"]; !ok && y.PortA != 0 {
		cfg.PortA = y.PortA
	}
	if _, ok := set["port-b"]; !ok && y.PortB != 0 {
		cfg.PortB = y.PortB
	}
	if _, ok := set["port-c"]; !ok && y.PortC != 0 {
		cfg.PortC = y.PortC
	}
	if _, ok := set["port-d"]; !ok && y.PortD != 0 {
		cfg.PortD = y.PortD
	}
	if _, ok := set["request-timeout"]; !ok && y.RequestTimeout != 0 {
		cfg.RequestTimeout = y.RequestTimeout
	}
	if _, ok := set["watchdog-interval"]; !ok && y.WatchdogInterval != 0 {
		cfg.WatchdogInterval = y.WatchdogInterval
	}
	if _, ok := set["reconnect-min-backoff"]; !ok && y.ReconnectMinBackoff != 0 {
		cfg.ReconnectMinBackoff = y.ReconnectMinBackoff
	}
	if _, ok := set["reconnect-max-backoff"]; !ok && y.ReconnectMaxBackoff != 0 {
		cfg.ReconnectMaxBackoff = y.ReconnectMaxBackoff
	}
	if _, ok := set["log-format"]; !ok && y.LogFormat != "" {
		cfg.LogFormat = y.LogFormat
	}
	if _, ok := set["log-level"]; !ok && y.LogLevel != "" {
		cfg.LogLevel = y.LogLevel
	}
	if _, ok := set["metrics-addr"]; !ok && y.MetricsAddr != "" {
		cfg.MetricsAddr = y.MetricsAddr
	}
	return nil
}

// applyClientEnvOverrides maps AIRLINKD_CLIENT_* environment variables onto
// cfg unless the corresponding flag was explicitly set, matching the
// teacher's applyEnvOverrides semantics (flag always wins over env).
func applyClientEnvOverrides(c *ClientConfig, set map[string]struct{}) error {
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	var firstErr error
	setInt := func(flagName, env string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	setDuration := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	setString := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}

	setString("host", "AIRLINKD_CLIENT_HOST", &c.Host)
	setInt("port-a", "AIRLINKD_CLIENT_PORT_A", &c.PortA)
	setInt("port-b", "AIRLINKD_CLIENT_PORT_B", &c.PortB)
	setInt("port-c", "AIRLINKD_CLIENT_PORT_C", &c.PortC)
	setInt("port-d", "AIRLINKD_CLIENT_PORT_D", &c.PortD)
	setDuration("request-timeout", "AIRLINKD_CLIENT_REQUEST_TIMEOUT", &c.RequestTimeout)
	setDuration("watchdog-interval", "AIRLINKD_CLIENT_WATCHDOG_INTERVAL", &c.WatchdogInterval)
	setDuration("reconnect-min-backoff", "AIRLINKD_CLIENT_RECONNECT_MIN_BACKOFF", &c.ReconnectMinBackoff)
	setDuration("reconnect-max-backoff", "AIRLINKD_CLIENT_RECONNECT_MAX_BACKOFF", &c.ReconnectMaxBackoff)
	setString("log-format", "AIRLINKD_CLIENT_LOG_FORMAT", &c.LogFormat)
	setString("log-level", "AIRLINKD_CLIENT_LOG_LEVEL", &c.LogLevel)
	setString("metrics-addr", "AIRLINKD_CLIENT_METRICS_ADDR", &c.MetricsAddr)
	return firstErr
}

func (c *ClientConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	if c.Host == "" {
		return errors.New("host must not be empty")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request-timeout must be > 0")
	}
	if c.WatchdogInterval <= 0 {
		return errors.New("watchdog-interval must be > 0")
	}
	if c.ReconnectMinBackoff <= 0 || c.ReconnectMaxBackoff <= 0 {
		return errors.New("reconnect backoff bounds must be > 0")
	}
	if c.ReconnectMinBackoff > c.ReconnectMaxBackoff {
		return errors.New("reconnect-min-backoff must not exceed reconnect-max-backoff")
	}
	for name, port := range map[string]int{"port-a": c.PortA, "port-b": c.PortB, "port-c": c.PortC, "port-d": c.PortD} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	return nil
}

// LoadSim parses args into a SimConfig with the same defaults/YAML/env/flag
// precedence as LoadClient.
func LoadSim(args []string) (*SimConfig, bool, error) {
	cfg := defaultSimConfig()
	fs := flag.NewFlagSet("airlinkd-sim", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to a YAML config file")
	listenA := fs.String("listen-a", cfg.ListenAddrA, "Primary RPC channel (A) listen address")
	listenB := fs.String("listen-b", cfg.ListenAddrB, "Auxiliary RPC channel (B) listen address")
	listenC := fs.String("listen-c", cfg.ListenAddrC, "Binary image channel (C) listen address")
	listenD := fs.String("listen-d", cfg.ListenAddrD, "UDP discovery channel (D) listen address")
	deviceName := fs.String("device-name", cfg.DeviceName, "Device name advertised by scan_air/mDNS")
	mdnsEnable := fs.Bool("mdns-enable", cfg.MDNSEnable, "Enable mDNS self-advertisement")
	mdnsName := fs.String("mdns-name", cfg.MDNSName, "mDNS instance name (default device-name)")
	logFormat := fs.String("log-format", cfg.LogFormat, "Log format: text|json")
	logLevel := fs.String("log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "Metrics HTTP listen address; empty disables")
	telemetry := fs.String("telemetry", cfg.Telemetry, "PiStatus telemetry source: synthetic|host")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	cfg.ListenAddrA = *listenA
	cfg.ListenAddrB = *listenB
	cfg.ListenAddrC = *listenC
	cfg.ListenAddrD = *listenD
	cfg.DeviceName = *deviceName
	cfg.MDNSEnable = *mdnsEnable
	cfg.MDNSName = *mdnsName
	cfg.LogFormat = *logFormat
	cfg.LogLevel = *logLevel
	cfg.MetricsAddr = *metricsAddr
	cfg.Telemetry = *telemetry

	if *configPath != "" {
		if err := overlaySimYAML(&cfg, *configPath, set); err != nil {
			return nil, *showVersion, err
		}
	}
	if err := applySimEnvOverrides(&cfg, set); err != nil {
		return nil, *showVersion, err
	}
	if cfg.MDNSName == "" {
		cfg.MDNSName = cfg.DeviceName
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, err
	}
	return &cfg, *showVersion, nil
}

func overlaySimYAML(cfg *SimConfig, path string, set map[string]struct{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var y SimConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if _, ok := set["listen-a"]; !ok && y.ListenAddrA != "" {
		cfg.ListenAddrA = y.ListenAddrA
	}
	if _, ok := set["listen-b"]; !ok && y.ListenAddrB != "" {
		cfg.ListenAddrB = y.ListenAddrB
	}
	if _, ok := set["listen-c"]; !ok && y.ListenAddrC != "" {
		cfg.ListenAddrC = y.ListenAddrC
	}
	if _, ok := set["listen-d"]; !ok && y.ListenAddrD != "" {
		cfg.ListenAddrD = y.ListenAddrD
	}
	if _, ok := set["device-name"]; !ok && y.DeviceName != "" {
		cfg.DeviceName = y.DeviceName
	}
	if _, ok := set["mdns-enable"]; !ok {
		cfg.MDNSEnable = y.MDNSEnable || cfg.MDNSEnable
	}
	if _, ok := set["mdns-name"]; !ok && y.MDNSName != "" {
		cfg.MDNSName = y.MDNSName
	}
	if _, ok := set["log-format"]; !ok && y.LogFormat != "" {
		cfg.LogFormat = y.LogFormat
	}
	if _, ok := set["log-level"]; !ok && y.LogLevel != "" {
		cfg.LogLevel = y.LogLevel
	}
	if _, ok := set["metrics-addr"]; !ok && y.MetricsAddr != "" {
		cfg.MetricsAddr = y.MetricsAddr
	}
	if _, ok := set["telemetry"]; !ok && y.Telemetry != "" {
		cfg.Telemetry = y.Telemetry
	}
	return nil
}

func applySimEnvOverrides(c *SimConfig, set map[string]struct{}) error {
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	setString := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	setBool := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}
	setString("listen-a", "AIRLINKD_SIM_LISTEN_A", &c.ListenAddrA)
	setString("listen-b", "AIRLINKD_SIM_LISTEN_B", &c.ListenAddrB)
	setString("listen-c", "AIRLINKD_SIM_LISTEN_C", &c.ListenAddrC)
	setString("listen-d", "AIRLINKD_SIM_LISTEN_D", &c.ListenAddrD)
	setString("device-name", "AIRLINKD_SIM_DEVICE_NAME", &c.DeviceName)
	setBool("mdns-enable", "AIRLINKD_SIM_MDNS_ENABLE", &c.MDNSEnable)
	setString("mdns-name", "AIRLINKD_SIM_MDNS_NAME", &c.MDNSName)
	setString("log-format", "AIRLINKD_SIM_LOG_FORMAT", &c.LogFormat)
	setString("log-level", "AIRLINKD_SIM_LOG_LEVEL", &c.LogLevel)
	setString("metrics-addr", "AIRLINKD_SIM_METRICS_ADDR", &c.MetricsAddr)
	setString("telemetry", "AIRLINKD_SIM_TELEMETRY", &c.Telemetry)
	return nil
}

func (c *SimConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	switch c.Telemetry {
	case "synthetic", "host":
	default:
		return fmt.Errorf("invalid telemetry source: %s", c.Telemetry)
	}
	for name, addr := range map[string]string{"listen-a": c.ListenAddrA, "listen-b": c.ListenAddrB, "listen-c": c.ListenAddrC, "listen-d": c.ListenAddrD} {
		if addr == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}
	return nil
}
