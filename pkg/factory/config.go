package factory

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DccfAfDefaultConfigPath is the default location for the AF's YAML config.
const DccfAfDefaultConfigPath = "./config/5gmsafcfg.yaml"

// Config is the top-level configuration loaded from disk. Recognised keys
// mirror the M1/M3/M5/PCF/BSF surface this AF exposes and consumes.
type Config struct {
	Info       InfoSection       `yaml:"info"`
	ServerName string            `yaml:"serverName"`
	APIRelease string            `yaml:"apiRelease"`
	Endpoints  []EndpointSection `yaml:"endpoints"`

	ApplicationServers []ApplicationServerSection `yaml:"applicationServers"`

	CertificateManager CertificateManagerSection `yaml:"certificateManager"`
	DataCollectionDir  string                    `yaml:"dataCollectionDir"`

	SAICacheControlMaxAge int `yaml:"saiCacheControlMaxAge"`

	NetworkAssistance NetworkAssistanceSection `yaml:"networkAssistance"`
	BSF               BSFSection               `yaml:"bsf"`
	PCF               PCFSection               `yaml:"pcf"`
	NRF               NRFSection               `yaml:"nrf"`

	Logging LoggingSection `yaml:"logging"`
}

type InfoSection struct {
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// EndpointSection describes one bind point of the dual HTTP server
// abstraction (C1): which address/port it listens on, whether TLS is
// enabled, which HTTP backend to use, and which resource family it serves.
type EndpointSection struct {
	Name       string `yaml:"name"`       // e.g. "m1", "m3", "m5", "management"
	ListenAddr string `yaml:"listenAddr"` // "host:port"
	TLS        bool   `yaml:"tls"`
	Protocol   string `yaml:"protocol"` // "http1" | "http2"
}

type ApplicationServerSection struct {
	CanonicalHostname   string `yaml:"canonicalHostname"`
	URLPathPrefixFormat string `yaml:"urlPathPrefixFormat"`
	M3Port              int    `yaml:"m3Port"`
}

type CertificateManagerSection struct {
	Executable string `yaml:"executable"`
	TimeoutSec int    `yaml:"timeoutSec"`
	CertDir    string `yaml:"certDir"`
}

type NetworkAssistanceSection struct {
	DeliveryBoostSeconds int `yaml:"deliveryBoostSeconds"`
}

type BSFSection struct {
	URI            string `yaml:"uri"`
	CacheTTLSec    int    `yaml:"cacheTTLSec"`
	NegativeTTLSec int    `yaml:"negativeTTLSec"`
}

type PCFSection struct {
	URI string `yaml:"uri"`
}

type NRFSection struct {
	EnableDiscovery bool   `yaml:"enableDiscovery"`
	URI             string `yaml:"uri"`
}

type LoggingSection struct {
	Level        string `yaml:"level"`
	ReportCaller bool   `yaml:"reportCaller"`
}

// ---------- defaults ----------

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ServerName) == "" {
		cfg.ServerName = "localhost"
	}
	if strings.TrimSpace(cfg.APIRelease) == "" {
		cfg.APIRelease = "v2"
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = []EndpointSection{
			{Name: "m1", ListenAddr: "0.0.0.0:7777", Protocol: "http2"},
			{Name: "m3", ListenAddr: "0.0.0.0:7778", Protocol: "http2"},
			{Name: "m5", ListenAddr: "0.0.0.0:7779", Protocol: "http1"},
			{Name: "management", ListenAddr: "0.0.0.0:7780", Protocol: "http1"},
		}
	}
	for i := range cfg.Endpoints {
		if strings.TrimSpace(cfg.Endpoints[i].Protocol) == "" {
			cfg.Endpoints[i].Protocol = "http2"
		}
	}

	if strings.TrimSpace(cfg.CertificateManager.Executable) == "" {
		cfg.CertificateManager.Executable = "certmgr"
	}
	if cfg.CertificateManager.TimeoutSec <= 0 {
		cfg.CertificateManager.TimeoutSec = 10
	}
	if strings.TrimSpace(cfg.CertificateManager.CertDir) == "" {
		cfg.CertificateManager.CertDir = "./certificates"
	}
	if strings.TrimSpace(cfg.DataCollectionDir) == "" {
		cfg.DataCollectionDir = "./data-collection"
	}
	if cfg.SAICacheControlMaxAge <= 0 {
		cfg.SAICacheControlMaxAge = 30
	}
	if cfg.NetworkAssistance.DeliveryBoostSeconds <= 0 {
		cfg.NetworkAssistance.DeliveryBoostSeconds = 20
	}
	if cfg.BSF.CacheTTLSec <= 0 {
		cfg.BSF.CacheTTLSec = 300
	}
	if cfg.BSF.NegativeTTLSec <= 0 {
		cfg.BSF.NegativeTTLSec = 10
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}

// ---------- validation helpers ----------

func isValidHostPort(hostport string) bool {
	if !strings.Contains(hostport, ":") {
		return false
	}
	_, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return false
	}
	return strings.TrimSpace(port) != ""
}

func isValidBaseURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	return parsed.Scheme != "" && parsed.Host != ""
}

// ---------- validate ----------

func validateConfig(cfg *Config) error {
	seenEndpointNames := make(map[string]struct{}, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		if strings.TrimSpace(ep.Name) == "" {
			return fmt.Errorf("endpoints[%d].name is empty", i)
		}
		if _, ok := seenEndpointNames[ep.Name]; ok {
			return fmt.Errorf("endpoints[%d].name duplicated: %q", i, ep.Name)
		}
		seenEndpointNames[ep.Name] = struct{}{}

		if !isValidHostPort(ep.ListenAddr) {
			return fmt.Errorf("endpoints[%d].listenAddr is invalid: %q", i, ep.ListenAddr)
		}
		switch ep.Protocol {
		case "http1", "http2":
		default:
			return fmt.Errorf("endpoints[%d].protocol unsupported: %q", i, ep.Protocol)
		}
	}

	seenHostnames := make(map[string]struct{}, len(cfg.ApplicationServers))
	for i, as := range cfg.ApplicationServers {
		if strings.TrimSpace(as.CanonicalHostname) == "" {
			return fmt.Errorf("applicationServers[%d].canonicalHostname is empty", i)
		}
		if _, ok := seenHostnames[as.CanonicalHostname]; ok {
			return fmt.Errorf("applicationServers[%d].canonicalHostname duplicated: %q", i, as.CanonicalHostname)
		}
		seenHostnames[as.CanonicalHostname] = struct{}{}
		if as.M3Port <= 0 || as.M3Port > 65535 {
			return fmt.Errorf("applicationServers[%d].m3Port out of range: %d", i, as.M3Port)
		}
	}

	if cfg.SAICacheControlMaxAge < 0 {
		return fmt.Errorf("saiCacheControlMaxAge must be >= 0")
	}
	if cfg.NetworkAssistance.DeliveryBoostSeconds <= 0 {
		return fmt.Errorf("networkAssistance.deliveryBoostSeconds must be > 0")
	}

	if cfg.NRF.EnableDiscovery && !isValidBaseURL(cfg.NRF.URI) {
		return fmt.Errorf("nrf.uri invalid (enableDiscovery=true): %q", cfg.NRF.URI)
	}
	if cfg.BSF.URI != "" && !isValidBaseURL(cfg.BSF.URI) {
		return fmt.Errorf("bsf.uri invalid: %q", cfg.BSF.URI)
	}
	if cfg.PCF.URI != "" && !isValidBaseURL(cfg.PCF.URI) {
		return fmt.Errorf("pcf.uri invalid: %q", cfg.PCF.URI)
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level unsupported: %q", cfg.Logging.Level)
	}

	return nil
}

// EndpointByName returns the configured endpoint with the given name, if any.
func (c *Config) EndpointByName(name string) (EndpointSection, bool) {
	for _, ep := range c.Endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EndpointSection{}, false
}
