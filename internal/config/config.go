// Package config loads the dispatcher's settings from npsat.yaml and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/manthysbr/npsat-dispatch/internal/core/codec"
	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
)

const (
	ConfigPathEnv     = "NPSAT_CONFIG"
	DefaultConfigPath = "npsat.yaml"
)

type Config struct {
	LogLevel        string                  `yaml:"log_level"`
	Store           StoreConfig             `yaml:"store"`
	Solver          SolverConfig            `yaml:"solver"`
	Dispatcher      DispatcherConfig        `yaml:"dispatcher"`
	Percentiles     []float64               `yaml:"percentiles"`
	RegionCodes     map[string]string       `yaml:"region_codes"`
	AllOtherCropsID int64                   `yaml:"all_other_crops_id"`
	CropSchemes     map[string][]CropConfig `yaml:"crop_schemes"`
	Ops             OpsConfig               `yaml:"ops"`
}

type StoreConfig struct {
	Driver  string `yaml:"driver"` // duckdb | postgres
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

type EndpointConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type SolverConfig struct {
	Endpoints        []EndpointConfig `yaml:"endpoints"`
	ProbeInterval    time.Duration    `yaml:"probe_interval"`
	ProbeTimeout     time.Duration    `yaml:"probe_timeout"`
	ProbeConcurrency int64            `yaml:"probe_concurrency"`
	ProbeRequest     string           `yaml:"probe_request"`
	ProbeResponse    string           `yaml:"probe_response"`
	MaxReplyBytes    int              `yaml:"max_reply_bytes"`
}

type DispatcherConfig struct {
	PollInterval         time.Duration `yaml:"poll_interval"`
	TransportTimeout     time.Duration `yaml:"transport_timeout"`
	NoEndpointBackoff    time.Duration `yaml:"no_endpoint_backoff"`
	NoEndpointWarnWindow time.Duration `yaml:"no_endpoint_warn_window"`
	ListRetryAttempts    uint          `yaml:"list_retry_attempts"`
	ListRetryDelay       time.Duration `yaml:"list_retry_delay"`
}

// CropConfig is one crop of a scheme. Active defaults to true when omitted.
type CropConfig struct {
	ID     int64  `yaml:"id"`
	Name   string `yaml:"name"`
	Code   string `yaml:"code"`
	Active *bool  `yaml:"active"`
}

type OpsConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Store: StoreConfig{
			Driver:  "duckdb",
			DSN:     "npsat.db",
			Migrate: true,
		},
		Solver: SolverConfig{
			ProbeInterval:    5 * time.Minute,
			ProbeTimeout:     5 * time.Second,
			ProbeConcurrency: 4,
			ProbeRequest:     "isReady ENDofMSG\n",
			ProbeResponse:    "Mantis is ready",
			MaxReplyBytes:    64 << 20,
		},
		Dispatcher: DispatcherConfig{
			PollInterval:         5 * time.Second,
			TransportTimeout:     10 * time.Minute,
			NoEndpointBackoff:    time.Minute,
			NoEndpointWarnWindow: 24 * time.Hour,
			ListRetryAttempts:    3,
			ListRetryDelay:       time.Second,
		},
		Percentiles: []float64{5, 15, 50, 85, 95},
		RegionCodes: map[string]string{
			string(domain.RegionCentralValley): "CentralValley",
			string(domain.RegionSubBasin):      "Basins",
			string(domain.RegionCounty):        "Counties",
			string(domain.RegionB118Basin):     "B118",
			string(domain.RegionCVHMFarm):      "Farms",
			string(domain.RegionTownship):      "Townships",
		},
		AllOtherCropsID: 1,
		Ops: OpsConfig{
			Addr:           ":8090",
			AllowedOrigins: []string{"http://localhost:5173"},
		},
	}
}

// Load reads the YAML file named by NPSAT_CONFIG (npsat.yaml by default) over
// the defaults, applies environment overrides and validates the result. A
// missing default file is not an error; a missing explicit one is.
func Load() (Config, error) {
	path := os.Getenv(ConfigPathEnv)
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}

	cfg := DefaultConfig()
	if err := cfg.readFile(path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.resolveSecrets(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile is Load for an explicit path, without consulting NPSAT_CONFIG
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if err := cfg.readFile(path); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.resolveSecrets(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("NPSAT_DB_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("NPSAT_DB_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("NPSAT_OPS_ADDR"); v != "" {
		c.Ops.Addr = v
	}
	if v := os.Getenv("NPSAT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("NPSAT_ENDPOINTS"); v != "" {
		eps, err := ParseEndpoints(v)
		if err != nil {
			return fmt.Errorf("NPSAT_ENDPOINTS: %w", err)
		}
		c.Solver.Endpoints = eps
	}
	return nil
}

// resolveSecrets opens an enc: DSN with NPSAT_SECRET_KEY
func (c *Config) resolveSecrets() error {
	if !IsEncrypted(c.Store.DSN) {
		return nil
	}
	key, err := NewSecretKey()
	if err != nil {
		return fmt.Errorf("store.dsn is encrypted: %w", err)
	}
	dsn, err := key.Decrypt(c.Store.DSN)
	if err != nil {
		return fmt.Errorf("store.dsn: %w", err)
	}
	c.Store.DSN = dsn
	return nil
}

// ParseEndpoints reads "host:port,host:port"
func ParseEndpoints(s string) ([]EndpointConfig, error) {
	var out []EndpointConfig
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(part)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", part, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: bad port", part)
		}
		out = append(out, EndpointConfig{Host: host, Port: port})
	}
	return out, nil
}

func (c Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "duckdb", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want duckdb or postgres", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required for postgres"))
	}

	seen := make(map[string]bool)
	for _, ep := range c.Solver.Endpoints {
		if ep.Host == "" || ep.Port <= 0 || ep.Port > 65535 {
			errs = append(errs, fmt.Errorf("solver endpoint %s:%d is invalid", ep.Host, ep.Port))
			continue
		}
		addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
		if seen[addr] {
			errs = append(errs, fmt.Errorf("solver endpoint %s listed twice", addr))
		}
		seen[addr] = true
	}
	if c.Solver.ProbeConcurrency < 1 {
		errs = append(errs, errors.New("solver.probe_concurrency must be at least 1"))
	}
	if c.Solver.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("solver.probe_timeout must be positive"))
	}
	if c.Solver.MaxReplyBytes <= 0 {
		errs = append(errs, errors.New("solver.max_reply_bytes must be positive"))
	}
	if c.Solver.ProbeResponse == "" {
		errs = append(errs, errors.New("solver.probe_response is empty"))
	}

	d := c.Dispatcher
	if d.PollInterval <= 0 || d.TransportTimeout <= 0 || d.NoEndpointBackoff <= 0 || d.NoEndpointWarnWindow <= 0 {
		errs = append(errs, errors.New("dispatcher intervals must be positive"))
	}
	if d.ListRetryAttempts < 1 {
		errs = append(errs, errors.New("dispatcher.list_retry_attempts must be at least 1"))
	}

	if len(c.Percentiles) == 0 {
		errs = append(errs, errors.New("percentiles is empty"))
	}
	for _, p := range c.Percentiles {
		if p < 0 || p > 100 {
			errs = append(errs, fmt.Errorf("percentile %g out of [0,100]", p))
		}
	}

	for _, rt := range []domain.RegionType{
		domain.RegionCentralValley, domain.RegionSubBasin, domain.RegionCounty,
		domain.RegionB118Basin, domain.RegionCVHMFarm, domain.RegionTownship,
	} {
		if c.RegionCodes[string(rt)] == "" {
			errs = append(errs, fmt.Errorf("region_codes.%s is missing", rt))
		}
	}

	for scheme, crops := range c.CropSchemes {
		ids := make(map[int64]bool)
		for _, crop := range crops {
			if crop.Code == "" {
				errs = append(errs, fmt.Errorf("crop_schemes.%s: crop %d has no code", scheme, crop.ID))
			}
			if ids[crop.ID] {
				errs = append(errs, fmt.Errorf("crop_schemes.%s: crop %d listed twice", scheme, crop.ID))
			}
			ids[crop.ID] = true
		}
	}

	if c.Ops.Addr == "" {
		errs = append(errs, errors.New("ops.addr is empty"))
	}
	return errors.Join(errs...)
}

// Tables builds the codec lookup tables
func (c Config) Tables() codec.Tables {
	codes := make(domain.RegionCodes, len(c.RegionCodes))
	for k, v := range c.RegionCodes {
		codes[domain.RegionType(k)] = v
	}
	catalog := make(domain.CropCatalog, len(c.CropSchemes))
	for scheme, crops := range c.CropSchemes {
		list := make([]domain.Crop, 0, len(crops))
		for _, cc := range crops {
			active := cc.Active == nil || *cc.Active
			list = append(list, domain.Crop{ID: cc.ID, Name: cc.Name, Code: cc.Code, Active: active})
		}
		catalog[scheme] = list
	}
	return codec.Tables{
		RegionCodes:     codes,
		Crops:           catalog,
		AllOtherCropsID: c.AllOtherCropsID,
	}
}

// Endpoints returns the configured solver servers, all offline
func (c Config) Endpoints() []domain.Endpoint {
	out := make([]domain.Endpoint, 0, len(c.Solver.Endpoints))
	for _, ep := range c.Solver.Endpoints {
		out = append(out, domain.Endpoint{Host: ep.Host, Port: ep.Port})
	}
	return out
}

func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
