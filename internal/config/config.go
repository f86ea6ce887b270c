package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"alan3344/go-minicap-relay/internal/types"
)

const (
	RotationADB  = "adb"
	RotationNATS = "nats"
	RotationNone = "none"
)

type Config struct {
	Listen   string         `yaml:"listen"`
	WSPath   string         `yaml:"ws_path"`
	Log      LogConfig      `yaml:"log"`
	ADB      ADBConfig      `yaml:"adb"`
	Capture  CaptureConfig  `yaml:"capture"`
	Viewer   ViewerConfig   `yaml:"viewer"`
	Rotation RotationConfig `yaml:"rotation"`
	NATS     NATSConfig     `yaml:"nats"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

type ADBConfig struct {
	Path        string        `yaml:"path"`
	Serial      string        `yaml:"serial"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

type CaptureConfig struct {
	BinaryDir      string        `yaml:"binary_dir"`
	Socket         string        `yaml:"socket"`
	Transport      string        `yaml:"transport"` // socket, stdout
	ForwardPort    int           `yaml:"forward_port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type ViewerConfig struct {
	MaxPending   int           `yaml:"max_pending"` // 字节
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type RotationConfig struct {
	Source       string        `yaml:"source"` // adb, nats, none
	PollInterval time.Duration `yaml:"poll_interval"`
}

type NATSConfig struct {
	URL           string `yaml:"url"` // 为空则不连接
	SubjectPrefix string `yaml:"subject_prefix"`
}

func Default() *Config {
	return &Config{
		Listen: types.DefaultHTTPAddr,
		WSPath: types.WSPath,
		Log:    LogConfig{Level: "info", Format: "text"},
		ADB: ADBConfig{
			Path:        "adb",
			WaitTimeout: types.WaitDevice,
		},
		Capture: CaptureConfig{
			BinaryDir:      types.MinicapDir,
			Socket:         types.MinicapSocket,
			Transport:      "socket",
			ForwardPort:    types.ForwardPort,
			ConnectTimeout: types.ConnectTimeout,
		},
		Viewer: ViewerConfig{
			MaxPending:   types.ViewerMaxPending,
			WriteTimeout: types.ViewerWriteTimeout,
			PingInterval: types.ViewerPingInterval,
		},
		Rotation: RotationConfig{Source: RotationADB, PollInterval: types.RotationPoll},
		NATS:     NATSConfig{SubjectPrefix: "minicap"},
	}
}

// Load 读取 YAML，未给出的字段保留默认值。path 为空时只用默认值。
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadWithFlags 读取 YAML 后叠加命令行参数，最后统一校验一次
func LoadWithFlags(path string, fs *pflag.FlagSet) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyFlags(fs); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func read(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Errorf("ws_path %q must start with /", c.WSPath))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	switch c.Capture.Transport {
	case "socket", "stdout":
	default:
		errs = append(errs, fmt.Errorf("capture.transport %q is not one of socket, stdout", c.Capture.Transport))
	}
	if c.Capture.ForwardPort <= 0 || c.Capture.ForwardPort > 65535 {
		errs = append(errs, fmt.Errorf("capture.forward_port %d out of range", c.Capture.ForwardPort))
	}
	if c.Viewer.MaxPending <= 0 {
		errs = append(errs, errors.New("viewer.max_pending must be positive"))
	}
	switch c.Rotation.Source {
	case RotationADB, RotationNone:
	case RotationNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("rotation.source nats requires nats.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("rotation.source %q is not one of adb, nats, none", c.Rotation.Source))
	}
	return errors.Join(errs...)
}
