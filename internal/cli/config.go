package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/pbs-jobcore/internal/controller"
	"github.com/ChuLiYu/pbs-jobcore/internal/move"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Server struct {
		Name         string   `yaml:"name"`
		Addrs        []string `yaml:"addrs"` // other names this server answers to
		Port         int      `yaml:"port"`
		Home         string   `yaml:"home"`
		Managers     []string `yaml:"managers"`
		DefaultQueue string   `yaml:"default_queue"`
	} `yaml:"server"`

	Worker struct {
		WorkerCount int `yaml:"worker_count"`
		BufferSize  int `yaml:"buffer_size"`
	} `yaml:"worker"`

	Move struct {
		RetryLimit           int           `yaml:"retry_limit"`
		RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
		RouteInterval        time.Duration `yaml:"route_interval"`
		RouteRetryLimit      int           `yaml:"route_retry_limit"` // negative disables the limit
		ManagerBypassChecks  bool          `yaml:"manager_bypass_checks"`
		ManagerBypassACL     bool          `yaml:"manager_bypass_acl"`
		DefaultPort          int           `yaml:"default_port"`
		MomPort              int           `yaml:"mom_port"`
		RPCTimeout           time.Duration `yaml:"rpc_timeout"`
	} `yaml:"move"`

	Storage struct {
		QueueDir    string `yaml:"queue_dir"`
		JobDir      string `yaml:"job_dir"`
		ACLDir      string `yaml:"acl_dir"`
		SpoolDir    string `yaml:"spool_dir"`
		JournalPath string `yaml:"journal_path"`
		JournalSync bool   `yaml:"journal_sync"`
	} `yaml:"storage"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log LogConfig `yaml:"log"`

	Queues []controller.QueueSpec `yaml:"queues"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

const (
	defaultServerPort = 15001
	defaultHome       = "/var/spool/torque"

	defaultRouteRetryLimit = 20
)

// applyDefaults fills every unset field. Storage paths default to
// directories under server.home.
func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Server.Name = host
		} else {
			c.Server.Name = "localhost"
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultServerPort
	}
	if c.Server.Home == "" {
		c.Server.Home = defaultHome
	}

	if c.Worker.WorkerCount <= 0 {
		c.Worker.WorkerCount = 4
	}
	if c.Worker.BufferSize <= 0 {
		c.Worker.BufferSize = 256
	}

	if c.Move.RetryLimit <= 0 {
		c.Move.RetryLimit = 2
	}
	if c.Move.RetryInitialInterval <= 0 {
		c.Move.RetryInitialInterval = time.Second
	}
	if c.Move.RouteInterval <= 0 {
		c.Move.RouteInterval = 10 * time.Second
	}
	if c.Move.RouteRetryLimit == 0 {
		c.Move.RouteRetryLimit = defaultRouteRetryLimit
	}
	if c.Move.DefaultPort == 0 {
		c.Move.DefaultPort = c.Server.Port
	}
	if c.Move.MomPort == 0 {
		c.Move.MomPort = controller.DefaultMomPort
	}
	if c.Move.RPCTimeout <= 0 {
		c.Move.RPCTimeout = 30 * time.Second
	}

	priv := filepath.Join(c.Server.Home, "server_priv")
	if c.Storage.QueueDir == "" {
		c.Storage.QueueDir = filepath.Join(priv, "queues")
	}
	if c.Storage.JobDir == "" {
		c.Storage.JobDir = filepath.Join(priv, "jobs")
	}
	if c.Storage.ACLDir == "" {
		c.Storage.ACLDir = filepath.Join(priv, "acl_queues")
	}
	if c.Storage.SpoolDir == "" {
		c.Storage.SpoolDir = filepath.Join(c.Server.Home, "spool")
	}
	if c.Storage.JournalPath == "" {
		c.Storage.JournalPath = filepath.Join(priv, "accounting", "journal.log")
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// controllerConfig maps the file layout onto controller.Config.
func (c *Config) controllerConfig() controller.Config {
	return controller.Config{
		ServerName:      c.Server.Name,
		ServerAddrs:     c.Server.Addrs,
		DefaultPort:     c.Move.DefaultPort,
		MomPort:         c.Move.MomPort,
		WorkerCount:     c.Worker.WorkerCount,
		BufferSize:      c.Worker.BufferSize,
		QueueDir:        c.Storage.QueueDir,
		ACLDir:          c.Storage.ACLDir,
		JobDir:          c.Storage.JobDir,
		SpoolDir:        c.Storage.SpoolDir,
		JournalPath:     c.Storage.JournalPath,
		JournalSync:     c.Storage.JournalSync,
		RetryLimit:      c.Move.RetryLimit,
		RetryInterval:   c.Move.RetryInitialInterval,
		RouteInterval:   c.Move.RouteInterval,
		RouteRetryLimit: max(c.Move.RouteRetryLimit, 0),
		Admission: move.Admission{
			ManagerMoveBypass:    c.Move.ManagerBypassChecks,
			ManagerMoveBypassACL: c.Move.ManagerBypassACL,
		},
		Queues: c.Queues,
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// setupLogging installs the default slog logger. Package loggers captured
// before this call forward through the log package at the same level.
func setupLogging(cfg LogConfig, w io.Writer) {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
	slog.SetLogLoggerLevel(level)
}
