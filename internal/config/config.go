// Package config loads the relay configuration from TOML, with environment
// overrides for the paths that scripts most often need to redirect.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration.
type Config struct {
	Daemon  DaemonConfig  `toml:"daemon"`
	Agent   AgentConfig   `toml:"agent"`
	Parser  ParserConfig  `toml:"parser"`
	Inject  InjectConfig  `toml:"inject"`
	Stuck   StuckConfig   `toml:"stuck"`
	Mailbox MailboxConfig `toml:"mailbox"`
	Events  EventsConfig  `toml:"events"`
}

// DaemonConfig holds broker settings.
type DaemonConfig struct {
	SocketPath          string `toml:"socket_path"`           // Unix socket the daemon listens on
	MaxFrameBytes       int    `toml:"max_frame_bytes"`       // Per-frame size cap
	HeartbeatIntervalMs int    `toml:"heartbeat_interval_ms"` // Advertised in WELCOME
}

// AgentConfig identifies the wrapped agent.
type AgentConfig struct {
	Name         string `toml:"name"`          // Agent name registered with the daemon
	InjectSocket string `toml:"inject_socket"` // Per-agent injection socket path
}

// ParserConfig selects the trigger front ends a wrapper scans for.
type ParserConfig struct {
	// Triggers lists enabled trigger prefixes. Recognized values:
	// "arrow" (->relay:) and "at" (@relay: plus [[RELAY]] blocks).
	// Empty enables "arrow" only.
	Triggers []string `toml:"triggers"`
	// OutboxPath, when set, is scanned for outbox-format command files.
	OutboxPath string `toml:"outbox_path"`
}

// InjectConfig tunes the injection queue and idle heuristic.
type InjectConfig struct {
	MaxQueue            int     `toml:"max_queue"`             // Backpressure threshold
	QuietWindowMs       int     `toml:"quiet_window_ms"`       // Output silence before injecting
	ConfidenceThreshold float64 `toml:"confidence_threshold"`  // Idle score needed to inject
	MaxRetries          int     `toml:"max_retries"`           // Redelivery attempts before giving up
}

// StuckConfig tunes the health detector.
type StuckConfig struct {
	CheckIntervalSec    int      `toml:"check_interval_sec"`
	ExtendedIdleMin     int      `toml:"extended_idle_min"`
	LoopThreshold       int      `toml:"loop_threshold"`
	ToolLoopThreshold   int      `toml:"tool_loop_threshold"`
	ToolLoopWindowMin   int      `toml:"tool_loop_window_min"`
	FloodMinDurationMin int      `toml:"flood_min_duration_min"`
	FloodLinesPerMinute int      `toml:"flood_lines_per_minute"`
	ErrorPatterns       []string `toml:"error_patterns"` // Additions to the built-in set
}

// MailboxConfig locates the file-based delivery substrate.
type MailboxConfig struct {
	Root           string `toml:"root"`             // Directory of per-agent mailbox files
	PollIntervalMs int    `toml:"poll_interval_ms"` // Supervisor fallback poll cadence
}

// EventsConfig tunes the JSONL event log.
type EventsConfig struct {
	LogPath       string `toml:"log_path"`
	RetentionDays int    `toml:"retention_days"`
	Enabled       bool   `toml:"enabled"`
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "relay", "config.toml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "relay", "config.toml")
}

// DefaultRuntimeDir returns where sockets and mailboxes live by default.
func DefaultRuntimeDir() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "relay")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", "relay")
}

// Default returns the built-in configuration.
func Default() *Config {
	runtimeDir := DefaultRuntimeDir()
	return &Config{
		Daemon: DaemonConfig{
			SocketPath:          filepath.Join(runtimeDir, "daemon.sock"),
			MaxFrameBytes:       4 * 1024 * 1024,
			HeartbeatIntervalMs: 15000,
		},
		Parser: ParserConfig{
			Triggers: []string{"arrow"},
		},
		Inject: InjectConfig{
			MaxQueue:            100,
			QuietWindowMs:       1500,
			ConfidenceThreshold: 0.7,
			MaxRetries:          3,
		},
		Stuck: StuckConfig{
			CheckIntervalSec:    30,
			ExtendedIdleMin:     10,
			LoopThreshold:       3,
			ToolLoopThreshold:   10,
			ToolLoopWindowMin:   5,
			FloodMinDurationMin: 2,
			FloodLinesPerMinute: 5000,
		},
		Mailbox: MailboxConfig{
			Root:           filepath.Join(runtimeDir, "mailboxes"),
			PollIntervalMs: 5000,
		},
		Events: EventsConfig{
			LogPath:       "", // internal/events default
			RetentionDays: 30,
			Enabled:       true,
		},
	}
}

// Load loads configuration from a file, filling in defaults for missing
// values and applying environment overrides. A missing file is not an error:
// the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Daemon.SocketPath == "" {
		cfg.Daemon.SocketPath = def.Daemon.SocketPath
	}
	if cfg.Daemon.MaxFrameBytes == 0 {
		cfg.Daemon.MaxFrameBytes = def.Daemon.MaxFrameBytes
	}
	if cfg.Daemon.HeartbeatIntervalMs == 0 {
		cfg.Daemon.HeartbeatIntervalMs = def.Daemon.HeartbeatIntervalMs
	}
	if len(cfg.Parser.Triggers) == 0 {
		cfg.Parser.Triggers = def.Parser.Triggers
	}
	if cfg.Inject.MaxQueue == 0 {
		cfg.Inject.MaxQueue = def.Inject.MaxQueue
	}
	if cfg.Inject.QuietWindowMs == 0 {
		cfg.Inject.QuietWindowMs = def.Inject.QuietWindowMs
	}
	if cfg.Inject.ConfidenceThreshold == 0 {
		cfg.Inject.ConfidenceThreshold = def.Inject.ConfidenceThreshold
	}
	if cfg.Inject.MaxRetries == 0 {
		cfg.Inject.MaxRetries = def.Inject.MaxRetries
	}
	if cfg.Stuck.CheckIntervalSec == 0 {
		cfg.Stuck.CheckIntervalSec = def.Stuck.CheckIntervalSec
	}
	if cfg.Stuck.ExtendedIdleMin == 0 {
		cfg.Stuck.ExtendedIdleMin = def.Stuck.ExtendedIdleMin
	}
	if cfg.Stuck.LoopThreshold == 0 {
		cfg.Stuck.LoopThreshold = def.Stuck.LoopThreshold
	}
	if cfg.Stuck.ToolLoopThreshold == 0 {
		cfg.Stuck.ToolLoopThreshold = def.Stuck.ToolLoopThreshold
	}
	if cfg.Stuck.ToolLoopWindowMin == 0 {
		cfg.Stuck.ToolLoopWindowMin = def.Stuck.ToolLoopWindowMin
	}
	if cfg.Stuck.FloodMinDurationMin == 0 {
		cfg.Stuck.FloodMinDurationMin = def.Stuck.FloodMinDurationMin
	}
	if cfg.Stuck.FloodLinesPerMinute == 0 {
		cfg.Stuck.FloodLinesPerMinute = def.Stuck.FloodLinesPerMinute
	}
	if cfg.Mailbox.Root == "" {
		cfg.Mailbox.Root = def.Mailbox.Root
	}
	if cfg.Mailbox.PollIntervalMs == 0 {
		cfg.Mailbox.PollIntervalMs = def.Mailbox.PollIntervalMs
	}
	if cfg.Events.RetentionDays == 0 {
		cfg.Events.RetentionDays = def.Events.RetentionDays
	}
}

func applyEnv(cfg *Config) {
	if socket := os.Getenv("RELAY_SOCKET"); socket != "" {
		cfg.Daemon.SocketPath = socket
	}
	if name := os.Getenv("RELAY_AGENT"); name != "" {
		cfg.Agent.Name = name
	}
	if root := os.Getenv("RELAY_MAILBOX_ROOT"); root != "" {
		cfg.Mailbox.Root = root
	}
	if enabled := os.Getenv("RELAY_EVENTS_ENABLED"); enabled != "" {
		if v, err := strconv.ParseBool(enabled); err == nil {
			cfg.Events.Enabled = v
		}
	}
}

// MailboxPath returns the mailbox file path for an agent name.
func (c *Config) MailboxPath(agent string) string {
	return filepath.Join(c.Mailbox.Root, agent+".mbox")
}

// InjectSocketPath returns the injection socket path for an agent, deriving
// one next to the daemon socket when not configured explicitly.
func (c *Config) InjectSocketPath(agent string) string {
	if c.Agent.InjectSocket != "" {
		return c.Agent.InjectSocket
	}
	return filepath.Join(filepath.Dir(c.Daemon.SocketPath), "inject-"+agent+".sock")
}
