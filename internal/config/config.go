package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Tmux     TmuxConfig     `yaml:"tmux"`
	SSH      SSHConfig      `yaml:"ssh"`
	Sessions SessionsConfig `yaml:"sessions"`
	Broker   BrokerConfig   `yaml:"broker"`
	Agent    AgentConfig    `yaml:"agent"`
	Storage  StorageConfig  `yaml:"storage"`
}

type ServerConfig struct {
	Listen          string `yaml:"listen"`
	AdvertiseURL    string `yaml:"advertise_url"`
	InputRatePerSec int    `yaml:"input_rate_per_sec"`
	InputBurst      int    `yaml:"input_burst"`
}

type TmuxConfig struct {
	Bin               string `yaml:"bin"`
	Socket            string `yaml:"socket"`
	SnapshotLines     int    `yaml:"snapshot_lines"`
	MonitorIntervalMs int    `yaml:"monitor_interval_ms"`
	CaptureTimeoutMs  int    `yaml:"capture_timeout_ms"`
}

type SSHConfig struct {
	Bin               string `yaml:"bin"`
	ControlPath       string `yaml:"control_path"`
	ControlPersistSec int    `yaml:"control_persist_sec"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
	MachinesFile      string `yaml:"machines_file"`
}

type SessionsConfig struct {
	Prefix        string `yaml:"prefix"`
	WorktreesRoot string `yaml:"worktrees_root"`
	KillGraceMs   int    `yaml:"kill_grace_ms"`
}

type BrokerConfig struct {
	DeadlineMs      int      `yaml:"deadline_ms"`
	VoiceTool       string   `yaml:"voice_tool"`
	AllowKeys       []string `yaml:"allow_keys"`
	AllowAlwaysKeys []string `yaml:"allow_always_keys"`
	DenyKeys        []string `yaml:"deny_keys"`
}

type AgentConfig struct {
	Command    string              `yaml:"command"`
	ResumeArgs []string            `yaml:"resume_args"`
	KindArgs   map[string][]string `yaml:"kind_args"`
}

type StorageConfig struct {
	StateDir string `yaml:"state_dir"`
	AuditDB  string `yaml:"audit_db"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:7601"
	}
	if cfg.Server.AdvertiseURL == "" {
		cfg.Server.AdvertiseURL = "http://" + cfg.Server.Listen
	}
	if cfg.Server.InputRatePerSec == 0 {
		cfg.Server.InputRatePerSec = 200
	}
	if cfg.Server.InputBurst == 0 {
		cfg.Server.InputBurst = 2048
	}
	if cfg.Tmux.Bin == "" {
		cfg.Tmux.Bin = "tmux"
	}
	if cfg.Tmux.SnapshotLines == 0 {
		cfg.Tmux.SnapshotLines = 200
	}
	if cfg.Tmux.MonitorIntervalMs == 0 {
		cfg.Tmux.MonitorIntervalMs = 500
	}
	if cfg.Tmux.CaptureTimeoutMs == 0 {
		cfg.Tmux.CaptureTimeoutMs = 3000
	}
	if cfg.SSH.Bin == "" {
		cfg.SSH.Bin = "ssh"
	}
	if cfg.SSH.ControlPath == "" {
		cfg.SSH.ControlPath = "~/.ssh/pilotd-%r@%h:%p"
	}
	if cfg.SSH.ControlPersistSec == 0 {
		cfg.SSH.ControlPersistSec = 60
	}
	if cfg.SSH.ConnectTimeoutSec == 0 {
		cfg.SSH.ConnectTimeoutSec = 5
	}
	if cfg.Sessions.Prefix == "" {
		cfg.Sessions.Prefix = "pilot-"
	}
	if cfg.Sessions.WorktreesRoot == "" {
		cfg.Sessions.WorktreesRoot = "/var/lib/pilotd/worktrees"
	}
	if cfg.Sessions.KillGraceMs == 0 {
		cfg.Sessions.KillGraceMs = 3000
	}
	if cfg.Broker.DeadlineMs == 0 {
		cfg.Broker.DeadlineMs = 300000
	}
	if cfg.Broker.VoiceTool == "" {
		cfg.Broker.VoiceTool = "speak"
	}
	if len(cfg.Broker.AllowKeys) == 0 {
		cfg.Broker.AllowKeys = []string{"y", "Enter"}
	}
	if len(cfg.Broker.AllowAlwaysKeys) == 0 {
		cfg.Broker.AllowAlwaysKeys = []string{"a", "Enter"}
	}
	if len(cfg.Broker.DenyKeys) == 0 {
		cfg.Broker.DenyKeys = []string{"n", "Enter"}
	}
	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "claude"
	}
	if len(cfg.Agent.ResumeArgs) == 0 {
		cfg.Agent.ResumeArgs = []string{"--continue"}
	}
	if cfg.Agent.KindArgs == nil {
		cfg.Agent.KindArgs = map[string][]string{
			"unrestricted": {"--dangerously-skip-permissions"},
		}
	}
	if cfg.Storage.StateDir == "" {
		cfg.Storage.StateDir = "/var/lib/pilotd"
	}
	if cfg.Storage.AuditDB == "" {
		cfg.Storage.AuditDB = cfg.Storage.StateDir + "/audit.db"
	}
}
