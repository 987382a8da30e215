package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EffectiveConfigResult is the merged view of file, env and flags used by
// the running server.
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // "flags", "config", or "env"
}

// LoadEffective loads the config file (missing file is not an error),
// applies RELAYD_* env overrides and returns the effective result.
// Explicitly set flags are applied by the caller and win over both.
func LoadEffective(path string) (EffectiveConfigResult, error) {
	cfg := &Config{}
	source := "env"
	if path != "" {
		fileCfg, err := Load(path)
		switch {
		case err == nil:
			cfg = fileCfg
			source = "config"
		case os.IsNotExist(err):
			// defaults + env only
		default:
			return EffectiveConfigResult{}, err
		}
	}
	envUsed := applyEnv(cfg)
	if source != "config" && !envUsed {
		source = "flags"
	}
	applyDefaults(cfg)
	return EffectiveConfigResult{
		Config: cfg,
		Addr:   cfg.Addr(),
		DBPath: cfg.Server.DBPath,
		Source: source,
	}, nil
}

// applyEnv overlays RELAYD_* environment variables onto cfg and reports
// whether any were present.
func applyEnv(cfg *Config) bool {
	used := false
	get := func(name string) (string, bool) {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			return "", false
		}
		used = true
		return v, true
	}
	if v, ok := get("RELAYD_SERVER_ADDRESS"); ok {
		cfg.Server.Address = v
	}
	if v, ok := get("RELAYD_SERVER_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v, ok := get("RELAYD_DB_PATH"); ok {
		cfg.Server.DBPath = v
	}
	if v, ok := get("RELAYD_BACKPLANE_KIND"); ok {
		cfg.Backplane.Kind = v
	}
	if v, ok := get("RELAYD_BACKPLANE_URL"); ok {
		cfg.Backplane.URL = v
	}
	if v, ok := get("RELAYD_BACKPLANE_CHANNEL"); ok {
		cfg.Backplane.Channel = v
	}
	if v, ok := get("RELAYD_NODE_ID"); ok {
		cfg.Backplane.NodeID = v
	}
	if v, ok := get("RELAYD_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	return used
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = "./relay-data"
	}
	if cfg.Backplane.Kind == "" {
		cfg.Backplane.Kind = "none"
	}
	if cfg.Backplane.Channel == "" {
		cfg.Backplane.Channel = "relayd.broadcast"
	}
	if cfg.Relay.MaxMessageSize == 0 {
		cfg.Relay.MaxMessageSize = 64 * 1024
	}
	if cfg.Relay.WriteTimeout == 0 {
		cfg.Relay.WriteTimeout = Duration(10 * time.Second)
	}
	if cfg.Relay.SendBuffer == 0 {
		cfg.Relay.SendBuffer = 64
	}
	if cfg.Retention.BatchSize == 0 {
		cfg.Retention.BatchSize = 256
	}
}
