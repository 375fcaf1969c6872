package server

import (
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/ledger/pkg/errs"
	"github.com/cuemby/ledger/pkg/raft"
)

// Config holds the static configuration options recognized for a node:
// cluster identity and membership, storage location, durability mode, and
// Raft timing.
type Config struct {
	NodeID     string            `yaml:"node_id"`
	Peers      map[string]string `yaml:"peers"`
	ListenAddr string            `yaml:"listen_addr"`
	DataDir    string            `yaml:"data_dir"`
	Sync       bool              `yaml:"sync"`

	TickPeriodMS            int   `yaml:"tick_period_ms"`
	HeartbeatIntervalTicks  int   `yaml:"heartbeat_interval_ticks"`
	ElectionTimeoutRange    [2]int `yaml:"election_timeout_range_ticks"`
}

// LoadConfig reads and parses a YAML configuration file at path, then
// applies defaults and validates it.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errs.Wrap(errs.KindConfig, err, "read config file %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errs.Wrap(errs.KindConfig, err, "parse config file %s", path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TickPeriodMS == 0 {
		c.TickPeriodMS = 100
	}
	if c.HeartbeatIntervalTicks == 0 {
		c.HeartbeatIntervalTicks = 1
	}
	if c.ElectionTimeoutRange == ([2]int{}) {
		c.ElectionTimeoutRange = [2]int{8, 15}
	}
}

// Validate rejects a Config that would produce an inconsistent node, per
// the Config error kind.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errs.Configf("node_id is required")
	}
	if c.DataDir == "" {
		return errs.Configf("data_dir is required")
	}
	if _, ok := c.Peers[c.NodeID]; ok {
		return errs.Configf("node_id %s must not appear in its own peers map", c.NodeID)
	}
	if len(c.Peers) > 0 && c.ListenAddr == "" {
		return errs.Configf("listen_addr is required when peers are configured")
	}
	if c.TickPeriodMS <= 0 {
		return errs.Configf("tick_period_ms must be positive")
	}
	if c.HeartbeatIntervalTicks <= 0 {
		return errs.Configf("heartbeat_interval_ticks must be positive")
	}
	lo, hi := c.ElectionTimeoutRange[0], c.ElectionTimeoutRange[1]
	if lo <= 0 || hi <= lo {
		return errs.Configf("election_timeout_range_ticks must be an increasing positive pair, got (%d, %d)", lo, hi)
	}
	return nil
}

// raftConfig translates the timing options into a raft.Config.
func (c Config) raftConfig() raft.Config {
	return raft.Config{
		HeartbeatInterval:  c.HeartbeatIntervalTicks,
		ElectionTimeoutMin: c.ElectionTimeoutRange[0],
		ElectionTimeoutMax: c.ElectionTimeoutRange[1],
	}
}

// peerIDs returns the sorted peer ids (stable broadcast order, useful for
// deterministic tests).
func (c Config) peerIDs() []string {
	ids := make([]string, 0, len(c.Peers))
	for id := range c.Peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
