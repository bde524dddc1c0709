// Package config loads and validates the parco.json configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// Config represents the parco.json configuration file.
type Config struct {
	Version       string  `json:"version"`
	WorkspaceRoot string  `json:"workspace_root"`
	DatabasePath  string  `json:"database_path"`
	AuditPath     string  `json:"audit_path"`
	Agent         Agent   `json:"agent"`
	Arbiter       Arbiter `json:"arbiter"`
	Policy        Policy  `json:"policy"`
	Quotas        Quotas  `json:"quotas"`
}

// Agent configures the supervised agent process.
type Agent struct {
	Cmd           []string          `json:"cmd"`
	Env           map[string]string `json:"env,omitempty"`
	TimeoutS      int               `json:"timeout_s"`
	GracePeriodMs int               `json:"grace_period_ms"`
}

// Arbiter configures the second-opinion judgment process.
type Arbiter struct {
	Cmd      []string `json:"cmd"`
	TimeoutS int      `json:"timeout_s"`
}

// Policy configures the deterministic decision rules.
type Policy struct {
	PinnedPackages []string `json:"pinned_packages,omitempty"`
	CriticalFiles  []string `json:"critical_files,omitempty"`
}

// Quotas configures recursion and per-depth worker limits.
type Quotas struct {
	MaxDepth int `json:"max_depth"`
	// PerDepth maps depth to maximum live workers; JSON object keys
	// are decimal depths.
	PerDepth map[string]int `json:"per_depth"`
	// BestEffort lets sibling jobs run to completion after a failure
	// instead of the default fail-fast cancellation.
	BestEffort bool `json:"best_effort,omitempty"`
}

// GenerateDefault creates a Config with conservative defaults: quota
// shrinks with depth so runaway recursion starves before it floods the
// machine.
func GenerateDefault() *Config {
	return &Config{
		Version:       "1.0",
		WorkspaceRoot: ".",
		DatabasePath:  ".parco/core.db",
		AuditPath:     ".parco/audit.log",
		Agent: Agent{
			Cmd:           []string{"claude"},
			TimeoutS:      600,
			GracePeriodMs: 5000,
			Env: map[string]string{
				"LOG_LEVEL": "info",
			},
		},
		Arbiter: Arbiter{
			Cmd:      []string{"claude", "-p"},
			TimeoutS: 30,
		},
		Policy: Policy{
			CriticalFiles: []string{".env", "go.mod", "package.json", "credentials.json"},
		},
		Quotas: Quotas{
			MaxDepth: 5,
			PerDepth: map[string]int{
				"0": 8, "1": 4, "2": 2, "3": 1, "4": 1, "5": 1,
			},
		},
	}
}

// Validate checks the configuration and returns user-friendly error
// messages.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if len(c.Agent.Cmd) == 0 {
		return fmt.Errorf("configuration error: 'agent.cmd' is empty\n\nHint: Specify the command that launches the agent:\n  \"agent\": {\"cmd\": [\"claude\"]}")
	}

	if len(c.Arbiter.Cmd) == 0 {
		return fmt.Errorf("configuration error: 'arbiter.cmd' is empty\n\nHint: Specify the command that answers escalated questions:\n  \"arbiter\": {\"cmd\": [\"claude\", \"-p\"]}")
	}

	if c.Arbiter.TimeoutS <= 0 {
		return fmt.Errorf("configuration error: 'arbiter.timeout_s' must be positive, got %d\n\nHint: A stalled arbiter falls back to templated decisions after this many seconds:\n  \"arbiter\": {\"timeout_s\": 30}", c.Arbiter.TimeoutS)
	}

	if c.Quotas.MaxDepth < 0 {
		return fmt.Errorf("configuration error: 'quotas.max_depth' must be >= 0, got %d", c.Quotas.MaxDepth)
	}

	if len(c.Quotas.PerDepth) == 0 {
		return fmt.Errorf("configuration error: 'quotas.per_depth' is empty\n\nHint: Map each depth to its worker limit, shrinking with depth:\n  \"per_depth\": {\"0\": 8, \"1\": 4, \"2\": 2}")
	}

	for key, limit := range c.Quotas.PerDepth {
		depth, err := strconv.Atoi(key)
		if err != nil || depth < 0 {
			return fmt.Errorf("configuration error: 'quotas.per_depth' key %q is not a depth\n\nHint: Keys are non-negative integers:\n  \"per_depth\": {\"0\": 8}", key)
		}
		if limit < 0 {
			return fmt.Errorf("configuration error: 'quotas.per_depth[%s]' must be >= 0, got %d", key, limit)
		}
	}

	// Each configured depth allows at most as many workers as the one
	// above it.
	depths := make([]int, 0, len(c.Quotas.PerDepth))
	for key := range c.Quotas.PerDepth {
		d, _ := strconv.Atoi(key)
		depths = append(depths, d)
	}
	sort.Ints(depths)
	for i := 1; i < len(depths); i++ {
		prev := c.Quotas.PerDepth[strconv.Itoa(depths[i-1])]
		cur := c.Quotas.PerDepth[strconv.Itoa(depths[i])]
		if cur > prev {
			return fmt.Errorf("configuration error: quota grows with depth (depth %d allows %d, depth %d allows %d)\n\nHint: Deeper levels must get the same or fewer workers", depths[i-1], prev, depths[i], cur)
		}
	}

	return nil
}

// DepthQuotas converts the JSON quota object into the depth->limit map
// the resource manager consumes.
func (c *Config) DepthQuotas() map[int]int {
	out := make(map[int]int, len(c.Quotas.PerDepth))
	for key, limit := range c.Quotas.PerDepth {
		if depth, err := strconv.Atoi(key); err == nil {
			out[depth] = limit
		}
	}
	return out
}

// ResolvePath anchors a relative path at the workspace root.
func (c *Config) ResolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.WorkspaceRoot, p)
}

// AgentTimeout returns the agent run limit as a duration.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutS) * time.Second
}

// GracePeriod returns the terminate grace window as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Agent.GracePeriodMs) * time.Millisecond
}

// ArbiterTimeout returns the judgment deadline as a duration.
func (c *Config) ArbiterTimeout() time.Duration {
	return time.Duration(c.Arbiter.TimeoutS) * time.Second
}

// LoadFromFile loads a configuration from a JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration to a JSON file with 0600
// permissions.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}
