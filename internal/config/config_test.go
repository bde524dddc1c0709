package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDefault(t *testing.T) {
	cfg := GenerateDefault()

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, ".", cfg.WorkspaceRoot)

	assert.Equal(t, []string{"claude"}, cfg.Agent.Cmd)
	assert.Equal(t, 600, cfg.Agent.TimeoutS)
	assert.Equal(t, 5000, cfg.Agent.GracePeriodMs)

	assert.Equal(t, []string{"claude", "-p"}, cfg.Arbiter.Cmd)
	assert.Equal(t, 30, cfg.Arbiter.TimeoutS)

	// Conservative quota: shrinks with depth.
	assert.Equal(t, 5, cfg.Quotas.MaxDepth)
	assert.Equal(t, 8, cfg.Quotas.PerDepth["0"])
	assert.Equal(t, 1, cfg.Quotas.PerDepth["5"])

	require.NoError(t, cfg.Validate())
}

func TestValidateMissingVersion(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Version = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
	assert.Contains(t, err.Error(), "Hint")
}

func TestValidateEmptyAgentCmd(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Agent.Cmd = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent.cmd")
}

func TestValidateEmptyArbiterCmd(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Arbiter.Cmd = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "arbiter.cmd")
}

func TestValidateNonPositiveArbiterTimeout(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Arbiter.TimeoutS = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "arbiter.timeout_s")
}

func TestValidateQuotaKeys(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Quotas.PerDepth = map[string]int{"first": 4}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "per_depth")
}

func TestValidateQuotaMustShrink(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Quotas.PerDepth = map[string]int{"0": 2, "1": 8}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, strings.ToLower(err.Error()), "grows with depth")
}

func TestDepthQuotas(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Quotas.PerDepth = map[string]int{"0": 8, "1": 4, "2": 2}
	assert.Equal(t, map[int]int{0: 8, 1: 4, 2: 2}, cfg.DepthQuotas())
}

func TestDurations(t *testing.T) {
	cfg := GenerateDefault()
	assert.Equal(t, 10*time.Minute, cfg.AgentTimeout())
	assert.Equal(t, 5*time.Second, cfg.GracePeriod())
	assert.Equal(t, 30*time.Second, cfg.ArbiterTimeout())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parco.json")
	cfg := GenerateDefault()
	cfg.WorkspaceRoot = "/work/project"
	cfg.Policy.PinnedPackages = []string{"left-pad"}

	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	require.NoError(t, loaded.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parco.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}
