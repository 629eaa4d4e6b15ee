package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckWritableDirCreatesAndProbes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	require.NoError(t, checkWritableDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = os.Stat(filepath.Join(dir, ".swarmops-doctor-probe"))
	assert.True(t, os.IsNotExist(err), "probe file should be removed after the check")
}

func TestCheckWritableDirRejectsEmptyPath(t *testing.T) {
	err := checkWritableDir("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestCheckCommandTrueAndFalse(t *testing.T) {
	assert.True(t, checkCommand("true", nil))
	assert.False(t, checkCommand("definitely-not-a-real-binary-xyz", nil))
}

func TestValidateSwarmopsConfigReportsIssuesForIncompleteConfig(t *testing.T) {
	origCfgFile := cfgFile
	defer func() { cfgFile = origCfgFile }()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  url: \"\"\n"), 0o644))
	cfgFile = path

	issues := validateSwarmopsConfig()
	require.NotEmpty(t, issues)
}

func TestValidateSwarmopsConfigPassesForCompleteConfig(t *testing.T) {
	origCfgFile := cfgFile
	defer func() { cfgFile = origCfgFile }()

	dir := t.TempDir()
	configYAML := `
gateway:
  url: http://127.0.0.1:0
paths:
  data_root: ` + filepath.Join(dir, "data") + `
  projects_root: ` + filepath.Join(dir, "projects") + `
  worktree_root: ` + filepath.Join(dir, "worktrees") + `
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o644))
	cfgFile = path

	issues := validateSwarmopsConfig()
	assert.Empty(t, issues)
}
