package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/logging"
)

// testConfig returns a config.Config whose required fields (gateway URL,
// the three Paths roots, PublicURL) are all set under a fresh temp
// directory, the way a loaded .swarmops/config.yaml would be once
// defaults and validation both pass.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	loader := config.NewLoader()
	loaded, err := loader.Load()
	require.NoError(t, err)

	loaded.Paths.DataRoot = filepath.Join(dir, "data")
	loaded.Paths.ProjectsRoot = filepath.Join(dir, "projects")
	loaded.Paths.WorktreeRoot = filepath.Join(dir, "worktrees")
	loaded.Gateway.URL = "http://127.0.0.1:0"
	require.NoError(t, config.ValidateConfig(loaded))
	return loaded
}

func TestBuildWiresAllComponents(t *testing.T) {
	c := testConfig(t)
	logger := logging.New(logging.DefaultConfig())

	comps, err := build(c, logger)
	require.NoError(t, err)
	assert.NotNil(t, comps.orc)
	assert.NotNil(t, comps.poller)
	assert.NotNil(t, comps.runs)
	assert.NotNil(t, comps.escs)
	assert.NotNil(t, comps.resources)
	assert.NotNil(t, comps.logger)
}
