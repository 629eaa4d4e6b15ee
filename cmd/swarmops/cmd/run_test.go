package cmd

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/logging"
)

func TestRunRunStatusListsSeededRuns(t *testing.T) {
	origCfg, origLog := cfg, log
	cfg = testConfig(t)
	log = logging.New(logging.DefaultConfig())
	defer func() { cfg, log = origCfg, origLog }()

	comps, err := build(cfg, log)
	require.NoError(t, err)

	run := core.NewRunFromBranch("run-1", "proj-a", "/tmp/proj-a", "/tmp/proj-a/.git", "main", nil)
	require.NoError(t, comps.runs.Create(run))

	origStatusID := runStatusID
	defer func() { runStatusID = origStatusID }()
	runStatusID = ""

	var buf bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&buf)

	require.NoError(t, runRunStatus(c, nil))
	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "proj-a")
}

func TestRunRunStatusFiltersByRunID(t *testing.T) {
	origCfg, origLog := cfg, log
	cfg = testConfig(t)
	log = logging.New(logging.DefaultConfig())
	defer func() { cfg, log = origCfg, origLog }()

	comps, err := build(cfg, log)
	require.NoError(t, err)

	run1 := core.NewRunFromBranch("run-1", "proj-a", "/tmp/proj-a", "/tmp/proj-a/.git", "main", nil)
	run2 := core.NewRunFromBranch("run-2", "proj-b", "/tmp/proj-b", "/tmp/proj-b/.git", "main", nil)
	require.NoError(t, comps.runs.Create(run1))
	require.NoError(t, comps.runs.Create(run2))

	origStatusID := runStatusID
	defer func() { runStatusID = origStatusID }()
	runStatusID = "run-2"

	var buf bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&buf)

	require.NoError(t, runRunStatus(c, nil))
	out := buf.String()
	assert.Contains(t, out, "proj-b")
	assert.NotContains(t, out, "proj-a")
}
