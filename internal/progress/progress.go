// Package progress implements orchestrator.ProjectProgress against the
// on-disk project layout (§ "Per-project files"): each project is a
// directory under a configured projects root, carrying its own
// progress.md, state.json, and activity.jsonl alongside the actual git
// checkout the pipeline operates on.
package progress

import (
	"os"
	"path/filepath"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/fsutil"
	"github.com/swarmops/swarmops/internal/parser"
)

// FilesystemProgress serves progress.md out of <projectsRoot>/<project>/.
type FilesystemProgress struct {
	projectsRoot string
}

// New returns a FilesystemProgress rooted at projectsRoot.
func New(projectsRoot string) *FilesystemProgress {
	return &FilesystemProgress{projectsRoot: projectsRoot}
}

// Load reads and parses <projectsRoot>/<project>/progress.md. project
// names ultimately come from a webhook payload or a CLI flag, so the read
// goes through fsutil.ReadFileScoped rather than a bare os.ReadFile to
// keep a "../"-laced project name from escaping projectsRoot.
func (p *FilesystemProgress) Load(project string) (*parser.Result, string, error) {
	path := p.progressPath(project)
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, path, core.ErrNotFound("progress document", project)
		}
		return nil, path, core.ErrTransientIO("reading progress document: " + err.Error())
	}
	result, err := parser.Parse(string(data))
	if err != nil {
		return nil, path, err
	}
	return result, path, nil
}

// RepoPath returns the project's git repository root, which is the
// project directory itself.
func (p *FilesystemProgress) RepoPath(project string) string {
	return filepath.Join(p.projectsRoot, project)
}

func (p *FilesystemProgress) progressPath(project string) string {
	return filepath.Join(p.projectsRoot, project, "progress.md")
}

// TaskSource returns a watchdog.TaskSource (accepted structurally to avoid
// an import cycle back into internal/watchdog) that re-parses run's
// project progress document and returns the member tasks of ph.
func (p *FilesystemProgress) TaskSource(run *core.Run, ph *core.Phase) ([]*core.Task, error) {
	doc, _, err := p.Load(run.ProjectName)
	if err != nil {
		return nil, err
	}
	want := make(map[core.TaskID]bool, len(ph.Tasks))
	for _, id := range ph.Tasks {
		want[id] = true
	}
	tasks := make([]*core.Task, 0, len(ph.Tasks))
	for _, t := range doc.Tasks {
		if want[t.ID] {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}
