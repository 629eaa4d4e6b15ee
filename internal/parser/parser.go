// Package parser implements the Task-Graph Parser (§4.A): it turns a
// progress document (a markdown checklist with inline annotations) into a
// task DAG and an ordered phase list. Parsing never mutates the document.
package parser

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/swarmops/swarmops/internal/core"
)

var (
	taskLineRe   = regexp.MustCompile(`^\s*-\s*\[( |x|X)\]\s*(.*)$`)
	idAnnRe      = regexp.MustCompile(`@id\(([^)]*)\)`)
	dependsAnnRe = regexp.MustCompile(`@depends\(([^)]*)\)`)
	roleAnnRe    = regexp.MustCompile(`@role\(([^)]*)\)`)
	phaseHeadRe  = regexp.MustCompile(`^\s*#{2,3}\s*Phase\s+(\d+)\s*:?\s*(.*)$`)
	annotationRe = regexp.MustCompile(`@(?:id|depends|role)\([^)]*\)`)
)

// Result is the parser's output: the task DAG keyed by id, plus phases in
// document order, each listing the ids of its member tasks.
type Result struct {
	Tasks  map[core.TaskID]*core.Task
	Phases []*core.Phase
}

// Parse turns a progress document into a task DAG and phase list, per §4.A.
func Parse(text string) (*Result, error) {
	tasks := make(map[core.TaskID]*core.Task)
	var order []core.TaskID

	type pending struct {
		number int
		name   string
		taskIDs []core.TaskID
	}
	phaseBuf := []*pending{{number: 1, name: ""}}
	seenHeader := false
	cur := phaseBuf[0]

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Text()

		if m := phaseHeadRe.FindStringSubmatch(raw); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			if !seenHeader {
				phaseBuf = phaseBuf[:0]
				seenHeader = true
			}
			cur = &pending{number: n, name: strings.TrimSpace(m[2])}
			phaseBuf = append(phaseBuf, cur)
			continue
		}

		m := taskLineRe.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		done := m[1] == "x" || m[1] == "X"
		rest := m[2]

		id := core.TaskID(strings.TrimSpace(firstSubmatch(idAnnRe, rest)))
		if id == "" {
			continue
		}
		if _, dup := tasks[id]; dup {
			return nil, core.ErrDuplicateID("duplicate task id: " + string(id))
		}

		var deps []core.TaskID
		if depStr := firstSubmatch(dependsAnnRe, rest); depStr != "" {
			for _, d := range strings.Split(depStr, ",") {
				d = strings.TrimSpace(d)
				if d != "" {
					deps = append(deps, core.TaskID(d))
				}
			}
		}
		roleID := strings.TrimSpace(firstSubmatch(roleAnnRe, rest))
		title := strings.TrimSpace(annotationRe.ReplaceAllString(rest, ""))

		t := core.NewTask(id, title)
		t.Done = done
		t.RoleID = roleID
		t.DependsOn = deps
		t.Line = line
		tasks[id] = t
		order = append(order, id)

		cur.taskIDs = append(cur.taskIDs, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, core.ErrValidation("PARSE_SCAN_FAILED", err.Error())
	}

	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := tasks[dep]; !ok {
				return nil, core.ErrUnknownDependency("task " + string(t.ID) + " depends on unknown id " + string(dep))
			}
		}
	}

	if err := checkAcyclic(tasks, order); err != nil {
		return nil, err
	}

	phases := make([]*core.Phase, 0, len(phaseBuf))
	for _, p := range phaseBuf {
		phases = append(phases, core.NewPhase(p.number, p.name, p.taskIDs))
	}

	return &Result{Tasks: tasks, Phases: phases}, nil
}

func firstSubmatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// checkAcyclic performs a DFS cycle check over the dependency graph in
// deterministic (document) order, so error messages are reproducible.
func checkAcyclic(tasks map[core.TaskID]*core.Task, order []core.TaskID) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[core.TaskID]int, len(tasks))

	var visit func(id core.TaskID, path []core.TaskID) error
	visit = func(id core.TaskID, path []core.TaskID) error {
		color[id] = gray
		path = append(path, id)
		for _, dep := range tasks[id].DependsOn {
			switch color[dep] {
			case gray:
				return core.ErrCycle("dependency cycle detected: " + cyclePath(path, dep))
			case white:
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range order {
		if color[id] == white {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func cyclePath(path []core.TaskID, closing core.TaskID) string {
	var b strings.Builder
	start := 0
	for i, id := range path {
		if id == closing {
			start = i
			break
		}
	}
	for _, id := range path[start:] {
		b.WriteString(string(id))
		b.WriteString(" -> ")
	}
	b.WriteString(string(closing))
	return b.String()
}

// Readiness returns the ids of tasks in r that are ready to dispatch: not
// done, with every dependency already done.
func Readiness(r *Result) []core.TaskID {
	isDone := func(id core.TaskID) bool {
		t, ok := r.Tasks[id]
		return ok && t.Done
	}
	var ready []core.TaskID
	for id, t := range r.Tasks {
		if t.IsReady(isDone) {
			ready = append(ready, id)
		}
	}
	return ready
}

// DerivePhaseStatuses recomputes every phase's status from current task
// done-flags, per §4.A's phase-state derivation rule.
func DerivePhaseStatuses(r *Result) {
	isDone := func(id core.TaskID) bool {
		t, ok := r.Tasks[id]
		return ok && t.Done
	}
	doneMap := make(map[core.TaskID]bool, len(r.Tasks))
	for id, t := range r.Tasks {
		doneMap[id] = t.Done
	}

	earliestIncomplete := -1
	for _, p := range r.Phases {
		allDone := true
		for _, id := range p.Tasks {
			if !doneMap[id] {
				allDone = false
				break
			}
		}
		if !allDone && earliestIncomplete == -1 {
			earliestIncomplete = p.Number
		}
	}

	for _, p := range r.Phases {
		hasReady := false
		for _, id := range p.Tasks {
			if t, ok := r.Tasks[id]; ok && t.IsReady(isDone) {
				hasReady = true
				break
			}
		}
		p.Status = core.DeriveStatus(p, doneMap, p.Number == earliestIncomplete, hasReady)
	}
}
