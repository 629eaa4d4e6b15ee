package parser

import (
	"bufio"
	"strings"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/store"
)

// taskDoneLineRe matches the checkbox prefix of a task line, capturing the
// box contents and the rest of the line separately so the rewrite can flip
// just the box without disturbing annotations or trailing whitespace.
var taskDoneLineRe = taskLineRe

// MarkTaskDone flips the checklist box of the task identified by id from
// "- [ ]" to "- [x]" in the progress document at path, under the Store's
// per-path lock. Parsing never mutates the document (§4.A); this is the one
// sanctioned write path, invoked by the Worker Dispatcher when a
// task-complete webhook arrives. Replaying the call against an
// already-done task is a no-op, so a duplicate webhook delivery is
// harmless.
func MarkTaskDone(st *store.Store, path string, id core.TaskID) error {
	return st.MutateText(path, func(current []byte) ([]byte, error) {
		lines, found, err := flipDone(current, id)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, core.ErrNotFound("task", string(id))
		}
		return []byte(strings.Join(lines, "\n")), nil
	})
}

// flipDone scans doc line by line and rewrites the single task line whose
// @id() annotation matches id, leaving every other line untouched.
func flipDone(doc []byte, id core.TaskID) ([]string, bool, error) {
	var out []string
	found := false

	scanner := bufio.NewScanner(strings.NewReader(string(doc)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Text()
		if !found {
			if m := taskDoneLineRe.FindStringSubmatch(raw); m != nil {
				rest := m[2]
				if core.TaskID(strings.TrimSpace(firstSubmatch(idAnnRe, rest))) == id {
					out = append(out, setCheckbox(raw, true))
					found = true
					continue
				}
			}
		}
		out = append(out, raw)
	}
	if err := scanner.Err(); err != nil {
		return nil, false, core.ErrValidation("PARSE_SCAN_FAILED", err.Error())
	}
	return out, found, nil
}

// setCheckbox replaces the "[ ]"/"[x]"/"[X]" box in a task line with "[x]"
// (done=true) or "[ ]" (done=false), preserving everything else verbatim.
func setCheckbox(line string, done bool) string {
	open := strings.Index(line, "[")
	if open == -1 {
		return line
	}
	close := strings.Index(line[open:], "]")
	if close == -1 {
		return line
	}
	close += open

	box := "[ ]"
	if done {
		box = "[x]"
	}
	return line[:open] + box + line[close+1:]
}
