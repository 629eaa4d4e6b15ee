// Package roles loads the role-to-model mapping (§4.I's core.RoleSet) from
// data/roles.json, the per-deployment config naming which model and prompt
// file each role tag (`@role(reviewer-security)`, …) dispatches to.
package roles

import (
	"os"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/store"
)

// Load reads the role table at path. A missing file is not an error: it
// falls back to Defaults(), so a fresh data root still dispatches workers.
func Load(path string) (core.RoleSet, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Defaults(), nil
	}
	var doc struct {
		Roles []core.Role `json:"roles"`
	}
	if err := store.ReadJSON(path, &doc); err != nil {
		return nil, err
	}
	if len(doc.Roles) == 0 {
		return Defaults(), nil
	}
	rs := make(core.RoleSet, len(doc.Roles))
	for _, r := range doc.Roles {
		rs[r.ID] = r
	}
	return rs, nil
}

// Defaults returns the built-in role set used when no roles.json is present:
// a builder and the two default review-chain reviewers.
func Defaults() core.RoleSet {
	return core.RoleSet{
		"builder": {ID: "builder", Name: "Builder", Model: "claude-default", Thinking: core.ThinkingMedium},
		"reviewer-correctness": {ID: "reviewer-correctness", Name: "Correctness Reviewer", Model: "claude-default", Thinking: core.ThinkingHigh},
		"reviewer-security":    {ID: "reviewer-security", Name: "Security Reviewer", Model: "claude-default", Thinking: core.ThinkingHigh},
	}
}
