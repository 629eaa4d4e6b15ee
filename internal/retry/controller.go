// Package retry implements the Retry Controller (§4.E): persisted
// (runId, stepOrder)-keyed attempt history and backoff-with-jitter
// computation. It does not own a timer loop — the Worker Dispatcher
// schedules the delayed re-dispatch and calls back into this controller only
// to compute and record state.
package retry

import (
	"math/rand"
	"sync"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/store"
)

type fileDoc struct {
	States map[string]*core.RetryState `json:"states"`
}

// Controller manages persisted retry state for a single data root.
type Controller struct {
	path string
	st   *store.Store
	mu   sync.Mutex
	rng  *rand.Rand
}

// New constructs a Controller persisted at path.
func New(path string, st *store.Store) *Controller {
	return &Controller{path: path, st: st, rng: rand.New(rand.NewSource(1))}
}

func keyString(k core.RetryKey) string {
	return string(k.RunID) + ":" + itoa(k.StepOrder)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (c *Controller) load() (fileDoc, error) {
	var doc fileDoc
	if err := store.ReadJSON(c.path, &doc); err != nil {
		if err == store.ErrNotFound {
			doc.States = make(map[string]*core.RetryState)
			return doc, nil
		}
		return doc, err
	}
	if doc.States == nil {
		doc.States = make(map[string]*core.RetryState)
	}
	return doc, nil
}

// InitState creates an entry for key if absent, using policy for new
// entries, and returns the (possibly pre-existing) state.
func (c *Controller) InitState(k core.RetryKey, policy core.RetryPolicy) (*core.RetryState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.load()
	if err != nil {
		return nil, err
	}
	ks := keyString(k)
	if existing, ok := doc.States[ks]; ok {
		return existing, nil
	}
	rs := core.NewRetryState(k, policy)
	doc.States[ks] = rs
	if err := c.st.WriteJSONAtomic(c.path, doc); err != nil {
		return nil, err
	}
	return rs, nil
}

// RecordAttempt appends an attempt and persists the resulting state,
// returning it.
func (c *Controller) RecordAttempt(k core.RetryKey, success bool, errMsg string, durationMs int64) (*core.RetryState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.load()
	if err != nil {
		return nil, err
	}
	ks := keyString(k)
	rs, ok := doc.States[ks]
	if !ok {
		rs = core.NewRetryState(k, core.DefaultRetryPolicy())
		doc.States[ks] = rs
	}
	jitter := c.rng.Float64()*2 - 1 // uniform in [-1, 1]
	rs.RecordAttempt(success, errMsg, durationMs, jitter)
	if err := c.st.WriteJSONAtomic(c.path, doc); err != nil {
		return nil, err
	}
	return rs, nil
}

// Get returns the state for k, or nil if none exists.
func (c *Controller) Get(k core.RetryKey) (*core.RetryState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.load()
	if err != nil {
		return nil, err
	}
	return doc.States[keyString(k)], nil
}

// ClearState removes the entry for k, used on eventual success of a retried
// step once the caller no longer needs its history.
func (c *Controller) ClearState(k core.RetryKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.load()
	if err != nil {
		return err
	}
	ks := keyString(k)
	if _, ok := doc.States[ks]; !ok {
		return nil
	}
	delete(doc.States, ks)
	return c.st.WriteJSONAtomic(c.path, doc)
}
