// Package store provides the Durable Store primitives consumed by every
// stateful component: atomic single-file JSON, append-only JSONL shards, and
// per-path write serialization. Nothing here knows about runs, tasks, or
// phases — higher packages (ledger, registry, retry, escalation, runstate)
// build their domain operations on top of it.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned by ReadJSON when the path does not exist.
var ErrNotFound = errors.New("store: not found")

// Store serializes read-modify-write access to JSON files on a per-path
// basis and provides the JSONL append/fold primitives. The zero value is
// usable.
type Store struct {
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	group  singleflight.Group
	appendMu sync.Mutex
	appendLocks map[string]*sync.Mutex
}

// New constructs a ready Store.
func New() *Store {
	return &Store{
		locks:       make(map[string]*sync.Mutex),
		appendLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

func (s *Store) appendLockFor(path string) *sync.Mutex {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	l, ok := s.appendLocks[path]
	if !ok {
		l = &sync.Mutex{}
		s.appendLocks[path] = l
	}
	return l
}

// ReadJSON reads and decodes the JSON file at path into v. Returns
// ErrNotFound if the file does not exist.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("store: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", path, err)
	}
	return nil
}

// WriteJSONAtomic serializes access to path (via the per-path lock and a
// singleflight de-dup of concurrent identical writers) and writes value with
// write-temp-fsync-rename semantics.
func (s *Store) WriteJSONAtomic(path string, value interface{}) error {
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir for %s: %w", path, err)
	}

	_, err, _ = s.group.Do(path, func() (interface{}, error) {
		return nil, atomicWriteFile(path, data, 0o644)
	})
	return err
}

// Mutate performs a read-modify-write cycle on a single JSON file under the
// per-path lock: it loads the current value (zero value if absent), lets fn
// mutate it, and writes the result back atomically. fn's error aborts the
// write.
func (s *Store) Mutate(path string, v interface{}, fn func() error) error {
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if err := ReadJSON(path, v); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomicWriteFile(path, data, 0o644)
}

// MutateText performs a read-modify-write cycle on a plain-text file under
// the per-path lock: it reads the current bytes (nil if the file doesn't
// exist yet), lets fn produce the replacement, and writes the result back
// atomically. fn's error aborts the write. Unlike Mutate, the content is
// opaque bytes, not JSON — used for rewriting markdown progress documents in
// place (e.g. flipping a checklist item) without round-tripping through a
// decoded struct.
func (s *Store) MutateText(path string, fn func(current []byte) ([]byte, error)) error {
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	current, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("store: read %s: %w", path, err)
		}
		current = nil
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir for %s: %w", path, err)
	}
	return atomicWriteFile(path, next, 0o644)
}

// AppendJSONL appends one JSON-encoded record as a line to path, serialized
// per-path so concurrent writers don't interleave partial lines.
func (s *Store) AppendJSONL(path string, record interface{}) error {
	lock := s.appendLockFor(path)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: marshal record for %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("store: append %s: %w", path, err)
	}
	return nil
}

// ReadJSONLFold reads path line by line, calling accept with each decoded
// line into a fresh value produced by newRecord. A line that fails to parse
// is skipped with a warning passed to onWarn (may be nil); reading continues.
func ReadJSONLFold(path string, newRecord func() interface{}, accept func(interface{}) error, onWarn func(lineNo int, err error)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec := newRecord()
		if err := json.Unmarshal(line, rec); err != nil {
			if onWarn != nil {
				onWarn(lineNo, err)
			}
			continue
		}
		if err := accept(rec); err != nil {
			if onWarn != nil {
				onWarn(lineNo, err)
			}
			continue
		}
	}
	return scanner.Err()
}
