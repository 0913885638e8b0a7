//go:build !windows

package subprocess

import (
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/canonical/imagehost/shared/logger"
)

// Tracker records processes spawned through Run, keyed by a caller chosen
// name, so that another goroutine can cancel them.
type Tracker struct {
	mu        sync.Mutex
	procs     map[string]*Process
	statePath string
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{procs: map[string]*Process{}}
}

// SetStatePath makes the tracker rewrite path with its current content every
// time a process starts or completes. An empty path disables it.
func (t *Tracker) SetStatePath(path string) {
	t.mu.Lock()
	t.statePath = path
	t.mu.Unlock()
}

func (t *Tracker) persist() {
	t.mu.Lock()
	path := t.statePath
	t.mu.Unlock()

	if path == "" {
		return
	}

	err := t.Save(path)
	if err != nil {
		logger.Warn("Failed to save process tracker state", logger.Ctx{"path": path, "err": err})
	}
}

// Callbacks returns a pair of callbacks registering the process under key on
// start and dropping it on completion.
func (t *Tracker) Callbacks(key string) Callbacks {
	return Callbacks{
		OnExecute: func(p *Process) {
			t.mu.Lock()
			t.procs[key] = p
			t.mu.Unlock()

			t.persist()
		},
		OnCompletion: func(p *Process) {
			t.mu.Lock()
			if t.procs[key] == p {
				delete(t.procs, key)
			}

			t.mu.Unlock()

			t.persist()
		},
	}
}

// Get returns the running process registered under key.
func (t *Tracker) Get(key string) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.procs[key]
	return p, ok
}

// Keys returns the sorted keys of all tracked processes.
func (t *Tracker) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.procs))
	for k := range t.procs {
		keys = append(keys, k)
	}

	sort.Strings(keys)
	return keys
}

// Cancel kills the process registered under key.
func (t *Tracker) Cancel(key string) error {
	p, ok := t.Get(key)
	if !ok {
		return ErrNotRunning
	}

	logger.Debug("Stopping tracked process", logger.Ctx{"key": key, "cmd": p.String(), "pid": p.PID})
	return p.Stop()
}

// CancelAll kills every tracked process, returning the first error seen.
func (t *Tracker) CancelAll() error {
	var firstErr error
	for _, key := range t.Keys() {
		err := t.Cancel(key)
		if err != nil && err != ErrNotRunning && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Save writes the tracked processes to path as YAML.
func (t *Tracker) Save(path string) error {
	t.mu.Lock()
	data, err := yaml.Marshal(t.procs)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ImportProcesses reads a file written by Tracker.Save.
func ImportProcesses(path string) (map[string]*Process, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	procs := map[string]*Process{}
	err = yaml.Unmarshal(data, &procs)
	if err != nil {
		return nil, err
	}

	return procs, nil
}
