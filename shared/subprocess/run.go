//go:build !windows

package subprocess

import (
	"bytes"
	"context"

	"github.com/canonical/imagehost/shared"
)

// Callbacks are invoked around a spawned process. OnExecute receives the
// running process so callers can track or kill it. OnCompletion always runs
// once the process has been waited on, whatever the outcome.
type Callbacks struct {
	OnExecute    func(p *Process)
	OnCompletion func(p *Process)
}

// RunFunc is the signature of Run. Components accept one so tests can record
// the command lines instead of executing them.
type RunFunc func(ctx context.Context, cb Callbacks, name string, args ...string) (string, error)

// Run starts name with args, invokes the callbacks and waits for the process.
// Stdout is returned. A non-zero exit yields a shared.RunError carrying the
// captured output.
func Run(ctx context.Context, cb Callbacks, name string, args ...string) (string, error) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	p := NewProcessWithFds(name, args, nil, &stdout, &stderr)

	err := p.Start(ctx)
	if err != nil {
		return "", shared.NewRunError(name, args, err, &stdout, &stderr)
	}

	if cb.OnExecute != nil {
		cb.OnExecute(p)
	}

	if cb.OnCompletion != nil {
		defer cb.OnCompletion(p)
	}

	_, err = p.Wait(ctx)
	if err != nil {
		return stdout.String(), shared.NewRunError(name, args, err, &stdout, &stderr)
	}

	return stdout.String(), nil
}
