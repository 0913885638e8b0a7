//go:build !windows

package subprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Process struct. Has ability to set runtime arguments.
type Process struct {
	exitCode int64 `yaml:"-"`
	exitErr  error `yaml:"-"`

	chExit     chan struct{} `yaml:"-"`
	hasMonitor bool          `yaml:"-"`

	Name   string    `yaml:"name"`
	Args   []string  `yaml:"args,flow"`
	PID    int64     `yaml:"pid"`
	Stdin  io.Reader `yaml:"-"`
	Stdout io.Writer `yaml:"-"`
	Stderr io.Writer `yaml:"-"`
	Dir    string    `yaml:"dir,omitempty"`
	Env    []string  `yaml:"-"`

	SysProcAttr *syscall.SysProcAttr `yaml:"-"`
}

// NewProcessWithFds is a constructor for a process object with the given stdio.
func NewProcessWithFds(name string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) *Process {
	return &Process{
		Name:   name,
		Args:   args,
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
	}
}

// String returns the command line of the process.
func (p *Process) String() string {
	return strings.Join(append([]string{p.Name}, p.Args...), " ")
}

// Stop will stop the given process object.
func (p *Process) Stop() error {
	if p.PID <= 0 {
		return ErrNotRunning
	}

	pr, _ := os.FindProcess(int(p.PID))

	// Check if process exists.
	err := pr.Signal(syscall.Signal(0))
	if err == nil {
		err = pr.Kill()
		if err == nil {
			if p.hasMonitor {
				<-p.chExit
			}

			return nil // Killed successfully.
		}
	}

	// Check if either the existence check or the kill resulted in an already finished error.
	if errors.Is(err, os.ErrProcessDone) || strings.Contains(err.Error(), "process already finished") {
		if p.hasMonitor {
			<-p.chExit
		}

		return ErrNotRunning
	}

	return fmt.Errorf("Could not kill process: %w", err)
}

// Start will start the given process object.
func (p *Process) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.Name, p.Args...)
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	cmd.Stdin = p.Stdin
	cmd.Dir = p.Dir
	if p.Env != nil {
		cmd.Env = p.Env
	}

	cmd.SysProcAttr = p.SysProcAttr
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}

	cmd.SysProcAttr.Setsid = true

	err := cmd.Start()
	if err != nil {
		return fmt.Errorf("Unable to start process: %w", err)
	}

	p.PID = int64(cmd.Process.Pid)

	// Reset exitCode/exitErr
	p.exitCode = 0
	p.exitErr = nil

	// Spawn a goroutine waiting for it to exit. cmd.Wait also drains the
	// stdout/stderr copiers so captured output is complete once chExit closes.
	p.chExit = make(chan struct{})
	p.hasMonitor = true
	go func() {
		defer close(p.chExit)

		err := cmd.Wait()
		if cmd.ProcessState == nil {
			p.exitCode = -1
			p.exitErr = err

			return
		}

		p.exitCode = int64(cmd.ProcessState.ExitCode())
		if err != nil {
			p.exitErr = err
		}
	}()

	return nil
}

// Wait will wait for the given process object exit code.
func (p *Process) Wait(ctx context.Context) (int64, error) {
	if !p.hasMonitor {
		return -1, errors.New("Unable to wait on process we didn't spawn")
	}

	select {
	case <-p.chExit:
		return p.exitCode, p.exitErr
	case <-ctx.Done():
		// Stop returns once the monitor has reaped the process and its
		// output has been fully copied.
		_ = p.Stop()
		return -1, ctx.Err()
	}
}
