package shared

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
)

// PathExists checks if the given path exists in the filesystem.
func PathExists(name string) bool {
	_, err := os.Lstat(name)
	if err != nil && os.IsNotExist(err) {
		return false
	}

	return true
}

// AddSlash adds a slash to the end of paths if they don't already have one.
// This can be useful for rsyncing things, since rsync has behavior present on
// the presence or absence of a trailing slash.
func AddSlash(path string) string {
	if path[len(path)-1] != '/' {
		return path + "/"
	}

	return path
}

// FormatRemotePath returns the host:path form understood by scp and rsync.
// IPv6 literals are wrapped in brackets. An empty host returns path unchanged.
func FormatRemotePath(host string, path string) string {
	if host == "" {
		return path
	}

	ip := net.ParseIP(host)
	if ip != nil && ip.To4() == nil {
		host = "[" + host + "]"
	}

	return fmt.Sprintf("%s:%s", host, path)
}

// RunError is the error from the RunCommand family of functions.
type RunError struct {
	cmd    string
	args   []string
	err    error
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

// NewRunError returns a new RunError.
func NewRunError(cmd string, args []string, err error, stdout *bytes.Buffer, stderr *bytes.Buffer) error {
	if stdout == nil {
		stdout = &bytes.Buffer{}
	}

	if stderr == nil {
		stderr = &bytes.Buffer{}
	}

	return RunError{
		cmd:    cmd,
		args:   args,
		err:    err,
		stdout: stdout,
		stderr: stderr,
	}
}

// Error returns the command, its exit reason and anything it wrote to stderr.
func (e RunError) Error() string {
	stderr := strings.TrimSpace(e.stderr.String())
	if stderr == "" {
		return fmt.Sprintf("Failed to run: %s %s: %v", e.cmd, strings.Join(e.args, " "), e.err)
	}

	return fmt.Sprintf("Failed to run: %s %s: %v (%s)", e.cmd, strings.Join(e.args, " "), e.err, stderr)
}

// Unwrap returns the underlying error.
func (e RunError) Unwrap() error {
	return e.err
}

// StdOut returns the captured standard output.
func (e RunError) StdOut() *bytes.Buffer {
	return e.stdout
}

// StdErr returns the captured standard error.
func (e RunError) StdErr() *bytes.Buffer {
	return e.stderr
}

// RunCommandSplit runs a command and returns its stdout and stderr separately.
// On failure the returned error is a RunError.
func RunCommandSplit(ctx context.Context, name string, arg ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, arg...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return stdout.String(), stderr.String(), NewRunError(name, arg, err, &stdout, &stderr)
	}

	return stdout.String(), stderr.String(), nil
}
