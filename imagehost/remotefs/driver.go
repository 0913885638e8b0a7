package remotefs

import (
	"context"
	"errors"
	"sort"

	"github.com/canonical/imagehost/shared/subprocess"
)

// ErrUnknownTransport is returned for a transport name with no driver.
var ErrUnknownTransport = errors.New("Unknown remote filesystem transport")

// Driver performs filesystem operations on a remote host. Every operation
// forwards cb untouched to each process it spawns.
//
// Remote addresses for CopyFile use the host:path form, for example
// 192.168.1.10:/home/file.
type Driver interface {
	CreateFile(ctx context.Context, host string, dstPath string, cb subprocess.Callbacks) error
	RemoveFile(ctx context.Context, host string, dstPath string, cb subprocess.Callbacks) error
	CreateDir(ctx context.Context, host string, dstPath string, cb subprocess.Callbacks) error
	RemoveDir(ctx context.Context, host string, dstPath string, cb subprocess.Callbacks) error

	// CopyFile copies src to dst. Drivers may ignore compression.
	CopyFile(ctx context.Context, src string, dst string, cb subprocess.Callbacks, compression bool) error
}

// driverOptions is what a driver constructor gets from the facade.
type driverOptions struct {
	run     subprocess.RunFunc
	tempDir string
}

var drivers = map[string]func(opts driverOptions) Driver{
	"ssh":   func(opts driverOptions) Driver { return &sshDriver{run: opts.run} },
	"rsync": func(opts driverOptions) Driver { return &rsyncDriver{run: opts.run, tempDir: opts.tempDir} },
}

// TransportNames returns the sorted list of supported transports.
func TransportNames() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}
