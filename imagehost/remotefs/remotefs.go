package remotefs

import (
	"context"
	"fmt"
	"strings"

	"github.com/canonical/imagehost/shared/logger"
	"github.com/canonical/imagehost/shared/subprocess"
)

// RemoteFilesystem represents actions that can be taken on a remote host's
// filesystem. The transport is picked once at construction.
type RemoteFilesystem struct {
	transport string
	driver    Driver
	logger    logger.Logger
}

// Option configures a RemoteFilesystem.
type Option func(opts *options)

type options struct {
	driverOptions
	logger logger.Logger
}

// WithRunner replaces subprocess.Run for every command the transport spawns.
func WithRunner(run subprocess.RunFunc) Option {
	return func(opts *options) {
		opts.run = run
	}
}

// WithTempDir sets where the rsync transport creates its staging directories.
func WithTempDir(dir string) Option {
	return func(opts *options) {
		opts.tempDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(opts *options) {
		opts.logger = l
	}
}

// New returns a RemoteFilesystem using the named transport ("ssh" or "rsync").
func New(transport string, opts ...Option) (*RemoteFilesystem, error) {
	o := &options{
		driverOptions: driverOptions{run: subprocess.Run},
		logger:        logger.Log,
	}

	for _, opt := range opts {
		opt(o)
	}

	name := strings.ToLower(transport)
	driverFunc, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, transport)
	}

	return &RemoteFilesystem{
		transport: name,
		driver:    driverFunc(o.driverOptions),
		logger:    o.logger.AddContext(logger.Ctx{"transport": name}),
	}, nil
}

// Transport returns the name of the transport in use.
func (r *RemoteFilesystem) Transport() string {
	return r.transport
}

// CreateFile creates an empty file on host.
func (r *RemoteFilesystem) CreateFile(ctx context.Context, host string, dstPath string, cb subprocess.Callbacks) error {
	r.logger.Debug("Creating file on remote host", logger.Ctx{"host": host, "path": dstPath})
	return r.driver.CreateFile(ctx, host, dstPath, cb)
}

// RemoveFile removes a file on host.
func (r *RemoteFilesystem) RemoveFile(ctx context.Context, host string, dstPath string, cb subprocess.Callbacks) error {
	r.logger.Debug("Removing file on remote host", logger.Ctx{"host": host, "path": dstPath})
	return r.driver.RemoveFile(ctx, host, dstPath, cb)
}

// CreateDir creates a directory, parents included, on host.
func (r *RemoteFilesystem) CreateDir(ctx context.Context, host string, dstPath string, cb subprocess.Callbacks) error {
	r.logger.Debug("Creating directory on remote host", logger.Ctx{"host": host, "path": dstPath})
	return r.driver.CreateDir(ctx, host, dstPath, cb)
}

// RemoveDir removes a directory and its content on host.
func (r *RemoteFilesystem) RemoveDir(ctx context.Context, host string, dstPath string, cb subprocess.Callbacks) error {
	r.logger.Debug("Removing directory on remote host", logger.Ctx{"host": host, "path": dstPath})
	return r.driver.RemoveDir(ctx, host, dstPath, cb)
}

// CopyFile copies src to dst, either of which may be a host:path address.
func (r *RemoteFilesystem) CopyFile(ctx context.Context, src string, dst string, cb subprocess.Callbacks, compression bool) error {
	r.logger.Debug("Copying file", logger.Ctx{"src": src, "dst": dst, "compression": compression})
	return r.driver.CopyFile(ctx, src, dst, cb, compression)
}
