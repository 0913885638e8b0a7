package remotefs

import (
	"context"

	"github.com/kballard/go-shellquote"

	"github.com/canonical/imagehost/shared/subprocess"
)

// sshDriver runs each operation as a single remote command over ssh.
type sshDriver struct {
	run subprocess.RunFunc
}

// execute runs cmd on host. ssh joins its trailing arguments with spaces
// before handing them to the remote shell, so cmd is quoted here.
func (d *sshDriver) execute(ctx context.Context, host string, cb subprocess.Callbacks, cmd ...string) error {
	_, err := d.run(ctx, cb, "ssh", "-o", "BatchMode=yes", host, shellquote.Join(cmd...))
	return err
}

func (d *sshDriver) CreateFile(ctx context.Context, host string, dstPath string, cb subprocess.Callbacks) error {
	return d.execute(ctx, host, cb, "touch", dstPath)
}

func (d *sshDriver) RemoveFile(ctx context.Context, host string, dstPath string, cb subprocess.Callbacks) error {
	return d.execute(ctx, host, cb, "rm", dstPath)
}

func (d *sshDriver) CreateDir(ctx context.Context, host string, dstPath string, cb subprocess.Callbacks) error {
	return d.execute(ctx, host, cb, "mkdir", "-p", dstPath)
}

func (d *sshDriver) RemoveDir(ctx context.Context, host string, dstPath string, cb subprocess.Callbacks) error {
	return d.execute(ctx, host, cb, "rm", "-rf", dstPath)
}

// CopyFile always copies recursively since some disk formats (ploop) are
// directories. Compression is not applied.
func (d *sshDriver) CopyFile(ctx context.Context, src string, dst string, cb subprocess.Callbacks, compression bool) error {
	_, err := d.run(ctx, cb, "scp", "-r", src, dst)
	return err
}
