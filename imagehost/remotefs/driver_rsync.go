package remotefs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/canonical/imagehost/shared"
	"github.com/canonical/imagehost/shared/subprocess"
)

// rsyncDriver creates and removes remote objects by syncing an empty local
// staging tree to the remote host.
type rsyncDriver struct {
	run     subprocess.RunFunc
	tempDir string
}

// withStagingDir runs f with a fresh empty directory which is removed afterwards.
func (d *rsyncDriver) withStagingDir(f func(dir string) error) error {
	dir, err := os.MkdirTemp(d.tempDir, "imagehost-rsync-")
	if err != nil {
		return fmt.Errorf("Failed creating staging directory: %w", err)
	}

	defer func() { _ = os.RemoveAll(dir) }()

	return f(dir)
}

func (d *rsyncDriver) CreateFile(ctx context.Context, host string, dstPath string, cb subprocess.Callbacks) error {
	return d.withStagingDir(func(dir string) error {
		dst := filepath.Clean(dstPath)

		localDir := filepath.Join(dir, strings.Trim(filepath.Dir(dst), string(filepath.Separator)))
		err := os.MkdirAll(localDir, 0700)
		if err != nil {
			return fmt.Errorf("Failed staging %q: %w", dstPath, err)
		}

		f, err := os.Create(filepath.Join(localDir, filepath.Base(dst)))
		if err != nil {
			return fmt.Errorf("Failed staging %q: %w", dstPath, err)
		}

		err = f.Close()
		if err != nil {
			return err
		}

		return d.synchronizeObject(ctx, dir, host, dst, cb)
	})
}

func (d *rsyncDriver) RemoveFile(ctx context.Context, host string, dstPath string, cb subprocess.Callbacks) error {
	return d.withStagingDir(func(dir string) error {
		return d.removeObject(ctx, dir, host, dstPath, cb)
	})
}

func (d *rsyncDriver) CreateDir(ctx context.Context, host string, dstPath string, cb subprocess.Callbacks) error {
	return d.withStagingDir(func(dir string) error {
		dst := filepath.Clean(dstPath)

		err := os.MkdirAll(filepath.Join(dir, strings.Trim(dst, string(filepath.Separator))), 0700)
		if err != nil {
			return fmt.Errorf("Failed staging %q: %w", dstPath, err)
		}

		return d.synchronizeObject(ctx, dir, host, dst, cb)
	})
}

func (d *rsyncDriver) RemoveDir(ctx context.Context, host string, dstPath string, cb subprocess.Callbacks) error {
	return d.withStagingDir(func(dir string) error {
		// Empty the remote directory first.
		_, err := d.run(ctx, cb, "rsync", "--archive", "--delete-excluded",
			dir+string(filepath.Separator),
			shared.FormatRemotePath(host, dstPath))
		if err != nil {
			return err
		}

		// Then drop the now empty directory itself.
		return d.removeObject(ctx, dir, host, dstPath, cb)
	})
}

// removeObject removes a file or an empty directory on host by syncing the
// empty src directory against the parent of dst, including only dst's name.
func (d *rsyncDriver) removeObject(ctx context.Context, src string, host string, dst string, cb subprocess.Callbacks) error {
	dst = filepath.Clean(dst)

	_, err := d.run(ctx, cb, "rsync", "--archive", "--delete",
		"--include", filepath.Base(dst),
		"--exclude", "*",
		shared.AddSlash(filepath.Clean(src)),
		shared.FormatRemotePath(host, filepath.Dir(dst)))
	return err
}

// synchronizeObject creates dst on host from its staged copy under src.
//
// rsync --relative keeps the part of the source path after a "/./" marker,
// so "src/./a/b/c" synced to host:/ ends up as /a/b/c on the remote side
// without a local mirror of the whole absolute path.
func (d *rsyncDriver) synchronizeObject(ctx context.Context, src string, host string, dst string, cb subprocess.Callbacks) error {
	relative := relativeSource(src, dst)

	_, err := d.run(ctx, cb, "rsync", "--archive", "--relative", "--no-implied-dirs",
		relative,
		shared.FormatRemotePath(host, string(filepath.Separator)))
	return err
}

// relativeSource returns src/./dst with dst made relative. filepath.Join is
// not used as it would clean away the marker.
func relativeSource(src string, dst string) string {
	sep := string(filepath.Separator)
	return strings.TrimRight(src, sep) + sep + "." + sep + strings.Trim(filepath.Clean(dst), sep)
}

// CopyFile copies recursively since some disk formats (ploop) are
// directories, keeping holes in sparse files.
func (d *rsyncDriver) CopyFile(ctx context.Context, src string, dst string, cb subprocess.Callbacks, compression bool) error {
	args := []string{"-r", "--sparse", src, dst}
	if compression {
		args = append(args, "--compress")
	}

	_, err := d.run(ctx, cb, "rsync", args...)
	return err
}
