// Package privsep is the only place commands needing elevated rights are run.
// Callers get a fixed set of operations, never a generic "run this" entrypoint.
package privsep

import (
	"context"
	"strings"

	"github.com/canonical/imagehost/shared"
	"github.com/canonical/imagehost/shared/logger"
)

// Executor runs the allow-listed privileged commands.
type Executor interface {
	Mount(ctx context.Context, fsType string, export string, target string, options []string) error
	Umount(ctx context.Context, target string) error
	NBDConnect(ctx context.Context, device string, imagePath string) (string, string, error)
	NBDDisconnect(ctx context.Context, device string) (string, string, error)
	BlockdevFlush(ctx context.Context, device string) error
}

// CommandFunc runs a command and returns its stdout and stderr.
type CommandFunc func(ctx context.Context, name string, args ...string) (string, string, error)

// Helper is the Executor running commands on the local host, optionally
// through a root helper such as "sudo -n".
type Helper struct {
	rootHelper []string
	run        CommandFunc
}

// NewHelper returns a Helper. An empty rootHelper runs the commands directly,
// which requires the calling process to already hold the needed privileges.
func NewHelper(rootHelper []string) *Helper {
	return &Helper{
		rootHelper: rootHelper,
		run:        shared.RunCommandSplit,
	}
}

// NewHelperWithRunner returns a Helper using run instead of spawning processes.
func NewHelperWithRunner(rootHelper []string, run CommandFunc) *Helper {
	return &Helper{
		rootHelper: rootHelper,
		run:        run,
	}
}

func (h *Helper) execute(ctx context.Context, name string, args ...string) (string, string, error) {
	if len(h.rootHelper) > 0 {
		args = append(append(h.rootHelper[1:len(h.rootHelper):len(h.rootHelper)], name), args...)
		name = h.rootHelper[0]
	}

	logger.Debug("Running privileged command", logger.Ctx{"cmd": name, "args": args})
	return h.run(ctx, name, args...)
}

// Mount mounts export on target using the given filesystem type.
func (h *Helper) Mount(ctx context.Context, fsType string, export string, target string, options []string) error {
	args := []string{"-t", fsType}
	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}

	args = append(args, export, target)

	_, _, err := h.execute(ctx, "mount", args...)
	return err
}

// Umount unmounts target.
func (h *Helper) Umount(ctx context.Context, target string) error {
	_, _, err := h.execute(ctx, "umount", target)
	return err
}

// NBDConnect attaches imagePath to device with qemu-nbd.
func (h *Helper) NBDConnect(ctx context.Context, device string, imagePath string) (string, string, error) {
	return h.execute(ctx, "qemu-nbd", "-c", device, imagePath)
}

// NBDDisconnect detaches device.
func (h *Helper) NBDDisconnect(ctx context.Context, device string) (string, string, error) {
	return h.execute(ctx, "qemu-nbd", "-d", device)
}

// BlockdevFlush flushes the buffers of device (BLKFLSBUF).
func (h *Helper) BlockdevFlush(ctx context.Context, device string) error {
	_, _, err := h.execute(ctx, "blockdev", "--flushbufs", device)
	return err
}
