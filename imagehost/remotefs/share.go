package remotefs

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/canonical/imagehost/imagehost/privsep"
	"github.com/canonical/imagehost/shared/logger"
)

// MountShare mounts the remote export on mountPath, creating it if needed.
// An export which is already mounted is not an error.
func MountShare(ctx context.Context, exec privsep.Executor, mountPath string, exportPath string, exportType string, options []string) error {
	err := os.MkdirAll(mountPath, 0755)
	if err != nil {
		return fmt.Errorf("Failed creating mount point %q: %w", mountPath, err)
	}

	err = exec.Mount(ctx, exportType, exportPath, mountPath, options)
	if err != nil {
		if strings.Contains(err.Error(), "Device or resource busy") {
			logger.Warn("Share is already mounted", logger.Ctx{"export": exportPath, "path": mountPath})
			return nil
		}

		return err
	}

	return nil
}

// UnmountShare unmounts mountPath. A share still in use stays mounted and is
// not reported as an error.
func UnmountShare(ctx context.Context, exec privsep.Executor, mountPath string, exportPath string) error {
	err := exec.Umount(ctx, mountPath)
	if err != nil {
		if strings.Contains(err.Error(), "target is busy") {
			logger.Debug("The share is still in use", logger.Ctx{"export": exportPath, "path": mountPath})
			return nil
		}

		logger.Error("Couldn't unmount the share", logger.Ctx{"export": exportPath, "path": mountPath, "err": err})
		return err
	}

	return nil
}
