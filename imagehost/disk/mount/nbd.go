package mount

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/canonical/imagehost/imagehost/locking"
	"github.com/canonical/imagehost/imagehost/privsep"
	"github.com/canonical/imagehost/shared"
	"github.com/canonical/imagehost/shared/logger"
)

// SysBlockPath is where the kernel lists block devices.
const SysBlockPath = "/sys/block"

// LockDir holds the qemu-nbd-<device> lock files.
const LockDir = "/var/lock"

// allocationLockName serializes device allocation and attachment host wide.
const allocationLockName = "nbd-allocation-lock"

// cleanupTimeout bounds the best-effort detach after a failed attach.
const cleanupTimeout = 10 * time.Second

var nbdDeviceRe = regexp.MustCompile(`^nbd[0-9]+`)

// CleanupResult is the outcome of a best-effort teardown step. It is kept for
// diagnostics and never becomes the result of the operation that triggered it.
type CleanupResult struct {
	Device string
	Err    string
}

// Failed reports whether the cleanup step produced an error.
func (c CleanupResult) Failed() bool {
	return c.Err != ""
}

// NbdMount attaches an image file to a free /dev/nbdN device with qemu-nbd.
//
// An NbdMount is owned by a single attachment flow and must not be used
// concurrently. Linked is only ever true while Device is set.
type NbdMount struct {
	ID     string
	Image  string
	Device string
	Linked bool
	Error  string

	exec     privsep.Executor
	timeout  int
	retry    RetryPolicy
	lockPath string
	sysBlock string
	lockDir  string
	rand     *rand.Rand
	sleep    func(time.Duration)
	logger   logger.Logger
	cleanup  CleanupResult
}

// Option configures an NbdMount.
type Option func(m *NbdMount)

// WithTimeout sets how many seconds to wait for the device pid file.
func WithTimeout(seconds int) Option {
	return func(m *NbdMount) {
		m.timeout = seconds
	}
}

// WithRetryPolicy sets the GetDev retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(m *NbdMount) {
		m.retry = policy
	}
}

// WithLockPath makes the allocation lock also exclude other processes using
// the same lock directory.
func WithLockPath(path string) Option {
	return func(m *NbdMount) {
		m.lockPath = path
	}
}

// WithHostPaths overrides the block device listing and lock file directories.
func WithHostPaths(sysBlock string, lockDir string) Option {
	return func(m *NbdMount) {
		m.sysBlock = sysBlock
		m.lockDir = lockDir
	}
}

// WithRand sets the random source used to shuffle candidate devices.
func WithRand(r *rand.Rand) Option {
	return func(m *NbdMount) {
		m.rand = r
	}
}

// WithSleep replaces time.Sleep in the pid file poll loop.
func WithSleep(sleep func(time.Duration)) Option {
	return func(m *NbdMount) {
		m.sleep = sleep
	}
}

// WithLogger sets the logger the mount adds its context to.
func WithLogger(l logger.Logger) Option {
	return func(m *NbdMount) {
		m.logger = l
	}
}

// NewNbdMount returns an unattached mount for image.
func NewNbdMount(image string, exec privsep.Executor, opts ...Option) *NbdMount {
	m := &NbdMount{
		ID:       uuid.New().String(),
		Image:    image,
		exec:     exec,
		timeout:  DefaultNbdTimeout,
		retry:    DefaultRetryPolicy(),
		sysBlock: SysBlockPath,
		lockDir:  LockDir,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    time.Sleep,
		logger:   logger.Log,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.logger = m.logger.AddContext(logger.Ctx{"mount": m.ID, "image": image})

	return m
}

func nbdCtx(m *NbdMount, kv ...any) logger.Ctx {
	ctx := logger.Ctx{}
	if m.Device != "" {
		ctx["device"] = m.Device
	}

	for i := 0; i+1 < len(kv); i += 2 {
		ctx[fmt.Sprint(kv[i])] = kv[i+1]
	}

	return ctx
}

// LastCleanup returns the result of the most recent best-effort disconnect.
func (m *NbdMount) LastCleanup() CleanupResult {
	return m.cleanup
}

// detectNbdDevices lists the nbd device names known to the kernel.
func (m *NbdMount) detectNbdDevices() ([]string, error) {
	entries, err := os.ReadDir(m.sysBlock)
	if err != nil {
		return nil, err
	}

	devices := []string{}
	for _, entry := range entries {
		if nbdDeviceRe.MatchString(entry.Name()) {
			devices = append(devices, entry.Name())
		}
	}

	return devices, nil
}

// findUnused returns the first device with neither a pid file nor a lock file.
func (m *NbdMount) findUnused(devices []string) string {
	for _, device := range devices {
		if shared.PathExists(filepath.Join(m.sysBlock, device, "pid")) {
			continue
		}

		lockFile := filepath.Join(m.lockDir, "qemu-nbd-"+device)
		if shared.PathExists(lockFile) {
			m.logger.Error(fmt.Sprintf("NBD error - previous umount did not cleanup %s", lockFile))
			continue
		}

		return device
	}

	m.logger.Warn("No free nbd devices")
	return ""
}

// allocateNbd picks a random free device and returns its /dev path, or an
// empty string with Error set.
func (m *NbdMount) allocateNbd() string {
	if !shared.PathExists(filepath.Join(m.sysBlock, "nbd0")) {
		m.logger.Error("nbd module not loaded")
		m.Error = "nbd unavailable: module not loaded"
		return ""
	}

	devices, err := m.detectNbdDevices()
	if err != nil {
		m.logger.Error("Failed listing block devices", logger.Ctx{"err": err})
		m.Error = fmt.Sprintf("Failed listing block devices: %v", err)
		return ""
	}

	m.rand.Shuffle(len(devices), func(i, j int) {
		devices[i], devices[j] = devices[j], devices[i]
	})

	device := m.findUnused(devices)
	if device == "" {
		m.Error = "No free nbd devices"
		return ""
	}

	return filepath.Join("/dev", device)
}

// innerGetDev allocates a device and attaches the image to it. The whole
// sequence, confirmation poll included, runs under the allocation lock.
func (m *NbdMount) innerGetDev(ctx context.Context) bool {
	unlock, err := locking.LockWithPath(ctx, m.lockPath, allocationLockName)
	if err != nil {
		m.Error = err.Error()
		return false
	}

	defer unlock()

	device := m.allocateNbd()
	if device == "" {
		return false
	}

	m.logger.Debug("Get nbd device", logger.Ctx{"device": device})

	// qemu-nbd fails if the device is already in use.
	_, errText, err := m.exec.NBDConnect(ctx, device, m.Image)
	if err != nil {
		errText = err.Error()
	}

	if errText != "" {
		m.Error = fmt.Sprintf("qemu-nbd error: %s", errText)
		m.logger.Info("NBD mount error", logger.Ctx{"err": m.Error})
		return false
	}

	// qemu-nbd forks, the pid file appears once the backing process is up.
	pidFile := filepath.Join(m.sysBlock, filepath.Base(device), "pid")
	attached := false
	for i := 0; i < m.timeout && ctx.Err() == nil; i++ {
		if shared.PathExists(pidFile) {
			attached = true
			break
		}

		m.sleep(time.Second)
	}

	if !attached {
		m.Error = fmt.Sprintf("nbd device %s did not show up", device)
		m.logger.Info("NBD mount error", logger.Ctx{"err": m.Error})

		m.cleanup = m.disconnectQuietly(ctx, device)
		if m.cleanup.Failed() {
			m.logger.Warn("Detaching from erroneous nbd device returned error", logger.Ctx{"device": device, "err": m.cleanup.Err})
		}

		return false
	}

	m.Device = device
	m.Error = ""
	m.Linked = true
	return true
}

func (m *NbdMount) disconnectQuietly(ctx context.Context, device string) CleanupResult {
	result := CleanupResult{Device: device}

	// A cancelled ctx must not prevent the detach.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	_, errText, err := m.exec.NBDDisconnect(ctx, device)
	if err != nil {
		errText = err.Error()
	}

	result.Err = errText
	return result
}

// GetDev attaches the image to a free device, retrying per the retry policy.
// On failure Error describes the last problem.
func (m *NbdMount) GetDev(ctx context.Context) bool {
	return m.getDevRetryHelper(ctx, m.innerGetDev)
}

// UngetDev detaches the device. It does nothing unless the mount is linked.
func (m *NbdMount) UngetDev(ctx context.Context) error {
	if !m.Linked {
		return nil
	}

	m.logger.Debug("Release nbd device", nbdCtx(m))

	_, _, err := m.exec.NBDDisconnect(ctx, m.Device)
	if err != nil {
		return err
	}

	m.Linked = false
	m.Device = ""
	return nil
}

// FlushDev flushes the device buffers. Older qemu-nbd versions intermittently
// hang when a device is re-used without it.
func (m *NbdMount) FlushDev(ctx context.Context) error {
	if m.Device == "" {
		return nil
	}

	return m.exec.BlockdevFlush(ctx, m.Device)
}
