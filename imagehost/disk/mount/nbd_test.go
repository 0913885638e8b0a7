package mount

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/imagehost/shared/logger"
)

// fakeHost is a temporary /sys/block and /var/lock pair.
type fakeHost struct {
	sysBlock string
	lockDir  string
}

func newFakeHost(t *testing.T, devices ...string) *fakeHost {
	t.Helper()

	root := t.TempDir()
	h := &fakeHost{
		sysBlock: filepath.Join(root, "sys", "block"),
		lockDir:  filepath.Join(root, "var", "lock"),
	}

	require.NoError(t, os.MkdirAll(h.sysBlock, 0755))
	require.NoError(t, os.MkdirAll(h.lockDir, 0755))

	for _, dev := range devices {
		require.NoError(t, os.MkdirAll(filepath.Join(h.sysBlock, dev), 0755))
	}

	return h
}

func (h *fakeHost) setPid(t *testing.T, dev string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(h.sysBlock, dev, "pid"), []byte("4242\n"), 0644))
}

func (h *fakeHost) setLock(t *testing.T, dev string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(h.lockDir, "qemu-nbd-"+dev), nil, 0644))
}

// fakeExecutor stands in for the privileged helper.
type fakeExecutor struct {
	mu sync.Mutex

	host *fakeHost

	// attach makes a successful connect create the kernel pid file.
	attach bool

	// connectFailures is how many connects fail before one succeeds.
	connectFailures int
	connectStderr   string
	disconnectErr   error
	flushErr        error

	connects    []string
	disconnects []string
	flushes     []string

	inFlight    int
	maxInFlight int
}

func (f *fakeExecutor) Mount(ctx context.Context, fsType string, export string, target string, options []string) error {
	return nil
}

func (f *fakeExecutor) Umount(ctx context.Context, target string) error {
	return nil
}

func (f *fakeExecutor) NBDConnect(ctx context.Context, device string, imagePath string) (string, string, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}

	f.connects = append(f.connects, device)
	fail := f.connectFailures > 0
	if fail {
		f.connectFailures--
	}

	f.mu.Unlock()

	// Give a racing caller the chance to show up.
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--

	if fail {
		return "", "", errors.New("qemu-nbd: Failed to set NBD socket")
	}

	if f.connectStderr != "" {
		return "", f.connectStderr, nil
	}

	if f.attach {
		err := os.WriteFile(filepath.Join(f.host.sysBlock, filepath.Base(device), "pid"), []byte("1\n"), 0644)
		if err != nil {
			return "", "", err
		}
	}

	return "", "", nil
}

func (f *fakeExecutor) NBDDisconnect(ctx context.Context, device string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.disconnects = append(f.disconnects, device)
	if f.disconnectErr != nil {
		return "", "", f.disconnectErr
	}

	_ = os.Remove(filepath.Join(f.host.sysBlock, filepath.Base(device), "pid"))
	return "", "", nil
}

func (f *fakeExecutor) BlockdevFlush(ctx context.Context, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.flushes = append(f.flushes, device)
	return f.flushErr
}

type testMount struct {
	*NbdMount
	hook   *test.Hook
	sleeps int
}

func newTestMount(t *testing.T, host *fakeHost, exec *fakeExecutor, opts ...Option) *testMount {
	t.Helper()

	target, hook := test.NewNullLogger()
	target.Level = logrus.DebugLevel

	tm := &testMount{hook: hook}
	base := []Option{
		WithHostPaths(host.sysBlock, host.lockDir),
		WithLogger(logger.Wrap(target)),
		WithSleep(func(time.Duration) { tm.sleeps++ }),
		WithRetryPolicy(RetryPolicy{Attempts: 1}),
		WithTimeout(3),
		WithRand(rand.New(rand.NewSource(1))),
	}

	tm.NbdMount = NewNbdMount("/var/lib/images/disk.qcow2", exec, append(base, opts...)...)
	return tm
}

func (tm *testMount) logged(level logrus.Level, substr string) bool {
	for _, entry := range tm.hook.AllEntries() {
		if entry.Level == level && strings.Contains(entry.Message, substr) {
			return true
		}
	}

	return false
}

func TestAllocateModuleNotLoaded(t *testing.T) {
	host := newFakeHost(t, "loop0", "sda")
	tm := newTestMount(t, host, &fakeExecutor{host: host})

	assert.Equal(t, "", tm.allocateNbd())
	assert.Equal(t, "nbd unavailable: module not loaded", tm.Error)
	assert.True(t, tm.logged(logrus.ErrorLevel, "nbd module not loaded"))
}

func TestDetectNbdDevices(t *testing.T) {
	host := newFakeHost(t, "nbd0", "nbd1", "nbd15", "loop0", "sda", "xnbd2", "nbdx")
	tm := newTestMount(t, host, &fakeExecutor{host: host})

	devices, err := tm.detectNbdDevices()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"nbd0", "nbd1", "nbd15"}, devices)
}

func TestAllocateOnlyReturnsUnused(t *testing.T) {
	tests := []struct {
		name   string
		pids   []string
		locks  []string
		unused []string
	}{
		{
			name:   "all free",
			unused: []string{"/dev/nbd0", "/dev/nbd1", "/dev/nbd2", "/dev/nbd3"},
		},
		{
			name:   "busy devices are skipped",
			pids:   []string{"nbd0", "nbd2"},
			unused: []string{"/dev/nbd1", "/dev/nbd3"},
		},
		{
			name:   "stale locks are skipped",
			pids:   []string{"nbd0"},
			locks:  []string{"nbd1", "nbd3"},
			unused: []string{"/dev/nbd2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newFakeHost(t, "nbd0", "nbd1", "nbd2", "nbd3")
			for _, dev := range tt.pids {
				host.setPid(t, dev)
			}

			for _, dev := range tt.locks {
				host.setLock(t, dev)
			}

			seen := map[string]bool{}
			for seed := int64(0); seed < 64; seed++ {
				tm := newTestMount(t, host, &fakeExecutor{host: host}, WithRand(rand.New(rand.NewSource(seed))))

				device := tm.allocateNbd()
				require.Contains(t, tt.unused, device)
				seen[device] = true
			}

			// Shuffling spreads callers over the whole free set.
			assert.Len(t, seen, len(tt.unused))
		})
	}
}

func TestAllocateExhausted(t *testing.T) {
	host := newFakeHost(t, "nbd0", "nbd1", "nbd2")
	host.setPid(t, "nbd0")
	host.setPid(t, "nbd1")
	host.setLock(t, "nbd2")

	tm := newTestMount(t, host, &fakeExecutor{host: host})

	assert.Equal(t, "", tm.allocateNbd())
	assert.Equal(t, "No free nbd devices", tm.Error)
	assert.True(t, tm.logged(logrus.WarnLevel, "No free nbd devices"))
	assert.True(t, tm.logged(logrus.ErrorLevel, "qemu-nbd-nbd2"))
}

func TestInnerGetDevSuccess(t *testing.T) {
	host := newFakeHost(t, "nbd0", "nbd1")
	host.setPid(t, "nbd0")
	exec := &fakeExecutor{host: host, attach: true}
	tm := newTestMount(t, host, exec)
	tm.Error = "left over"

	require.True(t, tm.innerGetDev(context.Background()))

	assert.True(t, tm.Linked)
	assert.Equal(t, "/dev/nbd1", tm.Device)
	assert.Equal(t, "", tm.Error)
	assert.Equal(t, []string{"/dev/nbd1"}, exec.connects)
	assert.Empty(t, exec.disconnects)
}

func TestInnerGetDevConnectError(t *testing.T) {
	host := newFakeHost(t, "nbd0")
	exec := &fakeExecutor{host: host, connectFailures: 1}
	tm := newTestMount(t, host, exec)

	assert.False(t, tm.innerGetDev(context.Background()))
	assert.False(t, tm.Linked)
	assert.Equal(t, "", tm.Device)
	assert.Equal(t, "qemu-nbd error: qemu-nbd: Failed to set NBD socket", tm.Error)
	assert.Empty(t, exec.disconnects)
}

func TestInnerGetDevConnectStderr(t *testing.T) {
	host := newFakeHost(t, "nbd0")
	exec := &fakeExecutor{host: host, connectStderr: "qemu-nbd: Disconnect client, due to: Failed to read request"}
	tm := newTestMount(t, host, exec)

	assert.False(t, tm.innerGetDev(context.Background()))
	assert.Contains(t, tm.Error, "qemu-nbd error: qemu-nbd: Disconnect client")
	assert.Equal(t, 0, tm.sleeps)
}

func TestInnerGetDevConfirmationTimeout(t *testing.T) {
	host := newFakeHost(t, "nbd0")
	exec := &fakeExecutor{host: host}
	tm := newTestMount(t, host, exec, WithTimeout(4))

	assert.False(t, tm.innerGetDev(context.Background()))

	assert.NotEmpty(t, tm.Error)
	assert.Equal(t, "nbd device /dev/nbd0 did not show up", tm.Error)
	assert.False(t, tm.Linked)
	assert.Equal(t, "", tm.Device)
	assert.Equal(t, 4, tm.sleeps)
	assert.Equal(t, []string{"/dev/nbd0"}, exec.disconnects)
	assert.False(t, tm.LastCleanup().Failed())
}

func TestInnerGetDevTimeoutCleanupFailureIsNotEscalated(t *testing.T) {
	host := newFakeHost(t, "nbd0")
	exec := &fakeExecutor{host: host, disconnectErr: errors.New("qemu-nbd: Cannot open /dev/nbd0")}
	tm := newTestMount(t, host, exec)

	assert.False(t, tm.innerGetDev(context.Background()))

	assert.Equal(t, "nbd device /dev/nbd0 did not show up", tm.Error)
	assert.Len(t, exec.disconnects, 1)
	assert.Equal(t, CleanupResult{Device: "/dev/nbd0", Err: "qemu-nbd: Cannot open /dev/nbd0"}, tm.LastCleanup())
	assert.True(t, tm.logged(logrus.WarnLevel, "Detaching from erroneous nbd device"))
}

func TestUngetDevNeverLinked(t *testing.T) {
	host := newFakeHost(t, "nbd0")
	exec := &fakeExecutor{host: host}
	tm := newTestMount(t, host, exec)

	require.NoError(t, tm.UngetDev(context.Background()))
	assert.Empty(t, exec.disconnects)
}

func TestUngetDevAfterClaim(t *testing.T) {
	host := newFakeHost(t, "nbd0")
	exec := &fakeExecutor{host: host, attach: true}
	tm := newTestMount(t, host, exec)

	require.True(t, tm.GetDev(context.Background()))
	require.NoError(t, tm.UngetDev(context.Background()))

	assert.False(t, tm.Linked)
	assert.Equal(t, "", tm.Device)
	assert.Equal(t, []string{"/dev/nbd0"}, exec.disconnects)

	// A second release is a no-op.
	require.NoError(t, tm.UngetDev(context.Background()))
	assert.Len(t, exec.disconnects, 1)
}

func TestUngetDevPropagatesDisconnectError(t *testing.T) {
	host := newFakeHost(t, "nbd0")
	exec := &fakeExecutor{host: host, attach: true}
	tm := newTestMount(t, host, exec)
	require.True(t, tm.GetDev(context.Background()))

	exec.disconnectErr = errors.New("qemu-nbd: device busy")
	assert.EqualError(t, tm.UngetDev(context.Background()), "qemu-nbd: device busy")
	assert.True(t, tm.Linked)
	assert.Equal(t, "/dev/nbd0", tm.Device)
}

func TestFlushDev(t *testing.T) {
	host := newFakeHost(t, "nbd0")
	exec := &fakeExecutor{host: host, attach: true}
	tm := newTestMount(t, host, exec)

	require.NoError(t, tm.FlushDev(context.Background()))
	assert.Empty(t, exec.flushes)

	require.True(t, tm.GetDev(context.Background()))
	require.NoError(t, tm.FlushDev(context.Background()))
	assert.Equal(t, []string{"/dev/nbd0"}, exec.flushes)

	exec.flushErr = errors.New("blockdev: ioctl error")
	assert.Error(t, tm.FlushDev(context.Background()))
}

func TestGetDevRetriesUntilAttached(t *testing.T) {
	host := newFakeHost(t, "nbd0", "nbd1")
	exec := &fakeExecutor{host: host, attach: true, connectFailures: 2}
	tm := newTestMount(t, host, exec, WithRetryPolicy(RetryPolicy{Attempts: 5}))

	require.True(t, tm.GetDev(context.Background()))
	assert.Len(t, exec.connects, 3)
	assert.True(t, tm.Linked)
	assert.Equal(t, "", tm.Error)
	assert.True(t, tm.logged(logrus.InfoLevel, "Will retry"))
}

func TestGetDevGivesUp(t *testing.T) {
	host := newFakeHost(t, "nbd0")
	exec := &fakeExecutor{host: host, connectFailures: 100}
	tm := newTestMount(t, host, exec, WithRetryPolicy(RetryPolicy{Attempts: 3}))

	assert.False(t, tm.GetDev(context.Background()))
	assert.Len(t, exec.connects, 3)
	assert.False(t, tm.Linked)
	assert.NotEmpty(t, tm.Error)
	assert.True(t, tm.logged(logrus.WarnLevel, "after repeated retries"))
}

func TestGetDevCancelledContext(t *testing.T) {
	host := newFakeHost(t, "nbd0", "nbd1")
	exec := &fakeExecutor{host: host, attach: true}
	tm := newTestMount(t, host, exec, WithRetryPolicy(RetryPolicy{Attempts: 3}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, tm.GetDev(ctx))
	assert.Empty(t, exec.connects)
	assert.False(t, tm.Linked)
	assert.Equal(t, "", tm.Device)
	assert.Contains(t, tm.Error, "cancelled")
}

func TestGetDevConcurrentCallersGetDistinctDevices(t *testing.T) {
	host := newFakeHost(t, "nbd0", "nbd1", "nbd2", "nbd3")
	exec := &fakeExecutor{host: host, attach: true}

	mounts := make([]*testMount, 4)
	for i := range mounts {
		mounts[i] = newTestMount(t, host, exec, WithRand(rand.New(rand.NewSource(7))))
	}

	var wg sync.WaitGroup
	for _, tm := range mounts {
		wg.Add(1)
		go func(tm *testMount) {
			defer wg.Done()
			assert.True(t, tm.GetDev(context.Background()))
		}(tm)
	}

	wg.Wait()

	devices := map[string]bool{}
	for _, tm := range mounts {
		devices[tm.Device] = true
	}

	assert.Len(t, devices, 4)
	assert.Equal(t, 1, exec.maxInFlight)
}

func TestNewRetryPolicy(t *testing.T) {
	assert.Equal(t, RetryPolicy{Attempts: 16, Interval: 2 * time.Second}, DefaultRetryPolicy())
	assert.Equal(t, RetryPolicy{Attempts: 1, Interval: 0}, NewRetryPolicy(30*time.Second, 0))
	assert.Equal(t, RetryPolicy{Attempts: 4, Interval: time.Second}, NewRetryPolicy(3*time.Second, time.Second))
}
