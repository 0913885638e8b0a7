package locking

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// locks is a hashmap that allows functions to check whether the operation they are about to perform
// is already in progress. If it is the channel can be used to wait for the operation to finish. If it is not, the
// function that wants to perform the operation should store its code in the hashmap.
// Note that any access to this map must be done while holding a lock.
var locks = map[string]chan struct{}{}

// locksMutex is used to access locks safely.
var locksMutex sync.Mutex

// externalPollInterval is how often a blocked flock is retried.
var externalPollInterval = 100 * time.Millisecond

// UnlockFunc unlocks the lock.
type UnlockFunc func()

// Lock creates a named lock shared by every caller in this process.
// Will block until the lock is established or the context is cancelled.
// On successfully acquiring the lock, it returns an unlock function which needs to be called to unlock the lock.
func Lock(ctx context.Context, lockName string) (UnlockFunc, error) {
	for {
		// Get exclusive access to the map and see if there is already an operation ongoing.
		locksMutex.Lock()
		waitCh, ok := locks[lockName]

		if !ok {
			// No ongoing operation, create a new channel to indicate our new operation.
			waitCh = make(chan struct{})
			locks[lockName] = waitCh
			locksMutex.Unlock()

			// Return a function that will complete the operation.
			return func() {
				locksMutex.Lock()
				doneCh, ok := locks[lockName]

				if ok {
					// Wake up the waiters and drop the entry so one of them can claim it.
					close(doneCh)
					delete(locks, lockName)
				}

				locksMutex.Unlock()
			}, nil
		}

		// An existing operation is ongoing, lets wait for that to finish and then try
		// to get exclusive access to create a new operation again.
		locksMutex.Unlock()

		select {
		case <-waitCh:
			continue
		case <-ctx.Done():
			return nil, fmt.Errorf("Failed to obtain lock %q: %w", lockName, ctx.Err())
		}
	}
}

// LockWithPath behaves like Lock and, when lockPath is not empty, additionally
// holds an exclusive flock on lockPath/lockName so that other processes on the
// host using the same lock directory are excluded too.
func LockWithPath(ctx context.Context, lockPath string, lockName string) (UnlockFunc, error) {
	unlock, err := Lock(ctx, lockName)
	if err != nil {
		return nil, err
	}

	if lockPath == "" {
		return unlock, nil
	}

	f, err := flockFile(ctx, filepath.Join(lockPath, lockName))
	if err != nil {
		unlock()
		return nil, err
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		unlock()
	}, nil
}

func flockFile(ctx context.Context, path string) (*os.File, error) {
	err := os.MkdirAll(filepath.Dir(path), 0700)
	if err != nil {
		return nil, fmt.Errorf("Failed creating lock directory for %q: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("Failed opening lock file %q: %w", path, err)
	}

	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}

		if err != unix.EWOULDBLOCK {
			_ = f.Close()
			return nil, fmt.Errorf("Failed locking %q: %w", path, err)
		}

		select {
		case <-time.After(externalPollInterval):
		case <-ctx.Done():
			_ = f.Close()
			return nil, fmt.Errorf("Failed to obtain lock %q: %w", path, ctx.Err())
		}
	}
}
