package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"devloop/internal/config"
)

const lockFileName = ".devloop.lock"

var errAlreadyWatching = errors.New("another devloop watch is running in this directory")

// projectLock keeps a single watching orchestrator per project directory.
type projectLock struct {
	path string
	lock *flock.Flock
}

func acquireProjectLock(dir string) (*projectLock, error) {
	path := filepath.Join(dir, lockFileName)
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, &config.InputError{Variant: config.DirError, Path: path, Err: fmt.Errorf("acquire lock: %w", err)}
	}
	if !ok {
		return nil, &config.InputError{Variant: config.DirError, Path: path, Err: errAlreadyWatching}
	}
	return &projectLock{path: path, lock: lock}, nil
}

func (lock *projectLock) Release() error {
	if lock == nil {
		return nil
	}
	if err := lock.lock.Unlock(); err != nil {
		return fmt.Errorf("release lock %s: %w", lock.path, err)
	}
	return nil
}
