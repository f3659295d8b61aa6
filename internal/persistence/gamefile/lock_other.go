//go:build !unix

package gamefile

import (
	"errors"
	"os"
)

var errLockHeld = errors.New("lock held")

// Without flock only the in-process registry guards the directory.
func lockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) error { return nil }
