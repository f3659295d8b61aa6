package gamefile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrAlreadyOpen = errors.New("save directory already open")

const lockFileName = "session.lock"

// active is the one game directory this process has open; the file lock
// covers other processes.
var active = struct {
	sync.Mutex
	dir string
}{}

// checkActive fails with ErrAlreadyOpen while any game is open in this
// process.
func checkActive() error {
	active.Lock()
	defer active.Unlock()
	if active.dir != "" {
		return fmt.Errorf("%w: %s is open", ErrAlreadyOpen, active.dir)
	}
	return nil
}

type dirLock struct {
	dir   string
	f     *os.File
	token string
}

// acquireDirLock takes exclusive ownership of dir or fails with ErrAlreadyOpen.
func acquireDirLock(dir string) (*dirLock, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}

	active.Lock()
	defer active.Unlock()
	if active.dir != "" {
		return nil, fmt.Errorf("%w: %s is open", ErrAlreadyOpen, active.dir)
	}

	f, err := os.OpenFile(filepath.Join(abs, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, errLockHeld) {
			return nil, fmt.Errorf("%w: %s (held by another process)", ErrAlreadyOpen, abs)
		}
		return nil, fmt.Errorf("lock %s: %w", abs, err)
	}

	l := &dirLock{dir: abs, f: f, token: uuid.NewString()}
	if err := f.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(f, "token=%s\npid=%d\nsince=%s\n", l.token, os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	}
	active.dir = abs
	return l, nil
}

func (l *dirLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	active.Lock()
	if active.dir == l.dir {
		active.dir = ""
	}
	active.Unlock()

	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
