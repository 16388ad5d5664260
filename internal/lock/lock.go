// Package lock provides per-user filesystem mutexes. A lock is a file
// created with O_EXCL holding the owner PID; a lock whose owner process is
// gone is considered stale and can be taken over.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("lock: already taken")

// Lock is a held filesystem lock.
type Lock struct {
	path string
}

// Acquire takes the named lock under dir. It fails with ErrLocked when a
// live process holds it. The caller must Release.
func Acquire(dir, name string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "lock: creating state dir")
	}

	path := filepath.Join(dir, "lock-"+name)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			if cerr := f.Close(); cerr != nil {
				os.Remove(path)
				return nil, errors.Wrap(cerr, "lock: writing pid")
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrapf(err, "lock: creating %s", path)
		}
		if !stale(path) {
			return nil, errors.Wrapf(ErrLocked, "%s", name)
		}
		// stale owner, take over
		os.Remove(path)
	}
	return nil, errors.Wrapf(ErrLocked, "%s", name)
}

// Release drops the lock. Safe to call once.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "lock: release")
	}
	return nil
}

func stale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return os.IsNotExist(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true
	}
	if pid == os.Getpid() {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return proc.Signal(syscall.Signal(0)) != nil
}
