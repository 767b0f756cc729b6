// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Creates the lockfile in the given folder, recording this process's PID.
// Returns a LockedError if the lockfile already exists.
func AcquireLock(folder string) error {
	path := filepath.Join(folder, LockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, fs.ErrExist) {
		pid, _ := lockHolder(folder)
		return &LockedError{Folder: folder, Pid: pid}
	} else if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d", os.Getpid())
	return err
}

// Removes the lockfile in the given folder.
func ReleaseLock(folder string) error {
	err := os.Remove(filepath.Join(folder, LockFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Removes the lockfile in the given folder if the process that wrote it is
// gone. Returns true if a live process holds the lock.
func ClearStaleLock(folder string) (bool, error) {
	if _, found := lockHolder(folder); !found {
		return false, nil
	}
	if lockHeld(folder) {
		return true, nil
	}
	return false, ReleaseLock(folder)
}

// returns true if the folder's lockfile belongs to a live process
func lockHeld(folder string) bool {
	pid, found := lockHolder(folder)
	if !found {
		return false
	}
	if pid == 0 {
		// an unreadable PID is trusted only while the lockfile is fresh
		info, err := os.Stat(filepath.Join(folder, LockFile))
		return err == nil && time.Since(info.ModTime()) < unreadableLockGrace
	}
	return IsAlive(pid)
}

// how long a lockfile without a readable PID counts as held
const unreadableLockGrace = 10 * time.Second

// Returns true if the process with the given PID exists and is not a zombie.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	// field 3 of /proc/<pid>/stat is the process state
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		// no procfs here, so signal 0 is all we have
		return true
	}
	end := bytes.LastIndexByte(stat, ')')
	if end < 0 {
		return true
	}
	fields := strings.Fields(string(stat[end+1:]))
	if len(fields) == 0 {
		return true
	}
	return fields[0] != "Z" && fields[0] != "X"
}

// returns the PID recorded in the folder's lockfile, if any
func lockHolder(folder string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(folder, LockFile))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		// still being written
		return 0, true
	}
	return pid, true
}
