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
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Supervisor starts download and upload children by re-executing the running
// program with a mode argument and the job on standard input.
type Supervisor struct {
	// program and leading arguments that start a child (the mode is appended)
	Command []string
	// environment variables added to the children's environment
	Env []string

	children sync.WaitGroup
}

// Creates a supervisor that re-executes the running program.
func New() (*Supervisor, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return &Supervisor{Command: []string{exe}}, nil
}

// A running child process
type Child struct {
	Pid  int
	done chan struct{}
	err  error
}

// Waits for the child to exit, returning an error if it failed.
func (c *Child) Wait() error {
	<-c.done
	return c.err
}

// Starts a child that downloads the given job's DID. Returns a LockedError if
// a live process is already working in the job's folder.
func (s *Supervisor) StartDownload(job DownloadJob) (*Child, error) {
	if err := s.clearFolder(job.Folder); err != nil {
		return nil, err
	}
	return s.start("download", job)
}

// Starts a child that runs the given upload job.
func (s *Supervisor) StartUpload(job UploadJob) (*Child, error) {
	if err := s.clearFolder(job.Folder); err != nil {
		return nil, err
	}
	return s.start("upload", job)
}

// Waits for all children started by this supervisor to exit.
func (s *Supervisor) Wait() {
	s.children.Wait()
}

//-----------
// Internals
//-----------

// removes a stale lockfile, failing if a live process holds the folder
func (s *Supervisor) clearFolder(folder string) error {
	held, err := ClearStaleLock(folder)
	if err != nil {
		return err
	}
	if held {
		pid, _ := lockHolder(folder)
		return &LockedError{Folder: folder, Pid: pid}
	}
	return nil
}

func (s *Supervisor) start(mode string, job any) (*Child, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	args := append(append([]string{}, s.Command[1:]...), mode)
	cmd := exec.Command(s.Command[0], args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), s.Env...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	child := &Child{Pid: cmd.Process.Pid, done: make(chan struct{})}
	slog.Debug(fmt.Sprintf("Started %s child (pid %d)", mode, child.Pid))

	s.children.Add(1)
	go func() {
		defer s.children.Done()
		child.err = cmd.Wait()
		if child.err != nil {
			slog.Info(fmt.Sprintf("%s child (pid %d) exited: %s", mode, child.Pid, child.err))
		}
		close(child.done)
	}()
	return child, nil
}
