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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// A request to download one DID into a folder
type DownloadJob struct {
	Session
	// the DID to download
	DID string `json:"did"`
	// the DIDs of the files attached to DID
	Files []string `json:"files"`
	// destination folder (see DownloadFolder)
	Folder string `json:"folder"`
}

// Reads a download job from r and runs it.
func RunDownload(ctx context.Context, r io.Reader) error {
	var job DownloadJob
	if err := json.NewDecoder(r).Decode(&job); err != nil {
		return fmt.Errorf("invalid download job: %s", err)
	}
	return job.Run(ctx)
}

// Downloads the job's DID into its folder while holding the folder's lock,
// leaving a donefile on success or error.json on failure. Returns nil without
// doing anything if another process holds the lock.
func (job DownloadJob) Run(ctx context.Context) error {
	if err := os.MkdirAll(job.Folder, 0755); err != nil {
		return err
	}
	if err := AcquireLock(job.Folder); err != nil {
		var locked *LockedError
		if errors.As(err, &locked) {
			slog.Info(fmt.Sprintf("Download of %s is already underway (pid %d)", job.DID, locked.Pid))
			return nil
		}
		return err
	}
	defer ReleaseLock(job.Folder)

	os.Remove(filepath.Join(job.Folder, DoneFile))
	os.Remove(filepath.Join(job.Folder, ErrorFile))

	slog.Info(fmt.Sprintf("Downloading %s into %s", job.DID, job.Folder))
	if err := job.download(ctx); err != nil {
		slog.Error(err.Error())
		record := ErrorRecord{
			Success:          false,
			Error:            "DownloadFailed",
			ExceptionClass:   exceptionClass(err),
			ExceptionMessage: err.Error(),
		}
		if writeErr := writeRecord(filepath.Join(job.Folder, ErrorFile), record); writeErr != nil {
			slog.Error(fmt.Sprintf("Can't record download failure: %s", writeErr))
		}
		return err
	}

	files := job.Files
	if len(files) == 0 {
		files = []string{job.DID}
	}
	done := DoneRecord{Paths: make(map[string]string)}
	for _, did := range files {
		scope, name, _ := strings.Cut(did, ":")
		done.Paths[did] = filepath.Join(job.Folder, scope, name)
	}
	slog.Info(fmt.Sprintf("Downloaded %s", job.DID))
	return writeRecord(filepath.Join(job.Folder, DoneFile), done)
}

func (job DownloadJob) download(ctx context.Context) error {
	scratch, err := os.MkdirTemp("", "rucio-bridge-download-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	env, err := job.prepareEnvironment(ctx, scratch)
	if err != nil {
		return err
	}
	var output bytes.Buffer
	err = job.runClient(ctx, env, &output, "download", "--dir", job.Folder, job.DID)
	if err != nil {
		return &DownloadFailedError{DID: job.DID, Message: clientFailure(err, output.String())}
	}
	return nil
}

// summarizes a failed client run by its last line of output
func clientFailure(err error, output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
		return last
	}
	return err.Error()
}
