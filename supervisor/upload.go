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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// A request to upload local files to an RSE
type UploadJob struct {
	Session
	Id string `json:"id"`
	// files to upload
	Paths []string `json:"paths"`
	// destination RSE and scope
	RSE   string `json:"rse"`
	Scope string `json:"scope"`
	// dataset to attach the files to, if any
	DatasetDID string `json:"dataset_did,omitempty"`
	// replica lifetime in seconds (0 for none)
	Lifetime int `json:"lifetime,omitempty"`
	// job folder (see UploadFolder)
	Folder string `json:"folder"`
}

// Reads an upload job from r and runs it.
func RunUpload(ctx context.Context, r io.Reader) error {
	var job UploadJob
	if err := json.NewDecoder(r).Decode(&job); err != nil {
		return fmt.Errorf("invalid upload job: %s", err)
	}
	return job.Run(ctx)
}

// Uploads the job's files while holding the job folder's lock. The client's
// output goes to log.txt in the folder.
func (job UploadJob) Run(ctx context.Context) error {
	if err := os.MkdirAll(job.Folder, 0755); err != nil {
		return err
	}
	if err := AcquireLock(job.Folder); err != nil {
		var locked *LockedError
		if errors.As(err, &locked) {
			slog.Info(fmt.Sprintf("Upload job %s is already running (pid %d)", job.Id, locked.Pid))
			return nil
		}
		return err
	}
	defer ReleaseLock(job.Folder)

	os.Remove(filepath.Join(job.Folder, DoneFile))
	os.Remove(filepath.Join(job.Folder, ErrorFile))

	slog.Info(fmt.Sprintf("Uploading %d file(s) to %s (job %s)", len(job.Paths), job.RSE, job.Id))
	if err := job.upload(ctx); err != nil {
		slog.Error(err.Error())
		record := ErrorRecord{
			Success:          false,
			Error:            "UploadFailed",
			ExceptionClass:   exceptionClass(err),
			ExceptionMessage: err.Error(),
		}
		if writeErr := writeRecord(filepath.Join(job.Folder, ErrorFile), record); writeErr != nil {
			slog.Error(fmt.Sprintf("Can't record upload failure: %s", writeErr))
		}
		return err
	}

	done := DoneRecord{Paths: make(map[string]string)}
	for _, path := range job.Paths {
		done.Paths[path] = job.Scope + ":" + filepath.Base(path)
	}
	return writeRecord(filepath.Join(job.Folder, DoneFile), done)
}

func (job UploadJob) upload(ctx context.Context) error {
	scratch, err := os.MkdirTemp("", "rucio-bridge-upload-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	env, err := job.prepareEnvironment(ctx, scratch)
	if err != nil {
		return err
	}
	log, err := os.Create(filepath.Join(job.Folder, LogFile))
	if err != nil {
		return err
	}
	defer log.Close()

	args := []string{"upload", "--rse", job.RSE, "--scope", job.Scope}
	if job.Lifetime > 0 {
		args = append(args, "--lifetime", strconv.Itoa(job.Lifetime))
	}
	if job.DatasetDID != "" {
		args = append(args, job.DatasetDID)
	}
	args = append(args, job.Paths...)
	if err := job.runClient(ctx, env, log, args...); err != nil {
		output, _ := os.ReadFile(filepath.Join(job.Folder, LogFile))
		return &UploadFailedError{Id: job.Id, Message: clientFailure(err, string(output))}
	}
	return nil
}
