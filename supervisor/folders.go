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

// Package supervisor runs downloads and uploads in child processes and reads
// back their state from the files they leave in their job folders.
package supervisor

import (
	"encoding/base32"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// holds the PID of the child working in a folder
	LockFile = ".lockfile"
	// written by a child that succeeded
	DoneFile = ".donefile"
	// written by a child that failed
	ErrorFile = "error.json"
	// output of an upload child
	LogFile = "log.txt"
)

// Returns the folder that receives the files of the given DID.
func DownloadFolder(root, namespace, did string) string {
	name := strings.ToLower(base32.StdEncoding.EncodeToString([]byte(did)))
	return filepath.Join(root, namespace, "downloads", name)
}

// Returns the folder holding the state of the given upload job.
func UploadFolder(root, namespace, jobId string) string {
	return filepath.Join(root, namespace, "uploads", jobId)
}

// The contents of a donefile: local paths keyed by DID (downloads) or DIDs
// keyed by local path (uploads).
type DoneRecord struct {
	Paths map[string]string `json:"paths"`
}

// The contents of an error.json file
type ErrorRecord struct {
	Success          bool   `json:"success"`
	Error            string `json:"error"`
	ExceptionClass   string `json:"exception_class"`
	ExceptionMessage string `json:"exception_message"`
}

// State of a job folder
type State int

const (
	// no folder
	Absent State = iota
	// a live child holds the lock
	Running
	// the child wrote a donefile
	Done
	// the child wrote error.json, or left nothing behind
	Failed
)

func (s State) String() string {
	switch s {
	case Absent:
		return "Absent"
	case Running:
		return "Running"
	case Done:
		return "Done"
	default:
		return "Failed"
	}
}

// What can be learned about a job from its folder
type Status struct {
	State State
	// valid if State == Done
	Paths map[string]string
	// set if State == Failed and the child reported an error
	Error *ErrorRecord
}

// Reads the state of the job whose files live in the given folder.
func Inspect(folder string) (Status, error) {
	if _, err := os.Stat(folder); errors.Is(err, fs.ErrNotExist) {
		return Status{State: Absent}, nil
	} else if err != nil {
		return Status{}, err
	}
	if lockHeld(folder) {
		return Status{State: Running}, nil
	}

	var done DoneRecord
	if found, err := readRecord(filepath.Join(folder, DoneFile), &done); err != nil {
		return Status{}, err
	} else if found {
		return Status{State: Done, Paths: done.Paths}, nil
	}

	status := Status{State: Failed}
	var record ErrorRecord
	if found, err := readRecord(filepath.Join(folder, ErrorFile), &record); err != nil {
		return Status{}, err
	} else if found {
		status.Error = &record
	}
	return status, nil
}

//-----------
// Internals
//-----------

// reads a JSON record, returning false if the file doesn't exist
func readRecord(path string, record any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, record)
}

// writes a JSON record so that readers never see it partially written
func writeRecord(path string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
