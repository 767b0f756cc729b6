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

package replicas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/rucio/jupyterlab-bridge/store"
	"github.com/rucio/jupyterlab-bridge/supervisor"
)

// returns the folder that receives the given DID's files
func (e *Engine) downloadFolder(did string) string {
	return supervisor.DownloadFolder(e.downloadRoot, e.instance.Name, did)
}

// reports file states from the DID's download folder. Without forceFetch the
// attached files come from the cache only; on a miss they are listed in the
// background and the folder alone answers.
func (e *Engine) downloadDetails(ctx context.Context, scope, name string, forceFetch bool) ([]FileDetails, error) {
	did := scope + ":" + name
	status, err := supervisor.Inspect(e.downloadFolder(did))
	if err != nil {
		return nil, err
	}

	var files []store.AttachedFile
	if forceFetch {
		if files, err = e.Files(ctx, scope, name); err != nil {
			return nil, err
		}
	} else {
		var found bool
		files, found, err = e.store.GetAttachedFiles(ctx, e.instance.Name, did)
		if err != nil {
			return nil, err
		}
		if !found {
			cacheLookups.WithLabelValues("miss").Inc()
			if !e.Fetching(scope, name) {
				e.submitFilesFetch(scope, name)
			}
			return folderPlaceholder(did, status), nil
		}
		cacheLookups.WithLabelValues("hit").Inc()
	}

	details := make([]FileDetails, len(files))
	for i, file := range files {
		details[i] = downloadedFile(file.DID, file.Size, status)
	}
	return details, nil
}

// the state of one file given its download folder's status
func downloadedFile(did string, size int64, status supervisor.Status) FileDetails {
	details := FileDetails{DID: did, Size: size}
	switch status.State {
	case supervisor.Absent:
		details.Status = NotAvailable
	case supervisor.Running:
		details.Status = Replicating
	case supervisor.Done:
		path, found := status.Paths[did]
		if _, err := os.Stat(path); found && err == nil {
			details.Status = OK
			details.Path = &path
		} else {
			details.Status = Stuck
		}
	default:
		details.Status = Stuck
	}
	return details
}

// describes a DID whose attached files aren't cached: a finished download
// lists its own files, a running or failed one stands for the whole DID, and
// anything else is still being fetched
func folderPlaceholder(did string, status supervisor.Status) []FileDetails {
	switch status.State {
	case supervisor.Done:
		dids := make([]string, 0, len(status.Paths))
		for fileDID := range status.Paths {
			dids = append(dids, fileDID)
		}
		sort.Strings(dids)
		details := make([]FileDetails, len(dids))
		for i, fileDID := range dids {
			details[i] = downloadedFile(fileDID, 0, status)
		}
		return details
	case supervisor.Running, supervisor.Failed:
		return []FileDetails{downloadedFile(did, 0, status)}
	default:
		return FetchingPlaceholder(did)
	}
}

// lists the given DID's attached files in the background
func (e *Engine) submitFilesFetch(scope, name string) bool {
	return e.fetcher.Submit(e.instance.Name, scope+":"+name, func(ctx context.Context) error {
		_, err := e.Files(ctx, scope, name)
		return err
	})
}

// starts a child that downloads the given DID
func (e *Engine) startDownload(ctx context.Context, scope, name string) (Availability, error) {
	did := scope + ":" + name
	files, err := e.Files(ctx, scope, name)
	if err != nil {
		return Availability{}, err
	}
	job := supervisor.DownloadJob{
		Session: supervisor.Session{
			Instance:    e.instance,
			Credentials: e.credentials,
			Commands:    e.commands,
		},
		DID:    did,
		Files:  make([]string, len(files)),
		Folder: e.downloadFolder(did),
	}
	for i, file := range files {
		job.Files[i] = file.DID
	}
	_, err = e.supervisor.StartDownload(job)
	var locked *supervisor.LockedError
	if errors.As(err, &locked) {
		slog.Info(fmt.Sprintf("%s is already being downloaded (pid %d)", did, locked.Pid))
		return Availability{Success: true}, nil
	} else if err != nil {
		return Availability{}, err
	}
	return Availability{Success: true}, nil
}
