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
	"fmt"
)

// indicates that another process holds the lock on a job folder
type LockedError struct {
	Folder string
	Pid    int
}

func (e LockedError) Error() string {
	return fmt.Sprintf("Folder %s is locked by process %d", e.Folder, e.Pid)
}

// indicates that the data service's client failed to download a DID
type DownloadFailedError struct {
	DID, Message string
}

func (e DownloadFailedError) Error() string {
	return fmt.Sprintf("Download of %s failed: %s", e.DID, e.Message)
}

// indicates that the data service's client failed to upload files
type UploadFailedError struct {
	Id, Message string
}

func (e UploadFailedError) Error() string {
	return fmt.Sprintf("Upload job %s failed: %s", e.Id, e.Message)
}
