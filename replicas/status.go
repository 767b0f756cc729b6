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
	"github.com/rucio/jupyterlab-bridge/rucio"
)

// Status is the availability of a file as shown to the user.
type Status string

const (
	NotAvailable Status = "NOT_AVAILABLE"
	Fetching     Status = "FETCHING"
	Replicating  Status = "REPLICATING"
	OK           Status = "OK"
	Stuck        Status = "STUCK"
)

// Progress reporting for entries that are still being resolved
type Progress struct {
	Mode string `json:"mode"`
}

// FileDetails describes one file of a DID. Path and PFN are nil unless the
// file is available locally.
type FileDetails struct {
	Status   Status    `json:"status"`
	DID      string    `json:"did"`
	Path     *string   `json:"path"`
	Size     int64     `json:"size"`
	PFN      *string   `json:"pfn"`
	Progress *Progress `json:"progress,omitempty"`
}

// Returns the single entry shown while a DID's files are being fetched.
func FetchingPlaceholder(did string) []FileDetails {
	return []FileDetails{{
		Status:   Fetching,
		DID:      did,
		Progress: &Progress{Mode: "indeterminate"},
	}}
}

// Returns the status shared by a DID's unplaced files, given the DID's
// replication rule at the destination RSE (nil if there is none).
func GroupStatus(rule *rucio.Rule) Status {
	if rule == nil {
		return NotAvailable
	}
	switch rule.State {
	case "OK":
		return OK
	case "REPLICATING":
		return Replicating
	default:
		return Stuck
	}
}

// Returns the first PFN of the replica at the given RSE if the RSE reports the
// replica as available, or an empty string.
func ChoosePFN(replica rucio.Replica, rse string) string {
	pfns, inRSEs := replica.RSEs[rse]
	state, inStates := replica.States[rse]
	if !inRSEs || !inStates || state != "AVAILABLE" || len(pfns) == 0 {
		return ""
	}
	return pfns[0]
}
