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

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// A record of an upload requested through the bridge.
type UploadJob struct {
	Id        uuid.UUID `json:"id"`
	Namespace string    `json:"namespace"`
	// local files being uploaded
	FilePaths []string `json:"file_paths"`
	// destination RSE and scope
	RSE   string `json:"rse"`
	Scope string `json:"scope"`
	// dataset to which files are attached ("scope:name"), if any
	DatasetDID string `json:"dataset_did,omitempty"`
	// rule lifetime in seconds (0 for none)
	Lifetime int `json:"lifetime,omitempty"`
	// folder holding the job's lockfile, donefile, error record and log
	Folder    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Records a new upload job.
func (s *Store) AddUploadJob(ctx context.Context, job UploadJob) error {
	spec, err := json.Marshal(job)
	if err != nil {
		return err
	}
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn,
		`INSERT INTO upload_jobs (id, namespace, spec, folder, created_at) VALUES (?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{Args: []any{job.Id.String(), job.Namespace, string(spec),
			job.Folder, job.CreatedAt.Unix()}})
}

// Returns all upload jobs for the given namespace, newest first.
func (s *Store) UploadJobs(ctx context.Context, namespace string) ([]UploadJob, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	jobs := make([]UploadJob, 0)
	err = sqlitex.Execute(conn,
		`SELECT spec, folder FROM upload_jobs WHERE namespace = ? ORDER BY created_at DESC;`,
		&sqlitex.ExecOptions{
			Args: []any{namespace},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				job, err := decodeUploadJob(stmt)
				if err == nil {
					jobs = append(jobs, job)
				}
				return err
			},
		})
	return jobs, err
}

// Returns the upload job with the given ID in the given namespace.
func (s *Store) UploadJob(ctx context.Context, namespace string, id uuid.UUID) (UploadJob, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return UploadJob{}, err
	}
	defer s.pool.Put(conn)
	var job UploadJob
	var found bool
	err = sqlitex.Execute(conn,
		`SELECT spec, folder FROM upload_jobs WHERE namespace = ? AND id = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{namespace, id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				job, err = decodeUploadJob(stmt)
				found = true
				return err
			},
		})
	if err == nil && !found {
		err = &NotFoundError{Kind: "upload job", Key: id.String()}
	}
	return job, err
}

// Deletes the record of the upload job with the given ID.
func (s *Store) DeleteUploadJob(ctx context.Context, namespace string, id uuid.UUID) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn,
		`DELETE FROM upload_jobs WHERE namespace = ? AND id = ?;`,
		&sqlitex.ExecOptions{Args: []any{namespace, id.String()}})
	if err == nil && conn.Changes() == 0 {
		err = &NotFoundError{Kind: "upload job", Key: id.String()}
	}
	return err
}

func decodeUploadJob(stmt *sqlite.Stmt) (UploadJob, error) {
	var job UploadJob
	if err := json.Unmarshal([]byte(stmt.ColumnText(0)), &job); err != nil {
		return job, err
	}
	job.Folder = stmt.ColumnText(1)
	return job, nil
}
