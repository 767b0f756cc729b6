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

package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/rucio/jupyterlab-bridge/config"
	"github.com/rucio/jupyterlab-bridge/store"
	"github.com/rucio/jupyterlab-bridge/supervisor"
)

// upload job states
const (
	UploadUploading = "UPLOADING"
	UploadOK        = "OK"
	UploadFailed    = "FAILED"
)

// a job whose child hasn't taken its lock after this long has failed to start
const uploadStartGrace = time.Minute

type UploadOutput struct {
	Body UploadResponse
}

// handler method for starting an upload
func (b *Bridge) upload(ctx context.Context,
	input *struct {
		NamespaceInput
		Body struct {
			FilePaths    []string `json:"file_paths" minItems:"1" doc:"local files to upload"`
			RSE          string   `json:"rse" doc:"destination RSE"`
			Scope        string   `json:"scope" doc:"scope of the uploaded files"`
			AddToDataset bool     `json:"add_to_dataset,omitempty" doc:"attach the files to a dataset"`
			DatasetScope string   `json:"dataset_scope,omitempty"`
			DatasetName  string   `json:"dataset_name,omitempty"`
			Lifetime     int      `json:"lifetime,omitempty" minimum:"0" doc:"replica lifetime (seconds)"`
		}
	}) (*UploadOutput, error) {
	body := input.Body
	instance, err := config.Instance(input.Namespace)
	if err != nil {
		return nil, errorResponse(err)
	}
	creds, err := b.factory.Credentials(ctx, instance)
	if err != nil {
		return nil, errorResponse(err)
	}
	paths := make([]string, len(body.FilePaths))
	for i, path := range body.FilePaths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return nil, badRequest("Not a file: %s", path)
		}
		paths[i], _ = filepath.Abs(path)
	}
	datasetDID := ""
	if body.AddToDataset {
		if body.DatasetScope == "" || body.DatasetName == "" {
			return nil, badRequest("add_to_dataset requires dataset_scope and dataset_name")
		}
		datasetDID = body.DatasetScope + ":" + body.DatasetName
	}

	id := uuid.New()
	record := store.UploadJob{
		Id:         id,
		Namespace:  instance.Name,
		FilePaths:  paths,
		RSE:        body.RSE,
		Scope:      body.Scope,
		DatasetDID: datasetDID,
		Lifetime:   body.Lifetime,
		Folder:     supervisor.UploadFolder(b.factory.DownloadRoot, instance.Name, id.String()),
		CreatedAt:  time.Now(),
	}
	if err := b.factory.Store.AddUploadJob(ctx, record); err != nil {
		return nil, errorResponse(err)
	}
	_, err = b.factory.Supervisor.StartUpload(supervisor.UploadJob{
		Session: supervisor.Session{
			Instance:    instance,
			Credentials: creds,
			Commands:    b.factory.Commands,
		},
		Id:         id.String(),
		Paths:      paths,
		RSE:        body.RSE,
		Scope:      body.Scope,
		DatasetDID: datasetDID,
		Lifetime:   body.Lifetime,
		Folder:     record.Folder,
	})
	if err != nil {
		return nil, errorResponse(err)
	}
	slog.Info(fmt.Sprintf("Started upload job %s (%d file(s) to %s)", id, len(paths), body.RSE))
	return &UploadOutput{Body: UploadResponse{Success: true, Id: id}}, nil
}

type UploadJobsOutput struct {
	Body []UploadJobResponse `doc:"Upload jobs of the instance, newest first"`
}

// handler method for listing upload jobs
func (b *Bridge) getUploadJobs(ctx context.Context,
	input *struct {
		NamespaceInput
	}) (*UploadJobsOutput, error) {
	jobs, err := b.factory.Store.UploadJobs(ctx, input.Namespace)
	if err != nil {
		return nil, errorResponse(err)
	}
	output := &UploadJobsOutput{Body: make([]UploadJobResponse, len(jobs))}
	for i, job := range jobs {
		details, err := uploadJobDetails(job)
		if err != nil {
			return nil, errorResponse(err)
		}
		output.Body[i] = details.UploadJobResponse
	}
	return output, nil
}

type UploadJobInput struct {
	NamespaceInput
	Id string `query:"id" required:"true" doc:"the upload job's ID"`

	jobId uuid.UUID
}

// parses the job ID
func (input *UploadJobInput) Resolve(ctx huma.Context) []error {
	id, err := uuid.Parse(input.Id)
	if err != nil {
		return []error{&huma.ErrorDetail{
			Location: "query.id",
			Message:  "invalid upload job ID",
			Value:    input.Id,
		}}
	}
	input.jobId = id
	return nil
}

type UploadJobDetailsOutput struct {
	Body UploadJobDetailsResponse
}

// handler method for the state of one upload job
func (b *Bridge) getUploadJobDetails(ctx context.Context, input *UploadJobInput) (*UploadJobDetailsOutput, error) {
	job, err := b.factory.Store.UploadJob(ctx, input.Namespace, input.jobId)
	if err != nil {
		return nil, errorResponse(err)
	}
	details, err := uploadJobDetails(job)
	if err != nil {
		return nil, errorResponse(err)
	}
	return &UploadJobDetailsOutput{Body: details}, nil
}

type UploadLogOutput struct {
	Body UploadLogResponse
}

// handler method for the client output of an upload job
func (b *Bridge) getUploadJobLog(ctx context.Context, input *UploadJobInput) (*UploadLogOutput, error) {
	job, err := b.factory.Store.UploadJob(ctx, input.Namespace, input.jobId)
	if err != nil {
		return nil, errorResponse(err)
	}
	text, err := os.ReadFile(filepath.Join(job.Folder, supervisor.LogFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errorResponse(err)
	}
	return &UploadLogOutput{Body: UploadLogResponse{Success: true, Text: string(text)}}, nil
}

// handler method for forgetting a finished upload job
func (b *Bridge) deleteUploadJob(ctx context.Context, input *UploadJobInput) (*SuccessOutput, error) {
	job, err := b.factory.Store.UploadJob(ctx, input.Namespace, input.jobId)
	if err != nil {
		return nil, errorResponse(err)
	}
	status, err := supervisor.Inspect(job.Folder)
	if err != nil {
		return nil, errorResponse(err)
	}
	if status.State == supervisor.Running {
		return nil, errorResponse(&supervisor.LockedError{Folder: job.Folder})
	}
	if err := b.factory.Store.DeleteUploadJob(ctx, input.Namespace, input.jobId); err != nil {
		return nil, errorResponse(err)
	}
	if err := os.RemoveAll(job.Folder); err != nil {
		slog.Warn(fmt.Sprintf("Can't remove folder of upload job %s: %s", input.Id, err))
	}
	return &SuccessOutput{Body: SuccessResponse{Success: true}}, nil
}

// describes an upload job from its record and its folder
func uploadJobDetails(job store.UploadJob) (UploadJobDetailsResponse, error) {
	details := UploadJobDetailsResponse{
		UploadJobResponse: UploadJobResponse{
			Id:         job.Id,
			FilePaths:  job.FilePaths,
			RSE:        job.RSE,
			Scope:      job.Scope,
			DatasetDID: job.DatasetDID,
			Lifetime:   job.Lifetime,
			CreatedAt:  job.CreatedAt.Unix(),
		},
	}
	status, err := supervisor.Inspect(job.Folder)
	if err != nil {
		return details, err
	}
	switch status.State {
	case supervisor.Running:
		details.Status = UploadUploading
	case supervisor.Done:
		details.Status = UploadOK
		details.DIDs = status.Paths
	case supervisor.Absent:
		if time.Since(job.CreatedAt) < uploadStartGrace {
			details.Status = UploadUploading
		} else {
			details.Status = UploadFailed
		}
	default:
		details.Status = UploadFailed
		if status.Error == nil && time.Since(job.CreatedAt) < uploadStartGrace {
			// the child has created the folder but not yet its lock
			details.Status = UploadUploading
		} else if status.Error != nil {
			details.Error = status.Error.Error
			details.ExceptionClass = status.Error.ExceptionClass
			details.ExceptionMessage = status.Error.ExceptionMessage
		}
	}
	return details, nil
}
