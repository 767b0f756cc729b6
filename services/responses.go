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
	"github.com/google/uuid"

	"github.com/rucio/jupyterlab-bridge/config"
)

type ServiceInfoResponse struct {
	Name          string `json:"name" example:"Rucio JupyterLab bridge" doc:"The name of the service API"`
	Version       string `json:"version" example:"1.0.0" doc:"The version string (major.minor.patch)"`
	Uptime        int    `json:"uptime" example:"345600" doc:"The time the service has been up (seconds)"`
	Documentation string `json:"documentation" example:"/rucio-jupyterlab/docs" doc:"The OpenAPI documentation endpoint"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type InstanceResponse struct {
	Name        string      `json:"name" example:"atlas"`
	DisplayName string      `json:"display_name" example:"ATLAS"`
	Mode        config.Mode `json:"mode" example:"replica" enum:"replica,download"`
	OIDCEnabled bool        `json:"oidc_enabled"`
	WebUIURL    string      `json:"webui_url,omitempty"`
}

type InstancesResponse struct {
	// nil until the user picks an instance
	ActiveInstance *string            `json:"active_instance"`
	Instances      []InstanceResponse `json:"instances"`
}

type AuthResponse struct {
	Success bool `json:"success"`
	// remaining lifetime of an X.509 certificate (seconds)
	Lifetime *int64 `json:"lifetime,omitempty"`
}

type OIDCAuthResponse struct {
	Success bool `json:"success"`
	// token source (env or file)
	OIDCAuth string `json:"oidc_auth" example:"env"`
	// environment variable or file holding the token
	OIDCAuthSource string `json:"oidc_auth_source" example:"ACCESS_TOKEN"`
	// Unix time at which the token expires
	Expires int64 `json:"expires"`
}

type SearchResult struct {
	DID  string `json:"did" example:"user.jdoe:file.root"`
	Size int64  `json:"size"`
	Type string `json:"type" example:"file"`
}

type ScopesResponse struct {
	Success bool     `json:"success"`
	Scopes  []string `json:"scopes"`
}

type FileEntry struct {
	Type string `json:"type" enum:"file,dir"`
	Name string `json:"name"`
	Path string `json:"path"`
}

type UploadResponse struct {
	Success bool      `json:"success"`
	Id      uuid.UUID `json:"id"`
}

type UploadJobResponse struct {
	Id        uuid.UUID `json:"id"`
	FilePaths []string  `json:"file_paths"`
	RSE       string    `json:"rse"`
	Scope     string    `json:"scope"`
	// "scope:name" of the dataset the files are attached to
	DatasetDID string `json:"dataset_did,omitempty"`
	Lifetime   int    `json:"lifetime,omitempty"`
	// Unix time of the request
	CreatedAt int64 `json:"created_at"`
	// UPLOADING, OK or FAILED
	Status string `json:"status" enum:"UPLOADING,OK,FAILED"`
}

type UploadJobDetailsResponse struct {
	UploadJobResponse
	// uploaded paths and their DIDs (OK jobs)
	DIDs map[string]string `json:"dids,omitempty"`
	// failure description (FAILED jobs)
	Error            string `json:"error,omitempty"`
	ExceptionClass   string `json:"exception_class,omitempty"`
	ExceptionMessage string `json:"exception_message,omitempty"`
}

type UploadLogResponse struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
}
