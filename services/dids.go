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
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/rucio/jupyterlab-bridge/config"
	"github.com/rucio/jupyterlab-bridge/replicas"
)

// maximum number of DIDs returned by a search
const searchLimit = 1000

type DIDInput struct {
	NamespaceInput
	DID string `query:"did" required:"true" example:"user.jdoe:dataset" doc:"a DID (scope:name)"`
}

type FilesOutput struct {
	Body []string `doc:"DIDs of the files attached to the given DID"`
}

// handler method for listing the files of a DID
func (b *Bridge) getFiles(ctx context.Context, input *DIDInput) (*FilesOutput, error) {
	scope, name, err := splitDID(input.DID)
	if err != nil {
		return nil, err
	}
	engine, err := b.engine(ctx, input.Namespace)
	if err != nil {
		return nil, err
	}
	files, err := engine.Files(ctx, scope, name)
	if err != nil {
		return nil, errorResponse(err)
	}
	output := &FilesOutput{Body: make([]string, len(files))}
	for i, file := range files {
		output.Body[i] = file.DID
	}
	return output, nil
}

type DIDDetailsOutput struct {
	Body []replicas.FileDetails `doc:"The availability of every file of the given DID"`
}

// handler method for the availability of a DID's files
func (b *Bridge) getDIDDetails(ctx context.Context,
	input *struct {
		DIDInput
		Poll int `query:"poll" minimum:"0" maximum:"1" default:"0" doc:"1 to wait for fresh data from the data service"`
	}) (*DIDDetailsOutput, error) {
	scope, name, err := splitDID(input.DID)
	if err != nil {
		return nil, err
	}
	engine, err := b.engine(ctx, input.Namespace)
	if err != nil {
		return nil, err
	}
	details, err := engine.DIDDetails(ctx, scope, name, input.Poll == 1)
	if err != nil {
		return nil, errorResponse(err)
	}
	return &DIDDetailsOutput{Body: details}, nil
}

type SearchOutput struct {
	Body []SearchResult `doc:"DIDs matching the search (at most 1000)"`
}

// handler method for DID searches
func (b *Bridge) searchDIDs(ctx context.Context,
	input *struct {
		DIDInput
		Type    string `query:"type" enum:"all,collection,dataset,container,file" default:"all" doc:"type of DIDs sought"`
		Filters string `query:"filters" doc:"(Optional) metadata filters passed to the data service"`
	}) (*SearchOutput, error) {
	scope, name, err := splitDID(input.DID)
	if err != nil {
		return nil, err
	}
	engine, err := b.engine(ctx, input.Namespace)
	if err != nil {
		return nil, err
	}
	didType := input.Type
	if didType == "" {
		didType = "all"
	}
	dids, err := engine.Client().SearchDIDs(ctx, scope, name, didType, input.Filters, searchLimit)
	if err != nil {
		return nil, errorResponse(err)
	}
	output := &SearchOutput{Body: make([]SearchResult, len(dids))}
	for i, did := range dids {
		output.Body[i] = SearchResult{
			DID:  did.Scope + ":" + did.Name,
			Size: did.Bytes,
			Type: strings.ToLower(did.Type),
		}
	}
	return output, nil
}

type AvailabilityOutput struct {
	Body replicas.Availability
}

// handler method for making a DID available locally
func (b *Bridge) makeAvailable(ctx context.Context,
	input *struct {
		NamespaceInput
		Body struct {
			DID    string `json:"did" example:"user.jdoe:dataset" doc:"the DID to make available"`
			Method string `json:"method" example:"replica" doc:"replica or download (must match the instance's mode)"`
		}
	}) (*AvailabilityOutput, error) {
	scope, name, err := splitDID(input.Body.DID)
	if err != nil {
		return nil, err
	}
	engine, err := b.engine(ctx, input.Namespace)
	if err != nil {
		return nil, err
	}
	method := config.Mode(input.Body.Method)
	if method != config.ModeReplica && method != config.ModeDownload {
		return nil, badRequest("Unknown method")
	}
	if method != engine.Instance().Mode {
		return nil, badRequest("Method %s doesn't match the %s mode of instance %s",
			method, engine.Instance().Mode, input.Namespace)
	}
	availability, err := engine.MakeAvailable(ctx, scope, name)
	if err != nil {
		return nil, errorResponse(err)
	}
	return &AvailabilityOutput{Body: availability}, nil
}

// page returned when a DID has no replication rule to show
const noRulePage = `<!DOCTYPE html>
<html>
<head><title>Replication rule not found</title></head>
<body>
<h1>Replication rule not found</h1>
<p>No replication rule for %s exists at %s.</p>
</body>
</html>
`

type RedirectOutput struct {
	Status      int
	Location    string `header:"Location"`
	ContentType string `header:"Content-Type"`
	Body        []byte
}

// handler method that sends the user to the web UI page of a DID's rule
func (b *Bridge) openReplicationRule(ctx context.Context, input *DIDInput) (*RedirectOutput, error) {
	scope, name, err := splitDID(input.DID)
	if err != nil {
		return nil, err
	}
	engine, err := b.engine(ctx, input.Namespace)
	if err != nil {
		return nil, err
	}
	instance := engine.Instance()
	ruleId := ""
	if instance.Mode == config.ModeReplica {
		ruleId, err = engine.ReplicationRuleId(ctx, scope, name)
		if err != nil {
			return nil, errorResponse(err)
		}
	}
	if ruleId == "" || instance.RucioWebUIURL == "" {
		page := fmt.Sprintf(noRulePage, html.EscapeString(input.DID),
			html.EscapeString(instance.DestinationRSE))
		return &RedirectOutput{
			Status:      http.StatusNotFound,
			ContentType: "text/html; charset=utf-8",
			Body:        []byte(page),
		}, nil
	}
	location := strings.TrimSuffix(instance.RucioWebUIURL, "/") + "/rule?rule_id=" + url.QueryEscape(ruleId)
	return &RedirectOutput{
		Status:   http.StatusFound,
		Location: location,
	}, nil
}

// handler method for emptying the cache
func (b *Bridge) purgeCache(ctx context.Context, input *struct{}) (*SuccessOutput, error) {
	if err := b.factory.PurgeCache(ctx); err != nil {
		return nil, errorResponse(err)
	}
	slog.Info("Purged the cache")
	return &SuccessOutput{Body: SuccessResponse{Success: true}}, nil
}

type ScopesOutput struct {
	Body ScopesResponse
}

// handler method for listing scopes
func (b *Bridge) listScopes(ctx context.Context,
	input *struct {
		NamespaceInput
	}) (*ScopesOutput, error) {
	engine, err := b.engine(ctx, input.Namespace)
	if err != nil {
		return nil, err
	}
	scopes, err := engine.Client().ListScopes(ctx)
	if err != nil {
		return nil, errorResponse(err)
	}
	return &ScopesOutput{Body: ScopesResponse{Success: true, Scopes: scopes}}, nil
}

type RSEsOutput struct {
	Body []map[string]any `doc:"RSE records matching the expression"`
}

// handler method for listing RSEs
func (b *Bridge) listRSEs(ctx context.Context,
	input *struct {
		NamespaceInput
		Expression string `query:"expression" doc:"(Optional) an RSE expression"`
	}) (*RSEsOutput, error) {
	engine, err := b.engine(ctx, input.Namespace)
	if err != nil {
		return nil, err
	}
	rses, err := engine.Client().ListRSEs(ctx, input.Expression)
	if err != nil {
		return nil, errorResponse(err)
	}
	if rses == nil {
		rses = []map[string]any{}
	}
	return &RSEsOutput{Body: rses}, nil
}
