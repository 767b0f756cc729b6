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
	"log/slog"

	"github.com/rucio/jupyterlab-bridge/config"
	"github.com/rucio/jupyterlab-bridge/replicas"
	"github.com/rucio/jupyterlab-bridge/rucio"
)

type InstancesOutput struct {
	Body InstancesResponse `doc:"The configured instances and the one selected by the user"`
}

// handler method for listing instances
func (b *Bridge) getInstances(ctx context.Context,
	input *struct{}) (*InstancesOutput, error) {
	output := &InstancesOutput{
		Body: InstancesResponse{
			Instances: make([]InstanceResponse, 0),
		},
	}
	active, found, err := b.factory.Store.GetConfig(ctx, replicas.ActiveInstanceKey)
	if err != nil {
		return nil, errorResponse(err)
	}
	if found {
		output.Body.ActiveInstance = &active
	}
	for _, instance := range config.Instances() {
		output.Body.Instances = append(output.Body.Instances, InstanceResponse{
			Name:        instance.Name,
			DisplayName: instance.DisplayName,
			Mode:        instance.Mode,
			OIDCEnabled: instance.OIDCEnabled(),
			WebUIURL:    instance.RucioWebUIURL,
		})
	}
	return output, nil
}

type SuccessOutput struct {
	Body SuccessResponse
}

// handler method for selecting the active instance
func (b *Bridge) putInstance(ctx context.Context,
	input *struct {
		Body struct {
			Instance string `json:"instance" example:"atlas" doc:"name of the instance to select"`
		}
	}) (*SuccessOutput, error) {
	if _, err := config.Instance(input.Body.Instance); err != nil {
		return nil, errorResponse(err)
	}
	if err := b.factory.Store.PutConfig(ctx, replicas.ActiveInstanceKey, input.Body.Instance); err != nil {
		return nil, errorResponse(err)
	}
	slog.Info(fmt.Sprintf("Selected instance %s", input.Body.Instance))
	return &SuccessOutput{Body: SuccessResponse{Success: true}}, nil
}

//-----------
// Internals
//-----------

// input fields shared by instance-scoped routes
type NamespaceInput struct {
	Namespace string `query:"namespace" required:"true" example:"atlas" doc:"the instance to use"`
}

// returns the engine of the given instance
func (b *Bridge) engine(ctx context.Context, namespace string) (*replicas.Engine, error) {
	engine, err := b.factory.Engine(ctx, namespace)
	if err != nil {
		return nil, errorResponse(err)
	}
	return engine, nil
}

// splits a "scope:name" DID given by the user
func splitDID(did string) (string, string, error) {
	scope, name, err := rucio.SplitDID(did)
	if err != nil {
		return "", "", badRequest("Invalid DID: '%s'", did)
	}
	return scope, name, nil
}
