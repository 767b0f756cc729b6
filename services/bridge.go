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
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humamux"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/rucio/jupyterlab-bridge/comm"
	"github.com/rucio/jupyterlab-bridge/config"
	"github.com/rucio/jupyterlab-bridge/replicas"
)

// Version numbers
var majorVersion = 0
var minorVersion = 1
var patchVersion = 0

// Version string
var version = fmt.Sprintf("%d.%d.%d", majorVersion, minorVersion, patchVersion)

// all routes live under this prefix
const prefix = "/rucio-jupyterlab"

// Service is the interface satisfied by the bridge's HTTP service.
type Service interface {
	// Starts the service on the selected port, returning an error that indicates
	// success or failure.
	Start(port int) error
	// Gracefully shuts down the service without interrupting active connections.
	Shutdown(ctx context.Context) error
	// Closes down the service, freeing all resources.
	Close()
}

// Bridge serves the notebook frontend: DID availability, credentials,
// uploads, and the comm relay to the kernel.
type Bridge struct {
	// name of the service
	Name string
	// service version identifier
	Version string
	// time which the service was started
	StartTime time.Time
	// port on which the service currently runs
	Port int
	// router for REST endpoints
	Router *mux.Router
	// API wrapper
	API huma.API
	// HTTP server.
	Server *http.Server

	factory *replicas.Factory
	hub     *comm.Hub
}

type ServiceInfoOutput struct {
	Body ServiceInfoResponse `doc:"information about the service itself"`
}

// handler method for root
func (b *Bridge) getRoot(ctx context.Context,
	input *struct{}) (*ServiceInfoOutput, error) {
	return &ServiceInfoOutput{
		Body: ServiceInfoResponse{
			Name:          b.Name,
			Version:       b.Version,
			Uptime:        int(b.uptime()),
			Documentation: prefix + "/docs",
		},
	}, nil
}

// returns the uptime for the service in seconds
func (b *Bridge) uptime() float64 {
	return time.Since(b.StartTime).Seconds()
}

// Constructs the bridge service around an engine factory.
func New(factory *replicas.Factory) (*Bridge, error) {
	if factory == nil || factory.Store == nil {
		return nil, fmt.Errorf("No engine factory was given.")
	}
	if len(config.Instances()) == 0 {
		return nil, fmt.Errorf("No instances were specified.")
	}

	b := &Bridge{
		Name:      "Rucio JupyterLab bridge",
		Version:   version,
		StartTime: time.Now(),
		Port:      -1,
		factory:   factory,
		hub:       comm.NewHub(),
	}

	// set up routing
	b.Router = mux.NewRouter()
	apiConfig := huma.DefaultConfig(b.Name, b.Version)
	apiConfig.OpenAPIPath = prefix + "/openapi"
	apiConfig.DocsPath = prefix + "/docs"
	apiConfig.SchemasPath = prefix + "/schemas"
	b.API = humamux.New(b.Router, apiConfig)
	api := b.API
	huma.Get(api, prefix+"/", b.getRoot)

	huma.Get(api, prefix+"/instances", b.getInstances)
	huma.Put(api, prefix+"/instances", b.putInstance)
	huma.Get(api, prefix+"/auth", b.getAuth)
	huma.Put(api, prefix+"/auth", b.putAuth)
	huma.Get(api, prefix+"/oidc-auth-check", b.checkOIDCAuth)

	huma.Get(api, prefix+"/files", b.getFiles)
	huma.Get(api, prefix+"/did", b.getDIDDetails)
	huma.Get(api, prefix+"/did-search", b.searchDIDs)
	huma.Post(api, prefix+"/did/make-available", b.makeAvailable)
	huma.Get(api, prefix+"/open-replication-rule", b.openReplicationRule)
	huma.Post(api, prefix+"/purge-cache", b.purgeCache)
	huma.Get(api, prefix+"/list-scopes", b.listScopes)
	huma.Get(api, prefix+"/list-rses", b.listRSEs)
	huma.Get(api, prefix+"/file-browser", b.browseFiles)

	huma.Post(api, prefix+"/upload", b.upload)
	huma.Get(api, prefix+"/upload/jobs", b.getUploadJobs)
	huma.Get(api, prefix+"/upload/jobs/details", b.getUploadJobDetails)
	huma.Get(api, prefix+"/upload/jobs/log", b.getUploadJobLog)
	huma.Delete(api, prefix+"/upload/jobs", b.deleteUploadJob)

	b.Router.Handle(prefix+"/comm", b.hub).Methods("GET")
	b.Router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return b, nil
}

// Returns the hub relaying comm messages between kernels and frontends.
func (b *Bridge) Hub() *comm.Hub {
	return b.hub
}

// starts the bridge service
func (b *Bridge) Start(port int) error {
	slog.Info(fmt.Sprintf("Starting %s service on port %d...", b.Name, port))
	slog.Info(fmt.Sprintf("(Accepting up to %d connections)", config.Service.MaxConnections))

	b.StartTime = time.Now()

	// create a listener that limits the number of incoming connections
	b.Port = port
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	defer listener.Close()
	listener = netutil.LimitListener(listener, config.Service.MaxConnections)

	// start the server
	b.Server = &http.Server{
		Handler: b.Router}
	err = b.Server.Serve(listener)

	// we don't report the server closing as an error
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// gracefully shuts down the service without interrupting active connections,
// then waits for background fetches to finish
func (b *Bridge) Shutdown(ctx context.Context) error {
	var err error
	if b.Server != nil {
		err = b.Server.Shutdown(ctx)
	}
	if fetchErr := b.factory.Fetcher.Shutdown(ctx); err == nil {
		err = fetchErr
	}
	return err
}

// closes down the service abruptly, freeing all resources
func (b *Bridge) Close() {
	if b.Server != nil {
		b.Server.Close()
	}
}
