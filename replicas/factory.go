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
	"sync"
	"time"

	"github.com/rucio/jupyterlab-bridge/auth"
	"github.com/rucio/jupyterlab-bridge/config"
	"github.com/rucio/jupyterlab-bridge/rucio"
	"github.com/rucio/jupyterlab-bridge/store"
	"github.com/rucio/jupyterlab-bridge/supervisor"
)

// user_config keys
const (
	// name of the instance selected by the user
	ActiveInstanceKey = "instance"
	// authentication type selected by the user
	AuthTypeKey = "auth_type"
)

// Factory builds engines bound to the instance configuration and stored
// credentials in effect at the time of the request. All of its engines share
// one fetcher, one token cache and one write lock on the store.
type Factory struct {
	Store        *store.Store
	Tokens       *rucio.TokenCache
	Fetcher      *Fetcher
	Supervisor   *supervisor.Supervisor
	Commands     supervisor.Commands
	DownloadRoot string
	// timeout for data-service requests
	Timeout time.Duration

	writeMu sync.Mutex
	mu      sync.Mutex
	engines map[string]*Engine
}

// Returns the authentication type in effect for the given instance: OIDC if
// the instance is configured for it, else the type chosen by the user.
func (f *Factory) AuthType(ctx context.Context, instance config.InstanceConfig) (auth.Type, error) {
	if instance.OIDCEnabled() {
		return auth.OIDC, nil
	}
	name, found, err := f.Store.GetConfig(ctx, AuthTypeKey)
	if err != nil {
		return "", err
	}
	if !found {
		return "", &NoCredentialsError{Namespace: instance.Name}
	}
	return auth.ParseType(name)
}

// Returns the credentials in effect for the given instance.
func (f *Factory) Credentials(ctx context.Context, instance config.InstanceConfig) (auth.Credentials, error) {
	authType, err := f.AuthType(ctx, instance)
	if err != nil {
		return auth.Credentials{}, err
	}
	if authType == auth.OIDC {
		return auth.Credentials{Type: auth.OIDC}, nil
	}
	params, found, err := f.Store.GetRucioAuthCredentials(ctx, instance.Name, string(authType))
	if err != nil {
		return auth.Credentials{}, err
	}
	if !found {
		return auth.Credentials{}, &NoCredentialsError{Namespace: instance.Name, Type: string(authType)}
	}
	return auth.FromParams(authType, params)
}

// Returns an engine for the named instance. Engines are reused while the
// instance's configuration and credentials stay the same.
func (f *Factory) Engine(ctx context.Context, namespace string) (*Engine, error) {
	instance, err := config.Instance(namespace)
	if err != nil {
		return nil, err
	}
	creds, err := f.Credentials(ctx, instance)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if engine, found := f.engines[namespace]; found &&
		engine.instance == instance && engine.credentials == creds {
		return engine, nil
	}
	client, err := rucio.NewClient(instance, creds, f.Tokens, f.Timeout)
	if err != nil {
		return nil, err
	}
	// tokens obtained with other credentials no longer apply
	f.Tokens.Invalidate(namespace)

	engine := &Engine{
		instance:     instance,
		credentials:  creds,
		client:       client,
		store:        f.Store,
		fetcher:      f.Fetcher,
		writeMu:      &f.writeMu,
		supervisor:   f.Supervisor,
		commands:     f.Commands,
		downloadRoot: f.DownloadRoot,
	}
	if f.engines == nil {
		f.engines = make(map[string]*Engine)
	}
	f.engines[namespace] = engine
	return engine, nil
}

// Clears every cached replica, attached-file list and replication rule.
func (f *Factory) PurgeCache(ctx context.Context) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return f.Store.PurgeCache(ctx)
}
