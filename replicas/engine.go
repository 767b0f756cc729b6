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

// Package replicas resolves the replication status and local paths of the
// files of a DID, combining cached state with the data service's replicas and
// replication rules.
package replicas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/rucio/jupyterlab-bridge/auth"
	"github.com/rucio/jupyterlab-bridge/config"
	"github.com/rucio/jupyterlab-bridge/rucio"
	"github.com/rucio/jupyterlab-bridge/store"
	"github.com/rucio/jupyterlab-bridge/supervisor"
)

// Engine answers availability questions for the DIDs of one instance. Engines
// are obtained from a Factory.
type Engine struct {
	instance    config.InstanceConfig
	credentials auth.Credentials
	client      *rucio.Client
	store       *store.Store
	fetcher     *Fetcher
	// serializes cache writes (shared by all engines of a factory)
	writeMu *sync.Mutex
	// download mode only
	supervisor   *supervisor.Supervisor
	commands     supervisor.Commands
	downloadRoot string
}

// The result of a request to make a DID available
type Availability struct {
	Success bool `json:"success"`
	// IDs of the replication rules created (replica mode)
	RuleIds []string `json:"rule_ids,omitempty"`
}

// Returns the engine's instance configuration.
func (e *Engine) Instance() config.InstanceConfig {
	return e.instance
}

// Returns the data-service client used by the engine.
func (e *Engine) Client() *rucio.Client {
	return e.client
}

// Returns true if a background fetch for the given DID is running.
func (e *Engine) Fetching(scope, name string) bool {
	return e.fetcher.Inflight(e.instance.Name, scope+":"+name)
}

// Returns the status of every file of the given DID. Unless forceFetch is set,
// nothing here waits on the data service: missing or cached state is
// refreshed in the background, and the FETCHING placeholder stands in for
// files that aren't known yet. An empty result is an empty DID.
func (e *Engine) DIDDetails(ctx context.Context, scope, name string, forceFetch bool) ([]FileDetails, error) {
	switch e.instance.Mode {
	case config.ModeDownload:
		return e.downloadDetails(ctx, scope, name, forceFetch)
	default:
		return e.replicaDetails(ctx, scope, name, forceFetch)
	}
}

// Makes the given DID available locally: in replica mode by requesting a
// replication rule at the destination RSE, in download mode by starting a
// download child.
func (e *Engine) MakeAvailable(ctx context.Context, scope, name string) (Availability, error) {
	switch e.instance.Mode {
	case config.ModeDownload:
		return e.startDownload(ctx, scope, name)
	default:
		return e.requestRule(ctx, scope, name)
	}
}

// Returns the files attached to the given DID, from the cache if possible.
func (e *Engine) Files(ctx context.Context, scope, name string) ([]store.AttachedFile, error) {
	did := scope + ":" + name
	files, found, err := e.store.GetAttachedFiles(ctx, e.instance.Name, did)
	if err != nil {
		return nil, err
	}
	if found {
		return files, nil
	}
	listed, err := e.client.ListFiles(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	files = make([]store.AttachedFile, len(listed))
	for i, file := range listed {
		files[i] = store.AttachedFile{DID: file.Scope + ":" + file.Name, Size: file.Bytes}
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return files, e.store.SetAttachedFiles(ctx, e.instance.Name, did, files)
}

// Returns the ID of the DID's replication rule at the destination RSE, or an
// empty string if there is none.
func (e *Engine) ReplicationRuleId(ctx context.Context, scope, name string) (string, error) {
	rule, err := e.replicationRule(ctx, scope, name)
	if err != nil || rule == nil {
		return "", err
	}
	return rule.Id, nil
}

//-----------
// Internals
//-----------

func (e *Engine) replicaDetails(ctx context.Context, scope, name string, forceFetch bool) ([]FileDetails, error) {
	did := scope + ":" + name
	snapshot, err := e.store.Snapshot(ctx, e.instance.Name, did)
	if err != nil {
		return nil, err
	}

	if !snapshot.HasFiles && !forceFetch {
		cacheLookups.WithLabelValues("miss").Inc()
		if !e.Fetching(scope, name) {
			e.submitFetch(scope, name)
		}
		return FetchingPlaceholder(did), nil
	}

	var replicas []store.FileReplica
	switch {
	case snapshot.HasReplicas:
		cacheLookups.WithLabelValues("hit").Inc()
		replicas = snapshot.Replicas
		if !forceFetch {
			e.submitFetch(scope, name)
		}
	case forceFetch:
		cacheLookups.WithLabelValues("miss").Inc()
		replicas, err = e.fetchReplicas(ctx, scope, name)
		if err != nil {
			return nil, err
		}
	default:
		// attached files are known but some replicas are not
		cacheLookups.WithLabelValues("miss").Inc()
		if !e.Fetching(scope, name) {
			e.submitFetch(scope, name)
		}
		return FetchingPlaceholder(did), nil
	}

	group := NotAvailable
	if !complete(replicas) {
		rule, err := e.replicationRule(ctx, scope, name)
		if err != nil {
			var authErr *rucio.AuthenticationError
			if forceFetch || errors.As(err, &authErr) {
				return nil, err
			}
			slog.Error(fmt.Sprintf("Can't fetch replication rule of %s (instance %s): %s",
				did, e.instance.Name, err))
		}
		group = GroupStatus(rule)
	}

	details := make([]FileDetails, len(replicas))
	for i, replica := range replicas {
		details[i] = e.fileDetails(replica, group)
	}
	return details, nil
}

// returns true if every replica has a PFN
func complete(replicas []store.FileReplica) bool {
	for _, replica := range replicas {
		if replica.PFN == "" {
			return false
		}
	}
	return true
}

// composes the status of a single file from its replica and its parent's
// group status
func (e *Engine) fileDetails(replica store.FileReplica, group Status) FileDetails {
	details := FileDetails{DID: replica.DID, Size: replica.Size}
	if replica.PFN == "" {
		if group == OK {
			// the rule is satisfied but this replica hasn't been reported yet
			details.Status = Replicating
		} else {
			details.Status = group
		}
		return details
	}
	details.Status = OK
	pfn := replica.PFN
	details.PFN = &pfn
	path, err := TranslatePFN(pfn, e.instance.RSEMountPath, e.instance.PathBeginsAt)
	if err != nil {
		slog.Error(fmt.Sprintf("Can't translate PFN %s: %s", pfn, err))
	} else {
		details.Path = &path
	}
	return details
}

// starts a background fetch of the given DID's replicas
func (e *Engine) submitFetch(scope, name string) bool {
	return e.fetcher.Submit(e.instance.Name, scope+":"+name, func(ctx context.Context) error {
		_, err := e.fetchReplicas(ctx, scope, name)
		return err
	})
}

// fetches the replicas of every file of the given DID and caches them along
// with the DID's attached-file list
func (e *Engine) fetchReplicas(ctx context.Context, scope, name string) ([]store.FileReplica, error) {
	listed, err := e.client.ListReplicas(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	replicas := make([]store.FileReplica, len(listed))
	for i, replica := range listed {
		replicas[i] = store.FileReplica{
			DID:  replica.Scope + ":" + replica.Name,
			PFN:  ChoosePFN(replica, e.instance.DestinationRSE),
			Size: replica.Bytes,
		}
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	err = e.store.SetReplicasAndAttachedFiles(ctx, e.instance.Name, scope+":"+name, replicas)
	return replicas, err
}

// returns the DID's replication rule at the destination RSE, or nil if there
// is none
func (e *Engine) replicationRule(ctx context.Context, scope, name string) (*rucio.Rule, error) {
	did := scope + ":" + name
	ruleId, found, err := e.store.GetReplicationRule(ctx, e.instance.Name, did)
	if err != nil {
		return nil, err
	}
	if found {
		rule, err := e.client.GetRule(ctx, ruleId)
		if err == nil {
			return &rule, nil
		}
		var httpErr *rucio.HTTPError
		if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
			return nil, err
		}
		// the rule is gone, so look for another
		e.writeMu.Lock()
		err = e.store.DeleteReplicationRule(ctx, e.instance.Name, did)
		e.writeMu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	rules, err := e.client.ListRules(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if rule.RSEExpression == e.instance.DestinationRSE {
			e.writeMu.Lock()
			err = e.store.SetReplicationRule(ctx, e.instance.Name, did, rule.Id)
			e.writeMu.Unlock()
			return &rule, err
		}
	}
	return nil, nil
}

// requests a replication rule for the given DID at the destination RSE
func (e *Engine) requestRule(ctx context.Context, scope, name string) (Availability, error) {
	request := rucio.RuleRequest{
		DIDs:          []rucio.DIDRef{{Scope: scope, Name: name}},
		Account:       e.credentials.Account,
		Copies:        1,
		RSEExpression: e.instance.DestinationRSE,
	}
	if days := e.instance.ReplicationRuleLifetimeDays; days > 0 {
		lifetime := days * 86400
		request.Lifetime = &lifetime
	}
	ruleIds, err := e.client.AddRule(ctx, request)
	if err != nil {
		return Availability{}, err
	}
	if len(ruleIds) > 0 {
		e.writeMu.Lock()
		err = e.store.SetReplicationRule(ctx, e.instance.Name, scope+":"+name, ruleIds[0])
		e.writeMu.Unlock()
		if err != nil {
			return Availability{}, err
		}
	}
	slog.Info(fmt.Sprintf("Requested replication of %s:%s to %s (rules %v)", scope, name,
		e.instance.DestinationRSE, ruleIds))
	return Availability{Success: true, RuleIds: ruleIds}, nil
}
