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
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// number of background fetches that may run at once
const DefaultWorkers = 4

// Fetcher runs background fetches with at most one fetch per DID at a time on
// a bounded number of workers. Submissions for a DID that is already being
// fetched, or made while all workers are busy, are dropped.
type Fetcher struct {
	mu       sync.Mutex
	inflight map[string]*fetchTask
	closed   bool
	slots    *semaphore.Weighted
	tasks    sync.WaitGroup
}

// a running fetch
type fetchTask struct {
	done chan struct{}
}

// Creates a fetcher with the given number of workers.
func NewFetcher(workers int) *Fetcher {
	return &Fetcher{
		inflight: make(map[string]*fetchTask),
		slots:    semaphore.NewWeighted(int64(workers)),
	}
}

func fetchKey(namespace, did string) string {
	return namespace + "/" + did
}

// Starts fn in the background for the given DID unless a fetch for it is
// already running or no worker is free. Returns true if fn was started.
// Errors returned by fn are logged.
func (f *Fetcher) Submit(namespace, did string, fn func(ctx context.Context) error) bool {
	key := fetchKey(namespace, did)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		fetchesDropped.WithLabelValues("closed").Inc()
		return false
	}
	if _, found := f.inflight[key]; found {
		f.mu.Unlock()
		fetchesDropped.WithLabelValues("duplicate").Inc()
		return false
	}
	if !f.slots.TryAcquire(1) {
		f.mu.Unlock()
		fetchesDropped.WithLabelValues("saturated").Inc()
		slog.Debug(fmt.Sprintf("All workers busy, not fetching %s (instance %s)", did, namespace))
		return false
	}
	task := &fetchTask{done: make(chan struct{})}
	f.inflight[key] = task
	f.tasks.Add(1)
	f.mu.Unlock()

	fetchesSubmitted.Inc()
	fetchesInflight.Inc()
	go func() {
		defer f.tasks.Done()
		defer f.slots.Release(1)
		defer f.complete(key, task)
		if err := fn(context.Background()); err != nil {
			fetchesFailed.Inc()
			slog.Error(fmt.Sprintf("Fetching %s (instance %s) failed: %s", did, namespace, err))
		}
	}()
	return true
}

// Returns true if a fetch for the given DID is running.
func (f *Fetcher) Inflight(namespace, did string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, found := f.inflight[fetchKey(namespace, did)]
	return found
}

// Returns a channel that is closed when the running fetch for the given DID
// finishes, or nil if there is none.
func (f *Fetcher) Done(namespace, did string) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task, found := f.inflight[fetchKey(namespace, did)]; found {
		return task.done
	}
	return nil
}

// Returns the number of running fetches.
func (f *Fetcher) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inflight)
}

// Stops accepting submissions and waits for running fetches to finish or for
// the context to be done.
func (f *Fetcher) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		f.tasks.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// removes a finished task from the registry if it is still the registered one
func (f *Fetcher) complete(key string, task *fetchTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight[key] == task {
		delete(f.inflight, key)
	}
	close(task.done)
	fetchesInflight.Dec()
}
