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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFetcherDeduplicates(t *testing.T) {
	assert := assert.New(t)
	fetcher := NewFetcher(DefaultWorkers)

	var running, maxRunning, runs atomic.Int32
	fetch := func(ctx context.Context) error {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		runs.Add(1)
		return nil
	}

	var readers sync.WaitGroup
	for i := 0; i < 32; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for j := 0; j < 50; j++ {
				fetcher.Submit("atlas", "s:c", fetch)
				assert.LessOrEqual(fetcher.Len(), 1)
			}
		}()
	}
	readers.Wait()
	assert.Nil(fetcher.Shutdown(context.Background()))

	assert.Equal(int32(1), maxRunning.Load())
	assert.GreaterOrEqual(runs.Load(), int32(1))
	assert.False(fetcher.Inflight("atlas", "s:c"))
}

func TestFetcherDropsWhenSaturated(t *testing.T) {
	assert := assert.New(t)
	fetcher := NewFetcher(DefaultWorkers)
	release := make(chan struct{})
	block := func(ctx context.Context) error {
		<-release
		return nil
	}

	for i := 0; i < DefaultWorkers; i++ {
		assert.True(fetcher.Submit("atlas", fmt.Sprintf("s:%d", i), block))
	}
	assert.False(fetcher.Submit("atlas", "s:extra", block))
	assert.False(fetcher.Inflight("atlas", "s:extra"))
	assert.Equal(DefaultWorkers, fetcher.Len())

	// a DID that is already being fetched is dropped
	assert.False(fetcher.Submit("atlas", "s:0", block))

	done := fetcher.Done("atlas", "s:0")
	assert.NotNil(done)
	close(release)
	<-done
	assert.Nil(fetcher.Shutdown(context.Background()))
	assert.Equal(0, fetcher.Len())
	assert.Nil(fetcher.Done("atlas", "s:0"))
}

func TestFetcherErrorsAreLogged(t *testing.T) {
	fetcher := NewFetcher(1)
	assert.True(t, fetcher.Submit("atlas", "s:c", func(ctx context.Context) error {
		return fmt.Errorf("boom")
	}))
	assert.Nil(t, fetcher.Shutdown(context.Background()))
	assert.False(t, fetcher.Inflight("atlas", "s:c"))
}

func TestFetcherShutdown(t *testing.T) {
	assert := assert.New(t)
	fetcher := NewFetcher(1)
	release := make(chan struct{})
	assert.True(fetcher.Submit("atlas", "s:c", func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(context.DeadlineExceeded, fetcher.Shutdown(ctx))

	// no new work after shutdown begins
	assert.False(fetcher.Submit("atlas", "s:d", func(ctx context.Context) error { return nil }))

	close(release)
	assert.Nil(fetcher.Shutdown(context.Background()))
}
