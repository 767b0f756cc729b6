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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// fetchesSubmitted counts background fetches that were started
	fetchesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rucio_bridge_fetches_submitted_total",
		Help: "Background replica fetches started",
	})

	// fetchesDropped counts submissions that were not started, by reason
	fetchesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rucio_bridge_fetches_dropped_total",
		Help: "Background replica fetches dropped by reason",
	}, []string{"reason"})

	// fetchesFailed counts background fetches that returned an error
	fetchesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rucio_bridge_fetches_failed_total",
		Help: "Background replica fetches that failed",
	})

	// fetchesInflight tracks the number of running background fetches
	fetchesInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rucio_bridge_fetches_inflight",
		Help: "Background replica fetches in progress",
	})

	// cacheLookups counts DID detail reads by whether the cache answered them
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rucio_bridge_cache_lookups_total",
		Help: "DID detail lookups by cache result",
	}, []string{"result"})
)
