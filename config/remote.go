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

package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"
)

// HTTP client used to fetch remote instance configurations
var remoteClient = &http.Client{Timeout: 30 * time.Second}

// fetches a remote instance configuration (JSON or YAML) from the given URL
func fetchRemoteConfig(url string) (map[string]any, error) {
	slog.Debug(fmt.Sprintf("Fetching remote instance configuration from %s", url))
	resp, err := remoteClient.Get(url)
	if err != nil {
		return nil, &RemoteConfigError{URL: url, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &RemoteConfigError{
			URL:     url,
			Message: fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteConfigError{URL: url, Message: err.Error()}
	}

	// JSON is a subset of YAML, so one decoder serves both
	var fields map[string]any
	if err = yaml.Unmarshal(body, &fields); err != nil {
		return nil, &RemoteConfigError{URL: url, Message: err.Error()}
	}
	if fields == nil {
		return nil, &RemoteConfigError{URL: url, Message: "empty configuration"}
	}
	delete(fields, "$url") // no chaining beyond one level
	return fields, nil
}
