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
)

// indicates that an instance is sought but not configured
type InstanceNotFoundError struct {
	Name string
}

func (e InstanceNotFoundError) Error() string {
	return fmt.Sprintf("The instance '%s' was not found", e.Name)
}

// indicates that an instance spec failed validation
type InvalidInstanceError struct {
	Name, Message string
}

func (e InvalidInstanceError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("Invalid configuration for instance '%s': %s", e.Name, e.Message)
	}
	return fmt.Sprintf("Invalid instance configuration: %s", e.Message)
}

// indicates that a remote instance configuration could not be retrieved
type RemoteConfigError struct {
	URL, Message string
}

func (e RemoteConfigError) Error() string {
	return fmt.Sprintf("Couldn't fetch remote configuration from %s: %s", e.URL, e.Message)
}
