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

package rucio

import (
	"fmt"
)

// indicates that the data service rejected our credentials, or that no token
// could be obtained
type AuthenticationError struct {
	Instance, Message string
}

func (e AuthenticationError) Error() string {
	return fmt.Sprintf("Authentication failed for instance '%s': %s", e.Instance, e.Message)
}

// indicates that the data service responded with an error status
type HTTPError struct {
	StatusCode       int
	Reason           string
	ExceptionClass   string
	ExceptionMessage string
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("Data service error (%d %s): %s: %s", e.StatusCode, e.Reason,
		e.ExceptionClass, e.ExceptionMessage)
}

// indicates that no response was received from the data service
type TransportError struct {
	ExceptionClass, ExceptionMessage string
}

func (e TransportError) Error() string {
	return fmt.Sprintf("Can't reach data service (%s): %s", e.ExceptionClass, e.ExceptionMessage)
}

// indicates any other failure in building a request or decoding a response
type APIError struct {
	Message string
}

func (e APIError) Error() string {
	return fmt.Sprintf("Data service API error: %s", e.Message)
}

// this error type is emitted if an endpoint redirects an HTTPS request to an
// HTTP endpoint (it's NUTS that this can happen!)
type DowngradedRedirectError struct {
	Endpoint string
}

func (e DowngradedRedirectError) Error() string {
	return fmt.Sprintf("The endpoint %s is attempting to downgrade an HTTPS request to HTTP",
		e.Endpoint)
}
