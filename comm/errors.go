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

package comm

import (
	"fmt"
)

// This error type is returned when a variable bound to a DID is read before
// the DID's files are available.
type DIDNotAvailableError struct {
	VariableName string
}

func (e DIDNotAvailableError) Error() string {
	return fmt.Sprintf("The DID bound to '%s' is not available yet. Make it available and inject it again.",
		e.VariableName)
}

// This error type is returned when a comm message can't be understood.
type InvalidMessageError struct {
	Message string
}

func (e InvalidMessageError) Error() string {
	return fmt.Sprintf("Invalid comm message: %s", e.Message)
}

// This error type is returned when a websocket client asks for an unknown
// comm target.
type InvalidTargetError struct {
	Target string
}

func (e InvalidTargetError) Error() string {
	return fmt.Sprintf("Invalid comm target: '%s' (must be kernel or frontend)", e.Target)
}
