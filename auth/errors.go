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

package auth

import (
	"fmt"
)

// indicates that a required credential parameter was not given
type MissingCredentialError struct {
	Type, Param string
}

func (e MissingCredentialError) Error() string {
	return fmt.Sprintf("Missing '%s' for %s authentication", e.Param, e.Type)
}

// indicates that credentials were given but can't be used
type InvalidCredentialError struct {
	Type, Message string
}

func (e InvalidCredentialError) Error() string {
	return fmt.Sprintf("Invalid %s credentials: %s", e.Type, e.Message)
}

// indicates that an OIDC token couldn't be obtained or interpreted
type OIDCTokenError struct {
	Source, Message string
}

func (e OIDCTokenError) Error() string {
	return fmt.Sprintf("OIDC token error (%s): %s", e.Source, e.Message)
}
