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

// Package auth describes the credentials a user supplies for a data-service
// instance and the checks applied to them before they are stored or used.
package auth

import (
	"os"
	"slices"
)

// Type identifies an authentication method accepted by the data service.
type Type string

const (
	UserPass  Type = "userpass"
	X509      Type = "x509"
	X509Proxy Type = "x509_proxy"
	OIDC      Type = "oidc"
)

// all supported authentication types
var Types = []Type{UserPass, X509, X509Proxy, OIDC}

// Returns the authentication type with the given name, or an error if it is
// not supported.
func ParseType(name string) (Type, error) {
	t := Type(name)
	if !slices.Contains(Types, t) {
		return "", &InvalidCredentialError{
			Type:    name,
			Message: "unsupported authentication type",
		}
	}
	return t, nil
}

// Credentials holds everything needed to authenticate with an instance using
// a single method. Only the fields relevant to Type are set.
type Credentials struct {
	Type Type
	// account on whose behalf requests are made (optional)
	Account string
	// userpass
	Username string
	Password string
	// x509 (paths to PEM files)
	Certificate string
	Key         string
	// x509_proxy (path to a PEM file holding both certificate and key)
	Proxy string
}

// Builds credentials of the given type from stored or submitted parameters,
// checking that all required parameters are present.
func FromParams(t Type, params map[string]string) (Credentials, error) {
	creds := Credentials{
		Type:    t,
		Account: params["account"],
	}
	var required []string
	switch t {
	case UserPass:
		creds.Username = params["username"]
		creds.Password = params["password"]
		required = []string{"username", "password"}
	case X509:
		creds.Certificate = params["certificate"]
		creds.Key = params["key"]
		required = []string{"certificate", "key"}
	case X509Proxy:
		creds.Proxy = params["proxy"]
		required = []string{"proxy"}
	case OIDC:
		// the token comes from the instance's configured source
	default:
		return creds, &InvalidCredentialError{
			Type:    string(t),
			Message: "unsupported authentication type",
		}
	}
	for _, name := range required {
		if params[name] == "" {
			return creds, &MissingCredentialError{Type: string(t), Param: name}
		}
	}
	return creds, nil
}

// Returns the parameters that reconstruct these credentials with FromParams.
func (c Credentials) Params() map[string]string {
	params := make(map[string]string)
	if c.Account != "" {
		params["account"] = c.Account
	}
	switch c.Type {
	case UserPass:
		params["username"] = c.Username
		params["password"] = c.Password
	case X509:
		params["certificate"] = c.Certificate
		params["key"] = c.Key
	case X509Proxy:
		params["proxy"] = c.Proxy
	}
	return params
}

// Checks that any files named by the credentials exist and can be read.
func (c Credentials) Validate() error {
	var files []string
	switch c.Type {
	case X509:
		files = []string{c.Certificate, c.Key}
	case X509Proxy:
		files = []string{c.Proxy}
	}
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			return &InvalidCredentialError{
				Type:    string(c.Type),
				Message: "can't read " + file,
			}
		}
	}
	return nil
}
