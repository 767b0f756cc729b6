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
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"time"
)

// clock used for lifetime computations
var now = time.Now

// Returns the expiry time of the first certificate in the given PEM file.
func CertificateExpiry(certFile string) (time.Time, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return time.Time{}, &InvalidCredentialError{Type: string(X509), Message: err.Error()}
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return time.Time{}, &InvalidCredentialError{Type: string(X509), Message: err.Error()}
		}
		return cert.NotAfter, nil
	}
	return time.Time{}, &InvalidCredentialError{
		Type:    string(X509),
		Message: "no certificate found in " + certFile,
	}
}

// Returns the remaining lifetime of the given certificate, or an error if it
// can't be read or has expired.
func CertificateLifetime(certFile string) (time.Duration, error) {
	notAfter, err := CertificateExpiry(certFile)
	if err != nil {
		return 0, err
	}
	lifetime := notAfter.Sub(now())
	if lifetime <= 0 {
		return 0, &InvalidCredentialError{
			Type:    string(X509),
			Message: "certificate expired at " + notAfter.UTC().Format(time.RFC3339),
		}
	}
	return lifetime, nil
}

// Loads the client certificate used for mutual TLS with the given
// credentials.
func KeyPair(creds Credentials) (tls.Certificate, error) {
	var pair tls.Certificate
	var err error
	switch creds.Type {
	case X509:
		pair, err = tls.LoadX509KeyPair(creds.Certificate, creds.Key)
	case X509Proxy:
		pair, err = tls.LoadX509KeyPair(creds.Proxy, creds.Proxy)
	default:
		return pair, &InvalidCredentialError{
			Type:    string(creds.Type),
			Message: "not a certificate credential",
		}
	}
	if err != nil {
		return pair, &InvalidCredentialError{Type: string(creds.Type), Message: err.Error()}
	}
	return pair, nil
}
