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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rucio/jupyterlab-bridge/dtstest"
)

var TESTING_DIR string

func TestParseType(t *testing.T) {
	assert := assert.New(t)
	for _, name := range []string{"userpass", "x509", "x509_proxy", "oidc"} {
		authType, err := ParseType(name)
		assert.Nil(err)
		assert.Equal(Type(name), authType)
	}
	_, err := ParseType("kerberos")
	assert.IsType(&InvalidCredentialError{}, err)
}

func TestFromParams(t *testing.T) {
	assert := assert.New(t)

	creds, err := FromParams(UserPass, map[string]string{
		"username": "jdoe",
		"password": "hunter2",
		"account":  "jdoe",
	})
	assert.Nil(err)
	assert.Equal("jdoe", creds.Username)
	assert.Equal("hunter2", creds.Password)
	assert.Equal(map[string]string{"username": "jdoe", "password": "hunter2", "account": "jdoe"},
		creds.Params())

	_, err = FromParams(UserPass, map[string]string{"username": "jdoe"})
	assert.IsType(&MissingCredentialError{}, err)
	assert.Equal("password", err.(*MissingCredentialError).Param)

	_, err = FromParams(X509, map[string]string{"certificate": "/tmp/cert.pem"})
	assert.IsType(&MissingCredentialError{}, err)

	creds, err = FromParams(X509Proxy, map[string]string{"proxy": "/tmp/x509up"})
	assert.Nil(err)
	assert.Equal("/tmp/x509up", creds.Proxy)

	_, err = FromParams(OIDC, map[string]string{})
	assert.Nil(err)
}

func TestCertificateLifetime(t *testing.T) {
	assert := assert.New(t)
	dir, err := os.MkdirTemp(TESTING_DIR, "cert-")
	require.Nil(t, err)
	certFile, keyFile, err := dtstest.WriteCertificate(dir, 12*time.Hour)
	require.Nil(t, err)

	lifetime, err := CertificateLifetime(certFile)
	assert.Nil(err)
	assert.InDelta((12 * time.Hour).Seconds(), lifetime.Seconds(), 60)

	creds := Credentials{Type: X509, Certificate: certFile, Key: keyFile}
	assert.Nil(creds.Validate())
	_, err = KeyPair(creds)
	assert.Nil(err)

	// pretend a day has passed
	now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	defer func() { now = time.Now }()
	_, err = CertificateLifetime(certFile)
	assert.IsType(&InvalidCredentialError{}, err)
}

func TestCertificateErrors(t *testing.T) {
	assert := assert.New(t)

	_, err := CertificateLifetime(filepath.Join(TESTING_DIR, "nonexistent.pem"))
	assert.IsType(&InvalidCredentialError{}, err)

	junk := filepath.Join(TESTING_DIR, "junk.pem")
	require.Nil(t, os.WriteFile(junk, []byte("not a certificate"), 0600))
	_, err = CertificateLifetime(junk)
	assert.IsType(&InvalidCredentialError{}, err)

	creds := Credentials{Type: X509Proxy, Proxy: filepath.Join(TESTING_DIR, "x509up")}
	assert.IsType(&InvalidCredentialError{}, creds.Validate())
}

func TestOIDCToken(t *testing.T) {
	assert := assert.New(t)
	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	jwt := dtstest.OIDCToken(expires)

	t.Setenv("BRIDGE_TEST_TOKEN", jwt+"\n")
	token, err := OIDCToken("env", "BRIDGE_TEST_TOKEN", "")
	assert.Nil(err)
	assert.Equal(jwt, token)

	tokenFile := filepath.Join(TESTING_DIR, "token")
	require.Nil(t, os.WriteFile(tokenFile, []byte(jwt), 0600))
	token, err = OIDCToken("file", "", tokenFile)
	assert.Nil(err)
	assert.Equal(jwt, token)

	expiry, err := OIDCTokenExpiry(token)
	assert.Nil(err)
	assert.True(expires.Equal(expiry))

	_, err = OIDCToken("env", "BRIDGE_TEST_UNSET_TOKEN", "")
	assert.IsType(&OIDCTokenError{}, err)
	_, err = OIDCToken("file", "", filepath.Join(TESTING_DIR, "missing"))
	assert.IsType(&OIDCTokenError{}, err)
	_, err = OIDCTokenExpiry("not-a-jwt")
	assert.IsType(&OIDCTokenError{}, err)
}

// this function gets called at the beginning of a test session
func setup() {
	dtstest.EnableDebugLogging()
	var err error
	TESTING_DIR, err = os.MkdirTemp(os.TempDir(), "rucio-bridge-auth-tests-")
	if err != nil {
		panic(err)
	}
}

// this function gets called after all tests have been run
func breakdown() {
	os.RemoveAll(TESTING_DIR)
}

// this runs setup, runs all tests, and does breakdown
func TestMain(m *testing.M) {
	setup()
	status := m.Run()
	breakdown()
	os.Exit(status)
}
