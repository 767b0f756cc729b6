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
	"context"
	"net/http"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rucio/jupyterlab-bridge/auth"
	"github.com/rucio/jupyterlab-bridge/config"
	"github.com/rucio/jupyterlab-bridge/dtstest"
)

var TESTING_DIR string

var userpass = auth.Credentials{
	Type:     auth.UserPass,
	Username: "jdoe",
	Password: "secret",
	Account:  "jdoe",
}

// creates a fake data service and a client connected to it
func newClient(t *testing.T, creds auth.Credentials) (*Client, *dtstest.FakeRucio) {
	fake := dtstest.NewFakeRucio()
	t.Cleanup(fake.Close)
	instance := config.InstanceConfig{
		Name:           "atlas",
		DisplayName:    "ATLAS",
		RucioBaseURL:   fake.URL(),
		DestinationRSE: "SWAN-EOS",
		RSEMountPath:   "/eos/user/rucio",
		Mode:           config.ModeReplica,
	}
	client, err := NewClient(instance, creds, NewTokenCache(), 5*time.Second)
	require.Nil(t, err)
	return client, fake
}

func TestListScopes(t *testing.T) {
	assert := assert.New(t)
	client, fake := newClient(t, userpass)
	fake.Scopes = []string{"user.jdoe", "data18"}

	scopes, err := client.ListScopes(context.Background())
	assert.Nil(err)
	assert.Equal([]string{"user.jdoe", "data18"}, scopes)
	assert.Equal(1, fake.AuthCalls())

	// the token is reused
	_, err = client.ListScopes(context.Background())
	assert.Nil(err)
	assert.Equal(1, fake.AuthCalls())
}

func TestListReplicas(t *testing.T) {
	assert := assert.New(t)
	client, fake := newClient(t, userpass)
	fake.Replicas["s:c"] = []map[string]any{
		dtstest.ReplicaRecord("s:a", 10, "SWAN-EOS", "root://x//eos/docker/user/rucio/s:a", "AVAILABLE"),
		dtstest.ReplicaRecord("s:b", 20, "", "", ""),
	}

	for _, plain := range []bool{false, true} {
		fake.Update(func(f *dtstest.FakeRucio) { f.PlainJSON = plain })
		replicas, err := client.ListReplicas(context.Background(), "s", "c")
		assert.Nil(err)
		assert.Len(replicas, 2)
		assert.Equal("a", replicas[0].Name)
		assert.Equal(int64(10), replicas[0].Bytes)
		assert.Equal([]string{"root://x//eos/docker/user/rucio/s:a"}, replicas[0].RSEs["SWAN-EOS"])
		assert.Equal("AVAILABLE", replicas[0].States["SWAN-EOS"])
		assert.Empty(replicas[1].RSEs)
	}
}

func TestFilesRulesAndMetadata(t *testing.T) {
	assert := assert.New(t)
	client, fake := newClient(t, userpass)
	ctx := context.Background()
	fake.Files["s:c"] = []map[string]any{dtstest.FileRecord("s:a", 1), dtstest.FileRecord("s:b", 2)}
	fake.Rules["s:c"] = []map[string]any{
		{"id": "r1", "state": "REPLICATING", "rse_expression": "SWAN-EOS", "expires_at": nil},
	}
	fake.Meta["s:c"] = map[string]any{"scope": "s", "name": "c", "did_type": "DATASET"}
	fake.Parents["s:a"] = []map[string]any{{"scope": "s", "name": "c", "did_type": "DATASET"}}

	files, err := client.ListFiles(ctx, "s", "c")
	assert.Nil(err)
	assert.Equal([]File{{Scope: "s", Name: "a", Bytes: 1}, {Scope: "s", Name: "b", Bytes: 2}}, files)

	rules, err := client.ListRules(ctx, "s", "c")
	assert.Nil(err)
	assert.Len(rules, 1)
	assert.Equal("REPLICATING", rules[0].State)
	assert.Nil(rules[0].ExpiresAt)

	rule, err := client.GetRule(ctx, "r1")
	assert.Nil(err)
	assert.Equal("SWAN-EOS", rule.RSEExpression)

	meta, err := client.GetMetadata(ctx, "s", "c")
	assert.Nil(err)
	assert.Equal("DATASET", meta["did_type"])

	parents, err := client.ListParents(ctx, "s", "a")
	assert.Nil(err)
	assert.Equal("c", parents[0].Name)

	_, err = client.ListFiles(ctx, "s", "missing")
	assert.IsType(&HTTPError{}, err)
	httpErr := err.(*HTTPError)
	assert.Equal(http.StatusNotFound, httpErr.StatusCode)
	assert.Equal("DataIdentifierNotFound", httpErr.ExceptionClass)
}

func TestSearchDIDs(t *testing.T) {
	assert := assert.New(t)
	client, fake := newClient(t, userpass)
	fake.Search["s"] = []map[string]any{
		{"scope": "s", "name": "run1", "did_type": "DATASET", "bytes": 5},
		{"scope": "s", "name": "run2", "did_type": "DATASET", "bytes": 6},
		{"scope": "s", "name": "other", "did_type": "FILE", "bytes": 7},
	}

	dids, err := client.SearchDIDs(context.Background(), "s", "run*", "dataset", `{"run":"1"}`, 1)
	assert.Nil(err)
	assert.Len(dids, 1)
	assert.Equal("run1", dids[0].Name)
	assert.Equal("DATASET", dids[0].Type)

	query := fake.Query("/dids/s/dids/search")
	assert.Equal("dataset", query.Get("type"))
	assert.Equal("1", query.Get("long"))
	assert.Equal(`{"run":"1"}`, query.Get("filters"))
}

func TestAddRule(t *testing.T) {
	assert := assert.New(t)
	client, fake := newClient(t, userpass)
	lifetime := 86400

	ids, err := client.AddRule(context.Background(), RuleRequest{
		DIDs:          []DIDRef{{Scope: "s", Name: "c"}},
		Account:       "jdoe",
		Copies:        1,
		RSEExpression: "SWAN-EOS",
		Lifetime:      &lifetime,
	})
	assert.Nil(err)
	assert.Equal([]string{"rule-1"}, ids)
	assert.Len(fake.AddedRules, 1)
	assert.Equal(float64(86400), fake.AddedRules[0]["lifetime"])
	assert.Equal(float64(1), fake.AddedRules[0]["copies"])
}

func TestHTTPError(t *testing.T) {
	assert := assert.New(t)
	client, fake := newClient(t, userpass)
	fake.Failures["/scopes/"] = http.StatusInternalServerError

	_, err := client.ListScopes(context.Background())
	assert.IsType(&HTTPError{}, err)
	httpErr := err.(*HTTPError)
	assert.Equal(http.StatusInternalServerError, httpErr.StatusCode)
	assert.Equal("Internal Server Error", httpErr.Reason)
	assert.Equal("RucioException", httpErr.ExceptionClass)
}

func TestTransportError(t *testing.T) {
	assert := assert.New(t)
	client, fake := newClient(t, userpass)
	_, err := client.ListScopes(context.Background())
	assert.Nil(err)

	fake.Close()
	_, err = client.ListScopes(context.Background())
	assert.IsType(&TransportError{}, err)
}

func TestTimeout(t *testing.T) {
	assert := assert.New(t)
	fake := dtstest.NewFakeRucio()
	defer fake.Close()
	fake.Delay = 500 * time.Millisecond
	instance := config.InstanceConfig{Name: "atlas", DisplayName: "ATLAS", RucioBaseURL: fake.URL()}
	client, err := NewClient(instance, userpass, NewTokenCache(), 100*time.Millisecond)
	require.Nil(t, err)

	_, err = client.ListScopes(context.Background())
	assert.IsType(&TransportError{}, err)
	assert.Equal("Timeout", err.(*TransportError).ExceptionClass)
}

func TestAuthenticationError(t *testing.T) {
	assert := assert.New(t)
	creds := userpass
	creds.Password = "wrong"
	client, _ := newClient(t, creds)

	_, err := client.ListScopes(context.Background())
	assert.IsType(&AuthenticationError{}, err)
}

func TestRejectedTokenIsForgotten(t *testing.T) {
	assert := assert.New(t)
	client, fake := newClient(t, userpass)
	_, err := client.ListScopes(context.Background())
	assert.Nil(err)

	fake.RevokeTokens()
	_, err = client.ListScopes(context.Background())
	assert.IsType(&AuthenticationError{}, err)
	_, found := client.tokens.Get("atlas")
	assert.False(found)

	// the next call authenticates again
	_, err = client.ListScopes(context.Background())
	assert.Nil(err)
	assert.Equal(2, fake.AuthCalls())
}

func TestTokenExpiresBeforeServiceExpiry(t *testing.T) {
	assert := assert.New(t)
	client, fake := newClient(t, userpass)
	fake.TokenLifetime = 10 * time.Minute
	start := time.Now()
	client.tokens.Now = func() time.Time { return start }

	_, err := client.ListScopes(context.Background())
	assert.Nil(err)

	// still valid shortly before the margin
	client.tokens.Now = func() time.Time { return start.Add(8 * time.Minute) }
	_, found := client.tokens.Get("atlas")
	assert.True(found)

	// expired a minute ahead of the service
	client.tokens.Now = func() time.Time { return start.Add(9*time.Minute + time.Second) }
	_, found = client.tokens.Get("atlas")
	assert.False(found)
}

func TestConcurrentReauthentication(t *testing.T) {
	assert := assert.New(t)
	client, fake := newClient(t, userpass)
	start := time.Now()
	client.tokens.Now = func() time.Time { return start }

	_, err := client.ListScopes(context.Background())
	assert.Nil(err)
	assert.Equal(1, fake.AuthCalls())

	// advance the clock past the token's expiry and issue many requests
	fake.Update(func(f *dtstest.FakeRucio) { f.TokenLifetime = 3 * time.Hour })
	later := start.Add(2 * time.Hour)
	client.tokens.Now = func() time.Time { return later }
	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.ListScopes(context.Background())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.Nil(err)
	}
	assert.Equal(2, fake.AuthCalls())
}

func TestSharedAuthenticationOutlivesCanceledCaller(t *testing.T) {
	assert := assert.New(t)
	cache := NewTokenCache()
	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	calls := 0
	authenticate := func(ctx context.Context) (Token, error) {
		calls++
		once.Do(func() { close(started) })
		<-release
		if err := ctx.Err(); err != nil {
			return Token{}, err
		}
		return Token{Value: "token-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := cache.Token(ctx, "atlas", authenticate)
		first <- err
	}()
	<-started
	second := make(chan string, 1)
	go func() {
		token, err := cache.Token(context.Background(), "atlas", authenticate)
		assert.Nil(err)
		second <- token
	}()
	time.Sleep(50 * time.Millisecond)

	// the first caller gives up while the authenticator runs
	cancel()
	close(release)
	assert.Nil(<-first)
	assert.Equal("token-1", <-second)
	assert.Equal(1, calls)
	token, found := cache.Get("atlas")
	assert.True(found)
	assert.Equal("token-1", token)
}

func TestOIDCAuthentication(t *testing.T) {
	assert := assert.New(t)
	fake := dtstest.NewFakeRucio()
	defer fake.Close()
	expires := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	t.Setenv("RUCIO_BRIDGE_TEST_OIDC", dtstest.OIDCToken(expires))

	instance := config.InstanceConfig{
		Name:         "cms",
		DisplayName:  "CMS",
		RucioBaseURL: fake.URL(),
		OIDCAuth:     "env",
		OIDCEnvName:  "RUCIO_BRIDGE_TEST_OIDC",
	}
	tokens := NewTokenCache()
	client, err := NewClient(instance, auth.Credentials{Type: auth.OIDC}, tokens, 5*time.Second)
	require.Nil(t, err)

	_, err = client.ListScopes(context.Background())
	assert.Nil(err)
	assert.Equal(1, fake.Hits("/auth/validate"))
	tokens.mu.Lock()
	assert.True(expires.Add(-tokenExpiryMargin).Equal(tokens.entries["cms"].ExpiresAt))
	tokens.mu.Unlock()
}

func TestX509Authentication(t *testing.T) {
	assert := assert.New(t)
	dir, err := os.MkdirTemp(TESTING_DIR, "x509-")
	require.Nil(t, err)
	certFile, keyFile, err := dtstest.WriteCertificate(dir, time.Hour)
	require.Nil(t, err)

	client, fake := newClient(t, auth.Credentials{
		Type:        auth.X509,
		Certificate: certFile,
		Key:         keyFile,
	})
	_, err = client.ListScopes(context.Background())
	assert.Nil(err)
	assert.Equal(1, fake.Hits("/auth/x509"))

	// unreadable key material is rejected up front
	_, err = NewClient(client.Instance, auth.Credentials{
		Type:        auth.X509,
		Certificate: certFile,
		Key:         certFile,
	}, NewTokenCache(), time.Second)
	assert.IsType(&auth.InvalidCredentialError{}, err)
}

func TestDecodeList(t *testing.T) {
	assert := assert.New(t)

	list, err := decodeList[map[string]any]([]byte("{\"a\":1}\n{\"a\":2}\n"))
	assert.Nil(err)
	assert.Len(list, 2)

	list, err = decodeList[map[string]any]([]byte(`[{"a":1},{"a":2},{"a":3}]`))
	assert.Nil(err)
	assert.Len(list, 3)

	list, err = decodeList[map[string]any]([]byte(`{"a":1}`))
	assert.Nil(err)
	assert.Len(list, 1)

	list, err = decodeList[map[string]any]([]byte(""))
	assert.Nil(err)
	assert.Empty(list)

	_, err = decodeList[map[string]any]([]byte("{\"a\":1}\n{oops"))
	assert.IsType(&APIError{}, err)
}

func TestSplitDID(t *testing.T) {
	assert := assert.New(t)
	scope, name, err := SplitDID("user.jdoe:data/file.root")
	assert.Nil(err)
	assert.Equal("user.jdoe", scope)
	assert.Equal("data/file.root", name)

	for _, bad := range []string{"nocolon", ":name", "scope:"} {
		_, _, err = SplitDID(bad)
		assert.IsType(&APIError{}, err)
	}
}

func TestSecureHttpClient(t *testing.T) {
	client := SecureHttpClient(time.Second, nil)
	secure_original_request := &http.Request{
		URL: &url.URL{Scheme: "https", Host: "example.com", Path: "/"},
	}
	secure_redirect_target := &http.Request{
		URL: &url.URL{Scheme: "https", Host: "redirect.com", Path: "/"},
	}
	insecure_redirect_target := &http.Request{
		URL: &url.URL{Scheme: "http", Host: "redirect.com", Path: "/"},
	}

	// test secure to secure redirect
	err := client.CheckRedirect(secure_redirect_target, []*http.Request{secure_original_request})
	assert.Equal(t, http.ErrUseLastResponse, err)

	// test secure to insecure redirect
	err = client.CheckRedirect(insecure_redirect_target, []*http.Request{secure_original_request})
	assert.IsType(t, &DowngradedRedirectError{}, err)
	assert.Equal(t, "redirect.com/", err.(*DowngradedRedirectError).Endpoint)
}

// this function gets called at the beginning of a test session
func setup() {
	dtstest.EnableDebugLogging()
	var err error
	TESTING_DIR, err = os.MkdirTemp(os.TempDir(), "rucio-bridge-client-tests-")
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
