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

// These tests verify that we can properly configure the bridge service with
// YAML input.
import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// a valid service config entry
const VALID_SERVICE string = `
service:
  port: 8888
  max_connections: 100
  request_timeout: 10
  data_dir: /tmp/rucio-bridge-config-test
  download_root: /tmp/rucio-bridge-config-test/rucio
`

// a valid instances config entry
const VALID_INSTANCES string = `
instances:
  - name: atlas
    display_name: ATLAS
    rucio_base_url: https://rucio.example.org
    destination_rse: SWAN-EOS
    rse_mount_path: /eos/user/rucio
    path_begins_at: 4
  - name: cms
    display_name: CMS
    rucio_base_url: https://cms-rucio.example.org
    mode: download
    oidc_auth: env
    oidc_env_name: ${RUCIO_BRIDGE_TEST_OIDC_ENV}
`

// remote configuration server and the number of times it was queried
var remoteServer *httptest.Server
var remoteHits atomic.Int32

// when set, requests for slow.json wait for this channel to close
var slowGate atomic.Pointer[chan struct{}]

// tests whether config.Init reports an error for blank input
func TestInitRejectsBlankInput(t *testing.T) {
	b := []byte("")
	err := Init(b)
	assert.NotNil(t, err, "Blank config didn't trigger an error.")
}

// tests whether config.Init reports an error for an invalid port
func TestInitRejectsBadPort(t *testing.T) {
	yaml := "service:\n  port: -1\n\n" + VALID_INSTANCES
	err := Init([]byte(yaml))
	assert.NotNil(t, err, "Config with bad port didn't trigger an error.")
	yaml = "service:\n  port: 1000000\n\n" + VALID_INSTANCES
	err = Init([]byte(yaml))
	assert.NotNil(t, err, "Config with bad port didn't trigger an error.")
}

// tests whether config.Init reports an error for an invalid max number of
// connections
func TestInitRejectsBadMaxConnections(t *testing.T) {
	yaml := "service:\n  max_connections: 0\n\n" + VALID_INSTANCES
	err := Init([]byte(yaml))
	assert.NotNil(t, err, "Config with bad max_connections didn't trigger an error.")
}

// tests whether config.Init rejects a configuration with no instances
func TestInitRejectsNoInstancesDefined(t *testing.T) {
	err := Init([]byte(VALID_SERVICE))
	assert.NotNil(t, err, "Config with no instances didn't trigger an error.")
}

// tests whether config.Init rejects instances that fail schema validation
func TestInitRejectsInvalidInstances(t *testing.T) {
	assert := assert.New(t)

	// no base URL
	yaml := VALID_SERVICE + "instances:\n  - name: x\n    display_name: X\n"
	err := Init([]byte(yaml))
	assert.IsType(&InvalidInstanceError{}, err)

	// replica mode without destination RSE
	yaml = VALID_SERVICE + `
instances:
  - name: x
    display_name: X
    rucio_base_url: https://rucio.example.org
`
	err = Init([]byte(yaml))
	assert.IsType(&InvalidInstanceError{}, err)

	// unknown mode
	yaml = VALID_SERVICE + `
instances:
  - name: x
    display_name: X
    rucio_base_url: https://rucio.example.org
    mode: teleport
`
	err = Init([]byte(yaml))
	assert.IsType(&InvalidInstanceError{}, err)

	// duplicate names
	yaml = VALID_SERVICE + `
instances:
  - name: x
    display_name: X
    rucio_base_url: https://rucio.example.org
    mode: download
  - name: x
    display_name: X again
    rucio_base_url: https://rucio.example.org
    mode: download
`
	err = Init([]byte(yaml))
	assert.IsType(&InvalidInstanceError{}, err)
}

// Tests whether config.Init properly initializes its globals for valid input.
func TestInitProperlySetsGlobals(t *testing.T) {
	assert := assert.New(t)
	os.Setenv("RUCIO_BRIDGE_TEST_OIDC_ENV", "CMS_TOKEN")
	defer os.Unsetenv("RUCIO_BRIDGE_TEST_OIDC_ENV")

	err := Init([]byte(VALID_SERVICE + VALID_INSTANCES))
	assert.Nil(err, fmt.Sprintf("Valid YAML input produced an error: %s", err))

	assert.Equal(8888, Service.Port)
	assert.Equal(100, Service.MaxConnections)
	assert.Equal("rucio", Service.Commands.Rucio)
	assert.Equal(2, len(Instances()))

	atlas, err := Instance("atlas")
	assert.Nil(err)
	assert.Equal(ModeReplica, atlas.Mode)
	assert.Equal(4, atlas.PathBeginsAt)
	assert.Equal("https://rucio.example.org", atlas.AuthURL())
	assert.False(atlas.OIDCEnabled())

	cms, err := Instance("cms")
	assert.Nil(err)
	assert.Equal(ModeDownload, cms.Mode)
	assert.Equal("CMS_TOKEN", cms.OIDCEnvName)
	assert.True(cms.OIDCEnabled())

	_, err = Instance("lhcb")
	assert.IsType(&InstanceNotFoundError{}, err)
}

// Tests that remote configurations are merged with local overrides and
// refetched once they expire.
func TestRemoteInstanceConfig(t *testing.T) {
	assert := assert.New(t)
	yaml := VALID_SERVICE + `
instances:
  - $url: ` + remoteServer.URL + `/remote.json
    display_name: Local Override
`
	hitsBefore := remoteHits.Load()
	err := Init([]byte(yaml))
	assert.Nil(err, fmt.Sprintf("Remote config produced an error: %s", err))
	assert.Equal(hitsBefore+1, remoteHits.Load())

	remote, err := Instance("remote")
	assert.Nil(err)
	assert.Equal("Local Override", remote.DisplayName)
	assert.Equal("https://remote-rucio.example.org", remote.RucioBaseURL)
	assert.Equal("SWAN-EOS", remote.DestinationRSE)

	// reads within the TTL don't refetch
	Instance("remote")
	assert.Equal(hitsBefore+1, remoteHits.Load())

	// advance the clock past the default TTL
	now = func() time.Time { return time.Now().Add(DefaultRemoteTTL + time.Minute) }
	defer func() { now = time.Now }()
	remote, err = Instance("remote")
	assert.Nil(err)
	assert.Equal(hitsBefore+2, remoteHits.Load())
	assert.Equal("Local Override", remote.DisplayName)
}

// Tests that an unreachable remote configuration is reported.
func TestRemoteInstanceConfigFailure(t *testing.T) {
	yaml := VALID_SERVICE + `
instances:
  - $url: ` + remoteServer.URL + `/missing.json
`
	err := Init([]byte(yaml))
	assert.IsType(t, &RemoteConfigError{}, err)
}

// Tests that refreshing a remote configuration doesn't hold up lookups of
// other instances.
func TestRemoteRefreshDoesNotBlockLookups(t *testing.T) {
	assert := assert.New(t)
	yaml := VALID_SERVICE + `
instances:
  - name: atlas
    display_name: ATLAS
    rucio_base_url: https://rucio.example.org
    destination_rse: SWAN-EOS
    rse_mount_path: /eos/user/rucio
  - $url: ` + remoteServer.URL + `/slow.json
`
	assert.Nil(Init([]byte(yaml)))

	gate := make(chan struct{})
	slowGate.Store(&gate)
	defer slowGate.Store(nil)
	now = func() time.Time { return time.Now().Add(DefaultRemoteTTL + time.Minute) }
	defer func() { now = time.Now }()

	hitsBefore := remoteHits.Load()
	refreshed := make(chan InstanceConfig)
	go func() {
		slow, _ := Instance("slow")
		refreshed <- slow
	}()
	assert.Eventually(func() bool {
		return remoteHits.Load() > hitsBefore
	}, 5*time.Second, 10*time.Millisecond)

	looked := make(chan error)
	go func() {
		_, err := Instance("atlas")
		looked <- err
	}()
	lookedUp := false
	select {
	case err := <-looked:
		lookedUp = true
		assert.Nil(err)
	case <-time.After(2 * time.Second):
		assert.Fail("instance lookup waited for a remote refresh")
	}

	close(gate)
	slow := <-refreshed
	assert.Equal("Slow Instance", slow.DisplayName)
	if !lookedUp {
		<-looked
	}
}

// this function gets called at the begіnning of a test session
func setup() {
	remoteServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remoteHits.Add(1)
		if r.URL.Path == "/slow.json" {
			if gate := slowGate.Load(); gate != nil {
				<-*gate
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{
  "name": "slow",
  "display_name": "Slow Instance",
  "rucio_base_url": "https://slow-rucio.example.org",
  "mode": "download"
}`))
			return
		}
		if r.URL.Path != "/remote.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
  "name": "remote",
  "display_name": "Remote Instance",
  "rucio_base_url": "https://remote-rucio.example.org",
  "destination_rse": "SWAN-EOS",
  "rse_mount_path": "/eos/user/rucio"
}`))
	}))
}

// this function gets called after all tests have been run
func breakdown() {
	remoteServer.Close()
}

// This runs setup, runs all tests, and does breakdown.
func TestMain(m *testing.M) {
	var status int
	setup()
	status = m.Run()
	breakdown()
	os.Exit(status)
}
