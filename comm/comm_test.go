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
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rucio/jupyterlab-bridge/dtstest"
)

// an inject message as sent by the frontend
const INJECT string = `{
  "action": "inject",
  "dids": [
    {
      "variableName": "dataset",
      "type": "collection",
      "files": [
        {"did": "s:a", "path": "/eos/user/rucio/s:a", "pfn": "root://x//eos/docker/user/rucio/s:a"},
        {"did": "s:b", "path": "/eos/user/rucio/s:b", "pfn": "root://x//eos/docker/user/rucio/s:b"}
      ]
    },
    {
      "variableName": "single",
      "type": "file",
      "files": [{"did": "s:a", "path": "/eos/user/rucio/s:a", "pfn": null}]
    },
    {
      "variableName": "later",
      "type": "collection",
      "files": [],
      "didAvailable": false
    }
  ]
}`

func TestDecodeMessage(t *testing.T) {
	assert := assert.New(t)

	msg, err := DecodeMessage([]byte(INJECT))
	assert.Nil(err)
	assert.Equal(ActionInject, msg.Action)
	assert.Len(msg.DIDs, 3)
	assert.False(*msg.DIDs[2].DIDAvailable)

	msg, err = DecodeMessage([]byte(`{"action": "request-inject"}`))
	assert.Nil(err)
	assert.Equal(RequestInject(), msg)

	_, err = DecodeMessage([]byte(`{"action": "eject"}`))
	assert.IsType(&InvalidMessageError{}, err)
	_, err = DecodeMessage([]byte(`{"action": "inject", "dids": [{"variableName": "x", "type": "blob"}]}`))
	assert.IsType(&InvalidMessageError{}, err)
	_, err = DecodeMessage([]byte(`{"action": "inject", "dids": [{"type": "file"}]}`))
	assert.IsType(&InvalidMessageError{}, err)
	_, err = DecodeMessage([]byte(`not json`))
	assert.IsType(&InvalidMessageError{}, err)
}

func TestSessionInject(t *testing.T) {
	assert := assert.New(t)
	session := NewSession()

	msg, err := DecodeMessage([]byte(INJECT))
	require.Nil(t, err)
	ack, err := session.Handle(msg)
	assert.Nil(err)
	assert.Equal(&Message{Action: ActionAckInject, VariableNames: []string{"dataset", "single", "later"}}, ack)

	dataset, found := session.Variable("dataset")
	assert.True(found)
	assert.True(dataset.Collection())
	paths, err := dataset.Paths()
	assert.Nil(err)
	assert.Equal([]string{"/eos/user/rucio/s:a", "/eos/user/rucio/s:b"}, paths)
	files, err := dataset.Files()
	assert.Nil(err)
	assert.Equal("root://x//eos/docker/user/rucio/s:b", files[1].PFN)
	assert.Equal("[/eos/user/rucio/s:a /eos/user/rucio/s:b]", dataset.String())

	single, _ := session.Variable("single")
	path, err := single.Path()
	assert.Nil(err)
	assert.Equal("/eos/user/rucio/s:a", path)
	assert.Equal("/eos/user/rucio/s:a", single.String())

	// reading a pending value fails loudly
	later, _ := session.Variable("later")
	assert.True(later.Pending())
	_, err = later.Path()
	assert.IsType(&DIDNotAvailableError{}, err)
	_, err = later.Paths()
	assert.IsType(&DIDNotAvailableError{}, err)
	assert.Contains(err.Error(), "later")

	_, found = session.Variable("nothing")
	assert.False(found)

	// only injects are answered
	ack, err = session.Handle(RequestInject())
	assert.Nil(err)
	assert.Nil(ack)
}

func TestSessionUnplacedFile(t *testing.T) {
	assert := assert.New(t)
	session := NewSession()
	msg, err := DecodeMessage([]byte(`{"action": "inject", "dids": [
	  {"variableName": "partial", "type": "collection",
	   "files": [{"did": "s:a", "path": "/p/s:a", "pfn": "root://x/s:a"}, {"did": "s:b", "path": null, "pfn": null}]}]}`))
	require.Nil(t, err)
	_, err = session.Handle(msg)
	assert.Nil(err)
	partial, _ := session.Variable("partial")
	assert.True(partial.Pending())
	_, err = partial.Paths()
	assert.IsType(&DIDNotAvailableError{}, err)

	// a file DID must have exactly one file
	msg, err = DecodeMessage([]byte(`{"action": "inject", "dids": [{"variableName": "f", "type": "file", "files": []}]}`))
	require.Nil(t, err)
	_, err = session.Handle(msg)
	assert.IsType(&InvalidMessageError{}, err)
}

// connects a websocket client to the hub on the given target
func dial(t *testing.T, server *httptest.Server, target string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/comm?target=" + target
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.Nil(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubRelaysInjects(t *testing.T) {
	assert := assert.New(t)
	hub := NewHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	// the kernel side answers injects from its session
	session := NewSession()
	kernel := dial(t, server, TargetKernel)
	kernelDone := make(chan error, 1)
	go func() { kernelDone <- ServeKernel(kernel, session) }()
	assert.Eventually(func() bool { return hub.Peers(TargetKernel) == 1 }, time.Second, 10*time.Millisecond)
	frontend := dial(t, server, TargetFrontend)
	assert.Eventually(func() bool {
		return hub.Peers(TargetKernel) == 1 && hub.Peers(TargetFrontend) == 1
	}, time.Second, 10*time.Millisecond)

	require.Nil(t, frontend.WriteMessage(websocket.TextMessage, []byte(INJECT)))
	frontend.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack Message
	require.Nil(t, frontend.ReadJSON(&ack))
	assert.Equal(ActionAckInject, ack.Action)
	assert.Equal([]string{"dataset", "single", "later"}, ack.VariableNames)
	_, found := session.Variable("dataset")
	assert.True(found)

	// the kernel asks the frontend for a selection
	assert.Equal(1, hub.Send(TargetFrontend, RequestInject()))
	var request Message
	require.Nil(t, frontend.ReadJSON(&request))
	assert.Equal(RequestInject(), request)

	// malformed messages are dropped, not relayed
	require.Nil(t, frontend.WriteMessage(websocket.TextMessage, []byte(`{"action": "eject"}`)))
	require.Nil(t, frontend.WriteJSON(RequestInject()))
	// the kernel ignores request-inject; nothing comes back
	frontend.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := frontend.ReadMessage()
	assert.NotNil(err)

	kernel.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	assert.Eventually(func() bool { return hub.Peers(TargetKernel) == 0 }, time.Second, 10*time.Millisecond)
}

func TestNewKernelRequestsInjects(t *testing.T) {
	assert := assert.New(t)
	hub := NewHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	frontend := dial(t, server, TargetFrontend)
	assert.Eventually(func() bool { return hub.Peers(TargetFrontend) == 1 }, time.Second, 10*time.Millisecond)
	kernel := dial(t, server, TargetKernel)

	frontend.SetReadDeadline(time.Now().Add(5 * time.Second))
	var request Message
	require.Nil(t, frontend.ReadJSON(&request))
	assert.Equal(RequestInject(), request)

	// the frontend's answer reaches the new kernel
	require.Nil(t, frontend.WriteMessage(websocket.TextMessage, []byte(INJECT)))
	kernel.SetReadDeadline(time.Now().Add(5 * time.Second))
	var inject Message
	require.Nil(t, kernel.ReadJSON(&inject))
	assert.Equal(ActionInject, inject.Action)
	assert.Len(inject.DIDs, 3)
}

func TestHubRejectsUnknownTarget(t *testing.T) {
	hub := NewHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/comm?target=notebook"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NotNil(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// this function gets called at the beginning of a test session
func setup() {
	dtstest.EnableDebugLogging()
}

// this runs setup, runs all tests, and does breakdown
func TestMain(m *testing.M) {
	setup()
	status := m.Run()
	os.Exit(status)
}
