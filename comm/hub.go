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
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// websocket targets, one per comm channel
const (
	TargetKernel   = "kernel"
	TargetFrontend = "frontend"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	// the bridge is only reachable through the notebook server's proxy
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// a connected websocket endpoint of one channel
type peer struct {
	target  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) send(msg Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := p.conn.WriteJSON(msg)
	if err != nil {
		slog.Warn(fmt.Sprintf("Failed to write to %s comm peer: %s", p.target, err))
	}
	return err
}

// Hub relays messages between kernel and frontend websocket peers: whatever a
// kernel sends goes to every frontend and vice versa.
type Hub struct {
	mu    sync.Mutex
	peers map[string]map[*peer]bool
}

// Creates a hub with no peers.
func NewHub() *Hub {
	return &Hub{
		peers: map[string]map[*peer]bool{
			TargetKernel:   {},
			TargetFrontend: {},
		},
	}
}

// Returns the number of connected peers on the given target.
func (h *Hub) Peers(target string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers[target])
}

// Sends a message to every peer on the given target, returning the number of
// peers that received it.
func (h *Hub) Send(target string, msg Message) int {
	h.mu.Lock()
	recipients := make([]*peer, 0, len(h.peers[target]))
	for p := range h.peers[target] {
		recipients = append(recipients, p)
	}
	h.mu.Unlock()

	sent := 0
	for _, p := range recipients {
		if p.send(msg) == nil {
			sent++
		}
	}
	return sent
}

// Upgrades a request with a "target" query parameter of "kernel" or
// "frontend" and relays the peer's messages until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if _, valid := h.peers[target]; !valid {
		http.Error(w, (&InvalidTargetError{Target: target}).Error(), http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error(fmt.Sprintf("Failed to upgrade comm websocket: %s", err))
		return
	}
	p := &peer{target: target, conn: conn}
	frontends := h.register(p)
	defer func() {
		h.unregister(p)
		conn.Close()
	}()
	slog.Debug(fmt.Sprintf("Comm peer connected (%s)", target))
	// a new kernel has no variables, so the frontends present should inject again
	for _, frontend := range frontends {
		frontend.send(RequestInject())
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Debug(fmt.Sprintf("Comm peer disconnected (%s): %s", target, err))
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			slog.Warn(err.Error())
			continue
		}
		h.Send(opposite(target), msg)
	}
}

// adds a peer, returning the frontends connected at that moment if the peer
// is a kernel
func (h *Hub) register(p *peer) []*peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p.target][p] = true
	var frontends []*peer
	if p.target == TargetKernel {
		for frontend := range h.peers[TargetFrontend] {
			frontends = append(frontends, frontend)
		}
	}
	return frontends
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers[p.target], p)
}

func opposite(target string) string {
	if target == TargetKernel {
		return TargetFrontend
	}
	return TargetKernel
}

// Serves a kernel session over the given websocket connection: injects are
// applied to the session and acknowledged. Returns when the connection
// closes.
func ServeKernel(conn *websocket.Conn, session *Session) error {
	p := &peer{target: TargetKernel, conn: conn}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			slog.Warn(err.Error())
			continue
		}
		ack, err := session.Handle(msg)
		if err != nil {
			slog.Warn(err.Error())
			continue
		}
		if ack != nil {
			if err := p.send(*ack); err != nil {
				return err
			}
		}
	}
}
