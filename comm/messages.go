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

// Package comm carries DID selections between the notebook frontend and the
// kernel: the messages they exchange, the kernel-side session that turns
// injected DIDs into variables, and a websocket hub that relays messages
// between the two channels. The bridge serves the hub; Session and
// ServeKernel are the kernel-side half, used by a kernel process that
// connects to the hub's kernel target.
package comm

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// names of the two comm channels
const (
	KernelChannel   = "rucio-jupyterlab-kernel"
	FrontendChannel = "rucio-jupyterlab-frontend"
)

// message actions
const (
	ActionInject        = "inject"
	ActionAckInject     = "ack-inject"
	ActionRequestInject = "request-inject"
)

// DID types as sent by the frontend
const (
	TypeFile       = "file"
	TypeCollection = "collection"
)

// A file of an injected DID. Path and PFN are nil when the file isn't
// available locally.
type InjectedFile struct {
	DID  string  `json:"did,omitempty"`
	Path *string `json:"path"`
	PFN  *string `json:"pfn"`
}

// A DID to be bound to a variable in the kernel's user session
type InjectedDID struct {
	VariableName string         `json:"variableName"`
	Type         string         `json:"type"`
	Files        []InjectedFile `json:"files"`
	// absent means available
	DIDAvailable *bool `json:"didAvailable,omitempty"`
}

// Message is anything sent over a comm channel.
type Message struct {
	Action        string        `json:"action"`
	DIDs          []InjectedDID `json:"dids,omitempty"`
	VariableNames []string      `json:"variable_names,omitempty"`
}

// Returns a message asking the frontend to inject the user's selection.
func RequestInject() Message {
	return Message{Action: ActionRequestInject}
}

// Decodes and checks a message received on a comm channel.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, &InvalidMessageError{Message: err.Error()}
	}
	switch msg.Action {
	case ActionInject:
		for _, did := range msg.DIDs {
			if did.VariableName == "" {
				return msg, &InvalidMessageError{Message: "inject without a variable name"}
			}
			if did.Type != TypeFile && did.Type != TypeCollection {
				return msg, &InvalidMessageError{
					Message: "invalid DID type for " + did.VariableName + ": " + did.Type,
				}
			}
		}
	case ActionAckInject, ActionRequestInject:
	default:
		return msg, &InvalidMessageError{Message: "unknown action: " + msg.Action}
	}
	return msg, nil
}
