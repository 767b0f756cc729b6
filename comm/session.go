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
	"sync"
)

// A file bound to a variable
type File struct {
	Path string
	PFN  string
}

// Value is what a variable holds after an inject: either the resolved files
// of a DID or a pending marker that refuses to be read.
type Value struct {
	name       string
	pending    bool
	collection bool
	files      []File
}

// Returns true if the DID wasn't available when it was injected.
func (v Value) Pending() bool {
	return v.pending
}

// Returns true if the value holds a collection's files.
func (v Value) Collection() bool {
	return v.collection
}

// Returns the path of a file DID, or the first path of a collection.
func (v Value) Path() (string, error) {
	if v.pending || len(v.files) == 0 {
		return "", &DIDNotAvailableError{VariableName: v.name}
	}
	return v.files[0].Path, nil
}

// Returns the paths of every file, in order.
func (v Value) Paths() ([]string, error) {
	if v.pending {
		return nil, &DIDNotAvailableError{VariableName: v.name}
	}
	paths := make([]string, len(v.files))
	for i, file := range v.files {
		paths[i] = file.Path
	}
	return paths, nil
}

// Returns the files, in order.
func (v Value) Files() ([]File, error) {
	if v.pending {
		return nil, &DIDNotAvailableError{VariableName: v.name}
	}
	return v.files, nil
}

// Renders the value as its path (or list of paths) for display.
func (v Value) String() string {
	if v.pending {
		return "<DID not available>"
	}
	if !v.collection {
		path, _ := v.Path()
		return path
	}
	paths, _ := v.Paths()
	return fmt.Sprint(paths)
}

// Session holds the variables injected into a kernel's user session. It is
// safe for concurrent use.
type Session struct {
	mu        sync.Mutex
	variables map[string]Value
}

// Creates an empty session.
func NewSession() *Session {
	return &Session{variables: make(map[string]Value)}
}

// Returns the value bound to the given variable name, if any.
func (s *Session) Variable(name string) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, found := s.variables[name]
	return value, found
}

// Handles a message received on the kernel channel. An inject binds every
// DID to its variable and yields the acknowledgement to send back; other
// messages yield no reply.
func (s *Session) Handle(msg Message) (*Message, error) {
	if msg.Action != ActionInject {
		return nil, nil
	}
	ack := &Message{Action: ActionAckInject, VariableNames: []string{}}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, did := range msg.DIDs {
		value, err := bind(did)
		if err != nil {
			return nil, err
		}
		s.variables[did.VariableName] = value
		ack.VariableNames = append(ack.VariableNames, did.VariableName)
		slog.Debug(fmt.Sprintf("Injected %s (pending: %t)", did.VariableName, value.pending))
	}
	return ack, nil
}

// builds the value of an injected DID
func bind(did InjectedDID) (Value, error) {
	value := Value{name: did.VariableName, collection: did.Type == TypeCollection}
	if did.DIDAvailable != nil && !*did.DIDAvailable {
		value.pending = true
		return value, nil
	}
	if !value.collection && len(did.Files) != 1 {
		return value, &InvalidMessageError{
			Message: fmt.Sprintf("file DID %s has %d files", did.VariableName, len(did.Files)),
		}
	}
	value.files = make([]File, len(did.Files))
	for i, file := range did.Files {
		if file.Path == nil {
			// an unplaced file makes the whole DID unreadable
			return Value{name: did.VariableName, collection: value.collection, pending: true}, nil
		}
		value.files[i].Path = *file.Path
		if file.PFN != nil {
			value.files[i].PFN = *file.PFN
		}
	}
	return value, nil
}
