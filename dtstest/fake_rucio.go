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

package dtstest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	pathpkg "path"
	"strings"
	"sync"
	"time"
)

// FakeRucio is an in-process stand-in for the data service's REST API. It
// serves the endpoints the bridge uses, issues auth tokens, and counts the
// requests it receives.
type FakeRucio struct {
	Server *httptest.Server

	mu sync.Mutex
	// scopes returned by GET /scopes/
	Scopes []string
	// records returned by GET /rses
	RSEs []map[string]any
	// records returned by GET /dids/<scope>/dids/search, keyed by scope
	Search map[string][]map[string]any
	// records returned by GET /dids/<s>/<n>/files, keyed by DID
	Files map[string][]map[string]any
	// records returned by GET /dids/<s>/<n>/parents, keyed by DID
	Parents map[string][]map[string]any
	// records returned by GET /dids/<s>/<n>/meta, keyed by DID
	Meta map[string]map[string]any
	// records returned by GET /replicas/<s>/<n>, keyed by DID
	Replicas map[string][]map[string]any
	// records returned by GET /dids/<s>/<n>/rules, keyed by DID
	Rules map[string][]map[string]any
	// rule bodies received by POST /rules/
	AddedRules []map[string]any
	// lifetime of issued tokens
	TokenLifetime time.Duration
	// delay applied to every non-auth request
	Delay time.Duration
	// forced response statuses, keyed by request path
	Failures map[string]int
	// when true, list endpoints answer with JSON arrays instead of NDJSON
	PlainJSON bool

	tokens    map[string]bool
	numTokens int
	hits      map[string]int
	queries   map[string]url.Values
	authCalls int
}

// Creates and starts a fake data service. Call Close when finished.
func NewFakeRucio() *FakeRucio {
	f := &FakeRucio{
		Search:        make(map[string][]map[string]any),
		Files:         make(map[string][]map[string]any),
		Parents:       make(map[string][]map[string]any),
		Meta:          make(map[string]map[string]any),
		Replicas:      make(map[string][]map[string]any),
		Rules:         make(map[string][]map[string]any),
		Failures:      make(map[string]int),
		TokenLifetime: time.Hour,
		tokens:        make(map[string]bool),
		hits:          make(map[string]int),
		queries:       make(map[string]url.Values),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	return f
}

// Returns the base URL of the fake data service.
func (f *FakeRucio) URL() string {
	return f.Server.URL
}

// Shuts the fake data service down.
func (f *FakeRucio) Close() {
	f.Server.Close()
}

// Returns the number of requests received for the given path.
func (f *FakeRucio) Hits(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

// Returns the query parameters of the most recent request for the given path.
func (f *FakeRucio) Query(path string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[path]
}

// Returns the number of tokens issued so far.
func (f *FakeRucio) AuthCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

// Invalidates every issued token.
func (f *FakeRucio) RevokeTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = make(map[string]bool)
}

// Runs fn while holding the fake's lock, for safe modification of its data.
func (f *FakeRucio) Update(fn func(f *FakeRucio)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// Creates a replica record as returned by GET /replicas/<s>/<n>. If pfn is
// empty, the record has no replica at the given RSE.
func ReplicaRecord(did string, size int64, rse, pfn, state string) map[string]any {
	scope, name, _ := strings.Cut(did, ":")
	record := map[string]any{
		"scope":  scope,
		"name":   name,
		"bytes":  size,
		"rses":   map[string]any{},
		"states": map[string]any{},
	}
	if pfn != "" {
		record["rses"] = map[string]any{rse: []string{pfn}}
		record["states"] = map[string]any{rse: state}
	}
	return record
}

// Creates a file record as returned by GET /dids/<s>/<n>/files.
func FileRecord(did string, size int64) map[string]any {
	scope, name, _ := strings.Cut(did, ":")
	return map[string]any{"scope": scope, "name": name, "bytes": size, "type": "FILE"}
}

//-----------
// Internals
//-----------

func (f *FakeRucio) serve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.EscapedPath()
	f.mu.Lock()
	f.hits[path]++
	f.queries[path] = r.URL.Query()
	status, fail := f.Failures[path]
	delay := f.Delay
	f.mu.Unlock()

	if strings.HasPrefix(path, "/auth/") {
		f.serveAuth(w, r, path)
		return
	}

	if delay > 0 {
		time.Sleep(delay)
	}
	if !f.validToken(r.Header.Get("X-Rucio-Auth-Token")) {
		writeException(w, http.StatusUnauthorized, "CannotAuthenticate", "Cannot authenticate with given credentials")
		return
	}
	if fail {
		writeException(w, status, "RucioException", fmt.Sprintf("forced failure (%d)", status))
		return
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i := range segments {
		segments[i], _ = url.PathUnescape(segments[i])
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodGet && segments[0] == "scopes":
		writeJSON(w, f.Scopes)
	case r.Method == http.MethodGet && segments[0] == "rses":
		f.writeRecords(w, f.RSEs)
	case r.Method == http.MethodGet && segments[0] == "accounts" && len(segments) == 2:
		writeJSON(w, map[string]any{"account": "jdoe", "status": "ACTIVE"})
	case r.Method == http.MethodGet && segments[0] == "dids" && len(segments) == 4 &&
		segments[2] == "dids" && segments[3] == "search":
		pattern := r.URL.Query().Get("name")
		var matches []map[string]any
		for _, record := range f.Search[segments[1]] {
			name, _ := record["name"].(string)
			if matched, _ := pathpkg.Match(pattern, name); pattern == "" || matched {
				matches = append(matches, record)
			}
		}
		f.writeRecords(w, matches)
	case r.Method == http.MethodGet && segments[0] == "dids" && len(segments) == 4:
		did := segments[1] + ":" + segments[2]
		switch segments[3] {
		case "files":
			f.writeRecordsOrNotFound(w, f.Files, did)
		case "parents":
			f.writeRecords(w, f.Parents[did])
		case "rules":
			f.writeRecords(w, f.Rules[did])
		case "meta":
			if meta, found := f.Meta[did]; found {
				writeJSON(w, meta)
			} else {
				writeException(w, http.StatusNotFound, "DataIdentifierNotFound", "no such DID")
			}
		default:
			http.NotFound(w, r)
		}
	case r.Method == http.MethodGet && segments[0] == "replicas" && len(segments) == 3:
		f.writeRecordsOrNotFound(w, f.Replicas, segments[1]+":"+segments[2])
	case r.Method == http.MethodGet && segments[0] == "rules" && len(segments) == 2:
		for _, rules := range f.Rules {
			for _, rule := range rules {
				if rule["id"] == segments[1] {
					writeJSON(w, rule)
					return
				}
			}
		}
		writeException(w, http.StatusNotFound, "RuleNotFound", "no such rule")
	case r.Method == http.MethodPost && segments[0] == "rules":
		body, _ := io.ReadAll(r.Body)
		var rule map[string]any
		if err := json.Unmarshal(body, &rule); err != nil {
			writeException(w, http.StatusBadRequest, "InvalidObject", err.Error())
			return
		}
		f.AddedRules = append(f.AddedRules, rule)
		ruleId := fmt.Sprintf("rule-%d", len(f.AddedRules))
		if dids, ok := rule["dids"].([]any); ok {
			for _, d := range dids {
				did := d.(map[string]any)
				key := fmt.Sprintf("%s:%s", did["scope"], did["name"])
				f.Rules[key] = append(f.Rules[key], map[string]any{
					"id":             ruleId,
					"state":          "REPLICATING",
					"rse_expression": rule["rse_expression"],
					"expires_at":     nil,
				})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode([]string{ruleId})
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeRucio) serveAuth(w http.ResponseWriter, r *http.Request, path string) {
	switch path {
	case "/auth/userpass":
		if r.Header.Get("X-Rucio-Username") == "" || r.Header.Get("X-Rucio-Password") == "wrong" {
			writeException(w, http.StatusUnauthorized, "CannotAuthenticate", "Cannot authenticate with given credentials")
			return
		}
	case "/auth/x509", "/auth/x509_proxy":
	case "/auth/validate":
		// accepts issued tokens and anything shaped like a JWT
		if !f.validToken(r.Header.Get("X-Rucio-Auth-Token")) && strings.Count(r.Header.Get("X-Rucio-Auth-Token"), ".") != 2 {
			writeException(w, http.StatusUnauthorized, "CannotAuthenticate", "Cannot authenticate with given credentials")
			return
		}
		f.mu.Lock()
		f.tokens[r.Header.Get("X-Rucio-Auth-Token")] = true
		f.authCalls++
		f.mu.Unlock()
		writeJSON(w, map[string]any{"account": "jdoe"})
		return
	default:
		http.NotFound(w, r)
		return
	}
	f.mu.Lock()
	f.numTokens++
	f.authCalls++
	token := fmt.Sprintf("token-%d", f.numTokens)
	f.tokens[token] = true
	expires := time.Now().Add(f.TokenLifetime).UTC().Format(http.TimeFormat)
	f.mu.Unlock()

	w.Header().Set("X-Rucio-Auth-Token", token)
	w.Header().Set("X-Rucio-Auth-Token-Expires", expires)
	w.WriteHeader(http.StatusOK)
}

func (f *FakeRucio) validToken(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[token]
}

// writes records as NDJSON (or a JSON array if PlainJSON is set)
func (f *FakeRucio) writeRecords(w http.ResponseWriter, records []map[string]any) {
	if f.PlainJSON {
		if records == nil {
			records = []map[string]any{}
		}
		writeJSON(w, records)
		return
	}
	w.Header().Set("Content-Type", "application/x-json-stream")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, record := range records {
		enc.Encode(record)
	}
}

func (f *FakeRucio) writeRecordsOrNotFound(w http.ResponseWriter, table map[string][]map[string]any, did string) {
	records, found := table[did]
	if !found {
		writeException(w, http.StatusNotFound, "DataIdentifierNotFound", fmt.Sprintf("Data identifier '%s' not found", did))
		return
	}
	f.writeRecords(w, records)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func writeException(w http.ResponseWriter, status int, class, message string) {
	w.Header().Set("ExceptionClass", class)
	w.Header().Set("ExceptionMessage", message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"ExceptionClass": class, "ExceptionMessage": message})
}
