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
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// cached tokens expire this long before the expiry reported by the service
const tokenExpiryMargin = time.Minute

// An authentication token and the time at which the data service stops
// honoring it.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenCache holds one authentication token per instance name. Concurrent
// misses for the same instance share a single authenticator call.
type TokenCache struct {
	mu      sync.Mutex
	entries map[string]Token
	group   singleflight.Group
	// clock used to expire tokens
	Now func() time.Time
}

// Creates an empty token cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{
		entries: make(map[string]Token),
		Now:     time.Now,
	}
}

// Returns the cached token for the given instance if it has not expired.
func (c *TokenCache) Get(instance string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.entries[instance]
	if !found || !entry.ExpiresAt.After(c.Now()) {
		return "", false
	}
	return entry.Value, true
}

// Stores a token for the given instance. Its expiry is brought forward so the
// entry lapses strictly before the service's own expiry.
func (c *TokenCache) Put(instance string, token Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	token.ExpiresAt = token.ExpiresAt.Add(-tokenExpiryMargin)
	c.entries[instance] = token
}

// Removes any token cached for the given instance.
func (c *TokenCache) Invalidate(instance string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, instance)
}

// Returns a valid token for the given instance, calling authenticate on a
// miss. Callers that miss while an authentication is underway wait for its
// result instead of authenticating again.
func (c *TokenCache) Token(ctx context.Context, instance string,
	authenticate func(context.Context) (Token, error)) (string, error) {
	if token, found := c.Get(instance); found {
		return token, nil
	}
	value, err, _ := c.group.Do(instance, func() (any, error) {
		// another flight may have finished after our miss
		if token, found := c.Get(instance); found {
			return token, nil
		}
		slog.Debug("Authenticating", "instance", instance)
		// waiters share this flight, so one caller going away mustn't fail it
		token, err := authenticate(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		c.Put(instance, token)
		return token.Value, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}
