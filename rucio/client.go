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

// Package rucio is a typed client for the data service's REST API.
package rucio

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rucio/jupyterlab-bridge/auth"
	"github.com/rucio/jupyterlab-bridge/config"
)

// identifies the bridge to the data service
const appId = "rucio-jupyterlab"

// Client talks to the data service of one instance on behalf of one set of
// credentials. Tokens are shared through a TokenCache keyed by instance name.
type Client struct {
	Instance    config.InstanceConfig
	Credentials auth.Credentials
	tokens      *TokenCache
	// client for API requests
	client http.Client
	// client for authentication requests (presents certificates if needed)
	authClient http.Client
}

// Creates a client for the given instance and credentials. The timeout
// applies to each request.
func NewClient(instance config.InstanceConfig, creds auth.Credentials,
	tokens *TokenCache, timeout time.Duration) (*Client, error) {
	apiTLS, err := tlsConfig(instance.RucioCACert, nil)
	if err != nil {
		return nil, err
	}
	authTLS := apiTLS
	if creds.Type == auth.X509 || creds.Type == auth.X509Proxy {
		pair, err := auth.KeyPair(creds)
		if err != nil {
			return nil, err
		}
		authTLS, err = tlsConfig(instance.RucioCACert, &pair)
		if err != nil {
			return nil, err
		}
	}
	return &Client{
		Instance:    instance,
		Credentials: creds,
		tokens:      tokens,
		client:      SecureHttpClient(timeout, apiTLS),
		authClient:  SecureHttpClient(timeout, authTLS),
	}, nil
}

// A DID as returned by searches and parent listings
type DID struct {
	Scope  string `json:"scope"`
	Name   string `json:"name"`
	Type   string `json:"did_type"`
	Bytes  int64  `json:"bytes"`
	Length int64  `json:"length"`
}

// A file attached to a DID
type File struct {
	Scope string `json:"scope"`
	Name  string `json:"name"`
	Bytes int64  `json:"bytes"`
}

// The replicas of one file: RSE name to PFNs, and RSE name to replica state
type Replica struct {
	Scope  string              `json:"scope"`
	Name   string              `json:"name"`
	Bytes  int64               `json:"bytes"`
	RSEs   map[string][]string `json:"rses"`
	States map[string]string   `json:"states"`
}

// A replication rule
type Rule struct {
	Id            string  `json:"id"`
	State         string  `json:"state"`
	RSEExpression string  `json:"rse_expression"`
	ExpiresAt     *string `json:"expires_at"`
}

// identifies a DID in a rule request
type DIDRef struct {
	Scope string `json:"scope"`
	Name  string `json:"name"`
}

// A request for a new replication rule
type RuleRequest struct {
	DIDs          []DIDRef `json:"dids"`
	Account       string   `json:"account,omitempty"`
	Copies        int      `json:"copies"`
	RSEExpression string   `json:"rse_expression"`
	// lifetime in seconds, nil for no expiry
	Lifetime *int `json:"lifetime,omitempty"`
}

// Splits a DID "scope:name" into its scope and name.
func SplitDID(did string) (scope, name string, err error) {
	scope, name, found := strings.Cut(did, ":")
	if !found || scope == "" || name == "" {
		return "", "", &APIError{Message: fmt.Sprintf("invalid DID '%s'", did)}
	}
	return scope, name, nil
}

// Returns the names of all scopes.
func (c *Client) ListScopes(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, "/scopes/", nil)
	if err != nil {
		return nil, err
	}
	return decodeList[string](body)
}

// Returns the RSEs matching the given expression (all RSEs if empty).
func (c *Client) ListRSEs(ctx context.Context, expression string) ([]map[string]any, error) {
	query := url.Values{}
	if expression != "" {
		query.Set("expression", expression)
	}
	body, err := c.get(ctx, "/rses", query)
	if err != nil {
		return nil, err
	}
	return decodeList[map[string]any](body)
}

// Searches a scope for DIDs of the given type whose names match the given
// (possibly wildcarded) name. Filters, if given, are passed through as is. A
// positive limit caps the number of results.
func (c *Client) SearchDIDs(ctx context.Context, scope, name, didType, filters string,
	limit int) ([]DID, error) {
	query := url.Values{}
	query.Set("type", didType)
	query.Set("long", "1")
	query.Set("name", name)
	if filters != "" {
		query.Set("filters", filters)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	body, err := c.get(ctx, fmt.Sprintf("/dids/%s/dids/search", url.PathEscape(scope)), query)
	if err != nil {
		return nil, err
	}
	dids, err := decodeList[DID](body)
	if err == nil && limit > 0 && len(dids) > limit {
		dids = dids[:limit]
	}
	return dids, err
}

// Returns the files attached (directly or not) to the given DID.
func (c *Client) ListFiles(ctx context.Context, scope, name string) ([]File, error) {
	body, err := c.get(ctx, didPath(scope, name, "files"), nil)
	if err != nil {
		return nil, err
	}
	return decodeList[File](body)
}

// Returns the collections the given DID is attached to.
func (c *Client) ListParents(ctx context.Context, scope, name string) ([]DID, error) {
	body, err := c.get(ctx, didPath(scope, name, "parents"), nil)
	if err != nil {
		return nil, err
	}
	return decodeList[DID](body)
}

// Returns the replication rules of the given DID.
func (c *Client) ListRules(ctx context.Context, scope, name string) ([]Rule, error) {
	body, err := c.get(ctx, didPath(scope, name, "rules"), nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Rule](body)
}

// Returns the metadata of the given DID.
func (c *Client) GetMetadata(ctx context.Context, scope, name string) (map[string]any, error) {
	body, err := c.get(ctx, didPath(scope, name, "meta"), nil)
	if err != nil {
		return nil, err
	}
	return decodeOne[map[string]any](body)
}

// Returns the replicas of every file attached to the given DID.
func (c *Client) ListReplicas(ctx context.Context, scope, name string) ([]Replica, error) {
	body, err := c.get(ctx, fmt.Sprintf("/replicas/%s/%s", url.PathEscape(scope), url.PathEscape(name)), nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Replica](body)
}

// Returns the replication rule with the given ID.
func (c *Client) GetRule(ctx context.Context, ruleId string) (Rule, error) {
	body, err := c.get(ctx, "/rules/"+url.PathEscape(ruleId), nil)
	if err != nil {
		return Rule{}, err
	}
	return decodeOne[Rule](body)
}

// Requests a new replication rule, returning the IDs of the created rules.
func (c *Client) AddRule(ctx context.Context, request RuleRequest) ([]string, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, &APIError{Message: err.Error()}
	}
	body, err := c.do(ctx, http.MethodPost, "/rules/", nil, payload)
	if err != nil {
		return nil, err
	}
	return decodeList[string](body)
}

// Returns the account the client's credentials map to.
func (c *Client) WhoAmI(ctx context.Context) (map[string]any, error) {
	body, err := c.get(ctx, "/accounts/whoami", nil)
	if err != nil {
		return nil, err
	}
	return decodeOne[map[string]any](body)
}

// Discards any cached token for this client's instance.
func (c *Client) InvalidateToken() {
	c.tokens.Invalidate(c.Instance.Name)
}

//-----------
// Internals
//-----------

func didPath(scope, name, resource string) string {
	return fmt.Sprintf("/dids/%s/%s/%s", url.PathEscape(scope), url.PathEscape(name), resource)
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, query, nil)
}

// performs an authenticated request and returns the response body, mapping
// every failure onto the client's error types
func (c *Client) do(ctx context.Context, method, path string, query url.Values,
	payload []byte) ([]byte, error) {
	token, err := c.tokens.Token(ctx, c.Instance.Name, c.authenticate)
	if err != nil {
		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			return nil, err
		}
		return nil, &AuthenticationError{Instance: c.Instance.Name, Message: err.Error()}
	}

	resource := strings.TrimSuffix(c.Instance.RucioBaseURL, "/") + path
	if len(query) > 0 {
		resource += "?" + query.Encode()
	}
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, resource, body)
	if err != nil {
		return nil, &APIError{Message: err.Error()}
	}
	req.Header.Set("X-Rucio-Auth-Token", token)
	req.Header.Set("X-Rucio-AppID", appId)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	slog.Debug(fmt.Sprintf("%s %s", method, resource))
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode >= 400 {
		return nil, c.responseError(resp, respBody)
	}
	return respBody, nil
}

// interprets an error response
func (c *Client) responseError(resp *http.Response, body []byte) error {
	class := resp.Header.Get("ExceptionClass")
	message := resp.Header.Get("ExceptionMessage")
	if class == "" || message == "" {
		// some deployments only report exceptions in the body
		var exception struct {
			ExceptionClass   string `json:"ExceptionClass"`
			ExceptionMessage string `json:"ExceptionMessage"`
		}
		if json.Unmarshal(body, &exception) == nil {
			if class == "" {
				class = exception.ExceptionClass
			}
			if message == "" {
				message = exception.ExceptionMessage
			}
		}
	}
	if resp.StatusCode == http.StatusUnauthorized ||
		class == "CannotAuthenticate" || class == "CannotAuthorize" {
		c.InvalidateToken()
		if message == "" {
			message = resp.Status
		}
		return &AuthenticationError{Instance: c.Instance.Name, Message: message}
	}
	reason := http.StatusText(resp.StatusCode)
	if class == "" {
		class = strings.ReplaceAll(reason, " ", "")
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	return &HTTPError{
		StatusCode:       resp.StatusCode,
		Reason:           reason,
		ExceptionClass:   class,
		ExceptionMessage: message,
	}
}

// wraps a failure to obtain a response
func transportError(err error) error {
	var redirectErr *DowngradedRedirectError
	if errors.As(err, &redirectErr) {
		return redirectErr
	}
	class := fmt.Sprintf("%T", errors.Unwrap(err))
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		class = "Timeout"
	} else if errors.Is(err, context.Canceled) {
		class = "Canceled"
	} else if errors.Unwrap(err) == nil {
		class = fmt.Sprintf("%T", err)
	}
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		class = "CertificateVerificationError"
	}
	return &TransportError{ExceptionClass: class, ExceptionMessage: err.Error()}
}
