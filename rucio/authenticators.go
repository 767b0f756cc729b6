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
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rucio/jupyterlab-bridge/auth"
)

// issues the request to an authentication endpoint and extracts the token
// from the response headers
func (c *Client) requestToken(client *http.Client, req *http.Request) (Token, error) {
	var token Token
	resp, err := client.Do(req)
	if err != nil {
		return token, &AuthenticationError{Instance: c.Instance.Name, Message: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		message := resp.Header.Get("ExceptionMessage")
		if message == "" {
			message = resp.Status
		}
		return token, &AuthenticationError{Instance: c.Instance.Name, Message: message}
	}
	token.Value = resp.Header.Get("X-Rucio-Auth-Token")
	if token.Value == "" {
		return token, &AuthenticationError{
			Instance: c.Instance.Name,
			Message:  "no token in authentication response",
		}
	}
	token.ExpiresAt, err = parseTokenExpiry(resp.Header.Get("X-Rucio-Auth-Token-Expires"))
	if err != nil {
		return token, &AuthenticationError{Instance: c.Instance.Name, Message: err.Error()}
	}
	return token, nil
}

// parses the RFC 1123 (UTC) expiry header sent with authentication tokens
func parseTokenExpiry(header string) (time.Time, error) {
	if header == "" {
		return time.Time{}, fmt.Errorf("missing X-Rucio-Auth-Token-Expires header")
	}
	expires, err := time.Parse(time.RFC1123, header)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid token expiry '%s': %s", header, err)
	}
	return expires.UTC(), nil
}

// creates a request to the instance's authentication server
func (c *Client) newAuthRequest(ctx context.Context, endpoint string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/auth/%s", c.Instance.AuthURL(), endpoint), http.NoBody)
	if err != nil {
		return nil, &APIError{Message: err.Error()}
	}
	if c.Credentials.Account != "" {
		req.Header.Set("X-Rucio-Account", c.Credentials.Account)
	}
	if c.Instance.VO != "" {
		req.Header.Set("X-Rucio-VO", c.Instance.VO)
	}
	req.Header.Set("X-Rucio-AppID", appId)
	return req, nil
}

// obtains a token using the client's credentials
func (c *Client) authenticate(ctx context.Context) (Token, error) {
	switch c.Credentials.Type {
	case auth.UserPass:
		return c.authenticateUserPass(ctx)
	case auth.X509, auth.X509Proxy:
		return c.authenticateX509(ctx)
	case auth.OIDC:
		return c.authenticateOIDC(ctx)
	default:
		return Token{}, &AuthenticationError{
			Instance: c.Instance.Name,
			Message:  fmt.Sprintf("unsupported authentication type '%s'", c.Credentials.Type),
		}
	}
}

func (c *Client) authenticateUserPass(ctx context.Context) (Token, error) {
	req, err := c.newAuthRequest(ctx, "userpass")
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("X-Rucio-Username", c.Credentials.Username)
	req.Header.Set("X-Rucio-Password", c.Credentials.Password)
	return c.requestToken(&c.authClient, req)
}

// the server identifies the user by the client certificate presented on the
// TLS connection, which is configured into authClient
func (c *Client) authenticateX509(ctx context.Context) (Token, error) {
	req, err := c.newAuthRequest(ctx, "x509")
	if err != nil {
		return Token{}, err
	}
	return c.requestToken(&c.authClient, req)
}

// OIDC tokens are issued elsewhere; we check that the service accepts the
// token and use it as is
func (c *Client) authenticateOIDC(ctx context.Context) (Token, error) {
	value, err := auth.OIDCToken(c.Instance.OIDCAuth, c.Instance.OIDCEnvName, c.Instance.OIDCFileName)
	if err != nil {
		return Token{}, &AuthenticationError{Instance: c.Instance.Name, Message: err.Error()}
	}
	req, err := c.newAuthRequest(ctx, "validate")
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("X-Rucio-Auth-Token", value)
	resp, err := c.authClient.Do(req)
	if err != nil {
		return Token{}, &AuthenticationError{Instance: c.Instance.Name, Message: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Token{}, &AuthenticationError{
			Instance: c.Instance.Name,
			Message:  fmt.Sprintf("OIDC token rejected (%s)", resp.Status),
		}
	}
	token := Token{Value: value}
	token.ExpiresAt, err = auth.OIDCTokenExpiry(value)
	if err != nil {
		token.ExpiresAt, err = parseTokenExpiry(resp.Header.Get("X-Rucio-Auth-Token-Expires"))
		if err != nil {
			return token, &AuthenticationError{Instance: c.Instance.Name, Message: err.Error()}
		}
	}
	return token, nil
}
