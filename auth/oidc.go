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

package auth

import (
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Reads an OIDC access token from the given source: "env" reads the named
// environment variable, "file" reads the named file.
func OIDCToken(source, envName, fileName string) (string, error) {
	var token string
	switch source {
	case "env":
		token = os.Getenv(envName)
		if token == "" {
			return "", &OIDCTokenError{Source: source, Message: envName + " is not set"}
		}
	case "file":
		data, err := os.ReadFile(fileName)
		if err != nil {
			return "", &OIDCTokenError{Source: source, Message: err.Error()}
		}
		token = string(data)
	default:
		return "", &OIDCTokenError{Source: source, Message: "unknown token source"}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", &OIDCTokenError{Source: source, Message: "empty token"}
	}
	return token, nil
}

// Returns the expiry time carried by the given JWT's exp claim. The token's
// signature is not verified; the data service does that.
func OIDCTokenExpiry(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil {
		return time.Time{}, &OIDCTokenError{Source: "jwt", Message: err.Error()}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, &OIDCTokenError{Source: "jwt", Message: "token has no exp claim"}
	}
	return claims.ExpiresAt.Time, nil
}
