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

package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rucio/jupyterlab-bridge/auth"
	"github.com/rucio/jupyterlab-bridge/config"
	"github.com/rucio/jupyterlab-bridge/replicas"
)

type AuthParamsOutput struct {
	Body map[string]string `doc:"The stored credential parameters (empty if none)"`
}

// handler method for reading stored credentials
func (b *Bridge) getAuth(ctx context.Context,
	input *struct {
		NamespaceInput
		Type string `query:"type" required:"true" enum:"userpass,x509,x509_proxy,oidc" doc:"authentication type"`
	}) (*AuthParamsOutput, error) {
	if _, err := config.Instance(input.Namespace); err != nil {
		return nil, errorResponse(err)
	}
	params, found, err := b.factory.Store.GetRucioAuthCredentials(ctx, input.Namespace, input.Type)
	if err != nil {
		return nil, errorResponse(err)
	}
	if !found {
		params = map[string]string{}
	}
	return &AuthParamsOutput{Body: params}, nil
}

type AuthOutput struct {
	Body AuthResponse
}

// handler method for storing credentials and selecting the auth type
func (b *Bridge) putAuth(ctx context.Context,
	input *struct {
		Body struct {
			Namespace string            `json:"namespace" example:"atlas" doc:"the instance the credentials are for"`
			Type      string            `json:"type" enum:"userpass,x509,x509_proxy,oidc" doc:"authentication type"`
			Params    map[string]string `json:"params,omitempty" doc:"credential parameters for the type"`
		}
	}) (*AuthOutput, error) {
	namespace := input.Body.Namespace
	if _, err := config.Instance(namespace); err != nil {
		return nil, errorResponse(err)
	}
	authType, err := auth.ParseType(input.Body.Type)
	if err != nil {
		return nil, errorResponse(err)
	}
	creds, err := auth.FromParams(authType, input.Body.Params)
	if err != nil {
		return nil, errorResponse(err)
	}
	if err := creds.Validate(); err != nil {
		return nil, errorResponse(err)
	}

	output := &AuthOutput{Body: AuthResponse{Success: true}}
	var certFile string
	switch authType {
	case auth.X509:
		certFile = creds.Certificate
	case auth.X509Proxy:
		certFile = creds.Proxy
	}
	if certFile != "" {
		lifetime, err := auth.CertificateLifetime(certFile)
		if err != nil {
			return nil, errorResponse(err)
		}
		seconds := int64(lifetime.Seconds())
		output.Body.Lifetime = &seconds
	}

	if authType != auth.OIDC {
		err = b.factory.Store.SetRucioAuthCredentials(ctx, namespace, string(authType), creds.Params())
		if err != nil {
			return nil, errorResponse(err)
		}
	}
	if err := b.factory.Store.PutConfig(ctx, replicas.AuthTypeKey, string(authType)); err != nil {
		return nil, errorResponse(err)
	}
	b.factory.Tokens.Invalidate(namespace)
	slog.Info(fmt.Sprintf("Stored %s credentials for instance %s", authType, namespace))
	return output, nil
}

type OIDCAuthOutput struct {
	Body OIDCAuthResponse
}

// handler method for checking that an OIDC token is available
func (b *Bridge) checkOIDCAuth(ctx context.Context,
	input *struct {
		NamespaceInput
	}) (*OIDCAuthOutput, error) {
	instance, err := config.Instance(input.Namespace)
	if err != nil {
		return nil, errorResponse(err)
	}
	forbidden := func(err error) error {
		return &ErrorResponse{
			Status:           http.StatusForbidden,
			Message:          "OIDC authentication is not available",
			ExceptionClass:   typeName(err),
			ExceptionMessage: err.Error(),
		}
	}
	if !instance.OIDCEnabled() {
		return nil, forbidden(&auth.OIDCTokenError{
			Message: fmt.Sprintf("instance %s is not configured for OIDC", instance.Name),
		})
	}
	token, err := auth.OIDCToken(instance.OIDCAuth, instance.OIDCEnvName, instance.OIDCFileName)
	if err != nil {
		return nil, forbidden(err)
	}
	expires, err := auth.OIDCTokenExpiry(token)
	if err != nil {
		return nil, forbidden(err)
	}

	source := instance.OIDCEnvName
	if instance.OIDCAuth == "file" {
		source = instance.OIDCFileName
	}
	return &OIDCAuthOutput{
		Body: OIDCAuthResponse{
			Success:        true,
			OIDCAuth:       instance.OIDCAuth,
			OIDCAuthSource: source,
			Expires:        expires.Unix(),
		},
	}, nil
}
