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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/rucio/jupyterlab-bridge/auth"
	"github.com/rucio/jupyterlab-bridge/comm"
	"github.com/rucio/jupyterlab-bridge/config"
	"github.com/rucio/jupyterlab-bridge/replicas"
	"github.com/rucio/jupyterlab-bridge/rucio"
	"github.com/rucio/jupyterlab-bridge/store"
	"github.com/rucio/jupyterlab-bridge/supervisor"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status           int    `json:"-"`
	Success          bool   `json:"success"`
	Message          string `json:"error"`
	ExceptionClass   string `json:"exception_class"`
	ExceptionMessage string `json:"exception_message"`
}

func (e *ErrorResponse) Error() string {
	return e.Message
}

func (e *ErrorResponse) GetStatus() int {
	return e.Status
}

// request validation failures are reported as bad requests
func newError(status int, msg string, errs ...error) huma.StatusError {
	if status == http.StatusUnprocessableEntity {
		status = http.StatusBadRequest
	}
	details := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			details = append(details, err.Error())
		}
	}
	message := msg
	if len(details) > 0 {
		message = msg + ": " + strings.Join(details, "; ")
	}
	return &ErrorResponse{
		Status:           status,
		Message:          message,
		ExceptionClass:   http.StatusText(status),
		ExceptionMessage: message,
	}
}

func init() {
	huma.NewError = newError
}

// returns a 400 error with the given message
func badRequest(format string, args ...any) error {
	message := fmt.Sprintf(format, args...)
	return &ErrorResponse{
		Status:           http.StatusBadRequest,
		Message:          message,
		ExceptionClass:   "BadRequest",
		ExceptionMessage: message,
	}
}

// Converts an error from the bridge's packages into an ErrorResponse with the
// matching status code.
func errorResponse(err error) error {
	if err == nil {
		return nil
	}
	var response *ErrorResponse
	if errors.As(err, &response) {
		return response
	}
	response = &ErrorResponse{
		Status:           http.StatusInternalServerError,
		Message:          err.Error(),
		ExceptionClass:   typeName(err),
		ExceptionMessage: err.Error(),
	}

	var authErr *rucio.AuthenticationError
	var httpErr *rucio.HTTPError
	var transportErr *rucio.TransportError
	var noCreds *replicas.NoCredentialsError
	var notFound *config.InstanceNotFoundError
	var storeNotFound *store.NotFoundError
	var missing *auth.MissingCredentialError
	var invalid *auth.InvalidCredentialError
	var invalidMsg *comm.InvalidMessageError
	var locked *supervisor.LockedError
	switch {
	case errors.As(err, &authErr), errors.As(err, &noCreds):
		response.Status = http.StatusUnauthorized
	case errors.As(err, &httpErr):
		response.Status = httpErr.StatusCode
		if httpErr.ExceptionClass != "" {
			response.ExceptionClass = httpErr.ExceptionClass
			response.ExceptionMessage = httpErr.ExceptionMessage
		}
	case errors.As(err, &transportErr):
		response.Status = http.StatusServiceUnavailable
		response.ExceptionClass = transportErr.ExceptionClass
		response.ExceptionMessage = transportErr.ExceptionMessage
	case errors.As(err, &notFound), errors.As(err, &storeNotFound):
		response.Status = http.StatusNotFound
	case errors.As(err, &missing), errors.As(err, &invalid), errors.As(err, &invalidMsg):
		response.Status = http.StatusBadRequest
	case errors.As(err, &locked):
		response.Status = http.StatusConflict
	}
	if response.Status == http.StatusInternalServerError {
		slog.Error(err.Error())
	}
	return response
}

// returns the unqualified type name of an error
func typeName(err error) string {
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
