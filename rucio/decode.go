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
	"bytes"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Decodes a list of records from a response body holding a JSON array, a
// single JSON object, or newline-delimited JSON objects.
func decodeList[T any](body []byte) ([]T, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return []T{}, nil
	}
	if body[0] == '[' {
		var list []T
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, &APIError{Message: err.Error()}
		}
		if list == nil {
			list = []T{}
		}
		return list, nil
	}
	list := []T{}
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		var record T
		if err := decoder.Decode(&record); err != nil {
			return nil, &APIError{Message: err.Error()}
		}
		list = append(list, record)
	}
	return list, nil
}

// Decodes exactly one record from a response body, accepting the same forms
// as decodeList.
func decodeOne[T any](body []byte) (T, error) {
	var record T
	list, err := decodeList[T](body)
	if err != nil {
		return record, err
	}
	if len(list) == 0 {
		return record, &APIError{Message: "empty response body"}
	}
	return list[0], nil
}
