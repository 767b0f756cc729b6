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

package replicas

import (
	"net/url"
	"path/filepath"
	"strings"
)

// Translates a PFN at the destination RSE into a path under the RSE's local
// mount point. The first pathBeginsAt segments of the PFN's URL path are
// dropped; if there are fewer, only the last segment is kept.
func TranslatePFN(pfn, mountPath string, pathBeginsAt int) (string, error) {
	u, err := url.Parse(pfn)
	if err != nil {
		return "", err
	}
	path := strings.Trim(u.Path, "/")
	if pathBeginsAt > 0 {
		segments := strings.SplitN(path, "/", pathBeginsAt+1)
		path = segments[len(segments)-1]
	}
	return filepath.Join(mountPath, path), nil
}
