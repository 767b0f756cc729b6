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
	"os"
	"path/filepath"
)

// A stand-in for the data service's command-line client. "rucio download"
// creates <dir>/<scope>/<name> and copies rucio.cfg and the X.509 environment
// next to it; DIDs containing "fail" fail and those containing "slow" take
// two seconds. "rucio upload" echoes its arguments.
const FakeRucioCLI = `#!/bin/sh
mode="$1"; shift
case "$mode" in
download)
  dir=""; did=""
  while [ $# -gt 0 ]; do
    case "$1" in
      --dir) dir="$2"; shift 2 ;;
      *) did="$1"; shift ;;
    esac
  done
  case "$did" in *slow*) sleep 2 ;; esac
  case "$did" in *fail*) echo "ERROR: no replica found for $did" >&2; exit 1 ;; esac
  cp "$RUCIO_HOME/etc/rucio.cfg" "$dir/rucio.cfg.seen"
  env | grep -e '^X509_' -e '^SITE_NAME' | sort > "$dir/env.seen"
  if [ -n "$X509_USER_CERT" ]; then stat -c %a "$X509_USER_CERT" > "$dir/mode.seen"; fi
  scope="${did%%:*}"; name="${did#*:}"
  mkdir -p "$dir/$scope"
  echo "data" > "$dir/$scope/$name"
  ;;
upload)
  echo "uploading $*"
  case "$*" in *fail*) echo "ERROR: upload failed"; exit 1 ;; esac
  ;;
esac
`

// A stand-in for voms-proxy-init that records its arguments in
// $PROXY_ARGS_FILE.
const FakeProxyInit = `#!/bin/sh
out=""
args="$*"
while [ $# -gt 0 ]; do
  case "$1" in
    -out) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
echo "$args" > "$PROXY_ARGS_FILE"
echo "proxy" > "$out"
`

// A proxy generator that always fails.
const FailingProxyInit = `#!/bin/sh
echo "Error: can't read key" >&2
exit 1
`

// Writes an executable script with the given content into dir.
func WriteScript(dir, name, content string) (string, error) {
	path := filepath.Join(dir, name)
	return path, os.WriteFile(path, []byte(content), 0755)
}
