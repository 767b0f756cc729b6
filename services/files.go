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
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"

	"github.com/rucio/jupyterlab-bridge/config"
)

type FileBrowserOutput struct {
	Body []FileEntry `doc:"Directories, then files, in the given directory"`
}

// handler method for listing a directory below the file browser root
func (b *Bridge) browseFiles(ctx context.Context,
	input *struct {
		Path string `query:"path" example:"notebooks/data" doc:"directory relative to the browser root (empty for the root)"`
	}) (*FileBrowserOutput, error) {
	dir := browserPath(input.Path)
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return nil, &ErrorResponse{
			Status:           http.StatusNotFound,
			Message:          "Directory not found: " + input.Path,
			ExceptionClass:   "FileNotFoundError",
			ExceptionMessage: input.Path,
		}
	} else if err != nil {
		return nil, errorResponse(err)
	}
	entries, err := listDirectory(dir)
	if err != nil {
		return nil, errorResponse(err)
	}
	return &FileBrowserOutput{Body: entries}, nil
}

// resolves a user-supplied path below the file browser root
func browserPath(path string) string {
	return filepath.Join(config.Service.FileBrowserRoot, filepath.Clean("/"+path))
}

// lists the visible entries of a directory, directories first, each group
// sorted by name
func listDirectory(dir string) ([]FileEntry, error) {
	dirents, err := godirwalk.ReadDirents(dir, nil)
	if err != nil {
		return nil, err
	}
	entries := make([]FileEntry, 0, len(dirents))
	for _, dirent := range dirents {
		name := dirent.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		entry := FileEntry{Type: "file", Name: name, Path: filepath.Join(dir, name)}
		if isDir, err := dirent.IsDirOrSymlinkToDir(); err == nil && isDir {
			entry.Type = "dir"
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type == "dir"
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}
