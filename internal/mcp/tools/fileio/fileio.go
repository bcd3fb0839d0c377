// Package fileio provides built-in tools for reading, writing and listing
// files below a sandbox directory. Paths are relative to that directory and
// any path that would leave it is rejected.
//
// read_file returns text files as text and images or audio as binary content,
// which the relay stores as attachments.
package fileio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/toolrelay/internal/mcp/tools"
	"github.com/MrWong99/toolrelay/pkg/types"
)

const (
	// maxReadBytes caps the size of a file read_file will return.
	maxReadBytes = 4 << 20
	// maxListEntries caps list_files output.
	maxListEntries = 500
)

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Append  bool   `json:"append,omitempty"`
}

type writeResult struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
}

type pathArgs struct {
	Path string `json:"path"`
}

type entry struct {
	Path string `json:"path"`
	Dir  bool   `json:"dir,omitempty"`
	Size int64  `json:"size,omitempty"`
}

type listResult struct {
	Entries   []entry `json:"entries"`
	Truncated bool    `json:"truncated,omitempty"`
}

// sandbox resolves relative paths below base.
type sandbox struct {
	base string
}

// resolve joins rel onto the sandbox root and rejects results outside it.
func (s sandbox) resolve(rel string, allowRoot bool) (string, error) {
	if rel == "" || rel == "." {
		if allowRoot {
			return s.base, nil
		}
		return "", errors.New("fileio: path must not be empty")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("fileio: path %q must be relative", rel)
	}
	joined := filepath.Join(s.base, rel)
	r, err := filepath.Rel(s.base, joined)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("fileio: path %q escapes the sandbox", rel)
	}
	if r == "." && !allowRoot {
		return "", errors.New("fileio: path must name a file")
	}
	return joined, nil
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("fileio: parse arguments: %w", err)
	}
	return nil
}

func (s sandbox) write(ctx context.Context, raw json.RawMessage) (tools.Result, error) {
	var a writeArgs
	if err := decode(raw, &a); err != nil {
		return tools.Result{}, err
	}
	path, err := s.resolve(a.Path, false)
	if err != nil {
		return tools.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return tools.Result{}, fmt.Errorf("fileio: write_file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return tools.Result{}, fmt.Errorf("fileio: write_file: create directories: %w", err)
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if a.Append {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return tools.Result{}, fmt.Errorf("fileio: write_file: %w", err)
	}
	n, werr := f.WriteString(a.Content)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return tools.Result{}, fmt.Errorf("fileio: write_file: %w", werr)
	}
	return tools.JSON(writeResult{Path: filepath.ToSlash(a.Path), BytesWritten: n})
}

func (s sandbox) read(ctx context.Context, raw json.RawMessage) (tools.Result, error) {
	var a pathArgs
	if err := decode(raw, &a); err != nil {
		return tools.Result{}, err
	}
	path, err := s.resolve(a.Path, false)
	if err != nil {
		return tools.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return tools.Result{}, fmt.Errorf("fileio: read_file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return tools.Result{}, fmt.Errorf("fileio: read_file: %w", err)
	}
	if info.IsDir() {
		return tools.Result{}, fmt.Errorf("fileio: read_file: %q is a directory", a.Path)
	}
	if info.Size() > maxReadBytes {
		return tools.Result{}, fmt.Errorf("fileio: read_file: %q is %d bytes, limit is %d", a.Path, info.Size(), maxReadBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return tools.Result{}, fmt.Errorf("fileio: read_file: %w", err)
	}

	mt := contentType(path, data)
	if strings.HasPrefix(mt, "image/") || strings.HasPrefix(mt, "audio/") {
		return tools.Result{Blobs: []tools.Blob{{MIMEType: mt, Data: data}}}, nil
	}
	return tools.Text(string(data)), nil
}

// contentType prefers the extension and falls back to sniffing.
func contentType(path string, data []byte) string {
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		mt, _, _ = strings.Cut(mt, ";")
		return mt
	}
	mt, _, _ := strings.Cut(http.DetectContentType(data), ";")
	return mt
}

func (s sandbox) list(ctx context.Context, raw json.RawMessage) (tools.Result, error) {
	var a pathArgs
	if err := decode(raw, &a); err != nil {
		return tools.Result{}, err
	}
	root, err := s.resolve(a.Path, true)
	if err != nil {
		return tools.Result{}, err
	}
	out := listResult{Entries: []entry{}}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(out.Entries) == maxListEntries {
			out.Truncated = true
			return fs.SkipAll
		}
		rel, _ := filepath.Rel(s.base, p)
		e := entry{Path: filepath.ToSlash(rel), Dir: d.IsDir()}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				e.Size = info.Size()
			}
		}
		out.Entries = append(out.Entries, e)
		return nil
	})
	if err != nil {
		return tools.Result{}, fmt.Errorf("fileio: list_files: %w", err)
	}
	return tools.JSON(out)
}

// NewTools returns write_file, read_file and list_files confined to baseDir,
// which must exist.
func NewTools(baseDir string) ([]tools.Tool, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("fileio: resolve %q: %w", baseDir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("fileio: sandbox: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("fileio: sandbox %q is not a directory", abs)
	}
	s := sandbox{base: abs}

	pathProp := map[string]any{
		"type":        "string",
		"description": "Path relative to the sandbox root, e.g. notes/today.md. Must not contain '..' components.",
	}
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "write_file",
				Description: "Write text to a file in the sandbox, creating parent directories. Replaces the file unless append is true.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    pathProp,
						"content": map[string]any{"type": "string", "description": "Text to write."},
						"append":  map[string]any{"type": "boolean", "description": "Append instead of replacing."},
					},
					"required": []string{"path", "content"},
				},
			},
			Handler: s.write,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "read_file",
				Description: "Read a file from the sandbox. Text files are returned as text; images and audio are returned as binary content. Files over 4 MiB are rejected.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"path": pathProp},
					"required":   []string{"path"},
				},
			},
			Handler: s.read,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "list_files",
				Description: "List files and directories below a sandbox directory, recursively. Omit path to list the whole sandbox.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"path": pathProp},
				},
			},
			Handler: s.list,
		},
	}, nil
}
