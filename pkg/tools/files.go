package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Built-in tool names.
const (
	ToolReadFile  = "read_file"
	ToolListFiles = "list_files"
)

const (
	defaultReadLines  = 2000
	maxLineLength     = 2000
	defaultMaxBytes   = 1 << 20
	defaultMaxResults = 500
)

// ErrOutsideWorkspace rejects paths that resolve outside the workspace root.
var ErrOutsideWorkspace = errors.New("path escapes the workspace")

// resolve joins a workspace-relative path onto root, rejecting absolute paths and escapes.
func resolve(root, rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s is absolute", ErrOutsideWorkspace, rel)
	}
	full := filepath.Join(root, filepath.Clean(rel))
	back, err := filepath.Rel(root, full)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, rel)
	}
	return full, nil
}

func intArg(args map[string]string, key string, def int) int {
	n, err := strconv.Atoi(args[key])
	if err != nil || n < 1 {
		return def
	}
	return n
}

// ReadFile returns numbered lines of a workspace file.
type ReadFile struct {
	root     string
	maxBytes int
}

// NewReadFile creates a read_file tool rooted at root.
func NewReadFile(root string, maxBytes int) *ReadFile {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &ReadFile{root: filepath.Clean(root), maxBytes: maxBytes}
}

// Name returns read_file.
func (t *ReadFile) Name() string { return ToolReadFile }

// Description documents the arguments.
func (t *ReadFile) Description() string {
	return "Read a workspace file. Args: path (required), offset (1-based line), limit (lines)."
}

// Exec reads args["path"] from offset for limit lines, truncating long lines and the total output.
func (t *ReadFile) Exec(ctx context.Context, args map[string]string) (string, error) {
	path := args["path"]
	if path == "" {
		return "", errors.New("path is required")
	}
	full, err := resolve(t.root, path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(full)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	offset := intArg(args, "offset", 1)
	limit := intArg(args, "limit", defaultReadLines)

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for n := 1; scanner.Scan(); n++ {
		if n < offset {
			continue
		}
		if n >= offset+limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line := scanner.Text()
		if len(line) > maxLineLength {
			line = line[:maxLineLength] + "..."
		}
		fmt.Fprintf(&b, "%6d\t%s\n", n, line)
		if b.Len() > t.maxBytes {
			return b.String()[:t.maxBytes] + "\n[truncated]", nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return b.String(), nil
}

// ListFiles lists workspace files below a directory, optionally matching a glob on the base name.
type ListFiles struct {
	root       string
	maxResults int
}

// NewListFiles creates a list_files tool rooted at root.
func NewListFiles(root string, maxResults int) *ListFiles {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	return &ListFiles{root: filepath.Clean(root), maxResults: maxResults}
}

// Name returns list_files.
func (t *ListFiles) Name() string { return ToolListFiles }

// Description documents the arguments.
func (t *ListFiles) Description() string {
	return "List workspace files. Args: dir (default root), pattern (glob on file name)."
}

// Exec walks args["dir"], skipping hidden directories, and returns one slash path per line.
func (t *ListFiles) Exec(ctx context.Context, args map[string]string) (string, error) {
	dir, err := resolve(t.root, args["dir"])
	if err != nil {
		return "", err
	}
	pattern := args["pattern"]
	if pattern != "" {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return "", fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
	}

	var out []string
	truncated := false
	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, d.Name()); !ok {
				return nil
			}
		}
		if len(out) == t.maxResults {
			truncated = true
			return filepath.SkipAll
		}
		rel, err := filepath.Rel(t.root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if walkErr != nil {
		return "", fmt.Errorf("list %s: %w", args["dir"], walkErr)
	}
	result := strings.Join(out, "\n")
	if truncated {
		result += fmt.Sprintf("\n[truncated at %d files]", t.maxResults)
	}
	return result, nil
}

// Builtins returns the built-in tools for a workspace.
func Builtins(root string) []Tool {
	return []Tool{NewReadFile(root, 0), NewListFiles(root, 0)}
}
