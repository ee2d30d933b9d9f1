// Package fsstore provides small JSON-on-disk persistence helpers with
// atomic writes.
package fsstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrDecodeFailed = errors.New("fsstore: decode failed")
	ErrEncodeFailed = errors.New("fsstore: encode failed")
)

// FileOptions control permissions for written files and any parent
// directories created along the way.
type FileOptions struct {
	FileMode os.FileMode
	DirMode  os.FileMode
}

func normalizeFileOptions(opts FileOptions) FileOptions {
	if opts.FileMode == 0 {
		opts.FileMode = 0o600
	}
	if opts.DirMode == 0 {
		opts.DirMode = 0o700
	}
	return opts
}

func normalizePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("fsstore: empty path")
	}
	return filepath.Clean(path), nil
}

// EnsureDir creates the directory (and parents) when missing.
func EnsureDir(path string, mode os.FileMode) error {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o700
	}
	if err := os.MkdirAll(normalizedPath, mode); err != nil {
		return fmt.Errorf("ensure dir %s: %w", normalizedPath, err)
	}
	return nil
}

// ReadJSON decodes the JSON file at path into out. A missing or empty
// file reports found=false without an error.
func ReadJSON(path string, out any) (bool, error) {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(normalizedPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read json %s: %w", normalizedPath, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrDecodeFailed, normalizedPath, err)
	}
	return true, nil
}

// WriteJSONAtomic writes v as indented JSON through a same-directory
// temp file followed by a rename, so readers never observe a partial
// file.
func WriteJSONAtomic(path string, v any, opts FileOptions) error {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrEncodeFailed, normalizedPath, err)
	}
	data = append(data, '\n')
	return writeAtomic(normalizedPath, data, opts)
}

func writeAtomic(path string, data []byte, opts FileOptions) error {
	opts = normalizeFileOptions(opts)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, opts.DirMode); err != nil {
		return fmt.Errorf("ensure dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, opts.FileMode); err != nil {
		return fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp to %s: %w", path, err)
	}
	return nil
}
