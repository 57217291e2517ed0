package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/depot-sh/depot/protocol"
)

// sandbox constrains remote wire paths to descendants of the share root.
// Checks run before any filesystem I/O on the requested path.
type sandbox struct {
	root    string
	enabled bool
}

func newSandbox(root string, enabled bool) (*sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &protocol.Error{Code: protocol.EcConfig, Cause: err}
	}
	return &sandbox{root: abs, enabled: enabled}, nil
}

// resolve maps a forward-slash wire path onto the local filesystem. In
// sandbox mode absolute paths and any `..` segment are rejected before the
// join, and the canonical result must remain a descendant of the root.
func (sb *sandbox) resolve(wirePath string) (string, error) {
	if wirePath == "" {
		return "", &protocol.Error{Code: protocol.EcBadPath}
	}
	if !sb.enabled {
		if strings.HasPrefix(wirePath, "/") {
			return filepath.Clean(filepath.FromSlash(wirePath)), nil
		}
		return filepath.Join(sb.root, filepath.FromSlash(wirePath)), nil
	}
	if strings.HasPrefix(wirePath, "/") {
		return "", &protocol.Error{Code: protocol.EcAbsolute, Path: wirePath}
	}
	for _, seg := range strings.Split(wirePath, "/") {
		if seg == ".." {
			return "", &protocol.Error{Code: protocol.EcUnsafePath, Path: wirePath}
		}
	}
	resolved := filepath.Join(sb.root, filepath.FromSlash(wirePath))
	if !sb.contains(resolved) {
		return "", &protocol.Error{Code: protocol.EcUnsafePath, Path: wirePath}
	}
	if err := sb.rejectSymlinkPrefix(resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

// contains verifies descendant-ship after canonicalizing both sides as far
// as the filesystem allows (the leaf may not exist yet).
func (sb *sandbox) contains(resolved string) bool {
	rootCanon, err := filepath.EvalSymlinks(sb.root)
	if err != nil {
		rootCanon = sb.root
	}
	rel, err := filepath.Rel(rootCanon, resolved)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return true
	}
	rel, err = filepath.Rel(sb.root, resolved)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// rejectSymlinkPrefix walks the components between the root and the target's
// parent; an existing symlink anywhere on the way is an escape hatch and is
// refused.
func (sb *sandbox) rejectSymlinkPrefix(resolved string) error {
	if resolved == sb.root {
		return nil
	}
	rel, err := filepath.Rel(sb.root, filepath.Dir(resolved))
	if err != nil {
		return &protocol.Error{Code: protocol.EcBadPath, Cause: err}
	}
	if rel == "." {
		return nil
	}
	prefix := sb.root
	for _, comp := range strings.Split(rel, string(filepath.Separator)) {
		prefix = filepath.Join(prefix, comp)
		info, err := os.Lstat(prefix)
		if err != nil {
			if os.IsNotExist(err) {
				return nil // remainder will be freshly created
			}
			return protocol.OSError(err, protocol.EcBadPath, prefix)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return &protocol.Error{Code: protocol.EcUnsafePath, Path: prefix}
		}
	}
	return nil
}

// requireRegular verifies that an already-resolved path names a servable
// regular file: no symlinks, no devices, no directories.
func requireRegular(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return protocol.OSError(err, protocol.EcNotFound, path)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return &protocol.Error{Code: protocol.EcUnsafePath, Path: path}
	}
	if !info.Mode().IsRegular() {
		return &protocol.Error{Code: protocol.EcBadPath, Path: path}
	}
	return nil
}

// safeLocalPath validates a server-supplied wire path before the client maps
// it under the local destination. The client applies the same traversal
// rules the server sandbox does.
func safeLocalPath(dest, wirePath string) (string, error) {
	if wirePath == "" || strings.HasPrefix(wirePath, "/") {
		return "", &protocol.Error{Code: protocol.EcBadPath, Path: wirePath}
	}
	for _, seg := range strings.Split(wirePath, "/") {
		if seg == ".." {
			return "", &protocol.Error{Code: protocol.EcUnsafePath, Path: wirePath}
		}
	}
	return filepath.Join(dest, filepath.FromSlash(wirePath)), nil
}
