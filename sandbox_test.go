package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/depot-sh/depot/protocol"
)

func newTestSandbox(t *testing.T) (*sandbox, string) {
	t.Helper()
	root := t.TempDir()
	sb, err := newSandbox(root, true)
	require.NoError(t, err)
	return sb, root
}

// TestSandboxAccepts: accepted paths canonically stay under the root.
func TestSandboxAccepts(t *testing.T) {
	sb, root := newTestSandbox(t)
	for _, wp := range []string{"alpha.bin", "dir/nested/file", "a/b/c/d.txt", "."} {
		resolved, err := sb.resolve(wp)
		require.NoError(t, err, wp)
		rootCanon, err := filepath.EvalSymlinks(root)
		require.NoError(t, err)
		rel, err := filepath.Rel(rootCanon, resolved)
		require.NoError(t, err)
		require.False(t, strings.HasPrefix(rel, ".."), wp)
	}
}

// TestSandboxRejectsAbsolute: leading slash fails before any I/O.
func TestSandboxRejectsAbsolute(t *testing.T) {
	sb, _ := newTestSandbox(t)
	_, err := sb.resolve("/etc/passwd")
	require.Equal(t, protocol.EcAbsolute, protocol.CodeOf(err))
}

// TestSandboxRejectsTraversal: any `..` segment is refused.
func TestSandboxRejectsTraversal(t *testing.T) {
	sb, _ := newTestSandbox(t)
	for _, wp := range []string{"../etc/passwd", "a/../../b", "..", "x/..", "a/b/../../../z"} {
		_, err := sb.resolve(wp)
		require.Equal(t, protocol.EcUnsafePath, protocol.CodeOf(err), wp)
	}
}

// TestSandboxRejectsSymlinkPrefix: a symlinked directory on the way out of
// the root is refused even though the textual path looks contained.
func TestSandboxRejectsSymlinkPrefix(t *testing.T) {
	sb, root := newTestSandbox(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	_, err := sb.resolve("escape/target.bin")
	require.Equal(t, protocol.EcUnsafePath, protocol.CodeOf(err))
}

// TestSandboxDisabled passes paths through without containment.
func TestSandboxDisabled(t *testing.T) {
	root := t.TempDir()
	sb, err := newSandbox(root, false)
	require.NoError(t, err)

	resolved, err := sb.resolve("sub/file")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "sub", "file"), resolved)

	resolved, err = sb.resolve("/abs/file")
	require.NoError(t, err)
	require.Equal(t, filepath.FromSlash("/abs/file"), resolved)
}

// TestRequireRegular refuses symlinks, directories and missing files.
func TestRequireRegular(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	require.NoError(t, requireRegular(file))

	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(file, link))
	require.Equal(t, protocol.EcUnsafePath, protocol.CodeOf(requireRegular(link)))

	require.Equal(t, protocol.EcBadPath, protocol.CodeOf(requireRegular(dir)))
	require.Equal(t, protocol.EcNotFound, protocol.CodeOf(requireRegular(filepath.Join(dir, "missing"))))
}

// TestSafeLocalPath applies the same traversal rules on the client side.
func TestSafeLocalPath(t *testing.T) {
	dest := t.TempDir()
	got, err := safeLocalPath(dest, "mixdir/child/a.bin")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dest, "mixdir", "child", "a.bin"), got)

	_, err = safeLocalPath(dest, "../escape")
	require.Equal(t, protocol.EcUnsafePath, protocol.CodeOf(err))
	_, err = safeLocalPath(dest, "/abs")
	require.Equal(t, protocol.EcBadPath, protocol.CodeOf(err))
}
