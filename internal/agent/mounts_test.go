package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hitsmaxft/nanoclaw/internal/store"
)

func writeAllowList(t *testing.T, roots ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "allowlist.txt")
	var content string
	for _, r := range roots {
		content += r + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAllowListMissingFileIsEmptyNotError(t *testing.T) {
	al, err := LoadAllowList(filepath.Join(t.TempDir(), "nope.txt"))
	require.NoError(t, err)
	require.False(t, al.Allows("/anything"))
}

func TestAllowListSkipsCommentsAndBlankLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.txt")
	require.NoError(t, os.WriteFile(path, []byte("# comment\n\n"+dir+"\n"), 0o644))

	al, err := LoadAllowList(path)
	require.NoError(t, err)
	require.True(t, al.Allows(filepath.Join(dir, "sub", "file.txt")))
}

func TestAllowListBlocksSensitiveGlobsEvenUnderAnAllowedRoot(t *testing.T) {
	dir := t.TempDir()
	path := writeAllowList(t, dir)
	al, err := LoadAllowList(path)
	require.NoError(t, err)

	require.False(t, al.Allows(filepath.Join(dir, ".ssh")))
	require.False(t, al.Allows(filepath.Join(dir, ".aws")))
	require.False(t, al.Allows(filepath.Join(dir, ".gnupg")))
	require.True(t, al.Allows(filepath.Join(dir, "project")))
}

func TestAllowListRejectsPathsOutsideAnyRoot(t *testing.T) {
	dir := t.TempDir()
	path := writeAllowList(t, dir)
	al, err := LoadAllowList(path)
	require.NoError(t, err)

	require.False(t, al.Allows("/etc/passwd"))
}

func TestResolveMountsAlwaysIncludesWorkspace(t *testing.T) {
	mounts := ResolveMounts(&AllowList{}, "/ws/folder", nil, true)
	require.Len(t, mounts, 1)
	require.Equal(t, "/workspace", mounts[0].Target)
	require.False(t, mounts[0].ReadOnly)
}

func TestResolveMountsForcesReadOnlyForNonMainExtraMounts(t *testing.T) {
	dir := t.TempDir()
	al, err := LoadAllowList(writeAllowList(t, dir))
	require.NoError(t, err)

	cfg := &store.ContainerConfig{AdditionalMounts: []store.MountRequest{
		{Name: "data", HostPath: dir, ReadOnly: false},
	}}

	mounts := ResolveMounts(al, "/ws/folder", cfg, false)
	require.Len(t, mounts, 2)
	require.True(t, mounts[1].ReadOnly, "non-main workspaces must never get writable extra mounts")
}

func TestResolveMountsDropsDisallowedExtraMounts(t *testing.T) {
	cfg := &store.ContainerConfig{AdditionalMounts: []store.MountRequest{
		{Name: "secret", HostPath: "/etc", ReadOnly: true},
	}}
	mounts := ResolveMounts(&AllowList{}, "/ws/folder", cfg, true)
	require.Len(t, mounts, 1, "a mount not under any allow-listed root must be dropped")
}
