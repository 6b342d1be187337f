package agent

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/hitsmaxft/nanoclaw/internal/store"
)

// blockedMountGlobs are path suffixes never allowed to mount into an agent
// container regardless of allow-list membership, per spec.md §4.6.
var blockedMountGlobs = []string{
	"*.ssh", "*.ssh/*",
	"*.gnupg", "*.gnupg/*",
	"*.aws", "*.aws/*",
}

// AllowList is the host-only set of root directories additional workspace
// mounts may be drawn from. Loaded from a path that is itself never
// mounted into any container.
type AllowList struct {
	roots []string
}

// LoadAllowList reads one allow-listed root path per non-empty,
// non-comment line from path.
func LoadAllowList(path string) (*AllowList, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AllowList{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var roots []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		abs, err := filepath.Abs(line)
		if err != nil {
			continue
		}
		roots = append(roots, abs)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &AllowList{roots: roots}, nil
}

// Allows reports whether hostPath sits under one of the allow-listed
// roots and matches none of the blocked-pattern globs.
func (a *AllowList) Allows(hostPath string) bool {
	abs, err := filepath.Abs(hostPath)
	if err != nil {
		return false
	}
	for _, pattern := range blockedMountGlobs {
		if ok, _ := filepath.Match(pattern, abs); ok {
			return false
		}
		for _, elem := range strings.Split(abs, string(filepath.Separator)) {
			if ok, _ := filepath.Match(pattern, elem); ok {
				return false
			}
		}
	}
	for _, root := range a.roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// ResolveMounts builds the bind mounts for one agent run: the workspace's
// own folder read-write, plus an extra/<name> mount for every allow-listed,
// non-blocked entry in cfg.AdditionalMounts. Non-main workspaces always get
// read-only extra mounts regardless of what the request asked for.
func ResolveMounts(allow *AllowList, workspaceDir string, cfg *store.ContainerConfig, isMain bool) []MountSpec {
	mounts := []MountSpec{
		{HostPath: workspaceDir, Target: "/workspace", ReadOnly: false},
	}
	if cfg == nil {
		return mounts
	}
	for _, req := range cfg.AdditionalMounts {
		if !allow.Allows(req.HostPath) {
			continue
		}
		readOnly := req.ReadOnly
		if !isMain {
			readOnly = true
		}
		mounts = append(mounts, MountSpec{
			HostPath: req.HostPath,
			Target:   "/extra/" + req.Name,
			ReadOnly: readOnly,
		})
	}
	return mounts
}
