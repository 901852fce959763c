// Package paths provides a shared prefix resolver for named resource
// roots. Capability servers and access policies refer to filesystem
// locations through named prefixes (workspace:, data:, etc.) so that
// policy files stay portable across deployments; a single [Resolver]
// built from configuration at startup expands them to absolute paths.
package paths

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Resolver maps named root prefixes to absolute directory paths. It is
// nil-safe: calling [Resolver.Resolve] on a nil *Resolver returns the
// input path unchanged, matching the nil-safe pattern used by the
// event bus.
type Resolver struct {
	roots  map[string]string // "workspace:" -> "/abs/path/to/workspace"
	sorted []string          // prefixes sorted by descending length
}

// New creates a Resolver from a name-to-directory map. Keys are root
// names without the trailing colon (e.g., "workspace", not
// "workspace:"). Home directory tildes (~) in values are expanded at
// construction time. Returns nil if the map is empty or nil.
func New(roots map[string]string) *Resolver {
	if len(roots) == 0 {
		return nil
	}
	m := make(map[string]string, len(roots))
	sorted := make([]string, 0, len(roots))
	for name, dir := range roots {
		key := name
		if !strings.HasSuffix(key, ":") {
			key += ":"
		}
		m[key] = ExpandHome(dir)
		sorted = append(sorted, key)
	}
	// Sort by descending length so longer prefixes match first.
	// Prevents "ws:" from stealing matches intended for "wsdata:".
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i]) > len(sorted[j])
	})
	return &Resolver{roots: m, sorted: sorted}
}

// Resolve expands a prefixed path to an absolute path. If no
// registered root matches, the original path is returned unchanged. A
// bare prefix (e.g., "workspace:" with no trailing path) returns the
// root directory itself.
func (r *Resolver) Resolve(path string) string {
	if r == nil {
		return path
	}
	for _, prefix := range r.sorted {
		if strings.HasPrefix(path, prefix) {
			rel := strings.TrimPrefix(path, prefix)
			base := r.roots[prefix]
			if rel == "" {
				return base
			}
			return filepath.Join(base, rel)
		}
	}
	return path
}

// HasPrefix reports whether the path starts with a registered root
// prefix.
func (r *Resolver) HasPrefix(path string) bool {
	if r == nil {
		return false
	}
	for _, prefix := range r.sorted {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Names returns the registered root names sorted alphabetically,
// without trailing colons. Useful for validation messages and help
// output.
func (r *Resolver) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.roots))
	for prefix := range r.roots {
		names = append(names, strings.TrimSuffix(prefix, ":"))
	}
	sort.Strings(names)
	return names
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
