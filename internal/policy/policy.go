// Package policy enforces caller access control over capabilities and
// filesystem roots. Policies are compiled once from configuration and
// are immutable afterwards; a reload builds a fresh engine. Evaluation
// is fail-closed: a caller without a policy, or a capability no allow
// rule matches, is denied.
package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/groundloop/patchbay/internal/config"
	"github.com/groundloop/patchbay/internal/paths"
)

// AccessDeniedError indicates a caller was refused a capability or a
// filesystem path by policy.
type AccessDeniedError struct {
	Caller     string
	Capability string
	Reason     string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("caller %q denied access to %q: %s", e.Caller, e.Capability, e.Reason)
}

// Kind identifies this error class in structured output.
func (e *AccessDeniedError) Kind() string { return "access_denied" }

// Decision is the outcome of one authorization check. Reason is
// human-readable and lands in the audit trail either way.
type Decision struct {
	Allowed bool
	Reason  string
}

type compiledPolicy struct {
	allow []string
	deny  []string
	roots []string // absolute, symlink-resolved directories
}

// Engine evaluates caller policies. Immutable after New, so it is safe
// for concurrent use without locking.
type Engine struct {
	logger  *slog.Logger
	callers map[string]compiledPolicy
	roots   *paths.Resolver
}

// New compiles caller policies. Patterns use [path.Match] syntax
// (e.g., "search_*", "*_admin"). A malformed pattern or an unresolvable
// root is an error; callers should treat it as fatal rather than run
// with a policy that does not say what its author meant.
func New(callers []config.CallerConfig, roots *paths.Resolver, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "policy")

	compiled := make(map[string]compiledPolicy, len(callers))
	for _, c := range callers {
		if c.Name == "" {
			return nil, errors.New("caller with empty name in policy")
		}
		if _, dup := compiled[c.Name]; dup {
			return nil, fmt.Errorf("duplicate caller %q in policy", c.Name)
		}

		for _, pat := range append(append([]string{}, c.Allow...), c.Deny...) {
			if _, err := path.Match(pat, ""); err != nil {
				return nil, fmt.Errorf("caller %q: invalid pattern %q: %w", c.Name, pat, err)
			}
		}

		var rootDirs []string
		for _, entry := range c.Roots {
			dir, err := resolveRootEntry(entry, roots)
			if err != nil {
				return nil, fmt.Errorf("caller %q: %w", c.Name, err)
			}
			rootDirs = append(rootDirs, dir)
		}

		compiled[c.Name] = compiledPolicy{
			allow: c.Allow,
			deny:  c.Deny,
			roots: rootDirs,
		}
	}

	logger.Info("policy compiled", "callers", len(compiled))
	return &Engine{logger: logger, callers: compiled, roots: roots}, nil
}

// resolveRootEntry turns one caller root entry (a named prefix like
// "workspace:" or an absolute path) into a normalized directory.
func resolveRootEntry(entry string, roots *paths.Resolver) (string, error) {
	expanded := paths.ExpandHome(entry)

	if named, bare := splitRootName(expanded); bare {
		if !roots.HasPrefix(expanded) {
			return "", fmt.Errorf("unknown root name %q", named)
		}
		expanded = roots.Resolve(expanded)
	} else if !filepath.IsAbs(expanded) {
		return "", fmt.Errorf("root %q must be absolute or a named root", entry)
	}

	dir, err := normalizePath(expanded)
	if err != nil {
		return "", fmt.Errorf("normalize root %q: %w", entry, err)
	}
	return dir, nil
}

// splitRootName reports whether entry uses the "name:..." form and
// returns the name when it does.
func splitRootName(entry string) (string, bool) {
	idx := strings.Index(entry, ":")
	if idx <= 0 {
		return "", false
	}
	name := entry[:idx]
	if strings.ContainsRune(name, filepath.Separator) {
		return "", false
	}
	return name, true
}

// Authorize decides whether caller may use the named capability.
// Deny patterns win over allow patterns; no match denies.
func (e *Engine) Authorize(caller, capability string) Decision {
	p, ok := e.callers[caller]
	if !ok {
		return Decision{Allowed: false, Reason: "no policy for caller"}
	}

	for _, pat := range p.deny {
		if matched, _ := path.Match(pat, capability); matched {
			return Decision{Allowed: false, Reason: fmt.Sprintf("denied by pattern %q", pat)}
		}
	}
	for _, pat := range p.allow {
		if matched, _ := path.Match(pat, capability); matched {
			return Decision{Allowed: true, Reason: fmt.Sprintf("allowed by pattern %q", pat)}
		}
	}
	return Decision{Allowed: false, Reason: "no allow pattern matches"}
}

// AuthorizeRoot decides whether caller may touch the filesystem path
// candidate. The path is normalized (named prefix expansion, "..",
// symlinks) before containment is checked against the caller's
// permitted roots, so a link inside a root cannot smuggle access
// outside it. Normalization failures deny.
func (e *Engine) AuthorizeRoot(caller, candidate string) Decision {
	p, ok := e.callers[caller]
	if !ok {
		return Decision{Allowed: false, Reason: "no policy for caller"}
	}
	if len(p.roots) == 0 {
		return Decision{Allowed: false, Reason: "caller has no filesystem roots"}
	}

	expanded := e.roots.Resolve(paths.ExpandHome(candidate))
	resolved, err := normalizePath(expanded)
	if err != nil {
		e.logger.Debug("path normalization failed", "caller", caller, "path", candidate, "error", err)
		return Decision{Allowed: false, Reason: "path could not be normalized"}
	}

	for _, root := range p.roots {
		if contained(root, resolved) {
			return Decision{Allowed: true, Reason: fmt.Sprintf("within root %s", root)}
		}
	}
	return Decision{Allowed: false, Reason: "path escapes permitted roots"}
}

// normalizePath makes p absolute, cleans it, and resolves symlinks on
// the deepest existing ancestor so containment checks see where the
// path actually lands, even when the leaf does not exist yet.
func normalizePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	remainder := ""
	probe := abs
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if remainder == "" {
				return resolved, nil
			}
			return filepath.Join(resolved, remainder), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			// Nothing along the path exists; the lexical form is all
			// there is to check.
			return abs, nil
		}
		remainder = filepath.Join(filepath.Base(probe), remainder)
		probe = parent
	}
}

// contained reports whether candidate is root or lives under it.
func contained(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
