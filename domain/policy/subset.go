package policy

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
)

// Covers reports whether every request child admits is also admitted by
// parent. The check is conservative: when coverage cannot be decided from
// the patterns alone it returns false.
func Covers(parent, child entities.Permission) bool {
	if parent.Kind != child.Kind {
		return false
	}
	for _, op := range child.EffectiveOperations() {
		if !parent.Allows(op) {
			return false
		}
	}
	if child.Kind == entities.KindNetwork && !portsCovered(parent.Ports, child.Ports) {
		return false
	}
	for _, cp := range child.Patterns {
		covered := false
		for _, pp := range parent.Patterns {
			if patternCovers(child.Kind, pp, cp) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// CoveredByAny reports whether some permission in parents covers child.
func CoveredByAny(parents []entities.Permission, child entities.Permission) bool {
	for _, p := range parents {
		if Covers(p, child) {
			return true
		}
	}
	return false
}

func patternCovers(kind entities.PermissionKind, parent, child string) bool {
	if parent == child {
		return true
	}
	switch kind {
	case entities.KindFS:
		return pathCovers(parent, child)
	case entities.KindNetwork:
		return hostCovers(parent, child)
	default:
		return nameCovers(parent, child)
	}
}

func pathCovers(parent, child string) bool {
	// "X/**" with a literal X admits exactly what the literal X admits.
	if base, ok := strings.CutSuffix(parent, "/**"); ok && !isGlob(base) {
		parent = base
	}
	if !isGlob(parent) {
		return withinDir(path.Clean(parent), path.Clean(staticDir(child)))
	}
	if isGlob(child) {
		return false
	}
	// A literal child admits its whole subtree, so the glob must admit
	// both the path and something beneath it.
	ok, err := doublestar.Match(parent, child)
	if err != nil || !ok {
		return false
	}
	ok, err = doublestar.Match(parent, path.Join(child, "x"))
	return err == nil && ok
}

// staticDir returns the longest directory prefix of pattern that contains
// no glob metacharacters.
func staticDir(pattern string) string {
	i := strings.IndexAny(pattern, globMeta)
	if i < 0 {
		return pattern
	}
	dir := pattern[:i]
	if j := strings.LastIndex(dir, "/"); j >= 0 {
		dir = dir[:j]
	}
	if dir == "" {
		return "/"
	}
	return dir
}

func hostCovers(parent, child string) bool {
	parent = strings.ToLower(parent)
	child = strings.ToLower(child)
	if parent == "*" {
		return true
	}
	if child == "*" {
		return false
	}
	if strings.HasPrefix(parent, "*.") {
		suffix := parent[1:]
		return strings.HasSuffix(child, suffix) && len(child) > len(suffix)
	}
	return parent == child
}

func nameCovers(parent, child string) bool {
	if parent == "*" || parent == "**" {
		return !strings.Contains(child, "/") || parent == "**"
	}
	if isGlob(child) {
		return false
	}
	return MatchName(parent, child)
}

func portsCovered(parent, child []string) bool {
	if len(parent) == 0 {
		return true
	}
	if len(child) == 0 {
		child = []string{"*"}
	}
	for _, cs := range child {
		clo, chi, err := ParsePortRange(cs)
		if err != nil {
			return false
		}
		covered := false
		for _, ps := range parent {
			plo, phi, err := ParsePortRange(ps)
			if err == nil && plo <= clo && chi <= phi {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}
