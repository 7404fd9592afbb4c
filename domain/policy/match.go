// Package policy decides whether permission patterns admit a request and
// whether one permission is a subset of another.
package policy

import (
	"path"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
)

const globMeta = "*?[{\\"

// Permits reports whether perm admits req.
func Permits(perm entities.Permission, req entities.Request) bool {
	if perm.Kind != req.Kind || !perm.Allows(req.Operation) {
		return false
	}
	if req.Kind == entities.KindNetwork && !MatchAnyPort(perm.Ports, req.Port) {
		return false
	}
	for _, pattern := range perm.Patterns {
		if MatchTarget(req.Kind, pattern, req.Target) {
			return true
		}
	}
	return false
}

// PermitsAny reports whether any permission in perms admits req.
func PermitsAny(perms []entities.Permission, req entities.Request) bool {
	for _, p := range perms {
		if Permits(p, req) {
			return true
		}
	}
	return false
}

// MatchTarget matches a single pattern of the given kind against a target.
func MatchTarget(kind entities.PermissionKind, pattern, target string) bool {
	switch kind {
	case entities.KindFS:
		return MatchPath(pattern, target)
	case entities.KindNetwork:
		return MatchHost(pattern, target)
	default:
		return MatchName(pattern, target)
	}
}

// MatchPath matches an absolute path. The requested path is cleaned first
// so ".." segments cannot escape a granted prefix. A literal pattern covers
// itself and everything beneath it.
func MatchPath(pattern, target string) bool {
	if !path.IsAbs(target) {
		return false
	}
	target = path.Clean(target)
	if !isGlob(pattern) {
		return withinDir(path.Clean(pattern), target)
	}
	ok, err := doublestar.Match(pattern, target)
	return err == nil && ok
}

func withinDir(dir, target string) bool {
	if dir == "/" {
		return true
	}
	return target == dir || strings.HasPrefix(target, dir+"/")
}

// MatchHost matches a host name: "*" matches any host, "*.example.com"
// matches any subdomain of example.com (not example.com itself), anything
// else must match exactly. Comparison is case-insensitive.
func MatchHost(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(host, pattern[1:]) && len(host) > len(pattern)-1
	default:
		return pattern == host
	}
}

// MatchAnyPort reports whether port is admitted by specs. An empty list
// admits any port.
func MatchAnyPort(specs []string, port int) bool {
	if len(specs) == 0 {
		return true
	}
	for _, spec := range specs {
		lo, hi, err := ParsePortRange(spec)
		if err == nil && port >= lo && port <= hi {
			return true
		}
	}
	return false
}

// ParsePortRange parses "*", "N" or "N-M".
func ParsePortRange(spec string) (lo, hi int, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "*" {
		return 0, 65535, nil
	}
	loStr, hiStr, isRange := strings.Cut(spec, "-")
	if lo, err = parsePort(loStr); err != nil {
		return 0, 0, err
	}
	if !isRange {
		return lo, lo, nil
	}
	if hi, err = parsePort(hiStr); err != nil {
		return 0, 0, err
	}
	if hi < lo {
		return 0, 0, &entities.ConfigurationError{Field: "ports", Reason: "range " + spec + " is inverted"}
	}
	return lo, hi, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 65535 {
		return 0, &entities.ConfigurationError{Field: "ports", Reason: "invalid port " + strconv.Quote(s)}
	}
	return n, nil
}

// MatchName matches env variable, command and host-function names with
// glob semantics.
func MatchName(pattern, name string) bool {
	if !isGlob(pattern) {
		return pattern == name
	}
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

// AllowedPatterns lists the patterns granted for kind, rendered the way
// audit records and denial errors show them.
func AllowedPatterns(perms []entities.Permission, kind entities.PermissionKind) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, p := range perms {
		if p.Kind != kind {
			continue
		}
		for _, pattern := range p.Patterns {
			rendered := pattern
			if kind == entities.KindNetwork && len(p.Ports) > 0 {
				rendered += ":" + strings.Join(p.Ports, ",")
			}
			if _, dup := seen[rendered]; dup {
				continue
			}
			seen[rendered] = struct{}{}
			out = append(out, rendered)
		}
	}
	return out
}

func isGlob(pattern string) bool {
	return strings.ContainsAny(pattern, globMeta)
}
