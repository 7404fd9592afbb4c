package policy

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
)

// ValidatePermissions checks the structure of every pattern. field prefixes
// the Field of the returned ConfigurationError.
func ValidatePermissions(field string, perms []entities.Permission) error {
	for i, p := range perms {
		if err := ValidatePermission(fmt.Sprintf("%s[%d]", field, i), p); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePermission checks a single permission.
func ValidatePermission(field string, p entities.Permission) error {
	if !p.Kind.Valid() {
		return &entities.ConfigurationError{Field: field + ".kind", Reason: fmt.Sprintf("unknown permission kind %q", p.Kind)}
	}
	for _, op := range p.Operations {
		if !containsOp(p.Kind.Operations(), op) {
			return &entities.ConfigurationError{
				Field:  field + ".operations",
				Reason: fmt.Sprintf("operation %q is not defined for %s", op, p.Kind),
			}
		}
	}
	if len(p.Patterns) == 0 {
		return &entities.ConfigurationError{Field: field + ".patterns", Reason: "at least one pattern is required"}
	}
	for j, pattern := range p.Patterns {
		if reason := invalidPattern(p.Kind, pattern); reason != "" {
			return &entities.ConfigurationError{Field: fmt.Sprintf("%s.patterns[%d]", field, j), Reason: reason}
		}
	}
	if len(p.Ports) > 0 && p.Kind != entities.KindNetwork {
		return &entities.ConfigurationError{Field: field + ".ports", Reason: "ports only apply to network permissions"}
	}
	for j, spec := range p.Ports {
		if _, _, err := ParsePortRange(spec); err != nil {
			return &entities.ConfigurationError{Field: fmt.Sprintf("%s.ports[%d]", field, j), Reason: err.Error()}
		}
	}
	return nil
}

func invalidPattern(kind entities.PermissionKind, pattern string) string {
	if strings.TrimSpace(pattern) == "" {
		return "empty pattern"
	}
	switch kind {
	case entities.KindFS:
		if !path.IsAbs(pattern) {
			return fmt.Sprintf("path pattern %q must be absolute", pattern)
		}
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Sprintf("malformed glob %q", pattern)
		}
	case entities.KindNetwork:
		if pattern == "*" {
			return ""
		}
		rest := strings.TrimPrefix(pattern, "*.")
		if strings.ContainsAny(rest, globMeta+"/: ") {
			return fmt.Sprintf("host pattern %q must be a host name, *.suffix or *", pattern)
		}
	default:
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Sprintf("malformed glob %q", pattern)
		}
	}
	return ""
}

func containsOp(ops []entities.Operation, op entities.Operation) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}
