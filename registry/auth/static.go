package auth

import (
	"context"
	"fmt"
	"strings"
)

// StaticPermissions is a PermissionChecker over a fixed table. Users own
// the namespace named after them; other roles are granted per namespace or
// per namespace/repository and the highest applicable role wins.
type StaticPermissions struct {
	grants map[string]map[string]Permission
}

var _ PermissionChecker = (*StaticPermissions)(nil)

// NewStaticPermissions parses a table of user name to scope to role name,
// where scope is "namespace" or "namespace/repository".
func NewStaticPermissions(table map[string]map[string]string) (*StaticPermissions, error) {
	grants := make(map[string]map[string]Permission, len(table))
	for user, scopes := range table {
		grants[user] = make(map[string]Permission, len(scopes))
		for scope, role := range scopes {
			if scope == "" || strings.Count(scope, "/") > 1 {
				return nil, fmt.Errorf("invalid permission scope %q for user %s", scope, user)
			}
			p, err := ParsePermission(role)
			if err != nil {
				return nil, fmt.Errorf("user %s on %s: %w", user, scope, err)
			}
			grants[user][scope] = p
		}
	}
	return &StaticPermissions{grants: grants}, nil
}

// Permission implements PermissionChecker.
func (s *StaticPermissions) Permission(_ context.Context, user UserInfo, namespace, repository string) (Permission, error) {
	if user.IsAnonymous() {
		return PermissionNone, nil
	}
	if user.Kind != KindRobot && user.Name == namespace {
		return PermissionAdmin, nil
	}
	scopes := s.grants[user.Name]
	return max(scopes[namespace], scopes[namespace+"/"+repository]), nil
}
