package token

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// ActionPull reads a repository.
	ActionPull = "pull"
	// ActionPush writes a repository.
	ActionPush = "push"
	// ActionAll is every action on a resource.
	ActionAll = "*"
)

// ParseScope parses one scope of a token request:
//
//	type[(class)]:name:action[,action...]
//
// The name may itself contain colons, as in a registry host with a port;
// the type ends at the first colon and the actions start after the last.
func ParseScope(scope string) (*ResourceActions, error) {
	typ, rest, ok := strings.Cut(scope, ":")
	if !ok {
		return nil, fmt.Errorf("invalid scope %q", scope)
	}
	i := strings.LastIndex(rest, ":")
	if i < 0 {
		return nil, fmt.Errorf("invalid scope %q", scope)
	}
	name, actions := rest[:i], rest[i+1:]
	if typ == "" || name == "" {
		return nil, fmt.Errorf("invalid scope %q", scope)
	}

	var class string
	if open := strings.IndexByte(typ, '('); open >= 0 {
		if !strings.HasSuffix(typ, ")") {
			return nil, fmt.Errorf("invalid resource class in scope %q", scope)
		}
		typ, class = typ[:open], typ[open+1:len(typ)-1]
	}

	ra := &ResourceActions{Type: typ, Class: class, Name: name, Actions: []string{}}
	seen := newStringSet()
	for _, a := range strings.Split(actions, ",") {
		if a == "" || seen.contains(a) {
			continue
		}
		seen.add(a)
		ra.Actions = append(ra.Actions, a)
	}
	return ra, nil
}

// ParseScopes parses the scope parameters of a token request. Each
// parameter may hold several space separated scopes.
func ParseScopes(params []string) ([]*ResourceActions, error) {
	var out []*ResourceActions
	for _, p := range params {
		for _, s := range strings.Fields(p) {
			ra, err := ParseScope(s)
			if err != nil {
				return nil, err
			}
			out = append(out, ra)
		}
	}
	return out, nil
}

// String formats ra in scope syntax with its actions sorted.
func (ra *ResourceActions) String() string {
	typ := ra.Type
	if ra.Class != "" {
		typ += "(" + ra.Class + ")"
	}
	actions := append([]string(nil), ra.Actions...)
	sort.Strings(actions)
	return fmt.Sprintf("%s:%s:%s", typ, ra.Name, strings.Join(actions, ","))
}
