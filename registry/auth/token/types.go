package token

import (
	"encoding/json"
	"fmt"

	"github.com/quay/distribution/registry/auth"
)

// Resource types a token can carry.
const (
	TypeRepository = "repository"
	TypeRegistry   = "registry"

	// CatalogName is the registry resource guarding /v2/_catalog.
	CatalogName = "catalog"
)

// ResourceActions stores allowed actions on a named and typed resource.
// Repository resources are named "namespace/repository".
type ResourceActions struct {
	Type    string   `json:"type"`
	Class   string   `json:"class,omitempty"`
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

// IsRepository reports whether the resource names a repository.
func (ra *ResourceActions) IsRepository() bool {
	return ra.Type == TypeRepository
}

// IsCatalog reports whether the resource is the registry catalog.
func (ra *ResourceActions) IsCatalog() bool {
	return ra.Type == TypeRegistry && ra.Name == CatalogName
}

// restrict returns a copy of ra holding only the actions in allowed, in
// the requested order.
func (ra *ResourceActions) restrict(allowed stringSet) *ResourceActions {
	out := &ResourceActions{Type: ra.Type, Class: ra.Class, Name: ra.Name, Actions: []string{}}
	for _, a := range ra.Actions {
		if allowed.contains(a) {
			out.Actions = append(out.Actions, a)
		}
	}
	return out
}

// Context is the "context" claim naming the entity a token was issued
// to. Robots carry EntityKind "robot" and their "org+name" as User.
type Context struct {
	Version         int    `json:"version"`
	EntityKind      string `json:"entity_kind"`
	EntityReference string `json:"entity_reference,omitempty"`
	Kind            string `json:"kind"`
	User            string `json:"user,omitempty"`
}

// UserInfo returns the user the context names.
func (c *Context) UserInfo() auth.UserInfo {
	if c == nil || c.User == "" {
		return auth.UserInfo{Kind: auth.KindAnonymous}
	}
	kind := auth.UserKind(c.EntityKind)
	if kind == "" {
		kind = auth.KindUser
	}
	return auth.UserInfo{Name: c.User, Kind: kind}
}

// AudienceList is the "aud" claim, which is either a single string or a
// list of strings on the wire. It is always written as a list.
type AudienceList []string

func (s *AudienceList) UnmarshalJSON(data []byte) error {
	var one *string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == nil {
			*s = nil
		} else {
			*s = AudienceList{*one}
		}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("audience must be a string or a list of strings: %w", err)
	}
	*s = many
	return nil
}

func (s AudienceList) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(s))
}

// Contains reports whether audience is listed.
func (s AudienceList) Contains(audience string) bool {
	for _, a := range s {
		if a == audience {
			return true
		}
	}
	return false
}
