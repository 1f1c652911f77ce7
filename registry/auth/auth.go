// Package auth defines the interfaces the registry authorizes requests
// through.
//
// An access controller checks that a request carries credentials granting
// the requested access:
//
//	grant, err := accessController.Authorized(req, auth.Access{
//		Resource: auth.Resource{Type: "repository", Name: "devtable/newrepo"},
//		Action:   "push",
//	})
//	if err != nil {
//		switch err := err.(type) {
//		case auth.Challenge:
//			// Let the error set a challenge header.
//			err.SetHeaders(req, w)
//			w.WriteHeader(http.StatusUnauthorized)
//			return
//		...
//		}
//	}
//
// Credentials for the token endpoint are checked by a UserAuthenticator;
// what a user may do with a repository comes from a PermissionChecker.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const (
	// UserKey is used to get the user object from
	// a user context
	UserKey = "auth.user"

	// UserNameKey is used to get the user name from
	// a user context
	UserNameKey = "auth.user.name"
)

var (
	// ErrInvalidCredential is returned when the auth token does not authenticate correctly.
	ErrInvalidCredential = errors.New("invalid authorization credential")

	// ErrAuthenticationFailure returned when authentication fails.
	ErrAuthenticationFailure = errors.New("authentication failure")
)

// UserKind distinguishes the entities a token may be issued to.
type UserKind string

const (
	KindUser      UserKind = "user"
	KindRobot     UserKind = "robot"
	KindAnonymous UserKind = "anonymous"
)

// UserInfo carries information about
// an autenticated/authorized client.
type UserInfo struct {
	Name string
	Kind UserKind
}

// IsAnonymous reports whether the client presented no credentials.
func (u UserInfo) IsAnonymous() bool {
	return u.Kind == KindAnonymous || u.Name == ""
}

// Resource describes a resource by type and name.
type Resource struct {
	Type  string
	Class string
	Name  string
}

// Access describes a specific action that is
// requested or allowed for a given resource.
type Access struct {
	Resource
	Action string
}

// Grant describes the permitted level of access for an authenticated user.
type Grant struct {
	User      UserInfo
	Resources []Resource
}

// Challenge is a special error type which is used for HTTP 401 Unauthorized
// responses and is able to write the response with WWW-Authenticate challenge
// header values based on the error.
type Challenge interface {
	error

	// SetHeaders prepares the request to conduct a challenge response by
	// adding the an HTTP challenge header on the response message. Callers
	// are expected to set the appropriate HTTP status code (e.g. 401)
	// themselves.
	SetHeaders(r *http.Request, w http.ResponseWriter)
}

// AccessController controls access to registry resources based on a request
// and required access levels for a request. Implementations can support both
// complete denial and http authorization challenges.
type AccessController interface {
	// Authorized returns a non-nil grant if the request is granted access
	// to every requested resource. An error is returned when access is
	// denied; it implements Challenge when the client should authenticate
	// and retry.
	Authorized(req *http.Request, access ...Access) (*Grant, error)
}

// UserAuthenticator checks user credentials presented to the token
// endpoint.
type UserAuthenticator interface {
	// AuthenticateUser returns the user named by the credentials or
	// ErrAuthenticationFailure.
	AuthenticateUser(ctx context.Context, username, password string) (UserInfo, error)
}

// Permission is the role a user holds on a repository.
type Permission int

const (
	PermissionNone Permission = iota
	PermissionRead
	PermissionWrite
	PermissionAdmin
)

func (p Permission) String() string {
	switch p {
	case PermissionRead:
		return "read"
	case PermissionWrite:
		return "write"
	case PermissionAdmin:
		return "admin"
	}
	return "none"
}

// ParsePermission parses a role name.
func ParsePermission(s string) (Permission, error) {
	switch s {
	case "", "none":
		return PermissionNone, nil
	case "read":
		return PermissionRead, nil
	case "write":
		return PermissionWrite, nil
	case "admin":
		return PermissionAdmin, nil
	}
	return PermissionNone, fmt.Errorf("unknown permission %q", s)
}

// PermissionChecker resolves the role of a user on a repository. The
// repository need not exist; a role on its namespace allows creating it.
type PermissionChecker interface {
	Permission(ctx context.Context, user UserInfo, namespace, repository string) (Permission, error)
}

// WithUser returns a context with the authorized user info.
func WithUser(ctx context.Context, user UserInfo) context.Context {
	return userInfoContext{
		Context: ctx,
		user:    user,
	}
}

type userInfoContext struct {
	context.Context
	user UserInfo
}

func (uic userInfoContext) Value(key interface{}) interface{} {
	switch key {
	case UserKey:
		return uic.user
	case UserNameKey:
		return uic.user.Name
	}

	return uic.Context.Value(key)
}

// UserFromContext returns the user stored by WithUser.
func UserFromContext(ctx context.Context) (UserInfo, bool) {
	u, ok := ctx.Value(UserKey).(UserInfo)
	return u, ok
}

// WithResources returns a context with the authorized resources.
func WithResources(ctx context.Context, resources []Resource) context.Context {
	return resourceContext{
		Context:   ctx,
		resources: resources,
	}
}

type resourceContext struct {
	context.Context
	resources []Resource
}

type resourceKey struct{}

func (rc resourceContext) Value(key interface{}) interface{} {
	if key == (resourceKey{}) {
		return rc.resources
	}

	return rc.Context.Value(key)
}

// AuthorizedResources returns the list of resources which have
// been authorized for this request.
func AuthorizedResources(ctx context.Context) []Resource {
	if resources, ok := ctx.Value(resourceKey{}).([]Resource); ok {
		return resources
	}

	return nil
}

// InitFunc is the type of an AccessController factory function and is used
// to register the constructor for different AccesController backends.
type InitFunc func(options map[string]interface{}) (AccessController, error)

var accessControllers map[string]InitFunc

func init() {
	accessControllers = make(map[string]InitFunc)
}

// Register is used to register an InitFunc for
// an AccessController backend with the given name.
func Register(name string, initFunc InitFunc) error {
	if _, exists := accessControllers[name]; exists {
		return fmt.Errorf("name already registered: %s", name)
	}

	accessControllers[name] = initFunc

	return nil
}

// GetAccessController constructs an AccessController
// with the given options using the named backend.
func GetAccessController(name string, options map[string]interface{}) (AccessController, error) {
	if initFunc, exists := accessControllers[name]; exists {
		return initFunc(options)
	}

	return nil, fmt.Errorf("no access controller registered with name: %s", name)
}
