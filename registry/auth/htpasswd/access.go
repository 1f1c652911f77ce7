// Package htpasswd checks user credentials against an htpasswd formatted
// file. The token endpoint authenticates Basic credentials with it, and it
// can guard a registry directly as an access controller.
//
// This authentication method MUST be used under TLS, as simple token-replay attack is possible.
package htpasswd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/registry/auth"
)

var (
	// ErrAuthenticationRequired is returned when credentials are not
	// provided.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrInvalidCredentials is returned when the provided credentials are
	// not valid.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Authenticator checks credentials against an htpasswd file, reloading it
// when it changes on disk.
type Authenticator struct {
	path string

	mu       sync.Mutex
	modtime  time.Time
	htpasswd *htpasswd
}

var _ auth.UserAuthenticator = (*Authenticator)(nil)

// NewAuthenticator loads the htpasswd file at path.
func NewAuthenticator(path string) (*Authenticator, error) {
	a := &Authenticator{path: path}
	if err := a.reload(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Authenticator) reload() error {
	fstat, err := os.Stat(a.path)
	if err != nil {
		return err
	}
	if a.htpasswd != nil && fstat.ModTime().Equal(a.modtime) {
		return nil
	}

	f, err := os.Open(a.path)
	if err != nil {
		return err
	}
	defer f.Close()

	h, err := newHTPasswd(f)
	if err != nil {
		return err
	}
	a.htpasswd = h
	a.modtime = fstat.ModTime()
	return nil
}

// AuthenticateUser implements auth.UserAuthenticator.
func (a *Authenticator) AuthenticateUser(ctx context.Context, username, password string) (auth.UserInfo, error) {
	a.mu.Lock()
	if err := a.reload(); err != nil {
		dcontext.GetLogger(ctx).WithError(err).Warnf("keeping previous htpasswd %s", a.path)
	}
	h := a.htpasswd
	a.mu.Unlock()

	if err := h.authenticateUser(username, password); err != nil {
		return auth.UserInfo{}, err
	}
	kind := auth.KindUser
	if strings.Contains(username, "+") {
		// Robot accounts are named namespace+robot.
		kind = auth.KindRobot
	}
	return auth.UserInfo{Name: username, Kind: kind}, nil
}

type accessController struct {
	realm         string
	authenticator *Authenticator
}

var _ auth.AccessController = &accessController{}

func newAccessController(options map[string]interface{}) (auth.AccessController, error) {
	realm, present := options["realm"]
	if _, ok := realm.(string); !present || !ok {
		return nil, fmt.Errorf(`"realm" must be set for htpasswd access controller`)
	}

	path, present := options["path"]
	if _, ok := path.(string); !present || !ok {
		return nil, fmt.Errorf(`"path" must be set for htpasswd access controller`)
	}

	a, err := NewAuthenticator(path.(string))
	if err != nil {
		return nil, err
	}

	return &accessController{realm: realm.(string), authenticator: a}, nil
}

// Authorized grants every authenticated user the requested access.
func (ac *accessController) Authorized(req *http.Request, access ...auth.Access) (*auth.Grant, error) {
	username, password, ok := req.BasicAuth()
	if !ok {
		return nil, &challenge{
			realm: ac.realm,
			err:   ErrAuthenticationRequired,
		}
	}

	user, err := ac.authenticator.AuthenticateUser(req.Context(), username, password)
	if err != nil {
		dcontext.GetLogger(req.Context()).Errorf("error authenticating user %q: %v", username, err)
		return nil, &challenge{
			realm: ac.realm,
			err:   ErrInvalidCredentials,
		}
	}

	resources := make([]auth.Resource, 0, len(access))
	for _, a := range access {
		resources = append(resources, a.Resource)
	}
	return &auth.Grant{User: user, Resources: resources}, nil
}

// challenge implements the auth.Challenge interface.
type challenge struct {
	realm string
	err   error
}

var _ auth.Challenge = challenge{}

// SetHeaders sets the basic challenge header on the response.
func (ch challenge) SetHeaders(r *http.Request, w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", ch.realm))
}

func (ch challenge) Error() string {
	return fmt.Sprintf("basic authentication challenge for realm %q: %s", ch.realm, ch.err)
}

func init() {
	auth.Register("htpasswd", auth.InitFunc(newAccessController))
}
