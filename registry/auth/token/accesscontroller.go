package token

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/registry/auth"
)

// scopeParam returns a scope parameter which can be
// used in a WWW-Authenticate challenge header.
// See https://tools.ietf.org/html/rfc6750#section-3
func scopeParam(access []auth.Access) string {
	byResource := map[auth.Resource]stringSet{}
	var order []auth.Resource
	for _, a := range access {
		set, ok := byResource[a.Resource]
		if !ok {
			set = newStringSet()
			byResource[a.Resource] = set
			order = append(order, a.Resource)
		}
		set.add(a.Action)
	}

	scopes := make([]string, 0, len(order))
	for _, r := range order {
		ra := &ResourceActions{Type: r.Type, Class: r.Class, Name: r.Name, Actions: byResource[r].keys()}
		scopes = append(scopes, ra.String())
	}
	return strings.Join(scopes, " ")
}

var errTokenRequired = errors.New("authorization token required")

// authChallenge implements the auth.Challenge interface.
type authChallenge struct {
	err          error
	realm        string
	service      string
	access       []auth.Access
	insufficient bool
}

var _ auth.Challenge = authChallenge{}

// Error returns the internal error string for this authChallenge.
func (ac authChallenge) Error() string {
	return ac.err.Error()
}

// challengeParams constructs the value to be used in
// the WWW-Authenticate response challenge header.
// See https://tools.ietf.org/html/rfc6750#section-3
func (ac authChallenge) challengeParams() string {
	str := fmt.Sprintf("Bearer realm=%q,service=%q", ac.realm, ac.service)

	if scope := scopeParam(ac.access); scope != "" {
		str = fmt.Sprintf("%s,scope=%q", str, scope)
	}

	switch {
	case ac.insufficient:
		str = fmt.Sprintf("%s,error=%q", str, "insufficient_scope")
	case !errors.Is(ac.err, errTokenRequired):
		str = fmt.Sprintf("%s,error=%q", str, "invalid_token")
	}

	return str
}

// SetHeaders sets the WWW-Authenticate value for the response.
func (ac authChallenge) SetHeaders(r *http.Request, w http.ResponseWriter) {
	w.Header().Add("WWW-Authenticate", ac.challengeParams())
}

// InsufficientScope reports whether the token was valid but lacked a
// requested action.
func (ac authChallenge) InsufficientScope() bool {
	return ac.insufficient
}

// Options configures the bearer token access controller.
type Options struct {
	// Realm is the URL of the token endpoint.
	Realm   string
	Issuer  string
	Service string

	// TrustedKeys verify tokens signed with a key id header.
	TrustedKeys map[string]crypto.PublicKey

	// Roots verify tokens carrying a certificate chain.
	Roots *x509.CertPool

	// Clock overrides time.Now.
	Clock func() time.Time
}

// accessController implements the auth.AccessController interface.
type accessController struct {
	opts Options
}

// NewAccessController returns an access controller accepting bearer tokens
// issued by opts.Issuer for opts.Service.
func NewAccessController(opts Options) (auth.AccessController, error) {
	if opts.Realm == "" || opts.Issuer == "" || opts.Service == "" {
		return nil, errors.New("token auth requires a realm, an issuer and a service")
	}
	if len(opts.TrustedKeys) == 0 && opts.Roots == nil {
		return nil, errors.New("token auth requires trusted keys or root certificates")
	}
	return &accessController{opts: opts}, nil
}

// newAccessController creates an accessController from registry
// configuration options.
func newAccessController(options map[string]interface{}) (auth.AccessController, error) {
	var opts Options
	for key, dst := range map[string]*string{"realm": &opts.Realm, "issuer": &opts.Issuer, "service": &opts.Service} {
		val, ok := options[key].(string)
		if !ok {
			return nil, fmt.Errorf("token auth requires a valid option string: %q", key)
		}
		*dst = val
	}

	if path, ok := options["rootcertbundle"].(string); ok && path != "" {
		roots, keys, err := loadCertBundle(path)
		if err != nil {
			return nil, err
		}
		opts.Roots = roots
		opts.TrustedKeys = keys
	}
	if path, ok := options["signingkey"].(string); ok && path != "" {
		key, err := LoadSigningKey(path)
		if err != nil {
			return nil, err
		}
		if opts.TrustedKeys == nil {
			opts.TrustedKeys = map[string]crypto.PublicKey{}
		}
		opts.TrustedKeys[key.KeyID] = key.Key.Public()
	}

	return NewAccessController(opts)
}

func loadCertBundle(path string) (*x509.CertPool, map[string]crypto.PublicKey, error) {
	rawCertBundle, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to read token auth root certificate bundle file %q: %s", path, err)
	}

	var rootCerts []*x509.Certificate
	pemBlock, rawCertBundle := pem.Decode(rawCertBundle)
	for pemBlock != nil {
		if pemBlock.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(pemBlock.Bytes)
			if err != nil {
				return nil, nil, fmt.Errorf("unable to parse token auth root certificate: %s", err)
			}

			rootCerts = append(rootCerts, cert)
		}

		pemBlock, rawCertBundle = pem.Decode(rawCertBundle)
	}

	if len(rootCerts) == 0 {
		return nil, nil, errors.New("token auth requires at least one token signing root certificate")
	}

	rootPool := x509.NewCertPool()
	trustedKeys := make(map[string]crypto.PublicKey, len(rootCerts))
	for _, rootCert := range rootCerts {
		rootPool.AddCert(rootCert)
		if key := GetRFC7638Thumbprint(rootCert.PublicKey); key != "" {
			trustedKeys[key] = rootCert.PublicKey
		}
	}
	return rootPool, trustedKeys, nil
}

// Authorized handles checking whether the given request is authorized
// for actions on resources described by the given access items.
func (ac *accessController) Authorized(req *http.Request, accessItems ...auth.Access) (*auth.Grant, error) {
	challenge := authChallenge{
		realm:   ac.opts.Realm,
		service: ac.opts.Service,
		access:  accessItems,
	}

	claims, err := DecodeBearer(req.Header.Get("Authorization"), VerifyOptions{
		TrustedIssuers:    []string{ac.opts.Issuer},
		AcceptedAudiences: []string{ac.opts.Service},
		Roots:             ac.opts.Roots,
		TrustedKeys:       ac.opts.TrustedKeys,
		Clock:             ac.opts.Clock,
	})
	if err != nil {
		dcontext.GetLogger(req.Context()).WithError(err).Debug("rejecting bearer token")
		challenge.err = err
		return nil, challenge
	}

	accessSet := claims.accessSet()
	for _, access := range accessItems {
		set := accessSet[auth.Resource{Type: access.Type, Name: access.Name}]
		if !set.contains(access.Action) {
			challenge.err = fmt.Errorf("token does not grant %s on %s:%s", access.Action, access.Type, access.Name)
			challenge.insufficient = true
			return nil, challenge
		}
	}

	user := claims.Context.UserInfo()
	if claims.Context == nil && claims.Subject != "" {
		user = auth.UserInfo{Name: claims.Subject, Kind: auth.KindUser}
	}
	return &auth.Grant{User: user, Resources: claims.resources()}, nil
}

// init handles registering the token auth backend.
func init() {
	auth.Register("token", auth.InitFunc(newAccessController))
}
