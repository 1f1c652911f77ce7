package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/handlers"

	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/registry/api/errcode"
	"github.com/quay/distribution/registry/auth"
	"github.com/quay/distribution/registry/auth/token"
)

// tokenDispatcher serves the bearer token endpoint clients are pointed at
// by the WWW-Authenticate challenge.
func tokenDispatcher(ctx *Context, r *http.Request) http.Handler {
	th := &tokenHandler{Context: ctx}
	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(th.GetToken),
	}
}

type tokenHandler struct {
	*Context
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// GetToken authenticates the Basic credentials of the request, if any, and
// issues a token carrying the granted subset of the requested scopes.
func (th *tokenHandler) GetToken(w http.ResponseWriter, r *http.Request) {
	log := dcontext.GetLogger(th)

	user := auth.UserInfo{Kind: auth.KindAnonymous}
	if username, password, ok := r.BasicAuth(); ok {
		if th.authenticator == nil {
			th.basicChallenge(w)
			return
		}
		authenticated, err := th.authenticator.AuthenticateUser(th, username, password)
		if err != nil {
			log.WithError(err).Infof("rejecting credentials of %s", username)
			th.basicChallenge(w)
			return
		}
		user = authenticated
	} else if !th.Config.FeatureAnonymousAccess {
		th.basicChallenge(w)
		return
	}

	if service := r.URL.Query().Get("service"); service != "" && service != th.Config.Auth.Token.Service {
		th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithMessage("service mismatch").WithStatus(http.StatusBadRequest))
		return
	}

	requested, err := token.ParseScopes(r.URL.Query()["scope"])
	if err != nil {
		th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithMessage(err.Error()).WithStatus(http.StatusBadRequest))
		return
	}

	granted, err := th.granter.Grant(th, user, requested)
	if err != nil {
		th.Errors = append(th.Errors, domainError(err))
		return
	}

	subject := user.Name
	entityKind := string(user.Kind)
	if user.IsAnonymous() {
		subject = th.Config.AnonymousUserName
	}
	now := th.now()
	ttl := th.Config.Auth.Token.TTL
	signed, err := token.IssueToken(token.IssueRequest{
		Issuer:   th.Config.Auth.Token.Issuer,
		Audience: th.Config.Auth.Token.Service,
		Subject:  subject,
		Context: &token.Context{
			Version:    2,
			EntityKind: entityKind,
			Kind:       "user",
			User:       user.Name,
		},
		Access: granted,
		TTL:    ttl,
		Now:    now,
	}, th.tokenKey)
	if err != nil {
		th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	log.WithField("scopes", len(granted)).Debugf("issued token for %q", subject)
	if err := serveJSON(w, tokenResponse{
		Token:       signed,
		AccessToken: signed,
		ExpiresIn:   int(ttl / time.Second),
		IssuedAt:    now.UTC().Format(time.RFC3339),
	}); err != nil {
		log.Errorf("error serving token: %v", err)
	}
}

func (th *tokenHandler) basicChallenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+th.Config.Auth.Token.Realm+`"`)
	th.Errors = append(th.Errors, errcode.ErrorCodeUnauthorized)
}
