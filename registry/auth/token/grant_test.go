package token

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quay/distribution"
	"github.com/quay/distribution/registry/auth"
)

type fakeRepositories map[string]*distribution.RepositoryReference

func (f fakeRepositories) LookupRepository(_ context.Context, namespace, name string) (*distribution.RepositoryReference, error) {
	repo, ok := f[namespace+"/"+name]
	if !ok {
		return nil, distribution.ErrRepositoryUnknown
	}
	return repo, nil
}

func newTestGranter(t *testing.T) *Granter {
	t.Helper()
	perms, err := auth.NewStaticPermissions(map[string]map[string]string{
		"reader":         {"devtable": "read"},
		"writer":         {"devtable": "write"},
		"buynlarge+sync": {"buynlarge": "write"},
	})
	require.NoError(t, err)
	return &Granter{
		Permissions: perms,
		Repositories: fakeRepositories{
			"devtable/simple":   {NamespaceName: "devtable", Name: "simple", Visibility: distribution.VisibilityPrivate},
			"public/publicrepo": {NamespaceName: "public", Name: "publicrepo", Visibility: distribution.VisibilityPublic},
			"devtable/frozen":   {NamespaceName: "devtable", Name: "frozen", State: distribution.RepositoryStateReadOnly},
			"buynlarge/mirror":  {NamespaceName: "buynlarge", Name: "mirror", State: distribution.RepositoryStateMirror, MirrorRobot: "buynlarge+sync"},
		},
		AnonymousAccess: true,
	}
}

func grantedActions(t *testing.T, g *Granter, user auth.UserInfo, scope string) []string {
	t.Helper()
	requested, err := ParseScopes([]string{scope})
	require.NoError(t, err)
	granted, err := g.Grant(context.Background(), user, requested)
	require.NoError(t, err)
	require.Len(t, granted, 1)
	return granted[0].Actions
}

func TestGrant(t *testing.T) {
	var (
		owner     = auth.UserInfo{Name: "devtable", Kind: auth.KindUser}
		reader    = auth.UserInfo{Name: "reader", Kind: auth.KindUser}
		writer    = auth.UserInfo{Name: "writer", Kind: auth.KindUser}
		robot     = auth.UserInfo{Name: "buynlarge+sync", Kind: auth.KindRobot}
		anonymous = auth.UserInfo{Kind: auth.KindAnonymous}
	)
	g := newTestGranter(t)

	for _, tc := range []struct {
		name  string
		user  auth.UserInfo
		scope string
		want  []string
	}{
		{"owner gets everything", owner, "repository:devtable/simple:pull,push,*", []string{"pull", "push", "*"}},
		{"owner of a repository that does not exist yet", owner, "repository:devtable/newrepo:push,pull", []string{"push", "pull"}},
		{"reader", reader, "repository:devtable/simple:pull,push", []string{"pull"}},
		{"writer", writer, "repository:devtable/simple:pull,push,*", []string{"pull", "push"}},
		{"stranger on private", auth.UserInfo{Name: "stranger", Kind: auth.KindUser}, "repository:devtable/simple:pull", []string{}},
		{"anonymous on public", anonymous, "repository:public/publicrepo:pull,push", []string{"pull"}},
		{"anonymous on private", anonymous, "repository:devtable/simple:pull", []string{}},
		{"read only repository", owner, "repository:devtable/frozen:pull,push,*", []string{"pull"}},
		{"mirror robot", robot, "repository:buynlarge/mirror:pull,push,*", []string{"pull", "push"}},
		{"mirror owner", auth.UserInfo{Name: "buynlarge", Kind: auth.KindUser}, "repository:buynlarge/mirror:pull,push,*", []string{"pull"}},
		{"missing namespace", owner, "repository:simple:pull", []string{}},
		{"catalog for users", reader, "registry:catalog:*", []string{"*"}},
		{"catalog for anonymous", anonymous, "registry:catalog:*", []string{}},
		{"unknown resource type", owner, "plugin:devtable/simple:pull", []string{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, grantedActions(t, g, tc.user, tc.scope))
		})
	}
}

func TestGrantPolicies(t *testing.T) {
	anonymous := auth.UserInfo{Kind: auth.KindAnonymous}
	owner := auth.UserInfo{Name: "devtable", Kind: auth.KindUser}

	g := newTestGranter(t)
	g.AnonymousAccess = false
	assert.Equal(t, []string{}, grantedActions(t, g, anonymous, "repository:public/publicrepo:pull"))
	assert.Equal(t, []string{"pull"}, grantedActions(t, g, auth.UserInfo{Name: "reader", Kind: auth.KindUser}, "repository:public/publicrepo:pull"))

	g = newTestGranter(t)
	g.PublicCatalog = true
	assert.Equal(t, []string{"*"}, grantedActions(t, g, anonymous, "registry:catalog:*"))

	g = newTestGranter(t)
	g.ReadOnly = true
	assert.Equal(t, []string{"pull"}, grantedActions(t, g, owner, "repository:devtable/simple:pull,push,*"))

	g = newTestGranter(t)
	g.SplitName = func(name string) (string, string, error) { return "devtable", name, nil }
	assert.Equal(t, []string{"pull", "push"}, grantedActions(t, g, owner, "repository:simple:pull,push"))
}
