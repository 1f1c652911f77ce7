package htpasswd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/quay/distribution/registry/auth"
)

func writeHTPasswd(t *testing.T, path string, users map[string]string) {
	t.Helper()
	var b strings.Builder
	b.WriteString("# registry users\n\n")
	for user, password := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		require.NoError(t, err)
		b.WriteString(user + ":" + string(hash) + "\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
}

func TestParseHTPasswd(t *testing.T) {
	for _, tc := range []struct {
		desc    string
		input   string
		entries map[string][]byte
		err     bool
	}{
		{
			desc:    "comments and blank lines",
			input:   "# comment\n\n  bilbo:$2y$05$hash  \n",
			entries: map[string][]byte{"bilbo": []byte("$2y$05$hash")},
		},
		{
			desc:  "missing colon",
			input: "bilbo\n",
			err:   true,
		},
		{
			desc:    "password with colon",
			input:   "frodo:a:b\n",
			entries: map[string][]byte{"frodo": []byte("a:b")},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			entries, err := parseHTPasswd(strings.NewReader(tc.input))
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.entries, entries)
		})
	}
}

func TestAuthenticateUser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "htpasswd")
	writeHTPasswd(t, path, map[string]string{"devtable": "password"})

	a, err := NewAuthenticator(path)
	require.NoError(t, err)
	ctx := context.Background()

	user, err := a.AuthenticateUser(ctx, "devtable", "password")
	require.NoError(t, err)
	assert.Equal(t, auth.UserInfo{Name: "devtable", Kind: auth.KindUser}, user)

	_, err = a.AuthenticateUser(ctx, "devtable", "wrong")
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailure)
	_, err = a.AuthenticateUser(ctx, "nobody", "password")
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailure)

	// Rewritten files are picked up.
	writeHTPasswd(t, path, map[string]string{"public": "password"})
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))
	_, err = a.AuthenticateUser(ctx, "public", "password")
	assert.NoError(t, err)
	_, err = a.AuthenticateUser(ctx, "devtable", "password")
	assert.Error(t, err)

	_, err = NewAuthenticator(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestBasicAccessController(t *testing.T) {
	path := filepath.Join(t.TempDir(), "htpasswd")
	writeHTPasswd(t, path, map[string]string{"bilbo": "baggins"})

	_, err := newAccessController(map[string]interface{}{"path": path})
	assert.Error(t, err, "realm is required")

	ac, err := auth.GetAccessController("htpasswd", map[string]interface{}{
		"realm": "The-Shire",
		"path":  path,
	})
	require.NoError(t, err)

	access := auth.Access{Resource: auth.Resource{Type: "repository", Name: "bilbo/ring"}, Action: "pull"}

	req := httptest.NewRequest(http.MethodGet, "/v2/", nil)
	_, err = ac.Authorized(req, access)
	var ch auth.Challenge
	require.ErrorAs(t, err, &ch)
	w := httptest.NewRecorder()
	ch.SetHeaders(req, w)
	assert.Equal(t, `Basic realm="The-Shire"`, w.Header().Get("WWW-Authenticate"))

	req.SetBasicAuth("bilbo", "sauron")
	_, err = ac.Authorized(req, access)
	assert.ErrorAs(t, err, &ch)

	req.SetBasicAuth("bilbo", "baggins")
	grant, err := ac.Authorized(req, access)
	require.NoError(t, err)
	assert.Equal(t, "bilbo", grant.User.Name)
	assert.Equal(t, []auth.Resource{access.Resource}, grant.Resources)
}
