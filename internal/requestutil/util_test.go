package requestutil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoteAddr(t *testing.T) {
	for _, tc := range []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "direct", want: "192.0.2.1:1234"},
		{name: "forwarded", headers: map[string]string{"X-Forwarded-For": " 10.0.0.1 , 10.0.0.2"}, want: "10.0.0.1"},
		{name: "real ip", headers: map[string]string{"X-Real-Ip": "10.0.0.3"}, want: "10.0.0.3"},
		{name: "garbage forwarded", headers: map[string]string{"X-Forwarded-For": "nope"}, want: "192.0.2.1:1234"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v2/", nil)
			r.RemoteAddr = "192.0.2.1:1234"
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, RemoteAddr(r))
		})
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v2/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", ClientIP(r).String())

	r.RemoteAddr = "@"
	assert.Nil(t, ClientIP(r))
}
