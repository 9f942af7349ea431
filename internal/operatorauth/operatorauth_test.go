package operatorauth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthenticate(t *testing.T) {
	v := New("secret-token")

	cases := []struct {
		name   string
		header string
		want   bool
	}{
		{"missing header", "", false},
		{"wrong prefix", "Basic secret-token", false},
		{"wrong token", "Bearer nope", false},
		{"empty bearer", "Bearer ", false},
		{"correct token", "Bearer secret-token", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/instances/i-1/heartbeat", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			assert.Equal(t, tc.want, v.Authenticate(r))
		})
	}
}

func TestMiddleware_RejectsUnauthenticated(t *testing.T) {
	v := New("secret-token")
	called := false
	h := v.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_AllowsAuthenticated(t *testing.T) {
	v := New("secret-token")
	called := false
	h := v.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Bearer secret-token")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}
