package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestStaticCredentials(t *testing.T) {
	token, err := StaticCredentials("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
}

func TestTokenSourceCredentials(t *testing.T) {
	creds := NewTokenSourceCredentials(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "from-source"}))

	token, err := creds.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-source", token)
}

func TestClientCredentials_FetchesAndReusesToken(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"issued","token_type":"bearer","expires_in":3600}`))
	}))
	defer server.Close()

	creds := NewClientCredentials(server.URL, "client", "secret", []string{"read"})

	for i := 0; i < 3; i++ {
		token, err := creds.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "issued", token)
	}
	assert.Equal(t, int32(1), requests.Load())
}

func TestClientCredentials_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	creds := NewClientCredentials(server.URL, "client", "wrong", nil)
	_, err := creds.Token(context.Background())
	assert.Error(t, err)
}
