package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "apiguard dev\n", out)
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://api.example.com")
	t.Setenv("MAX_RETRIES", "2")
	t.Setenv("API_TOKEN", "secret-token")

	out, _, err := execute(t, "config")
	require.NoError(t, err)

	var cfg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Contains(t, string(cfg["upstream"]), "https://api.example.com")
	assert.Contains(t, string(cfg["retry"]), `"max_retries": 2`)
	assert.NotContains(t, out, "secret-token")
}

func TestConfigCommand_InvalidEnvironment(t *testing.T) {
	t.Setenv("MAX_RETRIES", "many")

	_, _, err := execute(t, "config")
	assert.Error(t, err)
}

func TestRequestCommand(t *testing.T) {
	var gotHeader, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Tenant")
		gotQuery = r.URL.Query().Get("q")
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer upstream.Close()

	t.Setenv("API_BASE_URL", upstream.URL)
	t.Setenv("LOG_OUTPUT", "discard")

	out, stderr, err := execute(t, "request", "get", "/search", "-i", "-H", "X-Tenant: acme", "-p", "q=pizza", "--logs", "csv")
	require.NoError(t, err)
	assert.Contains(t, out, "HTTP 200 OK\n")
	assert.Contains(t, out, "X-Apiguard-Attempts: 1\n")
	assert.Contains(t, out, `{"items":[]}`)
	assert.Equal(t, "acme", gotHeader)
	assert.Equal(t, "pizza", gotQuery)
	assert.Contains(t, stderr, "timestamp,level,message")
}

func TestBuildRequest_RejectsMalformedHeader(t *testing.T) {
	requestHeaders = []string{"no-colon"}
	t.Cleanup(func() { requestHeaders = nil })

	_, err := buildRequest("GET", "/x")
	assert.Error(t, err)
}
