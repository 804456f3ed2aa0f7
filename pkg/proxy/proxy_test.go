package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	endpoint, err := url.Parse(server.URL)
	require.NoError(t, err)
	return &Client{http: server.Client(), endpoint: endpoint, base: "ctf.example.com"}
}

func TestAddHost(t *testing.T) {
	var gotPath string
	var gotBody map[string]string

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))

	err := c.AddHost(context.Background(), "pwnme-abc123de.ctf.example.com", "172.18.0.2:8080")
	require.NoError(t, err)

	assert.Equal(t, "/dynamic-router/add", gotPath)
	assert.Equal(t, map[string]string{
		"host":     "pwnme-abc123de.ctf.example.com",
		"upstream": "172.18.0.2:8080",
	}, gotBody)
}

func TestDeleteHost(t *testing.T) {
	var gotPath string
	var gotBody map[string]string

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))

	err := c.DeleteHost(context.Background(), "pwnme-abc123de.ctf.example.com")
	require.NoError(t, err)

	assert.Equal(t, "/dynamic-router/delete", gotPath)
	assert.Equal(t, map[string]string{"host": "pwnme-abc123de.ctf.example.com"}, gotBody)
}

func TestNon2xxIsAnError(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "route table full", http.StatusInternalServerError)
	}))

	err := c.AddHost(context.Background(), "host.ctf.example.com", "172.18.0.2:8080")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "route table full")
	assert.Contains(t, err.Error(), "500")
}

func TestBase(t *testing.T) {
	c := testClient(t, http.NotFoundHandler())
	assert.Equal(t, "ctf.example.com", c.Base())
}
