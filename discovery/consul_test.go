package discovery

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(strings.TrimPrefix(srv.URL, "http://"), discardLogger())
	require.NoError(t, err)
	return c
}

func TestResolve_JoinsPassingInstances(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/health/service/kafka", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("passing"))
		json.NewEncoder(w).Encode([]*api.ServiceEntry{
			{Node: &api.Node{Address: "10.0.0.1"}, Service: &api.AgentService{Address: "kafka-1", Port: 9094}},
			{Node: &api.Node{Address: "10.0.0.2"}, Service: &api.AgentService{Port: 9094}},
		})
	})

	servers, err := c.Resolve("kafka")
	require.NoError(t, err)
	assert.Equal(t, "kafka-1:9094,10.0.0.2:9094", servers)
}

func TestResolve_NoInstances(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	})

	_, err := c.Resolve("kafka")
	assert.ErrorIs(t, err, ErrNoInstances)
}

func TestRegister_SendsHealthCheck(t *testing.T) {
	var got api.AgentServiceRegistration
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/agent/service/register", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})

	reg := Registration{Name: "donor-service", Address: "donor-service", Port: 8087}
	require.NoError(t, c.Register(reg))
	assert.Equal(t, "donor-service-8087", got.ID)
	require.NotNil(t, got.Check)
	assert.Equal(t, "http://donor-service:8087/health", got.Check.HTTP)
}
