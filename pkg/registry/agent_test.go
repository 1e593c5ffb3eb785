package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a2abus/a2a-proxy/pkg/a2a"
	"github.com/a2abus/a2a-proxy/pkg/config"
)

func testRegistryConfig(agents ...a2a.AgentInfo) *config.AgentRegistryConfig {
	groups := make(map[string][]a2a.AgentInfo)
	for _, agent := range agents {
		groups[agent.Group] = append(groups[agent.Group], agent)
	}
	return &config.AgentRegistryConfig{Version: "1", Groups: groups}
}

func TestRefreshAndLookup(t *testing.T) {
	cfg := testRegistryConfig(
		a2a.AgentInfo{ID: "writer", ProxyID: "proxy-1", Group: "blog-agents", FQDN: "writer.local:8002"},
		a2a.AgentInfo{ID: "critic", ProxyID: "proxy-2", Group: "review"},
	)

	r, err := NewAgentRegistryFromConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []string{"blog-agents", "review"}, r.Groups())

	writer, ok := r.Get("writer")
	require.True(t, ok)
	assert.True(t, writer.IsHostedBy("proxy-1"))
	assert.False(t, writer.IsHostedBy("proxy-2"))

	review := r.GetByGroup("review")
	require.Len(t, review, 1)
	assert.Equal(t, "critic", review[0].ID)

	_, ok = r.Get("ghost")
	assert.False(t, ok)
}

func TestAddRemove(t *testing.T) {
	r := NewAgentRegistry()

	require.NoError(t, r.Add(&a2a.AgentInfo{ID: "writer", ProxyID: "p1", Group: "g"}))
	assert.Equal(t, 1, r.Count())

	err := r.Add(&a2a.AgentInfo{ID: "", ProxyID: "p1", Group: "g"})
	assert.Error(t, err)

	r.Remove("writer")
	assert.Equal(t, 0, r.Count())
	r.Remove("writer") // no-op
}

func TestHealthStatusClassification(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/health", req.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer unhealthy.Close()

	r := NewAgentRegistry(WithHealthCacheTTL(time.Hour))
	require.NoError(t, r.Add(&a2a.AgentInfo{
		ID: "good", ProxyID: "p1", Group: "g",
		FQDN: strings.TrimPrefix(healthy.URL, "http://"),
	}))
	require.NoError(t, r.Add(&a2a.AgentInfo{
		ID: "bad", ProxyID: "p1", Group: "g",
		FQDN: strings.TrimPrefix(unhealthy.URL, "http://"),
	}))
	require.NoError(t, r.Add(&a2a.AgentInfo{
		ID: "gone", ProxyID: "p1", Group: "g",
		FQDN: "127.0.0.1:1",
	}))
	require.NoError(t, r.Add(&a2a.AgentInfo{
		ID: "remote", ProxyID: "p2", Group: "g",
	}))

	status := r.HealthStatus(context.Background())
	assert.Equal(t, HealthHealthy, status["good"])
	assert.Equal(t, HealthUnhealthy, status["bad"])
	assert.Equal(t, HealthUnreachable, status["gone"])
	assert.Equal(t, HealthUnknown, status["remote"])
}

func TestHealthStatusCached(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewAgentRegistry(WithHealthCacheTTL(time.Hour))
	require.NoError(t, r.Add(&a2a.AgentInfo{
		ID: "writer", ProxyID: "p1", Group: "g",
		FQDN: strings.TrimPrefix(srv.URL, "http://"),
	}))

	first := r.HealthStatus(context.Background())
	second := r.HealthStatus(context.Background())
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestFetchAgentCardRewritesURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, a2a.AgentCardPath, req.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"Writer","url":"http://writer.local:8002","version":"2.0"}`))
	}))
	defer srv.Close()

	r := NewAgentRegistry()
	agent := &a2a.AgentInfo{
		ID: "writer", ProxyID: "p1", Group: "g",
		FQDN: strings.TrimPrefix(srv.URL, "http://"),
	}

	card := r.FetchAgentCard(context.Background(), agent)
	assert.Equal(t, "Writer", card["name"])
	assert.Equal(t, "/agents/writer", card["url"])
}

func TestFetchAgentCardFallback(t *testing.T) {
	r := NewAgentRegistry()
	agent := &a2a.AgentInfo{
		ID: "writer", ProxyID: "p1", Group: "g",
		FQDN: "127.0.0.1:1",
	}

	card := r.FetchAgentCard(context.Background(), agent)
	assert.Equal(t, "Agent writer", card["name"])
	assert.Equal(t, "/agents/writer", card["url"])
	assert.Contains(t, card["error"], "Failed to fetch agent card")
}
