package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/btpm/plugin"
)

// fakeAgent 模拟 consul agent 的 HTTP 接口
type fakeAgent struct {
	mu       sync.Mutex
	services map[string]api.AgentServiceRegistration
	queries  []string
}

func newFakeAgent(t *testing.T) (*fakeAgent, string) {
	t.Helper()
	a := &fakeAgent{services: make(map[string]api.AgentServiceRegistration)}
	srv := httptest.NewServer(http.HandlerFunc(a.serve))
	t.Cleanup(srv.Close)
	return a, strings.TrimPrefix(srv.URL, "http://")
}

func (a *fakeAgent) serve(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w.Header().Set("X-Consul-Index", "1")
	w.Header().Set("X-Consul-LastContact", "0")
	w.Header().Set("X-Consul-KnownLeader", "true")

	switch {
	case r.URL.Path == "/v1/agent/service/register":
		var reg api.AgentServiceRegistration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.services[reg.ID] = reg
	case strings.HasPrefix(r.URL.Path, "/v1/agent/service/deregister/"):
		delete(a.services, strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/"))
	case strings.HasPrefix(r.URL.Path, "/v1/health/service/"):
		name := strings.TrimPrefix(r.URL.Path, "/v1/health/service/")
		a.queries = append(a.queries, r.URL.RawQuery)
		var out []*api.ServiceEntry
		for _, s := range a.services {
			if s.Name != name {
				continue
			}
			out = append(out, &api.ServiceEntry{
				Node:    &api.Node{Node: "n1", Address: "10.0.0.9"},
				Service: &api.AgentService{ID: s.ID, Service: s.Name, Address: s.Address, Port: s.Port},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	default:
		http.NotFound(w, r)
	}
}

func (a *fakeAgent) registered() map[string]api.AgentServiceRegistration {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]api.AgentServiceRegistration, len(a.services))
	for k, v := range a.services {
		out[k] = v
	}
	return out
}

func TestStaticResolve(t *testing.T) {
	addr, err := NewStatic("127.0.0.1:7420").Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7420", addr)

	_, err = NewStatic("").Resolve(context.Background())
	assert.ErrorIs(t, err, ErrNoInstance)
}

func TestConsulRegisterResolve(t *testing.T) {
	agent, agentAddr := newFakeAgent(t)
	cfg := DefaultConsulConfig()
	cfg.Addr = agentAddr
	cfg.ID = "btpmd-test"
	c, err := NewConsul(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Resolve(ctx)
	assert.ErrorIs(t, err, ErrNoInstance)

	require.NoError(t, c.Register(ctx, "127.0.0.1:7420"))
	reg, ok := agent.registered()["btpmd-test"]
	require.True(t, ok)
	assert.Equal(t, "btpmd", reg.Name)
	assert.Equal(t, 7420, reg.Port)
	require.NotNil(t, reg.Check)
	assert.Equal(t, "127.0.0.1:7420", reg.Check.TCP)
	assert.Equal(t, "10s", reg.Check.Interval)

	addr, err := c.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7420", addr)
	assert.Contains(t, agent.queries[len(agent.queries)-1], "passing")

	require.NoError(t, c.Deregister(ctx))
	assert.Empty(t, agent.registered())
	// 未注册时注销是空操作
	require.NoError(t, c.Deregister(ctx))
}

func TestConsulFallsBackToNodeAddress(t *testing.T) {
	agent, agentAddr := newFakeAgent(t)
	agent.services["x"] = api.AgentServiceRegistration{ID: "x", Name: "btpmd", Port: 7500}

	cfg := DefaultConsulConfig()
	cfg.Addr = agentAddr
	c, err := NewConsul(cfg)
	require.NoError(t, err)
	addr, err := c.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9:7500", addr)
}

func TestConsulReloadMovesRegistration(t *testing.T) {
	oldAgent, oldAddr := newFakeAgent(t)
	newAgent, newAddr := newFakeAgent(t)

	cfg := DefaultConsulConfig()
	cfg.Addr = oldAddr
	cfg.ID = "btpmd-a"
	c, err := NewConsul(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Register(context.Background(), "127.0.0.1:7420"))

	next := *cfg
	next.Addr = newAddr
	next.Interval = 5 * time.Second
	require.NoError(t, c.Reload(context.Background(), &next))

	assert.Empty(t, oldAgent.registered())
	reg, ok := newAgent.registered()["btpmd-a"]
	require.True(t, ok)
	assert.Equal(t, "5s", reg.Check.Interval)
}

func TestConsulConfigValidate(t *testing.T) {
	cfg := DefaultConsulConfig()
	require.NoError(t, cfg.Validate())
	cfg.Service = ""
	assert.Error(t, cfg.Validate())
	cfg = DefaultConsulConfig()
	cfg.Interval = 0
	assert.Error(t, cfg.Validate())
}

func TestDiscoveryPlugins(t *testing.T) {
	_, agentAddr := newFakeAgent(t)
	t.Cleanup(plugin.DestroyAll)

	require.NoError(t, plugin.SetupPlugins(plugin.PluginConfig{
		"discovery": {
			"static":      {"addr": "127.0.0.1:9000", "tag": "local"},
			"consul_main": {"addr": agentAddr, "checkInterval": "3s"},
		},
	}))

	p, err := plugin.GetTypePlugin(plugin.Discovery)
	require.NoError(t, err)
	c, ok := p.(*Consul)
	require.True(t, ok)
	cfg, _ := c.current()
	assert.Equal(t, 3*time.Second, cfg.Interval)

	p, err = plugin.GetPlugin(plugin.Discovery, "static", "local")
	require.NoError(t, err)
	addr, err := p.(Resolver).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", addr)
}
