package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/lcx/btpm/log"
)

// ConsulConfig is the "discovery.consul" plugin section.
type ConsulConfig struct {
	// Addr is the consul agent, host:port.
	Addr       string        `mapstructure:"addr"`
	Token      string        `mapstructure:"token"`
	Datacenter string        `mapstructure:"datacenter"`
	Service    string        `mapstructure:"service"`
	ServiceTag string        `mapstructure:"serviceTag"`
	ID         string        `mapstructure:"id"`
	Interval   time.Duration `mapstructure:"checkInterval"`
	// DeregisterAfter drops an instance whose check stayed critical this long.
	DeregisterAfter time.Duration `mapstructure:"deregisterAfter"`
}

func DefaultConsulConfig() *ConsulConfig {
	return &ConsulConfig{
		Addr:            "127.0.0.1:8500",
		Service:         "btpmd",
		Interval:        10 * time.Second,
		DeregisterAfter: time.Minute,
	}
}

func (c *ConsulConfig) Validate() error {
	if c.Service == "" {
		return errors.New("discovery: consul service name is empty")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("discovery: invalid check interval %s", c.Interval)
	}
	return nil
}

// Consul resolves healthy btpmd instances and registers this one.
type Consul struct {
	mu         sync.Mutex
	cfg        ConsulConfig
	client     *api.Client
	registered string
	addr       string
}

var (
	_ Resolver  = (*Consul)(nil)
	_ Registrar = (*Consul)(nil)
)

func newConsulClient(cfg *ConsulConfig) (*api.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	apiCfg := api.DefaultConfig()
	if cfg.Addr != "" {
		apiCfg.Address = cfg.Addr
	}
	apiCfg.Token = cfg.Token
	apiCfg.Datacenter = cfg.Datacenter

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("discovery: consul client: %w", err)
	}
	return client, nil
}

func NewConsul(cfg *ConsulConfig) (*Consul, error) {
	client, err := newConsulClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Consul{cfg: *cfg, client: client}, nil
}

func (c *Consul) FactoryName() string { return "consul" }

func (c *Consul) current() (ConsulConfig, *api.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.client
}

// Resolve returns the first passing instance of the service.
func (c *Consul) Resolve(ctx context.Context) (string, error) {
	cfg, client := c.current()
	q := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := client.Health().Service(cfg.Service, cfg.ServiceTag, true, q)
	if err != nil {
		return "", fmt.Errorf("discovery: query %s: %w", cfg.Service, err)
	}
	for _, e := range entries {
		if e.Service == nil || e.Service.Port == 0 {
			continue
		}
		host := e.Service.Address
		if host == "" && e.Node != nil {
			host = e.Node.Address
		}
		if host == "" {
			continue
		}
		return net.JoinHostPort(host, strconv.Itoa(e.Service.Port)), nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoInstance, cfg.Service)
}

func serviceID(cfg *ConsulConfig, port int) string {
	if cfg.ID != "" {
		return cfg.ID
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%s-%d", cfg.Service, host, port)
}

// Register publishes addr (host:port) with a TCP health check on it.
func (c *Consul) Register(_ context.Context, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("discovery: register %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("discovery: register %q: %w", addr, err)
	}

	cfg, client := c.current()
	id := serviceID(&cfg, port)
	reg := &api.AgentServiceRegistration{
		ID:      id,
		Name:    cfg.Service,
		Address: host,
		Port:    port,
		Check: &api.AgentServiceCheck{
			TCP:                            addr,
			Interval:                       cfg.Interval.String(),
			DeregisterCriticalServiceAfter: cfg.DeregisterAfter.String(),
		},
	}
	if cfg.ServiceTag != "" {
		reg.Tags = []string{cfg.ServiceTag}
	}
	if err := client.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("discovery: register %s: %w", id, err)
	}

	c.mu.Lock()
	c.registered = id
	c.addr = addr
	c.mu.Unlock()
	log.Info().Str("service", cfg.Service).Str("id", id).Str("addr", addr).Msg("registered with consul")
	return nil
}

// Deregister removes what Register published. Without a registration it does nothing.
func (c *Consul) Deregister(context.Context) error {
	c.mu.Lock()
	id, client := c.registered, c.client
	c.registered = ""
	c.addr = ""
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	if err := client.Agent().ServiceDeregister(id); err != nil {
		return fmt.Errorf("discovery: deregister %s: %w", id, err)
	}
	log.Info().Str("id", id).Msg("deregistered from consul")
	return nil
}

// Reload switches to cfg. A published address is moved to the new agent.
func (c *Consul) Reload(ctx context.Context, cfg *ConsulConfig) error {
	client, err := newConsulClient(cfg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	addr := c.addr
	c.mu.Unlock()
	if addr != "" {
		if err := c.Deregister(ctx); err != nil {
			log.Warn().Err(err).Msg("deregister before reload failed")
		}
	}

	c.mu.Lock()
	c.cfg = *cfg
	c.client = client
	c.mu.Unlock()

	if addr != "" {
		return c.Register(ctx, addr)
	}
	return nil
}
