package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/hashicorp/consul/api"
)

// ErrNoInstances means Consul knows no passing instance of a service
var ErrNoInstances = errors.New("no healthy service instances")

// Registration describes this service in Consul
type Registration struct {
	Name    string
	Address string
	Port    int
}

// ID is the Consul service id, unique per name and port
func (r Registration) ID() string {
	return r.Name + "-" + strconv.Itoa(r.Port)
}

// Client wraps the Consul agent and health APIs
type Client struct {
	consul *api.Client
	logger *slog.Logger
}

func NewClient(address string, logger *slog.Logger) (*Client, error) {
	consulConfig := api.DefaultConfig()
	consulConfig.Address = address
	consulClient, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}
	return &Client{consul: consulClient, logger: logger}, nil
}

// Register adds the service with an HTTP health check on /health
func (c *Client) Register(reg Registration) error {
	registration := &api.AgentServiceRegistration{
		ID:      reg.ID(),
		Name:    reg.Name,
		Port:    reg.Port,
		Address: reg.Address,
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s/health", net.JoinHostPort(reg.Address, strconv.Itoa(reg.Port))),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
	if err := c.consul.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register with Consul: %w", err)
	}
	c.logger.Info("Registered with Consul", "service_id", reg.ID(), "app", "donor-service")
	return nil
}

// Deregister removes the service registration
func (c *Client) Deregister(reg Registration) error {
	if err := c.consul.Agent().ServiceDeregister(reg.ID()); err != nil {
		return fmt.Errorf("failed to deregister from Consul: %w", err)
	}
	c.logger.Info("Deregistered from Consul", "service_id", reg.ID(), "app", "donor-service")
	return nil
}

// Resolve returns a comma-separated host:port list of passing instances, the
// format Kafka expects for bootstrap.servers
func (c *Client) Resolve(service string) (string, error) {
	entries, _, err := c.consul.Health().Service(service, "", true, nil)
	if err != nil {
		return "", fmt.Errorf("failed to query Consul for %s: %w", service, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoInstances, service)
	}

	addrs := make([]string, 0, len(entries))
	for _, e := range entries {
		host := e.Service.Address
		if host == "" {
			host = e.Node.Address
		}
		addrs = append(addrs, net.JoinHostPort(host, strconv.Itoa(e.Service.Port)))
	}
	c.logger.Info("Resolved service from Consul", "service", service, "instances", len(addrs), "app", "donor-service")
	return strings.Join(addrs, ","), nil
}
