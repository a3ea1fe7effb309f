// Package discovery registers ledger binaries with Consul.
package discovery

import (
	"fmt"
	"net"

	"github.com/hashicorp/consul/api"
	"github.com/rs/zerolog/log"
)

// ConsulClient registers and deregisters service instances
type ConsulClient struct {
	client *api.Client
}

// ServiceConfig describes one instance to register
type ServiceConfig struct {
	Name    string
	ID      string
	Address string // empty uses the outbound IP of this host
	Port    int
	Tags    []string
}

// NewConsulClient connects to the Consul agent at addr
func NewConsulClient(addr string) (*ConsulClient, error) {
	config := api.DefaultConfig()
	config.Address = addr

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	if _, err := client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("failed to connect to Consul: %w", err)
	}

	log.Info().Str("addr", addr).Msg("Connected to Consul")
	return &ConsulClient{client: client}, nil
}

// Register registers the instance with an HTTP health check on /health
func (c *ConsulClient) Register(cfg ServiceConfig) error {
	registration := newRegistration(cfg)
	if err := c.client.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	log.Info().
		Str("service", cfg.Name).
		Str("id", cfg.ID).
		Str("address", registration.Address).
		Int("port", cfg.Port).
		Msg("Registered service with Consul")
	return nil
}

// Deregister removes the instance from Consul
func (c *ConsulClient) Deregister(serviceID string) error {
	if err := c.client.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}

	log.Info().Str("id", serviceID).Msg("Deregistered service from Consul")
	return nil
}

func newRegistration(cfg ServiceConfig) *api.AgentServiceRegistration {
	address := cfg.Address
	if address == "" || address == "0.0.0.0" {
		address = outboundIP()
	}

	return &api.AgentServiceRegistration{
		ID:      cfg.ID,
		Name:    cfg.Name,
		Port:    cfg.Port,
		Address: address,
		Tags:    cfg.Tags,
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s/health", net.JoinHostPort(address, fmt.Sprint(cfg.Port))),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "30s",
		},
	}
}

// outboundIP returns the preferred outbound IP of this machine. No packet is
// sent; dialing UDP only selects a route.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
