package registry

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/portcullis-proxy/portcullis/internal/config"
)

// ConsulSource fetches healthy instances from Consul's health API.
type ConsulSource struct {
	client     *consulapi.Client
	datacenter string
}

// NewConsulSource creates a Consul-backed source.
func NewConsulSource(cfg config.ConsulConfig) (*ConsulSource, error) {
	consulCfg := consulapi.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	consulCfg.Datacenter = cfg.Datacenter
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}
	return &ConsulSource{client: client, datacenter: cfg.Datacenter}, nil
}

func (c *ConsulSource) Fetch(ctx context.Context, service string) ([]*Instance, error) {
	opts := &consulapi.QueryOptions{Datacenter: c.datacenter}
	opts = opts.WithContext(ctx)

	entries, _, err := c.client.Health().Service(service, "", true, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to discover %s: %w", service, err)
	}

	instances := make([]*Instance, 0, len(entries))
	for _, entry := range entries {
		host := entry.Service.Address
		if host == "" {
			host = entry.Node.Address
		}
		weight := entry.Service.Weights.Passing
		if weight <= 0 {
			weight = 1
		}
		instances = append(instances, &Instance{
			Service: service,
			ID:      entry.Service.ID,
			Host:    host,
			Port:    entry.Service.Port,
			Scheme:  "http",
			Weight:  weight,
		})
	}
	return instances, nil
}

func (c *ConsulSource) Close() error { return nil }
