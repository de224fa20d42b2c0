package registry

import (
	"context"

	"github.com/portcullis-proxy/portcullis/internal/config"
)

// StaticSource serves instance sets straight from configuration.
type StaticSource struct {
	services map[string][]*Instance
}

// NewStaticSource builds a source from the static registry config.
func NewStaticSource(services map[string][]config.StaticInstanceConfig) *StaticSource {
	s := &StaticSource{services: make(map[string][]*Instance, len(services))}
	for name, list := range services {
		instances := make([]*Instance, 0, len(list))
		for _, ic := range list {
			inst := &Instance{
				Service: name,
				ID:      ic.ID,
				Host:    ic.Host,
				Port:    ic.Port,
				Scheme:  ic.Scheme,
				Weight:  ic.Weight,
			}
			if inst.ID == "" {
				inst.ID = inst.Addr()
			}
			if inst.Weight <= 0 {
				inst.Weight = 1
			}
			instances = append(instances, inst)
		}
		s.services[name] = instances
	}
	return s
}

func (s *StaticSource) Fetch(_ context.Context, service string) ([]*Instance, error) {
	instances, ok := s.services[service]
	if !ok {
		return nil, ErrUnknownService
	}
	return instances, nil
}

func (s *StaticSource) Close() error { return nil }
