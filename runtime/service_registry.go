// Package runtime provides the service lifecycle plumbing shared by fincore
// host processes.
package runtime

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "registry")

// Service is a long-running component that can be registered into a
// ServiceRegistry for lifecycle management.
type Service interface {
	// Start spawns any goroutines required by the service.
	Start()
	// Stop terminates all goroutines belonging to the service,
	// blocking until they are all terminated.
	Stop() error
	// Status returns error if the service is not considered healthy.
	Status() error
}

// ServiceRegistry manages a set of services, starting them in registration
// order and stopping them in reverse.
type ServiceRegistry struct {
	services map[string]Service
	order    []string
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]Service),
	}
}

// RegisterService adds a service to the registry, keyed by its concrete type.
// Registering the same type twice is an error.
func (s *ServiceRegistry) RegisterService(service Service) error {
	name := fmt.Sprintf("%T", service)
	if _, exists := s.services[name]; exists {
		return fmt.Errorf("service already exists: %s", name)
	}
	s.services[name] = service
	s.order = append(s.order, name)
	return nil
}

// StartAll starts each registered service in order of registration.
func (s *ServiceRegistry) StartAll() {
	log.WithField("count", len(s.order)).Debug("Starting services")
	for _, name := range s.order {
		log.WithField("service", name).Debug("Starting service")
		go s.services[name].Start()
	}
}

// StopAll ends every service in reverse order of registration, logging an
// error for any that fail to stop.
func (s *ServiceRegistry) StopAll() {
	for i := len(s.order) - 1; i >= 0; i-- {
		name := s.order[i]
		if err := s.services[name].Stop(); err != nil {
			log.WithError(err).WithField("service", name).Error("Could not stop service")
		}
	}
}

// Statuses reports each registered service's health, keyed the same way the
// registry is.
func (s *ServiceRegistry) Statuses() map[string]error {
	m := make(map[string]error, len(s.order))
	for _, name := range s.order {
		m[name] = s.services[name].Status()
	}
	return m
}
