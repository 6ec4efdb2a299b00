package detection

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"parkwatch/internal/config"
)

// Backend is anything the registry can hold: detectors and associators.
type Backend interface {
	Name() string
}

// Registry keeps the constructed backends so they can be closed on shutdown.
type Registry struct {
	backends map[string]Backend
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend under its name.
func (r *Registry) Register(b Backend) error {
	if b == nil {
		return fmt.Errorf("backend cannot be nil")
	}
	name := b.Name()
	if name == "" {
		return fmt.Errorf("backend name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend %q already registered", name)
	}
	r.backends[name] = b
	return nil
}

// Get returns a backend by name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every backend that holds resources and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, b := range r.backends {
		if c, ok := b.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("error closing backend %q: %w", name, err)
			}
		}
		delete(r.backends, name)
	}
	return firstErr
}

// NewDetector builds the configured detector. Backend "none" returns nil, nil.
func NewDetector(cfg config.BackendSettings, confidence float64, logger logrus.FieldLogger) (VehicleDetector, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return nil, nil
	case "http":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("http detector requires an endpoint")
		}
		return NewHTTPDetector(cfg.Endpoint, cfg.Timeout, confidence, logger), nil
	case "grpc":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("grpc detector requires an endpoint")
		}
		d, err := NewGRPCDetector(cfg.Endpoint, cfg.Timeout, confidence, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown detector backend %q", cfg.Backend)
	}
}

// NewAssociator builds the configured associator.
func NewAssociator(cfg config.AssociatorSettings, logger logrus.FieldLogger) (ObjectAssociator, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "iou":
		return NewIoUAssociator(cfg.MaxAge, cfg.MinHits, cfg.IoUThreshold), nil
	case "grpc":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("grpc associator requires an endpoint")
		}
		a, err := NewGRPCAssociator(cfg.Endpoint, cfg.Timeout, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown associator backend %q", cfg.Backend)
	}
}
