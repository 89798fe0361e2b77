// Package model provides the language-model boundary: a provider registry
// implementing the engine's ModelService port, with an Anthropic-backed
// provider as the default.
package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/pkg/models"
)

// Provider is one model backend.
type Provider interface {
	// Name identifies the provider in the registry.
	Name() string
	// CreateMessage runs one model call, streaming typed events to cb.
	CreateMessage(ctx context.Context, messages []models.Message, cb engine.StreamCallback, tools []engine.ToolDefinition) error
}

// Service is a named-provider registry. It implements engine.ModelService.
type Service struct {
	mu        sync.RWMutex
	providers map[string]Provider
	current   string
}

// NewService creates a Service with the given providers. The first provider
// becomes current.
func NewService(providers ...Provider) (*Service, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("model: at least one provider is required")
	}

	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Service{
		providers: byName,
		current:   providers[0].Name(),
	}, nil
}

// GetCurrentProvider returns the name of the active provider.
func (s *Service) GetCurrentProvider() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// SetProvider switches the active provider by name.
func (s *Service) SetProvider(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[name]; !ok {
		return fmt.Errorf("model: unknown provider %q", name)
	}
	s.current = name
	return nil
}

// CreateMessageWithCallback delegates one model call to the active provider.
func (s *Service) CreateMessageWithCallback(ctx context.Context, messages []models.Message, cb engine.StreamCallback, tools []engine.ToolDefinition) error {
	s.mu.RLock()
	provider := s.providers[s.current]
	s.mu.RUnlock()

	return provider.CreateMessage(ctx, messages, cb, tools)
}
