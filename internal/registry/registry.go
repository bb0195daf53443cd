// Package registry resolves (provider, capability) pairs to concrete
// implementations. Resolution is purely data-driven: the registry is
// an explicit object built once at startup and injected into the
// facade, never a package-global singleton.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/modelgate/modelgate/internal/provider"
)

var (
	// ErrUnknownProvider means no capability set is registered under
	// the provider name.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrCapabilityNotImplemented means the provider is registered but
	// lacks the requested capability.
	ErrCapabilityNotImplemented = errors.New("capability not implemented")
)

// Capability names, used in resolve errors and registration checks.
const (
	CapOAuth     = "oauth"
	CapAPIKey    = "api_key"
	CapStreaming = "streaming"
	CapModels    = "models"
)

// Registry maps provider names to their capability sets.
type Registry struct {
	providers map[string]provider.Capabilities
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{providers: make(map[string]provider.Capabilities)}
}

// Register validates and installs a provider's capability set. A nil
// capability fails registration; callers treat that as a startup-time
// fatal error, so a half-implemented provider can never be resolved at
// runtime.
func (r *Registry) Register(name string, caps provider.Capabilities) error {
	if name == "" {
		return fmt.Errorf("provider name is empty")
	}
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}

	missing := ""
	switch {
	case caps.OAuth == nil:
		missing = CapOAuth
	case caps.APIKey == nil:
		missing = CapAPIKey
	case caps.Streaming == nil:
		missing = CapStreaming
	case caps.Models == nil:
		missing = CapModels
	}
	if missing != "" {
		return fmt.Errorf("provider %s: %w: %s", name, ErrCapabilityNotImplemented, missing)
	}

	r.providers[name] = caps
	return nil
}

// Providers returns the registered provider names, sorted.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the provider is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.providers[name]
	return ok
}

// OAuth resolves the oauth capability.
func (r *Registry) OAuth(name string) (provider.OAuthFlow, error) {
	caps, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return caps.OAuth, nil
}

// APIKey resolves the api_key capability.
func (r *Registry) APIKey(name string) (provider.APIKeyFlow, error) {
	caps, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return caps.APIKey, nil
}

// Streaming resolves the streaming capability.
func (r *Registry) Streaming(name string) (provider.Streamer, error) {
	caps, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return caps.Streaming, nil
}

// Models resolves the models capability.
func (r *Registry) Models(name string) (provider.ModelLister, error) {
	caps, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return caps.Models, nil
}

func (r *Registry) lookup(name string) (provider.Capabilities, error) {
	caps, ok := r.providers[name]
	if !ok {
		return provider.Capabilities{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return caps, nil
}
