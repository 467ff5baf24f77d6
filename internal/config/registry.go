package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]func(ProviderEntry) (live.Provider, error)
	microphones map[string]func(InputConfig) (audio.Microphone, error)
	outputs     map[string]func(OutputConfig) (audio.OutputDevice, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		providers:   make(map[string]func(ProviderEntry) (live.Provider, error)),
		microphones: make(map[string]func(InputConfig) (audio.Microphone, error)),
		outputs:     make(map[string]func(OutputConfig) (audio.OutputDevice, error)),
	}
}

// RegisterProvider registers a live agent provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterProvider(name string, factory func(ProviderEntry) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = factory
}

// RegisterMicrophone registers a capture backend factory under name.
func (r *Registry) RegisterMicrophone(name string, factory func(InputConfig) (audio.Microphone, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.microphones[name] = factory
}

// RegisterOutput registers a playback backend factory under name.
func (r *Registry) RegisterOutput(name string, factory func(OutputConfig) (audio.OutputDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[name] = factory
}

// CreateProvider instantiates the provider registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateProvider(entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.providers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: provider/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateMicrophone instantiates the capture backend registered under in.Name.
func (r *Registry) CreateMicrophone(in InputConfig) (audio.Microphone, error) {
	r.mu.RLock()
	factory, ok := r.microphones[in.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input/%q", ErrProviderNotRegistered, in.Name)
	}
	return factory(in)
}

// CreateOutput instantiates the playback backend registered under out.Name.
func (r *Registry) CreateOutput(out OutputConfig) (audio.OutputDevice, error) {
	r.mu.RLock()
	factory, ok := r.outputs[out.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrProviderNotRegistered, out.Name)
	}
	return factory(out)
}

// Names returns the sorted names registered for kind ("provider", "input"
// or "output").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "provider":
		for n := range r.providers {
			names = append(names, n)
		}
	case "input":
		for n := range r.microphones {
			names = append(names, n)
		}
	case "output":
		for n := range r.outputs {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
