package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
)

// PolicyStore holds the active policy and swaps it atomically on reload.
// Readers never block and always see a complete, validated policy.
type PolicyStore struct {
	path    string
	current atomic.Pointer[Policy]
	version atomic.Uint64

	mu        sync.Mutex
	listeners []func(*Policy)
}

// NewPolicyStore wraps an already validated policy
func NewPolicyStore(p *Policy) *PolicyStore {
	s := &PolicyStore{}
	s.current.Store(p)
	s.version.Store(1)
	return s
}

// LoadPolicyStore loads the policy at path. A missing file yields the
// built-in defaults so the engine can start before a policy is written.
func LoadPolicyStore(path string) (*PolicyStore, error) {
	p, err := LoadPolicy(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.Printf("Policy file %s not found, using built-in defaults", path)
		p = NewDefaultPolicy()
	}
	s := NewPolicyStore(p)
	s.path = path
	return s, nil
}

// Get returns the active policy
func (s *PolicyStore) Get() *Policy {
	return s.current.Load()
}

// Version increases by one on every successful swap
func (s *PolicyStore) Version() uint64 {
	return s.version.Load()
}

// Path returns the backing file, empty for in-memory stores
func (s *PolicyStore) Path() string {
	return s.path
}

// OnChange registers a callback invoked after every swap
func (s *PolicyStore) OnChange(fn func(*Policy)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Swap validates p and makes it the active policy
func (s *PolicyStore) Swap(p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.current.Store(p)
	v := s.version.Add(1)
	listeners := make([]func(*Policy), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	log.Printf("Policy: activated version %d", v)
	for _, fn := range listeners {
		fn(p)
	}
	return nil
}

// Reload re-reads the backing file. An invalid file leaves the active policy untouched.
func (s *PolicyStore) Reload() error {
	if s.path == "" {
		return errors.New("policy store has no backing file")
	}
	p, err := LoadPolicy(s.path)
	if err != nil {
		return fmt.Errorf("policy reload rejected: %w", err)
	}
	return s.Swap(p)
}
