package profile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownProfile is returned by Lookup for an identifier that was never
	// registered.
	ErrUnknownProfile = errors.New("unknown fingerprint profile")

	// ErrDuplicateProfile is returned by Register when the identifier is
	// already taken.
	ErrDuplicateProfile = errors.New("duplicate fingerprint profile")
)

// Registry maps profile identifiers to immutable profiles.
//
// Registration happens at startup; afterwards the registry is only read.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	aliases  map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		profiles: make(map[string]*Profile),
		aliases:  make(map[string]string),
	}
}

// Register validates p and stores a private copy of it.
func (r *Registry) Register(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	clone, err := p.Clone()
	if err != nil {
		return err
	}
	clone.ID = NormalizeID(clone.ID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.profiles[clone.ID]; exists {
		return fmt.Errorf("profile: register %q: %w", clone.ID, ErrDuplicateProfile)
	}
	r.profiles[clone.ID] = clone
	r.aliases[compactID(clone.ID)] = clone.ID
	return nil
}

// Alias makes alias resolve to the registered profile id.
func (r *Registry) Alias(alias, id string) error {
	id = NormalizeID(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[id]; !ok {
		return fmt.Errorf("profile: alias %q -> %q: %w", alias, id, ErrUnknownProfile)
	}
	r.aliases[compactID(NormalizeID(alias))] = id
	return nil
}

// Lookup returns a copy of the profile registered under id. Loose spellings
// such as "chrome120" or "Chrome_120" are accepted when an alias exists.
func (r *Registry) Lookup(id string) (*Profile, error) {
	p, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return p.Clone()
}

// Resolve returns the canonical identifier for id.
func (r *Registry) Resolve(id string) (string, error) {
	p, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func (r *Registry) lookup(id string) (*Profile, error) {
	norm := NormalizeID(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.profiles[norm]; ok {
		return p, nil
	}
	if canon, ok := r.aliases[compactID(norm)]; ok {
		return r.profiles[canon], nil
	}
	return nil, fmt.Errorf("profile: lookup %q: %w", id, ErrUnknownProfile)
}

// IDs returns the registered identifiers in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered profiles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}

// NormalizeID lower-cases name and folds '_' and spaces into '-'.
func NormalizeID(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer("_", "-", " ", "-").Replace(n)
	return n
}

func compactID(id string) string {
	return strings.ReplaceAll(id, "-", "")
}

var defaultRegistry = sync.OnceValue(NewSeededRegistry)

// Default returns the process-wide registry seeded with the built-in table.
// Extra profiles (see LoadFile) should be registered before the first
// session is created.
func Default() *Registry {
	return defaultRegistry()
}

// NewSeededRegistry returns a fresh registry holding the built-in table,
// independent of Default.
func NewSeededRegistry() *Registry {
	r := NewRegistry()
	for _, p := range builtinProfiles() {
		if err := r.Register(p); err != nil {
			panic(fmt.Sprintf("profile: seed %q: %v", p.ID, err))
		}
	}
	for alias, id := range builtinAliases {
		if err := r.Alias(alias, id); err != nil {
			panic(fmt.Sprintf("profile: seed alias %q: %v", alias, err))
		}
	}
	return r
}
