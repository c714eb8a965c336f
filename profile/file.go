package profile

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileEntry is one item of a profile file. An entry either spells out a full
// profile or gives a ja3 string plus user_agent and lets ParseJA3 fill in the
// rest.
type fileEntry struct {
	Profile `yaml:",inline"`
	JA3     string `yaml:"ja3,omitempty"`
}

type profileFile struct {
	Profiles []fileEntry `yaml:"profiles"`
}

// LoadFile reads profiles from a YAML file of the form
//
//	profiles:
//	  - id: chrome-124-linux
//	    ja3: "771,4865-4866-...,0-23-...,29-23-24,0"
//	    user_agent: "Mozilla/5.0 (X11; Linux x86_64) ..."
//
// The profiles are validated but not registered.
func LoadFile(path string) ([]*Profile, error) {
	data, err := os.ReadFile(path) // #nosec G304 – operator-supplied profile path
	if err != nil {
		return nil, fmt.Errorf("profile: read %q: %w", path, err)
	}

	var f profileFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("profile: decode %q: %w", path, err)
	}

	out := make([]*Profile, 0, len(f.Profiles))
	for i := range f.Profiles {
		e := &f.Profiles[i]
		if e.JA3 != "" {
			p, err := ParseJA3(e.ID, e.JA3, e.UserAgent)
			if err != nil {
				return nil, fmt.Errorf("profile: %q entry %d: %w", path, i, err)
			}
			if len(e.Headers) > 0 {
				p.Headers = e.Headers
			}
			out = append(out, p)
			continue
		}
		p := e.Profile
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("profile: %q entry %d: %w", path, i, err)
		}
		out = append(out, &p)
	}
	return out, nil
}

// RegisterFile loads path and registers every profile in it with r.
func (r *Registry) RegisterFile(path string) error {
	profiles, err := LoadFile(path)
	if err != nil {
		return err
	}
	for _, p := range profiles {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}
