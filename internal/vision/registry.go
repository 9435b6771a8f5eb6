package vision

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spec configures one provider slot in the registry.
type Spec struct {
	Name       string `yaml:"name"`
	Priority   int    `yaml:"priority"`
	Model      string `yaml:"model,omitempty"`
	BaseURL    string `yaml:"base_url,omitempty"`
	Enabled    bool   `yaml:"enabled"`
	Credential string `yaml:"-"`
}

// Entry is a registered provider with its static configuration.
type Entry struct {
	Name       string
	Priority   int
	Credential string
	Enabled    bool
	Provider   Provider
}

// Info describes an entry's availability for display.
type Info struct {
	Name              string `json:"name"`
	Priority          int    `json:"priority"`
	Enabled           bool   `json:"enabled"`
	CredentialPresent bool   `json:"credential_present"`
	Available         bool   `json:"available"`
	Reason            string `json:"reason,omitempty"`
}

// Registry is the fixed set of configured providers. It is built once and
// never mutated afterwards.
type Registry struct {
	entries []Entry
}

// NewRegistry creates a registry over entries.
func NewRegistry(entries ...Entry) *Registry {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return &Registry{entries: cp}
}

// Available returns enabled entries with a well-formed credential, sorted by
// ascending priority. Entries with equal priority keep registration order.
func (r *Registry) Available() []Entry {
	var out []Entry
	for _, e := range r.entries {
		if e.Provider == nil || !e.Enabled {
			continue
		}
		if ValidateCredential(e.Name, e.Credential) != nil {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Describe reports every entry, available or not, in priority order.
func (r *Registry) Describe() []Info {
	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		info := Info{
			Name:              e.Name,
			Priority:          e.Priority,
			Enabled:           e.Enabled,
			CredentialPresent: e.Credential != "",
		}
		switch err := ValidateCredential(e.Name, e.Credential); {
		case !e.Enabled:
			info.Reason = "disabled"
		case e.Provider == nil:
			info.Reason = "no client"
		case err != nil:
			info.Reason = err.Error()
		default:
			info.Available = true
		}
		infos = append(infos, info)
	}
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].Priority < infos[j].Priority })
	return infos
}

// ValidateCredential checks that cred is present and shaped like a credential
// for the named provider. For Ollama the credential is the server base URL.
func ValidateCredential(name, cred string) error {
	if cred == "" {
		return fmt.Errorf("credential missing")
	}
	if strings.ContainsAny(cred, " \t\r\n") {
		return fmt.Errorf("credential contains whitespace")
	}

	prefixed := func(prefix string) error {
		if !strings.HasPrefix(cred, prefix) || len(cred) < len(prefix)+16 {
			return fmt.Errorf("credential is not a %s key (expected %s...)", name, prefix)
		}
		return nil
	}

	switch name {
	case "openai":
		return prefixed("sk-")
	case "openrouter":
		return prefixed("sk-or-")
	case "anthropic":
		return prefixed("sk-ant-")
	case "gemini":
		if !strings.HasPrefix(cred, "AIza") || len(cred) != 39 {
			return fmt.Errorf("credential is not a gemini key (expected AIza..., 39 chars)")
		}
		return nil
	case "ollama":
		u, err := url.Parse(cred)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("ollama base url %q is not an http(s) url", cred)
		}
		return nil
	}
	return nil
}

// Build creates a registry from specs, constructing the matching client for
// each known provider name.
func Build(specs []Spec) (*Registry, error) {
	entries := make([]Entry, 0, len(specs))
	for _, s := range specs {
		var p Provider
		cred := s.Credential
		switch s.Name {
		case "openai":
			c := NewOpenAIClient(cred, s.Model)
			if s.BaseURL != "" {
				c.WithBaseURL(s.BaseURL)
			}
			p = c
		case "openrouter":
			c := NewOpenRouterClient(cred, s.Model)
			if s.BaseURL != "" {
				c.WithBaseURL(s.BaseURL)
			}
			p = c
		case "anthropic":
			c := NewAnthropicClient(cred, s.Model)
			if s.BaseURL != "" {
				c.WithBaseURL(s.BaseURL)
			}
			p = c
		case "gemini":
			c := NewGeminiClient(cred, s.Model)
			if s.BaseURL != "" {
				c.WithBaseURL(s.BaseURL)
			}
			p = c
		case "ollama":
			cred = s.BaseURL
			if cred == "" {
				cred = defaultOllamaURL
			}
			p = NewOllamaClient(cred, s.Model)
		default:
			return nil, fmt.Errorf("unknown provider %q", s.Name)
		}
		entries = append(entries, Entry{
			Name:       s.Name,
			Priority:   s.Priority,
			Credential: cred,
			Enabled:    s.Enabled,
			Provider:   p,
		})
	}
	return NewRegistry(entries...), nil
}

type registryFile struct {
	Providers []struct {
		Name     string  `yaml:"name"`
		Priority *int    `yaml:"priority"`
		Model    *string `yaml:"model"`
		BaseURL  *string `yaml:"base_url"`
		Enabled  *bool   `yaml:"enabled"`
	} `yaml:"providers"`
}

// ApplyRegistryFile overlays the YAML file at path onto specs. Fields absent
// from the file keep their current value. Providers named in the file but
// missing from specs are appended, enabled unless the file says otherwise.
func ApplyRegistryFile(path string, specs []Spec) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading provider registry: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing provider registry %s: %w", path, err)
	}

	out := make([]Spec, len(specs))
	copy(out, specs)
	index := make(map[string]int, len(out))
	for i, s := range out {
		index[s.Name] = i
	}

	for _, p := range f.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("provider registry %s: entry without name", path)
		}
		i, ok := index[p.Name]
		if !ok {
			out = append(out, Spec{Name: p.Name, Enabled: true})
			i = len(out) - 1
			index[p.Name] = i
		}
		if p.Priority != nil {
			out[i].Priority = *p.Priority
		}
		if p.Model != nil {
			out[i].Model = *p.Model
		}
		if p.BaseURL != nil {
			out[i].BaseURL = *p.BaseURL
		}
		if p.Enabled != nil {
			out[i].Enabled = *p.Enabled
		}
	}
	return out, nil
}
