package registry

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Common errors for scheme configuration.
var (
	ErrInvalidSchemeConfig = errors.New("invalid scheme config")
	ErrInvalidPattern      = errors.New("invalid scheme value pattern")
)

// Scheme describes one identifier namespace, e.g. tax_id.
type Scheme struct {
	Name string `toml:"name"`

	// Authoritative schemes carry the global-uniqueness invariant: one value
	// maps to at most one entity, and a collision is an integrity error.
	Authoritative bool `toml:"authoritative"`

	// Pattern optionally constrains values. Malformed values are dropped at
	// bind time rather than rejected, since they arrive from crawlers.
	Pattern string `toml:"pattern"`

	re *regexp.Regexp
}

// Schemes is the identifier-scheme table the registry consults when binding
// mention identifiers to entities. Unknown schemes are accepted as
// non-authoritative.
type Schemes struct {
	byName map[string]Scheme
}

// DefaultSchemes covers the identifier namespaces the stock crawlers emit.
func DefaultSchemes() *Schemes {
	s, err := newSchemes([]Scheme{
		{Name: "tax_id", Authoritative: true, Pattern: `^\d{2}-\d{7}$`},
		{Name: "registration_number", Authoritative: true},
		{Name: "duns", Authoritative: true, Pattern: `^\d{9}$`},
		{Name: "ticker", Authoritative: false},
		{Name: "domain", Authoritative: false},
	})
	if err != nil {
		// Static table above; a compile failure here is a programming error.
		panic(err)
	}
	return s
}

// LoadSchemes reads a scheme table from a TOML file:
//
//	[[scheme]]
//	name = "tax_id"
//	authoritative = true
//	pattern = '^\d{2}-\d{7}$'
//
// A missing file yields DefaultSchemes. Invalid TOML or an uncompilable
// pattern is an error; patterns are validated fail-fast at load time.
func LoadSchemes(path string) (*Schemes, error) {
	if path == "" {
		return DefaultSchemes(), nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return DefaultSchemes(), nil
		}
		return nil, err
	}

	var config struct {
		Scheme []Scheme `toml:"scheme"`
	}
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSchemeConfig, path, err)
	}
	if len(config.Scheme) == 0 {
		return nil, fmt.Errorf("%w: %s: no schemes defined", ErrInvalidSchemeConfig, path)
	}
	return newSchemes(config.Scheme)
}

func newSchemes(list []Scheme) (*Schemes, error) {
	byName := make(map[string]Scheme, len(list))
	for _, sc := range list {
		if sc.Name == "" {
			return nil, fmt.Errorf("%w: scheme without a name", ErrInvalidSchemeConfig)
		}
		if sc.Pattern != "" {
			re, err := regexp.Compile(sc.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: scheme %s: %q: %v", ErrInvalidPattern, sc.Name, sc.Pattern, err)
			}
			sc.re = re
		}
		byName[sc.Name] = sc
	}
	return &Schemes{byName: byName}, nil
}

// Authoritative reports whether a scheme carries the uniqueness invariant.
// Unknown schemes are non-authoritative.
func (s *Schemes) Authoritative(name string) bool {
	return s.byName[name].Authoritative
}

// ValidValue reports whether a value is acceptable under a scheme's
// pattern. Schemes without patterns, and unknown schemes, accept anything
// non-empty.
func (s *Schemes) ValidValue(name, value string) bool {
	if value == "" {
		return false
	}
	sc, ok := s.byName[name]
	if !ok || sc.re == nil {
		return true
	}
	return sc.re.MatchString(value)
}

// Names returns the configured scheme names.
func (s *Schemes) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	return names
}
