package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profiles maps profile names to session settings. A profile bundles the
// gateway identity one conversation surface uses, so one bridge process can
// serve several dashboards against different sessions.
type Profiles struct {
	Default  string             `yaml:"default"`
	Profiles map[string]Profile `yaml:"profiles"`
}

// Profile is one named session configuration.
type Profile struct {
	SessionKey  string   `yaml:"session_key"`
	DisplayName string   `yaml:"display_name"`
	Role        string   `yaml:"role"`
	Scopes      []string `yaml:"scopes"`
	Locale      string   `yaml:"locale"`
	// Token overrides the process-wide gateway token. Prefer ${VAR} syntax.
	Token string `yaml:"token"`
}

// LoadProfiles reads and parses a YAML profile file, expanding env vars.
func LoadProfiles(path string) (*Profiles, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profiles: read %s: %w", path, err)
	}
	return LoadProfilesBytes(raw)
}

// LoadProfilesBytes parses YAML profiles from bytes (useful for testing).
func LoadProfilesBytes(data []byte) (*Profiles, error) {
	expanded := expandEnvVars(string(data))

	var p Profiles
	if err := yaml.Unmarshal([]byte(expanded), &p); err != nil {
		return nil, fmt.Errorf("profiles: parse: %w", err)
	}
	if p.Default != "" {
		if _, ok := p.Profiles[p.Default]; !ok {
			return nil, fmt.Errorf("profiles: default %q not defined", p.Default)
		}
	}
	return &p, nil
}

// Get returns a profile by name, falling back to the default when name is
// empty.
func (p *Profiles) Get(name string) (Profile, bool) {
	if name == "" {
		name = p.Default
	}
	prof, ok := p.Profiles[name]
	return prof, ok
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the corresponding environment
// variable value. Missing vars are replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
