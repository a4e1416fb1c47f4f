package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/steward-sh/steward/internal/domain"
)

// DefaultRoles returns the built-in role table used when no roles file is
// configured. Roles are plain data; new roles need a YAML entry, not code.
func DefaultRoles() []domain.Role {
	return []domain.Role{
		{Name: "orchestrator", Orchestrator: true, Schedulable: true, Restartable: true},
		{Name: "worker", Schedulable: true, Restartable: true},
		{Name: "reviewer", Schedulable: true, Restartable: true},
		{Name: "observer", Schedulable: false, Restartable: false},
	}
}

type rolesFile struct {
	Roles []domain.Role `yaml:"roles"`
}

// LoadRoles reads the role capability table from path. An empty path yields
// the built-in set.
func LoadRoles(path string) ([]domain.Role, error) {
	if path == "" {
		return DefaultRoles(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-controlled config path
	if err != nil {
		return nil, fmt.Errorf("reading roles file: %w", err)
	}
	var f rolesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing roles file: %w", err)
	}
	if len(f.Roles) == 0 {
		return nil, fmt.Errorf("roles file %s defines no roles", path)
	}
	seen := make(map[string]bool, len(f.Roles))
	orchestrators := 0
	for i, r := range f.Roles {
		if r.Name == "" {
			return nil, fmt.Errorf("role %d: name is required", i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("role %q defined twice", r.Name)
		}
		seen[r.Name] = true
		if r.Orchestrator {
			orchestrators++
		}
	}
	if orchestrators == 0 {
		return nil, fmt.Errorf("roles file %s defines no orchestrator role", path)
	}
	return f.Roles, nil
}

// RoleByName returns the role with the given name, or false.
func RoleByName(roles []domain.Role, name string) (domain.Role, bool) {
	for _, r := range roles {
		if r.Name == name {
			return r, true
		}
	}
	return domain.Role{}, false
}
