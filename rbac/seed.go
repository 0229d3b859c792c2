package rbac

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c360/openhim-core/errors"
)

// Seed is a YAML fixture of roles and channels used to bootstrap a
// repository:
//
//	roles:
//	  - name: admin
//	  - name: clerks
//	    permissions:
//	      channel-view-specified: [c1, c2]
//	channels:
//	  - id: c1
//	    name: Lab results
type Seed struct {
	Roles    []SeedRole `yaml:"roles"`
	Channels []Channel  `yaml:"channels"`
}

// SeedRole is a role as written in a seed file. Admin left unset falls back
// to LegacyAdminName.
type SeedRole struct {
	Name        string         `yaml:"name"`
	Permissions map[string]any `yaml:"permissions"`
	Admin       *bool          `yaml:"admin"`
}

// LoadSeed reads and parses a seed file
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Seed", "LoadSeed", fmt.Sprintf("read %s", path))
	}
	return ParseSeed(data)
}

// ParseSeed parses seed YAML and checks that every role and channel is named
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, errors.WrapInvalid(err, "Seed", "ParseSeed", "decode yaml")
	}
	for i, r := range seed.Roles {
		if r.Name == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("role %d has no name", i), "Seed", "ParseSeed", "validate roles")
		}
	}
	for i, c := range seed.Channels {
		if c.ID == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("channel %d has no id", i), "Seed", "ParseSeed", "validate channels")
		}
	}
	return &seed, nil
}

// RoleList converts the seed roles, resolving unset admin flags by name
func (s *Seed) RoleList() []Role {
	roles := make([]Role, len(s.Roles))
	for i, r := range s.Roles {
		admin := LegacyAdminName(r.Name)
		if r.Admin != nil {
			admin = *r.Admin
		}
		perms := Permissions(r.Permissions)
		if perms == nil {
			perms = Permissions{}
		}
		roles[i] = Role{Name: r.Name, Permissions: perms, Admin: admin}
	}
	return roles
}

// Apply writes every role and channel through w
func (s *Seed) Apply(ctx context.Context, w Writer) error {
	for _, role := range s.RoleList() {
		if err := w.PutRole(ctx, role); err != nil {
			return errors.Wrap(err, "Seed", "Apply", fmt.Sprintf("write role %s", role.Name))
		}
	}
	for _, ch := range s.Channels {
		if err := w.PutChannel(ctx, ch); err != nil {
			return errors.Wrap(err, "Seed", "Apply", fmt.Sprintf("write channel %s", ch.ID))
		}
	}
	return nil
}
