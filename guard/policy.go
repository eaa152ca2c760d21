package guard

import (
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/evmotors/dealer-core/session"
)

var knownRoles = map[session.Role]bool{
	session.RoleDealerStaff:   true,
	session.RoleDealerManager: true,
	session.RoleEVMStaff:      true,
	session.RoleAdmin:         true,
}

type policyFile struct {
	LoginPath        string            `yaml:"login_path"`
	UnauthorizedPath string            `yaml:"unauthorized_path"`
	RootPath         string            `yaml:"root_path"`
	AllowedRoles     []string          `yaml:"allowed_roles"`
	RoleHomes        map[string]string `yaml:"role_homes"`
}

// ParsePolicy decodes a Policy from YAML. Unknown role names are rejected
// so a typo in configuration fails at startup instead of silently locking
// users out.
func ParsePolicy(buf []byte) (Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return Policy{}, errors.Wrap(err, "guard: decoding policy")
	}
	p := Policy{
		LoginPath:        file.LoginPath,
		UnauthorizedPath: file.UnauthorizedPath,
		RootPath:         file.RootPath,
		RoleHomes:        make(map[session.Role]string, len(file.RoleHomes)),
	}
	for _, name := range file.AllowedRoles {
		role := session.Role(name)
		if !knownRoles[role] {
			return Policy{}, errors.Newf("guard: unknown role %q in allowed_roles", name)
		}
		p.AllowedRoles = append(p.AllowedRoles, role)
	}
	for name, home := range file.RoleHomes {
		role := session.Role(name)
		if !knownRoles[role] {
			return Policy{}, errors.Newf("guard: unknown role %q in role_homes", name)
		}
		p.RoleHomes[role] = home
	}
	return p, nil
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (Policy, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, errors.Wrap(err, "guard: reading policy file")
	}
	return ParsePolicy(buf)
}
