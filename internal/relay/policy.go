package relay

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/dealsync/dealsync/internal/protocol"
)

// Policy controls which sessions the relay accepts. Empty allow-lists
// allow everything; limits of zero mean unlimited.
//
// Policies load from a TOML file:
//
//	max_clients_per_session = 8
//	namespaces = ["crm"]
//	entity_types = ["deal", "contact", "task"]
type Policy struct {
	// MaxClientsPerSession caps concurrent clients in one session.
	MaxClientsPerSession int `toml:"max_clients_per_session"`

	// Namespaces restricts the first session-name segment.
	Namespaces []string `toml:"namespaces"`

	// EntityTypes restricts the second session-name segment.
	EntityTypes []string `toml:"entity_types"`
}

// DefaultPolicy allows any well-formed session name.
func DefaultPolicy() Policy {
	return Policy{}
}

// LoadPolicy reads a policy from a TOML file.
func LoadPolicy(path string) (Policy, error) {
	var p Policy
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to load relay policy: %w", err)
	}
	return p, nil
}

// AllowSession reports whether a session identifier is well formed and
// permitted by this policy.
func (p Policy) AllowSession(sessionID string) error {
	name, err := protocol.ParseSessionName(sessionID)
	if err != nil {
		return err
	}
	if len(p.Namespaces) > 0 && !contains(p.Namespaces, name.Namespace) {
		return fmt.Errorf("namespace %q is not served by this relay", name.Namespace)
	}
	if len(p.EntityTypes) > 0 && !contains(p.EntityTypes, name.EntityType) {
		return fmt.Errorf("entity type %q is not served by this relay", name.EntityType)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
