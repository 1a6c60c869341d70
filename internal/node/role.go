package node

import "fmt"

// Role represents the part this node plays in a session.
type Role int

const (
	RoleNone   Role = iota
	RoleHost        // authoritative simulation, ledger owner
	RoleClient      // predicting peer joined to a host
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	default:
		return "none"
	}
}

// ParseRole maps a config or flag value to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "host", "":
		return RoleHost, nil
	case "client":
		return RoleClient, nil
	default:
		return RoleNone, fmt.Errorf("unknown role %q", s)
	}
}
