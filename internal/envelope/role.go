// ABOUTME: Worker role shared by messengers, lifecycle shims and cluster clients.
// ABOUTME: Exactly one agent and one or more applications exist per deployment.

package envelope

import "fmt"

// Role is the part a worker plays in a deployment.
type Role int

const (
	RoleAgent Role = iota
	RoleApplication
)

// ParseRole accepts "agent" and "app"/"application".
func ParseRole(s string) (Role, error) {
	switch s {
	case "agent":
		return RoleAgent, nil
	case "app", "application":
		return RoleApplication, nil
	default:
		return 0, fmt.Errorf("unknown worker role %q", s)
	}
}

func (r Role) String() string {
	if r == RoleAgent {
		return "agent"
	}
	return "app"
}

// Opposite returns the counterpart role.
func (r Role) Opposite() Role {
	if r == RoleAgent {
		return RoleApplication
	}
	return RoleAgent
}

// Target returns the routing hint addressing this role.
func (r Role) Target() Target {
	if r == RoleAgent {
		return ToAgent
	}
	return ToApp
}
