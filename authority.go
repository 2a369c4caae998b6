package tagbus

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

// Role is the network role of the current process.
type Role int32

const (
	// RoleStandalone is a process without peers. It is its own authority.
	RoleStandalone Role = iota
	// RoleHost is the authoritative peer of a session.
	RoleHost
	// RoleClient is a peer that forwards Global requests to the host.
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleStandalone:
		return "standalone"
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("role(%d)", int32(r))
	}
}

// ParseRole parses a role name
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standalone", "":
		return RoleStandalone, nil
	case "host", "server":
		return RoleHost, nil
	case "client":
		return RoleClient, nil
	}
	return 0, fmt.Errorf("%w: unknown role %q", ErrInvalidConfig, s)
}

// RoleProvider reports the current process role.
type RoleProvider interface {
	CurrentProcessRole() Role
}

// RoleFunc adapts a function to RoleProvider
type RoleFunc func() Role

// CurrentProcessRole calls f
func (f RoleFunc) CurrentProcessRole() Role { return f() }

// StaticRole returns a provider that always reports r
func StaticRole(r Role) RoleProvider {
	return RoleFunc(func() Role { return r })
}

// RoleSwitch is a RoleProvider whose role can change at runtime,
// e.g. when a client is promoted during host migration.
type RoleSwitch struct {
	role atomic.Int32
}

// NewRoleSwitch creates a switch starting at r
func NewRoleSwitch(r Role) *RoleSwitch {
	s := &RoleSwitch{}
	s.role.Store(int32(r))
	return s
}

// Set changes the role
func (s *RoleSwitch) Set(r Role) { s.role.Store(int32(r)) }

// CurrentProcessRole returns the current role
func (s *RoleSwitch) CurrentProcessRole() Role { return Role(s.role.Load()) }

// ValidationPolicy controls how strictly Global requests are checked.
type ValidationPolicy int

const (
	// PolicyPermissive accepts every request
	PolicyPermissive ValidationPolicy = iota
	// PolicyBalanced accepts fewer than 10 parameters and context ids
	// shorter than 100 bytes
	PolicyBalanced
	// PolicyStrict accepts fewer than 6 parameters and context ids
	// shorter than 60 bytes
	PolicyStrict
)

var policyNames = map[ValidationPolicy]string{
	PolicyPermissive: "permissive",
	PolicyBalanced:   "balanced",
	PolicyStrict:     "strict",
}

func (p ValidationPolicy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// IsValid reports whether p is a known policy
func (p ValidationPolicy) IsValid() bool {
	_, ok := policyNames[p]
	return ok
}

// ParseValidationPolicy parses a policy name, case-insensitively
func ParseValidationPolicy(s string) (ValidationPolicy, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for p, n := range policyNames {
		if n == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown validation policy %q", ErrInvalidConfig, s)
}

// MarshalText implements encoding.TextMarshaler
func (p ValidationPolicy) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("%w: unknown validation policy %d", ErrInvalidConfig, int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *ValidationPolicy) UnmarshalText(b []byte) error {
	v, err := ParseValidationPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Limits are the exclusive upper bounds a policy enforces. MaxContextID
// counts characters, not bytes. Zero values mean unlimited.
type Limits struct {
	MaxParams    int
	MaxContextID int
}

// Limits returns the bounds of p
func (p ValidationPolicy) Limits() Limits {
	switch p {
	case PolicyBalanced:
		return Limits{MaxParams: 10, MaxContextID: 100}
	case PolicyStrict:
		return Limits{MaxParams: 6, MaxContextID: 60}
	default:
		return Limits{}
	}
}

// AuthorityGate decides whether this process may originate Global
// broadcasts and whether a request passes policy.
type AuthorityGate struct {
	roles RoleProvider
}

// NewAuthorityGate creates a gate. A nil provider means standalone.
func NewAuthorityGate(roles RoleProvider) *AuthorityGate {
	if roles == nil {
		roles = StaticRole(RoleStandalone)
	}
	return &AuthorityGate{roles: roles}
}

// Role returns the current role
func (g *AuthorityGate) Role() Role {
	return g.roles.CurrentProcessRole()
}

// HasAuthority reports whether the process is standalone or host.
// The role is read on every call.
func (g *AuthorityGate) HasAuthority() bool {
	switch g.roles.CurrentProcessRole() {
	case RoleStandalone, RoleHost:
		return true
	default:
		return false
	}
}

// Validate checks env against policy. On rejection reason explains which
// limit was exceeded.
func (g *AuthorityGate) Validate(env Envelope, policy ValidationPolicy) (ok bool, reason string) {
	if policy == PolicyPermissive {
		return true, ""
	}
	if !policy.IsValid() {
		return false, fmt.Sprintf("unknown validation policy %d", int(policy))
	}

	lim := policy.Limits()
	if n := env.Len(); n >= lim.MaxParams {
		return false, fmt.Sprintf("too many parameters: %d (limit %d under %s policy)", n, lim.MaxParams-1, policy)
	}
	if n := utf8.RuneCountInString(env.ContextID()); n >= lim.MaxContextID {
		return false, fmt.Sprintf("context id too long: %d characters (limit %d under %s policy)", n, lim.MaxContextID-1, policy)
	}
	return true, ""
}
