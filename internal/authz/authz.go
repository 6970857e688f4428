// Package authz models what a procedure requires of its signer and checks
// those requirements against the signer's actual permissions and roles.
package authz

import (
	"sort"
	"strings"

	"github.com/R3E-Network/txflow/internal/ledger"
)

// Permission allows a signer to invoke one ledger call, optionally scoped to
// an asset and a portfolio. An empty scope field means "any".
type Permission struct {
	Call      ledger.CallRef `json:"call"`
	Asset     string         `json:"asset,omitempty"`
	Portfolio string         `json:"portfolio,omitempty"`
}

// PermissionFor is shorthand for an unscoped permission on module.method.
func PermissionFor(module, method string) Permission {
	return Permission{Call: ledger.NewCallRef(module, method)}
}

// OnAsset returns p scoped to asset.
func (p Permission) OnAsset(asset string) Permission {
	p.Asset = asset
	return p
}

// OnPortfolio returns p scoped to portfolio.
func (p Permission) OnPortfolio(portfolio string) Permission {
	p.Portfolio = portfolio
	return p
}

// Covers reports whether holding p satisfies a requirement for q. A granted
// permission with an empty scope field covers any value of that field.
func (p Permission) Covers(q Permission) bool {
	if p.Call != q.Call {
		return false
	}
	if p.Asset != "" && p.Asset != q.Asset {
		return false
	}
	return p.Portfolio == "" || p.Portfolio == q.Portfolio
}

// String renders "module.method" with its scope, e.g.
// "asset.transfer{asset=7}".
func (p Permission) String() string {
	var scope []string
	if p.Asset != "" {
		scope = append(scope, "asset="+p.Asset)
	}
	if p.Portfolio != "" {
		scope = append(scope, "portfolio="+p.Portfolio)
	}
	if len(scope) == 0 {
		return p.Call.String()
	}
	return p.Call.String() + "{" + strings.Join(scope, ",") + "}"
}

// Role is a named role, optionally scoped (for example an asset agent role
// scoped to one asset).
type Role struct {
	Kind  string `json:"kind"`
	Scope string `json:"scope,omitempty"`
}

// Covers reports whether holding r satisfies a requirement for q.
func (r Role) Covers(q Role) bool {
	return r.Kind == q.Kind && (r.Scope == "" || r.Scope == q.Scope)
}

func (r Role) String() string {
	if r.Scope == "" {
		return r.Kind
	}
	return r.Kind + "{" + r.Scope + "}"
}

// Requirement is a set of permissions and roles. Values are normalized:
// deduplicated and sorted, so equal sets compare equal regardless of the
// order they were built in.
type Requirement struct {
	Permissions []Permission `json:"permissions,omitempty"`
	Roles       []Role       `json:"roles,omitempty"`
}

// NewRequirement builds a normalized requirement.
func NewRequirement(perms []Permission, roles []Role) Requirement {
	return Requirement{Permissions: normalizePermissions(perms), Roles: normalizeRoles(roles)}
}

// Empty reports whether r requires nothing.
func (r Requirement) Empty() bool { return len(r.Permissions) == 0 && len(r.Roles) == 0 }

// Merge returns the union of r and o.
func (r Requirement) Merge(o Requirement) Requirement {
	perms := make([]Permission, 0, len(r.Permissions)+len(o.Permissions))
	perms = append(append(perms, r.Permissions...), o.Permissions...)
	roles := make([]Role, 0, len(r.Roles)+len(o.Roles))
	roles = append(append(roles, r.Roles...), o.Roles...)
	return NewRequirement(perms, roles)
}

// Missing returns the part of r not covered by granted.
func (r Requirement) Missing(granted Requirement) Requirement {
	var out Requirement
	for _, p := range r.Permissions {
		if !coversPermission(granted.Permissions, p) {
			out.Permissions = append(out.Permissions, p)
		}
	}
	for _, role := range r.Roles {
		if !coversRole(granted.Roles, role) {
			out.Roles = append(out.Roles, role)
		}
	}
	return out
}

// Contains reports whether r covers every element of o.
func (r Requirement) Contains(o Requirement) bool { return o.Missing(r).Empty() }

// Equal reports set equality.
func (r Requirement) Equal(o Requirement) bool {
	a, b := NewRequirement(r.Permissions, r.Roles), NewRequirement(o.Permissions, o.Roles)
	if len(a.Permissions) != len(b.Permissions) || len(a.Roles) != len(b.Roles) {
		return false
	}
	for i := range a.Permissions {
		if a.Permissions[i] != b.Permissions[i] {
			return false
		}
	}
	for i := range a.Roles {
		if a.Roles[i] != b.Roles[i] {
			return false
		}
	}
	return true
}

// PermissionStrings renders the permissions for error data and logs.
func (r Requirement) PermissionStrings() []string {
	out := make([]string, len(r.Permissions))
	for i, p := range r.Permissions {
		out[i] = p.String()
	}
	return out
}

// RoleStrings renders the roles for error data and logs.
func (r Requirement) RoleStrings() []string {
	out := make([]string, len(r.Roles))
	for i, role := range r.Roles {
		out[i] = role.String()
	}
	return out
}

func coversPermission(granted []Permission, p Permission) bool {
	for _, g := range granted {
		if g.Covers(p) {
			return true
		}
	}
	return false
}

func coversRole(granted []Role, r Role) bool {
	for _, g := range granted {
		if g.Covers(r) {
			return true
		}
	}
	return false
}

func normalizePermissions(in []Permission) []Permission {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[Permission]struct{}, len(in))
	out := make([]Permission, 0, len(in))
	for _, p := range in {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func normalizeRoles(in []Role) []Role {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[Role]struct{}, len(in))
	out := make([]Role, 0, len(in))
	for _, r := range in {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// =============================================================================
// Decisions and authorizations
// =============================================================================

// Decision is an explicit verdict that overrides permission checking for
// the subtree it is attached to.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow is an explicit allow decision.
func Allow() *Decision { return &Decision{Allowed: true} }

// Deny is an explicit deny decision.
func Deny(reason string) *Decision { return &Decision{Reason: reason} }

// Authorization is what a procedure's authorize stage returns.
type Authorization struct {
	Requirement
	Decision *Decision `json:"decision,omitempty"`
}

// None requires nothing.
func None() Authorization { return Authorization{} }

// Require builds an authorization requiring perms.
func Require(perms ...Permission) Authorization {
	return Authorization{Requirement: NewRequirement(perms, nil)}
}

// WithRoles returns a with roles added to its requirement.
func (a Authorization) WithRoles(roles ...Role) Authorization {
	a.Requirement = a.Requirement.Merge(NewRequirement(nil, roles))
	return a
}

// Allowed is an explicit allow.
func Allowed() Authorization { return Authorization{Decision: Allow()} }

// IsAllowed reports whether a carries an explicit allow.
func (a Authorization) IsAllowed() bool { return a.Decision != nil && a.Decision.Allowed }

// Denied is an explicit deny with a reason.
func Denied(reason string) Authorization {
	return Authorization{Decision: Deny(reason)}
}

// =============================================================================
// Authorization tree
// =============================================================================

// Node is the authorization of one procedure invocation and of every child
// procedure it composed.
type Node struct {
	Procedure string        `json:"procedure"`
	Auth      Authorization `json:"authorization"`
	Children  []*Node       `json:"children,omitempty"`
}

// NewNode creates a leaf.
func NewNode(procedure string, auth Authorization) *Node {
	auth.Requirement = NewRequirement(auth.Permissions, auth.Roles)
	return &Node{Procedure: procedure, Auth: auth}
}

// AddChild appends child under n.
func (n *Node) AddChild(child *Node) {
	if child != nil {
		n.Children = append(n.Children, child)
	}
}

// Flatten returns the union requirement of the subtree. Subtrees carrying an
// explicit allow contribute nothing.
func (n *Node) Flatten() Requirement {
	if n == nil {
		return Requirement{}
	}
	if n.Auth.IsAllowed() {
		return Requirement{}
	}
	req := n.Auth.Requirement
	for _, c := range n.Children {
		req = req.Merge(c.Flatten())
	}
	return req
}

// Denial returns the first explicit deny in the subtree, depth first. An
// explicit allow decides its whole subtree, so nothing below it is visited.
func (n *Node) Denial() (procedure, reason string, denied bool) {
	if n == nil || n.Auth.IsAllowed() {
		return "", "", false
	}
	if d := n.Auth.Decision; d != nil && !d.Allowed {
		return n.Procedure, d.Reason, true
	}
	for _, c := range n.Children {
		if p, r, ok := c.Denial(); ok {
			return p, r, true
		}
	}
	return "", "", false
}

// Walk visits n and its descendants depth first.
func (n *Node) Walk(fn func(depth int, node *Node)) {
	n.walk(0, fn)
}

func (n *Node) walk(depth int, fn func(int, *Node)) {
	if n == nil {
		return
	}
	fn(depth, n)
	for _, c := range n.Children {
		c.walk(depth+1, fn)
	}
}
