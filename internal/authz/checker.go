package authz

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	txerrors "github.com/R3E-Network/txflow/internal/errors"
	"github.com/R3E-Network/txflow/internal/ledger"
)

// DefaultCheckTimeout bounds one permission query.
const DefaultCheckTimeout = 10 * time.Second

// maxConcurrentChecks caps the checks Evaluate runs at once.
const maxConcurrentChecks = 8

// Checker answers permission and role queries for a signer.
type Checker interface {
	HasPermission(ctx context.Context, signer ledger.Signer, p Permission) (bool, error)
	HasRole(ctx context.Context, signer ledger.Signer, r Role) (bool, error)
}

// =============================================================================
// Static grants
// =============================================================================

// Grants is a static, in-memory Checker keyed by signer address.
type Grants struct {
	mu      sync.RWMutex
	granted map[string]Requirement
}

// NewGrants creates an empty grant set.
func NewGrants() *Grants {
	return &Grants{granted: make(map[string]Requirement)}
}

// Grant adds permissions for address.
func (g *Grants) Grant(address string, perms ...Permission) *Grants {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.granted[address] = g.granted[address].Merge(NewRequirement(perms, nil))
	return g
}

// GrantRoles adds roles for address.
func (g *Grants) GrantRoles(address string, roles ...Role) *Grants {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.granted[address] = g.granted[address].Merge(NewRequirement(nil, roles))
	return g
}

// Of returns everything granted to address.
func (g *Grants) Of(address string) Requirement {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.granted[address]
}

// HasPermission implements Checker.
func (g *Grants) HasPermission(_ context.Context, signer ledger.Signer, p Permission) (bool, error) {
	return coversPermission(g.Of(signer.Address()).Permissions, p), nil
}

// HasRole implements Checker.
func (g *Grants) HasRole(_ context.Context, signer ledger.Signer, r Role) (bool, error) {
	return coversRole(g.Of(signer.Address()).Roles, r), nil
}

// =============================================================================
// Ledger-backed checks
// =============================================================================

// LedgerChecker asks the ledger's permission interface.
type LedgerChecker struct {
	Ledger  ledger.Ledger
	Timeout time.Duration
}

// NewLedgerChecker creates a checker with the given per-query timeout; zero
// uses DefaultCheckTimeout.
func NewLedgerChecker(l ledger.Ledger, timeout time.Duration) *LedgerChecker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &LedgerChecker{Ledger: l, Timeout: timeout}
}

// HasPermission implements Checker.
func (c *LedgerChecker) HasPermission(ctx context.Context, signer ledger.Signer, p Permission) (bool, error) {
	return c.query(ctx, ledger.PermissionQuery{
		Signer:    signer.Address(),
		Call:      p.Call.String(),
		Asset:     p.Asset,
		Portfolio: p.Portfolio,
	})
}

// HasRole implements Checker.
func (c *LedgerChecker) HasRole(ctx context.Context, signer ledger.Signer, r Role) (bool, error) {
	return c.query(ctx, ledger.PermissionQuery{
		Signer: signer.Address(),
		Role:   r.Kind,
		Asset:  r.Scope,
	})
}

func (c *LedgerChecker) query(ctx context.Context, q ledger.PermissionQuery) (bool, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := c.Ledger.HasPermission(ctx, q)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, txerrors.Timeout("permission query timed out", err)
		}
		return false, txerrors.Wrap(txerrors.CodeDataUnavailable, err, "permission query failed")
	}
	return ok, nil
}

// =============================================================================
// Evaluation
// =============================================================================

// Evaluate checks the tree rooted at node for signer. It returns nil, or a
// NotAuthorized error naming the explicit denial or every missing
// permission and role.
func Evaluate(ctx context.Context, signer ledger.Signer, node *Node, checker Checker) error {
	if proc, reason, denied := node.Denial(); denied {
		return txerrors.NotAuthorized(reason, map[string]any{
			"procedure": proc,
			"signer":    signer.Address(),
			"reason":    reason,
		})
	}

	missing, err := Missing(ctx, signer, node.Flatten(), checker)
	if err != nil {
		return err
	}
	if missing.Empty() {
		return nil
	}
	procedure := node.Procedure
	if p, ok := requiring(node, missing); ok {
		procedure = p
	}
	return txerrors.NotAuthorized("signer lacks required permissions", map[string]any{
		"procedure":           procedure,
		"signer":              signer.Address(),
		"missing_permissions": missing.PermissionStrings(),
		"missing_roles":       missing.RoleStrings(),
	})
}

// requiring returns the first procedure in n, depth first, whose own
// requirement includes part of missing.
func requiring(n *Node, missing Requirement) (string, bool) {
	if n == nil || n.Auth.IsAllowed() {
		return "", false
	}
	own := n.Auth.Requirement
	rest := own.Missing(missing)
	if len(rest.Permissions) < len(own.Permissions) || len(rest.Roles) < len(own.Roles) {
		return n.Procedure, true
	}
	for _, c := range n.Children {
		if p, ok := requiring(c, missing); ok {
			return p, true
		}
	}
	return "", false
}

// Missing checks every element of req concurrently and returns the ones the
// signer does not hold.
func Missing(ctx context.Context, signer ledger.Signer, req Requirement, checker Checker) (Requirement, error) {
	if req.Empty() {
		return Requirement{}, nil
	}

	var (
		mu      sync.Mutex
		missing Requirement
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChecks)

	for _, p := range req.Permissions {
		p := p
		g.Go(func() error {
			ok, err := checker.HasPermission(gctx, signer, p)
			if err != nil {
				return err
			}
			if !ok {
				mu.Lock()
				missing.Permissions = append(missing.Permissions, p)
				mu.Unlock()
			}
			return nil
		})
	}
	for _, r := range req.Roles {
		r := r
		g.Go(func() error {
			ok, err := checker.HasRole(gctx, signer, r)
			if err != nil {
				return err
			}
			if !ok {
				mu.Lock()
				missing.Roles = append(missing.Roles, r)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Requirement{}, err
	}

	sort.Slice(missing.Permissions, func(i, j int) bool {
		return missing.Permissions[i].String() < missing.Permissions[j].String()
	})
	sort.Slice(missing.Roles, func(i, j int) bool { return missing.Roles[i].String() < missing.Roles[j].String() })
	return missing, nil
}
