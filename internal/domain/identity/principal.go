package identity

import "context"

// Role of an end-user within a workspace
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Principal is an authenticated end-user. It is never produced by the
// operational credential path.
type Principal struct {
	UserID   string
	TenantID string
	Role     Role
}

// Elevated reports whether p may act on scans it does not own.
func (p Principal) Elevated() bool { return p.Role == RoleAdmin }

// Owns reports whether p may act on a scan owned by owner in tenant.
func (p Principal) Owns(tenant, owner string) bool {
	if p.Elevated() {
		return true
	}
	return p.TenantID != "" && p.TenantID == tenant && p.UserID != "" && p.UserID == owner
}

// CanView reports whether p may read a scan in tenant.
func (p Principal) CanView(tenant string) bool {
	return p.Elevated() || (p.TenantID != "" && p.TenantID == tenant)
}

// Operator is the process-wide credential used by schedulers and ops tooling.
type Operator struct {
	Name string
}

type principalKey struct{}
type operatorKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the end-user principal on ctx, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// WithOperator stores the operational credential on ctx.
func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

// OperatorFrom returns the operational credential on ctx, if any.
func OperatorFrom(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(operatorKey{}).(Operator)
	return op, ok
}
