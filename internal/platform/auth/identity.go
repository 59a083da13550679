// Package auth authenticates API callers and enforces role checks. The
// questionnaire service trusts the identity it finds here and nothing else.
package auth

import "context"

const (
	RolePatient   = "patient"
	RolePhysician = "physician"
	RoleAdmin     = "admin"
)

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Roles   []string
}

// Has reports whether the identity holds role. Admin holds every role.
func (id Identity) Has(role string) bool {
	for _, r := range id.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.Subject != ""
}

// UserIDFromContext returns the caller's subject, or "" when unauthenticated.
func UserIDFromContext(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.Subject
}
