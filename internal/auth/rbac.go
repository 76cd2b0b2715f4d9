package auth

import (
	"net/http"
	"slices"
)

type Permission string

const (
	PermRunsRead   Permission = "runs:read"
	PermRunsWrite  Permission = "runs:write"
	PermRunsCancel Permission = "runs:cancel"
	PermWildcard   Permission = "*"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin:  {PermWildcard},
	RoleEditor: {PermRunsRead, PermRunsWrite, PermRunsCancel},
	RoleViewer: {PermRunsRead},
}

// Allows reports whether role grants perm. Unknown roles grant nothing.
func (r Role) Allows(perm Permission) bool {
	perms := rolePermissions[r]
	return slices.Contains(perms, PermWildcard) || slices.Contains(perms, perm)
}

// RequirePermission rejects requests whose token role lacks perm. It must run
// after JWTMiddleware.Authenticate.
func RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !claims.Role.Allows(perm) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
