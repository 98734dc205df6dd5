package middleware

import (
	"slices"

	"github.com/gin-gonic/gin"

	apperrors "vmconductor.io/conductor/internal/pkg/errors"
)

// Permissions checked by the router.
const (
	PermissionAdmin       = "platform:admin"
	PermissionPowerReport = "power:report"
	PermissionVMWrite     = "vm:write"
)

// RequirePermission rejects requests whose token lacks permission.
// PermissionAdmin satisfies every check.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, exists := c.Get("permissions")
		if !exists {
			abortWith(c, apperrors.Forbidden(apperrors.CodeForbidden, "no permissions in context"))
			return
		}
		permList, ok := perms.([]string)
		if !ok {
			abortWith(c, apperrors.Forbidden(apperrors.CodeForbidden, "invalid permissions type"))
			return
		}
		if slices.Contains(permList, PermissionAdmin) || slices.Contains(permList, permission) {
			c.Next()
			return
		}
		abortWith(c, apperrors.Forbidden(apperrors.CodeForbidden, "insufficient permissions"))
	}
}

// abortWith stops the chain and renders err the way ErrorHandler does.
func abortWith(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus, err)
}
