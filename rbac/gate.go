package rbac

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/openhim-core/errors"
)

// Gate authorises administrative operations
type Gate struct {
	roles  RoleRepository
	logger *slog.Logger
}

// NewGate creates a Gate reading roles from roles
func NewGate(roles RoleRepository, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{roles: roles, logger: logger.With("component", "rbac-gate")}
}

// Check allows operation when a role matching one of user's groups is an
// admin role or grants permission. A user without groups, or whose roles
// cannot be read, is denied with errors.ErrPermission.
func (g *Gate) Check(ctx context.Context, user User, permission, operation string) error {
	if len(user.Groups) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: user %s does not have an access role specified", errors.ErrPermission, user.Name),
			"Gate", "Check", operation)
	}

	roles, err := g.roles.FindByNames(ctx, user.Groups)
	if err != nil {
		g.logger.Error("Failed to read roles, denying access",
			"user", user.Name, "operation", operation, "error", err)
		roles = nil
	}

	for _, role := range roles {
		if role.Admin || role.Permissions.Granted(permission) {
			return nil
		}
	}

	g.logger.Info("Permission denied", "user", user.Name, "operation", operation, "permission", permission)
	return errors.WrapInvalid(
		fmt.Errorf("%w: user %s is not authorised to %s", errors.ErrPermission, user.Name, operation),
		"Gate", "Check", operation)
}

// IsAdmin reports whether any role of user is an admin role
func (g *Gate) IsAdmin(ctx context.Context, user User) bool {
	if len(user.Groups) == 0 {
		return false
	}
	roles, err := g.roles.FindByNames(ctx, user.Groups)
	if err != nil {
		return false
	}
	for _, role := range roles {
		if role.Admin {
			return true
		}
	}
	return false
}
