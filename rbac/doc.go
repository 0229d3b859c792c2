// Package rbac decides which channels a user may reach and whether an
// administrative operation is allowed.
//
// Roles are matched by name against the user's groups. For a Scope such as
// ScopeView the Resolver returns every channel when any matching role grants
// the scope's "-all" permission, and otherwise the channels in the set union
// of the roles' "-specified" lists. Adding a role can only widen the result.
//
// Role read failures fail closed: the Resolver returns no channels and the
// Gate denies.
//
// Administrative roles carry an explicit Admin flag. LegacyAdminName keeps
// the old name based rule available for seed imports only.
package rbac
