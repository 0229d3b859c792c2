package rbac

import "context"

// RoleRepository reads roles
type RoleRepository interface {
	// FindByNames returns the roles whose name is in names. Unknown names are
	// skipped.
	FindByNames(ctx context.Context, names []string) ([]Role, error)
}

// ChannelRepository reads channels
type ChannelRepository interface {
	All(ctx context.Context) ([]Channel, error)
	// FindByIDs returns the channels whose id is in ids. Unknown ids are
	// skipped.
	FindByIDs(ctx context.Context, ids []string) ([]Channel, error)
}

// Writer stores roles and channels. Both sqlstore and kvstore implement it.
type Writer interface {
	PutRole(ctx context.Context, role Role) error
	PutChannel(ctx context.Context, channel Channel) error
}
