package rbac

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/metric"
)

// Resolver computes the channels a user may view or rerun from the roles
// matching the user's groups. It reads through its repositories on every
// call and keeps no cache.
type Resolver struct {
	roles    RoleRepository
	channels ChannelRepository
	logger   *slog.Logger
	lookups  *prometheus.CounterVec
}

// NewResolver creates a Resolver. A nil registry disables metrics.
func NewResolver(roles RoleRepository, channels ChannelRepository, logger *slog.Logger,
	registry *metric.MetricsRegistry) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		roles:    roles,
		channels: channels,
		logger:   logger.With("component", "rbac"),
	}

	if registry != nil {
		r.lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "rbac",
			Name:      "channel_lookups_total",
			Help:      "Channel visibility lookups by scope and outcome",
		}, []string{"scope", "outcome"})
		if err := registry.RegisterCounterVec("rbac", "channel_lookups_total", r.lookups); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ViewableChannels returns the channels whose transactions user may read
func (r *Resolver) ViewableChannels(ctx context.Context, user User) ([]Channel, error) {
	return r.Channels(ctx, user, ScopeView)
}

// RerunnableChannels returns the channels whose transactions user may rerun
func (r *Resolver) RerunnableChannels(ctx context.Context, user User) ([]Channel, error) {
	return r.Channels(ctx, user, ScopeRerun)
}

// Channels resolves scope for user:
//   - no role matches the user's groups: no channels
//   - any matching role grants scope.All: every channel
//   - otherwise the channels in the union of the roles' scope.Specified lists
//
// A failure to read roles is logged and treated as no roles. Only channel
// read failures are returned.
func (r *Resolver) Channels(ctx context.Context, user User, scope Scope) ([]Channel, error) {
	roles := r.matchingRoles(ctx, user, scope)
	if len(roles) == 0 {
		r.record(scope, "none")
		return []Channel{}, nil
	}

	for _, role := range roles {
		if role.Permissions.Granted(scope.All) {
			channels, err := r.channels.All(ctx)
			if err != nil {
				r.record(scope, "error")
				return nil, errors.WrapTransient(err, "Resolver", "Channels", "read all channels")
			}
			r.record(scope, "all")
			return nonNil(channels), nil
		}
	}

	ids := specifiedUnion(roles, scope.Specified)
	if len(ids) == 0 {
		r.record(scope, "none")
		return []Channel{}, nil
	}

	channels, err := r.channels.FindByIDs(ctx, ids)
	if err != nil {
		r.record(scope, "error")
		return nil, errors.WrapTransient(err, "Resolver", "Channels", "read specified channels")
	}
	r.record(scope, "specified")
	return nonNil(channels), nil
}

// CanAccess reports whether channelID is among the channels user may reach
// in scope
func (r *Resolver) CanAccess(ctx context.Context, user User, scope Scope, channelID string) (bool, error) {
	channels, err := r.Channels(ctx, user, scope)
	if err != nil {
		return false, err
	}
	for _, c := range channels {
		if c.ID == channelID {
			return true, nil
		}
	}
	return false, nil
}

func (r *Resolver) matchingRoles(ctx context.Context, user User, scope Scope) []Role {
	if len(user.Groups) == 0 {
		return nil
	}
	roles, err := r.roles.FindByNames(ctx, user.Groups)
	if err != nil {
		r.logger.Error("Failed to read roles, denying access",
			"user", user.Name, "scope", scope.Name, "error", err)
		return nil
	}
	return roles
}

func (r *Resolver) record(scope Scope, outcome string) {
	if r.lookups == nil {
		return
	}
	r.lookups.WithLabelValues(scope.Name, outcome).Inc()
}

// specifiedUnion merges the key lists of roles, dropping duplicates and
// keeping first-seen order
func specifiedUnion(roles []Role, key string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, role := range roles {
		for _, id := range role.Permissions.Channels(key) {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

func nonNil(channels []Channel) []Channel {
	if channels == nil {
		return []Channel{}
	}
	return channels
}
