package rbac

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/c360/openhim-core/metric"
	"github.com/c360/openhim-core/pkg/cache"
)

// cachedRole remembers a lookup result, including names with no role
type cachedRole struct {
	role  Role
	found bool
}

// CachedRoles serves FindByNames from a bounded cache in front of another
// RoleRepository. Repository errors are returned and never cached.
type CachedRoles struct {
	inner RoleRepository
	cache *cache.Cache[cachedRole]
}

var _ RoleRepository = (*CachedRoles)(nil)

// NewCachedRoles caches up to size role names for ttl each. A nil registry
// disables metrics.
func NewCachedRoles(inner RoleRepository, size int, ttl time.Duration,
	registry *metric.MetricsRegistry) (*CachedRoles, error) {
	c, err := cache.New(size, ttl, cache.WithMetrics[cachedRole](registry, "rbac_roles"))
	if err != nil {
		return nil, err
	}
	return &CachedRoles{inner: inner, cache: c}, nil
}

// FindByNames returns the roles named in names, ordered by name
func (c *CachedRoles) FindByNames(ctx context.Context, names []string) ([]Role, error) {
	roles := []Role{}
	var missing []string
	for _, name := range names {
		hit, ok := c.cache.Get(name)
		switch {
		case !ok:
			missing = append(missing, name)
		case hit.found:
			roles = append(roles, hit.role)
		}
	}

	if len(missing) > 0 {
		fetched, err := c.inner.FindByNames(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, role := range fetched {
			_ = c.cache.Set(role.Name, cachedRole{role: role, found: true})
			roles = append(roles, role)
		}
		for _, name := range missing {
			if !slices.ContainsFunc(fetched, func(r Role) bool { return r.Name == name }) {
				_ = c.cache.Set(name, cachedRole{})
			}
		}
	}

	slices.SortFunc(roles, func(a, b Role) int { return strings.Compare(a.Name, b.Name) })
	return slices.CompactFunc(roles, func(a, b Role) bool { return a.Name == b.Name }), nil
}

// Invalidate drops the cached entries for names
func (c *CachedRoles) Invalidate(names ...string) {
	for _, name := range names {
		c.cache.Delete(name)
	}
}
